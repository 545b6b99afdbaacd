// Package main 生成一个最小的 "Hello, World!" 控制台程序集。
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/ZacharyZcR/MetaPatch/internal/image"
	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
)

// mscorlib 的公钥令牌。
var mscorlibToken = []byte{0xB7, 0x7A, 0x5C, 0x56, 0x19, 0x34, 0xE0, 0x89}

// IL 操作码。
const (
	opLdstr = 0x72
	opCall  = 0x28
	opRet   = 0x2A
)

// main 是应用程序的入口点。
func main() {
	out := "hello.exe"
	if len(os.Args) > 1 {
		out = os.Args[1]
	}

	m, err := helloModule("Hello, World!")
	if err == nil {
		_, err = image.WriteFile(m, out, nil)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
	fmt.Println("已生成", out)
}

// helloModule 构建调用 System.Console.WriteLine 输出 message 的模块。
func helloModule(message string) (*metadata.Module, error) {
	m := metadata.NewModule()
	t := m.Tables()
	s := m.Streams.Strings()

	mvid, err := guid.NewV4()
	if err != nil {
		return nil, err
	}
	if _, err := m.AddModule("hello.exe", mvid); err != nil {
		return nil, err
	}
	if _, err := m.AddAssembly("hello", [4]uint16{1, 0, 0, 0}, 0x8004); err != nil {
		return nil, err
	}

	token, err := m.Streams.Blobs().Add(mscorlibToken)
	if err != nil {
		return nil, err
	}
	corlib, err := t.AddRow(metadata.TableAssemblyRef, 4, 0, 0, 0, 0, token, s.Add("mscorlib"), 0, 0)
	if err != nil {
		return nil, err
	}

	scope, _ := metadata.ResolutionScope.Encode(metadata.TableAssemblyRef, corlib)
	console, err := t.AddRow(metadata.TableTypeRef, scope, s.Add("Console"), s.Add("System"))
	if err != nil {
		return nil, err
	}

	// void (string)
	sig, err := m.Streams.Blobs().Add([]byte{0x00, 0x01, 0x01, 0x0E})
	if err != nil {
		return nil, err
	}
	parent, _ := metadata.MemberRefParent.Encode(metadata.TableTypeRef, console)
	writeLine, err := t.AddRow(metadata.TableMemberRef, parent, s.Add("WriteLine"), sig)
	if err != nil {
		return nil, err
	}

	str, err := m.Streams.UserStrings().Add(message)
	if err != nil {
		return nil, err
	}

	if _, err := m.AddTypeDef(0, "<Module>", "", 0); err != nil {
		return nil, err
	}
	entry, err := m.AddMethod(0x0016, 0, "Main", []byte{0x00, 0x00, 0x01}, helloBody(str, writeLine))
	if err != nil {
		return nil, err
	}
	m.EntryPoint = uint32(metadata.TableMethodDef)<<24 | entry
	return m, nil
}

// helloBody 返回 ldstr; call; ret 的 tiny 方法体。
func helloBody(str, memberRef uint32) []byte {
	code := make([]byte, 11)
	code[0] = opLdstr
	binary.LittleEndian.PutUint32(code[1:], 0x70000000|str)
	code[5] = opCall
	binary.LittleEndian.PutUint32(code[6:], uint32(metadata.TableMemberRef)<<24|memberRef)
	code[10] = opRet
	return append([]byte{byte(len(code))<<2 | 0x02}, code...)
}
