package pe

import (
	"encoding/binary"
	"testing"

	"github.com/Microsoft/go-winio/pkg/guid"
	"gotest.tools/assert"
)

func codeViewEntry(path string) DebugEntry {
	g, _ := guid.FromString("0c6e9a1e-2a43-4f0f-8d36-5c8b4a6d7e01")
	raw := g.ToWindowsArray()

	data := make([]byte, 24+len(path)+1)
	binary.LittleEndian.PutUint32(data, codeViewSignature)
	copy(data[4:], raw[:])
	binary.LittleEndian.PutUint32(data[20:], 1)
	copy(data[24:], path)
	return DebugEntry{Directory: DebugDirectory{Type: DebugTypeCodeView}, Data: data}
}

func TestBuildDebugDirectory(t *testing.T) {
	entries := []DebugEntry{
		codeViewEntry(`C:\src\app.pdb`),
		{Directory: DebugDirectory{Type: DebugTypeRepro}},
	}

	buf, tableSize := BuildDebugDirectory(entries, 0x3000, 0x1000)
	assert.Equal(t, tableSize, uint32(56))
	assert.Equal(t, uint32(len(buf)), DebugDirectorySize(entries))

	// First entry points right after the table.
	assert.Equal(t, binary.LittleEndian.Uint32(buf[20:]), uint32(0x3000+56))
	assert.Equal(t, binary.LittleEndian.Uint32(buf[24:]), uint32(0x1000+56))
	// The repro entry has no data.
	assert.Equal(t, binary.LittleEndian.Uint32(buf[28+16:]), uint32(0))
	assert.Equal(t, binary.LittleEndian.Uint32(buf[28+20:]), uint32(0))
}

func TestDebugEntryCodeView(t *testing.T) {
	e := codeViewEntry(`C:\src\app.pdb`)
	g, age, path, ok := e.CodeView()
	assert.Assert(t, ok)
	assert.Equal(t, g.String(), "0c6e9a1e-2a43-4f0f-8d36-5c8b4a6d7e01")
	assert.Equal(t, age, uint32(1))
	assert.Equal(t, path, `C:\src\app.pdb`)

	_, _, _, ok = DebugEntry{Directory: DebugDirectory{Type: DebugTypeRepro}}.CodeView()
	assert.Assert(t, !ok)
}
