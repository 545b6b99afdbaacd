package cli

import (
	"bytes"
	"testing"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/ZacharyZcR/MetaPatch/internal/image"
	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
	"github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/fatih/color"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, formatSize(tt.bytes), tt.want)
	}
}

func TestCLIFlagNames(t *testing.T) {
	assert.Equal(t, cliFlagNames(0), "无")
	assert.Equal(t, cliFlagNames(metadata.FlagILOnly|metadata.FlagStrongNameSigned), "ILONLY | STRONGNAMESIGNED")
}

func TestReporterPrint(t *testing.T) {
	color.NoColor = true

	m := metadata.NewModule()
	_, err := m.AddModule("app.exe", guid.GUID{Data1: 1})
	assert.NilError(t, err)
	_, err = m.AddTypeDef(0, "<Module>", "", 0)
	assert.NilError(t, err)

	var img bytes.Buffer
	_, err = image.Write(m, &img, nil)
	assert.NilError(t, err)

	r := bytes.NewReader(img.Bytes())
	opts := &image.ReadOptions{}
	read, err := image.Read(r, opts)
	assert.NilError(t, err)
	summary := pe.NewAnalyzer(r, opts.Info.Headers(), int64(img.Len())).Analyze()

	var out bytes.Buffer
	rep := NewReporter(&Report{FilePath: "app.exe", Summary: summary, Info: opts.Info, Module: read})
	rep.SetOutput(&out)
	rep.Print()

	text := out.String()
	assert.Assert(t, is.Contains(text, "MetaPatch 分析报告"))
	assert.Assert(t, is.Contains(text, "app.exe"))
	assert.Assert(t, is.Contains(text, ".text"))
	assert.Assert(t, is.Contains(text, "重定位"))
	assert.Assert(t, is.Contains(text, "HIGHLOW"))
	assert.Assert(t, is.Contains(text, "ILONLY"))
	assert.Assert(t, is.Contains(text, "#Strings"))
	assert.Assert(t, is.Contains(text, "TypeDef"))
	assert.Assert(t, is.Contains(text, "未签名"))
}
