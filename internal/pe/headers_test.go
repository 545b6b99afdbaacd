package pe

import (
	"bytes"
	"debug/pe"
	"testing"

	"gotest.tools/assert"
)

// newTestImage lays out a PE32 image with a single .text section filled with
// fill and returns the encoded file.
func newTestImage(t *testing.T, fill []byte) []byte {
	t.Helper()

	h := &Headers{
		DOS: NewDOSHeader(),
		File: pe.FileHeader{
			Machine:              pe.IMAGE_FILE_MACHINE_I386,
			NumberOfSections:     1,
			SizeOfOptionalHeader: OptionalHeader32Sz,
			Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE,
		},
		Optional: &pe.OptionalHeader32{
			Magic:               0x10B,
			ImageBase:           0x400000,
			SectionAlignment:    0x2000,
			FileAlignment:       0x200,
			Subsystem:           pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			NumberOfRvaAndSizes: 16,
		},
	}
	h.Sections = make([]pe.SectionHeader32, 1)

	layout, err := NewLayout(0x200, 0x2000, h.Size())
	assert.NilError(t, err)
	text, err := layout.Add(".text", CharacteristicsText, uint32(len(fill)))
	assert.NilError(t, err)
	h.Sections[0] = text

	g := layout.Geometry()
	oh := h.Optional.(*pe.OptionalHeader32)
	oh.SizeOfCode = g.SizeOfCode
	oh.BaseOfCode = g.BaseOfCode
	oh.SizeOfImage = g.SizeOfImage
	oh.SizeOfHeaders = g.SizeOfHeaders
	oh.AddressOfEntryPoint = text.VirtualAddress

	hdr, err := h.Bytes()
	assert.NilError(t, err)
	file := make([]byte, layout.FileSize())
	copy(file, hdr)
	copy(file[text.PointerToRawData:], fill)
	return file
}

func TestReadHeaders(t *testing.T) {
	file := newTestImage(t, []byte("code"))

	h, err := ReadHeaders(bytes.NewReader(file))
	assert.NilError(t, err)
	assert.Assert(t, !h.Is64())
	assert.Equal(t, h.File.Machine, uint16(pe.IMAGE_FILE_MACHINE_I386))
	assert.Equal(t, len(h.Sections), 1)
	assert.Equal(t, SectionName(h.Sections[0]), ".text")
	assert.Equal(t, h.Sections[0].PointerToRawData, uint32(0x200))
	assert.Equal(t, h.ImageBase(), uint64(0x400000))
	assert.Equal(t, h.DataDirectoryOffset(DirectoryCLR), int64(0x80+4+20+96+14*8))

	again, err := h.Bytes()
	assert.NilError(t, err)
	assert.DeepEqual(t, again, file[:len(again)])
}

func TestReadHeadersRejectsBadSignatures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte)
		want   string
	}{
		{
			name:   "DOS signature",
			mutate: func(b []byte) { b[0] = 'X' },
			want:   "invalid DOS signature",
		},
		{
			name:   "NT signature",
			mutate: func(b []byte) { b[0x80] = 'X' },
			want:   "invalid NT signature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := newTestImage(t, []byte("code"))
			tt.mutate(file)
			_, err := ReadHeaders(bytes.NewReader(file))
			assert.ErrorContains(t, err, tt.want)
			_, ok := err.(*FormatError)
			assert.Assert(t, ok)
		})
	}
}

func TestHeadersClone(t *testing.T) {
	h, err := ReadHeaders(bytes.NewReader(newTestImage(t, []byte("code"))))
	assert.NilError(t, err)

	c := h.Clone()
	c.SetDataDirectory(DirectoryCLR, pe.DataDirectory{VirtualAddress: 0x2008, Size: 72})
	c.Sections[0].VirtualSize = 99

	assert.Equal(t, h.DataDirectory(DirectoryCLR), pe.DataDirectory{})
	assert.Equal(t, c.DataDirectory(DirectoryCLR).Size, uint32(72))
	assert.Equal(t, h.Sections[0].VirtualSize, uint32(4))
}
