package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"

	"gotest.tools/assert"
)

func TestBuildRelocations(t *testing.T) {
	tests := []struct {
		name       string
		rvas       []uint32
		wantBlocks int
		wantSize   int
	}{
		{name: "No relocations", rvas: nil, wantBlocks: 0, wantSize: 0},
		{name: "Single entry is padded", rvas: []uint32{0x2004}, wantBlocks: 1, wantSize: 12},
		{name: "Two entries same page", rvas: []uint32{0x2010, 0x2004}, wantBlocks: 1, wantSize: 12},
		{name: "Two pages", rvas: []uint32{0x2004, 0x3008, 0x3010}, wantBlocks: 2, wantSize: 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildRelocations(tt.rvas, IMAGE_REL_BASED_HIGHLOW)
			assert.Equal(t, len(got), tt.wantSize)

			blocks := 0
			for off := 0; off < len(got); {
				size := int(binary.LittleEndian.Uint32(got[off+4:]))
				assert.Assert(t, size%4 == 0)
				blocks++
				off += size
			}
			assert.Equal(t, blocks, tt.wantBlocks)
		})
	}
}

func TestBuildRelocationsEntryEncoding(t *testing.T) {
	got := BuildRelocations([]uint32{0x2ABC}, IMAGE_REL_BASED_HIGHLOW)
	assert.Equal(t, binary.LittleEndian.Uint32(got[0:]), uint32(0x2000))
	assert.Equal(t, binary.LittleEndian.Uint16(got[8:]), uint16(0x3ABC))
	assert.Equal(t, binary.LittleEndian.Uint16(got[10:]), uint16(0))
}

func TestGetRelocationTypeName(t *testing.T) {
	assert.Equal(t, GetRelocationTypeName(IMAGE_REL_BASED_HIGHLOW), "HIGHLOW")
	assert.Equal(t, GetRelocationTypeName(IMAGE_REL_BASED_DIR64), "DIR64")
	assert.Equal(t, GetRelocationTypeName(7), "UNKNOWN(7)")
}

func TestParseRelocations(t *testing.T) {
	blocks := BuildRelocations([]uint32{0x2010, 0x2020, 0x3008}, IMAGE_REL_BASED_HIGHLOW)
	file := newTestImage(t, blocks)
	h, err := ReadHeaders(bytes.NewReader(file))
	assert.NilError(t, err)
	h.SetDataDirectory(DirectoryBaseReloc, pe.DataDirectory{VirtualAddress: h.Sections[0].VirtualAddress, Size: uint32(len(blocks))})

	info, err := ParseRelocations(h, NewSectionMap(h.Sections), bytes.NewReader(file))
	assert.NilError(t, err)
	assert.Assert(t, info.HasRelocations)
	assert.Equal(t, info.BlockCount, 2)
	assert.Equal(t, info.TotalEntries, 4)
	assert.Equal(t, info.Types["HIGHLOW"], 3)
	assert.Equal(t, info.Types["ABSOLUTE"], 1)
}
