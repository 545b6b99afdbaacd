package pe

import (
	"debug/pe"
	"fmt"
	"io"
	"sort"
)

// RVAConverter maps relative virtual addresses to file offsets.
// RVA 0 means "absent" and must be handled by the caller.
type RVAConverter interface {
	ToOffset(rva uint32) (uint32, error)
}

type run struct {
	virtualAddress uint32
	virtualEnd     uint32
	rawPointer     uint32
	rawSize        uint32
}

// SectionMap is the default RVAConverter, derived from section headers.
// It is immutable once built.
type SectionMap struct {
	runs []run
}

// NewSectionMap builds a converter from the given section headers.
func NewSectionMap(sections []pe.SectionHeader32) *SectionMap {
	m := &SectionMap{runs: make([]run, 0, len(sections))}
	for _, s := range sections {
		span := s.VirtualSize
		if s.SizeOfRawData > span {
			span = s.SizeOfRawData
		}
		m.runs = append(m.runs, run{
			virtualAddress: s.VirtualAddress,
			virtualEnd:     s.VirtualAddress + span,
			rawPointer:     s.PointerToRawData,
			rawSize:        s.SizeOfRawData,
		})
	}
	sort.Slice(m.runs, func(i, j int) bool {
		return m.runs[i].virtualAddress < m.runs[j].virtualAddress
	})
	return m
}

// ToOffset converts rva to a file offset.
func (m *SectionMap) ToOffset(rva uint32) (uint32, error) {
	i := sort.Search(len(m.runs), func(i int) bool {
		return m.runs[i].virtualEnd > rva
	})
	if i < len(m.runs) && rva >= m.runs[i].virtualAddress {
		return m.runs[i].rawPointer + (rva - m.runs[i].virtualAddress), nil
	}
	return 0, Errorf("RVA 0x%08X is not inside any section", rva)
}

// ToRVA converts a file offset inside section raw data back to an RVA.
func (m *SectionMap) ToRVA(offset uint32) (uint32, error) {
	for _, r := range m.runs {
		if offset >= r.rawPointer && offset < r.rawPointer+r.rawSize {
			return r.virtualAddress + (offset - r.rawPointer), nil
		}
	}
	return 0, Errorf("file offset 0x%08X is not inside any section", offset)
}

// ReadRVA reads size bytes starting at rva.
func ReadRVA(r io.ReaderAt, conv RVAConverter, rva, size uint32) ([]byte, error) {
	offset, err := conv.ToOffset(rva)
	if err != nil {
		return nil, err
	}

	return ReadBounded(r, int64(offset), size, fmt.Sprintf("data at RVA 0x%X", rva))
}
