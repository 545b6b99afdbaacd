package pe

import (
	"debug/pe"

	"github.com/pkg/errors"
)

// Common section characteristics for managed images.
const (
	CharacteristicsText  = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	CharacteristicsRsrc  = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
	CharacteristicsReloc = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_DISCARDABLE | pe.IMAGE_SCN_MEM_READ
)

// Layout assigns virtual addresses and file offsets to sections in
// declaration order. The header size must be known before the first
// section is added.
type Layout struct {
	FileAlignment    uint32
	SectionAlignment uint32
	HeadersSize      uint32

	sections    []pe.SectionHeader32
	nextRVA     uint32
	nextPointer uint32
}

// NewLayout starts a layout after headers of the given unaligned size.
func NewLayout(fileAlignment, sectionAlignment, headersSize uint32) (*Layout, error) {
	if fileAlignment == 0 || fileAlignment&(fileAlignment-1) != 0 {
		return nil, errors.Errorf("file alignment 0x%X is not a power of two", fileAlignment)
	}
	if sectionAlignment < fileAlignment || sectionAlignment&(sectionAlignment-1) != 0 {
		return nil, errors.Errorf("section alignment 0x%X is invalid for file alignment 0x%X", sectionAlignment, fileAlignment)
	}

	aligned := AlignUp(headersSize, fileAlignment)
	return &Layout{
		FileAlignment:    fileAlignment,
		SectionAlignment: sectionAlignment,
		HeadersSize:      aligned,
		nextRVA:          AlignUp(aligned, sectionAlignment),
		nextPointer:      aligned,
	}, nil
}

// NextRVA is the virtual address the next section will start at.
func (l *Layout) NextRVA() uint32 {
	return l.nextRVA
}

// Add appends a section of virtualSize bytes and returns its header.
func (l *Layout) Add(name string, characteristics, virtualSize uint32) (pe.SectionHeader32, error) {
	sectionName, err := NewSectionName(name)
	if err != nil {
		return pe.SectionHeader32{}, err
	}

	rawSize := AlignUp(virtualSize, l.FileAlignment)
	pointer := l.nextPointer
	if characteristics&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0 {
		rawSize, pointer = 0, 0
	}

	h := pe.SectionHeader32{
		Name:             sectionName,
		VirtualSize:      virtualSize,
		VirtualAddress:   l.nextRVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: pointer,
		Characteristics:  characteristics,
	}
	l.sections = append(l.sections, h)
	l.nextRVA += AlignUp(virtualSize, l.SectionAlignment)
	l.nextPointer += rawSize
	return h, nil
}

// Sections returns the headers added so far.
func (l *Layout) Sections() []pe.SectionHeader32 {
	return append([]pe.SectionHeader32(nil), l.sections...)
}

// FileSize is the size of headers plus all raw section data.
func (l *Layout) FileSize() uint32 {
	return l.nextPointer
}

// Geometry holds the aggregate sizes the optional header declares.
type Geometry struct {
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
}

// Geometry aggregates the section sizes.
func (l *Layout) Geometry() Geometry {
	g := Geometry{
		SizeOfHeaders: l.HeadersSize,
		SizeOfImage:   AlignUp(l.HeadersSize, l.SectionAlignment),
	}
	for _, s := range l.sections {
		switch {
		case s.Characteristics&pe.IMAGE_SCN_CNT_CODE != 0:
			if g.BaseOfCode == 0 {
				g.BaseOfCode = s.VirtualAddress
			}
			g.SizeOfCode += s.SizeOfRawData
		case s.Characteristics&pe.IMAGE_SCN_CNT_INITIALIZED_DATA != 0:
			if g.BaseOfData == 0 {
				g.BaseOfData = s.VirtualAddress
			}
			g.SizeOfInitializedData += s.SizeOfRawData
		case s.Characteristics&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0:
			if g.BaseOfData == 0 {
				g.BaseOfData = s.VirtualAddress
			}
			g.SizeOfUninitializedData += AlignUp(s.VirtualSize, l.FileAlignment)
		}
		g.SizeOfImage = s.VirtualAddress + AlignUp(s.VirtualSize, l.SectionAlignment)
	}
	return g
}

// AlignUp aligns a value up to the nearest multiple of alignment.
func AlignUp(value, alignment uint32) uint32 {
	if alignment == 0 {
		return value
	}
	return ((value + alignment - 1) / alignment) * alignment
}
