// Package pe reads and writes the PE/COFF container of managed images.
package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Header signatures and fixed sizes.
const (
	DOSSignature = 0x5A4D
	NTSignature  = 0x00004550

	DOSHeaderSize      = 64
	FileHeaderSize     = 20
	SectionHeaderSize  = 40
	OptionalHeader32Sz = 224
	OptionalHeader64Sz = 240

	// Offset of CheckSum inside both optional header variants.
	checksumFieldOffset = 64
)

// Data directory slots used by managed images.
const (
	DirectoryImport    = 1
	DirectoryResource  = 2
	DirectoryException = 3
	DirectorySecurity  = 4
	DirectoryBaseReloc = 5
	DirectoryDebug     = 6
	DirectoryIAT       = 12
	DirectoryCLR       = 14
)

// DataDirectory is an RVA and size pair.
type DataDirectory = pe.DataDirectory

// SectionHeader is the on-disk section header.
type SectionHeader = pe.SectionHeader32

// DOSHeader is IMAGE_DOS_HEADER.
type DOSHeader struct {
	Magic    uint16
	Cblp     uint16
	Cp       uint16
	Crlc     uint16
	Cparhdr  uint16
	Minalloc uint16
	Maxalloc uint16
	Ss       uint16
	Sp       uint16
	Csum     uint16
	Ip       uint16
	Cs       uint16
	Lfarlc   uint16
	Ovno     uint16
	Res      [4]uint16
	Oemid    uint16
	Oeminfo  uint16
	Res2     [10]uint16
	Lfanew   uint32
}

// dosStub is the real-mode program every toolchain places after the DOS
// header. It prints "This program cannot be run in DOS mode." and exits.
var dosStub = []byte{
	0x0E, 0x1F, 0xBA, 0x0E, 0x00, 0xB4, 0x09, 0xCD, 0x21, 0xB8, 0x01, 0x4C, 0xCD, 0x21, 0x54, 0x68,
	0x69, 0x73, 0x20, 0x70, 0x72, 0x6F, 0x67, 0x72, 0x61, 0x6D, 0x20, 0x63, 0x61, 0x6E, 0x6E, 0x6F,
	0x74, 0x20, 0x62, 0x65, 0x20, 0x72, 0x75, 0x6E, 0x20, 0x69, 0x6E, 0x20, 0x44, 0x4F, 0x53, 0x20,
	0x6D, 0x6F, 0x64, 0x65, 0x2E, 0x0D, 0x0D, 0x0A, 0x24, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// NewDOSHeader returns the DOS header emitted by common toolchains, with the
// NT headers placed right after the standard stub.
func NewDOSHeader() DOSHeader {
	return DOSHeader{
		Magic:    DOSSignature,
		Cblp:     0x90,
		Cp:       0x03,
		Cparhdr:  0x04,
		Maxalloc: 0xFFFF,
		Sp:       0xB8,
		Lfarlc:   0x40,
		Lfanew:   DOSHeaderSize + uint32(len(dosStub)),
	}
}

// Headers is the PE/COFF header set of an image.
type Headers struct {
	DOS      DOSHeader
	File     pe.FileHeader
	Optional interface{} // *pe.OptionalHeader32 or *pe.OptionalHeader64
	Sections []pe.SectionHeader32
}

// ReadHeaders parses the DOS header, NT headers and the section table.
func ReadHeaders(r io.ReaderAt) (*Headers, error) {
	h := &Headers{}
	if err := binary.Read(io.NewSectionReader(r, 0, DOSHeaderSize), binary.LittleEndian, &h.DOS); err != nil {
		return nil, WrapFormat(err, "truncated DOS header")
	}
	if h.DOS.Magic != DOSSignature {
		return nil, Errorf("invalid DOS signature 0x%04X", h.DOS.Magic)
	}

	var sig [4]byte
	if _, err := r.ReadAt(sig[:], int64(h.DOS.Lfanew)); err != nil {
		return nil, WrapFormat(err, "truncated NT header")
	}
	if binary.LittleEndian.Uint32(sig[:]) != NTSignature {
		return nil, Errorf("invalid NT signature 0x%08X", binary.LittleEndian.Uint32(sig[:]))
	}

	f, err := pe.NewFile(r)
	if err != nil {
		return nil, WrapFormat(err, "cannot parse NT headers")
	}
	h.File = f.FileHeader
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		c := *oh
		h.Optional = &c
	case *pe.OptionalHeader64:
		c := *oh
		h.Optional = &c
	default:
		return nil, Errorf("missing optional header")
	}

	h.Sections = make([]pe.SectionHeader32, h.File.NumberOfSections)
	sr := io.NewSectionReader(r, h.SectionTableOffset(), int64(len(h.Sections))*SectionHeaderSize)
	if err := binary.Read(sr, binary.LittleEndian, h.Sections); err != nil {
		return nil, WrapFormat(err, "truncated section table")
	}
	return h, nil
}

// Is64 reports whether the optional header is the PE32+ variant.
func (h *Headers) Is64() bool {
	_, ok := h.Optional.(*pe.OptionalHeader64)
	return ok
}

// DataDirectory returns directory i, or a zero entry if the header has fewer.
func (h *Headers) DataDirectory(i int) pe.DataDirectory {
	switch oh := h.Optional.(type) {
	case *pe.OptionalHeader32:
		if uint32(i) < oh.NumberOfRvaAndSizes && i < len(oh.DataDirectory) {
			return oh.DataDirectory[i]
		}
	case *pe.OptionalHeader64:
		if uint32(i) < oh.NumberOfRvaAndSizes && i < len(oh.DataDirectory) {
			return oh.DataDirectory[i]
		}
	}
	return pe.DataDirectory{}
}

// SetDataDirectory replaces directory i.
func (h *Headers) SetDataDirectory(i int, d pe.DataDirectory) {
	switch oh := h.Optional.(type) {
	case *pe.OptionalHeader32:
		oh.DataDirectory[i] = d
	case *pe.OptionalHeader64:
		oh.DataDirectory[i] = d
	}
}

// ImageBase returns the preferred load address.
func (h *Headers) ImageBase() uint64 {
	switch oh := h.Optional.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		return oh.ImageBase
	}
	return 0
}

// CheckSum returns the stored PE checksum.
func (h *Headers) CheckSum() uint32 {
	switch oh := h.Optional.(type) {
	case *pe.OptionalHeader32:
		return oh.CheckSum
	case *pe.OptionalHeader64:
		return oh.CheckSum
	}
	return 0
}

// OptionalHeaderOffset is the file offset of the optional header.
func (h *Headers) OptionalHeaderOffset() int64 {
	return int64(h.DOS.Lfanew) + 4 + FileHeaderSize
}

// ChecksumOffset is the file offset of the CheckSum field.
func (h *Headers) ChecksumOffset() int64 {
	return h.OptionalHeaderOffset() + checksumFieldOffset
}

// DataDirectoryOffset is the file offset of data directory slot i.
func (h *Headers) DataDirectoryOffset(i int) int64 {
	return DataDirectoryOffset(int64(h.DOS.Lfanew), h.Is64(), i)
}

// DataDirectoryOffset computes the file offset of directory slot i for NT
// headers starting at ntOffset.
func DataDirectoryOffset(ntOffset int64, is64 bool, i int) int64 {
	base := ntOffset + 4 + FileHeaderSize + 96
	if is64 {
		base = ntOffset + 4 + FileHeaderSize + 112
	}
	return base + int64(i)*8
}

// SectionTableOffset is the file offset of the first section header.
func (h *Headers) SectionTableOffset() int64 {
	return h.OptionalHeaderOffset() + int64(h.File.SizeOfOptionalHeader)
}

// Size is the unaligned size of every header including the section table.
func (h *Headers) Size() uint32 {
	return uint32(h.SectionTableOffset()) + uint32(len(h.Sections))*SectionHeaderSize
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	c := *h
	switch oh := h.Optional.(type) {
	case *pe.OptionalHeader32:
		o := *oh
		c.Optional = &o
	case *pe.OptionalHeader64:
		o := *oh
		c.Optional = &o
	}
	c.Sections = append([]pe.SectionHeader32(nil), h.Sections...)
	return &c
}

// Bytes serializes the header set: DOS header, stub, NT headers and the
// section table.
func (h *Headers) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h.DOS); err != nil {
		return nil, errors.Wrap(err, "write DOS header")
	}
	buf.Write(dosStub)
	if uint32(buf.Len()) > h.DOS.Lfanew {
		return nil, errors.Errorf("NT header offset 0x%X overlaps DOS stub", h.DOS.Lfanew)
	}
	buf.Write(make([]byte, int(h.DOS.Lfanew)-buf.Len()))

	if err := binary.Write(&buf, binary.LittleEndian, uint32(NTSignature)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, &h.File); err != nil {
		return nil, errors.Wrap(err, "write file header")
	}
	if err := binary.Write(&buf, binary.LittleEndian, h.Optional); err != nil {
		return nil, errors.Wrap(err, "write optional header")
	}
	if err := binary.Write(&buf, binary.LittleEndian, h.Sections); err != nil {
		return nil, errors.Wrap(err, "write section table")
	}
	return buf.Bytes(), nil
}

// SectionName decodes a section header's NUL-padded name.
func SectionName(s pe.SectionHeader32) string {
	return strings.TrimRight(string(s.Name[:]), "\x00")
}

// NewSectionName encodes name into the 8-byte header field.
func NewSectionName(name string) ([8]uint8, error) {
	var out [8]uint8
	if len(name) > len(out) {
		return out, errors.Errorf("section name %q longer than 8 bytes", name)
	}
	copy(out[:], name)
	return out, nil
}
