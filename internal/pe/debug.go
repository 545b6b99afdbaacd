package pe

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/pkg/errors"
)

// Debug directory entry types.
const (
	DebugTypeCodeView = 2
	DebugTypeRepro    = 16

	debugDirectorySize = 28
	codeViewSignature  = 0x53445352 // "RSDS"
)

// DebugDirectory is IMAGE_DEBUG_DIRECTORY.
type DebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// DebugEntry is a debug directory entry together with the data it points at.
type DebugEntry struct {
	Directory DebugDirectory
	Data      []byte
}

// ReadDebugDirectory reads every entry of data directory 6. It returns nil
// when the directory is absent.
func ReadDebugDirectory(r io.ReaderAt, h *Headers, conv RVAConverter) ([]DebugEntry, error) {
	dir := h.DataDirectory(DirectoryDebug)
	if dir.VirtualAddress == 0 {
		return nil, nil
	}

	raw, err := ReadRVA(r, conv, dir.VirtualAddress, dir.Size)
	if err != nil {
		return nil, errors.Wrap(err, "read debug directory")
	}

	entries := make([]DebugEntry, 0, len(raw)/debugDirectorySize)
	for off := 0; off+debugDirectorySize <= len(raw); off += debugDirectorySize {
		var e DebugEntry
		if err := binary.Read(bytes.NewReader(raw[off:]), binary.LittleEndian, &e.Directory); err != nil {
			return nil, err
		}
		if e.Directory.SizeOfData != 0 && e.Directory.PointerToRawData != 0 {
			e.Data, err = ReadBounded(r, int64(e.Directory.PointerToRawData), e.Directory.SizeOfData, "debug data")
			if err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DebugDirectorySize is the size of the directory table plus the data of
// every entry, each data block aligned to 4 bytes.
func DebugDirectorySize(entries []DebugEntry) uint32 {
	size := uint32(len(entries)) * debugDirectorySize
	for _, e := range entries {
		size = AlignUp(size, 4) + uint32(len(e.Data))
	}
	return size
}

// BuildDebugDirectory lays the entries out at rva/offset and returns the
// bytes and the size of the directory table itself.
func BuildDebugDirectory(entries []DebugEntry, rva, offset uint32) ([]byte, uint32) {
	tableSize := uint32(len(entries)) * debugDirectorySize
	buf := make([]byte, DebugDirectorySize(entries))

	pos := tableSize
	for i, e := range entries {
		d := e.Directory
		d.SizeOfData = uint32(len(e.Data))
		d.AddressOfRawData, d.PointerToRawData = 0, 0
		if len(e.Data) > 0 {
			pos = AlignUp(pos, 4)
			d.AddressOfRawData = rva + pos
			d.PointerToRawData = offset + pos
			copy(buf[pos:], e.Data)
			pos += uint32(len(e.Data))
		}

		var w bytes.Buffer
		_ = binary.Write(&w, binary.LittleEndian, &d)
		copy(buf[uint32(i)*debugDirectorySize:], w.Bytes())
	}
	return buf, tableSize
}

// CodeView decodes an RSDS record: PDB signature, age and path.
func (e DebugEntry) CodeView() (guid.GUID, uint32, string, bool) {
	if e.Directory.Type != DebugTypeCodeView || len(e.Data) < 24 {
		return guid.GUID{}, 0, "", false
	}
	if binary.LittleEndian.Uint32(e.Data) != codeViewSignature {
		return guid.GUID{}, 0, "", false
	}

	var raw [16]byte
	copy(raw[:], e.Data[4:20])
	age := binary.LittleEndian.Uint32(e.Data[20:])
	path := e.Data[24:]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	return guid.FromWindowsArray(raw), age, string(path), true
}
