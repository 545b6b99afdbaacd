package pe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// Resource types.
//
//nolint:revive // ALL_CAPS matches Windows SDK naming
const (
	RT_ICON       = 3
	RT_STRING     = 6
	RT_GROUP_ICON = 14
	RT_VERSION    = 16
)

// Win32Resources is the raw resource section of an image, captured so it
// can be placed at a different RVA when the image is rewritten.
type Win32Resources struct {
	RVA  uint32 // RVA the data was read from (or last rebased to)
	Size uint32 // size declared by the resource data directory
	Data []byte // section bytes starting at RVA
}

// ResourceInfo contains PE resource information.
type ResourceInfo struct {
	VersionInfo *VersionInfo
	HasIcon     bool
	IconCount   int
	StringCount int
}

// VersionInfo contains version information from RT_VERSION resource.
type VersionInfo struct {
	FileVersion      string
	ProductVersion   string
	CompanyName      string
	ProductName      string
	FileDescription  string
	InternalName     string
	OriginalFilename string
	LegalCopyright   string
}

// IMAGE_RESOURCE_DIRECTORY structure.
type resourceDirectory struct {
	Characteristics      uint32
	TimeDateStamp        uint32
	MajorVersion         uint16
	MinorVersion         uint16
	NumberOfNamedEntries uint16
	NumberOfIdEntries    uint16
}

// IMAGE_RESOURCE_DIRECTORY_ENTRY structure.
type resourceDirectoryEntry struct {
	NameOrID                uint32
	OffsetToDataOrDirectory uint32
}

const (
	resourceDirectorySize = 16
	resourceEntrySize     = 8
	resourceDataEntrySize = 16
	resourceSubdirFlag    = 0x80000000

	// Resource trees are at most three levels deep (type, name, language);
	// the limit also stops cycles in damaged images.
	maxResourceDepth = 8
)

// ReadWin32Resources captures the section holding the resource directory.
// It returns nil when the image has no resources.
func ReadWin32Resources(r io.ReaderAt, h *Headers) (*Win32Resources, error) {
	dir := h.DataDirectory(DirectoryResource)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}

	for _, s := range h.Sections {
		span := s.VirtualSize
		if span == 0 || s.SizeOfRawData < span {
			span = s.SizeOfRawData
		}
		if dir.VirtualAddress < s.VirtualAddress || dir.VirtualAddress >= s.VirtualAddress+span {
			continue
		}

		start := dir.VirtualAddress - s.VirtualAddress
		data := make([]byte, clampToReader(r, int64(s.PointerToRawData+start), span-start))
		if _, err := r.ReadAt(data, int64(s.PointerToRawData+start)); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "read resource section")
		}
		return &Win32Resources{RVA: dir.VirtualAddress, Size: dir.Size, Data: data}, nil
	}
	return nil, Errorf("resource directory RVA 0x%08X is not inside any section", dir.VirtualAddress)
}

// Rebase returns a copy of the resources whose data entries point at
// newRVA instead of the original location.
func (w *Win32Resources) Rebase(newRVA uint32) (*Win32Resources, error) {
	data := append([]byte(nil), w.Data...)
	delta := newRVA - w.RVA
	err := walkResourceDirectory(data, 0, 0, func(entryOffset uint32) error {
		rva := binary.LittleEndian.Uint32(data[entryOffset:])
		if rva < w.RVA || rva-w.RVA >= uint32(len(data)) {
			return errors.Errorf("resource data RVA 0x%08X lies outside the resource section", rva)
		}
		binary.LittleEndian.PutUint32(data[entryOffset:], rva+delta)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Win32Resources{RVA: newRVA, Size: w.Size, Data: data}, nil
}

// walkResourceDirectory calls fn with the offset of every data entry below
// the directory at dirOffset.
func walkResourceDirectory(data []byte, dirOffset uint32, depth int, fn func(entryOffset uint32) error) error {
	if depth > maxResourceDepth {
		return errors.New("resource directory nested too deeply")
	}
	if uint64(dirOffset)+resourceDirectorySize > uint64(len(data)) {
		return errors.Errorf("resource directory at 0x%X is truncated", dirOffset)
	}

	var dir resourceDirectory
	if err := binary.Read(bytes.NewReader(data[dirOffset:]), binary.LittleEndian, &dir); err != nil {
		return err
	}

	total := uint32(dir.NumberOfNamedEntries) + uint32(dir.NumberOfIdEntries)
	for i := uint32(0); i < total; i++ {
		off := dirOffset + resourceDirectorySize + i*resourceEntrySize
		if uint64(off)+resourceEntrySize > uint64(len(data)) {
			return errors.Errorf("resource entry at 0x%X is truncated", off)
		}
		target := binary.LittleEndian.Uint32(data[off+4:])

		if target&resourceSubdirFlag != 0 {
			if err := walkResourceDirectory(data, target&^resourceSubdirFlag, depth+1, fn); err != nil {
				return err
			}
			continue
		}
		if uint64(target)+resourceDataEntrySize > uint64(len(data)) {
			return errors.Errorf("resource data entry at 0x%X is truncated", target)
		}
		if err := fn(target); err != nil {
			return err
		}
	}
	return nil
}

// Describe summarizes the resource tree.
func (w *Win32Resources) Describe() *ResourceInfo {
	info := &ResourceInfo{}
	if len(w.Data) < resourceDirectorySize {
		return info
	}

	var dir resourceDirectory
	if err := binary.Read(bytes.NewReader(w.Data), binary.LittleEndian, &dir); err != nil {
		return info
	}

	total := int(dir.NumberOfNamedEntries) + int(dir.NumberOfIdEntries)
	for i := 0; i < total; i++ {
		off := resourceDirectorySize + i*resourceEntrySize
		if off+resourceEntrySize > len(w.Data) {
			break
		}
		var entry resourceDirectoryEntry
		_ = binary.Read(bytes.NewReader(w.Data[off:]), binary.LittleEndian, &entry)
		if entry.OffsetToDataOrDirectory&resourceSubdirFlag == 0 {
			continue
		}

		switch entry.NameOrID {
		case RT_VERSION:
			info.VersionInfo = w.versionInfo(entry.OffsetToDataOrDirectory &^ resourceSubdirFlag)
		case RT_ICON:
			info.HasIcon = true
			info.IconCount++
		case RT_GROUP_ICON:
			info.HasIcon = true
		case RT_STRING:
			info.StringCount++
		}
	}
	return info
}

func (w *Win32Resources) versionInfo(dirOffset uint32) *VersionInfo {
	var found *VersionInfo
	_ = walkResourceDirectory(w.Data, dirOffset, 1, func(entryOffset uint32) error {
		if found != nil {
			return nil
		}
		rva := binary.LittleEndian.Uint32(w.Data[entryOffset:])
		size := binary.LittleEndian.Uint32(w.Data[entryOffset+4:])
		start := uint64(rva) - uint64(w.RVA)
		if rva < w.RVA || start+uint64(size) > uint64(len(w.Data)) {
			return nil
		}
		found = parseVersionInfo(w.Data[start : start+uint64(size)])
		return nil
	})
	return found
}

func parseVersionInfo(data []byte) *VersionInfo {
	if len(data) < 6 {
		return nil
	}

	info := &VersionInfo{
		CompanyName:      extractVersionString(data, "CompanyName"),
		FileDescription:  extractVersionString(data, "FileDescription"),
		FileVersion:      extractVersionString(data, "FileVersion"),
		InternalName:     extractVersionString(data, "InternalName"),
		LegalCopyright:   extractVersionString(data, "LegalCopyright"),
		OriginalFilename: extractVersionString(data, "OriginalFilename"),
		ProductName:      extractVersionString(data, "ProductName"),
		ProductVersion:   extractVersionString(data, "ProductVersion"),
	}

	// Fall back to VS_FIXEDFILEINFO when the string table is absent.
	if info.FileVersion == "" && len(data) >= 52 {
		for i := 0; i < len(data)-52; i++ {
			if binary.LittleEndian.Uint32(data[i:]) != 0xFEEF04BD {
				continue
			}
			info.FileVersion = formatVersion(binary.LittleEndian.Uint32(data[i+8:]), binary.LittleEndian.Uint32(data[i+12:]))
			info.ProductVersion = formatVersion(binary.LittleEndian.Uint32(data[i+16:]), binary.LittleEndian.Uint32(data[i+20:]))
			break
		}
	}
	return info
}

func formatVersion(ms, ls uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", ms>>16, ms&0xFFFF, ls>>16, ls&0xFFFF)
}

func extractVersionString(data []byte, key string) string {
	keyUTF16 := encodeUTF16(key)

	keyPos := -1
	for i := 0; i+len(keyUTF16) < len(data); i++ {
		if string(data[i:i+len(keyUTF16)]) == string(keyUTF16) {
			keyPos = i
			break
		}
	}
	if keyPos == -1 {
		return ""
	}

	// Skip the key and its terminator, then align to 4 bytes.
	valueStart := keyPos + len(keyUTF16) + 2
	if valueStart%4 != 0 {
		valueStart += 4 - (valueStart % 4)
	}
	if valueStart >= len(data) {
		return ""
	}

	valueEnd := valueStart
	for valueEnd < len(data)-1 {
		if data[valueEnd] == 0 && data[valueEnd+1] == 0 {
			break
		}
		valueEnd += 2
	}
	if valueEnd >= len(data) {
		return ""
	}
	return decodeUTF16(data[valueStart:valueEnd])
}

func encodeUTF16(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	result := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(result[i*2:], v)
	}
	return result
}

func decodeUTF16(data []byte) string {
	if len(data)%2 != 0 {
		return ""
	}

	u16 := make([]uint16, len(data)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return string(utf16.Decode(u16))
}
