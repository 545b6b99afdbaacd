package metadata

import (
	"bytes"
	"io"
	"unicode/utf16"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/pkg/errors"
)

// Canonical stream names.
const (
	StreamTables             = "#~"
	StreamTablesUncompressed = "#-"
	StreamStrings            = "#Strings"
	StreamUserStrings        = "#US"
	StreamBlob               = "#Blob"
	StreamGUID               = "#GUID"
)

// writePadded writes data followed by zero padding to a 4-byte boundary.
func writePadded(w io.Writer, data []byte) (int64, error) {
	n, err := w.Write(data)
	if err != nil {
		return int64(n), err
	}
	pad := int(pe.AlignUp(uint32(len(data)), 4)) - len(data)
	m, err := w.Write(make([]byte, pad))
	return int64(n + m), err
}

// StringHeap is the #Strings heap of NUL-terminated UTF-8 identifiers.
// Existing bytes are kept verbatim; Add appends.
type StringHeap struct {
	name  string
	data  []byte
	index map[string]uint32
}

// NewStringHeap wraps existing heap bytes. An empty heap gets the
// mandatory leading empty string.
func NewStringHeap(name string, data []byte) *StringHeap {
	if len(data) == 0 {
		data = []byte{0}
	}
	return &StringHeap{name: name, data: data}
}

func (h *StringHeap) Name() string { return h.name }
func (h *StringHeap) Role() Role   { return RoleStrings }
func (h *StringHeap) Size() uint32 { return pe.AlignUp(uint32(len(h.data)), 4) }
func (h *StringHeap) Len() uint32  { return uint32(len(h.data)) }

func (h *StringHeap) WriteTo(w io.Writer) (int64, error) {
	return writePadded(w, h.data)
}

// Get returns the string starting at index.
func (h *StringHeap) Get(index uint32) (string, error) {
	if index >= uint32(len(h.data)) {
		return "", errors.Errorf("string index 0x%X outside heap of %d bytes", index, len(h.data))
	}
	end := bytes.IndexByte(h.data[index:], 0)
	if end < 0 {
		return "", errors.Errorf("unterminated string at 0x%X", index)
	}
	return string(h.data[index : index+uint32(end)]), nil
}

// Add interns s and returns its index.
func (h *StringHeap) Add(s string) uint32 {
	if s == "" {
		return 0
	}
	if h.index == nil {
		h.index = make(map[string]uint32)
		for pos := 1; pos < len(h.data); {
			end := bytes.IndexByte(h.data[pos:], 0)
			if end < 0 {
				break
			}
			if _, ok := h.index[string(h.data[pos:pos+end])]; !ok {
				h.index[string(h.data[pos:pos+end])] = uint32(pos)
			}
			pos += end + 1
		}
	}
	if i, ok := h.index[s]; ok {
		return i
	}

	i := uint32(len(h.data))
	h.data = append(h.data, s...)
	h.data = append(h.data, 0)
	h.index[s] = i
	return i
}

// Clone returns an independent copy.
func (h *StringHeap) Clone() *StringHeap {
	return &StringHeap{name: h.name, data: append([]byte(nil), h.data...)}
}

// BlobHeap is the #Blob heap of length-prefixed byte strings.
type BlobHeap struct {
	name  string
	data  []byte
	index map[string]uint32
}

// NewBlobHeap wraps existing heap bytes.
func NewBlobHeap(name string, data []byte) *BlobHeap {
	if len(data) == 0 {
		data = []byte{0}
	}
	return &BlobHeap{name: name, data: data}
}

func (h *BlobHeap) Name() string { return h.name }
func (h *BlobHeap) Role() Role   { return RoleBlob }
func (h *BlobHeap) Size() uint32 { return pe.AlignUp(uint32(len(h.data)), 4) }
func (h *BlobHeap) Len() uint32  { return uint32(len(h.data)) }

func (h *BlobHeap) WriteTo(w io.Writer) (int64, error) {
	return writePadded(w, h.data)
}

// Get returns the blob starting at index.
func (h *BlobHeap) Get(index uint32) ([]byte, error) {
	if index >= uint32(len(h.data)) {
		return nil, errors.Errorf("blob index 0x%X outside heap of %d bytes", index, len(h.data))
	}
	length, n, err := DecodeCompressedUint(h.data[index:])
	if err != nil {
		return nil, errors.Wrapf(err, "blob at 0x%X", index)
	}
	start := index + uint32(n)
	if uint64(start)+uint64(length) > uint64(len(h.data)) {
		return nil, errors.Errorf("blob at 0x%X overruns heap", index)
	}
	return h.data[start : start+length], nil
}

// Add interns b and returns its index.
func (h *BlobHeap) Add(b []byte) (uint32, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if h.index == nil {
		h.index = make(map[string]uint32)
		for pos := uint32(1); pos < uint32(len(h.data)); {
			blob, err := h.Get(pos)
			if err != nil {
				break
			}
			if _, ok := h.index[string(blob)]; !ok {
				h.index[string(blob)] = pos
			}
			prefix, _ := EncodeCompressedUint(uint32(len(blob)))
			pos += uint32(len(prefix) + len(blob))
		}
	}
	if i, ok := h.index[string(b)]; ok {
		return i, nil
	}

	prefix, err := EncodeCompressedUint(uint32(len(b)))
	if err != nil {
		return 0, err
	}
	i := uint32(len(h.data))
	h.data = append(h.data, prefix...)
	h.data = append(h.data, b...)
	h.index[string(b)] = i
	return i, nil
}

// Clone returns an independent copy.
func (h *BlobHeap) Clone() *BlobHeap {
	return &BlobHeap{name: h.name, data: append([]byte(nil), h.data...)}
}

// UserStringHeap is the #US heap of UTF-16 string literals.
type UserStringHeap struct {
	name  string
	data  []byte
	index map[string]uint32
}

// NewUserStringHeap wraps existing heap bytes.
func NewUserStringHeap(name string, data []byte) *UserStringHeap {
	if len(data) == 0 {
		data = []byte{0}
	}
	return &UserStringHeap{name: name, data: data}
}

func (h *UserStringHeap) Name() string { return h.name }
func (h *UserStringHeap) Role() Role   { return RoleUserStrings }
func (h *UserStringHeap) Size() uint32 { return pe.AlignUp(uint32(len(h.data)), 4) }

func (h *UserStringHeap) WriteTo(w io.Writer) (int64, error) {
	return writePadded(w, h.data)
}

// Get returns the literal at index.
func (h *UserStringHeap) Get(index uint32) (string, error) {
	if index >= uint32(len(h.data)) {
		return "", errors.Errorf("user string index 0x%X outside heap of %d bytes", index, len(h.data))
	}
	length, n, err := DecodeCompressedUint(h.data[index:])
	if err != nil {
		return "", errors.Wrapf(err, "user string at 0x%X", index)
	}
	start := index + uint32(n)
	if uint64(start)+uint64(length) > uint64(len(h.data)) {
		return "", errors.Errorf("user string at 0x%X overruns heap", index)
	}
	if length == 0 {
		return "", nil
	}

	raw := h.data[start : start+length-1]
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

// Add appends s and returns its index.
func (h *UserStringHeap) Add(s string) (uint32, error) {
	if h.index == nil {
		h.index = make(map[string]uint32)
	}
	if i, ok := h.index[s]; ok {
		return i, nil
	}

	units := utf16.Encode([]rune(s))
	body := make([]byte, 0, 2*len(units)+1)
	var special byte
	for _, u := range units {
		body = append(body, byte(u), byte(u>>8))
		if needsSpecialHandling(u) {
			special = 1
		}
	}
	body = append(body, special)

	prefix, err := EncodeCompressedUint(uint32(len(body)))
	if err != nil {
		return 0, err
	}
	i := uint32(len(h.data))
	h.data = append(h.data, prefix...)
	h.data = append(h.data, body...)
	h.index[s] = i
	return i, nil
}

// needsSpecialHandling implements the terminal byte rule of II.24.2.4.
func needsSpecialHandling(u uint16) bool {
	switch {
	case u > 0xFF:
		return true
	case u >= 0x01 && u <= 0x08, u >= 0x0E && u <= 0x1F:
		return true
	case u == 0x27, u == 0x2D, u == 0x7F:
		return true
	}
	return false
}

// Clone returns an independent copy.
func (h *UserStringHeap) Clone() *UserStringHeap {
	return &UserStringHeap{name: h.name, data: append([]byte(nil), h.data...)}
}

// GUIDHeap is the #GUID heap. Indices are 1-based.
type GUIDHeap struct {
	name  string
	guids []guid.GUID
	tail  []byte
}

// NewGUIDHeap decodes existing heap bytes.
func NewGUIDHeap(name string, data []byte) *GUIDHeap {
	h := &GUIDHeap{name: name}
	for len(data) >= 16 {
		var raw [16]byte
		copy(raw[:], data)
		h.guids = append(h.guids, guid.FromWindowsArray(raw))
		data = data[16:]
	}
	if len(data) > 0 {
		h.tail = append([]byte(nil), data...)
	}
	return h
}

func (h *GUIDHeap) Name() string  { return h.name }
func (h *GUIDHeap) Role() Role    { return RoleGUID }
func (h *GUIDHeap) Size() uint32  { return pe.AlignUp(uint32(16*len(h.guids)+len(h.tail)), 4) }
func (h *GUIDHeap) Count() uint32 { return uint32(len(h.guids)) }

func (h *GUIDHeap) WriteTo(w io.Writer) (int64, error) {
	data := make([]byte, 0, 16*len(h.guids)+len(h.tail))
	for _, g := range h.guids {
		raw := g.ToWindowsArray()
		data = append(data, raw[:]...)
	}
	data = append(data, h.tail...)
	return writePadded(w, data)
}

// Get returns the GUID at a 1-based index.
func (h *GUIDHeap) Get(index uint32) (guid.GUID, error) {
	if index == 0 || index > uint32(len(h.guids)) {
		return guid.GUID{}, errors.Errorf("GUID index %d outside heap of %d entries", index, len(h.guids))
	}
	return h.guids[index-1], nil
}

// Add interns g and returns its 1-based index.
func (h *GUIDHeap) Add(g guid.GUID) uint32 {
	for i, existing := range h.guids {
		if existing == g {
			return uint32(i + 1)
		}
	}
	h.guids = append(h.guids, g)
	return uint32(len(h.guids))
}

// Clone returns an independent copy.
func (h *GUIDHeap) Clone() *GUIDHeap {
	return &GUIDHeap{
		name:  h.name,
		guids: append([]guid.GUID(nil), h.guids...),
		tail:  append([]byte(nil), h.tail...),
	}
}
