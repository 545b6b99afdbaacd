package metadata

import (
	"encoding/binary"
	"io"

	"github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/pkg/errors"
)

// Method header formats (ECMA-335 II.25.4).
const (
	methodTinyFormat = 0x2
	methodFatFormat  = 0x3
	methodMoreSects  = 0x8

	sectFatFormat = 0x40
	sectMoreSects = 0x80

	maxExtraSections = 64
)

// MethodBodySize returns the size of the method body at offset, including
// its header and any extra data sections.
func MethodBodySize(r io.ReaderAt, offset int64) (uint32, error) {
	var first [1]byte
	if _, err := r.ReadAt(first[:], offset); err != nil {
		return 0, errors.Wrap(err, "read method header")
	}

	switch first[0] & 0x3 {
	case methodTinyFormat:
		return 1 + uint32(first[0]>>2), nil
	case methodFatFormat:
	default:
		return 0, errors.Errorf("invalid method header 0x%02X", first[0])
	}

	var fat [12]byte
	if _, err := r.ReadAt(fat[:], offset); err != nil {
		return 0, errors.Wrap(err, "read fat method header")
	}
	flags := binary.LittleEndian.Uint16(fat[0:])
	headerSize := uint32(flags>>12) * 4
	if headerSize < 12 {
		return 0, errors.Errorf("fat method header size %d too small", headerSize)
	}
	size := headerSize + binary.LittleEndian.Uint32(fat[4:])
	if flags&methodMoreSects == 0 {
		return size, nil
	}

	pos := pe.AlignUp(size, 4)
	for i := 0; i < maxExtraSections; i++ {
		var sect [4]byte
		if _, err := r.ReadAt(sect[:], offset+int64(pos)); err != nil {
			return 0, errors.Wrap(err, "read method data section")
		}
		kind := sect[0]
		var dataSize uint32
		if kind&sectFatFormat != 0 {
			dataSize = uint32(sect[1]) | uint32(sect[2])<<8 | uint32(sect[3])<<16
		} else {
			dataSize = uint32(sect[1])
		}
		if dataSize < 4 {
			return 0, errors.Errorf("method data section size %d too small", dataSize)
		}
		pos += dataSize
		if kind&sectMoreSects == 0 {
			return pos, nil
		}
		pos = pe.AlignUp(pos, 4)
	}
	return 0, errors.Errorf("more than %d method data sections", maxExtraSections)
}

// ReadMethodBody reads the complete method body at offset.
func ReadMethodBody(r io.ReaderAt, offset int64) ([]byte, error) {
	size, err := MethodBodySize(r, offset)
	if err != nil {
		return nil, err
	}
	return pe.ReadBounded(r, offset, size, "method body")
}

// ReadResource reads a length-prefixed manifest resource at offset and
// returns its payload.
func ReadResource(r io.ReaderAt, offset int64, limit uint32) ([]byte, error) {
	var prefix [4]byte
	if _, err := r.ReadAt(prefix[:], offset); err != nil {
		return nil, errors.Wrap(err, "read resource length")
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if limit != 0 && uint64(length)+4 > uint64(limit) {
		return nil, errors.Errorf("resource of %d bytes exceeds the resource directory", length)
	}
	return pe.ReadBounded(r, offset+4, length, "resource data")
}

// SignatureCodec interprets signatures for the raw-value resolver.
type SignatureCodec interface {
	// FieldDataSize returns the size of the initial data of a field with
	// the given signature.
	FieldDataSize(signature []byte, tables *TableStream) (uint32, error)
}

// Element types (ECMA-335 II.23.1.16).
const (
	elementBoolean   = 0x02
	elementChar      = 0x03
	elementI1        = 0x04
	elementU1        = 0x05
	elementI2        = 0x06
	elementU2        = 0x07
	elementI4        = 0x08
	elementU4        = 0x09
	elementI8        = 0x0A
	elementU8        = 0x0B
	elementR4        = 0x0C
	elementR8        = 0x0D
	elementValueType = 0x11
	elementCModReqd  = 0x1F
	elementCModOpt   = 0x20

	fieldSignature = 0x06
)

var primitiveSizes = map[byte]uint32{
	elementBoolean: 1, elementChar: 2,
	elementI1: 1, elementU1: 1, elementI2: 2, elementU2: 2,
	elementI4: 4, elementU4: 4, elementI8: 8, elementU8: 8,
	elementR4: 4, elementR8: 8,
}

// DefaultSignatureCodec sizes primitive fields and value types that
// carry a ClassLayout.
type DefaultSignatureCodec struct{}

func (DefaultSignatureCodec) FieldDataSize(signature []byte, tables *TableStream) (uint32, error) {
	if len(signature) < 2 || signature[0] != fieldSignature {
		return 0, errors.New("not a field signature")
	}

	pos := 1
	for pos < len(signature) && (signature[pos] == elementCModReqd || signature[pos] == elementCModOpt) {
		_, n, err := DecodeCompressedUint(signature[pos+1:])
		if err != nil {
			return 0, errors.Wrap(err, "custom modifier")
		}
		pos += 1 + n
	}
	if pos >= len(signature) {
		return 0, errors.New("truncated field signature")
	}

	element := signature[pos]
	if size, ok := primitiveSizes[element]; ok {
		return size, nil
	}
	if element != elementValueType {
		return 0, errors.Errorf("cannot size element type 0x%02X", element)
	}

	encoded, _, err := DecodeCompressedUint(signature[pos+1:])
	if err != nil {
		return 0, errors.Wrap(err, "value type token")
	}
	table, row, ok := TypeDefOrRef.Decode(encoded)
	if !ok || table != TableTypeDef {
		return 0, errors.Errorf("value type 0x%X is not defined in this module", encoded)
	}

	layout := tables.Table(TableClassLayout)
	parent := tables.Schema().ColumnIndex(TableClassLayout, "Parent")
	classSize := tables.Schema().ColumnIndex(TableClassLayout, "ClassSize")
	if layout == nil || parent < 0 || classSize < 0 {
		return 0, errors.New("no ClassLayout table")
	}
	for _, r := range layout.Rows {
		if r[parent] == row {
			return r[classSize], nil
		}
	}
	return 0, errors.Errorf("TypeDef %d has no ClassLayout", row)
}
