package metadata

import (
	"bytes"
	"encoding/binary"
	"testing"

	"gotest.tools/assert"
)

func fatBody(code []byte, sections ...[]byte) []byte {
	flags := uint16(3<<12 | methodFatFormat)
	if len(sections) > 0 {
		flags |= methodMoreSects
	}
	body := make([]byte, 12)
	binary.LittleEndian.PutUint16(body[0:], flags)
	binary.LittleEndian.PutUint16(body[2:], 8)
	binary.LittleEndian.PutUint32(body[4:], uint32(len(code)))
	body = append(body, code...)
	for _, s := range sections {
		for len(body)%4 != 0 {
			body = append(body, 0)
		}
		body = append(body, s...)
	}
	return body
}

func smallSection(size byte, more bool) []byte {
	kind := byte(0x01)
	if more {
		kind |= sectMoreSects
	}
	s := make([]byte, size)
	s[0], s[1] = kind, size
	return s
}

func fatSection(size uint32) []byte {
	s := make([]byte, size)
	s[0] = 0x01 | sectFatFormat
	s[1], s[2], s[3] = byte(size), byte(size>>8), byte(size>>16)
	return s
}

func TestMethodBodySize(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"tiny", []byte{0x0A, 0x2A, 0x00}},
		{"tiny empty", []byte{0x02}},
		{"fat", fatBody([]byte{0x00, 0x2A})},
		{"fat with small section", fatBody([]byte{0x00, 0x00, 0x2A}, smallSection(16, false))},
		{"fat with two sections", fatBody([]byte{0x2A}, smallSection(16, true), fatSection(28))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Trailing bytes belong to the next body.
			image := append([]byte{0xFF, 0xFF, 0xFF, 0xFF}, tt.body...)
			image = append(image, bytes.Repeat([]byte{0xCC}, 32)...)

			size, err := MethodBodySize(bytes.NewReader(image), 4)
			assert.NilError(t, err)
			assert.Equal(t, size, uint32(len(tt.body)))

			body, err := ReadMethodBody(bytes.NewReader(image), 4)
			assert.NilError(t, err)
			assert.DeepEqual(t, body, tt.body)
		})
	}
}

func TestMethodBodySizeRejectsGarbage(t *testing.T) {
	_, err := MethodBodySize(bytes.NewReader([]byte{0x00}), 0)
	assert.ErrorContains(t, err, "invalid method header")
}

func TestReadResource(t *testing.T) {
	data := []byte{0, 0, 0, 0, 5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o'}
	got, err := ReadResource(bytes.NewReader(data), 4, 9)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, []byte("hello"))

	_, err = ReadResource(bytes.NewReader(data), 4, 8)
	assert.ErrorContains(t, err, "exceeds")
}

func TestFieldDataSize(t *testing.T) {
	m := NewModule()
	typeRow, err := m.AddTypeDef(0x0100, "Block", "", 0)
	assert.NilError(t, err)
	_, err = m.Tables().AddRow(TableClassLayout, 1, 24, typeRow)
	assert.NilError(t, err)

	valueType, ok := TypeDefOrRef.Encode(TableTypeDef, typeRow)
	assert.Assert(t, ok)
	encoded, err := EncodeCompressedUint(valueType)
	assert.NilError(t, err)

	tests := []struct {
		name      string
		signature []byte
		want      uint32
		wantErr   string
	}{
		{"int32", []byte{fieldSignature, elementI4}, 4, ""},
		{"double", []byte{fieldSignature, elementR8}, 8, ""},
		{"modified byte", []byte{fieldSignature, elementCModReqd, 0x09, elementU1}, 1, ""},
		{"value type", append([]byte{fieldSignature, elementValueType}, encoded...), 24, ""},
		{"string", []byte{fieldSignature, 0x0E}, 0, "cannot size"},
		{"method signature", []byte{0x00, elementI4}, 0, "not a field signature"},
	}

	codec := DefaultSignatureCodec{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.FieldDataSize(tt.signature, m.Tables())
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			assert.NilError(t, err)
			assert.Equal(t, got, tt.want)
		})
	}
}
