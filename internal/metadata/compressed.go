package metadata

import "github.com/pkg/errors"

// DecodeCompressedUint decodes an ECMA-335 II.23.2 compressed unsigned
// integer and returns its value and encoded length.
func DecodeCompressedUint(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.New("empty compressed integer")
	}

	switch {
	case b[0]&0x80 == 0:
		return uint32(b[0]), 1, nil
	case b[0]&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, errors.New("truncated 2-byte compressed integer")
		}
		return uint32(b[0]&0x3F)<<8 | uint32(b[1]), 2, nil
	case b[0]&0xE0 == 0xC0:
		if len(b) < 4 {
			return 0, 0, errors.New("truncated 4-byte compressed integer")
		}
		return uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4, nil
	}
	return 0, 0, errors.Errorf("invalid compressed integer lead byte 0x%02X", b[0])
}

// EncodeCompressedUint encodes v, which must be below 0x20000000.
func EncodeCompressedUint(v uint32) ([]byte, error) {
	switch {
	case v < 0x80:
		return []byte{byte(v)}, nil
	case v < 0x4000:
		return []byte{byte(v>>8) | 0x80, byte(v)}, nil
	case v < 0x20000000:
		return []byte{byte(v>>24) | 0xC0, byte(v >> 16), byte(v >> 8), byte(v)}, nil
	}
	return nil, errors.Errorf("value 0x%X too large to compress", v)
}
