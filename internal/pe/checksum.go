package pe

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ChecksumInfo contains PE checksum verification results.
type ChecksumInfo struct {
	Stored   uint32
	Computed uint32
	Valid    bool
}

// VerifyChecksum recomputes the image checksum and compares it with the
// stored one. A stored value of 0 means the image is not checksummed.
func VerifyChecksum(h *Headers, r io.ReaderAt, filesize int64) (*ChecksumInfo, error) {
	stored := h.CheckSum()
	if stored == 0 {
		return &ChecksumInfo{Valid: true}, nil
	}

	computed, err := CalculatePEChecksum(r, filesize, h.ChecksumOffset())
	if err != nil {
		return nil, err
	}
	return &ChecksumInfo{
		Stored:   stored,
		Computed: computed,
		Valid:    stored == computed,
	}, nil
}

// UpdateChecksum recomputes the checksum of an image and stores it.
func UpdateChecksum(f interface {
	io.ReaderAt
	io.WriterAt
}, h *Headers, filesize int64) (uint32, error) {
	sum, err := CalculatePEChecksum(f, filesize, h.ChecksumOffset())
	if err != nil {
		return 0, errors.Wrap(err, "compute checksum")
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], sum)
	if _, err := f.WriteAt(b[:], h.ChecksumOffset()); err != nil {
		return 0, errors.Wrap(err, "write checksum")
	}
	return sum, nil
}

// CalculatePEChecksum calculates the PE checksum using the standard
// algorithm, skipping the 4-byte field at checksumOffset. Pass -1 to skip
// nothing.
func CalculatePEChecksum(r io.ReaderAt, filesize int64, checksumOffset int64) (uint32, error) {
	var checksum uint64
	buf := make([]byte, 4)

	for offset := int64(0); offset < filesize; offset += 4 {
		if checksumOffset >= 0 && offset >= checksumOffset && offset < checksumOffset+4 {
			continue
		}

		n, err := r.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return 0, err
		}
		for i := n; i < 4; i++ {
			buf[i] = 0
		}

		checksum += uint64(binary.LittleEndian.Uint32(buf))
		if checksum > 0xFFFFFFFF {
			checksum = (checksum & 0xFFFFFFFF) + (checksum >> 32)
		}
	}

	// Fold to 16 bits, then add the file size.
	checksum = (checksum & 0xFFFF) + (checksum >> 16)
	checksum += checksum >> 16
	checksum &= 0xFFFF
	checksum += uint64(filesize)

	return uint32(checksum), nil
}
