package pe

import (
	"io"

	"github.com/pkg/errors"
)

// ReaderSize returns the length of r when it exposes one, or -1.
func ReaderSize(r io.ReaderAt) int64 {
	switch v := r.(type) {
	case interface{ FileSize() int64 }:
		return v.FileSize()
	case interface{ Size() int64 }:
		return v.Size()
	case interface{ Len() int64 }:
		return v.Len()
	}
	return -1
}

// clampToReader shortens size so that [offset, offset+size) stays inside r
// when its length is known.
func clampToReader(r io.ReaderAt, offset int64, size uint32) uint32 {
	n := ReaderSize(r)
	if n < 0 {
		return size
	}
	if offset >= n {
		return 0
	}
	if int64(size) > n-offset {
		return uint32(n - offset)
	}
	return size
}

// ReadBounded reads size bytes at offset. A range that runs past the end
// of r is a *FormatError, reported before anything is allocated when the
// size of r is known.
func ReadBounded(r io.ReaderAt, offset int64, size uint32, what string) ([]byte, error) {
	if offset < 0 {
		return nil, Errorf("%s at negative offset %d", what, offset)
	}
	if n := ReaderSize(r); n >= 0 {
		if offset > n || int64(size) > n-offset {
			return nil, Errorf("%s of %d bytes at 0x%X runs past the end of the %d-byte image", what, size, offset, n)
		}
		data := make([]byte, size)
		if _, err := r.ReadAt(data, offset); err != nil && err != io.EOF {
			return nil, errors.Wrapf(err, "read %s", what)
		}
		return data, nil
	}

	// Unknown length: grow with the data actually present.
	data, err := io.ReadAll(io.NewSectionReader(r, offset, int64(size)))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", what)
	}
	if len(data) != int(size) {
		return nil, Errorf("%s of %d bytes at 0x%X runs past the end of the image", what, size, offset)
	}
	return data, nil
}
