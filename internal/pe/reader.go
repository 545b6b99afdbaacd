package pe

import (
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// Reader is a read-only memory mapping of an image file.
type Reader struct {
	file     *os.File
	data     mmap.MMap
	filepath string
}

// Open maps a file for reading.
func Open(filepath string) (*Reader, error) {
	f, err := os.Open(filepath)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "stat image")
	}
	if stat.Size() == 0 {
		_ = f.Close()
		return nil, Errorf("%s is empty", filepath)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "map image")
	}

	return &Reader{file: f, data: data, filepath: filepath}, nil
}

// ReadAt implements io.ReaderAt over the mapping.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close unmaps and closes the file.
func (r *Reader) Close() error {
	err := r.data.Unmap()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// FilePath returns the file path.
func (r *Reader) FilePath() string {
	return r.filepath
}

// FileSize returns the file size in bytes.
func (r *Reader) FileSize() int64 {
	return int64(len(r.data))
}
