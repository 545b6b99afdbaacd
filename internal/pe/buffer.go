package pe

import (
	"io"

	"github.com/pkg/errors"
)

// Buffer is a fixed-size in-memory image that supports random access
// reads and writes.
type Buffer struct {
	data []byte
}

// NewBuffer returns a zero-filled buffer of size bytes.
func NewBuffer(size uint32) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// ReadAt implements io.ReaderAt.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes past the end are rejected
// because the layout is fixed before writing starts.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, errors.Errorf("write of %d bytes at 0x%X outside image of %d bytes", len(p), off, len(b.data))
	}
	return copy(b.data[off:], p), nil
}

// Len returns the image size.
func (b *Buffer) Len() int64 {
	return int64(len(b.data))
}

// Bytes returns the underlying image bytes.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// WriterAt returns an io.Writer that writes sequentially from off.
func (b *Buffer) WriterAt(off int64) io.Writer {
	return &offsetWriter{w: b, off: off}
}

type offsetWriter struct {
	w   io.WriterAt
	off int64
}

func (o *offsetWriter) Write(p []byte) (int, error) {
	n, err := o.w.WriteAt(p, o.off)
	o.off += int64(n)
	return n, err
}
