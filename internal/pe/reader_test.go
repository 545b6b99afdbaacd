package pe

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"
)

func TestReaderReadAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	assert.NilError(t, os.WriteFile(path, []byte("MZ0123456789"), 0o644))

	r, err := Open(path)
	assert.NilError(t, err)
	defer func() { _ = r.Close() }()

	assert.Equal(t, r.FileSize(), int64(12))
	assert.Equal(t, r.FilePath(), path)

	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 2)
	assert.NilError(t, err)
	assert.Equal(t, string(buf[:n]), "0123")

	n, err = r.ReadAt(buf, 10)
	assert.Equal(t, err, io.EOF)
	assert.Equal(t, string(buf[:n]), "89")
}

func TestOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	assert.NilError(t, os.WriteFile(path, nil, 0o644))

	_, err := Open(path)
	assert.ErrorContains(t, err, "is empty")
}
