package pe

import (
	"io"
	"testing"

	"gotest.tools/assert"
)

func TestBuffer(t *testing.T) {
	b := NewBuffer(8)

	w := b.WriterAt(2)
	_, err := w.Write([]byte{1, 2})
	assert.NilError(t, err)
	_, err = w.Write([]byte{3})
	assert.NilError(t, err)
	assert.DeepEqual(t, b.Bytes(), []byte{0, 0, 1, 2, 3, 0, 0, 0})

	_, err = b.WriteAt([]byte{1, 2}, 7)
	assert.ErrorContains(t, err, "outside image")

	p := make([]byte, 4)
	n, err := b.ReadAt(p, 6)
	assert.Equal(t, err, io.EOF)
	assert.Equal(t, n, 2)
}
