package pe

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

// opaqueReader hides the length of the wrapped reader.
type opaqueReader struct{ r io.ReaderAt }

func (o opaqueReader) ReadAt(p []byte, off int64) (int, error) { return o.r.ReadAt(p, off) }

func TestReadBounded(t *testing.T) {
	data := []byte("0123456789")

	tests := []struct {
		name    string
		offset  int64
		size    uint32
		want    string
		wantErr bool
	}{
		{name: "Inside", offset: 2, size: 4, want: "2345"},
		{name: "Up to the end", offset: 6, size: 4, want: "6789"},
		{name: "Empty at end", offset: 10, size: 0, want: ""},
		{name: "One byte too many", offset: 6, size: 5, wantErr: true},
		{name: "Huge size", offset: 0, size: 0x30000000, wantErr: true},
		{name: "Offset past end", offset: 11, size: 1, wantErr: true},
		{name: "Negative offset", offset: -1, size: 1, wantErr: true},
	}

	readers := map[string]io.ReaderAt{
		"sized":    bytes.NewReader(data),
		"sizeless": opaqueReader{bytes.NewReader(data)},
	}
	for kind, r := range readers {
		for _, tt := range tests {
			t.Run(kind+"/"+tt.name, func(t *testing.T) {
				got, err := ReadBounded(r, tt.offset, tt.size, "test data")
				if tt.wantErr {
					var fe *FormatError
					assert.Assert(t, errors.As(err, &fe), "got %v", err)
					return
				}
				assert.NilError(t, err)
				assert.Equal(t, string(got), tt.want)
			})
		}
	}
}

func TestReaderSize(t *testing.T) {
	assert.Equal(t, ReaderSize(bytes.NewReader(make([]byte, 7))), int64(7))
	assert.Equal(t, ReaderSize(NewBuffer(5)), int64(5))
	assert.Equal(t, ReaderSize(opaqueReader{bytes.NewReader(nil)}), int64(-1))
}
