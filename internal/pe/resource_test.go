package pe

import (
	"encoding/binary"
	"testing"

	"gotest.tools/assert"
)

// buildResourceTree returns a type/name/language tree with one RT_VERSION
// leaf whose data lives right after the tree.
func buildResourceTree(baseRVA uint32, payload []byte) []byte {
	data := make([]byte, 0x70+len(payload))
	le := binary.LittleEndian

	// Root: one ID entry (RT_VERSION) -> subdir at 0x18.
	le.PutUint16(data[14:], 1)
	le.PutUint32(data[16:], RT_VERSION)
	le.PutUint32(data[20:], 0x18|resourceSubdirFlag)

	// Name level: one entry -> subdir at 0x30.
	le.PutUint16(data[0x18+14:], 1)
	le.PutUint32(data[0x18+16:], 1)
	le.PutUint32(data[0x18+20:], 0x30|resourceSubdirFlag)

	// Language level: one entry -> data entry at 0x48.
	le.PutUint16(data[0x30+14:], 1)
	le.PutUint32(data[0x30+16:], 0x409)
	le.PutUint32(data[0x30+20:], 0x48)

	// Data entry -> payload at 0x70.
	le.PutUint32(data[0x48:], baseRVA+0x70)
	le.PutUint32(data[0x48+4:], uint32(len(payload)))

	copy(data[0x70:], payload)
	return data
}

func TestWin32ResourcesRebase(t *testing.T) {
	payload := []byte("version payload")
	res := &Win32Resources{RVA: 0x4000, Size: 0x70, Data: buildResourceTree(0x4000, payload)}

	moved, err := res.Rebase(0x8000)
	assert.NilError(t, err)
	assert.Equal(t, moved.RVA, uint32(0x8000))
	assert.Equal(t, binary.LittleEndian.Uint32(moved.Data[0x48:]), uint32(0x8070))

	// The source is left untouched.
	assert.Equal(t, binary.LittleEndian.Uint32(res.Data[0x48:]), uint32(0x4070))
}

func TestWin32ResourcesRebaseRejectsForeignData(t *testing.T) {
	data := buildResourceTree(0x4000, []byte("x"))
	binary.LittleEndian.PutUint32(data[0x48:], 0x1000)
	res := &Win32Resources{RVA: 0x4000, Size: 0x70, Data: data}

	_, err := res.Rebase(0x6000)
	assert.ErrorContains(t, err, "outside the resource section")
}

func TestWin32ResourcesDescribe(t *testing.T) {
	res := &Win32Resources{RVA: 0x4000, Data: buildResourceTree(0x4000, []byte("fixed version block"))}
	info := res.Describe()
	assert.Assert(t, info.VersionInfo != nil)
	assert.Equal(t, info.HasIcon, false)
}

func TestEncodeDecodeUTF16(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "ASCII", in: "CompanyName"},
		{name: "Empty", in: ""},
		{name: "Non-ASCII", in: "版本"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, decodeUTF16(encodeUTF16(tt.in)), tt.in)
		})
	}
}
