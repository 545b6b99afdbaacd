package metadata

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func testModule(t *testing.T) *Module {
	t.Helper()
	m := NewModule()
	mvid, err := guid.FromString("0c6e9a1e-2a43-4f0f-8d36-5c8b4a6d7e01")
	assert.NilError(t, err)

	_, err = m.AddModule("Sample.dll", mvid)
	assert.NilError(t, err)
	_, err = m.AddTypeDef(0, "<Module>", "", 0)
	assert.NilError(t, err)
	_, err = m.AddMethod(0x0096, 0, "Main", []byte{0x00, 0x00, 0x01}, []byte{0x0A, 0x2A, 0x00})
	assert.NilError(t, err)
	_, err = m.AddAssembly("Sample", [4]uint16{1, 2, 3, 4}, 0x8004)
	assert.NilError(t, err)
	return m
}

func encodeTables(t *testing.T, c *Container) []byte {
	t.Helper()
	assert.NilError(t, c.Tables().Encode(c, nil))
	var buf bytes.Buffer
	_, err := c.Tables().WriteTo(&buf)
	assert.NilError(t, err)
	assert.Equal(t, uint32(buf.Len()), c.Tables().Size())
	return buf.Bytes()
}

func TestTableStreamRoundTrip(t *testing.T) {
	m := testModule(t)
	data := encodeTables(t, m.Streams)
	assert.Equal(t, len(data)%4, 0)

	decoded, err := NewTableStreamFromBytes(StreamTables, data)
	assert.NilError(t, err)
	assert.Equal(t, decoded.Header.Valid, uint64(1<<TableModule|1<<TableTypeDef|1<<TableMethodDef|1<<TableAssembly))
	assert.Equal(t, decoded.RowCount(TableMethodDef), uint32(1))

	var reported []error
	err = decoded.Decode(m.Streams, ECMAProvider{}, func(err error) error {
		reported = append(reported, err)
		return nil
	})
	assert.NilError(t, err)
	assert.Equal(t, len(reported), 0)

	for _, id := range m.Tables().PresentTables() {
		assert.DeepEqual(t, decoded.Table(id).Rows, m.Tables().Table(id).Rows)
	}

	name, err := decoded.Get(TableAssembly, 1, "Name")
	assert.NilError(t, err)
	s, err := m.Streams.Strings().Get(name)
	assert.NilError(t, err)
	assert.Equal(t, s, "Sample")
}

func TestTableStreamReportsBadReferences(t *testing.T) {
	m := testModule(t)
	data := encodeTables(t, m.Streams)

	// Point Module.Name past the end of #Strings.
	c := NewContainer()
	c.Add(NewStringHeap(StreamStrings, []byte{0}))
	c.Add(m.Streams.GUIDs())
	c.Add(m.Streams.Blobs())

	decoded, err := NewTableStreamFromBytes(StreamTables, data)
	assert.NilError(t, err)

	var rowErrors []*RowError
	err = decoded.Decode(c, nil, func(err error) error {
		var re *RowError
		if errors.As(err, &re) {
			rowErrors = append(rowErrors, re)
		}
		return nil
	})
	assert.NilError(t, err)
	assert.Assert(t, len(rowErrors) > 0)
	assert.Equal(t, rowErrors[0].Table, TableModule)
	assert.Equal(t, rowErrors[0].Column, "Name")

	name, err := decoded.Get(TableModule, 1, "Name")
	assert.NilError(t, err)
	assert.Equal(t, name, uint32(0))
}

func TestTableStreamEscalatedError(t *testing.T) {
	m := testModule(t)
	data := encodeTables(t, m.Streams)

	decoded, err := NewTableStreamFromBytes(StreamTables, data)
	assert.NilError(t, err)
	err = decoded.Decode(NewContainer(), nil, FailOnError)
	var re *RowError
	assert.Assert(t, errors.As(err, &re))
}

func TestTableStreamRejectsUnknownTable(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, struct {
		Reserved  uint32
		Major     uint8
		Minor     uint8
		HeapSizes uint8
		Reserved2 uint8
		Valid     uint64
		Sorted    uint64
		Rows      uint32
	}{Major: 2, Reserved2: 1, Valid: 1 << 0x30, Rows: 1})
	buf.Write(make([]byte, 16))

	ts, err := NewTableStreamFromBytes(StreamTables, buf.Bytes())
	assert.NilError(t, err)
	err = ts.Decode(NewContainer(), nil, nil)
	_, ok := err.(*pe.FormatError)
	assert.Assert(t, ok, "got %v", err)
}

func TestColumnWidths(t *testing.T) {
	tests := []struct {
		name   string
		column Column
		rows   map[TableID]uint32
		heaps  uint8
		want   int
	}{
		{"narrow string", str("Name"), nil, 0, 2},
		{"wide string", str("Name"), nil, HeapStringsWide, 4},
		{"wide blob", blob("Sig"), nil, HeapBlobWide, 4},
		{"narrow index", index("Parent", TableTypeDef), map[TableID]uint32{TableTypeDef: 0xFFFF}, 0, 2},
		{"wide index", index("Parent", TableTypeDef), map[TableID]uint32{TableTypeDef: 0x10000}, 0, 4},
		{"narrow coded", coded("Parent", HasCustomAttribute), map[TableID]uint32{TableMethodDef: 2047}, 0, 2},
		{"wide coded", coded("Parent", HasCustomAttribute), map[TableID]uint32{TableMethodDef: 2048}, 0, 4},
		{"wide one-bit coded", coded("Owner", TypeOrMethodDef), map[TableID]uint32{TableTypeDef: 0x8000}, 0, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &sizing{heapSizes: tt.heaps}
			for id, n := range tt.rows {
				s.rows[id] = n
			}
			assert.Equal(t, s.width(tt.column), tt.want)
		})
	}
}

func TestCodedIndex(t *testing.T) {
	v, ok := TypeDefOrRef.Encode(TableTypeRef, 5)
	assert.Assert(t, ok)
	assert.Equal(t, v, uint32(5<<2|1))

	table, row, ok := TypeDefOrRef.Decode(v)
	assert.Assert(t, ok)
	assert.Equal(t, table, TableTypeRef)
	assert.Equal(t, row, uint32(5))

	_, ok = CustomAttributeType.Encode(TableTypeDef, 1)
	assert.Assert(t, !ok)
	_, _, ok = CustomAttributeType.Decode(0)
	assert.Assert(t, !ok)
}
