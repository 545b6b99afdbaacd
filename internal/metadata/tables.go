package metadata

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/bits"

	"github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/pkg/errors"
)

// HeapSizes flags.
const (
	HeapStringsWide = 0x01
	HeapGUIDWide    = 0x02
	HeapBlobWide    = 0x04
	HeapExtraData   = 0x40

	heapWideMask = HeapStringsWide | HeapGUIDWide | HeapBlobWide
)

// DefaultSortedMask marks the tables the runtime expects sorted.
const DefaultSortedMask = 0x000016003301FA00

const tableHeaderSize = 24

// TableHeader is the fixed header of the table stream.
type TableHeader struct {
	Reserved     uint32
	MajorVersion uint8
	MinorVersion uint8
	HeapSizes    uint8
	Reserved2    uint8
	Valid        uint64
	Sorted       uint64
	RowCounts    [MaxTables]uint32
	ExtraData    uint32
}

// Present reports whether the valid mask includes table id.
func (h *TableHeader) Present(id TableID) bool {
	return h.Valid&(1<<uint(id)) != 0
}

// Table is the decoded rows of one table. Row r (1-based) is Rows[r-1].
type Table struct {
	ID      TableID
	Columns []Column
	Rows    [][]uint32
}

// TableStream is the #~ (or #-) stream handler and default table codec.
type TableStream struct {
	name    string
	Header  TableHeader
	schema  Schema
	tables  map[TableID]*Table
	raw     []byte
	decoded bool
	encoded []byte
}

// NewTableStream returns an empty, decoded table stream using the ECMA
// schema.
func NewTableStream(name string) *TableStream {
	return &TableStream{
		name: name,
		Header: TableHeader{
			MajorVersion: 2,
			Reserved2:    1,
			Sorted:       DefaultSortedMask,
		},
		schema:  ECMASchema(),
		tables:  make(map[TableID]*Table),
		decoded: true,
	}
}

// NewTableStreamFromBytes parses the stream header. Rows are decoded
// later by Decode once the heaps are known.
func NewTableStreamFromBytes(name string, data []byte) (*TableStream, error) {
	t := &TableStream{name: name, tables: make(map[TableID]*Table)}
	r := bytes.NewReader(data)

	fixed := struct {
		Reserved     uint32
		MajorVersion uint8
		MinorVersion uint8
		HeapSizes    uint8
		Reserved2    uint8
		Valid        uint64
		Sorted       uint64
	}{}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return nil, pe.WrapFormat(err, "truncated table stream header")
	}
	t.Header = TableHeader{
		Reserved:     fixed.Reserved,
		MajorVersion: fixed.MajorVersion,
		MinorVersion: fixed.MinorVersion,
		HeapSizes:    fixed.HeapSizes,
		Reserved2:    fixed.Reserved2,
		Valid:        fixed.Valid,
		Sorted:       fixed.Sorted,
	}

	for id := 0; id < MaxTables; id++ {
		if !t.Header.Present(TableID(id)) {
			continue
		}
		if err := binary.Read(r, binary.LittleEndian, &t.Header.RowCounts[id]); err != nil {
			return nil, pe.WrapFormat(err, "truncated table row counts")
		}
	}
	if t.Header.HeapSizes&HeapExtraData != 0 {
		if err := binary.Read(r, binary.LittleEndian, &t.Header.ExtraData); err != nil {
			return nil, pe.WrapFormat(err, "truncated table extra data")
		}
	}

	t.raw = data[len(data)-r.Len():]
	return t, nil
}

func (t *TableStream) Name() string { return t.name }
func (t *TableStream) Role() Role   { return RoleTables }

// Size is the encoded size. It is zero until Encode has run.
func (t *TableStream) Size() uint32 {
	return uint32(len(t.encoded))
}

func (t *TableStream) WriteTo(w io.Writer) (int64, error) {
	if t.encoded == nil {
		return 0, errors.New("table stream written before it was encoded")
	}
	n, err := w.Write(t.encoded)
	return int64(n), err
}

// Schema returns the schema in use.
func (t *TableStream) Schema() Schema {
	return t.schema
}

// Reschema switches to the schema provider selects. Every present table
// must keep its column count.
func (t *TableStream) Reschema(provider TableInfoProvider) error {
	schema, err := provider.Schema(&t.Header)
	if err != nil {
		return errors.Wrap(err, "select table schema")
	}
	for id, tbl := range t.tables {
		columns, ok := schema[id]
		if !ok {
			if len(tbl.Rows) == 0 {
				continue
			}
			return errors.Errorf("schema has no table %s", id)
		}
		if len(columns) != len(tbl.Columns) {
			return errors.Errorf("schema gives %s %d columns, rows have %d", id, len(columns), len(tbl.Columns))
		}
		tbl.Columns = columns
	}
	t.schema = schema
	t.encoded = nil
	return nil
}

// Table returns the rows of id, creating an empty table for a known id.
func (t *TableStream) Table(id TableID) *Table {
	if tbl, ok := t.tables[id]; ok {
		return tbl
	}
	columns, ok := t.schema[id]
	if !ok {
		return nil
	}
	tbl := &Table{ID: id, Columns: columns}
	t.tables[id] = tbl
	return tbl
}

// RowCount returns the number of rows in id.
func (t *TableStream) RowCount(id TableID) uint32 {
	if tbl, ok := t.tables[id]; ok {
		return uint32(len(tbl.Rows))
	}
	if !t.decoded {
		return t.Header.RowCounts[id]
	}
	return 0
}

// AddRow appends a row and returns its 1-based index.
func (t *TableStream) AddRow(id TableID, values ...uint32) (uint32, error) {
	tbl := t.Table(id)
	if tbl == nil {
		return 0, errors.Errorf("no schema for table %s", id)
	}
	if len(values) != len(tbl.Columns) {
		return 0, errors.Errorf("%s has %d columns, got %d values", id, len(tbl.Columns), len(values))
	}
	tbl.Rows = append(tbl.Rows, append([]uint32(nil), values...))
	t.encoded = nil
	return uint32(len(tbl.Rows)), nil
}

func (t *TableStream) cell(id TableID, row uint32, column string) (*Table, int, error) {
	tbl := t.tables[id]
	if tbl == nil || row == 0 || row > uint32(len(tbl.Rows)) {
		return nil, 0, errors.Errorf("%s has no row %d", id, row)
	}
	col := t.schema.ColumnIndex(id, column)
	if col < 0 {
		return nil, 0, errors.Errorf("%s has no column %s", id, column)
	}
	return tbl, col, nil
}

// Get returns a cell value.
func (t *TableStream) Get(id TableID, row uint32, column string) (uint32, error) {
	tbl, col, err := t.cell(id, row, column)
	if err != nil {
		return 0, err
	}
	return tbl.Rows[row-1][col], nil
}

// Set replaces a cell value.
func (t *TableStream) Set(id TableID, row uint32, column string, v uint32) error {
	tbl, col, err := t.cell(id, row, column)
	if err != nil {
		return err
	}
	tbl.Rows[row-1][col] = v
	t.encoded = nil
	return nil
}

// Clone returns an independent copy of the decoded rows.
func (t *TableStream) Clone() *TableStream {
	c := &TableStream{
		name:    t.name,
		Header:  t.Header,
		schema:  t.schema,
		tables:  make(map[TableID]*Table, len(t.tables)),
		raw:     t.raw,
		decoded: t.decoded,
	}
	for id, tbl := range t.tables {
		rows := make([][]uint32, len(tbl.Rows))
		for i, r := range tbl.Rows {
			rows[i] = append([]uint32(nil), r...)
		}
		c.tables[id] = &Table{ID: id, Columns: tbl.Columns, Rows: rows}
	}
	return c
}

// sizing computes column widths from row counts and heap flags.
type sizing struct {
	rows      [MaxTables]uint32
	heapSizes uint8
}

func (s *sizing) width(c Column) int {
	switch c.Kind {
	case KindU16:
		return 2
	case KindU32:
		return 4
	case KindString:
		return s.heapWidth(HeapStringsWide)
	case KindGUID:
		return s.heapWidth(HeapGUIDWide)
	case KindBlob:
		return s.heapWidth(HeapBlobWide)
	case KindTable:
		if s.rows[c.Table] < 1<<16 {
			return 2
		}
		return 4
	case KindCoded:
		var max uint32
		for _, t := range c.Coded.Tables {
			if t != noTable && s.rows[t] > max {
				max = s.rows[t]
			}
		}
		if max < 1<<(16-c.Coded.Bits) {
			return 2
		}
		return 4
	}
	return 4
}

func (s *sizing) heapWidth(flag uint8) int {
	if s.heapSizes&flag != 0 {
		return 4
	}
	return 2
}

func (s *sizing) rowSize(columns []Column) int {
	size := 0
	for _, c := range columns {
		size += s.width(c)
	}
	return size
}

// Decode reads every row using the schema provider selects. Cells that
// reference past their heap or table are reported to handler as
// *RowError and decode to 0.
func (t *TableStream) Decode(c *Container, provider TableInfoProvider, handler ErrorHandler) error {
	if t.decoded {
		return nil
	}
	if provider == nil {
		provider = ECMAProvider{}
	}
	schema, err := provider.Schema(&t.Header)
	if err != nil {
		return errors.Wrap(err, "select table schema")
	}
	t.schema = schema

	s := &sizing{rows: t.Header.RowCounts, heapSizes: t.Header.HeapSizes}
	v := newValidator(c, &t.Header.RowCounts)
	pos := 0
	for id := TableID(0); id < MaxTables; id++ {
		if !t.Header.Present(id) {
			continue
		}
		columns, ok := schema[id]
		count := t.Header.RowCounts[id]
		if !ok {
			if count == 0 {
				continue
			}
			return pe.Errorf("table stream contains unknown table 0x%02X", uint8(id))
		}

		rowSize := s.rowSize(columns)
		if uint64(pos)+uint64(rowSize)*uint64(count) > uint64(len(t.raw)) {
			return pe.Errorf("table %s with %d rows overruns the table stream", id, count)
		}

		tbl := &Table{ID: id, Columns: columns, Rows: make([][]uint32, count)}
		for r := uint32(0); r < count; r++ {
			row := make([]uint32, len(columns))
			for i, col := range columns {
				width := s.width(col)
				var value uint32
				if width == 2 {
					value = uint32(binary.LittleEndian.Uint16(t.raw[pos:]))
				} else {
					value = binary.LittleEndian.Uint32(t.raw[pos:])
				}
				pos += width

				if err := v.check(col, value); err != nil {
					if herr := handler.report(&RowError{Table: id, Row: r + 1, Column: col.Name, Err: err}); herr != nil {
						return herr
					}
					value = 0
				}
				row[i] = value
			}
			tbl.Rows[r] = row
		}
		t.tables[id] = tbl
	}

	t.raw = nil
	t.decoded = true
	return nil
}

// validator checks that references stay inside their targets.
type validator struct {
	rows    *[MaxTables]uint32
	strings uint32
	blobs   uint32
	guids   uint32
}

func newValidator(c *Container, rows *[MaxTables]uint32) *validator {
	v := &validator{rows: rows}
	if c == nil {
		return v
	}
	if h := c.Strings(); h != nil {
		v.strings = h.Len()
	}
	if h := c.Blobs(); h != nil {
		v.blobs = h.Len()
	}
	if h := c.GUIDs(); h != nil {
		v.guids = h.Count()
	}
	return v
}

func (v *validator) check(col Column, value uint32) error {
	switch col.Kind {
	case KindString:
		if value != 0 && value >= v.strings {
			return errors.Errorf("string index 0x%X outside heap", value)
		}
	case KindBlob:
		if value != 0 && value >= v.blobs {
			return errors.Errorf("blob index 0x%X outside heap", value)
		}
	case KindGUID:
		if value > v.guids {
			return errors.Errorf("GUID index %d outside heap", value)
		}
	case KindTable:
		limit := v.rows[col.Table]
		if col.List {
			limit++
		}
		if value > limit {
			return errors.Errorf("row %d outside %s", value, col.Table)
		}
	case KindCoded:
		table, row, ok := col.Coded.Decode(value)
		if !ok {
			return errors.Errorf("invalid %s tag in 0x%X", col.Coded.Name, value)
		}
		if row > v.rows[table] {
			return errors.Errorf("row %d outside %s", row, table)
		}
	}
	return nil
}

// Encode serializes every table. Heap width flags are recomputed from the
// container's heaps; flags that were already wide stay wide.
func (t *TableStream) Encode(c *Container, handler ErrorHandler) error {
	if !t.decoded {
		return errors.New("table stream encoded before it was decoded")
	}

	h := t.Header
	if c != nil {
		if s := c.Strings(); s != nil && s.Len() >= 1<<16 {
			h.HeapSizes |= HeapStringsWide
		}
		if g := c.GUIDs(); g != nil && g.Count() >= 1<<16 {
			h.HeapSizes |= HeapGUIDWide
		}
		if b := c.Blobs(); b != nil && b.Len() >= 1<<16 {
			h.HeapSizes |= HeapBlobWide
		}
	}

	h.RowCounts = [MaxTables]uint32{}
	for id, tbl := range t.tables {
		h.RowCounts[id] = uint32(len(tbl.Rows))
		if len(tbl.Rows) > 0 {
			h.Valid |= 1 << uint(id)
		}
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, struct {
		Reserved     uint32
		MajorVersion uint8
		MinorVersion uint8
		HeapSizes    uint8
		Reserved2    uint8
		Valid        uint64
		Sorted       uint64
	}{h.Reserved, h.MajorVersion, h.MinorVersion, h.HeapSizes, h.Reserved2, h.Valid, h.Sorted})
	for id := 0; id < MaxTables; id++ {
		if h.Valid&(1<<uint(id)) != 0 {
			_ = binary.Write(&buf, binary.LittleEndian, h.RowCounts[id])
		}
	}
	if h.HeapSizes&HeapExtraData != 0 {
		_ = binary.Write(&buf, binary.LittleEndian, h.ExtraData)
	}

	s := &sizing{rows: h.RowCounts, heapSizes: h.HeapSizes}
	var cellBuf [4]byte
	for id := TableID(0); id < MaxTables; id++ {
		tbl, ok := t.tables[id]
		if !ok || h.Valid&(1<<uint(id)) == 0 {
			continue
		}
		for r, row := range tbl.Rows {
			for i, col := range tbl.Columns {
				width := s.width(col)
				value := row[i]
				if width == 2 && value > 0xFFFF {
					err := errors.Errorf("value 0x%X does not fit a 2-byte column", value)
					if herr := handler.report(&RowError{Table: id, Row: uint32(r + 1), Column: col.Name, Err: err}); herr != nil {
						return herr
					}
					value = 0
				}
				if width == 2 {
					binary.LittleEndian.PutUint16(cellBuf[:], uint16(value))
				} else {
					binary.LittleEndian.PutUint32(cellBuf[:], value)
				}
				buf.Write(cellBuf[:width])
			}
		}
	}

	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	t.Header = h
	t.encoded = buf.Bytes()
	return nil
}

// PresentTables returns the ids with at least one row, in order.
func (t *TableStream) PresentTables() []TableID {
	var ids []TableID
	valid := uint64(0)
	for id, tbl := range t.tables {
		if len(tbl.Rows) > 0 {
			valid |= 1 << uint(id)
		}
	}
	for valid != 0 {
		id := bits.TrailingZeros64(valid)
		ids = append(ids, TableID(id))
		valid &^= 1 << uint(id)
	}
	return ids
}
