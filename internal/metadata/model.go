package metadata

import (
	"fmt"
	"sort"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/ZacharyZcR/MetaPatch/internal/pe"
)

// Cell addresses one column of one row.
type Cell struct {
	Table  TableID
	Row    uint32
	Column string
}

func (c Cell) String() string {
	return fmt.Sprintf("%s[%d].%s", c.Table, c.Row, c.Column)
}

// Columns that hold raw value references.
const (
	ColumnRVA    = "RVA"
	ColumnOffset = "Offset"
)

// RawValueKind identifies what a raw value points at.
type RawValueKind uint8

// Raw value kinds.
const (
	RawMethodBody RawValueKind = iota + 1
	RawFieldData
	RawResource
)

func (k RawValueKind) String() string {
	switch k {
	case RawMethodBody:
		return "method body"
	case RawFieldData:
		return "field data"
	case RawResource:
		return "resource"
	}
	return "unknown"
}

// RawValue is a lazily interpreted byte range referenced from a table
// cell. Data stays nil until the value is resolved.
type RawValue struct {
	Kind RawValueKind
	RVA  uint32
	Data []byte
}

// Resolved reports whether Data holds the referenced bytes.
func (v *RawValue) Resolved() bool {
	return v.Data != nil
}

// Module is the in-memory metadata model of one image.
type Module struct {
	// Metadata root.
	Version      string
	MajorVersion uint16
	MinorVersion uint16
	RootFlags    uint16

	// CLI header.
	RuntimeMajor uint16
	RuntimeMinor uint16
	Flags        uint32
	EntryPoint   uint32

	Streams   *Container
	RawValues map[Cell]*RawValue

	Win32Resources *pe.Win32Resources
	Debug          []pe.DebugEntry
}

// NewModule returns an empty IL-only module with the standard streams.
func NewModule() *Module {
	c := NewContainer()
	c.Add(NewTableStream(StreamTables))
	c.EnsureHeaps()
	return &Module{
		Version:      DefaultVersion,
		MajorVersion: 1,
		MinorVersion: 1,
		RuntimeMajor: 2,
		RuntimeMinor: 5,
		Flags:        FlagILOnly,
		Streams:      c,
		RawValues:    make(map[Cell]*RawValue),
	}
}

// Tables returns the table stream.
func (m *Module) Tables() *TableStream {
	if m.Streams == nil {
		return nil
	}
	return m.Streams.Tables()
}

// RawCells returns the raw value keys in table, row, column order.
func (m *Module) RawCells() []Cell {
	cells := make([]Cell, 0, len(m.RawValues))
	for c := range m.RawValues {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		a, b := cells[i], cells[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Column < b.Column
	})
	return cells
}

// AddModule adds the Module row.
func (m *Module) AddModule(name string, mvid guid.GUID) (uint32, error) {
	return m.Tables().AddRow(TableModule, 0, m.Streams.Strings().Add(name), m.Streams.GUIDs().Add(mvid), 0, 0)
}

// AddAssembly adds the Assembly row.
func (m *Module) AddAssembly(name string, version [4]uint16, hashAlgID uint32) (uint32, error) {
	return m.Tables().AddRow(TableAssembly, hashAlgID,
		uint32(version[0]), uint32(version[1]), uint32(version[2]), uint32(version[3]),
		0, 0, m.Streams.Strings().Add(name), 0)
}

// AddTypeDef adds a TypeDef whose field and method lists start after the
// current last rows.
func (m *Module) AddTypeDef(flags uint32, name, namespace string, extends uint32) (uint32, error) {
	t := m.Tables()
	s := m.Streams.Strings()
	return t.AddRow(TableTypeDef, flags, s.Add(name), s.Add(namespace), extends,
		t.RowCount(TableField)+1, t.RowCount(TableMethodDef)+1)
}

// AddMethod adds a MethodDef whose body is placed by the writer.
func (m *Module) AddMethod(flags, implFlags uint16, name string, signature, body []byte) (uint32, error) {
	t := m.Tables()
	sig, err := m.Streams.Blobs().Add(signature)
	if err != nil {
		return 0, err
	}
	row, err := t.AddRow(TableMethodDef, 0, uint32(implFlags), uint32(flags), m.Streams.Strings().Add(name), sig, t.RowCount(TableParam)+1)
	if err != nil {
		return 0, err
	}
	if body != nil {
		m.RawValues[Cell{TableMethodDef, row, ColumnRVA}] = &RawValue{Kind: RawMethodBody, Data: body}
	}
	return row, nil
}

// AddFieldData adds a static Field with initial data and its FieldRVA row.
func (m *Module) AddFieldData(flags uint16, name string, signature, data []byte) (uint32, error) {
	t := m.Tables()
	sig, err := m.Streams.Blobs().Add(signature)
	if err != nil {
		return 0, err
	}
	field, err := t.AddRow(TableField, uint32(flags), m.Streams.Strings().Add(name), sig)
	if err != nil {
		return 0, err
	}
	row, err := t.AddRow(TableFieldRVA, 0, field)
	if err != nil {
		return 0, err
	}
	m.RawValues[Cell{TableFieldRVA, row, ColumnRVA}] = &RawValue{Kind: RawFieldData, Data: data}
	return field, nil
}

// AddResource adds an embedded ManifestResource.
func (m *Module) AddResource(name string, flags uint32, data []byte) (uint32, error) {
	row, err := m.Tables().AddRow(TableManifestResource, 0, flags, m.Streams.Strings().Add(name), 0)
	if err != nil {
		return 0, err
	}
	m.RawValues[Cell{TableManifestResource, row, ColumnOffset}] = &RawValue{Kind: RawResource, Data: data}
	return row, nil
}
