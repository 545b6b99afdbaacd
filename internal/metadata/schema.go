package metadata

import "fmt"

// TableID identifies a metadata table.
type TableID uint8

// Metadata tables (ECMA-335 II.22).
const (
	TableModule                 TableID = 0x00
	TableTypeRef                TableID = 0x01
	TableTypeDef                TableID = 0x02
	TableFieldPtr               TableID = 0x03
	TableField                  TableID = 0x04
	TableMethodPtr              TableID = 0x05
	TableMethodDef              TableID = 0x06
	TableParamPtr               TableID = 0x07
	TableParam                  TableID = 0x08
	TableInterfaceImpl          TableID = 0x09
	TableMemberRef              TableID = 0x0A
	TableConstant               TableID = 0x0B
	TableCustomAttribute        TableID = 0x0C
	TableFieldMarshal           TableID = 0x0D
	TableDeclSecurity           TableID = 0x0E
	TableClassLayout            TableID = 0x0F
	TableFieldLayout            TableID = 0x10
	TableStandAloneSig          TableID = 0x11
	TableEventMap               TableID = 0x12
	TableEventPtr               TableID = 0x13
	TableEvent                  TableID = 0x14
	TablePropertyMap            TableID = 0x15
	TablePropertyPtr            TableID = 0x16
	TableProperty               TableID = 0x17
	TableMethodSemantics        TableID = 0x18
	TableMethodImpl             TableID = 0x19
	TableModuleRef              TableID = 0x1A
	TableTypeSpec               TableID = 0x1B
	TableImplMap                TableID = 0x1C
	TableFieldRVA               TableID = 0x1D
	TableENCLog                 TableID = 0x1E
	TableENCMap                 TableID = 0x1F
	TableAssembly               TableID = 0x20
	TableAssemblyProcessor      TableID = 0x21
	TableAssemblyOS             TableID = 0x22
	TableAssemblyRef            TableID = 0x23
	TableAssemblyRefProcessor   TableID = 0x24
	TableAssemblyRefOS          TableID = 0x25
	TableFile                   TableID = 0x26
	TableExportedType           TableID = 0x27
	TableManifestResource       TableID = 0x28
	TableNestedClass            TableID = 0x29
	TableGenericParam           TableID = 0x2A
	TableMethodSpec             TableID = 0x2B
	TableGenericParamConstraint TableID = 0x2C

	// MaxTables is the number of bits in the valid mask.
	MaxTables = 64

	noTable TableID = 0xFF
)

var tableNames = map[TableID]string{
	TableModule: "Module", TableTypeRef: "TypeRef", TableTypeDef: "TypeDef",
	TableFieldPtr: "FieldPtr", TableField: "Field", TableMethodPtr: "MethodPtr",
	TableMethodDef: "MethodDef", TableParamPtr: "ParamPtr", TableParam: "Param",
	TableInterfaceImpl: "InterfaceImpl", TableMemberRef: "MemberRef", TableConstant: "Constant",
	TableCustomAttribute: "CustomAttribute", TableFieldMarshal: "FieldMarshal",
	TableDeclSecurity: "DeclSecurity", TableClassLayout: "ClassLayout", TableFieldLayout: "FieldLayout",
	TableStandAloneSig: "StandAloneSig", TableEventMap: "EventMap", TableEventPtr: "EventPtr",
	TableEvent: "Event", TablePropertyMap: "PropertyMap", TablePropertyPtr: "PropertyPtr",
	TableProperty: "Property", TableMethodSemantics: "MethodSemantics", TableMethodImpl: "MethodImpl",
	TableModuleRef: "ModuleRef", TableTypeSpec: "TypeSpec", TableImplMap: "ImplMap",
	TableFieldRVA: "FieldRVA", TableENCLog: "ENCLog", TableENCMap: "ENCMap",
	TableAssembly: "Assembly", TableAssemblyProcessor: "AssemblyProcessor", TableAssemblyOS: "AssemblyOS",
	TableAssemblyRef: "AssemblyRef", TableAssemblyRefProcessor: "AssemblyRefProcessor",
	TableAssemblyRefOS: "AssemblyRefOS", TableFile: "File", TableExportedType: "ExportedType",
	TableManifestResource: "ManifestResource", TableNestedClass: "NestedClass",
	TableGenericParam: "GenericParam", TableMethodSpec: "MethodSpec",
	TableGenericParamConstraint: "GenericParamConstraint",
}

func (id TableID) String() string {
	if name, ok := tableNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Table0x%02X", uint8(id))
}

// ColumnKind is the storage class of a column.
type ColumnKind uint8

// Column kinds.
const (
	KindU16 ColumnKind = iota
	KindU32
	KindString
	KindGUID
	KindBlob
	KindTable
	KindCoded
)

// CodedIndex describes a tagged index into one of several tables.
// Unused tags hold noTable.
type CodedIndex struct {
	Name   string
	Bits   uint
	Tables []TableID
}

// Coded index kinds (ECMA-335 II.24.2.6).
var (
	TypeDefOrRef        = &CodedIndex{"TypeDefOrRef", 2, []TableID{TableTypeDef, TableTypeRef, TableTypeSpec}}
	HasConstant         = &CodedIndex{"HasConstant", 2, []TableID{TableField, TableParam, TableProperty}}
	HasCustomAttribute  = &CodedIndex{"HasCustomAttribute", 5, []TableID{TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam, TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity, TableProperty, TableEvent, TableStandAloneSig, TableModuleRef, TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile, TableExportedType, TableManifestResource, TableGenericParam, TableGenericParamConstraint, TableMethodSpec}}
	HasFieldMarshal     = &CodedIndex{"HasFieldMarshal", 1, []TableID{TableField, TableParam}}
	HasDeclSecurity     = &CodedIndex{"HasDeclSecurity", 2, []TableID{TableTypeDef, TableMethodDef, TableAssembly}}
	MemberRefParent     = &CodedIndex{"MemberRefParent", 3, []TableID{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}}
	HasSemantics        = &CodedIndex{"HasSemantics", 1, []TableID{TableEvent, TableProperty}}
	MethodDefOrRef      = &CodedIndex{"MethodDefOrRef", 1, []TableID{TableMethodDef, TableMemberRef}}
	MemberForwarded     = &CodedIndex{"MemberForwarded", 1, []TableID{TableField, TableMethodDef}}
	Implementation      = &CodedIndex{"Implementation", 2, []TableID{TableFile, TableAssemblyRef, TableExportedType}}
	CustomAttributeType = &CodedIndex{"CustomAttributeType", 3, []TableID{noTable, noTable, TableMethodDef, TableMemberRef, noTable}}
	ResolutionScope     = &CodedIndex{"ResolutionScope", 2, []TableID{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}}
	TypeOrMethodDef     = &CodedIndex{"TypeOrMethodDef", 1, []TableID{TableTypeDef, TableMethodDef}}
)

// Decode splits a coded value into its target table and row.
func (ci *CodedIndex) Decode(v uint32) (TableID, uint32, bool) {
	tag := v & (1<<ci.Bits - 1)
	if int(tag) >= len(ci.Tables) || ci.Tables[tag] == noTable {
		return noTable, 0, false
	}
	return ci.Tables[tag], v >> ci.Bits, true
}

// Encode builds a coded value for row in table.
func (ci *CodedIndex) Encode(table TableID, row uint32) (uint32, bool) {
	for tag, t := range ci.Tables {
		if t == table && t != noTable {
			return row<<ci.Bits | uint32(tag), true
		}
	}
	return 0, false
}

// Column is one column of a table schema.
type Column struct {
	Name  string
	Kind  ColumnKind
	Table TableID     // KindTable target
	Coded *CodedIndex // KindCoded target
	// List marks a column that starts a run of rows and may point one
	// past the last row.
	List bool
}

func u16(name string) Column              { return Column{Name: name, Kind: KindU16} }
func u32(name string) Column              { return Column{Name: name, Kind: KindU32} }
func str(name string) Column              { return Column{Name: name, Kind: KindString} }
func guidCol(name string) Column          { return Column{Name: name, Kind: KindGUID} }
func blob(name string) Column             { return Column{Name: name, Kind: KindBlob} }
func index(name string, t TableID) Column { return Column{Name: name, Kind: KindTable, Table: t} }
func list(name string, t TableID) Column {
	return Column{Name: name, Kind: KindTable, Table: t, List: true}
}
func coded(name string, ci *CodedIndex) Column {
	return Column{Name: name, Kind: KindCoded, Coded: ci}
}

// Schema lists the columns of every known table.
type Schema map[TableID][]Column

// ColumnIndex returns the position of the named column, or -1.
func (s Schema) ColumnIndex(table TableID, name string) int {
	for i, c := range s[table] {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// ECMASchema returns a fresh copy of the ECMA-335 table schema.
func ECMASchema() Schema {
	return Schema{
		TableModule:          {u16("Generation"), str("Name"), guidCol("Mvid"), guidCol("EncId"), guidCol("EncBaseId")},
		TableTypeRef:         {coded("ResolutionScope", ResolutionScope), str("TypeName"), str("TypeNamespace")},
		TableTypeDef:         {u32("Flags"), str("TypeName"), str("TypeNamespace"), coded("Extends", TypeDefOrRef), list("FieldList", TableField), list("MethodList", TableMethodDef)},
		TableFieldPtr:        {index("Field", TableField)},
		TableField:           {u16("Flags"), str("Name"), blob("Signature")},
		TableMethodPtr:       {index("Method", TableMethodDef)},
		TableMethodDef:       {u32("RVA"), u16("ImplFlags"), u16("Flags"), str("Name"), blob("Signature"), list("ParamList", TableParam)},
		TableParamPtr:        {index("Param", TableParam)},
		TableParam:           {u16("Flags"), u16("Sequence"), str("Name")},
		TableInterfaceImpl:   {index("Class", TableTypeDef), coded("Interface", TypeDefOrRef)},
		TableMemberRef:       {coded("Class", MemberRefParent), str("Name"), blob("Signature")},
		TableConstant:        {u16("Type"), coded("Parent", HasConstant), blob("Value")},
		TableCustomAttribute: {coded("Parent", HasCustomAttribute), coded("Type", CustomAttributeType), blob("Value")},
		TableFieldMarshal:    {coded("Parent", HasFieldMarshal), blob("NativeType")},
		TableDeclSecurity:    {u16("Action"), coded("Parent", HasDeclSecurity), blob("PermissionSet")},
		TableClassLayout:     {u16("PackingSize"), u32("ClassSize"), index("Parent", TableTypeDef)},
		TableFieldLayout:     {u32("Offset"), index("Field", TableField)},
		TableStandAloneSig:   {blob("Signature")},
		TableEventMap:        {index("Parent", TableTypeDef), list("EventList", TableEvent)},
		TableEventPtr:        {index("Event", TableEvent)},
		TableEvent:           {u16("EventFlags"), str("Name"), coded("EventType", TypeDefOrRef)},
		TablePropertyMap:     {index("Parent", TableTypeDef), list("PropertyList", TableProperty)},
		TablePropertyPtr:     {index("Property", TableProperty)},
		TableProperty:        {u16("Flags"), str("Name"), blob("Type")},
		TableMethodSemantics: {u16("Semantics"), index("Method", TableMethodDef), coded("Association", HasSemantics)},
		TableMethodImpl:      {index("Class", TableTypeDef), coded("MethodBody", MethodDefOrRef), coded("MethodDeclaration", MethodDefOrRef)},
		TableModuleRef:       {str("Name")},
		TableTypeSpec:        {blob("Signature")},
		TableImplMap:         {u16("MappingFlags"), coded("MemberForwarded", MemberForwarded), str("ImportName"), index("ImportScope", TableModuleRef)},
		TableFieldRVA:        {u32("RVA"), index("Field", TableField)},
		TableENCLog:          {u32("Token"), u32("FuncCode")},
		TableENCMap:          {u32("Token")},
		TableAssembly: {u32("HashAlgId"), u16("MajorVersion"), u16("MinorVersion"), u16("BuildNumber"), u16("RevisionNumber"),
			u32("Flags"), blob("PublicKey"), str("Name"), str("Culture")},
		TableAssemblyProcessor: {u32("Processor")},
		TableAssemblyOS:        {u32("OSPlatformID"), u32("OSMajorVersion"), u32("OSMinorVersion")},
		TableAssemblyRef: {u16("MajorVersion"), u16("MinorVersion"), u16("BuildNumber"), u16("RevisionNumber"),
			u32("Flags"), blob("PublicKeyOrToken"), str("Name"), str("Culture"), blob("HashValue")},
		TableAssemblyRefProcessor:   {u32("Processor"), index("AssemblyRef", TableAssemblyRef)},
		TableAssemblyRefOS:          {u32("OSPlatformID"), u32("OSMajorVersion"), u32("OSMinorVersion"), index("AssemblyRef", TableAssemblyRef)},
		TableFile:                   {u32("Flags"), str("Name"), blob("HashValue")},
		TableExportedType:           {u32("Flags"), u32("TypeDefId"), str("TypeName"), str("TypeNamespace"), coded("Implementation", Implementation)},
		TableManifestResource:       {u32("Offset"), u32("Flags"), str("Name"), coded("Implementation", Implementation)},
		TableNestedClass:            {index("NestedClass", TableTypeDef), index("EnclosingClass", TableTypeDef)},
		TableGenericParam:           {u16("Number"), u16("Flags"), coded("Owner", TypeOrMethodDef), str("Name")},
		TableMethodSpec:             {coded("Method", MethodDefOrRef), blob("Instantiation")},
		TableGenericParamConstraint: {index("Owner", TableGenericParam), coded("Constraint", TypeDefOrRef)},
	}
}

// TableInfoProvider selects the schema used to decode and encode a table
// stream with the given header.
type TableInfoProvider interface {
	Schema(h *TableHeader) (Schema, error)
}

// ECMAProvider serves ECMASchema for every header.
type ECMAProvider struct{}

func (ECMAProvider) Schema(*TableHeader) (Schema, error) {
	return ECMASchema(), nil
}
