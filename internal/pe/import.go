package pe

import (
	"encoding/binary"
)

// ImportDescriptor represents IMAGE_IMPORT_DESCRIPTOR.
type ImportDescriptor struct {
	OriginalFirstThunk uint32 // RVA to Import Name Table (INT).
	TimeDateStamp      uint32 // Usually 0.
	ForwarderChain     uint32 // Usually 0.
	Name               uint32 // RVA to DLL name.
	FirstThunk         uint32 // RVA to Import Address Table (IAT).
}

const (
	importDescriptorSize = 20
	corRuntimeDLL        = "mscoree.dll"

	// IATSize is the size of the single-entry PE32 import address table.
	IATSize = 8

	// EntryStubSize is the size of the x86 startup stub, including the
	// two bytes of padding that keep the jump operand aligned.
	EntryStubSize = 8
	// EntryStubEntryOffset is where execution starts inside the stub.
	EntryStubEntryOffset = 2
	// EntryStubFixupOffset is the absolute address the loader relocates.
	EntryStubFixupOffset = 4
)

// CorImport is the mscoree.dll import that the x86 startup stub jumps
// through: _CorExeMain for executables and _CorDllMain for libraries.
type CorImport struct {
	DLL bool
}

// EntryName returns the imported function name.
func (c CorImport) EntryName() string {
	if c.DLL {
		return "_CorDllMain"
	}
	return "_CorExeMain"
}

// Offsets inside the import table block.
func (c CorImport) lookupOffset() uint32   { return 2 * importDescriptorSize }
func (c CorImport) hintNameOffset() uint32 { return c.lookupOffset() + IATSize }
func (c CorImport) dllNameOffset() uint32 {
	return c.hintNameOffset() + AlignUp(2+uint32(len(c.EntryName()))+1, 2)
}

// ImportTableSize is the size of the block built by BuildImportTable.
func (c CorImport) ImportTableSize() uint32 {
	return c.dllNameOffset() + uint32(len(corRuntimeDLL)) + 1
}

// HintNameRVA is the RVA of the hint/name entry for a table at importRVA.
func (c CorImport) HintNameRVA(importRVA uint32) uint32 {
	return importRVA + c.hintNameOffset()
}

// BuildImportTable returns the descriptor table, lookup table, hint/name
// entry and DLL name, laid out for importRVA.
func (c CorImport) BuildImportTable(importRVA, iatRVA uint32) []byte {
	buf := make([]byte, c.ImportTableSize())
	encodeDescriptor(buf, ImportDescriptor{
		OriginalFirstThunk: importRVA + c.lookupOffset(),
		Name:               importRVA + c.dllNameOffset(),
		FirstThunk:         iatRVA,
	})
	binary.LittleEndian.PutUint32(buf[c.lookupOffset():], c.HintNameRVA(importRVA))
	copy(buf[c.hintNameOffset()+2:], c.EntryName())
	copy(buf[c.dllNameOffset():], corRuntimeDLL)
	return buf
}

// BuildIAT returns the import address table before binding.
func (c CorImport) BuildIAT(importRVA uint32) []byte {
	buf := make([]byte, IATSize)
	binary.LittleEndian.PutUint32(buf, c.HintNameRVA(importRVA))
	return buf
}

// BuildEntryStub returns "jmp dword ptr [iatVA]" preceded by padding.
func BuildEntryStub(iatVA uint32) []byte {
	buf := make([]byte, EntryStubSize)
	buf[2], buf[3] = 0xFF, 0x25
	binary.LittleEndian.PutUint32(buf[EntryStubFixupOffset:], iatVA)
	return buf
}

// encodeDescriptor encodes an ImportDescriptor to bytes.
func encodeDescriptor(buf []byte, desc ImportDescriptor) {
	binary.LittleEndian.PutUint32(buf[0:4], desc.OriginalFirstThunk)
	binary.LittleEndian.PutUint32(buf[4:8], desc.TimeDateStamp)
	binary.LittleEndian.PutUint32(buf[8:12], desc.ForwarderChain)
	binary.LittleEndian.PutUint32(buf[12:16], desc.Name)
	binary.LittleEndian.PutUint32(buf[16:20], desc.FirstThunk)
}
