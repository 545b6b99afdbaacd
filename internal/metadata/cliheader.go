package metadata

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ZacharyZcR/MetaPatch/internal/pe"
)

// CLIHeaderSize is the size of IMAGE_COR20_HEADER.
const CLIHeaderSize = 72

// CLI header flags (COMIMAGE_FLAGS_*).
const (
	FlagILOnly           = 0x00000001
	Flag32BitRequired    = 0x00000002
	FlagILLibrary        = 0x00000004
	FlagStrongNameSigned = 0x00000008
	FlagNativeEntryPoint = 0x00000010
	FlagTrackDebugData   = 0x00010000
	Flag32BitPreferred   = 0x00020000
)

// Field offsets inside the header.
const (
	flagsOffset           = 16
	strongNameFieldOffset = 32
)

// CLIHeader is the fixed record that locates the metadata root.
type CLIHeader struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                pe.DataDirectory
	Flags                   uint32
	EntryPointToken         uint32
	Resources               pe.DataDirectory
	StrongNameSignature     pe.DataDirectory
	CodeManagerTable        pe.DataDirectory
	VTableFixups            pe.DataDirectory
	ExportAddressTableJumps pe.DataDirectory
	ManagedNativeHeader     pe.DataDirectory
}

// ReadCLIHeader locates the CLI header through data directory 14.
// It returns the header and its file offset.
func ReadCLIHeader(r io.ReaderAt, h *pe.Headers, conv pe.RVAConverter) (*CLIHeader, uint32, error) {
	dir := h.DataDirectory(pe.DirectoryCLR)
	if dir.VirtualAddress == 0 || dir.Size < CLIHeaderSize {
		return nil, 0, pe.Errorf("Missing CLI header")
	}

	offset, err := conv.ToOffset(dir.VirtualAddress)
	if err != nil {
		return nil, 0, err
	}

	cli := &CLIHeader{}
	if err := binary.Read(io.NewSectionReader(r, int64(offset), CLIHeaderSize), binary.LittleEndian, cli); err != nil {
		return nil, 0, pe.WrapFormat(err, "truncated CLI header")
	}
	if cli.MetaData.VirtualAddress == 0 {
		return nil, 0, pe.Errorf("Missing metadata root")
	}
	return cli, offset, nil
}

// Bytes encodes the header.
func (c *CLIHeader) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(CLIHeaderSize)
	_ = binary.Write(&buf, binary.LittleEndian, c)
	return buf.Bytes()
}

// FlagsOffset is the offset of the Flags field inside the header.
func FlagsOffset() int64 {
	return flagsOffset
}

// StrongNameSignatureOffset is the offset of the StrongNameSignature
// directory inside the header.
func StrongNameSignatureOffset() int64 {
	return strongNameFieldOffset
}
