package image

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"io"

	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
	ipe "github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/ZacharyZcR/MetaPatch/internal/strongname"
)

// Segment is a block of bytes placed in the .text section.
type Segment interface {
	Alignment() uint32
	Size() uint32
	// SetRVA assigns the segment's address and file offset.
	SetRVA(rva, offset uint32)
	RVA() uint32
	WriteTo(w io.Writer) (int64, error)
}

// DirectorySegment fills PE data directories.
type DirectorySegment interface {
	Segment
	Directories() map[int]pe.DataDirectory
}

// EntryPointSegment supplies the native entry point.
type EntryPointSegment interface {
	Segment
	EntryPoint() uint32
}

// RelocatingSegment holds absolute addresses the loader must fix up.
type RelocatingSegment interface {
	Segment
	Relocations() []uint32
}

// Status is the per-write state shared by the strategy and the writer.
type Status struct {
	Module    *metadata.Module
	Options   *WriteOptions
	Machine   uint16
	Is64      bool
	DLL       bool
	ImageBase uint64

	// StrongName is set when the image is strong-named.
	StrongName *strongname.Info
	DelaySign  bool
	key        *strongname.Key
}

// WriteStrategy customizes the writer: it builds the status, the CLI
// header and extra segments around the metadata.
type WriteStrategy interface {
	NewStatus(m *metadata.Module, opts *WriteOptions) *Status
	CLIHeader(s *Status) *metadata.CLIHeader
	BeforeMetadata(s *Status) []Segment
	AfterMetadata(s *Status) []Segment
}

// DefaultStrategy writes IL-only images. I386 images get the mscoree
// import and startup stub.
type DefaultStrategy struct{}

func (DefaultStrategy) NewStatus(m *metadata.Module, opts *WriteOptions) *Status {
	values := opts.PE.resolve()
	return &Status{
		Module:    m,
		Options:   opts,
		Machine:   opts.Machine,
		Is64:      is64BitMachine(opts.Machine),
		DLL:       values.characteristics&pe.IMAGE_FILE_DLL != 0,
		ImageBase: values.imageBase,
	}
}

// is64BitMachine reports whether machine takes a PE32+ optional header.
func is64BitMachine(machine uint16) bool {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_AMD64, pe.IMAGE_FILE_MACHINE_ARM64, pe.IMAGE_FILE_MACHINE_IA64:
		return true
	}
	return false
}

func (DefaultStrategy) CLIHeader(s *Status) *metadata.CLIHeader {
	m := s.Module
	cli := &metadata.CLIHeader{
		Cb:                  metadata.CLIHeaderSize,
		MajorRuntimeVersion: m.RuntimeMajor,
		MinorRuntimeVersion: m.RuntimeMinor,
		Flags:               m.Flags,
		EntryPointToken:     m.EntryPoint,
	}
	c := s.Options.CLI
	if c.RuntimeMajor != nil {
		cli.MajorRuntimeVersion = *c.RuntimeMajor
	}
	if c.RuntimeMinor != nil {
		cli.MinorRuntimeVersion = *c.RuntimeMinor
	}
	if c.Flags != nil {
		cli.Flags = *c.Flags
	}
	if c.EntryPoint != nil {
		cli.EntryPointToken = *c.EntryPoint
	}
	return cli
}

func (DefaultStrategy) BeforeMetadata(*Status) []Segment {
	return nil
}

func (DefaultStrategy) AfterMetadata(s *Status) []Segment {
	if s.Machine != pe.IMAGE_FILE_MACHINE_I386 {
		return nil
	}
	return []Segment{newImportSegment(s.DLL, s.ImageBase)}
}

// segment holds the placement shared by every segment type.
type segment struct {
	rva, offset uint32
}

func (s *segment) SetRVA(rva, offset uint32) { s.rva, s.offset = rva, offset }
func (s *segment) RVA() uint32               { return s.rva }

// bytesSegment is a fixed block of bytes.
type bytesSegment struct {
	segment
	data  []byte
	align uint32
}

func newBytesSegment(data []byte, align uint32) *bytesSegment {
	return &bytesSegment{data: data, align: align}
}

func (b *bytesSegment) Alignment() uint32 { return b.align }
func (b *bytesSegment) Size() uint32      { return uint32(len(b.data)) }

func (b *bytesSegment) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.data)
	return int64(n), err
}

// blobSegment packs entries back to back, each aligned, and remembers
// where each one landed. Identical entries share storage when dedupe is
// set.
type blobSegment struct {
	segment
	buf    bytes.Buffer
	align  uint32
	dedupe bool
	seen   map[string]uint32
	prefix bool
}

func newBlobSegment(align uint32, dedupe, lengthPrefix bool) *blobSegment {
	return &blobSegment{align: align, dedupe: dedupe, prefix: lengthPrefix, seen: make(map[string]uint32)}
}

// Add appends data and returns its offset inside the segment.
func (b *blobSegment) Add(data []byte) uint32 {
	if b.dedupe {
		if off, ok := b.seen[string(data)]; ok {
			return off
		}
	}
	for uint32(b.buf.Len())%b.align != 0 {
		b.buf.WriteByte(0)
	}
	off := uint32(b.buf.Len())
	if b.prefix {
		_ = binary.Write(&b.buf, binary.LittleEndian, uint32(len(data)))
	}
	b.buf.Write(data)
	if b.dedupe {
		b.seen[string(data)] = off
	}
	return off
}

func (b *blobSegment) Alignment() uint32 { return b.align }
func (b *blobSegment) Size() uint32      { return uint32(b.buf.Len()) }

func (b *blobSegment) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.buf.Bytes())
	return int64(n), err
}

// cliHeaderSegment encodes the CLI header when written, after the writer
// has filled in its directories.
type cliHeaderSegment struct {
	segment
	header *metadata.CLIHeader
}

func (c *cliHeaderSegment) Alignment() uint32 { return 4 }
func (c *cliHeaderSegment) Size() uint32      { return metadata.CLIHeaderSize }

func (c *cliHeaderSegment) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(c.header.Bytes())
	return int64(n), err
}

// metadataSegment is the metadata root followed by its streams.
type metadataSegment struct {
	segment
	root    *metadata.Root
	streams []metadata.Stream
}

// newMetadataSegment lays the streams out behind the root header.
func newMetadataSegment(m *metadata.Module, c *metadata.Container, version string) *metadataSegment {
	if version == "" {
		version = m.Version
	}
	seg := &metadataSegment{
		root: &metadata.Root{
			Signature:    metadata.RootSignature,
			MajorVersion: m.MajorVersion,
			MinorVersion: m.MinorVersion,
			Version:      version,
			Flags:        m.RootFlags,
		},
		streams: c.WriteOrder(),
	}
	for _, s := range seg.streams {
		seg.root.Streams = append(seg.root.Streams, metadata.StreamHeader{Name: s.Name()})
	}
	seg.place()
	return seg
}

// place recomputes stream offsets from the current stream sizes.
func (s *metadataSegment) place() {
	offset := s.root.HeaderSize()
	for i, st := range s.streams {
		s.root.Streams[i].Offset = offset
		s.root.Streams[i].Size = st.Size()
		offset += st.Size()
	}
}

func (s *metadataSegment) Alignment() uint32 { return 4 }

func (s *metadataSegment) Size() uint32 {
	size := s.root.HeaderSize()
	for _, st := range s.streams {
		size += st.Size()
	}
	return size
}

func (s *metadataSegment) WriteTo(w io.Writer) (int64, error) {
	s.place()
	root, err := s.root.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(root)
	total := int64(n)
	if err != nil {
		return total, err
	}
	for _, st := range s.streams {
		n, err := st.WriteTo(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// debugSegment is the debug directory and the data of its entries.
type debugSegment struct {
	segment
	entries []ipe.DebugEntry
}

func (d *debugSegment) Alignment() uint32 { return 4 }
func (d *debugSegment) Size() uint32      { return ipe.DebugDirectorySize(d.entries) }

func (d *debugSegment) build() ([]byte, uint32) {
	return ipe.BuildDebugDirectory(d.entries, d.rva, d.offset)
}

func (d *debugSegment) Directories() map[int]pe.DataDirectory {
	_, tableSize := d.build()
	return map[int]pe.DataDirectory{ipe.DirectoryDebug: {VirtualAddress: d.rva, Size: tableSize}}
}

func (d *debugSegment) WriteTo(w io.Writer) (int64, error) {
	data, _ := d.build()
	n, err := w.Write(data)
	return int64(n), err
}

// importSegment is the x86 startup block: IAT, mscoree import table and
// the jump stub the native entry point runs.
type importSegment struct {
	segment
	imp       ipe.CorImport
	imageBase uint64
}

func newImportSegment(dll bool, imageBase uint64) *importSegment {
	return &importSegment{imp: ipe.CorImport{DLL: dll}, imageBase: imageBase}
}

// Offsets inside the segment: IAT, import table, then the stub.
func (s *importSegment) importOffset() uint32 { return ipe.IATSize }
func (s *importSegment) stubOffset() uint32 {
	return ipe.AlignUp(s.importOffset()+s.imp.ImportTableSize(), 4)
}

func (s *importSegment) Alignment() uint32 { return 4 }
func (s *importSegment) Size() uint32      { return s.stubOffset() + ipe.EntryStubSize }

func (s *importSegment) Directories() map[int]pe.DataDirectory {
	return map[int]pe.DataDirectory{
		ipe.DirectoryImport: {VirtualAddress: s.rva + s.importOffset(), Size: s.imp.ImportTableSize()},
		ipe.DirectoryIAT:    {VirtualAddress: s.rva, Size: ipe.IATSize},
	}
}

func (s *importSegment) EntryPoint() uint32 {
	return s.rva + s.stubOffset() + ipe.EntryStubEntryOffset
}

func (s *importSegment) Relocations() []uint32 {
	return []uint32{s.rva + s.stubOffset() + ipe.EntryStubFixupOffset}
}

func (s *importSegment) WriteTo(w io.Writer) (int64, error) {
	importRVA := s.rva + s.importOffset()
	buf := make([]byte, s.Size())
	copy(buf, s.imp.BuildIAT(importRVA))
	copy(buf[s.importOffset():], s.imp.BuildImportTable(importRVA, s.rva))
	copy(buf[s.stubOffset():], ipe.BuildEntryStub(uint32(s.imageBase)+s.rva))
	n, err := w.Write(buf)
	return int64(n), err
}
