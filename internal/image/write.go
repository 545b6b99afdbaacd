package image

import (
	"debug/pe"
	"io"
	"math"
	"os"

	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
	ipe "github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/ZacharyZcR/MetaPatch/internal/strongname"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Assembly flag marking a full public key in the Assembly row.
const assemblyFlagPublicKey = 0x0001

// placement records where a raw value landed.
type placement struct {
	kind   metadata.RawValueKind
	seg    *blobSegment
	offset uint32
}

// writer carries the state of one Write call.
type writer struct {
	m      *metadata.Module
	o      WriteOptions
	log    logrus.FieldLogger
	status *Status
	values peValues

	streams *metadata.Container
	tables  *metadata.TableStream

	bodies    *blobSegment
	resources *blobSegment
	fields    *blobSegment
	placed    map[metadata.Cell]placement

	cli   *cliHeaderSegment
	sig   *bytesSegment
	md    *metadataSegment
	text  []Segment
	rsrc  *ipe.Win32Resources
	reloc []byte

	headers *ipe.Headers
	conv    *ipe.SectionMap
}

// Write serializes m as a PE image and returns its layout record. The
// module is not modified.
func Write(m *metadata.Module, w io.Writer, opts *WriteOptions) (*Info, error) {
	buf, info, err := build(m, opts)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, errors.Wrap(err, "write image")
	}
	return info, nil
}

// WriteFile writes m to the file at path.
func WriteFile(m *metadata.Module, path string, opts *WriteOptions) (*Info, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create output file")
	}
	info, err := Write(m, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "close output file")
	}
	return info, err
}

func build(m *metadata.Module, opts *WriteOptions) (*ipe.Buffer, *Info, error) {
	w := &writer{m: m, o: opts.withDefaults(), placed: make(map[metadata.Cell]placement)}
	w.log = w.o.Logger
	w.values = w.o.PE.resolve()

	if err := w.prepare(); err != nil {
		return nil, nil, err
	}
	if err := w.encode(); err != nil {
		return nil, nil, err
	}
	if err := w.layout(); err != nil {
		return nil, nil, err
	}
	if err := w.assign(); err != nil {
		return nil, nil, err
	}
	buf, err := w.emit()
	if err != nil {
		return nil, nil, err
	}
	info, err := w.info(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf, info, nil
}

// prepare builds the status and fixes the strong-name parameters, which
// decide the size of the signature placeholder.
func (w *writer) prepare() error {
	w.status = w.o.Strategy.NewStatus(w.m, &w.o)
	if w.status == nil {
		return invalidOperation("write strategy returned no status")
	}
	if !w.status.Is64 && w.status.ImageBase > math.MaxUint32 {
		return invalidOperation("image base 0x%X does not fit a PE32 header", w.status.ImageBase)
	}

	key, info, err := strongNameParams(&w.o)
	if err != nil {
		return err
	}
	w.status.key = key
	w.status.StrongName = info
	w.status.DelaySign = w.o.DelaySign && info != nil
	if info != nil {
		w.log.WithFields(logrus.Fields{
			"hash":      info.HashAlgorithm,
			"signature": info.SignatureSize,
			"delay":     w.status.DelaySign,
		}).Debug("strong name")
	}
	return nil
}

func strongNameParams(o *WriteOptions) (*strongname.Key, *strongname.Info, error) {
	key := o.Key
	if key == nil && o.KeyContainer != "" {
		if o.KeyContainers == nil {
			return nil, nil, invalidOperation("key container %q given without a resolver", o.KeyContainer)
		}
		k, err := o.KeyContainers.Resolve(o.KeyContainer)
		if err != nil {
			return nil, nil, err
		}
		key = k
	}

	public := o.PublicKey
	if public == nil && key != nil {
		public = key.PublicKeyBlob()
	}
	if public == nil {
		if o.DelaySign {
			return nil, nil, invalidOperation("delay signing needs a public key")
		}
		return nil, nil, nil
	}
	if !o.DelaySign && (key == nil || !key.CanSign()) {
		return nil, nil, &strongname.CryptographicError{Msg: "signing needs a private key; use delay signing for a public key"}
	}

	info, err := strongname.NewInfo(public, o.HashAlgorithm)
	if err != nil {
		return nil, nil, err
	}
	return key, &info, nil
}

// encode clones the streams, applies the public key and encodes the
// tables once to learn their size.
func (w *writer) encode() error {
	if w.m.Streams == nil || w.m.Streams.Tables() == nil {
		return invalidOperation("module has no table stream")
	}
	w.streams = w.m.Streams.Clone()
	w.tables = w.streams.Tables()

	if w.o.CLI.Tables != nil {
		if err := w.tables.Reschema(w.o.CLI.Tables); err != nil {
			return err
		}
	}
	if sn := w.status.StrongName; sn != nil {
		if err := w.embedPublicKey(sn.PublicKey); err != nil {
			return err
		}
	}
	if err := w.collectRawValues(); err != nil {
		return err
	}
	return w.tables.Encode(w.streams, w.o.ErrorHandler)
}

func (w *writer) embedPublicKey(key []byte) error {
	if w.tables.RowCount(metadata.TableAssembly) == 0 {
		w.log.Warn("module has no Assembly row; public key not embedded")
		return nil
	}
	if w.streams.Blobs() == nil {
		w.streams.Add(metadata.NewBlobHeap(metadata.StreamBlob, nil))
	}
	index, err := w.streams.Blobs().Add(key)
	if err != nil {
		return errors.Wrap(err, "intern public key")
	}
	if err := w.tables.Set(metadata.TableAssembly, 1, "PublicKey", index); err != nil {
		return err
	}
	flags, err := w.tables.Get(metadata.TableAssembly, 1, "Flags")
	if err != nil {
		return err
	}
	return w.tables.Set(metadata.TableAssembly, 1, "Flags", flags|assemblyFlagPublicKey)
}

// collectRawValues queues every resolved raw value into its segment.
func (w *writer) collectRawValues() error {
	w.bodies = newBlobSegment(4, true, false)
	w.resources = newBlobSegment(8, false, true)
	w.fields = newBlobSegment(8, false, false)

	for _, cell := range w.m.RawCells() {
		v := w.m.RawValues[cell]
		if cell.Row == 0 || cell.Row > w.tables.RowCount(cell.Table) {
			w.log.WithField("cell", cell.String()).Warn("raw value for a missing row dropped")
			continue
		}
		if !v.Resolved() {
			err := &metadata.RowError{Table: cell.Table, Row: cell.Row, Column: cell.Column, Err: errors.New("raw value was never resolved")}
			if herr := w.o.ErrorHandler(err); herr != nil {
				return invalidOperation("%s: %v", cell, herr)
			}
			if err := w.tables.Set(cell.Table, cell.Row, cell.Column, 0); err != nil {
				return err
			}
			continue
		}

		var seg *blobSegment
		switch v.Kind {
		case metadata.RawMethodBody:
			seg = w.bodies
		case metadata.RawFieldData:
			seg = w.fields
		case metadata.RawResource:
			seg = w.resources
		default:
			return invalidOperation("%s has unknown raw value kind %d", cell, v.Kind)
		}
		w.placed[cell] = placement{kind: v.Kind, seg: seg, offset: seg.Add(v.Data)}
	}
	w.clearStaleRVAs()
	return nil
}

// clearStaleRVAs zeroes RVA cells with no raw value behind them; their
// old addresses mean nothing in the new layout.
func (w *writer) clearStaleRVAs() {
	for _, id := range []metadata.TableID{metadata.TableMethodDef, metadata.TableFieldRVA} {
		for row := uint32(1); row <= w.tables.RowCount(id); row++ {
			cell := metadata.Cell{Table: id, Row: row, Column: metadata.ColumnRVA}
			if _, ok := w.m.RawValues[cell]; ok {
				continue
			}
			if v, err := w.tables.Get(id, row, metadata.ColumnRVA); err == nil && v != 0 {
				w.log.WithField("cell", cell.String()).Debug("stale RVA cleared")
				_ = w.tables.Set(id, row, metadata.ColumnRVA, 0)
			}
		}
	}
}

// layout places every segment and section.
func (w *writer) layout() error {
	header := w.o.Strategy.CLIHeader(w.status)
	if header == nil {
		return invalidOperation("write strategy returned no CLI header")
	}
	w.cli = &cliHeaderSegment{header: header}
	w.text = append(w.text, w.cli)
	if sn := w.status.StrongName; sn != nil {
		w.sig = newBytesSegment(make([]byte, sn.SignatureSize), 4)
		w.text = append(w.text, w.sig)
	}
	for _, seg := range []*blobSegment{w.bodies, w.resources, w.fields} {
		if seg.Size() > 0 {
			w.text = append(w.text, seg)
		}
	}
	w.text = append(w.text, w.o.Strategy.BeforeMetadata(w.status)...)
	w.md = newMetadataSegment(w.m, w.streams, w.o.CLI.MetadataVersion)
	w.text = append(w.text, w.md)
	w.text = append(w.text, w.o.Strategy.AfterMetadata(w.status)...)
	if len(w.m.Debug) > 0 {
		w.text = append(w.text, &debugSegment{entries: w.m.Debug})
	}

	relocations := 0
	for _, seg := range w.text {
		if r, ok := seg.(RelocatingSegment); ok {
			relocations += len(r.Relocations())
		}
	}
	sections := 1
	if w.m.Win32Resources != nil {
		sections++
	}
	if relocations > 0 {
		sections++
	}

	optSize := uint32(ipe.OptionalHeader32Sz)
	if w.status.Is64 {
		optSize = ipe.OptionalHeader64Sz
	}
	dos := ipe.NewDOSHeader()
	headersSize := dos.Lfanew + 4 + ipe.FileHeaderSize + optSize + uint32(sections)*ipe.SectionHeaderSize

	l, err := ipe.NewLayout(w.values.fileAlignment, w.values.sectionAlignment, headersSize)
	if err != nil {
		return invalidOperation("%v", err)
	}
	textRVA, textOffset := l.NextRVA(), l.HeadersSize
	cursor := uint32(0)
	for _, seg := range w.text {
		cursor = ipe.AlignUp(cursor, seg.Alignment())
		seg.SetRVA(textRVA+cursor, textOffset+cursor)
		cursor += seg.Size()
	}
	if _, err := l.Add(".text", ipe.CharacteristicsText, cursor); err != nil {
		return err
	}

	if w.m.Win32Resources != nil {
		if w.rsrc, err = w.m.Win32Resources.Rebase(l.NextRVA()); err != nil {
			return errors.Wrap(err, "rebase Win32 resources")
		}
		if _, err := l.Add(".rsrc", ipe.CharacteristicsRsrc, uint32(len(w.rsrc.Data))); err != nil {
			return err
		}
	}

	if relocations > 0 {
		var rvas []uint32
		for _, seg := range w.text {
			if r, ok := seg.(RelocatingSegment); ok {
				rvas = append(rvas, r.Relocations()...)
			}
		}
		relocType := uint16(ipe.IMAGE_REL_BASED_HIGHLOW)
		if w.status.Is64 {
			relocType = ipe.IMAGE_REL_BASED_DIR64
		}
		w.reloc = ipe.BuildRelocations(rvas, relocType)
		if _, err := l.Add(".reloc", ipe.CharacteristicsReloc, uint32(len(w.reloc))); err != nil {
			return err
		}
	}

	w.headers = w.buildHeaders(l, uint16(optSize))
	w.conv = ipe.NewSectionMap(w.headers.Sections)
	w.log.WithFields(logrus.Fields{
		"sections": len(w.headers.Sections),
		"text":     cursor,
		"size":     l.FileSize(),
	}).Debug("layout")
	return nil
}

func (w *writer) buildHeaders(l *ipe.Layout, optSize uint16) *ipe.Headers {
	v := w.values
	g := l.Geometry()
	sections := l.Sections()

	h := &ipe.Headers{
		DOS: ipe.NewDOSHeader(),
		File: pe.FileHeader{
			Machine:              w.status.Machine,
			NumberOfSections:     uint16(len(sections)),
			TimeDateStamp:        v.timestamp,
			SizeOfOptionalHeader: optSize,
			Characteristics:      v.characteristics,
		},
		Sections: sections,
	}

	var entry uint32
	for _, seg := range w.text {
		if e, ok := seg.(EntryPointSegment); ok {
			entry = e.EntryPoint()
		}
	}

	if w.status.Is64 {
		h.Optional = &pe.OptionalHeader64{
			Magic:                       0x20B,
			MajorLinkerVersion:          v.majorLinker,
			MinorLinkerVersion:          v.minorLinker,
			SizeOfCode:                  g.SizeOfCode,
			SizeOfInitializedData:       g.SizeOfInitializedData,
			SizeOfUninitializedData:     g.SizeOfUninitializedData,
			AddressOfEntryPoint:         entry,
			BaseOfCode:                  g.BaseOfCode,
			ImageBase:                   w.status.ImageBase,
			SectionAlignment:            v.sectionAlignment,
			FileAlignment:               v.fileAlignment,
			MajorOperatingSystemVersion: v.majorOS,
			MinorOperatingSystemVersion: v.minorOS,
			MajorImageVersion:           v.majorImage,
			MinorImageVersion:           v.minorImage,
			MajorSubsystemVersion:       v.majorSubsystem,
			MinorSubsystemVersion:       v.minorSubsystem,
			SizeOfImage:                 g.SizeOfImage,
			SizeOfHeaders:               g.SizeOfHeaders,
			Subsystem:                   v.subsystem,
			DllCharacteristics:          v.dllCharacteristics,
			SizeOfStackReserve:          v.stackReserve,
			SizeOfStackCommit:           v.stackCommit,
			SizeOfHeapReserve:           v.heapReserve,
			SizeOfHeapCommit:            v.heapCommit,
			NumberOfRvaAndSizes:         16,
		}
	} else {
		h.Optional = &pe.OptionalHeader32{
			Magic:                       0x10B,
			MajorLinkerVersion:          v.majorLinker,
			MinorLinkerVersion:          v.minorLinker,
			SizeOfCode:                  g.SizeOfCode,
			SizeOfInitializedData:       g.SizeOfInitializedData,
			SizeOfUninitializedData:     g.SizeOfUninitializedData,
			AddressOfEntryPoint:         entry,
			BaseOfCode:                  g.BaseOfCode,
			BaseOfData:                  g.BaseOfData,
			ImageBase:                   uint32(w.status.ImageBase),
			SectionAlignment:            v.sectionAlignment,
			FileAlignment:               v.fileAlignment,
			MajorOperatingSystemVersion: v.majorOS,
			MinorOperatingSystemVersion: v.minorOS,
			MajorImageVersion:           v.majorImage,
			MinorImageVersion:           v.minorImage,
			MajorSubsystemVersion:       v.majorSubsystem,
			MinorSubsystemVersion:       v.minorSubsystem,
			SizeOfImage:                 g.SizeOfImage,
			SizeOfHeaders:               g.SizeOfHeaders,
			Subsystem:                   v.subsystem,
			DllCharacteristics:          v.dllCharacteristics,
			SizeOfStackReserve:          uint32(v.stackReserve),
			SizeOfStackCommit:           uint32(v.stackCommit),
			SizeOfHeapReserve:           uint32(v.heapReserve),
			SizeOfHeapCommit:            uint32(v.heapCommit),
			NumberOfRvaAndSizes:         16,
		}
	}

	for _, seg := range w.text {
		if d, ok := seg.(DirectorySegment); ok {
			for i, dir := range d.Directories() {
				h.SetDataDirectory(i, dir)
			}
		}
	}
	h.SetDataDirectory(ipe.DirectoryCLR, pe.DataDirectory{VirtualAddress: w.cli.RVA(), Size: metadata.CLIHeaderSize})
	for _, s := range sections {
		switch ipe.SectionName(s) {
		case ".rsrc":
			h.SetDataDirectory(ipe.DirectoryResource, pe.DataDirectory{VirtualAddress: s.VirtualAddress, Size: w.rsrc.Size})
		case ".reloc":
			h.SetDataDirectory(ipe.DirectoryBaseReloc, pe.DataDirectory{VirtualAddress: s.VirtualAddress, Size: uint32(len(w.reloc))})
		}
	}
	return h
}

// assign stores the final raw value addresses in the tables, fills the
// CLI header and re-encodes. The re-encoded metadata must keep its size.
func (w *writer) assign() error {
	size := w.md.Size()
	for cell, p := range w.placed {
		value := p.seg.RVA() + p.offset
		if p.kind == metadata.RawResource {
			value = p.offset
		}
		if err := w.tables.Set(cell.Table, cell.Row, cell.Column, value); err != nil {
			return err
		}
	}
	if err := w.tables.Encode(w.streams, w.o.ErrorHandler); err != nil {
		return err
	}
	if got := w.md.Size(); got != size {
		return invalidOperation("metadata size changed from %d to %d after layout", size, got)
	}

	h := w.cli.header
	h.Cb = metadata.CLIHeaderSize
	h.MetaData = pe.DataDirectory{VirtualAddress: w.md.RVA(), Size: size}
	h.Resources = pe.DataDirectory{}
	if w.resources.Size() > 0 {
		h.Resources = pe.DataDirectory{VirtualAddress: w.resources.RVA(), Size: w.resources.Size()}
	}
	h.StrongNameSignature = pe.DataDirectory{}
	h.Flags &^= metadata.FlagStrongNameSigned
	if w.sig != nil {
		h.StrongNameSignature = pe.DataDirectory{VirtualAddress: w.sig.RVA(), Size: w.sig.Size()}
		if !w.status.DelaySign {
			h.Flags |= metadata.FlagStrongNameSigned
		}
	}
	h.CodeManagerTable = pe.DataDirectory{}
	h.VTableFixups = pe.DataDirectory{}
	h.ExportAddressTableJumps = pe.DataDirectory{}
	h.ManagedNativeHeader = pe.DataDirectory{}
	return nil
}

// emit writes the image: segments in .text order, the other sections,
// the final headers, then the signature and checksum.
func (w *writer) emit() (*ipe.Buffer, error) {
	sections := w.headers.Sections
	last := sections[len(sections)-1]
	buf := ipe.NewBuffer(last.PointerToRawData + last.SizeOfRawData)

	for _, seg := range w.text {
		if seg.Size() == 0 {
			continue
		}
		offset, err := w.conv.ToOffset(seg.RVA())
		if err != nil {
			return nil, err
		}
		n, err := seg.WriteTo(buf.WriterAt(int64(offset)))
		if err != nil {
			return nil, err
		}
		if uint32(n) != seg.Size() {
			return nil, invalidOperation("segment at 0x%08X wrote %d bytes, reserved %d", seg.RVA(), n, seg.Size())
		}
	}

	for _, s := range sections {
		var data []byte
		switch ipe.SectionName(s) {
		case ".rsrc":
			data = w.rsrc.Data
		case ".reloc":
			data = w.reloc
		default:
			continue
		}
		if _, err := buf.WriteAt(data, int64(s.PointerToRawData)); err != nil {
			return nil, err
		}
	}

	hb, err := w.headers.Bytes()
	if err != nil {
		return nil, err
	}
	if _, err := buf.WriteAt(hb, 0); err != nil {
		return nil, err
	}

	if sn := w.status.StrongName; sn != nil && !w.status.DelaySign {
		g := strongname.NewGeometry(w.headers, w.cli.header.StrongNameSignature, w.conv)
		if _, err := strongname.Sign(buf, g, w.status.key, *sn, w.o.Crypto); err != nil {
			return nil, err
		}
		w.log.Debug("image signed")
	}

	if w.o.PE.UpdateChecksum {
		sum, err := ipe.UpdateChecksum(buf, w.headers, buf.Len())
		if err != nil {
			return nil, err
		}
		switch oh := w.headers.Optional.(type) {
		case *pe.OptionalHeader32:
			oh.CheckSum = sum
		case *pe.OptionalHeader64:
			oh.CheckSum = sum
		}
	}
	return buf, nil
}

// info builds the layout record of the written image.
func (w *writer) info(buf *ipe.Buffer) (*Info, error) {
	info := &Info{
		headers:   w.headers,
		cli:       *w.cli.header,
		root:      w.md.root.Clone(),
		tables:    w.tables.Header,
		rawValues: make(map[metadata.Cell]metadata.RawValue, len(w.placed)),
		fileSize:  buf.Len(),
	}
	for cell, p := range w.placed {
		info.rawValues[cell] = metadata.RawValue{Kind: p.kind, RVA: p.seg.RVA() + p.offset}
	}
	if w.sig != nil {
		info.signature = make([]byte, w.sig.Size())
		if _, err := buf.ReadAt(info.signature, int64(w.sig.offset)); err != nil {
			return nil, err
		}
	}
	debug, err := ipe.ReadDebugDirectory(buf, w.headers, w.conv)
	if err != nil {
		return nil, err
	}
	info.debug = debug
	return info, nil
}
