package image

import (
	"io"

	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
	"github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Read parses a managed image into a metadata model. When opts is not
// nil, opts.Info receives the layout record.
func Read(r io.ReaderAt, opts *ReadOptions) (*metadata.Module, error) {
	o := opts.withDefaults()

	h, err := pe.ReadHeaders(r)
	if err != nil {
		return nil, err
	}
	conv := o.Converter(h)

	cli, _, err := metadata.ReadCLIHeader(r, h, conv)
	if err != nil {
		return nil, err
	}
	mdOffset, err := conv.ToOffset(cli.MetaData.VirtualAddress)
	if err != nil {
		return nil, pe.WrapFormat(err, "Missing metadata root")
	}
	root, err := metadata.ReadRoot(r, int64(mdOffset), cli.MetaData.Size)
	if err != nil {
		return nil, err
	}
	o.Logger.WithFields(logrus.Fields{
		"version": root.Version,
		"streams": len(root.Streams),
	}).Debug("metadata root")

	streams := metadata.NewContainer()
	for _, sh := range root.Streams {
		if uint64(sh.Offset)+uint64(sh.Size) > uint64(cli.MetaData.Size) {
			return nil, pe.Errorf("stream %s at 0x%X+0x%X overruns the metadata", sh.Name, sh.Offset, sh.Size)
		}
		sr := io.NewSectionReader(r, int64(mdOffset)+int64(sh.Offset), int64(sh.Size))
		s, err := o.Registry.Create(sh.Name, sr)
		if err != nil {
			return nil, errors.Wrapf(err, "stream %s", sh.Name)
		}
		streams.Add(s)
	}

	tables := streams.Tables()
	if tables == nil {
		return nil, pe.Errorf("No table stream exists")
	}
	if err := tables.Decode(streams, o.Tables, o.ErrorHandler); err != nil {
		return nil, err
	}

	m := &metadata.Module{
		Version:      root.Version,
		MajorVersion: root.MajorVersion,
		MinorVersion: root.MinorVersion,
		RootFlags:    root.Flags,
		RuntimeMajor: cli.MajorRuntimeVersion,
		RuntimeMinor: cli.MinorRuntimeVersion,
		Flags:        cli.Flags,
		EntryPoint:   cli.EntryPointToken,
		Streams:      streams,
		RawValues:    collectRawValues(tables, cli),
	}

	if m.Win32Resources, err = pe.ReadWin32Resources(r, h); err != nil {
		if herr := o.ErrorHandler(err); herr != nil {
			return nil, herr
		}
	}
	if m.Debug, err = pe.ReadDebugDirectory(r, h, conv); err != nil {
		if herr := o.ErrorHandler(err); herr != nil {
			return nil, herr
		}
	}

	info := &Info{
		headers:   h,
		debug:     m.Debug,
		cli:       *cli,
		root:      root.Clone(),
		tables:    tables.Header,
		rawValues: snapshotRawValues(m),
		fileSize:  fileSize(r),
	}
	if sn := cli.StrongNameSignature; sn.VirtualAddress != 0 && sn.Size != 0 {
		if info.signature, err = pe.ReadRVA(r, conv, sn.VirtualAddress, sn.Size); err != nil {
			if herr := o.ErrorHandler(errors.Wrap(err, "strong-name signature")); herr != nil {
				return nil, herr
			}
		}
	}
	if info.authenticode, err = pe.ReadAuthenticode(h, r); err != nil {
		o.Logger.WithError(err).Debug("certificate table")
	}
	if opts != nil {
		opts.Info = info
	}

	if o.RawValueReading == RawValuesToRow {
		if err := resolveRawValues(m, r, conv, cli.Resources, &o); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ReadFile maps the file at path and reads it with every raw value
// resolved, so nothing references the mapping after it returns.
func ReadFile(path string, opts *ReadOptions) (*metadata.Module, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var o ReadOptions
	if opts != nil {
		o = *opts
	}
	o.RawValueReading = RawValuesToRow
	m, err := Read(f, &o)
	if opts != nil {
		opts.Info = o.Info
	}
	return m, err
}

// collectRawValues records a placeholder for every cell that references
// a method body, field data or an embedded resource.
func collectRawValues(t *metadata.TableStream, cli *metadata.CLIHeader) map[metadata.Cell]*metadata.RawValue {
	out := make(map[metadata.Cell]*metadata.RawValue)
	add := func(id metadata.TableID, column string, kind metadata.RawValueKind, rva func(row, v uint32) (uint32, bool)) {
		for row := uint32(1); row <= t.RowCount(id); row++ {
			v, err := t.Get(id, row, column)
			if err != nil {
				continue
			}
			if addr, ok := rva(row, v); ok {
				out[metadata.Cell{Table: id, Row: row, Column: column}] = &metadata.RawValue{Kind: kind, RVA: addr}
			}
		}
	}

	direct := func(_, v uint32) (uint32, bool) { return v, v != 0 }
	add(metadata.TableMethodDef, metadata.ColumnRVA, metadata.RawMethodBody, direct)
	add(metadata.TableFieldRVA, metadata.ColumnRVA, metadata.RawFieldData, direct)

	if cli.Resources.VirtualAddress != 0 {
		add(metadata.TableManifestResource, metadata.ColumnOffset, metadata.RawResource, func(row, v uint32) (uint32, bool) {
			impl, err := t.Get(metadata.TableManifestResource, row, "Implementation")
			if err != nil || impl != 0 {
				return 0, false
			}
			return cli.Resources.VirtualAddress + v, true
		})
	}
	return out
}

func fileSize(r io.ReaderAt) int64 {
	if n := pe.ReaderSize(r); n > 0 {
		return n
	}
	return 0
}
