package image

import (
	"io"

	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
	"github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/pkg/errors"
)

// ResolveRawValues materializes the placeholders Read left in m when it
// ran with RawValuesSkip. r must be the image m was read from and info
// the record Read produced for it.
func ResolveRawValues(m *metadata.Module, r io.ReaderAt, info *Info, opts *ReadOptions) error {
	o := opts.withDefaults()
	return resolveRawValues(m, r, o.Converter(info.headers), info.cli.Resources, &o)
}

func resolveRawValues(m *metadata.Module, r io.ReaderAt, conv pe.RVAConverter, resources pe.DataDirectory, o *ReadOptions) error {
	resolved := 0
	for _, cell := range m.RawCells() {
		v := m.RawValues[cell]
		if v.Resolved() {
			continue
		}
		data, err := resolveRawValue(m, r, conv, resources, cell, v, o.Signatures)
		if err != nil {
			if herr := o.ErrorHandler(&metadata.RowError{Table: cell.Table, Row: cell.Row, Column: cell.Column, Err: err}); herr != nil {
				return herr
			}
			continue
		}
		v.Data = data
		resolved++
	}
	o.Logger.WithField("count", resolved).Debug("raw values resolved")
	return nil
}

func resolveRawValue(m *metadata.Module, r io.ReaderAt, conv pe.RVAConverter, resources pe.DataDirectory,
	cell metadata.Cell, v *metadata.RawValue, codec metadata.SignatureCodec) ([]byte, error) {
	offset, err := conv.ToOffset(v.RVA)
	if err != nil {
		return nil, err
	}

	switch v.Kind {
	case metadata.RawMethodBody:
		return metadata.ReadMethodBody(r, int64(offset))

	case metadata.RawFieldData:
		t := m.Tables()
		field, err := t.Get(metadata.TableFieldRVA, cell.Row, "Field")
		if err != nil {
			return nil, err
		}
		sigIndex, err := t.Get(metadata.TableField, field, "Signature")
		if err != nil {
			return nil, err
		}
		blobs := m.Streams.Blobs()
		if blobs == nil {
			return nil, errors.New("no blob heap for the field signature")
		}
		sig, err := blobs.Get(sigIndex)
		if err != nil {
			return nil, err
		}
		size, err := codec.FieldDataSize(sig, t)
		if err != nil {
			return nil, err
		}
		return pe.ReadBounded(r, int64(offset), size, "field data")

	case metadata.RawResource:
		if v.RVA < resources.VirtualAddress || v.RVA-resources.VirtualAddress >= resources.Size {
			return nil, errors.Errorf("resource at 0x%08X is outside the resource directory", v.RVA)
		}
		return metadata.ReadResource(r, int64(offset), resources.Size-(v.RVA-resources.VirtualAddress))
	}
	return nil, errors.Errorf("unknown raw value kind %d", v.Kind)
}
