package image

import (
	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
	"github.com/ZacharyZcR/MetaPatch/internal/pe"
)

// Info is the read-only layout record of an image that was read or
// written. Accessors return copies.
type Info struct {
	headers      *pe.Headers
	debug        []pe.DebugEntry
	cli          metadata.CLIHeader
	root         metadata.Root
	tables       metadata.TableHeader
	signature    []byte
	rawValues    map[metadata.Cell]metadata.RawValue
	authenticode *pe.SignatureInfo
	fileSize     int64
}

// snapshotRawValues records kind and RVA of every raw value.
func snapshotRawValues(m *metadata.Module) map[metadata.Cell]metadata.RawValue {
	out := make(map[metadata.Cell]metadata.RawValue, len(m.RawValues))
	for cell, v := range m.RawValues {
		out[cell] = metadata.RawValue{Kind: v.Kind, RVA: v.RVA}
	}
	return out
}

// Headers returns the PE headers.
func (i *Info) Headers() *pe.Headers {
	return i.headers.Clone()
}

// Debug returns the debug directory entries.
func (i *Info) Debug() []pe.DebugEntry {
	return append([]pe.DebugEntry(nil), i.debug...)
}

// CLIHeader returns the CLI header.
func (i *Info) CLIHeader() metadata.CLIHeader {
	return i.cli
}

// Root returns the metadata root with its stream headers.
func (i *Info) Root() metadata.Root {
	return i.root.Clone()
}

// TableHeader returns the table stream header.
func (i *Info) TableHeader() metadata.TableHeader {
	return i.tables
}

// StrongNameSignature returns the signature bytes as stored in the image,
// or nil for an unsigned image.
func (i *Info) StrongNameSignature() []byte {
	return append([]byte(nil), i.signature...)
}

// RawValues maps each raw-value cell to its kind and RVA.
func (i *Info) RawValues() map[metadata.Cell]metadata.RawValue {
	out := make(map[metadata.Cell]metadata.RawValue, len(i.rawValues))
	for k, v := range i.rawValues {
		out[k] = v
	}
	return out
}

// Authenticode returns the certificate table summary, or nil.
func (i *Info) Authenticode() *pe.SignatureInfo {
	return i.authenticode
}

// FileSize is the size of the image in bytes.
func (i *Info) FileSize() int64 {
	return i.fileSize
}

// StrongNamed reports whether the CLI header marks the image as signed.
func (i *Info) StrongNamed() bool {
	return i.cli.Flags&metadata.FlagStrongNameSigned != 0
}
