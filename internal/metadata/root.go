package metadata

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/pkg/errors"
)

// RootSignature is the "BSJB" magic at the start of the metadata root.
const RootSignature = 0x424A5342

// DefaultVersion is the runtime version string written for new modules.
const DefaultVersion = "v4.0.30319"

// maxVersionLength bounds the padded version string.
const maxVersionLength = 255

// Root is the metadata root header.
type Root struct {
	Signature    uint32
	MajorVersion uint16
	MinorVersion uint16
	Reserved     uint32
	Version      string
	Flags        uint16
	Streams      []StreamHeader
}

// StreamHeader locates a stream relative to the metadata root.
type StreamHeader struct {
	Offset uint32
	Size   uint32
	Name   string
}

type rootPrefix struct {
	Signature    uint32
	MajorVersion uint16
	MinorVersion uint16
	Reserved     uint32
	Length       uint32
}

// ReadRoot parses the metadata root of the given size at offset.
func ReadRoot(r io.ReaderAt, offset int64, size uint32) (*Root, error) {
	data, err := pe.ReadBounded(r, offset, size, "metadata root")
	if err != nil {
		return nil, pe.WrapFormat(err, "Missing metadata root")
	}

	var prefix rootPrefix
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &prefix); err != nil {
		return nil, pe.WrapFormat(err, "Missing metadata root")
	}
	if prefix.Signature != RootSignature {
		return nil, pe.Errorf("Missing metadata root")
	}

	pos := uint32(16)
	if prefix.Length > maxVersionLength || pos+prefix.Length+4 > size {
		return nil, pe.Errorf("metadata version length %d out of range", prefix.Length)
	}
	version := data[pos : pos+prefix.Length]
	if i := bytes.IndexByte(version, 0); i >= 0 {
		version = version[:i]
	}
	pos += prefix.Length

	root := &Root{
		Signature:    prefix.Signature,
		MajorVersion: prefix.MajorVersion,
		MinorVersion: prefix.MinorVersion,
		Reserved:     prefix.Reserved,
		Version:      string(version),
		Flags:        binary.LittleEndian.Uint16(data[pos:]),
	}
	count := binary.LittleEndian.Uint16(data[pos+2:])
	pos += 4

	for i := 0; i < int(count); i++ {
		if pos+8 > size {
			return nil, pe.Errorf("truncated stream header %d", i)
		}
		sh := StreamHeader{
			Offset: binary.LittleEndian.Uint32(data[pos:]),
			Size:   binary.LittleEndian.Uint32(data[pos+4:]),
		}
		pos += 8

		end := bytes.IndexByte(data[pos:], 0)
		if end < 0 || end > 32 {
			return nil, pe.Errorf("unterminated name in stream header %d", i)
		}
		sh.Name = string(data[pos : pos+uint32(end)])
		pos += pe.AlignUp(uint32(end)+1, 4)
		root.Streams = append(root.Streams, sh)
	}
	return root, nil
}

// paddedVersion returns the version string NUL-terminated and padded to 4.
func (root *Root) paddedVersion() []byte {
	b := make([]byte, pe.AlignUp(uint32(len(root.Version))+1, 4))
	copy(b, root.Version)
	return b
}

// HeaderSize is the encoded size of the root including stream headers.
func (root *Root) HeaderSize() uint32 {
	size := 16 + uint32(len(root.paddedVersion())) + 4
	for _, sh := range root.Streams {
		size += 8 + pe.AlignUp(uint32(len(sh.Name))+1, 4)
	}
	return size
}

// Bytes encodes the root and its stream headers.
func (root *Root) Bytes() ([]byte, error) {
	version := root.paddedVersion()
	if len(version) > maxVersionLength {
		return nil, errors.Errorf("metadata version %q too long", root.Version)
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, rootPrefix{
		Signature:    RootSignature,
		MajorVersion: root.MajorVersion,
		MinorVersion: root.MinorVersion,
		Reserved:     root.Reserved,
		Length:       uint32(len(version)),
	})
	buf.Write(version)
	_ = binary.Write(&buf, binary.LittleEndian, root.Flags)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(root.Streams)))

	for _, sh := range root.Streams {
		if len(sh.Name) > 31 {
			return nil, errors.Errorf("stream name %q too long", sh.Name)
		}
		_ = binary.Write(&buf, binary.LittleEndian, sh.Offset)
		_ = binary.Write(&buf, binary.LittleEndian, sh.Size)
		name := make([]byte, pe.AlignUp(uint32(len(sh.Name))+1, 4))
		copy(name, sh.Name)
		buf.Write(name)
	}
	return buf.Bytes(), nil
}

// Clone returns a copy with its own stream header slice.
func (root *Root) Clone() Root {
	c := *root
	c.Streams = append([]StreamHeader(nil), root.Streams...)
	return c
}
