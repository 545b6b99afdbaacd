package metadata

import (
	"io"

	"github.com/pkg/errors"
)

// Role classifies a metadata stream.
type Role int

// Stream roles.
const (
	RoleCustom Role = iota
	RoleTables
	RoleBlob
	RoleGUID
	RoleStrings
	RoleUserStrings
)

func (r Role) String() string {
	switch r {
	case RoleTables:
		return "tables"
	case RoleBlob:
		return "blob"
	case RoleGUID:
		return "guid"
	case RoleStrings:
		return "strings"
	case RoleUserStrings:
		return "user strings"
	default:
		return "custom"
	}
}

// Stream is a metadata stream handler.
type Stream interface {
	Name() string
	Role() Role
	// Size is the number of bytes WriteTo produces, padded to 4.
	Size() uint32
	WriteTo(w io.Writer) (int64, error)
}

// RawStream keeps an unrecognized stream verbatim.
type RawStream struct {
	name string
	data []byte
}

// NewRawStream wraps custom stream bytes.
func NewRawStream(name string, data []byte) *RawStream {
	return &RawStream{name: name, data: data}
}

func (s *RawStream) Name() string  { return s.name }
func (s *RawStream) Role() Role    { return RoleCustom }
func (s *RawStream) Size() uint32  { return uint32(len(s.data)+3) &^ 3 }
func (s *RawStream) Bytes() []byte { return s.data }

func (s *RawStream) WriteTo(w io.Writer) (int64, error) {
	return writePadded(w, s.data)
}

// StreamFactory creates a handler for the stream bytes in r.
type StreamFactory func(name string, r *io.SectionReader) (Stream, error)

// Registry maps canonical stream names to factories. It is resolved once
// per read; names it does not know become RawStreams.
type Registry struct {
	factories map[string]StreamFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]StreamFactory)}
}

// DefaultRegistry returns a fresh registry for the standard streams.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(StreamTables, func(name string, r *io.SectionReader) (Stream, error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return NewTableStreamFromBytes(name, data)
	})
	reg.Register(StreamTablesUncompressed, reg.factories[StreamTables])
	reg.Register(StreamStrings, heapFactory(func(name string, data []byte) Stream { return NewStringHeap(name, data) }))
	reg.Register(StreamUserStrings, heapFactory(func(name string, data []byte) Stream { return NewUserStringHeap(name, data) }))
	reg.Register(StreamBlob, heapFactory(func(name string, data []byte) Stream { return NewBlobHeap(name, data) }))
	reg.Register(StreamGUID, heapFactory(func(name string, data []byte) Stream { return NewGUIDHeap(name, data) }))
	return reg
}

func heapFactory(build func(name string, data []byte) Stream) StreamFactory {
	return func(name string, r *io.SectionReader) (Stream, error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return build(name, data), nil
	}
}

// Register installs or replaces the factory for name.
func (reg *Registry) Register(name string, f StreamFactory) {
	reg.factories[name] = f
}

// Create builds the handler for a stream.
func (reg *Registry) Create(name string, r *io.SectionReader) (Stream, error) {
	if f, ok := reg.factories[name]; ok {
		s, err := f(name, r)
		return s, errors.Wrapf(err, "open stream %s", name)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "read stream %s", name)
	}
	return NewRawStream(name, data), nil
}

// Handlers for the standard roles expose their typed view through these
// accessors. The built-in handlers return themselves; a custom handler
// from a registry factory can wrap one.
type (
	tableHandler      interface{ AsTableStream() *TableStream }
	blobHandler       interface{ AsBlobHeap() *BlobHeap }
	guidHandler       interface{ AsGUIDHeap() *GUIDHeap }
	stringHandler     interface{ AsStringHeap() *StringHeap }
	userStringHandler interface{ AsUserStringHeap() *UserStringHeap }
)

func (t *TableStream) AsTableStream() *TableStream          { return t }
func (h *BlobHeap) AsBlobHeap() *BlobHeap                   { return h }
func (h *GUIDHeap) AsGUIDHeap() *GUIDHeap                   { return h }
func (h *StringHeap) AsStringHeap() *StringHeap             { return h }
func (h *UserStringHeap) AsUserStringHeap() *UserStringHeap { return h }

// canonicalRole returns the role a stream called name may claim.
func canonicalRole(name string) Role {
	switch name {
	case StreamTables, StreamTablesUncompressed:
		return RoleTables
	case StreamBlob:
		return RoleBlob
	case StreamGUID:
		return RoleGUID
	case StreamStrings:
		return RoleStrings
	case StreamUserStrings:
		return RoleUserStrings
	}
	return RoleCustom
}

// Container holds the streams of one module in declaration order, with
// the first stream of each standard role classified for lookup.
type Container struct {
	streams     []Stream
	roles       map[Role]Stream
	tables      *TableStream
	blobs       *BlobHeap
	guids       *GUIDHeap
	strings     *StringHeap
	userStrings *UserStringHeap
}

// NewContainer returns an empty container.
func NewContainer() *Container {
	return &Container{roles: make(map[Role]Stream)}
}

// Add appends s. A stream claims a standard role when its Role matches
// the role of its canonical name and the role is still free; otherwise
// it stays in the list as a custom stream.
func (c *Container) Add(s Stream) {
	c.streams = append(c.streams, s)
	role := s.Role()
	if role == RoleCustom || role != canonicalRole(s.Name()) || c.roles[role] != nil {
		return
	}

	claimed := true
	switch role {
	case RoleTables:
		if v, ok := s.(tableHandler); ok {
			c.tables = v.AsTableStream()
		} else {
			claimed = false
		}
	case RoleBlob:
		if v, ok := s.(blobHandler); ok {
			c.blobs = v.AsBlobHeap()
		} else {
			claimed = false
		}
	case RoleGUID:
		if v, ok := s.(guidHandler); ok {
			c.guids = v.AsGUIDHeap()
		} else {
			claimed = false
		}
	case RoleStrings:
		if v, ok := s.(stringHandler); ok {
			c.strings = v.AsStringHeap()
		} else {
			claimed = false
		}
	case RoleUserStrings:
		if v, ok := s.(userStringHandler); ok {
			c.userStrings = v.AsUserStringHeap()
		} else {
			claimed = false
		}
	}
	if claimed {
		c.roles[role] = s
	}
}

// RoleOf reports the role s plays in this container.
func (c *Container) RoleOf(s Stream) Role {
	for role, held := range c.roles {
		if held == s {
			return role
		}
	}
	return RoleCustom
}

func (c *Container) Tables() *TableStream         { return c.tables }
func (c *Container) Blobs() *BlobHeap             { return c.blobs }
func (c *Container) GUIDs() *GUIDHeap             { return c.guids }
func (c *Container) Strings() *StringHeap         { return c.strings }
func (c *Container) UserStrings() *UserStringHeap { return c.userStrings }

// Streams returns every stream in declaration order.
func (c *Container) Streams() []Stream {
	return append([]Stream(nil), c.streams...)
}

// Stream returns the first stream called name, or nil.
func (c *Container) Stream(name string) Stream {
	for _, s := range c.streams {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// WriteOrder returns the streams with the table stream first and the rest
// in declaration order.
func (c *Container) WriteOrder() []Stream {
	out := make([]Stream, 0, len(c.streams))
	tables := c.roles[RoleTables]
	if tables != nil {
		out = append(out, tables)
	}
	for _, s := range c.streams {
		if s != tables {
			out = append(out, s)
		}
	}
	return out
}

// EnsureHeaps adds empty standard heaps that are missing.
func (c *Container) EnsureHeaps() {
	if c.strings == nil {
		c.Add(NewStringHeap(StreamStrings, nil))
	}
	if c.userStrings == nil {
		c.Add(NewUserStringHeap(StreamUserStrings, nil))
	}
	if c.guids == nil {
		c.Add(NewGUIDHeap(StreamGUID, nil))
	}
	if c.blobs == nil {
		c.Add(NewBlobHeap(StreamBlob, nil))
	}
}

// Clone deep-copies every stream so the copy can be modified freely.
func (c *Container) Clone() *Container {
	out := NewContainer()
	for _, s := range c.streams {
		switch v := s.(type) {
		case *TableStream:
			out.Add(v.Clone())
		case *BlobHeap:
			out.Add(v.Clone())
		case *GUIDHeap:
			out.Add(v.Clone())
		case *StringHeap:
			out.Add(v.Clone())
		case *UserStringHeap:
			out.Add(v.Clone())
		case *RawStream:
			out.Add(NewRawStream(v.name, append([]byte(nil), v.data...)))
		case interface{ CloneStream() Stream }:
			out.Add(v.CloneStream())
		default:
			out.Add(s)
		}
	}
	return out
}
