package image

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
	ipe "github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/ZacharyZcR/MetaPatch/internal/strongname"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

var (
	retBody    = []byte{0x06, 0x2A}       // tiny: ret
	nopRetBody = []byte{0x0A, 0x00, 0x2A} // tiny: nop; ret
	voidSig    = []byte{0x00, 0x00, 0x01}
)

func testModule(t *testing.T) *metadata.Module {
	t.Helper()
	m := metadata.NewModule()

	_, err := m.AddModule("app.exe", guid.GUID{Data1: 0x12345678, Data2: 0x9ABC})
	assert.NilError(t, err)
	_, err = m.AddAssembly("app", [4]uint16{1, 2, 3, 4}, uint32(strongname.SHA1))
	assert.NilError(t, err)
	_, err = m.AddTypeDef(0, "<Module>", "", 0)
	assert.NilError(t, err)

	_, err = m.AddMethod(0x0016, 0, "Main", voidSig, retBody)
	assert.NilError(t, err)
	_, err = m.AddMethod(0x0016, 0, "Other", voidSig, retBody)
	assert.NilError(t, err)
	_, err = m.AddMethod(0x0016, 0, "Third", voidSig, nopRetBody)
	assert.NilError(t, err)
	_, err = m.AddFieldData(0x0113, "Data", []byte{0x06, 0x08}, []byte{1, 2, 3, 4})
	assert.NilError(t, err)
	_, err = m.AddResource("app.Strings.resources", 1, []byte("hello resources"))
	assert.NilError(t, err)
	_, err = m.Streams.UserStrings().Add("Hello")
	assert.NilError(t, err)

	m.EntryPoint = 0x06000001
	return m
}

func writeModule(t *testing.T, m *metadata.Module, opts *WriteOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := Write(m, &buf, opts)
	assert.NilError(t, err)
	return buf.Bytes()
}

func readModule(t *testing.T, data []byte, opts *ReadOptions) (*metadata.Module, *Info) {
	t.Helper()
	if opts == nil {
		opts = &ReadOptions{}
	}
	m, err := Read(bytes.NewReader(data), opts)
	assert.NilError(t, err)
	assert.Assert(t, opts.Info != nil)
	return m, opts.Info
}

// assertSameRows compares every column that does not hold a raw value
// address.
func assertSameRows(t *testing.T, want, got *metadata.TableStream, skip ...metadata.TableID) {
	t.Helper()
	assert.DeepEqual(t, want.PresentTables(), got.PresentTables())
next:
	for _, id := range want.PresentTables() {
		for _, s := range skip {
			if s == id {
				continue next
			}
		}
		wt, gt := want.Table(id), got.Table(id)
		assert.Equal(t, len(wt.Rows), len(gt.Rows), id.String())
		for r := range wt.Rows {
			for c, col := range wt.Columns {
				if col.Name == metadata.ColumnRVA || col.Name == metadata.ColumnOffset {
					continue
				}
				assert.Equal(t, wt.Rows[r][c], gt.Rows[r][c], "%s[%d].%s", id, r+1, col.Name)
			}
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := testModule(t)
	first := writeModule(t, m, nil)

	rva, err := m.Tables().Get(metadata.TableMethodDef, 1, metadata.ColumnRVA)
	assert.NilError(t, err)
	assert.Equal(t, rva, uint32(0), "writing must not modify the module")

	read, info := readModule(t, first, nil)
	assertSameRows(t, m.Tables(), read.Tables())
	for cell, v := range m.RawValues {
		got, ok := read.RawValues[cell]
		assert.Assert(t, ok, cell.String())
		assert.DeepEqual(t, got.Data, v.Data)
	}

	s, err := read.Streams.UserStrings().Get(1)
	assert.NilError(t, err)
	assert.Equal(t, s, "Hello")
	assert.Equal(t, read.EntryPoint, uint32(0x06000001))
	assert.Equal(t, read.Version, metadata.DefaultVersion)

	var names []string
	for _, sh := range info.Root().Streams {
		names = append(names, sh.Name)
	}
	assert.DeepEqual(t, names, []string{"#~", "#Strings", "#US", "#GUID", "#Blob"})

	h := info.Headers()
	assert.Equal(t, h.File.Machine, uint16(pe.IMAGE_FILE_MACHINE_I386))
	assert.Assert(t, h.DataDirectory(ipe.DirectoryImport).VirtualAddress != 0)
	assert.Assert(t, h.DataDirectory(ipe.DirectoryBaseReloc).Size != 0)
	assert.Assert(t, !info.StrongNamed())
	assert.Equal(t, len(info.StrongNameSignature()), 0)

	second := writeModule(t, read, nil)
	assert.Assert(t, bytes.Equal(first, second), "rewriting a read image changed its bytes")
}

func TestMethodBodiesShareStorage(t *testing.T) {
	_, info := readModule(t, writeModule(t, testModule(t), nil), nil)
	raw := info.RawValues()

	main := raw[metadata.Cell{Table: metadata.TableMethodDef, Row: 1, Column: metadata.ColumnRVA}]
	other := raw[metadata.Cell{Table: metadata.TableMethodDef, Row: 2, Column: metadata.ColumnRVA}]
	third := raw[metadata.Cell{Table: metadata.TableMethodDef, Row: 3, Column: metadata.ColumnRVA}]
	assert.Equal(t, main.RVA, other.RVA)
	assert.Assert(t, third.RVA != main.RVA)
	assert.Equal(t, third.RVA%4, uint32(0))
}

func TestRawValueReading(t *testing.T) {
	data := writeModule(t, testModule(t), nil)
	cell := metadata.Cell{Table: metadata.TableMethodDef, Row: 3, Column: metadata.ColumnRVA}

	tests := []struct {
		name    string
		reading RawValueReading
	}{
		{"to row", RawValuesToRow},
		{"skip", RawValuesSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewReader(data)
			opts := &ReadOptions{RawValueReading: tt.reading}
			m, err := Read(r, opts)
			assert.NilError(t, err)

			v := m.RawValues[cell]
			assert.Assert(t, v != nil)
			assert.Assert(t, v.RVA != 0)
			if tt.reading == RawValuesSkip {
				assert.Assert(t, !v.Resolved())
				assert.NilError(t, ResolveRawValues(m, r, opts.Info, nil))
			}
			assert.DeepEqual(t, v.Data, nopRetBody)

			field := m.RawValues[metadata.Cell{Table: metadata.TableFieldRVA, Row: 1, Column: metadata.ColumnRVA}]
			assert.DeepEqual(t, field.Data, []byte{1, 2, 3, 4})
			res := m.RawValues[metadata.Cell{Table: metadata.TableManifestResource, Row: 1, Column: metadata.ColumnOffset}]
			assert.DeepEqual(t, res.Data, []byte("hello resources"))
		})
	}
}

func TestStrongNameSigning(t *testing.T) {
	key, err := strongname.GenerateKey(1024)
	assert.NilError(t, err)
	m := testModule(t)

	signed := writeModule(t, m, &WriteOptions{Key: key})
	assert.DeepEqual(t, writeModule(t, m, &WriteOptions{Key: key}), signed)

	read, info := readModule(t, signed, nil)
	assert.Assert(t, info.StrongNamed())
	assert.Equal(t, len(info.StrongNameSignature()), 128)
	assert.Equal(t, info.CLIHeader().StrongNameSignature.Size, uint32(128))
	assertSameRows(t, m.Tables(), read.Tables(), metadata.TableAssembly)
	flags, err := read.Tables().Get(metadata.TableAssembly, 1, "Flags")
	assert.NilError(t, err)
	assert.Equal(t, flags&assemblyFlagPublicKey, uint32(assemblyFlagPublicKey))

	index, err := read.Tables().Get(metadata.TableAssembly, 1, "PublicKey")
	assert.NilError(t, err)
	blob, err := read.Streams.Blobs().Get(index)
	assert.NilError(t, err)
	assert.DeepEqual(t, blob, key.PublicKeyBlob())

	assert.NilError(t, Verify(bytes.NewReader(signed), nil))

	cell := metadata.Cell{Table: metadata.TableMethodDef, Row: 3, Column: metadata.ColumnRVA}
	offset, err := ipe.NewSectionMap(info.Headers().Sections).ToOffset(info.RawValues()[cell].RVA)
	assert.NilError(t, err)
	tampered := append([]byte(nil), signed...)
	tampered[offset+1] ^= 0xFF
	assert.Assert(t, Verify(bytes.NewReader(tampered), nil) != nil)
}

func TestDelaySignThenSign(t *testing.T) {
	key, err := strongname.GenerateKey(1024)
	assert.NilError(t, err)
	m := testModule(t)

	delayed := writeModule(t, m, &WriteOptions{PublicKey: key.PublicKeyBlob(), DelaySign: true})
	_, info := readModule(t, delayed, nil)
	assert.Assert(t, !info.StrongNamed())
	assert.Equal(t, info.CLIHeader().StrongNameSignature.Size, uint32(128))
	assert.DeepEqual(t, info.StrongNameSignature(), make([]byte, 128))
	assert.Assert(t, Verify(bytes.NewReader(delayed), nil) != nil)

	img := ipe.NewBuffer(uint32(len(delayed)))
	copy(img.Bytes(), delayed)
	assert.NilError(t, Sign(img, img.Len(), key, nil))
	assert.NilError(t, Verify(img, nil))

	assert.Assert(t, bytes.Equal(img.Bytes(), writeModule(t, m, &WriteOptions{Key: key})))
}

// failingProvider signs with RSAProvider unless an error is configured.
type failingProvider struct {
	strongname.RSAProvider
	hashErr, signErr error
}

func (p failingProvider) Hash(alg strongname.HashAlgorithm, r io.Reader) ([]byte, error) {
	if p.hashErr != nil {
		return nil, p.hashErr
	}
	return p.RSAProvider.Hash(alg, r)
}

func (p failingProvider) Sign(key *strongname.Key, alg strongname.HashAlgorithm, digest []byte) ([]byte, error) {
	if p.signErr != nil {
		return nil, p.signErr
	}
	return p.RSAProvider.Sign(key, alg, digest)
}

// rejectingImage fails every write at one offset.
type rejectingImage struct {
	*ipe.Buffer
	offset int64
}

func (r rejectingImage) WriteAt(p []byte, off int64) (int, error) {
	if off == r.offset {
		return 0, errors.New("device busy")
	}
	return r.Buffer.WriteAt(p, off)
}

func TestSignFailureKeepsImage(t *testing.T) {
	key, err := strongname.GenerateKey(1024)
	assert.NilError(t, err)
	delayed := writeModule(t, testModule(t), &WriteOptions{PublicKey: key.PublicKeyBlob(), DelaySign: true})
	_, info := readModule(t, delayed, nil)
	h := info.Headers()
	cli, err := ipe.NewSectionMap(h.Sections).ToOffset(h.DataDirectory(ipe.DirectoryCLR).VirtualAddress)
	assert.NilError(t, err)
	flagOffset := int64(cli) + metadata.FlagsOffset()

	tests := []struct {
		name       string
		provider   strongname.Provider
		rejectAt   int64
		wantCrypto bool
		want       string
	}{
		{name: "hash fails", provider: failingProvider{hashErr: errors.New("hsm unavailable")}, rejectAt: -1, wantCrypto: true, want: "hsm unavailable"},
		{name: "sign fails", provider: failingProvider{signErr: errors.New("token locked")}, rejectAt: -1, wantCrypto: true, want: "token locked"},
		{name: "flag write fails", rejectAt: flagOffset, want: "device busy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := ipe.NewBuffer(uint32(len(delayed)))
			copy(buf.Bytes(), delayed)
			img := rejectingImage{Buffer: buf, offset: tt.rejectAt}

			err := Sign(img, buf.Len(), key, &WriteOptions{Crypto: tt.provider})
			assert.ErrorContains(t, err, tt.want)
			var ce *strongname.CryptographicError
			assert.Equal(t, errors.As(err, &ce), tt.wantCrypto)

			assert.Assert(t, bytes.Equal(buf.Bytes(), delayed), "image changed by a failed signing")
			_, after := readModule(t, buf.Bytes(), nil)
			assert.Assert(t, !after.StrongNamed())
		})
	}
}

func TestSignFile(t *testing.T) {
	key, err := strongname.GenerateKey(1024)
	assert.NilError(t, err)
	path := filepath.Join(t.TempDir(), "app.exe")
	_, err = WriteFile(testModule(t), path, &WriteOptions{PublicKey: key.PublicKeyBlob(), DelaySign: true})
	assert.NilError(t, err)

	assert.Assert(t, VerifyFile(path, nil) != nil)
	assert.NilError(t, SignFile(path, key, nil))
	assert.NilError(t, VerifyFile(path, nil))

	other, err := strongname.GenerateKey(1024)
	assert.NilError(t, err)
	assert.ErrorContains(t, SignFile(path, other, nil), "does not match the assembly public key")
}

func TestStrongNameParameterErrors(t *testing.T) {
	key, err := strongname.GenerateKey(1024)
	assert.NilError(t, err)
	public, err := strongname.ParsePublicKeyBlob(key.PublicKeyBlob())
	assert.NilError(t, err)

	tests := []struct {
		name string
		opts *WriteOptions
		want string
	}{
		{"public key only", &WriteOptions{Key: public}, "private key"},
		{"delay sign without key", &WriteOptions{DelaySign: true}, "needs a public key"},
		{"container without resolver", &WriteOptions{KeyContainer: "app"}, "without a resolver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Write(testModule(t), io.Discard, tt.opts)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestKeyContainer(t *testing.T) {
	key, err := strongname.GenerateKey(1024)
	assert.NilError(t, err)
	snk, err := key.SNK()
	assert.NilError(t, err)
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "app.snk"), snk, 0o600))

	signed := writeModule(t, testModule(t), &WriteOptions{
		KeyContainer:  "app",
		KeyContainers: strongname.DirectoryContainers(dir),
	})
	assert.NilError(t, Verify(bytes.NewReader(signed), nil))
}

func TestReadRejectsBrokenImages(t *testing.T) {
	data := writeModule(t, testModule(t), nil)
	_, info := readModule(t, data, nil)

	tests := []struct {
		name   string
		mutate func(b []byte)
		want   string
	}{
		{
			name: "missing CLI header",
			mutate: func(b []byte) {
				off := info.Headers().DataDirectoryOffset(ipe.DirectoryCLR)
				copy(b[off:off+8], make([]byte, 8))
			},
			want: "Missing CLI header",
		},
		{
			name: "missing table stream",
			mutate: func(b []byte) {
				i := bytes.Index(b, []byte("#~\x00"))
				b[i+1] = 'X'
			},
			want: "No table stream exists",
		},
		{
			name: "bad metadata signature",
			mutate: func(b []byte) {
				i := bytes.Index(b, []byte("BSJB"))
				b[i] = 'X'
			},
			want: "Missing metadata root",
		},
		{
			name: "metadata size past end of file",
			mutate: func(b []byte) {
				h := info.Headers()
				cli, err := ipe.NewSectionMap(h.Sections).ToOffset(h.DataDirectory(ipe.DirectoryCLR).VirtualAddress)
				assert.NilError(t, err)
				binary.LittleEndian.PutUint32(b[cli+12:], 0x30000000)
			},
			want: "runs past the end",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := append([]byte(nil), data...)
			tt.mutate(b)
			for _, r := range []io.ReaderAt{bytes.NewReader(b), sizelessReader{bytes.NewReader(b)}} {
				_, err := Read(r, nil)
				var fe *ipe.FormatError
				assert.Assert(t, errors.As(err, &fe), "got %v", err)
				assert.ErrorContains(t, err, tt.want)
			}
		})
	}
}

// sizelessReader hides the length of the wrapped reader.
type sizelessReader struct{ r io.ReaderAt }

func (s sizelessReader) ReadAt(p []byte, off int64) (int, error) { return s.r.ReadAt(p, off) }

func TestUnresolvedRawValue(t *testing.T) {
	m := testModule(t)
	cell := metadata.Cell{Table: metadata.TableMethodDef, Row: 1, Column: metadata.ColumnRVA}
	m.RawValues[cell] = &metadata.RawValue{Kind: metadata.RawMethodBody, RVA: 0x2050}

	_, err := Write(m, io.Discard, &WriteOptions{ErrorHandler: metadata.FailOnError})
	var ioe *InvalidOperationError
	assert.Assert(t, errors.As(err, &ioe), "got %v", err)

	read, _ := readModule(t, writeModule(t, m, nil), nil)
	rva, err := read.Tables().Get(metadata.TableMethodDef, 1, metadata.ColumnRVA)
	assert.NilError(t, err)
	assert.Equal(t, rva, uint32(0))
	_, ok := read.RawValues[cell]
	assert.Assert(t, !ok)
}

type nilStatusStrategy struct{ DefaultStrategy }

func (nilStatusStrategy) NewStatus(*metadata.Module, *WriteOptions) *Status { return nil }

type nilHeaderStrategy struct{ DefaultStrategy }

func (nilHeaderStrategy) CLIHeader(*Status) *metadata.CLIHeader { return nil }

func TestStrategyFailures(t *testing.T) {
	tests := []struct {
		name     string
		strategy WriteStrategy
		want     string
	}{
		{"no status", nilStatusStrategy{}, "no status"},
		{"no CLI header", nilHeaderStrategy{}, "no CLI header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Write(testModule(t), io.Discard, &WriteOptions{Strategy: tt.strategy})
			var ioe *InvalidOperationError
			assert.Assert(t, errors.As(err, &ioe), "got %v", err)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestWriteWithoutTableStream(t *testing.T) {
	m := metadata.NewModule()
	m.Streams = metadata.NewContainer()
	_, err := Write(m, io.Discard, nil)
	var ioe *InvalidOperationError
	assert.Assert(t, errors.As(err, &ioe))
}

func TestWrite64Bit(t *testing.T) {
	m := testModule(t)
	data := writeModule(t, m, &WriteOptions{Machine: pe.IMAGE_FILE_MACHINE_AMD64})
	read, info := readModule(t, data, nil)

	h := info.Headers()
	assert.Assert(t, h.Is64())
	assert.Equal(t, h.DataDirectory(ipe.DirectoryImport), pe.DataDirectory{})
	assert.Equal(t, h.DataDirectory(ipe.DirectoryBaseReloc), pe.DataDirectory{})
	assert.Equal(t, len(h.Sections), 1)
	assert.Equal(t, h.Optional.(*pe.OptionalHeader64).AddressOfEntryPoint, uint32(0))
	assertSameRows(t, m.Tables(), read.Tables())
}

func TestMachineSelectsHeaderFormat(t *testing.T) {
	tests := []struct {
		name    string
		machine uint16
		want64  bool
	}{
		{"i386", pe.IMAGE_FILE_MACHINE_I386, false},
		{"arm thumb-2", pe.IMAGE_FILE_MACHINE_ARMNT, false},
		{"amd64", pe.IMAGE_FILE_MACHINE_AMD64, true},
		{"arm64", pe.IMAGE_FILE_MACHINE_ARM64, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testModule(t)
			_, info := readModule(t, writeModule(t, m, &WriteOptions{Machine: tt.machine}), nil)
			h := info.Headers()
			assert.Equal(t, h.File.Machine, tt.machine)
			assert.Equal(t, h.Is64(), tt.want64)
			_, isPE32 := h.Optional.(*pe.OptionalHeader32)
			assert.Equal(t, isPE32, !tt.want64)
		})
	}
}

func TestImageBaseMustFitPE32(t *testing.T) {
	base := uint64(0x140000000)
	opts := &WriteOptions{PE: PEOptions{ImageBase: &base}}

	_, err := Write(testModule(t), io.Discard, opts)
	var ioe *InvalidOperationError
	assert.Assert(t, errors.As(err, &ioe), "got %v", err)
	assert.ErrorContains(t, err, "does not fit a PE32 header")

	opts.Machine = pe.IMAGE_FILE_MACHINE_AMD64
	_, info := readModule(t, writeModule(t, testModule(t), opts), nil)
	assert.Equal(t, info.Headers().ImageBase(), base)
}

func TestEntryStub(t *testing.T) {
	data := writeModule(t, testModule(t), nil)
	_, info := readModule(t, data, nil)
	h := info.Headers()
	oh := h.Optional.(*pe.OptionalHeader32)

	offset, err := ipe.NewSectionMap(h.Sections).ToOffset(oh.AddressOfEntryPoint)
	assert.NilError(t, err)
	assert.DeepEqual(t, data[offset:offset+2], []byte{0xFF, 0x25})
	iat := h.DataDirectory(ipe.DirectoryIAT)
	assert.Equal(t, binary.LittleEndian.Uint32(data[offset+2:]), oh.ImageBase+iat.VirtualAddress)
}

func TestWriteOptionsFromInfo(t *testing.T) {
	m := testModule(t)
	gui := uint16(pe.IMAGE_SUBSYSTEM_WINDOWS_GUI)
	ts := uint32(0x5F000000)
	first := writeModule(t, m, &WriteOptions{PE: PEOptions{
		Subsystem:      &gui,
		TimeDateStamp:  &ts,
		DLL:            true,
		UpdateChecksum: true,
	}})

	read, info := readModule(t, first, nil)
	h := info.Headers()
	assert.Equal(t, h.ImageBase(), uint64(DefaultDLLImageBase))
	assert.Assert(t, h.File.Characteristics&pe.IMAGE_FILE_DLL != 0)
	sum, err := ipe.VerifyChecksum(h, bytes.NewReader(first), int64(len(first)))
	assert.NilError(t, err)
	assert.Assert(t, sum.Valid && sum.Stored != 0)

	second := writeModule(t, read, WriteOptionsFromInfo(info))
	assert.Assert(t, bytes.Equal(first, second))
}

func TestLoadPEOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pe.toml")
	assert.NilError(t, os.WriteFile(path, []byte("subsystem = 2\nimage_base = 0x11000000\ndll = true\nfile_alignment = 0x1000\n"), 0o600))

	o, err := LoadPEOptions(path)
	assert.NilError(t, err)
	assert.Equal(t, *o.Subsystem, uint16(2))
	assert.Equal(t, *o.ImageBase, uint64(0x11000000))
	assert.Assert(t, o.DLL)

	v := o.resolve()
	assert.Equal(t, v.fileAlignment, uint32(0x1000))
	assert.Equal(t, v.sectionAlignment, uint32(DefaultSectionAlignment))
	assert.Equal(t, v.characteristics, uint16(DefaultCharacteristics|pe.IMAGE_FILE_DLL))
}

func TestDebugDirectoryRoundTrip(t *testing.T) {
	m := testModule(t)
	rsds := make([]byte, 24+8)
	binary.LittleEndian.PutUint32(rsds, 0x53445352)
	rsds[20] = 1
	copy(rsds[24:], "app.pdb")
	m.Debug = []ipe.DebugEntry{{
		Directory: ipe.DebugDirectory{Type: ipe.DebugTypeCodeView, MajorVersion: 1},
		Data:      rsds,
	}}

	read, info := readModule(t, writeModule(t, m, nil), nil)
	assert.Equal(t, len(read.Debug), 1)
	assert.DeepEqual(t, read.Debug[0].Data, rsds)
	assert.Equal(t, info.Headers().DataDirectory(ipe.DirectoryDebug).Size, uint32(28))

	_, age, path, ok := read.Debug[0].CodeView()
	assert.Assert(t, ok)
	assert.Equal(t, age, uint32(1))
	assert.Equal(t, path, "app.pdb")
}
