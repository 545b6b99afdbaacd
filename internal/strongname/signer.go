package strongname

import (
	"bytes"
	"io"
	"sort"

	"github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/pkg/errors"
)

// ImageFile is a fully written image that can be patched in place.
type ImageFile interface {
	io.ReaderAt
	io.WriterAt
}

// Geometry is the part of an image layout the signer depends on.
type Geometry struct {
	NTHeaderOffset       uint32
	SizeOfOptionalHeader uint16
	Is64                 bool
	Sections             []pe.SectionHeader
	Signature            pe.DataDirectory
	Converter            pe.RVAConverter
}

// NewGeometry collects the geometry from parsed headers and the CLI
// header's strong-name directory.
func NewGeometry(h *pe.Headers, signature pe.DataDirectory, conv pe.RVAConverter) Geometry {
	if conv == nil {
		conv = pe.NewSectionMap(h.Sections)
	}
	return Geometry{
		NTHeaderOffset:       h.DOS.Lfanew,
		SizeOfOptionalHeader: h.File.SizeOfOptionalHeader,
		Is64:                 h.Is64(),
		Sections:             append([]pe.SectionHeader(nil), h.Sections...),
		Signature:            signature,
		Converter:            conv,
	}
}

// SignatureOffset is the file offset of the reserved signature bytes.
func (g Geometry) SignatureOffset() (uint32, error) {
	if g.Signature.VirtualAddress == 0 || g.Signature.Size == 0 {
		return 0, cryptoErrorf(nil, "image has no strong-name signature directory")
	}
	return g.Converter.ToOffset(g.Signature.VirtualAddress)
}

// hashedRanges builds the byte stream that is hashed: the headers through
// the optional header with CheckSum and the certificate directory zeroed,
// then each section's raw data without the signature bytes.
func (g Geometry) hashedRanges(r io.ReaderAt) (io.Reader, error) {
	sigOffset, err := g.SignatureOffset()
	if err != nil {
		return nil, err
	}
	sigEnd := sigOffset + g.Signature.Size

	headerEnd := int64(g.NTHeaderOffset) + 4 + pe.FileHeaderSize + int64(g.SizeOfOptionalHeader)
	header := make([]byte, headerEnd)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, errors.Wrap(err, "read image headers")
	}
	zero := func(off int64, n int64) {
		if off+n <= int64(len(header)) {
			copy(header[off:off+n], make([]byte, n))
		}
	}
	optional := int64(g.NTHeaderOffset) + 4 + pe.FileHeaderSize
	zero(optional+64, 4)
	zero(pe.DataDirectoryOffset(int64(g.NTHeaderOffset), g.Is64, pe.DirectorySecurity), 8)

	readers := []io.Reader{bytes.NewReader(header)}
	sections := append([]pe.SectionHeader(nil), g.Sections...)
	sort.Slice(sections, func(i, j int) bool {
		return sections[i].PointerToRawData < sections[j].PointerToRawData
	})
	for _, s := range sections {
		start, end := s.PointerToRawData, s.PointerToRawData+s.SizeOfRawData
		if s.SizeOfRawData == 0 {
			continue
		}
		if sigOffset >= start && sigEnd <= end {
			readers = append(readers,
				io.NewSectionReader(r, int64(start), int64(sigOffset-start)),
				io.NewSectionReader(r, int64(sigEnd), int64(end-sigEnd)))
			continue
		}
		readers = append(readers, io.NewSectionReader(r, int64(start), int64(s.SizeOfRawData)))
	}
	return io.MultiReader(readers...), nil
}

// Digest hashes the signed ranges of an image.
func Digest(r io.ReaderAt, g Geometry, alg HashAlgorithm, provider Provider) ([]byte, error) {
	if provider == nil {
		provider = RSAProvider{}
	}
	stream, err := g.hashedRanges(r)
	if err != nil {
		return nil, err
	}
	digest, err := provider.Hash(alg, stream)
	if err != nil {
		return nil, asCryptoError(err, "hash image")
	}
	return digest, nil
}

// Sign computes the strong-name signature and writes it, byte-reversed,
// into the reserved space. It returns the bytes as written.
func Sign(img ImageFile, g Geometry, key *Key, info Info, provider Provider) ([]byte, error) {
	sig, err := Compute(img, g, key, info, provider)
	if err != nil {
		return nil, err
	}
	offset, err := g.SignatureOffset()
	if err != nil {
		return nil, err
	}
	if _, err := img.WriteAt(sig, int64(offset)); err != nil {
		return nil, errors.Wrap(err, "write strong-name signature")
	}
	return sig, nil
}

// Compute returns the byte-reversed strong-name signature of r without
// writing anything.
func Compute(r io.ReaderAt, g Geometry, key *Key, info Info, provider Provider) ([]byte, error) {
	if provider == nil {
		provider = RSAProvider{}
	}
	if key == nil || !key.CanSign() {
		return nil, cryptoErrorf(nil, "key has no private part")
	}
	if g.Signature.Size != info.SignatureSize {
		return nil, cryptoErrorf(nil, "signature directory size does not match the key")
	}

	digest, err := Digest(r, g, info.HashAlgorithm, provider)
	if err != nil {
		return nil, err
	}
	sig, err := provider.Sign(key, info.HashAlgorithm, digest)
	if err != nil {
		return nil, asCryptoError(err, "sign digest")
	}
	if uint32(len(sig)) != info.SignatureSize {
		return nil, cryptoErrorf(nil, "signature length differs from the reserved size")
	}
	reverse(sig)
	return sig, nil
}

// Verify checks the embedded signature against the public key blob.
func Verify(r io.ReaderAt, g Geometry, publicKey []byte, provider Provider) error {
	if provider == nil {
		provider = RSAProvider{}
	}
	key, err := ParsePublicKeyBlob(publicKey)
	if err != nil {
		return err
	}
	if g.Signature.Size != key.SignatureSize() {
		return cryptoErrorf(nil, "signature directory size does not match the key")
	}

	offset, err := g.SignatureOffset()
	if err != nil {
		return err
	}
	sig, err := pe.ReadBounded(r, int64(offset), g.Signature.Size, "strong-name signature")
	if err != nil {
		return err
	}
	reverse(sig)

	digest, err := Digest(r, g, key.HashAlgorithm, provider)
	if err != nil {
		return err
	}
	return provider.Verify(key, key.HashAlgorithm, digest, sig)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
