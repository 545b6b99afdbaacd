package image

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
	ipe "github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/ZacharyZcR/MetaPatch/internal/strongname"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// signTarget is the parsed part of an image the signer patches.
type signTarget struct {
	headers   *ipe.Headers
	conv      ipe.RVAConverter
	cli       *metadata.CLIHeader
	cliOffset uint32
	publicKey []byte
}

func openSignTarget(r io.ReaderAt) (*signTarget, error) {
	h, err := ipe.ReadHeaders(r)
	if err != nil {
		return nil, err
	}
	conv := ipe.NewSectionMap(h.Sections)
	cli, cliOffset, err := metadata.ReadCLIHeader(r, h, conv)
	if err != nil {
		return nil, err
	}
	if cli.StrongNameSignature.VirtualAddress == 0 || cli.StrongNameSignature.Size == 0 {
		return nil, &strongname.CryptographicError{Msg: "image has no strong-name signature directory"}
	}

	m, err := Read(r, &ReadOptions{RawValueReading: RawValuesSkip, ErrorHandler: metadata.FailOnError})
	if err != nil {
		return nil, err
	}
	t := m.Tables()
	if t.RowCount(metadata.TableAssembly) == 0 || m.Streams.Blobs() == nil {
		return nil, &strongname.CryptographicError{Msg: "image has no assembly public key"}
	}
	index, err := t.Get(metadata.TableAssembly, 1, "PublicKey")
	if err != nil {
		return nil, err
	}
	publicKey, err := m.Streams.Blobs().Get(index)
	if err != nil {
		return nil, err
	}
	return &signTarget{headers: h, conv: conv, cli: cli, cliOffset: cliOffset, publicKey: publicKey}, nil
}

func (t *signTarget) geometry() strongname.Geometry {
	return strongname.NewGeometry(t.headers, t.cli.StrongNameSignature, t.conv)
}

// SignFile signs the image at path in place. The image must already
// reserve a signature of the key's size, as delay-signed images do.
func SignFile(path string, key *strongname.Key, opts *WriteOptions) error {
	o := opts.withDefaults()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "open image")
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat image")
	}
	if err := Sign(f, stat.Size(), key, &o); err != nil {
		return err
	}
	return f.Sync()
}

// Sign signs an image held in img.
func Sign(img strongname.ImageFile, size int64, key *strongname.Key, opts *WriteOptions) error {
	o := opts.withDefaults()
	if key == nil {
		return &strongname.CryptographicError{Msg: "no signing key"}
	}
	t, err := openSignTarget(img)
	if err != nil {
		return err
	}

	info, err := strongname.NewInfo(key.PublicKeyBlob(), o.HashAlgorithm)
	if err != nil {
		return err
	}
	if !strongname.IsECMAKey(t.publicKey) && !bytes.Equal(t.publicKey, info.PublicKey) {
		return &strongname.CryptographicError{Msg: "key does not match the assembly public key"}
	}
	if t.cli.StrongNameSignature.Size != info.SignatureSize {
		return &strongname.CryptographicError{Msg: "signature directory size does not match the key"}
	}

	// The flag word is hashed, so the signature is computed over an image
	// that already carries it. The file is only touched once that succeeded.
	g := t.geometry()
	flags := &patchedReader{ReaderAt: img, offset: int64(t.cliOffset) + metadata.FlagsOffset(), data: make([]byte, 4)}
	binary.LittleEndian.PutUint32(flags.data, t.cli.Flags|metadata.FlagStrongNameSigned)
	sig, err := strongname.Compute(flags, g, key, info, o.Crypto)
	if err != nil {
		return err
	}

	sigOffset, err := g.SignatureOffset()
	if err != nil {
		return err
	}
	old, err := ipe.ReadBounded(img, int64(sigOffset), uint32(len(sig)), "strong-name signature")
	if err != nil {
		return err
	}
	if _, err := img.WriteAt(sig, int64(sigOffset)); err != nil {
		return errors.Wrap(err, "write strong-name signature")
	}
	if _, err := img.WriteAt(flags.data, flags.offset); err != nil {
		if _, rerr := img.WriteAt(old, int64(sigOffset)); rerr != nil {
			o.Logger.WithError(rerr).Error("restore strong-name signature")
		}
		return errors.Wrap(err, "set strong-name flag")
	}

	if t.headers.CheckSum() != 0 || o.PE.UpdateChecksum {
		if _, err := ipe.UpdateChecksum(img, t.headers, size); err != nil {
			return err
		}
	}
	o.Logger.WithFields(logrus.Fields{
		"hash":      info.HashAlgorithm,
		"signature": info.SignatureSize,
	}).Info("image signed")
	return nil
}

// VerifyFile checks the strong-name signature of the image at path.
func VerifyFile(path string, provider strongname.Provider) error {
	r, err := ipe.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	return Verify(r, provider)
}

// Verify checks the strong-name signature against the assembly's public
// key. Delay-signed images fail.
func Verify(r io.ReaderAt, provider strongname.Provider) error {
	t, err := openSignTarget(r)
	if err != nil {
		return err
	}
	if t.cli.Flags&metadata.FlagStrongNameSigned == 0 {
		return &strongname.CryptographicError{Msg: "image is not strong-name signed"}
	}
	return strongname.Verify(r, t.geometry(), t.publicKey, provider)
}

// patchedReader reads through to the image except for data, which
// replaces the bytes at offset.
type patchedReader struct {
	io.ReaderAt
	offset int64
	data   []byte
}

func (p *patchedReader) ReadAt(b []byte, off int64) (int, error) {
	n, err := p.ReaderAt.ReadAt(b, off)
	start, end := p.offset-off, p.offset-off+int64(len(p.data))
	if start < int64(n) && end > 0 {
		src := p.data
		if start < 0 {
			src, start = src[-start:], 0
		}
		copy(b[start:n], src)
	}
	return n, err
}
