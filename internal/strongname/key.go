package strongname

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// CryptoAPI blob constants.
const (
	calgRSASign     = 0x00002400
	publicKeyBlob   = 0x06
	privateKeyBlob  = 0x07
	blobVersion     = 0x02
	magicRSA1       = 0x31415352
	magicRSA2       = 0x32415352
	blobHeaderSize  = 8
	rsaPubKeySize   = 12
	snHeaderSize    = 12
	ecmaKeySize     = 16
	ecmaKeySigBytes = 128
)

// ecmaKey is the neutral public key of the standard libraries. It stands
// for a 1024-bit key held by the runtime vendor.
var ecmaKey = []byte{0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0}

// ECMAKey returns a copy of the ECMA neutral public key.
func ECMAKey() []byte {
	return append([]byte(nil), ecmaKey...)
}

// IsECMAKey reports whether blob is the ECMA neutral key.
func IsECMAKey(blob []byte) bool {
	return bytes.Equal(blob, ecmaKey)
}

// Key is RSA key material. Private is nil for public-only keys, which
// can only be used for delay signing.
type Key struct {
	Public        *rsa.PublicKey
	Private       *rsa.PrivateKey
	HashAlgorithm HashAlgorithm
}

type blobHeader struct {
	Type     uint8
	Version  uint8
	Reserved uint16
	KeyAlg   uint32
}

type rsaPubKey struct {
	Magic  uint32
	BitLen uint32
	PubExp uint32
}

// GenerateKey creates a new key pair.
func GenerateKey(bits int) (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.Wrap(err, "generate RSA key")
	}
	return &Key{Public: &priv.PublicKey, Private: priv, HashAlgorithm: SHA1}, nil
}

// LoadKey reads a key file.
func LoadKey(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read key file")
	}
	return ParseKey(data)
}

// ParseKey accepts a .snk key pair, a public key blob (with or without the
// strong-name header) or a PEM encoded RSA key.
func ParseKey(data []byte) (*Key, error) {
	if block, _ := pem.Decode(data); block != nil {
		return parsePEM(block)
	}
	if len(data) >= blobHeaderSize && data[0] == privateKeyBlob {
		return parsePrivateBlob(data)
	}
	return ParsePublicKeyBlob(data)
}

func parsePEM(block *pem.Block) (*Key, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, cryptoErrorf(err, "invalid PKCS#1 private key")
		}
		return &Key{Public: &priv.PublicKey, Private: priv, HashAlgorithm: SHA1}, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, cryptoErrorf(err, "invalid PKCS#8 private key")
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, cryptoErrorf(nil, "PKCS#8 key is not RSA")
		}
		return &Key{Public: &priv.PublicKey, Private: priv, HashAlgorithm: SHA1}, nil
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, cryptoErrorf(err, "invalid public key")
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, cryptoErrorf(nil, "public key is not RSA")
		}
		return &Key{Public: pub, HashAlgorithm: SHA1}, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, cryptoErrorf(err, "invalid PKCS#1 public key")
		}
		return &Key{Public: pub, HashAlgorithm: SHA1}, nil
	}
	return nil, cryptoErrorf(nil, "unsupported PEM block "+block.Type)
}

// leInt decodes a little-endian unsigned integer.
func leInt(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	return new(big.Int).SetBytes(be)
}

// leBytes encodes n little-endian in exactly size bytes.
func leBytes(n *big.Int, size int) []byte {
	be := n.FillBytes(make([]byte, size))
	le := make([]byte, size)
	for i := range be {
		le[size-1-i] = be[i]
	}
	return le
}

func readRSAHeader(data []byte, wantType uint8, wantMagic uint32) (rsaPubKey, []byte, error) {
	var hdr blobHeader
	var pub rsaPubKey
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return pub, nil, cryptoErrorf(err, "truncated key blob")
	}
	if hdr.Type != wantType || hdr.Version != blobVersion {
		return pub, nil, cryptoErrorf(nil, "unsupported key blob type")
	}
	if err := binary.Read(r, binary.LittleEndian, &pub); err != nil {
		return pub, nil, cryptoErrorf(err, "truncated RSA key header")
	}
	if pub.Magic != wantMagic || pub.BitLen == 0 || pub.BitLen%16 != 0 {
		return pub, nil, cryptoErrorf(nil, "invalid RSA key header")
	}
	return pub, data[blobHeaderSize+rsaPubKeySize:], nil
}

func parsePrivateBlob(data []byte) (*Key, error) {
	hdr, rest, err := readRSAHeader(data, privateKeyBlob, magicRSA2)
	if err != nil {
		return nil, err
	}

	full, half := int(hdr.BitLen/8), int(hdr.BitLen/16)
	if len(rest) < full*2+half*5 {
		return nil, cryptoErrorf(nil, "truncated private key blob")
	}
	take := func(n int) *big.Int {
		v := leInt(rest[:n])
		rest = rest[n:]
		return v
	}

	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: take(full), E: int(hdr.PubExp)},
	}
	p, q := take(half), take(half)
	take(half) // dp
	take(half) // dq
	take(half) // qinv
	priv.D = take(full)
	priv.Primes = []*big.Int{p, q}
	if err := priv.Validate(); err != nil {
		return nil, cryptoErrorf(err, "inconsistent private key")
	}
	priv.Precompute()
	return &Key{Public: &priv.PublicKey, Private: priv, HashAlgorithm: SHA1}, nil
}

// ParsePublicKeyBlob parses an assembly public key, either with the 12-byte
// strong-name header or as a bare PUBLICKEYBLOB.
func ParsePublicKeyBlob(data []byte) (*Key, error) {
	if IsECMAKey(data) {
		return nil, cryptoErrorf(nil, "the ECMA key has no usable public key")
	}

	alg := SHA1
	if len(data) > snHeaderSize && data[snHeaderSize] == publicKeyBlob && data[0] != publicKeyBlob {
		alg = HashAlgorithm(binary.LittleEndian.Uint32(data[4:]))
		size := binary.LittleEndian.Uint32(data[8:])
		if uint64(size)+snHeaderSize > uint64(len(data)) {
			return nil, cryptoErrorf(nil, "truncated public key blob")
		}
		data = data[snHeaderSize : snHeaderSize+size]
	}

	hdr, rest, err := readRSAHeader(data, publicKeyBlob, magicRSA1)
	if err != nil {
		return nil, err
	}
	if len(rest) < int(hdr.BitLen/8) {
		return nil, cryptoErrorf(nil, "truncated modulus")
	}
	pub := &rsa.PublicKey{N: leInt(rest[:hdr.BitLen/8]), E: int(hdr.PubExp)}
	return &Key{Public: pub, HashAlgorithm: alg}, nil
}

// CanSign reports whether the key has a private part.
func (k *Key) CanSign() bool {
	return k.Private != nil
}

// SignatureSize is the byte length of signatures made with this key.
func (k *Key) SignatureSize() uint32 {
	return uint32(k.Public.Size())
}

func (k *Key) rsaHeader(blobType uint8, magic uint32) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, blobHeader{Type: blobType, Version: blobVersion, KeyAlg: calgRSASign})
	_ = binary.Write(&buf, binary.LittleEndian, rsaPubKey{
		Magic:  magic,
		BitLen: uint32(k.Public.Size() * 8),
		PubExp: uint32(k.Public.E),
	})
	return buf.Bytes()
}

// PublicKeyBlob encodes the assembly public key: the strong-name header
// followed by a PUBLICKEYBLOB.
func (k *Key) PublicKeyBlob() []byte {
	alg := k.HashAlgorithm
	if alg == 0 {
		alg = SHA1
	}
	body := append(k.rsaHeader(publicKeyBlob, magicRSA1), leBytes(k.Public.N, k.Public.Size())...)

	out := make([]byte, snHeaderSize, snHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:], calgRSASign)
	binary.LittleEndian.PutUint32(out[4:], uint32(alg))
	binary.LittleEndian.PutUint32(out[8:], uint32(len(body)))
	return append(out, body...)
}

// SNK encodes the key pair in the .snk PRIVATEKEYBLOB format.
func (k *Key) SNK() ([]byte, error) {
	if k.Private == nil {
		return nil, cryptoErrorf(nil, "key has no private part")
	}
	if len(k.Private.Primes) != 2 {
		return nil, cryptoErrorf(nil, "multi-prime keys cannot be stored as .snk")
	}
	k.Private.Precompute()

	full, half := k.Public.Size(), k.Public.Size()/2
	p := k.Private.Primes
	out := k.rsaHeader(privateKeyBlob, magicRSA2)
	out = append(out, leBytes(k.Public.N, full)...)
	out = append(out, leBytes(p[0], half)...)
	out = append(out, leBytes(p[1], half)...)
	out = append(out, leBytes(k.Private.Precomputed.Dp, half)...)
	out = append(out, leBytes(k.Private.Precomputed.Dq, half)...)
	out = append(out, leBytes(k.Private.Precomputed.Qinv, half)...)
	out = append(out, leBytes(k.Private.D, full)...)
	return out, nil
}

// KeyContainerResolver looks up key pairs by container name.
type KeyContainerResolver interface {
	Resolve(name string) (*Key, error)
}

// DirectoryContainers resolves a container name to "<dir>/<name>.snk".
type DirectoryContainers string

func (d DirectoryContainers) Resolve(name string) (*Key, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, cryptoErrorf(nil, "invalid key container name "+name)
	}
	key, err := LoadKey(filepath.Join(string(d), name+".snk"))
	return key, errors.Wrapf(err, "key container %s", name)
}

// Info is the strong-name information fixed before layout.
type Info struct {
	HashAlgorithm HashAlgorithm
	SignatureSize uint32
	PublicKey     []byte
}

// NewInfo derives Info from an assembly public key. A non-zero override
// replaces the hash algorithm recorded in the blob.
func NewInfo(publicKey []byte, override HashAlgorithm) (Info, error) {
	if IsECMAKey(publicKey) {
		alg := override
		if alg == 0 {
			alg = SHA1
		}
		return Info{HashAlgorithm: alg, SignatureSize: ecmaKeySigBytes, PublicKey: ECMAKey()}, nil
	}

	key, err := ParsePublicKeyBlob(publicKey)
	if err != nil {
		return Info{}, err
	}
	if override != 0 {
		key.HashAlgorithm = override
	}
	if _, err := key.HashAlgorithm.CryptoHash(); err != nil {
		return Info{}, cryptoErrorf(err, "public key")
	}
	return Info{
		HashAlgorithm: key.HashAlgorithm,
		SignatureSize: key.SignatureSize(),
		PublicKey:     key.PublicKeyBlob(),
	}, nil
}
