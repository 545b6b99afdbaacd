package strongname

import (
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"
)

func TestSNKRoundTrip(t *testing.T) {
	key, err := GenerateKey(1024)
	assert.NilError(t, err)

	snk, err := key.SNK()
	assert.NilError(t, err)
	// Header, modulus, five half-size values and the private exponent.
	assert.Equal(t, len(snk), 8+12+128+5*64+128)
	assert.Equal(t, snk[0], byte(privateKeyBlob))

	parsed, err := ParseKey(snk)
	assert.NilError(t, err)
	assert.Assert(t, parsed.CanSign())
	assert.Assert(t, parsed.Private.Equal(key.Private))
}

func TestPublicKeyBlob(t *testing.T) {
	key, err := GenerateKey(1024)
	assert.NilError(t, err)

	blob := key.PublicKeyBlob()
	assert.Equal(t, len(blob), 12+8+12+128)
	assert.Equal(t, binary.LittleEndian.Uint32(blob[0:]), uint32(calgRSASign))
	assert.Equal(t, binary.LittleEndian.Uint32(blob[4:]), uint32(SHA1))
	assert.Equal(t, binary.LittleEndian.Uint32(blob[8:]), uint32(8+12+128))

	tests := []struct {
		name string
		data []byte
	}{
		{"with strong-name header", blob},
		{"bare PUBLICKEYBLOB", blob[12:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseKey(tt.data)
			assert.NilError(t, err)
			assert.Assert(t, !parsed.CanSign())
			assert.Assert(t, parsed.Public.Equal(key.Public))
		})
	}
}

func TestParsePEM(t *testing.T) {
	key, err := GenerateKey(1024)
	assert.NilError(t, err)

	private := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key.Private)})
	parsed, err := ParseKey(private)
	assert.NilError(t, err)
	assert.Assert(t, parsed.CanSign())

	der, err := x509.MarshalPKIXPublicKey(key.Public)
	assert.NilError(t, err)
	parsed, err = ParseKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	assert.NilError(t, err)
	assert.Assert(t, !parsed.CanSign())

	_, err = ParseKey(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	_, ok := err.(*CryptographicError)
	assert.Assert(t, ok, "got %v", err)
}

func TestNewInfo(t *testing.T) {
	key, err := GenerateKey(1024)
	assert.NilError(t, err)

	info, err := NewInfo(key.PublicKeyBlob(), 0)
	assert.NilError(t, err)
	assert.Equal(t, info.SignatureSize, uint32(128))
	assert.Equal(t, info.HashAlgorithm, SHA1)

	info, err = NewInfo(key.PublicKeyBlob(), SHA256)
	assert.NilError(t, err)
	assert.Equal(t, info.HashAlgorithm, SHA256)
	assert.Equal(t, binary.LittleEndian.Uint32(info.PublicKey[4:]), uint32(SHA256))

	info, err = NewInfo(ECMAKey(), 0)
	assert.NilError(t, err)
	assert.Equal(t, info.SignatureSize, uint32(128))

	_, err = NewInfo([]byte{1, 2, 3}, 0)
	assert.Assert(t, err != nil)
}

func TestDirectoryContainers(t *testing.T) {
	key, err := GenerateKey(1024)
	assert.NilError(t, err)
	snk, err := key.SNK()
	assert.NilError(t, err)

	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "build.snk"), snk, 0o600))

	resolved, err := DirectoryContainers(dir).Resolve("build")
	assert.NilError(t, err)
	assert.Assert(t, resolved.Public.Equal(key.Public))

	_, err = DirectoryContainers(dir).Resolve("../build")
	assert.ErrorContains(t, err, "invalid key container")
	_, err = DirectoryContainers(dir).Resolve("missing")
	assert.ErrorContains(t, err, "key container missing")
}

func TestParseHashAlgorithm(t *testing.T) {
	tests := []struct {
		name string
		want HashAlgorithm
	}{
		{"sha1", SHA1},
		{"SHA-256", SHA256},
		{"sha384", SHA384},
		{"Sha512", SHA512},
	}
	for _, tt := range tests {
		got, err := ParseHashAlgorithm(tt.name)
		assert.NilError(t, err)
		assert.Equal(t, got, tt.want)
		assert.Equal(t, got.String(), map[HashAlgorithm]string{SHA1: "sha1", SHA256: "sha256", SHA384: "sha384", SHA512: "sha512"}[got])
	}

	_, err := ParseHashAlgorithm("md5")
	assert.ErrorContains(t, err, "unknown hash algorithm")
}
