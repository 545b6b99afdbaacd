package strongname

import (
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1" // registers crypto.SHA1
	_ "crypto/sha256"
	_ "crypto/sha512"
	"io"

	"github.com/pkg/errors"
)

// Provider supplies the hash and RSA primitives.
type Provider interface {
	Hash(alg HashAlgorithm, r io.Reader) ([]byte, error)
	Sign(key *Key, alg HashAlgorithm, digest []byte) ([]byte, error)
	Verify(key *Key, alg HashAlgorithm, digest, signature []byte) error
}

// RSAProvider implements Provider with crypto/rsa PKCS #1 v1.5.
type RSAProvider struct{}

// Hash digests everything r yields.
func (RSAProvider) Hash(alg HashAlgorithm, r io.Reader) ([]byte, error) {
	h, err := alg.CryptoHash()
	if err != nil {
		return nil, err
	}
	if !h.Available() {
		return nil, errors.Errorf("hash %s not linked in", alg)
	}
	w := h.New()
	if _, err := io.Copy(w, r); err != nil {
		return nil, errors.Wrap(err, "hash image")
	}
	return w.Sum(nil), nil
}

// Sign returns the big-endian PKCS #1 v1.5 signature of digest.
func (RSAProvider) Sign(key *Key, alg HashAlgorithm, digest []byte) ([]byte, error) {
	if key == nil || key.Private == nil {
		return nil, cryptoErrorf(nil, "key has no private part")
	}
	h, err := alg.CryptoHash()
	if err != nil {
		return nil, cryptoErrorf(err, "sign")
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, key.Private, h, digest)
	if err != nil {
		return nil, cryptoErrorf(err, "sign")
	}
	return sig, nil
}

// Verify checks a big-endian PKCS #1 v1.5 signature.
func (RSAProvider) Verify(key *Key, alg HashAlgorithm, digest, signature []byte) error {
	h, err := alg.CryptoHash()
	if err != nil {
		return cryptoErrorf(err, "verify")
	}
	if err := rsa.VerifyPKCS1v15(key.Public, h, digest, signature); err != nil {
		return cryptoErrorf(err, "signature does not match")
	}
	return nil
}
