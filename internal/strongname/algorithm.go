package strongname

import (
	"crypto"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// HashAlgorithm is a CryptoAPI ALG_ID for the strong-name hash.
type HashAlgorithm uint32

// Supported hash algorithms.
const (
	SHA1   HashAlgorithm = 0x8004
	SHA256 HashAlgorithm = 0x800C
	SHA384 HashAlgorithm = 0x800D
	SHA512 HashAlgorithm = 0x800E
)

// CryptoHash maps the ALG_ID to a crypto.Hash.
func (a HashAlgorithm) CryptoHash() (crypto.Hash, error) {
	switch a {
	case SHA1:
		return crypto.SHA1, nil
	case SHA256:
		return crypto.SHA256, nil
	case SHA384:
		return crypto.SHA384, nil
	case SHA512:
		return crypto.SHA512, nil
	}
	return 0, errors.Errorf("unsupported hash algorithm 0x%04X", uint32(a))
}

func (a HashAlgorithm) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	case SHA384:
		return "sha384"
	case SHA512:
		return "sha512"
	}
	return fmt.Sprintf("0x%04X", uint32(a))
}

// ParseHashAlgorithm parses a name such as "sha256".
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "sha1":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	case "sha384":
		return SHA384, nil
	case "sha512":
		return SHA512, nil
	}
	return 0, errors.Errorf("unknown hash algorithm %q", name)
}
