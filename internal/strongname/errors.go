// Package strongname computes and verifies ECMA-335 strong-name
// signatures.
package strongname

import "github.com/pkg/errors"

// CryptographicError reports unusable key material or a signature that
// does not match the space reserved for it. It only affects signing.
type CryptographicError struct {
	Msg string
	Err error
}

func cryptoErrorf(err error, msg string) *CryptographicError {
	return &CryptographicError{Msg: msg, Err: err}
}

// asCryptoError wraps a provider failure unless it already is one.
func asCryptoError(err error, msg string) error {
	var ce *CryptographicError
	if errors.As(err, &ce) {
		return err
	}
	return cryptoErrorf(err, msg)
}

func (e *CryptographicError) Error() string {
	if e.Err != nil {
		return "strong name: " + e.Msg + ": " + e.Err.Error()
	}
	return "strong name: " + e.Msg
}

func (e *CryptographicError) Unwrap() error {
	return e.Err
}
