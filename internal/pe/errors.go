package pe

import "fmt"

// FormatError reports a structural violation in an image: a missing PE,
// CLI or metadata structure, or an RVA that no section maps. It is always
// fatal for the read or write that raised it.
type FormatError struct {
	Msg string
	Err error
}

// Errorf returns a *FormatError with a formatted message.
func Errorf(format string, args ...interface{}) *FormatError {
	return &FormatError{Msg: fmt.Sprintf(format, args...)}
}

// WrapFormat returns a *FormatError that keeps err as its cause.
func WrapFormat(err error, msg string) *FormatError {
	return &FormatError{Msg: msg, Err: err}
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return "bad image format: " + e.Msg + ": " + e.Err.Error()
	}
	return "bad image format: " + e.Msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
