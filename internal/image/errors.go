// Package image reads and writes managed images: it ties the PE
// container, the metadata streams and the strong-name signer together.
package image

import "fmt"

// InvalidOperationError reports a misconfigured writer pipeline, such as a
// strategy that produced no status or no CLI header.
type InvalidOperationError struct {
	Msg string
}

func invalidOperation(format string, args ...interface{}) *InvalidOperationError {
	return &InvalidOperationError{Msg: fmt.Sprintf(format, args...)}
}

func (e *InvalidOperationError) Error() string {
	return "invalid operation: " + e.Msg
}
