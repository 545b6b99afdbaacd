package metadata

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// RowError reports a cell that could not be decoded or encoded. It is
// recoverable: the cell takes a default value and processing continues
// unless the ErrorHandler escalates it.
type RowError struct {
	Table  TableID
	Row    uint32
	Column string
	Err    error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s[%d].%s: %v", e.Table, e.Row, e.Column, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// ErrorHandler receives recoverable errors. Returning nil continues with a
// default value; returning an error aborts the operation with it.
type ErrorHandler func(err error) error

// LogErrors returns a handler that logs every error as a warning and
// continues.
func LogErrors(logger logrus.FieldLogger) ErrorHandler {
	return func(err error) error {
		entry := logger.WithError(err)
		if re, ok := err.(*RowError); ok {
			entry = entry.WithFields(logrus.Fields{
				"table":  re.Table.String(),
				"row":    re.Row,
				"column": re.Column,
			})
		}
		entry.Warn("recovered from malformed metadata")
		return nil
	}
}

// FailOnError is a handler that escalates every error.
func FailOnError(err error) error {
	return err
}

func (h ErrorHandler) report(err error) error {
	if h == nil {
		return nil
	}
	return h(err)
}
