package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSystemicBlock aborts a run after too many consecutive fatal errors.
var ErrSystemicBlock = errors.New("systemic block: consecutive fatal errors reached threshold")

// TransientError marks a failure worth retrying: timeouts, navigation
// failures, a page that has not settled.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix, such as a missing form
// field or a CAPTCHA wall.
type FatalError struct {
	Op     string
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: fatal: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: fatal: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// DataError reports a profile that lacks required fields. The record is still
// written, flagged incomplete.
type DataError struct {
	RowID   string
	Missing []string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("row %s: missing required fields: %s", e.RowID, strings.Join(e.Missing, ", "))
}

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Fatal builds a FatalError.
func Fatal(op, reason string, err error) error {
	return &FatalError{Op: op, Reason: reason, Err: err}
}

// ErrorClass buckets errors for reporting and metric labels.
type ErrorClass string

// Error classes.
const (
	ClassTransient ErrorClass = "transient"
	ClassFatal     ErrorClass = "fatal"
	ClassCanceled  ErrorClass = "canceled"
)

// Classify buckets err. Anything not explicitly fatal or a cancellation is
// treated as transient.
func Classify(err error) ErrorClass {
	var fatal *FatalError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fatal):
		return ClassFatal
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	default:
		return ClassTransient
	}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	return Classify(err) == ClassFatal
}
