// Package hints marks errors that should be reported but must not fail the
// process: a profile skipped because its source dir is gone, a backup dir
// that looks like an unmounted drive. Callers test for the mark with IsHint
// instead of importing the producer's sentinel errors.
package hints

import (
	"errors"
	"fmt"
)

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Newf creates a hint with fmt.Errorf semantics, %w included.
func Newf(format string, args ...any) error {
	return &hintErr{err: fmt.Errorf(format, args...)}
}

// Wrap marks err as a hint. Wrap(nil) is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint checks if any error in the chain is a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is checks if the error is a hint AND matches the target error.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}

// Split separates hints from hard failures.
func Split(errs []error) (soft, hard []error) {
	for _, err := range errs {
		switch {
		case err == nil:
		case IsHint(err):
			soft = append(soft, err)
		default:
			hard = append(hard, err)
		}
	}
	return soft, hard
}
