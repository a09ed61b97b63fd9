package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a project or PIN is in neither store.
	ErrNotFound = errors.New("not found")

	// ErrPinExhausted is returned when no unique PIN could be assigned
	// within the retry budget.
	ErrPinExhausted = errors.New("could not assign a unique project PIN")

	// ErrConnectivityRequired is returned when an operation must reach the
	// remote store and there is no local fallback.
	ErrConnectivityRequired = errors.New("operation requires connectivity; try again when online")

	// ErrIdentityRequired is returned when a cloud write needs a verified
	// identity and none is available.
	ErrIdentityRequired = errors.New("operation requires a verified identity")
)

// ValidationError reports a violated schema or data invariant. It is
// raised before any store is written.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Problems, "; "))
}

// IsValidation reports whether err (or any error in its chain) is a
// ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError wraps a remote failure that may succeed when retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient remote failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err (or any error in its chain) is a
// TransientError.
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// problems accumulates validation messages.
type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return &ValidationError{Problems: p}
}
