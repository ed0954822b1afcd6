package crawler

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error by the action the crawler should take, not by
// where it came from. Classification is attached to error values with Kinded;
// Kind recovers it anywhere in the call chain.
type ErrorKind int

const (
	// Transient errors may succeed on retry (timeouts, 5xx, 429).
	Transient ErrorKind = iota

	// Permanent errors will not succeed on retry for this URL (4xx other
	// than 429, unsupported content, malformed URLs discovered late).
	Permanent

	// PolicyDrop means a URL was intentionally skipped by the policy gate.
	PolicyDrop

	// Duplicate means a page was recognized as a near-duplicate and dropped.
	Duplicate

	// Validation means client-supplied input was rejected.
	Validation

	// Persistence means a database write or read failed.
	Persistence

	// Fatal means the process cannot usefully continue (startup DB failure).
	Fatal
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case PolicyDrop:
		return "policy-drop"
	case Duplicate:
		return "duplicate"
	case Validation:
		return "validation"
	case Persistence:
		return "persistence"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

type kindedError struct {
	kind ErrorKind
	err  error
}

func (e *kindedError) Error() string {
	return e.err.Error()
}

func (e *kindedError) Unwrap() error {
	return e.err
}

// Kinded wraps err with a classification. Returns nil if err is nil.
func Kinded(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindedError{kind: kind, err: err}
}

// Kindedf is Kinded over a formatted error.
func Kindedf(kind ErrorKind, format string, args ...interface{}) error {
	return &kindedError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Kind returns the classification of err. Errors that never got a
// classification report Transient, the safe default for retry logic.
func Kind(err error) ErrorKind {
	var ke *kindedError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Transient
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	var ke *kindedError
	if errors.As(err, &ke) {
		return ke.kind == kind
	}
	return false
}
