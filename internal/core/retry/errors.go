package retry

import (
	"errors"
	"fmt"
)

// Class is the error taxonomy every pipeline failure is mapped to.
type Class string

const (
	ClassValidation         Class = "validation"
	ClassTransient          Class = "transient_dependency"
	ClassRateLimited        Class = "rate_limited"
	ClassStorageConsistency Class = "storage_consistency"
	ClassTimeout            Class = "timeout"
	ClassSystem             Class = "system"
)

// Classes lists every known class.
var Classes = []Class{
	ClassValidation,
	ClassTransient,
	ClassRateLimited,
	ClassStorageConsistency,
	ClassTimeout,
	ClassSystem,
}

// ErrUnknownClass is returned when parsing a class name that does not exist.
var ErrUnknownClass = errors.New("unknown error class")

// ErrExhausted is returned by a Budget when no retries remain.
var ErrExhausted = errors.New("retry budget exhausted")

// ParseClass converts a stored or configured name back into a Class.
func ParseClass(s string) (Class, error) {
	for _, c := range Classes {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownClass, s)
}

// Retryable reports whether failures of this class may be retried at all.
func (c Class) Retryable() bool {
	return c != ClassValidation
}

// DefaultMessage is the user-safe message shown for a class when the failure
// site did not provide one.
func (c Class) DefaultMessage() string {
	switch c {
	case ClassValidation:
		return "unsupported or unreadable file - re-upload in a supported format"
	case ClassTransient:
		return "a processing service was unavailable - please try the upload again later"
	case ClassRateLimited:
		return "processing is temporarily over capacity - please try again later"
	case ClassStorageConsistency:
		return "the uploaded file could not be found in storage - please re-upload it"
	case ClassTimeout:
		return "processing took too long and was stopped"
	default:
		return "an internal error occurred while processing the file"
	}
}

// Error is a classified pipeline failure. Message is safe to show to the
// document owner; Err keeps the technical detail for operators.
type Error struct {
	Class     Class
	Message   string
	Err       error
	Exhausted bool
}

// New classifies err as class with the class's default message.
func New(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Newf classifies a formatted error as class.
func Newf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// Validation builds a non-retryable error with a user-facing message.
func Validation(message string, err error) *Error {
	if err == nil {
		err = errors.New(message)
	}
	return &Error{Class: ClassValidation, Message: message, Err: err, Exhausted: true}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns the message safe to surface to the document owner.
func (e *Error) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Class.DefaultMessage()
}

// Detail returns the raw technical detail.
func (e *Error) Detail() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *Error) exhausted() *Error {
	cp := *e
	cp.Exhausted = true
	return &cp
}

type abortError struct{ err error }

func (a *abortError) Error() string { return a.err.Error() }
func (a *abortError) Unwrap() error { return a.err }

// Abort marks err as one the executor must return immediately without
// classification, such as a cancelled or superseded job.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{err: err}
}

// IsAbort reports whether err was marked with Abort.
func IsAbort(err error) bool {
	var a *abortError
	return errors.As(err, &a)
}
