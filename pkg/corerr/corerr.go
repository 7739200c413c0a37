// Package corerr defines the error taxonomy from spec.md §7
// (ParseError, NotFound, Conflict, Timeout, WorkerFailure,
// ExternalFailure, Cancelled) as errors.Is-comparable sentinels, so
// callers can both test the kind and read a descriptive message.
package corerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one of the seven error kinds spec.md §7 names.
type Kind string

const (
	KindParseError     Kind = "parse_error"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindTimeout        Kind = "timeout"
	KindWorkerFailure  Kind = "worker_failure"
	KindExternalFailure Kind = "external_failure"
	KindCancelled      Kind = "cancelled"
)

// Sentinels usable with errors.Is.
var (
	ErrParseError      = &kindedError{kind: KindParseError, msg: "parse error"}
	ErrNotFound        = &kindedError{kind: KindNotFound, msg: "not found"}
	ErrConflict        = &kindedError{kind: KindConflict, msg: "conflict"}
	ErrTimeout         = &kindedError{kind: KindTimeout, msg: "timeout"}
	ErrWorkerFailure   = &kindedError{kind: KindWorkerFailure, msg: "worker failure"}
	ErrExternalFailure = &kindedError{kind: KindExternalFailure, msg: "external failure"}
	ErrCancelled       = &kindedError{kind: KindCancelled, msg: "cancelled"}
)

type kindedError struct {
	kind Kind
	msg  string
}

func (e *kindedError) Error() string { return e.msg }

// Is makes every kindedError of the same Kind compare equal under
// errors.Is, regardless of message.
func (e *kindedError) Is(target error) bool {
	var other *kindedError
	if errors.As(target, &other) {
		return other.kind == e.kind
	}
	return false
}

// New builds an error of the given kind carrying msg and no cause;
// errors.Is matches it against the kind's sentinel.
func New(kind Kind, msg string) error {
	return &causedError{kindedError: sentinelFor(kind), msg: msg}
}

// Wrap wraps an existing error as the given kind, preserving the original
// via errors.Unwrap.
func Wrap(kind Kind, msg string, cause error) error {
	return &causedError{kindedError: sentinelFor(kind), msg: msg, cause: cause}
}

func sentinelFor(kind Kind) *kindedError {
	switch kind {
	case KindParseError:
		return ErrParseError
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindTimeout:
		return ErrTimeout
	case KindWorkerFailure:
		return ErrWorkerFailure
	case KindExternalFailure:
		return ErrExternalFailure
	case KindCancelled:
		return ErrCancelled
	default:
		return &kindedError{kind: kind, msg: string(kind)}
	}
}

type causedError struct {
	*kindedError
	msg   string
	cause error
}

func (e *causedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kindedError.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kindedError.kind, e.msg)
}

func (e *causedError) Unwrap() error { return e.cause }

// Line renders err as the single-line "<kind>: <message>" diagnostic
// spec.md §7 mandates for user-visible CLI output.
func Line(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range []Kind{KindParseError, KindNotFound, KindConflict, KindTimeout, KindWorkerFailure, KindExternalFailure, KindCancelled} {
		if errors.Is(err, sentinelFor(k)) {
			msg := err.Error()
			if strings.HasPrefix(msg, string(k)+": ") {
				return msg
			}
			return fmt.Sprintf("%s: %s", k, msg)
		}
	}
	return err.Error()
}
