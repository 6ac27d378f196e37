// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package status classifies the errors returned by the session API into a
// small taxonomy (invalid argument, not found, already exists, cancelled,
// deadline exceeded, failed precondition, internal, aborted).
//
// Errors are ordinary Go errors built on github.com/pkg/errors, so stack
// traces are preserved across wrapping; the kind is recovered with errors.As
// via the Is* helpers regardless of how many times the error was wrapped.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the error class, mirroring the canonical status codes the engine
// reports at its API boundary.
type Kind int

const (
	// OK is never attached to an error, it's the zero Kind.
	OK Kind = iota
	InvalidArgument
	NotFound
	AlreadyExists
	Cancelled
	DeadlineExceeded
	FailedPrecondition
	Aborted
	Internal
	Unknown
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case InvalidArgument:
		return "invalid argument"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case Cancelled:
		return "cancelled"
	case DeadlineExceeded:
		return "deadline exceeded"
	case FailedPrecondition:
		return "failed precondition"
	case Aborted:
		return "aborted"
	case Internal:
		return "internal"
	}
	return "unknown"
}

// kindError tags an underlying error (which carries the stack trace) with a
// Kind. It participates in errors.Cause/Unwrap chains.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Cause() error  { return e.err }

// Format implements fmt.Formatter so "%+v" prints the wrapped stack trace.
func (e *kindError) Format(s fmt.State, verb rune) {
	if formatter, ok := e.err.(fmt.Formatter); ok {
		formatter.Format(s, verb)
		return
	}
	_, _ = fmt.Fprintf(s, "%v", e.err)
}

// Errorf creates an error of the given kind, with a stack trace.
func Errorf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: errors.Errorf(format, args...)}
}

// WithKind tags an existing error with the given kind, preserving it as the
// cause. A nil error stays nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf returns the kind of the error: OK for nil, the outermost explicit
// tag otherwise, or Unknown for untagged errors.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var tagged *kindError
	if errors.As(err, &tagged) {
		return tagged.kind
	}
	return Unknown
}

// InvalidArgumentf creates an InvalidArgument error.
func InvalidArgumentf(format string, args ...any) error {
	return Errorf(InvalidArgument, format, args...)
}

// NotFoundf creates a NotFound error.
func NotFoundf(format string, args ...any) error { return Errorf(NotFound, format, args...) }

// AlreadyExistsf creates an AlreadyExists error.
func AlreadyExistsf(format string, args ...any) error { return Errorf(AlreadyExists, format, args...) }

// Cancelledf creates a Cancelled error.
func Cancelledf(format string, args ...any) error { return Errorf(Cancelled, format, args...) }

// DeadlineExceededf creates a DeadlineExceeded error.
func DeadlineExceededf(format string, args ...any) error {
	return Errorf(DeadlineExceeded, format, args...)
}

// FailedPreconditionf creates a FailedPrecondition error.
func FailedPreconditionf(format string, args ...any) error {
	return Errorf(FailedPrecondition, format, args...)
}

// Abortedf creates an Aborted error.
func Abortedf(format string, args ...any) error { return Errorf(Aborted, format, args...) }

// Internalf creates an Internal error.
func Internalf(format string, args ...any) error { return Errorf(Internal, format, args...) }

// IsInvalidArgument reports whether err is tagged InvalidArgument.
func IsInvalidArgument(err error) bool { return KindOf(err) == InvalidArgument }

// IsNotFound reports whether err is tagged NotFound.
func IsNotFound(err error) bool { return KindOf(err) == NotFound }

// IsAlreadyExists reports whether err is tagged AlreadyExists.
func IsAlreadyExists(err error) bool { return KindOf(err) == AlreadyExists }

// IsCancelled reports whether err is tagged Cancelled.
func IsCancelled(err error) bool { return KindOf(err) == Cancelled }

// IsDeadlineExceeded reports whether err is tagged DeadlineExceeded.
func IsDeadlineExceeded(err error) bool { return KindOf(err) == DeadlineExceeded }

// IsFailedPrecondition reports whether err is tagged FailedPrecondition.
func IsFailedPrecondition(err error) bool { return KindOf(err) == FailedPrecondition }

// IsAborted reports whether err is tagged Aborted.
func IsAborted(err error) bool { return KindOf(err) == Aborted }

// IsInternal reports whether err is tagged Internal.
func IsInternal(err error) bool { return KindOf(err) == Internal }
