// Package apierr provides the kind-tagged error type shared by every
// HomeRoute component, modeled on the control plane's APIError taxonomy.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP/WS edges to render.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindNotInitialized Kind = "not_initialized"
	KindIO             Kind = "io"
	KindProtocolParse  Kind = "protocol_parse"
	KindExternal       Kind = "external"
	KindTimeout        Kind = "timeout"
	KindFatal          Kind = "fatal"
)

// Error is the single error type returned by every internal package.
// It carries a Kind so edges (REST, WS, CLI) can render a uniform
// response without sniffing error strings.
type Error struct {
	Kind    Kind
	Message string
	Details any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details any) *Error {
	n := *e
	n.Details = details
	return &n
}

// New creates a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap annotates cause with message, tagging the result with kind.
// If cause is already an *Error, its Kind is preserved unless kind is
// non-empty.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return nil
	}
	var existing *Error
	if errors.As(cause, &existing) && kind == "" {
		kind = existing.Kind
	}
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Is reports whether err is (or wraps) an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Validation, NotFound, NotInitialized, etc. are convenience
// constructors used throughout the core packages.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func NotInitialized(format string, args ...any) *Error {
	return New(KindNotInitialized, fmt.Sprintf(format, args...))
}

func IO(cause error, format string, args ...any) *Error {
	return Wrap(KindIO, cause, fmt.Sprintf(format, args...))
}

func ProtocolParse(cause error, format string, args ...any) *Error {
	return Wrap(KindProtocolParse, cause, fmt.Sprintf(format, args...))
}

func External(cause error, format string, args ...any) *Error {
	return Wrap(KindExternal, cause, fmt.Sprintf(format, args...))
}

func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, fmt.Sprintf(format, args...))
}

func Fatal(cause error, format string, args ...any) *Error {
	return Wrap(KindFatal, cause, fmt.Sprintf(format, args...))
}
