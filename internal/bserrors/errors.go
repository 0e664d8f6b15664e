// Package bserrors defines the error taxonomy shared across the engine:
// load, plugin, variable, cache-key, sandbox, cache/CAS, network, user, and
// internal errors, each optionally carrying provenance of the YAML value
// that triggered them.
package bserrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Class partitions errors the way the scheduler and CLI exit-code mapping
// need to distinguish them.
type Class string

const (
	ClassLoad     Class = "load"
	ClassPlugin   Class = "plugin"
	ClassVariable Class = "variable"
	ClassCacheKey Class = "cache-key"
	ClassSandbox  Class = "sandbox"
	ClassCache    Class = "cache"
	ClassNetwork  Class = "network"
	ClassUser     Class = "user"
	ClassInternal Class = "internal"
)

// Provenance locates the YAML value responsible for an error.
type Provenance struct {
	File   string
	Line   int
	Column int
}

func (p Provenance) String() string {
	if p.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// Error is the typed error value propagated across package boundaries.
// Code is a short machine-checkable identifier such as "INCLUDE_CYCLE" or
// "OVERLAP", matching the taxonomy entries in the error handling design.
type Error struct {
	Class      Class
	Code       string
	Provenance Provenance
	Element    string
	Cause      error
}

func (e *Error) Error() string {
	loc := e.Provenance.String()
	switch {
	case loc != "" && e.Element != "":
		return fmt.Sprintf("%s [%s] %s (%s): %v", e.Class, e.Code, e.Element, loc, e.Cause)
	case loc != "":
		return fmt.Sprintf("%s [%s] %s: %v", e.Class, e.Code, loc, e.Cause)
	case e.Element != "":
		return fmt.Sprintf("%s [%s] %s: %v", e.Class, e.Code, e.Element, e.Cause)
	default:
		return fmt.Sprintf("%s [%s]: %v", e.Class, e.Code, e.Cause)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error, wrapping cause with a stack-carrying error from
// pkg/errors when cause did not already carry one, matching the teacher's
// mixed fmt.Errorf/pkg-errors wrapping discipline at package boundaries.
func New(class Class, code string, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Class: class, Code: code, Cause: cause}
}

// Newf builds an Error from a formatted message.
func Newf(class Class, code string, format string, args ...any) *Error {
	return New(class, code, fmt.Errorf(format, args...))
}

// WithProvenance attaches provenance to an existing Error, returning a copy.
func (e *Error) WithProvenance(p Provenance) *Error {
	cp := *e
	cp.Provenance = p
	return &cp
}

// WithElement attaches the owning element's path to an existing Error.
func (e *Error) WithElement(name string) *Error {
	cp := *e
	cp.Element = name
	return &cp
}

// ClassOf extracts the Class of err if it (or something it wraps) is an
// *Error, defaulting to ClassInternal otherwise — the taxonomy is meant to
// be exhaustive, so an error arriving here unclassified is treated as a bug.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternal
}

// ExitCode maps an error class to the process exit-code partition the
// external interface names: 0 success, 1 generic, and a class-specific
// non-zero code otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch ClassOf(err) {
	case ClassLoad, ClassPlugin, ClassVariable, ClassCacheKey:
		return 2
	case ClassSandbox:
		return 3
	case ClassCache:
		return 4
	case ClassNetwork:
		return 5
	case ClassUser:
		return 6
	default:
		return 1
	}
}
