// Package diag implements the diagnostic-object error model of spec.md §7:
// every component holds a Diagnostic, errors short-circuit downstream work,
// and warnings accumulate without aborting the build.
package diag

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure the way spec.md §7 enumerates them.
type Kind string

const (
	InputRejected         Kind = "InputRejected"
	UnsatisfiedDependency Kind = "UnsatisfiedDependency"
	Overflow              Kind = "Overflow"
	FixupOutOfRange       Kind = "FixupOutOfRange"
	LayoutExhausted       Kind = "LayoutExhausted"
	BufferOverflow        Kind = "BufferOverflow"
	FormatUnsupported     Kind = "FormatUnsupported"
)

// Error is a classified, optionally per-dylib failure.
type Error struct {
	Kind    Kind
	Dylib   string // install name or path, empty if not dylib-scoped
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Dylib != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Dylib, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no underlying cause; Wrap attaches one.
func New(kind Kind, dylib, format string, args ...any) *Error {
	return &Error{Kind: kind, Dylib: dylib, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind/dylib to an existing error, preserving its cause
// chain via github.com/pkg/errors so the top-level diagnostic can report
// both the classification and the original failure site.
func Wrap(cause error, kind Kind, dylib, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Dylib:   dylib,
		Message: fmt.Sprintf(format, args...),
		Cause:   errors.Wrap(cause, fmt.Sprintf(format, args...)),
	}
}

// Warning is a non-fatal demotion or rejection reason surfaced alongside a
// successful build.
type Warning struct {
	Dylib   string
	Message string
}

func (w Warning) String() string {
	if w.Dylib != "" {
		return fmt.Sprintf("%s: %s", w.Dylib, w.Message)
	}
	return w.Message
}

// Diagnostic accumulates warnings and records the first fatal error. Once
// Err is set, every component downstream of the one that set it must
// short-circuit (spec.md §7 "Propagation").
type Diagnostic struct {
	Warnings []Warning
	err      error
}

// Warn records a non-fatal condition.
func (d *Diagnostic) Warn(dylib, format string, args ...any) {
	d.Warnings = append(d.Warnings, Warning{Dylib: dylib, Message: fmt.Sprintf(format, args...)})
}

// Warnf is an alias of Warn kept for call sites with no dylib scope.
func (d *Diagnostic) Warnf(format string, args ...any) {
	d.Warn("", format, args...)
}

// Fail records the first fatal error. Subsequent calls are no-ops so the
// earliest failure in the pipeline is always the one reported, matching
// spec.md §7's "poisons the builder" cancellation model.
func (d *Diagnostic) Fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// Failed reports whether a fatal error has already been recorded.
func (d *Diagnostic) Failed() bool { return d.err != nil }

// Err returns the first fatal error, if any.
func (d *Diagnostic) Err() error { return d.err }
