// Package diag classifies backend failures. Configuration errors abort
// the whole compilation, function errors skip one function and let the
// rest proceed, and limit errors report a program that exceeds a
// structural bound of the target encoding.
package diag

import (
	"errors"
	"fmt"
)

// Kind sorts an error by how the driver should react to it.
type Kind int

const (
	// KindConfig: the target or tables are unusable; nothing can be
	// compiled.
	KindConfig Kind = iota
	// KindFunction: one function cannot be lowered; others are
	// unaffected.
	KindFunction
	// KindLimit: a structural bound was exceeded (frame size, operand
	// reach). Reported like a function error but kept distinct so
	// callers can tell "bad input" from "input too big".
	KindLimit
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindFunction:
		return "function"
	case KindLimit:
		return "limit"
	}
	return "?"
}

// Error is a classified backend failure.
type Error struct {
	Kind     Kind
	Function string
	Err      error
}

func (e *Error) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("%s: %v", e.Function, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Config wraps err as a fatal configuration error.
func Config(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindConfig, Err: err}
}

// Function wraps err as a per-function failure.
func Function(name string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		// Preserve the original classification, attach the function.
		if de.Function == "" {
			de.Function = name
		}
		return err
	}
	return &Error{Kind: KindFunction, Function: name, Err: err}
}

// Limitf reports a structural bound violation in function name.
func Limitf(name, format string, args ...any) error {
	return &Error{Kind: KindLimit, Function: name, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err; errors that did not come from the backend count
// as function errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindFunction
}

// IsFatal reports whether err must abort the whole compilation.
func IsFatal(err error) bool { return KindOf(err) == KindConfig }
