package errors

import (
	stderrors "errors"
	"fmt"
	pkgerrors "github.com/pkg/errors"
	"runtime"
	"strings"
)

// New returns an error with the supplied message and the caller stack.
func New(message string) error {
	return pkgerrors.New(message)
}

// NewWithReport returns an error like New and reports it.
func NewWithReport(message string) error {
	err := pkgerrors.New(message)
	report(err)
	return err
}

// Errorf formats according to a format specifier and records the stack.
func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

// ErrorfAndReport returns an error like Errorf and reports it.
func ErrorfAndReport(format string, args ...interface{}) error {
	err := pkgerrors.Errorf(format, args...)
	report(err)
	return err
}

// Wrap annotates err with message and a stack. Wrap(nil, ...) returns nil.
func Wrap(err error, message string) error {
	return pkgerrors.Wrap(err, message)
}

// WrapAndReport returns an error like Wrap and reports it.
func WrapAndReport(err error, message string) error {
	if err == nil {
		return nil
	}
	err = pkgerrors.Wrap(err, message)
	report(err)
	return err
}

func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

func WrapfAndReport(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	err = pkgerrors.Wrapf(err, format, args...)
	report(err)
	return err
}

func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

func WithStackAndReport(err error) error {
	if err == nil {
		return nil
	}
	err = pkgerrors.WithStack(err)
	report(err)
	return err
}

func WithMessage(err error, message string) error {
	return pkgerrors.WithMessage(err, message)
}

func WithMessageAndReport(err error, message string) error {
	if err == nil {
		return nil
	}
	err = pkgerrors.WithMessage(err, message)
	report(err)
	return err
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Cause returns the underlying cause of the error, if possible.
func Cause(err error) error {
	return pkgerrors.Cause(err)
}

type stack []uintptr

const maxStackDepth = 32

func callers() *stack {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(3, pcs)
	st := stack(pcs[:n])
	return &st
}

// fullStack renders "function file:line" frames, skipping runtime internals.
// Index 2 is the frame that created the reported error and is used as the
// rate limiting key.
func (s *stack) fullStack() []string {
	frames := runtime.CallersFrames(*s)
	var lines []string
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			lines = append(lines, fmt.Sprintf("%s %s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}
	for len(lines) < 3 {
		lines = append(lines, "")
	}
	return lines
}
