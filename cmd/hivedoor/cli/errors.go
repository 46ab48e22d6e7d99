// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError signals a non-zero exit code without printing an extra
// error message. When a command handler returns an ExitError, main
// exits with the specified code without printing the error string;
// the command is expected to have already written its own output.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code. main checks for this interface on
// returned errors to distinguish "handled non-zero exit" from
// "unexpected error to display".
func (e *ExitError) ExitCode() int {
	return e.Code
}

// CommandError is an error with an optional recovery hint, printed on
// its own line under the message.
type CommandError struct {
	Err  error
	Hint string
}

func (e *CommandError) Error() string {
	if e.Hint == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + "\n  hint: " + e.Hint
}

// Unwrap returns the underlying error, so errors.Is and errors.As
// walk the full chain through the CommandError wrapper.
func (e *CommandError) Unwrap() error { return e.Err }

// WithHint attaches a recovery hint to the error.
func (e *CommandError) WithHint(format string, args ...any) *CommandError {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

// Validation creates an error for invalid input: missing arguments,
// unparseable values, bad flag combinations.
func Validation(format string, args ...any) *CommandError {
	return &CommandError{Err: fmt.Errorf(format, args...)}
}

// NotFound creates an error for a referenced resource that does not
// exist: unknown worker id, missing file, unresolved path.
func NotFound(format string, args ...any) *CommandError {
	return &CommandError{Err: fmt.Errorf(format, args...)}
}

// Unavailable creates an error for a host that cannot be reached or
// refused the conversation.
func Unavailable(format string, args ...any) *CommandError {
	return &CommandError{Err: fmt.Errorf(format, args...)}
}
