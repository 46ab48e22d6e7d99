// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package ninep

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a protocol error class. The code's string form
// is what travels in an Rerror frame; changing these values breaks
// wire compatibility.
type ErrorCode uint8

const (
	// CodePermission: the role's mount table or the access policy
	// denies the operation.
	CodePermission ErrorCode = iota

	// CodeNotFound: the path or fid does not resolve.
	CodeNotFound

	// CodeBusy: a bounded resource (fid slot, tag window, GPU lease)
	// is occupied.
	CodeBusy

	// CodeInvalid: structurally malformed input or an operation that
	// is illegal in the current session state.
	CodeInvalid

	// CodeTooBig: a frame exceeded the negotiated size cap.
	CodeTooBig

	// CodeClosed: the session or fid was terminated and accepts no
	// further operations.
	CodeClosed

	// CodeRateLimited: the console attach limiter is in cooldown.
	CodeRateLimited
)

// String returns the wire representation of the code.
func (c ErrorCode) String() string {
	switch c {
	case CodePermission:
		return "Permission"
	case CodeNotFound:
		return "NotFound"
	case CodeBusy:
		return "Busy"
	case CodeInvalid:
		return "Invalid"
	case CodeTooBig:
		return "TooBig"
	case CodeClosed:
		return "Closed"
	case CodeRateLimited:
		return "RateLimited"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseErrorCode parses the wire representation of an error code.
func ParseErrorCode(name string) (ErrorCode, error) {
	switch name {
	case "Permission":
		return CodePermission, nil
	case "NotFound":
		return CodeNotFound, nil
	case "Busy":
		return CodeBusy, nil
	case "Invalid":
		return CodeInvalid, nil
	case "TooBig":
		return CodeTooBig, nil
	case "Closed":
		return CodeClosed, nil
	case "RateLimited":
		return CodeRateLimited, nil
	default:
		return 0, fmt.Errorf("ninep: unknown error code %q", name)
	}
}

// Error is a protocol-level failure carrying a wire error code. The
// codec returns *Error for malformed frames, and the host engine uses
// the same type for every denial, so converting a failure into an
// Rerror frame happens in exactly one place.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Message
}

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the wire code from an error chain. Errors that carry
// no protocol code report as CodeInvalid, so an unexpected internal
// failure never leaks a misleading classification to the client.
func CodeOf(err error) ErrorCode {
	var protoErr *Error
	if errors.As(err, &protoErr) {
		return protoErr.Code
	}
	return CodeInvalid
}
