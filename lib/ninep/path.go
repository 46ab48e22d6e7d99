// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package ninep

import (
	"strings"
	"unicode/utf8"
)

// ValidateComponent checks a single path component against the wire
// rules: non-empty, at most MaxComponentLength bytes, valid UTF-8, no
// slash, no NUL, and no parent traversal.
func ValidateComponent(name string) error {
	switch {
	case name == "":
		return Errorf(CodeInvalid, "empty path component")
	case len(name) > MaxComponentLength:
		return Errorf(CodeInvalid, "path component exceeds %d bytes", MaxComponentLength)
	case !utf8.ValidString(name):
		return Errorf(CodeInvalid, "path component is not valid UTF-8")
	case strings.ContainsAny(name, "/\x00"):
		return Errorf(CodeInvalid, "path component contains forbidden byte")
	case name == "..":
		return Errorf(CodeInvalid, "parent traversal is not permitted")
	}
	return nil
}

// ParsePath splits a slash-separated path into validated components.
// Leading and trailing slashes are tolerated; "" and "/" both parse
// to zero components (the root). The component count is NOT bounded
// here; callers chunk long paths across multiple walks.
func ParsePath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	for _, part := range parts {
		if err := ValidateComponent(part); err != nil {
			return nil, err
		}
	}
	return parts, nil
}
