// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package ninep

// OpenMode is the single-byte open mode: a base access in the low two
// bits plus flag bits. Bit values are wire constants.
type OpenMode uint8

const (
	// OpenRead requests read access.
	OpenRead OpenMode = 0

	// OpenWrite requests write access.
	OpenWrite OpenMode = 1

	// OpenReadWrite requests both.
	OpenReadWrite OpenMode = 2

	// OpenExec requests execute/traverse access. Treated as read by
	// every provider in the hive namespace.
	OpenExec OpenMode = 3

	// OpenTrunc requests truncation on open. Meaningful only for
	// nodes that support it; append nodes reject it.
	OpenTrunc OpenMode = 0x10

	// OpenAppend requests append-only writing.
	OpenAppend OpenMode = 0x80

	// openBaseMask selects the base access bits.
	openBaseMask OpenMode = 0x03

	// openKnownMask covers every bit the protocol assigns meaning.
	openKnownMask OpenMode = openBaseMask | OpenTrunc | OpenAppend
)

// ParseOpenMode validates a raw mode byte. Bits outside the known set
// are Invalid.
func ParseOpenMode(raw uint8) (OpenMode, error) {
	mode := OpenMode(raw)
	if mode&^openKnownMask != 0 {
		return 0, Errorf(CodeInvalid, "invalid open mode %#02x", raw)
	}
	return mode, nil
}

// Base returns the base access bits.
func (m OpenMode) Base() OpenMode { return m & openBaseMask }

// AllowsRead reports whether the mode grants read access.
func (m OpenMode) AllowsRead() bool {
	base := m.Base()
	return base == OpenRead || base == OpenReadWrite || base == OpenExec
}

// AllowsWrite reports whether the mode grants write access.
func (m OpenMode) AllowsWrite() bool {
	base := m.Base()
	return base == OpenWrite || base == OpenReadWrite || m.IsAppend()
}

// IsAppend reports whether the append flag is set.
func (m OpenMode) IsAppend() bool { return m&OpenAppend != 0 }

// IsTrunc reports whether the truncate flag is set.
func (m OpenMode) IsTrunc() bool { return m&OpenTrunc != 0 }
