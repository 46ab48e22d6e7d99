// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package ninep implements the bounded 9P-style wire protocol spoken
// between the hive host and its clients.
//
// The protocol is a deliberately small subset of 9P2000.L: version,
// attach, walk, open, read, write, clunk, stat. Remove is recognized
// by the codec but the host denies it unconditionally. Frames are
// length-prefixed little-endian structures with a hard 8 KiB ceiling;
// the decoder rejects oversize frames before allocating a body buffer
// and returns a typed error for every malformed input. Decoding
// arbitrary bytes never panics.
//
// Message structs (Tversion, Rattach, ...) mirror the wire layout
// field for field. Encode and Decode translate between structs and
// frames; ReadFrame pulls one complete frame off a byte stream with
// the size guard applied first. Protocol failures are *Error values
// carrying one of the seven wire error codes, which is also the type
// the host engine uses internally so that a failure converts to an
// Rerror in exactly one place.
package ninep
