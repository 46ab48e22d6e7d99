// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Hivedoor's standard CBOR encoding configuration.
//
// Hivedoor uses two serialization formats with a clear boundary:
//
//   - JSON for operator-facing surfaces: the /queen/ctl command lines,
//     GPU job descriptors, CLI --json output, and the policy overlay.
//   - CBOR for machine records: ticket claims (the MAC is computed
//     over the encoded claims), audit records, and snapshot exports.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC
// 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which is what makes the appended ticket MAC stable.
//
// For buffer-oriented operations (tickets, single records):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (audit export files):
//
//	encoder := codec.NewEncoder(file)
//	decoder := codec.NewDecoder(file)
//
// Types that serialize as both JSON and CBOR carry only `json` struct
// tags; fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
// tags are absent, so one tag controls field naming and omitempty for
// both formats. CBOR-only types (ticket claims, audit records) carry
// `cbor` tags to document that they never appear on a JSON surface.
package codec
