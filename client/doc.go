// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package client provides the operator-side counterparts of the two
// host surfaces: a wire protocol client for the synthetic namespace
// and a line client for the operator console.
//
// The wire Client keeps exactly one request in flight per connection.
// The host replies in order, so pipelining buys nothing for a CLI,
// and a lost reply is caught by the per-request deadline instead of a
// tag window. Any transport or protocol failure poisons the
// connection; callers dial again rather than resynchronize.
package client
