// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package console implements the operator line protocol spoken on the
// serial port and the network console: newline-delimited verbs, one
// acknowledgement line per command emitted before any side effect,
// and END markers closing streamed replies.
//
// A Console holds the per-connection state: the line assembler, the
// ATTACH rate limiter, and the role the operator authenticated as.
// It performs no IO; the event pump feeds it raw bytes and drains
// reply lines under its fairness budget.
package console
