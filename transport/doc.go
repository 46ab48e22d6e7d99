// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport adapts blocking byte streams to pump sources: the
// TCP listener speaking the wire protocol, the network console
// listener, and the serial console. Each source owns feeder goroutines
// that do the blocking reads and hand completed frames or byte chunks
// to the pump over bounded channels; session and console state is
// touched only from Poll, on the pump goroutine.
//
// Close is not safe to call concurrently with Poll. The daemon stops
// the pump first, then closes its sources.
package transport
