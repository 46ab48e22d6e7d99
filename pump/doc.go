// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package pump runs the host's single service loop. Every input the
// daemon reacts to is a Source: the serial console, the network
// console listener, the protocol transport, the timer. One goroutine
// services them in a fixed order, each under a per-tick budget, so no
// source can starve the others and all engine state is mutated from
// one place.
//
// Sources never block in Poll. Blocking IO lives in feeder goroutines
// that hand completed work to their source over bounded channels and
// wake the pump; Poll drains whatever is ready and returns.
package pump
