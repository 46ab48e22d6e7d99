// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine dispatches decoded protocol messages against the
// hive namespace under the per-session policy tables.
//
// An Engine owns the namespace registry, the control plane, and the
// audit log. Transports own framing and I/O: they hand the engine one
// decoded frame at a time via HandleFrame and write back whatever
// reply it returns. Sessions are single-threaded by construction, so
// the engine takes one lock around dispatch and nothing inside it
// blocks.
package engine
