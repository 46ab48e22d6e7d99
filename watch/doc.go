// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package watch renders a live terminal dashboard over a hivedoor
// host: worker telemetry, GPU leases, and the queen log tail, all
// assembled from namespace reads on an attached wire session.
//
// The dashboard sees exactly what its ticket's role can see. A queen
// session gets the full picture; an observer session gets the log and
// whatever telemetry its table exposes, with the denied panes left
// empty rather than erroring out.
//
// The bubbletea Model polls a Source on a fixed interval and keeps
// the last good snapshot on screen when a refresh fails, with the
// failure shown in the status line.
package watch
