// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/hivedoor/hivedoor/lib/ninep"
	"github.com/hivedoor/hivedoor/namespace"
	"github.com/hivedoor/hivedoor/policy"
)

// sessionState walks the attach handshake in order. There is no way
// back: version and attach each happen at most once, and a closed
// session never reopens.
type sessionState uint8

const (
	stateNew sessionState = iota
	stateVersioned
	stateAttached
	stateClosed
)

// maxInflightTags bounds how many request tags a session may have
// outstanding at once.
const maxInflightTags = 16

// tagWindow tracks tags between begin and end. Dispatch is serial
// today, so the window's real work is rejecting duplicate tags and
// holding the advertised pipelining bound for future transports.
type tagWindow struct {
	inflight map[uint16]struct{}
}

func newTagWindow() *tagWindow {
	return &tagWindow{inflight: make(map[uint16]struct{})}
}

func (w *tagWindow) begin(tag uint16) error {
	if _, ok := w.inflight[tag]; ok {
		return ninep.Errorf(ninep.CodeBusy, "tag %d already in flight", tag)
	}
	if len(w.inflight) >= maxInflightTags {
		return ninep.Errorf(ninep.CodeBusy, "tag window full")
	}
	w.inflight[tag] = struct{}{}
	return nil
}

func (w *tagWindow) end(tag uint16) {
	delete(w.inflight, tag)
}

// session is the per-connection state the engine keeps between frames.
// Everything in it derives from the handshake: the policy table and
// budget from the verified ticket, the mount table initially empty and
// grown only by queen bind events.
type session struct {
	id    uint64
	state sessionState
	msize uint32

	table  policy.Table
	mounts *namespace.MountTable
	fids   *fidTable
	tags   *tagWindow
	budget *budgetState

	// curTag is the tag of the request being dispatched, valid only
	// while HandleFrame holds the engine lock. Audit records emitted
	// outside a request see zero.
	curTag uint16
}

func newSession(id uint64) *session {
	return &session{
		id:     id,
		state:  stateNew,
		fids:   newFidTable(),
		tags:   newTagWindow(),
		mounts: &namespace.MountTable{},
	}
}

// iounit is the largest read or write payload the host guarantees to
// satisfy in one request under the negotiated msize.
func (s *session) iounit() uint32 {
	return s.msize - ninep.ReadHeaderSize
}

// close retires every fid and drops the session into its terminal
// state. Idempotent.
func (s *session) close() {
	s.fids.clunkAll()
	s.state = stateClosed
}
