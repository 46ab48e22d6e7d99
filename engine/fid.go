// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/hivedoor/hivedoor/lib/ninep"
)

const (
	// maxLiveFids bounds how many fids a single session may hold open.
	maxLiveFids = 256

	// maxRetiredFids bounds the clunked-fid memory. Old entries fall
	// off in retirement order once the cap is hit.
	maxRetiredFids = 4096
)

// fidState is everything a session knows about one bound fid. The view
// path is what the client walked; the canonical path is where the mount
// table sent it. Policy checks run against the view, namespace access
// against the canonical form.
type fidState struct {
	view      []string
	canonical []string
	qid       ninep.Qid
	opened    bool
	mode      ninep.OpenMode
}

// fidTable tracks the live and retired fids of one session. Reusing a
// retired fid is an error distinct from using an unknown one, so a
// client that clunks twice learns it is racing itself rather than
// chasing a phantom.
type fidTable struct {
	live         map[uint32]*fidState
	retired      map[uint32]struct{}
	retiredOrder []uint32
}

func newFidTable() *fidTable {
	return &fidTable{
		live:    make(map[uint32]*fidState),
		retired: make(map[uint32]struct{}),
	}
}

// lookup resolves a fid the client expects to be live.
func (t *fidTable) lookup(fid uint32) (*fidState, error) {
	if st, ok := t.live[fid]; ok {
		return st, nil
	}
	if _, ok := t.retired[fid]; ok {
		return nil, ninep.Errorf(ninep.CodeClosed, "fid %d already closed", fid)
	}
	return nil, ninep.Errorf(ninep.CodeNotFound, "fid %d not bound", fid)
}

// bind installs a new fid. The fid must be fresh: rebinding a live fid
// or resurrecting a retired one both fail.
func (t *fidTable) bind(fid uint32, st *fidState) error {
	if _, ok := t.live[fid]; ok {
		return ninep.Errorf(ninep.CodeBusy, "fid %d in use", fid)
	}
	if _, ok := t.retired[fid]; ok {
		return ninep.Errorf(ninep.CodeClosed, "fid %d already closed", fid)
	}
	if len(t.live) >= maxLiveFids {
		return ninep.Errorf(ninep.CodeBusy, "fid table full")
	}
	t.live[fid] = st
	return nil
}

// clunk retires a live fid.
func (t *fidTable) clunk(fid uint32) error {
	if _, ok := t.live[fid]; !ok {
		if _, retired := t.retired[fid]; retired {
			return ninep.Errorf(ninep.CodeClosed, "fid %d already closed", fid)
		}
		return ninep.Errorf(ninep.CodeNotFound, "fid %d not bound", fid)
	}
	delete(t.live, fid)
	t.retire(fid)
	return nil
}

// clunkAll retires every live fid. Used when a session is torn down.
func (t *fidTable) clunkAll() {
	for fid := range t.live {
		delete(t.live, fid)
		t.retire(fid)
	}
}

func (t *fidTable) retire(fid uint32) {
	if _, ok := t.retired[fid]; ok {
		return
	}
	if len(t.retiredOrder) >= maxRetiredFids {
		oldest := t.retiredOrder[0]
		t.retiredOrder = t.retiredOrder[1:]
		delete(t.retired, oldest)
	}
	t.retired[fid] = struct{}{}
	t.retiredOrder = append(t.retiredOrder, fid)
}
