// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"

	"github.com/hivedoor/hivedoor/lib/ninep"
)

func TestFidLifecycle(t *testing.T) {
	table := newFidTable()

	if err := table.bind(1, &fidState{}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := table.lookup(1); err != nil {
		t.Fatalf("lookup live: %v", err)
	}
	if err := table.clunk(1); err != nil {
		t.Fatalf("clunk: %v", err)
	}

	_, err := table.lookup(1)
	wantCode(t, err, ninep.CodeClosed)
	wantCode(t, table.clunk(1), ninep.CodeClosed)
	wantCode(t, table.bind(1, &fidState{}), ninep.CodeClosed)
}

func TestFidUnknown(t *testing.T) {
	table := newFidTable()
	_, err := table.lookup(9)
	wantCode(t, err, ninep.CodeNotFound)
	wantCode(t, table.clunk(9), ninep.CodeNotFound)
}

func TestFidRebindLiveRejected(t *testing.T) {
	table := newFidTable()
	if err := table.bind(7, &fidState{}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	wantCode(t, table.bind(7, &fidState{}), ninep.CodeBusy)
}

func TestFidLiveCap(t *testing.T) {
	table := newFidTable()
	for fid := uint32(0); fid < maxLiveFids; fid++ {
		if err := table.bind(fid, &fidState{}); err != nil {
			t.Fatalf("bind %d: %v", fid, err)
		}
	}
	wantCode(t, table.bind(maxLiveFids, &fidState{}), ninep.CodeBusy)
}

func TestFidRetiredEviction(t *testing.T) {
	table := newFidTable()
	for fid := uint32(0); fid <= maxRetiredFids; fid++ {
		if err := table.bind(fid, &fidState{}); err != nil {
			t.Fatalf("bind %d: %v", fid, err)
		}
		if err := table.clunk(fid); err != nil {
			t.Fatalf("clunk %d: %v", fid, err)
		}
	}

	// Fid 0 aged out of the retired set, so its value is bindable
	// again; fid 1 is still remembered.
	if err := table.bind(0, &fidState{}); err != nil {
		t.Fatalf("bind evicted fid: %v", err)
	}
	wantCode(t, table.bind(1, &fidState{}), ninep.CodeClosed)
}

func TestFidClunkAll(t *testing.T) {
	table := newFidTable()
	for fid := uint32(1); fid <= 3; fid++ {
		if err := table.bind(fid, &fidState{}); err != nil {
			t.Fatalf("bind %d: %v", fid, err)
		}
	}
	table.clunkAll()
	for fid := uint32(1); fid <= 3; fid++ {
		_, err := table.lookup(fid)
		wantCode(t, err, ninep.CodeClosed)
	}
}
