// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hivedoor/hivedoor/client"
	"github.com/hivedoor/hivedoor/lib/clock"
	"github.com/hivedoor/hivedoor/lib/ninep"
)

// Snapshot is one dashboard refresh: everything the view needs,
// gathered in a single pass so the panes stay mutually consistent.
type Snapshot struct {
	Workers []WorkerRow
	Gpus    []GpuRow
	Log     []string
	Taken   time.Time
}

// WorkerRow is one line of the worker pane.
type WorkerRow struct {
	ID string
	// Telemetry is the latest complete line of the worker's telemetry
	// stream, empty while the worker has not reported yet.
	Telemetry string
}

// GpuRow is one line of the GPU pane.
type GpuRow struct {
	ID     string
	Info   string
	Status string
}

// Source supplies dashboard refreshes. The wire-backed implementation
// is ClientSource; tests substitute a canned one.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// logTailBytes bounds how much of the queen log one refresh pulls.
// The ring retains more; the dashboard only shows the recent tail.
const logTailBytes = 4096

// lineProbeBytes bounds the read that recovers the latest line of a
// telemetry or status stream.
const lineProbeBytes = 512

// ClientSource assembles snapshots from namespace reads on an
// attached client session.
type ClientSource struct {
	client *client.Client
	clock  clock.Clock
}

// ClientSourceOptions configures a ClientSource.
type ClientSourceOptions struct {
	// Clock stamps snapshots. Defaults to the wall clock.
	Clock clock.Clock
}

// NewClientSource wraps an attached client. The client must already
// be attached; Snapshot fails otherwise.
func NewClientSource(c *client.Client, opts ClientSourceOptions) *ClientSource {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &ClientSource{client: c, clock: clk}
}

// Snapshot gathers one refresh. Panes the session's role cannot
// traverse come back empty; transport and protocol failures beyond
// permission and absence abort the refresh.
func (s *ClientSource) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Taken: s.clock.Now()}

	workers, err := s.client.List(ctx, "/worker")
	if err != nil && !deniedOrMissing(err) {
		return Snapshot{}, fmt.Errorf("list workers: %w", err)
	}
	for _, id := range workers {
		snap.Workers = append(snap.Workers, WorkerRow{
			ID:        id,
			Telemetry: s.lastLine(ctx, "/worker/"+id+"/telemetry"),
		})
	}

	gpus, err := s.client.List(ctx, "/gpu")
	if err != nil && !deniedOrMissing(err) {
		return Snapshot{}, fmt.Errorf("list gpus: %w", err)
	}
	for _, id := range gpus {
		row := GpuRow{ID: id}
		if info, err := s.client.ReadFile(ctx, "/gpu/"+id+"/info"); err == nil {
			row.Info = strings.TrimSpace(string(info))
		}
		row.Status = s.lastLine(ctx, "/gpu/"+id+"/status")
		snap.Gpus = append(snap.Gpus, row)
	}

	log, err := s.tailLines(ctx, "/log/queen.log", logTailBytes)
	if err != nil && !deniedOrMissing(err) {
		return Snapshot{}, fmt.Errorf("tail queen log: %w", err)
	}
	snap.Log = log

	return snap, nil
}

// lastLine returns the newest complete line of an append stream, or
// empty when the stream is unreadable or has no complete line yet.
func (s *ClientSource) lastLine(ctx context.Context, path string) string {
	lines, err := s.tailLines(ctx, path, lineProbeBytes)
	if err != nil || len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// tailLines reads the last maxBytes of an append stream and splits it
// into lines. Whenever the read does not start at the stream origin,
// whether byte-capped or because the ring evicted its head, the first
// split line may be a fragment and is dropped. A trailing
// unterminated line is returned as written so far.
func (s *ClientSource) tailLines(ctx context.Context, path string, maxBytes int) ([]string, error) {
	stat, err := s.client.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	end := stat.Base + stat.Length
	start := stat.Base
	if stat.Length > uint64(maxBytes) {
		start = end - uint64(maxBytes)
	}
	if start >= end {
		return nil, nil
	}

	file, err := s.client.Open(ctx, path, ninep.OpenRead)
	if err != nil {
		return nil, err
	}
	defer file.Close(ctx)

	buf := make([]byte, 0, end-start)
	cursor := start
	for cursor < end {
		count := end - cursor
		if count > uint64(file.IOUnit()) {
			count = uint64(file.IOUnit())
		}
		chunk, err := file.ReadAt(ctx, cursor, uint32(count))
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		buf = append(buf, chunk...)
		cursor += uint64(len(chunk))
	}

	text := string(buf)
	if start > 0 {
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		} else {
			text = ""
		}
	}
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// deniedOrMissing reports whether err is a protocol-level permission
// or absence reply. Those mean the pane is outside the session's
// view, not that the refresh failed.
func deniedOrMissing(err error) bool {
	var protoErr *ninep.Error
	if !errors.As(err, &protoErr) {
		return false
	}
	return protoErr.Code == ninep.CodePermission || protoErr.Code == ninep.CodeNotFound
}
