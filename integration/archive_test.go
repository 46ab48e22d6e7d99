// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package integration_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hivedoor/hivedoor/lib/archive"
	"github.com/hivedoor/hivedoor/lib/config"
)

// TestQueenLogEvictionArchive configures a small queen-log ring backed
// by an archive directory, pushes enough console LOG traffic through
// it to force several evictions, and then reassembles the full stream
// from the rotated segments plus the retained ring window. Nothing may
// go missing in the middle: segments end exactly where the ring's
// oldest retained byte begins.
func TestQueenLogEvictionArchive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := startHost(t, hostOptions{
		mutate: func(dir string, cfg *config.Config) {
			cfg.Archive.Dir = filepath.Join(dir, "archive")
			cfg.Archive.SegmentBytes = 512
			cfg.Rings.QueenLog = 1024
		},
	})

	con := h.dialQueenConsole(t)

	// Push roughly three ring capacities of log text. Each line is
	// wide enough that sixty of them overflow the 1 KiB ring several
	// times over.
	var lines []string
	for i := range 60 {
		lines = append(lines, fmt.Sprintf("archive mill line %02d carries forty padding bytes", i))
	}
	for _, line := range lines {
		reply, err := con.Command(ctx, "LOG "+line)
		if err != nil {
			t.Fatalf("LOG %q: %v", line, err)
		}
		if reply.Ack != "OK LOG" {
			t.Fatalf("LOG ack = %q", reply.Ack)
		}
	}

	// Read the retained window while the host is still serving, then
	// shut down so the sink flushes its partial segment.
	queen := h.dialQueen(t)
	retained := h.queenLog(t, queen)
	h.shutdown()

	segments, err := archive.ListSegments(h.config.Archive.Dir, "/log/queen.log")
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) < 2 {
		t.Fatalf("got %d archive segments, want at least 2 (rotation never happened)", len(segments))
	}
	if base := filepath.Base(segments[0]); base != "log-queen.log-00000000.seg" {
		t.Fatalf("first segment named %q", base)
	}

	var archived strings.Builder
	for i, segment := range segments {
		payload, err := archive.ReadSegment(segment)
		if err != nil {
			t.Fatalf("ReadSegment %s: %v", segment, err)
		}
		// Rotation emits exactly SegmentBytes per segment; only the
		// flushed tail may fall short.
		if i < len(segments)-1 && len(payload) != h.config.Archive.SegmentBytes {
			t.Fatalf("segment %s holds %d bytes, want %d", segment, len(payload), h.config.Archive.SegmentBytes)
		}
		archived.Write(payload)
	}

	var want strings.Builder
	want.WriteString(h.config.BootText)
	for _, line := range lines {
		want.WriteString(line)
		want.WriteString("\n")
	}
	if got := archived.String() + retained; got != want.String() {
		t.Fatalf("archive + ring window does not reassemble the log:\ngot  %d bytes\nwant %d bytes\ngot:\n%s",
			len(got), want.Len(), got)
	}
}
