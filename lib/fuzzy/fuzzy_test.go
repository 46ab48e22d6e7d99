// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package fuzzy

import "testing"

func TestMatchSubstring(t *testing.T) {
	result := Match("worker-heartbeat", []rune("heart"), nil)
	if result.Score <= 0 {
		t.Fatal("expected positive score for substring match")
	}
	if len(result.Positions) == 0 {
		t.Fatal("expected non-empty match positions")
	}
}

func TestMatchNonContiguous(t *testing.T) {
	// "wkr" picks w from worker, k from worker, r from the tail.
	result := Match("worker-1", []rune("wkr"), nil)
	if result.Score <= 0 {
		t.Fatal("expected positive score for non-contiguous match")
	}
}

func TestMatchMiss(t *testing.T) {
	result := Match("status", []rune("xyz"), nil)
	if result.Score != 0 {
		t.Errorf("score = %d, want 0 for a miss", result.Score)
	}
	if len(result.Positions) != 0 {
		t.Errorf("positions = %v, want empty for a miss", result.Positions)
	}
}

func TestMatchCaseInsensitive(t *testing.T) {
	if result := Match("STATUS", []rune("status"), nil); result.Score <= 0 {
		t.Fatalf("expected case-insensitive match, got score=%d", result.Score)
	}
	if result := Match("status", []rune("STATUS"), nil); result.Score <= 0 {
		t.Fatalf("expected case-insensitive match against upper pattern, got score=%d", result.Score)
	}
}

func TestMatchEmptyPattern(t *testing.T) {
	if result := Match("anything", nil, nil); result.Score != 0 {
		t.Errorf("score = %d, want 0 for empty pattern", result.Score)
	}
}

func TestMatchSharedSlab(t *testing.T) {
	slab := NewSlab()
	for _, text := range []string{"spawn", "status", "attach"} {
		if result := Match(text, []rune("sta"), slab); text == "status" && result.Score <= 0 {
			t.Errorf("status should match sta with shared slab")
		}
	}
}

func TestBestPicksClosest(t *testing.T) {
	verbs := []string{"attach", "caps", "help", "kill", "log", "mem", "ping", "quit", "spawn", "status", "tail"}
	got, ok := Best("stats", verbs)
	if !ok || got != "status" {
		t.Fatalf("Best(stats) = %q, %v; want status", got, ok)
	}
	if _, ok := Best("zzz", verbs); ok {
		t.Fatal("Best(zzz) matched, want no suggestion")
	}
}
