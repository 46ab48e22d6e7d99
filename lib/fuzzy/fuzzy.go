// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuzzy wraps fzf's FuzzyMatchV2 for the small matching jobs
// hivedoor has: suggesting a console verb for a typo and narrowing
// worker ids in the watch view. Matching is case-insensitive; a zero
// score means no match.
package fuzzy

import (
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

func init() {
	algo.Init("default")
}

// Result carries the match score and the matched rune positions within
// the text. Zero value means the pattern did not match.
type Result struct {
	Score     int
	Positions []int
}

// NewSlab allocates scratch space FuzzyMatchV2 reuses across calls.
// Callers matching in a loop should allocate one slab and pass it to
// every Match; nil is accepted and allocates per call inside fzf.
func NewSlab() *util.Slab {
	return util.MakeSlab(100*1024, 2048)
}

// Match scores pattern against text. Both sides are lowercased first,
// so matching never depends on the caller's casing.
func Match(text string, pattern []rune, slab *util.Slab) Result {
	if len(pattern) == 0 {
		return Result{}
	}
	lowered := strings.ToLower(text)
	loweredPattern := []rune(strings.ToLower(string(pattern)))
	chars := util.ToChars([]byte(lowered))
	match, positions := algo.FuzzyMatchV2(false, true, true, &chars, loweredPattern, true, slab)
	if match.Score <= 0 {
		return Result{}
	}
	result := Result{Score: match.Score}
	if positions != nil {
		result.Positions = *positions
	}
	return result
}

// Best returns the candidate scoring highest against the query, or
// false when no candidate matches at all.
func Best(query string, candidates []string) (string, bool) {
	slab := NewSlab()
	pattern := []rune(query)
	best := ""
	bestScore := 0
	for _, candidate := range candidates {
		if r := Match(candidate, pattern, slab); r.Score > bestScore {
			best, bestScore = candidate, r.Score
		}
	}
	return best, bestScore > 0
}
