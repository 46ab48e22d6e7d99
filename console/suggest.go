// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"github.com/hivedoor/hivedoor/engine"
	"github.com/hivedoor/hivedoor/lib/fuzzy"
)

// suggestVerb proposes the closest known verb for a typo.
func suggestVerb(raw string) (string, bool) {
	return fuzzy.Best(raw, verbNames)
}

// suggestWorker proposes the closest live worker id.
func suggestWorker(raw string, rows []engine.WorkerStatus) (string, bool) {
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return fuzzy.Best(raw, ids)
}
