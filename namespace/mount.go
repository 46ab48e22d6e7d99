// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"sort"

	"github.com/hivedoor/hivedoor/lib/ninep"
)

// MountTable rewrites session view paths to canonical registry paths.
// Each session owns one; queen bind and mount commands populate it.
// The zero value is a valid empty table that resolves every path to
// itself.
type MountTable struct {
	entries []mountEntry
}

type mountEntry struct {
	mount  []string
	target []string
}

// Bind maps the view subtree at mount to the canonical subtree at
// target. Binding the root is rejected; binding an existing mount
// point replaces it.
func (t *MountTable) Bind(target, mount []string) error {
	if len(mount) == 0 {
		return ninep.Errorf(ninep.CodeInvalid, "cannot bind over the root")
	}
	entry := mountEntry{
		mount:  append([]string(nil), mount...),
		target: append([]string(nil), target...),
	}
	for index, existing := range t.entries {
		if pathsEqual(existing.mount, mount) {
			t.entries[index] = entry
			return nil
		}
	}
	t.entries = append(t.entries, entry)
	// Longest mount first, so nested mounts shadow their parents.
	sort.SliceStable(t.entries, func(i, j int) bool {
		return len(t.entries[i].mount) > len(t.entries[j].mount)
	})
	return nil
}

// Resolve rewrites a view path through the first matching mount. A
// path under no mount resolves to itself.
func (t *MountTable) Resolve(viewPath []string) []string {
	for _, entry := range t.entries {
		if !hasPathPrefix(viewPath, entry.mount) {
			continue
		}
		resolved := append([]string(nil), entry.target...)
		return append(resolved, viewPath[len(entry.mount):]...)
	}
	return viewPath
}

// Len reports the number of active mounts.
func (t *MountTable) Len() int {
	return len(t.entries)
}

func pathsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hasPathPrefix(path, prefix []string) bool {
	if len(path) < len(prefix) {
		return false
	}
	return pathsEqual(path[:len(prefix)], prefix)
}
