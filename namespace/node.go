// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"sort"
	"strings"

	"github.com/hivedoor/hivedoor/lib/ninep"
	"github.com/hivedoor/hivedoor/lib/ring"
)

// Kind is the closed provider set. Every node is exactly one of these;
// operations dispatch by switch, never by virtual call.
type Kind uint8

const (
	// KindDir is an interior directory. Reading one yields a sorted
	// newline-separated listing of child names.
	KindDir Kind = iota

	// KindStatic is immutable read-only content.
	KindStatic

	// KindAppend is a bounded append-only byte ring. Caller offsets
	// are ignored on write and advisory on read.
	KindAppend

	// KindControl is a line-oriented command sink. Writes are consumed
	// by the engine's control plane; nothing is retained on the node.
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindStatic:
		return "static"
	case KindAppend:
		return "append"
	case KindControl:
		return "control"
	}
	return "unknown"
}

// qidType maps a provider kind to its wire qid type. Control sinks
// present as append-only: they accept writes at the tail and honor no
// offsets.
func (k Kind) qidType() ninep.QidType {
	switch k {
	case KindDir:
		return ninep.QTDir
	case KindAppend, KindControl:
		return ninep.QTAppend
	default:
		return ninep.QTFile
	}
}

// Node is one addressable entry in the tree. Nodes are created and
// removed only through Registry methods; callers hold *Node strictly
// as a read handle and must re-resolve paths across control-plane
// mutations, since a removed node keeps answering stale reads.
type Node struct {
	path     []string
	kind     Kind
	qid      ninep.Qid
	children map[string]*Node
	content  []byte
	log      *ring.Ring
}

// Qid returns the node's immutable wire identity.
func (n *Node) Qid() ninep.Qid { return n.qid }

// Kind returns the provider kind.
func (n *Node) Kind() Kind { return n.kind }

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.kind == KindDir }

// Name returns the final path component, or "/" for the root.
func (n *Node) Name() string {
	if len(n.path) == 0 {
		return "/"
	}
	return n.path[len(n.path)-1]
}

// Path returns the canonical path segments. The returned slice must
// not be mutated.
func (n *Node) Path() []string { return n.path }

// Length returns the stat length: retained bytes for append nodes,
// content size for static nodes, zero for directories and control
// sinks.
func (n *Node) Length() uint64 {
	switch n.kind {
	case KindStatic:
		return uint64(len(n.content))
	case KindAppend:
		return uint64(n.log.Retained())
	default:
		return 0
	}
}

// Ring exposes the backing ring of an append node, or nil for any
// other kind. The engine uses it to wire archive sinks and to observe
// the retained base for cursor clamping.
func (n *Node) Ring() *ring.Ring {
	return n.log
}

// listing renders the directory read payload: child names sorted,
// newline-separated, with a trailing newline when non-empty.
func (n *Node) listing() []byte {
	if len(n.children) == 0 {
		return nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return []byte(strings.Join(names, "\n") + "\n")
}

func (n *Node) child(name string) *Node {
	if n.kind != KindDir {
		return nil
	}
	return n.children[name]
}
