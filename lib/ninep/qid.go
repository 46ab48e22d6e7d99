// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package ninep

import "fmt"

// QidType carries the node-kind bits of a qid. Values are wire
// constants.
type QidType uint8

const (
	// QTDir marks a directory.
	QTDir QidType = 0x80

	// QTAppend marks an append-only node. Writes ignore the caller
	// offset; reads treat the offset as a resume cursor.
	QTAppend QidType = 0x40

	// QTFile marks a plain node.
	QTFile QidType = 0x00
)

// IsDir reports whether the directory bit is set.
func (t QidType) IsDir() bool { return t&QTDir != 0 }

// IsAppend reports whether the append-only bit is set.
func (t QidType) IsAppend() bool { return t&QTAppend != 0 }

// Qid is the server's stable identity for a namespace node: 13 bytes
// on the wire (type, version, path). The path field is a keyed hash
// of the canonical path, so equal paths always present equal qids and
// distinct paths collide only with hash probability.
type Qid struct {
	Type    QidType
	Version uint32
	Path    uint64
}

func (q Qid) String() string {
	return fmt.Sprintf("qid(%#02x v%d %#016x)", uint8(q.Type), q.Version, q.Path)
}
