// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"encoding/binary"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/hivedoor/hivedoor/lib/ninep"
)

// qidDomainKey is the BLAKE3 keyed-hash domain for qid path values.
// The byte value is the ASCII domain name zero-padded to 32 bytes, so
// the key is readable in hex dumps without weakening the hash.
// Changing it changes every qid in the tree.
var qidDomainKey = [32]byte{
	'h', 'i', 'v', 'e', 'd', 'o', 'o', 'r', '.', 'n', 'a', 'm', 'e', 's', 'p', 'a',
	'c', 'e', '.', 'q', 'i', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// pathQid derives a node's qid. The path value is the first eight
// bytes of the keyed BLAKE3 hash of the canonical path, which keeps
// qids stable across node recreation and unguessable without the
// domain key.
func pathQid(kind Kind, path []string) ninep.Qid {
	hasher, err := blake3.NewKeyed(qidDomainKey[:])
	if err != nil {
		panic("namespace: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(strings.Join(path, "/")))
	digest := hasher.Sum(nil)
	return ninep.Qid{
		Type: kind.qidType(),
		Path: binary.LittleEndian.Uint64(digest[:8]),
	}
}
