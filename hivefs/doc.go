// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package hivefs mounts an attached hivedoor session as a read-only
// FUSE filesystem.
//
// Every lookup, listing, and read flows through the wire client, so
// the mount shows exactly what the attached ticket's role is granted:
// entries the role cannot reach are omitted from listings and answer
// EACCES on direct lookup.
//
// Append nodes are ring-backed on the host and appear as sliding-window
// files. The reported size is the retained byte count, and a read at
// file offset k returns the bytes at stream offset base+k, where base
// is the oldest retained offset at read time. Sequential consumers
// (cat, tail) see the current window; bytes evicted between reads
// shift the window instead of erroring. Window files are served with
// direct IO so the kernel page cache never pins a stale window.
//
// The write path is not implemented. The namespace is host
// authoritative and mutation flows through the wire protocol or the
// operator console; every open for writing answers EROFS.
package hivefs
