// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"time"

	"github.com/hivedoor/hivedoor/lib/codec"
)

// auditCapacity bounds the in-memory audit tail. The full stream also
// lands in the /log/audit ring, which does its own byte-bounded
// eviction.
const auditCapacity = 1024

// Audit record kinds.
const (
	AuditDeny   = "deny"
	AuditRevoke = "revoke"
)

// AuditRecord is one security-relevant event: a denied operation or a
// session revocation. Records are CBOR-encoded with integer keys, one
// record per ring append, so a reader can decode the /log/audit stream
// record by record.
type AuditRecord struct {
	// Seq increases by one per record for the life of the process.
	Seq uint64 `cbor:"1,keyasint" json:"seq"`

	// TimeMs is the record time as a Unix timestamp in milliseconds.
	TimeMs int64 `cbor:"2,keyasint" json:"time_ms"`

	// Kind is AuditDeny or AuditRevoke.
	Kind string `cbor:"3,keyasint" json:"kind"`

	// Session is the engine's id for the session involved.
	Session uint64 `cbor:"4,keyasint" json:"session"`

	// Role is the session role's label, empty before attach.
	Role string `cbor:"5,keyasint,omitempty" json:"role,omitempty"`

	// Subject is the session subject, empty before attach.
	Subject string `cbor:"6,keyasint,omitempty" json:"subject,omitempty"`

	// Op names the operation that tripped the record ("open",
	// "attach", "write").
	Op string `cbor:"7,keyasint,omitempty" json:"op,omitempty"`

	// Path is the view path involved, when one exists.
	Path string `cbor:"8,keyasint,omitempty" json:"path,omitempty"`

	// Detail is the advisory error or revocation reason.
	Detail string `cbor:"9,keyasint,omitempty" json:"detail,omitempty"`

	// Tag is the wire tag of the request that tripped the record,
	// zero for records emitted outside a request (timer sweeps,
	// console kills). Ordering authority is Seq; under pipelining
	// the tag only correlates a record back to its request.
	Tag uint16 `cbor:"10,keyasint,omitempty" json:"tag,omitempty"`
}

// auditLog keeps the bounded in-memory tail and fans each record out
// to the structured logger and the /log/audit ring.
type auditLog struct {
	logger  *slog.Logger
	sink    func([]byte)
	records []AuditRecord
	seq     uint64
}

func newAuditLog(logger *slog.Logger, sink func([]byte)) *auditLog {
	return &auditLog{logger: logger, sink: sink}
}

// emit stamps, stores, and fans out one record.
func (l *auditLog) emit(now time.Time, rec AuditRecord) {
	l.seq++
	rec.Seq = l.seq
	rec.TimeMs = now.UnixMilli()

	if len(l.records) >= auditCapacity {
		l.records = l.records[1:]
	}
	l.records = append(l.records, rec)

	l.logger.Warn("audit",
		"kind", rec.Kind,
		"seq", rec.Seq,
		"session", rec.Session,
		"tag", rec.Tag,
		"role", rec.Role,
		"subject", rec.Subject,
		"op", rec.Op,
		"path", rec.Path,
		"detail", rec.Detail,
	)

	if l.sink != nil {
		encoded, err := codec.Marshal(rec)
		if err != nil {
			l.logger.Error("audit encode failed", "error", err)
			return
		}
		l.sink(encoded)
	}
}

// tail returns up to n most recent records, oldest first.
func (l *auditLog) tail(n int) []AuditRecord {
	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}
	out := make([]AuditRecord, n)
	copy(out, l.records[len(l.records)-n:])
	return out
}
