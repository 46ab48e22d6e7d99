// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import "fmt"

// Role identifies the capability class of an attached session. The set
// is closed: tickets carry exactly one of these labels and every
// authorization decision dispatches on it.
type Role uint8

const (
	// RoleInvalid is the zero value. Never minted, never attachable;
	// it exists so a zero Table denies everything.
	RoleInvalid Role = iota

	// RoleQueen is the orchestration role. Full read/write over the
	// tree, exclusive access to /queen/ctl and namespace mutation.
	RoleQueen

	// RoleWorkerHeartbeat is a telemetry-emitting worker scoped to its
	// own /worker/<id>/telemetry node.
	RoleWorkerHeartbeat

	// RoleWorkerGpu is a heartbeat worker that additionally drives one
	// GPU node under /gpu/<scope>/.
	RoleWorkerGpu

	// RoleObserver is a read-only diagnostic role: boot info, the
	// queen log, and every worker's telemetry. Never writable.
	RoleObserver
)

// roleLabels are the canonical wire and ticket labels. Changing one
// invalidates every minted ticket for that role, since the label is
// bound into the per-role MAC key derivation.
var roleLabels = map[Role]string{
	RoleQueen:           "queen",
	RoleWorkerHeartbeat: "worker-heartbeat",
	RoleWorkerGpu:       "worker-gpu",
	RoleObserver:        "observer",
}

// String returns the canonical role label.
func (r Role) String() string {
	if label, ok := roleLabels[r]; ok {
		return label
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole maps a canonical label back to its Role.
func ParseRole(label string) (Role, error) {
	for role, candidate := range roleLabels {
		if candidate == label {
			return role, nil
		}
	}
	return RoleInvalid, fmt.Errorf("unknown role %q", label)
}

// Roles returns every known role in declaration order. Used by the
// ticket authority to derive the full keyring.
func Roles() []Role {
	return []Role{RoleQueen, RoleWorkerHeartbeat, RoleWorkerGpu, RoleObserver}
}

// IsWorker reports whether the role is one of the worker classes.
// Worker tickets must carry a non-empty subject (the worker id).
func (r Role) IsWorker() bool {
	return r == RoleWorkerHeartbeat || r == RoleWorkerGpu
}

// Known reports whether the value is a member of the closed role set.
func (r Role) Known() bool {
	_, ok := roleLabels[r]
	return ok
}

// MarshalText implements encoding.TextMarshaler so roles serialize as
// their labels in CBOR, JSON, and YAML rather than as bare integers.
func (r Role) MarshalText() ([]byte, error) {
	label, ok := roleLabels[r]
	if !ok {
		return nil, fmt.Errorf("cannot marshal unknown role %d", uint8(r))
	}
	return []byte(label), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}
