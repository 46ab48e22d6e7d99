// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides what an attached role may see and touch. All
// decisions are pure functions over the canonical path segments and
// the session's Table; nothing here consults the namespace, the clock,
// or any budget state.
//
// The Table is computed once at attach from the verified ticket claims
// and never changes afterwards. Bind and mount operations rewrite the
// session's view of the tree but are themselves gated here, so a
// non-queen role can never widen its own table.
package policy

// Table is the access view bound to one session. The zero value
// carries RoleInvalid and denies everything.
type Table struct {
	// Role is the capability class from the verified ticket.
	Role Role

	// Subject is the worker id for worker roles ("worker-3"). Empty
	// for queen and observer sessions.
	Subject string

	// GpuScope is the GPU node id ("gpu0") a RoleWorkerGpu session is
	// leased to. Empty for every other role.
	GpuScope string

	// ExtraRead holds site-overlay prefixes granting additional
	// traverse and read access for observer sessions. It can never
	// grant writes.
	ExtraRead [][]string
}

// NewTable binds verified ticket claims into an access table.
func NewTable(role Role, subject, gpuScope string) Table {
	return Table{Role: role, Subject: subject, GpuScope: gpuScope}
}

// CanAttach reports whether a verified ticket for the role may attach
// at all. Every known role attaches; confinement happens through the
// table, not by refusing the session.
func CanAttach(role Role) bool {
	return role.Known()
}

// CanMutateNamespace reports whether the role may rewrite the tree
// with bind and mount commands.
func (t Table) CanMutateNamespace() bool {
	return t.Role == RoleQueen
}

// CanTraverse reports whether the role may walk to the given node.
// Walk checks every intermediate component with this predicate, so a
// role that cannot traverse /queen can never reach /queen/ctl no
// matter how the walk is split.
func (t Table) CanTraverse(path []string) bool {
	switch t.Role {
	case RoleQueen:
		return true
	case RoleWorkerHeartbeat:
		return workerTraverse(t.Subject, path)
	case RoleWorkerGpu:
		return workerTraverse(t.Subject, path) || gpuTraverse(t.GpuScope, path)
	case RoleObserver:
		return observerTraverse(path) || t.extraTraverse(path)
	}
	return false
}

// CanRead reports whether the role may open or stat the node for
// reading.
func (t Table) CanRead(path []string) bool {
	switch t.Role {
	case RoleQueen:
		return true
	case RoleWorkerHeartbeat:
		return workerRead(t.Subject, path)
	case RoleWorkerGpu:
		return workerRead(t.Subject, path) || gpuRead(t.GpuScope, path)
	case RoleObserver:
		return observerRead(path) || t.extraRead(path)
	}
	return false
}

// CanWrite reports whether the role may open the node for writing.
func (t Table) CanWrite(path []string) bool {
	switch t.Role {
	case RoleQueen:
		return true
	case RoleWorkerHeartbeat:
		return isWorkerTelemetry(path, t.Subject)
	case RoleWorkerGpu:
		return isWorkerTelemetry(path, t.Subject) || isGpuJob(path, t.GpuScope)
	case RoleObserver:
		return false
	}
	return false
}

// workerTraverse is the heartbeat walk predicate: the root, the three
// top-level directories a worker needs, and the worker's own telemetry
// chain. Sibling worker directories stay invisible.
func workerTraverse(subject string, path []string) bool {
	if subject == "" {
		return false
	}
	switch len(path) {
	case 0:
		return true
	case 1:
		return path[0] == "proc" || path[0] == "log" || path[0] == "worker"
	case 2:
		switch path[0] {
		case "proc":
			return path[1] == "boot"
		case "log":
			return path[1] == "queen.log"
		case "worker":
			return path[1] == subject
		}
		return false
	case 3:
		return path[0] == "worker" && path[1] == subject && path[2] == "telemetry"
	}
	return false
}

// workerRead narrows workerTraverse for reads: the bare /worker
// directory is walkable but not readable, keeping the set of live
// worker ids out of reach.
func workerRead(subject string, path []string) bool {
	if !workerTraverse(subject, path) {
		return false
	}
	return len(path) != 1 || path[0] != "worker"
}

func gpuTraverse(scope string, path []string) bool {
	if scope == "" {
		return false
	}
	switch len(path) {
	case 0:
		return true
	case 1:
		return path[0] == "gpu"
	default:
		return path[0] == "gpu" && path[1] == scope
	}
}

// gpuRead covers the four per-GPU nodes. Directories under /gpu are
// traversable only; there is nothing to read in them directly.
func gpuRead(scope string, path []string) bool {
	if scope == "" || len(path) != 3 || path[0] != "gpu" || path[1] != scope {
		return false
	}
	switch path[2] {
	case "info", "status", "ctl", "job":
		return true
	}
	return false
}

func observerTraverse(path []string) bool {
	switch len(path) {
	case 0:
		return true
	case 1:
		return path[0] == "proc" || path[0] == "log" || path[0] == "worker"
	case 2:
		switch path[0] {
		case "proc":
			return path[1] == "boot"
		case "log":
			return path[1] == "queen.log"
		case "worker":
			return true
		}
		return false
	case 3:
		return path[0] == "worker" && path[2] == "telemetry"
	}
	return false
}

func observerRead(path []string) bool {
	if !observerTraverse(path) {
		return false
	}
	return len(path) != 1 || path[0] != "worker"
}

// extraTraverse admits paths on the way down to an overlay prefix as
// well as everything under one.
func (t Table) extraTraverse(path []string) bool {
	for _, prefix := range t.ExtraRead {
		if isPathPrefix(path, prefix) || isPathPrefix(prefix, path) {
			return true
		}
	}
	return false
}

// extraRead admits only paths at or under an overlay prefix.
func (t Table) extraRead(path []string) bool {
	for _, prefix := range t.ExtraRead {
		if isPathPrefix(prefix, path) {
			return true
		}
	}
	return false
}

// isPathPrefix reports whether prefix is a (possibly equal) leading
// segment sequence of path.
func isPathPrefix(prefix, path []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if prefix[i] != path[i] {
			return false
		}
	}
	return true
}

// IsQueenCtl reports whether the path names the queen control sink.
func IsQueenCtl(path []string) bool {
	return len(path) == 2 && path[0] == "queen" && path[1] == "ctl"
}

// IsWorkerTelemetry reports whether the path names any worker's
// telemetry node, returning the worker id when it does.
func IsWorkerTelemetry(path []string) (string, bool) {
	if len(path) == 3 && path[0] == "worker" && path[2] == "telemetry" {
		return path[1], true
	}
	return "", false
}

func isWorkerTelemetry(path []string, subject string) bool {
	id, ok := IsWorkerTelemetry(path)
	return ok && subject != "" && id == subject
}

// IsGpuJob reports whether the path names any GPU's job stream,
// returning the gpu id when it does.
func IsGpuJob(path []string) (string, bool) {
	if len(path) == 3 && path[0] == "gpu" && path[2] == "job" {
		return path[1], true
	}
	return "", false
}

func isGpuJob(path []string, scope string) bool {
	id, ok := IsGpuJob(path)
	return ok && scope != "" && id == scope
}
