// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"strings"
	"time"

	"github.com/hivedoor/hivedoor/lib/ninep"
	"github.com/hivedoor/hivedoor/lib/ticket"
	"github.com/hivedoor/hivedoor/namespace"
	"github.com/hivedoor/hivedoor/policy"
)

// dispatch runs the fixed check order for one message: session state,
// budget, op consumption, handler. Version and attach bypass the
// budget; clunk bypasses op consumption.
func (e *Engine) dispatch(s *session, now time.Time, msg ninep.Message) ninep.Message {
	if s.state == stateClosed {
		return errorReply(ninep.Errorf(ninep.CodeClosed, "session closed"))
	}
	switch m := msg.(type) {
	case *ninep.Tversion:
		return e.handleVersion(s, m)
	case *ninep.Tattach:
		return e.handleAttach(s, now, m)
	}
	if s.state != stateAttached {
		return errorReply(ninep.Errorf(ninep.CodeInvalid, "session not attached"))
	}
	if err := s.budget.check(now); err != nil {
		e.failBudgetLocked(s, now, opName(msg))
		return errorReply(err)
	}
	if _, isClunk := msg.(*ninep.Tclunk); !isClunk {
		if err := s.budget.consumeOp(); err != nil {
			e.failBudgetLocked(s, now, opName(msg))
			return errorReply(err)
		}
	}
	switch m := msg.(type) {
	case *ninep.Twalk:
		return e.handleWalk(s, now, m)
	case *ninep.Topen:
		return e.handleOpen(s, now, m)
	case *ninep.Tread:
		return e.handleRead(s, now, m)
	case *ninep.Twrite:
		return e.handleWrite(s, now, m)
	case *ninep.Tclunk:
		return e.handleClunk(s, m)
	case *ninep.Tremove:
		return e.handleRemove(s, now, m)
	case *ninep.Tstat:
		return e.handleStat(s, now, m)
	}
	return errorReply(ninep.Errorf(ninep.CodeInvalid, "unexpected message type"))
}

func (e *Engine) handleVersion(s *session, m *ninep.Tversion) ninep.Message {
	if s.state == stateAttached {
		return errorReply(ninep.Errorf(ninep.CodeInvalid, "session already attached"))
	}
	if m.Version != ninep.Version {
		return errorReply(ninep.Errorf(ninep.CodeInvalid, "unsupported protocol version %q", m.Version))
	}
	if m.Msize < minMsize {
		return errorReply(ninep.Errorf(ninep.CodeInvalid, "msize %d below minimum %d", m.Msize, minMsize))
	}
	s.msize = min(m.Msize, ninep.MaxMessageSize)
	s.state = stateVersioned
	return &ninep.Rversion{Msize: s.msize, Version: ninep.Version}
}

func (e *Engine) handleAttach(s *session, now time.Time, m *ninep.Tattach) ninep.Message {
	if s.state == stateAttached {
		return errorReply(ninep.Errorf(ninep.CodeInvalid, "session already attached"))
	}
	if s.state != stateVersioned {
		return errorReply(ninep.Errorf(ninep.CodeInvalid, "version negotiation required"))
	}
	if m.Aname != "" && m.Aname != "/" {
		return e.denyAttach(s, now, ninep.Errorf(ninep.CodeInvalid, "attach point must be the root"))
	}
	token, err := ticket.ParseToken(m.Uname)
	if err != nil {
		return e.denyAttach(s, now, ninep.Errorf(ninep.CodeInvalid, "ticket rejected: %v", err))
	}
	claims, err := e.authority.VerifyAt(token, now)
	if err != nil {
		return e.denyAttach(s, now, ninep.Errorf(ninep.CodeInvalid, "ticket rejected: %v", err))
	}

	table := policy.NewTable(claims.Role, claims.Subject, claims.MountScope)
	budget := claims.Budget.Merge(ticket.DefaultBudget(claims.Role))
	switch claims.Role {
	case policy.RoleWorkerHeartbeat, policy.RoleWorkerGpu:
		rec, ok := e.control.lookupWorker(claims.Subject)
		if !ok {
			return e.denyAttach(s, now, ninep.Errorf(ninep.CodeNotFound, "unknown worker %s", claims.Subject))
		}
		if rec.role != claims.Role {
			return e.denyAttach(s, now, ninep.Errorf(ninep.CodeInvalid, "ticket role does not match worker record"))
		}
		if claims.Role == policy.RoleWorkerGpu && claims.MountScope != rec.gpu {
			return e.denyAttach(s, now, ninep.Errorf(ninep.CodeInvalid, "ticket gpu scope does not match lease"))
		}
		// The spawn-time record is authoritative; ticket budgets
		// cannot widen what the queen granted.
		budget = rec.budget
		table = policy.NewTable(claims.Role, claims.Subject, rec.gpu)
	case policy.RoleObserver:
		table.ExtraRead = e.overlay
	}

	if err := s.fids.bind(m.Fid, &fidState{qid: e.registry.RootQid()}); err != nil {
		return errorReply(err)
	}
	s.table = table
	s.budget = newBudgetState(budget, now)
	s.state = stateAttached
	return &ninep.Rattach{Qid: e.registry.RootQid()}
}

// denyAttach audits a failed attach. The session stays in its
// pre-attach state and may try again.
func (e *Engine) denyAttach(s *session, now time.Time, err *ninep.Error) ninep.Message {
	e.audit.emit(now, AuditRecord{
		Kind:    AuditDeny,
		Session: s.id,
		Tag:     s.curTag,
		Op:      "attach",
		Detail:  err.Message,
	})
	return &ninep.Rerror{Code: err.Code, Message: err.Message}
}

func (e *Engine) handleWalk(s *session, now time.Time, m *ninep.Twalk) ninep.Message {
	st, err := s.fids.lookup(m.Fid)
	if err != nil {
		return errorReply(err)
	}
	if len(m.Names) == 0 {
		clone := &fidState{view: st.view, canonical: st.canonical, qid: st.qid}
		if err := s.fids.bind(m.Newfid, clone); err != nil {
			return errorReply(err)
		}
		return &ninep.Rwalk{}
	}

	view := append([]string(nil), st.view...)
	canonical := st.canonical
	qids := make([]ninep.Qid, 0, len(m.Names))
	for _, name := range m.Names {
		view = append(view, name)
		canonical = s.mounts.Resolve(view)
		if !s.table.CanTraverse(canonical) {
			return e.deny(s, now, "walk", view,
				ninep.Errorf(ninep.CodePermission, "cannot traverse /%s", strings.Join(view, "/")))
		}
		node, err := e.registry.Lookup(canonical)
		if err != nil {
			return errorReply(err)
		}
		qids = append(qids, node.Qid())
	}
	next := &fidState{view: view, canonical: canonical, qid: qids[len(qids)-1]}
	if err := s.fids.bind(m.Newfid, next); err != nil {
		return errorReply(err)
	}
	return &ninep.Rwalk{Qids: qids}
}

func (e *Engine) handleOpen(s *session, now time.Time, m *ninep.Topen) ninep.Message {
	st, err := s.fids.lookup(m.Fid)
	if err != nil {
		return errorReply(err)
	}
	if m.Mode.IsTrunc() {
		return errorReply(ninep.Errorf(ninep.CodeInvalid, "truncate not supported"))
	}
	if m.Mode.AllowsWrite() {
		if st.qid.Type.IsDir() {
			return e.deny(s, now, "open", st.view,
				ninep.Errorf(ninep.CodePermission, "cannot write directories"))
		}
		if !s.table.CanWrite(st.canonical) {
			return e.deny(s, now, "open", st.view,
				ninep.Errorf(ninep.CodePermission, "write access denied to /%s", strings.Join(st.view, "/")))
		}
		if !st.qid.Type.IsAppend() {
			return e.deny(s, now, "open", st.view,
				ninep.Errorf(ninep.CodePermission, "cannot write read-only file /%s", strings.Join(st.view, "/")))
		}
	}
	if m.Mode.AllowsRead() && !s.table.CanRead(st.canonical) {
		return e.deny(s, now, "open", st.view,
			ninep.Errorf(ninep.CodePermission, "read access denied to /%s", strings.Join(st.view, "/")))
	}
	st.opened = true
	st.mode = m.Mode
	return &ninep.Ropen{Qid: st.qid, IOUnit: s.iounit()}
}

func (e *Engine) handleRead(s *session, now time.Time, m *ninep.Tread) ninep.Message {
	st, err := s.fids.lookup(m.Fid)
	if err != nil {
		return errorReply(err)
	}
	if !st.opened {
		return errorReply(ninep.Errorf(ninep.CodeInvalid, "fid %d not open", m.Fid))
	}
	if !st.mode.AllowsRead() {
		return e.deny(s, now, "read", st.view,
			ninep.Errorf(ninep.CodePermission, "fid %d not open for reading", m.Fid))
	}
	if !s.table.CanRead(st.canonical) {
		return e.deny(s, now, "read", st.view,
			ninep.Errorf(ninep.CodePermission, "read access denied to /%s", strings.Join(st.view, "/")))
	}
	count := min(m.Count, s.iounit())
	data, err := e.registry.Read(st.canonical, m.Offset, count)
	if err != nil {
		return errorReply(err)
	}
	return &ninep.Rread{Data: data}
}

func (e *Engine) handleWrite(s *session, now time.Time, m *ninep.Twrite) ninep.Message {
	st, err := s.fids.lookup(m.Fid)
	if err != nil {
		return errorReply(err)
	}
	if !st.opened {
		return errorReply(ninep.Errorf(ninep.CodeInvalid, "fid %d not open", m.Fid))
	}
	if !st.mode.AllowsWrite() {
		return e.deny(s, now, "write", st.view,
			ninep.Errorf(ninep.CodePermission, "fid %d not open for writing", m.Fid))
	}
	if !s.table.CanWrite(st.canonical) {
		return e.deny(s, now, "write", st.view,
			ninep.Errorf(ninep.CodePermission, "write access denied to /%s", strings.Join(st.view, "/")))
	}

	if policy.IsQueenCtl(st.canonical) {
		events, err := e.control.processWrite(m.Data)
		e.applyEvents(s, now, events)
		if err != nil {
			return errorReply(err)
		}
		return &ninep.Rwrite{Count: uint32(len(m.Data))}
	}
	if gpuID, ok := policy.IsGpuJob(st.canonical); ok {
		n, err := e.control.processGpuJob(gpuID, s.table.Subject, m.Data)
		if err != nil {
			return errorReply(err)
		}
		return &ninep.Rwrite{Count: uint32(n)}
	}
	if _, ok := policy.IsWorkerTelemetry(st.canonical); ok {
		if err := s.budget.consumeTick(); err != nil {
			e.failBudgetLocked(s, now, "write")
			return errorReply(err)
		}
	}
	n, err := e.registry.Append(st.canonical, m.Data)
	if err != nil {
		return errorReply(err)
	}
	return &ninep.Rwrite{Count: uint32(n)}
}

func (e *Engine) handleClunk(s *session, m *ninep.Tclunk) ninep.Message {
	if err := s.fids.clunk(m.Fid); err != nil {
		return errorReply(err)
	}
	return &ninep.Rclunk{}
}

func (e *Engine) handleRemove(s *session, now time.Time, m *ninep.Tremove) ninep.Message {
	st, err := s.fids.lookup(m.Fid)
	if err != nil {
		return errorReply(err)
	}
	return e.deny(s, now, "remove", st.view,
		ninep.Errorf(ninep.CodePermission, "remove is not permitted"))
}

func (e *Engine) handleStat(s *session, now time.Time, m *ninep.Tstat) ninep.Message {
	st, err := s.fids.lookup(m.Fid)
	if err != nil {
		return errorReply(err)
	}
	if !s.table.CanTraverse(st.canonical) {
		return e.deny(s, now, "stat", st.view,
			ninep.Errorf(ninep.CodePermission, "access denied to /%s", strings.Join(st.view, "/")))
	}
	node, err := e.registry.Lookup(st.canonical)
	if err != nil {
		return errorReply(err)
	}
	stat := &ninep.Rstat{
		Qid:    node.Qid(),
		Mode:   statMode(node),
		Length: node.Length(),
		Name:   node.Name(),
	}
	if log := node.Ring(); log != nil {
		stat.Base = log.Base()
	}
	return stat
}

// statMode packs the qid type into the top byte and the kind's
// permission bits below, the classic 9P dir-bit layout.
func statMode(node *namespace.Node) uint32 {
	var perm uint32
	switch node.Kind() {
	case namespace.KindDir:
		perm = 0o555
	case namespace.KindStatic:
		perm = 0o444
	case namespace.KindAppend:
		perm = 0o644
	case namespace.KindControl:
		perm = 0o222
	}
	return uint32(node.Qid().Type)<<24 | perm
}

// errorReply shapes any error into an Rerror. Errors without a
// protocol code report as Invalid.
func errorReply(err error) *ninep.Rerror {
	var protoErr *ninep.Error
	if errors.As(err, &protoErr) {
		return &ninep.Rerror{Code: protoErr.Code, Message: protoErr.Message}
	}
	return &ninep.Rerror{Code: ninep.CodeInvalid, Message: err.Error()}
}

func opName(m ninep.Message) string {
	switch m.(type) {
	case *ninep.Tversion:
		return "version"
	case *ninep.Tattach:
		return "attach"
	case *ninep.Twalk:
		return "walk"
	case *ninep.Topen:
		return "open"
	case *ninep.Tread:
		return "read"
	case *ninep.Twrite:
		return "write"
	case *ninep.Tclunk:
		return "clunk"
	case *ninep.Tremove:
		return "remove"
	case *ninep.Tstat:
		return "stat"
	}
	return "unknown"
}
