// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hivedoor/hivedoor/lib/clock"
	"github.com/hivedoor/hivedoor/lib/ninep"
	"github.com/hivedoor/hivedoor/lib/ticket"
	"github.com/hivedoor/hivedoor/namespace"
	"github.com/hivedoor/hivedoor/policy"
)

// minMsize is the smallest frame size a client may negotiate.
const minMsize = 256

// defaultBootText seeds /proc/boot and the queen log when Options
// leaves it empty.
const defaultBootText = "hivedoor: host online\n"

// Options configures a new Engine. Authority is required; everything
// else has a serviceable default.
type Options struct {
	Logger    *slog.Logger
	Clock     clock.Clock
	Authority *ticket.Authority

	// BootText is published at /proc/boot and seeds the queen log.
	BootText []byte

	// Ring capacities in bytes. Non-positive values select
	// ring.DefaultCapacity.
	QueenLogBytes  int
	TelemetryBytes int
	GpuStatusBytes int

	// ObserverReadPrefixes are site-overlay paths ("/gpu") granting
	// observer sessions extra read access.
	ObserverReadPrefixes []string

	// EvictionSink, when set, is called once per append ring with the
	// ring's canonical path and returns the sink receiving evicted
	// bytes, or nil to leave that ring unarchived.
	EvictionSink func(path string) func([]byte)
}

// Engine is the protocol host: it owns the namespace, the control
// plane, the audit log, and every session. All entry points serialize
// on one mutex; handlers never block while holding it.
type Engine struct {
	mu sync.Mutex

	logger    *slog.Logger
	clk       clock.Clock
	authority *ticket.Authority
	registry  *namespace.Registry
	control   *controlPlane
	audit     *auditLog

	sessions      map[uint64]*session
	nextSessionID uint64

	overlay [][]string
}

// New builds an engine with a bootstrapped namespace.
func New(opts Options) (*Engine, error) {
	if opts.Authority == nil {
		return nil, fmt.Errorf("engine: ticket authority required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	bootText := opts.BootText
	if len(bootText) == 0 {
		bootText = []byte(defaultBootText)
	}

	overlay := make([][]string, 0, len(opts.ObserverReadPrefixes))
	for _, prefix := range opts.ObserverReadPrefixes {
		parsed, err := ninep.ParsePath(prefix)
		if err != nil {
			return nil, fmt.Errorf("engine: observer read prefix %q: %w", prefix, err)
		}
		if len(parsed) == 0 {
			return nil, fmt.Errorf("engine: observer read prefix must not be the root")
		}
		overlay = append(overlay, parsed)
	}

	registry := namespace.New()
	if err := registry.Bootstrap(bootText, opts.QueenLogBytes); err != nil {
		return nil, err
	}
	if _, err := registry.PublishAppend([]string{"log", "audit"}, opts.QueenLogBytes); err != nil {
		return nil, err
	}

	control := newControlPlane(registry, logger, opts.TelemetryBytes, opts.GpuStatusBytes)
	control.sinkFactory = opts.EvictionSink
	for _, path := range [][]string{{"log", "queen.log"}, {"log", "audit"}} {
		node, err := registry.Lookup(path)
		if err != nil {
			return nil, err
		}
		control.attachSink(node)
	}

	e := &Engine{
		logger:    logger,
		clk:       clk,
		authority: opts.Authority,
		registry:  registry,
		control:   control,
		sessions:  make(map[uint64]*session),
		overlay:   overlay,
	}
	e.audit = newAuditLog(logger, func(encoded []byte) {
		if _, err := registry.Append([]string{"log", "audit"}, encoded); err != nil {
			logger.Error("audit append failed", "error", err)
		}
	})
	return e, nil
}

// RegisterGpu publishes the node set for one GPU and makes it
// leasable. Called at startup, before any session exists.
func (e *Engine) RegisterGpu(id, info string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.control.registerGpu(id, info)
}

// RegisterService names a canonical subtree for queen mount commands.
func (e *Engine) RegisterService(name, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	path, err := ninep.ParsePath(target)
	if err != nil {
		return err
	}
	return e.registry.RegisterService(name, path)
}

// OpenSession registers a fresh session and returns its id. The
// transport calls this once per accepted connection.
func (e *Engine) OpenSession() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSessionID++
	id := e.nextSessionID
	e.sessions[id] = newSession(id)
	return id
}

// CloseSession tears down a session on transport disconnect. Worker
// records survive: a dropped connection is not a revocation, the
// worker may reattach with the same ticket.
func (e *Engine) CloseSession(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return
	}
	s.close()
	delete(e.sessions, id)
}

// HandleFrame dispatches one raw frame for the session and returns the
// encoded reply frame. Every outcome is a frame; the engine never
// answers with silence.
func (e *Engine) HandleFrame(sessionID uint64, frame []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()

	s, ok := e.sessions[sessionID]
	if !ok {
		return e.encodeReply(0, errorReply(ninep.Errorf(ninep.CodeClosed, "unknown session %d", sessionID)))
	}
	tag, msg, err := ninep.Decode(frame)
	if err != nil {
		return e.encodeReply(tag, errorReply(err))
	}
	if s.msize > 0 && uint32(len(frame)) > s.msize {
		return e.encodeReply(tag, errorReply(ninep.Errorf(ninep.CodeTooBig, "frame exceeds negotiated msize %d", s.msize)))
	}
	if err := s.tags.begin(tag); err != nil {
		return e.encodeReply(tag, errorReply(err))
	}
	s.curTag = tag
	reply := e.dispatch(s, now, msg)
	s.curTag = 0
	s.tags.end(tag)
	return e.encodeReply(tag, reply)
}

// Tick advances session lifetimes: TTL expiry for every attached
// session and one tick of heartbeat budget. The pump calls this once
// per timer interval.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	for _, s := range e.sessions {
		if s.state != stateAttached {
			continue
		}
		if err := s.budget.check(now); err != nil {
			e.failBudgetLocked(s, now, "tick")
			continue
		}
		if s.table.Role == policy.RoleWorkerHeartbeat {
			if err := s.budget.consumeTick(); err != nil {
				e.failBudgetLocked(s, now, "tick")
			}
		}
	}
}

// ApplyControl runs queen control lines issued from the operator
// console, outside any protocol session.
func (e *Engine) ApplyControl(line []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	events, err := e.control.processWrite(line)
	e.applyEvents(nil, e.clk.Now(), events)
	return err
}

// ReadNode reads a namespace node directly, bypassing session policy.
// Console and test surfaces only.
func (e *Engine) ReadNode(path string, offset uint64, count uint32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	parsed, err := ninep.ParsePath(path)
	if err != nil {
		return nil, err
	}
	return e.registry.Read(parsed, offset, count)
}

// NodeExtent reports the readable window of a node: the first retained
// offset and the end offset. Static nodes span [0, len); append rings
// report their retained window.
func (e *Engine) NodeExtent(path string) (base, end uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	parsed, err := ninep.ParsePath(path)
	if err != nil {
		return 0, 0, err
	}
	node, err := e.registry.Lookup(parsed)
	if err != nil {
		return 0, 0, err
	}
	if r := node.Ring(); r != nil {
		return r.Base(), r.Total(), nil
	}
	return 0, node.Length(), nil
}

// StatusSnapshot is the operator-facing engine summary.
type StatusSnapshot struct {
	Sessions      int
	Attached      int
	Workers       int
	Gpus          int
	Leases        int
	DefaultBudget ticket.Budget
	AuditRecords  uint64
}

// Status reports current engine occupancy.
func (e *Engine) Status() StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := StatusSnapshot{
		Sessions:      len(e.sessions),
		Workers:       len(e.control.workers),
		Gpus:          len(e.control.gpus),
		Leases:        len(e.control.leases),
		DefaultBudget: e.control.defaultBudget,
		AuditRecords:  e.audit.seq,
	}
	for _, s := range e.sessions {
		if s.state == stateAttached {
			snapshot.Attached++
		}
	}
	return snapshot
}

// AuditTail returns up to n most recent audit records, oldest first.
func (e *Engine) AuditTail(n int) []AuditRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audit.tail(n)
}

// WorkerStatus is one row of the operator-facing worker table.
type WorkerStatus struct {
	ID     string
	Role   policy.Role
	Gpu    string
	Budget ticket.Budget
}

// Workers lists the live worker records sorted by id.
func (e *Engine) Workers() []WorkerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]WorkerStatus, 0, len(e.control.workers))
	for _, rec := range e.control.workers {
		out = append(out, WorkerStatus{ID: rec.id, Role: rec.role, Gpu: rec.gpu, Budget: rec.budget})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VerifyTicket checks a formatted token against the engine's authority
// and returns its claims. The console front-end authenticates with
// this; no session is created.
func (e *Engine) VerifyTicket(token string) (ticket.Claims, error) {
	raw, err := ticket.ParseToken(token)
	if err != nil {
		return ticket.Claims{}, err
	}
	return e.authority.VerifyAt(raw, e.clk.Now())
}

// TableFor binds verified claims into the policy table a session with
// those claims would hold, including the observer overlay.
func (e *Engine) TableFor(claims ticket.Claims) policy.Table {
	table := policy.NewTable(claims.Role, claims.Subject, claims.MountScope)
	if claims.Role == policy.RoleObserver {
		table.ExtraRead = e.overlay
	}
	return table
}

// AppendQueenLog writes one operator line to /log/queen.log.
func (e *Engine) AppendQueenLog(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.control.logf("%s", text)
}

// applyEvents mirrors control-plane outcomes into session state. Bind
// and mount events rewrite only the issuing session's view; kill
// events revoke every session of the named worker except the issuer.
func (e *Engine) applyEvents(issuing *session, now time.Time, events []event) {
	for _, ev := range events {
		switch ev.kind {
		case eventKilled:
			for _, other := range e.sessions {
				if other == issuing || other.state != stateAttached {
					continue
				}
				if other.table.Role.IsWorker() && other.table.Subject == ev.worker {
					e.revokeSessionLocked(other, now, "kill", ev.reason)
				}
			}
		case eventBound, eventMounted:
			if issuing == nil {
				continue
			}
			if err := issuing.mounts.Bind(ev.target, ev.mount); err != nil {
				e.logger.Warn("session bind failed", "error", err)
			}
		}
	}
}

// failBudgetLocked runs the budget-failure path for a session whose
// budget just revoked itself: close the session, revoke the worker
// record and its sibling sessions, release leases, audit once.
func (e *Engine) failBudgetLocked(s *session, now time.Time, op string) {
	reason := s.budget.reason
	e.revokeSessionLocked(s, now, op, reason)
	if s.table.Role.IsWorker() && s.table.Subject != "" {
		if e.control.revokeWorker(s.table.Subject, reason) {
			for _, other := range e.sessions {
				if other == s || other.state != stateAttached {
					continue
				}
				if other.table.Role.IsWorker() && other.table.Subject == s.table.Subject {
					e.revokeSessionLocked(other, now, op, reason)
				}
			}
		}
	}
}

// revokeSessionLocked closes one session and emits its single revoke
// record. Already-closed sessions are left untouched.
func (e *Engine) revokeSessionLocked(s *session, now time.Time, op, reason string) {
	if s.state == stateClosed {
		return
	}
	if s.budget != nil {
		s.budget.revoke(reason)
	}
	s.close()
	e.audit.emit(now, AuditRecord{
		Kind:    AuditRevoke,
		Session: s.id,
		Tag:     s.curTag,
		Role:    s.table.Role.String(),
		Subject: s.table.Subject,
		Op:      op,
		Detail:  reason,
	})
}

// deny audits and answers one permission denial.
func (e *Engine) deny(s *session, now time.Time, op string, path []string, err *ninep.Error) ninep.Message {
	e.audit.emit(now, AuditRecord{
		Kind:    AuditDeny,
		Session: s.id,
		Tag:     s.curTag,
		Role:    s.table.Role.String(),
		Subject: s.table.Subject,
		Op:      op,
		Path:    "/" + strings.Join(path, "/"),
		Detail:  err.Message,
	})
	return &ninep.Rerror{Code: err.Code, Message: err.Message}
}

// encodeReply frames a reply message. The fallback error is shaped so
// its encoding cannot itself fail.
func (e *Engine) encodeReply(tag uint16, reply ninep.Message) []byte {
	frame, err := ninep.Encode(tag, reply)
	if err != nil {
		e.logger.Error("reply encode failed", "error", err)
		frame, _ = ninep.Encode(tag, &ninep.Rerror{Code: ninep.CodeInvalid, Message: "internal encoding failure"})
	}
	return frame
}
