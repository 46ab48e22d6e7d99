// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/hivedoor/hivedoor/lib/ninep"
	"github.com/hivedoor/hivedoor/lib/ticket"
)

// budgetState tracks the live spend of a session against the budget it
// attached with. Counters only ever move down; once any of them runs
// out the session is revoked and every later message fails with
// CodeClosed.
type budgetState struct {
	opsRemaining   uint64
	hasOps         bool
	ticksRemaining uint64
	hasTicks       bool
	deadline       time.Time // zero when the ticket has no TTL

	revoked bool
	reason  string
}

// newBudgetState interprets a ticket budget at attach time. Zero
// fields mean unlimited; the TTL starts counting from now.
func newBudgetState(b ticket.Budget, now time.Time) *budgetState {
	s := &budgetState{
		opsRemaining:   b.Ops,
		hasOps:         b.Ops > 0,
		ticksRemaining: b.Ticks,
		hasTicks:       b.Ticks > 0,
	}
	if b.TTLSeconds > 0 {
		s.deadline = now.Add(time.Duration(b.TTLSeconds) * time.Second)
	}
	return s
}

// check fails once the session is revoked or its TTL has lapsed. A
// lapsed TTL revokes in place so the first caller and every later one
// see the same error.
func (s *budgetState) check(now time.Time) error {
	if s.revoked {
		return ninep.Errorf(ninep.CodeClosed, "session revoked: %s", s.reason)
	}
	if !s.deadline.IsZero() && !now.Before(s.deadline) {
		s.revoke("ticket ttl expired")
		return ninep.Errorf(ninep.CodeClosed, "session revoked: %s", s.reason)
	}
	return nil
}

// consumeOp spends one operation. The budget admits exactly Ops
// operations; the one after that trips revocation.
func (s *budgetState) consumeOp() error {
	if !s.hasOps {
		return nil
	}
	if s.opsRemaining == 0 {
		s.revoke("operation budget exhausted")
		return ninep.Errorf(ninep.CodeClosed, "session revoked: %s", s.reason)
	}
	s.opsRemaining--
	return nil
}

// consumeTick spends one telemetry tick.
func (s *budgetState) consumeTick() error {
	if !s.hasTicks {
		return nil
	}
	if s.ticksRemaining == 0 {
		s.revoke("tick budget exhausted")
		return ninep.Errorf(ninep.CodeClosed, "session revoked: %s", s.reason)
	}
	s.ticksRemaining--
	return nil
}

// revoke marks the session dead. The first reason sticks.
func (s *budgetState) revoke(reason string) {
	if s.revoked {
		return
	}
	s.revoked = true
	s.reason = reason
}
