// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package pump

import (
	"time"

	"github.com/hivedoor/hivedoor/lib/clock"
)

// Timer is the tick source. Each elapsed interval fires the callback
// once, up to the poll budget; a backlog deeper than the budget is
// dropped rather than replayed, so a stalled host does not burn
// worker tick budgets catching up. Ticks are a clock, not a queue.
type Timer struct {
	name     string
	clk      clock.Clock
	interval time.Duration
	next     time.Time
	fire     func()
}

// NewTimer schedules the first fire one interval from now. Panics if
// interval is not positive, matching clock.NewTicker.
func NewTimer(name string, clk clock.Clock, interval time.Duration, fire func()) *Timer {
	if interval <= 0 {
		panic("pump: timer interval must be positive")
	}
	return &Timer{
		name:     name,
		clk:      clk,
		interval: interval,
		next:     clk.Now().Add(interval),
		fire:     fire,
	}
}

// Name implements Source.
func (t *Timer) Name() string { return t.name }

// Poll fires once per elapsed interval, at most budget times.
func (t *Timer) Poll(budget int) (int, error) {
	now := t.clk.Now()
	fired := 0
	for fired < budget && !now.Before(t.next) {
		t.fire()
		t.next = t.next.Add(t.interval)
		fired++
	}
	if fired == budget && !now.Before(t.next) {
		skipped := int64(now.Sub(t.next)/t.interval) + 1
		t.next = t.next.Add(time.Duration(skipped) * t.interval)
	}
	return fired, nil
}
