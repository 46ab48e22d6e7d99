// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package pump

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hivedoor/hivedoor/lib/clock"
)

// defaultIdleInterval bounds how long Run sleeps when every source is
// idle. Timer precision is bounded by this cadence when no feeder
// wakes the pump.
const defaultIdleInterval = 5 * time.Millisecond

// Source is one input the pump services. Poll must not block: work
// that is not ready yet is left for a later tick.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// Poll services at most budget units of pending work and reports
	// how many were serviced. Units are source-defined: bytes for
	// console streams, frames for protocol connections, elapsed
	// intervals for timers. A source with nothing ready returns 0.
	// A non-nil error retires the source from the rotation.
	Poll(budget int) (int, error)
}

// Options configures a Pump.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// IdleInterval overrides the idle poll cadence.
	IdleInterval time.Duration
}

// Pump services registered sources in registration order, one pass
// per tick. Register before calling Run or Tick; the rotation is
// fixed once the loop starts.
type Pump struct {
	logger *slog.Logger
	clk    clock.Clock
	idle   time.Duration
	wake   chan struct{}

	mu         sync.Mutex
	entries    []*entry
	iterations uint64
}

type entry struct {
	source   Source
	budget   int
	serviced uint64
	retired  bool
}

// New builds an empty pump.
func New(opts Options) *Pump {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	idle := opts.IdleInterval
	if idle <= 0 {
		idle = defaultIdleInterval
	}
	return &Pump{
		logger: logger,
		clk:    clk,
		idle:   idle,
		wake:   make(chan struct{}, 1),
	}
}

// Register appends a source with its per-tick budget. Sources are
// serviced in registration order every tick. A non-positive budget
// gets 1, so a registered source is never silently starved.
func (p *Pump) Register(s Source, budget int) {
	if budget <= 0 {
		budget = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, &entry{source: s, budget: budget})
}

// Notify wakes a parked Run iteration. Feeder goroutines call this
// after queueing work. Never required for correctness: the idle
// cadence bounds how stale a missed wake can leave the loop.
func (p *Pump) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Tick runs one service pass over every live source in order and
// returns the units serviced. A source returning an error is retired
// and does not fail the tick.
func (p *Pump) Tick() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterations++
	total := 0
	for _, ent := range p.entries {
		if ent.retired {
			continue
		}
		n, err := ent.source.Poll(ent.budget)
		if n > 0 {
			ent.serviced += uint64(n)
			total += n
		}
		if err != nil {
			ent.retired = true
			p.logger.Error("pump source retired", "source", ent.source.Name(), "error", err)
		}
	}
	return total
}

// Run services sources until ctx is cancelled. While any source has
// work the loop stays hot; once a full pass services nothing it parks
// on the wake channel with the idle ticker as a backstop.
func (p *Pump) Run(ctx context.Context) error {
	idle := p.clk.NewTicker(p.idle)
	defer idle.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.Tick() > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-idle.C:
		}
	}
}

// SourceStatus is one row of the pump's service accounting.
type SourceStatus struct {
	Name     string
	Budget   int
	Serviced uint64
	Retired  bool
}

// Metrics is a point-in-time snapshot of pump activity.
type Metrics struct {
	// Iterations counts completed Tick passes.
	Iterations uint64

	// Sources holds per-source accounting in rotation order.
	Sources []SourceStatus
}

// Metrics snapshots the service counters. Safe to call from any
// goroutine.
func (p *Pump) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := Metrics{Iterations: p.iterations, Sources: make([]SourceStatus, 0, len(p.entries))}
	for _, ent := range p.entries {
		m.Sources = append(m.Sources, SourceStatus{
			Name:     ent.source.Name(),
			Budget:   ent.budget,
			Serviced: ent.serviced,
			Retired:  ent.retired,
		})
	}
	return m
}
