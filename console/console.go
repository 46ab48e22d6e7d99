// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hivedoor/hivedoor/engine"
	"github.com/hivedoor/hivedoor/lib/clock"
	"github.com/hivedoor/hivedoor/lib/ninep"
	"github.com/hivedoor/hivedoor/lib/ticket"
	"github.com/hivedoor/hivedoor/policy"
)

// tailReadBytes bounds how far back one TAIL reaches into a ring.
const tailReadBytes = 4096

// Host is the engine surface the console drives. *engine.Engine
// satisfies it.
type Host interface {
	VerifyTicket(token string) (ticket.Claims, error)
	TableFor(claims ticket.Claims) policy.Table
	Status() engine.StatusSnapshot
	Workers() []engine.WorkerStatus
	ApplyControl(line []byte) error
	AppendQueenLog(text string)
	ReadNode(path string, offset uint64, count uint32) ([]byte, error)
	NodeExtent(path string) (base, end uint64, err error)
}

// Metrics counts console activity for the pump's diagnostics.
type Metrics struct {
	// Lines is the number of completed lines processed.
	Lines uint64
	// Accepted counts commands that executed.
	Accepted uint64
	// Denied counts commands rejected for authentication or policy.
	Denied uint64
}

// Options configures a Console.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// DisabledVerbs lists verbs this console rejects regardless of
	// role, letting a site overlay make a console read-only. HELP,
	// PING, and QUIT cannot be disabled.
	DisabledVerbs []string
}

// Console is one operator connection's verb state machine. Feed bytes
// in, drain reply lines out; nothing blocks.
type Console struct {
	host    Host
	logger  *slog.Logger
	clk     clock.Clock
	asm     lineAssembler
	limiter authLimiter

	role    policy.Role
	subject string
	table   policy.Table

	disabled map[string]bool

	out     []string
	metrics Metrics
	done    bool
}

// New builds a console bound to the host. The zero role denies every
// gated verb until ATTACH succeeds.
func New(host Host, opts Options) *Console {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	var disabled map[string]bool
	for _, verb := range opts.DisabledVerbs {
		verb = strings.ToUpper(strings.TrimSpace(verb))
		switch verb {
		case "", verbHelp, verbPing, verbQuit:
			continue
		}
		if disabled == nil {
			disabled = make(map[string]bool)
		}
		disabled[verb] = true
	}
	return &Console{host: host, logger: logger, clk: clk, disabled: disabled}
}

// Feed consumes raw bytes from the transport. Completed lines execute
// immediately; replies queue for Drain.
func (c *Console) Feed(data []byte) {
	for _, b := range data {
		line, complete, tooLong := c.asm.push(b)
		if tooLong {
			c.emit("ERR PARSE reason=line-too-long")
			continue
		}
		if complete {
			c.handleLine(line)
		}
	}
}

// Drain removes and returns up to max queued reply lines. Non-positive
// max drains everything.
func (c *Console) Drain(max int) []string {
	if max <= 0 || max >= len(c.out) {
		lines := c.out
		c.out = nil
		return lines
	}
	lines := c.out[:max:max]
	c.out = c.out[max:]
	return lines
}

// Pending reports queued reply lines not yet drained.
func (c *Console) Pending() int {
	return len(c.out)
}

// Done reports that the operator issued QUIT. The transport decides
// whether that closes the connection or just drops the attach.
func (c *Console) Done() bool {
	return c.done
}

// Reset prepares the console for a new connection: partial input,
// queued replies, and the attached role are dropped. Rate limiter
// state survives, a reconnect does not launder failed attempts.
func (c *Console) Reset() {
	c.asm.reset()
	c.out = nil
	c.role = policy.RoleInvalid
	c.subject = ""
	c.table = policy.Table{}
	c.done = false
}

// Metrics returns a copy of the activity counters.
func (c *Console) Metrics() Metrics {
	return c.metrics
}

// Role reports the attached console role, RoleInvalid before ATTACH.
func (c *Console) Role() policy.Role {
	return c.role
}

func (c *Console) emit(line string) {
	c.out = append(c.out, line)
}

func (c *Console) emitOK(verb, detail string) {
	if detail == "" {
		c.emit("OK " + verb)
		return
	}
	c.emit("OK " + verb + " " + detail)
}

func (c *Console) emitErr(verb, detail string) {
	c.emit("ERR " + verb + " " + detail)
}

func (c *Console) handleLine(raw string) {
	c.metrics.Lines++
	line := strings.TrimSpace(raw)
	if line == "" {
		c.emitErr("PARSE", "reason=empty-command")
		return
	}
	cmd, perr := parseLine(line)
	if perr != nil {
		detail := "reason=" + perr.reason
		if perr.reason == "unknown-verb" {
			if suggestion, ok := suggestVerb(perr.verb); ok {
				detail += " suggest=" + suggestion
			}
		}
		c.emitErr(perr.verb, detail)
		return
	}

	if c.disabled[cmd.verb] {
		c.metrics.Denied++
		c.logger.Warn("console verb denied", "verb", cmd.verb, "reason", "disabled")
		c.emitErr(cmd.verb, "reason=verb-disabled")
		return
	}

	switch cmd.verb {
	case verbHelp:
		c.metrics.Accepted++
		c.emitOK(verbHelp, "verbs="+strings.Join(verbNames, ","))
	case verbPing:
		c.metrics.Accepted++
		c.emit("PONG")
	case verbQuit:
		c.metrics.Accepted++
		c.emitOK(verbQuit, "")
		c.role = policy.RoleInvalid
		c.subject = ""
		c.table = policy.Table{}
		c.done = true
	case verbAttach:
		c.handleAttach(cmd)
	case verbCaps:
		c.handleCaps()
	case verbMem:
		c.handleMem()
	case verbStatus:
		c.handleStatus()
	case verbLog:
		c.handleLog(cmd)
	case verbTail:
		c.handleTail(cmd)
	case verbSpawn:
		c.handleSpawn(cmd)
	case verbKill:
		c.handleKill(cmd)
	}
}

// requireAttached gates a verb on any successful ATTACH.
func (c *Console) requireAttached(verb string) bool {
	if c.role == policy.RoleInvalid {
		c.metrics.Denied++
		c.logger.Warn("console verb denied", "verb", verb, "reason", "unauthenticated")
		c.emitErr(verb, "reason=unauthenticated")
		return false
	}
	return true
}

// requireQueen gates the mutating verbs.
func (c *Console) requireQueen(verb string) bool {
	if !c.requireAttached(verb) {
		return false
	}
	if c.role != policy.RoleQueen {
		c.metrics.Denied++
		c.logger.Warn("console verb denied", "verb", verb, "role", c.role.String(), "reason", "role")
		c.emitErr(verb, "reason=queen-only")
		return false
	}
	return true
}

func (c *Console) handleAttach(cmd command) {
	now := c.clk.Now()
	if delay, blocked := c.limiter.check(now); blocked {
		c.metrics.Denied++
		c.logger.Warn("console attach rate limited", "delay_ms", delay.Milliseconds())
		c.emitErr(verbAttach, fmt.Sprintf("reason=rate-limited delay_ms=%d", delay.Milliseconds()))
		return
	}

	role, err := policy.ParseRole(cmd.role)
	if err != nil {
		c.metrics.Denied++
		c.emitErr(verbAttach, "reason=invalid-role")
		return
	}

	claims, err := c.host.VerifyTicket(cmd.ticket)
	if err == nil && claims.Role != role {
		err = fmt.Errorf("ticket bound to role %s", claims.Role)
	}
	if err != nil {
		c.metrics.Denied++
		c.logger.Warn("console attach denied", "role", cmd.role, "error", err)
		if delay, tripped := c.limiter.fail(now); tripped {
			c.emitErr(verbAttach, fmt.Sprintf("reason=rate-limited delay_ms=%d", delay.Milliseconds()))
			return
		}
		c.emitErr(verbAttach, "reason=denied")
		return
	}

	c.limiter.success()
	c.role = claims.Role
	c.subject = claims.Subject
	c.table = c.host.TableFor(claims)
	c.metrics.Accepted++
	c.logger.Info("console attached", "role", claims.Role.String(), "subject", claims.Subject)
	c.emitOK(verbAttach, "role="+claims.Role.String())
}

func (c *Console) handleCaps() {
	if !c.requireAttached(verbCaps) {
		return
	}
	snapshot := c.host.Status()
	c.metrics.Accepted++
	c.emitOK(verbCaps, fmt.Sprintf("role=%s sessions=%d attached=%d workers=%d gpus=%d leases=%d",
		c.role, snapshot.Sessions, snapshot.Attached, snapshot.Workers, snapshot.Gpus, snapshot.Leases))
}

func (c *Console) handleMem() {
	if !c.requireAttached(verbMem) {
		return
	}
	base, end, err := c.host.NodeExtent("/log/queen.log")
	if err != nil {
		c.emitErr(verbMem, "reason=not-found")
		return
	}
	detail := fmt.Sprintf("queen_log_retained=%d queen_log_total=%d", end-base, end)
	if c.role == policy.RoleQueen {
		if auditBase, auditEnd, err := c.host.NodeExtent("/log/audit"); err == nil {
			detail += fmt.Sprintf(" audit_retained=%d audit_total=%d", auditEnd-auditBase, auditEnd)
		}
	}
	c.metrics.Accepted++
	c.emitOK(verbMem, detail)
}

func (c *Console) handleStatus() {
	if !c.requireQueen(verbStatus) {
		return
	}
	rows := c.host.Workers()
	c.metrics.Accepted++
	c.emitOK(verbStatus, fmt.Sprintf("workers=%d", len(rows)))
	for _, row := range rows {
		line := fmt.Sprintf("%s role=%s ops=%d ticks=%d ttl_s=%d",
			row.ID, row.Role, row.Budget.Ops, row.Budget.Ticks, row.Budget.TTLSeconds)
		if row.Gpu != "" {
			line += " gpu=" + row.Gpu
		}
		c.emit(line)
	}
	c.emit("END " + verbStatus)
}

func (c *Console) handleLog(cmd command) {
	if !c.requireQueen(verbLog) {
		return
	}
	c.metrics.Accepted++
	c.emitOK(verbLog, "")
	c.host.AppendQueenLog(cmd.text)
}

func (c *Console) handleTail(cmd command) {
	if !c.requireAttached(verbTail) {
		return
	}
	parsed, err := ninep.ParsePath(cmd.path)
	if err != nil || len(parsed) == 0 {
		c.emitErr(verbTail, "reason=invalid-path")
		return
	}
	if !c.table.CanRead(parsed) {
		c.metrics.Denied++
		c.logger.Warn("console tail denied", "role", c.role.String(), "path", cmd.path)
		c.emitErr(verbTail, "reason=permission-denied")
		return
	}
	base, end, err := c.host.NodeExtent(cmd.path)
	if err != nil {
		c.emitErr(verbTail, "reason=not-found")
		return
	}
	start := base
	if end > tailReadBytes && end-tailReadBytes > base {
		start = end - tailReadBytes
	}
	data, err := c.host.ReadNode(cmd.path, start, tailReadBytes)
	if err != nil {
		c.emitErr(verbTail, "reason=not-found")
		return
	}
	lines := splitTail(data, cmd.count, start > base)
	c.metrics.Accepted++
	c.emitOK(verbTail, fmt.Sprintf("path=%s n=%d", cmd.path, len(lines)))
	for _, line := range lines {
		c.emit(line)
	}
	c.emit("END " + verbTail)
}

func (c *Console) handleSpawn(cmd command) {
	if !c.requireQueen(verbSpawn) {
		return
	}
	if !json.Valid([]byte(cmd.json)) {
		c.emitErr(verbSpawn, "reason=invalid-payload")
		return
	}
	c.metrics.Accepted++
	c.emitOK(verbSpawn, "")
	if err := c.host.ApplyControl([]byte(cmd.json + "\n")); err != nil {
		c.logger.Warn("console spawn failed", "error", err)
	}
}

func (c *Console) handleKill(cmd command) {
	if !c.requireQueen(verbKill) {
		return
	}
	rows := c.host.Workers()
	if !workerKnown(cmd.worker, rows) {
		detail := "reason=unknown-worker"
		if suggestion, ok := suggestWorker(cmd.worker, rows); ok {
			detail += " suggest=" + suggestion
		}
		c.emitErr(verbKill, detail)
		return
	}
	c.metrics.Accepted++
	c.emitOK(verbKill, "id="+cmd.worker)
	if err := c.host.ApplyControl([]byte(fmt.Sprintf("{\"kill\":%q}\n", cmd.worker))); err != nil {
		c.logger.Warn("console kill failed", "worker", cmd.worker, "error", err)
	}
}

// splitTail returns the last n lines of data. A trailing line without
// its newline still counts; when the read started mid-stream the first
// chunk may be a fragment of a cut line and is dropped.
func splitTail(data []byte, n int, truncated bool) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if truncated && len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func workerKnown(id string, rows []engine.WorkerStatus) bool {
	for _, row := range rows {
		if row.ID == id {
			return true
		}
	}
	return false
}
