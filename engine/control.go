// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hivedoor/hivedoor/lib/ninep"
	"github.com/hivedoor/hivedoor/lib/ticket"
	"github.com/hivedoor/hivedoor/namespace"
	"github.com/hivedoor/hivedoor/policy"
)

// eventKind enumerates the control-plane events the engine reacts to
// after a queen write has been applied to the tree.
type eventKind uint8

const (
	eventSpawned eventKind = iota
	eventKilled
	eventBound
	eventMounted
	eventBudgetUpdated
)

// event is one control-plane outcome. Namespace mutation happens
// inside the control plane; events carry only what the engine must
// mirror into session state afterwards.
type event struct {
	kind   eventKind
	worker string
	reason string
	target []string
	mount  []string
}

// workerRecord is the control plane's ledger entry for a spawned
// worker. The budget here is authoritative: a worker ticket may name a
// budget, but attach always uses the record.
type workerRecord struct {
	id     string
	role   policy.Role
	budget ticket.Budget
	gpu    string
}

// gpuLease holds the reservation parameters echoed into the GPU ctl
// stream at spawn.
type gpuLease struct {
	worker   string
	memMB    uint32
	streams  uint8
	priority uint8
}

// controlPlane interprets queen ctl writes and owns every mutable
// piece of hive state outside the sessions: worker records, GPU
// registrations and leases, and the default spawn budget.
type controlPlane struct {
	registry *namespace.Registry
	logger   *slog.Logger

	workers      map[string]*workerRecord
	nextWorkerID uint64

	defaultBudget ticket.Budget

	gpus   map[string]struct{}
	leases map[string]*gpuLease

	telemetryCapacity int
	gpuStatusCapacity int

	// sinkFactory, when set, supplies an eviction sink for each append
	// ring the control plane publishes.
	sinkFactory func(path string) func([]byte)
}

func newControlPlane(registry *namespace.Registry, logger *slog.Logger, telemetryCapacity, gpuStatusCapacity int) *controlPlane {
	return &controlPlane{
		registry:          registry,
		logger:            logger,
		workers:           make(map[string]*workerRecord),
		nextWorkerID:      1,
		defaultBudget:     ticket.DefaultBudget(policy.RoleWorkerHeartbeat),
		gpus:              make(map[string]struct{}),
		leases:            make(map[string]*gpuLease),
		telemetryCapacity: telemetryCapacity,
		gpuStatusCapacity: gpuStatusCapacity,
	}
}

// lookupWorker returns the ledger entry for a worker id.
func (cp *controlPlane) lookupWorker(id string) (*workerRecord, bool) {
	rec, ok := cp.workers[id]
	return rec, ok
}

// registerGpu publishes the four per-GPU nodes and marks the id
// leasable. Called at startup for every configured GPU.
func (cp *controlPlane) registerGpu(id, info string) error {
	if id == "" || strings.ContainsAny(id, "/") {
		return ninep.Errorf(ninep.CodeInvalid, "invalid gpu id %q", id)
	}
	if _, err := cp.registry.PublishStatic([]string{"gpu", id, "info"}, []byte(info)); err != nil {
		return err
	}
	for _, leaf := range []string{"status", "ctl", "job"} {
		node, err := cp.registry.PublishAppend([]string{"gpu", id, leaf}, cp.gpuStatusCapacity)
		if err != nil {
			return err
		}
		cp.attachSink(node)
	}
	cp.gpus[id] = struct{}{}
	return nil
}

// processWrite applies one queen ctl write line by line. Undecodable
// or verb-less lines are logged and dropped; a well-formed command
// that fails stops the walk, and the caller still applies the events
// of the lines before it.
func (cp *controlPlane) processWrite(data []byte) ([]event, error) {
	var events []event
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var cmd controlCommand
		if err := json.Unmarshal(line, &cmd); err != nil {
			cp.logger.Warn("dropped malformed control line", "error", err)
			continue
		}
		verb, ok := cmd.verb()
		if !ok {
			cp.logger.Warn("dropped unrecognized control line", "line", string(line))
			continue
		}
		var (
			ev  []event
			err error
		)
		switch verb {
		case "spawn":
			ev, err = cp.spawn(cmd)
		case "kill":
			ev, err = cp.kill(cmd.Kill)
		case "budget":
			ev, err = cp.updateBudget(*cmd.Budget)
		case "bind":
			ev, err = cp.bind(cmd.Bind.From, cmd.Bind.To)
		case "mount":
			ev, err = cp.mount(cmd.Mount.Service, cmd.Mount.At)
		}
		events = append(events, ev...)
		if err != nil {
			return events, err
		}
	}
	return events, nil
}

// controlCommand is the queen ctl line shape. Exactly one verb field
// may be set; unknown fields are ignored.
type controlCommand struct {
	Spawn string `json:"spawn"`

	// Heartbeat spawn parameters.
	Ticks uint64 `json:"ticks"`

	// GPU spawn lease parameters.
	Gpu        string `json:"gpu"`
	MemMB      uint32 `json:"mem_mb"`
	Streams    uint8  `json:"streams"`
	TTLSeconds uint32 `json:"ttl_s"`
	Priority   uint8  `json:"priority"`

	// Budget overrides the computed spawn budget, or on its own
	// updates the default.
	Budget *ticket.Budget `json:"budget"`

	Kill  string        `json:"kill"`
	Bind  *bindCommand  `json:"bind"`
	Mount *mountCommand `json:"mount"`
}

type bindCommand struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type mountCommand struct {
	Service string `json:"service"`
	At      string `json:"at"`
}

// verb picks the single verb a command carries. A budget field rides
// along with spawn, so it only counts as the verb when nothing else
// is set.
func (c controlCommand) verb() (string, bool) {
	var verbs []string
	if c.Spawn != "" {
		verbs = append(verbs, "spawn")
	}
	if c.Kill != "" {
		verbs = append(verbs, "kill")
	}
	if c.Bind != nil {
		verbs = append(verbs, "bind")
	}
	if c.Mount != nil {
		verbs = append(verbs, "mount")
	}
	if len(verbs) == 0 && c.Budget != nil {
		verbs = append(verbs, "budget")
	}
	if len(verbs) != 1 {
		return "", false
	}
	return verbs[0], true
}

func (cp *controlPlane) spawn(cmd controlCommand) ([]event, error) {
	switch cmd.Spawn {
	case "heartbeat":
		return cp.spawnHeartbeat(cmd)
	case "gpu":
		return cp.spawnGpu(cmd)
	default:
		return nil, ninep.Errorf(ninep.CodeInvalid, "unknown spawn kind %q", cmd.Spawn)
	}
}

func (cp *controlPlane) spawnHeartbeat(cmd controlCommand) ([]event, error) {
	if cmd.Ticks == 0 {
		return nil, ninep.Errorf(ninep.CodeInvalid, "heartbeat spawn requires ticks")
	}
	budget := cp.defaultBudget
	budget.Ticks = cmd.Ticks
	if cmd.Budget != nil {
		budget = cmd.Budget.Merge(budget)
	}

	id := cp.allocateWorkerID()
	if err := cp.createWorker(id); err != nil {
		return nil, err
	}
	cp.workers[id] = &workerRecord{id: id, role: policy.RoleWorkerHeartbeat, budget: budget}
	cp.logf("spawned %s ticks=%d ttl=%d ops=%d", id, budget.Ticks, budget.TTLSeconds, budget.Ops)
	return []event{{kind: eventSpawned, worker: id}}, nil
}

func (cp *controlPlane) spawnGpu(cmd controlCommand) ([]event, error) {
	if cmd.Gpu == "" {
		return nil, ninep.Errorf(ninep.CodeInvalid, "gpu spawn requires a gpu id")
	}
	if _, ok := cp.gpus[cmd.Gpu]; !ok {
		return nil, ninep.Errorf(ninep.CodeNotFound, "gpu %s not registered", cmd.Gpu)
	}
	if lease, held := cp.leases[cmd.Gpu]; held {
		return nil, ninep.Errorf(ninep.CodeBusy, "gpu %s already leased to %s", cmd.Gpu, lease.worker)
	}
	if cmd.MemMB == 0 {
		return nil, ninep.Errorf(ninep.CodeInvalid, "invalid gpu lease: mem_mb must be positive")
	}
	if cmd.Streams == 0 {
		return nil, ninep.Errorf(ninep.CodeInvalid, "invalid gpu lease: streams must be positive")
	}

	budget := ticket.DefaultBudget(policy.RoleWorkerGpu)
	if cmd.TTLSeconds > 0 {
		budget.TTLSeconds = cmd.TTLSeconds
	}
	if cmd.Streams > 0 {
		budget.Ops = uint64(cmd.Streams) * 8
	}
	if cmd.Budget != nil {
		budget = cmd.Budget.Merge(budget)
	}

	id := cp.allocateWorkerID()
	if err := cp.createWorker(id); err != nil {
		return nil, err
	}
	lease := &gpuLease{worker: id, memMB: cmd.MemMB, streams: cmd.Streams, priority: cmd.Priority}
	cp.leases[cmd.Gpu] = lease
	cp.workers[id] = &workerRecord{id: id, role: policy.RoleWorkerGpu, budget: budget, gpu: cmd.Gpu}

	cp.appendRaw([]string{"gpu", cmd.Gpu, "ctl"},
		fmt.Sprintf("LEASE %s mem=%d streams=%d priority=%d\n", id, lease.memMB, lease.streams, lease.priority))
	cp.logf("spawned %s gpu=%s ttl=%d streams=%d", id, cmd.Gpu, budget.TTLSeconds, lease.streams)
	return []event{{kind: eventSpawned, worker: id}}, nil
}

func (cp *controlPlane) allocateWorkerID() string {
	id := fmt.Sprintf("worker-%d", cp.nextWorkerID)
	cp.nextWorkerID++
	return id
}

func (cp *controlPlane) createWorker(id string) error {
	node, err := cp.registry.CreateWorker(id, cp.telemetryCapacity)
	if err != nil {
		return err
	}
	cp.attachSink(node)
	return nil
}

func (cp *controlPlane) kill(id string) ([]event, error) {
	if _, ok := cp.workers[id]; !ok {
		return nil, ninep.Errorf(ninep.CodeNotFound, "worker %s not found", id)
	}
	cp.releaseGpuForWorker(id, "killed by queen")
	delete(cp.workers, id)
	if err := cp.registry.Remove([]string{"worker", id}); err != nil && ninep.CodeOf(err) != ninep.CodeNotFound {
		return nil, err
	}
	cp.logf("killed %s", id)
	return []event{{kind: eventKilled, worker: id, reason: "killed by queen"}}, nil
}

func (cp *controlPlane) updateBudget(b ticket.Budget) ([]event, error) {
	if b.Ticks > 0 {
		cp.defaultBudget.Ticks = b.Ticks
	}
	if b.Ops > 0 {
		cp.defaultBudget.Ops = b.Ops
	}
	if b.TTLSeconds > 0 {
		cp.defaultBudget.TTLSeconds = b.TTLSeconds
	}
	cp.logf("updated default budget ttl=%d ops=%d ticks=%d",
		cp.defaultBudget.TTLSeconds, cp.defaultBudget.Ops, cp.defaultBudget.Ticks)
	return []event{{kind: eventBudgetUpdated}}, nil
}

func (cp *controlPlane) bind(from, to string) ([]event, error) {
	target, err := ninep.ParsePath(from)
	if err != nil {
		return nil, err
	}
	mount, err := ninep.ParsePath(to)
	if err != nil {
		return nil, err
	}
	if len(mount) == 0 {
		return nil, ninep.Errorf(ninep.CodeInvalid, "bind target must not be root")
	}
	if _, err := cp.registry.Lookup(target); err != nil {
		return nil, err
	}
	cp.logf("bound /%s -> /%s", strings.Join(target, "/"), strings.Join(mount, "/"))
	return []event{{kind: eventBound, target: target, mount: mount}}, nil
}

func (cp *controlPlane) mount(service, at string) ([]event, error) {
	mount, err := ninep.ParsePath(at)
	if err != nil {
		return nil, err
	}
	if len(mount) == 0 {
		return nil, ninep.Errorf(ninep.CodeInvalid, "mount point must not be root")
	}
	target, ok := cp.registry.ResolveService(service)
	if !ok {
		return nil, ninep.Errorf(ninep.CodeNotFound, "service %s not registered", service)
	}
	cp.logf("mounted %s at /%s", service, strings.Join(mount, "/"))
	return []event{{kind: eventMounted, target: target, mount: mount}}, nil
}

// revokeWorker tears down a worker's ledger entry, lease, and subtree.
// Returns false when the id has no record; that is not an error, the
// worker may already be gone.
func (cp *controlPlane) revokeWorker(id, reason string) bool {
	if _, ok := cp.workers[id]; !ok {
		return false
	}
	cp.releaseGpuForWorker(id, reason)
	delete(cp.workers, id)
	if err := cp.registry.Remove([]string{"worker", id}); err != nil && ninep.CodeOf(err) != ninep.CodeNotFound {
		cp.logger.Error("worker subtree removal failed", "worker", id, "error", err)
	}
	cp.logf("revoked %s: %s", id, reason)
	return true
}

// releaseGpuForWorker ends the worker's lease, if it holds one, and
// echoes the release into the GPU's ctl and status streams.
func (cp *controlPlane) releaseGpuForWorker(id, reason string) {
	rec, ok := cp.workers[id]
	if !ok || rec.gpu == "" {
		return
	}
	lease, held := cp.leases[rec.gpu]
	if !held || lease.worker != id {
		return
	}
	delete(cp.leases, rec.gpu)
	cp.appendRaw([]string{"gpu", rec.gpu, "ctl"}, fmt.Sprintf("RELEASE %s %s\n", id, reason))
	cp.appendRaw([]string{"gpu", rec.gpu, "status"}, string(statusEntry(id, "LEASE-ENDED", reason)))
}

// logf appends one line to the queen log ring and mirrors it to the
// structured logger.
func (cp *controlPlane) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	cp.appendRaw([]string{"log", "queen.log"}, line+"\n")
	cp.logger.Info(line)
}

func (cp *controlPlane) appendRaw(path []string, line string) {
	if _, err := cp.registry.Append(path, []byte(line)); err != nil {
		cp.logger.Error("control append failed", "path", "/"+strings.Join(path, "/"), "error", err)
	}
}

func (cp *controlPlane) attachSink(node *namespace.Node) {
	if cp.sinkFactory == nil || node.Ring() == nil {
		return
	}
	if sink := cp.sinkFactory("/" + strings.Join(node.Path(), "/")); sink != nil {
		node.Ring().SetEvictionSink(sink)
	}
}

// gpuKernels is the closed set of kernels a job may name.
var gpuKernels = map[string]struct{}{
	"vadd":   {},
	"matmul": {},
}

// jobDescriptor is one line of a GPU job submission.
type jobDescriptor struct {
	Job        string    `json:"job"`
	Kernel     string    `json:"kernel"`
	Grid       [3]uint32 `json:"grid"`
	Block      [3]uint32 `json:"block"`
	BytesHash  string    `json:"bytes_hash"`
	Inputs     []string  `json:"inputs"`
	Outputs    []string  `json:"outputs"`
	TimeoutMs  uint32    `json:"timeout_ms"`
	PayloadB64 string    `json:"payload_b64"`
}

func (d *jobDescriptor) validate() error {
	if d.Job == "" {
		return fmt.Errorf("job id must not be empty")
	}
	if _, ok := gpuKernels[d.Kernel]; !ok {
		return fmt.Errorf("unknown kernel %q", d.Kernel)
	}
	for _, dim := range d.Grid {
		if dim == 0 {
			return fmt.Errorf("job %s: grid dimensions must be positive", d.Job)
		}
	}
	for _, dim := range d.Block {
		if dim == 0 {
			return fmt.Errorf("job %s: block dimensions must be positive", d.Job)
		}
	}
	if d.TimeoutMs == 0 {
		return fmt.Errorf("job %s: timeout_ms must be positive", d.Job)
	}
	digest, ok := strings.CutPrefix(d.BytesHash, "sha256:")
	if !ok || len(digest) != sha256.Size*2 {
		return fmt.Errorf("job %s: bytes_hash must be sha256:<64 hex digits>", d.Job)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("job %s: bytes_hash must be sha256:<64 hex digits>", d.Job)
	}
	if d.PayloadB64 != "" {
		payload, err := base64.StdEncoding.DecodeString(d.PayloadB64)
		if err != nil {
			return fmt.Errorf("job %s: payload_b64 is not valid base64", d.Job)
		}
		sum := sha256.Sum256(payload)
		if hex.EncodeToString(sum[:]) != strings.ToLower(digest) {
			return fmt.Errorf("job %s: payload hash mismatch", d.Job)
		}
	}
	return nil
}

// processGpuJob validates a job submission and, only when every line
// passes, appends the raw submission to the job stream and walks each
// job through its status transitions. The writing worker sees the
// RUNNING and OK transitions echoed into its own telemetry.
func (cp *controlPlane) processGpuJob(gpuID, worker string, data []byte) (int, error) {
	if !utf8.Valid(data) {
		return 0, ninep.Errorf(ninep.CodeInvalid, "gpu job descriptor must be UTF-8")
	}
	var jobs []jobDescriptor
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var job jobDescriptor
		if err := json.Unmarshal(line, &job); err != nil {
			return 0, ninep.Errorf(ninep.CodeInvalid, "invalid gpu job descriptor: %v", err)
		}
		if err := job.validate(); err != nil {
			return 0, ninep.Errorf(ninep.CodeInvalid, "gpu job validation failed: %v", err)
		}
		jobs = append(jobs, job)
	}

	if _, err := cp.registry.Append([]string{"gpu", gpuID, "job"}, data); err != nil {
		return 0, err
	}
	statusPath := []string{"gpu", gpuID, "status"}
	telemetryPath := []string{"worker", worker, "telemetry"}
	for _, job := range jobs {
		cp.appendRaw(statusPath, string(statusEntry(job.Job, "QUEUED", "accepted")))
		cp.appendRaw(statusPath, string(statusEntry(job.Job, "RUNNING", "scheduled")))
		cp.appendRaw(statusPath, string(statusEntry(job.Job, "OK", "completed")))
		cp.appendRaw(telemetryPath, string(statusEntry(job.Job, "RUNNING", "scheduled")))
		cp.appendRaw(telemetryPath, string(statusEntry(job.Job, "OK", "completed")))
	}
	return len(data), nil
}

// statusEntry renders one status stream line.
func statusEntry(job, state, detail string) []byte {
	entry := struct {
		Job    string `json:"job"`
		State  string `json:"state"`
		Detail string `json:"detail"`
	}{Job: job, State: state, Detail: detail}
	line, _ := json.Marshal(entry)
	return append(line, '\n')
}
