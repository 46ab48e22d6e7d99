// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration_test exercises the assembled hivedoor host the
// way production runs it: the config is parsed from a YAML file on
// disk, the ticket master secret is unsealed from an age keystore, and
// every byte between a client and the engine crosses a real TCP
// connection. Only two things differ from cmd/hivedoor-server. The
// clock is fake, so tests control tick and TTL time exactly, and the
// pump is driven from a polling goroutine instead of pump.Run, whose
// idle ticker would park forever against a clock nobody advances.
package integration_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hivedoor/hivedoor/client"
	"github.com/hivedoor/hivedoor/console"
	"github.com/hivedoor/hivedoor/engine"
	"github.com/hivedoor/hivedoor/lib/archive"
	"github.com/hivedoor/hivedoor/lib/clock"
	"github.com/hivedoor/hivedoor/lib/codec"
	"github.com/hivedoor/hivedoor/lib/config"
	"github.com/hivedoor/hivedoor/lib/ticket"
	"github.com/hivedoor/hivedoor/policy"
	"github.com/hivedoor/hivedoor/pump"
	"github.com/hivedoor/hivedoor/transport"
)

// hostEpoch is the fake time every host boots at.
var hostEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hostOptions adjusts the host a test boots. The zero value is a
// plain host: default rings, one-second ticks, no archive, no GPUs,
// no policy overlay.
type hostOptions struct {
	// mutate edits the config before it is written to disk. dir is
	// the host's scratch root for tests that need paths in it.
	mutate func(dir string, cfg *config.Config)

	// overlay is JSONC policy overlay content. Empty means no overlay
	// file is written or configured.
	overlay string
}

// testHost is one fully assembled host: engine, wire listener, network
// console, and tick timer behind a pump serviced from a helper
// goroutine.
type testHost struct {
	clk       *clock.FakeClock
	config    *config.Config
	engine    *engine.Engine
	authority *ticket.Authority

	// wireAddr and consoleAddr are the ephemeral listen addresses.
	wireAddr    string
	consoleAddr string

	// dir is the scratch root holding the config file, the keystore,
	// and any archive segments.
	dir string

	shutdownOnce bool
	shutdownFn   func()
}

// startHost boots a host through the same startup sequence as
// cmd/hivedoor-server: write config, load and validate it, unseal the
// keystore, build the engine, open the listeners, register everything
// on a pump. The host is torn down at test cleanup; tests that must
// observe post-shutdown state (archive flushes) call shutdown early.
func startHost(t *testing.T, ho hostOptions) *testHost {
	t.Helper()
	dir := t.TempDir()

	writeKeystore(t, dir)

	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Console.Listen = "127.0.0.1:0"
	cfg.Keystore.Path = filepath.Join(dir, "master.age")
	cfg.Keystore.IdentityPath = filepath.Join(dir, "identity.txt")
	cfg.Rings = config.RingsConfig{QueenLog: 16 * 1024, Telemetry: 8 * 1024, GPUStatus: 8 * 1024}
	if ho.overlay != "" {
		overlayPath := filepath.Join(dir, "policy.jsonc")
		if err := os.WriteFile(overlayPath, []byte(ho.overlay), 0o644); err != nil {
			t.Fatalf("writing overlay: %v", err)
		}
		cfg.PolicyOverlay = overlayPath
	}
	if ho.mutate != nil {
		ho.mutate(dir, cfg)
	}

	// Round-trip the config through the file loader so the test runs
	// the same parse, validate, and path-expansion code as the daemon.
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshaling config: %v", err)
	}
	configPath := filepath.Join(dir, "host.yaml")
	if err := os.WriteFile(configPath, raw, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err = config.LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	tickInterval, err := cfg.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	overlay, err := config.LoadOverlay(cfg.PolicyOverlay)
	if err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}

	identity, err := ticket.ReadIdentity(cfg.Keystore.IdentityPath)
	if err != nil {
		t.Fatalf("ReadIdentity: %v", err)
	}
	secret, err := ticket.LoadMasterSecret(cfg.Keystore.Path, identity)
	if err != nil {
		t.Fatalf("LoadMasterSecret: %v", err)
	}

	clk := clock.Fake(hostEpoch)
	authority, err := ticket.NewAuthority(secret, clk)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}

	opts := engine.Options{
		Logger:               discardLogger(),
		Clock:                clk,
		Authority:            authority,
		BootText:             []byte(cfg.BootText),
		QueenLogBytes:        cfg.Rings.QueenLog,
		TelemetryBytes:       cfg.Rings.Telemetry,
		GpuStatusBytes:       cfg.Rings.GPUStatus,
		ObserverReadPrefixes: overlay.ObserverReadPrefixes,
	}

	// Archive sinks open under the engine lock and flush after the
	// pump driver has stopped, so the slice needs no locking of its
	// own.
	var sinks []*archive.Sink
	if cfg.Archive.Dir != "" {
		archiveCodec, err := archive.ParseCodec(cfg.Archive.Codec)
		if err != nil {
			t.Fatalf("ParseCodec: %v", err)
		}
		logger := discardLogger()
		opts.EvictionSink = func(path string) func([]byte) {
			sink, err := archive.NewSink(cfg.Archive.Dir, path, archiveCodec, cfg.Archive.SegmentBytes, logger)
			if err != nil {
				logger.Error("archive sink unavailable", "ring", path, "error", err)
				return nil
			}
			sinks = append(sinks, sink)
			return sink.Write
		}
	}

	eng, err := engine.New(opts)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	for _, gpu := range cfg.GPUs {
		if err := eng.RegisterGpu(gpu.ID, gpu.Info); err != nil {
			t.Fatalf("RegisterGpu %s: %v", gpu.ID, err)
		}
	}
	for name, target := range cfg.Services {
		if err := eng.RegisterService(name, target); err != nil {
			t.Fatalf("RegisterService %s: %v", name, err)
		}
	}

	p := pump.New(pump.Options{Logger: discardLogger(), Clock: clk})
	transportOpts := transport.Options{Logger: discardLogger(), Notify: p.Notify}

	consoleState := console.New(eng, console.Options{
		Logger:        discardLogger(),
		Clock:         clk,
		DisabledVerbs: overlay.DisabledConsoleVerbs,
	})
	consoleServer, err := transport.NewConsoleServer(consoleState, cfg.Console.Listen, transportOpts)
	if err != nil {
		t.Fatalf("NewConsoleServer: %v", err)
	}
	listener, err := transport.NewListener(eng, cfg.Listen, transportOpts)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}

	p.Register(listener, 64)
	p.Register(consoleServer, 8)
	p.Register(pump.NewTimer("tick", clk, tickInterval, eng.Tick), 8)

	stop := drivePump(p)
	h := &testHost{
		clk:         clk,
		config:      cfg,
		engine:      eng,
		authority:   authority,
		wireAddr:    listener.Address(),
		consoleAddr: consoleServer.Address(),
		dir:         dir,
	}
	h.shutdownFn = func() {
		stop()
		listener.Close()
		consoleServer.Close()
		for _, sink := range sinks {
			sink.Flush()
		}
	}
	t.Cleanup(h.shutdown)
	return h
}

// shutdown stops the pump driver, closes the listeners, and flushes
// archive sinks. Safe to call more than once.
func (h *testHost) shutdown() {
	if h.shutdownOnce {
		return
	}
	h.shutdownOnce = true
	h.shutdownFn()
}

// writeKeystore generates and seals a fresh master secret into dir,
// the same files "hivedoor keygen" writes.
func writeKeystore(t *testing.T, dir string) {
	t.Helper()
	secret, err := ticket.GenerateMasterSecret()
	if err != nil {
		t.Fatalf("GenerateMasterSecret: %v", err)
	}
	identity, recipient, err := ticket.GenerateRecipient()
	if err != nil {
		t.Fatalf("GenerateRecipient: %v", err)
	}
	sealed, err := ticket.SealMasterSecret(secret, []string{recipient})
	if err != nil {
		t.Fatalf("SealMasterSecret: %v", err)
	}
	if err := ticket.WriteIdentity(filepath.Join(dir, "identity.txt"), identity); err != nil {
		t.Fatalf("WriteIdentity: %v", err)
	}
	if err := ticket.WriteKeystore(filepath.Join(dir, "master.age"), sealed); err != nil {
		t.Fatalf("WriteKeystore: %v", err)
	}
}

// drivePump services the pump from a helper goroutine so client calls
// in the test goroutine can block on the wire. The returned stop
// function waits for the driver to exit; call it before closing the
// transports.
func drivePump(p *pump.Pump) (stop func()) {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for {
			select {
			case <-stopCh:
				return
			default:
			}
			p.Tick()
			time.Sleep(time.Millisecond)
		}
	}()
	return func() {
		close(stopCh)
		<-doneCh
	}
}

// token mints and formats a ticket against the host's authority.
func (h *testHost) token(t *testing.T, claims ticket.Claims) string {
	t.Helper()
	raw, err := h.authority.Mint(claims)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return ticket.FormatToken(raw)
}

// dial opens a wire connection without attaching.
func (h *testHost) dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), h.wireAddr, client.Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// dialAs opens a wire connection attached with a fresh ticket for the
// given claims.
func (h *testHost) dialAs(t *testing.T, claims ticket.Claims) *client.Client {
	t.Helper()
	c := h.dial(t)
	if err := c.Attach(context.Background(), h.token(t, claims)); err != nil {
		t.Fatalf("Attach as %s: %v", claims.Role, err)
	}
	return c
}

// dialQueen attaches an operator session.
func (h *testHost) dialQueen(t *testing.T) *client.Client {
	t.Helper()
	return h.dialAs(t, ticket.Claims{Role: policy.RoleQueen, Subject: "operator"})
}

// dialConsole opens the network console without attaching.
func (h *testHost) dialConsole(t *testing.T) *client.Console {
	t.Helper()
	con, err := client.DialConsole(context.Background(), h.consoleAddr, client.Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("DialConsole: %v", err)
	}
	t.Cleanup(func() { con.Close() })
	return con
}

// dialQueenConsole opens the network console attached as the queen.
func (h *testHost) dialQueenConsole(t *testing.T) *client.Console {
	t.Helper()
	con := h.dialConsole(t)
	token := h.token(t, ticket.Claims{Role: policy.RoleQueen, Subject: "operator"})
	if err := con.Attach(context.Background(), policy.RoleQueen, token); err != nil {
		t.Fatalf("console Attach: %v", err)
	}
	return con
}

// spawnHeartbeat spawns a heartbeat worker through the queen control
// sink and returns its allocated id. Control writes apply before the
// write acknowledges, so no settling wait is needed.
func (h *testHost) spawnHeartbeat(t *testing.T, queen *client.Client, line string) string {
	t.Helper()
	before := workerIDs(t, queen)
	if err := queen.WriteFile(context.Background(), "/queen/ctl", []byte(line+"\n")); err != nil {
		t.Fatalf("control write %q: %v", line, err)
	}
	after := workerIDs(t, queen)
	for _, id := range after {
		if !slices.Contains(before, id) {
			return id
		}
	}
	t.Fatalf("spawn %q produced no new worker; before=%v after=%v", line, before, after)
	return ""
}

func workerIDs(t *testing.T, queen *client.Client) []string {
	t.Helper()
	ids, err := queen.List(context.Background(), "/worker")
	if err != nil {
		t.Fatalf("List /worker: %v", err)
	}
	return ids
}

// queenLog reads the retained queen log window through the wire.
func (h *testHost) queenLog(t *testing.T, queen *client.Client) string {
	t.Helper()
	data, err := queen.ReadFile(context.Background(), "/log/queen.log")
	if err != nil {
		t.Fatalf("ReadFile /log/queen.log: %v", err)
	}
	return string(data)
}

// auditRecords reads and decodes the retained audit trail. The trail
// is concatenated CBOR records; nothing evicts in these tests, so the
// stream always starts on a record boundary.
func (h *testHost) auditRecords(t *testing.T, queen *client.Client) []engine.AuditRecord {
	t.Helper()
	data, err := queen.ReadFile(context.Background(), "/log/audit")
	if err != nil {
		t.Fatalf("ReadFile /log/audit: %v", err)
	}
	var records []engine.AuditRecord
	decoder := codec.NewDecoder(bytes.NewReader(data))
	for {
		var rec engine.AuditRecord
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records
			}
			t.Fatalf("decoding audit stream: %v", err)
		}
		records = append(records, rec)
	}
}

// findAudit returns the first audit record of the given kind whose
// detail contains the fragment.
func findAudit(records []engine.AuditRecord, kind, detailFragment string) (engine.AuditRecord, bool) {
	for _, rec := range records {
		if rec.Kind == kind && strings.Contains(rec.Detail, detailFragment) {
			return rec, true
		}
	}
	return engine.AuditRecord{}, false
}

// waitFor polls cond on real time until it reports true. The pump
// driver services sources continuously, so anything the host will do
// on its own happens within a few driver passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
