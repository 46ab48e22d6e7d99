// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hivedoor/hivedoor/client"
	"github.com/hivedoor/hivedoor/engine"
	"github.com/hivedoor/hivedoor/lib/clock"
	"github.com/hivedoor/hivedoor/lib/ticket"
	"github.com/hivedoor/hivedoor/policy"
	"github.com/hivedoor/hivedoor/transport"
)

var watchEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testHost is an engine served over a real TCP listener, polled from
// a helper goroutine so client calls can block on the wire.
type testHost struct {
	engine    *engine.Engine
	authority *ticket.Authority
	address   string
}

func newTestHost(t *testing.T, opts engine.Options) *testHost {
	t.Helper()
	secret := bytes.Repeat([]byte{0x2f}, ticket.MasterSecretSize)
	authority, err := ticket.NewAuthority(secret, clock.Fake(watchEpoch))
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	opts.Logger = discardLogger()
	opts.Clock = clock.Fake(watchEpoch)
	opts.Authority = authority
	e, err := engine.New(opts)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	listener, err := transport.NewListener(e, "127.0.0.1:0", transport.Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
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
			listener.Poll(64)
			time.Sleep(time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		close(stopCh)
		<-doneCh
		listener.Close()
	})
	return &testHost{engine: e, authority: authority, address: listener.Address()}
}

func (h *testHost) attachedClient(t *testing.T, claims ticket.Claims) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), h.address, client.Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	token, err := h.authority.Mint(claims)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := c.Attach(context.Background(), ticket.FormatToken(token)); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return c
}

func containsLine(lines []string, substr string) bool {
	for _, line := range lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestClientSourceQueenSnapshot(t *testing.T) {
	host := newTestHost(t, engine.Options{})
	if err := host.engine.RegisterGpu("gpu0", "model=hd9000 vram=64g\n"); err != nil {
		t.Fatalf("RegisterGpu: %v", err)
	}
	if err := host.engine.ApplyControl([]byte(`{"spawn":"heartbeat","ticks":30}` + "\n")); err != nil {
		t.Fatalf("ApplyControl: %v", err)
	}

	ctx := context.Background()
	qc := host.attachedClient(t, ticket.Claims{Role: policy.RoleQueen, Subject: "operator"})
	if err := qc.WriteFile(ctx, "/worker/worker-1/telemetry", []byte("hb seq=1 ok\n")); err != nil {
		t.Fatalf("WriteFile telemetry: %v", err)
	}
	if err := qc.WriteFile(ctx, "/gpu/gpu0/status", []byte("temp=41C util=7%\n")); err != nil {
		t.Fatalf("WriteFile status: %v", err)
	}
	host.engine.AppendQueenLog("lease review pending")

	source := NewClientSource(qc, ClientSourceOptions{Clock: clock.Fake(watchEpoch)})
	snap, err := source.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if !snap.Taken.Equal(watchEpoch) {
		t.Errorf("Taken = %v, want %v", snap.Taken, watchEpoch)
	}
	if len(snap.Workers) != 1 {
		t.Fatalf("workers = %+v, want one row", snap.Workers)
	}
	if snap.Workers[0].ID != "worker-1" || snap.Workers[0].Telemetry != "hb seq=1 ok" {
		t.Errorf("worker row = %+v", snap.Workers[0])
	}
	if len(snap.Gpus) != 1 {
		t.Fatalf("gpus = %+v, want one row", snap.Gpus)
	}
	gpu := snap.Gpus[0]
	if gpu.ID != "gpu0" || gpu.Info != "model=hd9000 vram=64g" || gpu.Status != "temp=41C util=7%" {
		t.Errorf("gpu row = %+v", gpu)
	}
	if !containsLine(snap.Log, "host online") {
		t.Errorf("log missing boot line: %q", snap.Log)
	}
	if !containsLine(snap.Log, "spawned worker-1") {
		t.Errorf("log missing spawn line: %q", snap.Log)
	}
	if !containsLine(snap.Log, "lease review pending") {
		t.Errorf("log missing appended line: %q", snap.Log)
	}
}

func TestClientSourceObserverSeesOnlyLog(t *testing.T) {
	host := newTestHost(t, engine.Options{})
	if err := host.engine.RegisterGpu("gpu0", "model=hd9000"); err != nil {
		t.Fatalf("RegisterGpu: %v", err)
	}
	if err := host.engine.ApplyControl([]byte(`{"spawn":"heartbeat","ticks":30}` + "\n")); err != nil {
		t.Fatalf("ApplyControl: %v", err)
	}

	oc := host.attachedClient(t, ticket.Claims{Role: policy.RoleObserver, Subject: "watcher"})
	source := NewClientSource(oc, ClientSourceOptions{Clock: clock.Fake(watchEpoch)})
	snap, err := source.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Observers cannot enumerate workers or traverse the GPU tree, so
	// those panes come back empty rather than failing the refresh.
	if len(snap.Workers) != 0 {
		t.Errorf("observer workers = %+v, want none", snap.Workers)
	}
	if len(snap.Gpus) != 0 {
		t.Errorf("observer gpus = %+v, want none", snap.Gpus)
	}
	if !containsLine(snap.Log, "host online") {
		t.Errorf("observer log missing boot line: %q", snap.Log)
	}
}

func TestClientSourceDropsEvictedFragment(t *testing.T) {
	host := newTestHost(t, engine.Options{QueenLogBytes: 64})
	message := "a line long enough to push older bytes out"
	for i := 0; i < 8; i++ {
		host.engine.AppendQueenLog(message)
	}

	qc := host.attachedClient(t, ticket.Claims{Role: policy.RoleQueen, Subject: "operator"})
	source := NewClientSource(qc, ClientSourceOptions{Clock: clock.Fake(watchEpoch)})
	snap, err := source.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if len(snap.Log) == 0 {
		t.Fatal("expected at least one retained log line")
	}
	for _, line := range snap.Log {
		if line != message {
			t.Errorf("retained line %q is not a complete line", line)
		}
	}
}
