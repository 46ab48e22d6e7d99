// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hivedoor/hivedoor/lib/clock"
	"github.com/hivedoor/hivedoor/lib/codec"
	"github.com/hivedoor/hivedoor/lib/ninep"
	"github.com/hivedoor/hivedoor/lib/ticket"
	"github.com/hivedoor/hivedoor/policy"
)

var engineEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wantCode(t *testing.T, err error, want ninep.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("error is nil, want code %v", want)
	}
	if got := ninep.CodeOf(err); got != want {
		t.Fatalf("error code = %v (%v), want %v", got, err, want)
	}
}

type testEngine struct {
	*Engine
	authority *ticket.Authority
	clk       *clock.FakeClock
}

func newTestEngine(t *testing.T, opts Options) *testEngine {
	t.Helper()
	fake := clock.Fake(engineEpoch)
	secret := bytes.Repeat([]byte{0x5a}, ticket.MasterSecretSize)
	authority, err := ticket.NewAuthority(secret, fake)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	opts.Logger = discardLogger()
	opts.Clock = fake
	opts.Authority = authority
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEngine{Engine: e, authority: authority, clk: fake}
}

// rpc encodes one request, runs it through the engine, and decodes the
// reply, asserting tag correlation on the way back.
func rpc(t *testing.T, e *testEngine, sid uint64, tag uint16, msg ninep.Message) ninep.Message {
	t.Helper()
	frame, err := ninep.Encode(tag, msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	replyFrame := e.HandleFrame(sid, frame)
	replyTag, reply, err := ninep.Decode(replyFrame)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if replyTag != tag {
		t.Fatalf("reply tag = %d, want %d", replyTag, tag)
	}
	return reply
}

// wantRerror asserts the reply is an Rerror carrying the code.
func wantRerror(t *testing.T, reply ninep.Message, code ninep.ErrorCode) *ninep.Rerror {
	t.Helper()
	rerr, ok := reply.(*ninep.Rerror)
	if !ok {
		t.Fatalf("reply = %T, want *Rerror with code %v", reply, code)
	}
	if rerr.Code != code {
		t.Fatalf("Rerror code = %v (%s), want %v", rerr.Code, rerr.Message, code)
	}
	return rerr
}

func mintToken(t *testing.T, e *testEngine, claims ticket.Claims) string {
	t.Helper()
	token, err := e.authority.Mint(claims)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return ticket.FormatToken(token)
}

// handshake opens a session and runs version+attach for the claims,
// binding fid 0 to the root.
func handshake(t *testing.T, e *testEngine, claims ticket.Claims) uint64 {
	t.Helper()
	sid := e.OpenSession()
	reply := rpc(t, e, sid, 1, &ninep.Tversion{Msize: ninep.MaxMessageSize, Version: ninep.Version})
	if _, ok := reply.(*ninep.Rversion); !ok {
		t.Fatalf("version reply = %+v", reply)
	}
	reply = rpc(t, e, sid, 2, &ninep.Tattach{Fid: 0, Uname: mintToken(t, e, claims)})
	if _, ok := reply.(*ninep.Rattach); !ok {
		t.Fatalf("attach reply = %+v", reply)
	}
	return sid
}

func queenClaims() ticket.Claims {
	return ticket.Claims{Role: policy.RoleQueen, Subject: "operator"}
}

// walkTo binds newfid to the path below fid.
func walkTo(t *testing.T, e *testEngine, sid uint64, fid, newfid uint32, names ...string) {
	t.Helper()
	reply := rpc(t, e, sid, 10, &ninep.Twalk{Fid: fid, Newfid: newfid, Names: names})
	walked, ok := reply.(*ninep.Rwalk)
	if !ok {
		t.Fatalf("walk reply = %+v", reply)
	}
	if len(walked.Qids) != len(names) {
		t.Fatalf("walk returned %d qids, want %d", len(walked.Qids), len(names))
	}
}

func openFid(t *testing.T, e *testEngine, sid uint64, fid uint32, mode ninep.OpenMode) *ninep.Ropen {
	t.Helper()
	reply := rpc(t, e, sid, 11, &ninep.Topen{Fid: fid, Mode: mode})
	opened, ok := reply.(*ninep.Ropen)
	if !ok {
		t.Fatalf("open reply = %+v", reply)
	}
	return opened
}

func readFid(t *testing.T, e *testEngine, sid uint64, fid uint32, offset uint64, count uint32) []byte {
	t.Helper()
	reply := rpc(t, e, sid, 12, &ninep.Tread{Fid: fid, Offset: offset, Count: count})
	read, ok := reply.(*ninep.Rread)
	if !ok {
		t.Fatalf("read reply = %+v", reply)
	}
	return read.Data
}

func writeFid(t *testing.T, e *testEngine, sid uint64, fid uint32, data string) uint32 {
	t.Helper()
	reply := rpc(t, e, sid, 13, &ninep.Twrite{Fid: fid, Data: []byte(data)})
	wrote, ok := reply.(*ninep.Rwrite)
	if !ok {
		t.Fatalf("write reply = %+v", reply)
	}
	return wrote.Count
}

func TestVersionNegotiation(t *testing.T) {
	e := newTestEngine(t, Options{})
	sid := e.OpenSession()

	reply := rpc(t, e, sid, 1, &ninep.Tversion{Msize: 99999, Version: ninep.Version})
	version, ok := reply.(*ninep.Rversion)
	if !ok {
		t.Fatalf("reply = %+v", reply)
	}
	if version.Msize != ninep.MaxMessageSize {
		t.Errorf("msize = %d, want clamped to %d", version.Msize, ninep.MaxMessageSize)
	}

	wantRerror(t, rpc(t, e, sid, 2, &ninep.Tversion{Msize: 8192, Version: "9P2000"}), ninep.CodeInvalid)
	wantRerror(t, rpc(t, e, sid, 3, &ninep.Tversion{Msize: 64, Version: ninep.Version}), ninep.CodeInvalid)
}

func TestAttachRequiresVersion(t *testing.T) {
	e := newTestEngine(t, Options{})
	sid := e.OpenSession()

	reply := rpc(t, e, sid, 1, &ninep.Tattach{Fid: 0, Uname: mintToken(t, e, queenClaims())})
	rerr := wantRerror(t, reply, ninep.CodeInvalid)
	if !strings.Contains(rerr.Message, "version negotiation required") {
		t.Errorf("message = %q", rerr.Message)
	}
}

func TestVersionAfterAttachRejected(t *testing.T) {
	e := newTestEngine(t, Options{})
	sid := handshake(t, e, queenClaims())

	rerr := wantRerror(t, rpc(t, e, sid, 5, &ninep.Tversion{Msize: 8192, Version: ninep.Version}), ninep.CodeInvalid)
	if !strings.Contains(rerr.Message, "already attached") {
		t.Errorf("message = %q", rerr.Message)
	}
	wantRerror(t, rpc(t, e, sid, 6, &ninep.Tattach{Fid: 1, Uname: mintToken(t, e, queenClaims())}), ninep.CodeInvalid)
}

func TestAttachBadTicket(t *testing.T) {
	e := newTestEngine(t, Options{})
	sid := e.OpenSession()
	rpc(t, e, sid, 1, &ninep.Tversion{Msize: 8192, Version: ninep.Version})

	token, err := e.authority.Mint(queenClaims())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	token[len(token)-1] ^= 0x01
	reply := rpc(t, e, sid, 2, &ninep.Tattach{Fid: 0, Uname: ticket.FormatToken(token)})
	rerr := wantRerror(t, reply, ninep.CodeInvalid)
	if !strings.Contains(rerr.Message, "ticket rejected") {
		t.Errorf("message = %q", rerr.Message)
	}

	records := e.AuditTail(1)
	if len(records) != 1 || records[0].Kind != AuditDeny || records[0].Op != "attach" {
		t.Fatalf("audit tail = %+v, want one attach deny", records)
	}

	// The session is still attachable with a good ticket.
	reply = rpc(t, e, sid, 3, &ninep.Tattach{Fid: 0, Uname: mintToken(t, e, queenClaims())})
	if _, ok := reply.(*ninep.Rattach); !ok {
		t.Fatalf("attach after deny = %+v", reply)
	}
}

func TestQueenReadsBootAndListing(t *testing.T) {
	e := newTestEngine(t, Options{BootText: []byte("hive boot marker\n")})
	sid := handshake(t, e, queenClaims())

	walkTo(t, e, sid, 0, 1, "proc", "boot")
	openFid(t, e, sid, 1, ninep.OpenRead)
	if got := string(readFid(t, e, sid, 1, 0, 512)); got != "hive boot marker\n" {
		t.Errorf("boot read = %q", got)
	}

	walkTo(t, e, sid, 0, 2)
	openFid(t, e, sid, 2, ninep.OpenRead)
	if got := string(readFid(t, e, sid, 2, 0, 512)); got != "gpu\nlog\nproc\nqueen\nworker\n" {
		t.Errorf("root listing = %q", got)
	}
}

func TestStatShapes(t *testing.T) {
	e := newTestEngine(t, Options{})
	sid := handshake(t, e, queenClaims())

	cases := []struct {
		path     []string
		wantMode uint32
		wantName string
	}{
		{[]string{"proc"}, uint32(ninep.QTDir)<<24 | 0o555, "proc"},
		{[]string{"proc", "boot"}, 0o444, "boot"},
		{[]string{"log", "queen.log"}, uint32(ninep.QTAppend)<<24 | 0o644, "queen.log"},
		{[]string{"queen", "ctl"}, uint32(ninep.QTAppend)<<24 | 0o222, "ctl"},
	}
	for i, tc := range cases {
		fid := uint32(10 + i)
		walkTo(t, e, sid, 0, fid, tc.path...)
		reply := rpc(t, e, sid, 20, &ninep.Tstat{Fid: fid})
		stat, ok := reply.(*ninep.Rstat)
		if !ok {
			t.Fatalf("stat reply = %+v", reply)
		}
		if stat.Mode != tc.wantMode {
			t.Errorf("/%s mode = %#o, want %#o", strings.Join(tc.path, "/"), stat.Mode, tc.wantMode)
		}
		if stat.Name != tc.wantName {
			t.Errorf("/%s name = %q, want %q", strings.Join(tc.path, "/"), stat.Name, tc.wantName)
		}
	}
}

func TestStatTracksRingEviction(t *testing.T) {
	e := newTestEngine(t, Options{QueenLogBytes: 64})
	sid := handshake(t, e, queenClaims())

	for i := 0; i < 8; i++ {
		e.AppendQueenLog("a line long enough to push older bytes out")
	}

	walkTo(t, e, sid, 0, 1, "log", "queen.log")
	reply := rpc(t, e, sid, 2, &ninep.Tstat{Fid: 1})
	stat, ok := reply.(*ninep.Rstat)
	if !ok {
		t.Fatalf("stat reply = %+v", reply)
	}
	if stat.Base == 0 {
		t.Fatal("stat base = 0 after the ring wrapped")
	}
	if stat.Length != 64 {
		t.Errorf("stat length = %d, want the full 64-byte capacity", stat.Length)
	}
	base, end, err := e.NodeExtent("/log/queen.log")
	if err != nil {
		t.Fatalf("NodeExtent: %v", err)
	}
	if stat.Base != base || stat.Base+stat.Length != end {
		t.Errorf("stat window = [%d, %d), want [%d, %d)",
			stat.Base, stat.Base+stat.Length, base, end)
	}
}

func TestQueenCtlSpawnAndKill(t *testing.T) {
	e := newTestEngine(t, Options{})
	queen := handshake(t, e, queenClaims())

	walkTo(t, e, queen, 0, 1, "queen", "ctl")
	openFid(t, e, queen, 1, ninep.OpenWrite)
	writeFid(t, e, queen, 1, `{"spawn":"heartbeat","ticks":50}`+"\n")

	if got := e.Status().Workers; got != 1 {
		t.Fatalf("workers = %d, want 1 after spawn", got)
	}

	// Attach the worker, then kill it through the same ctl fid and
	// watch the session die.
	worker := handshake(t, e, ticket.Claims{Role: policy.RoleWorkerHeartbeat, Subject: "worker-1"})
	walkTo(t, e, worker, 0, 1, "worker", "worker-1", "telemetry")

	writeFid(t, e, queen, 1, `{"kill":"worker-1"}`+"\n")
	if got := e.Status().Workers; got != 0 {
		t.Fatalf("workers = %d, want 0 after kill", got)
	}
	rerr := wantRerror(t, rpc(t, e, worker, 30, &ninep.Tstat{Fid: 1}), ninep.CodeClosed)
	if !strings.Contains(rerr.Message, "session closed") {
		t.Errorf("message = %q", rerr.Message)
	}

	// Malformed lines are dropped, the write still succeeds.
	writeFid(t, e, queen, 1, "garbage line\n")

	// A well-formed command that fails reports its error.
	reply := rpc(t, e, queen, 31, &ninep.Twrite{Fid: 1, Data: []byte(`{"kill":"worker-9"}` + "\n")})
	wantRerror(t, reply, ninep.CodeNotFound)
}

func TestWorkerTelemetryAndConfinement(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.ApplyControl([]byte(`{"spawn":"heartbeat","ticks":100}` + "\n")); err != nil {
		t.Fatalf("ApplyControl: %v", err)
	}

	// The ticket carries a wide budget; the spawn record wins, so the
	// session survives well past the ticket's single op.
	sid := handshake(t, e, ticket.Claims{
		Role:    policy.RoleWorkerHeartbeat,
		Subject: "worker-1",
		Budget:  ticket.Budget{Ops: 1},
	})

	walkTo(t, e, sid, 0, 1, "worker", "worker-1", "telemetry")
	openFid(t, e, sid, 1, ninep.OpenWrite|ninep.OpenAppend)
	if n := writeFid(t, e, sid, 1, "hb 1\n"); n != 5 {
		t.Errorf("write count = %d, want 5", n)
	}

	walkTo(t, e, sid, 0, 2, "worker", "worker-1", "telemetry")
	openFid(t, e, sid, 2, ninep.OpenRead)
	if got := string(readFid(t, e, sid, 2, 0, 512)); got != "hb 1\n" {
		t.Errorf("telemetry read = %q", got)
	}

	// Confinement: the queen subtree and sibling workers are invisible.
	wantRerror(t, rpc(t, e, sid, 40, &ninep.Twalk{Fid: 0, Newfid: 3, Names: []string{"queen"}}), ninep.CodePermission)
	wantRerror(t, rpc(t, e, sid, 41, &ninep.Twalk{Fid: 0, Newfid: 4, Names: []string{"worker", "worker-2"}}), ninep.CodePermission)

	// Each deny record carries the tag of the request that tripped it.
	var denyTags []uint16
	for _, rec := range e.AuditTail(0) {
		if rec.Kind == AuditDeny && rec.Op == "walk" {
			denyTags = append(denyTags, rec.Tag)
		}
	}
	if len(denyTags) != 2 || denyTags[0] != 40 || denyTags[1] != 41 {
		t.Errorf("walk deny tags = %v, want [40 41]", denyTags)
	}
}

func TestUnknownWorkerAttachRejected(t *testing.T) {
	e := newTestEngine(t, Options{})
	sid := e.OpenSession()
	rpc(t, e, sid, 1, &ninep.Tversion{Msize: 8192, Version: ninep.Version})

	reply := rpc(t, e, sid, 2, &ninep.Tattach{
		Fid:   0,
		Uname: mintToken(t, e, ticket.Claims{Role: policy.RoleWorkerHeartbeat, Subject: "worker-1"}),
	})
	rerr := wantRerror(t, reply, ninep.CodeNotFound)
	if !strings.Contains(rerr.Message, "unknown worker") {
		t.Errorf("message = %q", rerr.Message)
	}
}

func TestOpsBudgetRevokesWorkerAndSiblings(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.ApplyControl([]byte(`{"spawn":"heartbeat","ticks":100,"budget":{"ops":3}}` + "\n")); err != nil {
		t.Fatalf("ApplyControl: %v", err)
	}
	claims := ticket.Claims{Role: policy.RoleWorkerHeartbeat, Subject: "worker-1"}
	a := handshake(t, e, claims)
	b := handshake(t, e, claims)

	// Ops 1..3 succeed on session a; op 4 trips revocation.
	walkTo(t, e, a, 0, 1, "worker", "worker-1", "telemetry")
	openFid(t, e, a, 1, ninep.OpenWrite)
	writeFid(t, e, a, 1, "x\n")
	reply := rpc(t, e, a, 50, &ninep.Twrite{Fid: 1, Data: []byte("y\n")})
	rerr := wantRerror(t, reply, ninep.CodeClosed)
	if !strings.Contains(rerr.Message, "operation budget exhausted") {
		t.Errorf("message = %q", rerr.Message)
	}

	// The whole worker is gone: record, sibling session, and the
	// queen log records the revocation.
	if got := e.Status().Workers; got != 0 {
		t.Errorf("workers = %d, want 0", got)
	}
	wantRerror(t, rpc(t, e, a, 51, &ninep.Tstat{Fid: 0}), ninep.CodeClosed)
	wantRerror(t, rpc(t, e, b, 52, &ninep.Tstat{Fid: 0}), ninep.CodeClosed)

	log, err := e.ReadNode("/log/queen.log", 0, 4096)
	if err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	if !strings.Contains(string(log), "revoked worker-1: operation budget exhausted") {
		t.Errorf("queen.log = %q, missing revoke line", log)
	}

	// One revoke record per session. The tripping request's record
	// carries its tag; the sibling was not mid-request, so zero.
	var revokes []AuditRecord
	for _, rec := range e.AuditTail(0) {
		if rec.Kind == AuditRevoke && rec.Subject == "worker-1" {
			revokes = append(revokes, rec)
		}
	}
	if len(revokes) != 2 {
		t.Fatalf("revoke records = %d, want one per session", len(revokes))
	}
	if revokes[0].Tag != 50 || revokes[1].Tag != 0 {
		t.Errorf("revoke tags = [%d %d], want [50 0]", revokes[0].Tag, revokes[1].Tag)
	}
}

func TestTickBudget(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.ApplyControl([]byte(`{"spawn":"heartbeat","ticks":2}` + "\n")); err != nil {
		t.Fatalf("ApplyControl: %v", err)
	}
	sid := handshake(t, e, ticket.Claims{Role: policy.RoleWorkerHeartbeat, Subject: "worker-1"})
	walkTo(t, e, sid, 0, 1, "worker", "worker-1", "telemetry")
	openFid(t, e, sid, 1, ninep.OpenWrite)

	writeFid(t, e, sid, 1, "hb 1\n")
	writeFid(t, e, sid, 1, "hb 2\n")
	reply := rpc(t, e, sid, 60, &ninep.Twrite{Fid: 1, Data: []byte("hb 3\n")})
	rerr := wantRerror(t, reply, ninep.CodeClosed)
	if !strings.Contains(rerr.Message, "tick budget exhausted") {
		t.Errorf("message = %q", rerr.Message)
	}
}

func TestTimerTicksDrainHeartbeatBudget(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.ApplyControl([]byte(`{"spawn":"heartbeat","ticks":2}` + "\n")); err != nil {
		t.Fatalf("ApplyControl: %v", err)
	}
	sid := handshake(t, e, ticket.Claims{Role: policy.RoleWorkerHeartbeat, Subject: "worker-1"})

	e.Tick()
	e.Tick()
	e.Tick()

	wantRerror(t, rpc(t, e, sid, 61, &ninep.Tstat{Fid: 0}), ninep.CodeClosed)
	if got := e.Status().Workers; got != 0 {
		t.Errorf("workers = %d, want 0 after tick exhaustion", got)
	}
}

func TestObserverTTLExpiry(t *testing.T) {
	e := newTestEngine(t, Options{})
	sid := handshake(t, e, ticket.Claims{Role: policy.RoleObserver})

	walkTo(t, e, sid, 0, 1, "log", "queen.log")

	e.clk.Advance(901 * time.Second)
	reply := rpc(t, e, sid, 70, &ninep.Tstat{Fid: 1})
	rerr := wantRerror(t, reply, ninep.CodeClosed)
	if !strings.Contains(rerr.Message, "ticket ttl expired") {
		t.Errorf("message = %q", rerr.Message)
	}
	wantRerror(t, rpc(t, e, sid, 71, &ninep.Tstat{Fid: 1}), ninep.CodeClosed)
}

func TestObserverOverlay(t *testing.T) {
	e := newTestEngine(t, Options{ObserverReadPrefixes: []string{"/gpu"}})
	if err := e.RegisterGpu("gpu0", "model=H200\n"); err != nil {
		t.Fatalf("RegisterGpu: %v", err)
	}
	sid := handshake(t, e, ticket.Claims{Role: policy.RoleObserver})

	walkTo(t, e, sid, 0, 1, "gpu", "gpu0", "info")
	openFid(t, e, sid, 1, ninep.OpenRead)
	if got := string(readFid(t, e, sid, 1, 0, 128)); got != "model=H200\n" {
		t.Errorf("overlay read = %q", got)
	}

	// The overlay grants reads, never writes, and /queen stays dark.
	walkTo(t, e, sid, 0, 2, "gpu", "gpu0", "ctl")
	wantRerror(t, rpc(t, e, sid, 80, &ninep.Topen{Fid: 2, Mode: ninep.OpenWrite}), ninep.CodePermission)
	wantRerror(t, rpc(t, e, sid, 81, &ninep.Twalk{Fid: 0, Newfid: 3, Names: []string{"queen", "ctl"}}), ninep.CodePermission)
}

func TestGpuWorkerSubmitsJobs(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.RegisterGpu("gpu0", "model=H200\n"); err != nil {
		t.Fatalf("RegisterGpu: %v", err)
	}
	if err := e.ApplyControl([]byte(`{"spawn":"gpu","gpu":"gpu0","mem_mb":2048,"streams":4,"ttl_s":120}` + "\n")); err != nil {
		t.Fatalf("ApplyControl: %v", err)
	}

	sid := handshake(t, e, ticket.Claims{
		Role:       policy.RoleWorkerGpu,
		Subject:    "worker-1",
		MountScope: "gpu0",
	})

	walkTo(t, e, sid, 0, 1, "gpu", "gpu0", "job")
	openFid(t, e, sid, 1, ninep.OpenWrite|ninep.OpenAppend)
	line := gpuJobLine(t, "job-1")
	writeFid(t, e, sid, 1, line+"\n")

	walkTo(t, e, sid, 0, 2, "gpu", "gpu0", "status")
	openFid(t, e, sid, 2, ninep.OpenRead)
	status := string(readFid(t, e, sid, 2, 0, 2048))
	if !strings.Contains(status, `"job":"job-1","state":"OK"`) {
		t.Errorf("status = %q, missing completion entry", status)
	}

	walkTo(t, e, sid, 0, 3, "worker", "worker-1", "telemetry")
	openFid(t, e, sid, 3, ninep.OpenRead)
	telemetry := string(readFid(t, e, sid, 3, 0, 2048))
	if !strings.Contains(telemetry, `"state":"RUNNING"`) {
		t.Errorf("telemetry = %q, missing job echo", telemetry)
	}

	// A bad submission is rejected whole.
	reply := rpc(t, e, sid, 90, &ninep.Twrite{Fid: 1, Data: []byte(`{"job":"x","kernel":"warp"}` + "\n")})
	wantRerror(t, reply, ninep.CodeInvalid)
}

func TestGpuScopeMismatchRejected(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.RegisterGpu("gpu0", "info\n"); err != nil {
		t.Fatalf("RegisterGpu: %v", err)
	}
	if err := e.ApplyControl([]byte(`{"spawn":"gpu","gpu":"gpu0","mem_mb":64,"streams":1}` + "\n")); err != nil {
		t.Fatalf("ApplyControl: %v", err)
	}

	sid := e.OpenSession()
	rpc(t, e, sid, 1, &ninep.Tversion{Msize: 8192, Version: ninep.Version})
	reply := rpc(t, e, sid, 2, &ninep.Tattach{Fid: 0, Uname: mintToken(t, e, ticket.Claims{
		Role:       policy.RoleWorkerGpu,
		Subject:    "worker-1",
		MountScope: "gpu1",
	})})
	rerr := wantRerror(t, reply, ninep.CodeInvalid)
	if !strings.Contains(rerr.Message, "gpu scope") {
		t.Errorf("message = %q", rerr.Message)
	}
}

func TestClunkSemantics(t *testing.T) {
	e := newTestEngine(t, Options{})
	sid := handshake(t, e, queenClaims())

	walkTo(t, e, sid, 0, 1)
	reply := rpc(t, e, sid, 100, &ninep.Tclunk{Fid: 1})
	if _, ok := reply.(*ninep.Rclunk); !ok {
		t.Fatalf("clunk reply = %+v", reply)
	}
	wantRerror(t, rpc(t, e, sid, 101, &ninep.Tclunk{Fid: 1}), ninep.CodeClosed)
	wantRerror(t, rpc(t, e, sid, 102, &ninep.Twalk{Fid: 0, Newfid: 1}), ninep.CodeClosed)
}

func TestClunkConsumesNoOps(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.ApplyControl([]byte(`{"spawn":"heartbeat","ticks":10,"budget":{"ops":1}}` + "\n")); err != nil {
		t.Fatalf("ApplyControl: %v", err)
	}
	sid := handshake(t, e, ticket.Claims{Role: policy.RoleWorkerHeartbeat, Subject: "worker-1"})

	// The single op goes to the walk; clunk still succeeds after it.
	walkTo(t, e, sid, 0, 1, "proc", "boot")
	reply := rpc(t, e, sid, 110, &ninep.Tclunk{Fid: 1})
	if _, ok := reply.(*ninep.Rclunk); !ok {
		t.Fatalf("clunk reply = %+v", reply)
	}

	// The next budgeted op fails.
	wantRerror(t, rpc(t, e, sid, 111, &ninep.Tstat{Fid: 0}), ninep.CodeClosed)
}

func TestRemoveAlwaysDenied(t *testing.T) {
	e := newTestEngine(t, Options{})
	sid := handshake(t, e, queenClaims())

	walkTo(t, e, sid, 0, 1, "proc", "boot")
	rerr := wantRerror(t, rpc(t, e, sid, 120, &ninep.Tremove{Fid: 1}), ninep.CodePermission)
	if !strings.Contains(rerr.Message, "remove is not permitted") {
		t.Errorf("message = %q", rerr.Message)
	}
}

func TestBindRewritesQueenView(t *testing.T) {
	e := newTestEngine(t, Options{})
	sid := handshake(t, e, queenClaims())

	walkTo(t, e, sid, 0, 1, "queen", "ctl")
	openFid(t, e, sid, 1, ninep.OpenWrite)
	writeFid(t, e, sid, 1, `{"bind":{"from":"/proc","to":"/mnt"}}`+"\n")

	walkTo(t, e, sid, 0, 2, "mnt", "boot")
	openFid(t, e, sid, 2, ninep.OpenRead)
	if got := string(readFid(t, e, sid, 2, 0, 128)); got != defaultBootText {
		t.Errorf("read through bind = %q", got)
	}

	// Another session does not see the binding.
	other := handshake(t, e, queenClaims())
	wantRerror(t, rpc(t, e, other, 130, &ninep.Twalk{Fid: 0, Newfid: 1, Names: []string{"mnt"}}), ninep.CodeNotFound)
}

func TestMountService(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.RegisterService("procsvc", "/proc"); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	sid := handshake(t, e, queenClaims())

	walkTo(t, e, sid, 0, 1, "queen", "ctl")
	openFid(t, e, sid, 1, ninep.OpenWrite)
	writeFid(t, e, sid, 1, `{"mount":{"service":"procsvc","at":"/svc"}}`+"\n")

	walkTo(t, e, sid, 0, 2, "svc", "boot")
	openFid(t, e, sid, 2, ninep.OpenRead)
	if got := string(readFid(t, e, sid, 2, 0, 128)); got != defaultBootText {
		t.Errorf("read through mount = %q", got)
	}
}

func TestFrameOverNegotiatedMsize(t *testing.T) {
	e := newTestEngine(t, Options{})
	sid := e.OpenSession()
	rpc(t, e, sid, 1, &ninep.Tversion{Msize: 256, Version: ninep.Version})

	frame, err := ninep.Encode(2, &ninep.Twrite{Fid: 1, Data: bytes.Repeat([]byte{'x'}, 300)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, reply, err := ninep.Decode(e.HandleFrame(sid, frame))
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	wantRerror(t, reply, ninep.CodeTooBig)
}

func TestUnknownSessionAndBadFrames(t *testing.T) {
	e := newTestEngine(t, Options{})

	frame, err := ninep.Encode(7, &ninep.Tstat{Fid: 0})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, reply, err := ninep.Decode(e.HandleFrame(999, frame))
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	wantRerror(t, reply, ninep.CodeClosed)

	// A frame with an unknown message type earns an Invalid reply,
	// not silence.
	sid := e.OpenSession()
	bad := []byte{8, 0, 0, 0, 99, 1, 0, 0}
	_, reply, err = ninep.Decode(e.HandleFrame(sid, bad))
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	wantRerror(t, reply, ninep.CodeInvalid)
}

func TestCloseSessionKeepsWorkerRecord(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.ApplyControl([]byte(`{"spawn":"heartbeat","ticks":100}` + "\n")); err != nil {
		t.Fatalf("ApplyControl: %v", err)
	}
	claims := ticket.Claims{Role: policy.RoleWorkerHeartbeat, Subject: "worker-1"}

	sid := handshake(t, e, claims)
	e.CloseSession(sid)
	if got := e.Status().Workers; got != 1 {
		t.Fatalf("workers = %d, want record to survive disconnect", got)
	}

	// The worker reattaches on a fresh connection.
	handshake(t, e, claims)
}

func TestAuditStreamReadable(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.ApplyControl([]byte(`{"spawn":"heartbeat","ticks":100}` + "\n")); err != nil {
		t.Fatalf("ApplyControl: %v", err)
	}
	worker := handshake(t, e, ticket.Claims{Role: policy.RoleWorkerHeartbeat, Subject: "worker-1"})
	wantRerror(t, rpc(t, e, worker, 140, &ninep.Twalk{Fid: 0, Newfid: 1, Names: []string{"queen"}}), ninep.CodePermission)

	queen := handshake(t, e, queenClaims())
	walkTo(t, e, queen, 0, 1, "log", "audit")
	openFid(t, e, queen, 1, ninep.OpenRead)
	raw := readFid(t, e, queen, 1, 0, 4096)
	if len(raw) == 0 {
		t.Fatal("audit stream is empty")
	}
	var rec AuditRecord
	if err := codec.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		t.Fatalf("decode audit record: %v", err)
	}
	if rec.Kind != AuditDeny || rec.Op != "walk" {
		t.Errorf("first audit record = %+v, want walk deny", rec)
	}
}
