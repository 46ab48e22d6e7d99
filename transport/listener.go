// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
)

// writeTimeout bounds one reply write. A peer that stops reading loses
// its connection rather than stalling the pump.
const writeTimeout = 5 * time.Second

// acceptBacklog bounds connections accepted but not yet adopted by the
// pump. A full backlog blocks the accept loop, not the pump.
const acceptBacklog = 4

// Host is the engine surface the wire transport drives. *engine.Engine
// satisfies it.
type Host interface {
	OpenSession() uint64
	HandleFrame(sessionID uint64, frame []byte) []byte
	CloseSession(sessionID uint64)
}

// Options configures transport sources.
type Options struct {
	Logger *slog.Logger

	// Notify wakes the pump when a feeder goroutine queues work.
	Notify func()
}

// Listener is the wire-protocol pump source: it accepts TCP
// connections, opens one engine session per connection, and services
// queued frames under the poll budget, one frame per connection per
// round so no session starves its neighbors.
type Listener struct {
	name   string
	host   Host
	logger *slog.Logger
	notify func()

	ln         net.Listener
	accepted   chan net.Conn
	acceptDone bool
	conns      []*wireConn
}

type wireConn struct {
	sid  uint64
	conn net.Conn
	feed *frameFeed
}

// NewListener starts listening on address ("host:port"; use ":0" for
// an ephemeral port) and begins accepting in the background.
func NewListener(host Host, address string, opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		name:     "transport",
		host:     host,
		logger:   logger,
		notify:   opts.Notify,
		ln:       ln,
		accepted: make(chan net.Conn, acceptBacklog),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Error("transport accept failed", "error", err)
			}
			close(l.accepted)
			return
		}
		l.accepted <- conn
		wake(l.notify)
	}
}

// Name implements pump.Source.
func (l *Listener) Name() string { return l.name }

// Address returns the bound listen address.
func (l *Listener) Address() string { return l.ln.Addr().String() }

// Poll adopts pending connections, then services up to budget frames
// across the live connections round-robin.
func (l *Listener) Poll(budget int) (int, error) {
	l.adoptPending()

	serviced := 0
	for serviced < budget {
		progressed := false
		kept := l.conns[:0]
		for _, wc := range l.conns {
			if serviced >= budget {
				kept = append(kept, wc)
				continue
			}
			frame, done := wc.feed.take()
			if done {
				l.retire(wc)
				continue
			}
			if frame == nil {
				kept = append(kept, wc)
				continue
			}
			progressed = true
			serviced++
			if l.serve(wc, frame) {
				kept = append(kept, wc)
			} else {
				l.retire(wc)
			}
		}
		l.conns = kept
		if !progressed {
			break
		}
	}
	return serviced, nil
}

func (l *Listener) adoptPending() {
	for !l.acceptDone {
		select {
		case conn, ok := <-l.accepted:
			if !ok {
				l.acceptDone = true
				continue
			}
			wc := &wireConn{
				sid:  l.host.OpenSession(),
				conn: conn,
				feed: newFrameFeed(conn, l.notify),
			}
			l.conns = append(l.conns, wc)
			l.logger.Info("transport session opened", "session", wc.sid, "remote", conn.RemoteAddr().String())
		default:
			return
		}
	}
}

// serve dispatches one frame and writes the reply. Reports whether the
// connection is still usable.
func (l *Listener) serve(wc *wireConn, frame []byte) bool {
	reply := l.host.HandleFrame(wc.sid, frame)
	wc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := wc.conn.Write(reply); err != nil {
		l.logger.Warn("transport reply write failed", "session", wc.sid, "error", err)
		return false
	}
	return true
}

func (l *Listener) retire(wc *wireConn) {
	l.host.CloseSession(wc.sid)
	wc.conn.Close()
	if err := wc.feed.readErr(); err != nil && err != io.EOF && !errors.Is(err, net.ErrClosed) {
		l.logger.Warn("transport session closed", "session", wc.sid, "error", err)
		return
	}
	l.logger.Info("transport session closed", "session", wc.sid)
}

// Close stops accepting and tears down every connection. Call after
// the pump has stopped.
func (l *Listener) Close() error {
	err := l.ln.Close()
	for conn := range l.accepted {
		conn.Close()
	}
	for _, wc := range l.conns {
		l.retire(wc)
	}
	l.conns = nil
	return err
}
