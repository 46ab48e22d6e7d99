// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/hivedoor/hivedoor/console"
)

// ConsoleServer is the network console pump source. It serves one
// operator connection at a time, like the single console UART it
// mirrors: a new connection replaces the current one. The Console,
// and with it the attach rate limiter, is shared across connections,
// so reconnecting does not launder failed ATTACH attempts.
type ConsoleServer struct {
	name    string
	console *console.Console
	logger  *slog.Logger
	notify  func()

	ln         net.Listener
	accepted   chan net.Conn
	acceptDone bool

	active net.Conn
	feed   *byteFeed
}

// NewConsoleServer starts the console listener on address and begins
// accepting in the background.
func NewConsoleServer(c *console.Console, address string, opts Options) (*ConsoleServer, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &ConsoleServer{
		name:     "net-console",
		console:  c,
		logger:   logger,
		notify:   opts.Notify,
		ln:       ln,
		accepted: make(chan net.Conn, acceptBacklog),
	}
	go s.acceptLoop()
	return s, nil
}

func (s *ConsoleServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("console accept failed", "error", err)
			}
			close(s.accepted)
			return
		}
		s.accepted <- conn
		wake(s.notify)
	}
}

// Name implements pump.Source.
func (s *ConsoleServer) Name() string { return s.name }

// Address returns the bound listen address.
func (s *ConsoleServer) Address() string { return s.ln.Addr().String() }

// Poll adopts the newest pending connection, consumes up to budget
// input bytes through the console, and flushes reply lines.
func (s *ConsoleServer) Poll(budget int) (int, error) {
	s.adoptPending()

	serviced := 0
	for s.feed != nil && serviced < budget {
		chunk, done := s.feed.take()
		if done {
			s.drop(s.feed.readErr())
			break
		}
		if chunk == nil {
			break
		}
		s.console.Feed(chunk)
		serviced += len(chunk)
	}

	s.flush()
	return serviced, nil
}

// adoptPending replaces the active connection with the newest queued
// one. Superseded connections are closed unserved.
func (s *ConsoleServer) adoptPending() {
	next := s.takeNewest()
	if next == nil {
		return
	}
	if s.active != nil {
		s.logger.Info("console connection replaced", "remote", s.active.RemoteAddr().String())
		s.active.Close()
	}
	s.console.Reset()
	s.active = next
	s.feed = newByteFeed(next, s.notify)
	s.logger.Info("console connected", "remote", next.RemoteAddr().String())
}

func (s *ConsoleServer) takeNewest() net.Conn {
	var next net.Conn
	for !s.acceptDone {
		select {
		case conn, ok := <-s.accepted:
			if !ok {
				s.acceptDone = true
				continue
			}
			if next != nil {
				next.Close()
			}
			next = conn
		default:
			return next
		}
	}
	return next
}

// flush writes queued reply lines to the active connection and closes
// it after QUIT.
func (s *ConsoleServer) flush() {
	if s.active == nil {
		return
	}
	for _, line := range s.console.Drain(0) {
		s.active.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := s.active.Write([]byte(line + "\n")); err != nil {
			s.drop(err)
			return
		}
	}
	if s.console.Done() {
		s.drop(nil)
	}
}

// drop detaches the active connection. The console resets but keeps
// its limiter state.
func (s *ConsoleServer) drop(err error) {
	if s.active == nil {
		return
	}
	if err != nil && err != io.EOF && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("console disconnected", "remote", s.active.RemoteAddr().String(), "error", err)
	} else {
		s.logger.Info("console disconnected", "remote", s.active.RemoteAddr().String())
	}
	s.active.Close()
	s.active = nil
	s.feed = nil
	s.console.Reset()
}

// Close stops accepting and drops the active connection. Call after
// the pump has stopped.
func (s *ConsoleServer) Close() error {
	err := s.ln.Close()
	for conn := range s.accepted {
		conn.Close()
	}
	s.drop(nil)
	return err
}
