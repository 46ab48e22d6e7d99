// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hivedoor/hivedoor/console"
	"github.com/hivedoor/hivedoor/policy"
)

// Console is a line client for the operator console protocol. One
// command is in flight at a time; methods are safe for concurrent
// use.
type Console struct {
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Reply is one complete console exchange: the acknowledgement line
// plus, for streaming verbs, every row up to the end marker.
type Reply struct {
	Ack  string
	Body []string
}

// CommandError is a parsed ERR acknowledgement.
type CommandError struct {
	Verb   string
	Reason string
	Detail string
}

func (e *CommandError) Error() string {
	msg := "console: " + e.Verb + " " + e.Reason
	if e.Detail != "" {
		msg += " " + e.Detail
	}
	return msg
}

// DialConsole connects to a host's network console. Options.Msize has
// no meaning on the line protocol and is ignored.
func DialConsole(ctx context.Context, address string, opts Options) (*Console, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial console %s: %w", address, err)
	}
	return &Console{
		logger:  logger,
		timeout: timeout,
		conn:    conn,
		reader:  bufio.NewReader(conn),
	}, nil
}

// Ping checks console liveness.
func (c *Console) Ping(ctx context.Context) error {
	reply, err := c.Command(ctx, "PING")
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if reply.Ack != "PONG" {
		return fmt.Errorf("ping: unexpected reply %q", reply.Ack)
	}
	return nil
}

// Attach authenticates the console conversation with a role label and
// a formatted ticket token.
func (c *Console) Attach(ctx context.Context, role policy.Role, token string) error {
	reply, err := c.Command(ctx, "ATTACH "+role.String()+" "+token)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if !strings.HasPrefix(reply.Ack, "OK ATTACH") {
		return fmt.Errorf("attach: unexpected reply %q", reply.Ack)
	}
	return nil
}

// Quit ends the conversation. The host acknowledges and then closes
// the connection.
func (c *Console) Quit(ctx context.Context) error {
	reply, err := c.Command(ctx, "QUIT")
	if err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	if !strings.HasPrefix(reply.Ack, "OK QUIT") {
		return fmt.Errorf("quit: unexpected reply %q", reply.Ack)
	}
	return nil
}

// Command runs one console line and collects the complete reply. An
// ERR acknowledgement returns as *CommandError; streaming verbs have
// their rows gathered through the end marker.
func (c *Console) Command(ctx context.Context, line string) (Reply, error) {
	if strings.ContainsAny(line, "\r\n") {
		return Reply{}, fmt.Errorf("console command contains a line break")
	}
	if len(line) > console.MaxLineLen {
		return Reply{}, fmt.Errorf("console command length %d exceeds limit %d", len(line), console.MaxLineLen)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return Reply{}, fmt.Errorf("console connection closed")
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.teardownLocked()
		return Reply{}, err
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.teardownLocked()
		return Reply{}, fmt.Errorf("send: %w", err)
	}

	ack, err := c.readLineLocked()
	if err != nil {
		return Reply{}, err
	}
	if cerr, ok := parseConsoleError(ack); ok {
		return Reply{}, cerr
	}
	reply := Reply{Ack: ack}
	verb := streamingVerb(ack)
	if verb == "" {
		return reply, nil
	}
	terminator := "END " + verb
	for {
		row, err := c.readLineLocked()
		if err != nil {
			return Reply{}, err
		}
		if row == terminator {
			return reply, nil
		}
		reply.Body = append(reply.Body, row)
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

func (c *Console) readLineLocked() (string, error) {
	raw, err := c.reader.ReadString('\n')
	if err != nil {
		c.teardownLocked()
		return "", fmt.Errorf("receive: %w", err)
	}
	return strings.TrimRight(raw, "\r\n"), nil
}

func (c *Console) teardownLocked() {
	if c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil
	c.reader = nil
}

// parseConsoleError recognizes an ERR acknowledgement.
func parseConsoleError(ack string) (*CommandError, bool) {
	fields := strings.Fields(ack)
	if len(fields) < 2 || fields[0] != "ERR" {
		return nil, false
	}
	cerr := &CommandError{Verb: fields[1]}
	rest := fields[2:]
	if len(rest) > 0 && strings.HasPrefix(rest[0], "reason=") {
		cerr.Reason = strings.TrimPrefix(rest[0], "reason=")
		rest = rest[1:]
	}
	cerr.Detail = strings.Join(rest, " ")
	return cerr, true
}

// streamingVerb reports the verb whose rows follow the ack, or the
// empty string for single-line replies.
func streamingVerb(ack string) string {
	fields := strings.Fields(ack)
	if len(fields) < 2 || fields[0] != "OK" {
		return ""
	}
	switch fields[1] {
	case "STATUS", "TAIL":
		return fields[1]
	}
	return ""
}
