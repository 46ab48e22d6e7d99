// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hivedoor/hivedoor/lib/ninep"
)

// defaultTimeout bounds one request/reply exchange when Options does
// not say otherwise.
const defaultTimeout = 10 * time.Second

// rootFid stays bound to the namespace root from Attach onward. All
// walks start from it.
const rootFid = 0

// Options configures Dial.
type Options struct {
	// Logger receives connection-level events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Msize is the frame size proposed during version negotiation.
	// Zero selects the protocol maximum; the host may negotiate down.
	Msize uint32

	// Timeout bounds each request/reply exchange. Zero selects ten
	// seconds.
	Timeout time.Duration
}

// Client speaks the wire protocol over one connection. A single
// request is in flight at a time; methods are safe for concurrent
// use.
type Client struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	msize   uint32
	root    ninep.Qid
	tag     uint16
	nextFid uint32
	free    []uint32
}

// Dial connects to a host and negotiates the protocol version. The
// returned client is ready for Attach.
func Dial(ctx context.Context, address string, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	msize := opts.Msize
	if msize == 0 {
		msize = ninep.MaxMessageSize
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	c := &Client{
		logger:  logger,
		timeout: timeout,
		conn:    conn,
		nextFid: rootFid + 1,
	}
	c.mu.Lock()
	reply, err := c.rpcLocked(ctx, &ninep.Tversion{Msize: msize, Version: ninep.Version})
	c.mu.Unlock()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("version: %w", err)
	}
	version, ok := reply.(*ninep.Rversion)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("version: unexpected reply %T", reply)
	}
	c.msize = version.Msize
	return c, nil
}

// Attach presents a formatted ticket token and binds the namespace
// root. It must succeed before any path operation.
func (c *Client) Attach(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, err := c.rpcLocked(ctx, &ninep.Tattach{Fid: rootFid, Uname: token})
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	attached, ok := reply.(*ninep.Rattach)
	if !ok {
		return fmt.Errorf("attach: unexpected reply %T", reply)
	}
	c.root = attached.Qid
	return nil
}

// Msize returns the negotiated frame size cap.
func (c *Client) Msize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msize
}

// Close waits for any in-flight exchange and tears down the
// connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Stat returns metadata for the node at path. For append nodes the
// reply carries the retained window: [Base, Base+Length) is readable
// and Base+Length is the cursor a follower stores.
func (c *Client) Stat(ctx context.Context, path string) (ninep.Rstat, error) {
	names, err := ninep.ParsePath(path)
	if err != nil {
		return ninep.Rstat{}, fmt.Errorf("stat %s: %w", path, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fid, _, err := c.walkLocked(ctx, names)
	if err != nil {
		return ninep.Rstat{}, fmt.Errorf("stat %s: %w", path, err)
	}
	defer c.clunkLocked(ctx, fid)
	reply, err := c.rpcLocked(ctx, &ninep.Tstat{Fid: fid})
	if err != nil {
		return ninep.Rstat{}, fmt.Errorf("stat %s: %w", path, err)
	}
	stat, ok := reply.(*ninep.Rstat)
	if !ok {
		return ninep.Rstat{}, fmt.Errorf("stat %s: unexpected reply %T", path, reply)
	}
	return *stat, nil
}

// List returns the child names of the directory at path, in the
// host's sorted order.
func (c *Client) List(ctx context.Context, path string) ([]string, error) {
	data, err := c.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSuffix(string(data), "\n")
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// ReadFile reads the node's full readable window. Append nodes are
// bounded by a stat snapshot first, so a ring that wrapped cannot
// stall the loop; a ring that evicts mid-read may still repeat or
// skip bytes at chunk boundaries.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f, err := c.Open(ctx, path, ninep.OpenRead)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)

	offset := uint64(0)
	end := uint64(0)
	if f.qid.Type.IsAppend() {
		stat, err := f.Stat(ctx)
		if err != nil {
			return nil, err
		}
		offset, end = stat.Base, stat.Base+stat.Length
	}

	var content []byte
	for {
		count := f.iounit
		if end > 0 {
			remaining := end - offset
			if remaining == 0 {
				return content, nil
			}
			if uint64(count) > remaining {
				count = uint32(remaining)
			}
		}
		data, err := f.ReadAt(ctx, offset, count)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return content, nil
		}
		content = append(content, data...)
		offset += uint64(len(data))
	}
}

// WriteFile opens the node at path for writing, sends data, and
// closes it. This is the whole life of a control-sink command batch.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte) error {
	f, err := c.Open(ctx, path, ninep.OpenWrite)
	if err != nil {
		return err
	}
	if _, err := f.Write(ctx, data); err != nil {
		f.Close(ctx)
		return err
	}
	return f.Close(ctx)
}

// File is an open fid on the host. Reads and writes carry explicit
// offsets; there is no shared cursor.
type File struct {
	c      *Client
	path   string
	fid    uint32
	qid    ninep.Qid
	iounit uint32
	closed bool
}

// Open walks to path and opens it with the given mode.
func (c *Client) Open(ctx context.Context, path string, mode ninep.OpenMode) (*File, error) {
	names, err := ninep.ParsePath(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fid, qid, err := c.walkLocked(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	reply, err := c.rpcLocked(ctx, &ninep.Topen{Fid: fid, Mode: mode})
	if err != nil {
		c.clunkLocked(ctx, fid)
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	opened, ok := reply.(*ninep.Ropen)
	if !ok {
		c.clunkLocked(ctx, fid)
		return nil, fmt.Errorf("open %s: unexpected reply %T", path, reply)
	}
	return &File{c: c, path: path, fid: fid, qid: qid, iounit: opened.IOUnit}, nil
}

// Qid returns the node identity captured at open.
func (f *File) Qid() ninep.Qid { return f.qid }

// IOUnit returns the host's advertised per-read payload cap.
func (f *File) IOUnit() uint32 { return f.iounit }

// Stat refreshes the node metadata through the open fid.
func (f *File) Stat(ctx context.Context) (ninep.Rstat, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if f.closed {
		return ninep.Rstat{}, fmt.Errorf("stat %s: file closed", f.path)
	}
	reply, err := f.c.rpcLocked(ctx, &ninep.Tstat{Fid: f.fid})
	if err != nil {
		return ninep.Rstat{}, fmt.Errorf("stat %s: %w", f.path, err)
	}
	stat, ok := reply.(*ninep.Rstat)
	if !ok {
		return ninep.Rstat{}, fmt.Errorf("stat %s: unexpected reply %T", f.path, reply)
	}
	return *stat, nil
}

// ReadAt returns up to count bytes at offset. Short reads are normal;
// an empty result means nothing is readable at or beyond offset. On
// append nodes an offset below the retained base is clamped upward,
// so the data may start later in the stream than requested; cursor
// logic pairs this with Stat.
func (f *File) ReadAt(ctx context.Context, offset uint64, count uint32) ([]byte, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("read %s: file closed", f.path)
	}
	reply, err := f.c.rpcLocked(ctx, &ninep.Tread{Fid: f.fid, Offset: offset, Count: count})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	read, ok := reply.(*ninep.Rread)
	if !ok {
		return nil, fmt.Errorf("read %s: unexpected reply %T", f.path, reply)
	}
	return read.Data, nil
}

// Write sends data to the node, chunked so every frame fits the
// negotiated msize. The writable node kinds ignore offsets, so none
// is exposed.
func (f *File) Write(ctx context.Context, data []byte) (int, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if f.closed {
		return 0, fmt.Errorf("write %s: file closed", f.path)
	}

	chunk := int(f.c.msize) - ninep.WriteHeaderSize
	if int(f.iounit) < chunk {
		chunk = int(f.iounit)
	}
	if chunk <= 0 {
		return 0, fmt.Errorf("write %s: no payload room in msize %d", f.path, f.c.msize)
	}

	written := 0
	for written < len(data) {
		n := len(data) - written
		if n > chunk {
			n = chunk
		}
		reply, err := f.c.rpcLocked(ctx, &ninep.Twrite{Fid: f.fid, Data: data[written : written+n]})
		if err != nil {
			return written, fmt.Errorf("write %s: %w", f.path, err)
		}
		accepted, ok := reply.(*ninep.Rwrite)
		if !ok {
			return written, fmt.Errorf("write %s: unexpected reply %T", f.path, reply)
		}
		if accepted.Count == 0 {
			return written, fmt.Errorf("write %s: host accepted zero bytes", f.path)
		}
		written += int(accepted.Count)
	}
	return written, nil
}

// Close releases the fid on the host. Safe to call more than once.
func (f *File) Close(ctx context.Context) error {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if _, err := f.c.rpcLocked(ctx, &ninep.Tclunk{Fid: f.fid}); err != nil {
		return fmt.Errorf("close %s: %w", f.path, err)
	}
	f.c.releaseFid(f.fid)
	return nil
}

// walkLocked binds a fresh fid to the path, chunking deep paths
// across multiple walk messages. On failure nothing stays bound.
func (c *Client) walkLocked(ctx context.Context, names []string) (uint32, ninep.Qid, error) {
	fid := c.allocFid()
	qid := c.root
	from := uint32(rootFid)
	for {
		chunk := names
		if len(chunk) > ninep.MaxWalkElements {
			chunk = chunk[:ninep.MaxWalkElements]
		}
		names = names[len(chunk):]

		reply, err := c.rpcLocked(ctx, &ninep.Twalk{Fid: from, Newfid: fid, Names: chunk})
		if err != nil {
			c.abandonWalkLocked(ctx, fid, from == fid)
			return 0, ninep.Qid{}, err
		}
		walked, ok := reply.(*ninep.Rwalk)
		if !ok {
			c.abandonWalkLocked(ctx, fid, from == fid)
			return 0, ninep.Qid{}, fmt.Errorf("walk: unexpected reply %T", reply)
		}
		if len(walked.Qids) > 0 {
			qid = walked.Qids[len(walked.Qids)-1]
		}
		if len(names) == 0 {
			return fid, qid, nil
		}
		from = fid
	}
}

// abandonWalkLocked cleans up after a failed walk. The fid is bound
// on the host only when an earlier chunk of the same walk succeeded.
func (c *Client) abandonWalkLocked(ctx context.Context, fid uint32, bound bool) {
	if bound {
		c.clunkLocked(ctx, fid)
		return
	}
	c.releaseFid(fid)
}

// clunkLocked releases a fid the caller no longer wants. The local
// slot is reclaimed only when the host confirms, so a failed clunk
// cannot lead to rebinding a fid the host still tracks.
func (c *Client) clunkLocked(ctx context.Context, fid uint32) {
	if _, err := c.rpcLocked(ctx, &ninep.Tclunk{Fid: fid}); err != nil {
		c.logger.Warn("clunk failed", "fid", fid, "error", err)
		return
	}
	c.releaseFid(fid)
}

func (c *Client) allocFid() uint32 {
	if n := len(c.free); n > 0 {
		fid := c.free[n-1]
		c.free = c.free[:n-1]
		return fid
	}
	fid := c.nextFid
	c.nextFid++
	return fid
}

func (c *Client) releaseFid(fid uint32) {
	c.free = append(c.free, fid)
}

// rpcLocked sends one message and reads its reply. Rerror replies
// convert to *ninep.Error so callers can branch on the wire code.
// Any transport or protocol failure closes the connection: after a
// timeout or a desynchronized reply the stream state is unknown.
func (c *Client) rpcLocked(ctx context.Context, msg ninep.Message) (ninep.Message, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("connection closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.tag++
	tag := c.tag
	frame, err := ninep.Encode(tag, msg)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.teardownLocked()
		return nil, err
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("send: %w", err)
	}
	raw, err := ninep.ReadFrame(c.conn, c.msize)
	if err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("receive: %w", err)
	}
	replyTag, reply, err := ninep.Decode(raw)
	if err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if replyTag != tag {
		c.teardownLocked()
		return nil, fmt.Errorf("reply tag %d does not match request tag %d", replyTag, tag)
	}
	if rerr, ok := reply.(*ninep.Rerror); ok {
		return nil, &ninep.Error{Code: rerr.Code, Message: rerr.Message}
	}
	return reply, nil
}

func (c *Client) teardownLocked() {
	if c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil
}
