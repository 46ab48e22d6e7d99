// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"

	"github.com/hivedoor/hivedoor/lib/ninep"
)

const (
	// feedChunkBytes is the read size for console byte feeds.
	feedChunkBytes = 512

	// feedDepth bounds queued console chunks per connection. A full
	// queue blocks the feeder, pushing backpressure into the socket.
	feedDepth = 8

	// frameFeedDepth bounds queued protocol frames per connection,
	// sized to the engine's in-flight tag window.
	frameFeedDepth = 16
)

// byteFeed pumps a blocking reader into a bounded chunk channel so a
// pump source can consume it without blocking. The feeder goroutine
// exits when the reader fails or ends; the channel close is the
// end-of-stream marker, delivered after every queued chunk.
type byteFeed struct {
	chunks chan []byte

	mu  sync.Mutex
	err error
}

func newByteFeed(r io.Reader, notify func()) *byteFeed {
	f := &byteFeed{chunks: make(chan []byte, feedDepth)}
	go func() {
		for {
			buf := make([]byte, feedChunkBytes)
			n, err := r.Read(buf)
			if n > 0 {
				f.chunks <- buf[:n]
				wake(notify)
			}
			if err != nil {
				f.setErr(err)
				close(f.chunks)
				wake(notify)
				return
			}
		}
	}()
	return f
}

// take returns the next ready chunk without blocking. done reports
// end of stream; queued chunks drain before done is reported.
func (f *byteFeed) take() (chunk []byte, done bool) {
	select {
	case c, ok := <-f.chunks:
		if !ok {
			return nil, true
		}
		return c, false
	default:
		return nil, false
	}
}

func (f *byteFeed) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// readErr reports why the feed ended. io.EOF is a clean close.
func (f *byteFeed) readErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// frameFeed is the wire-protocol analogue of byteFeed: one complete
// frame per channel entry, framed by ninep.ReadFrame under the global
// message cap. The per-session msize is enforced by the engine, which
// knows the request tag and can answer with a proper Rerror; a stream
// that cannot be framed at all is unrecoverable and ends the feed.
type frameFeed struct {
	frames chan []byte

	mu  sync.Mutex
	err error
}

func newFrameFeed(conn net.Conn, notify func()) *frameFeed {
	f := &frameFeed{frames: make(chan []byte, frameFeedDepth)}
	go func() {
		for {
			frame, err := ninep.ReadFrame(conn, ninep.MaxMessageSize)
			if err != nil {
				f.setErr(err)
				close(f.frames)
				wake(notify)
				return
			}
			f.frames <- frame
			wake(notify)
		}
	}()
	return f
}

func (f *frameFeed) take() (frame []byte, done bool) {
	select {
	case fr, ok := <-f.frames:
		if !ok {
			return nil, true
		}
		return fr, false
	default:
		return nil, false
	}
}

func (f *frameFeed) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *frameFeed) readErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func wake(notify func()) {
	if notify != nil {
		notify()
	}
}
