// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/hivedoor/hivedoor/console"
)

// SerialConsole is the serial-port pump source. Unlike the network
// console there is no reconnect: the port is opened once at startup
// and a read failure retires the source.
type SerialConsole struct {
	name    string
	console *console.Console
	logger  *slog.Logger
	port    io.ReadWriteCloser
	feed    *byteFeed
	failed  error
}

// NewSerialConsole wires a console to an opened serial port. The port
// is typically the result of OpenSerial, but any stream works; tests
// use an in-memory pipe.
func NewSerialConsole(c *console.Console, port io.ReadWriteCloser, opts Options) *SerialConsole {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialConsole{
		name:    "serial",
		console: c,
		logger:  logger,
		port:    port,
		feed:    newByteFeed(port, opts.Notify),
	}
}

// Name implements pump.Source.
func (s *SerialConsole) Name() string { return s.name }

// Poll consumes up to budget input bytes through the console and
// flushes reply lines back to the port.
func (s *SerialConsole) Poll(budget int) (int, error) {
	if s.failed != nil {
		return 0, s.failed
	}
	serviced := 0
	for serviced < budget {
		chunk, done := s.feed.take()
		if done {
			err := s.feed.readErr()
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			s.failed = fmt.Errorf("serial read: %w", err)
			return serviced, s.failed
		}
		if chunk == nil {
			break
		}
		s.console.Feed(chunk)
		serviced += len(chunk)
	}
	for _, line := range s.console.Drain(0) {
		if _, err := s.port.Write([]byte(line + "\n")); err != nil {
			s.failed = fmt.Errorf("serial write: %w", err)
			return serviced, s.failed
		}
	}
	return serviced, nil
}

// Close releases the port.
func (s *SerialConsole) Close() error {
	return s.port.Close()
}

// serialBaudRates maps configured baud rates to termios speed flags.
var serialBaudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// OpenSerial opens a tty device in raw 8N1 mode at the given baud
// rate. Raw mode: no echo, no line editing, no signal characters, no
// output processing; reads block until at least one byte arrives.
func OpenSerial(path string, baud int) (*os.File, error) {
	speed, ok := serialBaudRates[baud]
	if !ok {
		return nil, fmt.Errorf("serial: unsupported baud rate %d", baud)
	}

	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: opening %s: %w", path, err)
	}

	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("serial: reading termios for %s: %w", path, err)
	}

	t.Iflag = 0
	t.Oflag = 0
	t.Lflag = 0
	t.Cflag = unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	t.Ispeed = speed
	t.Ospeed = speed

	if err := unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, t); err != nil {
		f.Close()
		return nil, fmt.Errorf("serial: configuring %s: %w", path, err)
	}
	return f, nil
}
