// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"strconv"
	"strings"
)

// MaxLineLen bounds a single console line, terminator excluded.
const MaxLineLen = 128

// defaultTailCount is the line count TAIL uses when none is given.
const defaultTailCount = 10

// lineAssembler builds lines from a raw byte stream. An overlong line
// reports errLineTooLong once and the assembler discards input until
// the next newline, so the tail of a bad line never reparses as a
// fresh command.
type lineAssembler struct {
	buf        []byte
	discarding bool
}

// push consumes one byte and returns a completed line when the byte
// terminates one. tooLong fires exactly once per overlong line.
func (a *lineAssembler) push(b byte) (line string, complete, tooLong bool) {
	switch {
	case b == '\r':
		return "", false, false
	case b == '\n':
		if a.discarding {
			a.discarding = false
			return "", false, false
		}
		line = string(a.buf)
		a.buf = a.buf[:0]
		return line, true, false
	case a.discarding:
		return "", false, false
	case b == 0x08 || b == 0x7f:
		if len(a.buf) > 0 {
			a.buf = a.buf[:len(a.buf)-1]
		}
		return "", false, false
	case b < 0x20:
		return "", false, false
	default:
		if len(a.buf) >= MaxLineLen {
			a.buf = a.buf[:0]
			a.discarding = true
			return "", false, true
		}
		a.buf = append(a.buf, b)
		return "", false, false
	}
}

// reset drops partial input, for connection turnover.
func (a *lineAssembler) reset() {
	a.buf = a.buf[:0]
	a.discarding = false
}

// Console verbs. Matching is case-insensitive; replies always carry
// the canonical uppercase form.
const (
	verbHelp   = "HELP"
	verbPing   = "PING"
	verbAttach = "ATTACH"
	verbCaps   = "CAPS"
	verbMem    = "MEM"
	verbStatus = "STATUS"
	verbLog    = "LOG"
	verbTail   = "TAIL"
	verbSpawn  = "SPAWN"
	verbKill   = "KILL"
	verbQuit   = "QUIT"
)

// verbNames lists every verb in reply order, for HELP and for fuzzy
// suggestions on typos.
var verbNames = []string{
	verbAttach, verbCaps, verbHelp, verbKill, verbLog, verbMem,
	verbPing, verbQuit, verbSpawn, verbStatus, verbTail,
}

// command is one parsed console line.
type command struct {
	verb string

	role   string // ATTACH
	ticket string // ATTACH
	path   string // TAIL
	count  int    // TAIL
	text   string // LOG
	json   string // SPAWN
	worker string // KILL
}

// parseError carries the verb to acknowledge under and a hyphenated
// reason token for the ERR detail.
type parseError struct {
	verb   string
	reason string
}

func (e *parseError) Error() string {
	return "console: " + e.verb + " " + e.reason
}

// parseLine splits a trimmed, non-empty line into a command.
func parseLine(line string) (command, *parseError) {
	fields := strings.Fields(line)
	verb := strings.ToUpper(fields[0])
	args := fields[1:]

	switch verb {
	case verbHelp, verbPing, verbCaps, verbMem, verbStatus, verbQuit:
		return command{verb: verb}, nil

	case verbAttach:
		if len(args) == 0 {
			return command{}, &parseError{verb: verbAttach, reason: "missing-role"}
		}
		if len(args) < 2 {
			return command{}, &parseError{verb: verbAttach, reason: "expected-token"}
		}
		return command{verb: verbAttach, role: args[0], ticket: args[1]}, nil

	case verbTail:
		if len(args) == 0 {
			return command{}, &parseError{verb: verbTail, reason: "missing-path"}
		}
		cmd := command{verb: verbTail, path: args[0], count: defaultTailCount}
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return command{}, &parseError{verb: verbTail, reason: "invalid-count"}
			}
			cmd.count = n
		}
		return cmd, nil

	case verbLog:
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if rest == "" {
			return command{}, &parseError{verb: verbLog, reason: "missing-text"}
		}
		return command{verb: verbLog, text: rest}, nil

	case verbSpawn:
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if rest == "" {
			return command{}, &parseError{verb: verbSpawn, reason: "missing-payload"}
		}
		return command{verb: verbSpawn, json: rest}, nil

	case verbKill:
		if len(args) == 0 {
			return command{}, &parseError{verb: verbKill, reason: "missing-worker"}
		}
		return command{verb: verbKill, worker: args[0]}, nil
	}

	return command{}, &parseError{verb: verb, reason: "unknown-verb"}
}
