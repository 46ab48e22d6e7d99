// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package ninep

import (
	"encoding/binary"
	"io"
	"unicode/utf8"
)

const (
	// MaxMessageSize is the hard ceiling on any frame, independent of
	// the negotiated msize. Oversize frames are rejected from the
	// size header alone, before a body buffer exists.
	MaxMessageSize = 8192

	// MaxWalkElements bounds the path components in a single Twalk.
	// Enforced on both encode and decode.
	MaxWalkElements = 8

	// MaxComponentLength bounds a single path component in bytes.
	MaxComponentLength = 255

	// Version is the protocol version string exchanged in Tversion.
	Version = "9P2000.L"

	// frameHeaderSize covers the size field and the type byte.
	frameHeaderSize = 5

	// minFrameSize is the smallest legal frame: header plus tag.
	minFrameSize = frameHeaderSize + 2

	// ReadHeaderSize is the fixed overhead of an Rread reply (size,
	// type, tag, count). The host advertises iounit = msize minus
	// this, so a full iounit read always fits the negotiated cap.
	ReadHeaderSize = 11

	// WriteHeaderSize is the fixed overhead of a Twrite request (size,
	// type, tag, fid, offset, count). Clients chunk payloads to msize
	// minus this so a full write always fits the negotiated cap.
	WriteHeaderSize = 23
)

// Encode serializes a message into a complete frame. Walk components
// are validated on the way out, so a misbehaving client library fails
// locally instead of producing a frame the host will reject.
func Encode(tag uint16, m Message) ([]byte, error) {
	w := writer{buf: make([]byte, 0, 64)}
	w.u16(tag)

	switch m := m.(type) {
	case *Tversion:
		w.u32(m.Msize)
		if err := w.str(m.Version); err != nil {
			return nil, err
		}
	case *Rversion:
		w.u32(m.Msize)
		if err := w.str(m.Version); err != nil {
			return nil, err
		}
	case *Tattach:
		w.u32(m.Fid)
		w.u32(m.Afid)
		if err := w.str(m.Uname); err != nil {
			return nil, err
		}
		if err := w.str(m.Aname); err != nil {
			return nil, err
		}
		w.u32(m.Nuname)
	case *Rattach:
		w.qid(m.Qid)
	case *Rerror:
		if err := w.str(m.Code.String()); err != nil {
			return nil, err
		}
		if err := w.str(m.Message); err != nil {
			return nil, err
		}
	case *Twalk:
		w.u32(m.Fid)
		w.u32(m.Newfid)
		if len(m.Names) > MaxWalkElements {
			return nil, Errorf(CodeInvalid, "walk depth %d exceeds limit %d", len(m.Names), MaxWalkElements)
		}
		w.u16(uint16(len(m.Names)))
		for _, name := range m.Names {
			if err := ValidateComponent(name); err != nil {
				return nil, err
			}
			if err := w.str(name); err != nil {
				return nil, err
			}
		}
	case *Rwalk:
		if len(m.Qids) > MaxWalkElements {
			return nil, Errorf(CodeInvalid, "walk reply depth %d exceeds limit %d", len(m.Qids), MaxWalkElements)
		}
		w.u16(uint16(len(m.Qids)))
		for _, qid := range m.Qids {
			w.qid(qid)
		}
	case *Topen:
		w.u32(m.Fid)
		w.u8(uint8(m.Mode))
	case *Ropen:
		w.qid(m.Qid)
		w.u32(m.IOUnit)
	case *Tread:
		w.u32(m.Fid)
		w.u64(m.Offset)
		w.u32(m.Count)
	case *Rread:
		w.u32(uint32(len(m.Data)))
		w.bytes(m.Data)
	case *Twrite:
		w.u32(m.Fid)
		w.u64(m.Offset)
		w.u32(uint32(len(m.Data)))
		w.bytes(m.Data)
	case *Rwrite:
		w.u32(m.Count)
	case *Tclunk:
		w.u32(m.Fid)
	case *Rclunk:
	case *Tremove:
		w.u32(m.Fid)
	case *Rremove:
	case *Tstat:
		w.u32(m.Fid)
	case *Rstat:
		w.qid(m.Qid)
		w.u32(m.Mode)
		w.u64(m.Length)
		w.u64(m.Base)
		if err := w.str(m.Name); err != nil {
			return nil, err
		}
	default:
		return nil, Errorf(CodeInvalid, "unsupported message %T", m)
	}

	size := len(w.buf) + frameHeaderSize
	if size > MaxMessageSize {
		return nil, Errorf(CodeTooBig, "frame size %d exceeds limit %d", size, MaxMessageSize)
	}
	frame := make([]byte, 0, size)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(size))
	frame = append(frame, uint8(m.messageType()))
	frame = append(frame, w.buf...)
	return frame, nil
}

// Decode parses one complete frame into its tag and message. Every
// failure is a *Error; arbitrary input never panics.
func Decode(frame []byte) (uint16, Message, error) {
	if len(frame) < minFrameSize {
		return 0, nil, Errorf(CodeInvalid, "frame shorter than minimum %d bytes", minFrameSize)
	}
	declared := binary.LittleEndian.Uint32(frame)
	if declared > MaxMessageSize {
		return 0, nil, Errorf(CodeTooBig, "declared size %d exceeds limit %d", declared, MaxMessageSize)
	}
	if int(declared) != len(frame) {
		return 0, nil, Errorf(CodeInvalid, "declared size %d does not match frame length %d", declared, len(frame))
	}

	messageType := Type(frame[4])
	r := reader{buf: frame[frameHeaderSize:]}
	tag := r.u16()

	var m Message
	switch messageType {
	case MsgTversion:
		m = &Tversion{Msize: r.u32(), Version: r.str()}
	case MsgRversion:
		m = &Rversion{Msize: r.u32(), Version: r.str()}
	case MsgTattach:
		m = &Tattach{Fid: r.u32(), Afid: r.u32(), Uname: r.str(), Aname: r.str(), Nuname: r.u32()}
	case MsgRattach:
		m = &Rattach{Qid: r.qid()}
	case MsgRerror:
		codeName := r.str()
		message := r.str()
		if r.err == nil {
			code, err := ParseErrorCode(codeName)
			if err != nil {
				return 0, nil, Errorf(CodeInvalid, "unknown error code %q", codeName)
			}
			m = &Rerror{Code: code, Message: message}
		}
	case MsgTwalk:
		walk := &Twalk{Fid: r.u32(), Newfid: r.u32()}
		count := r.u16()
		if r.err == nil && int(count) > MaxWalkElements {
			return 0, nil, Errorf(CodeInvalid, "walk depth %d exceeds limit %d", count, MaxWalkElements)
		}
		for i := 0; i < int(count) && r.err == nil; i++ {
			name := r.str()
			if r.err == nil {
				if err := ValidateComponent(name); err != nil {
					return 0, nil, err
				}
			}
			walk.Names = append(walk.Names, name)
		}
		m = walk
	case MsgRwalk:
		walkReply := &Rwalk{}
		count := r.u16()
		if r.err == nil && int(count) > MaxWalkElements {
			return 0, nil, Errorf(CodeInvalid, "walk reply depth %d exceeds limit %d", count, MaxWalkElements)
		}
		for i := 0; i < int(count) && r.err == nil; i++ {
			walkReply.Qids = append(walkReply.Qids, r.qid())
		}
		m = walkReply
	case MsgTopen:
		fid := r.u32()
		rawMode := r.u8()
		if r.err == nil {
			mode, err := ParseOpenMode(rawMode)
			if err != nil {
				return 0, nil, err
			}
			m = &Topen{Fid: fid, Mode: mode}
		}
	case MsgRopen:
		m = &Ropen{Qid: r.qid(), IOUnit: r.u32()}
	case MsgTread:
		m = &Tread{Fid: r.u32(), Offset: r.u64(), Count: r.u32()}
	case MsgRread:
		m = &Rread{Data: r.counted()}
	case MsgTwrite:
		m = &Twrite{Fid: r.u32(), Offset: r.u64(), Data: r.counted()}
	case MsgRwrite:
		m = &Rwrite{Count: r.u32()}
	case MsgTclunk:
		m = &Tclunk{Fid: r.u32()}
	case MsgRclunk:
		m = &Rclunk{}
	case MsgTremove:
		m = &Tremove{Fid: r.u32()}
	case MsgRremove:
		m = &Rremove{}
	case MsgTstat:
		m = &Tstat{Fid: r.u32()}
	case MsgRstat:
		m = &Rstat{Qid: r.qid(), Mode: r.u32(), Length: r.u64(), Base: r.u64(), Name: r.str()}
	default:
		return 0, nil, Errorf(CodeInvalid, "unsupported message type %d", uint8(messageType))
	}

	if r.err != nil {
		return 0, nil, r.err
	}
	if r.pos != len(r.buf) {
		return 0, nil, Errorf(CodeInvalid, "%d trailing bytes after message body", len(r.buf)-r.pos)
	}
	return tag, m, nil
}

// ReadFrame reads one complete frame from r. The limit (normally the
// negotiated msize) is applied to the declared size before any body
// allocation; zero or oversize limits fall back to MaxMessageSize.
// Returns io.EOF unchanged when the stream ends cleanly between
// frames.
func ReadFrame(r io.Reader, limit uint32) ([]byte, error) {
	if limit == 0 || limit > MaxMessageSize {
		limit = MaxMessageSize
	}

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size < minFrameSize {
		return nil, Errorf(CodeInvalid, "declared size %d below minimum %d", size, minFrameSize)
	}
	if size > limit {
		return nil, Errorf(CodeTooBig, "declared size %d exceeds limit %d", size, limit)
	}

	frame := make([]byte, size)
	copy(frame, header[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// writer accumulates a message payload.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) bytes(data []byte) { w.buf = append(w.buf, data...) }

func (w *writer) str(s string) error {
	if len(s) > 0xFFFF {
		return Errorf(CodeInvalid, "string length %d exceeds field limit", len(s))
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

func (w *writer) qid(q Qid) {
	w.u8(uint8(q.Type))
	w.u32(q.Version)
	w.u64(q.Path)
}

// reader consumes a message payload with bounds checking. The first
// failure latches into err; subsequent reads return zero values.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) fail(code ErrorCode, format string, args ...any) {
	if r.err == nil {
		r.err = Errorf(code, format, args...)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.fail(CodeInvalid, "truncated message body")
		return nil
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) str() string {
	length := r.u16()
	b := r.take(int(length))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail(CodeInvalid, "invalid UTF-8 in string field")
		return ""
	}
	return string(b)
}

// counted reads a u32 length prefix followed by that many raw bytes.
func (r *reader) counted() []byte {
	length := r.u32()
	b := r.take(int(length))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) qid() Qid {
	return Qid{
		Type:    QidType(r.u8()),
		Version: r.u32(),
		Path:    r.u64(),
	}
}
