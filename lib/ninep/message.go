// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package ninep

// Type is a wire message opcode. The numbering follows 9P convention:
// T-messages are even, the matching R-message is T+1.
type Type uint8

const (
	MsgTversion Type = 100
	MsgRversion Type = 101
	MsgTattach  Type = 104
	MsgRattach  Type = 105
	MsgRerror   Type = 107
	MsgTwalk    Type = 110
	MsgRwalk    Type = 111
	MsgTopen    Type = 112
	MsgRopen    Type = 113
	MsgTread    Type = 116
	MsgRread    Type = 117
	MsgTwrite   Type = 118
	MsgRwrite   Type = 119
	MsgTclunk   Type = 120
	MsgRclunk   Type = 121
	MsgTremove  Type = 122
	MsgRremove  Type = 123
	MsgTstat    Type = 124
	MsgRstat    Type = 125
)

// Message is one decoded protocol message. The tag travels in the
// frame envelope, not in the message body, so pipelined dispatch can
// correlate replies without inspecting message internals.
type Message interface {
	messageType() Type
}

// Tversion negotiates the maximum frame size and protocol version.
// Must be the first message on a connection.
type Tversion struct {
	Msize   uint32
	Version string
}

// Rversion answers Tversion with the clamped frame size.
type Rversion struct {
	Msize   uint32
	Version string
}

// Tattach presents a capability ticket and binds Fid to the session
// root. Uname carries the base64url-encoded ticket token; Aname names
// the attach point (empty or "/"). Afid and Nuname are carried for
// layout compatibility and ignored by the host.
type Tattach struct {
	Fid    uint32
	Afid   uint32
	Uname  string
	Aname  string
	Nuname uint32
}

// Rattach answers Tattach with the root qid.
type Rattach struct {
	Qid Qid
}

// Rerror reports a failed request. Code is one of the seven protocol
// error codes; Message is advisory detail.
type Rerror struct {
	Code    ErrorCode
	Message string
}

// Twalk derives Newfid from Fid by walking at most MaxWalkElements
// path components.
type Twalk struct {
	Fid    uint32
	Newfid uint32
	Names  []string
}

// Rwalk answers Twalk with one qid per successfully walked component.
type Rwalk struct {
	Qids []Qid
}

// Topen prepares Fid for I/O in the given mode.
type Topen struct {
	Fid  uint32
	Mode OpenMode
}

// Ropen answers Topen. IOUnit is the largest read or write payload
// the host guarantees to satisfy in a single request.
type Ropen struct {
	Qid    Qid
	IOUnit uint32
}

// Tread requests Count bytes at Offset. On append-only nodes the
// offset is a resume cursor: reads below the retained base are
// clamped, never failed.
type Tread struct {
	Fid    uint32
	Offset uint64
	Count  uint32
}

// Rread answers Tread with the data actually read.
type Rread struct {
	Data []byte
}

// Twrite writes Data at Offset. Append-only nodes ignore the offset
// entirely.
type Twrite struct {
	Fid    uint32
	Offset uint64
	Data   []byte
}

// Rwrite answers Twrite with the byte count accepted.
type Rwrite struct {
	Count uint32
}

// Tclunk releases Fid. Clunk consumes no operation budget.
type Tclunk struct {
	Fid uint32
}

// Rclunk acknowledges Tclunk.
type Rclunk struct{}

// Tremove asks to delete the node behind Fid. The host recognizes the
// request and always denies it: namespace mutation flows through the
// control plane, never through client fids.
type Tremove struct {
	Fid uint32
}

// Rremove acknowledges Tremove. Defined for protocol completeness;
// the host never emits it.
type Rremove struct{}

// Tstat requests metadata for Fid.
type Tstat struct {
	Fid uint32
}

// Rstat answers Tstat with the compact synthetic stat: qid, mode
// bits, length, base, and leaf name. Length is the retained byte
// count for append nodes, the content length for static nodes, and
// zero for directories and control sinks. Base is the stream offset
// of the earliest retained byte on append nodes and zero elsewhere;
// Base+Length is the append cursor a reader stores to resume.
type Rstat struct {
	Qid    Qid
	Mode   uint32
	Length uint64
	Base   uint64
	Name   string
}

func (*Tversion) messageType() Type { return MsgTversion }
func (*Rversion) messageType() Type { return MsgRversion }
func (*Tattach) messageType() Type  { return MsgTattach }
func (*Rattach) messageType() Type  { return MsgRattach }
func (*Rerror) messageType() Type   { return MsgRerror }
func (*Twalk) messageType() Type    { return MsgTwalk }
func (*Rwalk) messageType() Type    { return MsgRwalk }
func (*Topen) messageType() Type    { return MsgTopen }
func (*Ropen) messageType() Type    { return MsgRopen }
func (*Tread) messageType() Type    { return MsgTread }
func (*Rread) messageType() Type    { return MsgRread }
func (*Twrite) messageType() Type   { return MsgTwrite }
func (*Rwrite) messageType() Type   { return MsgRwrite }
func (*Tclunk) messageType() Type   { return MsgTclunk }
func (*Rclunk) messageType() Type   { return MsgRclunk }
func (*Tremove) messageType() Type  { return MsgTremove }
func (*Rremove) messageType() Type  { return MsgRremove }
func (*Tstat) messageType() Type    { return MsgTstat }
func (*Rstat) messageType() Type    { return MsgRstat }
