// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive spools bytes evicted from append-log rings into
// compressed segment files, preserving a lossless trail beyond ring
// capacity. One Sink serves one ring; segments rotate at a fixed
// uncompressed size and are self-describing, so a segment can be
// decompressed without any external metadata.
package archive

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression algorithm of a segment. The value
// is stored in the segment header (1 byte); changing these values
// breaks existing archives.
type Codec uint8

const (
	// CodecNone stores bytes uncompressed. Never selected by config;
	// used as the fallback when a segment is incompressible.
	CodecNone Codec = 0

	// CodecLZ4 is LZ4 block compression: fast, modest ratios.
	CodecLZ4 Codec = 1

	// CodecZstd is zstd at the default level: better ratios for the
	// text-like log traffic these segments hold.
	CodecZstd Codec = 2
)

// String returns the config name of the codec.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec parses a config codec name. CodecNone is not accepted:
// an archive that stores nothing compressed is configured off by
// leaving the archive directory empty instead.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("archive: unknown codec %q", name)
	}
}

// Segment header: magic + codec byte + uncompressed length.
var segmentMagic = [4]byte{'H', 'D', 'A', '1'}

const (
	headerSize       = 9
	segmentExtension = ".seg"
)

// zstdEncoder and zstdDecoder are shared across sinks; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Sink accumulates evicted bytes and writes a compressed segment file
// each time segmentBytes of input have arrived. Write matches the ring
// eviction callback signature and never fails: a segment that cannot
// be written is logged and dropped, the ring has already moved on.
//
// Not safe for concurrent use; each ring calls its sink under the
// ring's own lock.
type Sink struct {
	dir          string
	name         string
	codec        Codec
	segmentBytes int
	logger       *slog.Logger

	buffer  []byte
	nextSeq uint64
}

// NewSink creates a sink writing segments named
// <name>-<seq>.seg under dir. If segments from an earlier run exist,
// numbering resumes after the highest.
func NewSink(dir, name string, codec Codec, segmentBytes int, logger *slog.Logger) (*Sink, error) {
	if segmentBytes <= 0 {
		return nil, fmt.Errorf("archive: non-positive segment size %d", segmentBytes)
	}
	switch codec {
	case CodecLZ4, CodecZstd:
	default:
		return nil, fmt.Errorf("archive: cannot sink with codec %v", codec)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating %s: %w", dir, err)
	}

	sink := &Sink{
		dir:          dir,
		name:         sanitizeName(name),
		codec:        codec,
		segmentBytes: segmentBytes,
		logger:       logger,
	}

	existing, err := ListSegments(dir, sink.name)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		last := existing[len(existing)-1]
		seq, err := segmentSeq(last)
		if err != nil {
			return nil, err
		}
		sink.nextSeq = seq + 1
	}
	return sink, nil
}

// Write accepts evicted bytes, rotating out full segments.
func (s *Sink) Write(data []byte) {
	s.buffer = append(s.buffer, data...)
	for len(s.buffer) >= s.segmentBytes {
		s.rotate(s.buffer[:s.segmentBytes])
		remainder := len(s.buffer) - s.segmentBytes
		copy(s.buffer, s.buffer[s.segmentBytes:])
		s.buffer = s.buffer[:remainder]
	}
}

// Flush writes any buffered partial segment. Called at daemon
// shutdown so the tail of the stream is not lost.
func (s *Sink) Flush() {
	if len(s.buffer) == 0 {
		return
	}
	s.rotate(s.buffer)
	s.buffer = s.buffer[:0]
}

func (s *Sink) rotate(data []byte) {
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%08d%s", s.name, s.nextSeq, segmentExtension))
	if err := writeSegment(path, data, s.codec); err != nil {
		s.logger.Error("archive segment write failed",
			"path", path, "bytes", len(data), "error", err)
		return
	}
	s.nextSeq++
	s.logger.Debug("archive segment written", "path", path, "bytes", len(data))
}

func writeSegment(path string, data []byte, codec Codec) error {
	compressed, used := compress(data, codec)

	out := make([]byte, headerSize, headerSize+len(compressed))
	copy(out, segmentMagic[:])
	out[4] = byte(used)
	binary.LittleEndian.PutUint32(out[5:9], uint32(len(data)))
	out = append(out, compressed...)

	return os.WriteFile(path, out, 0o644)
}

// compress applies the configured codec, falling back to CodecNone
// when the output would not shrink.
func compress(data []byte, codec Codec) ([]byte, Codec) {
	switch codec {
	case CodecLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil || written == 0 || written >= len(data) {
			return data, CodecNone
		}
		return destination[:written], CodecLZ4
	case CodecZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return data, CodecNone
		}
		return compressed, CodecZstd
	default:
		return data, CodecNone
	}
}

// ReadSegment decompresses one segment file.
func ReadSegment(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < headerSize || [4]byte(raw[:4]) != segmentMagic {
		return nil, fmt.Errorf("archive: %s is not a segment file", path)
	}
	codec := Codec(raw[4])
	uncompressedSize := int(binary.LittleEndian.Uint32(raw[5:9]))
	body := raw[headerSize:]

	switch codec {
	case CodecNone:
		if len(body) != uncompressedSize {
			return nil, fmt.Errorf("archive: %s: size %d does not match header %d", path, len(body), uncompressedSize)
		}
		return body, nil
	case CodecLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("archive: %s: lz4 decompress: %w", path, err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("archive: %s: got %d bytes, expected %d", path, read, uncompressedSize)
		}
		return destination, nil
	case CodecZstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("archive: %s: zstd decompress: %w", path, err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("archive: %s: got %d bytes, expected %d", path, len(result), uncompressedSize)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("archive: %s: unknown codec %d", path, uint8(codec))
	}
}

// ListSegments returns the segment paths for one stream name, in
// sequence order.
func ListSegments(dir, name string) ([]string, error) {
	pattern := filepath.Join(dir, sanitizeName(name)+"-*"+segmentExtension)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// segmentSeq extracts the sequence number from a segment path.
func segmentSeq(path string) (uint64, error) {
	base := strings.TrimSuffix(filepath.Base(path), segmentExtension)
	dash := strings.LastIndex(base, "-")
	if dash < 0 {
		return 0, fmt.Errorf("archive: malformed segment name %q", path)
	}
	seq, err := strconv.ParseUint(base[dash+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("archive: malformed segment name %q: %w", path, err)
	}
	return seq, nil
}

// sanitizeName flattens a namespace path into a file-name-safe stream
// name: "/log/queen.log" becomes "log-queen.log".
func sanitizeName(name string) string {
	name = strings.Trim(name, "/")
	return strings.ReplaceAll(name, "/", "-")
}
