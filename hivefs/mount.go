// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package hivefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hivedoor/hivedoor/client"
	"github.com/hivedoor/hivedoor/lib/ninep"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Client is the wire client backing the mount. It must already be
	// attached; the mount serves whatever namespace view the attached
	// ticket's role was granted.
	Client *client.Client

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, errors go to
	// stderr.
	Logger *slog.Logger
}

// Mount mounts the namespace view at the configured mountpoint. The
// caller must call Unmount on the returned Server when done. The
// mountpoint directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &dirNode{
		view: &view{client: options.Client, logger: options.Logger},
		path: "/",
	}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "hivedoor",
			Name:       "hivedoor",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("namespace mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// view is the shared state behind every node: the wire client and the
// mount's logger.
type view struct {
	client *client.Client
	logger *slog.Logger
}

// nodeKind classifies a namespace node from its stat reply.
type nodeKind int

const (
	kindStatic nodeKind = iota
	kindAppend
	kindControl
)

// kindOf classifies a non-directory stat. Control sinks share the
// append qid type on the wire; the write-only permission bits tell
// them apart.
func kindOf(stat ninep.Rstat) nodeKind {
	if stat.Mode&0o777 == 0o222 {
		return kindControl
	}
	if stat.Qid.Type.IsAppend() {
		return kindAppend
	}
	return kindStatic
}

// permOf maps the host's permission bits onto the mount. Write bits
// are masked: nothing is writable through this filesystem.
func permOf(stat ninep.Rstat) uint32 {
	return uint32(stat.Mode&0o777) &^ 0o222
}

// errnoOf maps wire protocol failures onto errnos. Failures that carry
// no protocol code (connection loss, timeouts) report EIO.
func errnoOf(err error) syscall.Errno {
	var protoErr *ninep.Error
	if !errors.As(err, &protoErr) {
		return syscall.EIO
	}
	switch protoErr.Code {
	case ninep.CodePermission:
		return syscall.EACCES
	case ninep.CodeNotFound:
		return syscall.ENOENT
	case ninep.CodeBusy, ninep.CodeRateLimited:
		return syscall.EBUSY
	default:
		return syscall.EIO
	}
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// dirNode is a namespace directory. Children are resolved through the
// wire on every lookup, so the mount tracks spawn and kill without any
// invalidation protocol; the kernel's entry timeout bounds staleness.
type dirNode struct {
	gofuse.Inode
	view *view
	path string
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := joinPath(d.path, name)

	stat, err := d.view.client.Stat(ctx, childPath)
	if err != nil {
		return nil, errnoOf(err)
	}

	if stat.Qid.Type.IsDir() {
		child := d.NewPersistentInode(ctx, &dirNode{
			view: d.view,
			path: childPath,
		}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
		out.Mode = syscall.S_IFDIR | permOf(stat)
		return child, 0
	}

	node := &fileNode{view: d.view, path: childPath, kind: kindOf(stat)}
	child := d.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | permOf(stat)
	out.Size = stat.Length
	return child, 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	names, err := d.view.client.List(ctx, d.path)
	if err != nil {
		return nil, errnoOf(err)
	}

	var entries []fuse.DirEntry
	for _, name := range names {
		childPath := joinPath(d.path, name)
		stat, err := d.view.client.Stat(ctx, childPath)
		if err != nil {
			// The listing is visible but the entry is not (an
			// observer sees the root listing while /queen stays
			// untraversable). Hide what the role cannot reach.
			d.view.logger.Debug("hiding unreachable entry",
				"path", childPath,
				"error", err,
			)
			continue
		}

		mode := uint32(syscall.S_IFREG)
		if stat.Qid.Type.IsDir() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
	}

	return &sliceDirStream{entries: entries}, 0
}

// fileNode is a non-directory namespace node. Attributes are re-read
// over the wire on every Getattr so a growing or evicting ring reports
// its current window.
type fileNode struct {
	gofuse.Inode
	view *view
	path string
	kind nodeKind
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)

func (n *fileNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	stat, err := n.view.client.Stat(ctx, n.path)
	if err != nil {
		return errnoOf(err)
	}
	out.Mode = syscall.S_IFREG | permOf(stat)
	out.Size = stat.Length
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 8192 // one wire frame
	return 0
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	// Control sinks hold no readable bytes. Serve an empty file
	// without touching the wire; opening one for reading on the host
	// would be denied for most roles anyway.
	if n.kind == kindControl {
		return nil, fuse.FOPEN_DIRECT_IO, 0
	}

	file, err := n.view.client.Open(ctx, n.path, ninep.OpenRead)
	if err != nil {
		n.view.logger.Error("open failed", "path", n.path, "error", err)
		return nil, 0, errnoOf(err)
	}

	handle := &readHandle{file: file}
	if n.kind == kindAppend {
		// The window slides under the kernel; direct IO keeps every
		// read on the wire instead of trusting cached pages.
		return handle, fuse.FOPEN_DIRECT_IO, 0
	}

	// Static content never changes while mounted.
	return handle, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *fileNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	handle, ok := f.(*readHandle)
	if !ok {
		// Control sink: always empty.
		return fuse.ReadResultData(nil), 0
	}

	var got int
	var err error
	if n.kind == kindAppend {
		got, err = handle.readWindow(ctx, dest, off)
	} else {
		got, err = handle.readStream(ctx, dest, uint64(off))
	}
	if err != nil {
		n.view.logger.Error("read failed", "path", n.path, "offset", off, "error", err)
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:got]), 0
}

// readHandle wraps an open wire fid for the lifetime of one kernel
// open.
type readHandle struct {
	file *client.File
}

var _ gofuse.FileReleaser = (*readHandle)(nil)

// readStream fills dest from the fixed byte offsets of a static node.
// The wire caps each reply at the advertised iounit, so one kernel
// read usually takes several round trips.
func (h *readHandle) readStream(ctx context.Context, dest []byte, offset uint64) (int, error) {
	got := 0
	for got < len(dest) {
		data, err := h.file.ReadAt(ctx, offset+uint64(got), uint32(len(dest)-got))
		if err != nil {
			return got, err
		}
		if len(data) == 0 {
			break
		}
		got += copy(dest[got:], data)
	}
	return got, nil
}

// readWindow maps kernel offsets onto the retained ring window. The
// window is located fresh on every call: the host's stat reports the
// oldest retained stream offset and the retained span, and file
// offset k reads stream offset base+k.
func (h *readHandle) readWindow(ctx context.Context, dest []byte, off int64) (int, error) {
	stat, err := h.file.Stat(ctx)
	if err != nil {
		return 0, err
	}
	if off < 0 || uint64(off) >= stat.Length {
		return 0, nil
	}

	remaining := stat.Length - uint64(off)
	if uint64(len(dest)) > remaining {
		dest = dest[:remaining]
	}

	start := stat.Base + uint64(off)
	got := 0
	for got < len(dest) {
		data, err := h.file.ReadAt(ctx, start+uint64(got), uint32(len(dest)-got))
		if err != nil {
			return got, err
		}
		if len(data) == 0 {
			break
		}
		got += copy(dest[got:], data)
	}
	return got, nil
}

func (h *readHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.file.Close(ctx); err != nil {
		return syscall.EIO
	}
	return 0
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
