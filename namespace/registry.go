// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package namespace holds the synthetic tree served to sessions: a
// registry of addressable nodes backed by the closed provider set
// (directory, static text, append ring, control sink), plus the
// session-scoped mount table that rewrites view paths to canonical
// ones.
//
// The registry knows nothing about protocol framing, roles, or
// budgets. The engine owns all of that and is also the only caller
// allowed to mutate the tree; external collaborators such as the GPU
// bridge publish nodes through the same Publish methods without ever
// seeing a session.
//
// Nothing here is safe for concurrent use. The event pump serializes
// every access on its single goroutine.
package namespace

import (
	"strings"

	"github.com/hivedoor/hivedoor/lib/ninep"
	"github.com/hivedoor/hivedoor/lib/ring"
)

// Registry is the process-wide node tree shared by every session.
type Registry struct {
	root     *Node
	services map[string][]string
}

// New returns a registry holding only the root directory.
func New() *Registry {
	return &Registry{
		root: &Node{
			path:     nil,
			kind:     KindDir,
			qid:      pathQid(KindDir, nil),
			children: make(map[string]*Node),
		},
		services: make(map[string][]string),
	}
}

// Bootstrap installs the boot tree: the boot banner, the queen log,
// the queen control sink, and the worker and gpu directories.
func (r *Registry) Bootstrap(bootText []byte, logCapacity int) error {
	if _, err := r.PublishStatic([]string{"proc", "boot"}, bootText); err != nil {
		return err
	}
	logNode, err := r.PublishAppend([]string{"log", "queen.log"}, logCapacity)
	if err != nil {
		return err
	}
	logNode.log.Append(bootText)
	if _, err := r.PublishControl([]string{"queen", "ctl"}); err != nil {
		return err
	}
	if _, err := r.EnsureDir([]string{"worker"}); err != nil {
		return err
	}
	if _, err := r.EnsureDir([]string{"gpu"}); err != nil {
		return err
	}
	return nil
}

// RootQid returns the qid of the tree root.
func (r *Registry) RootQid() ninep.Qid {
	return r.root.qid
}

// Lookup resolves a canonical path to its node.
func (r *Registry) Lookup(path []string) (*Node, error) {
	node := r.root
	for _, component := range path {
		node = node.child(component)
		if node == nil {
			return nil, ninep.Errorf(ninep.CodeNotFound, "path /%s not found", strings.Join(path, "/"))
		}
	}
	return node, nil
}

// EnsureDir creates the directory at path, creating missing parents.
// An existing non-directory anywhere along the path is an error.
func (r *Registry) EnsureDir(path []string) (*Node, error) {
	node := r.root
	for index, component := range path {
		next := node.child(component)
		if next == nil {
			next = &Node{
				path:     append([]string(nil), path[:index+1]...),
				kind:     KindDir,
				qid:      pathQid(KindDir, path[:index+1]),
				children: make(map[string]*Node),
			}
			node.children[component] = next
		}
		if !next.IsDir() {
			return nil, ninep.Errorf(ninep.CodeInvalid, "path /%s is not a directory", strings.Join(path[:index+1], "/"))
		}
		node = next
	}
	return node, nil
}

// PublishStatic installs read-only content at path, replacing any
// existing node of any kind.
func (r *Registry) PublishStatic(path []string, content []byte) (*Node, error) {
	parent, err := r.publishParent(path)
	if err != nil {
		return nil, err
	}
	node := &Node{
		path:    append([]string(nil), path...),
		kind:    KindStatic,
		qid:     pathQid(KindStatic, path),
		content: append([]byte(nil), content...),
	}
	parent.children[path[len(path)-1]] = node
	return node, nil
}

// PublishAppend installs a bounded append ring at path, replacing any
// existing node. A non-positive capacity selects ring.DefaultCapacity.
func (r *Registry) PublishAppend(path []string, capacity int) (*Node, error) {
	parent, err := r.publishParent(path)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = ring.DefaultCapacity
	}
	node := &Node{
		path: append([]string(nil), path...),
		kind: KindAppend,
		qid:  pathQid(KindAppend, path),
		log:  ring.New(capacity),
	}
	parent.children[path[len(path)-1]] = node
	return node, nil
}

// PublishControl installs a control sink at path. The node retains
// nothing; the engine intercepts writes and feeds them to its control
// plane line by line.
func (r *Registry) PublishControl(path []string) (*Node, error) {
	parent, err := r.publishParent(path)
	if err != nil {
		return nil, err
	}
	node := &Node{
		path: append([]string(nil), path...),
		kind: KindControl,
		qid:  pathQid(KindControl, path),
	}
	parent.children[path[len(path)-1]] = node
	return node, nil
}

// Remove deletes the node at path, and with it any subtree.
func (r *Registry) Remove(path []string) error {
	if len(path) == 0 {
		return ninep.Errorf(ninep.CodeInvalid, "cannot remove the root")
	}
	parent, err := r.Lookup(path[:len(path)-1])
	if err != nil {
		return err
	}
	name := path[len(path)-1]
	if parent.child(name) == nil {
		return ninep.Errorf(ninep.CodeNotFound, "path /%s not found", strings.Join(path, "/"))
	}
	delete(parent.children, name)
	return nil
}

// Read returns up to count bytes from the node at path. Directory
// reads yield the sorted child listing; static reads slice the
// content; append reads clamp the advisory offset to the earliest
// retained byte; control sinks read as empty.
func (r *Registry) Read(path []string, offset uint64, count uint32) ([]byte, error) {
	node, err := r.Lookup(path)
	if err != nil {
		return nil, err
	}
	switch node.kind {
	case KindDir:
		return sliceAt(node.listing(), offset, count), nil
	case KindStatic:
		return sliceAt(node.content, offset, count), nil
	case KindAppend:
		data, _ := node.log.ReadAt(offset, int(count))
		return data, nil
	default:
		return nil, nil
	}
}

// Append writes data to the append node at path, ignoring any caller
// offset by construction. Directories, static nodes, and control
// sinks reject the write; control sink traffic never lands here, the
// engine consumes it first.
func (r *Registry) Append(path []string, data []byte) (int, error) {
	node, err := r.Lookup(path)
	if err != nil {
		return 0, err
	}
	switch node.kind {
	case KindAppend:
		node.log.Append(data)
		return len(data), nil
	case KindDir:
		return 0, ninep.Errorf(ninep.CodePermission, "cannot write directory /%s", strings.Join(path, "/"))
	default:
		return 0, ninep.Errorf(ninep.CodePermission, "cannot write read-only file /%s", strings.Join(path, "/"))
	}
}

// CreateWorker installs the subtree for a freshly spawned worker:
// /worker/<id>/ with its telemetry ring. Spawning over an existing
// worker is refused so a stale id cannot silently absorb telemetry
// meant for its successor.
func (r *Registry) CreateWorker(id string, telemetryCapacity int) (*Node, error) {
	if id == "" || strings.ContainsAny(id, "/") {
		return nil, ninep.Errorf(ninep.CodeInvalid, "invalid worker id %q", id)
	}
	parent, err := r.EnsureDir([]string{"worker"})
	if err != nil {
		return nil, err
	}
	if parent.child(id) != nil {
		return nil, ninep.Errorf(ninep.CodeBusy, "worker %s already exists", id)
	}
	return r.PublishAppend([]string{"worker", id, "telemetry"}, telemetryCapacity)
}

// RegisterService names a canonical subtree so queen mount commands
// can reference it. The target must already exist.
func (r *Registry) RegisterService(name string, target []string) error {
	if name == "" {
		return ninep.Errorf(ninep.CodeInvalid, "service name must not be empty")
	}
	if _, err := r.Lookup(target); err != nil {
		return err
	}
	r.services[name] = append([]string(nil), target...)
	return nil
}

// ResolveService returns the canonical target for a registered
// service name.
func (r *Registry) ResolveService(name string) ([]string, bool) {
	target, ok := r.services[name]
	return target, ok
}

// publishParent validates a publish path and returns its parent
// directory, creating intermediate directories as needed.
func (r *Registry) publishParent(path []string) (*Node, error) {
	if len(path) == 0 {
		return nil, ninep.Errorf(ninep.CodeInvalid, "cannot publish over the root")
	}
	return r.EnsureDir(path[:len(path)-1])
}

// sliceAt is the shared read-window helper: offsets at or beyond the
// end read empty, the window never extends past the data.
func sliceAt(data []byte, offset uint64, count uint32) []byte {
	if offset >= uint64(len(data)) {
		return nil
	}
	end := offset + uint64(count)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	result := make([]byte, end-offset)
	copy(result, data[offset:end])
	return result
}
