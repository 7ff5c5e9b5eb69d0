// Package memfs is an in-memory transport.Transport for localizer and
// orchestrator unit tests, so they can assert against file contents
// without touching a real filesystem or starting a backend.
//
// Grounded on environment.MockEnvironment's call-recording pattern: Open,
// ListDir, Mkdir, MkdirAll, Stat, Chmod, Remove, RemoveDir and Close are
// recorded for assertions (the Exists/IsFile/IsDir queries and the
// WriteFile/ReadFile helpers are not), and the whole thing is guarded by
// a single mutex rather than finer-grained locking, since test fixtures
// never need to race.
package memfs

import (
	"bytes"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"kennel/transport"
)

type node struct {
	isDir   bool
	mode    os.FileMode
	content []byte
}

// Transport is an in-memory filesystem, rooted at "/".
type Transport struct {
	mu    sync.Mutex
	nodes map[string]*node

	// Calls records the recorded operations' names in order, for assertions in
	// tests that care about call sequence rather than just end state.
	Calls []string
}

// New returns an empty in-memory transport with just the root directory.
func New() *Transport {
	t := &Transport{nodes: make(map[string]*node)}
	t.nodes["/"] = &node{isDir: true, mode: 0755}
	return t
}

func (t *Transport) record(op string) {
	t.Calls = append(t.Calls, op)
}

func clean(p string) string {
	p = path.Clean("/" + p)
	return p
}

// file implements transport.File over an in-memory buffer, flushing back
// to the owning Transport's node on Close.
type file struct {
	t        *Transport
	path     string
	buf      *bytes.Buffer
	reader   *bytes.Reader
	writable bool
}

func (f *file) Read(p []byte) (int, error) {
	if f.reader == nil {
		return 0, io.EOF
	}
	return f.reader.Read(p)
}

func (f *file) Write(p []byte) (int, error) {
	if !f.writable {
		return 0, os.ErrPermission
	}
	return f.buf.Write(p)
}

func (f *file) Close() error {
	if !f.writable {
		return nil
	}
	f.t.mu.Lock()
	defer f.t.mu.Unlock()
	n := f.t.nodes[f.path]
	if n == nil {
		n = &node{mode: 0644}
		f.t.nodes[f.path] = n
	}
	n.content = f.buf.Bytes()
	return nil
}

func (t *Transport) Open(p string, flag int, perm os.FileMode) (transport.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("open:" + p)
	p = clean(p)

	if flag&os.O_CREATE != 0 {
		if _, exists := t.nodes[p]; !exists {
			t.nodes[p] = &node{mode: perm}
		}
		return &file{t: t, path: p, buf: &bytes.Buffer{}, writable: true}, nil
	}

	n, ok := t.nodes[p]
	if !ok || n.isDir {
		return nil, transport.Wrap("open", p, os.ErrNotExist)
	}
	return &file{t: t, path: p, reader: bytes.NewReader(n.content)}, nil
}

func (t *Transport) ListDir(p string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("listdir:" + p)
	p = clean(p)
	if n, ok := t.nodes[p]; !ok || !n.isDir {
		return nil, transport.Wrap("listdir", p, os.ErrNotExist)
	}

	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	seen := make(map[string]bool)
	var names []string
	for candidate := range t.nodes {
		if candidate == p || !strings.HasPrefix(candidate, prefix) {
			continue
		}
		rest := strings.TrimPrefix(candidate, prefix)
		name := strings.SplitN(rest, "/", 2)[0]
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (t *Transport) Mkdir(p string, perm os.FileMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("mkdir:" + p)
	p = clean(p)
	parent := path.Dir(p)
	if n, ok := t.nodes[parent]; !ok || !n.isDir {
		return transport.Wrap("mkdir", p, os.ErrNotExist)
	}
	t.nodes[p] = &node{isDir: true, mode: perm}
	return nil
}

func (t *Transport) MkdirAll(p string, perm os.FileMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("makedirs:" + p)
	p = clean(p)
	parts := strings.Split(strings.Trim(p, "/"), "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur += "/" + part
		if _, ok := t.nodes[cur]; !ok {
			t.nodes[cur] = &node{isDir: true, mode: perm}
		}
	}
	return nil
}

func (t *Transport) Stat(p string) (os.FileInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("stat:" + p)
	p = clean(p)
	n, ok := t.nodes[p]
	if !ok {
		return nil, transport.Wrap("stat", p, os.ErrNotExist)
	}
	return &fileInfo{name: path.Base(p), size: int64(len(n.content)), isDir: n.isDir, mode: n.mode}, nil
}

func (t *Transport) Chmod(p string, mode os.FileMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("chmod:" + p)
	p = clean(p)
	n, ok := t.nodes[p]
	if !ok {
		return transport.Wrap("chmod", p, os.ErrNotExist)
	}
	n.mode = mode
	return nil
}

func (t *Transport) Exists(p string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.nodes[clean(p)]
	return ok
}

func (t *Transport) IsFile(p string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[clean(p)]
	return ok && !n.isDir
}

func (t *Transport) IsDir(p string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[clean(p)]
	return ok && n.isDir
}

func (t *Transport) Remove(p string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("remove:" + p)
	p = clean(p)
	if _, ok := t.nodes[p]; !ok {
		return transport.Wrap("remove", p, os.ErrNotExist)
	}
	delete(t.nodes, p)
	return nil
}

func (t *Transport) RemoveDir(p string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("rmdir:" + p)
	p = clean(p)
	prefix := p + "/"
	for candidate := range t.nodes {
		if strings.HasPrefix(candidate, prefix) {
			delete(t.nodes, candidate)
		}
	}
	delete(t.nodes, p)
	return nil
}

func (t *Transport) Walk(root string, fn transport.WalkFunc) error {
	t.mu.Lock()
	root = clean(root)
	var dirs []string
	for candidate, n := range t.nodes {
		if n.isDir && (candidate == root || strings.HasPrefix(candidate, root+"/")) {
			dirs = append(dirs, candidate)
		}
	}
	sort.Strings(dirs)
	t.mu.Unlock()

	for _, dir := range dirs {
		dirNames, err := t.ListDir(dir)
		if err != nil {
			return err
		}
		var onlyDirs, onlyFiles []string
		for _, name := range dirNames {
			if t.IsDir(path.Join(dir, name)) {
				onlyDirs = append(onlyDirs, name)
			} else {
				onlyFiles = append(onlyFiles, name)
			}
		}
		if err := fn(dir, onlyDirs, onlyFiles); err != nil {
			return err
		}
	}
	return nil
}

// Send writes localPath's real on-disk contents into the in-memory tree at
// remotePath — used by tests that seed fixture files from disk.
func (t *Transport) Send(localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return transport.Wrap("send", localPath, err)
	}
	return t.WriteFile(remotePath, data)
}

// Receive copies remotePath's in-memory contents out to a real file on
// disk at localPath.
func (t *Transport) Receive(remotePath, localPath string) error {
	data, err := t.ReadFile(remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path.Dir(localPath), 0755); err != nil {
		return transport.Wrap("receive", localPath, err)
	}
	return os.WriteFile(localPath, data, 0644)
}

func (t *Transport) NormPath(p string) string { return clean(p) }

func (t *Transport) Close() error {
	t.record("close")
	return nil
}

// WriteFile is a test convenience not on the transport.Transport
// interface: seed a file directly without going through Open/Write/Close.
func (t *Transport) WriteFile(p string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p = clean(p)
	parent := path.Dir(p)
	parts := strings.Split(strings.Trim(parent, "/"), "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur += "/" + part
		if _, ok := t.nodes[cur]; !ok {
			t.nodes[cur] = &node{isDir: true, mode: 0755}
		}
	}
	t.nodes[p] = &node{mode: 0644, content: append([]byte(nil), data...)}
	return nil
}

// ReadFile is a test convenience: read a file's contents directly.
func (t *Transport) ReadFile(p string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p = clean(p)
	n, ok := t.nodes[p]
	if !ok || n.isDir {
		return nil, transport.Wrap("read", p, os.ErrNotExist)
	}
	return append([]byte(nil), n.content...), nil
}

type fileInfo struct {
	name  string
	size  int64
	isDir bool
	mode  os.FileMode
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return time.Time{} }
func (fi *fileInfo) IsDir() bool        { return fi.isDir }
func (fi *fileInfo) Sys() any           { return nil }

var _ transport.Transport = (*Transport)(nil)
