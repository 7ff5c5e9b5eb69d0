// Package transport defines the scoped filesystem handle every Backend
// hands out (spec.md §4.1). A Transport is acquired from a Backend and
// released when its scope ends; release must happen on every exit path,
// including fault.
package transport

import (
	"fmt"
	"io"
	"os"
)

// File is the byte/text stream returned by Open.
type File interface {
	io.Reader
	io.Writer
	io.Closer
}

// WalkFunc is called once per directory visited by Walk, lazily, in the
// same shape as Python's os.walk: the directory's own path, its immediate
// subdirectory names, and its immediate file names. Returning an error
// stops the walk.
type WalkFunc func(dirPath string, dirNames, fileNames []string) error

// Transport is a scoped handle over a backend's filesystem view. All paths
// are native to the transport (controller-visible under staging_dir,
// compute-visible under mount_path — the caller is responsible for using
// the right one; Transport itself doesn't translate).
type Transport interface {
	Open(path string, flag int, perm os.FileMode) (File, error)
	ListDir(path string) ([]string, error)
	Mkdir(path string, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	Chmod(path string, mode os.FileMode) error
	Exists(path string) bool
	IsFile(path string) bool
	IsDir(path string) bool
	Remove(path string) error
	// RemoveDir removes path and everything under it, recursively.
	RemoveDir(path string) error
	Walk(path string, fn WalkFunc) error

	// Send copies a file from the local (invoking-host) filesystem to
	// remotePath on this transport's view.
	Send(localPath, remotePath string) error
	// Receive copies a file from remotePath on this transport's view to
	// the local (invoking-host) filesystem.
	Receive(remotePath, localPath string) error

	NormPath(path string) string

	// Close releases the transport's resources. Idempotent.
	Close() error
}

// ErrorKind classifies the underlying cause of a transport failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuth
	KindNotFound
	KindPermission
	KindUnreachable
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not-found"
	case KindPermission:
		return "permission"
	case KindUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Error is the TransportError kind from spec.md §4.1/§7: every transport
// operation failure carries the underlying cause plus enough context
// (operation, path) to diagnose it.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport error (%s) during %s %q: %v", e.Kind, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a transport.Error, classifying os package sentinel errors
// into the closed set of Kinds.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindUnknown
	switch {
	case os.IsNotExist(err):
		kind = KindNotFound
	case os.IsPermission(err):
		kind = KindPermission
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}
