// Package localfs implements transport.Transport directly against the host
// filesystem, for the Local backend and for the invoking host's own side of
// Send/Receive on every other backend.
//
// Grounded on the teacher's direct os.* usage throughout util/util.go and
// environment.MockEnvironment's "no real isolation, just a temp dir"
// approach — local transport is, in effect, the mock made real.
package localfs

import (
	"io"
	"os"
	"path/filepath"

	"kennel/transport"
)

// Transport is a transport.Transport backed by the local filesystem.
type Transport struct{}

// New returns a Transport over the local filesystem. There is nothing to
// acquire or release; Close is a no-op satisfying the interface.
func New() *Transport { return &Transport{} }

func (t *Transport) Open(path string, flag int, perm os.FileMode) (transport.File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, transport.Wrap("open", path, err)
	}
	return f, nil
}

func (t *Transport) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, transport.Wrap("listdir", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (t *Transport) Mkdir(path string, perm os.FileMode) error {
	if err := os.Mkdir(path, perm); err != nil {
		return transport.Wrap("mkdir", path, err)
	}
	return nil
}

func (t *Transport) MkdirAll(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return transport.Wrap("makedirs", path, err)
	}
	return nil
}

func (t *Transport) Stat(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, transport.Wrap("stat", path, err)
	}
	return info, nil
}

func (t *Transport) Chmod(path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		return transport.Wrap("chmod", path, err)
	}
	return nil
}

func (t *Transport) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (t *Transport) IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (t *Transport) IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (t *Transport) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return transport.Wrap("remove", path, err)
	}
	return nil
}

// RemoveDir removes path and everything under it, mirroring the original's
// "rm -rf $CANINE_ROOT" cleanup.
func (t *Transport) RemoveDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return transport.Wrap("rmdir", path, err)
	}
	return nil
}

func (t *Transport) Walk(root string, fn transport.WalkFunc) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return transport.Wrap("walk", path, err)
		}
		if !info.IsDir() {
			return nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return transport.Wrap("walk", path, err)
		}
		var dirNames, fileNames []string
		for _, e := range entries {
			if e.IsDir() {
				dirNames = append(dirNames, e.Name())
			} else {
				fileNames = append(fileNames, e.Name())
			}
		}
		return fn(path, dirNames, fileNames)
	})
}

func (t *Transport) Send(localPath, remotePath string) error {
	return copyFile(localPath, remotePath)
}

func (t *Transport) Receive(remotePath, localPath string) error {
	return copyFile(remotePath, localPath)
}

func (t *Transport) NormPath(path string) string {
	return filepath.Clean(path)
}

func (t *Transport) Close() error { return nil }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return transport.Wrap("send", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return transport.Wrap("send", dst, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return transport.Wrap("send", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return transport.Wrap("send", dst, err)
	}
	return out.Close()
}

var _ transport.Transport = (*Transport)(nil)
