// Package sftpfs implements transport.Transport over an SSH connection
// using github.com/pkg/sftp, for the Remote backend (a real SLURM
// controller) and the Container backend (SFTP to localhost:P exposed by
// the controller container).
//
// Grounded on the SSH wiring pattern in
// virtengine/pkg/slurm_adapter's SSHSLURMClient — dial with
// ssh.ClientConfig, auth via key or password, host-key policy configurable
// — generalized here from "run commands over SSH" to "move files over
// SFTP on top of the same connection." The host-key policy is not
// configurable here: Dial always uses ssh.InsecureIgnoreHostKey.
package sftpfs

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"kennel/transport"
)

// Config describes how to reach the remote host.
type Config struct {
	Host string
	Port int
	User string

	// IdentityFile is a path to a PEM-encoded private key. Mutually
	// exclusive with Password; IdentityFile wins if both are set.
	IdentityFile string
	Password     string

	DialTimeout time.Duration
}

// Transport is a transport.Transport backed by an SFTP session over SSH.
type Transport struct {
	cfg        Config
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

// Dial opens the SSH connection and the SFTP subsystem on top of it.
func Dial(cfg Config) (*Transport, error) {
	auth, err := authMethod(cfg)
	if err != nil {
		return nil, transport.Wrap("dial", cfg.Host, err)
	}

	// Host keys are ignored unconditionally per this system's documented
	// policy (spec.md §4.2) — these clusters are provisioned ephemerally
	// and rarely have a stable known_hosts entry.
	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.DialTimeout,
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))

	sshClient, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, &transport.Error{Kind: transport.KindUnreachable, Op: "dial", Path: addr, Err: err}
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, &transport.Error{Kind: transport.KindUnreachable, Op: "sftp-handshake", Path: addr, Err: err}
	}

	return &Transport{cfg: cfg, sshClient: sshClient, sftpClient: sftpClient}, nil
}

func authMethod(cfg Config) (ssh.AuthMethod, error) {
	if cfg.IdentityFile != "" {
		key, err := os.ReadFile(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse identity file: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if cfg.Password != "" {
		return ssh.Password(cfg.Password), nil
	}
	return nil, fmt.Errorf("no authentication method configured (identity_file or password required)")
}

func (t *Transport) Open(filePath string, flag int, perm os.FileMode) (transport.File, error) {
	f, err := t.sftpClient.OpenFile(filePath, flag)
	if err != nil {
		return nil, transport.Wrap("open", filePath, err)
	}
	if flag&os.O_CREATE != 0 {
		_ = f.Chmod(perm)
	}
	return f, nil
}

func (t *Transport) ListDir(dirPath string) ([]string, error) {
	entries, err := t.sftpClient.ReadDir(dirPath)
	if err != nil {
		return nil, transport.Wrap("listdir", dirPath, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (t *Transport) Mkdir(dirPath string, perm os.FileMode) error {
	if err := t.sftpClient.Mkdir(dirPath); err != nil {
		return transport.Wrap("mkdir", dirPath, err)
	}
	return t.sftpClient.Chmod(dirPath, perm)
}

func (t *Transport) MkdirAll(dirPath string, perm os.FileMode) error {
	if err := t.sftpClient.MkdirAll(dirPath); err != nil {
		return transport.Wrap("makedirs", dirPath, err)
	}
	return t.sftpClient.Chmod(dirPath, perm)
}

func (t *Transport) Stat(filePath string) (os.FileInfo, error) {
	info, err := t.sftpClient.Stat(filePath)
	if err != nil {
		return nil, transport.Wrap("stat", filePath, err)
	}
	return info, nil
}

func (t *Transport) Chmod(filePath string, mode os.FileMode) error {
	if err := t.sftpClient.Chmod(filePath, mode); err != nil {
		return transport.Wrap("chmod", filePath, err)
	}
	return nil
}

func (t *Transport) Exists(filePath string) bool {
	_, err := t.sftpClient.Stat(filePath)
	return err == nil
}

func (t *Transport) IsFile(filePath string) bool {
	info, err := t.sftpClient.Stat(filePath)
	return err == nil && !info.IsDir()
}

func (t *Transport) IsDir(filePath string) bool {
	info, err := t.sftpClient.Stat(filePath)
	return err == nil && info.IsDir()
}

func (t *Transport) Remove(filePath string) error {
	if err := t.sftpClient.Remove(filePath); err != nil {
		return transport.Wrap("remove", filePath, err)
	}
	return nil
}

// RemoveDir removes dirPath and everything under it, mirroring the
// original's "rm -rf $CANINE_ROOT" cleanup.
func (t *Transport) RemoveDir(dirPath string) error {
	if err := t.sftpClient.RemoveAll(dirPath); err != nil {
		return transport.Wrap("rmdir", dirPath, err)
	}
	return nil
}

func (t *Transport) Walk(root string, fn transport.WalkFunc) error {
	walker := t.sftpClient.Walk(root)
	visited := make(map[string]bool)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return transport.Wrap("walk", walker.Path(), err)
		}
		if !walker.Stat().IsDir() {
			continue
		}
		dirPath := walker.Path()
		if visited[dirPath] {
			continue
		}
		visited[dirPath] = true

		entries, err := t.sftpClient.ReadDir(dirPath)
		if err != nil {
			return transport.Wrap("walk", dirPath, err)
		}
		var dirNames, fileNames []string
		for _, e := range entries {
			if e.IsDir() {
				dirNames = append(dirNames, e.Name())
			} else {
				fileNames = append(fileNames, e.Name())
			}
		}
		if err := fn(dirPath, dirNames, fileNames); err != nil {
			return err
		}
	}
	return nil
}

// Send copies a file from the invoking host's local filesystem up to
// remotePath over SFTP.
func (t *Transport) Send(localPath, remotePath string) error {
	in, err := os.Open(localPath)
	if err != nil {
		return transport.Wrap("send", localPath, err)
	}
	defer in.Close()

	if err := t.sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return transport.Wrap("send", remotePath, err)
	}

	out, err := t.sftpClient.Create(remotePath)
	if err != nil {
		return transport.Wrap("send", remotePath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return transport.Wrap("send", remotePath, err)
	}
	return nil
}

// Receive copies remotePath down to the invoking host's local filesystem.
func (t *Transport) Receive(remotePath, localPath string) error {
	in, err := t.sftpClient.Open(remotePath)
	if err != nil {
		return transport.Wrap("receive", remotePath, err)
	}
	defer in.Close()

	if err := os.MkdirAll(path.Dir(localPath), 0755); err != nil {
		return transport.Wrap("receive", localPath, err)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return transport.Wrap("receive", localPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return transport.Wrap("receive", localPath, err)
	}
	return nil
}

func (t *Transport) NormPath(p string) string {
	return path.Clean(p)
}

// Close tears down the SFTP subsystem and the underlying SSH connection.
// Idempotent.
func (t *Transport) Close() error {
	var firstErr error
	if t.sftpClient != nil {
		if err := t.sftpClient.Close(); err != nil {
			firstErr = err
		}
		t.sftpClient = nil
	}
	if t.sshClient != nil {
		if err := t.sshClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.sshClient = nil
	}
	return firstErr
}

var _ transport.Transport = (*Transport)(nil)
