// Package remote implements backend.Backend over SSH, for pipelines that
// submit to a SLURM controller reachable as a plain login node.
//
// Grounded on the Setup/Cleanup pairing in environment/bsd: acquire the
// resource (there, chroot mounts; here, an SSH connection) in Enter, tear
// it down in Exit, log but don't fail on a transient teardown error.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"kennel/backend"
	"kennel/log"
	"kennel/transport"
	"kennel/transport/sftpfs"
)

func init() {
	backend.Register("Remote", func(options map[string]any) (backend.Backend, error) {
		return NewFromOptions(options)
	})
}

// Config is the backend.type: Remote config block.
type Config struct {
	Host         string
	Port         int
	User         string
	IdentityFile string
	Logger       log.LibraryLogger
}

// Backend runs commands on a SLURM login node reached over SSH.
type Backend struct {
	cfg       Config
	logger    log.LibraryLogger
	sshClient *ssh.Client
}

// NewFromOptions builds a Backend from a config.TypedOptions.Options map,
// as produced by YAML unmarshaling of a backend: {type: Remote, ...} block.
func NewFromOptions(options map[string]any) (backend.Backend, error) {
	cfg := Config{Port: 22}
	if v, ok := options["host"].(string); ok {
		cfg.Host = v
	}
	if v, ok := options["user"].(string); ok {
		cfg.User = v
	}
	if v, ok := options["identity_file"].(string); ok {
		cfg.IdentityFile = v
	}
	if v, ok := options["port"].(int); ok {
		cfg.Port = v
	}
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("remote backend requires host and user")
	}
	return New(cfg), nil
}

// New returns a remote backend for cfg. The SSH connection is not opened
// until Enter is called.
func New(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Enter dials the SSH connection used for every subsequent Invoke/Sbatch/
// Sacct/Transport call, ignoring host key verification per this system's
// documented policy (spec.md §4.2).
func (b *Backend) Enter(ctx context.Context) error {
	auth, err := identityAuth(b.cfg.IdentityFile)
	if err != nil {
		return &backend.ClusterStartupError{Op: "ssh-auth", Err: err}
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port), &ssh.ClientConfig{
		User:            b.cfg.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return &backend.ClusterStartupError{Op: "ssh-dial", Err: err}
	}
	b.sshClient = client
	return nil
}

// Exit closes the SSH connection. Idempotent: safe to call even if Enter
// never succeeded. A close error is logged, not returned — a teardown
// failure here never needs to fail the orchestrator run.
func (b *Backend) Exit() error {
	if b.sshClient == nil {
		return nil
	}
	if err := b.sshClient.Close(); err != nil {
		b.logger.Warn("remote backend: error closing SSH connection: %v", err)
	}
	b.sshClient = nil
	return nil
}

func (b *Backend) Transport(ctx context.Context) (transport.Transport, error) {
	return sftpfs.Dial(sftpfs.Config{
		Host:         b.cfg.Host,
		Port:         b.cfg.Port,
		User:         b.cfg.User,
		IdentityFile: b.cfg.IdentityFile,
		DialTimeout:  30 * time.Second,
	})
}

func (b *Backend) run(ctx context.Context, command string) (string, string, int, error) {
	if b.sshClient == nil {
		return "", "", 0, fmt.Errorf("remote backend not entered")
	}
	session, err := b.sshClient.NewSession()
	if err != nil {
		return "", "", 0, &backend.CommandError{Op: "new-session", Command: command, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case err := <-done:
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
		}
		if err != nil {
			return stdout.String(), stderr.String(), 0, &backend.CommandError{Op: "run", Command: command, Err: err}
		}
		return stdout.String(), stderr.String(), 0, nil
	}
}

func (b *Backend) Invoke(ctx context.Context, command string, opts backend.InvokeOptions) (backend.InvokeResult, error) {
	full := command
	if opts.WorkDir != "" {
		full = fmt.Sprintf("cd %s && %s", shellQuote(opts.WorkDir), command)
	}
	cctx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	stdout, stderr, exitCode, err := b.run(cctx, full)
	if err != nil {
		return backend.InvokeResult{}, err
	}
	return backend.InvokeResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr, Duration: time.Since(start)}, nil
}

// InvokeTTY shells out to the local ssh(1) client with -t so the user's
// own terminal attaches to the remote session, rather than using the
// library's non-interactive session type.
func (b *Backend) InvokeTTY(ctx context.Context, command string) error {
	args := []string{"-t", "-o", "StrictHostKeyChecking=no"}
	if b.cfg.IdentityFile != "" {
		args = append(args, "-i", b.cfg.IdentityFile)
	}
	if b.cfg.Port != 0 && b.cfg.Port != 22 {
		args = append(args, "-p", strconv.Itoa(b.cfg.Port))
	}
	args = append(args, fmt.Sprintf("%s@%s", b.cfg.User, b.cfg.Host), command)

	cmd := exec.CommandContext(ctx, "ssh", args...)
	if err := attachTTY(cmd); err != nil {
		return &backend.CommandError{Op: "invoke-tty", Command: command, Err: err}
	}
	return nil
}

func (b *Backend) Sbatch(ctx context.Context, scriptPath string, flags map[string]any) (backend.BatchID, error) {
	cmd := "sbatch --parsable"
	for k, v := range flags {
		cmd += fmt.Sprintf(" --%s=%v", k, v)
	}
	cmd += " " + shellQuote(scriptPath)

	stdout, stderr, exitCode, err := b.run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", &backend.CommandError{Op: "sbatch", Command: cmd, Err: fmt.Errorf("exit %d: %s", exitCode, stderr)}
	}
	id := strings.TrimSpace(stdout)
	if idx := strings.Index(id, ";"); idx != -1 {
		id = id[:idx]
	}
	return backend.BatchID(id), nil
}

func (b *Backend) Sacct(ctx context.Context, batchID backend.BatchID) (backend.AcctTable, error) {
	cmd := fmt.Sprintf("sacct -j %s --format=JobID,State,ExitCode,Elapsed --parsable2 --noheader", shellQuote(string(batchID)))
	stdout, stderr, exitCode, err := b.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, &backend.CommandError{Op: "sacct", Command: cmd, Err: fmt.Errorf("exit %d: %s", exitCode, stderr)}
	}
	return parseSacct(stdout), nil
}

func (b *Backend) PackBatchScript(ctx context.Context, lines []string, scriptPath string) (string, error) {
	var body strings.Builder
	body.WriteString("#!/bin/bash\n")
	for _, line := range lines {
		body.WriteString(line)
		body.WriteString("\n")
	}
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s << 'KENNEL_SCRIPT_EOF'\n%sKENNEL_SCRIPT_EOF\nchmod 0755 %s",
		shellQuote(parentDir(scriptPath)), shellQuote(scriptPath), body.String(), shellQuote(scriptPath))
	_, stderr, exitCode, err := b.run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", &backend.CommandError{Op: "pack-batch-script", Command: scriptPath, Err: fmt.Errorf("exit %d: %s", exitCode, stderr)}
	}
	return scriptPath, nil
}

// WaitForClusterReady polls squeue until it responds, confirming the
// controller on the other end of the SSH connection will accept
// submissions.
func (b *Backend) WaitForClusterReady(ctx context.Context, elastic bool) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		_, _, exitCode, err := b.run(ctx, "squeue --version")
		if err == nil && exitCode == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return &backend.ClusterStartupError{Op: "wait-for-ready", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func identityAuth(identityFile string) (ssh.AuthMethod, error) {
	if identityFile == "" {
		return nil, fmt.Errorf("remote backend requires identity_file")
	}
	key, err := readKeyFile(identityFile)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func parentDir(p string) string {
	if idx := strings.LastIndex(p, "/"); idx != -1 {
		return p[:idx]
	}
	return "."
}

var _ backend.Backend = (*Backend)(nil)
