// Package local implements backend.Backend by running commands directly
// on the invoking host, for pipelines that submit to a SLURM controller
// already reachable on localhost (or for --dry-run style smoke tests).
//
// Grounded directly on environment.MockEnvironment.Execute: buffer the
// command's stdout/stderr, distinguish "command ran and exited non-zero"
// from "command failed to run at all" exactly the way ExecResult/Error do.
package local

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"kennel/backend"
	"kennel/transport"
	"kennel/transport/localfs"
)

func init() {
	backend.Register("Local", func(options map[string]any) (backend.Backend, error) {
		return New(), nil
	})
}

// Backend runs every command via /bin/bash -c on the local machine.
type Backend struct{}

// New returns a ready-to-use local backend. There is no setup to perform.
func New() *Backend { return &Backend{} }

// Enter is a no-op: the local backend owns no external resources.
func (b *Backend) Enter(ctx context.Context) error { return nil }

// Exit is a no-op, idempotent by construction.
func (b *Backend) Exit() error { return nil }

// Transport returns a handle onto the local filesystem.
func (b *Backend) Transport(ctx context.Context) (transport.Transport, error) {
	return localfs.New(), nil
}

func (b *Backend) Invoke(ctx context.Context, command string, opts backend.InvokeOptions) (backend.InvokeResult, error) {
	cctx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cctx, "/bin/bash", "-c", command)
	killProcessGroupOnCancel(cmd)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	if len(opts.Env) > 0 {
		env := cmd.Environ()
		for k, v := range opts.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := backend.InvokeResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, &backend.CommandError{Op: "invoke", Command: command, Err: err}
	}
	result.ExitCode = 0
	return result, nil
}

// InvokeTTY execs the command with the current process's stdio attached,
// so job interaction (e.g. an interactive debug shell) behaves exactly as
// if the user had typed it themselves.
func (b *Backend) InvokeTTY(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	killProcessGroupOnCancel(cmd)
	cmd.Stdin = nil
	if err := attachTTY(cmd); err != nil {
		return &backend.CommandError{Op: "invoke-tty", Command: command, Err: err}
	}
	return nil
}

func (b *Backend) Sbatch(ctx context.Context, scriptPath string, flags map[string]any) (backend.BatchID, error) {
	args := []string{"--parsable"}
	for k, v := range flags {
		args = append(args, fmt.Sprintf("--%s=%v", k, v))
	}
	args = append(args, scriptPath)

	cmd := exec.CommandContext(ctx, "sbatch", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &backend.CommandError{Op: "sbatch", Command: strings.Join(append([]string{"sbatch"}, args...), " "), Err: fmt.Errorf("%w: %s", err, stderr.String())}
	}

	id := strings.TrimSpace(stdout.String())
	if idx := strings.Index(id, ";"); idx != -1 {
		id = id[:idx]
	}
	if _, err := strconv.Atoi(id); err != nil {
		return "", &backend.CommandError{Op: "sbatch", Command: scriptPath, Err: fmt.Errorf("unexpected sbatch output: %q", stdout.String())}
	}
	return backend.BatchID(id), nil
}

func (b *Backend) Sacct(ctx context.Context, batchID backend.BatchID) (backend.AcctTable, error) {
	cmd := exec.CommandContext(ctx, "sacct", "-j", string(batchID),
		"--format=JobID,State,ExitCode,Elapsed", "--parsable2", "--noheader")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &backend.CommandError{Op: "sacct", Command: string(batchID), Err: fmt.Errorf("%w: %s", err, stderr.String())}
	}
	return parseSacct(stdout.String()), nil
}

func parseSacct(output string) backend.AcctTable {
	table := make(backend.AcctTable)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		jobID := fields[0]
		// Skip step entries like "123_4.batch"; only keep the task row.
		if strings.Contains(jobID, ".") {
			continue
		}
		taskIdx := jobID
		if underscore := strings.Index(jobID, "_"); underscore != -1 {
			taskIdx = jobID[underscore+1:]
		}
		table[taskIdx] = backend.TaskAccounting{
			JobID:    jobID,
			State:    fields[1],
			ExitCode: fields[2],
			Elapsed:  fields[3],
		}
	}
	return table
}

func (b *Backend) PackBatchScript(ctx context.Context, lines []string, scriptPath string) (string, error) {
	return packBatchScript(lines, scriptPath)
}

// WaitForClusterReady is a no-op: a local controller is always available
// or sbatch itself will fail immediately.
func (b *Backend) WaitForClusterReady(ctx context.Context, elastic bool) error { return nil }

// killProcessGroupOnCancel puts cmd in its own process group and, on
// context cancellation, kills that whole group rather than just the
// direct child exec.CommandContext would otherwise signal. A user script
// invoked via "/bin/bash -c" can fork children of its own (background
// jobs, a pipeline of its own); those would otherwise survive a
// cancelled/timed-out Invoke as orphans.
func killProcessGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

var _ backend.Backend = (*Backend)(nil)
