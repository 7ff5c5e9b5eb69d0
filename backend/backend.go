// Package backend abstracts over the substrate an array job actually runs
// on: a local shell, a real SLURM controller reached over SSH, or an
// ephemeral SLURM cluster brought up from containers on the invoking host.
//
// Backends are registered by name, mirroring the teacher's environment
// backend registry: a package-level map populated from each
// implementation's init(), looked up by the config's backend.type field.
package backend

import (
	"context"
	"fmt"
	"time"

	"kennel/transport"
)

// InvokeOptions controls a single command invocation.
type InvokeOptions struct {
	// WorkDir is the directory the command runs in. Empty means the
	// backend's default (the kennel process's own working directory on
	// Local, the login directory on Remote/Container).
	WorkDir string
	// Env contains extra environment variables to set for the command.
	Env map[string]string
	// Timeout bounds the invocation. Zero means no timeout beyond ctx.
	Timeout time.Duration
}

// InvokeResult carries both halves of the "ran but failed" vs "failed to
// run" distinction spec.md §4.2 requires: a non-zero ExitCode is a normal
// outcome the caller inspects, never an error.
type InvokeResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// BatchID identifies a submitted SLURM array job.
type BatchID string

// AcctTable is one row per task, keyed by SLURM array task index, as
// produced by sacct -P.
type AcctTable map[string]TaskAccounting

// TaskAccounting is a single sacct row's fields, narrowed to what the
// orchestrator and pollstats package need.
type TaskAccounting struct {
	JobID    string
	State    string
	ExitCode string
	Elapsed  string
}

// Backend is the substrate a batch job runs on. Enter/Exit bracket a
// single orchestrator run; Transport, Invoke, Sbatch and Sacct may all be
// called any number of times between them.
type Backend interface {
	// Enter acquires whatever resources the backend needs (an SSH
	// connection, a container cluster). Must be paired with Exit even on
	// its own failure — callers that get a non-nil error from Enter must
	// still call Exit to release any partially acquired state.
	Enter(ctx context.Context) error

	// Exit releases resources acquired by Enter. Idempotent: safe to call
	// more than once, and safe to call even if Enter was never called or
	// failed.
	Exit() error

	// Transport returns a scoped filesystem handle for moving files to and
	// from wherever the backend actually runs jobs.
	Transport(ctx context.Context) (transport.Transport, error)

	// Invoke runs command to completion and captures its output. Never
	// returns an error for a non-zero exit; InvokeResult.ExitCode carries
	// that.
	Invoke(ctx context.Context, command string, opts InvokeOptions) (InvokeResult, error)

	// InvokeTTY runs command with the user's own terminal attached, for
	// interactive sessions. A second method rather than a TTY flag on
	// Invoke, since the two have incompatible output-handling contracts.
	InvokeTTY(ctx context.Context, command string) error

	// Sbatch submits an array batch script and returns the resulting
	// SLURM batch (array) ID.
	Sbatch(ctx context.Context, scriptPath string, flags map[string]any) (BatchID, error)

	// Sacct polls accounting state for every task in batchID.
	Sacct(ctx context.Context, batchID BatchID) (AcctTable, error)

	// PackBatchScript assembles lines into a complete sbatch script at
	// scriptPath and returns the path actually used (spec.md §9: part of
	// the Backend contract, not the orchestrator's, since flag syntax and
	// shebang differ per substrate).
	PackBatchScript(ctx context.Context, lines []string, scriptPath string) (string, error)

	// WaitForClusterReady blocks until the backend's SLURM controller will
	// accept submissions. elastic selects whether to wait for at least one
	// worker node (false) or tolerate a zero-worker cluster that scales up
	// on demand (true). Local and Container backends treat this as a
	// no-op; Remote polls squeue until the controller answers.
	WaitForClusterReady(ctx context.Context, elastic bool) error
}

// NewBackendFunc constructs a Backend from its typed config options.
type NewBackendFunc func(options map[string]any) (Backend, error)

var backends = make(map[string]NewBackendFunc)

// Register adds a named backend constructor. Called from each
// implementation's init(). Panics on duplicate registration, the same as
// the teacher's environment.Register — a collision here is a programming
// error, never a runtime condition to recover from.
func Register(name string, fn NewBackendFunc) {
	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("backend already registered: %s", name))
	}
	backends[name] = fn
}

// New constructs the backend registered under name.
func New(name string, options map[string]any) (Backend, error) {
	fn, ok := backends[name]
	if !ok {
		return nil, &ErrUnknownBackend{Backend: name}
	}
	return fn(options)
}

// ErrUnknownBackend is returned by New for an unregistered backend name.
type ErrUnknownBackend struct {
	Backend string
}

func (e *ErrUnknownBackend) Error() string {
	return fmt.Sprintf("unknown backend: %s", e.Backend)
}

// CommandError wraps a failure to execute a command at all (distinct from
// the command running and exiting non-zero).
type CommandError struct {
	Op      string
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: command %q: %v", e.Op, e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ClusterStartupError wraps a failure bringing up or confirming readiness
// of a backend's SLURM cluster.
type ClusterStartupError struct {
	Op  string
	Err error
}

func (e *ClusterStartupError) Error() string {
	return fmt.Sprintf("cluster startup failed (%s): %v", e.Op, e.Err)
}

func (e *ClusterStartupError) Unwrap() error { return e.Err }
