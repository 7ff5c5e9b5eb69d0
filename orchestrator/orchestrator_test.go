package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"kennel/adapter"
	"kennel/backend"
	"kennel/config"
	"kennel/log"
	"kennel/transport"
	"kennel/transport/memfs"
)

// fakeBackend is a stateful backend.Backend double: Sacct advances
// through a scripted sequence of AcctTables on each call, so tests can
// drive the poll loop without waiting on a real 30s ticker.
type fakeBackend struct {
	mu        sync.Mutex
	fs        *memfs.Transport
	sacctSeq  []backend.AcctTable
	sacctCall int
	lastFlags map[string]any
}

func newFakeBackend(fs *memfs.Transport) *fakeBackend {
	return &fakeBackend{fs: fs}
}

func (f *fakeBackend) Enter(ctx context.Context) error { return nil }
func (f *fakeBackend) Exit() error                     { return nil }
func (f *fakeBackend) Transport(ctx context.Context) (transport.Transport, error) {
	return f.fs, nil
}
func (f *fakeBackend) Invoke(ctx context.Context, command string, opts backend.InvokeOptions) (backend.InvokeResult, error) {
	return backend.InvokeResult{ExitCode: 0}, nil
}
func (f *fakeBackend) InvokeTTY(ctx context.Context, command string) error { return nil }
func (f *fakeBackend) Sbatch(ctx context.Context, scriptPath string, flags map[string]any) (backend.BatchID, error) {
	f.mu.Lock()
	f.lastFlags = flags
	f.mu.Unlock()
	return "99", nil
}
func (f *fakeBackend) Sacct(ctx context.Context, batchID backend.BatchID) (backend.AcctTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sacctCall >= len(f.sacctSeq) {
		return f.sacctSeq[len(f.sacctSeq)-1], nil
	}
	table := f.sacctSeq[f.sacctCall]
	f.sacctCall++
	return table, nil
}
func (f *fakeBackend) PackBatchScript(ctx context.Context, lines []string, scriptPath string) (string, error) {
	data := strings.Join(lines, "\n") + "\n"
	if err := f.fs.WriteFile(scriptPath, []byte(data)); err != nil {
		return "", err
	}
	return scriptPath, nil
}
func (f *fakeBackend) WaitForClusterReady(ctx context.Context, elastic bool) error { return nil }

var _ backend.Backend = (*fakeBackend)(nil)

// testConfig builds a minimal valid config, applying the same defaults
// config.Load's applyDefaults would, without going through a YAML file.
func testConfig() *config.Config {
	return &config.Config{
		Script:    config.ScriptSource{Lines: []string{"echo $FOO"}},
		Inputs:    map[string]any{"0": map[string]any{"FOO": "bar"}},
		Resources: map[string]any{},
		Outputs:   map[string]string{"log": "*.log"},
		Adapter:   config.TypedOptions{Type: "Manual", Options: map[string]any{}},
		Backend:   config.TypedOptions{Type: "Local", Options: map[string]any{}},
		Localization: config.LocalizationOptions{
			Overrides: map[string]string{},
			Options:   map[string]any{},
		},
	}
}

func TestRunDryRunStopsBeforeSbatch(t *testing.T) {
	fs := memfs.New()
	fb := newFakeBackend(fs)
	cfg := testConfig()

	result, err := runWithBackend(t, cfg, fb, Options{DryRun: true, StagingBase: "/runs"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.DryRun {
		t.Error("expected DryRun result")
	}
	if result.BatchID != "" {
		t.Errorf("expected no batch id on dry run, got %s", result.BatchID)
	}
	if !fs.Exists(result.RootDir + "/entrypoint.sh") {
		t.Error("expected entrypoint.sh to be written before the dry-run short-circuit")
	}
	if !fs.Exists(result.RootDir + "/jobs/0/setup.sh") {
		t.Error("expected per-task setup.sh to be written before the dry-run short-circuit")
	}
}

func TestRunSubmitsAndPollsToCompletion(t *testing.T) {
	fs := memfs.New()
	fb := newFakeBackend(fs)
	fb.sacctSeq = []backend.AcctTable{
		{"0": {State: "RUNNING"}},
		{"0": {State: "COMPLETED"}},
	}
	cfg := testConfig()

	result, err := runWithBackend(t, cfg, fb, Options{StagingBase: "/runs", PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.BatchID != "99" {
		t.Errorf("expected batch id 99, got %s", result.BatchID)
	}
	if result.Final["0"].State != "COMPLETED" {
		t.Errorf("expected final state COMPLETED, got %+v", result.Final)
	}
	if fb.lastFlags["array"] != "0-0" {
		t.Errorf("expected array=0-0, got %v", fb.lastFlags["array"])
	}
}

func TestRunDelocalizesFailedTaskWithoutFailingRun(t *testing.T) {
	fs := memfs.New()
	fb := newFakeBackend(fs)
	fb.sacctSeq = []backend.AcctTable{
		{"0": {State: "FAILED"}},
	}
	cfg := testConfig()

	result, err := runWithBackend(t, cfg, fb, Options{StagingBase: "/runs", PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("expected a terminal non-COMPLETED task to not fail the run, got: %v", err)
	}
	if result.Final["0"].State != "FAILED" {
		t.Errorf("expected final state FAILED, got %+v", result.Final)
	}
	if _, ok := result.Outputs["0"]; !ok {
		t.Errorf("expected failed task 0 to be delocalized, got outputs %+v", result.Outputs)
	}
}

// runWithBackend is Run, minus the adapter/backend-registry lookup (this
// test package can't register a fake backend under a config tag without
// polluting the global registry for every other test in the binary), so
// it drives the same run() entrypoint Run itself calls.
func runWithBackend(t *testing.T, cfg *config.Config, be backend.Backend, opts Options) (*Result, error) {
	t.Helper()
	ctx := context.Background()

	ad, err := adapter.New(cfg.Adapter.Type, cfg.Adapter.Options)
	if err != nil {
		return nil, err
	}
	jobSpec, err := ad.ParseInputs(cfg.Inputs)
	if err != nil {
		return nil, err
	}
	if err := be.Enter(ctx); err != nil {
		return nil, err
	}
	defer be.Exit()

	return run(ctx, cfg, opts, &log.NoOpLogger{}, ad, be, jobSpec)
}
