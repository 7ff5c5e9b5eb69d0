// Package orchestrator drives a pipeline end to end: resolve adapter and
// backend from config, plan and execute localization, submit the array
// job, poll it to completion, and delocalize outputs as tasks finish.
//
// Grounded on build.DoBuild's role as the single driver function a CLI
// command calls, and on service.Service's Close-aggregates-errors
// lifecycle for the resources this run opens (backend scope, Localizer's
// staging tree, the pollstats collector).
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"kennel/adapter"
	"kennel/backend"
	"kennel/config"
	"kennel/localizer"
	"kennel/log"
	"kennel/pollstats"
	"kennel/stage"
	"kennel/transport"
)

// Version is reported to every task as CANINE.
const Version = "1.0"

const pollInterval = 30 * time.Second

// Options controls a single Run beyond what's in config.Config: flags
// that come from the CLI rather than the pipeline YAML.
type Options struct {
	DryRun bool
	// StagingBase is the controller-visible parent directory each run's
	// $CANINE_ROOT is created under. Defaults to /tmp/kennel.
	StagingBase string
	// MountPath overrides the compute-visible root when it differs from
	// the controller-visible one (a split NFS mount). Empty means "same
	// as the controller path" — true for all three backends this system
	// ships, but left as a hook for a future deployment that splits them.
	MountPath string
	Consumer  pollstats.Consumer
	Logger    log.LibraryLogger
	// PollInterval overrides the 30s cadence spec.md §4.4 step 12 polls
	// sacct at. Zero means the default; tests pass something much
	// shorter to exercise the poll loop without a real 30s wait.
	PollInterval time.Duration
}

// Result is what a completed (or dry-run) orchestration returns, per
// spec.md §4.4 step 14.
type Result struct {
	BatchID  backend.BatchID
	JobSpec  map[string]map[string]string
	Final    backend.AcctTable
	RootDir  string
	DryRun   bool
	Outputs  map[string]map[string]string
}

// Run drives cfg's pipeline to completion (or through --dry-run's
// short-circuit point) following spec.md §4.4's 14-step flow.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &log.NoOpLogger{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ad, err := adapter.New(cfg.Adapter.Type, cfg.Adapter.Options)
	if err != nil {
		return nil, err
	}
	be, err := backend.New(cfg.Backend.Type, cfg.Backend.Options)
	if err != nil {
		return nil, err
	}

	jobSpec, err := ad.ParseInputs(cfg.Inputs)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: parsing inputs: %w", err)
	}

	logger.Info("entering backend scope")
	if err := be.Enter(ctx); err != nil {
		if exitErr := be.Exit(); exitErr != nil {
			logger.Warn("orchestrator: backend exit: %v", exitErr)
		}
		return nil, fmt.Errorf("orchestrator: entering backend: %w", err)
	}

	result, runErr := run(ctx, cfg, opts, logger, ad, be, jobSpec)

	if exitErr := be.Exit(); exitErr != nil {
		logger.Warn("orchestrator: backend exit: %v", exitErr)
	}
	return result, runErr
}

func run(ctx context.Context, cfg *config.Config, opts Options, logger log.LibraryLogger,
	ad adapter.Adapter, be backend.Backend, jobSpec map[string]map[string]string) (*Result, error) {

	tr, err := be.Transport(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: acquiring transport: %w", err)
	}
	defer tr.Close()

	stagingBase := opts.StagingBase
	if stagingBase == "" {
		stagingBase = "/tmp/kennel"
	}
	root := path.Join(stagingBase, uuid.New().String())
	mountPath := opts.MountPath
	if mountPath == "" {
		mountPath = root
	}

	tree, err := stage.New(tr, root, mountPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: creating staging tree: %w", err)
	}

	faulted := true
	defer func() {
		if err := tree.Close(faulted); err != nil {
			logger.Warn("orchestrator: cleaning up staging tree: %v", err)
		}
	}()

	localCfg := localizerConfig(cfg, logger)
	lz := localizer.New(be, tr, tree, localCfg)

	logger.Info("localizing")
	if err := lz.Plan(ctx, jobSpec, cfg.Localization.Overrides); err != nil {
		return nil, fmt.Errorf("orchestrator: localizing: %w", err)
	}

	logger.Info("preparing")
	scriptPath, err := placeScript(ctx, be, tr, cfg, tree)
	if err != nil {
		return nil, err
	}

	if err := writeEntrypoint(tr, tree, cfg, scriptPath); err != nil {
		return nil, fmt.Errorf("orchestrator: writing entrypoint: %w", err)
	}

	for _, taskID := range sortedTaskIDs(jobSpec) {
		if err := lz.WriteJobScript(ctx, taskID, ""); err != nil {
			return nil, fmt.Errorf("orchestrator: writing setup for task %s: %w", taskID, err)
		}
	}

	if err := be.WaitForClusterReady(ctx, false); err != nil {
		return nil, fmt.Errorf("orchestrator: waiting for cluster: %w", err)
	}

	result := &Result{JobSpec: jobSpec, RootDir: root}

	if opts.DryRun {
		result.DryRun = true
		faulted = false
		return result, nil
	}

	n := len(jobSpec)
	flags := map[string]any{}
	for k, v := range cfg.Resources {
		flags[k] = v
	}

	logger.Info("submitting")
	batchID, err := be.Sbatch(ctx, tree.EntrypointScript(), mergeSbatchFlags(flags, tree, n))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: submitting: %w", err)
	}
	result.BatchID = batchID

	interval := opts.PollInterval
	if interval == 0 {
		interval = pollInterval
	}
	final, outputs, err := poll(ctx, be, lz, batchID, cfg.Outputs, jobSpec, opts.Consumer, logger, interval)
	if err != nil {
		return nil, err
	}
	result.Final = final
	result.Outputs = outputs

	if err := ad.ParseOutputs(outputs); err != nil {
		return nil, fmt.Errorf("orchestrator: adapter parsing outputs: %w", err)
	}

	faulted = false
	return result, nil
}

func localizerConfig(cfg *config.Config, logger log.LibraryLogger) localizer.Config {
	lc := localizer.Config{Logger: logger}
	opts := cfg.Localization.Options
	if v, ok := opts["common"].(bool); ok {
		lc.CommonMode = v
	}
	if v, ok := opts["default_project"].(string); ok {
		lc.DefaultProject = v
	}
	if v, ok := opts["output_dir"].(string); ok {
		lc.LocalOutputDir = v
	}
	return lc
}

// placeScript implements spec.md §4.4 step 7: either send a script path
// to root_dir/<basename>, or pack inline shell lines via the backend.
func placeScript(ctx context.Context, be backend.Backend, tr transport.Transport, cfg *config.Config, tree *stage.Tree) (string, error) {
	if cfg.Script.Path != "" {
		dest := path.Join(tree.Root(), path.Base(cfg.Script.Path))
		if err := tr.Send(cfg.Script.Path, dest); err != nil {
			return "", fmt.Errorf("orchestrator: sending script %s: %w", cfg.Script.Path, err)
		}
		return dest, nil
	}
	scriptPath, err := be.PackBatchScript(ctx, cfg.Script.Lines, path.Join(tree.Root(), "script.sh"))
	if err != nil {
		return "", fmt.Errorf("orchestrator: packing script: %w", err)
	}
	return scriptPath, nil
}

// writeEntrypoint implements spec.md §4.4 step 8's literal template: the
// one script every array index runs, sourcing its own task's setup.sh
// before handing off to the pipeline script.
func writeEntrypoint(tr transport.Transport, tree *stage.Tree, cfg *config.Config, scriptPath string) error {
	var b strings.Builder
	fmt.Fprintln(&b, "#!/bin/bash")
	fmt.Fprintf(&b, "export CANINE=%s\n", shellQuote(Version))
	fmt.Fprintf(&b, "export CANINE_BACKEND=%s\n", shellQuote(cfg.Backend.Type))
	fmt.Fprintf(&b, "export CANINE_ADAPTER=%s\n", shellQuote(cfg.Adapter.Type))
	fmt.Fprintf(&b, "export CANINE_ROOT=%s\n", shellQuote(tree.ToCompute(tree.Root())))
	fmt.Fprintf(&b, "export CANINE_COMMON=%s\n", shellQuote(tree.ToCompute(tree.CommonDir())))
	fmt.Fprintf(&b, "export CANINE_OUTPUT=%s\n", shellQuote(tree.ToCompute(tree.OutputsDir())))
	fmt.Fprintf(&b, "export CANINE_JOBS=%s\n", shellQuote(tree.ToCompute(tree.JobsDir())))
	fmt.Fprintln(&b, "source $CANINE_JOBS/$SLURM_ARRAY_TASK_ID/setup.sh")
	fmt.Fprintln(&b, tree.ToCompute(scriptPath))

	entrypointPath := tree.EntrypointScript()
	f, err := tr.Open(entrypointPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0775)
	if err != nil {
		return fmt.Errorf("opening %s: %w", entrypointPath, err)
	}
	if _, err := f.Write([]byte(b.String())); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", entrypointPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", entrypointPath, err)
	}
	return tr.Chmod(entrypointPath, 0775)
}

// shellQuote is the same POSIX single-quote escape used throughout the
// transport-facing packages; duplicated here rather than shared, per this
// codebase's convention of keeping each package's shell-text generation
// self-contained.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func mergeSbatchFlags(flags map[string]any, tree *stage.Tree, n int) map[string]any {
	out := make(map[string]any, len(flags)+3)
	for k, v := range flags {
		out[k] = v
	}
	out["array"] = fmt.Sprintf("0-%d", n-1)
	out["output"] = path.Join(tree.ToCompute(tree.JobsDir()), "%a", "workspace", "stdout")
	out["error"] = path.Join(tree.ToCompute(tree.JobsDir()), "%a", "workspace", "stderr")
	return out
}

func sortedTaskIDs(jobSpec map[string]map[string]string) []string {
	ids := make([]string, 0, len(jobSpec))
	for id := range jobSpec {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
