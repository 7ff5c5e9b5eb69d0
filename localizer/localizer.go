// Package localizer owns all filesystem preparation and harvest for a
// batch run: the only component besides stage.Tree permitted to write
// under $CANINE_ROOT. It plans where every task's inputs come from,
// synthesizes each task's setup.sh, and walks completed tasks' workspaces
// to collect outputs.
//
// Grounded on environment.MockEnvironment's "decide, then act" shape for
// planning, and on build/phases.go's ordered-phase-list-with-side-effects
// shape for setup.sh synthesis (see localizer/script.go).
package localizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"kennel/backend"
	"kennel/log"
	"kennel/stage"
	"kennel/transport"
)

// RecordType is the closed set of kinds a planned input can take, per
// spec.md's invariant that every record's type is drawn from {none,
// stream, download}.
type RecordType string

const (
	RecordNone     RecordType = "none"
	RecordStream   RecordType = "stream"
	RecordDownload RecordType = "download"
)

// Record is what planning decides for a single (task, input name) pair:
// how it reaches the task, and the value setup.sh should export for it
// (a literal, a compute-visible path, or the original source URI for the
// stream/download cases, which fetch lazily from inside setup.sh itself).
type Record struct {
	Type  RecordType
	Value string
}

// Config holds the Localizer's construction-time options (spec.md §9: the
// localization subtree minus overrides, which Plan takes separately).
type Config struct {
	// CommonMode enables automatic promotion of a value to common/ when
	// it appears in two or more tasks. An override of "common" on a
	// given input name always forces promotion regardless of this flag.
	CommonMode bool
	// DefaultProject is the GCP project billed for requester-pays
	// buckets once the probe trips.
	DefaultProject string
	// LocalOutputDir is where Delocalize receives files to, on the
	// invoking host — distinct from the compute-visible CANINE_OUTPUT
	// directory under the stage tree, which tasks may or may not use on
	// their own.
	LocalOutputDir string
	Logger         log.LibraryLogger
}

// Localizer plans and executes input localization and output harvest for
// one batch run. Plan may be called at most once per instance.
type Localizer struct {
	backend backend.Backend
	tr      transport.Transport
	stage   *stage.Tree
	cfg     Config
	logger  log.LibraryLogger

	mu                 sync.Mutex
	requesterPaysCache map[string]bool
	planned            bool
	records            map[string]map[string]Record
}

// New builds a Localizer over an already-entered backend scope: be.Invoke
// runs gsutil, tr moves bytes, tree owns the directory layout.
func New(be backend.Backend, tr transport.Transport, tree *stage.Tree, cfg Config) *Localizer {
	logger := cfg.Logger
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	return &Localizer{
		backend:            be,
		tr:                 tr,
		stage:              tree,
		cfg:                cfg,
		logger:             logger,
		requesterPaysCache: make(map[string]bool),
	}
}

// Plan implements spec.md §4.3's localize(inputs, overrides) algorithm:
// build the common set, materialize it, then decide a Record for every
// (task, input) pair in deterministic (sorted) order.
func (l *Localizer) Plan(ctx context.Context, inputs map[string]map[string]string, overrides map[string]string) error {
	l.mu.Lock()
	if l.planned {
		l.mu.Unlock()
		return errors.New("localizer: localize already called for this run")
	}
	l.planned = true
	l.mu.Unlock()

	overrides = normalizeOverrides(overrides)

	commonValues := l.commonSet(inputs, overrides)
	commonPaths, err := l.materializeCommon(ctx, commonValues)
	if err != nil {
		return err
	}

	records := make(map[string]map[string]Record, len(inputs))
	for _, taskID := range sortedKeys(inputs) {
		taskInputs := inputs[taskID]
		if err := l.stage.EnsureJobDirs(taskID); err != nil {
			return err
		}
		taken := make(map[string]bool)
		rec := make(map[string]Record, len(taskInputs))
		for _, name := range sortedKeys(taskInputs) {
			value := taskInputs[name]
			r, err := l.planOne(ctx, taskID, name, value, overrides[name], commonPaths, taken)
			if err != nil {
				return fmt.Errorf("localizer: planning task %s input %s: %w", taskID, name, err)
			}
			rec[name] = r
		}
		records[taskID] = rec
	}

	l.mu.Lock()
	l.records = records
	l.mu.Unlock()
	return nil
}

func (l *Localizer) planOne(ctx context.Context, taskID, name, value, mode string, commonPaths map[string]string, taken map[string]bool) (Record, error) {
	switch mode {
	case "stream":
		return Record{Type: RecordStream, Value: value}, nil

	case "localize":
		dest, err := l.copyToInputs(ctx, taskID, name, value, taken)
		if err != nil {
			return Record{}, err
		}
		return Record{Type: RecordNone, Value: dest}, nil

	case "delayed":
		if looksLikeCloudURI(value) {
			return Record{Type: RecordDownload, Value: value}, nil
		}
		l.logger.Warn("localizer: task %s input %s overridden delayed but %q is not a cloud URI, localizing eagerly", taskID, name, value)
		dest, err := l.copyToInputs(ctx, taskID, name, value, taken)
		if err != nil {
			return Record{}, err
		}
		return Record{Type: RecordNone, Value: dest}, nil

	case "null":
		return Record{Type: RecordNone, Value: value}, nil

	default:
		// "" (no override) and "common" both fall through here: a
		// common override only affects set membership (handled in
		// commonSet), not how a hit is recorded.
		if dest, ok := commonPaths[value]; ok {
			return Record{Type: RecordNone, Value: dest}, nil
		}
		if looksLikeCloudURI(value) || isLocalFile(value) {
			dest, err := l.copyToInputs(ctx, taskID, name, value, taken)
			if err != nil {
				return Record{}, err
			}
			return Record{Type: RecordNone, Value: dest}, nil
		}
		return Record{Type: RecordNone, Value: value}, nil
	}
}

// commonSet decides which source values get promoted into common/: those
// appearing in two or more tasks (only when CommonMode is on) with no
// conflicting override, plus any value whose input name is overridden to
// "common" regardless of count. A value seen under an input overridden to
// anything else (stream, delayed, localize) never counts toward the
// repeat-based promotion, so that override is never silently bypassed.
func (l *Localizer) commonSet(inputs map[string]map[string]string, overrides map[string]string) map[string]bool {
	counts := make(map[string]int)
	forced := make(map[string]bool)
	for _, taskInputs := range inputs {
		for name, value := range taskInputs {
			if overrides[name] == "common" {
				forced[value] = true
				continue
			}
			if overrides[name] != "" {
				// Overridden to something other than "common" (stream,
				// delayed, localize): never eligible for count-based
				// promotion, no matter how many tasks share the value.
				continue
			}
			counts[value]++
		}
	}
	set := make(map[string]bool)
	for v := range forced {
		set[v] = true
	}
	if l.cfg.CommonMode {
		for v, c := range counts {
			if c >= 2 {
				set[v] = true
			}
		}
	}
	return set
}

// materializeCommon copies every value in the common set into common/,
// skipping (with a warning) anything that is neither a cloud URI nor a
// local file visible to the controller. Returns the source-value to
// controller-path mapping planOne consults for common-set hits.
func (l *Localizer) materializeCommon(ctx context.Context, values map[string]bool) (map[string]string, error) {
	dest := make(map[string]string, len(values))
	taken := make(map[string]bool)
	for _, v := range sortedKeys(values) {
		base := path.Base(strings.TrimSuffix(v, "/"))
		name := dedupeName(base, taken)
		target := path.Join(l.stage.CommonDir(), name)

		switch {
		case looksLikeCloudURI(v):
			if err := l.gsutilCopy(ctx, v, target); err != nil {
				l.logger.Warn("localizer: copying %q to common: %v", v, err)
				continue
			}
		case isLocalFile(v):
			if err := l.tr.Send(v, target); err != nil {
				l.logger.Warn("localizer: sending %q to common: %v", v, err)
				continue
			}
		default:
			l.logger.Warn("localizer: %q is neither a cloud URI nor a local file visible to the controller, skipping common promotion", v)
			continue
		}
		dest[v] = target
	}
	return dest, nil
}

// copyToInputs eagerly localizes value into taskID's inputs/ directory,
// de-colliding its basename against every name already placed there this
// Plan call. A value that is neither a cloud URI nor a local file has
// nothing to copy and is returned unchanged.
func (l *Localizer) copyToInputs(ctx context.Context, taskID, name, value string, taken map[string]bool) (string, error) {
	if !looksLikeCloudURI(value) && !isLocalFile(value) {
		return value, nil
	}
	base := path.Base(strings.TrimSuffix(value, "/"))
	if base == "" || base == "." || base == "/" {
		base = name
	}
	dest := path.Join(l.stage.JobInputsDir(taskID), dedupeName(base, taken))

	switch {
	case looksLikeCloudURI(value):
		if err := l.gsutilCopy(ctx, value, dest); err != nil {
			return "", err
		}
	case isLocalFile(value):
		if err := l.tr.Send(value, dest); err != nil {
			return "", fmt.Errorf("sending %q: %w", value, err)
		}
	default:
		return "", fmt.Errorf("%q is neither a cloud URI nor a local file", value)
	}
	return dest, nil
}

// dedupeName returns a basename guaranteed not to collide with anything
// already in taken, inserting "._alt" before the extension on each
// collision (x.ext, x._alt.ext, x._alt._alt.ext, ...), matching the
// original's os.path.splitext-based loop.
func dedupeName(basename string, taken map[string]bool) string {
	ext := path.Ext(basename)
	stem := strings.TrimSuffix(basename, ext)
	candidate := basename
	for taken[candidate] {
		stem += "._alt"
		candidate = stem + ext
	}
	taken[candidate] = true
	return candidate
}

func looksLikeCloudURI(v string) bool {
	return strings.HasPrefix(v, "gs://")
}

func isLocalFile(v string) bool {
	if looksLikeCloudURI(v) {
		return false
	}
	info, err := os.Stat(v)
	return err == nil && !info.IsDir()
}

func normalizeOverrides(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = strings.ToLower(v)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
