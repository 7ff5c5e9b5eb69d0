// Package config loads and merges the YAML pipeline description consumed by
// the orchestrator: script source, per-task inputs, SLURM resource flags,
// adapter/backend type tags, localization overrides, and output globs.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TypedOptions is the Go rendering of a "keyed record with a type tag plus
// free-form options" — the shape spec.md uses for both `adapter` and
// `backend` subtrees. An unknown tag is reported by the registry that
// resolves Type (backend.ErrUnknownBackend, adapter.ErrUnknownAdapter), not
// as a config Error.
type TypedOptions struct {
	Type    string
	Options map[string]any
}

// UnmarshalYAML decodes a mapping node, pulling `type` out into Type and
// leaving every other key in Options.
func (t *TypedOptions) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return t.fromMap(raw)
}

func (t *TypedOptions) fromMap(raw map[string]any) error {
	t.Options = map[string]any{}
	for k, v := range raw {
		if strings.EqualFold(k, "type") {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("type must be a string, got %T", v)
			}
			t.Type = s
			continue
		}
		t.Options[k] = v
	}
	return nil
}

// LocalizationOptions holds the `localization` subtree: `overrides` is
// split out and handed to Localizer.Plan separately from everything else,
// which goes to the Localizer constructor (spec.md §9 open question,
// preserved deliberately — see SPEC_FULL.md §9).
type LocalizationOptions struct {
	Overrides map[string]string
	Options   map[string]any
}

func (l *LocalizationOptions) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	l.Options = map[string]any{}
	l.Overrides = map[string]string{}
	for k, v := range raw {
		if strings.EqualFold(k, "overrides") {
			m, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("localization.overrides must be a mapping")
			}
			for ok, ov := range m {
				s, ok2 := ov.(string)
				if !ok2 {
					continue
				}
				l.Overrides[ok] = strings.ToLower(s)
			}
			continue
		}
		l.Options[k] = v
	}
	return nil
}

// ScriptSource is either a path to a shell script file or an ordered
// sequence of shell lines (spec.md §3).
type ScriptSource struct {
	Path  string
	Lines []string
}

func (s *ScriptSource) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&s.Path)
	case yaml.SequenceNode:
		return node.Decode(&s.Lines)
	default:
		return fmt.Errorf("script must be a path string or a list of shell lines")
	}
}

// IsSet reports whether a script source was configured at all.
func (s ScriptSource) IsSet() bool {
	return s.Path != "" || len(s.Lines) > 0
}

// Config is the top-level pipeline description (spec.md §3).
//
// Inputs is deliberately untyped raw_inputs, not yet expanded into a
// per-task map: spec.md §4.4 step 3 hands this to the adapter's
// ParseInputs, which is the sole component that turns it into
// {task_id: {input_name: value}}. It may already be in that nested shape
// (as spec.md's own scenario examples write it), or it may be a flat
// {input_name: value-or-list-of-values} shape that the Manual adapter
// expands by broadcasting scalars and zipping lists across tasks.
type Config struct {
	Name         string
	Script       ScriptSource
	Inputs       map[string]any
	Resources    map[string]any
	Adapter      TypedOptions
	Backend      TypedOptions
	Localization LocalizationOptions
	Outputs      map[string]string
}

const (
	defaultAdapterType = "Manual"
	defaultBackendType = "Local"
)

// Load reads a YAML pipeline config from path and fills in defaults
// (spec.md §4.4 step 1: `adapter=Manual`, `backend=Local`).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// New returns an empty Config with the same defaults Load applies, for
// callers (the CLI, when no pipeline file is given) building one up from
// flags instead of a YAML file.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Adapter.Type == "" {
		cfg.Adapter.Type = defaultAdapterType
	}
	if cfg.Adapter.Options == nil {
		cfg.Adapter.Options = map[string]any{}
	}
	if cfg.Backend.Type == "" {
		cfg.Backend.Type = defaultBackendType
	}
	if cfg.Backend.Options == nil {
		cfg.Backend.Options = map[string]any{}
	}
	if cfg.Inputs == nil {
		cfg.Inputs = map[string]any{}
	}
	if cfg.Resources == nil {
		cfg.Resources = map[string]any{}
	}
	if cfg.Outputs == nil {
		cfg.Outputs = map[string]string{}
	}
	if cfg.Localization.Overrides == nil {
		cfg.Localization.Overrides = map[string]string{}
	}
	if cfg.Localization.Options == nil {
		cfg.Localization.Options = map[string]any{}
	}
}

// Validate checks the minimal set of required fields before a pipeline can
// run: a script source and at least one task in `inputs`.
func (cfg *Config) Validate() error {
	if !cfg.Script.IsSet() {
		return &Error{Op: "validate", Err: fmt.Errorf("config is missing required key: script")}
	}
	if len(cfg.Inputs) == 0 {
		return &Error{Op: "validate", Err: fmt.Errorf("config has no tasks under inputs")}
	}
	return nil
}

// Error is a ConfigError returned by Validate: a missing script or no tasks
// under inputs. Unknown adapter/backend tags and an ill-typed script are
// reported by other errors (the registries' and YAML decoding's).
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("config error (%s): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("config error: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Export marshals cfg back to YAML, for the CLI's `--export FILE` flag.
func Export(cfg *Config) ([]byte, error) {
	out := map[string]any{
		"name":      cfg.Name,
		"inputs":    cfg.Inputs,
		"resources": cfg.Resources,
		"adapter":   flattenTyped(cfg.Adapter),
		"backend":   flattenTyped(cfg.Backend),
		"localization": map[string]any{
			"overrides": cfg.Localization.Overrides,
			"options":   cfg.Localization.Options,
		},
		"outputs": cfg.Outputs,
	}
	if cfg.Script.Path != "" {
		out["script"] = cfg.Script.Path
	} else {
		out["script"] = cfg.Script.Lines
	}
	return yaml.Marshal(out)
}

func flattenTyped(t TypedOptions) map[string]any {
	m := map[string]any{"type": t.Type}
	for k, v := range t.Options {
		m[k] = v
	}
	return m
}
