package config

import (
	"fmt"
	"strings"
)

// CLIOverrides mirrors the CLI surface from spec.md §6: a set of
// `key:value` multi-valued flags (repeatable, accumulating) plus the
// simple scalar flags.
type CLIOverrides struct {
	Name          string
	ScriptPath    string
	Inputs        []string // -i/--input key:value
	Resources     []string // -r/--resources key:value
	Adapters      []string // -a/--adapter key:value
	Backends      []string // -b/--backend key:value
	Outputs       []string // -o/--output key:value
	Localizations []string // -l/--localization key:value OR overrides:NAME:MODE
}

// ApplyCLIOverrides merges command-line options into cfg on a per-key
// basis, per spec.md §6: repeated -i on the same input name accumulate
// into a list; other scalar flags (-n, -s) simply replace.
func ApplyCLIOverrides(cfg *Config, opts CLIOverrides) error {
	if opts.Name != "" {
		cfg.Name = opts.Name
	}
	if opts.ScriptPath != "" {
		cfg.Script = ScriptSource{Path: opts.ScriptPath}
	}

	if err := mergeKeyValueAccumulating(cfg.Inputs, opts.Inputs); err != nil {
		return fmt.Errorf("--input: %w", err)
	}

	if cfg.Resources == nil {
		cfg.Resources = map[string]any{}
	}
	for _, kv := range opts.Resources {
		k, v, err := splitKV(kv)
		if err != nil {
			return fmt.Errorf("--resources: %w", err)
		}
		cfg.Resources[k] = v
	}

	if len(opts.Adapters) > 0 {
		if err := applyTypedOverrides(&cfg.Adapter, opts.Adapters); err != nil {
			return fmt.Errorf("--adapter: %w", err)
		}
	}
	if len(opts.Backends) > 0 {
		if err := applyTypedOverrides(&cfg.Backend, opts.Backends); err != nil {
			return fmt.Errorf("--backend: %w", err)
		}
	}

	// spec.md §9 open question, preserved as-is: the original source's
	// CLI --output merge is indented inside the `if 'outputs' not in conf`
	// branch, so CLI-provided outputs are silently dropped once the YAML
	// already declares any `outputs` key. This rewrite keeps that exact
	// behavior rather than "fixing" it.
	if len(cfg.Outputs) == 0 {
		for _, kv := range opts.Outputs {
			k, v, err := splitKV(kv)
			if err != nil {
				return fmt.Errorf("--output: %w", err)
			}
			if cfg.Outputs == nil {
				cfg.Outputs = map[string]string{}
			}
			cfg.Outputs[k] = fmt.Sprint(v)
		}
	}

	for _, kv := range opts.Localizations {
		parts := strings.SplitN(kv, ":", 3)
		if len(parts) == 3 && strings.EqualFold(parts[0], "overrides") {
			cfg.Localization.Overrides[parts[1]] = strings.ToLower(parts[2])
			continue
		}
		k, v, err := splitKV(kv)
		if err != nil {
			return fmt.Errorf("--localization: %w", err)
		}
		if cfg.Localization.Options == nil {
			cfg.Localization.Options = map[string]any{}
		}
		cfg.Localization.Options[k] = v
	}

	return nil
}

// mergeKeyValueAccumulating merges `key:value` CLI pairs into a flat
// raw_inputs map, per spec.md's round-trip property: a YAML value combined
// with one --input of the same name becomes a 2-element list; two
// --input flags alone on the same name become a 2-element list too.
func mergeKeyValueAccumulating(into map[string]any, pairs []string) error {
	for _, kv := range pairs {
		k, v, err := splitKV(kv)
		if err != nil {
			return err
		}
		existing, ok := into[k]
		if !ok {
			into[k] = v
			continue
		}
		into[k] = appendValue(existing, v)
	}
	return nil
}

func appendValue(existing any, v string) []any {
	switch e := existing.(type) {
	case []any:
		return append(e, v)
	default:
		return []any{e, v}
	}
}

func applyTypedOverrides(t *TypedOptions, pairs []string) error {
	for _, kv := range pairs {
		k, v, err := splitKV(kv)
		if err != nil {
			return err
		}
		if strings.EqualFold(k, "type") {
			t.Type = fmt.Sprint(v)
			continue
		}
		if t.Options == nil {
			t.Options = map[string]any{}
		}
		t.Options[k] = v
	}
	return nil
}

func splitKV(kv string) (string, string, error) {
	parts := strings.SplitN(kv, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected key:value, got %q", kv)
	}
	return parts[0], parts[1], nil
}
