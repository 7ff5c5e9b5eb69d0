package adapter

import (
	"fmt"
	"strconv"
)

func init() {
	Register("Manual", NewManual)
}

// Manual is the default adapter (spec.md §4.4 step 1: adapter=Manual when
// unset). It accepts raw_inputs in either of the two shapes config.go's
// Config.Inputs doc comment describes: already task-keyed
// ({task_id: {name: value}}), passed through unchanged aside from
// stringifying leaf values; or flat ({name: value-or-list}), which it
// expands by broadcasting scalars to every task and zipping same-length
// lists across tasks 0..N-1.
type Manual struct{}

// NewManual is registered under the "Manual" tag. It takes no
// constructor options.
func NewManual(options map[string]any) (Adapter, error) {
	return &Manual{}, nil
}

func (m *Manual) ParseInputs(raw map[string]any) (map[string]map[string]string, error) {
	if isTaskKeyed(raw) {
		return parseTaskKeyed(raw)
	}
	return parseFlat(raw)
}

// ParseOutputs is a no-op: the Manual adapter has nothing further to do
// with a run's outputs once they're delocalized to local disk.
func (m *Manual) ParseOutputs(outputs map[string]map[string]string) error {
	return nil
}

func isTaskKeyed(raw map[string]any) bool {
	if len(raw) == 0 {
		return false
	}
	for _, v := range raw {
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func parseTaskKeyed(raw map[string]any) (map[string]map[string]string, error) {
	spec := make(map[string]map[string]string, len(raw))
	for taskID, v := range raw {
		inner, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("adapter: task %q inputs must be a mapping", taskID)
		}
		task := make(map[string]string, len(inner))
		for name, value := range inner {
			task[name] = stringify(value)
		}
		spec[taskID] = task
	}
	return spec, nil
}

func parseFlat(raw map[string]any) (map[string]map[string]string, error) {
	n := -1
	for name, v := range raw {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		if n == -1 {
			n = len(list)
		} else if len(list) != n {
			return nil, fmt.Errorf("adapter: input %q has %d values, expected %d to match other list-valued inputs", name, len(list), n)
		}
	}
	if n == -1 {
		n = 1
	}

	spec := make(map[string]map[string]string, n)
	for i := 0; i < n; i++ {
		spec[strconv.Itoa(i)] = make(map[string]string, len(raw))
	}

	for name, v := range raw {
		if list, ok := v.([]any); ok {
			for i, item := range list {
				spec[strconv.Itoa(i)][name] = stringify(item)
			}
			continue
		}
		s := stringify(v)
		for i := 0; i < n; i++ {
			spec[strconv.Itoa(i)][name] = s
		}
	}
	return spec, nil
}

// stringify renders a decoded YAML scalar as the string value every
// downstream component (localizer, setup.sh export lines) expects.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
