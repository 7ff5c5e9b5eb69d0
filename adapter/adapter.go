// Package adapter implements the boundary spec.md §1 calls out as an
// external collaborator: turning a pipeline's raw, user-authored `inputs`
// config into the task-keyed job spec the orchestrator and localizer
// actually operate on, and handing the final output map back for
// whatever the adapter wants to do with it.
//
// Registered by tag in a name→constructor table, the same pattern
// backend.Register/backend.New use (itself grounded on
// environment.Register/environment.New).
package adapter

import "fmt"

// Adapter is the two-operation contract spec.md §6 names.
type Adapter interface {
	// ParseInputs turns raw_inputs into a mapping from task id to input
	// mapping. The orchestrator's sole input-side dependency on the
	// adapter.
	ParseInputs(raw map[string]any) (map[string]map[string]string, error)

	// ParseOutputs receives the final nested output mapping
	// ({ jobId: { output_name: local_path } }) once delocalization
	// completes. Return value is ignored by the caller except for error
	// propagation.
	ParseOutputs(outputs map[string]map[string]string) error
}

// NewAdapterFunc constructs an Adapter from its typed config options.
type NewAdapterFunc func(options map[string]any) (Adapter, error)

var adapters = make(map[string]NewAdapterFunc)

// Register adds a named adapter constructor. Panics on duplicate
// registration, matching backend.Register.
func Register(name string, fn NewAdapterFunc) {
	if _, exists := adapters[name]; exists {
		panic(fmt.Sprintf("adapter already registered: %s", name))
	}
	adapters[name] = fn
}

// New constructs the adapter registered under name.
func New(name string, options map[string]any) (Adapter, error) {
	fn, ok := adapters[name]
	if !ok {
		return nil, &ErrUnknownAdapter{Adapter: name}
	}
	return fn(options)
}

// ErrUnknownAdapter is returned by New for an unregistered adapter tag —
// spec.md §6's "unknown tag → value error".
type ErrUnknownAdapter struct {
	Adapter string
}

func (e *ErrUnknownAdapter) Error() string {
	return fmt.Sprintf("unknown adapter: %s", e.Adapter)
}
