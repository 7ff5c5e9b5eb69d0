package adapter

import "testing"

func TestParseInputsFlatBroadcastsScalars(t *testing.T) {
	m := &Manual{}
	raw := map[string]any{
		"sample": []any{"a", "b"},
		"ref":    "genome.fa",
	}
	spec, err := m.ParseInputs(raw)
	if err != nil {
		t.Fatalf("ParseInputs failed: %v", err)
	}
	if len(spec) != 2 {
		t.Fatalf("expected 2 tasks, got %d: %+v", len(spec), spec)
	}
	if spec["0"]["sample"] != "a" || spec["1"]["sample"] != "b" {
		t.Errorf("expected zipped list values, got %+v", spec)
	}
	if spec["0"]["ref"] != "genome.fa" || spec["1"]["ref"] != "genome.fa" {
		t.Errorf("expected scalar broadcast to every task, got %+v", spec)
	}
}

func TestParseInputsFlatAllScalarsMakesOneTask(t *testing.T) {
	m := &Manual{}
	raw := map[string]any{"x": "literal"}
	spec, err := m.ParseInputs(raw)
	if err != nil {
		t.Fatalf("ParseInputs failed: %v", err)
	}
	if len(spec) != 1 || spec["0"]["x"] != "literal" {
		t.Errorf("expected single task 0, got %+v", spec)
	}
}

func TestParseInputsFlatMismatchedListLengthsFail(t *testing.T) {
	m := &Manual{}
	raw := map[string]any{
		"a": []any{"1", "2"},
		"b": []any{"1", "2", "3"},
	}
	if _, err := m.ParseInputs(raw); err == nil {
		t.Error("expected mismatched list lengths to fail")
	}
}

func TestParseInputsTaskKeyedPassesThrough(t *testing.T) {
	m := &Manual{}
	raw := map[string]any{
		"0": map[string]any{"x": "a"},
		"1": map[string]any{"x": "b"},
	}
	spec, err := m.ParseInputs(raw)
	if err != nil {
		t.Fatalf("ParseInputs failed: %v", err)
	}
	if spec["0"]["x"] != "a" || spec["1"]["x"] != "b" {
		t.Errorf("expected task-keyed passthrough, got %+v", spec)
	}
}

func TestStringifyNumericTypes(t *testing.T) {
	cases := map[any]string{
		"str":      "str",
		true:       "true",
		42:         "42",
		3.0:        "3",
		3.5:        "3.5",
		nil:        "",
	}
	for in, want := range cases {
		if got := stringify(in); got != want {
			t.Errorf("stringify(%v): got %q, want %q", in, got, want)
		}
	}
}

func TestNewUnknownAdapterFails(t *testing.T) {
	if _, err := New("DoesNotExist", nil); err == nil {
		t.Error("expected unknown adapter tag to fail")
	}
}

func TestNewManualRegistered(t *testing.T) {
	a, err := New("Manual", map[string]any{})
	if err != nil {
		t.Fatalf("New(Manual) failed: %v", err)
	}
	if _, ok := a.(*Manual); !ok {
		t.Errorf("expected *Manual, got %T", a)
	}
}
