package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"kennel/backend"
)

func TestInvokeCapturesStdoutAndExitCode(t *testing.T) {
	b := New()
	result, err := b.Invoke(context.Background(), "echo hello", backend.InvokeOptions{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("expected stdout %q, got %q", "hello\n", result.Stdout)
	}
}

func TestInvokeNonZeroExitIsNotAnError(t *testing.T) {
	b := New()
	result, err := b.Invoke(context.Background(), "exit 7", backend.InvokeOptions{})
	if err != nil {
		t.Fatalf("did not expect error for a command that merely exits non-zero: %v", err)
	}
	if result.ExitCode != 7 {
		t.Errorf("expected exit code 7, got %d", result.ExitCode)
	}
}

func TestInvokeFailureToRunReturnsError(t *testing.T) {
	b := New()
	_, err := b.Invoke(context.Background(), "echo hi", backend.InvokeOptions{WorkDir: "/does/not/exist"})
	if err == nil {
		t.Error("expected error for a nonexistent working directory")
	}
}

func TestPackBatchScriptWritesShebangAndLines(t *testing.T) {
	dir := t.TempDir()
	path, err := packBatchScript([]string{"#SBATCH --array=0-3", "srun echo hi"}, filepath.Join(dir, "batch.sh"))
	if err != nil {
		t.Fatalf("packBatchScript failed: %v", err)
	}
	if path != filepath.Join(dir, "batch.sh") {
		t.Errorf("unexpected script path: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading packed script: %v", err)
	}
	if want := "#!/bin/bash\n#SBATCH --array=0-3\nsrun echo hi\n"; string(data) != want {
		t.Errorf("script body: got %q, want %q", string(data), want)
	}
}

func TestParseSacctSkipsStepEntries(t *testing.T) {
	table := parseSacct("123_0|COMPLETED|0:0|00:01:00\n123_0.batch|COMPLETED|0:0|00:01:00\n123_1|RUNNING|0:0|00:00:30\n")
	if len(table) != 2 {
		t.Fatalf("expected 2 task rows, got %d: %+v", len(table), table)
	}
	if table["0"].State != "COMPLETED" {
		t.Errorf("expected task 0 COMPLETED, got %+v", table["0"])
	}
	if table["1"].State != "RUNNING" {
		t.Errorf("expected task 1 RUNNING, got %+v", table["1"])
	}
}
