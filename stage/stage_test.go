package stage

import (
	"testing"

	"kennel/transport/memfs"
)

func TestNewCreatesExpectedDirs(t *testing.T) {
	fs := memfs.New()
	tree, err := New(fs, "/run1", "/run1")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for _, dir := range []string{tree.CommonDir(), tree.OutputsDir(), tree.JobsDir()} {
		if !fs.IsDir(dir) {
			t.Errorf("expected %s to exist as a directory", dir)
		}
	}
}

func TestEnsureJobDirsCreatesTaskLayout(t *testing.T) {
	fs := memfs.New()
	tree, _ := New(fs, "/run1", "/run1")
	if err := tree.EnsureJobDirs("3"); err != nil {
		t.Fatalf("EnsureJobDirs failed: %v", err)
	}
	if !fs.IsDir(tree.JobInputsDir("3")) || !fs.IsDir(tree.JobWorkspaceDir("3")) {
		t.Error("expected job input/workspace directories to exist")
	}
}

func TestToComputeRewritesMountPath(t *testing.T) {
	fs := memfs.New()
	tree, _ := New(fs, "/staging/run1", "/mnt/nfs/run1")
	controllerPath := tree.JobDir("0")
	computePath := tree.ToCompute(controllerPath)
	if computePath != "/mnt/nfs/run1/jobs/0" {
		t.Errorf("ToCompute: got %q, want %q", computePath, "/mnt/nfs/run1/jobs/0")
	}
	if back := tree.ToController(computePath); back != controllerPath {
		t.Errorf("ToController did not invert ToCompute: got %q, want %q", back, controllerPath)
	}
}

func TestCloseRemovesTreeUnlessFaulted(t *testing.T) {
	fs := memfs.New()
	tree, _ := New(fs, "/run1", "/run1")
	fs.WriteFile("/run1/jobs/0/inputs/x.txt", []byte("x"))

	if err := tree.Close(true); err != nil {
		t.Fatalf("Close(faulted) failed: %v", err)
	}
	if !fs.Exists("/run1/jobs/0/inputs/x.txt") {
		t.Error("expected faulted Close to leave the tree in place")
	}

	if err := tree.Close(false); err != nil {
		t.Fatalf("Close(clean) failed: %v", err)
	}
	if fs.Exists("/run1/jobs/0/inputs/x.txt") {
		t.Error("expected clean Close to remove the tree")
	}
}
