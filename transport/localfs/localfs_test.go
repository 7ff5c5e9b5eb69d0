package localfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMkdirAllAndExists(t *testing.T) {
	dir := t.TempDir()
	tr := New()

	p := filepath.Join(dir, "a", "b", "c")
	if err := tr.MkdirAll(p, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if !tr.Exists(p) || !tr.IsDir(p) {
		t.Errorf("expected %s to exist and be a directory", p)
	}
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tr := New()

	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("hello"), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	dst := filepath.Join(dir, "nested", "dst.txt")
	if err := tr.Send(src, dst); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	back := filepath.Join(dir, "back.txt")
	if err := tr.Receive(dst, back); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	data, err := os.ReadFile(back)
	if err != nil {
		t.Fatalf("failed to read round-tripped file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected contents %q, got %q", "hello", string(data))
	}
}

func TestWalkYieldsDirsAndFiles(t *testing.T) {
	dir := t.TempDir()
	tr := New()

	os.MkdirAll(filepath.Join(dir, "sub"), 0755)
	os.WriteFile(filepath.Join(dir, "top.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("y"), 0644)

	var sawTop, sawNested bool
	err := tr.Walk(dir, func(dirPath string, dirNames, fileNames []string) error {
		for _, f := range fileNames {
			if dirPath == dir && f == "top.txt" {
				sawTop = true
			}
			if filepath.Base(dirPath) == "sub" && f == "nested.txt" {
				sawNested = true
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if !sawTop || !sawNested {
		t.Errorf("expected to see top.txt and sub/nested.txt, sawTop=%v sawNested=%v", sawTop, sawNested)
	}
}

func TestRemoveMissingReturnsTransportError(t *testing.T) {
	tr := New()
	err := tr.Remove(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("expected error removing missing file")
	}
}
