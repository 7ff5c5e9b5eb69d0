package localizer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kennel/backend"
	"kennel/stage"
	"kennel/transport"
	"kennel/transport/memfs"
)

// fakeBackend is a minimal backend.Backend double: only Invoke does
// anything, recording every command it was asked to run and replying
// from a caller-supplied script keyed by substring.
type fakeBackend struct {
	calls    []string
	stderrOn map[string]string // command substring -> stderr to return
}

func (f *fakeBackend) Enter(ctx context.Context) error { return nil }
func (f *fakeBackend) Exit() error                     { return nil }
func (f *fakeBackend) Transport(ctx context.Context) (transport.Transport, error) {
	return nil, nil
}

func (f *fakeBackend) Invoke(ctx context.Context, command string, opts backend.InvokeOptions) (backend.InvokeResult, error) {
	f.calls = append(f.calls, command)
	for substr, stderr := range f.stderrOn {
		if strings.Contains(command, substr) {
			return backend.InvokeResult{ExitCode: 1, Stderr: stderr}, nil
		}
	}
	return backend.InvokeResult{ExitCode: 0}, nil
}

func (f *fakeBackend) InvokeTTY(ctx context.Context, command string) error { return nil }

func (f *fakeBackend) Sbatch(ctx context.Context, scriptPath string, flags map[string]any) (backend.BatchID, error) {
	return "", nil
}

func (f *fakeBackend) Sacct(ctx context.Context, batchID backend.BatchID) (backend.AcctTable, error) {
	return nil, nil
}

func (f *fakeBackend) PackBatchScript(ctx context.Context, lines []string, scriptPath string) (string, error) {
	return scriptPath, nil
}

func (f *fakeBackend) WaitForClusterReady(ctx context.Context, elastic bool) error { return nil }

var _ backend.Backend = (*fakeBackend)(nil)

func newFixture(t *testing.T) (*Localizer, *memfs.Transport, *fakeBackend) {
	t.Helper()
	fs := memfs.New()
	tree, err := stage.New(fs, "/run1", "/run1")
	if err != nil {
		t.Fatalf("stage.New failed: %v", err)
	}
	fb := &fakeBackend{}
	lz := New(fb, fs, tree, Config{CommonMode: true, LocalOutputDir: t.TempDir()})
	return lz, fs, fb
}

func TestPlanPassthroughLiteral(t *testing.T) {
	lz, _, _ := newFixture(t)
	inputs := map[string]map[string]string{
		"0": {"greeting": "hello"},
	}
	if err := lz.Plan(context.Background(), inputs, nil); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	rec := lz.records["0"]["greeting"]
	if rec.Type != RecordNone || rec.Value != "hello" {
		t.Errorf("expected passthrough literal, got %+v", rec)
	}
}

func TestPlanLocalFileIsCopiedToInputs(t *testing.T) {
	lz, fs, _ := newFixture(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "sample.txt")
	if err := os.WriteFile(src, []byte("data"), 0644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	inputs := map[string]map[string]string{"0": {"f": src}}
	if err := lz.Plan(context.Background(), inputs, nil); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	rec := lz.records["0"]["f"]
	if rec.Type != RecordNone {
		t.Fatalf("expected RecordNone, got %+v", rec)
	}
	if !fs.Exists(rec.Value) {
		t.Errorf("expected %s to exist on transport", rec.Value)
	}
	if rec.Value != "/run1/jobs/0/inputs/sample.txt" {
		t.Errorf("unexpected destination: %s", rec.Value)
	}
}

func TestPlanDeduplicatesCollidingBasenames(t *testing.T) {
	lz, _, _ := newFixture(t)
	dirA, dirB := t.TempDir(), t.TempDir()
	srcA := filepath.Join(dirA, "x.txt")
	srcB := filepath.Join(dirB, "x.txt")
	os.WriteFile(srcA, []byte("a"), 0644)
	os.WriteFile(srcB, []byte("b"), 0644)

	inputs := map[string]map[string]string{"0": {"a": srcA, "b": srcB}}
	if err := lz.Plan(context.Background(), inputs, nil); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	a, b := lz.records["0"]["a"].Value, lz.records["0"]["b"].Value
	if a == b {
		t.Fatalf("expected distinct destinations, both got %s", a)
	}
	if !strings.HasSuffix(a, "x.txt") && !strings.HasSuffix(b, "x.txt") {
		t.Errorf("expected one destination to keep the original basename: %s, %s", a, b)
	}
	if !strings.Contains(a, "_alt") && !strings.Contains(b, "_alt") {
		t.Errorf("expected one destination to use the _alt de-collision rename: %s, %s", a, b)
	}
}

func TestPlanCommonModePromotesSharedValue(t *testing.T) {
	lz, fs, _ := newFixture(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "shared.txt")
	os.WriteFile(src, []byte("shared"), 0644)

	inputs := map[string]map[string]string{
		"0": {"ref": src},
		"1": {"ref": src},
	}
	if err := lz.Plan(context.Background(), inputs, nil); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	rec0, rec1 := lz.records["0"]["ref"], lz.records["1"]["ref"]
	if rec0.Value != rec1.Value {
		t.Fatalf("expected both tasks to share the common path, got %s and %s", rec0.Value, rec1.Value)
	}
	if !strings.HasPrefix(rec0.Value, "/run1/common/") {
		t.Errorf("expected common-set value under common/, got %s", rec0.Value)
	}
	if !fs.Exists(rec0.Value) {
		t.Error("expected common file to exist on transport")
	}
}

// TestPlanStreamOverrideSkipsCommonPromotionEvenWhenShared pins the fix for
// a bug where a value repeated across tasks was promoted into common/ by
// count alone, ignoring a non-"common" override on the input that produced
// it. An input overridden to stream must never be eagerly copied.
func TestPlanStreamOverrideSkipsCommonPromotionEvenWhenShared(t *testing.T) {
	lz, _, fb := newFixture(t)
	inputs := map[string]map[string]string{
		"0": {"bam": "gs://bucket/sample.bam"},
		"1": {"bam": "gs://bucket/sample.bam"},
	}
	overrides := map[string]string{"bam": "stream"}
	if err := lz.Plan(context.Background(), inputs, overrides); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	rec0, rec1 := lz.records["0"]["bam"], lz.records["1"]["bam"]
	if rec0.Type != RecordStream || rec0.Value != "gs://bucket/sample.bam" {
		t.Errorf("unexpected stream record for task 0: %+v", rec0)
	}
	if rec1.Type != RecordStream || rec1.Value != "gs://bucket/sample.bam" {
		t.Errorf("unexpected stream record for task 1: %+v", rec1)
	}
	for _, call := range fb.calls {
		if strings.Contains(call, "gsutil") {
			t.Errorf("expected no eager copy for a stream-overridden input, got call: %s", call)
		}
	}
}

func TestPlanStreamOverrideRecordsSourceVerbatim(t *testing.T) {
	lz, _, _ := newFixture(t)
	inputs := map[string]map[string]string{"0": {"bam": "gs://bucket/sample.bam"}}
	overrides := map[string]string{"bam": "stream"}
	if err := lz.Plan(context.Background(), inputs, overrides); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	rec := lz.records["0"]["bam"]
	if rec.Type != RecordStream || rec.Value != "gs://bucket/sample.bam" {
		t.Errorf("unexpected stream record: %+v", rec)
	}
}

func TestPlanDelayedOverrideOnCloudURI(t *testing.T) {
	lz, _, _ := newFixture(t)
	inputs := map[string]map[string]string{"0": {"bam": "gs://bucket/sample.bam"}}
	overrides := map[string]string{"bam": "delayed"}
	if err := lz.Plan(context.Background(), inputs, overrides); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	rec := lz.records["0"]["bam"]
	if rec.Type != RecordDownload || rec.Value != "gs://bucket/sample.bam" {
		t.Errorf("unexpected download record: %+v", rec)
	}
}

func TestPlanDelayedOverrideOnNonCloudValueFallsBackToEagerLocalize(t *testing.T) {
	lz, _, _ := newFixture(t)
	inputs := map[string]map[string]string{"0": {"x": "plain-literal"}}
	overrides := map[string]string{"x": "delayed"}
	if err := lz.Plan(context.Background(), inputs, overrides); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	rec := lz.records["0"]["x"]
	if rec.Type != RecordNone || rec.Value != "plain-literal" {
		t.Errorf("expected literal passthrough fallback, got %+v", rec)
	}
}

func TestPlanExplicitNullKeepsValueVerbatim(t *testing.T) {
	lz, _, _ := newFixture(t)
	inputs := map[string]map[string]string{"0": {"x": "gs://bucket/obj"}}
	overrides := map[string]string{"x": "null"}
	if err := lz.Plan(context.Background(), inputs, overrides); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	rec := lz.records["0"]["x"]
	if rec.Type != RecordNone || rec.Value != "gs://bucket/obj" {
		t.Errorf("expected verbatim null record, got %+v", rec)
	}
}

func TestPlanCalledTwiceFails(t *testing.T) {
	lz, _, _ := newFixture(t)
	inputs := map[string]map[string]string{"0": {"x": "hi"}}
	if err := lz.Plan(context.Background(), inputs, nil); err != nil {
		t.Fatalf("first Plan failed: %v", err)
	}
	if err := lz.Plan(context.Background(), inputs, nil); err == nil {
		t.Error("expected second Plan call to fail")
	}
}

func TestRequesterPaysFlagMemoizedPerBucket(t *testing.T) {
	lz, _, fb := newFixture(t)
	fb.stderrOn = map[string]string{"gsutil ls": "requester pays bucket but no user project provided"}
	lz.cfg.DefaultProject = "my-project"

	flag1, err := lz.requesterPaysFlag(context.Background(), "gs://billed-bucket/obj")
	if err != nil {
		t.Fatalf("requesterPaysFlag failed: %v", err)
	}
	if flag1 != "-u 'my-project' " {
		t.Errorf("expected billing flag, got %q", flag1)
	}

	lsCalls := 0
	for _, c := range fb.calls {
		if strings.Contains(c, "gsutil ls") {
			lsCalls++
		}
	}

	if _, err := lz.requesterPaysFlag(context.Background(), "gs://billed-bucket/other"); err != nil {
		t.Fatalf("requesterPaysFlag failed: %v", err)
	}
	lsCallsAfter := 0
	for _, c := range fb.calls {
		if strings.Contains(c, "gsutil ls") {
			lsCallsAfter++
		}
	}
	if lsCallsAfter != lsCalls {
		t.Errorf("expected probe to be memoized, ls invoked %d times then %d", lsCalls, lsCallsAfter)
	}
}

func TestWriteJobScriptBody(t *testing.T) {
	lz, fs, _ := newFixture(t)
	inputs := map[string]map[string]string{"0": {"greeting": "hello"}}
	if err := lz.Plan(context.Background(), inputs, nil); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if err := lz.WriteJobScript(context.Background(), "0", "echo extra"); err != nil {
		t.Fatalf("WriteJobScript failed: %v", err)
	}
	data, err := fs.ReadFile("/run1/jobs/0/setup.sh")
	if err != nil {
		t.Fatalf("reading setup.sh: %v", err)
	}
	body := string(data)
	for _, want := range []string{
		"#!/bin/bash",
		"export CANINE_JOB_VARS='greeting'",
		"export CANINE_JOB_ROOT=",
		"export greeting='hello'",
		"echo extra",
		"cd $CANINE_JOB_ROOT",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected setup.sh to contain %q, got:\n%s", want, body)
		}
	}
	if strings.Index(body, "echo extra") < strings.Index(body, "export greeting") ||
		strings.Index(body, "cd $CANINE_JOB_ROOT") < strings.Index(body, "echo extra") {
		t.Error("expected extra setup text between exports and the final cd")
	}
}

func TestDelocalizeMatchesAndReceives(t *testing.T) {
	lz, fs, _ := newFixture(t)
	inputs := map[string]map[string]string{"0": {"x": "hi"}}
	if err := lz.Plan(context.Background(), inputs, nil); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	fs.WriteFile("/run1/jobs/0/workspace/result.vcf", []byte("vcf-body"))

	out, err := lz.Delocalize(context.Background(), map[string]string{"vcf": "*.vcf"}, nil, true)
	if err != nil {
		t.Fatalf("Delocalize failed: %v", err)
	}
	local, ok := out["0"]["vcf"]
	if !ok {
		t.Fatalf("expected a vcf output for task 0, got %+v", out)
	}
	if _, err := os.Stat(local); err != nil {
		t.Errorf("expected delocalized file on host at %s: %v", local, err)
	}
	if fs.Exists("/run1/jobs/0/workspace/result.vcf") {
		t.Error("expected delete=true to remove the file from the worker tree")
	}
}

func TestDelocalizeWithoutDeleteKeepsWorkerCopy(t *testing.T) {
	lz, fs, _ := newFixture(t)
	inputs := map[string]map[string]string{"0": {"x": "hi"}}
	if err := lz.Plan(context.Background(), inputs, nil); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	fs.WriteFile("/run1/jobs/0/workspace/result.vcf", []byte("vcf-body"))

	if _, err := lz.Delocalize(context.Background(), map[string]string{"vcf": "*.vcf"}, nil, false); err != nil {
		t.Fatalf("Delocalize failed: %v", err)
	}
	if !fs.Exists("/run1/jobs/0/workspace/result.vcf") {
		t.Error("expected delete=false to keep the worker copy")
	}
}

func TestDedupeName(t *testing.T) {
	taken := map[string]bool{}
	if got := dedupeName("x.txt", taken); got != "x.txt" {
		t.Errorf("first allocation: got %q", got)
	}
	if got := dedupeName("x.txt", taken); got != "x._alt.txt" {
		t.Errorf("second allocation: got %q", got)
	}
	if got := dedupeName("x.txt", taken); got != "x._alt._alt.txt" {
		t.Errorf("third allocation: got %q", got)
	}
}
