// Package stage owns the $CANINE_ROOT directory tree: the one piece of
// filesystem state shared between the orchestrator, the localizer and
// every per-task setup.sh/teardown.sh script.
//
// Grounded on mount.Worker's BaseDir convention (cfg.BuildBase/Workers/N)
// generalized from one flat per-worker directory to the nested tree
// this system needs: a common/ directory, an outputs/ directory, and one
// jobs/<id>/ directory per array task.
package stage

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"kennel/transport"
)

// Tree is the on-disk (or on-transport) layout rooted at a run's
// $CANINE_ROOT. All paths it hands out are transport-native; callers pick
// ToCompute or ToController depending which side of a backend they're
// addressing.
type Tree struct {
	transport transport.Transport
	root      string
	// mountPath is the compute-visible mount point for root, which may
	// differ from root itself (e.g. the controller stages files under
	// /staging/<run> while compute nodes see the same tree mounted at
	// /mnt/nfs/<run>).
	mountPath string
}

// New creates the directory tree at root (common/, outputs/, jobs/) over
// tr, and returns a Tree that owns it.
func New(tr transport.Transport, root, mountPath string) (*Tree, error) {
	t := &Tree{transport: tr, root: root, mountPath: mountPath}
	for _, dir := range []string{t.root, t.CommonDir(), t.OutputsDir(), t.JobsDir()} {
		if err := tr.MkdirAll(dir, 0775); err != nil {
			return nil, fmt.Errorf("stage: create %s: %w", dir, err)
		}
	}
	return t, nil
}

// Root returns $CANINE_ROOT, controller-visible.
func (t *Tree) Root() string { return t.root }

// CommonDir holds inputs shared across every task in the batch.
func (t *Tree) CommonDir() string { return path.Join(t.root, "common") }

// OutputsDir holds delocalized outputs, one subdirectory per task.
func (t *Tree) OutputsDir() string { return path.Join(t.root, "outputs") }

// JobsDir holds one directory per array task.
func (t *Tree) JobsDir() string { return path.Join(t.root, "jobs") }

// JobDir returns the root directory for a single task.
func (t *Tree) JobDir(taskID string) string { return path.Join(t.JobsDir(), taskID) }

// JobInputsDir returns where a task's localized inputs live.
func (t *Tree) JobInputsDir(taskID string) string { return path.Join(t.JobDir(taskID), "inputs") }

// JobWorkspaceDir returns a task's scratch workspace.
func (t *Tree) JobWorkspaceDir(taskID string) string { return path.Join(t.JobDir(taskID), "workspace") }

// JobSetupScript returns the path to a task's setup.sh.
func (t *Tree) JobSetupScript(taskID string) string { return path.Join(t.JobDir(taskID), "setup.sh") }

// JobTeardownScript returns the path to a task's teardown.sh.
func (t *Tree) JobTeardownScript(taskID string) string {
	return path.Join(t.JobDir(taskID), "teardown.sh")
}

// EntrypointScript returns the path to the batch-wide entrypoint.sh that
// sbatch actually invokes.
func (t *Tree) EntrypointScript() string { return path.Join(t.root, "entrypoint.sh") }

// EnsureJobDirs creates a task's directory structure.
func (t *Tree) EnsureJobDirs(taskID string) error {
	for _, dir := range []string{t.JobDir(taskID), t.JobInputsDir(taskID), t.JobWorkspaceDir(taskID)} {
		if err := t.transport.MkdirAll(dir, 0775); err != nil {
			return fmt.Errorf("stage: create %s: %w", dir, err)
		}
	}
	return nil
}

// ToCompute rewrites a controller-visible path under root to its
// compute-visible equivalent under mountPath. Paths outside root are
// returned unchanged.
func (t *Tree) ToCompute(p string) string {
	return t.rebase(p, t.root, t.mountPath)
}

// ToController rewrites a compute-visible path back to its
// controller-visible equivalent. Inverse of ToCompute.
func (t *Tree) ToController(p string) string {
	return t.rebase(p, t.mountPath, t.root)
}

func (t *Tree) rebase(p, from, to string) string {
	if from == "" || from == to {
		return p
	}
	rel, err := filepath.Rel(from, p)
	if err != nil || len(rel) >= 2 && rel[:2] == ".." {
		return p
	}
	return path.Join(to, rel)
}

// Close removes the tree, unless faulted is true: a run that ended in
// failure leaves its staging area in place for post-mortem inspection,
// matching the clean-vs-faulted distinction every scoped resource in this
// system follows.
func (t *Tree) Close(faulted bool) error {
	if faulted {
		return nil
	}
	return t.transport.RemoveDir(t.root)
}

// LocalClose is the same clean-vs-faulted removal, but against the real
// local filesystem via os.RemoveAll rather than through a Transport. Dry
// runs do not use it: they acquire the backend transport and use Close.
func LocalClose(root string, faulted bool) error {
	if faulted {
		return nil
	}
	return os.RemoveAll(root)
}
