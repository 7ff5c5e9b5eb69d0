package container

import (
	"context"
	"os"
	"os/exec"

	"kennel/backend"
)

// execDockerTTY shells out to the local docker(1) CLI with -it so the
// user's own terminal attaches to the running container, exactly as
// spec.md requires InvokeTTY to behave on this backend — never through
// the SDK, which has no interactive TTY primitive of its own.
func execDockerTTY(ctx context.Context, containerID, command string) error {
	cmd := exec.CommandContext(ctx, "docker", "exec", "-it", containerID, "/bin/bash", "-c", command)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return &backend.CommandError{Op: "invoke-tty", Command: command, Err: err}
	}
	return nil
}
