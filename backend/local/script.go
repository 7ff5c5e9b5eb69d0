package local

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// attachTTY wires the current process's stdio to cmd and runs it to
// completion, so interactive sessions (kennel exec, job debugging) behave
// like a direct shell invocation.
func attachTTY(cmd *exec.Cmd) error {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// packBatchScript assembles an sbatch script at scriptPath with a bash
// shebang, one line per entry in lines.
func packBatchScript(lines []string, scriptPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(scriptPath), 0755); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if err := os.WriteFile(scriptPath, []byte(b.String()), 0755); err != nil {
		return "", err
	}
	return scriptPath, nil
}
