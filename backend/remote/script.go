package remote

import (
	"os"
	"os/exec"
	"strings"

	"kennel/backend"
)

// attachTTY wires the current process's stdio to cmd and runs it,
// mirroring backend/local's interactive-session handling.
func attachTTY(cmd *exec.Cmd) error {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func readKeyFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// shellQuote wraps s in single quotes, escaping any embedded single quote
// the POSIX way: close the quote, emit an escaped quote, reopen. There is
// no third-party shell-quoting library in the example pack; this is the
// same four-character escape the localizer uses.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parseSacct(output string) backend.AcctTable {
	table := make(backend.AcctTable)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		jobID := fields[0]
		if strings.Contains(jobID, ".") {
			continue
		}
		taskIdx := jobID
		if underscore := strings.Index(jobID, "_"); underscore != -1 {
			taskIdx = jobID[underscore+1:]
		}
		table[taskIdx] = backend.TaskAccounting{
			JobID:    jobID,
			State:    fields[1],
			ExitCode: fields[2],
			Elapsed:  fields[3],
		}
	}
	return table
}
