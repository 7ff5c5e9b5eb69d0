package localizer

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
)

// WriteJobScript implements spec.md §4.3's localize_job(jobId, setup_text):
// emit jobs/<id>/setup.sh, chmod 0775, whose body in order sets
// CANINE_JOB_VARS, exports the CANINE_JOB_* paths, exports every input,
// appends extraSetup, then cd's into CANINE_JOB_ROOT.
//
// Grounded on build/phases.go's ordered-phase-list-with-per-phase-side-
// effect shape: each section below is a fixed phase, serialized as shell
// text instead of invoked as a Go function.
func (l *Localizer) WriteJobScript(ctx context.Context, jobID, extraSetup string) error {
	l.mu.Lock()
	rec, ok := l.records[jobID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("localizer: no plan for task %s; call Plan first", jobID)
	}

	names := sortedKeys(rec)
	inputsDir := l.stage.ToCompute(l.stage.JobInputsDir(jobID))

	var b strings.Builder
	fmt.Fprintln(&b, "#!/bin/bash")
	fmt.Fprintf(&b, "export CANINE_JOB_VARS=%s\n", shellQuote(strings.Join(names, ":")))
	fmt.Fprintf(&b, "export CANINE_JOB_INPUTS=%s\n", shellQuote(inputsDir))
	fmt.Fprintf(&b, "export CANINE_JOB_ROOT=%s\n", shellQuote(l.stage.ToCompute(l.stage.JobWorkspaceDir(jobID))))
	fmt.Fprintf(&b, "export CANINE_JOB_SETUP=%s\n", shellQuote(l.stage.ToCompute(l.stage.JobSetupScript(jobID))))
	fmt.Fprintf(&b, "export CANINE_JOB_TEARDOWN=%s\n", shellQuote(l.stage.ToCompute(l.stage.JobTeardownScript(jobID))))

	for _, name := range names {
		r := rec[name]
		switch r.Type {
		case RecordStream:
			dest := path.Join(inputsDir, name)
			flag, err := l.requesterPaysFlag(ctx, r.Value)
			if err != nil {
				return err
			}
			fmt.Fprintf(&b, "mkfifo %s\n", shellQuote(dest))
			fmt.Fprintf(&b, "gsutil %scat %s > %s &\n", flag, shellQuote(r.Value), shellQuote(dest))
			fmt.Fprintf(&b, "export %s=%s\n", name, shellQuote(dest))

		case RecordDownload:
			dest := path.Join(inputsDir, name)
			flag, err := l.requesterPaysFlag(ctx, r.Value)
			if err != nil {
				return err
			}
			fmt.Fprintf(&b, "gsutil %scp %s %s\n", flag, shellQuote(r.Value), shellQuote(dest))
			fmt.Fprintf(&b, "export %s=%s\n", name, shellQuote(dest))

		case RecordNone:
			fmt.Fprintf(&b, "export %s=%s\n", name, shellQuote(r.Value))

		default:
			l.logger.Warn("localizer: task %s input %s has unrecognized record type %q, skipping", jobID, name, r.Type)
		}
	}

	if extraSetup != "" {
		b.WriteString(extraSetup)
		if !strings.HasSuffix(extraSetup, "\n") {
			b.WriteString("\n")
		}
	}
	fmt.Fprintln(&b, "cd $CANINE_JOB_ROOT")

	scriptPath := l.stage.JobSetupScript(jobID)
	f, err := l.tr.Open(scriptPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0775)
	if err != nil {
		return fmt.Errorf("localizer: opening %s: %w", scriptPath, err)
	}
	if _, err := f.Write([]byte(b.String())); err != nil {
		f.Close()
		return fmt.Errorf("localizer: writing %s: %w", scriptPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("localizer: closing %s: %w", scriptPath, err)
	}
	return l.tr.Chmod(scriptPath, 0775)
}
