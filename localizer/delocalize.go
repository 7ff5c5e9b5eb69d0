package localizer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
)

// Delocalize implements spec.md §4.3's delocalize(patterns, jobId, delete):
// for each task (or all planned tasks if jobID is nil), walk its
// workspace/ recursively, match every file against every (name, pattern)
// in patterns, receive matches to <LocalOutputDir>/<jobId>/<name>/<base>
// on the invoking host, and optionally remove them from the worker tree.
func (l *Localizer) Delocalize(ctx context.Context, patterns map[string]string, jobID *string, delete bool) (map[string]map[string]string, error) {
	var taskIDs []string
	if jobID != nil {
		taskIDs = []string{*jobID}
	} else {
		l.mu.Lock()
		taskIDs = sortedKeys(l.records)
		l.mu.Unlock()
	}

	result := make(map[string]map[string]string, len(taskIDs))
	for _, taskID := range taskIDs {
		outs, err := l.delocalizeTask(ctx, taskID, patterns, delete)
		if err != nil {
			return nil, err
		}
		result[taskID] = outs
	}
	return result, nil
}

func (l *Localizer) delocalizeTask(ctx context.Context, taskID string, patterns map[string]string, delete bool) (map[string]string, error) {
	workspace := l.stage.JobWorkspaceDir(taskID)

	type found struct {
		abs string
		rel string
	}
	var files []found
	err := l.tr.Walk(workspace, func(dirPath string, dirNames, fileNames []string) error {
		for _, name := range fileNames {
			abs := path.Join(dirPath, name)
			rel, err := filepath.Rel(workspace, abs)
			if err != nil {
				rel = name
			}
			files = append(files, found{abs: abs, rel: filepath.ToSlash(rel)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("localizer: walking %s: %w", workspace, err)
	}

	outputNames := sortedKeys(patterns)
	outs := make(map[string]string)
	for _, name := range outputNames {
		pattern := patterns[name]
		for _, f := range files {
			matched, err := path.Match(pattern, f.abs)
			if err != nil {
				return nil, fmt.Errorf("localizer: output pattern %q for %s: %w", pattern, name, err)
			}
			if !matched {
				if matched, err = path.Match(pattern, f.rel); err != nil {
					return nil, fmt.Errorf("localizer: output pattern %q for %s: %w", pattern, name, err)
				}
			}
			if !matched {
				continue
			}

			localDest := filepath.Join(l.localOutputDir(), taskID, name, path.Base(f.abs))
			if err := l.receive(f.abs, localDest); err != nil {
				return nil, fmt.Errorf("localizer: receiving %s: %w", f.abs, err)
			}
			outs[name] = localDest

			if delete {
				if err := l.tr.Remove(f.abs); err != nil {
					l.logger.Warn("localizer: removing %s after delocalize: %v", f.abs, err)
				}
			}
		}
	}
	return outs, nil
}

func (l *Localizer) localOutputDir() string {
	if l.cfg.LocalOutputDir != "" {
		return l.cfg.LocalOutputDir
	}
	return "outputs"
}

func (l *Localizer) receive(remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0775); err != nil {
		return err
	}
	return l.tr.Receive(remotePath, localPath)
}
