package localizer

import (
	"context"
	"fmt"
	"strings"

	"kennel/backend"
)

// gsutilCopy invokes `gsutil cp` over the backend, adding the
// requester-pays billing flag when the source bucket needs it.
func (l *Localizer) gsutilCopy(ctx context.Context, src, dest string) error {
	flag, err := l.requesterPaysFlag(ctx, src)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("gsutil %scp %s %s", flag, shellQuote(src), shellQuote(dest))
	return l.runGsutil(ctx, "gsutil-cp", cmd)
}

func (l *Localizer) runGsutil(ctx context.Context, op, cmd string) error {
	res, err := l.backend.Invoke(ctx, cmd, backend.InvokeOptions{})
	if err != nil {
		return &backend.CommandError{Op: op, Command: cmd, Err: err}
	}
	if res.ExitCode != 0 {
		return &backend.CommandError{Op: op, Command: cmd, Err: fmt.Errorf("exit %d: %s", res.ExitCode, res.Stderr)}
	}
	return nil
}

// requesterPaysFlag probes (and memoizes, per-Localizer) whether uri's
// bucket requires a billing project, returning the "-u PROJECT " flag
// fragment to prepend to a gsutil invocation, or "" if none is needed.
func (l *Localizer) requesterPaysFlag(ctx context.Context, uri string) (string, error) {
	if !looksLikeCloudURI(uri) {
		return "", nil
	}
	bucket := bucketOf(uri)
	pays, err := l.requesterPays(ctx, bucket)
	if err != nil {
		return "", err
	}
	if pays && l.cfg.DefaultProject != "" {
		return fmt.Sprintf("-u %s ", shellQuote(l.cfg.DefaultProject)), nil
	}
	return "", nil
}

// requesterPays runs `gsutil ls gs://<bucket>` once per bucket for this
// Localizer's lifetime and remembers whether stderr reported it as
// requester-pays. Per spec.md §4.3, this cache is per-Localizer, not
// process-global: a new run probes fresh.
func (l *Localizer) requesterPays(ctx context.Context, bucket string) (bool, error) {
	l.mu.Lock()
	if v, ok := l.requesterPaysCache[bucket]; ok {
		l.mu.Unlock()
		return v, nil
	}
	l.mu.Unlock()

	// Bucket names are restricted to a safe charset by GCS naming rules,
	// so no quoting is needed here the way it is for arbitrary paths.
	cmd := fmt.Sprintf("gsutil ls gs://%s", bucket)
	res, err := l.backend.Invoke(ctx, cmd, backend.InvokeOptions{})
	if err != nil {
		return false, &backend.CommandError{Op: "gsutil-ls", Command: cmd, Err: err}
	}
	pays := strings.Contains(res.Stderr, "requester pays bucket but no user project provided")

	l.mu.Lock()
	l.requesterPaysCache[bucket] = pays
	l.mu.Unlock()
	return pays, nil
}

func bucketOf(uri string) string {
	rest := strings.TrimPrefix(uri, "gs://")
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i]
	}
	return rest
}

// shellQuote wraps s in single quotes, escaping any embedded single quote
// the POSIX way: close the quote, emit an escaped quote, reopen. There is
// no third-party shell-quoting library in the example pack; the remote
// backend carries its own copy of this same four-character escape.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
