package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger mirrors phase-boundary progress messages to both a results file
// (run.log under the logs directory given to NewLogger) and stdout/stderr,
// implementing LibraryLogger so
// it can be handed to any package that only needs the four-method
// interface.
type Logger struct {
	resultsFile *os.File
	mu          sync.Mutex
}

// NewLogger creates a logger that writes its results file under logsDir.
func NewLogger(logsDir string) (*Logger, error) {
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	f, err := os.Create(filepath.Join(logsDir, "run.log"))
	if err != nil {
		return nil, err
	}

	l := &Logger{resultsFile: f}
	l.writeHeader()
	return l, nil
}

// Close closes the results file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resultsFile != nil {
		l.resultsFile.Close()
	}
}

func (l *Logger) writeHeader() {
	fmt.Fprintf(l.resultsFile, "kennel run log - %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(l.resultsFile, "%s\n\n", strings.Repeat("=", 70))
}

func (l *Logger) write(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s: %s\n", timestamp, level, msg)

	if l.resultsFile != nil {
		l.resultsFile.WriteString(line)
		l.resultsFile.Sync()
	}

	switch level {
	case "WARN", "ERROR":
		fmt.Fprint(os.Stderr, line)
	default:
		fmt.Fprint(os.Stdout, line)
	}
}

// Info logs a phase-boundary progress message (spec.md §7: "localizing",
// "preparing", "submitting", "delocalizing task <id> with status <state>").
func (l *Logger) Info(format string, args ...any) { l.write("INFO", format, args...) }

// Debug logs diagnostic detail, written to the results file and stdout.
func (l *Logger) Debug(format string, args ...any) { l.write("DEBUG", format, args...) }

// Warn logs a non-fatal warning to stderr (spec.md §7: "warnings to standard error").
func (l *Logger) Warn(format string, args ...any) { l.write("WARN", format, args...) }

// Error logs a failure that does not necessarily abort the run.
func (l *Logger) Error(format string, args ...any) { l.write("ERROR", format, args...) }

var _ LibraryLogger = (*Logger)(nil)
