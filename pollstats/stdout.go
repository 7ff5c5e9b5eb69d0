package pollstats

import (
	"fmt"
	"sync"
	"time"
)

// StdoutConsumer prints a condensed one-line progress summary, throttled
// to every 5 seconds, grounded on build/ui_stdout.go's OnStatsUpdate.
type StdoutConsumer struct {
	mu        sync.Mutex
	lastPrint time.Time
}

// NewStdoutConsumer returns a ready-to-use StdoutConsumer.
func NewStdoutConsumer() *StdoutConsumer {
	return &StdoutConsumer{}
}

func (c *StdoutConsumer) OnSnapshot(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.lastPrint.IsZero() && now.Sub(c.lastPrint) < 5*time.Second {
		return
	}
	c.lastPrint = now

	fmt.Printf("%-100s\n", fmt.Sprintf(
		"[%s] batch %s: %d/%d done (running %d, pending %d, completed %d, failed %d, other %d)",
		formatDuration(s.Elapsed), s.BatchID, s.Completed+s.Failed+s.Other, s.Total,
		s.Running, s.Pending, s.Completed, s.Failed, s.Other,
	))
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
