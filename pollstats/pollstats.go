// Package pollstats tracks SLURM array task state counts across the
// orchestrator's poll loop and fans them out to one or more consumers
// once a second, the same 1Hz-sampling/consumer-fan-out shape as
// stats.StatsCollector — but counting RUNNING/PENDING/terminal states
// instead of build outcomes, and fed by sacct polls rather than worker
// completion events.
package pollstats

import (
	"context"
	"sync"
	"time"

	"kennel/backend"
)

// Snapshot is the payload handed to every Consumer on each tick.
type Snapshot struct {
	BatchID   backend.BatchID
	Elapsed   time.Duration
	Total     int
	Running   int
	Pending   int
	Completed int
	Failed    int
	// Other holds any terminal state that isn't COMPLETED or FAILED
	// (CANCELLED, TIMEOUT, OUT_OF_MEMORY, ...), counted together since
	// the CLI's one-line progress summary doesn't break them out.
	Other int
}

// Consumer receives a Snapshot on every tick.
type Consumer interface {
	OnSnapshot(s Snapshot)
}

// Collector samples an AcctTable on every Update call and republishes a
// Snapshot to every registered consumer once a second.
type Collector struct {
	mu        sync.Mutex
	batchID   backend.BatchID
	startTime time.Time
	latest    backend.AcctTable
	consumers []Consumer

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector starts the 1Hz publish loop for a batch. Close stops it.
func NewCollector(ctx context.Context, batchID backend.BatchID) *Collector {
	cctx, cancel := context.WithCancel(ctx)
	c := &Collector{
		batchID:   batchID,
		startTime: time.Now(),
		ticker:    time.NewTicker(1 * time.Second),
		cancel:    cancel,
	}
	c.wg.Add(1)
	go c.run(cctx)
	return c
}

// AddConsumer registers a consumer to receive future snapshots.
func (c *Collector) AddConsumer(consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers = append(c.consumers, consumer)
}

// Update replaces the latest known accounting table — called once per
// sacct poll from the orchestrator's loop (every 30s), independent of
// this collector's own 1Hz publish cadence.
func (c *Collector) Update(table backend.AcctTable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = table
}

// Close stops the publish loop.
func (c *Collector) Close() error {
	c.cancel()
	c.ticker.Stop()
	c.wg.Wait()
	return nil
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ticker.C:
			c.publish()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) publish() {
	c.mu.Lock()
	snap := Snapshot{BatchID: c.batchID, Elapsed: time.Since(c.startTime), Total: len(c.latest)}
	for _, row := range c.latest {
		switch row.State {
		case "RUNNING":
			snap.Running++
		case "PENDING":
			snap.Pending++
		case "COMPLETED":
			snap.Completed++
		case "FAILED":
			snap.Failed++
		default:
			snap.Other++
		}
	}
	consumers := append([]Consumer(nil), c.consumers...)
	c.mu.Unlock()

	for _, consumer := range consumers {
		consumer.OnSnapshot(snap)
	}
}
