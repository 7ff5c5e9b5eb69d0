package orchestrator

import (
	"context"
	"fmt"
	"time"

	"kennel/backend"
	"kennel/localizer"
	"kennel/log"
	"kennel/pollstats"
)

// isWaiting reports whether state is one of the two a task can still be
// in; anything else is terminal (spec.md §4.4 step 12).
func isWaiting(state string) bool {
	return state == "RUNNING" || state == "PENDING"
}

// poll implements spec.md §4.4 step 12: every 30s, sacct the batch; any
// array element that has left RUNNING/PENDING gets delocalized and
// dropped from the waiting set, whether or not it finished COMPLETED
// (spec.md §4.4's failure semantics: a terminal non-COMPLETED task is
// still delocalized and does not fail the overall run).
func poll(ctx context.Context, be backend.Backend, lz *localizer.Localizer, batchID backend.BatchID,
	outputPatterns map[string]string, jobSpec map[string]map[string]string,
	consumer pollstats.Consumer, logger log.LibraryLogger, interval time.Duration) (backend.AcctTable, map[string]map[string]string, error) {

	waiting := make(map[string]bool, len(jobSpec))
	for id := range jobSpec {
		waiting[id] = true
	}

	collector := pollstats.NewCollector(ctx, batchID)
	defer collector.Close()
	if consumer != nil {
		collector.AddConsumer(consumer)
	}

	outputs := make(map[string]map[string]string, len(jobSpec))
	var final backend.AcctTable

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		table, err := be.Sacct(ctx, batchID)
		if err != nil {
			return nil, nil, fmt.Errorf("orchestrator: polling sacct: %w", err)
		}
		final = table
		collector.Update(table)

		for _, taskID := range sortedTaskIDs(jobSpec) {
			if !waiting[taskID] {
				continue
			}
			row, ok := table[taskID]
			if !ok || isWaiting(row.State) {
				continue
			}

			logger.Info("delocalizing task %s with status %s", taskID, row.State)
			jobID := taskID
			out, err := lz.Delocalize(ctx, outputPatterns, &jobID, true)
			if err != nil {
				return nil, nil, fmt.Errorf("orchestrator: delocalizing task %s: %w", taskID, err)
			}
			outputs[taskID] = out[taskID]
			delete(waiting, taskID)
		}

		if len(waiting) == 0 {
			return final, outputs, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
