package cmd

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"kennel/rundb"
)

// NewHistoryCmd lists previously submitted batches from the run database
// kept alongside the staging-independent state directory.
func NewHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "history",
		Short:         "List previously submitted batches",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runHistory,
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	stateDir, err := defaultStateDir()
	if err != nil {
		return err
	}
	db, err := rundb.OpenDB(filepath.Join(stateDir, "runs.db"))
	if err != nil {
		return fmt.Errorf("opening run database: %w", err)
	}
	defer db.Close()

	runs, err := db.List()
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded yet")
		return nil
	}

	for _, run := range runs {
		fmt.Printf("%s  %-20s  %s  tasks=%d\n", run.SubmitTime.Format("2006-01-02 15:04:05"), run.ConfigName, run.BatchID, run.TaskCount)
		states := make([]string, 0, len(run.FinalStates))
		for id := range run.FinalStates {
			states = append(states, id)
		}
		sort.Strings(states)
		for _, id := range states {
			fmt.Printf("    task %-6s %s\n", id, run.FinalStates[id])
		}
	}
	return nil
}
