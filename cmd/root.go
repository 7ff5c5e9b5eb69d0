// Package cmd is kennel's CLI surface: a single cobra root command that
// loads a pipeline YAML file (if given), merges in flag overrides per
// spec.md §6, and drives it through orchestrator.Run.
//
// Grounded on the teacher's cmd/build.go: config loading up front, a
// persistent database opened once for the whole command and closed on
// exit or signal, and a final stats printout with a conditional non-zero
// exit code.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kennel/backend"
	"kennel/config"
	"kennel/log"
	"kennel/orchestrator"
	"kennel/pollstats"
	"kennel/rundb"
	"kennel/util"
)

var flags config.CLIOverrides
var (
	dryRun      bool
	exportPath  string
	disableUI   bool
	stagingBase string
	assumeYes   bool
)

// NewRootCmd builds the root command fresh, so tests don't share flag
// state across invocations the way a package-level cobra.Command would.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kennel [pipeline]",
		Short:         "A SLURM array-job manager",
		Long:          "kennel schedules array jobs across a SLURM cluster, localizing inputs and outputs around a user script.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runPipeline,
	}

	root.Flags().BoolVar(&dryRun, "dry-run", false, "prepare and localize the job but stop before sbatch")
	root.Flags().StringVar(&exportPath, "export", "", "write the merged pipeline config as YAML to this path")
	root.Flags().StringVarP(&flags.Name, "name", "n", "", "name of the job")
	root.Flags().StringVarP(&flags.ScriptPath, "script", "s", "", "path to the script to run")
	root.Flags().StringArrayVarP(&flags.Inputs, "input", "i", nil, "script input, as inputName:inputValue (repeatable)")
	root.Flags().StringArrayVarP(&flags.Resources, "resources", "r", nil, "SLURM resource flag, as argName:argValue (repeatable)")
	root.Flags().StringArrayVarP(&flags.Adapters, "adapter", "a", nil, "adapter option, as optionName:optionValue (repeatable)")
	root.Flags().StringArrayVarP(&flags.Backends, "backend", "b", nil, "backend option, as optionName:optionValue (repeatable)")
	root.Flags().StringArrayVarP(&flags.Outputs, "output", "o", nil, "output pattern, as outputName:globPattern (repeatable)")
	root.Flags().StringArrayVarP(&flags.Localizations, "localization", "l", nil, "localization option, as key:value or overrides:INPUT_NAME:MODE (repeatable)")
	root.Flags().BoolVar(&disableUI, "no-ui", false, "print plain progress lines instead of the interactive display")
	root.Flags().StringVar(&stagingBase, "staging-base", "", "controller-visible directory new runs are staged under (default /tmp/kennel)")
	root.Flags().BoolVarP(&assumeYes, "yes", "y", false, "submit without the confirmation prompt")

	root.AddCommand(NewHistoryCmd())
	return root
}

func runPipeline(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	if len(args) == 1 {
		loaded, err := config.Load(args[0])
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.New()
	}

	if err := config.ApplyCLIOverrides(cfg, flags); err != nil {
		return err
	}

	if exportPath != "" {
		data, err := config.Export(cfg)
		if err != nil {
			return fmt.Errorf("exporting config: %w", err)
		}
		if err := os.WriteFile(exportPath, data, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", exportPath, err)
		}
	}

	stateDir, err := defaultStateDir()
	if err != nil {
		return err
	}
	logger, err := log.NewLogger(filepath.Join(stateDir, "logs"))
	if err != nil {
		return fmt.Errorf("opening logger: %w", err)
	}
	defer logger.Close()

	db, err := rundb.OpenDB(filepath.Join(stateDir, "runs.db"))
	if err != nil {
		return fmt.Errorf("opening run database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigChan; ok {
			fmt.Fprintln(os.Stderr, "\nreceived interrupt, cleaning up...")
			cancel()
		}
	}()
	defer signal.Stop(sigChan)

	consumer := pollstats.NewConsumer(disableUI)

	opts := orchestrator.Options{
		DryRun:      dryRun,
		StagingBase: stagingBase,
		Consumer:    consumer,
		Logger:      logger,
	}

	if !dryRun && !assumeYes {
		if !util.AskYN(fmt.Sprintf("Submit %q?", cfg.Name), true) {
			fmt.Println("cancelled")
			return nil
		}
	}

	result, runErr := orchestrator.Run(ctx, cfg, opts)
	if result != nil && !result.DryRun && result.BatchID != "" {
		run := &rundb.Run{
			BatchID:     string(result.BatchID),
			ConfigName:  cfg.Name,
			SubmitTime:  time.Now(),
			TaskCount:   len(result.JobSpec),
			FinalStates: finalStates(result.Final),
		}
		if err := db.Save(run); err != nil {
			logger.Warn("saving run history: %v", err)
		}
	}

	if runErr != nil {
		return runErr
	}

	printResult(result)
	return nil
}

func finalStates(table backend.AcctTable) map[string]string {
	states := make(map[string]string, len(table))
	for id, row := range table {
		states[id] = row.State
	}
	return states
}

func printResult(result *orchestrator.Result) {
	if result.DryRun {
		fmt.Printf("dry run complete, staged under %s\n", result.RootDir)
		return
	}
	fmt.Printf("batch %s\n", result.BatchID)

	ids := make([]string, 0, len(result.Final))
	for id := range result.Final {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		row := result.Final[id]
		fmt.Printf("  task %-6s %-10s exit=%s elapsed=%s\n", id, row.State, row.ExitCode, row.Elapsed)
	}
}

// defaultStateDir is where kennel keeps its run history and logs across
// invocations, distinct from a run's ephemeral staging tree.
func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".kennel")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

// Execute runs the CLI, returning the error cobra produced (if any) for
// main to translate into an exit code.
func Execute() error {
	return NewRootCmd().Execute()
}
