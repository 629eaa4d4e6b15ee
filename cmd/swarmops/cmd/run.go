package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/core"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start or inspect pipeline runs",
}

var runStartProject string
var runStartID string

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new pipeline run for a project",
	RunE:  runRunStart,
}

var runStatusID string

var runStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active run status",
	RunE:  runRunStatus,
}

func init() {
	runStartCmd.Flags().StringVar(&runStartProject, "project", "", "project name (required)")
	runStartCmd.Flags().StringVar(&runStartID, "run-id", "", "run id (default: generated)")
	_ = runStartCmd.MarkFlagRequired("project")

	runStatusCmd.Flags().StringVar(&runStatusID, "run", "", "run id (default: list every active run)")

	runCmd.AddCommand(runStartCmd, runStatusCmd)
	rootCmd.AddCommand(runCmd)
}

func runRunStart(cmd *cobra.Command, _ []string) error {
	comps, err := build(cfg, log)
	if err != nil {
		return fmt.Errorf("wiring orchestrator: %w", err)
	}

	runID := core.RunID(runStartID)
	if runID == "" {
		runID = core.RunID(uuid.NewString())
	}

	result, err := comps.orc.StartRun(cmd.Context(), runID, runStartProject)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}

	fmt.Printf("run %s started for project %q: %d worker(s) spawned, %d skipped\n",
		runID, runStartProject, len(result.Spawned), len(result.Skipped))
	return nil
}

func runRunStatus(cmd *cobra.Command, _ []string) error {
	comps, err := build(cfg, log)
	if err != nil {
		return fmt.Errorf("wiring orchestrator: %w", err)
	}

	var runs []*core.Run
	if runStatusID != "" {
		run, err := comps.runs.Get(core.RunID(runStatusID))
		if err != nil {
			return err
		}
		runs = []*core.Run{run}
	} else {
		runs, err = comps.runs.RecoverActive()
		if err != nil {
			return fmt.Errorf("listing active runs: %w", err)
		}
	}

	if len(runs) == 0 {
		fmt.Println("no active runs")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPROJECT\tPHASE\tSTATUS\tSTARTED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			run.RunID, run.ProjectName, run.CurrentPhase, run.Status, run.StartedAt.Format("2006-01-02T15:04:05"))
	}
	return w.Flush()
}
