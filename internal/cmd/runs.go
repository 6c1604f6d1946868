package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/worklets/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded paint runs",
	Long: `Inspect the run records written by 'worklets paint'.

Records live under the registry directory (registry.dir, default: the
application data directory), one run.json per run:
  runs/<run_id>/run.json`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsRemoveCmd = &cobra.Command{
	Use:   "rm <run_id>",
	Short: "Delete a finished run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsRemove,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsRemoveCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsShowCmd.Flags().Bool("json", false, "Output as JSON")
	runsRemoveCmd.Flags().Bool("force", false, "Delete even if the run is still marked running")
}

func runsStore(cmd *cobra.Command) (*runregistry.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return runregistry.NewStore(cfg.Registry.Dir), nil
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := runsStore(cmd)
	if err != nil {
		return err
	}
	runs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tSTATE\tCREATED\tDURATION\tFRAMES\tPAINTED\tUNPAINTED\tMANIFEST")
	for _, r := range runs {
		frames, painted, unpainted := "-", "-", "-"
		if r.Counts != nil {
			frames = fmt.Sprintf("%d", r.Counts.Frames)
			painted = fmt.Sprintf("%d", r.Counts.Painted)
			unpainted = fmt.Sprintf("%d", r.Counts.Unpainted)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(r.RunID),
			r.State,
			r.CreatedAt.Local().Format(time.RFC3339),
			formatRunDuration(&r),
			frames,
			painted,
			unpainted,
			r.ManifestPath,
		)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := runsStore(cmd)
	if err != nil {
		return err
	}
	r, err := store.Get(args[0])
	if err != nil {
		if errors.Is(err, runregistry.ErrNotFound) {
			return exitError(foundry.ExitFileNotFound, "Run not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read run", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Printf("Run:       %s\n", r.RunID)
	fmt.Printf("State:     %s\n", r.State)
	fmt.Printf("Manifest:  %s\n", r.ManifestPath)
	if r.Output != "" {
		fmt.Printf("Output:    %s\n", r.Output)
	}
	if r.ImagesDir != "" {
		fmt.Printf("Images:    %s\n", r.ImagesDir)
	}
	if r.Filter != "" {
		fmt.Printf("Filter:    %s\n", r.Filter)
	}
	fmt.Printf("Created:   %s\n", r.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Duration:  %s\n", formatRunDuration(r))
	if c := r.Counts; c != nil {
		fmt.Printf("Frames:    %d\n", c.Frames)
		fmt.Printf("Jobs:      %d (painted %d, unpainted %d)\n", c.Jobs, c.Painted, c.Unpainted)
		fmt.Printf("Errors:    %d\n", c.Errors)
	}
	if r.Error != "" {
		fmt.Printf("Error:     %s\n", r.Error)
	}
	return nil
}

func runRunsRemove(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	store, err := runsStore(cmd)
	if err != nil {
		return err
	}
	r, err := store.Get(args[0])
	if err != nil {
		if errors.Is(err, runregistry.ErrNotFound) {
			return exitError(foundry.ExitFileNotFound, "Run not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read run", err)
	}
	if !r.State.Terminal() && !force {
		return exitError(foundry.ExitInvalidArgument, "Run is still running", fmt.Errorf("use --force to delete %s", r.RunID))
	}
	if err := store.Remove(r.RunID); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to delete run", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "Deleted %s\n", r.RunID)
	return nil
}

func shortRunID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatRunDuration(r *runregistry.RunRecord) string {
	if r.EndedAt == nil {
		return "-"
	}
	return r.Duration().Round(time.Millisecond).String()
}
