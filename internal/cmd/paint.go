package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/worklets/internal/config"
	"github.com/3leaps/worklets/internal/observability"
	"github.com/3leaps/worklets/pkg/builtin"
	"github.com/3leaps/worklets/pkg/manifest"
	"github.com/3leaps/worklets/pkg/output"
	"github.com/3leaps/worklets/pkg/runregistry"
	"github.com/3leaps/worklets/pkg/session"
)

var paintCmd = &cobra.Command{
	Use:   "paint",
	Short: "Render a scene manifest frame by frame",
	Long: `Render the frames of a scene manifest. Each frame advances the
animations, dispatches one paint job per layer to the painters on their
execution contexts and emits one JSONL record per job plus a frame record.

Layers whose worklet has no registered painter are dispatched anyway and
reported as unpainted.

Example:
  worklets paint --scene scene.yaml
  worklets paint --scene scene.yaml --frames 120 --fps 60 --images out/
  worklets paint --scene scene.yaml --filter 'ring-*' --output file:run.jsonl
  worklets paint --scene scene.yaml --dry-run`,
	RunE: runPaint,
}

var (
	paintScenePath string
	paintOutput    string
	paintFrames    int
	paintFPS       float64
	paintImagesDir string
	paintFilter    string
	paintNoPace    bool
	paintDryRun    bool
	paintNoRecord  bool
)

func init() {
	rootCmd.AddCommand(paintCmd)

	paintCmd.Flags().StringVarP(&paintScenePath, "scene", "s", "", "Path to scene manifest (required)")
	paintCmd.Flags().StringVarP(&paintOutput, "output", "o", "", "Override output destination (stdout or file:PATH)")
	paintCmd.Flags().IntVar(&paintFrames, "frames", 0, "Override frames.count")
	paintCmd.Flags().Float64Var(&paintFPS, "fps", 0, "Override frames.fps")
	paintCmd.Flags().StringVar(&paintImagesDir, "images", "", "Write one PNG per painted job into this directory")
	paintCmd.Flags().StringVar(&paintFilter, "filter", "", "Only register painters whose name matches this glob")
	paintCmd.Flags().BoolVar(&paintNoPace, "no-pace", false, "Render frames back to back regardless of fps")
	paintCmd.Flags().BoolVar(&paintDryRun, "dry-run", false, "Validate the scene and show the plan without painting")
	paintCmd.Flags().BoolVar(&paintNoRecord, "no-record", false, "Do not write a run record to the registry")

	_ = paintCmd.MarkFlagRequired("scene")
}

func runPaint(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	m, err := manifest.Load(paintScenePath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", paintScenePath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if err := applyPaintOverrides(cmd, m, cfg); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid flags", err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", paintScenePath),
		zap.Int("worklets", len(m.Worklets)),
		zap.Int("layers", len(m.Layers)),
		zap.Int("frames", m.Frames.Count),
		zap.Float64("fps", m.Frames.FPS))

	if paintDryRun {
		return showPaintPlan(m)
	}
	return executePaint(ctx, m, cfg)
}

// applyPaintOverrides layers flags over config defaults over the manifest.
func applyPaintOverrides(cmd *cobra.Command, m *manifest.Manifest, cfg *config.Config) error {
	if cfg.Dispatch.FPS > 0 && m.Frames.FPS == 0 {
		m.Frames.FPS = cfg.Dispatch.FPS
	}
	if cfg.Dispatch.ImagesDir != "" && m.Output.ImagesDir == "" {
		m.Output.ImagesDir = cfg.Dispatch.ImagesDir
	}

	if paintOutput != "" {
		m.Output.Destination = paintOutput
	}
	if cmd.Flags().Changed("frames") {
		if paintFrames < 1 {
			return fmt.Errorf("--frames must be >= 1")
		}
		m.Frames.Count = paintFrames
	}
	if cmd.Flags().Changed("fps") {
		if paintFPS < 0 {
			return fmt.Errorf("--fps must be >= 0")
		}
		m.Frames.FPS = paintFPS
	}
	if paintImagesDir != "" {
		m.Output.ImagesDir = paintImagesDir
	}
	m.ApplyDefaults()
	return nil
}

// showPaintPlan displays what would be painted without starting anything.
func showPaintPlan(m *manifest.Manifest) error {
	if err := m.Check(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	fmt.Println("=== Paint Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Contexts:    %s\n", strings.Join(m.Contexts, ", "))
	fmt.Println()
	fmt.Println("Worklets:")
	for _, w := range m.Worklets {
		fmt.Printf("  - %d %-20s painter=%s context=%s\n", w.ID, w.DisplayName(), w.Painter, w.Context)
	}
	if len(m.Animations) > 0 {
		fmt.Println()
		fmt.Println("Animations:")
		for _, a := range m.Animations {
			fmt.Printf("  - %d worklet=%d duration=%s context=%s\n", a.ID, a.Worklet, a.Duration, a.Context)
		}
	}
	fmt.Println()
	fmt.Println("Layers:")
	for _, l := range m.Layers {
		note := ""
		if w, ok := m.Worklet(l.Worklet); !ok {
			note = " (no painter: jobs come back unpainted)"
		} else if filteredOut(paintFilter, w.DisplayName()) {
			note = " (filtered: jobs come back unpainted)"
		}
		fmt.Printf("  - %d worklet=%d size=%dx%d%s\n", l.ID, l.Worklet, l.Size.Width, l.Size.Height, note)
	}
	fmt.Println()
	fmt.Printf("Frames:      %d\n", m.Frames.Count)
	if m.Frames.FPS > 0 {
		fmt.Printf("FPS:         %g\n", m.Frames.FPS)
	}
	fmt.Printf("Output:      %s\n", m.Output.Destination)
	if m.Output.ImagesDir != "" {
		fmt.Printf("Images:      %s\n", m.Output.ImagesDir)
	}
	if paintFilter != "" {
		fmt.Printf("Filter:      %s\n", paintFilter)
	}
	fmt.Printf("Painters:    %s\n", strings.Join(builtin.Kinds(), ", "))
	fmt.Println()
	fmt.Println("Manifest validated successfully. Remove --dry-run to paint.")
	return nil
}

// filteredOut reports whether name fails a non-empty worklet filter.
func filteredOut(pattern, name string) bool {
	if pattern == "" {
		return false
	}
	match, err := doublestar.Match(pattern, name)
	return err != nil || !match
}

// executePaint runs the scene and records the run in the registry.
func executePaint(ctx context.Context, m *manifest.Manifest, cfg *config.Config) error {
	runID := uuid.New().String()

	writer, cleanup, err := createWriter(m.Output.Destination, runID, paintScenePath)
	if err != nil {
		observability.CLILogger.Error("Failed to create writer", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	var (
		store  *runregistry.Store
		record *runregistry.RunRecord
	)
	if !paintNoRecord {
		store = runregistry.NewStore(cfg.Registry.Dir)
		record = &runregistry.RunRecord{
			RunID:        runID,
			State:        runregistry.RunStateRunning,
			ManifestPath: paintScenePath,
			Output:       m.Output.Destination,
			ImagesDir:    m.Output.ImagesDir,
			Filter:       paintFilter,
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.Write(record); err != nil {
			observability.CLILogger.Warn("Failed to write run record", zap.Error(err))
			store = nil
		}
	}

	opts := []session.Option{
		session.WithLogger(observability.CLILogger),
		session.WithMeter(observability.Meter()),
		session.WithWriter(writer),
		session.WithRunID(runID),
		session.WithWorkletFilter(paintFilter),
	}
	if paintNoPace || !cfg.Dispatch.Pacing {
		opts = append(opts, session.WithoutPacing())
	}

	sess, err := session.New(ctx, m, opts...)
	if err != nil {
		finishRecord(store, record, session.Stats{}, err)
		observability.CLILogger.Error("Failed to start session", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Failed to start scene", err)
	}

	observability.CLILogger.Info("Starting paint",
		zap.String("run_id", runID),
		zap.Int("frames", m.Frames.Count),
		zap.Float64("fps", m.Frames.FPS))

	stats, runErr := sess.Run(ctx)
	if err := sess.Close(context.WithoutCancel(ctx)); err != nil {
		observability.CLILogger.Warn("Failed to close session", zap.Error(err))
	}
	finishRecord(store, record, stats, runErr)

	if runErr != nil {
		if ctx.Err() != nil || errors.Is(runErr, context.Canceled) {
			observability.CLILogger.Warn("Paint cancelled",
				zap.String("run_id", runID),
				zap.Int("frames", stats.Frames))
			return exitError(foundry.ExitSignalInt, "Paint cancelled", runErr)
		}
		return exitError(exitFailure, "Paint failed", runErr)
	}

	observability.CLILogger.Info("Paint completed",
		zap.String("run_id", runID),
		zap.Int("frames", stats.Frames),
		zap.Int("jobs", stats.Jobs),
		zap.Int("painted", stats.Painted),
		zap.Int("unpainted", stats.Unpainted),
		zap.Int64("errors", stats.Errors))

	if stats.Errors > 0 {
		return exitError(foundry.ExitFileWriteError, "Paint completed with errors", fmt.Errorf("errors=%d", stats.Errors))
	}
	return nil
}

func finishRecord(store *runregistry.Store, record *runregistry.RunRecord, stats session.Stats, err error) {
	if store == nil || record == nil {
		return
	}
	record.Finish(time.Now(), runregistry.RunCounts{
		Frames:    stats.Frames,
		Jobs:      stats.Jobs,
		Painted:   stats.Painted,
		Unpainted: stats.Unpainted,
		Errors:    stats.Errors,
	}, err)
	if werr := store.Write(record); werr != nil {
		observability.CLILogger.Warn("Failed to update run record", zap.String("run_id", record.RunID), zap.Error(werr))
	}
}

// createWriter creates an output writer for dest.
// Returns the writer, a cleanup function, and any error.
func createWriter(dest, runID, source string) (output.Writer, func(), error) {
	if dest == "" || dest == "stdout" {
		w := output.NewJSONLWriter(os.Stdout, runID, source)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	if path == "" {
		return nil, nil, fmt.Errorf("empty output path in %q", dest)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := output.NewJSONLWriter(f, runID, source)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
