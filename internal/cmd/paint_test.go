package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/worklets/internal/config"
	"github.com/3leaps/worklets/pkg/manifest"
	"github.com/3leaps/worklets/pkg/output"
	"github.com/3leaps/worklets/pkg/runregistry"
)

const paintSceneYAML = `version: "1.0"
worklets:
  - id: 1
    name: ring-progress
    painter: ring
  - id: 2
    name: backdrop
    painter: solid
layers:
  - id: 10
    worklet: 1
    size: {width: 16, height: 16}
  - id: 11
    worklet: 2
    size: {width: 8, height: 4}
frames:
  count: 3
`

func writeScene(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scene.yaml")
	require.NoError(t, os.WriteFile(path, []byte(paintSceneYAML), 0o644))
	return path
}

// resetPaintFlags restores the paint flag globals after the test.
func resetPaintFlags(t *testing.T) {
	t.Helper()
	scene, out, frames, fps := paintScenePath, paintOutput, paintFrames, paintFPS
	images, filter, noPace, dryRun, noRecord := paintImagesDir, paintFilter, paintNoPace, paintDryRun, paintNoRecord
	t.Cleanup(func() {
		paintScenePath, paintOutput, paintFrames, paintFPS = scene, out, frames, fps
		paintImagesDir, paintFilter, paintNoPace, paintDryRun, paintNoRecord = images, filter, noPace, dryRun, noRecord
	})
}

func readRecords(t *testing.T, path string) []output.Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var out []output.Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestExecutePaint_WritesRecordsAndRun(t *testing.T) {
	resetPaintFlags(t)
	paintScenePath = writeScene(t)
	paintNoPace = true
	paintNoRecord = false
	paintFilter = ""

	m, err := manifest.Load(paintScenePath)
	require.NoError(t, err)

	outPath := filepath.Join(t.TempDir(), "run.jsonl")
	m.Output.Destination = "file:" + outPath
	m.ApplyDefaults()

	cfg := &config.Config{
		Dispatch: config.DispatchConfig{Pacing: true},
		Registry: config.RegistryConfig{Dir: t.TempDir()},
	}

	require.NoError(t, executePaint(context.Background(), m, cfg))

	counts := map[string]int{}
	for _, rec := range readRecords(t, outPath) {
		counts[rec.Type]++
		assert.Equal(t, paintScenePath, rec.Source)
	}
	assert.Equal(t, 6, counts[output.TypeJob])
	assert.Equal(t, 3, counts[output.TypeFrame])
	assert.Equal(t, 1, counts[output.TypeSummary])

	runs, err := runregistry.NewStore(cfg.Registry.Dir).List()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runregistry.RunStateSuccess, runs[0].State)
	require.NotNil(t, runs[0].Counts)
	assert.Equal(t, 3, runs[0].Counts.Frames)
	assert.Equal(t, 6, runs[0].Counts.Painted)
}

func TestExecutePaint_FilterLeavesJobsUnpainted(t *testing.T) {
	resetPaintFlags(t)
	paintScenePath = writeScene(t)
	paintNoPace = true
	paintNoRecord = false
	paintFilter = "ring-*"

	m, err := manifest.Load(paintScenePath)
	require.NoError(t, err)
	outPath := filepath.Join(t.TempDir(), "run.jsonl")
	m.Output.Destination = "file:" + outPath
	m.ApplyDefaults()

	cfg := &config.Config{Registry: config.RegistryConfig{Dir: t.TempDir()}}
	require.NoError(t, executePaint(context.Background(), m, cfg))

	runs, err := runregistry.NewStore(cfg.Registry.Dir).List()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runregistry.RunStatePartial, runs[0].State)
	assert.Equal(t, "ring-*", runs[0].Filter)
	assert.Equal(t, 3, runs[0].Counts.Unpainted)
}

func TestExecutePaint_NoRecord(t *testing.T) {
	resetPaintFlags(t)
	paintScenePath = writeScene(t)
	paintNoPace = true
	paintNoRecord = true

	m, err := manifest.Load(paintScenePath)
	require.NoError(t, err)
	m.Output.Destination = "file:" + filepath.Join(t.TempDir(), "run.jsonl")
	m.ApplyDefaults()

	registryDir := filepath.Join(t.TempDir(), "runs")
	cfg := &config.Config{Registry: config.RegistryConfig{Dir: registryDir}}
	require.NoError(t, executePaint(context.Background(), m, cfg))

	_, err = os.Stat(registryDir)
	assert.True(t, os.IsNotExist(err))
}

func TestExecutePaint_Canceled(t *testing.T) {
	resetPaintFlags(t)
	paintScenePath = writeScene(t)
	paintNoPace = true
	paintNoRecord = true

	m, err := manifest.Load(paintScenePath)
	require.NoError(t, err)
	m.Output.Destination = "file:" + filepath.Join(t.TempDir(), "run.jsonl")
	m.ApplyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = executePaint(ctx, m, &config.Config{})
	require.Error(t, err)
	assert.NotEqual(t, 0, ExitCode(err))
}

func TestApplyPaintOverrides(t *testing.T) {
	newCmd := func() *cobra.Command {
		c := &cobra.Command{Use: "paint"}
		c.Flags().IntVar(&paintFrames, "frames", 0, "")
		c.Flags().Float64Var(&paintFPS, "fps", 0, "")
		return c
	}

	t.Run("config defaults fill unset manifest values", func(t *testing.T) {
		resetPaintFlags(t)
		paintOutput, paintImagesDir = "", ""
		m := &manifest.Manifest{}
		cfg := &config.Config{Dispatch: config.DispatchConfig{FPS: 24, ImagesDir: "cfg-images"}}

		require.NoError(t, applyPaintOverrides(newCmd(), m, cfg))
		assert.Equal(t, 24.0, m.Frames.FPS)
		assert.Equal(t, "cfg-images", m.Output.ImagesDir)
		assert.Equal(t, "stdout", m.Output.Destination)
	})

	t.Run("manifest values beat config defaults", func(t *testing.T) {
		resetPaintFlags(t)
		paintOutput, paintImagesDir = "", ""
		m := &manifest.Manifest{}
		m.Frames.FPS = 60
		m.Output.ImagesDir = "scene-images"
		cfg := &config.Config{Dispatch: config.DispatchConfig{FPS: 24, ImagesDir: "cfg-images"}}

		require.NoError(t, applyPaintOverrides(newCmd(), m, cfg))
		assert.Equal(t, 60.0, m.Frames.FPS)
		assert.Equal(t, "scene-images", m.Output.ImagesDir)
	})

	t.Run("flags beat manifest", func(t *testing.T) {
		resetPaintFlags(t)
		c := newCmd()
		require.NoError(t, c.Flags().Set("frames", "7"))
		require.NoError(t, c.Flags().Set("fps", "0"))
		paintOutput = "file:out.jsonl"
		paintImagesDir = "flag-images"

		m := &manifest.Manifest{}
		m.Frames.Count = 2
		m.Frames.FPS = 30
		require.NoError(t, applyPaintOverrides(c, m, &config.Config{}))
		assert.Equal(t, 7, m.Frames.Count)
		assert.Equal(t, 0.0, m.Frames.FPS)
		assert.Equal(t, "file:out.jsonl", m.Output.Destination)
		assert.Equal(t, "flag-images", m.Output.ImagesDir)
	})

	t.Run("invalid frames", func(t *testing.T) {
		resetPaintFlags(t)
		c := newCmd()
		require.NoError(t, c.Flags().Set("frames", "0"))
		assert.Error(t, applyPaintOverrides(c, &manifest.Manifest{}, &config.Config{}))
	})

	t.Run("negative fps", func(t *testing.T) {
		resetPaintFlags(t)
		c := newCmd()
		require.NoError(t, c.Flags().Set("fps", "-1"))
		assert.Error(t, applyPaintOverrides(c, &manifest.Manifest{}, &config.Config{}))
	})
}

func TestCreateWriter(t *testing.T) {
	t.Run("stdout", func(t *testing.T) {
		w, cleanup, err := createWriter("stdout", "run", "scene.yaml")
		require.NoError(t, err)
		require.NotNil(t, w)
		cleanup()
	})

	t.Run("file destination", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.jsonl")
		w, cleanup, err := createWriter("file:"+path, "run-1", "scene.yaml")
		require.NoError(t, err)

		require.NoError(t, w.WriteFrame(context.Background(), &output.FrameRecord{Frame: 0, Jobs: 1}))
		cleanup()

		recs := readRecords(t, path)
		require.Len(t, recs, 1)
		assert.Equal(t, output.TypeFrame, recs[0].Type)
		assert.Equal(t, "run-1", recs[0].RunID)
	})

	t.Run("empty path", func(t *testing.T) {
		_, _, err := createWriter("file:", "run", "scene.yaml")
		assert.Error(t, err)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, _, err := createWriter("file:"+filepath.Join(t.TempDir(), "nope", "out.jsonl"), "run", "scene.yaml")
		assert.Error(t, err)
	})
}

func TestFilteredOut(t *testing.T) {
	assert.False(t, filteredOut("", "anything"))
	assert.False(t, filteredOut("ring-*", "ring-progress"))
	assert.True(t, filteredOut("ring-*", "backdrop"))
	assert.True(t, filteredOut("[", "ring"))
}
