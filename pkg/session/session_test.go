package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/3leaps/worklets/pkg/dispatcher"
	"github.com/3leaps/worklets/pkg/manifest"
	"github.com/3leaps/worklets/pkg/mutator"
	"github.com/3leaps/worklets/pkg/output"
	"github.com/3leaps/worklets/pkg/worklet"
)

func intPtr(v int) *int { return &v }

// testManifest declares a solid and a ring painter on separate contexts, one
// animation driving the ring, and a layer whose worklet is never declared.
func testManifest(fps float64, frames int) *manifest.Manifest {
	m := &manifest.Manifest{
		Version:  manifest.DefaultVersion,
		Contexts: []string{"worker-a", "worker-b"},
		Worklets: []manifest.WorkletConfig{
			{ID: 1, Name: "solid-bg", Painter: "solid", Context: "worker-a"},
			{ID: 2, Name: "ring-progress", Painter: "ring", Context: "worker-b"},
		},
		Animations: []manifest.AnimationConfig{
			{Worklet: 100, Context: "worker-b", ID: 1, Name: "spin", Duration: "1s"},
		},
		Layers: []manifest.LayerConfig{
			{ID: 10, Worklet: 1, Size: manifest.SizeConfig{Width: 8, Height: 8}},
			{
				ID: 11, Worklet: 2, Size: manifest.SizeConfig{Width: 16, Height: 16},
				Properties: map[string]manifest.PropertyBinding{
					"progress": {Animation: intPtr(1)},
					"color":    {Color: "#ff0000"},
				},
			},
			{ID: 12, Worklet: 7, Size: manifest.SizeConfig{Width: 4, Height: 4}, AllowMissing: true},
		},
		Frames: manifest.FramesConfig{Count: frames, FPS: fps},
	}
	m.ApplyDefaults()
	return m
}

// syncBuffer is a bytes.Buffer safe for the writer and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) records(t *testing.T) []output.Record {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []output.Record
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var r output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, sc.Err())
	return out
}

func countTypes(records []output.Record) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Type]++
	}
	return counts
}

func newSession(t *testing.T, m *manifest.Manifest, opts ...Option) *Session {
	t.Helper()
	s, err := New(context.Background(), m, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestRun_EmitsRecordsForEveryFrame(t *testing.T) {
	buf := &syncBuffer{}
	w := output.NewJSONLWriter(buf, "run-1", "test")
	s := newSession(t, testManifest(0, 3), WithWriter(w), WithRunID("run-1"), WithoutPacing())

	stats, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Frames: 3, Jobs: 9, Painted: 6, Unpainted: 3}, stats)
	assert.Equal(t, stats, s.Stats())
	assert.Equal(t, "run-1", s.RunID())

	records := buf.records(t)
	assert.Equal(t, map[string]int{
		output.TypeJob:     9,
		output.TypeFrame:   3,
		output.TypeSummary: 1,
	}, countTypes(records))

	for _, r := range records {
		assert.Equal(t, "run-1", r.RunID)
	}

	last := records[len(records)-1]
	require.Equal(t, output.TypeSummary, last.Type)
	var sum output.SummaryRecord
	require.NoError(t, json.Unmarshal(last.Data, &sum))
	assert.Equal(t, 3, sum.Frames)
	assert.Equal(t, 3, sum.Unpainted)
	assert.Equal(t, []int{1, 2}, sum.Worklets)
}

func TestRenderFrame_AppliesAnimationProgress(t *testing.T) {
	// 4 fps: frame 2 sits at 500ms of a 1s animation.
	s := newSession(t, testManifest(4, 4))

	frame, err := s.RenderFrame(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, 2, frame.Index)
	assert.Equal(t, 500*time.Millisecond, frame.Timeline)
	assert.Equal(t, mutator.StatusCompletedWithUpdate, frame.MutatorStatus)

	ring := frame.Batch[worklet.ID(2)]
	require.Len(t, ring, 1)
	require.True(t, ring[0].Painted())
	progress, ok := ring[0].Values.Float("progress")
	require.True(t, ok)
	assert.InDelta(t, 0.5, progress, 1e-9)
	c, ok := ring[0].Values.Color("color")
	require.True(t, ok)
	assert.Equal(t, uint8(0xff), c.R)
	assert.Greater(t, ring[0].Output.Ops, 0)

	missing := frame.Batch[worklet.ID(7)]
	require.Len(t, missing, 1)
	assert.False(t, missing[0].Painted())

	// Later frames update the same animation.
	frame, err = s.RenderFrame(context.Background(), 3)
	require.NoError(t, err)
	progress, _ = frame.Batch[worklet.ID(2)][0].Values.Float("progress")
	assert.InDelta(t, 0.75, progress, 1e-9)
}

func TestWorkletFilter_UnregistersNonMatching(t *testing.T) {
	s := newSession(t, testManifest(0, 1), WithWorkletFilter("ring-*"))

	infos, err := s.Worklets(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, WorkletInfo{ID: 1, Name: "solid-bg", Painter: "solid", Context: "worker-a", Registered: false}, infos[0])
	assert.True(t, infos[1].Registered)

	frame, err := s.RenderFrame(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, frame.Batch[worklet.ID(1)][0].Painted())
	assert.True(t, frame.Batch[worklet.ID(2)][0].Painted())
	assert.Equal(t, 1, frame.Batch.Painted())
}

func TestImagesDir_WritesPNGForPaintedJobs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "images")
	buf := &syncBuffer{}
	s := newSession(t, testManifest(0, 1),
		WithWriter(output.NewJSONLWriter(buf, "run-img", "test")),
		WithImagesDir(dir))

	_, err := s.RenderFrame(context.Background(), 0)
	require.NoError(t, err)

	// The solid layer paints; the ring at progress 0 issues no ops.
	_, err = os.Stat(filepath.Join(dir, imageName(0, 10)))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, imageName(0, 11)))
	assert.True(t, os.IsNotExist(err))

	var images []string
	for _, r := range buf.records(t) {
		if r.Type != output.TypeJob {
			continue
		}
		var job output.JobRecord
		require.NoError(t, json.Unmarshal(r.Data, &job))
		if job.Image != "" {
			images = append(images, job.Image)
		}
		if job.LayerID == 10 {
			assert.Equal(t, 8, job.Width)
			assert.Equal(t, 1, job.Ops)
		}
	}
	assert.Equal(t, []string{filepath.Join(dir, imageName(0, 10))}, images)
}

func TestImagesDir_FailureBecomesErrorRecord(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	buf := &syncBuffer{}
	s := newSession(t, testManifest(0, 1),
		WithWriter(output.NewJSONLWriter(buf, "run-err", "test")),
		WithImagesDir(filepath.Join(blocker, "sub")))

	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Errors)

	var codes []string
	for _, r := range buf.records(t) {
		if r.Type == output.TypeError {
			var rec output.ErrorRecord
			require.NoError(t, json.Unmarshal(r.Data, &rec))
			codes = append(codes, rec.Code)
		}
	}
	assert.Equal(t, []string{output.ErrCodeImage}, codes)
}

func TestRun_PacesFrames(t *testing.T) {
	s := newSession(t, testManifest(50, 3))

	start := time.Now()
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	// Burst of one: the first frame is immediate, then one every 20ms.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRun_CanceledContext(t *testing.T) {
	buf := &syncBuffer{}
	s := newSession(t, testManifest(30, 5), WithWriter(output.NewJSONLWriter(buf, "run-c", "test")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, stats.Frames)
	assert.Equal(t, int64(1), stats.Errors)

	counts := countTypes(buf.records(t))
	assert.Equal(t, 1, counts[output.TypeError])
	assert.Equal(t, 1, counts[output.TypeSummary])
}

func TestClose(t *testing.T) {
	s, err := New(context.Background(), testManifest(0, 1))
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()), "close is idempotent")
	assert.False(t, s.handle.Alive())

	_, err = s.RenderFrame(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Worklets(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_Errors(t *testing.T) {
	t.Run("nil manifest", func(t *testing.T) {
		_, err := New(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("invalid filter", func(t *testing.T) {
		_, err := New(context.Background(), testManifest(0, 1), WithWorkletFilter("[ring"))
		assert.ErrorContains(t, err, "invalid worklet filter")
	})

	t.Run("unchecked reference", func(t *testing.T) {
		m := testManifest(0, 1)
		m.Layers[2].AllowMissing = false
		_, err := New(context.Background(), m)
		assert.True(t, errors.Is(err, manifest.ErrValidationFailed))
	})

	t.Run("bad painter options", func(t *testing.T) {
		m := testManifest(0, 1)
		m.Worklets[0].Options = map[string]any{"sparkle": true}
		_, err := New(context.Background(), m)
		assert.ErrorContains(t, err, "worklet 1")
	})

	t.Run("bad color binding", func(t *testing.T) {
		m := testManifest(0, 1)
		m.Layers[1].Properties["color"] = manifest.PropertyBinding{Color: "not-a-color"}
		_, err := New(context.Background(), m)
		assert.ErrorContains(t, err, "layer 11")
	})

	t.Run("negative frame", func(t *testing.T) {
		s := newSession(t, testManifest(0, 1))
		_, err := s.RenderFrame(context.Background(), -1)
		assert.Error(t, err)
	})
}

func TestRun_RecordsDispatchMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	s := newSession(t, testManifest(0, 2), WithMeter(provider.Meter("test")), WithoutPacing())
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != dispatcher.MetricDispatchJobs {
				continue
			}
			found = true
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	require.True(t, found, "dispatch job counter should be recorded")
	assert.Equal(t, int64(6), total)
}
