// Package session runs a scene manifest: it starts the worklet execution
// contexts, registers painters and animators, and renders frames through
// the compositor painter.
//
// Every frame follows the same path:
//
//	mutate animations (owner, synchronous) -> build job batch
//	  -> DispatchAndWait -> job/frame records (+ optional PNGs)
package session

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/worklets/pkg/builtin"
	"github.com/3leaps/worklets/pkg/compositor"
	"github.com/3leaps/worklets/pkg/dispatcher"
	"github.com/3leaps/worklets/pkg/manifest"
	"github.com/3leaps/worklets/pkg/mutator"
	"github.com/3leaps/worklets/pkg/output"
	"github.com/3leaps/worklets/pkg/sequence"
	"github.com/3leaps/worklets/pkg/worklet"
)

// OwnerName is the name of the compositor runner.
const OwnerName = "compositor"

// ErrClosed is returned by frame operations after Close.
var ErrClosed = errors.New("session: closed")

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger shared by the session and its runners.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMeter sets the meter used by the paint and mutator dispatchers.
func WithMeter(m metric.Meter) Option {
	return func(s *Session) { s.meter = m }
}

// WithWriter sets where records go. The default discards them.
func WithWriter(w output.Writer) Option {
	return func(s *Session) {
		if w != nil {
			s.writer = w
		}
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.runID = id
		}
	}
}

// WithWorkletFilter keeps only painters whose display name matches the
// doublestar pattern. Layers of filtered worklets still dispatch and come
// back unpainted.
func WithWorkletFilter(pattern string) Option {
	return func(s *Session) { s.filter = pattern }
}

// WithoutPacing renders frames back to back regardless of frames.fps.
func WithoutPacing() Option {
	return func(s *Session) { s.pace = false }
}

// WithImagesDir overrides output.images_dir from the manifest.
func WithImagesDir(dir string) Option {
	return func(s *Session) { s.imagesDir = dir }
}

// WorkletInfo describes one declared paint worklet.
type WorkletInfo struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Painter    string `json:"painter"`
	Context    string `json:"context"`
	Registered bool   `json:"registered"`
}

// Stats aggregates results over every frame rendered so far.
type Stats struct {
	Frames    int   `json:"frames"`
	Jobs      int   `json:"jobs"`
	Painted   int   `json:"painted"`
	Unpainted int   `json:"unpainted"`
	Errors    int64 `json:"errors"`
}

// Frame is the result of rendering one frame.
type Frame struct {
	Index         int
	Timeline      time.Duration
	MutatorStatus mutator.Status
	Batch         worklet.JobBatch
	Duration      time.Duration
}

type layer struct {
	cfg    manifest.LayerConfig
	input  *worklet.Input
	static worklet.AnimatedPropertyValues
	// animated maps property keys to animation ids.
	animated map[worklet.PropertyKey]int
}

type animation struct {
	id     mutator.AnimationID
	name   string
	timing builtin.Timing
}

// Session owns the runners, dispatchers and per-frame state of one
// manifest.
type Session struct {
	manifest  *manifest.Manifest
	logger    *zap.Logger
	meter     metric.Meter
	writer    output.Writer
	runID     string
	filter    string
	pace      bool
	imagesDir string
	now       func() time.Time

	owner    *sequence.Sequence
	contexts map[string]*sequence.Sequence
	painter  *compositor.PlatformLayerPainter
	handle   *dispatcher.Handle
	mutators *mutator.Dispatcher

	layers     []layer
	animations map[int]animation
	filtered   map[worklet.ID]bool

	// Owner-confined animation state.
	started    map[mutator.AnimationID]bool
	localTimes map[mutator.AnimationID]time.Duration

	renderMu sync.Mutex
	mu       sync.Mutex
	stats    Stats
	closed   bool
}

// New starts the runners for m and registers its painters and animators.
// Defaults are applied to m and its references checked before anything
// starts.
func New(ctx context.Context, m *manifest.Manifest, opts ...Option) (*Session, error) {
	if m == nil {
		return nil, fmt.Errorf("session: nil manifest")
	}
	m.ApplyDefaults()
	if err := m.Check(); err != nil {
		return nil, err
	}
	s := &Session{
		manifest:   m,
		logger:     zap.NewNop(),
		writer:     output.Discard,
		runID:      uuid.NewString(),
		pace:       true,
		imagesDir:  m.Output.ImagesDir,
		now:        time.Now,
		contexts:   make(map[string]*sequence.Sequence),
		animations: make(map[int]animation),
		filtered:   make(map[worklet.ID]bool),
		started:    make(map[mutator.AnimationID]bool),
		localTimes: make(map[mutator.AnimationID]time.Duration),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("run_id", s.runID))

	if s.filter != "" && !doublestar.ValidatePattern(s.filter) {
		return nil, fmt.Errorf("invalid worklet filter %q", s.filter)
	}

	painters, err := s.buildPainters()
	if err != nil {
		return nil, err
	}
	animators, err := s.buildAnimations()
	if err != nil {
		return nil, err
	}
	if err := s.buildLayers(); err != nil {
		return nil, err
	}

	s.owner = sequence.New(OwnerName, sequence.WithLogger(s.logger))
	for _, name := range m.Contexts {
		s.contexts[name] = sequence.New(name, sequence.WithLogger(s.logger))
	}

	dopts := []dispatcher.Option{dispatcher.WithLogger(s.logger)}
	mopts := []mutator.Option{mutator.WithLogger(s.logger)}
	if s.meter != nil {
		dopts = append(dopts, dispatcher.WithMeter(s.meter))
		mopts = append(mopts, mutator.WithMeter(s.meter))
	}
	s.painter, s.handle = compositor.New(s.owner, dopts...)
	s.mutators = mutator.New(s.owner, mutator.ClientFunc(s.applyMutation), mopts...)

	if err := s.register(ctx, painters, animators); err != nil {
		s.shutdown()
		return nil, err
	}

	s.logger.Info("Session started",
		zap.Int("worklets", len(m.Worklets)),
		zap.Int("filtered", len(s.filtered)),
		zap.Int("animations", len(m.Animations)),
		zap.Int("layers", len(s.layers)),
		zap.Strings("contexts", m.Contexts))
	return s, nil
}

type placedPainter struct {
	painter worklet.Painter
	context string
}

type placedAnimator struct {
	animator *builtin.Animator
	context  string
}

func (s *Session) buildPainters() ([]placedPainter, error) {
	out := make([]placedPainter, 0, len(s.manifest.Worklets))
	for _, w := range s.manifest.Worklets {
		opts, err := builtin.ParseOptions(w.Options)
		if err != nil {
			return nil, fmt.Errorf("worklet %d: %w", w.ID, err)
		}
		p, err := builtin.NewPainter(w.Painter, worklet.ID(w.ID), opts)
		if err != nil {
			return nil, fmt.Errorf("worklet %d: %w", w.ID, err)
		}
		if s.filter != "" {
			match, err := doublestar.Match(s.filter, w.DisplayName())
			if err != nil {
				return nil, fmt.Errorf("worklet filter: %w", err)
			}
			if !match {
				s.filtered[worklet.ID(w.ID)] = true
			}
		}
		out = append(out, placedPainter{painter: p, context: w.Context})
	}
	return out, nil
}

func (s *Session) buildAnimations() ([]placedAnimator, error) {
	timings := make(map[int]map[int]builtin.Timing)
	contexts := make(map[int]string)
	var order []int

	for _, a := range s.manifest.Animations {
		d, err := a.DurationValue()
		if err != nil {
			return nil, err
		}
		delay, err := a.DelayValue()
		if err != nil {
			return nil, err
		}
		tm := builtin.Timing{Duration: d, Iterations: a.Iterations, Delay: delay}

		if _, ok := timings[a.Worklet]; !ok {
			timings[a.Worklet] = make(map[int]builtin.Timing)
			contexts[a.Worklet] = a.Context
			order = append(order, a.Worklet)
		}
		timings[a.Worklet][a.ID] = tm
		s.animations[a.ID] = animation{
			id:     mutator.AnimationID{WorkletID: worklet.ID(a.Worklet), Animation: a.ID},
			name:   a.Name,
			timing: tm,
		}
	}

	out := make([]placedAnimator, 0, len(order))
	for _, id := range order {
		out = append(out, placedAnimator{
			animator: builtin.NewAnimator(worklet.ID(id), timings[id]),
			context:  contexts[id],
		})
	}
	return out, nil
}

func (s *Session) buildLayers() error {
	for _, l := range s.manifest.Layers {
		names := make([]string, 0, len(l.Properties))
		for name := range l.Properties {
			names = append(names, name)
		}
		sort.Strings(names)

		ly := layer{
			cfg:      l,
			static:   make(worklet.AnimatedPropertyValues),
			animated: make(map[worklet.PropertyKey]int),
		}
		keys := make([]worklet.PropertyKey, 0, len(names))
		for _, name := range names {
			b := l.Properties[name]
			key := worklet.PropertyKey{Name: name, ElementID: uint64(l.ID)}
			keys = append(keys, key)

			switch {
			case b.Animation != nil:
				if _, ok := s.animations[*b.Animation]; !ok {
					return fmt.Errorf("layer %d property %s: undeclared animation %d", l.ID, name, *b.Animation)
				}
				ly.animated[key] = *b.Animation
			case b.Color != "":
				c, err := builtin.ParseColor(b.Color)
				if err != nil {
					return fmt.Errorf("layer %d property %s: %w", l.ID, name, err)
				}
				ly.static[key] = worklet.ColorValue(c)
			case b.Float != nil:
				ly.static[key] = worklet.FloatValue(*b.Float)
			}
		}

		ly.input = worklet.NewInput(worklet.ID(l.Worklet),
			worklet.Size{Width: l.Size.Width, Height: l.Size.Height},
			worklet.WithZoom(l.Zoom),
			worklet.WithPropertyKeys(keys...))
		s.layers = append(s.layers, ly)
	}
	return nil
}

// register hands painters to the dispatcher through its handle, the way a
// worklet context would, and registers animators on the owner.
func (s *Session) register(ctx context.Context, painters []placedPainter, animators []placedAnimator) error {
	for _, p := range painters {
		runner := s.contexts[p.context]
		if err := compositor.RegisterAndWait(ctx, s.handle, s.owner, p.painter, runner); err != nil {
			return fmt.Errorf("register worklet %d: %w", p.painter.WorkletID(), err)
		}
	}

	// Filtered painters are torn down again so their layers take the
	// missing-painter path.
	for id := range s.filtered {
		if !s.handle.UnregisterPainter(id) {
			return fmt.Errorf("unregister worklet %d: %w", id, sequence.ErrRejected)
		}
	}

	return sequence.PostAndWait(ctx, s.owner, func(taskCtx context.Context) {
		for _, a := range animators {
			s.mutators.Register(taskCtx, a.animator, s.contexts[a.context])
		}
	})
}

// RunID returns the correlation id stamped on records.
func (s *Session) RunID() string { return s.runID }

// Manifest returns the manifest the session was built from.
func (s *Session) Manifest() *manifest.Manifest { return s.manifest }

// Stats returns totals across all frames rendered so far.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Worklets lists the declared paint worklets and whether each is currently
// registered with the dispatcher.
func (s *Session) Worklets(ctx context.Context) ([]WorkletInfo, error) {
	var registered []worklet.ID
	err := sequence.PostAndWait(ctx, s.owner, func(taskCtx context.Context) {
		registered = s.painter.RegisteredWorklets(taskCtx)
	})
	if err != nil {
		return nil, s.ownerErr(err)
	}

	live := make(map[worklet.ID]bool, len(registered))
	for _, id := range registered {
		live[id] = true
	}
	out := make([]WorkletInfo, 0, len(s.manifest.Worklets))
	for _, w := range s.manifest.Worklets {
		out = append(out, WorkletInfo{
			ID:         w.ID,
			Name:       w.DisplayName(),
			Painter:    w.Painter,
			Context:    w.Context,
			Registered: live[worklet.ID(w.ID)],
		})
	}
	return out, nil
}

// Run renders frames.count frames, paced at frames.fps unless pacing is
// disabled, and finishes with a summary record. Frame failures are
// reported as error records; the run stops early only when ctx ends.
func (s *Session) Run(ctx context.Context) (Stats, error) {
	frames := s.manifest.Frames
	start := s.now()

	var limiter *rate.Limiter
	if s.pace && frames.FPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(frames.FPS), 1)
	}

	var runErr error
	for i := 0; i < frames.Count; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				runErr = err
				break
			}
		}
		if _, err := s.RenderFrame(ctx, i); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				runErr = err
				break
			}
			s.reportError(ctx, &output.ErrorRecord{Code: output.ErrCodeDispatch, Message: err.Error(), Frame: i})
		}
	}

	if runErr != nil && ctx.Err() != nil {
		// The caller's ctx is gone; still try to leave a record behind.
		s.reportError(context.WithoutCancel(ctx), &output.ErrorRecord{Code: output.ErrCodeCanceled, Message: runErr.Error()})
	}

	stats := s.Stats()
	elapsed := s.now().Sub(start)
	worklets, _ := s.Worklets(context.WithoutCancel(ctx))
	ids := make([]int, 0, len(worklets))
	for _, w := range worklets {
		if w.Registered {
			ids = append(ids, w.ID)
		}
	}
	sum := &output.SummaryRecord{
		Frames:        stats.Frames,
		Jobs:          stats.Jobs,
		Painted:       stats.Painted,
		Unpainted:     stats.Unpainted,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
		Errors:        stats.Errors,
		Worklets:      ids,
	}
	if err := s.writer.WriteSummary(context.WithoutCancel(ctx), sum); err != nil {
		s.logger.Warn("Failed to write summary", zap.Error(err))
	}

	s.logger.Info("Run finished",
		zap.Int("frames", stats.Frames),
		zap.Int("jobs", stats.Jobs),
		zap.Int("painted", stats.Painted),
		zap.Int("unpainted", stats.Unpainted),
		zap.Duration("elapsed", elapsed),
		zap.Error(runErr))
	return stats, runErr
}

// RenderFrame renders frame index: the timeline is index * frames interval.
// Concurrent calls are serialized.
func (s *Session) RenderFrame(ctx context.Context, index int) (*Frame, error) {
	if index < 0 {
		return nil, fmt.Errorf("session: negative frame index %d", index)
	}
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	if s.isClosed() {
		return nil, ErrClosed
	}

	start := s.now()
	timeline := time.Duration(index) * s.manifest.Frames.Interval()

	var (
		status mutator.Status
		batch  worklet.JobBatch
	)
	err := sequence.PostAndWait(ctx, s.owner, func(taskCtx context.Context) {
		mctx, cancel := context.WithCancel(taskCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		status = s.mutate(mctx, timeline)
		batch = s.buildBatch()
	})
	if err != nil {
		return nil, s.ownerErr(err)
	}

	painted, err := compositor.DispatchAndWait(ctx, s.owner, s.painter, batch)
	if err != nil {
		return nil, s.ownerErr(err)
	}

	frame := &Frame{
		Index:         index,
		Timeline:      timeline,
		MutatorStatus: status,
		Batch:         painted,
		Duration:      s.now().Sub(start),
	}
	s.emit(ctx, frame)
	return frame, nil
}

// mutate advances every animation to timeline. It runs on the owner.
func (s *Session) mutate(ctx context.Context, timeline time.Duration) mutator.Status {
	if len(s.animations) == 0 {
		return mutator.StatusCompletedNoUpdate
	}

	ids := make([]int, 0, len(s.animations))
	for id := range s.animations {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	input := mutator.NewDispatcherInput()
	for _, id := range ids {
		a := s.animations[id]
		state := mutator.AnimationState{ID: a.id, Name: a.name, CurrentTime: timeline}
		if s.started[a.id] {
			input.Update(state)
			continue
		}
		s.started[a.id] = true
		input.Add(state)
	}

	status := s.mutators.MutateSynchronously(ctx, input)
	if status == mutator.StatusCanceled {
		s.logger.Warn("Animation mutation canceled", zap.Duration("timeline", timeline))
	}
	return status
}

// applyMutation is the mutator client; it runs on the owner.
func (s *Session) applyMutation(out *mutator.Output) {
	for _, a := range out.Animations {
		if len(a.LocalTimes) == 0 {
			continue
		}
		s.localTimes[a.ID] = a.LocalTimes[0]
	}
}

// buildBatch builds this frame's jobs. It runs on the owner.
func (s *Session) buildBatch() worklet.JobBatch {
	batch := worklet.NewJobBatch()
	for _, ly := range s.layers {
		values := make(worklet.AnimatedPropertyValues, len(ly.static)+len(ly.animated))
		for k, v := range ly.static {
			values[k] = v
		}
		for k, animID := range ly.animated {
			a := s.animations[animID]
			progress := 0.0
			if lt, ok := s.localTimes[a.id]; ok && a.timing.Duration > 0 {
				progress = float64(lt) / float64(a.timing.Duration)
			}
			values[k] = worklet.FloatValue(progress)
		}
		batch.Add(worklet.Job{LayerID: ly.cfg.ID, Input: ly.input, Values: values})
	}
	return batch
}

func (s *Session) emit(ctx context.Context, frame *Frame) {
	var errs int64
	jobs := frame.Batch.JobCount()
	painted := frame.Batch.Painted()

	frame.Batch.ForEach(func(job *worklet.Job) {
		rec := &output.JobRecord{
			Frame:      frame.Index,
			LayerID:    job.LayerID,
			WorkletID:  int(job.WorkletID()),
			Painted:    job.Painted(),
			Properties: formatValues(job.Values),
		}
		if job.Painted() {
			rec.Ops = job.Output.Ops
			if img := job.Output.Image; img != nil {
				rec.Width = img.Bounds().Dx()
				rec.Height = img.Bounds().Dy()
			}
			if s.imagesDir != "" && !job.Output.Empty() {
				path, err := writePNG(s.imagesDir, frame.Index, job.LayerID, job.Output.Image)
				if err != nil {
					errs++
					s.logger.Warn("Failed to write image", zap.Int("layer_id", job.LayerID), zap.Error(err))
					s.writeError(ctx, &output.ErrorRecord{
						Code:      output.ErrCodeImage,
						Message:   err.Error(),
						Frame:     frame.Index,
						LayerID:   job.LayerID,
						WorkletID: int(job.WorkletID()),
					})
				} else {
					rec.Image = path
				}
			}
		}
		if err := s.writer.WriteJob(ctx, rec); err != nil {
			s.logger.Warn("Failed to write job record", zap.Error(err))
		}
	})

	if err := s.writer.WriteFrame(ctx, &output.FrameRecord{
		Frame:         frame.Index,
		Timeline:      frame.Timeline,
		Jobs:          jobs,
		Painted:       painted,
		Unpainted:     jobs - painted,
		MutatorStatus: frame.MutatorStatus.String(),
		Duration:      frame.Duration,
	}); err != nil {
		s.logger.Warn("Failed to write frame record", zap.Error(err))
	}

	s.mu.Lock()
	s.stats.Frames++
	s.stats.Jobs += jobs
	s.stats.Painted += painted
	s.stats.Unpainted += jobs - painted
	s.stats.Errors += errs
	s.mu.Unlock()

	s.logger.Debug("Frame rendered",
		zap.Int("frame", frame.Index),
		zap.Int("jobs", jobs),
		zap.Int("painted", painted),
		zap.Duration("elapsed", frame.Duration))
}

func (s *Session) reportError(ctx context.Context, rec *output.ErrorRecord) {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
	s.writeError(ctx, rec)
}

func (s *Session) writeError(ctx context.Context, rec *output.ErrorRecord) {
	if err := s.writer.WriteError(ctx, rec); err != nil {
		s.logger.Warn("Failed to write error record", zap.Error(err))
	}
}

func (s *Session) ownerErr(err error) error {
	if errors.Is(err, sequence.ErrRejected) && s.isClosed() {
		return ErrClosed
	}
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the dispatcher on the owner and stops every runner. Queued
// work is dropped. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := sequence.PostAndWait(ctx, s.owner, func(taskCtx context.Context) {
		s.painter.Close(taskCtx)
	})
	s.shutdown()
	s.logger.Debug("Session closed")
	return err
}

func (s *Session) shutdown() {
	for _, seq := range s.contexts {
		seq.Shutdown()
	}
	if s.owner != nil {
		s.owner.Shutdown()
	}
}

func formatValues(values worklet.AnimatedPropertyValues) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch {
		case v.Float != nil:
			out[k.Name] = fmt.Sprintf("%g", *v.Float)
		case v.Color != nil:
			out[k.Name] = formatColor(*v.Color)
		}
	}
	return out
}

func formatColor(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}
