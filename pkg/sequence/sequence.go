// Package sequence provides execution contexts: places where tasks run
// serially, one at a time, in the order they were posted.
//
// Tasks receive a context.Context that identifies the runner executing
// them. Code that must only run on a particular runner checks affinity with
// Runner.RunsTasksInCurrentSequence(ctx) rather than inspecting goroutines.
//
// Two runners are provided:
//   - Sequence: backed by a dedicated goroutine (a worklet "thread")
//   - Manual: pumped explicitly by its owner (tests, deterministic stepping)
package sequence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work posted to a Runner.
type Task func(ctx context.Context)

// Runner is an execution context that accepts tasks.
type Runner interface {
	// Name identifies the runner in logs.
	Name() string

	// PostTask queues task for execution. It returns false when the runner
	// no longer accepts tasks; the task will never run in that case.
	PostTask(task Task) bool

	// RunsTasksInCurrentSequence reports whether ctx belongs to a task
	// currently executing on this runner.
	RunsTasksInCurrentSequence(ctx context.Context) bool
}

// ErrRejected is returned when a runner refuses a task.
var ErrRejected = errors.New("sequence: task rejected")

type runnerKey struct{}

// withRunner returns a context marking tasks as running on r.
func withRunner(ctx context.Context, r Runner) context.Context {
	return context.WithValue(ctx, runnerKey{}, r)
}

// Current returns the runner executing the task that owns ctx, or nil when
// ctx was not handed out by a runner.
func Current(ctx context.Context) Runner {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(runnerKey{}).(Runner)
	return r
}

// Stats is a point-in-time view of a Sequence.
type Stats struct {
	Name     string
	Pending  int
	Executed int64
	Dropped  int64
	Panicked int64
	Closed   bool
}

// Sequence runs posted tasks on a dedicated goroutine in FIFO order.
//
// A Sequence is safe for concurrent use. PostTask may be called from any
// goroutine, including from tasks running on the sequence itself.
type Sequence struct {
	name   string
	logger *zap.Logger
	ctx    context.Context

	mu      sync.Mutex
	queue   []Task
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	executed atomic.Int64
	dropped  atomic.Int64
	panicked atomic.Int64
}

// Option configures a Sequence.
type Option func(*Sequence)

// WithLogger sets the logger used for lifecycle diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sequence) {
		if l != nil {
			s.logger = l
		}
	}
}

// New starts a sequence named name.
func New(name string, opts ...Option) *Sequence {
	s := &Sequence{
		name:    name,
		logger:  zap.NewNop(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("sequence", name))
	s.ctx = withRunner(context.Background(), s)

	go s.loop()
	return s
}

// Name returns the sequence name.
func (s *Sequence) Name() string { return s.name }

// PostTask queues task. It returns false after Shutdown.
func (s *Sequence) PostTask(task Task) bool {
	if task == nil {
		panic("sequence: nil task")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// RunsTasksInCurrentSequence reports whether ctx was handed to a task by s.
func (s *Sequence) RunsTasksInCurrentSequence(ctx context.Context) bool {
	return Current(ctx) == Runner(s)
}

// Shutdown stops accepting tasks, waits for the running task to finish and
// drops everything still queued. It is safe to call more than once, but
// must not be called from a task running on s.
func (s *Sequence) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.stopped
}

// Stats returns a snapshot of the sequence state.
func (s *Sequence) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Name:     s.name,
		Pending:  len(s.queue),
		Executed: s.executed.Load(),
		Dropped:  s.dropped.Load(),
		Panicked: s.panicked.Load(),
		Closed:   s.closed,
	}
}

func (s *Sequence) loop() {
	defer close(s.stopped)

	for {
		s.mu.Lock()
		if s.closed {
			n := len(s.queue)
			s.queue = nil
			s.mu.Unlock()
			if n > 0 {
				s.dropped.Add(int64(n))
				s.logger.Debug("Dropped queued tasks on shutdown", zap.Int("tasks", n))
			}
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(task)
		s.executed.Add(1)
	}
}

// run executes task, logging and counting a panic instead of letting it
// take down the sequence.
func (s *Sequence) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.panicked.Add(1)
			s.logger.Error("Task panicked", zap.Any("panic", r))
		}
	}()
	task(s.ctx)
}

// PostAndWait posts task to r and blocks until it has run.
//
// It returns ErrRejected if r refuses the task, or ctx.Err() if ctx ends
// first; in the latter case the task may still run later.
func PostAndWait(ctx context.Context, r Runner, task Task) error {
	done := make(chan struct{})
	if !r.PostTask(func(taskCtx context.Context) {
		defer close(done)
		task(taskCtx)
	}) {
		return ErrRejected
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time check that Sequence implements Runner.
var _ Runner = (*Sequence)(nil)
