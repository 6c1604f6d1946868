// Package dispatcher fans paint-worklet jobs out to the execution contexts
// of their painters and delivers the painted batch back to the owner.
//
// A Dispatcher lives on one owning runner (the compositor context). All of
// its state, including the painter registry, is confined to that runner:
// every exported method takes the ctx of the running task and panics when
// called from anywhere else. Worklet contexts reach the dispatcher through a
// Handle, which posts to the owner and degrades to a no-op once the
// dispatcher is gone.
//
// One dispatch cycle:
//
//	Dispatch(batch, done)            owner: Idle -> Dispatching
//	  for each worklet group:
//	    painter found  -> post group to painter runner
//	                      paint jobs in order, post completion to owner
//	    painter absent -> counted complete on the owner
//	  nothing left to paint -> post one barrier arm to owner
//	barrier reaches zero             owner: Dispatching -> Idle, done(batch)
//
// done runs exactly once per Dispatch, from a task posted to the owner,
// whatever the number of groups or painters found.
package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"weak"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/3leaps/worklets/pkg/sequence"
	"github.com/3leaps/worklets/pkg/worklet"
)

// DoneFunc receives the batch once every job group is accounted for. Jobs
// whose worklet was missing keep a nil Output.
type DoneFunc func(batch worklet.JobBatch)

// State is the dispatch state of a Dispatcher.
type State int

const (
	// StateIdle means no batch is in flight.
	StateIdle State = iota

	// StateDispatching means a batch has been handed out and its completion
	// callback has not fired yet.
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dispatcher executes paint-worklet dispatch cycles. Create one with New.
type Dispatcher struct {
	owner    sequence.Runner
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics
	now      func() time.Time

	state   State
	cycle   uint64
	batch   worklet.JobBatch
	done    DoneFunc
	barrier *barrier
	started time.Time

	closed *atomic.Bool
	handle *Handle
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMeter sets the meter used for dispatch metrics. The default is the
// global OTel meter provider.
func WithMeter(m metric.Meter) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = newMetrics(m)
		}
	}
}

// WithClock overrides the clock used to time dispatch cycles.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New returns a dispatcher owned by owner.
func New(owner sequence.Runner, opts ...Option) *Dispatcher {
	if owner == nil {
		panic("dispatcher: nil owner runner")
	}
	d := &Dispatcher{
		owner:    owner,
		registry: NewRegistry(),
		logger:   zap.NewNop(),
		now:      time.Now,
		closed:   new(atomic.Bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = newMetrics(otel.Meter(meterName))
	}
	d.logger = d.logger.With(zap.String("owner", owner.Name()))
	d.handle = &Handle{
		owner:  owner,
		ref:    weak.Make(d),
		closed: d.closed,
	}
	return d
}

// Handle returns the weak handle worklet contexts use to reach d.
func (d *Dispatcher) Handle() *Handle { return d.handle }

// Owner returns the runner d is confined to.
func (d *Dispatcher) Owner() sequence.Runner { return d.owner }

// RegisterPainter makes painter available for dispatch; its jobs will run
// on runner. Registering the same worklet id twice panics.
func (d *Dispatcher) RegisterPainter(ctx context.Context, painter worklet.Painter, runner sequence.Runner) {
	d.checkSequence(ctx, "RegisterPainter")
	d.registry.Register(painter, runner)
	d.logger.Debug("Registered painter",
		zap.Int("worklet_id", int(painter.WorkletID())),
		zap.String("runner", runner.Name()))
}

// UnregisterPainter removes the painter for id. Jobs already handed to the
// painter's runner still complete. Unregistering an unknown id panics.
func (d *Dispatcher) UnregisterPainter(ctx context.Context, id worklet.ID) {
	d.checkSequence(ctx, "UnregisterPainter")
	d.registry.Unregister(id)
	d.logger.Debug("Unregistered painter", zap.Int("worklet_id", int(id)))
}

// RegisteredWorklets returns the registered worklet ids in ascending order.
func (d *Dispatcher) RegisteredWorklets(ctx context.Context) []worklet.ID {
	d.checkSequence(ctx, "RegisteredWorklets")
	return d.registry.IDs()
}

// HasOngoingDispatch reports whether a batch is in flight.
func (d *Dispatcher) HasOngoingDispatch(ctx context.Context) bool {
	d.checkSequence(ctx, "HasOngoingDispatch")
	return d.state == StateDispatching
}

// Dispatch starts a dispatch cycle for batch and calls done once every
// group has been painted or dropped. d owns batch until done runs.
//
// Dispatch panics if done is nil, if a cycle is already in flight, or if d
// has been closed.
func (d *Dispatcher) Dispatch(ctx context.Context, batch worklet.JobBatch, done DoneFunc) {
	d.checkSequence(ctx, "Dispatch")
	if done == nil {
		panic("dispatcher: Dispatch requires a completion callback")
	}
	if d.closed.Load() {
		panic("dispatcher: Dispatch on a closed dispatcher")
	}
	if d.state == StateDispatching {
		panic("dispatcher: Dispatch called while another dispatch is in flight")
	}
	if batch == nil {
		batch = worklet.NewJobBatch()
	}

	d.cycle++
	cycle := d.cycle
	d.state = StateDispatching
	d.batch = batch
	d.done = done
	d.started = d.now()
	d.barrier = newBarrier(len(batch), d.finish)

	groups := batch.Groups()
	d.logger.Debug("Dispatching worklets",
		zap.Uint64("cycle", cycle),
		zap.Int("groups", len(groups)),
		zap.Int("jobs", batch.JobCount()))

	for _, id := range groups {
		jobs := batch[id]
		reg, ok := d.registry.Lookup(id)
		if !ok {
			d.logger.Debug("No painter registered; dropping group",
				zap.Uint64("cycle", cycle),
				zap.Int("worklet_id", int(id)),
				zap.Int("jobs", len(jobs)))
			d.barrier.skip()
			continue
		}

		task := paintGroupTask(d.handle, d.logger, cycle, reg.Painter, jobs)
		if !reg.Runner.PostTask(task) {
			d.logger.Warn("Painter runner rejected jobs; treating group as unpainted",
				zap.Uint64("cycle", cycle),
				zap.Int("worklet_id", int(id)),
				zap.String("runner", reg.Runner.Name()))
			d.barrier.skip()
		}
	}

	// Groups settled here never post back, so the owner is woken once.
	if d.barrier.remaining > 0 {
		return
	}
	if !d.handle.post(func(ctx context.Context, d *Dispatcher) { d.armBarrier(ctx, cycle) }) {
		d.logger.Error("Owner rejected dispatch completion; cycle cannot finish",
			zap.Uint64("cycle", cycle),
			zap.String("owner", d.owner.Name()))
	}
}

// Close invalidates d. Handle calls and completions arriving afterwards are
// dropped. A cycle in flight at Close never reports completion.
func (d *Dispatcher) Close(ctx context.Context) {
	d.checkSequence(ctx, "Close")
	if d.closed.Swap(true) {
		return
	}
	if d.state == StateDispatching {
		d.logger.Warn("Closing dispatcher with a dispatch in flight", zap.Uint64("cycle", d.cycle))
	}
	d.state = StateIdle
	d.batch = nil
	d.done = nil
	d.barrier = nil
}

// paintGroupTask builds the task run on a painter's runner. It captures only
// the weak handle so a pending group does not keep the dispatcher alive.
func paintGroupTask(h *Handle, logger *zap.Logger, cycle uint64, painter worklet.Painter, jobs []worklet.Job) sequence.Task {
	return func(context.Context) {
		for i := range jobs {
			rec := painter.Paint(jobs[i].Input, jobs[i].Values)
			jobs[i].Output = &rec
		}
		if !h.post(func(ctx context.Context, d *Dispatcher) { d.groupDone(ctx, cycle) }) && h.Alive() {
			logger.Error("Owner rejected group completion; cycle cannot finish",
				zap.Uint64("cycle", cycle),
				zap.Int("worklet_id", int(painter.WorkletID())))
		}
	}
}

func (d *Dispatcher) armBarrier(ctx context.Context, cycle uint64) {
	d.checkSequence(ctx, "armBarrier")
	if !d.current(cycle) {
		return
	}
	d.barrier.arm()
}

func (d *Dispatcher) groupDone(ctx context.Context, cycle uint64) {
	d.checkSequence(ctx, "groupDone")
	if !d.current(cycle) {
		return
	}
	d.barrier.done()
}

func (d *Dispatcher) current(cycle uint64) bool {
	return !d.closed.Load() && d.state == StateDispatching && d.cycle == cycle && d.barrier != nil
}

// finish runs on the owner when the barrier reaches zero.
func (d *Dispatcher) finish() {
	batch, done := d.batch, d.done
	elapsed := d.now().Sub(d.started)

	d.state = StateIdle
	d.batch = nil
	d.done = nil
	d.barrier = nil

	painted := batch.Painted()
	d.metrics.record(elapsed, painted, batch.JobCount()-painted)
	d.logger.Debug("Dispatch complete",
		zap.Uint64("cycle", d.cycle),
		zap.Int("painted", painted),
		zap.Int("jobs", batch.JobCount()),
		zap.Duration("duration", elapsed))

	done(batch)
}

func (d *Dispatcher) checkSequence(ctx context.Context, op string) {
	if !d.owner.RunsTasksInCurrentSequence(ctx) {
		panic(fmt.Sprintf("dispatcher: %s called off the owning runner %q", op, d.owner.Name()))
	}
}
