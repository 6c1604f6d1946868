// Package mutator dispatches animation-worklet mutations to the runners of
// registered mutators and applies their results on the owner runner.
//
// Synchronous mutation blocks the owner until every targeted mutator has
// answered. Asynchronous mutation returns at once; at most one request is in
// flight and later requests are dropped, queued with replacement, or queued
// ahead at high priority depending on the QueuingStrategy.
package mutator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/3leaps/worklets/pkg/sequence"
	"github.com/3leaps/worklets/pkg/worklet"
)

// MetricAsyncDuration is the histogram of asynchronous mutation latency in
// microseconds, measured from the original request time.
const MetricAsyncDuration = "worklets.mutator.async_duration"

const meterName = "github.com/3leaps/worklets"

// Status reports how an asynchronous mutation ended.
type Status int

const (
	// StatusCanceled means the request was replaced before it ran.
	StatusCanceled Status = iota
	// StatusCompletedWithUpdate means at least one mutator returned output.
	StatusCompletedWithUpdate
	// StatusCompletedNoUpdate means every mutator returned nil.
	StatusCompletedNoUpdate
)

func (s Status) String() string {
	switch s {
	case StatusCanceled:
		return "canceled"
	case StatusCompletedWithUpdate:
		return "completed_with_update"
	case StatusCompletedNoUpdate:
		return "completed_no_update"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// QueuingStrategy decides what happens to an asynchronous request that
// arrives while another is in flight.
type QueuingStrategy int

const (
	// QueueDrop rejects the request.
	QueueDrop QueuingStrategy = iota
	// QueueAndReplaceNormalPriority queues the request, canceling any normal
	// request already queued. The queued start time is kept.
	QueueAndReplaceNormalPriority
	// QueueHighPriority queues the request in its own slot, which runs
	// before the normal slot. The slot holds one request; a newer one
	// cancels and replaces it, keeping the queued start time.
	QueueHighPriority
)

// DoneFunc receives the outcome of an asynchronous request on the owner.
type DoneFunc func(status Status)

type registration struct {
	mutator Mutator
	runner  sequence.Runner
}

type request struct {
	input   *DispatcherInput
	done    DoneFunc
	started time.Time
}

// Dispatcher routes mutation input to registered mutators. It is confined
// to its owner runner.
type Dispatcher struct {
	owner    sequence.Runner
	client   Client
	logger   *zap.Logger
	now      func() time.Time
	duration metric.Int64Histogram

	mutators map[worklet.ID]registration

	inFlight     bool
	cycle        uint64
	queuedHigh   *request
	queuedNormal *request
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMeter sets the meter for the async duration histogram.
func WithMeter(m metric.Meter) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.duration = newDurationHistogram(m)
		}
	}
}

// WithClock overrides the clock used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New returns a mutator dispatcher owned by owner that reports results to
// client.
func New(owner sequence.Runner, client Client, opts ...Option) *Dispatcher {
	if owner == nil {
		panic("mutator: nil owner runner")
	}
	if client == nil {
		panic("mutator: nil client")
	}
	d := &Dispatcher{
		owner:    owner,
		client:   client,
		logger:   zap.NewNop(),
		now:      time.Now,
		mutators: make(map[worklet.ID]registration),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.duration == nil {
		d.duration = newDurationHistogram(otel.Meter(meterName))
	}
	return d
}

func newDurationHistogram(m metric.Meter) metric.Int64Histogram {
	h, _ := m.Int64Histogram(MetricAsyncDuration,
		metric.WithDescription("Asynchronous mutation latency from request to completion"),
		metric.WithUnit("us"),
	)
	return h
}

// Register adds mutator, to be run on runner. Duplicate ids panic.
func (d *Dispatcher) Register(ctx context.Context, m Mutator, runner sequence.Runner) {
	d.checkSequence(ctx, "Register")
	if m == nil || runner == nil {
		panic("mutator: register requires a mutator and a runner")
	}
	id := m.WorkletID()
	if _, exists := d.mutators[id]; exists {
		panic(fmt.Sprintf("mutator: worklet %d is already registered", id))
	}
	d.mutators[id] = registration{mutator: m, runner: runner}
	d.logger.Debug("Registered mutator", zap.Int("worklet_id", int(id)), zap.String("runner", runner.Name()))
}

// Unregister removes the mutator for id. Unknown ids panic.
func (d *Dispatcher) Unregister(ctx context.Context, id worklet.ID) {
	d.checkSequence(ctx, "Unregister")
	if _, exists := d.mutators[id]; !exists {
		panic(fmt.Sprintf("mutator: worklet %d is not registered", id))
	}
	delete(d.mutators, id)
	d.logger.Debug("Unregistered mutator", zap.Int("worklet_id", int(id)))
}

// HasMutators reports whether any mutator is registered.
func (d *Dispatcher) HasMutators(ctx context.Context) bool {
	d.checkSequence(ctx, "HasMutators")
	return len(d.mutators) > 0
}

// HasOngoingMutation reports whether an asynchronous request is in flight.
func (d *Dispatcher) HasOngoingMutation(ctx context.Context) bool {
	d.checkSequence(ctx, "HasOngoingMutation")
	return d.inFlight
}

type target struct {
	reg   registration
	input *Input
}

func (d *Dispatcher) targets(input *DispatcherInput) []target {
	var out []target
	for _, id := range input.WorkletIDs() {
		reg, ok := d.mutators[id]
		if !ok {
			continue
		}
		out = append(out, target{reg: reg, input: input.For(id)})
	}
	return out
}

// MutateSynchronously runs input on every targeted mutator and blocks the
// owner until all of them answered or their runners rejected the work. If
// ctx ends first the outstanding answers are discarded and StatusCanceled
// is returned.
func (d *Dispatcher) MutateSynchronously(ctx context.Context, input *DispatcherInput) Status {
	d.checkSequence(ctx, "MutateSynchronously")

	targets := d.targets(input)
	if len(targets) == 0 {
		return StatusCompletedNoUpdate
	}

	results := make(chan *Output, len(targets))
	expected := 0
	for _, t := range targets {
		m, in := t.reg.mutator, t.input
		if t.reg.runner.PostTask(func(context.Context) { results <- m.Mutate(in) }) {
			expected++
			continue
		}
		d.logger.Warn("Mutator runner rejected work", zap.Int("worklet_id", int(m.WorkletID())))
	}

	outputs := make([]*Output, 0, expected)
	for i := 0; i < expected; i++ {
		select {
		case out := <-results:
			outputs = append(outputs, out)
		case <-ctx.Done():
			d.logger.Warn("Synchronous mutation abandoned", zap.Error(ctx.Err()))
			return StatusCanceled
		}
	}
	return d.apply(outputs)
}

// MutateAsynchronously starts or queues a mutation for input and returns
// whether it was accepted. done runs on the owner exactly once for every
// accepted request.
//
// The request is refused when no mutator is registered, when it targets no
// registered mutator, or when the dispatcher is busy and strategy is
// QueueDrop.
func (d *Dispatcher) MutateAsynchronously(ctx context.Context, input *DispatcherInput, strategy QueuingStrategy, done DoneFunc) bool {
	d.checkSequence(ctx, "MutateAsynchronously")
	if done == nil {
		panic("mutator: MutateAsynchronously requires a completion callback")
	}
	if len(d.mutators) == 0 {
		return false
	}

	if d.inFlight {
		switch strategy {
		case QueueDrop:
			return false
		case QueueHighPriority:
			if prev := d.queuedHigh; prev != nil {
				d.queuedHigh = &request{input: input, done: done, started: prev.started}
				prev.done(StatusCanceled)
				return true
			}
			d.queuedHigh = &request{input: input, done: done, started: d.now()}
			return true
		case QueueAndReplaceNormalPriority:
			if prev := d.queuedNormal; prev != nil {
				d.queuedNormal = &request{input: input, done: done, started: prev.started}
				prev.done(StatusCanceled)
				return true
			}
			d.queuedNormal = &request{input: input, done: done, started: d.now()}
			return true
		default:
			panic(fmt.Sprintf("mutator: unknown queuing strategy %d", strategy))
		}
	}

	targets := d.targets(input)
	if len(targets) == 0 {
		return false
	}
	d.start(&request{input: input, done: done, started: d.now()}, targets)
	return true
}

func (d *Dispatcher) start(req *request, targets []target) {
	d.inFlight = true
	d.cycle++
	cycle := d.cycle

	outputs := make([]*Output, 0, len(targets))
	remaining := len(targets)
	complete := func(out *Output) {
		if cycle != d.cycle {
			return
		}
		outputs = append(outputs, out)
		remaining--
		if remaining == 0 {
			d.finish(req, outputs)
		}
	}

	for _, t := range targets {
		m, in := t.reg.mutator, t.input
		posted := t.reg.runner.PostTask(func(context.Context) {
			out := m.Mutate(in)
			if !d.owner.PostTask(func(context.Context) { complete(out) }) {
				d.logger.Warn("Owner rejected mutation result", zap.Int("worklet_id", int(m.WorkletID())))
			}
		})
		if !posted {
			d.logger.Warn("Mutator runner rejected work", zap.Int("worklet_id", int(m.WorkletID())))
			d.owner.PostTask(func(context.Context) { complete(nil) })
		}
	}
}

func (d *Dispatcher) finish(req *request, outputs []*Output) {
	status := d.apply(outputs)
	d.duration.Record(context.Background(), d.now().Sub(req.started).Microseconds())
	d.inFlight = false
	req.done(status)
	d.runQueued()
}

// runQueued starts the next queued request, high priority first. Requests
// that no longer target a registered mutator complete without update.
func (d *Dispatcher) runQueued() {
	for !d.inFlight {
		var next *request
		switch {
		case d.queuedHigh != nil:
			next, d.queuedHigh = d.queuedHigh, nil
		case d.queuedNormal != nil:
			next, d.queuedNormal = d.queuedNormal, nil
		default:
			return
		}
		targets := d.targets(next.input)
		if len(targets) == 0 {
			next.done(StatusCompletedNoUpdate)
			continue
		}
		d.start(next, targets)
	}
}

func (d *Dispatcher) apply(outputs []*Output) Status {
	status := StatusCompletedNoUpdate
	for _, out := range outputs {
		if out == nil {
			continue
		}
		d.client.SetMutationUpdate(out)
		status = StatusCompletedWithUpdate
	}
	return status
}

func (d *Dispatcher) checkSequence(ctx context.Context, op string) {
	if !d.owner.RunsTasksInCurrentSequence(ctx) {
		panic(fmt.Sprintf("mutator: %s called off the owning runner %q", op, d.owner.Name()))
	}
}
