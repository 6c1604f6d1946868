// Package compositor exposes paint-worklet dispatch to the compositor through
// a two-method capability, hiding the dispatcher and its registry.
package compositor

import (
	"context"
	"errors"

	"github.com/3leaps/worklets/pkg/dispatcher"
	"github.com/3leaps/worklets/pkg/sequence"
	"github.com/3leaps/worklets/pkg/worklet"
)

// ErrDispatchInFlight is returned by DispatchAndWait when the painter is
// still working on an earlier batch.
var ErrDispatchInFlight = errors.New("compositor: dispatch already in flight")

// LayerPainter is the capability the compositor uses to paint worklet jobs.
// Both methods must be called on the owner runner the painter was built on.
type LayerPainter interface {
	DispatchWorklets(ctx context.Context, batch worklet.JobBatch, done dispatcher.DoneFunc)
	HasOngoingDispatch(ctx context.Context) bool
}

// PlatformLayerPainter forwards to a dispatcher it owns.
type PlatformLayerPainter struct {
	dispatcher *dispatcher.Dispatcher
}

// New creates the compositor-side painter on owner. The returned handle is
// meant for worklet contexts, which use it to register their painters.
func New(owner sequence.Runner, opts ...dispatcher.Option) (*PlatformLayerPainter, *dispatcher.Handle) {
	d := dispatcher.New(owner, opts...)
	return &PlatformLayerPainter{dispatcher: d}, d.Handle()
}

// DispatchWorklets dispatches batch and calls done when every job group
// has been painted or dropped.
func (p *PlatformLayerPainter) DispatchWorklets(ctx context.Context, batch worklet.JobBatch, done dispatcher.DoneFunc) {
	p.dispatcher.Dispatch(ctx, batch, done)
}

// HasOngoingDispatch reports whether a batch is in flight.
func (p *PlatformLayerPainter) HasOngoingDispatch(ctx context.Context) bool {
	return p.dispatcher.HasOngoingDispatch(ctx)
}

// RegisteredWorklets lists the worklet ids currently reachable.
func (p *PlatformLayerPainter) RegisteredWorklets(ctx context.Context) []worklet.ID {
	return p.dispatcher.RegisteredWorklets(ctx)
}

// Close releases the dispatcher; handle calls become no-ops.
func (p *PlatformLayerPainter) Close(ctx context.Context) {
	p.dispatcher.Close(ctx)
}

// DispatchAndWait runs one dispatch on owner from outside it and blocks
// until the painted batch comes back or ctx ends.
//
// If ctx ends first the dispatch carries on; its batch is discarded.
func DispatchAndWait(ctx context.Context, owner sequence.Runner, painter LayerPainter, batch worklet.JobBatch) (worklet.JobBatch, error) {
	type result struct {
		batch worklet.JobBatch
		err   error
	}
	results := make(chan result, 1)

	posted := owner.PostTask(func(taskCtx context.Context) {
		if painter.HasOngoingDispatch(taskCtx) {
			results <- result{err: ErrDispatchInFlight}
			return
		}
		painter.DispatchWorklets(taskCtx, batch, func(painted worklet.JobBatch) {
			results <- result{batch: painted}
		})
	})
	if !posted {
		return nil, sequence.ErrRejected
	}

	select {
	case r := <-results:
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RegisterAndWait registers painter through h and waits until the owner has
// applied it. It is a convenience for startup code.
func RegisterAndWait(ctx context.Context, h *dispatcher.Handle, owner sequence.Runner, painter worklet.Painter, runner sequence.Runner) error {
	if !h.RegisterPainter(painter, runner) {
		return sequence.ErrRejected
	}
	// Tasks on one runner run in order, so a no-op behind the registration
	// completes only after it.
	return sequence.PostAndWait(ctx, owner, func(context.Context) {})
}

var _ LayerPainter = (*PlatformLayerPainter)(nil)
