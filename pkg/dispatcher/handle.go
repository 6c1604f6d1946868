package dispatcher

import (
	"context"
	"sync/atomic"
	"weak"

	"github.com/3leaps/worklets/pkg/sequence"
	"github.com/3leaps/worklets/pkg/worklet"
)

// Handle is a weak, thread-safe reference to a Dispatcher.
//
// Worklet contexts hold a Handle instead of the Dispatcher itself. Every
// call posts a task to the owning runner; the task resolves the reference
// there and does nothing if the dispatcher has been closed or collected.
type Handle struct {
	owner  sequence.Runner
	ref    weak.Pointer[Dispatcher]
	closed *atomic.Bool
}

// Alive reports whether the dispatcher can still be reached. The answer may
// be stale by the time a posted call runs.
func (h *Handle) Alive() bool {
	return h.resolve() != nil
}

// RegisterPainter asks the dispatcher to register painter on runner. It
// reports whether the request was queued on the owner.
func (h *Handle) RegisterPainter(painter worklet.Painter, runner sequence.Runner) bool {
	return h.post(func(ctx context.Context, d *Dispatcher) {
		d.RegisterPainter(ctx, painter, runner)
	})
}

// UnregisterPainter asks the dispatcher to unregister id. It reports whether
// the request was queued on the owner.
func (h *Handle) UnregisterPainter(id worklet.ID) bool {
	return h.post(func(ctx context.Context, d *Dispatcher) {
		d.UnregisterPainter(ctx, id)
	})
}

func (h *Handle) resolve() *Dispatcher {
	if h == nil || h.closed.Load() {
		return nil
	}
	return h.ref.Value()
}

// post runs fn on the owner against the live dispatcher, if any.
func (h *Handle) post(fn func(ctx context.Context, d *Dispatcher)) bool {
	if h.resolve() == nil {
		return false
	}
	return h.owner.PostTask(func(ctx context.Context) {
		if d := h.resolve(); d != nil {
			fn(ctx, d)
		}
	})
}
