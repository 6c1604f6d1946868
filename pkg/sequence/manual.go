package sequence

import (
	"context"
	"time"
)

// Manual is a Runner whose tasks run only when its owner pumps it.
//
// Tasks execute on the goroutine calling RunPending or RunNext, which makes
// the runner a convenient stand-in for a compositor thread in tests: the
// test goroutine becomes the owning context and can call owner-only APIs
// with Context().
type Manual struct {
	name  string
	ctx   context.Context
	tasks chan Task
	done  chan struct{}
}

// DefaultManualCapacity bounds the number of tasks a Manual runner can hold.
const DefaultManualCapacity = 4096

// NewManual returns a manual runner named name.
func NewManual(name string) *Manual {
	m := &Manual{
		name:  name,
		tasks: make(chan Task, DefaultManualCapacity),
		done:  make(chan struct{}),
	}
	m.ctx = withRunner(context.Background(), m)
	return m
}

// Name returns the runner name.
func (m *Manual) Name() string { return m.name }

// Context returns the context tasks on m receive. Passing it to owner-only
// APIs asserts that the caller is acting as m.
func (m *Manual) Context() context.Context { return m.ctx }

// PostTask queues task. It returns false after Close or when the queue is full.
func (m *Manual) PostTask(task Task) bool {
	if task == nil {
		panic("sequence: nil task")
	}
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.tasks <- task:
		return true
	default:
		return false
	}
}

// RunsTasksInCurrentSequence reports whether ctx belongs to m.
func (m *Manual) RunsTasksInCurrentSequence(ctx context.Context) bool {
	return Current(ctx) == Runner(m)
}

// RunPending runs queued tasks, including tasks posted while draining,
// until the queue is empty. It returns the number of tasks executed.
func (m *Manual) RunPending() int {
	n := 0
	for {
		select {
		case task := <-m.tasks:
			task(m.ctx)
			n++
		default:
			return n
		}
	}
}

// RunNext waits up to timeout for one task and runs it. It reports whether
// a task ran.
func (m *Manual) RunNext(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case task := <-m.tasks:
		task(m.ctx)
		return true
	case <-timer.C:
		return false
	}
}

// RunUntil pumps tasks until cond returns true or timeout elapses without a
// task arriving. It reports whether cond was satisfied.
func (m *Manual) RunUntil(cond func() bool, timeout time.Duration) bool {
	for !cond() {
		if !m.RunNext(timeout) {
			return cond()
		}
	}
	return true
}

// Close rejects further tasks. Tasks already queued can still be pumped.
func (m *Manual) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

// Compile-time check that Manual implements Runner.
var _ Runner = (*Manual)(nil)
