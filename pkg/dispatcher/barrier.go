package dispatcher

// barrier counts outstanding group completions for one dispatch cycle.
//
// It is only touched from the dispatcher's owning runner; workers report
// completion by posting back to that runner, never by decrementing directly.
type barrier struct {
	remaining int
	fired     bool
	onZero    func()
}

func newBarrier(n int, onZero func()) *barrier {
	return &barrier{remaining: n, onZero: onZero}
}

// skip records a completion settled on the owner without firing. The
// caller arms the barrier afterwards if nothing remains.
func (b *barrier) skip() {
	if b.remaining == 0 {
		panic("dispatcher: barrier completed more times than it was sized for")
	}
	b.remaining--
}

// arm fires when no completions remain and the barrier has not fired yet.
func (b *barrier) arm() {
	if b.remaining == 0 && !b.fired {
		b.fire()
	}
}

// done records one completion and fires when none remain.
func (b *barrier) done() {
	if b.fired {
		panic("dispatcher: barrier completed more times than it was sized for")
	}
	b.remaining--
	if b.remaining == 0 {
		b.fire()
	}
}

func (b *barrier) fire() {
	b.fired = true
	b.onZero()
}
