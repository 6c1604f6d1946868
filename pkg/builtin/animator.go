package builtin

import (
	"sort"
	"time"

	"github.com/3leaps/worklets/pkg/mutator"
	"github.com/3leaps/worklets/pkg/worklet"
)

// Timing describes how an animation maps timeline time to local time.
type Timing struct {
	Duration time.Duration
	// Iterations is the number of repeats; zero repeats forever.
	Iterations int
	Delay      time.Duration
}

// LocalTime maps timeline time t to the animation's local time. Before the
// delay the result is zero; after the last iteration it holds at Duration.
func (tm Timing) LocalTime(t time.Duration) time.Duration {
	if tm.Duration <= 0 {
		return 0
	}
	t -= tm.Delay
	if t <= 0 {
		return 0
	}
	if tm.Iterations > 0 && t >= tm.Duration*time.Duration(tm.Iterations) {
		return tm.Duration
	}
	return t % tm.Duration
}

// Progress returns local time as a fraction of Duration.
func (tm Timing) Progress(t time.Duration) float64 {
	if tm.Duration <= 0 {
		return 0
	}
	return float64(tm.LocalTime(t)) / float64(tm.Duration)
}

// Animator is a mutator that computes local times from registered timings.
//
// It keeps the set of live animations between calls, so it must only be
// mutated from the one runner it was registered on.
type Animator struct {
	id      worklet.ID
	timings map[int]Timing
	live    map[int]mutator.AnimationState
}

// NewAnimator returns an animator for worklet id. timings is keyed by
// animation number and copied.
func NewAnimator(id worklet.ID, timings map[int]Timing) *Animator {
	copied := make(map[int]Timing, len(timings))
	for k, v := range timings {
		copied[k] = v
	}
	return &Animator{id: id, timings: copied, live: make(map[int]mutator.AnimationState)}
}

// WorkletID implements mutator.Mutator.
func (a *Animator) WorkletID() worklet.ID { return a.id }

// Timing returns the timing of animation n.
func (a *Animator) Timing(n int) (Timing, bool) {
	tm, ok := a.timings[n]
	return tm, ok
}

// Mutate applies input to the live set and returns local times for every
// animation added or updated in it. Animations without a timing are
// tracked but produce no output.
func (a *Animator) Mutate(in *mutator.Input) *mutator.Output {
	if in == nil {
		return nil
	}
	for _, id := range in.Removed {
		delete(a.live, id.Animation)
	}

	changed := make(map[int]struct{})
	for _, s := range in.Added {
		a.live[s.ID.Animation] = s
		changed[s.ID.Animation] = struct{}{}
	}
	for _, s := range in.Updated {
		if _, ok := a.live[s.ID.Animation]; !ok {
			continue
		}
		a.live[s.ID.Animation] = s
		changed[s.ID.Animation] = struct{}{}
	}

	keys := make([]int, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	out := &mutator.Output{}
	for _, k := range keys {
		tm, ok := a.timings[k]
		if !ok {
			continue
		}
		s := a.live[k]
		out.Animations = append(out.Animations, mutator.AnimationOutput{
			ID:         s.ID,
			LocalTimes: []time.Duration{tm.LocalTime(s.CurrentTime)},
		})
	}
	if len(out.Animations) == 0 {
		return nil
	}
	return out
}

// Live returns the number of tracked animations.
func (a *Animator) Live() int { return len(a.live) }

var _ mutator.Mutator = (*Animator)(nil)
