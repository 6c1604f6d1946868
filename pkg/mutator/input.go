package mutator

import (
	"sort"
	"time"

	"github.com/3leaps/worklets/pkg/worklet"
)

// AnimationID identifies one animation inside one animation worklet.
type AnimationID struct {
	WorkletID worklet.ID `json:"worklet_id"`
	Animation int        `json:"animation"`
}

// AnimationState is the timeline state of one animation for a mutation.
type AnimationState struct {
	ID          AnimationID   `json:"id"`
	Name        string        `json:"name,omitempty"`
	CurrentTime time.Duration `json:"current_time"`
}

// Input is the per-worklet mutation input.
type Input struct {
	Added   []AnimationState `json:"added,omitempty"`
	Updated []AnimationState `json:"updated,omitempty"`
	Removed []AnimationID    `json:"removed,omitempty"`
}

// Empty reports whether in carries no changes.
func (in *Input) Empty() bool {
	return in == nil || (len(in.Added) == 0 && len(in.Updated) == 0 && len(in.Removed) == 0)
}

// DispatcherInput collects mutation input for all worklets and splits it by
// worklet id.
type DispatcherInput struct {
	inputs map[worklet.ID]*Input
}

// NewDispatcherInput returns an empty input.
func NewDispatcherInput() *DispatcherInput {
	return &DispatcherInput{inputs: make(map[worklet.ID]*Input)}
}

// Add records a newly added animation.
func (d *DispatcherInput) Add(state AnimationState) {
	in := d.ensure(state.ID.WorkletID)
	in.Added = append(in.Added, state)
}

// Update records a time update for an existing animation.
func (d *DispatcherInput) Update(state AnimationState) {
	in := d.ensure(state.ID.WorkletID)
	in.Updated = append(in.Updated, state)
}

// Remove records a removed animation.
func (d *DispatcherInput) Remove(id AnimationID) {
	in := d.ensure(id.WorkletID)
	in.Removed = append(in.Removed, id)
}

// For returns the input addressed to worklet id, or nil.
func (d *DispatcherInput) For(id worklet.ID) *Input {
	if d == nil {
		return nil
	}
	in := d.inputs[id]
	if in.Empty() {
		return nil
	}
	return in
}

// WorkletIDs returns the worklets with non-empty input, ascending.
func (d *DispatcherInput) WorkletIDs() []worklet.ID {
	if d == nil {
		return nil
	}
	ids := make([]worklet.ID, 0, len(d.inputs))
	for id, in := range d.inputs {
		if !in.Empty() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *DispatcherInput) ensure(id worklet.ID) *Input {
	in, ok := d.inputs[id]
	if !ok {
		in = &Input{}
		d.inputs[id] = in
	}
	return in
}

// AnimationOutput carries the local times computed for one animation, one
// per effect.
type AnimationOutput struct {
	ID         AnimationID     `json:"id"`
	LocalTimes []time.Duration `json:"local_times"`
}

// Output is the result of one Mutate call.
type Output struct {
	Animations []AnimationOutput `json:"animations"`
}

// LocalTime returns the first local time computed for id. The second result
// is false when id has no output or its local time is unresolved.
func (o *Output) LocalTime(id AnimationID) (time.Duration, bool) {
	if o == nil {
		return 0, false
	}
	for _, a := range o.Animations {
		if a.ID == id && len(a.LocalTimes) > 0 {
			return a.LocalTimes[0], true
		}
	}
	return 0, false
}

// Mutator computes animation local times on its own runner.
type Mutator interface {
	WorkletID() worklet.ID

	// Mutate returns nil when nothing changed.
	Mutate(input *Input) *Output
}

// Client receives mutation results on the owner runner.
type Client interface {
	SetMutationUpdate(output *Output)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(output *Output)

// SetMutationUpdate calls f.
func (f ClientFunc) SetMutationUpdate(output *Output) { f(output) }
