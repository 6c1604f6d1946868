package dispatcher

import (
	"fmt"
	"sort"

	"github.com/3leaps/worklets/pkg/sequence"
	"github.com/3leaps/worklets/pkg/worklet"
)

// Registration binds a painter to the runner its Paint calls must run on.
//
// The registry does not own the painter. Whoever registered it keeps it
// alive and unregisters it before tearing it down.
type Registration struct {
	Painter worklet.Painter
	Runner  sequence.Runner
}

// Registry maps worklet ids to registrations.
//
// Registry is not safe for concurrent use; the Dispatcher confines it to
// its owning runner.
type Registry struct {
	entries map[worklet.ID]Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[worklet.ID]Registration)}
}

// Register adds painter under its worklet id. Registering an id twice is a
// programming error and panics.
func (r *Registry) Register(painter worklet.Painter, runner sequence.Runner) {
	if painter == nil {
		panic("dispatcher: register nil painter")
	}
	if runner == nil {
		panic("dispatcher: register painter with nil runner")
	}
	id := painter.WorkletID()
	if _, exists := r.entries[id]; exists {
		panic(fmt.Sprintf("dispatcher: worklet %d is already registered", id))
	}
	r.entries[id] = Registration{Painter: painter, Runner: runner}
}

// Unregister removes id. Unregistering an unknown id panics.
func (r *Registry) Unregister(id worklet.ID) {
	if _, exists := r.entries[id]; !exists {
		panic(fmt.Sprintf("dispatcher: worklet %d is not registered", id))
	}
	delete(r.entries, id)
}

// Lookup returns the registration for id. Absence is expected: the worklet
// may have been torn down after its jobs were built.
func (r *Registry) Lookup(id worklet.ID) (Registration, bool) {
	reg, ok := r.entries[id]
	return reg, ok
}

// Len returns the number of registrations.
func (r *Registry) Len() int { return len(r.entries) }

// IDs returns the registered worklet ids in ascending order.
func (r *Registry) IDs() []worklet.ID {
	ids := make([]worklet.ID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
