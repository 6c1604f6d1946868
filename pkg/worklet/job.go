package worklet

import (
	"fmt"
	"image"
	"sort"
)

// PaintRecord is the output of one Paint call.
//
// A painter always produces a record. A record with a nil Image painted
// nothing visible, which is distinct from a job whose Output is nil because
// no painter ran.
type PaintRecord struct {
	// Image holds the rasterized result in device pixels.
	Image *image.RGBA

	// Ops is the number of draw operations the painter issued.
	Ops int
}

// Empty reports whether the record painted nothing.
func (r PaintRecord) Empty() bool {
	return r.Image == nil || r.Ops == 0
}

// Painter executes paint jobs for a single worklet.
//
// Paint is called on the painter's own execution context, one job at a time,
// in batch order. Implementations must treat input as read-only.
type Painter interface {
	WorkletID() ID
	Paint(input *Input, values AnimatedPropertyValues) PaintRecord
}

// Job is one request to paint a layer with a specific worklet.
type Job struct {
	// LayerID is the compositor layer the output is destined for.
	LayerID int

	// Input is the shared, immutable worklet input.
	Input *Input

	// Values holds the animated property values for this frame.
	Values AnimatedPropertyValues

	// Output is filled in place by the painter. It stays nil when the
	// worklet was not registered at dispatch time.
	Output *PaintRecord
}

// WorkletID returns the worklet the job belongs to.
func (j *Job) WorkletID() ID {
	if j.Input == nil {
		return 0
	}
	return j.Input.WorkletID()
}

// Painted reports whether a painter produced output for the job.
func (j *Job) Painted() bool { return j.Output != nil }

// JobBatch groups the jobs of one dispatch cycle by worklet id.
// Jobs within a group keep the order in which they were added.
type JobBatch map[ID][]Job

// NewJobBatch returns an empty batch.
func NewJobBatch() JobBatch {
	return make(JobBatch)
}

// Add appends job to the group of its worklet. A job without Input panics.
func (b JobBatch) Add(job Job) {
	if job.Input == nil {
		panic(fmt.Sprintf("worklet: job for layer %d has no input", job.LayerID))
	}
	id := job.Input.WorkletID()
	b[id] = append(b[id], job)
}

// Groups returns the worklet ids present in the batch in ascending order.
func (b JobBatch) Groups() []ID {
	ids := make([]ID, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// JobCount returns the total number of jobs across all groups.
func (b JobBatch) JobCount() int {
	n := 0
	for _, jobs := range b {
		n += len(jobs)
	}
	return n
}

// Painted returns the number of jobs that received output.
func (b JobBatch) Painted() int {
	n := 0
	for _, jobs := range b {
		for i := range jobs {
			if jobs[i].Painted() {
				n++
			}
		}
	}
	return n
}

// ForEach calls fn for every job, ordered by worklet id then batch order.
func (b JobBatch) ForEach(fn func(job *Job)) {
	for _, id := range b.Groups() {
		jobs := b[id]
		for i := range jobs {
			fn(&jobs[i])
		}
	}
}
