// Package runregistry persists a record of each worklets run on disk so
// operators can list past runs and inspect their outcome.
package runregistry

import "time"

// RunState is the lifecycle state of a run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateSuccess RunState = "success"
	RunStatePartial RunState = "partial"
	RunStateFailed  RunState = "failed"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunStateSuccess || s == RunStatePartial || s == RunStateFailed
}

// RunCounts aggregates per-run job results.
type RunCounts struct {
	Frames    int   `json:"frames"`
	Jobs      int   `json:"jobs"`
	Painted   int   `json:"painted"`
	Unpainted int   `json:"unpainted"`
	Errors    int64 `json:"errors"`
}

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID        string    `json:"run_id"`
	State        RunState  `json:"state"`
	ManifestPath string    `json:"manifest_path"`
	Output       string    `json:"output,omitempty"`
	ImagesDir    string    `json:"images_dir,omitempty"`
	Filter       string    `json:"worklet_filter,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	EndedAt *time.Time `json:"ended_at,omitempty"`
	Counts  *RunCounts `json:"counts,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Finish records the outcome of the run. A run with an error is failed; a
// run that dispatched unpainted jobs or emitted error records is partial.
func (r *RunRecord) Finish(at time.Time, counts RunCounts, err error) {
	end := at.UTC()
	r.EndedAt = &end
	r.Counts = &counts

	switch {
	case err != nil:
		r.State = RunStateFailed
		r.Error = err.Error()
	case counts.Unpainted > 0 || counts.Errors > 0:
		r.State = RunStatePartial
	default:
		r.State = RunStateSuccess
	}
}

// Duration returns the run's wall time, or zero while it is running.
func (r *RunRecord) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.CreatedAt)
}
