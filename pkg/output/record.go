// Package output provides JSONL output for worklet runs.
//
// Output is structured as typed record envelopes carrying per-job results,
// per-frame aggregates, errors and a final summary. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: worklets.<type>.v<version>
const (
	// TypeJob identifies per-job paint results.
	TypeJob = "worklets.job.v1"

	// TypeFrame identifies per-frame aggregates.
	TypeFrame = "worklets.frame.v1"

	// TypeError identifies error records.
	TypeError = "worklets.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "worklets.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// The Type field determines how to interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "worklets.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates all records of one run.
	RunID string `json:"run_id"`

	// Source names the producer, typically the manifest path or "http".
	Source string `json:"source"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the data payload for one dispatched paint job.
type JobRecord struct {
	Frame     int `json:"frame"`
	LayerID   int `json:"layer_id"`
	WorkletID int `json:"worklet_id"`

	// Painted is false when no painter was registered for the worklet at
	// dispatch time.
	Painted bool `json:"painted"`

	// Width and Height are the device pixel size of the output.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// Ops is the number of draw operations the painter issued.
	Ops int `json:"ops,omitempty"`

	// Image is the path of the written PNG, when images are enabled.
	Image string `json:"image,omitempty"`

	// Properties holds the animated property values used for the job,
	// rendered as strings ("0.25", "#ff0000ff").
	Properties map[string]string `json:"properties,omitempty"`
}

// FrameRecord is the data payload emitted after each frame completes.
type FrameRecord struct {
	Frame int `json:"frame"`

	// Timeline is the animation timeline position of the frame.
	Timeline      time.Duration `json:"timeline_ns"`
	Jobs          int           `json:"jobs"`
	Painted       int           `json:"painted"`
	Unpainted     int           `json:"unpainted"`
	MutatorStatus string        `json:"mutator_status,omitempty"`

	// Duration is the wall time from frame start to dispatch completion.
	Duration time.Duration `json:"duration_ns"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the entire run,
// allowing partial results when some frames fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	Frame     int `json:"frame,omitempty"`
	LayerID   int `json:"layer_id,omitempty"`
	WorkletID int `json:"worklet_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeDispatch indicates a dispatch could not be started or finished.
	ErrCodeDispatch = "DISPATCH_FAILED"

	// ErrCodeMutation indicates the animation mutation step failed.
	ErrCodeMutation = "MUTATION_FAILED"

	// ErrCodeImage indicates a PNG could not be written.
	ErrCodeImage = "IMAGE_WRITE_FAILED"

	// ErrCodeCanceled indicates the run was canceled.
	ErrCodeCanceled = "CANCELED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Frames    int `json:"frames"`
	Jobs      int `json:"jobs"`
	Painted   int `json:"painted"`
	Unpainted int `json:"unpainted"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Errors is the count of errors encountered.
	Errors int64 `json:"errors"`

	// Worklets lists the registered worklet ids at the end of the run.
	Worklets []int `json:"worklets,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
