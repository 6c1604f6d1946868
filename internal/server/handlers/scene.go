package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/worklets/internal/errors"
	"github.com/3leaps/worklets/internal/observability"
	"github.com/3leaps/worklets/pkg/session"
	"github.com/3leaps/worklets/pkg/worklet"
)

// FrameSource is the scene the HTTP surface renders from.
type FrameSource interface {
	RunID() string
	Stats() session.Stats
	Worklets(ctx context.Context) ([]session.WorkletInfo, error)
	RenderFrame(ctx context.Context, index int) (*session.Frame, error)
}

// Scene serves worklet listings and on-demand frames.
type Scene struct {
	source FrameSource
}

// NewScene returns handlers rendering from source.
func NewScene(source FrameSource) *Scene {
	return &Scene{source: source}
}

// WorkletsResponse lists the declared paint worklets.
type WorkletsResponse struct {
	RunID    string                `json:"run_id"`
	Worklets []session.WorkletInfo `json:"worklets"`
}

// JobResult is one job of a rendered frame.
type JobResult struct {
	LayerID   int  `json:"layer_id"`
	WorkletID int  `json:"worklet_id"`
	Painted   bool `json:"painted"`
	Width     int  `json:"width,omitempty"`
	Height    int  `json:"height,omitempty"`
	Ops       int  `json:"ops,omitempty"`
}

// FrameResponse is a rendered frame.
type FrameResponse struct {
	RunID         string        `json:"run_id"`
	Frame         int           `json:"frame"`
	Timeline      time.Duration `json:"timeline_ns"`
	MutatorStatus string        `json:"mutator_status"`
	Duration      time.Duration `json:"duration_ns"`
	Painted       int           `json:"painted"`
	Jobs          []JobResult   `json:"jobs"`
}

// StatsResponse reports totals so far.
type StatsResponse struct {
	RunID string        `json:"run_id"`
	Stats session.Stats `json:"stats"`
}

// Worklets lists the declared worklets and whether each is registered.
func (s *Scene) Worklets(w http.ResponseWriter, r *http.Request) {
	infos, err := s.source.Worklets(r.Context())
	if err != nil {
		respondWithError(w, r, sourceError(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, WorkletsResponse{RunID: s.source.RunID(), Worklets: infos})
}

// Frame renders the frame named by the {index} URL parameter.
func (s *Scene) Frame(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		respondWithError(w, r, apperrors.NewBadRequestError("frame index must be a non-negative integer").
			WithDetails(map[string]any{"index": raw}))
		return
	}

	frame, err := s.source.RenderFrame(r.Context(), index)
	if err != nil {
		respondWithError(w, r, sourceError(r.Context(), err))
		return
	}

	resp := FrameResponse{
		RunID:         s.source.RunID(),
		Frame:         frame.Index,
		Timeline:      frame.Timeline,
		MutatorStatus: frame.MutatorStatus.String(),
		Duration:      frame.Duration,
		Painted:       frame.Batch.Painted(),
		Jobs:          make([]JobResult, 0, frame.Batch.JobCount()),
	}
	frame.Batch.ForEach(func(job *worklet.Job) {
		res := JobResult{LayerID: job.LayerID, WorkletID: int(job.WorkletID()), Painted: job.Painted()}
		if job.Painted() {
			res.Ops = job.Output.Ops
			if job.Output.Image != nil {
				res.Width = job.Output.Image.Bounds().Dx()
				res.Height = job.Output.Image.Bounds().Dy()
			}
		}
		resp.Jobs = append(resp.Jobs, res)
	})
	writeJSON(w, http.StatusOK, resp)
}

// Stats reports totals over every frame rendered so far.
func (s *Scene) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{RunID: s.source.RunID(), Stats: s.source.Stats()})
}

func sourceError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrClosed):
		return apperrors.NewServiceUnavailableError("scene is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewServiceUnavailableError("request canceled before the frame completed")
	default:
		return apperrors.WrapInternal(ctx, err, "frame rendering failed")
	}
}

// Metrics serves a snapshot of the collected metrics.
func Metrics(w http.ResponseWriter, r *http.Request) {
	points, err := observability.Snapshot(r.Context())
	if err != nil {
		if errors.Is(err, observability.ErrTelemetryNotInitialized) {
			respondWithError(w, r, apperrors.NewServiceUnavailableError(err.Error()))
			return
		}
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "metrics collection failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}
