package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/terrpan/dispatch/internal/executor"
	"github.com/terrpan/dispatch/internal/history"
	"github.com/terrpan/dispatch/internal/job"
)

const defaultHistoryLimit = 20

// submitPlanRequest is the JSON body for POST /v1/plans.
type submitPlanRequest struct {
	Jobs    []*job.Request        `json:"jobs"`
	Options executor.BatchOptions `json:"options"`
}

// submitResponse is returned by both submission endpoints.
type submitResponse struct {
	PlanID string `json:"planId"`
}

// historyResponse is the JSON response for GET /v1/history.
type historyResponse struct {
	Plans []history.Record `json:"plans"`
	Count int              `json:"count"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req job.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.exec.SubmitSingleJob(r.Context(), &req)
	if err != nil {
		s.submitFailed(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{PlanID: id})
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req submitPlanRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.exec.SubmitJobBatch(r.Context(), req.Jobs, req.Options)
	if err != nil {
		s.submitFailed(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{PlanID: id})
}

func (s *Server) submitFailed(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("submit execution plan", slog.String("error", err.Error()))
		s.writeError(w, status, "failed to submit execution plan")
		return
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) handleListPlans(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.exec.GetExecutionPlans())
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.exec.GetExecutionPlan(r.Context(), id)
	if err != nil {
		s.lookupFailed(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) lookupFailed(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, executor.ErrPlanNotFound) {
		s.writeError(w, http.StatusNotFound, "execution plan not found")
		return
	}
	s.logger.Error("get execution plan",
		slog.String("plan", id),
		slog.String("error", err.Error()),
	)
	s.writeError(w, http.StatusInternalServerError, "failed to get execution plan")
}

// ---------------------------------------------------------------------------
// Plan control
// ---------------------------------------------------------------------------

type control int

const (
	controlCancel control = iota
	controlPause
	controlResume
)

func (c control) String() string {
	switch c {
	case controlCancel:
		return "cancel"
	case controlPause:
		return "pause"
	default:
		return "resume"
	}
}

// handleControl applies a cancel, pause or resume.  A known plan that
// refuses the change (already finished, not paused) is a conflict.
func (s *Server) handleControl(c control) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var ok bool
		switch c {
		case controlCancel:
			ok = s.exec.CancelExecution(r.Context(), id)
		case controlPause:
			ok = s.exec.PauseExecution(id)
		case controlResume:
			ok = s.exec.ResumeExecution(id)
		}

		snap, err := s.exec.GetExecutionPlan(r.Context(), id)
		if err != nil {
			s.lookupFailed(w, id, err)
			return
		}
		if !ok {
			s.writeError(w, http.StatusConflict, "cannot "+c.String()+" execution plan in status "+string(snap.Status))
			return
		}
		s.writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultHistoryLimit)

	recs, err := s.exec.GetExecutionHistory(r.Context(), limit)
	if err != nil {
		s.logger.Error("list history", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	s.writeJSON(w, http.StatusOK, historyResponse{Plans: recs, Count: len(recs)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.exec.GetMetrics())
}
