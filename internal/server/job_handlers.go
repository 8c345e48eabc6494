package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"candlekeeper/internal/jobs"
	"candlekeeper/internal/worker"
)

type createJobRequest struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// handleCreateJob enqueues a new job. The job runs asynchronously; the
// response carries the id to poll.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Type {
	case worker.TypeReconcile, worker.TypePrune:
	default:
		s.respondError(w, http.StatusBadRequest, "unknown job type")
		return
	}

	job, err := s.queue.Enqueue(req.Type, req.Payload)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to enqueue job")
		s.respondError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.respondJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var states []jobs.Status
	if q := r.URL.Query().Get("status"); q != "" {
		status := jobs.Status(q)
		valid := false
		for _, known := range jobs.States() {
			if status == known {
				valid = true
			}
		}
		if !valid {
			s.respondError(w, http.StatusBadRequest, "unknown status")
			return
		}
		states = []jobs.Status{status}
	}

	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	list, err := s.queue.List(states, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list jobs")
		s.respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read job")
		s.respondError(w, http.StatusInternalServerError, "failed to read job")
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

type jobActionRequest struct {
	Reason string `json:"reason"`
}

// handleCancelJob requests cooperative cancellation. The worker honors it at
// its next check point; the job stays visible as cancelling until then.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req jobActionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	err := s.queue.RequestCancel(id, req.Reason)
	if errors.Is(err, jobs.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "job not found or already terminal")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("job", id).Msg("Failed to request cancellation")
		s.respondError(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}
	s.jobResponse(w, id)
}

// handleForceFailJob drives a stuck job straight to failed. Operator
// escalation for when cooperative cancellation cannot land.
func (s *Server) handleForceFailJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req jobActionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "force-failed by operator"
	}

	err := s.queue.ForceFail(id, req.Reason)
	if errors.Is(err, jobs.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "job not found or already terminal")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("job", id).Msg("Failed to force-fail job")
		s.respondError(w, http.StatusInternalServerError, "failed to force-fail job")
		return
	}
	s.jobResponse(w, id)
}

func (s *Server) jobResponse(w http.ResponseWriter, id string) {
	job, err := s.queue.Get(id)
	if err != nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"id": id})
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}
