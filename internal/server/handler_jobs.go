package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/calcjob/internal/store"
	"github.com/me/calcjob/pkg/model"
)

func chiID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	rec, err := s.jobs.Submit(r.Context(), req.Job)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	s.logger.Info("job created", "job_id", rec.LocalID, "computer", rec.Job.Computer)
	respondCreated(w, reqID, rec)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()

	opts := model.DefaultListOptions()
	if state := q.Get("state"); state != "" {
		st, err := model.ParseJobState(state)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid filter", model.FieldError{Field: "state", Message: err.Error()}))
			return
		}
		opts.State = string(st)
	}
	opts.Computer = q.Get("computer")
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid pagination", model.FieldError{Field: p.name, Message: "must be an integer"}))
			return
		}
		*p.dst = n
	}
	opts.Clamp()

	jobs, total, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*model.JobRecord{}
	}

	respondList(w, reqID, jobs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	rec, err := s.store.GetJob(r.Context(), chiID(r))
	if err == nil && rec == nil {
		err = store.ErrNotFound
	}
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondOK(w, reqID, rec)
}

func (s *Server) handleKillJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	resp, err := s.jobs.Kill(r.Context(), chiID(r))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondOK(w, reqID, resp)
}
