package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/logger"
	"github.com/teranos/jobsvc/pulse/events"
	"github.com/teranos/jobsvc/pulse/job"
	"github.com/teranos/jobsvc/pulse/store"
)

// handleSubmit creates a job. The body is a Job.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var j job.Job
	if err := readJSON(w, r, &j); err != nil {
		writeFailure(w, s.log, err, "submit")
		return
	}

	d, err := s.sched.Submit(r.Context(), j)
	if err != nil {
		writeFailure(w, s.log, err, "submit")
		return
	}
	s.log.Infow("Job submitted", logger.FieldJobID, d.ID, logger.FieldCorrelationID, d.CorrelationID)
	_ = writeJSON(w, http.StatusOK, d)
}

// handleList filters jobs by ?status=A,B&correlationId=&limit=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{CorrelationID: q.Get("correlationId")}

	for _, raw := range q["status"] {
		for _, name := range strings.Split(raw, ",") {
			if name == "" {
				continue
			}
			st, err := job.ParseStatus(name)
			if err != nil {
				writeFailure(w, s.log, err, "list")
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeFailure(w, s.log, err, "list")
		return
	}
	f.Limit = limit

	jobs, err := s.sched.List(r.Context(), f)
	if err != nil {
		writeFailure(w, s.log, err, "list")
		return
	}
	if jobs == nil {
		jobs = []job.Details{}
	}
	_ = writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.sched.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, s.log, err, "get")
		return
	}
	_ = writeJSON(w, http.StatusOK, d)
}

// handleCancel cancels a job. A terminal job comes back unchanged; a missing
// job answers 204.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	d, err := s.sched.Cancel(r.Context(), r.PathValue("id"))
	if errors.IsNotFoundError(err) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeFailure(w, s.log, err, "cancel")
		return
	}
	_ = writeJSON(w, http.StatusOK, d)
}

// handleReschedule applies a Patch. Missing jobs answer 204 like cancel.
func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var p job.Patch
	if err := readJSON(w, r, &p); err != nil {
		writeFailure(w, s.log, err, "reschedule")
		return
	}

	d, err := s.sched.Reschedule(r.Context(), r.PathValue("id"), p)
	if errors.IsNotFoundError(err) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeFailure(w, s.log, err, "reschedule")
		return
	}
	_ = writeJSON(w, http.StatusOK, d)
}

// handleEvents returns the lifecycle history of a job, oldest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeFailure(w, s.log, errors.Wrap(errors.ErrServiceUnavailable, "event log is disabled"), "events")
		return
	}
	id := r.PathValue("id")
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeFailure(w, s.log, err, "events")
		return
	}

	history, err := s.history.ListByJob(r.Context(), id, limit)
	if err != nil {
		writeFailure(w, s.log, err, "events")
		return
	}
	if len(history) == 0 {
		// Purged jobs keep no history either, so only an unknown id is a 404.
		if _, err := s.sched.Get(r.Context(), id); err != nil {
			writeFailure(w, s.log, err, "events")
			return
		}
		history = []events.Lifecycle{}
	}
	_ = writeJSON(w, http.StatusOK, history)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.NewInvalidRequestError("limit must be a non-negative integer, got %q", raw)
	}
	return n, nil
}
