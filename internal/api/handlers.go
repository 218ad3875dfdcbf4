package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/invoicehook/internal/ingest"
	"github.com/mattjoyce/invoicehook/internal/lifecycle"
	"github.com/mattjoyce/invoicehook/internal/lock"
	"github.com/mattjoyce/invoicehook/internal/queue"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Jobs != nil {
		depth, err := s.deps.Jobs.Depth(r.Context())
		if err != nil {
			s.logger.Error("failed to compute queue depth", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
			return
		}
		resp.QueueDepth = depth
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListAccounts handles GET /accounts.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.deps.Accounts.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list accounts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	out := make([]AccountView, 0, len(accts))
	for _, a := range accts {
		out = append(out, accountView(a))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleListEvents handles GET /events?account_id=&status=&limit=&feed=true.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := ingest.Status(q.Get("status"))
	switch status {
	case "", ingest.StatusPending, ingest.StatusProcessed, ingest.StatusError:
	default:
		s.writeError(w, http.StatusBadRequest, "status must be pending, processed or error")
		return
	}
	accountID := q.Get("account_id")

	var (
		rows  []ingest.IngestedEvent
		total int
	)
	if q.Get("feed") == "true" {
		if accountID == "" {
			s.writeError(w, http.StatusBadRequest, "feed requires account_id")
			return
		}
		rows, err = s.deps.Events.Feed(r.Context(), accountID, limit)
		total = len(rows)
	} else {
		f := ingest.Filter{AccountID: accountID, Status: status, Limit: limit}
		rows, err = s.deps.Events.List(r.Context(), f)
		if err == nil {
			total, err = s.deps.Events.Count(r.Context(), f)
		}
	}
	if err != nil {
		s.logger.Error("failed to list events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	resp := EventListResponse{Events: make([]EventView, 0, len(rows)), Total: total}
	for _, e := range rows {
		resp.Events = append(resp.Events, eventView(e))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetEvent handles GET /events/{eventID}.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Events.Get(r.Context(), chi.URLParam(r, "eventID"))
	if errors.Is(err, ingest.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load event", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	respondJSON(w, http.StatusOK, eventView(*ev))
}

// handleReprocess handles POST /events/{eventID}/reprocess.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	jobID, err := s.deps.Reprocessor.Reprocess(r.Context(), eventID, "api:reprocess")
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "event not found")
		return
	case errors.Is(err, ingest.ErrNotReprocessable):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to reprocess event", "event_id", eventID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reprocess event")
		return
	}
	s.logger.Info("event requeued", "event_id", eventID, "job_id", jobID)
	respondJSON(w, http.StatusAccepted, ReprocessResponse{EventID: eventID, JobID: jobID, Status: string(queue.StatusQueued)})
}

// handleGetJob handles GET /jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, queue.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	respondJSON(w, http.StatusOK, jobView(job))
}

// handleExpiring handles GET /subscriptions/expiring?within_days=.
func (s *Server) handleExpiring(w http.ResponseWriter, r *http.Request) {
	within, err := s.withinDays(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	subs, err := s.deps.Renewals.FindExpiring(r.Context(), within)
	if err != nil {
		s.logger.Error("failed to find expiring subscriptions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to find expiring subscriptions")
		return
	}
	out := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriptionView(sub))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleRenew handles POST /subscriptions/renew?within_days=. It runs under
// the renewal lock and answers 409 while another run holds it.
func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	within, err := s.withinDays(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var summary lifecycle.Summary
	run := func() error {
		subs, err := s.deps.Renewals.FindExpiring(r.Context(), within)
		if err != nil {
			return err
		}
		summary = s.deps.Renewals.RenewAll(r.Context(), subs)
		return nil
	}
	if s.config.LockPath != "" {
		err = lock.With(s.config.LockPath, run)
	} else {
		err = run()
	}
	if errors.Is(err, lock.ErrHeld) {
		s.writeError(w, http.StatusConflict, "another renewal run is in progress")
		return
	}
	if err != nil {
		s.logger.Error("renewal run failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "renewal run failed")
		return
	}
	if summary.Results == nil {
		summary.Results = []lifecycle.Result{}
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) withinDays(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("within_days")
	if raw == "" {
		if s.config.WithinDays > 0 {
			return s.config.WithinDays, nil
		}
		return lifecycle.DefaultWithinDays, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("within_days must be a positive integer")
	}
	return n, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
