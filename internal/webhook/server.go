package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/invoicehook/internal/cloudevents"
	"github.com/mattjoyce/invoicehook/internal/events"
	"github.com/mattjoyce/invoicehook/internal/ingest"
	"github.com/mattjoyce/invoicehook/internal/obs"
	"github.com/mattjoyce/invoicehook/internal/queue"
	"github.com/mattjoyce/invoicehook/internal/signature"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

// Deps are the collaborators of the webhook server. Verifier, Observer,
// Hub and Metrics are optional.
type Deps struct {
	Subscriptions SubscriptionFinder
	Events        EventRecorder
	Queue         JobQueuer
	Verifier      TokenVerifier
	Observer      Observer
	Hub           *events.Hub
	Metrics       *obs.Metrics
}

// Server represents the webhook HTTP server.
type Server struct {
	config  Config
	deps    Deps
	logger  *slog.Logger
	limiter *rateLimiter
	server  *http.Server
	now     func() time.Time
}

// New creates a new webhook server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.ChallengeHeader == "" {
		config.ChallengeHeader = DefaultChallengeHeader
	}
	if config.ChallengeParam == "" {
		config.ChallengeParam = DefaultChallengeParam
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Server{
		config:  config,
		deps:    deps,
		logger:  logger,
		limiter: newRateLimiter(config.RateLimit, config.RateWindow),
		now:     time.Now,
	}
}

// WithClock overrides the server's clock, including the rate limiter's.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	if s.limiter != nil {
		s.limiter.now = now
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "signature", s.deps.Verifier != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	// Forwarding headers are client-controlled unless a proxy we run sets them.
	if s.config.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.deps.Metrics.Instrument)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Hub != nil {
		r.Get("/events/stream", events.StreamHandler(s.deps.Hub))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware(func(w http.ResponseWriter) {
			s.fail(w, OutcomeRateLimited, "rate limit exceeded")
		}))
		r.HandleFunc("/webhooks/{accountID}/{eventGroup}", s.handleWebhook)
	})

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads and tokens).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleChallenge(w, r)
	case http.MethodPost:
		s.handleNotification(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		s.fail(w, OutcomeMethodNotAllowed, "method not allowed")
	}
}

// handleChallenge echoes the verification challenge sent when a
// subscription is registered.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	challenge := r.Header.Get(s.config.ChallengeHeader)
	if challenge == "" {
		for key, values := range r.URL.Query() {
			if strings.EqualFold(key, s.config.ChallengeParam) && len(values) > 0 {
				challenge = values[0]
				break
			}
		}
	}
	if challenge == "" {
		s.fail(w, OutcomeProtocolError, "missing verification challenge")
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]string{"verification": challenge}); err != nil {
		s.fail(w, OutcomeStorageError, "failed to encode challenge")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bytes.TrimRight(buf.Bytes(), "\n"))

	s.deps.Metrics.Delivery(string(OutcomeVerified))
	s.logger.Info("webhook challenge answered",
		"account_id", chi.URLParam(r, "accountID"),
		"event_group", chi.URLParam(r, "eventGroup"),
	)
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "accountID")
	routeGroup := chi.URLParam(r, "eventGroup")
	receivedAt := s.now().UTC()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.fail(w, OutcomeProtocolError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.fail(w, OutcomeTooLarge, "payload too large")
		return
	}

	ev, err := cloudevents.Decode(r.Header, body, r.Header.Get("Content-Type"))
	if err != nil {
		s.logger.Warn("webhook decode failed", "account_id", accountID, "error", err)
		s.fail(w, OutcomeProtocolError, err.Error())
		return
	}

	sub, err := s.findSubscription(ctx, accountID, routeGroup, ev.Type)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			s.logger.Warn("webhook subscription not found",
				"account_id", accountID,
				"event_group", routeGroup,
				"event_type", ev.Type,
			)
			s.fail(w, OutcomeRoutingError, "subscription not found")
			return
		}
		s.logger.Error("webhook subscription lookup failed", "account_id", accountID, "error", err)
		s.fail(w, OutcomeStorageError, "subscription lookup failed")
		return
	}

	if s.deps.Verifier != nil {
		token, err := signature.BearerToken(r)
		if err != nil {
			s.logger.Warn("webhook token missing", "account_id", accountID)
			s.fail(w, OutcomeAuthError, "unauthorized")
			return
		}
		if _, err := s.deps.Verifier.Verify(token, ev.ID, ev.Subject); err != nil {
			s.logger.Warn("webhook token rejected", "account_id", accountID, "error", err)
			s.fail(w, OutcomeAuthError, "unauthorized")
			return
		}
	}

	if len(ev.ResourceIDs) == 0 {
		s.fail(w, OutcomeProtocolError, "data.ids must not be empty")
		return
	}

	// Zero when the delivery has no time: the receive clock must not enter
	// the dedup tuple or identical redeliveries would not collapse.
	var occurredAt time.Time
	if ev.OccurredAt != nil {
		occurredAt = *ev.OccurredAt
	}

	recorded, err := s.record(ctx, accountID, ev, occurredAt, receivedAt, body)
	if err != nil {
		s.logger.Error("webhook event persist failed", "account_id", accountID, "event_type", ev.Type, "error", err)
		s.fail(w, OutcomeStorageError, "failed to record event")
		return
	}

	payload, err := json.Marshal(queue.EventJob{
		Type:          ev.Type,
		Time:          ev.Time,
		OccurredAt:    occurredAt,
		Subject:       ev.Subject,
		CorrelationID: ev.ID,
		Source:        ev.Source,
		ResourceIDs:   ev.ResourceIDs,
		AccountID:     accountID,
		EventGroup:    sub.EventGroup,
	})
	if err != nil {
		s.fail(w, OutcomeQueueError, "failed to encode job")
		return
	}

	jobID, err := s.deps.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:        queue.KindWebhookEvent,
		AccountID:   accountID,
		Payload:     payload,
		SubmittedBy: "webhook:" + sub.EventGroup,
	})
	if err != nil {
		s.logger.Error("failed to enqueue webhook job",
			"account_id", accountID,
			"event_type", ev.Type,
			"error", err,
		)
		s.fail(w, OutcomeQueueError, "failed to enqueue job")
		return
	}

	s.logger.Info("webhook job enqueued",
		"account_id", accountID,
		"event_group", sub.EventGroup,
		"event_type", ev.Type,
		"mode", string(ev.Mode),
		"resource_ids", len(ev.ResourceIDs),
		"recorded", recorded,
		"job_id", jobID,
	)

	s.respondJSON(w, OutcomeAccepted.Status(), AcceptedResponse{Status: "accepted"})
	s.deps.Metrics.Delivery(string(OutcomeAccepted))

	s.notify(ctx, events.Notification{
		AccountID:   accountID,
		EventGroup:  sub.EventGroup,
		EventType:   ev.Type,
		EventID:     ev.ID,
		ResourceIDs: ev.ResourceIDs,
		Recorded:    recorded,
		JobID:       jobID,
	})
}

// findSubscription looks up the route's subscription, falling back to the
// group inferred from the event type when the callback URL carries a stale
// group segment.
func (s *Server) findSubscription(ctx context.Context, accountID, routeGroup, eventType string) (*subscription.Subscription, error) {
	sub, err := s.deps.Subscriptions.FindActive(ctx, accountID, routeGroup)
	if err == nil || !errors.Is(err, subscription.ErrNotFound) {
		return sub, err
	}
	inferred := subscription.InferEventGroup(eventType)
	if inferred == routeGroup {
		return nil, err
	}
	sub, err = s.deps.Subscriptions.FindActive(ctx, accountID, inferred)
	if err == nil {
		s.logger.Info("webhook routed by inferred event group",
			"account_id", accountID,
			"route_group", routeGroup,
			"event_group", inferred,
		)
	}
	return sub, err
}

// record creates one pending IngestedEvent per mapped resource id and
// returns how many rows were inserted or revived.
func (s *Server) record(ctx context.Context, accountID string, ev *cloudevents.Event, occurredAt, receivedAt time.Time, body []byte) (int, error) {
	mapping, ok := ingest.Classify(ev.Type)
	if !ok {
		s.logger.Info("webhook event type not synced", "account_id", accountID, "event_type", ev.Type)
		return 0, nil
	}
	recorded := 0
	for _, id := range ev.ResourceIDs {
		created, err := s.deps.Events.CreatePending(ctx, ingest.NewEvent{
			AccountID:  accountID,
			CEID:       ev.ID,
			EventType:  ev.Type,
			Mapping:    mapping,
			ResourceID: id,
			OccurredAt: occurredAt,
			ReceivedAt: receivedAt,
			Payload:    body,
		})
		if err != nil {
			return recorded, err
		}
		if created {
			recorded++
			s.deps.Metrics.EventIngested(string(mapping.ResourceType))
		}
	}
	return recorded, nil
}

// notify runs the observer after the response is written.
func (s *Server) notify(ctx context.Context, n events.Notification) {
	if s.deps.Observer == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("webhook observer panicked", "account_id", n.AccountID, "panic", rec)
		}
	}()
	if err := s.deps.Observer.Accepted(context.WithoutCancel(ctx), n); err != nil {
		s.logger.Warn("webhook observer failed", "account_id", n.AccountID, "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, outcome Outcome, message string) {
	s.deps.Metrics.Delivery(string(outcome))
	s.respondJSON(w, outcome.Status(), ErrorResponse{Error: message})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
