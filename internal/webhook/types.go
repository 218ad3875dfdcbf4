package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/mattjoyce/invoicehook/internal/events"
	"github.com/mattjoyce/invoicehook/internal/ingest"
	"github.com/mattjoyce/invoicehook/internal/queue"
	"github.com/mattjoyce/invoicehook/internal/signature"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

// SubscriptionFinder resolves the active subscription for a route.
type SubscriptionFinder interface {
	FindActive(ctx context.Context, accountID, eventGroup string) (*subscription.Subscription, error)
}

// EventRecorder persists pending IngestedEvents.
type EventRecorder interface {
	CreatePending(ctx context.Context, ev ingest.NewEvent) (bool, error)
}

// JobQueuer defines the interface for enqueueing webhook-triggered jobs.
type JobQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// TokenVerifier checks the delivery bearer token.
type TokenVerifier interface {
	Verify(token, expectedJTI, expectedSubject string) (*signature.Claims, error)
}

// Observer is told about every accepted delivery. Its errors and panics are
// logged and otherwise ignored.
type Observer interface {
	Accepted(ctx context.Context, n events.Notification) error
}

// Config holds webhook server configuration.
type Config struct {
	Listen          string
	MaxBodySize     int64
	ChallengeHeader string
	ChallengeParam  string

	// RateLimit requests per RateWindow per source IP. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
	// TrustProxy takes the source IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Outcome is the result of one webhook request. Each maps to exactly one
// HTTP status and none of them is retried here.
type Outcome string

const (
	OutcomeVerified         Outcome = "verified"
	OutcomeAccepted         Outcome = "accepted"
	OutcomeProtocolError    Outcome = "protocol_error"
	OutcomeAuthError        Outcome = "auth_error"
	OutcomeRoutingError     Outcome = "routing_error"
	OutcomeMethodNotAllowed Outcome = "method_not_allowed"
	OutcomeTooLarge         Outcome = "too_large"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeStorageError     Outcome = "storage_error"
	OutcomeQueueError       Outcome = "queue_error"
)

// Status returns the HTTP status code for o.
func (o Outcome) Status() int {
	switch o {
	case OutcomeVerified:
		return http.StatusOK
	case OutcomeAccepted:
		return http.StatusAccepted
	case OutcomeProtocolError:
		return http.StatusBadRequest
	case OutcomeAuthError:
		return http.StatusUnauthorized
	case OutcomeRoutingError:
		return http.StatusNotFound
	case OutcomeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case OutcomeTooLarge:
		return http.StatusRequestEntityTooLarge
	case OutcomeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// AcceptedResponse is the JSON body of a 202.
type AcceptedResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultChallengeHeader = "X-Fic-Verification-Challenge"
	DefaultChallengeParam  = "x-fic-verification-challenge"
)
