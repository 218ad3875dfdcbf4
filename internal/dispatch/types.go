package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/invoicehook/internal/account"
	"github.com/mattjoyce/invoicehook/internal/provider"
)

// ResourceFetcher reads the authoritative state of one resource.
type ResourceFetcher interface {
	GetResource(ctx context.Context, auth provider.Auth, resourceType, id string) (json.RawMessage, error)
}

// EventMarker moves IngestedEvents out of pending.
type EventMarker interface {
	MarkProcessed(ctx context.Context, accountID, dedupKey string) error
	MarkError(ctx context.Context, accountID, dedupKey, reason string) (bool, error)
}

// Accounts is the slice of the account store the processor needs.
type Accounts interface {
	Get(ctx context.Context, id string) (*account.ProviderAccount, error)
	MarkNeedsRefresh(ctx context.Context, id string) error
	TouchLastSync(ctx context.Context, id string, t time.Time) error
}

// Options tune the worker pool and retry policy. Zero values take defaults.
type Options struct {
	Workers        int
	MaxAttempts    int
	Backoff        time.Duration
	AttemptTimeout time.Duration
	PollInterval   time.Duration
}

const (
	DefaultWorkers        = 2
	DefaultMaxAttempts    = 3
	DefaultBackoff        = 60 * time.Second
	DefaultAttemptTimeout = 120 * time.Second
	DefaultPollInterval   = time.Second
)

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// permanentError marks a failure that no later attempt can fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether a failed attempt should be scheduled again.
// Unauthorized and client errors other than 408 and 429 are final; rate
// limits, server errors, timeouts and transport errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, provider.ErrUnauthorized) || errors.Is(err, account.ErrNeedsReauth) ||
		errors.Is(err, account.ErrNotFound) {
		return false
	}
	if _, ok := provider.IsRateLimited(err); ok {
		return true
	}
	var ue *provider.UpstreamError
	if errors.As(err, &ue) {
		return ue.Temporary()
	}
	return true
}

// retryDelay is the fixed backoff, stretched to honor a longer Retry-After.
func retryDelay(err error, backoff time.Duration) time.Duration {
	if rl, ok := provider.IsRateLimited(err); ok && rl.RetryAfter > backoff {
		return rl.RetryAfter
	}
	return backoff
}
