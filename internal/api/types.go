package api

import (
	"context"
	"time"

	"github.com/mattjoyce/invoicehook/internal/account"
	"github.com/mattjoyce/invoicehook/internal/auth"
	"github.com/mattjoyce/invoicehook/internal/config"
	"github.com/mattjoyce/invoicehook/internal/ingest"
	"github.com/mattjoyce/invoicehook/internal/lifecycle"
	"github.com/mattjoyce/invoicehook/internal/queue"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

// AccountLister lists provider accounts.
type AccountLister interface {
	List(ctx context.Context) ([]account.ProviderAccount, error)
}

// EventReader reads ingested events.
type EventReader interface {
	Get(ctx context.Context, id string) (*ingest.IngestedEvent, error)
	List(ctx context.Context, f ingest.Filter) ([]ingest.IngestedEvent, error)
	Count(ctx context.Context, f ingest.Filter) (int, error)
	Feed(ctx context.Context, accountID string, limit int) ([]ingest.IngestedEvent, error)
}

// Reprocessor re-drives an errored event.
type Reprocessor interface {
	Reprocess(ctx context.Context, eventID, submittedBy string) (string, error)
}

// JobReader reads processing jobs.
type JobReader interface {
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	Depth(ctx context.Context) (int, error)
}

// Renewals finds and renews expiring subscriptions.
type Renewals interface {
	FindExpiring(ctx context.Context, withinDays int) ([]subscription.Subscription, error)
	RenewAll(ctx context.Context, subs []subscription.Subscription) lifecycle.Summary
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// LockPath guards renewals against the scheduler and the CLI.
	LockPath   string
	WithinDays int
}

// FromGlobalConfig converts the api and lifecycle config sections.
func FromGlobalConfig(ac config.APIConfig, lc config.LifecycleConfig) Config {
	tokens := make([]auth.TokenConfig, 0, len(ac.Auth.Tokens))
	for _, t := range ac.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return Config{
		Listen:     ac.Listen,
		APIKey:     ac.Auth.APIKey,
		Tokens:     tokens,
		LockPath:   lc.LockPath,
		WithinDays: lc.WithinDays,
	}
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// AccountView is an account without its credentials.
type AccountView struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	CompanyID  string         `json:"company_id"`
	Status     account.Status `json:"status"`
	LastSyncAt *time.Time     `json:"last_sync_at,omitempty"`
}

// EventView is one ingested event.
type EventView struct {
	ID           string     `json:"id"`
	AccountID    string     `json:"account_id"`
	CEID         string     `json:"ce_id,omitempty"`
	EventType    string     `json:"event_type"`
	ResourceType string     `json:"resource_type"`
	Action       string     `json:"action"`
	ResourceID   string     `json:"resource_id"`
	OccurredAt   time.Time  `json:"occurred_at"`
	Status       string     `json:"status"`
	LastError    string     `json:"last_error,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// EventListResponse is returned by GET /events.
type EventListResponse struct {
	Events []EventView `json:"events"`
	Total  int         `json:"total"`
}

// ReprocessResponse is returned by POST /events/{eventID}/reprocess.
type ReprocessResponse struct {
	EventID string `json:"event_id"`
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
}

// JobView is returned by GET /jobs/{jobID}.
type JobView struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	AccountID   string     `json:"account_id"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	SubmittedBy string     `json:"submitted_by"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

// SubscriptionView is a subscription without its secret.
type SubscriptionView struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	EventGroup string     `json:"event_group"`
	ExternalID string     `json:"external_id"`
	Sink       string     `json:"sink,omitempty"`
	Types      []string   `json:"types,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"active"`
}

func accountView(a account.ProviderAccount) AccountView {
	return AccountView{ID: a.ID, TenantID: a.TenantID, CompanyID: a.CompanyID, Status: a.Status, LastSyncAt: a.LastSyncAt}
}

func eventView(e ingest.IngestedEvent) EventView {
	return EventView{
		ID:           e.ID,
		AccountID:    e.AccountID,
		CEID:         e.CEID,
		EventType:    e.EventType,
		ResourceType: string(e.ResourceType),
		Action:       string(e.Action),
		ResourceID:   e.ResourceID,
		OccurredAt:   e.OccurredAt,
		Status:       string(e.Status),
		LastError:    e.LastError,
		ProcessedAt:  e.ProcessedAt,
	}
}

func jobView(j *queue.Job) JobView {
	return JobView{
		ID:          j.ID,
		Kind:        j.Kind,
		AccountID:   j.AccountID,
		Status:      string(j.Status),
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		SubmittedBy: j.SubmittedBy,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		NextRetryAt: j.NextRetryAt,
		LastError:   j.LastError,
	}
}

func subscriptionView(s subscription.Subscription) SubscriptionView {
	return SubscriptionView{
		ID:         s.ID,
		AccountID:  s.AccountID,
		EventGroup: s.EventGroup,
		ExternalID: s.ExternalID,
		Sink:       s.Sink,
		Types:      s.Types,
		ExpiresAt:  s.ExpiresAt,
		Active:     s.Active,
	}
}
