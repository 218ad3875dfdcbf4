// Package subscription stores provider subscriptions and owns the rules that
// route a delivery to one of them.
package subscription

import (
	"errors"
	"log/slog"
	"time"

	ihlog "github.com/mattjoyce/invoicehook/internal/log"
)

var (
	ErrNotFound               = errors.New("subscription not found")
	ErrSinkEventGroupMismatch = errors.New("sink event group does not match event types")
	ErrSinkAccountMismatch    = errors.New("sink account does not match account")
	ErrInvalidSink            = errors.New("invalid sink url")
)

// Subscription is the local record of one provider subscription.
type Subscription struct {
	ID         string
	AccountID  string
	EventGroup string
	ExternalID string
	Secret     string
	Sink       string
	Types      []string
	ExpiresAt  *time.Time
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LogValue hides the shared secret.
func (s Subscription) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", s.ID),
		slog.String("account_id", s.AccountID),
		slog.String("event_group", s.EventGroup),
		slog.String("external_id", s.ExternalID),
		slog.Bool("active", s.Active),
	}
	if s.Secret != "" {
		attrs = append(attrs, slog.String("secret", ihlog.Redact(s.Secret)))
	}
	if s.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *s.ExpiresAt))
	}
	return slog.GroupValue(attrs...)
}

// ExpiringWithin reports whether the subscription has an expiry at or before now+within.
func (s Subscription) ExpiringWithin(within time.Duration, now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now.Add(within))
}

// Expired reports whether expires_at is already in the past.
func (s Subscription) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// UpsertParams are the fields a registration or renewal writes.
type UpsertParams struct {
	AccountID  string
	EventGroup string
	ExternalID string
	Secret     string
	ExpiresAt  *time.Time
	Sink       string
	Types      []string
}
