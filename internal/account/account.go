// Package account holds the provider-account records webhook processing and
// subscription renewal act on behalf of. Token exchange itself lives elsewhere;
// this package only stores and hands out the resulting credentials.
package account

import (
	"errors"
	"log/slog"
	"time"

	ihlog "github.com/mattjoyce/invoicehook/internal/log"
)

// Status is the credential state of a provider account.
type Status string

const (
	StatusActive       Status = "active"
	StatusNeedsRefresh Status = "needs_refresh"
	StatusDisconnected Status = "disconnected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusNeedsRefresh, StatusDisconnected:
		return true
	}
	return false
}

var (
	ErrNotFound     = errors.New("account not found")
	ErrNeedsReauth  = errors.New("account needs re-authorization")
	ErrInvalidInput = errors.New("invalid account")
)

// ProviderAccount is one tenant's connection to one company on the provider.
type ProviderAccount struct {
	ID             string
	TenantID       string
	CompanyID      string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	Status         Status
	LastSyncAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LogValue keeps credentials out of structured logs.
func (a ProviderAccount) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", a.ID),
		slog.String("tenant_id", a.TenantID),
		slog.String("company_id", a.CompanyID),
		slog.String("status", string(a.Status)),
		slog.String("access_token", ihlog.Redact(a.AccessToken)),
	)
}

// Usable reports whether the account can call the provider at now.
func (a ProviderAccount) Usable(now time.Time) bool {
	if a.Status != StatusActive || a.AccessToken == "" {
		return false
	}
	if a.TokenExpiresAt != nil && !a.TokenExpiresAt.After(now) {
		return false
	}
	return true
}
