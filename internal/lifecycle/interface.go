package lifecycle

import (
	"context"
	"time"

	"github.com/mattjoyce/invoicehook/internal/account"
	"github.com/mattjoyce/invoicehook/internal/provider"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

//go:generate mockgen -destination=mocks/mock_lifecycle.go -package=mocks github.com/mattjoyce/invoicehook/internal/lifecycle SubscriptionStore,AccountStore,Renewer

// SubscriptionStore defines the subscription operations used by the manager.
type SubscriptionStore interface {
	FindExpiring(ctx context.Context, within time.Duration, now time.Time) ([]subscription.Subscription, error)
	ListActive(ctx context.Context, accountID string) ([]subscription.Subscription, error)
	UpdateExpiry(ctx context.Context, id string, externalID, secret string, expiresAt *time.Time) error
	Deactivate(ctx context.Context, id string) error
}

// AccountStore defines the account operations used by the manager.
type AccountStore interface {
	Get(ctx context.Context, id string) (*account.ProviderAccount, error)
	MarkNeedsRefresh(ctx context.Context, id string) error
}

// Renewer is the upstream side of the subscription lifecycle.
type Renewer interface {
	RenewSubscription(ctx context.Context, auth provider.Auth, subscriptionID string) (*provider.Subscription, error)
	GetSubscription(ctx context.Context, auth provider.Auth, subscriptionID string) (*provider.Subscription, error)
	ListSubscriptions(ctx context.Context, auth provider.Auth) ([]provider.Subscription, error)
}
