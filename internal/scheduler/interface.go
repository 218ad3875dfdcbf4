package scheduler

import (
	"context"

	"github.com/mattjoyce/invoicehook/internal/lifecycle"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

//go:generate mockgen -destination=mocks/mock_renewals.go -package=mocks github.com/mattjoyce/invoicehook/internal/scheduler RenewalService

// RenewalService defines the lifecycle operations run on each tick.
type RenewalService interface {
	FindExpiring(ctx context.Context, withinDays int) ([]subscription.Subscription, error)
	RenewAll(ctx context.Context, subs []subscription.Subscription) lifecycle.Summary
}
