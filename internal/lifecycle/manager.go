// Package lifecycle keeps provider subscriptions alive: it finds the ones
// close to expiry, renews them and reconciles local rows with upstream.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/invoicehook/internal/account"
	"github.com/mattjoyce/invoicehook/internal/events"
	"github.com/mattjoyce/invoicehook/internal/obs"
	"github.com/mattjoyce/invoicehook/internal/provider"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

// DefaultWithinDays is the renewal horizon.
const DefaultWithinDays = 15

// Failure reasons reported in Result.Reason.
const (
	ReasonNoCredential   = "no credential"
	ReasonAlreadyExpired = "already expired"
	ReasonRateLimited    = "rate limited"
	ReasonAuthFailed     = "authentication failed"
)

// Outcome of one renewal.
type Outcome string

const (
	OutcomeRenewed Outcome = "renewed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Result is the outcome for one subscription.
type Result struct {
	SubscriptionID string     `json:"subscription_id"`
	AccountID      string     `json:"account_id"`
	EventGroup     string     `json:"event_group"`
	Outcome        Outcome    `json:"outcome"`
	Reason         string     `json:"reason,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Summary aggregates one RenewAll run.
type Summary struct {
	Renewed int      `json:"renewed"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Results []Result `json:"results"`
}

// ExitCode is 1 when any renewal failed, however many succeeded.
func (s Summary) ExitCode() int {
	if s.Failed > 0 {
		return 1
	}
	return 0
}

func (s *Summary) add(r Result) {
	switch r.Outcome {
	case OutcomeRenewed:
		s.Renewed++
	case OutcomeFailed:
		s.Failed++
	default:
		s.Skipped++
	}
	s.Results = append(s.Results, r)
}

// Manager runs renewals and reconciliation.
type Manager struct {
	subs     SubscriptionStore
	accounts AccountStore
	renewer  Renewer
	hub      *events.Hub
	metrics  *obs.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(subs SubscriptionStore, accounts AccountStore, renewer Renewer, logger *slog.Logger) *Manager {
	return &Manager{
		subs:     subs,
		accounts: accounts,
		renewer:  renewer,
		logger:   logger.With("component", "lifecycle"),
		now:      time.Now,
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) WithHub(h *events.Hub) *Manager {
	m.hub = h
	return m
}

func (m *Manager) WithMetrics(metrics *obs.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// FindExpiring returns active subscriptions whose expires_at is set and no
// later than now+withinDays. Non-positive withinDays uses the default.
func (m *Manager) FindExpiring(ctx context.Context, withinDays int) ([]subscription.Subscription, error) {
	if withinDays <= 0 {
		withinDays = DefaultWithinDays
	}
	subs, err := m.subs.FindExpiring(ctx, time.Duration(withinDays)*24*time.Hour, m.now())
	if err != nil {
		return nil, fmt.Errorf("find expiring subscriptions: %w", err)
	}
	return subs, nil
}

// RenewAll renews subs in order. It never stops early; every subscription
// gets a Result.
func (m *Manager) RenewAll(ctx context.Context, subs []subscription.Subscription) Summary {
	summary := Summary{Results: make([]Result, 0, len(subs))}
	accounts := map[string]*account.ProviderAccount{}

	for _, sub := range subs {
		r := m.renewOne(ctx, sub, accounts)
		summary.add(r)
		m.metrics.Renewal(string(r.Outcome))

		logger := m.logger.With("subscription", sub, "outcome", r.Outcome)
		switch r.Outcome {
		case OutcomeRenewed:
			logger.Info("subscription renewed")
			if m.hub != nil {
				m.hub.Publish(events.TypeSubscriptionRenewed, sub.AccountID, r)
			}
		case OutcomeFailed:
			logger.Warn("subscription renewal failed", "reason", r.Reason)
		default:
			logger.Info("subscription renewal skipped", "reason", r.Reason)
		}
	}

	m.logger.Info("renewal run complete",
		"renewed", summary.Renewed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	return summary
}

func (m *Manager) renewOne(ctx context.Context, sub subscription.Subscription, cache map[string]*account.ProviderAccount) Result {
	r := Result{SubscriptionID: sub.ID, AccountID: sub.AccountID, EventGroup: sub.EventGroup, ExpiresAt: sub.ExpiresAt}
	now := m.now()

	acct, ok := cache[sub.AccountID]
	if !ok {
		a, err := m.accounts.Get(ctx, sub.AccountID)
		if err != nil && !errors.Is(err, account.ErrNotFound) {
			r.Outcome, r.Reason = OutcomeFailed, err.Error()
			return r
		}
		acct = a
		cache[sub.AccountID] = acct
	}
	if acct == nil || !acct.Usable(now) {
		r.Outcome, r.Reason = OutcomeFailed, ReasonNoCredential
		return r
	}

	if sub.Expired(now) {
		r.Outcome, r.Reason = OutcomeSkipped, ReasonAlreadyExpired
		return r
	}

	auth := provider.Auth{CompanyID: acct.CompanyID, AccessToken: acct.AccessToken}
	renewed, err := m.renewer.RenewSubscription(ctx, auth, sub.ExternalID)
	if err != nil {
		r.Outcome = OutcomeFailed
		switch {
		case errors.Is(err, provider.ErrUnauthorized):
			r.Reason = ReasonAuthFailed
			if merr := m.accounts.MarkNeedsRefresh(ctx, sub.AccountID); merr != nil {
				m.logger.Error("failed to mark account needs_refresh", "account_id", sub.AccountID, "error", merr)
			}
			acct.Status = account.StatusNeedsRefresh
		default:
			if _, limited := provider.IsRateLimited(err); limited {
				r.Reason = ReasonRateLimited
			} else {
				r.Reason = err.Error()
			}
		}
		return r
	}

	expiresAt := renewed.ExpiresAt
	if expiresAt == nil {
		// Some renew responses omit the expiry; the subscription itself has it.
		if current, gerr := m.renewer.GetSubscription(ctx, auth, sub.ExternalID); gerr == nil {
			expiresAt = current.ExpiresAt
		} else {
			m.logger.Warn("failed to read renewed expiry", "subscription_id", sub.ID, "error", gerr)
		}
	}
	if expiresAt == nil {
		// Keep the old expiry so the row stays visible to FindExpiring and
		// the next run renews it again.
		expiresAt = sub.ExpiresAt
	}
	if err := m.subs.UpdateExpiry(ctx, sub.ID, renewed.ID, renewed.Secret, expiresAt); err != nil {
		r.Outcome, r.Reason = OutcomeFailed, fmt.Sprintf("renewed upstream but not recorded: %v", err)
		return r
	}
	r.Outcome, r.ExpiresAt = OutcomeRenewed, expiresAt
	return r
}

// ReconcileResult counts what Reconcile changed.
type ReconcileResult struct {
	Checked     int `json:"checked"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
}

// Reconcile compares the account's active subscriptions with the provider's
// list. Rows missing upstream are deactivated; rows whose upstream expiry
// differs take the upstream value.
func (m *Manager) Reconcile(ctx context.Context, accountID string) (ReconcileResult, error) {
	var res ReconcileResult
	acct, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return res, fmt.Errorf("load account: %w", err)
	}
	if !acct.Usable(m.now()) {
		return res, fmt.Errorf("account %s: %w", accountID, account.ErrNeedsReauth)
	}

	upstream, err := m.renewer.ListSubscriptions(ctx, provider.Auth{CompanyID: acct.CompanyID, AccessToken: acct.AccessToken})
	if err != nil {
		if errors.Is(err, provider.ErrUnauthorized) {
			if merr := m.accounts.MarkNeedsRefresh(ctx, accountID); merr != nil {
				m.logger.Error("failed to mark account needs_refresh", "account_id", accountID, "error", merr)
			}
		}
		return res, fmt.Errorf("list upstream subscriptions: %w", err)
	}
	byID := make(map[string]provider.Subscription, len(upstream))
	for _, s := range upstream {
		byID[s.ID] = s
	}

	local, err := m.subs.ListActive(ctx, accountID)
	if err != nil {
		return res, fmt.Errorf("list local subscriptions: %w", err)
	}
	for _, sub := range local {
		res.Checked++
		remote, ok := byID[sub.ExternalID]
		if !ok {
			if err := m.subs.Deactivate(ctx, sub.ID); err != nil {
				return res, fmt.Errorf("deactivate %s: %w", sub.ID, err)
			}
			res.Deactivated++
			m.logger.Warn("subscription missing upstream, deactivated", "subscription", sub)
			continue
		}
		if remote.ExpiresAt != nil && !sameTime(remote.ExpiresAt, sub.ExpiresAt) {
			if err := m.subs.UpdateExpiry(ctx, sub.ID, "", "", remote.ExpiresAt); err != nil {
				return res, fmt.Errorf("update %s: %w", sub.ID, err)
			}
			res.Updated++
		}
	}

	m.logger.Info("subscriptions reconciled", "account_id", accountID,
		"checked", res.Checked, "updated", res.Updated, "deactivated", res.Deactivated)
	return res, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
