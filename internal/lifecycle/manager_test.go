package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/invoicehook/internal/account"
	"github.com/mattjoyce/invoicehook/internal/events"
	"github.com/mattjoyce/invoicehook/internal/lifecycle/mocks"
	"github.com/mattjoyce/invoicehook/internal/provider"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := testNow.Add(d)
	return &t
}

type fixture struct {
	subs     *mocks.MockSubscriptionStore
	accounts *mocks.MockAccountStore
	renewer  *mocks.MockRenewer
	mgr      *Manager
	logs     *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := &fixture{
		subs:     mocks.NewMockSubscriptionStore(ctrl),
		accounts: mocks.NewMockAccountStore(ctrl),
		renewer:  mocks.NewMockRenewer(ctrl),
		logs:     &buf,
	}
	f.mgr = NewManager(f.subs, f.accounts, f.renewer, logger).WithClock(func() time.Time { return testNow })
	return f
}

func activeAccount(id, company string) *account.ProviderAccount {
	return &account.ProviderAccount{ID: id, CompanyID: company, AccessToken: "tok-" + id, Status: account.StatusActive}
}

func TestFindExpiring(t *testing.T) {
	tests := []struct {
		name       string
		withinDays int
		want       time.Duration
	}{
		{name: "explicit", withinDays: 5, want: 5 * 24 * time.Hour},
		{name: "default", withinDays: 0, want: 15 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			expected := []subscription.Subscription{{ID: "s1", ExpiresAt: at(time.Hour)}}
			f.subs.EXPECT().FindExpiring(gomock.Any(), tt.want, testNow).Return(expected, nil)

			got, err := f.mgr.FindExpiring(context.Background(), tt.withinDays)
			require.NoError(t, err)
			assert.Equal(t, expected, got)
		})
	}
}

func TestFindExpiring_Error(t *testing.T) {
	f := newFixture(t)
	f.subs.EXPECT().FindExpiring(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("db down"))

	_, err := f.mgr.FindExpiring(context.Background(), 15)
	assert.Error(t, err)
}

func TestRenewAll_MixedOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hub := events.NewHub(10)
	f.mgr.WithHub(hub)

	subs := []subscription.Subscription{
		{ID: "ok", AccountID: "a1", EventGroup: "entity", ExternalID: "SUB-OK", ExpiresAt: at(48 * time.Hour)},
		{ID: "unauth", AccountID: "a2", EventGroup: "entity", ExternalID: "SUB-401", ExpiresAt: at(48 * time.Hour)},
		{ID: "nocred", AccountID: "a3", EventGroup: "entity", ExternalID: "SUB-NC", ExpiresAt: at(48 * time.Hour)},
		{ID: "expired", AccountID: "a1", EventGroup: "products", ExternalID: "SUB-EXP", ExpiresAt: at(-time.Hour)},
		{ID: "limited", AccountID: "a1", EventGroup: "receipts", ExternalID: "SUB-429", ExpiresAt: at(48 * time.Hour)},
		{ID: "other", AccountID: "a1", EventGroup: "issued_documents", ExternalID: "SUB-500", ExpiresAt: at(48 * time.Hour)},
	}

	a1 := activeAccount("a1", "c1")
	a3 := activeAccount("a3", "c3")
	a3.Status = account.StatusNeedsRefresh
	f.accounts.EXPECT().Get(gomock.Any(), "a1").Return(a1, nil).Times(1)
	f.accounts.EXPECT().Get(gomock.Any(), "a2").Return(activeAccount("a2", "c2"), nil).Times(1)
	f.accounts.EXPECT().Get(gomock.Any(), "a3").Return(a3, nil).Times(1)

	renewedExpiry := at(30 * 24 * time.Hour)
	auth1 := provider.Auth{CompanyID: "c1", AccessToken: "tok-a1"}
	f.renewer.EXPECT().RenewSubscription(gomock.Any(), auth1, "SUB-OK").
		Return(&provider.Subscription{ID: "SUB-OK", ExpiresAt: renewedExpiry}, nil)
	f.subs.EXPECT().UpdateExpiry(gomock.Any(), "ok", "SUB-OK", "", renewedExpiry).Return(nil)

	f.renewer.EXPECT().RenewSubscription(gomock.Any(), gomock.Any(), "SUB-401").Return(nil, provider.ErrUnauthorized)
	f.accounts.EXPECT().MarkNeedsRefresh(gomock.Any(), "a2").Return(nil)

	f.renewer.EXPECT().RenewSubscription(gomock.Any(), auth1, "SUB-429").
		Return(nil, &provider.RateLimitedError{RetryAfter: time.Minute})
	f.renewer.EXPECT().RenewSubscription(gomock.Any(), auth1, "SUB-500").
		Return(nil, &provider.UpstreamError{Status: 500, Body: "boom"})

	summary := f.mgr.RenewAll(ctx, subs)

	assert.Equal(t, 1, summary.Renewed)
	assert.Equal(t, 4, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.ExitCode())
	require.Len(t, summary.Results, len(subs))

	byID := map[string]Result{}
	for _, r := range summary.Results {
		byID[r.SubscriptionID] = r
	}
	assert.Equal(t, OutcomeRenewed, byID["ok"].Outcome)
	assert.Equal(t, renewedExpiry, byID["ok"].ExpiresAt)
	assert.Equal(t, ReasonAuthFailed, byID["unauth"].Reason)
	assert.Equal(t, ReasonNoCredential, byID["nocred"].Reason)
	assert.Equal(t, OutcomeSkipped, byID["expired"].Outcome)
	assert.Equal(t, ReasonAlreadyExpired, byID["expired"].Reason)
	assert.Equal(t, ReasonRateLimited, byID["limited"].Reason)
	assert.Contains(t, byID["other"].Reason, "status 500")

	published := hub.SnapshotSince(0)
	require.Len(t, published, 1)
	assert.Equal(t, events.TypeSubscriptionRenewed, published[0].Type)

	assert.NotContains(t, f.logs.String(), "tok-a1")
}

func TestRenewAll_ExitCode(t *testing.T) {
	t.Run("all renewed", func(t *testing.T) {
		f := newFixture(t)
		f.accounts.EXPECT().Get(gomock.Any(), "a1").Return(activeAccount("a1", "c1"), nil)
		f.renewer.EXPECT().RenewSubscription(gomock.Any(), gomock.Any(), "X").
			Return(&provider.Subscription{ID: "X", ExpiresAt: at(720 * time.Hour)}, nil)
		f.subs.EXPECT().UpdateExpiry(gomock.Any(), "s1", "X", "", gomock.Any()).Return(nil)

		summary := f.mgr.RenewAll(context.Background(), []subscription.Subscription{
			{ID: "s1", AccountID: "a1", ExternalID: "X", ExpiresAt: at(time.Hour)},
		})
		assert.Equal(t, 0, summary.ExitCode())
	})

	t.Run("only already expired", func(t *testing.T) {
		f := newFixture(t)
		f.accounts.EXPECT().Get(gomock.Any(), "a1").Return(activeAccount("a1", "c1"), nil)

		summary := f.mgr.RenewAll(context.Background(), []subscription.Subscription{
			{ID: "s1", AccountID: "a1", ExternalID: "X", ExpiresAt: at(-time.Minute)},
		})
		assert.Equal(t, 0, summary.ExitCode())
		assert.Equal(t, 1, summary.Skipped)
	})

	t.Run("empty", func(t *testing.T) {
		f := newFixture(t)
		summary := f.mgr.RenewAll(context.Background(), nil)
		assert.Equal(t, 0, summary.ExitCode())
	})

	t.Run("unknown account", func(t *testing.T) {
		f := newFixture(t)
		f.accounts.EXPECT().Get(gomock.Any(), "gone").Return(nil, account.ErrNotFound)

		summary := f.mgr.RenewAll(context.Background(), []subscription.Subscription{
			{ID: "s1", AccountID: "gone", ExternalID: "X", ExpiresAt: at(time.Hour)},
		})
		assert.Equal(t, 1, summary.ExitCode())
		assert.Equal(t, ReasonNoCredential, summary.Results[0].Reason)
	})
}

func TestRenewAll_ExpiryFallsBackToGet(t *testing.T) {
	f := newFixture(t)
	expiry := at(30 * 24 * time.Hour)
	f.accounts.EXPECT().Get(gomock.Any(), "a1").Return(activeAccount("a1", "c1"), nil)
	f.renewer.EXPECT().RenewSubscription(gomock.Any(), gomock.Any(), "X").Return(&provider.Subscription{ID: "X"}, nil)
	f.renewer.EXPECT().GetSubscription(gomock.Any(), gomock.Any(), "X").Return(&provider.Subscription{ID: "X", ExpiresAt: expiry}, nil)
	f.subs.EXPECT().UpdateExpiry(gomock.Any(), "s1", "X", "", expiry).Return(nil)

	summary := f.mgr.RenewAll(context.Background(), []subscription.Subscription{
		{ID: "s1", AccountID: "a1", ExternalID: "X", ExpiresAt: at(time.Hour)},
	})
	assert.Equal(t, 1, summary.Renewed)
}

func TestRenewAll_UnknownExpiryKeepsPreviousExpiry(t *testing.T) {
	f := newFixture(t)
	previous := at(time.Hour)
	f.accounts.EXPECT().Get(gomock.Any(), "a1").Return(activeAccount("a1", "c1"), nil)
	f.renewer.EXPECT().RenewSubscription(gomock.Any(), gomock.Any(), "X").Return(&provider.Subscription{ID: "X"}, nil)
	f.renewer.EXPECT().GetSubscription(gomock.Any(), gomock.Any(), "X").Return(nil, errors.New("upstream 503"))
	f.subs.EXPECT().UpdateExpiry(gomock.Any(), "s1", "X", "", previous).Return(nil)

	summary := f.mgr.RenewAll(context.Background(), []subscription.Subscription{
		{ID: "s1", AccountID: "a1", ExternalID: "X", ExpiresAt: previous},
	})
	assert.Equal(t, 1, summary.Renewed)
	require.NotNil(t, summary.Results[0].ExpiresAt)
	assert.True(t, summary.Results[0].ExpiresAt.Equal(*previous))
}

func TestRenewAll_UnauthorizedStopsLaterRenewalsForAccount(t *testing.T) {
	f := newFixture(t)
	f.accounts.EXPECT().Get(gomock.Any(), "a1").Return(activeAccount("a1", "c1"), nil).Times(1)
	f.renewer.EXPECT().RenewSubscription(gomock.Any(), gomock.Any(), "X").Return(nil, provider.ErrUnauthorized)
	f.accounts.EXPECT().MarkNeedsRefresh(gomock.Any(), "a1").Return(nil)

	summary := f.mgr.RenewAll(context.Background(), []subscription.Subscription{
		{ID: "s1", AccountID: "a1", ExternalID: "X", ExpiresAt: at(time.Hour)},
		{ID: "s2", AccountID: "a1", ExternalID: "Y", ExpiresAt: at(time.Hour)},
	})
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, ReasonNoCredential, summary.Results[1].Reason)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accounts.EXPECT().Get(gomock.Any(), "a1").Return(activeAccount("a1", "c1"), nil)
	f.renewer.EXPECT().ListSubscriptions(gomock.Any(), provider.Auth{CompanyID: "c1", AccessToken: "tok-a1"}).
		Return([]provider.Subscription{
			{ID: "KEEP", ExpiresAt: at(10 * time.Hour)},
			{ID: "MOVED", ExpiresAt: at(20 * time.Hour)},
		}, nil)
	f.subs.EXPECT().ListActive(gomock.Any(), "a1").Return([]subscription.Subscription{
		{ID: "s1", ExternalID: "KEEP", ExpiresAt: at(10 * time.Hour)},
		{ID: "s2", ExternalID: "MOVED", ExpiresAt: at(time.Hour)},
		{ID: "s3", ExternalID: "GONE"},
	}, nil)
	f.subs.EXPECT().UpdateExpiry(gomock.Any(), "s2", "", "", at(20*time.Hour)).Return(nil)
	f.subs.EXPECT().Deactivate(gomock.Any(), "s3").Return(nil)

	res, err := f.mgr.Reconcile(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 3, Updated: 1, Deactivated: 1}, res)
}

func TestReconcile_Unauthorized(t *testing.T) {
	f := newFixture(t)
	f.accounts.EXPECT().Get(gomock.Any(), "a1").Return(activeAccount("a1", "c1"), nil)
	f.renewer.EXPECT().ListSubscriptions(gomock.Any(), gomock.Any()).Return(nil, provider.ErrUnauthorized)
	f.accounts.EXPECT().MarkNeedsRefresh(gomock.Any(), "a1").Return(nil)

	_, err := f.mgr.Reconcile(context.Background(), "a1")
	assert.ErrorIs(t, err, provider.ErrUnauthorized)
}

func TestReconcile_UnusableAccount(t *testing.T) {
	f := newFixture(t)
	a := activeAccount("a1", "c1")
	a.AccessToken = ""
	f.accounts.EXPECT().Get(gomock.Any(), "a1").Return(a, nil)

	_, err := f.mgr.Reconcile(context.Background(), "a1")
	assert.ErrorIs(t, err, account.ErrNeedsReauth)
}
