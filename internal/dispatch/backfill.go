package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/invoicehook/internal/account"
	"github.com/mattjoyce/invoicehook/internal/log"
	"github.com/mattjoyce/invoicehook/internal/provider"
	"github.com/mattjoyce/invoicehook/internal/sink"
)

// ResourceLister pages through a resource collection.
type ResourceLister interface {
	ListResources(ctx context.Context, auth provider.Auth, resourceType string, page, perPage int) (*provider.Page, error)
}

// Backfill copies a whole resource collection into the sink, for accounts
// connected after their resources already existed.
type Backfill struct {
	accounts Accounts
	creds    account.CredentialProvider
	lister   ResourceLister
	sink     sink.Upserter
	perPage  int
	logger   *slog.Logger
	now      func() time.Time
}

// BackfillResult counts what one Run wrote.
type BackfillResult struct {
	Pages   int
	Synced  int
	Skipped int
}

func NewBackfill(accounts Accounts, creds account.CredentialProvider, lister ResourceLister, up sink.Upserter, perPage int) *Backfill {
	if perPage <= 0 {
		perPage = 50
	}
	return &Backfill{
		accounts: accounts,
		creds:    creds,
		lister:   lister,
		sink:     up,
		perPage:  perPage,
		logger:   log.WithComponent("backfill"),
		now:      time.Now,
	}
}

// Run syncs every page of resourceType for accountID. Items without an id
// are skipped. A failed page stops the run; rows already written stay.
func (b *Backfill) Run(ctx context.Context, accountID, resourceType string) (BackfillResult, error) {
	var res BackfillResult
	a, err := b.accounts.Get(ctx, accountID)
	if err != nil {
		return res, fmt.Errorf("load account: %w", err)
	}
	token, err := b.creds.Token(ctx, accountID)
	if err != nil {
		return res, fmt.Errorf("credentials: %w", err)
	}
	auth := provider.Auth{CompanyID: a.CompanyID, AccessToken: token}

	for page := 1; ; page++ {
		p, err := b.lister.ListResources(ctx, auth, resourceType, page, b.perPage)
		if err != nil {
			if errors.Is(err, provider.ErrUnauthorized) {
				if merr := b.accounts.MarkNeedsRefresh(ctx, accountID); merr != nil {
					b.logger.Error("failed to mark account needs_refresh", "account_id", accountID, "error", merr)
				}
			}
			return res, fmt.Errorf("list %s page %d: %w", resourceType, page, err)
		}
		res.Pages++
		for _, item := range p.Items {
			id := itemID(item)
			if id == "" {
				res.Skipped++
				continue
			}
			if err := b.sink.Upsert(ctx, accountID, resourceType, id, item); err != nil {
				return res, fmt.Errorf("upsert %s %s: %w", resourceType, id, err)
			}
			res.Synced++
		}
		b.logger.Debug("backfill page synced", "account_id", accountID, "resource_type", resourceType,
			"page", page, "items", len(p.Items))
		if !p.HasNext() || len(p.Items) == 0 {
			break
		}
	}

	if err := b.accounts.TouchLastSync(ctx, accountID, b.now()); err != nil {
		b.logger.Warn("failed to record last sync", "account_id", accountID, "error", err)
	}
	b.logger.Info("backfill complete", "account_id", accountID, "resource_type", resourceType,
		"pages", res.Pages, "synced", res.Synced, "skipped", res.Skipped)
	return res, nil
}

// itemID reads the "id" field of a resource, numeric or string.
func itemID(item json.RawMessage) string {
	var v struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(item, &v); err != nil || len(v.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.ID, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(v.ID, &n); err == nil {
		return n.String()
	}
	return ""
}
