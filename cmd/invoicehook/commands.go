package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/invoicehook/internal/account"
	"github.com/mattjoyce/invoicehook/internal/config"
	"github.com/mattjoyce/invoicehook/internal/dispatch"
	"github.com/mattjoyce/invoicehook/internal/ingest"
	"github.com/mattjoyce/invoicehook/internal/lifecycle"
	"github.com/mattjoyce/invoicehook/internal/lock"
	"github.com/mattjoyce/invoicehook/internal/log"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

// --- config ---

func runConfigNoun(args []string) int {
	return runNoun("config", []string{"check"}, map[string]nounHandler{
		"check": runConfigCheck,
	}, args)
}

type configCheckReport struct {
	Valid       bool   `json:"valid"`
	Path        string `json:"path,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Driver      string `json:"state_driver,omitempty"`
	Listen      string `json:"listen,omitempty"`
	Signature   bool   `json:"verify_signature"`
	Lifecycle   bool   `json:"lifecycle_enabled"`
	Error       string `json:"error,omitempty"`
}

func runConfigCheck(args []string) int {
	var common commonFlags
	var jsonOut bool
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	common.register(fs)
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := configCheckReport{}
	cfg, err := common.load()
	if err == nil {
		report.Path = cfg.SourcePath
		report.Driver = cfg.State.Driver
		report.Listen = cfg.Webhooks.Listen
		report.Signature = cfg.Webhooks.SignatureEnabled()
		report.Lifecycle = cfg.Lifecycle.Enabled
		report.Fingerprint, err = config.Fingerprint(cfg.SourcePath)
	}
	if err != nil {
		report.Error = err.Error()
	}
	report.Valid = err == nil

	if jsonOut {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	} else if report.Valid {
		fmt.Printf("Configuration OK: %s\n", report.Path)
		fmt.Printf("  fingerprint:      %s\n", report.Fingerprint)
		fmt.Printf("  state driver:     %s\n", report.Driver)
		fmt.Printf("  webhook listen:   %s\n", report.Listen)
		fmt.Printf("  verify signature: %t\n", report.Signature)
		fmt.Printf("  lifecycle:        %t\n", report.Lifecycle)
	} else {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %s\n", report.Error)
	}

	if !report.Valid {
		return 1
	}
	return 0
}

// --- subscriptions ---

func runSubscriptionsNoun(args []string) int {
	return runNoun("subscriptions", []string{"create", "renew", "expiring", "sync"}, map[string]nounHandler{
		"create":   runSubscriptionsCreate,
		"renew":    runSubscriptionsRenew,
		"expiring": runSubscriptionsExpiring,
		"sync":     runSubscriptionsSync,
	}, args)
}

func runSubscriptionsCreate(args []string) int {
	var common commonFlags
	var accountID, types, group, sinkURL, verification, mapping string
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&accountID, "account", "", "Provider account id (required)")
	fs.StringVar(&types, "types", "", "Comma-separated event types (required)")
	fs.StringVar(&group, "group", "", "Event group for the sink path (default: inferred from the first type)")
	fs.StringVar(&sinkURL, "sink", "", "Sink URL (default: built from webhooks.public_base_url)")
	fs.StringVar(&verification, "verification", "header", "Verification method (header, query)")
	fs.StringVar(&mapping, "mapping", "binary", "CloudEvents mapping (binary, structured)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	typeList := splitList(types)
	if accountID == "" || len(typeList) == 0 {
		fmt.Fprintln(os.Stderr, "--account and --types are required")
		return 1
	}

	return withApp(&common, func(ctx context.Context, a *app) int {
		if sinkURL == "" {
			if group == "" {
				group = subscription.InferEventGroup(typeList[0])
			}
			built, err := subscription.BuildSink(a.cfg.Webhooks.PublicBaseURL, accountID, group)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Cannot build sink: %v\n", err)
				return 1
			}
			sinkURL = built
		}

		svc := subscription.NewService(a.subs, a.accounts, a.creds, a.client, log.WithComponent("subscription"))
		sub, err := svc.Create(ctx, subscription.CreateRequest{
			AccountID:          accountID,
			Sink:               sinkURL,
			Types:              typeList,
			VerificationMethod: verification,
			Mapping:            mapping,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Create failed: %v\n", err)
			return 1
		}
		fmt.Printf("Subscription %s created (external %s, group %s, expires %s)\n",
			sub.ID, sub.ExternalID, sub.EventGroup, formatOptionalTime(sub.ExpiresAt))
		return 0
	})
}

func runSubscriptionsRenew(args []string) int {
	var common commonFlags
	var within int
	var jsonOut bool
	fs := flag.NewFlagSet("renew", flag.ContinueOnError)
	common.register(fs)
	fs.IntVar(&within, "within-days", 0, "Renew subscriptions expiring within this many days (default: lifecycle.within_days)")
	fs.BoolVar(&jsonOut, "json", false, "Output the summary in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	return withApp(&common, func(ctx context.Context, a *app) int {
		if within <= 0 {
			within = a.cfg.Lifecycle.WithinDays
		}
		manager := lifecycle.NewManager(a.subs, a.accounts, a.client, log.WithComponent("lifecycle"))

		var summary lifecycle.Summary
		err := lock.With(a.cfg.Lifecycle.LockPath, func() error {
			subs, err := manager.FindExpiring(ctx, within)
			if err != nil {
				return err
			}
			summary = manager.RenewAll(ctx, subs)
			return nil
		})
		if errors.Is(err, lock.ErrHeld) {
			fmt.Fprintf(os.Stderr, "Another renewal run holds %s: %v\n", a.cfg.Lifecycle.LockPath, err)
			return 1
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Renewal failed: %v\n", err)
			return 1
		}

		if jsonOut {
			out, _ := json.MarshalIndent(summary, "", "  ")
			fmt.Println(string(out))
		} else {
			for _, r := range summary.Results {
				line := fmt.Sprintf("%-8s %s (account %s, group %s)", r.Outcome, r.SubscriptionID, r.AccountID, r.EventGroup)
				if r.Reason != "" {
					line += ": " + r.Reason
				}
				fmt.Println(line)
			}
			fmt.Printf("renewed=%d failed=%d skipped=%d\n", summary.Renewed, summary.Failed, summary.Skipped)
		}
		return summary.ExitCode()
	})
}

func runSubscriptionsExpiring(args []string) int {
	var common commonFlags
	var within int
	var jsonOut bool
	fs := flag.NewFlagSet("expiring", flag.ContinueOnError)
	common.register(fs)
	fs.IntVar(&within, "within-days", 0, "Window in days (default: lifecycle.within_days)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	return withApp(&common, func(ctx context.Context, a *app) int {
		if within <= 0 {
			within = a.cfg.Lifecycle.WithinDays
		}
		manager := lifecycle.NewManager(a.subs, a.accounts, a.client, log.WithComponent("lifecycle"))
		subs, err := manager.FindExpiring(ctx, within)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
			return 1
		}

		if jsonOut {
			type row struct {
				ID         string     `json:"id"`
				AccountID  string     `json:"account_id"`
				EventGroup string     `json:"event_group"`
				ExternalID string     `json:"external_id"`
				ExpiresAt  *time.Time `json:"expires_at"`
			}
			rows := make([]row, 0, len(subs))
			for _, s := range subs {
				rows = append(rows, row{s.ID, s.AccountID, s.EventGroup, s.ExternalID, s.ExpiresAt})
			}
			out, _ := json.MarshalIndent(rows, "", "  ")
			fmt.Println(string(out))
			return 0
		}

		if len(subs) == 0 {
			fmt.Printf("No subscriptions expire within %d days\n", within)
			return 0
		}
		for _, s := range subs {
			fmt.Printf("%-36s %-36s %-20s %s\n", s.ID, s.AccountID, s.EventGroup, formatOptionalTime(s.ExpiresAt))
		}
		return 0
	})
}

func runSubscriptionsSync(args []string) int {
	var common commonFlags
	var accountID string
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&accountID, "account", "", "Provider account id (required)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if accountID == "" {
		fmt.Fprintln(os.Stderr, "--account is required")
		return 1
	}

	return withApp(&common, func(ctx context.Context, a *app) int {
		svc := subscription.NewService(a.subs, a.accounts, a.creds, a.client, log.WithComponent("subscription"))
		imported, err := svc.Sync(ctx, accountID, a.client)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
			return 1
		}
		manager := lifecycle.NewManager(a.subs, a.accounts, a.client, log.WithComponent("lifecycle"))
		rec, err := manager.Reconcile(ctx, accountID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Reconcile failed: %v\n", err)
			return 1
		}
		fmt.Printf("imported=%d checked=%d updated=%d deactivated=%d\n", imported, rec.Checked, rec.Updated, rec.Deactivated)
		return 0
	})
}

// --- events ---

func runEventsNoun(args []string) int {
	return runNoun("events", []string{"list", "reprocess"}, map[string]nounHandler{
		"list":      runEventsList,
		"reprocess": runEventsReprocess,
	}, args)
}

func runEventsList(args []string) int {
	var common commonFlags
	var accountID, status string
	var limit int
	var feed, jsonOut bool
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&accountID, "account", "", "Filter by provider account id")
	fs.StringVar(&status, "status", "", "Filter by status (pending, processed, error)")
	fs.IntVar(&limit, "limit", 50, "Maximum rows")
	fs.BoolVar(&feed, "feed", false, "Fold duplicate deliveries for display (requires --account)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if feed && accountID == "" {
		fmt.Fprintln(os.Stderr, "--feed requires --account")
		return 1
	}

	return withApp(&common, func(ctx context.Context, a *app) int {
		var (
			rows []ingest.IngestedEvent
			err  error
		)
		if feed {
			rows, err = a.events.Feed(ctx, accountID, limit)
		} else {
			rows, err = a.events.List(ctx, ingest.Filter{AccountID: accountID, Status: ingest.Status(status), Limit: limit})
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
			return 1
		}

		if jsonOut {
			out, _ := json.MarshalIndent(rows, "", "  ")
			fmt.Println(string(out))
			return 0
		}
		for _, e := range rows {
			line := fmt.Sprintf("%-26s %-10s %-34s %-10s %s", e.ID, e.Status, e.EventType, e.ResourceID,
				e.OccurredAt.UTC().Format(time.RFC3339))
			if e.LastError != "" {
				line += "  " + e.LastError
			}
			fmt.Println(line)
		}
		return 0
	})
}

func runEventsReprocess(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("reprocess", flag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: invoicehook events reprocess <event-id> [--config PATH]")
		return 1
	}
	eventID := fs.Arg(0)

	return withApp(&common, func(ctx context.Context, a *app) int {
		jobID, err := dispatch.NewReprocessor(a.events, a.queue).Reprocess(ctx, eventID, "cli:reprocess")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Reprocess failed: %v\n", err)
			return 1
		}
		fmt.Printf("Event %s queued as job %s\n", eventID, jobID)
		return 0
	})
}

// --- accounts ---

func runAccountsNoun(args []string) int {
	return runNoun("accounts", []string{"add", "list"}, map[string]nounHandler{
		"add":  runAccountsAdd,
		"list": runAccountsList,
	}, args)
}

func runAccountsAdd(args []string) int {
	var common commonFlags
	var tenant, company, tokenEnv, refreshEnv, expires string
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&tenant, "tenant", "", "Tenant id (required)")
	fs.StringVar(&company, "company", "", "Provider company id (required)")
	fs.StringVar(&tokenEnv, "token-env", "INVOICEHOOK_ACCESS_TOKEN", "Environment variable holding the access token")
	fs.StringVar(&refreshEnv, "refresh-token-env", "INVOICEHOOK_REFRESH_TOKEN", "Environment variable holding the refresh token")
	fs.StringVar(&expires, "expires", "", "Access token expiry (RFC3339)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if tenant == "" || company == "" {
		fmt.Fprintln(os.Stderr, "--tenant and --company are required")
		return 1
	}

	var expiresAt *time.Time
	if expires != "" {
		t, err := time.Parse(time.RFC3339, expires)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --expires: %v\n", err)
			return 1
		}
		expiresAt = &t
	}

	return withApp(&common, func(ctx context.Context, a *app) int {
		// Env files are loaded by now, so tokens may come from --env-file.
		token := os.Getenv(tokenEnv)
		if token == "" {
			fmt.Fprintf(os.Stderr, "$%s is empty\n", tokenEnv)
			return 1
		}
		acct, err := a.accounts.Upsert(ctx, account.ProviderAccount{
			TenantID:       tenant,
			CompanyID:      company,
			AccessToken:    token,
			RefreshToken:   os.Getenv(refreshEnv),
			TokenExpiresAt: expiresAt,
			Status:         account.StatusActive,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Add failed: %v\n", err)
			return 1
		}
		fmt.Printf("Account %s (tenant %s, company %s)\n", acct.ID, acct.TenantID, acct.CompanyID)
		return 0
	})
}

func runAccountsList(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	return withApp(&common, func(ctx context.Context, a *app) int {
		accts, err := a.accounts.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
			return 1
		}
		for _, acct := range accts {
			fmt.Printf("%-36s %-16s %-12s %-14s token=%s last_sync=%s\n", acct.ID, acct.TenantID, acct.CompanyID,
				acct.Status, log.Redact(acct.AccessToken), formatOptionalTime(acct.LastSyncAt))
		}
		return 0
	})
}

// --- resources ---

func runResourcesNoun(args []string) int {
	return runNoun("resources", []string{"backfill"}, map[string]nounHandler{
		"backfill": runResourcesBackfill,
	}, args)
}

func runResourcesBackfill(args []string) int {
	var common commonFlags
	var accountID, resourceType string
	var perPage int
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&accountID, "account", "", "Provider account id (required)")
	fs.StringVar(&resourceType, "type", "", "Resource type: client, supplier, quote, invoice (required)")
	fs.IntVar(&perPage, "per-page", 50, "Page size")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	switch ingest.ResourceType(resourceType) {
	case ingest.ResourceClient, ingest.ResourceSupplier, ingest.ResourceQuote, ingest.ResourceInvoice:
	default:
		fmt.Fprintf(os.Stderr, "--type must be client, supplier, quote or invoice (got %q)\n", resourceType)
		return 1
	}
	if accountID == "" {
		fmt.Fprintln(os.Stderr, "--account is required")
		return 1
	}

	return withApp(&common, func(ctx context.Context, a *app) int {
		res, err := dispatch.NewBackfill(a.accounts, a.creds, a.client, a.sink, perPage).Run(ctx, accountID, resourceType)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Backfill failed after %d pages: %v\n", res.Pages, err)
			return 1
		}
		fmt.Printf("pages=%d synced=%d skipped=%d\n", res.Pages, res.Synced, res.Skipped)
		return 0
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
