package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/invoicehook/internal/account"
	"github.com/mattjoyce/invoicehook/internal/events"
	"github.com/mattjoyce/invoicehook/internal/ingest"
	"github.com/mattjoyce/invoicehook/internal/log"
	"github.com/mattjoyce/invoicehook/internal/obs"
	"github.com/mattjoyce/invoicehook/internal/provider"
	"github.com/mattjoyce/invoicehook/internal/queue"
	"github.com/mattjoyce/invoicehook/internal/sink"
)

// Dispatcher dequeues webhook jobs and syncs the resources they name.
type Dispatcher struct {
	queue    *queue.Queue
	accounts Accounts
	creds    account.CredentialProvider
	fetcher  ResourceFetcher
	events   EventMarker
	sink     sink.Upserter
	hub      *events.Hub
	metrics  *obs.Metrics
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a new Dispatcher.
func New(q *queue.Queue, accounts Accounts, creds account.CredentialProvider, fetcher ResourceFetcher,
	marker EventMarker, up sink.Upserter, opts Options) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		accounts: accounts,
		creds:    creds,
		fetcher:  fetcher,
		events:   marker,
		sink:     up,
		opts:     opts.withDefaults(),
		logger:   log.WithComponent("dispatch"),
		now:      time.Now,
	}
}

// WithHub publishes job failures to h.
func (d *Dispatcher) WithHub(h *events.Hub) *Dispatcher {
	d.hub = h
	return d
}

// WithMetrics records job outcomes in m.
func (d *Dispatcher) WithMetrics(m *obs.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithClock overrides the clock used to schedule retries.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Start recovers jobs orphaned by a previous crash, then runs the worker
// pool until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.RecoverOrphans(ctx); err != nil {
		return err
	}

	d.logger.Info("dispatch loop started", "workers", d.opts.Workers)
	defer d.logger.Info("dispatch loop stopped")

	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain whatever is ready before sleeping again.
		for ctx.Err() == nil {
			ran, err := d.ProcessNext(ctx)
			if err != nil {
				d.logger.Error("failed to process job", "worker", worker, "error", err)
				break
			}
			if !ran {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RecoverOrphans puts jobs left running by a crash back in the queue.
func (d *Dispatcher) RecoverOrphans(ctx context.Context) error {
	orphans, err := d.queue.FindJobsByStatus(ctx, queue.StatusRunning)
	if err != nil {
		return fmt.Errorf("find orphaned jobs: %w", err)
	}
	for _, job := range orphans {
		if err := d.queue.Requeue(ctx, job.ID); err != nil {
			return fmt.Errorf("requeue orphaned job %s: %w", job.ID, err)
		}
		d.logger.Warn("requeued orphaned job", "job_id", job.ID, "attempt", job.Attempt)
	}
	return nil
}

// ProcessNext claims and runs one ready job. ran is false when the queue
// had nothing ready.
func (d *Dispatcher) ProcessNext(ctx context.Context) (ran bool, err error) {
	job, err := d.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}
	d.executeJob(ctx, job)
	return true, nil
}

// executeJob runs one attempt of job and records its outcome.
func (d *Dispatcher) executeJob(ctx context.Context, job *queue.Job) {
	jobLogger := log.WithJob(job.ID).With("account_id", job.AccountID, "kind", job.Kind)

	if job.Kind != queue.KindWebhookEvent {
		d.finish(ctx, job, nil, permanent(fmt.Errorf("unknown job kind %q", job.Kind)), jobLogger)
		return
	}
	ej, err := queue.DecodeEventJob(job.Payload)
	if err != nil {
		d.finish(ctx, job, nil, permanent(fmt.Errorf("decode job payload: %w", err)), jobLogger)
		return
	}
	jobLogger = jobLogger.With("event_type", ej.Type, "event_group", ej.EventGroup)
	jobLogger.Info("executing job", "attempt", job.Attempt, "resource_ids", len(ej.ResourceIDs))

	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	err = d.process(attemptCtx, ej)
	cancel()

	// Shutdown mid-attempt: hand the job back untouched for redelivery.
	if err != nil && ctx.Err() != nil {
		requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := d.queue.Requeue(requeueCtx, job.ID); rerr != nil {
			jobLogger.Error("failed to requeue interrupted job", "error", rerr)
		}
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("attempt timed out after %s: %w", d.opts.AttemptTimeout, err)
	}
	d.finish(ctx, job, ej, err, jobLogger)
}

// process syncs every resource id of ej. Ids already synced on an earlier
// attempt are synced again; the sink and event marks are idempotent.
func (d *Dispatcher) process(ctx context.Context, ej *queue.EventJob) error {
	if len(ej.ResourceIDs) == 0 {
		return nil
	}
	mapping, ok := ingest.Classify(ej.Type)
	if !ok {
		d.logger.Info("event type not synced", "account_id", ej.AccountID, "event_type", ej.Type)
		return nil
	}

	var auth provider.Auth
	if mapping.Action != ingest.ActionDelete {
		a, err := d.accounts.Get(ctx, ej.AccountID)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		token, err := d.creds.Token(ctx, ej.AccountID)
		if err != nil {
			return fmt.Errorf("credentials: %w", err)
		}
		auth = provider.Auth{CompanyID: a.CompanyID, AccessToken: token}
	}

	for _, id := range ej.ResourceIDs {
		if err := d.syncOne(ctx, ej, mapping, auth, id); err != nil {
			return fmt.Errorf("resource %s %s: %w", mapping.ResourceType, id, err)
		}
	}
	return nil
}

func (d *Dispatcher) syncOne(ctx context.Context, ej *queue.EventJob, mapping ingest.Mapping, auth provider.Auth, id string) error {
	resourceType := string(mapping.ResourceType)
	if mapping.Action == ingest.ActionDelete {
		if err := d.sink.Delete(ctx, ej.AccountID, resourceType, id); err != nil {
			return err
		}
	} else {
		payload, err := d.fetcher.GetResource(ctx, auth, resourceType, id)
		if err != nil {
			return err
		}
		if err := d.sink.Upsert(ctx, ej.AccountID, resourceType, id, payload); err != nil {
			return err
		}
	}
	key := ingest.DedupKey(ej.CorrelationID, ej.Type, id, ej.OccurredAt)
	if err := d.events.MarkProcessed(ctx, ej.AccountID, key); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// finish records the attempt: success, a scheduled retry, or exhaustion.
func (d *Dispatcher) finish(ctx context.Context, job *queue.Job, ej *queue.EventJob, err error, jobLogger *slog.Logger) {
	if err == nil {
		d.complete(ctx, job.ID, queue.StatusSucceeded, nil, jobLogger)
		if ej != nil && len(ej.ResourceIDs) > 0 {
			if terr := d.accounts.TouchLastSync(ctx, ej.AccountID, d.now()); terr != nil {
				jobLogger.Warn("failed to record last sync", "error", terr)
			}
		}
		jobLogger.Info("job succeeded", "attempt", job.Attempt)
		return
	}

	if errors.Is(err, provider.ErrUnauthorized) && job.AccountID != "" {
		if merr := d.accounts.MarkNeedsRefresh(ctx, job.AccountID); merr != nil {
			jobLogger.Error("failed to mark account needs_refresh", "error", merr)
		}
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > d.opts.MaxAttempts {
		maxAttempts = d.opts.MaxAttempts
	}
	if IsRetryable(err) && job.Attempt < maxAttempts {
		next := d.now().Add(retryDelay(err, d.opts.Backoff))
		if rerr := d.queue.Retry(ctx, job.ID, job.Attempt+1, next, err.Error()); rerr != nil {
			jobLogger.Error("failed to schedule retry", "error", rerr)
			return
		}
		d.metrics.Job("retried")
		jobLogger.Warn("job attempt failed, retry scheduled",
			"attempt", job.Attempt,
			"next_retry_at", next,
			"error", err,
		)
		return
	}

	errMsg := err.Error()
	d.complete(ctx, job.ID, queue.StatusFailed, &errMsg, jobLogger)
	if ej != nil {
		d.markErrored(ctx, ej, errMsg, jobLogger)
	}

	attrs := []any{"attempts", job.Attempt, "error", errMsg}
	if ej != nil {
		attrs = append(attrs, "event_type", ej.Type, "account_id", ej.AccountID, "event_group", ej.EventGroup)
	}
	jobLogger.Error("job failed", attrs...)

	if d.hub != nil {
		data := map[string]any{"job_id": job.ID, "attempts": job.Attempt, "error": errMsg}
		if ej != nil {
			data["event_type"] = ej.Type
			data["event_group"] = ej.EventGroup
			data["resource_ids"] = ej.ResourceIDs
		}
		d.hub.Publish(events.TypeJobFailed, job.AccountID, data)
	}
}

// markErrored moves the job's still-pending events to error. Events a
// previous attempt already processed keep their status.
func (d *Dispatcher) markErrored(ctx context.Context, ej *queue.EventJob, reason string, jobLogger *slog.Logger) {
	if _, ok := ingest.Classify(ej.Type); !ok {
		return
	}
	for _, id := range ej.ResourceIDs {
		key := ingest.DedupKey(ej.CorrelationID, ej.Type, id, ej.OccurredAt)
		if _, err := d.events.MarkError(ctx, ej.AccountID, key, reason); err != nil {
			jobLogger.Error("failed to mark event error", "resource_id", id, "error", err)
		}
	}
}

// complete marks a job terminal with the given status.
func (d *Dispatcher) complete(ctx context.Context, jobID string, status queue.Status, lastError *string, jobLogger *slog.Logger) {
	if err := d.queue.Complete(ctx, jobID, status, lastError); err != nil {
		jobLogger.Error("failed to complete job", "status", status, "error", err)
		return
	}
	d.metrics.Job(string(status))
}
