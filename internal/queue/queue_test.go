package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/invoicehook/internal/storage"
)

func openTestQueue(t *testing.T) (*Queue, *storage.DB) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()
	q, _ := openTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, EnqueueRequest{Kind: KindWebhookEvent, AccountID: "a", SubmittedBy: "webhook"})
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	id2, err := q.Enqueue(ctx, EnqueueRequest{Kind: KindWebhookEvent, AccountID: "a", SubmittedBy: "webhook"})
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	j1, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 1: %v", err)
	}
	if j1 == nil || j1.ID != id1 || j1.Status != StatusRunning || j1.StartedAt == nil {
		t.Fatalf("unexpected job1: %#v", j1)
	}
	if j1.MaxAttempts != 3 || j1.Attempt != 1 {
		t.Fatalf("unexpected attempts: %d/%d", j1.Attempt, j1.MaxAttempts)
	}

	j2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 2: %v", err)
	}
	if j2 == nil || j2.ID != id2 {
		t.Fatalf("unexpected job2: %#v", j2)
	}

	j3, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 3: %v", err)
	}
	if j3 != nil {
		t.Fatalf("expected empty queue, got %#v", j3)
	}
}

func TestQueueRetryHonoursNextRetryAt(t *testing.T) {
	t.Parallel()
	q, _ := openTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	q = q.WithClock(func() time.Time { return now })

	id, err := q.Enqueue(ctx, EnqueueRequest{Kind: KindWebhookEvent, SubmittedBy: "webhook"})
	require.NoError(t, err)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)

	require.NoError(t, q.Retry(ctx, id, 2, now.Add(60*time.Second), "upstream 503"))

	none, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "job must wait for its retry time")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	later := q.WithClock(func() time.Time { return now.Add(61 * time.Second) })
	again, err := later.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempt)
	require.NotNil(t, again.LastError)
	assert.Equal(t, "upstream 503", *again.LastError)

	// Retrying a job that is not running is rejected.
	require.NoError(t, later.Complete(ctx, id, StatusSucceeded, nil))
	assert.ErrorIs(t, later.Retry(ctx, id, 3, now, "x"), ErrJobNotFound)
}

func TestQueueCompleteWritesJobLog(t *testing.T) {
	t.Parallel()
	q, db := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{Kind: KindWebhookEvent, AccountID: "acc", SubmittedBy: "webhook"})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	lastErr := "boom"
	require.NoError(t, q.Complete(ctx, id, StatusFailed, &lastErr))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM job_log WHERE job_id = ? AND account_id = 'acc';", id).Scan(&count))
	assert.Equal(t, 1, count)

	j, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.NotNil(t, j.CompletedAt)

	assert.Error(t, q.Complete(ctx, id, StatusRunning, nil))
	assert.ErrorIs(t, q.Complete(ctx, "missing", StatusFailed, nil), ErrJobNotFound)
}

func TestQueueRequeueOrphans(t *testing.T) {
	t.Parallel()
	q, _ := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{Kind: KindWebhookEvent, SubmittedBy: "webhook"})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	running, err := q.FindJobsByStatus(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, id, running[0].ID)

	require.NoError(t, q.Requeue(ctx, id))
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 1, j.Attempt)
}

func TestEventJobRoundTripsThroughPayload(t *testing.T) {
	t.Parallel()
	q, _ := openTestQueue(t)
	ctx := context.Background()

	payload, err := json.Marshal(EventJob{
		Type: "it.x.webhooks.entities.clients.create", CorrelationID: "evt-1",
		ResourceIDs: []string{"1", "2"}, AccountID: "acc", EventGroup: "entity",
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueRequest{Kind: KindWebhookEvent, AccountID: "acc", Payload: payload, SubmittedBy: "webhook"})
	require.NoError(t, err)

	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	ej, err := DecodeEventJob(j.Payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ej.ResourceIDs)
	assert.Equal(t, "entity", ej.EventGroup)
}

func TestDequeuePostgresUsesSkipLocked(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	q := New(&storage.DB{DB: sqlDB, Dialect: storage.DialectPostgres})
	mock.ExpectQuery(`(?s)UPDATE job_queue\s+SET status = \$1, started_at = \$2.*status = \$3 AND \(next_retry_at IS NULL OR next_retry_at <= \$4\).*FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	j, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.NoError(t, mock.ExpectationsWereMet())
}
