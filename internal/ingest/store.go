package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mattjoyce/invoicehook/internal/storage"
)

// Store persists ingested events.
type Store struct {
	db  *storage.DB
	now func() time.Time
}

func NewStore(db *storage.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// NewEvent is the input to CreatePending.
type NewEvent struct {
	AccountID  string
	CEID       string
	EventType  string
	Mapping    Mapping
	ResourceID string
	// OccurredAt is zero when the delivery carried no time; ReceivedAt is
	// then stored in its place.
	OccurredAt time.Time
	ReceivedAt time.Time
	Payload    []byte
}

const selectColumns = `id, account_id, dedup_key, ce_id, event_type, resource_type, action, resource_id,
  occurred_at, payload, status, last_error, created_at, updated_at, processed_at`

func scanEvent(row interface{ Scan(...any) error }) (*IngestedEvent, error) {
	var (
		e                                IngestedEvent
		ceID, payload, lastErr           sql.NullString
		resourceType, action, status     string
		occurredAt, createdAt, updatedAt string
		processedAt                      sql.NullString
	)
	if err := row.Scan(&e.ID, &e.AccountID, &e.DedupKey, &ceID, &e.EventType, &resourceType, &action, &e.ResourceID,
		&occurredAt, &payload, &status, &lastErr, &createdAt, &updatedAt, &processedAt); err != nil {
		return nil, err
	}
	e.CEID = ceID.String
	e.ResourceType = ResourceType(resourceType)
	e.Action = Action(action)
	e.Status = Status(status)
	e.LastError = lastErr.String
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	e.OccurredAt, _ = storage.ParseTime(occurredAt)
	e.CreatedAt, _ = storage.ParseTime(createdAt)
	e.UpdatedAt, _ = storage.ParseTime(updatedAt)
	e.ProcessedAt = storage.ParseNullTime(processedAt)
	return &e, nil
}

// CreatePending records ev as pending unless its dedup key already exists.
// An existing processed or pending row is left untouched; an errored row is
// moved back to pending so a provider redelivery re-drives it. The returned
// flag reports whether a row was inserted or revived.
func (s *Store) CreatePending(ctx context.Context, ev NewEvent) (bool, error) {
	if ev.AccountID == "" || ev.ResourceID == "" || ev.EventType == "" {
		return false, fmt.Errorf("account_id, resource_id and event_type are required")
	}
	key := DedupKey(ev.CEID, ev.EventType, ev.ResourceID, ev.OccurredAt)
	now := storage.FormatTime(s.now())
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = ev.ReceivedAt
	}
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO ingested_events(
  id, account_id, dedup_key, ce_id, event_type, resource_type, action, resource_id,
  occurred_at, payload, status, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id, dedup_key) DO UPDATE SET
  status = excluded.status,
  last_error = NULL,
  updated_at = excluded.updated_at
WHERE ingested_events.status = 'error';
`), ulid.Make().String(), ev.AccountID, key, storage.NullString(ev.CEID), ev.EventType,
		string(ev.Mapping.ResourceType), string(ev.Mapping.Action), ev.ResourceID,
		storage.FormatTime(occurredAt), payload, string(StatusPending), now, now)
	if err != nil {
		return false, fmt.Errorf("create pending event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create pending event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed moves the event with dedupKey to processed.
func (s *Store) MarkProcessed(ctx context.Context, accountID, dedupKey string) error {
	now := storage.FormatTime(s.now())
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE ingested_events
SET status = ?, last_error = NULL, processed_at = ?, updated_at = ?
WHERE account_id = ? AND dedup_key = ?;
`), string(StatusProcessed), now, now, accountID, dedupKey)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// MarkError records a terminal failure. Only pending rows change, so a
// concurrent success is never overwritten.
func (s *Store) MarkError(ctx context.Context, accountID, dedupKey, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE ingested_events
SET status = ?, last_error = ?, updated_at = ?
WHERE account_id = ? AND dedup_key = ? AND status = ?;
`), string(StatusError), reason, storage.FormatTime(s.now()), accountID, dedupKey, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("mark event error: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get loads one event by id.
func (s *Store) Get(ctx context.Context, id string) (*IngestedEvent, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+selectColumns+` FROM ingested_events WHERE id = ?;`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// GetByKey loads one event by its dedup key.
func (s *Store) GetByKey(ctx context.Context, accountID, dedupKey string) (*IngestedEvent, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+selectColumns+`
FROM ingested_events WHERE account_id = ? AND dedup_key = ?;`), accountID, dedupKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dedupKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get event by key: %w", err)
	}
	return e, nil
}

// ResetForReprocess moves an errored event back to pending and returns it.
func (s *Store) ResetForReprocess(ctx context.Context, id string) (*IngestedEvent, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE ingested_events SET status = ?, last_error = NULL, updated_at = ?
WHERE id = ? AND status = ?;
`), string(StatusPending), storage.FormatTime(s.now()), id, string(StatusError))
	if err != nil {
		return nil, fmt.Errorf("reset event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotReprocessable
	}
	return s.Get(ctx, id)
}

// Filter narrows List and Count. Zero fields match everything.
type Filter struct {
	AccountID string
	Status    Status
	Limit     int
}

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Count returns the number of events matching f.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM ingested_events`+where+`;`), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// List returns events matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]IngestedEvent, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+selectColumns+` FROM ingested_events`+where+`
ORDER BY created_at DESC, id DESC LIMIT ?;`), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []IngestedEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
