// Package sink writes authoritative resource state into the local store,
// keyed by (account, resource type, external id).
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/invoicehook/internal/storage"
)

// Upserter is the local write side the processor drives.
type Upserter interface {
	Upsert(ctx context.Context, accountID, resourceType, externalID string, payload json.RawMessage) error
	Delete(ctx context.Context, accountID, resourceType, externalID string) error
}

// Resource is one synced row.
type Resource struct {
	AccountID    string
	ResourceType string
	ExternalID   string
	Payload      json.RawMessage
	Deleted      bool
	SyncedAt     time.Time
}

// SQLSink stores resources in synced_resources.
type SQLSink struct {
	db  *storage.DB
	now func() time.Time
}

func NewSQLSink(db *storage.DB) *SQLSink {
	return &SQLSink{db: db, now: time.Now}
}

// Upsert writes payload for the natural key. Applying the same payload twice
// leaves the same row.
func (s *SQLSink) Upsert(ctx context.Context, accountID, resourceType, externalID string, payload json.RawMessage) error {
	if accountID == "" || resourceType == "" || externalID == "" {
		return fmt.Errorf("account_id, resource_type and external_id are required")
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO synced_resources(account_id, resource_type, external_id, payload, deleted, synced_at)
VALUES(?, ?, ?, ?, 0, ?)
ON CONFLICT(account_id, resource_type, external_id) DO UPDATE SET
  payload = excluded.payload,
  deleted = 0,
  synced_at = excluded.synced_at;
`), accountID, resourceType, externalID, string(payload), storage.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", resourceType, externalID, err)
	}
	return nil
}

// Delete tombstones the resource. Deleting an unknown resource records the
// tombstone so a late create cannot resurrect stale state unnoticed.
func (s *SQLSink) Delete(ctx context.Context, accountID, resourceType, externalID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO synced_resources(account_id, resource_type, external_id, payload, deleted, synced_at)
VALUES(?, ?, ?, NULL, 1, ?)
ON CONFLICT(account_id, resource_type, external_id) DO UPDATE SET
  deleted = 1,
  synced_at = excluded.synced_at;
`), accountID, resourceType, externalID, storage.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", resourceType, externalID, err)
	}
	return nil
}

// Get reads one resource; ok is false when absent.
func (s *SQLSink) Get(ctx context.Context, accountID, resourceType, externalID string) (*Resource, bool, error) {
	var (
		r        Resource
		payload  *string
		deleted  int
		syncedAt string
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
SELECT account_id, resource_type, external_id, payload, deleted, synced_at
FROM synced_resources WHERE account_id = ? AND resource_type = ? AND external_id = ?;
`), accountID, resourceType, externalID).Scan(&r.AccountID, &r.ResourceType, &r.ExternalID, &payload, &deleted, &syncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get resource: %w", err)
	}
	if payload != nil {
		r.Payload = json.RawMessage(*payload)
	}
	r.Deleted = deleted == 1
	r.SyncedAt, _ = storage.ParseTime(syncedAt)
	return &r, true, nil
}
