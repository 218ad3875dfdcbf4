package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/invoicehook/internal/storage"
)

// Store persists subscriptions. At most one row per (account, event_group)
// is active; the partial unique index enforces it.
type Store struct {
	db  *storage.DB
	now func() time.Time
}

func NewStore(db *storage.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const selectColumns = `id, account_id, event_group, external_id, secret, sink, types, expires_at, active, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var (
		s                    Subscription
		secret               sql.NullString
		typesJSON            string
		expiresAt            sql.NullString
		active               int
		createdAt, updatedAt string
	)
	if err := row.Scan(&s.ID, &s.AccountID, &s.EventGroup, &s.ExternalID, &secret, &s.Sink, &typesJSON,
		&expiresAt, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.Secret = secret.String
	if typesJSON != "" {
		_ = json.Unmarshal([]byte(typesJSON), &s.Types)
	}
	s.ExpiresAt = storage.ParseNullTime(expiresAt)
	s.Active = active == 1
	s.CreatedAt, _ = storage.ParseTime(createdAt)
	s.UpdatedAt, _ = storage.ParseTime(updatedAt)
	return &s, nil
}

func (st *Store) queryOne(ctx context.Context, query string, args ...any) (*Subscription, error) {
	s, err := scanSubscription(st.db.QueryRowContext(ctx, st.db.Rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (st *Store) queryMany(ctx context.Context, query string, args ...any) ([]Subscription, error) {
	rows, err := st.db.QueryContext(ctx, st.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Get loads a subscription by local id.
func (st *Store) Get(ctx context.Context, id string) (*Subscription, error) {
	s, err := st.queryOne(ctx, `SELECT `+selectColumns+` FROM subscriptions WHERE id = ?;`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, err
}

// FindActive returns the active subscription for (accountID, eventGroup) or ErrNotFound.
func (st *Store) FindActive(ctx context.Context, accountID, eventGroup string) (*Subscription, error) {
	s, err := st.queryOne(ctx, `SELECT `+selectColumns+` FROM subscriptions
WHERE account_id = ? AND event_group = ? AND active = 1;`, accountID, eventGroup)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find active subscription: %w", err)
	}
	return s, err
}

// ListActive returns active subscriptions, for one account or all when accountID is empty.
func (st *Store) ListActive(ctx context.Context, accountID string) ([]Subscription, error) {
	var (
		out []Subscription
		err error
	)
	if accountID == "" {
		out, err = st.queryMany(ctx, `SELECT `+selectColumns+` FROM subscriptions WHERE active = 1 ORDER BY account_id, event_group;`)
	} else {
		out, err = st.queryMany(ctx, `SELECT `+selectColumns+` FROM subscriptions
WHERE active = 1 AND account_id = ? ORDER BY event_group;`, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return out, nil
}

// FindExpiring returns active subscriptions with a non-null expiry at or
// before now+within, soonest first.
func (st *Store) FindExpiring(ctx context.Context, within time.Duration, now time.Time) ([]Subscription, error) {
	cutoff := storage.FormatTime(now.Add(within))
	out, err := st.queryMany(ctx, `SELECT `+selectColumns+` FROM subscriptions
WHERE active = 1 AND expires_at IS NOT NULL AND expires_at <= ?
ORDER BY expires_at ASC, id ASC;`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find expiring subscriptions: %w", err)
	}
	return out, nil
}

// Upsert writes the active subscription for (AccountID, EventGroup). An
// existing active row is updated in place so two active rows never coexist.
func (st *Store) Upsert(ctx context.Context, p UpsertParams) (*Subscription, error) {
	if p.AccountID == "" || p.EventGroup == "" {
		return nil, fmt.Errorf("account_id and event_group are required")
	}
	if strings.TrimSpace(p.ExternalID) == "" {
		return nil, fmt.Errorf("external_id is required")
	}
	types := p.Types
	if types == nil {
		types = []string{}
	}
	typesJSON, err := json.Marshal(types)
	if err != nil {
		return nil, fmt.Errorf("encode types: %w", err)
	}
	now := storage.FormatTime(st.now())

	// One statement, so concurrent writers for the same (account, group)
	// converge on the active row instead of racing a lookup.
	var id string
	err = st.db.QueryRowContext(ctx, st.db.Rebind(`
INSERT INTO subscriptions(id, account_id, event_group, external_id, secret, sink, types, expires_at, active, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(account_id, event_group) WHERE active = 1 DO UPDATE SET
  external_id = excluded.external_id,
  secret = COALESCE(excluded.secret, subscriptions.secret),
  sink = CASE WHEN excluded.sink = '' THEN subscriptions.sink ELSE excluded.sink END,
  types = CASE WHEN excluded.types = '[]' THEN subscriptions.types ELSE excluded.types END,
  expires_at = excluded.expires_at,
  updated_at = excluded.updated_at
RETURNING id;
`), uuid.NewString(), p.AccountID, p.EventGroup, p.ExternalID, storage.NullString(p.Secret), p.Sink, string(typesJSON),
		storage.FormatNullTime(p.ExpiresAt), now, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}
	return st.Get(ctx, id)
}

// UpdateExpiry records a renewal result on an existing row. Empty
// externalID or secret and a nil expiresAt keep the stored values.
func (st *Store) UpdateExpiry(ctx context.Context, id string, externalID, secret string, expiresAt *time.Time) error {
	res, err := st.db.ExecContext(ctx, st.db.Rebind(`
UPDATE subscriptions
SET external_id = CASE WHEN ? = '' THEN external_id ELSE ? END,
    secret = COALESCE(?, secret),
    expires_at = COALESCE(?, expires_at),
    updated_at = ?
WHERE id = ?;
`), externalID, externalID, storage.NullString(secret), storage.FormatNullTime(expiresAt), storage.FormatTime(st.now()), id)
	if err != nil {
		return fmt.Errorf("update subscription expiry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate marks a subscription inactive. Inactive rows are kept for audit.
func (st *Store) Deactivate(ctx context.Context, id string) error {
	res, err := st.db.ExecContext(ctx, st.db.Rebind(`UPDATE subscriptions SET active = 0, updated_at = ? WHERE id = ?;`),
		storage.FormatTime(st.now()), id)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
