package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/invoicehook/internal/storage"
)

// Store persists provider accounts.
type Store struct {
	db  *storage.DB
	now func() time.Time
}

func NewStore(db *storage.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const selectColumns = `id, tenant_id, company_id, access_token, refresh_token, token_expires_at,
  status, last_sync_at, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*ProviderAccount, error) {
	var (
		a                    ProviderAccount
		status               string
		expiresAt, lastSync  sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.CompanyID, &a.AccessToken, &a.RefreshToken, &expiresAt,
		&status, &lastSync, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.TokenExpiresAt = storage.ParseNullTime(expiresAt)
	a.LastSyncAt = storage.ParseNullTime(lastSync)
	a.CreatedAt, _ = storage.ParseTime(createdAt)
	a.UpdatedAt, _ = storage.ParseTime(updatedAt)
	return &a, nil
}

// Get loads one account by id.
func (s *Store) Get(ctx context.Context, id string) (*ProviderAccount, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+selectColumns+` FROM provider_accounts WHERE id = ?;`), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

// List returns all accounts ordered by creation.
func (s *Store) List(ctx context.Context) ([]ProviderAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM provider_accounts ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []ProviderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Upsert inserts or updates an account keyed by (tenant_id, company_id).
// A missing ID is generated; the stored ID is returned in the result.
func (s *Store) Upsert(ctx context.Context, a ProviderAccount) (*ProviderAccount, error) {
	if a.TenantID == "" || a.CompanyID == "" {
		return nil, fmt.Errorf("%w: tenant_id and company_id are required", ErrInvalidInput)
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if !a.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, a.Status)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := storage.FormatTime(s.now())

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO provider_accounts(
  id, tenant_id, company_id, access_token, refresh_token, token_expires_at, status, last_sync_at, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, company_id) DO UPDATE SET
  access_token = excluded.access_token,
  refresh_token = excluded.refresh_token,
  token_expires_at = excluded.token_expires_at,
  status = excluded.status,
  updated_at = excluded.updated_at;
`), a.ID, a.TenantID, a.CompanyID, a.AccessToken, a.RefreshToken, storage.FormatNullTime(a.TokenExpiresAt),
		string(a.Status), storage.FormatNullTime(a.LastSyncAt), now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert account: %w", err)
	}

	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+selectColumns+` FROM provider_accounts WHERE tenant_id = ? AND company_id = ?;`),
		a.TenantID, a.CompanyID)
	out, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("reload account: %w", err)
	}
	return out, nil
}

// MarkNeedsRefresh flags an account whose credentials the provider rejected.
func (s *Store) MarkNeedsRefresh(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusNeedsRefresh)
}

func (s *Store) setStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE provider_accounts SET status = ?, updated_at = ? WHERE id = ?;`),
		string(status), storage.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("set account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// TouchLastSync records a successful sync at t.
func (s *Store) TouchLastSync(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE provider_accounts SET last_sync_at = ?, updated_at = ? WHERE id = ?;`),
		storage.FormatTime(t), storage.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("touch last sync: %w", err)
	}
	return nil
}
