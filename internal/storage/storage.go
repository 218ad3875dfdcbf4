package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and the few statements that differ
// between the supported SQL engines.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Rebind rewrites '?' placeholders to the dialect's native form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SkipLocked is appended to claim queries so concurrent workers on Postgres
// never block on the same row. SQLite serializes writers already.
func (d Dialect) SkipLocked() string {
	if d == DialectPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// DB is a database handle that knows its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Rebind is shorthand for db.Dialect.Rebind.
func (db *DB) Rebind(query string) string {
	return db.Dialect.Rebind(query)
}

// Options configures Open.
type Options struct {
	Driver string // "sqlite" (default) or "postgres"
	Path   string // sqlite file
	DSN    string // postgres connection string

	MaxOpenConns int
}

// Open opens the configured database and ensures the schema exists.
func Open(ctx context.Context, opts Options) (*DB, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "sqlite":
		return OpenSQLite(ctx, opts.Path)
	case "postgres", "pgx":
		return OpenPostgres(ctx, opts.DSN, opts.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unsupported state driver %q", opts.Driver)
	}
}

// OpenSQLite opens (and creates if needed) the SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := requireLocalDisk(path, probeFS); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	sqlDB, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db := &DB{DB: sqlDB, Dialect: DialectSQLite}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := Bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenPostgres opens a Postgres database through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string, maxOpen int) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 20
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen / 2)
	sqlDB.SetConnMaxLifetime(15 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{DB: sqlDB, Dialect: DialectPostgres}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Bootstrap creates tables and indexes if missing. The DDL is shared by both
// dialects: ids are text, timestamps are fixed-width UTC text, flags are integers.
func Bootstrap(ctx context.Context, db *DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS provider_accounts (
  id               TEXT PRIMARY KEY,
  tenant_id        TEXT NOT NULL,
  company_id       TEXT NOT NULL,
  access_token     TEXT NOT NULL DEFAULT '',
  refresh_token    TEXT NOT NULL DEFAULT '',
  token_expires_at TEXT,
  status           TEXT NOT NULL DEFAULT 'active',
  last_sync_at     TEXT,
  created_at       TEXT NOT NULL,
  updated_at       TEXT NOT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS provider_accounts_tenant_company_idx ON provider_accounts(tenant_id, company_id);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
  id          TEXT PRIMARY KEY,
  account_id  TEXT NOT NULL REFERENCES provider_accounts(id) ON DELETE CASCADE,
  event_group TEXT NOT NULL,
  external_id TEXT NOT NULL,
  secret      TEXT,
  sink        TEXT NOT NULL DEFAULT '',
  types       TEXT NOT NULL DEFAULT '[]',
  expires_at  TEXT,
  active      INTEGER NOT NULL DEFAULT 1,
  created_at  TEXT NOT NULL,
  updated_at  TEXT NOT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_one_active_idx ON subscriptions(account_id, event_group) WHERE active = 1;`,
		`CREATE INDEX IF NOT EXISTS subscriptions_active_expires_idx ON subscriptions(active, expires_at);`,
		`CREATE TABLE IF NOT EXISTS ingested_events (
  id            TEXT PRIMARY KEY,
  account_id    TEXT NOT NULL REFERENCES provider_accounts(id) ON DELETE CASCADE,
  dedup_key     TEXT NOT NULL,
  ce_id         TEXT,
  event_type    TEXT NOT NULL,
  resource_type TEXT NOT NULL,
  action        TEXT NOT NULL,
  resource_id   TEXT NOT NULL,
  occurred_at   TEXT NOT NULL,
  payload       TEXT,
  status        TEXT NOT NULL,
  last_error    TEXT,
  created_at    TEXT NOT NULL,
  updated_at    TEXT NOT NULL,
  processed_at  TEXT
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ingested_events_dedup_idx ON ingested_events(account_id, dedup_key);`,
		`CREATE INDEX IF NOT EXISTS ingested_events_account_created_idx ON ingested_events(account_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS job_queue (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  account_id    TEXT NOT NULL DEFAULT '',
  payload       TEXT,
  status        TEXT NOT NULL,
  attempt       INTEGER NOT NULL DEFAULT 1,
  max_attempts  INTEGER NOT NULL DEFAULT 3,
  submitted_by  TEXT NOT NULL,
  dedupe_key    TEXT,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  completed_at  TEXT,
  next_retry_at TEXT,
  last_error    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_log (
  id           TEXT PRIMARY KEY,
  job_id       TEXT NOT NULL,
  kind         TEXT NOT NULL,
  account_id   TEXT NOT NULL DEFAULT '',
  status       TEXT NOT NULL,
  attempt      INTEGER NOT NULL,
  submitted_by TEXT NOT NULL,
  created_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL,
  last_error   TEXT
);`,
		`CREATE INDEX IF NOT EXISTS job_queue_status_created_at_idx ON job_queue(status, created_at);`,
		`CREATE TABLE IF NOT EXISTS synced_resources (
  account_id    TEXT NOT NULL REFERENCES provider_accounts(id) ON DELETE CASCADE,
  resource_type TEXT NOT NULL,
  external_id   TEXT NOT NULL,
  payload       TEXT,
  deleted       INTEGER NOT NULL DEFAULT 0,
  synced_at     TEXT NOT NULL,
  PRIMARY KEY (account_id, resource_type, external_id)
);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", db.Dialect, err)
		}
	}
	return nil
}
