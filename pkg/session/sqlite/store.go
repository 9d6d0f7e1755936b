// Package sqlite provides SQLite storage for session records.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/txn2/mcp-connect/pkg/session"
)

//go:embed migrations/*.sql
var migrations embed.FS

// sb is the SQLite statement builder with question placeholders.
var sb = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// sessionColumns lists columns returned by session SELECT queries.
var sessionColumns = []string{
	"session_id", "user_id", "app_slug", "status",
	"metadata", "created_at", "last_accessed", "expires_at",
}

// timeFormat is how timestamps are stored. RFC 3339 in UTC compares
// correctly as text, which keeps the expires_at index usable.
const timeFormat = time.RFC3339Nano

// Store implements session.Backend using SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an existing database handle. The schema must already exist; use
// Open for the usual open-and-migrate path.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Open opens (creating if absent) the SQLite database at path and applies
// pending migrations.
func Open(path string, maxOpenConns int, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, logger), nil
}

// Migrate applies all pending schema migrations. It is idempotent.
func Migrate(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite driver: %w", err)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// LoadActive returns every active record whose expiry is unset or after now.
// Rows that fail to parse are logged and skipped; the sweep purges them.
func (s *Store) LoadActive(ctx context.Context, now time.Time) ([]*session.Record, error) {
	query, args, err := sb.Select(sessionColumns...).
		From("sessions").
		Where(sq.Eq{"status": string(session.StatusActive)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building load query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*session.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable session row", "error", err)
			continue
		}
		if rec.Expired(now) {
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return records, nil
}

// Upsert writes the record and, in the same transaction, deletes the row it
// supersedes so the (user_id, app_slug) pair keeps a single row.
func (s *Store) Upsert(ctx context.Context, rec *session.Record, supersedes string) error {
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if supersedes != "" && supersedes != rec.SessionID {
		query, args, err := sb.Delete("sessions").
			Where(sq.Eq{"session_id": supersedes}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building supersede query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting superseded session: %w", err)
		}
	}

	query, args, err := sb.Insert("sessions").
		Options("OR REPLACE").
		Columns(sessionColumns...).
		Values(
			rec.SessionID,
			rec.UserID,
			rec.AppSlug,
			string(rec.Status),
			metadata,
			rec.CreatedAt.UTC().Format(timeFormat),
			rec.LastAccessed.UTC().Format(timeFormat),
			encodeExpiry(rec.ExpiresAt),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session write: %w", err)
	}
	return nil
}

// Delete removes the row for the session ID.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	query, args, err := sb.Delete("sessions").
		Where(sq.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListExpired returns references to rows whose expiry has passed. A row with
// an unparseable expires_at is treated as expired so garbage cannot
// accumulate unbounded.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]session.ExpiredRef, error) {
	query, args, err := sb.Select("session_id", "user_id", "app_slug", "expires_at").
		From("sessions").
		Where("expires_at IS NOT NULL").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building expiry query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing expiring sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []session.ExpiredRef
	for rows.Next() {
		var ref session.ExpiredRef
		var expiresAt string
		if err := rows.Scan(&ref.SessionID, &ref.UserID, &ref.AppSlug, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning expiry row: %w", err)
		}
		t, err := parseTime(expiresAt)
		if err != nil {
			s.logger.Warn("treating session with unparseable expiry as expired",
				"session_id", ref.SessionID, "expires_at", expiresAt)
			refs = append(refs, ref)
			continue
		}
		if !t.After(now) {
			refs = append(refs, ref)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expiry rows: %w", err)
	}
	return refs, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanRecord scans a row into a Record.
func scanRecord(rows *sql.Rows) (*session.Record, error) {
	var (
		rec          session.Record
		status       string
		metadata     sql.NullString
		createdAt    string
		lastAccessed string
		expiresAt    sql.NullString
	)

	err := rows.Scan(&rec.SessionID, &rec.UserID, &rec.AppSlug, &status,
		&metadata, &createdAt, &lastAccessed, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("scanning session row: %w", err)
	}

	rec.Status = session.Status(status)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", rec.SessionID, err)
		}
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for %s: %w", rec.SessionID, err)
	}
	if rec.LastAccessed, err = parseTime(lastAccessed); err != nil {
		return nil, fmt.Errorf("parsing last_accessed for %s: %w", rec.SessionID, err)
	}
	if expiresAt.Valid && expiresAt.String != "" {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at for %s: %w", rec.SessionID, err)
		}
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

// encodeMetadata serializes the metadata map, or NULL when empty.
func encodeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// encodeExpiry serializes an optional expiry, or NULL when absent.
func encodeExpiry(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

// parseTime accepts the formats this store and SQLite defaults produce.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeFormat, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Verify interface compliance.
var _ session.Backend = (*Store)(nil)
