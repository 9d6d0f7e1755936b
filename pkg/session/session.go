// Package session tracks which external apps a user has connected. It keeps
// an in-memory index keyed by (user_id, app_slug) for fast lookup and writes
// through to a durable backend so connections survive a process restart.
package session

import (
	"context"
	"maps"
	"time"
)

// Status describes the lifecycle state of a session record.
type Status string

// Session statuses. Expired records are purged, never resurrected.
const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Record tracks an active connection between a user and an external app.
type Record struct {
	// SessionID is the unique session identifier, minted by the caller.
	SessionID string

	// UserID identifies the owning principal.
	UserID string

	// AppSlug identifies the connected external application.
	AppSlug string

	// Status is the lifecycle state of the record.
	Status Status

	// Metadata holds caller-defined opaque data (tool list, remote
	// response snapshot, client config).
	Metadata map[string]any

	// CreatedAt is set once at creation and never changes.
	CreatedAt time.Time

	// LastAccessed is updated when the record is written.
	LastAccessed time.Time

	// ExpiresAt is when the record expires. Nil means no expiry.
	ExpiresAt *time.Time
}

// Expired reports whether the record's expiry has passed. Records without an
// expiry never expire.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Clone returns a deep copy of the record. Metadata is copied one level deep;
// nested values are caller-owned and treated as immutable.
func (r *Record) Clone() *Record {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		maps.Copy(c.Metadata, r.Metadata)
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Stats summarizes the in-memory index.
type Stats struct {
	// TotalSessions is the number of active records.
	TotalSessions int `json:"total_sessions"`

	// ActiveUsers is the number of users with at least one record.
	ActiveUsers int `json:"active_users"`

	// TotalAppConnections is the number of (user, app) pairs.
	TotalAppConnections int `json:"total_app_connections"`
}

// ExpiredRef identifies a durably-stored record that should be swept.
type ExpiredRef struct {
	SessionID string
	UserID    string
	AppSlug   string
}

// Backend is the durable storage behind the in-memory index. It is a recovery
// source, not a read path: the store only consults it at startup and during
// sweeps.
type Backend interface {
	// LoadActive returns every record with status active whose expiry is
	// unset or after now. Rows that cannot be parsed are skipped and left
	// in place for the sweep.
	LoadActive(ctx context.Context, now time.Time) ([]*Record, error)

	// Upsert writes the record, superseding the row identified by
	// supersedes (a session ID, empty when the pair had no prior record)
	// in the same transaction.
	Upsert(ctx context.Context, rec *Record, supersedes string) error

	// Delete removes the row for the session ID.
	Delete(ctx context.Context, sessionID string) error

	// ListExpired returns references to rows whose expiry has passed.
	// Rows with an unparseable expiry are included so they do not leak.
	ListExpired(ctx context.Context, now time.Time) ([]ExpiredRef, error)

	// Close releases backend resources.
	Close() error
}

// NopBackend is a Backend that durably stores nothing. It backs the
// memory-only mode used in tests and single-shot tooling.
type NopBackend struct{}

// LoadActive returns no records.
func (NopBackend) LoadActive(context.Context, time.Time) ([]*Record, error) { return nil, nil }

// Upsert does nothing.
func (NopBackend) Upsert(context.Context, *Record, string) error { return nil }

// Delete does nothing.
func (NopBackend) Delete(context.Context, string) error { return nil }

// ListExpired returns no references.
func (NopBackend) ListExpired(context.Context, time.Time) ([]ExpiredRef, error) { return nil, nil }

// Close does nothing.
func (NopBackend) Close() error { return nil }

// Verify interface compliance.
var _ Backend = NopBackend{}
