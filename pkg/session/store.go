package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store is a process-local registry of per-user per-app sessions. Lookups are
// served from memory; every mutation commits to the durable backend before
// the index changes, so the two never disagree about which sessions are
// active. All operations take a single lock and are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	backend Backend
	logger  *slog.Logger

	// sessions indexes records by session ID.
	sessions map[string]*Record

	// byUser maps user ID to app slug to session ID.
	byUser map[string]map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Store backed by backend and reloads every active, unexpired
// record into memory. Records that fail the filter stay in durable storage
// for the sweep but are never loaded.
func New(ctx context.Context, backend Backend, logger *slog.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		backend:  backend,
		logger:   logger,
		sessions: make(map[string]*Record),
		byUser:   make(map[string]map[string]string),
	}

	records, err := backend.LoadActive(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	for _, rec := range records {
		s.indexLocked(rec.Clone())
	}
	if len(records) > 0 {
		logger.Info("restored sessions from durable storage", "count", len(records))
	}

	return s, nil
}

// Has reports whether an active record exists for the pair. No side effects.
func (s *Store) Has(userID, appSlug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.byUser[userID][appSlug]
	return ok
}

// Store inserts or replaces the record for (rec.UserID, rec.AppSlug).
// Replacement is last-writer-wins. The durable write commits first; if it
// fails the in-memory index is left exactly as before the call.
func (s *Store) Store(ctx context.Context, rec *Record) error {
	if rec == nil || rec.SessionID == "" {
		return errors.New("session: record requires a session ID")
	}
	if rec.UserID == "" || rec.AppSlug == "" {
		return errors.New("session: record requires user ID and app slug")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := rec.Clone()
	stored.Status = StatusActive
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.LastAccessed = now

	supersedes := s.byUser[stored.UserID][stored.AppSlug]
	if err := s.backend.Upsert(ctx, stored, supersedes); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}

	if supersedes != "" {
		delete(s.sessions, supersedes)
	}
	s.indexLocked(stored)
	return nil
}

// Get returns a copy of the current in-memory record for the pair. It never
// consults durable storage.
func (s *Store) Get(userID, appSlug string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byUser[userID][appSlug]
	if !ok {
		return nil, false
	}
	rec, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// UserSessions returns copies of all active records for the user. The slice
// is a snapshot; later mutations are not visible through it.
func (s *Store) UserSessions(userID string) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	apps := s.byUser[userID]
	if len(apps) == 0 {
		return nil
	}
	out := make([]*Record, 0, len(apps))
	for _, id := range apps {
		if rec, ok := s.sessions[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Remove deletes the record for the pair from both memory and durable
// storage. It returns false when no record existed. Both removals happen or
// neither does: a durable delete failure leaves the index unchanged.
func (s *Store) Remove(ctx context.Context, userID, appSlug string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(ctx, userID, appSlug)
}

// removeLocked is the single removal path shared by Remove and the sweep.
func (s *Store) removeLocked(ctx context.Context, userID, appSlug string) (bool, error) {
	id, ok := s.byUser[userID][appSlug]
	if !ok {
		return false, nil
	}

	if err := s.backend.Delete(ctx, id); err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}

	delete(s.sessions, id)
	delete(s.byUser[userID], appSlug)
	if len(s.byUser[userID]) == 0 {
		delete(s.byUser, userID)
	}
	return true, nil
}

// CleanupExpired removes every expired record, durable store first, then the
// in-memory index, using the same removal path as Remove. Per-record
// failures are logged and skipped so one bad row cannot block the sweep.
// It returns the number of records removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	removed := 0

	refs, err := s.backend.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing expired sessions: %w", err)
	}
	for _, ref := range refs {
		if id, ok := s.byUser[ref.UserID][ref.AppSlug]; ok && id == ref.SessionID {
			ok, err := s.removeLocked(ctx, ref.UserID, ref.AppSlug)
			if err != nil {
				s.logger.Warn("failed to remove expired session",
					"session_id", ref.SessionID, "error", err)
				continue
			}
			if ok {
				removed++
			}
			continue
		}
		// Row is not in the index (stale from a prior run); purge it
		// directly so durable storage does not leak.
		if err := s.backend.Delete(ctx, ref.SessionID); err != nil {
			s.logger.Warn("failed to purge stale session row",
				"session_id", ref.SessionID, "error", err)
			continue
		}
		removed++
	}

	// Catch records the backend could not see, e.g. with a NopBackend.
	for userID, apps := range s.byUser {
		for appSlug, id := range apps {
			rec, ok := s.sessions[id]
			if !ok || !rec.Expired(now) {
				continue
			}
			ok, err := s.removeLocked(ctx, userID, appSlug)
			if err != nil {
				s.logger.Warn("failed to remove expired session",
					"session_id", id, "error", err)
				continue
			}
			if ok {
				removed++
			}
		}
	}

	if removed > 0 {
		s.logger.Info("cleaned up expired sessions", "count", removed)
	}
	return removed, nil
}

// Stats returns aggregate sizes of the in-memory index.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	connections := 0
	for _, apps := range s.byUser {
		connections += len(apps)
	}
	return Stats{
		TotalSessions:       len(s.sessions),
		ActiveUsers:         len(s.byUser),
		TotalAppConnections: connections,
	}
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired sessions. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CleanupExpired(ctx); err != nil {
					s.logger.Warn("session sweep failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit. It is safe to
// call Close even if StartCleanupRoutine was never called. The backend is
// owned by the caller and is not closed here.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// indexLocked inserts the record into both maps.
func (s *Store) indexLocked(rec *Record) {
	s.sessions[rec.SessionID] = rec
	apps, ok := s.byUser[rec.UserID]
	if !ok {
		apps = make(map[string]string)
		s.byUser[rec.UserID] = apps
	}
	apps[rec.AppSlug] = rec.SessionID
}
