package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTTL        = time.Hour
	testGoroutines = 20
	testUser       = "u1"
	testApp        = "github"
)

// fakeBackend is an in-memory Backend that behaves like the durable store,
// including startup filtering, so restart scenarios can be exercised.
type fakeBackend struct {
	mu      sync.Mutex
	rows    map[string]*Record
	failing bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[string]*Record)}
}

func (b *fakeBackend) LoadActive(_ context.Context, now time.Time) ([]*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return nil, errors.New("disk unavailable")
	}
	var out []*Record
	for _, rec := range b.rows {
		if rec.Status == StatusActive && !rec.Expired(now) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (b *fakeBackend) Upsert(_ context.Context, rec *Record, supersedes string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("disk unavailable")
	}
	if supersedes != "" {
		delete(b.rows, supersedes)
	}
	b.rows[rec.SessionID] = rec.Clone()
	return nil
}

func (b *fakeBackend) Delete(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("disk unavailable")
	}
	delete(b.rows, sessionID)
	return nil
}

func (b *fakeBackend) ListExpired(_ context.Context, now time.Time) ([]ExpiredRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return nil, errors.New("disk unavailable")
	}
	var refs []ExpiredRef
	for _, rec := range b.rows {
		if rec.Expired(now) {
			refs = append(refs, ExpiredRef{
				SessionID: rec.SessionID,
				UserID:    rec.UserID,
				AppSlug:   rec.AppSlug,
			})
		}
	}
	return refs, nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) rowCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

func newTestRecord(id, userID, appSlug string, ttl time.Duration) *Record {
	now := time.Now().UTC()
	rec := &Record{
		SessionID: id,
		UserID:    userID,
		AppSlug:   appSlug,
		Status:    StatusActive,
		Metadata:  map[string]any{"tools": []any{"list_repos"}},
		CreatedAt: now,
	}
	if ttl != 0 {
		expires := now.Add(ttl)
		rec.ExpiresAt = &expires
	}
	return rec
}

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	store, err := New(context.Background(), backend, nil)
	require.NoError(t, err)
	return store
}

func TestStore_StoreAndGet(t *testing.T) {
	store := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	rec := newTestRecord("sid-1", testUser, testApp, testTTL)
	require.NoError(t, store.Store(ctx, rec))

	assert.True(t, store.Has(testUser, testApp))

	got, ok := store.Get(testUser, testApp)
	require.True(t, ok)
	assert.Equal(t, "sid-1", got.SessionID)
	assert.Equal(t, testUser, got.UserID)
	assert.Equal(t, testApp, got.AppSlug)
	assert.Equal(t, StatusActive, got.Status)
	assert.False(t, got.LastAccessed.IsZero())
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t, newFakeBackend())

	got, ok := store.Get("nobody", testApp)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.False(t, store.Has("nobody", testApp))
}

func TestStore_RejectsIncompleteRecord(t *testing.T) {
	store := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	assert.Error(t, store.Store(ctx, &Record{UserID: testUser, AppSlug: testApp}))
	assert.Error(t, store.Store(ctx, &Record{SessionID: "sid-1", AppSlug: testApp}))
	assert.Error(t, store.Store(ctx, &Record{SessionID: "sid-1", UserID: testUser}))
	assert.Error(t, store.Store(ctx, nil))
}

func TestStore_ReplaceSamePair(t *testing.T) {
	backend := newFakeBackend()
	store := newTestStore(t, backend)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, newTestRecord("sid-1", testUser, testApp, testTTL)))
	require.NoError(t, store.Store(ctx, newTestRecord("sid-2", testUser, testApp, testTTL)))

	got, ok := store.Get(testUser, testApp)
	require.True(t, ok)
	assert.Equal(t, "sid-2", got.SessionID)

	sessions := store.UserSessions(testUser)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sid-2", sessions[0].SessionID)

	// The superseded row must not linger durably either.
	assert.Equal(t, 1, backend.rowCount())
	assert.Equal(t, Stats{TotalSessions: 1, ActiveUsers: 1, TotalAppConnections: 1}, store.Stats())
}

func TestStore_RemoveTwice(t *testing.T) {
	store := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, newTestRecord("sid-1", testUser, testApp, testTTL)))

	removed, err := store.Remove(ctx, testUser, testApp)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, store.Has(testUser, testApp))

	removed, err = store.Remove(ctx, testUser, testApp)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStore_DurableFailureLeavesStateUnchanged(t *testing.T) {
	backend := newFakeBackend()
	store := newTestStore(t, backend)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, newTestRecord("sid-1", testUser, testApp, testTTL)))

	backend.failing = true

	err := store.Store(ctx, newTestRecord("sid-2", testUser, testApp, testTTL))
	require.Error(t, err)

	// The failed write must not be visible: the old record survives intact.
	got, ok := store.Get(testUser, testApp)
	require.True(t, ok)
	assert.Equal(t, "sid-1", got.SessionID)

	removed, err := store.Remove(ctx, testUser, testApp)
	require.Error(t, err)
	assert.False(t, removed)
	assert.True(t, store.Has(testUser, testApp), "failed removal must not half-apply")

	backend.failing = false
	removed, err = store.Remove(ctx, testUser, testApp)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestStore_UserSessionsSnapshot(t *testing.T) {
	store := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, newTestRecord("sid-1", testUser, "github", testTTL)))
	require.NoError(t, store.Store(ctx, newTestRecord("sid-2", testUser, "slack", testTTL)))

	sessions := store.UserSessions(testUser)
	require.Len(t, sessions, 2)

	// Mutating a returned copy must not leak into the index.
	sessions[0].Metadata["tools"] = nil
	sessions[0].SessionID = "tampered"

	got, ok := store.Get(testUser, sessions[0].AppSlug)
	require.True(t, ok)
	assert.NotEqual(t, "tampered", got.SessionID)
	assert.NotNil(t, got.Metadata["tools"])

	assert.Nil(t, store.UserSessions("nobody"))
}

func TestStore_CleanupExpired(t *testing.T) {
	backend := newFakeBackend()
	store := newTestStore(t, backend)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, newTestRecord("sid-1", testUser, "github", -time.Minute)))
	require.NoError(t, store.Store(ctx, newTestRecord("sid-2", testUser, "slack", testTTL)))
	require.NoError(t, store.Store(ctx, newTestRecord("sid-3", "u2", "jira", 0))) // no expiry

	removed, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.False(t, store.Has(testUser, "github"))
	assert.True(t, store.Has(testUser, "slack"))
	assert.True(t, store.Has("u2", "jira"), "records without expiry never expire")
	assert.Equal(t, 2, backend.rowCount())

	// Idempotence: a second sweep with no new expirations removes nothing.
	removed, err = store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, Stats{TotalSessions: 2, ActiveUsers: 2, TotalAppConnections: 2}, store.Stats())
}

func TestStore_CleanupPurgesStaleDurableRows(t *testing.T) {
	backend := newFakeBackend()
	// A row left behind by a previous process, never loaded because it is
	// already expired.
	stale := newTestRecord("sid-stale", "ghost", "github", -time.Hour)
	backend.rows[stale.SessionID] = stale

	store := newTestStore(t, backend)
	assert.False(t, store.Has("ghost", "github"))

	removed, err := store.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, backend.rowCount())
}

func TestStore_RestartRecovery(t *testing.T) {
	backend := newFakeBackend()
	store := newTestStore(t, backend)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, newTestRecord("sid-live", testUser, "github", testTTL)))
	require.NoError(t, store.Store(ctx, newTestRecord("sid-dead", testUser, "slack", -time.Minute)))
	require.NoError(t, store.Close())

	// A fresh instance over the same durable state loads only the
	// unexpired record.
	restarted := newTestStore(t, backend)
	assert.True(t, restarted.Has(testUser, "github"))
	assert.False(t, restarted.Has(testUser, "slack"))
	assert.Equal(t, 1, restarted.Stats().TotalSessions)
}

func TestStore_ConcurrentStores(t *testing.T) {
	store := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range testGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			app := fmt.Sprintf("app-%d", i)
			rec := newTestRecord(fmt.Sprintf("sid-%d", i), user, app, testTTL)
			assert.NoError(t, store.Store(ctx, rec))
		}()
	}
	wg.Wait()

	stats := store.Stats()
	assert.Equal(t, testGoroutines, stats.TotalSessions)
	assert.Equal(t, testGoroutines, stats.ActiveUsers)
	assert.Equal(t, testGoroutines, stats.TotalAppConnections)
}

func TestStore_Lifecycle(t *testing.T) {
	store := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	rec := newTestRecord("sid-1", testUser, testApp, testTTL)
	require.NoError(t, store.Store(ctx, rec))
	assert.True(t, store.Has(testUser, testApp))

	require.NoError(t, store.Store(ctx, newTestRecord("sid-2", testUser, testApp, testTTL)))
	got, ok := store.Get(testUser, testApp)
	require.True(t, ok)
	assert.Equal(t, "sid-2", got.SessionID)

	removed, err := store.Remove(ctx, testUser, testApp)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, store.Has(testUser, testApp))

	assert.Equal(t, Stats{}, store.Stats())
}

func TestStore_CleanupRoutine(t *testing.T) {
	store := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, newTestRecord("sid-1", testUser, testApp, 10*time.Millisecond)))

	store.StartCleanupRoutine(20 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return !store.Has(testUser, testApp)
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, store.Close())
}

func TestStore_CloseWithoutRoutine(t *testing.T) {
	store := newTestStore(t, newFakeBackend())
	assert.NoError(t, store.Close())
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestNew_LoadFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.failing = true

	_, err := New(context.Background(), backend, nil)
	assert.Error(t, err)
}

func TestRecord_Expired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&Record{}).Expired(now))
	assert.True(t, (&Record{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&Record{ExpiresAt: &future}).Expired(now))
	assert.True(t, (&Record{ExpiresAt: &now}).Expired(now))
}
