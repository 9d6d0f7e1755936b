// Package oauth manages the short-lived state that links Pipedream OAuth
// callbacks back to the user and app that started the connect flow.
package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrStateNotFound is returned when a state token is unknown or already
// consumed.
var ErrStateNotFound = errors.New("connect state not found")

// stateTokenBytes sizes the random state token.
const stateTokenBytes = 32

// ConnectState holds the context of an in-flight connect flow.
type ConnectState struct {
	// Token is the opaque state parameter round-tripped through the
	// provider.
	Token string

	// UserID is the user who started the flow.
	UserID string

	// AppSlug is the app being connected.
	AppSlug string

	// ReturnURL is where to send the user after the flow completes.
	ReturnURL string

	// CreatedAt is when this state was created.
	CreatedAt time.Time
}

// NewStateToken generates a URL-safe random state token.
func NewStateToken() (string, error) {
	buf := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// StateStore manages connect states. States are single-use: Consume removes
// the state as it returns it.
type StateStore interface {
	// Save stores a connect state under its token.
	Save(state *ConnectState) error

	// Consume retrieves and deletes a connect state.
	Consume(token string) (*ConnectState, error)

	// Cleanup removes states older than maxAge.
	Cleanup(maxAge time.Duration) error
}

// MemoryStateStore is an in-memory implementation of StateStore.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*ConnectState
}

// NewMemoryStateStore creates a new in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states: make(map[string]*ConnectState),
	}
}

// Save stores a connect state under its token.
func (s *MemoryStateStore) Save(state *ConnectState) error {
	if state.Token == "" {
		return errors.New("state token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.Token] = state
	return nil
}

// Consume retrieves and deletes a connect state.
func (s *MemoryStateStore) Consume(token string) (*ConnectState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[token]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.states, token)
	return state, nil
}

// Cleanup removes states older than maxAge.
func (s *MemoryStateStore) Cleanup(maxAge time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for token, state := range s.states {
		if state.CreatedAt.Before(cutoff) {
			delete(s.states, token)
		}
	}
	return nil
}

// Verify MemoryStateStore implements StateStore.
var _ StateStore = (*MemoryStateStore)(nil)
