package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultStateTTL bounds how long a started flow may wait for its callback.
const DefaultStateTTL = 600 * time.Second

// stateBytes gives state tokens 256 bits of entropy.
const stateBytes = 32

// StateEntry is the data correlated with a state token.
type StateEntry struct {
	CodeVerifier string
	// Meta is opaque to the store. The calendar-link flow stores a user id here.
	Meta      string
	HasMeta   bool
	CreatedAt time.Time
}

// StateStore correlates OAuth callbacks with the request that started them.
type StateStore interface {
	Save(codeVerifier string) (string, error)
	SaveWithMeta(codeVerifier, meta string) (string, error)
	Consume(state string) (StateEntry, bool)
}

// StateStoreOption configures an InMemoryStateStore.
type StateStoreOption func(*InMemoryStateStore)

// WithTTL overrides DefaultStateTTL.
func WithTTL(ttl time.Duration) StateStoreOption {
	return func(s *InMemoryStateStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock sets the time source used for creation stamps and expiry.
func WithClock(now func() time.Time) StateStoreOption {
	return func(s *InMemoryStateStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom sets the source used to mint state tokens.
func WithRandom(r io.Reader) StateStoreOption {
	return func(s *InMemoryStateStore) {
		if r != nil {
			s.random = r
		}
	}
}

// InMemoryStateStore is a single-use, time-bound state map safe for
// concurrent use. Entries are lost on restart.
type InMemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]StateEntry
	ttl     time.Duration
	now     func() time.Time
	random  io.Reader
}

// NewInMemoryStateStore creates a new InMemoryStateStore.
func NewInMemoryStateStore(opts ...StateStoreOption) *InMemoryStateStore {
	s := &InMemoryStateStore{
		entries: make(map[string]StateEntry),
		ttl:     DefaultStateTTL,
		now:     time.Now,
		random:  rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save stores a verifier without meta and returns the new state token.
func (s *InMemoryStateStore) Save(codeVerifier string) (string, error) {
	return s.save(StateEntry{CodeVerifier: codeVerifier})
}

// SaveWithMeta stores a verifier with opaque meta and returns the new state token.
func (s *InMemoryStateStore) SaveWithMeta(codeVerifier, meta string) (string, error) {
	return s.save(StateEntry{CodeVerifier: codeVerifier, Meta: meta, HasMeta: true})
}

func (s *InMemoryStateStore) save(entry StateEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.newTokenLocked()
	if err != nil {
		return "", err
	}
	now := s.now()
	entry.CreatedAt = now
	s.entries[state] = entry
	s.evictExpiredLocked(now)
	return state, nil
}

// Consume removes the entry for state and returns it. Unknown, expired and
// already consumed tokens all report false.
func (s *InMemoryStateStore) Consume(state string) (StateEntry, bool) {
	if state == "" {
		return StateEntry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return StateEntry{}, false
	}
	delete(s.entries, state)
	if s.expired(entry, s.now()) {
		return StateEntry{}, false
	}
	return entry, true
}

// Len returns the number of entries currently held, expired or not.
func (s *InMemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *InMemoryStateStore) expired(entry StateEntry, now time.Time) bool {
	return now.Sub(entry.CreatedAt) > s.ttl
}

func (s *InMemoryStateStore) evictExpiredLocked(now time.Time) {
	for key, entry := range s.entries {
		if s.expired(entry, now) {
			delete(s.entries, key)
		}
	}
}

// newTokenLocked draws a fresh token; s.mu must be held since the injected
// reader need not be safe for concurrent use.
func (s *InMemoryStateStore) newTokenLocked() (string, error) {
	for {
		buf := make([]byte, stateBytes)
		if _, err := io.ReadFull(s.random, buf); err != nil {
			return "", fmt.Errorf("failed to generate state: %w", err)
		}
		token := base64.RawURLEncoding.EncodeToString(buf)
		if _, taken := s.entries[token]; !taken {
			return token, nil
		}
	}
}
