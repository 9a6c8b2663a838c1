package auth

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"flowdeck-auth/internal/models"

	"github.com/sirupsen/logrus"
)

// seeded returns a deterministic random stream for reproducible tokens.
func seeded(seed byte) io.Reader {
	var key [32]byte
	key[0] = seed
	return rand.NewChaCha8(key)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockDirectory is an in-memory UserDirectory keyed by lowercased email.
type mockDirectory struct {
	mu          sync.Mutex
	nextID      int64
	byEmail     map[string]*models.User
	loginTokens map[int64]string
	calendar    map[int64]string
	findCalls   int
	updateCalls int
	lastProfile models.GoogleProfile
	failFind    error
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		byEmail:     make(map[string]*models.User),
		loginTokens: make(map[int64]string),
		calendar:    make(map[int64]string),
	}
}

func (d *mockDirectory) FindOrCreateFromGoogle(ctx context.Context, profile models.GoogleProfile, refreshToken string) (*models.User, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.findCalls++
	d.lastProfile = profile
	if d.failFind != nil {
		return nil, false, d.failFind
	}

	key := strings.ToLower(profile.Email)
	if user, ok := d.byEmail[key]; ok {
		if refreshToken != "" {
			d.loginTokens[user.ID] = refreshToken
		}
		return user, false, nil
	}

	d.nextID++
	user := &models.User{
		ID:        d.nextID,
		Email:     profile.Email,
		FullName:  profile.FullName,
		Role:      models.DefaultRole,
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	d.byEmail[key] = user
	if refreshToken != "" {
		d.loginTokens[user.ID] = refreshToken
	}
	return user, true, nil
}

func (d *mockDirectory) GetCalendarRefreshToken(ctx context.Context, userID int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	token := d.calendar[userID]
	if token == "" {
		return "", ErrNotLinked
	}
	return token, nil
}

func (d *mockDirectory) UpdateCalendarRefreshToken(ctx context.Context, userID int64, refreshToken string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateCalls++
	d.calendar[userID] = refreshToken
	return nil
}

// stubExchanger returns a canned token response and records its inputs.
type stubExchanger struct {
	resp        *TokenResponse
	err         error
	calls       int
	code        string
	verifier    string
	redirectURI string
}

func (s *stubExchanger) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	s.calls++
	s.code, s.verifier, s.redirectURI = code, codeVerifier, redirectURI
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubExchanger) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	return "access-" + refreshToken, nil
}

// stubIdentity maps id tokens to claims.
type stubIdentity struct {
	claims map[string]*Claims
	err    error
}

func (s *stubIdentity) FetchAndValidate(ctx context.Context, idToken string) (*Claims, error) {
	if s.err != nil {
		return nil, s.err
	}
	if idToken == "" {
		return nil, ErrMissingIDToken
	}
	c, ok := s.claims[idToken]
	if !ok {
		return nil, ErrUpstream
	}
	return c, nil
}
