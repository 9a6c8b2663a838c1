package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"flowdeck-auth/internal/auth"
	"flowdeck-auth/internal/calendar"
	"flowdeck-auth/internal/config"
	"flowdeck-auth/internal/storage"
	"flowdeck-auth/internal/worker"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// fakeGoogle serves the token and tokeninfo endpoints. The refresh token
// handed out is controlled per test.
type fakeGoogle struct {
	*httptest.Server
	mu           sync.Mutex
	refreshToken string
	email        string
	audience     string
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	g := &fakeGoogle{refreshToken: "R1", email: "a@b.com", audience: "abc"}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("code") == "" || r.PostForm.Get("code_verifier") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		g.mu.Lock()
		rt := g.refreshToken
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		body := `{"access_token":"A1","token_type":"Bearer","id_token":"ID1"`
		if rt != "" {
			body += `,"refresh_token":"` + rt + `"`
		}
		_, _ = io.WriteString(w, body+`}`)
	})
	mux.HandleFunc("GET /tokeninfo", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		_, _ = io.WriteString(w, `{"aud":"`+g.audience+`","email":"`+g.email+`","email_verified":"true","name":"Ana","sub":"111"}`)
	})
	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Close)
	return g
}

type stubWriter struct {
	mu     sync.Mutex
	events []calendar.TaskEvent
	err    error
}

func (s *stubWriter) CreateOrUpdateTaskEvent(ctx context.Context, ev calendar.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.err != nil {
		return s.err
	}
	if ev.Date.IsZero() {
		return calendar.ErrMissingDate
	}
	return nil
}

type stubQueue struct {
	accept bool
	events []calendar.TaskEvent
}

func (q *stubQueue) Enqueue(ev calendar.TaskEvent) bool {
	if q.accept {
		q.events = append(q.events, ev)
	}
	return q.accept
}

func (q *stubQueue) Stats() worker.PoolStats {
	return worker.PoolStats{ActiveWorkers: 2, QueueLength: len(q.events), QueueCapacity: 100, DeadLetters: 1}
}

type testApp struct {
	app    *Application
	store  *storage.SQLiteStorage
	google *fakeGoogle
	writer *stubWriter
	queue  *stubQueue
	server *httptest.Server
}

func testConfig(google *fakeGoogle) *config.Config {
	cfg := config.Default()
	cfg.EncryptionKey = string(testKey)
	cfg.Google.ClientID = "abc"
	cfg.Google.ClientSecret = "shh"
	cfg.Google.RedirectURI = "https://x/cb"
	cfg.Google.CalendarRedirectURI = "https://x/calendar/cb"
	cfg.Google.TokenURI = google.URL + "/token"
	cfg.Google.TokenInfoURI = google.URL + "/tokeninfo"
	cfg.Google.FrontendRedirect = "http://front.test/oauth/google/callback"
	cfg.Google.CalendarFrontendRedirect = "http://front.test/calendario"
	return cfg
}

func newTestApp(t *testing.T, mutate func(*config.Config)) *testApp {
	t.Helper()
	google := newFakeGoogle(t)
	cfg := testConfig(google)
	if mutate != nil {
		mutate(cfg)
	}

	dbCfg := storage.DefaultConfig()
	dbCfg.Path = ":memory:"
	dbCfg.EncryptionKey = testKey
	store, err := storage.OpenDatabase(dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ta := &testApp{
		store:  store,
		google: google,
		writer: &stubWriter{},
		queue:  &stubQueue{accept: true},
	}
	ta.app = &Application{
		Config:     cfg,
		Logger:     logger,
		Storage:    store,
		Auth:       auth.NewOAuthManager(authSettings(cfg), store, google.Client(), auth.WithLogger(logger)),
		Calendar:   ta.writer,
		Dispatcher: ta.queue,
	}
	ta.server = httptest.NewServer(ta.app.routes())
	t.Cleanup(ta.server.Close)
	return ta
}

// client does not follow redirects so tests can inspect Location.
func (ta *testApp) client() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (ta *testApp) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := ta.client().Get(ta.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}
