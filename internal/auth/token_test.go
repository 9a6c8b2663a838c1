package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenServer fakes Google's token endpoint and records the posted forms.
type tokenServer struct {
	*httptest.Server
	mu     sync.Mutex
	forms  []url.Values
	status int
	body   string
}

func newTokenServer(t *testing.T, status int, body string) *tokenServer {
	t.Helper()
	ts := &tokenServer{status: status, body: body}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseForm()) {
			return
		}
		ts.mu.Lock()
		ts.forms = append(ts.forms, r.PostForm)
		ts.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ts.status)
		_, _ = w.Write([]byte(ts.body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) lastForm() url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.forms) == 0 {
		return nil
	}
	return ts.forms[len(ts.forms)-1]
}

func testSettings(tokenURI string) Settings {
	return Settings{
		ClientID:            "abc",
		ClientSecret:        "shh",
		RedirectURI:         "https://x/cb",
		Scope:               "openid email profile",
		AuthorizationURI:    "https://accounts.example.com/o/oauth2/v2/auth",
		TokenURI:            tokenURI,
		CalendarRedirectURI: "https://x/calendar/cb",
		CalendarScope:       "https://www.googleapis.com/auth/calendar",
	}
}

func TestTokenClient_ExchangeCode(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK,
		`{"access_token":"A1","token_type":"Bearer","expires_in":3600,"refresh_token":"R1","id_token":"ID1"}`)
	client := NewTokenClient(testSettings(ts.URL), ts.Client())

	resp, err := client.ExchangeCode(context.Background(), "C1", "verifier-xyz", "https://x/cb")
	require.NoError(t, err)
	assert.Equal(t, "A1", resp.AccessToken)
	assert.Equal(t, "R1", resp.RefreshToken)
	assert.Equal(t, "ID1", resp.IDToken)
	assert.False(t, resp.Expiry.IsZero())

	form := ts.lastForm()
	require.NotNil(t, form)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "C1", form.Get("code"))
	assert.Equal(t, "verifier-xyz", form.Get("code_verifier"))
	assert.Equal(t, "https://x/cb", form.Get("redirect_uri"))
	assert.Equal(t, "abc", form.Get("client_id"))
	assert.Equal(t, "shh", form.Get("client_secret"))
}

func TestTokenClient_ExchangeCodeWithoutRefreshToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"A1","token_type":"Bearer","id_token":"ID1"}`)
	client := NewTokenClient(testSettings(ts.URL), ts.Client())

	resp, err := client.ExchangeCode(context.Background(), "C1", "v", "https://x/cb")
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken)
	assert.Equal(t, "ID1", resp.IDToken)
}

func TestTokenClient_ExchangeCodeFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant"}`},
		{"server error", http.StatusInternalServerError, `oops`},
		{"missing access token", http.StatusOK, `{"token_type":"Bearer"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t, tt.status, tt.body)
			client := NewTokenClient(testSettings(ts.URL), ts.Client())

			resp, err := client.ExchangeCode(context.Background(), "C1", "v", "https://x/cb")
			assert.ErrorIs(t, err, ErrUpstream)
			assert.Nil(t, resp)
			assert.Len(t, ts.forms, 1, "exchange must not retry")
		})
	}
}

func TestTokenClient_RefreshAccessToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"A2","token_type":"Bearer","expires_in":3600}`)
	client := NewTokenClient(testSettings(ts.URL), ts.Client())

	access, err := client.RefreshAccessToken(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "A2", access)

	form := ts.lastForm()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "R1", form.Get("refresh_token"))
	assert.Equal(t, "abc", form.Get("client_id"))
}

func TestTokenClient_RefreshAccessTokenFailures(t *testing.T) {
	ts := newTokenServer(t, http.StatusUnauthorized, `{"error":"invalid_client"}`)
	client := NewTokenClient(testSettings(ts.URL), ts.Client())

	_, err := client.RefreshAccessToken(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrUpstream)

	_, err = client.RefreshAccessToken(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrNotLinked)
	assert.Len(t, ts.forms, 1)
}
