package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Claims are the id token fields returned by Google's tokeninfo endpoint.
type Claims struct {
	Audience      string
	Email         string
	EmailVerified bool
	Name          string
	Subject       string
}

// IdentityFetcher resolves an id token into claims.
type IdentityFetcher interface {
	FetchAndValidate(ctx context.Context, idToken string) (*Claims, error)
}

// IdentityValidator asks the tokeninfo endpoint to verify an id token.
// Audience and email checks are left to the caller.
type IdentityValidator struct {
	tokenInfoURI string
	httpClient   *http.Client
}

// NewIdentityValidator creates an IdentityValidator. A nil client means
// http.DefaultClient.
func NewIdentityValidator(tokenInfoURI string, httpClient *http.Client) *IdentityValidator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &IdentityValidator{tokenInfoURI: tokenInfoURI, httpClient: httpClient}
}

// FetchAndValidate fetches claims for idToken.
func (v *IdentityValidator) FetchAndValidate(ctx context.Context, idToken string) (*Claims, error) {
	if strings.TrimSpace(idToken) == "" {
		return nil, ErrMissingIDToken
	}

	u, err := url.Parse(v.tokenInfoURI)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid tokeninfo uri: %v", ErrNotConfigured, err)
	}
	q := u.Query()
	q.Set("id_token", idToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokeninfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: tokeninfo request: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading tokeninfo response: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: failed to validate id_token: status %d", ErrUpstream, resp.StatusCode)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: failed to validate id_token: empty or malformed body", ErrUpstream)
	}

	info := gjson.ParseBytes(body)
	return &Claims{
		Audience:      info.Get("aud").String(),
		Email:         info.Get("email").String(),
		EmailVerified: info.Get("email_verified").Bool(),
		Name:          info.Get("name").String(),
		Subject:       info.Get("sub").String(),
	}, nil
}
