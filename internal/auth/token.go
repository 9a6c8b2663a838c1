package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenResponse is the subset of a token endpoint reply the flows use.
// RefreshToken is empty when Google did not issue one.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// TokenExchanger trades authorization codes and refresh tokens for access tokens.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResponse, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (string, error)
}

// TokenClient talks to Google's token endpoint. It never retries: codes are
// single use, so a second attempt either fails the same way or double-spends.
type TokenClient struct {
	clientID     string
	clientSecret string
	endpoint     oauth2.Endpoint
	httpClient   *http.Client
}

// NewTokenClient builds a TokenClient from settings. httpClient may be nil.
func NewTokenClient(settings Settings, httpClient *http.Client) *TokenClient {
	return &TokenClient{
		clientID:     settings.ClientID,
		clientSecret: settings.ClientSecret,
		endpoint: oauth2.Endpoint{
			AuthURL:   settings.AuthorizationURI,
			TokenURL:  settings.TokenURI,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
	}
}

func (c *TokenClient) config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURI,
		Endpoint:     c.endpoint,
	}
}

func (c *TokenClient) withClient(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// ExchangeCode swaps an authorization code and its PKCE verifier for tokens.
func (c *TokenClient) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	token, err := c.config(redirectURI).Exchange(c.withClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, upstreamError("failed to exchange authorization code", err)
	}

	resp := &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	return resp, nil
}

// RefreshAccessToken mints a new access token from a stored refresh token.
func (c *TokenClient) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return "", fmt.Errorf("%w: refresh token is empty", ErrNotLinked)
	}

	source := c.config("").TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return "", upstreamError("failed to refresh access token", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("%w: token response has no access_token", ErrUpstream)
	}
	return token.AccessToken, nil
}

func upstreamError(msg string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return fmt.Errorf("%w: %s: status %d: %v", ErrUpstream, msg, re.Response.StatusCode, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstream, msg, err)
}
