package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"flowdeck-auth/internal/metrics"
	"flowdeck-auth/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	flowLogin    = "login"
	flowCalendar = "calendar"
)

// Settings holds the Google client registration and endpoints.
type Settings struct {
	ClientID             string
	ClientSecret         string
	RedirectURI          string
	Scope                string
	AuthorizationURI     string
	TokenURI             string
	TokenInfoURI         string
	CalendarRedirectURI  string
	CalendarScope        string
	RequireVerifiedEmail bool
}

func (s Settings) loginConfigured() bool {
	return !isBlank(s.ClientID) && !isBlank(s.ClientSecret) && !isBlank(s.RedirectURI)
}

func (s Settings) calendarConfigured() bool {
	return !isBlank(s.ClientID) && !isBlank(s.ClientSecret) && !isBlank(s.CalendarRedirectURI)
}

// UserDirectory owns user records and linked calendar tokens.
type UserDirectory interface {
	// FindOrCreateFromGoogle resolves a user by email, creating one if absent.
	// created reports whether the user did not exist before the call.
	FindOrCreateFromGoogle(ctx context.Context, profile models.GoogleProfile, refreshToken string) (user *models.User, created bool, err error)
	GetCalendarRefreshToken(ctx context.Context, userID int64) (string, error)
	UpdateCalendarRefreshToken(ctx context.Context, userID int64, refreshToken string) error
}

// StartResult is what a client needs to send the browser to Google.
type StartResult struct {
	AuthorizationURL string `json:"authorizationUrl"`
	State            string `json:"state"`
}

// LoginResult is the outcome of a successful login callback.
type LoginResult struct {
	User               *models.User `json:"user"`
	Created            bool         `json:"created"`
	RefreshTokenStored bool         `json:"refreshTokenStored"`
}

// OAuthManager runs the Google login and calendar-link flows.
type OAuthManager struct {
	settings  Settings
	pkce      *PKCEGenerator
	states    StateStore
	tokens    TokenExchanger
	identity  IdentityFetcher
	directory UserDirectory
	logger    *logrus.Logger
}

// Option customises an OAuthManager.
type Option func(*OAuthManager)

// WithStateStore replaces the default in-memory state store.
func WithStateStore(store StateStore) Option {
	return func(m *OAuthManager) { m.states = store }
}

// WithPKCEGenerator replaces the default crypto/rand backed generator.
func WithPKCEGenerator(g *PKCEGenerator) Option {
	return func(m *OAuthManager) { m.pkce = g }
}

// WithTokenExchanger replaces the token endpoint client.
func WithTokenExchanger(t TokenExchanger) Option {
	return func(m *OAuthManager) { m.tokens = t }
}

// WithIdentityFetcher replaces the tokeninfo client.
func WithIdentityFetcher(f IdentityFetcher) Option {
	return func(m *OAuthManager) { m.identity = f }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(m *OAuthManager) { m.logger = l }
}

// NewOAuthManager creates a new OAuthManager. httpClient is used for the
// token and tokeninfo endpoints unless those are replaced through options.
func NewOAuthManager(settings Settings, directory UserDirectory, httpClient *http.Client, opts ...Option) *OAuthManager {
	m := &OAuthManager{
		settings:  settings,
		directory: directory,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pkce == nil {
		m.pkce = NewPKCEGenerator(nil)
	}
	if m.states == nil {
		m.states = NewInMemoryStateStore()
	}
	if m.tokens == nil {
		m.tokens = NewTokenClient(settings, httpClient)
	}
	if m.identity == nil {
		m.identity = NewIdentityValidator(settings.TokenInfoURI, httpClient)
	}
	return m
}

// Tokens exposes the token client so calendar sync can share it.
func (m *OAuthManager) Tokens() TokenExchanger {
	return m.tokens
}

// Start begins the login flow.
func (m *OAuthManager) Start(ctx context.Context) (*StartResult, error) {
	if !m.settings.loginConfigured() {
		return nil, fmt.Errorf("%w: client id, client secret and redirect uri are required", ErrNotConfigured)
	}
	return m.begin(flowLogin, m.settings.RedirectURI, m.settings.Scope, nil)
}

// StartCalendar begins the calendar-link flow for a known user. The user id
// travels in the state entry since there is no session at callback time.
func (m *OAuthManager) StartCalendar(ctx context.Context, userID int64) (*StartResult, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w for calendar", ErrMissingUserID)
	}
	if !m.settings.calendarConfigured() {
		return nil, fmt.Errorf("%w: client id, client secret and calendar redirect uri are required", ErrNotConfigured)
	}
	meta := strconv.FormatInt(userID, 10)
	return m.begin(flowCalendar, m.settings.CalendarRedirectURI, m.settings.CalendarScope, &meta)
}

func (m *OAuthManager) begin(flow, redirectURI, scope string, meta *string) (*StartResult, error) {
	pair, err := m.pkce.Generate()
	if err != nil {
		return nil, err
	}

	var state string
	if meta != nil {
		state, err = m.states.SaveWithMeta(pair.Verifier, *meta)
	} else {
		state, err = m.states.Save(pair.Verifier)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store state: %w", err)
	}
	m.observeStates()

	cfg := &oauth2.Config{
		ClientID:    m.settings.ClientID,
		RedirectURL: redirectURI,
		Scopes:      strings.Fields(scope),
		Endpoint:    oauth2.Endpoint{AuthURL: m.settings.AuthorizationURI},
	}
	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("code_challenge", pair.Challenge),
	)

	metrics.OAuthFlowsStarted.WithLabelValues(flow).Inc()
	m.logger.WithFields(logrus.Fields{
		"flow":             flow,
		"verifier_len":     len(pair.Verifier),
		"challenge_len":    len(pair.Challenge),
		"challenge_padded": strings.ContainsAny(pair.Challenge, "=+/"),
	}).Debug("oauth flow started")

	return &StartResult{AuthorizationURL: authURL, State: state}, nil
}

// HandleCallback completes the login flow and resolves the user.
func (m *OAuthManager) HandleCallback(ctx context.Context, code, state string) (result *LoginResult, err error) {
	defer func() { m.observeCallback(flowLogin, err) }()

	if !m.settings.loginConfigured() {
		return nil, fmt.Errorf("%w: client id, client secret and redirect uri are required", ErrNotConfigured)
	}
	if isBlank(code) {
		return nil, ErrMissingCode
	}

	entry, ok := m.consume(state)
	if !ok {
		return nil, ErrInvalidState
	}

	tokens, err := m.tokens.ExchangeCode(ctx, code, entry.CodeVerifier, m.settings.RedirectURI)
	if err != nil {
		return nil, err
	}

	claims, err := m.identity.FetchAndValidate(ctx, tokens.IDToken)
	if err != nil {
		return nil, err
	}
	if claims.Audience != m.settings.ClientID {
		m.logger.WithFields(logrus.Fields{
			"flow":     flowLogin,
			"audience": claims.Audience,
			"subject":  claims.Subject,
		}).Warn("id_token audience does not match client id")
		return nil, ErrAudienceMismatch
	}
	if isBlank(claims.Email) {
		return nil, ErrMissingEmail
	}
	// email_verified is not enforced unless configured; see DESIGN.md.
	if m.settings.RequireVerifiedEmail && !claims.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	fullName := claims.Name
	if isBlank(fullName) {
		fullName = claims.Email
	}
	profile := models.GoogleProfile{
		Subject:  claims.Subject,
		Email:    claims.Email,
		FullName: fullName,
	}

	user, created, err := m.directory.FindOrCreateFromGoogle(ctx, profile, tokens.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve google user: %w", err)
	}

	return &LoginResult{
		User:               user,
		Created:            created,
		RefreshTokenStored: !isBlank(tokens.RefreshToken),
	}, nil
}

// HandleCalendarCallback completes the calendar-link flow and stores the
// refresh token against the user carried in the state. It returns that user id.
func (m *OAuthManager) HandleCalendarCallback(ctx context.Context, code, state string) (userID int64, err error) {
	defer func() { m.observeCallback(flowCalendar, err) }()

	if !m.settings.calendarConfigured() {
		return 0, fmt.Errorf("%w: client id, client secret and calendar redirect uri are required", ErrNotConfigured)
	}
	if isBlank(code) {
		return 0, ErrMissingCode
	}

	entry, ok := m.consume(state)
	if !ok {
		return 0, ErrInvalidState
	}

	userID, err = parseUserID(entry)
	if err != nil {
		m.logger.WithField("flow", flowCalendar).Warn("calendar state carried a malformed user id")
		return 0, err
	}

	tokens, err := m.tokens.ExchangeCode(ctx, code, entry.CodeVerifier, m.settings.CalendarRedirectURI)
	if err != nil {
		return 0, err
	}
	if isBlank(tokens.RefreshToken) {
		return 0, ErrMissingRefreshToken
	}

	if err := m.directory.UpdateCalendarRefreshToken(ctx, userID, tokens.RefreshToken); err != nil {
		return 0, fmt.Errorf("failed to store calendar refresh token: %w", err)
	}

	m.logger.WithFields(logrus.Fields{"flow": flowCalendar, "user_id": userID}).Info("google calendar linked")
	return userID, nil
}

func (m *OAuthManager) consume(state string) (StateEntry, bool) {
	entry, ok := m.states.Consume(state)
	m.observeStates()
	return entry, ok
}

func (m *OAuthManager) observeStates() {
	if counted, ok := m.states.(interface{ Len() int }); ok {
		metrics.OAuthStatesPending.Set(float64(counted.Len()))
	}
}

func (m *OAuthManager) observeCallback(flow string, err error) {
	kind := Kind(err)
	metrics.OAuthCallbacks.WithLabelValues(flow, kind).Inc()
	if err != nil {
		m.logger.WithFields(logrus.Fields{"flow": flow, "kind": kind}).WithError(err).Info("oauth callback failed")
	}
}

func parseUserID(entry StateEntry) (int64, error) {
	if !entry.HasMeta {
		return 0, ErrInvalidUserID
	}
	id, err := strconv.ParseInt(entry.Meta, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidUserID
	}
	return id, nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
