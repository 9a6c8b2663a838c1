// Package calendar writes assigned tasks into a user's Google Calendar.
package calendar

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flowdeck-auth/internal/auth"
	"flowdeck-auth/internal/metrics"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	dateLayout       = "2006-01-02"
	placeholder      = "Tarea"
	eventDescription = "Task assigned from FlowDeck"
	primaryCalendar  = "primary"

	DefaultRequestsPerSecond = 5.0
	DefaultBurst             = 10
)

// ErrMissingDate is returned when a task has no due date.
var ErrMissingDate = fmt.Errorf("%w: date is required", auth.ErrInvalidRequest)

var eventIDEncoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

// TaskEvent is a task to mirror into the assignee's calendar. TaskID is the
// caller's own task identifier and may be empty.
type TaskEvent struct {
	UserID   int64
	TaskID   string
	TeamName string
	TaskName string
	Date     time.Time
}

// RefreshTokenStore returns the calendar refresh token linked to a user.
type RefreshTokenStore interface {
	GetCalendarRefreshToken(ctx context.Context, userID int64) (string, error)
}

// AccessTokenRefresher mints access tokens from refresh tokens.
type AccessTokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (string, error)
}

// SyncService creates all-day events for tasks.
type SyncService struct {
	store      RefreshTokenStore
	tokens     AccessTokenRefresher
	limiter    *rate.Limiter
	endpoint   string
	calendarID string
	httpClient *http.Client
	logger     *logrus.Logger
}

// SyncOption customises a SyncService.
type SyncOption func(*SyncService)

// WithEndpoint points the Calendar client at a different base URL.
func WithEndpoint(endpoint string) SyncOption {
	return func(s *SyncService) { s.endpoint = endpoint }
}

// WithHTTPClient sets the base transport for Calendar API calls.
func WithHTTPClient(c *http.Client) SyncOption {
	return func(s *SyncService) { s.httpClient = c }
}

// WithRateLimit overrides the default outbound request rate.
func WithRateLimit(rps float64, burst int) SyncOption {
	return func(s *SyncService) {
		if rps > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithCalendarID targets a calendar other than the user's primary one.
func WithCalendarID(id string) SyncOption {
	return func(s *SyncService) {
		if id != "" {
			s.calendarID = id
		}
	}
}

// WithSyncLogger sets the logger.
func WithSyncLogger(l *logrus.Logger) SyncOption {
	return func(s *SyncService) { s.logger = l }
}

// NewSyncService creates a SyncService.
func NewSyncService(store RefreshTokenStore, tokens AccessTokenRefresher, opts ...SyncOption) *SyncService {
	s := &SyncService{
		store:      store,
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), DefaultBurst),
		calendarID: primaryCalendar,
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrUpdateTaskEvent writes ev as an all-day event over [date, date+1).
// Syncing the same task twice updates the existing event.
func (s *SyncService) CreateOrUpdateTaskEvent(ctx context.Context, ev TaskEvent) (err error) {
	started := time.Now()
	defer func() {
		metrics.CalendarSyncDuration.Observe(time.Since(started).Seconds())
	}()

	if ev.Date.IsZero() {
		return ErrMissingDate
	}

	refreshToken, err := s.store.GetCalendarRefreshToken(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(refreshToken) == "" {
		return auth.ErrNotLinked
	}

	accessToken, err := s.tokens.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return err
	}

	svc, err := s.service(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("failed to create calendar client: %w", err)
	}

	event := buildEvent(ev)
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = svc.Events.Insert(s.calendarID, event).Context(ctx).Do()
	if isConflict(err) {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err = svc.Events.Update(s.calendarID, event.Id, event).Context(ctx).Do()
	}
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id":  ev.UserID,
			"event_id": event.Id,
		}).WithError(err).Error("failed to write calendar event")
		return fmt.Errorf("%w: calendar event: %v", auth.ErrUpstream, err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":  ev.UserID,
		"event_id": event.Id,
		"date":     event.Start.Date,
	}).Debug("calendar event synced")
	return nil
}

func (s *SyncService) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	return calendar.NewService(ctx, opts...)
}

func buildEvent(ev TaskEvent) *calendar.Event {
	day := time.Date(ev.Date.Year(), ev.Date.Month(), ev.Date.Day(), 0, 0, 0, 0, time.UTC)
	return &calendar.Event{
		Id:          EventID(ev),
		Summary:     Summary(ev.TeamName, ev.TaskName),
		Description: eventDescription,
		Start:       &calendar.EventDateTime{Date: day.Format(dateLayout)},
		End:         &calendar.EventDateTime{Date: day.AddDate(0, 0, 1).Format(dateLayout)},
	}
}

// Summary formats the event title as "[team] task".
func Summary(team, task string) string {
	return fmt.Sprintf("[%s] %s", orPlaceholder(team), orPlaceholder(task))
}

// EventID derives a stable Calendar event id for a user's task. Calendar
// ids must use base32hex characters, hence the custom encoding. Without a
// TaskID, tasks sharing a team and name map to the same event.
func EventID(ev TaskEvent) string {
	key := strconv.FormatInt(ev.UserID, 10) + "|" + ev.TeamName + "|" + ev.TaskName
	if ev.TaskID != "" {
		key = strconv.FormatInt(ev.UserID, 10) + "#" + ev.TaskID
	}
	sum := sha256.Sum256([]byte(key))
	return eventIDEncoding.EncodeToString(sum[:])
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

func isConflict(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusConflict
}
