package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flowdeck-auth/internal/auth"
	"flowdeck-auth/internal/calendar"
	"flowdeck-auth/internal/metrics"
	"flowdeck-auth/internal/models"

	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 16

//
// Login flow
//

// handleGoogleStart returns the Google authorization URL for a new login.
func (a *Application) handleGoogleStart(w http.ResponseWriter, r *http.Request) {
	res, err := a.Auth.Start(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type loginResponse struct {
	User               *models.User `json:"user"`
	Created            bool         `json:"created"`
	RefreshTokenStored bool         `json:"refreshTokenStored"`
}

// handleGoogleCallback completes a login and either redirects the browser to
// the frontend or returns the result as JSON.
func (a *Application) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		a.requestLogger(r).WithField("provider_error", providerErr).Info("google returned an error to the login callback")
	}

	res, err := a.Auth.HandleCallback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.requestLogger(r).WithFields(logrus.Fields{
		"flow":    "login",
		"user_id": res.User.ID,
		"created": res.Created,
	}).Info("google login completed")

	target := firstNonBlank(q.Get("redirect"), a.Config.Google.FrontendRedirect)
	if target == "" {
		writeJSON(w, http.StatusOK, loginResponse{
			User:               res.User,
			Created:            res.Created,
			RefreshTokenStored: res.RefreshTokenStored,
		})
		return
	}

	params := url.Values{}
	params.Set("userId", strconv.FormatInt(res.User.ID, 10))
	params.Set("email", res.User.Email)
	params.Set("fullName", res.User.FullName)
	params.Set("role", res.User.Role)
	params.Set("createdAt", res.User.CreatedAt.Format(time.RFC3339))
	params.Set("created", strconv.FormatBool(res.Created))
	params.Set("refreshTokenStored", strconv.FormatBool(res.RefreshTokenStored))

	location, err := withQuery(target, params)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

//
// Calendar-link flow
//

// handleCalendarStart returns the authorization URL linking a user's calendar.
func (a *Application) handleCalendarStart(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r.URL.Query().Get("userId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.Auth.StartCalendar(r.Context(), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type calendarLinkResponse struct {
	UserID         int64 `json:"userId"`
	CalendarLinked bool  `json:"calendarLinked"`
}

func (a *Application) handleCalendarCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := a.Auth.HandleCalendarCallback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	target := firstNonBlank(q.Get("redirect"), a.Config.Google.CalendarFrontendRedirect)
	if target == "" {
		writeJSON(w, http.StatusOK, calendarLinkResponse{UserID: userID, CalendarLinked: true})
		return
	}

	params := url.Values{}
	params.Set("calendarLinked", "true")
	params.Set("userId", strconv.FormatInt(userID, 10))
	location, err := withQuery(target, params)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

//
// Calendar sync
//

type syncTaskRequest struct {
	UserID   int64  `json:"userId" validate:"gt=0"`
	TaskID   string `json:"taskId" validate:"max=200"`
	TeamName string `json:"teamName" validate:"max=200"`
	TaskName string `json:"taskName" validate:"max=500"`
	Date     string `json:"date"`
}

func (a *Application) decodeTaskEvent(r *http.Request) (calendar.TaskEvent, error) {
	var req syncTaskRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return calendar.TaskEvent{}, fmt.Errorf("%w: malformed body: %v", auth.ErrInvalidRequest, err)
	}
	if err := a.validate.Struct(req); err != nil {
		return calendar.TaskEvent{}, fmt.Errorf("%w: %v", auth.ErrInvalidRequest, err)
	}

	ev := calendar.TaskEvent{
		UserID:   req.UserID,
		TaskID:   strings.TrimSpace(req.TaskID),
		TeamName: req.TeamName,
		TaskName: req.TaskName,
	}
	if strings.TrimSpace(req.Date) != "" {
		date, err := time.Parse("2006-01-02", strings.TrimSpace(req.Date))
		if err != nil {
			return calendar.TaskEvent{}, fmt.Errorf("%w: date must be YYYY-MM-DD", auth.ErrInvalidRequest)
		}
		ev.Date = date
	}
	return ev, nil
}

// handleSyncTask writes a task into the assignee's calendar before replying.
func (a *Application) handleSyncTask(w http.ResponseWriter, r *http.Request) {
	ev, err := a.decodeTaskEvent(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	err = a.Calendar.CreateOrUpdateTaskEvent(r.Context(), ev)
	metrics.CalendarSyncs.WithLabelValues("sync", auth.Kind(err)).Inc()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleSyncTaskAsync queues the sync and replies at once.
func (a *Application) handleSyncTaskAsync(w http.ResponseWriter, r *http.Request) {
	ev, err := a.decodeTaskEvent(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if ev.Date.IsZero() {
		a.writeError(w, r, calendar.ErrMissingDate)
		return
	}

	if !a.Dispatcher.Enqueue(ev) {
		a.writeError(w, r, errQueueFull)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

//
// Health
//

func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

// handleReady reports whether the database is reachable.
func (a *Application) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.Storage == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Storage.Ping(ctx); err != nil {
		a.requestLogger(r).WithError(err).Warn("database not reachable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	status, err := a.Storage.GetMigrationStatus(ctx)
	if err != nil || status.Dirty {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "migrations pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"schemaVersion": status.Version,
		"calendarQueue": a.queueStatus(),
	})
}

type queueStatus struct {
	Length   int `json:"length"`
	Capacity int `json:"capacity"`
	Workers  int `json:"workers"`
	Failed   int `json:"failed"`
}

func (a *Application) queueStatus() *queueStatus {
	if a.Dispatcher == nil {
		return nil
	}
	stats := a.Dispatcher.Stats()
	return &queueStatus{
		Length:   stats.QueueLength,
		Capacity: stats.QueueCapacity,
		Workers:  stats.ActiveWorkers,
		Failed:   stats.DeadLetters,
	}
}

func parseUserID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, auth.ErrMissingUserID
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: userId must be numeric", auth.ErrInvalidRequest)
	}
	return id, nil
}

func withQuery(target string, params url.Values) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: invalid redirect target", auth.ErrInvalidRequest)
	}
	q := u.Query()
	for key, values := range params {
		q[key] = values
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
