package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"flowdeck-auth/internal/auth"
)

var errQueueFull = errors.New("calendar sync queue is full")

var statusByError = []struct {
	err    error
	status int
}{
	{auth.ErrNotConfigured, http.StatusInternalServerError},
	{auth.ErrInvalidState, http.StatusBadRequest},
	{auth.ErrInvalidUserID, http.StatusBadRequest},
	{auth.ErrInvalidRequest, http.StatusBadRequest},
	{auth.ErrMissingCode, http.StatusBadRequest},
	{auth.ErrMissingUserID, http.StatusBadRequest},
	{auth.ErrMissingIDToken, http.StatusBadRequest},
	{auth.ErrMissingEmail, http.StatusBadRequest},
	{auth.ErrMissingRefreshToken, http.StatusBadRequest},
	{auth.ErrNotLinked, http.StatusBadRequest},
	{auth.ErrAudienceMismatch, http.StatusUnauthorized},
	{auth.ErrEmailNotVerified, http.StatusUnauthorized},
	{auth.ErrUserNotFound, http.StatusNotFound},
	{auth.ErrUpstream, http.StatusBadGateway},
	{errQueueFull, http.StatusServiceUnavailable},
}

// statusFor maps an error to the HTTP status returned to the client.
func statusFor(err error) int {
	for _, s := range statusByError {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// publicMessage hides internal error detail from clients.
func publicMessage(err error, status int) string {
	switch {
	case errors.Is(err, auth.ErrUpstream):
		return auth.ErrUpstream.Error()
	case errors.Is(err, auth.ErrNotConfigured):
		return auth.ErrNotConfigured.Error()
	case status >= http.StatusInternalServerError && !errors.Is(err, errQueueFull):
		return "internal server error"
	}
	return err.Error()
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *Application) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	entry := a.requestLogger(r).WithError(err).WithField("kind", auth.Kind(err))
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}
	writeJSON(w, status, errorResponse{Error: publicMessage(err, status)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
