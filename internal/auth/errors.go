package auth

import "errors"

// Sentinel errors returned by the OAuth flows. Callers match them with
// errors.Is; the HTTP layer maps each one to a fixed status code.
var (
	ErrNotConfigured       = errors.New("google oauth not configured")
	ErrInvalidState        = errors.New("invalid or expired state")
	ErrInvalidUserID       = errors.New("invalid userId in state")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrMissingCode         = errors.New("authorization code is required")
	ErrMissingUserID       = errors.New("userId is required")
	ErrMissingIDToken      = errors.New("id_token missing in response")
	ErrMissingEmail        = errors.New("email not present in google profile")
	ErrEmailNotVerified    = errors.New("google email is not verified")
	ErrAudienceMismatch    = errors.New("invalid audience in id_token")
	ErrMissingRefreshToken = errors.New("google did not return a refresh_token, retry with prompt=consent")
	ErrNotLinked           = errors.New("google calendar account not linked")
	ErrUserNotFound        = errors.New("user not found")
	ErrUpstream            = errors.New("google request failed")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrNotConfigured, "not_configured"},
	{ErrInvalidState, "invalid_state"},
	{ErrInvalidUserID, "invalid_user_id"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrMissingCode, "missing_code"},
	{ErrMissingUserID, "missing_user_id"},
	{ErrMissingIDToken, "missing_id_token"},
	{ErrMissingEmail, "missing_email"},
	{ErrEmailNotVerified, "email_not_verified"},
	{ErrAudienceMismatch, "audience_mismatch"},
	{ErrMissingRefreshToken, "missing_refresh_token"},
	{ErrNotLinked, "not_linked"},
	{ErrUserNotFound, "user_not_found"},
	{ErrUpstream, "upstream"},
}

// Kind returns a stable label for err, used for metrics and log fields.
// A nil error is "ok"; anything unrecognised is "internal".
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
