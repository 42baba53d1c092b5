package wildapricot

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized indicates the API key was rejected or the token expired.
	ErrUnauthorized = errors.New("wildapricot: unauthorised")

	// ErrRateLimited indicates the API answered 429. The call can be retried.
	ErrRateLimited = errors.New("wildapricot: rate limit exceeded")

	// ErrNotAuthenticated is returned when a call is made before Authenticate.
	ErrNotAuthenticated = errors.New("wildapricot: client is not authenticated")
)

// APIError is a non-success response that is not worth retrying.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wild apricot API error %d: %s", e.StatusCode, e.Body)
}

// statusError maps an HTTP status to the matching error.
func statusError(code int, body string) error {
	switch code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, body)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, body)
	default:
		return &APIError{StatusCode: code, Body: body}
	}
}

// IsRateLimited reports whether err means the request should be retried later.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
