package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx reply from an HTTP backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// HTTPStatusError classifies a non-2xx reply. 5xx, 408 and 429 are worth
// retrying; the rest of 4xx never will succeed.
func HTTPStatusError(code int, body []byte) error {
	err := &StatusError{Code: code, Body: truncate(body, 200)}
	switch {
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Transient(err)
	default:
		return Permanent(err)
	}
}

// TransportError classifies an error from http.Client.Do. The caller's own
// cancellation is returned as is so shutdown is not mistaken for an outage.
func TransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(fmt.Errorf("http request: %w", err))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
