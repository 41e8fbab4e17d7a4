package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// HTTPStatusError is returned for non-2xx HTTP responses.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected http status: %s", e.Status)
}

// ShouldRetry reports whether err is worth another attempt: timeouts, 429 and
// 5xx responses, and transport errors are; other HTTP statuses and
// cancellations are not.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusRequestTimeout || httpErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return httpErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}
