package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

// IsRetryable reports whether err looks like a transient model failure:
// overload, rate limiting, or a dropped connection.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrEmptyResponse) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range []string{
		"503",
		"overloaded",
		"unavailable",
		"429",
		"resource exhausted",
		"resource_exhausted",
		"connection reset",
		"connection refused",
		"broken pipe",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
