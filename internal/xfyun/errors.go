package xfyun

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// APIError is a vendor business error: the transport succeeded but the
// response carried a non-zero status code.
type APIError struct {
	Code    int
	Message string
	Sid     string
}

func (e *APIError) Error() string {
	if e.Sid != "" {
		return fmt.Sprintf("xfyun: api error %d: %s (sid=%s)", e.Code, e.Message, e.Sid)
	}
	return fmt.Sprintf("xfyun: api error %d: %s", e.Code, e.Message)
}

// IsAPIError reports whether err is a vendor business error and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsNetworkError classifies transport-level failures (refused connections,
// unreachable hosts, timeouts). The recognition loop uses this to pick the
// longer retry backoff.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
