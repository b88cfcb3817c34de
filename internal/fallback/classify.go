package fallback

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
)

// Error types recorded in usage logs and matched against chain triggers.
const (
	ErrTypeRateLimit     = "rate_limit"
	ErrTypeOverloaded    = "overloaded"
	ErrTypeTimeout       = "timeout"
	ErrTypeUpstreamError = "upstream_error"
	ErrTypeClientError   = "client_error"
)

var overloadedMarker = []byte("overloaded")

// ClassifyError maps a failed upstream attempt to an error type.
//
// Vocabulary, most specific first:
//
//	429                               → rate_limit
//	529 or an "overloaded" body       → overloaded
//	deadline / transport timeout      → timeout
//	other 5xx                         → upstream_error
//	everything else                   → client_error (never retried)
//
// status 0 means the request never produced a response.
func ClassifyError(status int, body []byte, err error) string {
	switch {
	case status == 429:
		return ErrTypeRateLimit
	case status == 529 || bytes.Contains(body, overloadedMarker):
		return ErrTypeOverloaded
	case isTimeout(err):
		return ErrTypeTimeout
	case status >= 500:
		return ErrTypeUpstreamError
	case status == 0 && err != nil:
		// Connection-level failure with no response: treat as upstream.
		return ErrTypeUpstreamError
	default:
		return ErrTypeClientError
	}
}

// Retryable reports whether an error type may trigger a fallback at all.
// Client errors are deterministic; retrying them burns quota for nothing.
func Retryable(errType string) bool {
	return errType != ErrTypeClientError
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
