package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorCode classifies a source adapter failure. Only transient and
// rate-limited failures are worth retrying; the fatal classes
// short-circuit the attempt immediately.
type ErrorCode string

const (
	CodeTransient   ErrorCode = "transient"
	CodeRateLimited ErrorCode = "rate_limited"
	CodeNotFound    ErrorCode = "not_found"
	CodeAuthFailed  ErrorCode = "auth_failed"
	CodeParseError  ErrorCode = "parse_error"
)

// SourceError wraps an adapter failure with its classification.
type SourceError struct {
	Code ErrorCode
	Err  error
}

func (e *SourceError) Error() string {
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewSourceError classifies err under the given code.
func NewSourceError(code ErrorCode, err error) *SourceError {
	return &SourceError{Code: code, Err: err}
}

// CodeOf extracts the classification from an error chain. Unclassified
// errors that look like network trouble are reported as transient;
// everything else defaults to parse_error (the adapter produced
// something unusable).
func CodeOf(err error) ErrorCode {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Code
	}
	if isNetworkTransient(err) {
		return CodeTransient
	}
	return CodeParseError
}

// IsRetryable reports whether the error is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeTransient, CodeRateLimited:
		return true
	default:
		return false
	}
}

func isNetworkTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Heuristics for errors wrapped by HTTP clients.
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
