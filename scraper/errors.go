package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies adapter failures.
type ErrorKind string

const (
	RateLimited  ErrorKind = "rate_limited"
	Timeout      ErrorKind = "timeout"
	AuthFailure  ErrorKind = "auth_failure"
	ParseFailure ErrorKind = "parse_failure"
	Unavailable  ErrorKind = "unavailable"
)

// AdapterError is the only error type that crosses the adapter boundary.
type AdapterError struct {
	Platform  string
	Kind      ErrorKind
	Status    int
	Permanent bool
	Err       error
}

func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Platform, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient: timeouts, 5xx and
// rate-limited responses. Auth and parse failures never are.
func (e *AdapterError) Retryable() bool {
	if e.Permanent {
		return false
	}
	switch e.Kind {
	case RateLimited, Timeout, Unavailable:
		return true
	}
	return false
}

// NewError wraps err as an AdapterError of the given kind.
func NewError(platform string, kind ErrorKind, err error) *AdapterError {
	return &AdapterError{Platform: platform, Kind: kind, Err: err}
}

// FromStatus maps a non-2xx HTTP status to an AdapterError.
func FromStatus(platform string, status int, body string) *AdapterError {
	e := &AdapterError{Platform: platform, Status: status}
	if body != "" {
		if len(body) > 200 {
			body = body[:200]
		}
		e.Err = errors.New(body)
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = RateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = AuthFailure
		e.Permanent = true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind = Timeout
	case status >= 500:
		e.Kind = Unavailable
	default:
		e.Kind = Unavailable
		e.Permanent = true
	}
	return e
}

// FromTransport classifies a transport-level error. Deadline and net timeout
// errors become Timeout; everything else is Unavailable.
func FromTransport(platform string, err error) *AdapterError {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &AdapterError{Platform: platform, Kind: Timeout, Err: err}
	}
	return &AdapterError{Platform: platform, Kind: Unavailable, Err: err}
}

// KindOf returns the ErrorKind carried by err, or "" when err is not an AdapterError.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
