package siem

import (
	"fmt"
)

// ConnectionError is returned when a vendor stays unreachable after every retry.
type ConnectionError struct {
	Vendor string
	URL    string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("failed to connect to %s at %s", e.Vendor, e.URL)
	}
	return fmt.Sprintf("failed to connect to %s at %s: %v", e.Vendor, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError means the vendor rejected or never received credentials.
// It is never retried.
type AuthenticationError struct {
	Vendor  string
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed for %s", e.Vendor)
	}
	return fmt.Sprintf("authentication failed for %s: %s", e.Vendor, e.Message)
}

// RateLimitError means the vendor quota was exceeded (HTTP 429).
// The executor does not retry it; backoff for quotas is vendor specific.
type RateLimitError struct {
	Vendor  string
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rate limit exceeded for %s", e.Vendor)
	}
	return fmt.Sprintf("rate limit exceeded for %s: %s", e.Vendor, e.Message)
}

// ResponseError covers unexpected status codes and malformed payloads.
// StatusCode is zero when the failure was not an HTTP status.
type ResponseError struct {
	Vendor     string
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	status := ""
	if e.StatusCode != 0 {
		status = fmt.Sprintf(" (status code: %d)", e.StatusCode)
	}
	if e.Message == "" {
		return fmt.Sprintf("invalid response from %s%s", e.Vendor, status)
	}
	return fmt.Sprintf("invalid response from %s%s: %s", e.Vendor, status, e.Message)
}

// UnsupportedVendorError is returned by the factory for an unknown SIEM type.
type UnsupportedVendorError struct {
	Type string
}

func (e *UnsupportedVendorError) Error() string {
	return fmt.Sprintf("unsupported SIEM type: %q", e.Type)
}

// ErrorType names an error for connection-test details and API responses.
func ErrorType(err error) string {
	switch err.(type) {
	case *ConnectionError:
		return "ConnectionError"
	case *AuthenticationError:
		return "AuthenticationError"
	case *RateLimitError:
		return "RateLimitError"
	case *ResponseError:
		return "ResponseError"
	default:
		return fmt.Sprintf("%T", err)
	}
}
