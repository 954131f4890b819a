package crawler

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies per-URL fetch failures.
type FetchErrorKind string

// Fetch failure kinds recorded in logs and counters.
const (
	FetchTimeout          FetchErrorKind = "timeout"
	FetchDNS              FetchErrorKind = "dns"
	FetchTLS              FetchErrorKind = "tls"
	FetchHTTPError        FetchErrorKind = "http_error"
	FetchTooManyRedirects FetchErrorKind = "too_many_redirects"
	FetchRobotsDenied     FetchErrorKind = "robots_denied"
	FetchCancelled        FetchErrorKind = "cancelled"
)

// FetchError is a per-URL failure. It never aborts a batch; the scheduler
// swallows it into counters and logs.
type FetchError struct {
	Kind   FetchErrorKind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchHTTPError {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExtractError marks malformed or oversize page content. The page is still
// stored with empty text and the URL counts as a success.
type ExtractError struct {
	URL string
	Err error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.URL, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// StoreError wraps backend failures with a retryability verdict.
type StoreError struct {
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	if e.Transient {
		return fmt.Sprintf("store (transient): %v", e.Err)
	}
	return fmt.Sprintf("store (permanent): %v", e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err wraps a StoreError of either kind.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IsTransientStoreError reports whether err is a retryable store failure.
func IsTransientStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Transient
}

// ErrNoCapacity means every target database is at or above the usage cap.
// The scheduler treats it as fatal for the current batch.
var ErrNoCapacity = errors.New("no database with write capacity available")

// ErrShutdown drives the drain path; it is not a failure.
var ErrShutdown = errors.New("shutdown requested")

// ConfigError rejects invalid startup parameters before any work happens.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
