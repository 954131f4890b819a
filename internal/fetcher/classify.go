package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

var errTooManyRedirects = errors.New("stopped after 5 redirects")

// classify maps a transport error (or HTTP status) onto a FetchErrorKind.
func classify(url string, err error, status int) *crawler.FetchError {
	switch {
	case err == nil && status >= 400:
		return &crawler.FetchError{Kind: crawler.FetchHTTPError, URL: url, Status: status}
	case errors.Is(err, context.Canceled):
		return &crawler.FetchError{Kind: crawler.FetchCancelled, URL: url, Err: err}
	case errors.Is(err, errTooManyRedirects):
		return &crawler.FetchError{Kind: crawler.FetchTooManyRedirects, URL: url, Err: err}
	case isDNSError(err):
		return &crawler.FetchError{Kind: crawler.FetchDNS, URL: url, Err: err}
	case isTLSError(err):
		return &crawler.FetchError{Kind: crawler.FetchTLS, URL: url, Err: err}
	case isTimeout(err):
		return &crawler.FetchError{Kind: crawler.FetchTimeout, URL: url, Err: err}
	default:
		// Connection refused, resets, and other transport noise share the
		// timeout retry schedule.
		return &crawler.FetchError{Kind: crawler.FetchTimeout, URL: url, Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTLSError(err error) bool {
	var (
		recordErr tls.RecordHeaderError
		certErr   x509.CertificateInvalidError
		authErr   x509.UnknownAuthorityError
		hostErr   x509.HostnameError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &certErr) ||
		errors.As(err, &authErr) ||
		errors.As(err, &hostErr)
}

// retryable reports whether kind warrants another attempt under the
// 1s/3s/9s schedule. 4xx statuses never retry here; 408 and 429 are handled
// separately with Retry-After.
func retryable(fe *crawler.FetchError) bool {
	switch fe.Kind {
	case crawler.FetchTimeout, crawler.FetchDNS:
		return true
	case crawler.FetchHTTPError:
		return fe.Status >= 500
	default:
		return false
	}
}

func retryOnceWithAfter(fe *crawler.FetchError) bool {
	return fe.Kind == crawler.FetchHTTPError && (fe.Status == 408 || fe.Status == 429)
}
