// Package fetch issues paced, retried HTTP GETs against the bookmark source
// and its image hosts.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrExhausted wraps the last error once the retry budget is spent.
var ErrExhausted = errors.New("fetch: retries exhausted")

// Request describes one GET.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is a completed 2xx response.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs a single attempt. Implementations return a *StatusError
// for non-2xx responses.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("GET %s: status %d (retry after %s)", e.URL, e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// RateLimited reports whether the server asked the client to slow down.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		(e.StatusCode == http.StatusServiceUnavailable && e.RetryAfter > 0)
}

// RetryAfterHint returns the server supplied Retry-After delay, if any.
func (e *StatusError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// ParseRetryAfter decodes a Retry-After header given in seconds or as an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := when.Sub(now); d > 0 {
		return d
	}
	return 0
}
