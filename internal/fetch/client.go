package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/metrics"
	"github.com/JakeFAU/bookmark-mirror/internal/pacing"
	"github.com/JakeFAU/bookmark-mirror/internal/retry"
)

const defaultTimeout = 30 * time.Second

// ClientOptions tunes a Client.
type ClientOptions struct {
	// Timeout bounds a single attempt. A timed-out attempt is retried.
	Timeout time.Duration
	// GiveUpOn lists status codes that fail after a single attempt. Every
	// other non-2xx status is retried until the budget runs out.
	GiveUpOn []int
	Logger   *zap.Logger
}

// Client runs every attempt through the shared pacing gate and retries
// transient failures according to the policy.
type Client struct {
	fetcher Fetcher
	gate    *pacing.Gate
	policy  *retry.Policy
	timeout time.Duration
	giveUp  map[int]struct{}
	logger  *zap.Logger
}

// NewClient wires a fetcher to the gate and policy. A nil gate disables pacing.
func NewClient(fetcher Fetcher, gate *pacing.Gate, policy *retry.Policy, opts ClientOptions) *Client {
	if gate == nil {
		gate = pacing.New(0)
	}
	if policy == nil {
		policy = retry.New(retry.Config{})
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	giveUp := make(map[int]struct{}, len(opts.GiveUpOn))
	for _, code := range opts.GiveUpOn {
		giveUp[code] = struct{}{}
	}
	return &Client{
		fetcher: fetcher,
		gate:    gate,
		policy:  policy,
		timeout: opts.Timeout,
		giveUp:  giveUp,
		logger:  opts.Logger,
	}
}

// Get fetches req, retrying until success, a status listed in GiveUpOn, the
// retry budget running out, or ctx being canceled.
func (c *Client) Get(ctx context.Context, req Request) (Response, error) {
	for attempt := 1; ; attempt++ {
		if err := c.gate.Acquire(ctx); err != nil {
			return Response{}, err
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			metrics.ObserveFetch("success", resp.Duration)
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.ObserveFetch("canceled", 0)
			return Response{}, fmt.Errorf("fetch %s: %w", req.URL, ctxErr)
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && c.givesUpOn(statusErr.StatusCode) {
			metrics.ObserveFetch("failure", 0)
			return Response{}, err
		}
		if !c.policy.ShouldRetry(err, attempt) {
			metrics.ObserveFetch("failure", 0)
			return Response{}, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		wait := c.policy.Backoff(attempt, err)
		metrics.ObserveFetch("retry", 0)
		c.logger.Warn("fetch attempt failed",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := sleep(ctx, wait); err != nil {
			return Response{}, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
	}
}

func (c *Client) givesUpOn(code int) bool {
	_, ok := c.giveUp[code]
	return ok
}

func (c *Client) attempt(ctx context.Context, req Request) (Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.fetcher.Fetch(attemptCtx, req)
	if err != nil {
		return Response{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &StatusError{
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			RetryAfter: ParseRetryAfter(resp.Headers.Get("Retry-After"), time.Now()),
		}
	}
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	return resp, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
