// Package fetch executes single HTTP requests under a bounded-concurrency,
// rate-limit-aware retry policy. All catalog and chunk fetches issued
// within one logical operation share a Fetcher and therefore its in-flight
// bound.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/earthdatalab/virtualzarr/telemetry"
)

const (
	// DefaultMaxInFlight bounds concurrently executing requests.
	DefaultMaxInFlight = 8

	// DefaultMaxAttempts is the retry budget per request, counting the
	// first attempt.
	DefaultMaxAttempts = 5

	// DefaultInitialWait seeds the exponential backoff.
	DefaultInitialWait = 500 * time.Millisecond

	// DefaultMaxWait caps a single backoff interval.
	DefaultMaxWait = 30 * time.Second
)

var (
	// ErrNotFound is returned for a 404 response; it is never retried.
	ErrNotFound = errors.New("not found")

	// ErrBudgetExhausted is returned once the retry budget is spent
	// without a successful response.
	ErrBudgetExhausted = errors.New("retry budget exhausted")
)

// Fetcher executes requests with retries on rate limits and transient
// transport failures. 5xx responses are not retried.
type Fetcher struct {
	client      *http.Client
	sem         *semaphore.Weighted
	maxAttempts int
	initialWait time.Duration
	maxWait     time.Duration
	logger      *slog.Logger

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithMaxInFlight bounds the number of concurrently executing requests.
func WithMaxInFlight(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMaxAttempts sets the per-request retry budget.
func WithMaxAttempts(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial and maximum backoff intervals.
func WithBackoff(initial, max time.Duration) Option {
	return func(f *Fetcher) {
		f.initialWait = initial
		f.maxWait = max
	}
}

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// New creates a Fetcher. The zero configuration is usable against real
// archives; tests typically tighten the backoff.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:      &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "fetch")},
		sem:         semaphore.NewWeighted(DefaultMaxInFlight),
		maxAttempts: DefaultMaxAttempts,
		initialWait: DefaultInitialWait,
		maxWait:     DefaultMaxWait,
		logger:      slog.Default(),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Do executes the request under the in-flight bound and retry policy and
// returns the response payload.
//
// Rate-limit responses (429) wait for the larger of the server-advertised
// interval and the exponential backoff, then retry. Transport errors retry
// on backoff alone. 5xx and non-retryable 4xx responses fail immediately.
func (f *Fetcher) Do(ctx context.Context, req *http.Request) ([]byte, error) {
	id := uuid.NewString()
	logger := f.logger.With("request_id", id, "url", req.URL.String())

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.initialWait
	eb.MaxInterval = f.maxWait

	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		data, wait, err := f.boundedAttempt(ctx, req)
		if err == nil {
			return data, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err

		if attempt == f.maxAttempts {
			break
		}

		next := eb.NextBackOff()
		if wait > next {
			// Never undercut the server-specified minimum.
			next = wait
		}
		logger.Debug("retrying request", "attempt", attempt, "wait", next, "error", err)
		telemetry.RecordRetryWait(ctx, next)
		if err := f.sleep(ctx, next); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %d attempts for %s: %w", ErrBudgetExhausted, f.maxAttempts, req.URL, lastErr)
}

// rateLimitError marks a retryable response, carrying any server-advertised
// minimum wait.
type rateLimitError struct {
	status string
	wait   time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.status)
}

// transportError marks a retryable network-level failure.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var rl *rateLimitError
	var te *transportError
	return errors.As(err, &rl) || errors.As(err, &te)
}

// boundedAttempt holds an in-flight slot only while the request is on the
// wire; backoff waits must not occupy pool capacity.
func (f *Fetcher) boundedAttempt(ctx context.Context, req *http.Request) ([]byte, time.Duration, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer f.sem.Release(1)
	return f.attempt(ctx, req)
}

// attempt performs one request. The returned duration is the
// server-advertised minimum wait, when the response carried one.
func (f *Fetcher) attempt(ctx context.Context, req *http.Request) ([]byte, time.Duration, error) {
	attemptReq := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, 0, fmt.Errorf("rewinding request body: %w", err)
		}
		attemptReq.Body = body
	}

	resp, err := f.client.Do(attemptReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &transportError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, &transportError{err: fmt.Errorf("reading response body: %w", err)}
		}
		return data, 0, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, retryAfter(resp), &rateLimitError{status: resp.Status}

	case resp.StatusCode == http.StatusNotFound:
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, req.URL)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, 0, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}
}

// retryAfter parses the Retry-After header as either delay seconds or an
// HTTP date. Zero means the server advertised no minimum.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
