package tern

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// maxRetryDelay caps the exponential backoff between attempts. A server's
// Retry-After still wins when it asks for longer.
const maxRetryDelay = 10 * time.Second

// retryProvider wraps a ModelProvider and automatically retries transient
// failures (rate limits, 5xx, timeouts) with exponential backoff.
type retryProvider struct {
	inner       ModelProvider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger  // nil = nopLogger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles, capped at 10s.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence. If
// the total time across all attempts exceeds this duration, the retry loop
// gives up and returns the last error. The zero value (default) disables
// the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. When set,
// retries log at WARN level and final failures after exhausting attempts
// log at ERROR. If not set, a no-op logger is used.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient failures. Retries
// use exponential backoff with jitter, capped at 10s per wait. When the
// error includes a Retry-After duration, the retry delay is at least that
// long. Compose with any ModelProvider:
//
//	llm = tern.WithRetry(anthropic.New(apiKey))
//	llm = tern.WithRetry(anthropic.New(apiKey), tern.RetryMaxAttempts(5))
func WithRetry(p ModelProvider, opts ...RetryOption) ModelProvider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// Chat implements ModelProvider with retry.
func (r *retryProvider) Chat(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (ModelResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

// ChatStream implements ModelProvider with retry. Retries are only
// performed if no tokens have been written to ch yet — once streaming has
// started, errors pass through immediately to avoid sending duplicate
// content. ch is always closed before returning.
func (r *retryProvider) ChatStream(ctx context.Context, req ModelRequest, ch chan<- string) (ModelResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan string, 64)
		var (
			resp      ModelResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.ChatStream(ctx, req, mid)
		}()

		var tokensSent bool
		for delta := range mid {
			tokensSent = true
			ch <- delta
		}
		<-done

		if streamErr == nil || !IsTransient(streamErr) || tokensSent {
			close(ch)
			return resp, streamErr
		}

		lastErr = streamErr
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"attempt", i+1,
			"max_attempts", r.maxAttempts,
			"error", streamErr)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, streamErr))
			select {
			case <-ctx.Done():
				timer.Stop()
				close(ch)
				return ModelResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", lastErr)
	close(ch)
	return ModelResponse{}, lastErr
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx
// unchanged. The caller must call the returned CancelFunc when done.
func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// RetryDo runs fn up to maxAttempts times, backing off between transient
// failures the same way provider calls do. Non-transient errors return
// immediately. op names the operation in retry logs; logger may be nil.
func RetryDo(ctx context.Context, maxAttempts int, base time.Duration, op string, logger *slog.Logger, fn func() error) error {
	if logger == nil {
		logger = nopLogger
	}
	_, err := retryCall(ctx, maxAttempts, base, op, logger, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using capped
// exponential backoff as a floor and the server's Retry-After value (if
// present) as a minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryCall calls fn up to maxAttempts times, sleeping between transient
// failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"provider", name,
			"attempt", i+1,
			"max_attempts", maxAttempts,
			"error", err)
		if i < maxAttempts-1 {
			timer := time.NewTimer(retryDelay(base, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i plus up to 50% random jitter, capped at
// maxRetryDelay.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	if exp > maxRetryDelay {
		return maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	if exp+jitter > maxRetryDelay {
		return maxRetryDelay
	}
	return exp + jitter
}
