package provider

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/picklr-io/deckhand/internal/logging"
)

// DefaultRetryMax is the default maximum number of retries for transient errors.
const DefaultRetryMax = 3

// RetryPolicy defines retry behavior for transient cloud API errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy retries three times, from one second up to thirty.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// RetryWithBackoff calls fn until it succeeds, returns an error
// shouldRetry rejects, or policy.MaxRetries retries have been spent. A nil
// shouldRetry retries transient errors only.
func RetryWithBackoff(ctx context.Context, policy *RetryPolicy, fn func() error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if shouldRetry == nil {
		shouldRetry = IsTransientError
	}

	for attempt := 0; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			return nil
		case !shouldRetry(err):
			return err
		case attempt >= policy.MaxRetries:
			return fmt.Errorf("giving up after %d retries: %w", policy.MaxRetries, err)
		}

		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled: %w (last error: %v)", ctx.Err(), err)
		}
		delay := calculateBackoff(attempt, policy.BaseDelay, policy.MaxDelay)
		logging.FromContext(ctx).Debug("Retrying after transient error", "attempt", attempt+1, "delay", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
}

// calculateBackoff returns exponential backoff with full jitter.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(rand.Float64() * backoff)
}

var transientPatterns = []string{
	"throttl",
	"rate exceed",
	"too many requests",
	"request limit",
	"service unavailable",
	"internal server error",
	"connection reset",
	"connection refused",
	"timeout",
	"tls handshake",
	"i/o timeout",
	"temporary failure",
}

// IsTransientError reports whether err looks like a throttling or network
// error worth retrying. Providers with typed API errors should classify
// those first and fall back to this.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
