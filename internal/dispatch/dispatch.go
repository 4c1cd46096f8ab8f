// Package dispatch routes relay requests across the provider failover chain,
// retrying transient failures with exponential backoff and normalizing
// backend output into the wire shapes clients expect.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"airelay/internal/config"
	"airelay/internal/provider"
)

const jitterFraction = 0.1

// Dispatcher coordinates provider selection, retries, and normalization for
// chat completions and image generation.
type Dispatcher struct {
	registry    *provider.Registry
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration

	// Test seams. Production values are set by New.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	newID func() string
}

// New constructs a dispatcher bound to the registry with the gateway's retry
// and timeout settings.
func New(registry *provider.Registry, cfg config.GatewayConfig) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		timeout:     cfg.Timeout(),
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase(),
		backoffMax:  cfg.BackoffMax(),
		sleep:       sleepContext,
		now:         time.Now,
		newID:       newCompletionID,
	}
}

// newCompletionID fabricates a completion id: "chatcmpl-" plus the first 29
// hex characters of a random uuid.
func newCompletionID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "chatcmpl-" + hex[:29]
}

// withRetry runs call until it succeeds, fails non-transiently, or the
// attempt budget is spent. Backoff doubles from the base up to the cap, with
// jitter to keep concurrent retries from aligning.
func (d *Dispatcher) withRetry(ctx context.Context, op string, call func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, d.backoff(attempt-2)); err != nil {
				return lastErr
			}
		}

		err := call(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !provider.IsTransient(err) {
			return err
		}
		slog.Warn("dispatch attempt failed",
			"operation", op, "attempt", attempt, "max_attempts", d.maxAttempts, "error", err)
	}

	return lastErr
}

// backoff returns the delay before retry attempt (0-indexed):
// min(base * 2^attempt, max) plus up to 10% jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := float64(d.backoffBase) * math.Pow(2, float64(attempt))
	if base > float64(d.backoffMax) {
		base = float64(d.backoffMax)
	}
	jitter := base * jitterFraction * rand.Float64()
	return time.Duration(base + jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// chainError folds the failures collected during one walk of the failover
// chain into a single classified error driving the retry decision: any
// transient failure makes the walk retryable, a chain nobody could serve is
// unavailable, and a uniformly fatal walk stays fatal.
func chainError(errs []error) error {
	if len(errs) == 0 {
		return provider.Unavailable("no providers available for request")
	}

	unsupported := 0
	transient := false
	for _, err := range errs {
		if errors.Is(err, provider.ErrUnsupportedOperation) {
			unsupported++
			continue
		}
		if provider.IsTransient(err) {
			transient = true
		}
	}

	last := errs[len(errs)-1]
	switch {
	case unsupported == len(errs):
		return &provider.Error{
			Kind:    provider.KindUnavailable,
			Message: "no registered provider supports this operation",
			Err:     errors.Join(errs...),
		}
	case transient:
		return &provider.Error{
			Kind:    provider.KindTransient,
			Message: "all providers failed: " + last.Error(),
			Err:     errors.Join(errs...),
		}
	default:
		return last
	}
}
