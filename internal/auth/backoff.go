// Package auth implements the token lifecycle: the persisted token manager
// with transparent refresh, the RFC 8628 device-authorization login flow,
// and the machine-to-machine client-credentials exchange.
package auth

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"
)

// Backoff schedule shared by every transient-retry loop in the CLI: base
// delays 1, 2, 4 seconds (doubling beyond), plus up to one second of jitter,
// capped at 30 seconds.
const (
	MaxTransientRetries = 3
	maxBackoff          = 30 * time.Second
)

var baseDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// RetryDelay returns the backoff duration for the given zero-based attempt.
func RetryDelay(attempt int) time.Duration {
	var base time.Duration
	if attempt < len(baseDelays) {
		base = baseDelays[attempt]
	} else {
		base = baseDelays[len(baseDelays)-1] << (attempt - len(baseDelays) + 1)
	}

	d := base + time.Duration(rand.Float64()*float64(time.Second)) //nolint:gosec // jitter does not need crypto rand
	if d > maxBackoff {
		d = maxBackoff
	}

	return d
}

// IsTransientStatus reports whether the HTTP status code is retried silently.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// SleepFunc waits for d or until ctx is done. Retry loops take one of these
// so tests can run without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
