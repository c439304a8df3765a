// ABOUTME: Exponential reconnect backoff with proportional jitter
// ABOUTME: delay = min(max, base*2^attempt) plus up to 30% jitter, clamped to max

package agent

import (
	"math/rand/v2"
	"time"
)

// Default reconnect timing.
const (
	DefaultBaseDelay            = time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultJitterFraction       = 0.3
	DefaultMaxReconnectAttempts = 10
	DefaultDeliveryTimeout      = 30 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
)

// Backoff computes reconnect delays.
type Backoff struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns the documented reconnect timing.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:           DefaultBaseDelay,
		Max:            DefaultMaxDelay,
		JitterFraction: DefaultJitterFraction,
	}
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
// The result never exceeds Max, and jitter never exceeds the doubling step,
// so successive delays are non-decreasing.
func (b Backoff) Delay(attempt int) time.Duration {
	base, maxDelay := b.Base, b.Max
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := maxDelay
	// Shifting past 62 bits overflows; anything that large is capped anyway.
	if attempt < 62 {
		if d := base << uint(attempt); d > 0 && d < maxDelay {
			delay = d
		}
	}

	if b.JitterFraction > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		delay += time.Duration(r() * b.JitterFraction * float64(delay))
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
