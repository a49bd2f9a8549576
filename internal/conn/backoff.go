package conn

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffConfig controls reconnect delays. The n-th consecutive retry waits
// InitialDelay * Multiplier^(n-1), capped at MaxDelay and spread by
// ±Jitter (a fraction, 0.2 for ±20%).
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	// MaxAttempts is the number of consecutive failed reconnects tolerated
	// before the manager gives up. Zero means retry forever.
	MaxAttempts int
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// Backoff yields successive reconnect delays.
type Backoff struct {
	exp *backoff.ExponentialBackOff
}

// NewBackoff returns a policy positioned at the first retry.
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = cfg.Multiplier
	exp.RandomizationFactor = cfg.Jitter
	exp.Reset()
	return &Backoff{exp: exp}
}

// Next returns the delay before the next retry.
func (b *Backoff) Next() time.Duration {
	return b.exp.NextBackOff()
}

// Reset restarts the sequence at InitialDelay.
func (b *Backoff) Reset() {
	b.exp.Reset()
}
