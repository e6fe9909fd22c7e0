package connection

import (
	"math/rand"
	"sync"
	"time"
)

// RetryDecision is the answer to "may another attempt be made".
type RetryDecision uint8

const (
	RetryAllowed RetryDecision = iota
	MaxRetriesReached
)

// BackoffConfig tunes the exponential backoff schedule. MultiplierPercent
// and JitterPercent are percentages (100 = x1.0). MaxRetries of 0 means
// unbounded.
type BackoffConfig struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	MultiplierPercent uint32
	JitterPercent     uint32
	MaxRetries        uint32
}

// DefaultBackoffConfig returns the standard schedule: 1s doubling up to
// 30s with 10% jitter and no attempt cap.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		MultiplierPercent: 200,
		JitterPercent:     10,
		MaxRetries:        0,
	}
}

// Backoff computes reconnection delays from a failure counter. The delay
// is derived fresh from the counter on every call, so replacing the
// configuration retroactively applies to the current count.
type Backoff struct {
	mu       sync.Mutex
	config   BackoffConfig
	failures uint32
}

// NewBackoff creates a scheduler with the given configuration.
func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{config: config}
}

// RecordFailure increments the failure counter.
func (b *Backoff) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
}

// FailureCount returns the number of recorded failures.
func (b *Backoff) FailureCount() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset zeroes the failure counter. The configuration is untouched.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// SetConfig replaces the configuration, preserving the failure counter.
func (b *Backoff) SetConfig(config BackoffConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = config
}

// Config returns the current configuration.
func (b *Backoff) Config() BackoffConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}

// NextDelay returns min(MaxDelay, InitialDelay * multiplier^failures)
// with no jitter applied.
func (b *Backoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return baseDelay(b.config, b.failures)
}

// NextDelayWithJitter returns NextDelay perturbed by a deterministic
// offset derived from seed, uniform in [base*(1-j), base*(1+j)] for
// jitter percent j. A zero jitter percent returns the exact base delay
// for every seed.
func (b *Backoff) NextDelayWithJitter(seed int64) time.Duration {
	b.mu.Lock()
	cfg := b.config
	n := b.failures
	b.mu.Unlock()

	base := baseDelay(cfg, n)
	if cfg.JitterPercent == 0 {
		return base
	}

	span := float64(base) * float64(cfg.JitterPercent) / 100.0
	// Uniform in [-span, +span].
	offset := (rand.New(rand.NewSource(seed)).Float64()*2 - 1) * span
	d := time.Duration(float64(base) + offset)
	if d < 0 {
		d = 0
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed under the
// configured MaxRetries cap.
func (b *Backoff) ShouldRetry() RetryDecision {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.config.MaxRetries != 0 && b.failures >= b.config.MaxRetries {
		return MaxRetriesReached
	}
	return RetryAllowed
}

func baseDelay(cfg BackoffConfig, failures uint32) time.Duration {
	delay := float64(cfg.InitialDelay)
	factor := float64(cfg.MultiplierPercent) / 100.0
	max := float64(cfg.MaxDelay)

	for i := uint32(0); i < failures; i++ {
		delay *= factor
		if delay >= max {
			return cfg.MaxDelay
		}
	}
	if delay > max {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}
