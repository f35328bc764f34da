// Package reconnect implements exponential backoff with jitter,
// retryability classification by error kind, and attempt-counter reset
// after a sustained connected period.
package reconnect

import (
	"math/rand/v2"
	"time"

	"github.com/meteorx/marketfeed/internal/domain"
)

// Config is the reconnect configuration surface.
type Config struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	MaxRetries        int
	Jitter            bool
	ResetAfter        time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 60 * time.Second
	}
	return c
}

// Strategy computes reconnect delays and tracks the attempt counter for
// one connection. Not safe for concurrent use from multiple goroutines
// without external synchronization (the owning connection is
// single-writer).
type Strategy struct {
	cfg           Config
	attempt       int
	connectedAt   time.Time
	rng           *rand.Rand
	terminated    bool
}

// New constructs a Strategy. rngSource lets tests supply a deterministic
// source; nil uses a process-global source.
func New(cfg Config, rngSource rand.Source) *Strategy {
	cfg = cfg.withDefaults()
	var rng *rand.Rand
	if rngSource != nil {
		rng = rand.New(rngSource)
	} else {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return &Strategy{cfg: cfg, rng: rng}
}

// Classify maps an error kind to a reconnect decision.
func Classify(kind domain.ErrorKind) (shouldReconnect bool) {
	return kind.Retryable()
}

// NextAttempt advances the attempt counter and returns the delay to wait
// before attempt N, along with whether the connection should instead be
// terminated because MaxRetries has been exhausted.
func (s *Strategy) NextAttempt() (delay time.Duration, terminated bool) {
	if s.terminated {
		return 0, true
	}
	s.attempt++
	if s.attempt > s.cfg.MaxRetries {
		s.terminated = true
		return 0, true
	}
	return s.delayForAttempt(s.attempt), false
}

// delayForAttempt computes min(maxDelay, initialDelay * multiplier^(n-1))
// with optional uniform jitter in [-0.2, +0.2] * delay.
func (s *Strategy) delayForAttempt(n int) time.Duration {
	base := float64(s.cfg.InitialDelay)
	mult := 1.0
	for i := 1; i < n; i++ {
		mult *= s.cfg.BackoffMultiplier
	}
	d := base * mult
	max := float64(s.cfg.MaxDelay)
	if d > max {
		d = max
	}
	if s.cfg.Jitter {
		jitter := (s.rng.Float64()*0.4 - 0.2) * d
		d += jitter
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}

// NotifyConnected should be called whenever the owning connection reaches
// ACTIVE; after ResetAfter of continuous connected time the attempt
// counter resets to 0. Call NotifyDisconnected on any drop.
func (s *Strategy) NotifyConnected(now time.Time) {
	s.connectedAt = now
}

// NotifyDisconnected clears the connected-since marker.
func (s *Strategy) NotifyDisconnected() {
	s.connectedAt = time.Time{}
}

// MaybeReset resets the attempt counter if the connection has been
// continuously connected for at least ResetAfter as of now. Callers
// should invoke this periodically (e.g. from the connection's own ticker) or right
// before computing the next backoff.
func (s *Strategy) MaybeReset(now time.Time) {
	if s.connectedAt.IsZero() {
		return
	}
	if now.Sub(s.connectedAt) >= s.cfg.ResetAfter {
		s.attempt = 0
		s.terminated = false
	}
}

// Attempt returns the current attempt counter (1-indexed after the first
// NextAttempt call, 0 before any attempt).
func (s *Strategy) Attempt() int { return s.attempt }

// Terminated reports whether MaxRetries has been exhausted.
func (s *Strategy) Terminated() bool { return s.terminated }

// Reset unconditionally zeroes the attempt counter and clears termination.
func (s *Strategy) Reset() {
	s.attempt = 0
	s.terminated = false
}
