package reconnect

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/meteorx/marketfeed/internal/domain"
)

func TestDelayForAttemptGrowsExponentially(t *testing.T) {
	s := New(Config{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		MaxRetries:        20,
		Jitter:            false,
	}, nil)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, c := range cases {
		got := s.delayForAttempt(c.attempt)
		if got != c.want {
			t.Errorf("delayForAttempt(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestDelayForAttemptCapsAtMaxDelay(t *testing.T) {
	s := New(Config{
		InitialDelay:      1 * time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		MaxRetries:        20,
		Jitter:            false,
	}, nil)

	got := s.delayForAttempt(10)
	if got != 5*time.Second {
		t.Errorf("delayForAttempt(10) = %v, want capped at %v", got, 5*time.Second)
	}
}

func TestDelayForAttemptJitterStaysWithinBounds(t *testing.T) {
	s := New(Config{
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		MaxRetries:        20,
		Jitter:            true,
	}, rand.NewPCG(1, 2))

	base := 2 * time.Second // attempt 2, no jitter
	lower := time.Duration(float64(base) * 0.8)
	upper := time.Duration(float64(base) * 1.2)

	for i := 0; i < 50; i++ {
		got := s.delayForAttempt(2)
		if got < lower || got > upper {
			t.Fatalf("jittered delay %v out of bounds [%v, %v]", got, lower, upper)
		}
	}
}

func TestNextAttemptTerminatesAfterMaxRetries(t *testing.T) {
	s := New(Config{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		MaxRetries:   3,
		Jitter:       false,
	}, nil)

	for i := 1; i <= 3; i++ {
		delay, terminated := s.NextAttempt()
		if terminated {
			t.Fatalf("attempt %d: terminated early", i)
		}
		if delay <= 0 {
			t.Errorf("attempt %d: expected positive delay, got %v", i, delay)
		}
	}

	delay, terminated := s.NextAttempt()
	if !terminated {
		t.Fatalf("expected terminated after exceeding MaxRetries")
	}
	if delay != 0 {
		t.Errorf("expected zero delay once terminated, got %v", delay)
	}
	if !s.Terminated() {
		t.Errorf("Terminated() = false, want true")
	}

	// Further calls stay terminated without incrementing the counter.
	attemptBefore := s.Attempt()
	_, terminated = s.NextAttempt()
	if !terminated {
		t.Errorf("expected terminated to remain true")
	}
	if s.Attempt() != attemptBefore {
		t.Errorf("attempt counter advanced after termination: %d -> %d", attemptBefore, s.Attempt())
	}
}

func TestMaybeResetClearsAttemptCounterAfterSustainedConnection(t *testing.T) {
	s := New(Config{
		InitialDelay: 10 * time.Millisecond,
		MaxRetries:   3,
		ResetAfter:   1 * time.Minute,
		Jitter:       false,
	}, nil)

	s.NextAttempt()
	s.NextAttempt()
	if s.Attempt() != 2 {
		t.Fatalf("Attempt() = %d, want 2", s.Attempt())
	}

	connectedAt := time.Now()
	s.NotifyConnected(connectedAt)

	s.MaybeReset(connectedAt.Add(30 * time.Second))
	if s.Attempt() != 2 {
		t.Errorf("Attempt() reset too early: got %d, want 2", s.Attempt())
	}

	s.MaybeReset(connectedAt.Add(90 * time.Second))
	if s.Attempt() != 0 {
		t.Errorf("Attempt() = %d, want 0 after ResetAfter elapsed", s.Attempt())
	}
}

func TestMaybeResetNoopWhenDisconnected(t *testing.T) {
	s := New(Config{InitialDelay: 10 * time.Millisecond, MaxRetries: 3}, nil)
	s.NextAttempt()
	s.NotifyDisconnected()

	s.MaybeReset(time.Now().Add(time.Hour))
	if s.Attempt() != 1 {
		t.Errorf("MaybeReset should not reset while disconnected, Attempt() = %d", s.Attempt())
	}
}

func TestResetClearsTerminationUnconditionally(t *testing.T) {
	s := New(Config{InitialDelay: 10 * time.Millisecond, MaxRetries: 1}, nil)
	s.NextAttempt()
	_, terminated := s.NextAttempt()
	if !terminated {
		t.Fatalf("expected termination after exceeding MaxRetries=1")
	}

	s.Reset()
	if s.Terminated() {
		t.Errorf("Terminated() = true after Reset()")
	}
	if s.Attempt() != 0 {
		t.Errorf("Attempt() = %d after Reset(), want 0", s.Attempt())
	}
}

func TestClassifyRetryableErrorKinds(t *testing.T) {
	cases := []struct {
		kind domain.ErrorKind
		want bool
	}{
		{domain.ErrConnection, true},
		{domain.ErrHeartbeat, true},
		{domain.ErrNetwork, true},
		{domain.ErrConfig, false},
		{domain.ErrAuth, false},
		{domain.ErrData, false},
	}
	for _, c := range cases {
		if got := Classify(c.kind); got != c.want {
			t.Errorf("Classify(%s) = %v, want %v", c.kind, got, c.want)
		}
	}
}
