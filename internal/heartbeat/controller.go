// Package heartbeat implements per-connection ping/pong accounting,
// health scoring and timeout detection.
package heartbeat

import (
	"sync"
	"time"

	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/events"
	"github.com/meteorx/marketfeed/internal/telemetry"
)

// PongSender writes a pong frame with the given payload. Implemented by
// the owning connection; kept here as a narrow interface so the
// controller has no dependency on the websocket library.
type PongSender func(payload []byte) error

// Config configures the heartbeat controller.
type Config struct {
	PingTimeoutThreshold    time.Duration
	PongResponseTimeout     time.Duration
	UnsolicitedPongInterval time.Duration // 0 disables unsolicited pongs
	HealthCheckInterval     time.Duration

	// Exchange and ConnectionID label this controller's metrics;
	// Recorder defaults to a no-op.
	Exchange     string
	ConnectionID string
	Recorder     telemetry.Recorder
}

// HealthChanged is emitted whenever the score has moved by more than 0.1
// since the last reported score (initially 1.0).
type HealthChanged struct {
	Old, New float64
	At       time.Time
}

// Timeout is emitted when a ping has not arrived within the threshold.
type Timeout struct {
	LastPingTime time.Time
	At           time.Time
}

const durationRingLen = 100

// Controller tracks one connection's heartbeat discipline.
type Controller struct {
	cfg  Config
	send PongSender

	mu               sync.Mutex
	pingsReceived    int64
	pongsSent        int64
	unsolicitedPongs int64
	timeouts         int64
	lastPingTime     time.Time
	lastPongTime     time.Time
	pingInterarrival time.Duration
	durations        []time.Duration
	durationPos      int
	score            float64
	reportedScore    float64

	healthChanged *events.Bus[HealthChanged]
	timeoutEvt    *events.Bus[Timeout]

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Controller bound to a pong-sending callback.
func New(cfg Config, send PongSender) *Controller {
	if cfg.PongResponseTimeout <= 0 {
		cfg.PongResponseTimeout = 5 * time.Second
	}
	if cfg.PingTimeoutThreshold <= 0 {
		cfg.PingTimeoutThreshold = 30 * time.Second
	}
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.NoopRecorder{}
	}
	c := &Controller{
		cfg:           cfg,
		send:          send,
		score:         1.0,
		reportedScore: 1.0,
		healthChanged: events.NewBus[HealthChanged](),
		timeoutEvt:    events.NewBus[Timeout](),
		stop:          make(chan struct{}),
	}
	return c
}

// OnHealthChanged registers a listener for health-score-changed events.
func (c *Controller) OnHealthChanged(fn func(HealthChanged)) events.Handle {
	return c.healthChanged.On(fn)
}

// OnTimeout registers a listener for heartbeat-timeout events.
func (c *Controller) OnTimeout(fn func(Timeout)) events.Handle {
	return c.timeoutEvt.On(fn)
}

// HandlePing must be called synchronously from the frame-receiving
// handler with the ping's opaque payload; it writes the matching pong
// before returning: exactly one pong send attempt per ping handler
// invocation.
func (c *Controller) HandlePing(payload []byte) error {
	now := time.Now()

	c.mu.Lock()
	if !c.lastPingTime.IsZero() {
		c.pingInterarrival = now.Sub(c.lastPingTime)
	}
	c.pingsReceived++
	c.lastPingTime = now
	c.mu.Unlock()

	start := time.Now()
	err := c.send(payload)
	dur := time.Since(start)

	c.mu.Lock()
	if err == nil {
		c.pongsSent++
		c.lastPongTime = time.Now()
		c.recordDuration(dur)
	}
	c.mu.Unlock()

	c.recomputeScore()

	if err != nil {
		return domain.NewError(domain.ErrHeartbeat, "pong write failed", err, nil)
	}
	return nil
}

func (c *Controller) recordDuration(d time.Duration) {
	if c.durations == nil {
		c.durations = make([]time.Duration, 0, durationRingLen)
	}
	if len(c.durations) < durationRingLen {
		c.durations = append(c.durations, d)
	} else {
		c.durations[c.durationPos] = d
	}
	c.durationPos = (c.durationPos + 1) % durationRingLen
}

func (c *Controller) avgPongDuration() time.Duration {
	if len(c.durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range c.durations {
		total += d
	}
	return total / time.Duration(len(c.durations))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// recomputeScore applies the weighted four-factor formula.
func (c *Controller) recomputeScore() {
	c.mu.Lock()
	avgDur := c.avgPongDuration()
	pingsReceived := c.pingsReceived
	pongsSent := c.pongsSent
	timeouts := c.timeouts
	interarrival := c.pingInterarrival
	old := c.reportedScore

	var responseTime float64 = 1
	if c.cfg.PongResponseTimeout > 0 {
		responseTime = clamp01(1 - float64(avgDur)/float64(c.cfg.PongResponseTimeout))
	}

	freq := 1.0
	if interarrival > 0 {
		delta := interarrival - 20*time.Second
		if delta < 0 {
			delta = -delta
		}
		freq = clamp01(1 - float64(delta)/float64(20*time.Second))
	}

	timeoutFactor := clamp01(1 - float64(timeouts)/10.0)

	pongSuccess := 1.0
	if pingsReceived > 0 {
		pongSuccess = clamp01(float64(pongsSent) / float64(pingsReceived))
	}

	newScore := 0.3*responseTime + 0.4*freq + 0.2*timeoutFactor + 0.1*pongSuccess
	c.score = newScore
	diff := newScore - old
	moved := diff > 0.1 || diff < -0.1
	if moved {
		c.reportedScore = newScore
	}
	c.mu.Unlock()

	if moved {
		c.healthChanged.Emit(HealthChanged{Old: old, New: newScore, At: time.Now()})
	}
}

// EmitUnsolicitedPong sends an empty-payload pong outside the reactive
// path; callers should wire this to a ticker at cfg.UnsolicitedPongInterval.
func (c *Controller) EmitUnsolicitedPong() error {
	err := c.send(nil)
	c.mu.Lock()
	if err == nil {
		c.unsolicitedPongs++
	}
	c.mu.Unlock()
	return err
}

// CheckTimeout evaluates now-lastPingTime against the threshold;
// callers should invoke this from a periodic check (e.g. the connection's own ticker).
func (c *Controller) CheckTimeout(now time.Time) {
	c.mu.Lock()
	last := c.lastPingTime
	if last.IsZero() || now.Sub(last) <= c.cfg.PingTimeoutThreshold {
		c.mu.Unlock()
		return
	}
	c.timeouts++
	c.mu.Unlock()

	c.cfg.Recorder.IncCounter("marketfeed_heartbeat_timeouts_total", map[string]string{"exchange": c.cfg.Exchange, "connection_id": c.cfg.ConnectionID})
	c.recomputeScore()
	c.timeoutEvt.Emit(Timeout{LastPingTime: last, At: now})
}

// Stats returns a snapshot of the controller's counters and score.
func (c *Controller) Stats() domain.HeartbeatStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.HeartbeatStats{
		PingsReceived:    c.pingsReceived,
		PongsSent:        c.pongsSent,
		UnsolicitedPongs: c.unsolicitedPongs,
		Timeouts:         c.timeouts,
		LastPingTime:     c.lastPingTime,
		LastPongTime:     c.lastPongTime,
		HealthScore:      c.score,
	}
}

// HealthScore returns the current health score in [0,1].
func (c *Controller) HealthScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.score
}

// Close stops any background goroutines started by Run.
func (c *Controller) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.wg.Wait()
}

// Run starts the background timers for timeout detection and unsolicited
// pongs. It returns immediately; call Close to stop it.
func (c *Controller) Run() {
	interval := c.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var unsolicited *time.Ticker
		var unsolicitedC <-chan time.Time
		if c.cfg.UnsolicitedPongInterval > 0 {
			unsolicited = time.NewTicker(c.cfg.UnsolicitedPongInterval)
			unsolicitedC = unsolicited.C
			defer unsolicited.Stop()
		}

		for {
			select {
			case <-c.stop:
				return
			case now := <-ticker.C:
				c.CheckTimeout(now)
			case <-unsolicitedC:
				_ = c.EmitUnsolicitedPong()
			}
		}
	}()
}
