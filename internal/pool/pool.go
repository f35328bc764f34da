// Package pool implements a load-balanced, health-driven pool of
// wsconn connections, with singleflighted connection creation so
// concurrent callers racing for capacity share one dial.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/events"
	"github.com/meteorx/marketfeed/internal/telemetry"
	"github.com/meteorx/marketfeed/internal/wsconn"
)

// Factory creates a new, not-yet-connected wsconn.Connection.
type Factory func(id string) *wsconn.Connection

// Config is the connection-pool configuration surface.
type Config struct {
	MaxConnections       int
	MaxStreamsPerConn    int
	ConnectionTimeout    time.Duration
	IdleTimeout          time.Duration
	HealthCheckInterval  time.Duration

	// Exchange labels this pool's metrics; Recorder defaults to a no-op.
	Exchange string
	Recorder telemetry.Recorder
}

// MigrationNeeded is emitted when a connection's subscriptions must be
// moved elsewhere because it is unhealthy but still carrying streams.
type MigrationNeeded struct {
	ConnectionID string
	StreamNames  []string
}

// Replaced is emitted whenever the pool swaps out a connection. Moving the
// old connection's streams is driven by the MigrationNeeded event emitted
// right after it when the old connection carried streams.
type Replaced struct {
	OldID, NewID string
}

// Pool holds and load-balances a set of wsconn connections.
type Pool struct {
	cfg     Config
	factory Factory
	logger  zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*wsconn.Connection

	idleMu    sync.Mutex
	idleSince map[string]time.Time

	sf singleflight.Group

	migrationNeeded *events.Bus[MigrationNeeded]
	replaced        *events.Bus[Replaced]

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an empty Pool.
func New(cfg Config, factory Factory, logger zerolog.Logger) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.NoopRecorder{}
	}
	p := &Pool{
		cfg:             cfg,
		factory:         factory,
		logger:          logger,
		conns:           make(map[string]*wsconn.Connection),
		idleSince:       make(map[string]time.Time),
		migrationNeeded: events.NewBus[MigrationNeeded](),
		replaced:        events.NewBus[Replaced](),
		stop:            make(chan struct{}),
	}
	return p
}

// OnMigrationNeeded registers a listener for unhealthy-but-occupied
// connections.
func (p *Pool) OnMigrationNeeded(fn func(MigrationNeeded)) events.Handle {
	return p.migrationNeeded.On(fn)
}

// OnReplaced registers a listener for connection-replacement events.
func (p *Pool) OnReplaced(fn func(Replaced)) events.Handle {
	return p.replaced.On(fn)
}

func (p *Pool) score(c *wsconn.Connection) float64 {
	health := c.GetHealthScore()
	stats := c.GetStats()
	load := 0.0
	if p.cfg.MaxStreamsPerConn > 0 {
		load = float64(len(stats.StreamSet)) / float64(p.cfg.MaxStreamsPerConn)
	}
	latencyScore := 1 - stats.Perf.AvgLatencyMs/200.0
	if latencyScore < 0 {
		latencyScore = 0
	}
	return 0.4*health + 0.4*(1-load) + 0.2*latencyScore
}

// GetAvailableConnection returns a connection with at least k free stream
// slots, via the selection/creation/wait/replace cascade.
func (p *Pool) GetAvailableConnection(ctx context.Context, k int) (*wsconn.Connection, error) {
	if c, ok := p.bestEligible(k); ok {
		return c, nil
	}

	if p.count() < p.cfg.MaxConnections {
		return p.createConnection(ctx)
	}

	deadline := time.Now().Add(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if c, ok := p.bestEligible(k); ok {
				return c, nil
			}
		}
	}

	return p.replaceLeastHealthy(ctx)
}

func (p *Pool) bestEligible(k int) (*wsconn.Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *wsconn.Connection
	bestScore := -1.0
	for _, c := range p.conns {
		if !c.CanAcceptMoreSubscriptions(k) {
			continue
		}
		s := p.score(c)
		if s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, best != nil
}

func (p *Pool) createConnection(ctx context.Context) (*wsconn.Connection, error) {
	v, err, _ := p.sf.Do("connection-create", func() (any, error) {
		id := uuid.NewString()
		c := p.factory(id)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.conns[id] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	p.reportPoolSize()
	return v.(*wsconn.Connection), nil
}

func (p *Pool) reportPoolSize() {
	p.cfg.Recorder.SetGauge("marketfeed_pool_connections", map[string]string{"exchange": p.cfg.Exchange}, float64(p.count()))
}

func (p *Pool) replaceLeastHealthy(ctx context.Context) (*wsconn.Connection, error) {
	p.mu.RLock()
	var worst *wsconn.Connection
	worstScore := 2.0
	for _, c := range p.conns {
		s := p.score(c)
		if s < worstScore {
			worst, worstScore = c, s
		}
	}
	p.mu.RUnlock()

	if worst == nil || worstScore >= 0.3 {
		return nil, domain.NewError(domain.ErrConnection, "no eligible connection and none low-health enough to replace", nil, nil)
	}
	return p.replace(ctx, worst)
}

func (p *Pool) replace(ctx context.Context, old *wsconn.Connection) (*wsconn.Connection, error) {
	oldStreams := old.Streams()
	_ = old.Disconnect("replaced due to low health score")

	p.mu.Lock()
	delete(p.conns, old.ID())
	p.mu.Unlock()
	p.idleMu.Lock()
	delete(p.idleSince, old.ID())
	p.idleMu.Unlock()
	p.reportPoolSize()

	newConn, err := p.createConnection(ctx)
	if err != nil {
		return nil, err
	}
	p.replaced.Emit(Replaced{OldID: old.ID(), NewID: newConn.ID()})
	if len(oldStreams) > 0 {
		p.migrationNeeded.Emit(MigrationNeeded{ConnectionID: old.ID(), StreamNames: oldStreams})
	}
	return newConn, nil
}

func (p *Pool) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Snapshot returns read-only stats for every connection in the pool.
func (p *Pool) Snapshot() []domain.ConnectionSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.ConnectionSnapshot, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c.GetStats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// runHealthCheck migrates streams off connections with score < 0.2 and
// removes terminated or very-unhealthy ones.
func (p *Pool) runHealthCheck() {
	p.mu.RLock()
	snapshot := make([]*wsconn.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		snapshot = append(snapshot, c)
	}
	p.mu.RUnlock()

	for _, c := range snapshot {
		score := p.score(c)
		state := c.State()
		streams := c.Streams()

		p.cfg.Recorder.SetGauge("marketfeed_connection_health_score", map[string]string{"exchange": p.cfg.Exchange, "connection_id": c.ID()}, score)

		if len(streams) > 0 && score < 0.2 {
			p.migrationNeeded.Emit(MigrationNeeded{ConnectionID: c.ID(), StreamNames: streams})
		}
		if state == domain.StateTerminated || state == domain.StateError || score < 0.1 {
			p.mu.Lock()
			delete(p.conns, c.ID())
			p.mu.Unlock()
			p.idleMu.Lock()
			delete(p.idleSince, c.ID())
			p.idleMu.Unlock()
			p.reportPoolSize()
			_ = c.Disconnect("removed by health check")
		}
	}
}

// runIdleCleanup removes connections that have carried zero streams for at
// least IdleTimeout, keeping at least one connection if any exist. A
// connection's idle clock starts the first poll it's found with no streams
// and resets the moment it picks one back up.
func (p *Pool) runIdleCleanup() {
	p.mu.RLock()
	total := len(p.conns)
	snapshot := make([]*wsconn.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		snapshot = append(snapshot, c)
	}
	p.mu.RUnlock()

	if total <= 1 {
		return
	}

	now := time.Now()
	var candidates []*wsconn.Connection

	p.idleMu.Lock()
	for _, c := range snapshot {
		id := c.ID()
		if c.StreamCount() != 0 {
			delete(p.idleSince, id)
			continue
		}
		since, tracked := p.idleSince[id]
		if !tracked {
			p.idleSince[id] = now
			continue
		}
		if now.Sub(since) >= p.cfg.IdleTimeout {
			candidates = append(candidates, c)
		}
	}
	p.idleMu.Unlock()

	for _, c := range candidates {
		if p.count() <= 1 {
			return
		}
		p.mu.Lock()
		delete(p.conns, c.ID())
		p.mu.Unlock()
		p.idleMu.Lock()
		delete(p.idleSince, c.ID())
		p.idleMu.Unlock()
		p.reportPoolSize()
		_ = c.Disconnect("idle cleanup")
	}
}

// Run starts the pool's two independent background tickers (health
// check and idle cleanup) on their own goroutines.
func (p *Pool) Run() {
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(p.cfg.HealthCheckInterval)
		defer t.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-t.C:
				p.runHealthCheck()
			}
		}
	}()
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(p.cfg.IdleTimeout / 2)
		defer t.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-t.C:
				p.runIdleCleanup()
			}
		}
	}()
}

// Shutdown closes every connection concurrently and waits for all of
// them; individual close failures are logged, not raised.
func (p *Pool) Shutdown(ctx context.Context) {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.wg.Wait()

	p.mu.Lock()
	conns := make([]*wsconn.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*wsconn.Connection)
	p.mu.Unlock()
	p.reportPoolSize()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *wsconn.Connection) {
			defer wg.Done()
			if err := c.Disconnect("pool shutdown"); err != nil {
				p.logger.Warn().Err(err).Str("connection_id", c.ID()).Msg("error closing connection during shutdown")
			}
		}(c)
	}
	wg.Wait()
}

// Get returns a connection by id, for callers (the subscription manager) that already know
// which connection owns a subscription.
func (p *Pool) Get(id string) (*wsconn.Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[id]
	return c, ok
}

// IsHealthy reports whether the pool has at least one connection and none
// of them are currently condemned (score below the health-check removal
// floor).
func (p *Pool) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.conns) == 0 {
		return false
	}
	for _, c := range p.conns {
		if p.score(c) < 0.1 {
			return false
		}
	}
	return true
}

// HealthDetail returns a liveness-endpoint-friendly snapshot of pool
// occupancy and the worst connection score currently held.
func (p *Pool) HealthDetail() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	worst := 1.0
	for _, c := range p.conns {
		if s := p.score(c); s < worst {
			worst = s
		}
	}
	return map[string]any{
		"connections":      len(p.conns),
		"max_connections":  p.cfg.MaxConnections,
		"worst_score":      worst,
	}
}
