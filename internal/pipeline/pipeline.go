// Package pipeline implements staged execution of PipelineData through
// an ordered list of Stage values, with a per-stage circuit breaker and
// configurable error strategy.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/events"
	"github.com/meteorx/marketfeed/internal/telemetry"
)

// ErrorStrategy controls what happens when a stage returns an error.
type ErrorStrategy string

const (
	FailFast ErrorStrategy = "FAIL_FAST"
	Continue ErrorStrategy = "CONTINUE"
	Retry    ErrorStrategy = "RETRY"
)

// Stage processes one PipelineData and returns the (possibly modified)
// value to hand to the next stage, or an error.
type Stage interface {
	Name() string
	Process(ctx context.Context, data domain.PipelineData) (domain.PipelineData, error)
}

// StageFunc adapts a plain function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(context.Context, domain.PipelineData) (domain.PipelineData, error)
}

func (f StageFunc) Name() string { return f.StageName }
func (f StageFunc) Process(ctx context.Context, d domain.PipelineData) (domain.PipelineData, error) {
	return f.Fn(ctx, d)
}

// Lifecycle is the pipeline's own init/run/stop/destroy state.
type Lifecycle string

const (
	Uninitialized Lifecycle = "UNINITIALIZED"
	InitializedL  Lifecycle = "INITIALIZED"
	Running       Lifecycle = "RUNNING"
	Stopped       Lifecycle = "STOPPED"
	Destroyed     Lifecycle = "DESTROYED"
)

// Config configures retry counts and the error strategy, which applies to
// every stage alike.
type Config struct {
	ErrorStrategy    ErrorStrategy
	MaxRetries       int
	StageTimeout     time.Duration
	BreakerMaxFails  uint32
	BreakerOpenTimeout time.Duration

	// Recorder receives pipeline metrics; defaults to a no-op if nil.
	Recorder telemetry.Recorder
}

// StageError is emitted when a stage processing attempt fails.
type StageError struct {
	Stage string
	Data  domain.PipelineData
	Err   error
}

// Processed is emitted after successful end-to-end processing of an item.
type Processed struct {
	Data    domain.PipelineData
	Latency time.Duration
}

// Dropped is emitted whenever a stage failure drops an item: under
// FAIL_FAST, under CONTINUE, and after an exhausted RETRY.
type Dropped struct {
	Stage string
	Data  domain.PipelineData
	Err   error
}

const throughputWindow = 60

// Metrics is a point-in-time snapshot of pipeline counters.
type Metrics struct {
	TotalProcessed    int64
	TotalErrors       int64
	AverageLatencyMs  float64
	CurrentThroughput float64 // items/sec over the last throughputWindow seconds
}

// Pipeline runs PipelineData items through an ordered stage list.
type Pipeline struct {
	cfg    Config
	stages []Stage

	breakers map[string]*gobreaker.CircuitBreaker

	mu            sync.Mutex
	state         Lifecycle
	totalProcessed int64
	totalErrors    int64
	avgLatencyMs   float64
	throughput     [throughputWindow]int64
	throughputPos  int
	lastTick       time.Time

	stageError *events.Bus[StageError]
	processed  *events.Bus[Processed]
	dropped    *events.Bus[Dropped]

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Pipeline in the UNINITIALIZED state.
func New(cfg Config, stages []Stage) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BreakerMaxFails <= 0 {
		cfg.BreakerMaxFails = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.NoopRecorder{}
	}
	p := &Pipeline{
		cfg:        cfg,
		stages:     stages,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		state:      Uninitialized,
		stageError: events.NewBus[StageError](),
		processed:  events.NewBus[Processed](),
		dropped:    events.NewBus[Dropped](),
		stop:       make(chan struct{}),
	}
	for _, s := range stages {
		name := s.Name()
		p.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerMaxFails
			},
		})
	}
	return p
}

func (p *Pipeline) OnStageError(fn func(StageError)) events.Handle { return p.stageError.On(fn) }
func (p *Pipeline) OnProcessed(fn func(Processed)) events.Handle   { return p.processed.On(fn) }
func (p *Pipeline) OnDropped(fn func(Dropped)) events.Handle       { return p.dropped.On(fn) }

// Init transitions UNINITIALIZED -> INITIALIZED.
func (p *Pipeline) Init() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Uninitialized {
		p.state = InitializedL
	}
}

// Start transitions INITIALIZED -> RUNNING and begins metrics bookkeeping.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.state == InitializedL {
		p.state = Running
		p.lastTick = time.Now()
	}
	p.mu.Unlock()
}

// Stop transitions RUNNING -> STOPPED.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state == Running {
		p.state = Stopped
	}
	p.mu.Unlock()
}

// Destroy transitions to DESTROYED and releases resources.
func (p *Pipeline) Destroy() {
	p.mu.Lock()
	p.state = Destroyed
	p.mu.Unlock()
}

// State returns the current lifecycle state.
func (p *Pipeline) State() Lifecycle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, data domain.PipelineData) (domain.PipelineData, error) {
	breaker := p.breakers[stage.Name()]
	if breaker == nil {
		return stage.Process(ctx, data)
	}
	out, err := breaker.Execute(func() (any, error) {
		return stage.Process(ctx, data)
	})
	if err != nil {
		return data, err
	}
	return out.(domain.PipelineData), nil
}

// Process runs one item through every stage in order, applying the
// configured ErrorStrategy on a stage failure.
func (p *Pipeline) Process(ctx context.Context, data domain.PipelineData) {
	start := time.Now()
	cur := data

	for _, stage := range p.stages {
		var err error
		attempts := 1
		if p.cfg.ErrorStrategy == Retry {
			attempts = p.cfg.MaxRetries
		}

		var lastErr error
		ok := false
		for i := 0; i < attempts; i++ {
			cur, lastErr = p.runStage(ctx, stage, cur)
			if lastErr == nil {
				ok = true
				break
			}
		}
		err = lastErr

		if !ok {
			p.recordError()
			p.cfg.Recorder.IncCounter("marketfeed_pipeline_errors_total", map[string]string{"exchange": cur.Metadata.Exchange, "stage": stage.Name()})
			p.stageError.Emit(StageError{Stage: stage.Name(), Data: cur, Err: err})
			// FAIL_FAST rethrows immediately, CONTINUE reports and drops,
			// and an exhausted RETRY behaves like CONTINUE: in all three
			// cases this item stops here without reaching later stages.
			// Only the item is halted, never the pipeline itself.
			p.cfg.Recorder.IncCounter("marketfeed_pipeline_dropped_total", map[string]string{"exchange": cur.Metadata.Exchange, "stage": stage.Name()})
			p.dropped.Emit(Dropped{Stage: stage.Name(), Data: cur, Err: err})
			return
		}
	}

	latency := time.Since(start)
	p.recordSuccess(latency)
	p.cfg.Recorder.IncCounter("marketfeed_pipeline_processed_total", map[string]string{"exchange": cur.Metadata.Exchange})
	p.cfg.Recorder.ObserveHistogram("marketfeed_pipeline_latency_ms", map[string]string{"exchange": cur.Metadata.Exchange}, float64(latency.Milliseconds()))
	p.processed.Emit(Processed{Data: cur, Latency: latency})
}

func (p *Pipeline) recordError() {
	p.mu.Lock()
	p.totalErrors++
	p.mu.Unlock()
}

func (p *Pipeline) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	p.totalProcessed++
	// exponential moving average, alpha = 0.1
	if p.avgLatencyMs == 0 {
		p.avgLatencyMs = float64(latency.Milliseconds())
	} else {
		p.avgLatencyMs = 0.1*float64(latency.Milliseconds()) + 0.9*p.avgLatencyMs
	}
	p.throughput[p.throughputPos%throughputWindow]++
	p.mu.Unlock()
}

// Metrics returns a snapshot of pipeline-wide counters.
func (p *Pipeline) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sum int64
	for _, v := range p.throughput {
		sum += v
	}
	return Metrics{
		TotalProcessed:    p.totalProcessed,
		TotalErrors:       p.totalErrors,
		AverageLatencyMs:  p.avgLatencyMs,
		CurrentThroughput: float64(sum) / float64(throughputWindow),
	}
}

// IsHealthy reports whether the pipeline is RUNNING and no stage's
// circuit breaker is currently open.
func (p *Pipeline) IsHealthy() bool {
	if p.State() != Running {
		return false
	}
	for _, b := range p.breakers {
		if b.State() == gobreaker.StateOpen {
			return false
		}
	}
	return true
}

// HealthDetail returns a liveness-endpoint-friendly snapshot of pipeline
// state, throughput, and per-stage breaker state.
func (p *Pipeline) HealthDetail() map[string]any {
	m := p.Metrics()
	breakers := make(map[string]string, len(p.breakers))
	for name, b := range p.breakers {
		breakers[name] = b.State().String()
	}
	return map[string]any{
		"state":              string(p.State()),
		"total_processed":    m.TotalProcessed,
		"total_errors":       m.TotalErrors,
		"average_latency_ms": m.AverageLatencyMs,
		"breakers":           breakers,
	}
}

// Run starts the background tick that rotates the throughput ring buffer
// once per second.
func (p *Pipeline) Run() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-t.C:
				p.mu.Lock()
				p.throughputPos++
				p.throughput[p.throughputPos%throughputWindow] = 0
				p.mu.Unlock()
			}
		}
	}()
}

// Close stops the background ticker.
func (p *Pipeline) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.wg.Wait()
}
