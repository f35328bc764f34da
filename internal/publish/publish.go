// Package publish implements per-topic batching and delivery of
// routed PipelineData to an external Sink, with bounded exponential-
// backoff retry.
package publish

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/events"
	"github.com/meteorx/marketfeed/internal/telemetry"
)

// Sink is the external destination for routed items; implemented by
// sink_nats.go by default and by any alternative transport.
type Sink interface {
	Publish(ctx context.Context, topic string, item domain.PipelineData) error
	PublishBatch(ctx context.Context, topic string, items []domain.PipelineData) error
}

// Config is the publisher configuration surface.
type Config struct {
	MaxBatchSize  int
	MaxLatency    time.Duration
	MaxRetries    int
	RetryBaseDelay time.Duration

	// Recorder receives publish metrics; defaults to a no-op if nil.
	Recorder telemetry.Recorder
}

// Published is emitted after a batch is successfully delivered.
type Published struct {
	Topic string
	Count int
}

// Failed is emitted when a batch exhausts its retry budget.
type Failed struct {
	Topic string
	Count int
	Err   error
}

type topicQueue struct {
	mu    sync.Mutex
	items []domain.PipelineData
}

// Publisher batches items per topic and flushes on size or latency
// triggers, retrying failed deliveries with exponential backoff.
type Publisher struct {
	cfg  Config
	sink Sink

	mu     sync.Mutex
	queues map[string]*topicQueue

	published *events.Bus[Published]
	failed    *events.Bus[Failed]

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Publisher bound to a Sink.
func New(cfg Config, sink Sink) *Publisher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = 250 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.NoopRecorder{}
	}
	return &Publisher{
		cfg:       cfg,
		sink:      sink,
		queues:    make(map[string]*topicQueue),
		published: events.NewBus[Published](),
		failed:    events.NewBus[Failed](),
		stop:      make(chan struct{}),
	}
}

func (p *Publisher) OnPublished(fn func(Published)) events.Handle { return p.published.On(fn) }
func (p *Publisher) OnFailed(fn func(Failed)) events.Handle       { return p.failed.On(fn) }

func (p *Publisher) queueFor(topic string) *topicQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[topic]
	if !ok {
		q = &topicQueue{}
		p.queues[topic] = q
		p.wg.Add(1)
		go p.runTopic(topic, q)
	}
	return q
}

// Enqueue adds an item to its topic's batch, flushing immediately if the
// batch has reached MaxBatchSize.
func (p *Publisher) Enqueue(topic string, item domain.PipelineData) {
	q := p.queueFor(topic)
	q.mu.Lock()
	q.items = append(q.items, item)
	full := len(q.items) >= p.cfg.MaxBatchSize
	var batch []domain.PipelineData
	if full {
		batch = q.items
		q.items = nil
	}
	q.mu.Unlock()

	if full {
		p.deliver(topic, batch)
	}
}

func (p *Publisher) runTopic(topic string, q *topicQueue) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.MaxLatency)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			q.mu.Lock()
			batch := q.items
			q.items = nil
			q.mu.Unlock()
			if len(batch) > 0 {
				p.deliver(topic, batch)
			}
			return
		case <-t.C:
			q.mu.Lock()
			batch := q.items
			q.items = nil
			q.mu.Unlock()
			if len(batch) > 0 {
				p.deliver(topic, batch)
			}
		}
	}
}

func (p *Publisher) deliver(topic string, batch []domain.PipelineData) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.sink.PublishBatch(ctx, topic, batch)
		cancel()
		if err == nil {
			p.cfg.Recorder.ObserveHistogram("marketfeed_publish_batch_size", map[string]string{"topic": topic}, float64(len(batch)))
			p.published.Emit(Published{Topic: topic, Count: len(batch)})
			return
		}
		lastErr = err
		delay := time.Duration(float64(p.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt)))
		time.Sleep(delay)
	}
	p.cfg.Recorder.IncCounter("marketfeed_publish_failed_total", map[string]string{"topic": topic})
	p.failed.Emit(Failed{Topic: topic, Count: len(batch), Err: lastErr})
}

// IsHealthy reports whether the publisher is still accepting work (not
// past Close).
func (p *Publisher) IsHealthy() bool {
	select {
	case <-p.stop:
		return false
	default:
		return true
	}
}

// HealthDetail returns a liveness-endpoint-friendly snapshot of per-topic
// queue depth.
func (p *Publisher) HealthDetail() map[string]any {
	p.mu.Lock()
	depths := make(map[string]int, len(p.queues))
	for topic, q := range p.queues {
		q.mu.Lock()
		depths[topic] = len(q.items)
		q.mu.Unlock()
	}
	p.mu.Unlock()
	return map[string]any{
		"topics":      len(depths),
		"queue_depth": depths,
	}
}

// Close flushes every pending batch and stops background goroutines.
func (p *Publisher) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.wg.Wait()
}
