// Package buffer implements partitioned buffering with size/age/
// interval/manual flush triggers and BLOCK/DROP/SPILL backpressure.
package buffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/events"
	"github.com/meteorx/marketfeed/internal/telemetry"
)

// BackpressureStrategy controls behavior when backpressure trips.
type BackpressureStrategy string

const (
	Block BackpressureStrategy = "BLOCK"
	Drop   BackpressureStrategy = "DROP"
	Spill  BackpressureStrategy = "SPILL"
)

// KeyFunc derives a partition key from an item; callers may supply a
// custom function (e.g. exchange+symbol+dataType, or a coarser grouping).
type KeyFunc func(domain.PipelineData) string

// DefaultKeyFunc partitions by exchange/symbol/dataType.
func DefaultKeyFunc(d domain.PipelineData) string {
	return d.Metadata.Exchange + "|" + d.Metadata.Symbol + "|" + string(d.Metadata.DataType)
}

// SpillSink persists items that cannot be held in memory under SPILL
// backpressure. internal/buffer/spill_redis.go provides the Redis-backed
// implementation used by default.
type SpillSink interface {
	Spill(partitionKey string, items []domain.PipelineData) error
}

// Config is the buffer configuration surface.
type Config struct {
	MaxPartitionSize int
	MaxAge           time.Duration
	FlushInterval    time.Duration
	Backpressure     BackpressureStrategy

	// BackpressureThreshold is the fraction (0,1] of
	// totalBufferedItems / (MaxPartitionSize * partitionCount) at or
	// above which the Backpressure policy applies to an Add, even on a
	// partition that is not itself at MaxPartitionSize. Defaults to 1.0
	// (only the globally-full case), which reduces to "this partition is
	// full" whenever there's a single partition.
	BackpressureThreshold float64

	// Recorder receives buffer metrics; defaults to a no-op if nil.
	Recorder telemetry.Recorder
}

// FlushCallback is invoked with a partition's contents when it flushes.
type FlushCallback func(partitionKey string, items []domain.PipelineData)

// Initialized is emitted once the buffer starts.
type Initialized struct{}

// Buffered is emitted per item accepted into a partition.
type Buffered struct {
	PartitionKey string
}

// PartitionFlushed is emitted whenever a partition flushes, by whatever
// trigger.
type PartitionFlushed struct {
	PartitionKey string
	Count        int
	Trigger      string
}

// Dropped is emitted when DROP backpressure discards an item.
type Dropped struct {
	PartitionKey string
}

// Spilled is emitted when SPILL backpressure persists items externally.
type Spilled struct {
	PartitionKey string
	Count        int
}

// AllCleared is emitted when every partition is flushed and cleared.
type AllCleared struct{}

// partition is independently lockable so concurrent Add/flush calls on
// different partitions never contend with each other.
type partition struct {
	mu        sync.Mutex
	items     []domain.PipelineData
	createdAt time.Time
}

// Buffer groups PipelineData into per-key partitions and flushes them on
// size, age, interval, or manual triggers. Partitions are held in a
// sync.Map keyed by partition key so enqueue/flush serialize only within
// a partition (via its own mutex), never globally.
type Buffer struct {
	cfg     Config
	keyFn   KeyFunc
	onFlush FlushCallback
	spill   SpillSink

	partitions     sync.Map // string -> *partition
	partitionCount int32    // atomic, number of live entries in partitions
	totalItems     int64    // atomic, items currently buffered across all partitions

	initialized      *events.Bus[Initialized]
	buffered         *events.Bus[Buffered]
	partitionFlushed *events.Bus[PartitionFlushed]
	dropped          *events.Bus[Dropped]
	spilled          *events.Bus[Spilled]
	allCleared       *events.Bus[AllCleared]

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Buffer. keyFn defaults to DefaultKeyFunc if nil.
func New(cfg Config, keyFn KeyFunc, onFlush FlushCallback, spill SpillSink) *Buffer {
	if keyFn == nil {
		keyFn = DefaultKeyFunc
	}
	if cfg.MaxPartitionSize <= 0 {
		cfg.MaxPartitionSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BackpressureThreshold <= 0 {
		cfg.BackpressureThreshold = 1.0
	}
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.NoopRecorder{}
	}
	b := &Buffer{
		cfg:              cfg,
		keyFn:            keyFn,
		onFlush:          onFlush,
		spill:            spill,
		initialized:      events.NewBus[Initialized](),
		buffered:         events.NewBus[Buffered](),
		partitionFlushed: events.NewBus[PartitionFlushed](),
		dropped:          events.NewBus[Dropped](),
		spilled:          events.NewBus[Spilled](),
		allCleared:       events.NewBus[AllCleared](),
		stop:             make(chan struct{}),
	}
	b.initialized.Emit(Initialized{})
	return b
}

func (b *Buffer) OnBuffered(fn func(Buffered)) events.Handle                 { return b.buffered.On(fn) }
func (b *Buffer) OnPartitionFlushed(fn func(PartitionFlushed)) events.Handle { return b.partitionFlushed.On(fn) }
func (b *Buffer) OnDropped(fn func(Dropped)) events.Handle                   { return b.dropped.On(fn) }
func (b *Buffer) OnSpilled(fn func(Spilled)) events.Handle                   { return b.spilled.On(fn) }
func (b *Buffer) OnAllCleared(fn func(AllCleared)) events.Handle             { return b.allCleared.On(fn) }

func (b *Buffer) getOrCreatePartition(key string) *partition {
	if v, ok := b.partitions.Load(key); ok {
		return v.(*partition)
	}
	p := &partition{createdAt: time.Now()}
	actual, loaded := b.partitions.LoadOrStore(key, p)
	if !loaded {
		atomic.AddInt32(&b.partitionCount, 1)
	}
	return actual.(*partition)
}

// backpressured reports whether totalBufferedItems / (MaxPartitionSize *
// partitionCount) has reached BackpressureThreshold.
func (b *Buffer) backpressured() bool {
	count := atomic.LoadInt32(&b.partitionCount)
	if count == 0 {
		return false
	}
	capacity := float64(b.cfg.MaxPartitionSize) * float64(count)
	if capacity <= 0 {
		return false
	}
	ratio := float64(atomic.LoadInt64(&b.totalItems)) / capacity
	return ratio >= b.cfg.BackpressureThreshold
}

// Add places an item into its partition, applying the configured
// backpressure strategy either when this partition alone is at
// MaxPartitionSize or when the cross-partition backpressure ratio has
// tripped.
func (b *Buffer) Add(item domain.PipelineData) {
	key := b.keyFn(item)
	p := b.getOrCreatePartition(key)

	p.mu.Lock()
	if len(p.items) >= b.cfg.MaxPartitionSize || b.backpressured() {
		switch b.cfg.Backpressure {
		case Drop:
			p.mu.Unlock()
			b.dropped.Emit(Dropped{PartitionKey: key})
			return
		case Spill:
			toSpill := p.items
			count := len(toSpill)
			p.items = nil
			p.createdAt = time.Now()
			p.mu.Unlock()
			atomic.AddInt64(&b.totalItems, -int64(count))
			if b.spill != nil && count > 0 {
				if err := b.spill.Spill(key, toSpill); err == nil {
					b.cfg.Recorder.IncCounter("marketfeed_buffer_spilled_total", map[string]string{"partition": key})
					b.spilled.Emit(Spilled{PartitionKey: key, Count: count})
				}
			}
			p.mu.Lock()
		default: // BLOCK: flush synchronously to make room
			items := p.items
			count := len(items)
			p.items = nil
			p.createdAt = time.Now()
			p.mu.Unlock()
			atomic.AddInt64(&b.totalItems, -int64(count))
			if count > 0 {
				if b.onFlush != nil {
					b.onFlush(key, items)
				}
				b.partitionFlushed.Emit(PartitionFlushed{PartitionKey: key, Count: count, Trigger: "block"})
			}
			p.mu.Lock()
		}
	}

	p.items = append(p.items, item)
	full := len(p.items) >= b.cfg.MaxPartitionSize
	p.mu.Unlock()
	atomic.AddInt64(&b.totalItems, 1)

	b.buffered.Emit(Buffered{PartitionKey: key})

	if full {
		b.flushPartition(key, "size")
	}
}

func (b *Buffer) flushPartition(key, trigger string) {
	v, ok := b.partitions.Load(key)
	if !ok {
		return
	}
	p := v.(*partition)

	p.mu.Lock()
	if len(p.items) == 0 {
		p.mu.Unlock()
		return
	}
	items := p.items
	count := len(items)
	p.items = nil
	p.createdAt = time.Now()
	p.mu.Unlock()
	atomic.AddInt64(&b.totalItems, -int64(count))

	if b.onFlush != nil {
		b.onFlush(key, items)
	}
	b.partitionFlushed.Emit(PartitionFlushed{PartitionKey: key, Count: count, Trigger: trigger})
}

// Flush manually flushes one partition by key.
func (b *Buffer) Flush(key string) {
	b.flushPartition(key, "manual")
}

func (b *Buffer) keys() []string {
	var keys []string
	b.partitions.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys
}

// FlushAll manually flushes every partition and emits AllCleared.
func (b *Buffer) FlushAll() {
	for _, k := range b.keys() {
		b.flushPartition(k, "manual")
	}
	b.allCleared.Emit(AllCleared{})
}

func (b *Buffer) checkAges() {
	now := time.Now()
	var stale []string
	b.partitions.Range(func(k, v any) bool {
		p := v.(*partition)
		p.mu.Lock()
		isStale := len(p.items) > 0 && now.Sub(p.createdAt) >= b.cfg.MaxAge
		p.mu.Unlock()
		if isStale {
			stale = append(stale, k.(string))
		}
		return true
	})

	for _, k := range stale {
		b.flushPartition(k, "age")
	}
}

func (b *Buffer) intervalFlush() {
	for _, k := range b.keys() {
		b.flushPartition(k, "interval")
	}
}

// Run starts the background age-check and interval-flush tickers.
func (b *Buffer) Run() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ageTick := time.NewTicker(time.Second)
		defer ageTick.Stop()

		var intervalC <-chan time.Time
		if b.cfg.FlushInterval > 0 {
			t := time.NewTicker(b.cfg.FlushInterval)
			defer t.Stop()
			intervalC = t.C
		}

		for {
			select {
			case <-b.stop:
				return
			case <-ageTick.C:
				if b.cfg.MaxAge > 0 {
					b.checkAges()
				}
			case <-intervalC:
				b.intervalFlush()
			}
		}
	}()
}

// Close stops background tickers without flushing; call FlushAll first if
// pending items should be delivered.
func (b *Buffer) Close() {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	b.wg.Wait()
}
