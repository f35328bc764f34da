// Package subscription implements the authoritative active
// subscription set, batch add/remove with wholesale-fail-over-cap
// semantics, and resubscribe-on-reconnect orchestration.
package subscription

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/events"
	"github.com/meteorx/marketfeed/internal/telemetry"
)

// Placer decides which connection a subscription batch should use and
// performs the wire-level subscribe/unsubscribe. Implemented by an
// adapter that wraps the pool and a stream-name builder.
type Placer interface {
	Place(subs []domain.Subscription) (connectionID string, err error)
	Remove(connectionID string, subs []domain.Subscription) error
}

// Added is emitted once per successfully activated subscription.
type Added struct {
	Info domain.SubscriptionInfo
}

// Removed is emitted once per removed subscription.
type Removed struct {
	Key string
	Sub domain.Subscription
}

// StatusChanged is emitted when a tracked subscription is marked FAILED
// because its wire-level unsubscribe failed. The REMOVING, PENDING and
// re-ACTIVE status changes made by Unsubscribe, ConnectionLost and
// Resubscribe do not emit it.
type StatusChanged struct {
	Key     string
	Old, New domain.SubStatus
}

// StatsUpdated is emitted on a fixed interval with a full snapshot.
type StatsUpdated struct {
	Stats Stats
}

// Initialized is emitted once, when Initialize is called.
type Initialized struct {
	At time.Time
}

// Stats is the manager's periodic self-report.
type Stats struct {
	Total     int
	ByStatus  map[domain.SubStatus]int
	ByType    map[domain.DataType]int
}

// Result reports the outcome of a batch Subscribe/Unsubscribe call.
type Result struct {
	Success    bool
	Summary    string
	Successful []domain.Subscription
	Failed     []domain.Subscription
	Existing   []domain.Subscription
}

// Config bounds the manager's active set and its per-item admission rules.
type Config struct {
	MaxSubscriptions int
	StatsInterval    time.Duration

	// DisabledDataTypes blocks specific feed kinds from ever being
	// admitted, regardless of the overall cap.
	DisabledDataTypes []domain.DataType
	// SymbolPattern, if set, every subscribed symbol must match.
	SymbolPattern *regexp.Regexp
	// StrictValidation fails the whole batch if any single subscription
	// in it is invalid; otherwise invalid entries are dropped from the
	// batch and the rest still proceeds.
	StrictValidation bool

	// Exchange labels this manager's metrics; Recorder defaults to a no-op.
	Exchange string
	Recorder telemetry.Recorder
}

func (c Config) dataTypeDisabled(dt domain.DataType) bool {
	for _, d := range c.DisabledDataTypes {
		if d == dt {
			return true
		}
	}
	return false
}

// validate reports why sub would be rejected, or "" if it's admissible.
func (c Config) validate(sub domain.Subscription) string {
	if c.dataTypeDisabled(sub.DataType) {
		return fmt.Sprintf("data type %s is disabled", sub.DataType)
	}
	if c.SymbolPattern != nil && !c.SymbolPattern.MatchString(sub.Symbol) {
		return fmt.Sprintf("symbol %q does not match the configured pattern", sub.Symbol)
	}
	return ""
}

// Manager owns the authoritative mapping from subscription key to state.
type Manager struct {
	cfg    Config
	placer Placer

	mu      sync.RWMutex
	entries map[string]*domain.SubscriptionInfo
	initialized bool

	added         *events.Bus[Added]
	removed       *events.Bus[Removed]
	statusChanged *events.Bus[StatusChanged]
	statsUpdated  *events.Bus[StatsUpdated]
	initializedEvt *events.Bus[Initialized]

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an empty Manager.
func New(cfg Config, placer Placer) *Manager {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.NoopRecorder{}
	}
	return &Manager{
		cfg:            cfg,
		placer:         placer,
		entries:        make(map[string]*domain.SubscriptionInfo),
		added:          events.NewBus[Added](),
		removed:        events.NewBus[Removed](),
		statusChanged:  events.NewBus[StatusChanged](),
		statsUpdated:   events.NewBus[StatsUpdated](),
		initializedEvt: events.NewBus[Initialized](),
		stop:           make(chan struct{}),
	}
}

func (m *Manager) OnAdded(fn func(Added)) events.Handle                 { return m.added.On(fn) }
func (m *Manager) OnRemoved(fn func(Removed)) events.Handle             { return m.removed.On(fn) }
func (m *Manager) OnStatusChanged(fn func(StatusChanged)) events.Handle { return m.statusChanged.On(fn) }
func (m *Manager) OnStatsUpdated(fn func(StatsUpdated)) events.Handle   { return m.statsUpdated.On(fn) }
func (m *Manager) OnInitialized(fn func(Initialized)) events.Handle     { return m.initializedEvt.On(fn) }

func (m *Manager) reportActiveSubscriptions() {
	m.mu.RLock()
	count := len(m.entries)
	cfg := m.cfg
	m.mu.RUnlock()
	cfg.Recorder.SetGauge("marketfeed_active_subscriptions", map[string]string{"exchange": cfg.Exchange}, float64(count))
}

func (m *Manager) setStatus(key string, status domain.SubStatus) {
	m.mu.Lock()
	info, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	old := info.Status
	info.Status = status
	m.mu.Unlock()
	if old != status {
		m.statusChanged.Emit(StatusChanged{Key: key, Old: old, New: status})
	}
}

// Subscribe adds a batch of subscriptions as a single all-or-nothing unit
// against the configured cap: if the batch would push the active count
// past MaxSubscriptions, the whole batch fails with no partial effect.
// Each item is also checked against the configured disabled-data-type list
// and symbol pattern; under StrictValidation any single invalid entry fails
// the whole batch, otherwise invalid entries are dropped and reported as
// Failed while the rest of the batch still proceeds.
func (m *Manager) Subscribe(subs []domain.Subscription) Result {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	var invalid, valid []domain.Subscription
	for _, s := range subs {
		if reason := cfg.validate(s); reason != "" {
			invalid = append(invalid, s)
			if cfg.StrictValidation {
				return Result{
					Success: false,
					Summary: fmt.Sprintf("rejected batch: %s (%s)", reason, s.Key()),
					Failed:  subs,
				}
			}
			continue
		}
		valid = append(valid, s)
	}

	m.mu.RLock()
	existingCount := len(m.entries)
	var existing, toAdd []domain.Subscription
	for _, s := range valid {
		if _, ok := m.entries[s.Key()]; ok {
			existing = append(existing, s)
		} else {
			toAdd = append(toAdd, s)
		}
	}
	m.mu.RUnlock()

	if cfg.MaxSubscriptions > 0 && existingCount+len(toAdd) > cfg.MaxSubscriptions {
		return Result{
			Success:  false,
			Summary:  fmt.Sprintf("Would exceed maximum subscriptions: %d > %d", existingCount+len(toAdd), cfg.MaxSubscriptions),
			Existing: existing,
			Failed:   invalid,
		}
	}

	if len(toAdd) == 0 {
		return Result{Success: len(invalid) == 0, Summary: "no new subscriptions", Existing: existing, Failed: invalid}
	}

	connID, err := m.placer.Place(toAdd)
	if err != nil {
		return Result{
			Success:  false,
			Summary:  err.Error(),
			Failed:   append(invalid, toAdd...),
			Existing: existing,
		}
	}

	now := time.Now()
	m.mu.Lock()
	for _, s := range toAdd {
		info := &domain.SubscriptionInfo{
			Subscription: s,
			Status:       domain.StatusActive,
			ConnectionID: connID,
			SubscribedAt: now,
			LastActiveAt: now,
		}
		m.entries[s.Key()] = info
	}
	m.mu.Unlock()

	for _, s := range toAdd {
		m.mu.RLock()
		info := *m.entries[s.Key()]
		m.mu.RUnlock()
		m.added.Emit(Added{Info: info})
	}
	m.reportActiveSubscriptions()

	return Result{
		Success:    len(invalid) == 0,
		Summary:    fmt.Sprintf("added %d subscriptions", len(toAdd)),
		Successful: toAdd,
		Existing:   existing,
		Failed:     invalid,
	}
}

// Initialize marks the manager ready and emits Initialized, independent of
// when (or whether) the first Subscribe call happens. Call once at adapter
// startup, before any Subscribe calls.
func (m *Manager) Initialize(cfg Config) {
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.NoopRecorder{}
	}
	m.mu.Lock()
	m.cfg = cfg
	already := m.initialized
	m.initialized = true
	m.mu.Unlock()
	if !already {
		m.initializedEvt.Emit(Initialized{At: time.Now()})
	}
}

// Unsubscribe removes a batch of subscriptions. Unknown keys are silently
// skipped; this operation never fails wholesale.
func (m *Manager) Unsubscribe(subs []domain.Subscription) Result {
	byConn := make(map[string][]domain.Subscription)
	var removed, failed []domain.Subscription

	m.mu.Lock()
	for _, s := range subs {
		key := s.Key()
		info, ok := m.entries[key]
		if !ok {
			continue
		}
		info.Status = domain.StatusRemoving
		byConn[info.ConnectionID] = append(byConn[info.ConnectionID], s)
	}
	m.mu.Unlock()

	for connID, batch := range byConn {
		if err := m.placer.Remove(connID, batch); err != nil {
			for _, s := range batch {
				m.setStatus(s.Key(), domain.StatusFailed)
			}
			failed = append(failed, batch...)
			continue
		}
		m.mu.Lock()
		for _, s := range batch {
			delete(m.entries, s.Key())
		}
		m.mu.Unlock()
		removed = append(removed, batch...)
		for _, s := range batch {
			m.removed.Emit(Removed{Key: s.Key(), Sub: s})
		}
	}
	m.reportActiveSubscriptions()

	return Result{Success: true, Summary: fmt.Sprintf("removed %d subscriptions", len(removed)), Successful: removed, Failed: failed}
}

// HasSubscription reports whether a subscription with this identity is
// currently tracked (any status).
func (m *Manager) HasSubscription(sub domain.Subscription) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[sub.Key()]
	return ok
}

// GetActiveSubscriptions returns a snapshot of every tracked subscription.
func (m *Manager) GetActiveSubscriptions() []domain.SubscriptionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SubscriptionInfo, 0, len(m.entries))
	for _, info := range m.entries {
		out = append(out, *info)
	}
	return out
}

// GetSubscriptionStats computes the current Stats snapshot.
func (m *Manager) GetSubscriptionStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Total:    len(m.entries),
		ByStatus: make(map[domain.SubStatus]int),
		ByType:   make(map[domain.DataType]int),
	}
	for _, info := range m.entries {
		stats.ByStatus[info.Status]++
		stats.ByType[info.Subscription.DataType]++
	}
	return stats
}

// ClearAll removes every tracked subscription without attempting wire-level
// unsubscribe (used during shutdown/destroy).
func (m *Manager) ClearAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.entries = make(map[string]*domain.SubscriptionInfo)
	m.mu.Unlock()
	for _, k := range keys {
		m.removed.Emit(Removed{Key: k})
	}
	m.reportActiveSubscriptions()
}

// ConnectionLost marks every subscription owned by connID as PENDING so a
// reconnect-driven resubscribe pass can pick them back up.
func (m *Manager) ConnectionLost(connID string) []domain.Subscription {
	m.mu.Lock()
	var affected []domain.Subscription
	for _, info := range m.entries {
		if info.ConnectionID == connID {
			info.Status = domain.StatusPending
			affected = append(affected, info.Subscription)
		}
	}
	m.mu.Unlock()
	return affected
}

// Resubscribe re-places a set of previously active subscriptions against
// a (possibly new) connection after a reconnect, preserving their original
// SubscribedAt timestamps but refreshing LastActiveAt.
func (m *Manager) Resubscribe(subs []domain.Subscription) Result {
	if len(subs) == 0 {
		return Result{Success: true, Summary: "nothing to resubscribe"}
	}
	connID, err := m.placer.Place(subs)
	if err != nil {
		return Result{Success: false, Summary: err.Error(), Failed: subs}
	}
	now := time.Now()
	m.mu.Lock()
	for _, s := range subs {
		info, ok := m.entries[s.Key()]
		if !ok {
			continue
		}
		info.Status = domain.StatusActive
		info.ConnectionID = connID
		info.LastActiveAt = now
	}
	m.mu.Unlock()
	return Result{Success: true, Summary: fmt.Sprintf("resubscribed %d", len(subs)), Successful: subs}
}

// RecordMessage bumps the per-subscription message counter and activity
// timestamp; called by the adapter on every successfully parsed frame.
func (m *Manager) RecordMessage(sub domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.entries[sub.Key()]; ok {
		info.MessageCount++
		info.LastActiveAt = time.Now()
	}
}

// RecordError bumps the per-subscription error counter.
func (m *Manager) RecordError(sub domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.entries[sub.Key()]; ok {
		info.ErrorCount++
	}
}

// Run starts the periodic stats-broadcast ticker.
func (m *Manager) Run() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.cfg.StatsInterval)
		defer t.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-t.C:
				m.statsUpdated.Emit(StatsUpdated{Stats: m.GetSubscriptionStats()})
				m.reportActiveSubscriptions()
			}
		}
	}()
}

// Destroy stops background work and clears the active set.
func (m *Manager) Destroy() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()
	m.ClearAll()
}
