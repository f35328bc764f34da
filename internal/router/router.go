// Package router implements rule-based routing of PipelineData to
// named destinations, with exact/pattern/function/composite conditions,
// a fingerprint-keyed LRU match cache, and fan-out duplication.
package router

import (
	"container/list"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/telemetry"
)

// ConditionKind discriminates the closed set of condition shapes.
type ConditionKind string

const (
	Exact     ConditionKind = "EXACT"
	Pattern   ConditionKind = "PATTERN"
	Function  ConditionKind = "FUNCTION"
	Composite ConditionKind = "COMPOSITE"
)

// CompositeOp is how a COMPOSITE condition combines its children.
type CompositeOp string

const (
	And CompositeOp = "AND"
	Or  CompositeOp = "OR"
)

// Condition is a closed sum type; exactly the fields for Kind are set.
type Condition struct {
	Kind ConditionKind

	// EXACT
	Field string
	Value string

	// PATTERN
	PatternField string
	Pattern      *regexp.Regexp

	// FUNCTION
	Fn func(domain.PipelineData) bool

	// COMPOSITE
	Op       CompositeOp
	Children []Condition
}

func fieldValue(d domain.PipelineData, field string) string {
	switch field {
	case "exchange":
		return d.Metadata.Exchange
	case "symbol":
		return d.Metadata.Symbol
	case "dataType":
		return string(d.Metadata.DataType)
	case "source":
		return d.Source
	default:
		return d.Attributes[field]
	}
}

// Match evaluates the condition against an item.
func (c Condition) Match(d domain.PipelineData) bool {
	switch c.Kind {
	case Exact:
		return fieldValue(d, c.Field) == c.Value
	case Pattern:
		if c.Pattern == nil {
			return false
		}
		return c.Pattern.MatchString(fieldValue(d, c.PatternField))
	case Function:
		if c.Fn == nil {
			return false
		}
		return c.Fn(d)
	case Composite:
		if len(c.Children) == 0 {
			return false
		}
		if c.Op == Or {
			for _, child := range c.Children {
				if child.Match(d) {
					return true
				}
			}
			return false
		}
		for _, child := range c.Children {
			if !child.Match(d) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Strategy controls how many matching rules' targets receive an item.
type Strategy string

const (
	FirstMatch  Strategy = "FIRST_MATCH"
	AllMatches  Strategy = "ALL_MATCHES"
	PriorityBased Strategy = "PRIORITY_BASED"
)

// Rule is one named routing entry. Targets names one or more destinations
// (fan-out); a single-destination rule just has a length-1 slice.
type Rule struct {
	Name      string
	Condition Condition
	Targets   []string
	Priority  int
}

// Config is the router configuration surface.
type Config struct {
	Strategy          Strategy
	FallbackTarget    string
	EnableDuplication bool
	CacheSize         int
	CacheTTL          time.Duration

	// Recorder receives router metrics; defaults to a no-op if nil.
	Recorder telemetry.Recorder
}

// Metrics is a point-in-time snapshot of router counters.
type Metrics struct {
	TotalRouted  int64
	CacheHits    int64
	CacheMisses  int64
	CacheHitRate float64
	FallbackUsed int64
	Duplications int64
	RulesCount   int
}

type cacheEntry struct {
	targets []string
	expiry  time.Time
}

// lru is a hand-rolled fixed-capacity cache keyed by a routing
// fingerprint; a small container/list-backed implementation rather than
// a fresh third-party dependency pulled in for one call site.
type lru struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruItem struct {
	key   string
	entry cacheEntry
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = 10000
	}
	return &lru{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *lru) get(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return cacheEntry{}, false
	}
	entry := el.Value.(*lruItem).entry
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		c.ll.Remove(el)
		delete(c.items, key)
		return cacheEntry{}, false
	}
	c.ll.MoveToFront(el)
	return entry, true
}

func (c *lru) put(key string, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruItem).entry = entry
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruItem{key: key, entry: entry})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruItem).key)
		}
	}
}

func (c *lru) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// Router evaluates rules against each item and returns the destinations
// it should be published to.
type Router struct {
	cfg   Config
	cache *lru

	mu    sync.RWMutex
	rules []Rule

	metricsMu sync.Mutex
	metrics   Metrics
}

// New constructs a Router from an initial rule set.
func New(cfg Config, rules []Rule) *Router {
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.NoopRecorder{}
	}
	return &Router{
		cfg:   cfg,
		cache: newLRU(cfg.CacheSize),
		rules: append([]Rule(nil), rules...),
	}
}

func fingerprint(d domain.PipelineData) string {
	return d.Metadata.Exchange + "|" + d.Metadata.Symbol + "|" + string(d.Metadata.DataType) + "|" + d.Source
}

// RoutedItem pairs one destination target with the envelope copy that
// should be published to it.
type RoutedItem struct {
	Target string
	Data   domain.PipelineData
}

// Route returns the destination targets for an item, consulting the
// fingerprint cache first.
func (r *Router) Route(d domain.PipelineData) []string {
	key := fingerprint(d)

	if entry, ok := r.cache.get(key); ok {
		r.bumpMetric(func(m *Metrics) { m.CacheHits++; m.TotalRouted++ })
		r.maybeDuplicate(entry.targets)
		return entry.targets
	}
	r.bumpMetric(func(m *Metrics) { m.CacheMisses++ })

	targets := r.evaluate(d)
	if len(targets) == 0 && r.cfg.FallbackTarget != "" {
		targets = []string{r.cfg.FallbackTarget}
		r.bumpMetric(func(m *Metrics) { m.FallbackUsed++ })
		r.cfg.Recorder.IncCounter("marketfeed_router_fallback_total", map[string]string{})
	}

	expiry := time.Time{}
	if r.cfg.CacheTTL > 0 {
		expiry = time.Now().Add(r.cfg.CacheTTL)
	}
	r.cache.put(key, cacheEntry{targets: targets, expiry: expiry})

	r.bumpMetric(func(m *Metrics) { m.TotalRouted++ })
	r.cfg.Recorder.IncCounter("marketfeed_router_routed_total", map[string]string{"strategy": string(r.cfg.Strategy)})
	r.maybeDuplicate(targets)
	return targets
}

// RouteEnvelopes routes d and returns one envelope per destination target.
// Every copy's Metadata.RoutingKeys records the full destination list; with
// EnableDuplication and more than one destination, each copy additionally
// carries a distinct duplicatedTargets attribute, so a downstream stage can
// tell fan-out copies of the same item apart.
func (r *Router) RouteEnvelopes(d domain.PipelineData) []RoutedItem {
	targets := r.Route(d)
	if len(targets) == 0 {
		return nil
	}
	out := make([]RoutedItem, len(targets))
	duplicate := r.cfg.EnableDuplication && len(targets) > 1
	for i, t := range targets {
		cp := d.Clone()
		cp.Metadata.RoutingKeys = append([]string(nil), targets...)
		if duplicate {
			cp.Attributes["duplicatedTargets"] = strings.Join(targets, ",")
		}
		out[i] = RoutedItem{Target: t, Data: cp}
	}
	return out
}

func (r *Router) maybeDuplicate(targets []string) {
	if len(targets) > 1 && r.cfg.EnableDuplication {
		r.bumpMetric(func(m *Metrics) { m.Duplications++ })
	}
}

// sortedByPriority returns rules ordered by descending priority, ties
// broken by original (insertion) order.
func sortedByPriority(rules []Rule) []Rule {
	out := append([]Rule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func (r *Router) evaluate(d domain.PipelineData) []string {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	ordered := sortedByPriority(rules)

	switch r.cfg.Strategy {
	case AllMatches, PriorityBased:
		// Both strategies collect every matching rule's targets, emitted
		// in descending-priority order; PRIORITY_BASED is the explicit
		// name for that ordering guarantee, ALL_MATCHES shares it.
		var targets []string
		for _, rule := range ordered {
			if rule.Condition.Match(d) {
				targets = append(targets, rule.Targets...)
			}
		}
		return targets

	default: // FirstMatch: highest-priority matching rule wins, not
		// whichever rule happens to be stored first.
		for _, rule := range ordered {
			if rule.Condition.Match(d) {
				return append([]string(nil), rule.Targets...)
			}
		}
		return nil
	}
}

func (r *Router) bumpMetric(fn func(*Metrics)) {
	r.metricsMu.Lock()
	fn(&r.metrics)
	if r.metrics.CacheHits+r.metrics.CacheMisses > 0 {
		r.metrics.CacheHitRate = float64(r.metrics.CacheHits) / float64(r.metrics.CacheHits+r.metrics.CacheMisses)
	}
	r.metricsMu.Unlock()
}

// Metrics returns a snapshot of router counters.
func (r *Router) Metrics() Metrics {
	r.metricsMu.Lock()
	m := r.metrics
	r.metricsMu.Unlock()
	r.mu.RLock()
	m.RulesCount = len(r.rules)
	r.mu.RUnlock()
	return m
}

// IsHealthy reports whether the router has at least one rule or a
// configured fallback target, i.e. every item has somewhere to go.
func (r *Router) IsHealthy() bool {
	r.mu.RLock()
	hasRules := len(r.rules) > 0
	r.mu.RUnlock()
	return hasRules || r.cfg.FallbackTarget != ""
}

// HealthDetail returns a liveness-endpoint-friendly snapshot of router
// counters and rule count.
func (r *Router) HealthDetail() map[string]any {
	m := r.Metrics()
	return map[string]any{
		"rules_count":    m.RulesCount,
		"total_routed":   m.TotalRouted,
		"cache_hit_rate": m.CacheHitRate,
		"fallback_used":  m.FallbackUsed,
	}
}

// AddRule appends a rule and invalidates the match cache.
func (r *Router) AddRule(rule Rule) {
	r.mu.Lock()
	r.rules = append(r.rules, rule)
	r.mu.Unlock()
	r.cache.clear()
}

// RemoveRule deletes a rule by name and invalidates the match cache.
func (r *Router) RemoveRule(name string) {
	r.mu.Lock()
	out := r.rules[:0]
	for _, rule := range r.rules {
		if rule.Name != name {
			out = append(out, rule)
		}
	}
	r.rules = out
	r.mu.Unlock()
	r.cache.clear()
}

// UpdateRule replaces a rule by name and invalidates the match cache.
func (r *Router) UpdateRule(rule Rule) {
	r.mu.Lock()
	for i, existing := range r.rules {
		if existing.Name == rule.Name {
			r.rules[i] = rule
			break
		}
	}
	r.mu.Unlock()
	r.cache.clear()
}
