package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/parser"
	"github.com/meteorx/marketfeed/internal/pool"
	"github.com/meteorx/marketfeed/internal/subscription"
	"github.com/meteorx/marketfeed/internal/wsconn"
)

// Config is one exchange adapter's top-level configuration, gathering the
// component configs it owns.
type Config struct {
	Exchange string
	Pool     pool.Config
	Sub      subscription.Config
	Conn     wsconn.Config
}

// AdapterHealth aggregates this exchange's connection pool and
// subscription manager into one liveness-endpoint payload.
type AdapterHealth struct {
	Exchange      string
	Connections   []domain.ConnectionSnapshot
	Subscriptions subscription.Stats
	Pool          map[string]any
}

// IsHealthy reports whether this exchange's pool has at least one
// connection and none of them are condemned.
func (h AdapterHealth) IsHealthy() bool {
	healthy, _ := h.Pool["healthy"].(bool)
	return healthy
}

// HealthDetail returns the full per-component detail backing IsHealthy.
func (h AdapterHealth) HealthDetail() map[string]any {
	return map[string]any{
		"exchange":      h.Exchange,
		"pool":          h.Pool,
		"subscriptions": h.Subscriptions,
	}
}

// Adapter wires a connection, pool, subscription manager, and parser
// together for one exchange and feeds parsed MarketData into a
// pipeline.Pipeline's entry point.
type Adapter struct {
	cfg    Config
	logger zerolog.Logger

	pool    *pool.Pool
	subs    *subscription.Manager
	parser  *parser.Parser
	enqueue func(domain.PipelineData)
}

// New constructs an Adapter. dialer and enqueue are supplied by the
// caller (cmd wiring) so this package stays independent of transport and
// pipeline construction details.
func New(cfg Config, dialer wsconn.Dialer, logger zerolog.Logger, enqueue func(domain.PipelineData)) *Adapter {
	cfg.Pool.Exchange = cfg.Exchange
	cfg.Sub.Exchange = cfg.Exchange
	cfg.Conn.Exchange = cfg.Exchange
	if cfg.Pool.Recorder == nil {
		cfg.Pool.Recorder = cfg.Conn.Recorder
	}
	if cfg.Sub.Recorder == nil {
		cfg.Sub.Recorder = cfg.Conn.Recorder
	}
	a := &Adapter{
		cfg:     cfg,
		logger:  logger.With().Str("exchange", cfg.Exchange).Logger(),
		parser:  parser.New(cfg.Exchange),
		enqueue: enqueue,
	}

	a.pool = pool.New(cfg.Pool, func(id string) *wsconn.Connection {
		connCfg := cfg.Conn
		conn := wsconn.New(id, connCfg, dialer, a.onFrame, a.logger)
		conn.OnReconnected(func(wsconn.Reconnected) {
			affected := a.subs.ConnectionLost(id)
			if len(affected) > 0 {
				a.subs.Resubscribe(affected)
			}
		})
		return conn
	}, logger)

	a.subs = subscription.New(cfg.Sub, a)

	a.pool.OnMigrationNeeded(func(ev pool.MigrationNeeded) {
		a.logger.Warn().Str("connection_id", ev.ConnectionID).Int("streams", len(ev.StreamNames)).Msg("connection unhealthy, migrating subscriptions")
		affected := a.subs.ConnectionLost(ev.ConnectionID)
		if len(affected) > 0 {
			a.subs.Resubscribe(affected)
		}
	})
	a.pool.OnReplaced(func(ev pool.Replaced) {
		a.logger.Info().Str("old", ev.OldID).Str("new", ev.NewID).Msg("connection replaced")
	})

	return a
}

// Place implements subscription.Placer: finds or creates a connection
// with enough free slots and subscribes the wire-level stream names.
func (a *Adapter) Place(subs []domain.Subscription) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := a.pool.GetAvailableConnection(ctx, len(subs))
	if err != nil {
		return "", err
	}

	names := make([]string, len(subs))
	for i, s := range subs {
		names[i] = StreamName(s)
	}
	if err := conn.Subscribe(names); err != nil {
		return "", err
	}
	return conn.ID(), nil
}

// Remove implements subscription.Placer.
func (a *Adapter) Remove(connectionID string, subs []domain.Subscription) error {
	conn, ok := a.pool.Get(connectionID)
	if !ok {
		return domain.NewError(domain.ErrSubscription, fmt.Sprintf("unknown connection %s", connectionID), nil, nil)
	}
	names := make([]string, len(subs))
	for i, s := range subs {
		names[i] = StreamName(s)
	}
	return conn.Unsubscribe(names)
}

func (a *Adapter) onFrame(streamName string, raw json.RawMessage) {
	md, ok := a.parser.Parse(raw)
	if !ok {
		return
	}
	sub := domain.Subscription{Symbol: domain.CanonicalSymbol(md.Symbol), DataType: md.Type}
	a.subs.RecordMessage(sub)

	if a.enqueue == nil {
		return
	}
	a.enqueue(domain.PipelineData{
		ID:         streamName + ":" + md.Timestamp.String(),
		MarketData: *md,
		Metadata: domain.Metadata{
			Exchange: a.cfg.Exchange,
			Symbol:   md.Symbol,
			DataType: md.Type,
		},
		Timestamp: time.Now(),
		Source:    a.cfg.Exchange,
	})
}

// Subscribe proxies to the subscription manager.
func (a *Adapter) Subscribe(subs []domain.Subscription) subscription.Result {
	return a.subs.Subscribe(subs)
}

// Unsubscribe proxies to the subscription manager.
func (a *Adapter) Unsubscribe(subs []domain.Subscription) subscription.Result {
	return a.subs.Unsubscribe(subs)
}

// Run starts the pool and subscription manager background goroutines.
func (a *Adapter) Run() {
	a.subs.Initialize(a.cfg.Sub)
	a.pool.Run()
	a.subs.Run()
}

// Shutdown stops the pool and subscription manager.
func (a *Adapter) Shutdown(ctx context.Context) {
	a.subs.Destroy()
	a.pool.Shutdown(ctx)
}

// GetHealth aggregates a point-in-time health snapshot for this exchange,
// combining the pool's (C4) and every connection's (C3) health detail with
// the subscription manager's (C5) stats.
func (a *Adapter) GetHealth() AdapterHealth {
	poolDetail := a.pool.HealthDetail()
	poolDetail["healthy"] = a.pool.IsHealthy()
	return AdapterHealth{
		Exchange:      a.cfg.Exchange,
		Connections:   a.pool.Snapshot(),
		Subscriptions: a.subs.GetSubscriptionStats(),
		Pool:          poolDetail,
	}
}

