// Package wsconn implements one long-lived WebSocket connection with
// FSM lifecycle, send/receive loops, stream membership and metrics.
package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/events"
	"github.com/meteorx/marketfeed/internal/heartbeat"
	"github.com/meteorx/marketfeed/internal/reconnect"
	"github.com/meteorx/marketfeed/internal/telemetry"
)

// Dialer abstracts websocket dialing so tests can substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Socket, error)
}

// Socket is the minimal surface this package needs from a websocket
// connection (satisfied by *gorilla/websocket.Conn).
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	Close() error
}

type gorillaDialer struct{ d *gorilla.Dialer }

func (g gorillaDialer) DialContext(ctx context.Context, url string, header http.Header) (Socket, error) {
	conn, _, err := g.d.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NewGorillaDialer returns a Dialer backed by gorilla/websocket, the
// production transport.
func NewGorillaDialer(handshakeTimeout time.Duration) Dialer {
	d := &gorilla.Dialer{HandshakeTimeout: handshakeTimeout}
	return gorillaDialer{d: d}
}

// Config configures one connection.
type Config struct {
	Endpoint             string
	MaxStreamsPerConn    int
	ConnectTimeout       time.Duration
	Heartbeat            heartbeat.Config
	Reconnect            reconnect.Config

	// Exchange labels this connection's metrics; Recorder defaults to a no-op.
	Exchange string
	Recorder telemetry.Recorder
}

// StateChanged is emitted on every FSM transition.
type StateChanged struct {
	Old, New domain.ConnState
	Reason   string
	At       time.Time
}

// FrameHandler receives one decoded market-data frame for dispatch to the parser.
type FrameHandler func(streamName string, raw json.RawMessage)

// Reconnected is emitted after a non-manual reconnect succeeds, carrying
// the stream names that were active before the drop so the caller can
// re-place them (the new socket starts with an empty wire subscription
// set even though local bookkeeping briefly still listed them).
type Reconnected struct {
	StreamNames []string
}

// Connection is one long-lived WebSocket connection.
type Connection struct {
	id     string
	cfg    Config
	dialer Dialer
	onFrame FrameHandler
	logger zerolog.Logger

	mu        sync.RWMutex
	state     domain.ConnState
	socket    Socket
	streamSet map[string]struct{}
	perf      domain.PerfStats
	lastErr   *domain.ErrorInfo

	hb   *heartbeat.Controller
	recon *reconnect.Strategy

	stateChanged *events.Bus[StateChanged]
	reconnected  *events.Bus[Reconnected]

	cancel context.CancelFunc
	done   chan struct{}

	bytesWindowStart time.Time
	bytesWindowCount int64

	manualClose bool
}

// New constructs a Connection in the IDLE state. onFrame is invoked for
// every successfully decoded, non-ping data frame.
func New(id string, cfg Config, dialer Dialer, onFrame FrameHandler, logger zerolog.Logger) *Connection {
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.NoopRecorder{}
	}
	c := &Connection{
		id:           id,
		cfg:          cfg,
		dialer:       dialer,
		onFrame:      onFrame,
		logger:       logger.With().Str("connection_id", id).Logger(),
		state:        domain.StateIdle,
		streamSet:    make(map[string]struct{}),
		stateChanged: events.NewBus[StateChanged](),
		reconnected:  events.NewBus[Reconnected](),
	}
	hbCfg := cfg.Heartbeat
	hbCfg.Exchange = cfg.Exchange
	hbCfg.ConnectionID = id
	hbCfg.Recorder = cfg.Recorder
	c.hb = heartbeat.New(hbCfg, c.sendPong)
	c.recon = reconnect.New(cfg.Reconnect, nil)
	return c
}

// OnStateChanged registers a listener for FSM transitions.
func (c *Connection) OnStateChanged(fn func(StateChanged)) events.Handle {
	return c.stateChanged.On(fn)
}

// OnReconnected registers a listener for post-reconnect resubscription.
func (c *Connection) OnReconnected(fn func(Reconnected)) events.Handle {
	return c.reconnected.On(fn)
}

func (c *Connection) transition(to domain.ConnState, reason string) error {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return nil
	}
	if !canTransition(from, to) {
		c.mu.Unlock()
		return domain.NewError(domain.ErrConfig, fmt.Sprintf("invalid transition %s->%s", from, to), nil, nil)
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Debug().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("connection state changed")
	c.stateChanged.Emit(StateChanged{Old: from, New: to, Reason: reason, At: time.Now()})
	return nil
}

// State returns the current FSM state.
func (c *Connection) State() domain.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect dials the endpoint and starts the receive/heartbeat loops.
// Transitions IDLE -> CONNECTING -> CONNECTED -> SUBSCRIBING -> ACTIVE.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.transition(domain.StateConnecting, "connect requested"); err != nil {
		return err
	}

	dialCtx := ctx
	var dialCancel context.CancelFunc
	if c.cfg.ConnectTimeout > 0 {
		dialCtx, dialCancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer dialCancel()
	}

	sock, err := c.dialer.DialContext(dialCtx, c.cfg.Endpoint, nil)
	if err != nil {
		c.recordError(domain.ErrConnection, err)
		_ = c.transition(domain.StateError, "dial failed")
		return domain.NewError(domain.ErrConnection, "dial failed", err, nil)
	}

	c.mu.Lock()
	c.socket = sock
	c.mu.Unlock()
	sock.SetPingHandler(func(payload string) error {
		return c.hb.HandlePing([]byte(payload))
	})

	if err := c.transition(domain.StateConnected, "dial succeeded"); err != nil {
		return err
	}
	if err := c.transition(domain.StateSubscribing, "awaiting stream placement"); err != nil {
		return err
	}
	if err := c.transition(domain.StateActive, "no streams pending"); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	c.manualClose = false
	c.recon.NotifyConnected(time.Now())
	c.hb.Run()
	go c.readLoop(runCtx)

	return nil
}

// scheduleReconnect asks the backoff strategy for the next delay and
// redials after it elapses, unless the drop was caused by a deliberate
// Disconnect/Terminate call or the retry budget is exhausted.
func (c *Connection) scheduleReconnect() {
	c.mu.RLock()
	manual := c.manualClose
	c.mu.RUnlock()
	if manual {
		return
	}
	delay, terminated := c.recon.NextAttempt()
	c.cfg.Recorder.IncCounter("marketfeed_reconnect_attempts_total", map[string]string{"exchange": c.cfg.Exchange})
	if terminated {
		_ = c.transition(domain.StateTerminated, "reconnect attempts exhausted")
		return
	}
	_ = c.transition(domain.StateReconnecting, "scheduling reconnect")

	c.mu.Lock()
	staleStreams := make([]string, 0, len(c.streamSet))
	for s := range c.streamSet {
		staleStreams = append(staleStreams, s)
	}
	c.streamSet = make(map[string]struct{})
	c.mu.Unlock()

	go func() {
		time.Sleep(delay)
		_ = c.transition(domain.StateConnecting, "reconnect attempt")
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn().Err(err).Msg("reconnect attempt failed")
			return
		}
		if len(staleStreams) > 0 {
			c.reconnected.Emit(Reconnected{StreamNames: staleStreams})
		}
	}()
}

func (c *Connection) sendPong(payload []byte) error {
	c.mu.RLock()
	sock := c.socket
	c.mu.RUnlock()
	if sock == nil {
		return domain.NewError(domain.ErrHeartbeat, "no socket to pong on", nil, nil)
	}
	_ = sock.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return sock.WriteMessage(gorilla.PongMessage, payload)
}

// readLoop is the connection's per-message processing pipeline:
// measure length, count, decode, dispatch or drop on DATA error.
func (c *Connection) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		sock := c.socket
		c.mu.RUnlock()
		if sock == nil {
			return
		}

		_ = sock.SetReadDeadline(time.Now().Add(90 * time.Second))
		msgType, data, err := sock.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if msgType != gorilla.TextMessage {
			continue
		}

		c.recordFrame(len(data))

		var envelope struct {
			Stream string          `json:"stream"`
			Data   json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.recordError(domain.ErrData, err)
			continue
		}

		payload := envelope.Data
		if payload == nil {
			payload = data
		}
		if c.onFrame != nil {
			c.onFrame(envelope.Stream, payload)
		}
	}
}

func (c *Connection) recordFrame(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perf.MessagesReceived++
	c.perf.BytesReceived += int64(bytes)

	now := time.Now()
	if c.bytesWindowStart.IsZero() || now.Sub(c.bytesWindowStart) >= time.Second {
		if !c.bytesWindowStart.IsZero() {
			elapsed := now.Sub(c.bytesWindowStart).Seconds()
			if elapsed > 0 {
				c.perf.BytesPerSecond = float64(c.bytesWindowCount) / elapsed
			}
		}
		c.bytesWindowStart = now
		c.bytesWindowCount = 0
	}
	c.bytesWindowCount += int64(bytes)
}

func (c *Connection) recordError(kind domain.ErrorKind, err error) {
	c.mu.Lock()
	c.lastErr = &domain.ErrorInfo{Kind: kind, Message: err.Error(), Timestamp: time.Now()}
	c.mu.Unlock()
}

func (c *Connection) handleReadError(err error) {
	if ce, ok := err.(*gorilla.CloseError); ok && ce.Code == gorilla.CloseNormalClosure {
		c.recordError(domain.ErrProtocol, err)
		_ = c.transition(domain.StateDisconnected, "clean close 1000")
		c.recon.NotifyDisconnected()
		c.scheduleReconnect()
		return
	}
	c.recordError(domain.ErrConnection, err)
	_ = c.transition(domain.StateError, "read error")
	_ = c.transition(domain.StateDisconnected, "read error")
	c.recon.NotifyDisconnected()
	c.scheduleReconnect()
}

// Subscribe adds stream names to this connection's membership. Outbound
// control-frame shape is exchange-specific and owned by the caller (the
// adapter); this method only tracks membership accounting, keeping the
// stream set monotonic on success and unchanged on failure.
func (c *Connection) Subscribe(streamNames []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.StateActive && c.state != domain.StateSubscribing {
		return domain.NewError(domain.ErrConnection, "connection not accepting subscriptions", nil, map[string]any{"state": c.state})
	}
	if len(c.streamSet)+len(streamNames) > c.cfg.MaxStreamsPerConn {
		return domain.NewError(domain.ErrSubscription, "would exceed max streams per connection", nil, nil)
	}
	for _, s := range streamNames {
		c.streamSet[s] = struct{}{}
	}
	return nil
}

// Unsubscribe removes stream names from this connection's membership.
func (c *Connection) Unsubscribe(streamNames []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range streamNames {
		delete(c.streamSet, s)
	}
	return nil
}

// CanAcceptMoreSubscriptions reports whether k more streams fit.
func (c *Connection) CanAcceptMoreSubscriptions(k int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == domain.StateActive && len(c.streamSet)+k <= c.cfg.MaxStreamsPerConn
}

// StreamCount returns the current stream-set size.
func (c *Connection) StreamCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streamSet)
}

// Streams returns a snapshot of the current stream set.
func (c *Connection) Streams() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.streamSet))
	for s := range c.streamSet {
		out = append(out, s)
	}
	return out
}

// GetHealthScore returns the heartbeat controller's current health score for this connection.
func (c *Connection) GetHealthScore() float64 {
	return c.hb.HealthScore()
}

// GetStats returns the combined heartbeat+perf snapshot.
func (c *Connection) GetStats() domain.ConnectionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	streams := make([]string, 0, len(c.streamSet))
	for s := range c.streamSet {
		streams = append(streams, s)
	}
	return domain.ConnectionSnapshot{
		ID:        c.id,
		State:     c.state,
		Endpoint:  c.cfg.Endpoint,
		StreamSet: streams,
		Heartbeat: c.hb.Stats(),
		Perf:      c.perf,
		LastError: c.lastErr,
	}
}

// IsHealthy reports whether this connection is fit to carry streams: in
// the ACTIVE state with a heartbeat score above 0.1 (the same floor the
// pool uses to condemn a connection).
func (c *Connection) IsHealthy() bool {
	return c.State() == domain.StateActive && c.GetHealthScore() > 0.1
}

// HealthDetail returns a liveness-endpoint-friendly snapshot of this
// connection's state, stream load, and heartbeat score.
func (c *Connection) HealthDetail() map[string]any {
	stats := c.GetStats()
	detail := map[string]any{
		"state":        string(stats.State),
		"stream_count":  len(stats.StreamSet),
		"health_score":  c.GetHealthScore(),
		"reconnect_attempt": c.recon.Attempt(),
	}
	if stats.LastError != nil {
		detail["last_error"] = stats.LastError.Message
	}
	return detail
}

// ID returns the connection's identifier.
func (c *Connection) ID() string { return c.id }

// Disconnect transitions toward DISCONNECTED and releases the socket.
func (c *Connection) Disconnect(reason string) error {
	c.mu.Lock()
	c.manualClose = true
	c.mu.Unlock()
	c.recon.NotifyDisconnected()
	if err := c.transition(domain.StateDisconnecting, reason); err != nil {
		// Already disconnected/terminal is fine; anything else is a bug.
		if c.State() != domain.StateDisconnected && c.State() != domain.StateTerminated {
			return err
		}
	}
	c.mu.Lock()
	sock := c.socket
	c.socket = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.hb.Close()
	if sock != nil {
		_ = sock.Close()
	}
	return c.transition(domain.StateDisconnected, reason)
}

// Terminate marks the connection TERMINATED.
func (c *Connection) Terminate(reason string) error {
	return c.transition(domain.StateTerminated, reason)
}
