package adapter

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/pool"
	"github.com/meteorx/marketfeed/internal/reconnect"
	"github.com/meteorx/marketfeed/internal/subscription"
	"github.com/meteorx/marketfeed/internal/wsconn"
)

type fakeSocket struct {
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

func newFakeSocket() *fakeSocket { return &fakeSocket{closeCh: make(chan struct{})} }

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	<-s.closeCh
	return 0, nil, errClosed{}
}
func (s *fakeSocket) WriteMessage(messageType int, data []byte) error { return nil }
func (s *fakeSocket) SetReadDeadline(t time.Time) error               { return nil }
func (s *fakeSocket) SetWriteDeadline(t time.Time) error              { return nil }
func (s *fakeSocket) SetPingHandler(h func(string) error)             {}
func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

type errClosed struct{}

func (errClosed) Error() string { return "fake socket closed" }

type fakeDialer struct{}

func (fakeDialer) DialContext(ctx context.Context, url string, header http.Header) (wsconn.Socket, error) {
	return newFakeSocket(), nil
}

func newTestAdapter(enqueue func(domain.PipelineData)) *Adapter {
	cfg := Config{
		Exchange: "binance",
		Pool:     pool.Config{MaxConnections: 2, MaxStreamsPerConn: 10},
		Sub:      subscription.Config{MaxSubscriptions: 100},
		Conn: wsconn.Config{
			Endpoint:          "ws://example",
			MaxStreamsPerConn: 10,
			Reconnect:         reconnect.Config{InitialDelay: time.Millisecond, MaxRetries: 1},
		},
	}
	return New(cfg, fakeDialer{}, zerolog.Nop(), enqueue)
}

func TestStreamNameDerivesExpectedWireNames(t *testing.T) {
	cases := []struct {
		sub  domain.Subscription
		want string
	}{
		{domain.Subscription{Symbol: "BTCUSDT", DataType: domain.Trade}, "btcusdt@trade"},
		{domain.Subscription{Symbol: "BTCUSDT", DataType: domain.Ticker}, "btcusdt@ticker"},
		{domain.Subscription{Symbol: "BTCUSDT", DataType: domain.Depth}, "btcusdt@depth"},
		{domain.Subscription{Symbol: "BTCUSDT", DataType: domain.OrderBook}, "btcusdt@depth"},
		{domain.Subscription{Symbol: "ETHUSDT", DataType: domain.Kline1m}, "ethusdt@kline_1m"},
		{domain.Subscription{Symbol: "ETHUSDT", DataType: domain.Kline1h}, "ethusdt@kline_1h"},
	}
	for _, c := range cases {
		if got := StreamName(c.sub); got != c.want {
			t.Errorf("StreamName(%+v) = %q, want %q", c.sub, got, c.want)
		}
	}
}

func TestStreamNameFallsBackToUnknownForUnmappedDataType(t *testing.T) {
	got := StreamName(domain.Subscription{Symbol: "BTCUSDT", DataType: "SOMETHING_ELSE"})
	if got != "btcusdt@unknown" {
		t.Errorf("StreamName() = %q, want btcusdt@unknown", got)
	}
}

func TestSubscribePlacesAgainstAPoolConnection(t *testing.T) {
	a := newTestAdapter(nil)
	defer a.Shutdown(context.Background())

	result := a.Subscribe([]domain.Subscription{{Symbol: "BTCUSDT", DataType: domain.Trade}})
	if !result.Success {
		t.Fatalf("Subscribe() = %+v, want success", result)
	}

	health := a.GetHealth()
	if health.Exchange != "binance" {
		t.Errorf("GetHealth().Exchange = %q, want binance", health.Exchange)
	}
	if health.Subscriptions.Total != 1 {
		t.Errorf("GetHealth().Subscriptions.Total = %d, want 1", health.Subscriptions.Total)
	}
}

func TestOnFrameRecordsMessageAgainstTheCanonicalSubscriptionKey(t *testing.T) {
	var mu sync.Mutex
	var enqueued []domain.PipelineData
	a := newTestAdapter(func(d domain.PipelineData) {
		mu.Lock()
		enqueued = append(enqueued, d)
		mu.Unlock()
	})
	defer a.Shutdown(context.Background())

	result := a.Subscribe([]domain.Subscription{{Symbol: "BTCUSDT", DataType: domain.Trade}})
	if !result.Success {
		t.Fatalf("Subscribe() = %+v, want success", result)
	}

	raw := []byte(`{"e":"trade","E":1700000000000,"s":"BTCUSDT","t":1,"p":"50000.00","q":"0.01","m":false,"T":1700000000000}`)
	a.onFrame("btcusdt@trade", raw)

	mu.Lock()
	n := len(enqueued)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("enqueued %d items, want 1", n)
	}
	if enqueued[0].MarketData.Symbol != "BTC/USDT" {
		t.Errorf("enqueued MarketData.Symbol = %q, want BTC/USDT (display form)", enqueued[0].MarketData.Symbol)
	}

	infos := a.subs.GetActiveSubscriptions()
	if len(infos) != 1 {
		t.Fatalf("tracked subscriptions = %d, want 1", len(infos))
	}
	if infos[0].MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1 (onFrame must record against the same canonical key Subscribe used)", infos[0].MessageCount)
	}
}

func TestOnFrameDropsUnrecognizedEventType(t *testing.T) {
	var calls int
	a := newTestAdapter(func(domain.PipelineData) { calls++ })
	defer a.Shutdown(context.Background())

	a.onFrame("btcusdt@trade", []byte(`{"e":"unknownEvent"}`))

	if calls != 0 {
		t.Errorf("enqueue called %d times, want 0 for an unrecognized event type", calls)
	}
}
