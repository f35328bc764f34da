package pool

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/reconnect"
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
	return 0, nil, errDisconnectedSocket{}
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

type errDisconnectedSocket struct{}

func (errDisconnectedSocket) Error() string { return "fake socket closed" }

type fakeDialer struct {
	mu    sync.Mutex
	calls int32
}

func (d *fakeDialer) DialContext(ctx context.Context, url string, header http.Header) (wsconn.Socket, error) {
	atomic.AddInt32(&d.calls, 1)
	return newFakeSocket(), nil
}

func testFactory(dialer *fakeDialer, maxStreams int, calls *int32) Factory {
	return func(id string) *wsconn.Connection {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return wsconn.New(id, wsconn.Config{
			Endpoint:          "ws://example",
			MaxStreamsPerConn: maxStreams,
			Reconnect:         reconnect.Config{InitialDelay: time.Millisecond, MaxRetries: 1},
		}, dialer, nil, zerolog.Nop())
	}
}

func TestGetAvailableConnectionCreatesWhenPoolEmpty(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 2, MaxStreamsPerConn: 10}, testFactory(dialer, 10, nil), zerolog.Nop())
	defer p.Shutdown(context.Background())

	c, err := p.GetAvailableConnection(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetAvailableConnection() error = %v", err)
	}
	if c == nil {
		t.Fatal("expected a non-nil connection")
	}
	if c.State() != domain.StateActive {
		t.Errorf("new connection state = %s, want ACTIVE", c.State())
	}
}

func TestGetAvailableConnectionReusesEligibleConnection(t *testing.T) {
	dialer := &fakeDialer{}
	var factoryCalls int32
	p := New(Config{MaxConnections: 1, MaxStreamsPerConn: 10}, testFactory(dialer, 10, &factoryCalls), zerolog.Nop())
	defer p.Shutdown(context.Background())

	c1, err := p.GetAvailableConnection(context.Background(), 1)
	if err != nil {
		t.Fatalf("first GetAvailableConnection() error = %v", err)
	}
	c1.Subscribe([]string{"a"})

	c2, err := p.GetAvailableConnection(context.Background(), 1)
	if err != nil {
		t.Fatalf("second GetAvailableConnection() error = %v", err)
	}
	if c2.ID() != c1.ID() {
		t.Errorf("expected the same connection to be reused, got %s and %s", c1.ID(), c2.ID())
	}
	if atomic.LoadInt32(&factoryCalls) != 1 {
		t.Errorf("factory called %d times, want 1", factoryCalls)
	}
}

func TestGetAvailableConnectionCreatesSecondWhenFirstIsFull(t *testing.T) {
	dialer := &fakeDialer{}
	var factoryCalls int32
	p := New(Config{MaxConnections: 2, MaxStreamsPerConn: 1}, testFactory(dialer, 1, &factoryCalls), zerolog.Nop())
	defer p.Shutdown(context.Background())

	c1, err := p.GetAvailableConnection(context.Background(), 1)
	if err != nil {
		t.Fatalf("first GetAvailableConnection() error = %v", err)
	}
	c1.Subscribe([]string{"a"})

	c2, err := p.GetAvailableConnection(context.Background(), 1)
	if err != nil {
		t.Fatalf("second GetAvailableConnection() error = %v", err)
	}
	if c2.ID() == c1.ID() {
		t.Errorf("expected a distinct connection once the first is full")
	}
	if atomic.LoadInt32(&factoryCalls) != 2 {
		t.Errorf("factory called %d times, want 2", factoryCalls)
	}
}

func TestCreateConnectionSingleflightCoalescesConcurrentCallers(t *testing.T) {
	dialer := &fakeDialer{}
	var factoryCalls int32
	p := New(Config{MaxConnections: 5, MaxStreamsPerConn: 10}, testFactory(dialer, 10, &factoryCalls), zerolog.Nop())
	defer p.Shutdown(context.Background())

	const n = 8
	var wg sync.WaitGroup
	results := make([]*wsconn.Connection, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.createConnection(context.Background())
			if err != nil {
				t.Errorf("createConnection() error = %v", err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&factoryCalls) != 1 {
		t.Errorf("factory called %d times, want 1 (singleflight should coalesce concurrent creates)", factoryCalls)
	}
	for i := 1; i < n; i++ {
		if results[i] == nil || results[0] == nil || results[i].ID() != results[0].ID() {
			t.Errorf("expected every concurrent caller to receive the same connection")
		}
	}
}

func TestScoreWeightsHealthLoadAndLatency(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 2, MaxStreamsPerConn: 10}, testFactory(dialer, 10, nil), zerolog.Nop())
	defer p.Shutdown(context.Background())

	c, err := p.GetAvailableConnection(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetAvailableConnection() error = %v", err)
	}

	if got := p.score(c); got != 1.0 {
		t.Errorf("score of a fresh, empty connection = %v, want 1.0", got)
	}

	c.Subscribe([]string{"a", "b", "c", "d", "e"})
	want := 0.4*1.0 + 0.4*(1-0.5) + 0.2*1.0
	if got := p.score(c); got != want {
		t.Errorf("score at 50%% load = %v, want %v", got, want)
	}
}

func TestBestEligibleSkipsConnectionsWithoutCapacity(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 2, MaxStreamsPerConn: 2}, testFactory(dialer, 2, nil), zerolog.Nop())
	defer p.Shutdown(context.Background())

	c, _ := p.GetAvailableConnection(context.Background(), 1)
	c.Subscribe([]string{"a", "b"})

	if _, ok := p.bestEligible(1); ok {
		t.Errorf("expected no eligible connection once the only one is at capacity")
	}
}

func TestRunHealthCheckRemovesTerminatedConnections(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 2, MaxStreamsPerConn: 10}, testFactory(dialer, 10, nil), zerolog.Nop())
	defer p.Shutdown(context.Background())

	c, _ := p.GetAvailableConnection(context.Background(), 1)
	c.Disconnect("test cleanup")
	c.Terminate("forced for test")

	p.runHealthCheck()

	if _, ok := p.Get(c.ID()); ok {
		t.Errorf("expected a terminated connection to be removed from the pool")
	}
}

func TestRunHealthCheckLeavesHealthyConnectionsUntouched(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 3, MaxStreamsPerConn: 10}, testFactory(dialer, 10, nil), zerolog.Nop())
	defer p.Shutdown(context.Background())

	healthy, _ := p.GetAvailableConnection(context.Background(), 1)
	healthy.Subscribe([]string{"a", "b"})

	dying, _ := p.createConnection(context.Background())
	dying.Disconnect("test cleanup")
	dying.Terminate("forced for test")

	var migrated *MigrationNeeded
	p.OnMigrationNeeded(func(ev MigrationNeeded) { migrated = &ev })

	p.runHealthCheck()

	if migrated != nil {
		t.Errorf("MigrationNeeded fired for %+v, want none (the terminated connection had no streams)", migrated)
	}
	if _, ok := p.Get(healthy.ID()); !ok {
		t.Errorf("healthy connection should remain in the pool")
	}
	if _, ok := p.Get(dying.ID()); ok {
		t.Errorf("terminated connection should have been removed")
	}
}

func TestRunIdleCleanupKeepsAtLeastOneConnection(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 3, MaxStreamsPerConn: 10, IdleTimeout: time.Millisecond}, testFactory(dialer, 10, nil), zerolog.Nop())
	defer p.Shutdown(context.Background())

	c1, _ := p.createConnection(context.Background())
	c2, _ := p.createConnection(context.Background())
	_ = c1
	_ = c2

	p.runIdleCleanup() // first poll just starts each connection's idle clock
	time.Sleep(5 * time.Millisecond)
	p.runIdleCleanup() // second poll, past IdleTimeout, actually reaps

	if p.count() != 1 {
		t.Errorf("count() = %d after idle cleanup, want 1 (must keep at least one)", p.count())
	}
}

func TestRunIdleCleanupNoopWithSingleConnection(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 2, MaxStreamsPerConn: 10, IdleTimeout: time.Millisecond}, testFactory(dialer, 10, nil), zerolog.Nop())
	defer p.Shutdown(context.Background())

	p.createConnection(context.Background())
	p.runIdleCleanup()
	time.Sleep(5 * time.Millisecond)
	p.runIdleCleanup()

	if p.count() != 1 {
		t.Errorf("count() = %d, want 1 (single idle connection must not be removed)", p.count())
	}
}

func TestRunIdleCleanupDoesNotReapBeforeIdleTimeoutElapses(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 3, MaxStreamsPerConn: 10, IdleTimeout: time.Hour}, testFactory(dialer, 10, nil), zerolog.Nop())
	defer p.Shutdown(context.Background())

	p.createConnection(context.Background())
	p.createConnection(context.Background())

	p.runIdleCleanup()
	p.runIdleCleanup()

	if p.count() != 2 {
		t.Errorf("count() = %d, want 2 (neither connection has been idle for IdleTimeout yet)", p.count())
	}
}

func TestRunIdleCleanupResetsClockWhenConnectionPicksUpAStream(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 3, MaxStreamsPerConn: 10, IdleTimeout: 5 * time.Millisecond}, testFactory(dialer, 10, nil), zerolog.Nop())
	defer p.Shutdown(context.Background())

	idle, _ := p.createConnection(context.Background())
	busy, _ := p.createConnection(context.Background())

	p.runIdleCleanup() // starts both clocks; neither connection has a stream yet
	time.Sleep(10 * time.Millisecond)
	busy.Subscribe([]string{"a"}) // busy picks up a stream before the next poll

	p.runIdleCleanup() // idle is now past IdleTimeout and gets reaped; busy's clock is cleared

	if _, ok := p.Get(idle.ID()); ok {
		t.Errorf("idle connection should have been reaped past IdleTimeout")
	}
	if _, ok := p.Get(busy.ID()); !ok {
		t.Errorf("busy connection picked up a stream and should not have been reaped")
	}
}

func TestReplaceLeastHealthyErrorsWhenNoneLowHealthEnough(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 2, MaxStreamsPerConn: 10}, testFactory(dialer, 10, nil), zerolog.Nop())
	defer p.Shutdown(context.Background())

	c, _ := p.createConnection(context.Background())

	_, err := p.replaceLeastHealthy(context.Background())
	if err == nil {
		t.Fatalf("expected an error when no connection is unhealthy enough to replace")
	}
	if _, ok := p.Get(c.ID()); !ok {
		t.Errorf("the healthy connection should not have been replaced")
	}
}

func TestShutdownDisconnectsAllConnectionsAndClearsThePool(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 3, MaxStreamsPerConn: 10}, testFactory(dialer, 10, nil), zerolog.Nop())

	c1, _ := p.createConnection(context.Background())
	c2, _ := p.createConnection(context.Background())

	p.Shutdown(context.Background())

	if p.count() != 0 {
		t.Errorf("count() = %d after Shutdown, want 0", p.count())
	}
	if c1.State() != domain.StateDisconnected {
		t.Errorf("c1 state = %s after Shutdown, want DISCONNECTED", c1.State())
	}
	if c2.State() != domain.StateDisconnected {
		t.Errorf("c2 state = %s after Shutdown, want DISCONNECTED", c2.State())
	}
}

func TestGetReturnsConnectionByID(t *testing.T) {
	dialer := &fakeDialer{}
	p := New(Config{MaxConnections: 2, MaxStreamsPerConn: 10}, testFactory(dialer, 10, nil), zerolog.Nop())
	defer p.Shutdown(context.Background())

	c, _ := p.createConnection(context.Background())

	got, ok := p.Get(c.ID())
	if !ok || got.ID() != c.ID() {
		t.Errorf("Get(%s) = (%v, %v), want (%v, true)", c.ID(), got, ok, c)
	}
	if _, ok := p.Get("nonexistent"); ok {
		t.Errorf("Get of an unknown id should report ok=false")
	}
}
