package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeConn struct {
	frames     chan []byte
	readErr    chan error
	failBeat   atomic.Bool
	heartbeats atomic.Int32
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Heartbeat(context.Context) error {
	c.heartbeats.Add(1)
	if c.failBeat.Load() {
		return errors.New("pong timeout")
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	name  string
	err   error
	conns chan *fakeConn
	dials atomic.Int32
}

func newFakeDialer(name string, conns ...*fakeConn) *fakeDialer {
	d := &fakeDialer{name: name, conns: make(chan *fakeConn, 8)}
	for _, c := range conns {
		d.conns <- c
	}
	return d
}

func (d *fakeDialer) Protocol() string { return d.name }

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	select {
	case c := <-d.conns:
		return c, nil
	default:
		return nil, errors.New("connection refused")
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func newTestTransport(t *testing.T, cfg TransportConfig) (*Transport, *stateLog) {
	t.Helper()
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 10 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	tr := NewTransport(cfg)
	log := &stateLog{}
	tr.OnStateChange(log.record)
	t.Cleanup(func() { tr.Close() })
	return tr, log
}

func eventFrame(jid, id, text string, ts int64) []byte {
	return []byte(fmt.Sprintf(`{"event":"messages.upsert","data":{"key":{"remoteJid":%q,"fromMe":false,"id":%q},"pushName":"Ana","messageType":"conversation","message":{"conversation":%q},"messageTimestamp":%d}}`,
		jid, id, text, ts))
}

// ============================================================================
// State machine
// ============================================================================

func TestTransportFallsBackToSecondary(t *testing.T) {
	primary := newFakeDialer("websocket")
	primary.err = ErrProtocolUnavailable
	secondary := newFakeDialer("sse", newFakeConn())

	tr, _ := newTestTransport(t, TransportConfig{Primary: primary, Secondary: secondary})
	require.NoError(t, tr.Start(context.Background()))

	require.Eventually(t, func() bool { return tr.State() == StateOpen }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "sse", tr.Protocol())
	assert.Equal(t, int32(1), primary.dials.Load())
}

func TestTransportReconnectsAfterError(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	primary := newFakeDialer("websocket", first, second)

	tr, log := newTestTransport(t, TransportConfig{Primary: primary})
	require.NoError(t, tr.Start(context.Background()))
	require.Eventually(t, func() bool { return tr.State() == StateOpen }, time.Second, 5*time.Millisecond)

	first.readErr <- errors.New("connection reset by peer")

	require.Eventually(t, func() bool { return primary.dials.Load() == 2 && tr.State() == StateOpen }, time.Second, 5*time.Millisecond)
	assert.True(t, first.isClosed())
	assert.Equal(t, []State{
		StateConnecting, StateOpen,
		StateErrored, StateReconnecting,
		StateConnecting, StateOpen,
	}, log.snapshot())
}

func TestTransportRetriesFailedDialOnFixedDelay(t *testing.T) {
	primary := newFakeDialer("websocket")
	tr, _ := newTestTransport(t, TransportConfig{Primary: primary, ReconnectDelay: 20 * time.Millisecond})
	require.NoError(t, tr.Start(context.Background()))

	require.Eventually(t, func() bool { return primary.dials.Load() >= 3 }, time.Second, 5*time.Millisecond)
	primary.conns <- newFakeConn()
	require.Eventually(t, func() bool { return tr.State() == StateOpen }, time.Second, 5*time.Millisecond)
}

func TestTransportNormalClosureDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	primary := newFakeDialer("websocket", conn, newFakeConn())

	tr, _ := newTestTransport(t, TransportConfig{Primary: primary})
	require.NoError(t, tr.Start(context.Background()))
	require.Eventually(t, func() bool { return tr.State() == StateOpen }, time.Second, 5*time.Millisecond)

	conn.readErr <- fmt.Errorf("%w: status 1000", errNormalClosure)
	require.Eventually(t, func() bool { return tr.State() == StateClosed }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), primary.dials.Load())
	assert.Equal(t, StateClosed, tr.State())
}

func TestTransportRestartsAfterServerClose(t *testing.T) {
	ctx := context.Background()
	first, second := newFakeConn(), newFakeConn()
	primary := newFakeDialer("websocket", first, second)

	tr, log := newTestTransport(t, TransportConfig{Primary: primary})
	require.NoError(t, tr.Start(ctx))
	require.Eventually(t, func() bool { return tr.State() == StateOpen }, time.Second, 5*time.Millisecond)

	first.readErr <- fmt.Errorf("%w: status 1000", errNormalClosure)
	require.Eventually(t, func() bool { return tr.State() == StateClosed }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Start(ctx))
	require.Eventually(t, func() bool { return tr.State() == StateOpen }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), primary.dials.Load())

	got := make(chan string, 1)
	tr.SubscribeFunc(func(e *Event) error {
		rec := e.Record()
		got <- rec.Text()
		return nil
	})
	second.frames <- eventFrame("1", "A", "after restart", 1)
	select {
	case text := <-got:
		assert.Equal(t, "after restart", text)
	case <-time.After(time.Second):
		t.Fatal("no event delivered after restart")
	}

	require.NoError(t, tr.Close())
	assert.True(t, second.isClosed())
	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosed, StateConnecting, StateOpen, StateStopped}, log.snapshot())
}

func TestTransportHeartbeatFailureStopsLiveness(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	primary := newFakeDialer("websocket", first, second)

	tr, _ := newTestTransport(t, TransportConfig{
		Primary:           primary,
		HeartbeatInterval: 5 * time.Millisecond,
		ReconnectDelay:    30 * time.Millisecond,
	})
	require.NoError(t, tr.Start(context.Background()))
	require.Eventually(t, func() bool { return first.heartbeats.Load() >= 2 }, time.Second, 2*time.Millisecond)

	first.failBeat.Store(true)
	require.Eventually(t, func() bool { return first.isClosed() }, time.Second, 2*time.Millisecond)

	// no more liveness signals on the dead connection
	beats := first.heartbeats.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, beats, first.heartbeats.Load())

	require.Eventually(t, func() bool { return second.heartbeats.Load() >= 1 }, time.Second, 2*time.Millisecond)
}

func TestTransportClose(t *testing.T) {
	conn := newFakeConn()
	primary := newFakeDialer("websocket", conn)
	tr, _ := newTestTransport(t, TransportConfig{Primary: primary, HeartbeatInterval: 5 * time.Millisecond})
	tr.SubscribeFunc(func(*Event) error { return nil })

	require.NoError(t, tr.Start(context.Background()))
	require.Eventually(t, func() bool { return tr.State() == StateOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Close())
	assert.Equal(t, StateStopped, tr.State())
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, tr.SubscriberCount())

	beats := conn.heartbeats.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, beats, conn.heartbeats.Load())
	assert.Equal(t, int32(1), primary.dials.Load())

	assert.ErrorIs(t, tr.Start(context.Background()), ErrClosed)
	assert.NoError(t, tr.Close(), "Close is idempotent")
}

func TestTransportStartWithoutDialers(t *testing.T) {
	tr := NewTransport(TransportConfig{})
	assert.ErrorIs(t, tr.Start(context.Background()), ErrProtocolUnavailable)
	assert.Equal(t, StateIdle, tr.State())
}

// ============================================================================
// Delivery
// ============================================================================

func TestTransportPrimesCacheAcrossDomainVariants(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(nil)
	cache.Put(ctx, "123@s.whatsapp.net", DefaultPageSize, 1, makePage("123@s.whatsapp.net", DefaultPageSize))

	conn := newFakeConn()
	tr, _ := newTestTransport(t, TransportConfig{Primary: newFakeDialer("websocket", conn), Cache: cache})

	received := make(chan *Event, 1)
	tr.SubscribeFunc(func(e *Event) error {
		// the cache is primed before subscribers run
		page, ok := cache.Get(ctx, "123", DefaultPageSize, 1)
		if ok && page.Records[0].Key.ID == "NEW" {
			received <- e
		}
		return nil
	})
	require.NoError(t, tr.Start(ctx))

	conn.frames <- eventFrame("123@lid", "NEW", "hello", 1_800_000_000)

	select {
	case e := <-received:
		assert.Equal(t, "123@lid", e.Identity())
	case <-time.After(time.Second):
		t.Fatal("subscriber did not observe primed cache")
	}

	page, ok := cache.Get(ctx, "123@s.whatsapp.net", DefaultPageSize, 1)
	require.True(t, ok)
	require.Len(t, page.Records, DefaultPageSize)
	assert.Equal(t, "NEW", page.Records[0].Key.ID)
	assert.Equal(t, "hello", page.Records[0].Text())
}

func TestTransportAppliesEditsAndDeletes(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(nil)
	cache.Put(ctx, "1", DefaultPageSize, 1, makePage("1@s.whatsapp.net", 3))
	tr := NewTransport(TransportConfig{Cache: cache})

	require.NoError(t, tr.Inject(ctx, []byte(`{"event":"messages.upsert","data":{"key":{"remoteJid":"1@s.whatsapp.net","fromMe":false,"id":"EDIT"},"messageType":"editedMessage","message":{"protocolMessage":{"key":{"id":"m1"},"editedMessage":{"conversation":"edited"}}}}}`)))
	require.NoError(t, tr.Inject(ctx, []byte(`{"event":"messages.delete","data":{"key":{"remoteJid":"1@s.whatsapp.net","id":"m2"}}}`)))

	page, ok := cache.Get(ctx, "1", DefaultPageSize, 1)
	require.True(t, ok)
	assert.Equal(t, []string{"m1", "m0"}, ids(page.Records))
	assert.Equal(t, "edited", page.Records[0].Text())

	assert.Error(t, tr.Inject(ctx, []byte(`not json`)))
}

func TestTransportSubscribers(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport(TransportConfig{})

	var order []string
	tr.SubscribeFunc(func(*Event) error { order = append(order, "first"); panic("boom") })
	tr.SubscribeFunc(func(*Event) error { order = append(order, "second"); return errors.New("ignored") })
	unsubscribe := tr.SubscribeFunc(func(*Event) error { order = append(order, "third"); return nil })

	require.NoError(t, tr.Inject(ctx, eventFrame("1", "A", "x", 1)))
	assert.Equal(t, []string{"first", "second", "third"}, order)

	unsubscribe()
	unsubscribe()
	order = nil
	require.NoError(t, tr.Inject(ctx, eventFrame("1", "B", "x", 2)))
	assert.Equal(t, []string{"first", "second"}, order)
}

type countingSubscriber struct{ n int }

func (s *countingSubscriber) HandleEvent(*Event) error { s.n++; return nil }

func TestTransportSubscribeDeduplicates(t *testing.T) {
	tr := NewTransport(TransportConfig{})
	sub := &countingSubscriber{}
	tr.Subscribe(sub)
	tr.Subscribe(sub)
	assert.Equal(t, 1, tr.SubscriberCount())

	require.NoError(t, tr.Inject(context.Background(), eventFrame("1", "A", "x", 1)))
	assert.Equal(t, 1, sub.n)
}

func TestTransportSubscribeNil(t *testing.T) {
	tr := NewTransport(TransportConfig{})
	unsubscribe := tr.Subscribe(nil)
	require.NotNil(t, unsubscribe)
	assert.NotPanics(t, unsubscribe)
	assert.Equal(t, 0, tr.SubscriberCount())
	assert.NoError(t, tr.Inject(context.Background(), eventFrame("1", "A", "x", 1)))
}

// ============================================================================
// Protocols
// ============================================================================

func TestWebSocketDialer(t *testing.T) {
	pings := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		c.Write(ctx, websocket.MessageText, eventFrame("1", "WS1", "over ws", 1))
		_, data, err := c.Read(ctx)
		if err == nil {
			pings <- string(data)
		}
		c.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer srv.Close()

	d := &WebSocketDialer{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Header: http.Header{"Authorization": []string{"Bearer tok"}},
	}
	assert.Equal(t, "websocket", d.Protocol())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	data, err := conn.Read(ctx)
	require.NoError(t, err)
	ev, err := ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "WS1", ev.Key.ID)

	require.NoError(t, conn.Heartbeat(ctx))
	assert.Contains(t, <-pings, `"event":"ping"`)

	_, err = conn.Read(ctx)
	assert.ErrorIs(t, err, errNormalClosure)
}

func TestWebSocketDialerUnavailable(t *testing.T) {
	_, err := (&WebSocketDialer{}).Dial(context.Background())
	assert.ErrorIs(t, err, ErrProtocolUnavailable)
}

func TestSSEDialer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", eventFrame("1", "SSE1", "over sse", 1))
		fmt.Fprint(w, "data: {\"a\":\ndata: 1}\n\n")
	}))
	defer srv.Close()

	d := &SSEDialer{URL: srv.URL}
	ctx := context.Background()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	data, err := conn.Read(ctx)
	require.NoError(t, err)
	ev, err := ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "SSE1", ev.Key.ID)

	data, err = conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":\n1}", string(data))

	_, err = conn.Read(ctx)
	assert.ErrorIs(t, err, errStreamEnded)
	assert.NoError(t, conn.Heartbeat(ctx))
}

func TestSSEDialerStaleHeartbeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	conn, err := (&SSEDialer{URL: srv.URL, StaleAfter: 10 * time.Millisecond}).Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	assert.Error(t, conn.Heartbeat(context.Background()))
}

func TestSSEDialerRejectsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := (&SSEDialer{URL: srv.URL}).Dial(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTransportOverRealWebSocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.Write(r.Context(), websocket.MessageText, eventFrame("9", "RT1", "live", 1))
		c.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	tr, log := newTestTransport(t, TransportConfig{
		Primary: &WebSocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")},
	})
	got := make(chan string, 1)
	tr.SubscribeFunc(func(e *Event) error { got <- e.Key.ID; return nil })
	require.NoError(t, tr.Start(context.Background()))

	select {
	case id := <-got:
		assert.Equal(t, "RT1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("no event over websocket")
	}
	require.Eventually(t, func() bool { return tr.State() == StateClosed }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, log.snapshot(), StateOpen)
}
