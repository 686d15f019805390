package chatsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection abstraction
// ============================================================================

// Conn is one established streaming connection.
type Conn interface {
	// Read blocks until the next payload arrives.
	Read(ctx context.Context) ([]byte, error)
	// Heartbeat sends (or checks) one liveness signal.
	Heartbeat(ctx context.Context) error
	Close() error
}

// Dialer opens connections over one protocol. Dial returns
// ErrProtocolUnavailable when the protocol cannot run in this runtime.
type Dialer interface {
	Protocol() string
	Dial(ctx context.Context) (Conn, error)
}

// errNormalClosure marks a connection the server closed cleanly.
var errNormalClosure = errors.New("connection closed normally")

// errStreamEnded marks a push stream that ended without a close handshake.
var errStreamEnded = errors.New("stream ended")

// ============================================================================
// State
// ============================================================================

// State is the transport's connection state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosed       State = "closed"
	StateErrored      State = "errored"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// ============================================================================
// Subscribers
// ============================================================================

// Subscriber receives every realtime event in receipt order.
type Subscriber interface {
	HandleEvent(e *Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(e *Event) error

func (f SubscriberFunc) HandleEvent(e *Event) error { return f(e) }

type subscription struct {
	sub Subscriber
}

// ============================================================================
// Transport
// ============================================================================

// TransportConfig configures a Transport.
type TransportConfig struct {
	// Primary is tried first on every connection attempt.
	Primary Dialer
	// Secondary is used when Primary is unavailable or fails to connect.
	Secondary         Dialer
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	// Cache, when set, is primed with every pushed message.
	Cache    *Cache
	PageSize int
	Logger   *slog.Logger
}

func (c *TransportConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Transport keeps one push connection alive, reconnecting on a fixed delay
// and falling back from the primary to the secondary protocol. Received
// events prime the Cache and fan out to subscribers.
type Transport struct {
	cfg    TransportConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	protocol string
	cancel   context.CancelFunc
	done     chan struct{}

	subMu      sync.RWMutex
	subs       []*subscription
	stateHooks []func(State)
}

// NewTransport creates an idle transport. Call Start to connect.
func NewTransport(cfg TransportConfig) *Transport {
	cfg.defaults()
	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  StateIdle,
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Protocol returns the protocol of the open connection, or "".
func (t *Transport) Protocol() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocol
}

// OnStateChange registers an observer called on every state transition.
func (t *Transport) OnStateChange(h func(State)) {
	t.subMu.Lock()
	t.stateHooks = append(t.stateHooks, h)
	t.subMu.Unlock()
}

// Subscribe registers s and returns its unsubscribe handle. Registering a
// comparable subscriber that is already registered is a no-op.
func (t *Transport) Subscribe(s Subscriber) (unsubscribe func()) {
	if s == nil {
		return func() {}
	}
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if reflect.TypeOf(s).Comparable() {
		for _, existing := range t.subs {
			if existing.sub == s {
				return t.unsubscriber(existing)
			}
		}
	}
	entry := &subscription{sub: s}
	t.subs = append(t.subs, entry)
	return t.unsubscriber(entry)
}

// SubscribeFunc registers a callback.
func (t *Transport) SubscribeFunc(fn func(e *Event) error) (unsubscribe func()) {
	return t.Subscribe(SubscriberFunc(fn))
}

func (t *Transport) unsubscriber(entry *subscription) func() {
	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		for i, s := range t.subs {
			if s == entry {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (t *Transport) SubscriberCount() int {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	return len(t.subs)
}

// Start launches the connection loop. It returns immediately; connection
// failures are retried in the background and never returned. After the
// server closes the stream cleanly, Start connects again.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateStopped {
		return ErrClosed
	}
	if t.cancel != nil {
		return nil
	}
	if t.cfg.Primary == nil && t.cfg.Secondary == nil {
		return fmt.Errorf("start transport: %w", ErrProtocolUnavailable)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(runCtx, t.done)
	return nil
}

// Close tears the transport down: it closes the active connection, stops
// the liveness and reconnect timers and clears every subscriber.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	t.subMu.Lock()
	t.subs = nil
	t.subMu.Unlock()

	t.setState(StateStopped, "")
	return nil
}

// Inject runs a payload received out of band (e.g. by webhook) through the
// same prime and fan-out path as streamed payloads.
func (t *Transport) Inject(ctx context.Context, data []byte) error {
	ev, err := ParseEvent(data)
	if err != nil {
		return fmt.Errorf("parse event: %w", err)
	}
	t.deliver(ctx, ev)
	return nil
}

func (t *Transport) setState(s State, protocol string) {
	t.mu.Lock()
	changed := t.transitionLocked(s, protocol)
	t.mu.Unlock()
	if changed {
		t.notify(s)
	}
}

// transitionLocked moves to s unless stopped or already there. Callers hold
// t.mu and call notify after releasing it.
func (t *Transport) transitionLocked(s State, protocol string) bool {
	if t.state == StateStopped || t.state == s && t.protocol == protocol {
		return false
	}
	t.state = s
	t.protocol = protocol
	return true
}

func (t *Transport) notify(s State) {
	t.subMu.RLock()
	hooks := append([]func(State){}, t.stateHooks...)
	t.subMu.RUnlock()
	for _, h := range hooks {
		h(s)
	}
}

// release detaches the loop identified by done so that Start can launch a
// new one, moving to final (when set) in the same critical section.
func (t *Transport) release(done chan struct{}, final State) {
	t.mu.Lock()
	var cancel context.CancelFunc
	if t.done == done {
		cancel = t.cancel
		t.cancel, t.done = nil, nil
	}
	changed := final != "" && t.transitionLocked(final, "")
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if changed {
		t.notify(final)
	}
}

func (t *Transport) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer t.release(done, "")

	for {
		conn, protocol, err := t.connect(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}

		if err != nil {
			t.logger.Warn("realtime connect failed", "err", err)
			t.setState(StateErrored, "")
		} else {
			t.logger.Info("realtime connected", "protocol", protocol)
			t.setState(StateOpen, protocol)
			err = t.serve(ctx, conn)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errNormalClosure) {
				t.logger.Info("realtime closed by server", "protocol", protocol)
				t.release(done, StateClosed)
				return
			}
			t.logger.Warn("realtime connection lost", "protocol", protocol, "err", err)
			t.setState(StateErrored, "")
		}

		t.setState(StateReconnecting, "")
		timer := time.NewTimer(t.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect dials the primary protocol, then the secondary.
func (t *Transport) connect(ctx context.Context) (Conn, string, error) {
	t.setState(StateConnecting, "")
	var errs []error
	for _, d := range []Dialer{t.cfg.Primary, t.cfg.Secondary} {
		if d == nil {
			continue
		}
		conn, err := d.Dial(ctx)
		if err == nil {
			return conn, d.Protocol(), nil
		}
		t.logger.Debug("realtime dial failed", "protocol", d.Protocol(), "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", d.Protocol(), err))
	}
	return nil, "", errors.Join(errs...)
}

// serve reads from conn until it fails, running the liveness loop
// alongside. The liveness loop has exited when serve returns.
func (t *Transport) serve(ctx context.Context, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	hbErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.heartbeatLoop(connCtx, conn, hbErr)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		data, err := conn.Read(connCtx)
		if err != nil {
			select {
			case herr := <-hbErr:
				return fmt.Errorf("heartbeat: %w", herr)
			default:
			}
			return err
		}
		ev, err := ParseEvent(data)
		if err != nil {
			t.logger.Debug("ignoring non-event frame", "bytes", len(data))
			continue
		}
		t.deliver(ctx, ev)
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn Conn, errc chan<- error) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Heartbeat(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				errc <- err
				conn.Close()
				return
			}
		}
	}
}

// deliver primes the cache and fans the event out, in that order.
func (t *Transport) deliver(ctx context.Context, ev *Event) {
	t.prime(ctx, ev)

	t.subMu.RLock()
	subs := append([]*subscription{}, t.subs...)
	t.subMu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("realtime subscriber panicked", "panic", r)
				}
			}()
			if err := s.sub.HandleEvent(ev); err != nil {
				t.logger.Warn("realtime subscriber failed", "err", err)
			}
		}()
	}
}

func (t *Transport) prime(ctx context.Context, ev *Event) {
	cache := t.cfg.Cache
	id := ev.Identity()
	if cache == nil || id == "" || ev.Key.ID == "" {
		return
	}
	switch {
	case ev.IsDelete():
		cache.Remove(ctx, id, ev.Key.ID)
	case ev.IsEdit():
		if target, text, ok := ev.Edit(); ok {
			cache.Mutate(ctx, id, target, func(r *MessageRecord) {
				if err := applyEdit(r, text); err != nil {
					t.logger.Debug("edit replaced unreadable payload", "identity", id, "err", err)
				}
			})
		}
	case ev.MessageType != "":
		cache.Prepend(ctx, id, ev.Record(), t.cfg.PageSize, 1)
	}
}

// ============================================================================
// WebSocket (primary)
// ============================================================================

// WebSocketDialer dials the bidirectional push stream.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	// HTTPClient must not set a Timeout; dials are bounded by ctx.
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d *WebSocketDialer) Protocol() string { return "websocket" }

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	if d.URL == "" {
		return nil, ErrProtocolUnavailable
	}
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, fmt.Errorf("%w: %w", errNormalClosure, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Heartbeat(ctx context.Context) error {
	ping, err := json.Marshal(map[string]any{"event": "ping", "ts": time.Now().Unix()})
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, ping)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Server-Sent Events (fallback)
// ============================================================================

// SSEDialer dials the unidirectional push stream. With PingURL set,
// heartbeats are POSTed there; otherwise a connection silent for longer
// than StaleAfter fails its heartbeat.
type SSEDialer struct {
	URL        string
	PingURL    string
	Header     http.Header
	HTTPClient *http.Client
	StaleAfter time.Duration
}

func (d *SSEDialer) Protocol() string { return "sse" }

func (d *SSEDialer) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

func (d *SSEDialer) Dial(ctx context.Context) (Conn, error) {
	if d.URL == "" {
		return nil, ErrProtocolUnavailable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("SSE connect: %w", newAPIError(resp.StatusCode, body))
	}

	staleAfter := d.StaleAfter
	if staleAfter == 0 {
		staleAfter = 3 * DefaultHeartbeatInterval
	}
	c := &sseConn{
		body:       resp.Body,
		scanner:    bufio.NewScanner(resp.Body),
		dialer:     d,
		staleAfter: staleAfter,
	}
	c.scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	c.lastData.Store(time.Now().UnixNano())
	return c, nil
}

type sseConn struct {
	body       io.ReadCloser
	scanner    *bufio.Scanner
	dialer     *SSEDialer
	staleAfter time.Duration
	lastData   atomic.Int64
	closeOnce  sync.Once
}

// Read returns the data of the next complete event. Comment lines count as
// liveness but are not returned.
func (c *sseConn) Read(ctx context.Context) ([]byte, error) {
	var data []string
	for c.scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := c.scanner.Text()
		c.lastData.Store(time.Now().UnixNano())

		switch {
		case line == "":
			if len(data) > 0 {
				return []byte(strings.Join(data, "\n")), nil
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return []byte(strings.Join(data, "\n")), nil
	}
	return nil, errStreamEnded
}

func (c *sseConn) Heartbeat(ctx context.Context) error {
	if c.dialer.PingURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.dialer.PingURL, nil)
		if err != nil {
			return err
		}
		for k, vs := range c.dialer.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := c.dialer.client().Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("SSE ping: HTTP %d", resp.StatusCode)
		}
		return nil
	}
	silent := time.Since(time.Unix(0, c.lastData.Load()))
	if silent > c.staleAfter {
		return fmt.Errorf("no data for %s", silent.Round(time.Second))
	}
	return nil
}

func (c *sseConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.body.Close() })
	return err
}
