package portal

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ChannelState is the subscription channel connection state.
type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelReconnecting
	ChannelClosing
)

func (s ChannelState) String() string {
	switch s {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelReconnecting:
		return "reconnecting"
	case ChannelClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Conn is the duplex text-frame connection used by the channel.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// NewWebSocketDialer returns a Dialer backed by gorilla/websocket speaking
// the graphql-ws subprotocol.
func NewWebSocketDialer(cfg WebSocketConfig, tlsConfig *tls.Config) Dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.AckTimeout,
		Subprotocols:     []string{"graphql-ws"},
		TLSClientConfig:  tlsConfig,
	}
	return func(ctx context.Context, url string, header http.Header) (Conn, error) {
		conn, _, err := d.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		if cfg.ReadLimit > 0 {
			conn.SetReadLimit(cfg.ReadLimit)
		}
		return conn, nil
	}
}

// SubscriptionHandlers receive the frames of one registration. Handlers run
// on the channel's read goroutine; they may call Unsubscribe but must not
// close the channel.
type SubscriptionHandlers struct {
	OnData     func(payload json.RawMessage)
	OnError    func(err error)
	OnComplete func()
}

type registration struct {
	id       string
	payload  startPayload
	handlers SubscriptionHandlers
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id string
	ch *Channel
}

// ID returns the registration id used on the wire.
func (s *Subscription) ID() string { return s.id }

// Unsubscribe sends a stop frame if the channel is open and removes the
// registration in every state. It is idempotent.
func (s *Subscription) Unsubscribe() {
	s.ch.unsubscribe(s.id)
}

// Channel multiplexes subscriptions over one connection and reconnects with
// backoff, replaying every live registration in registration order.
type Channel struct {
	url     string
	cfg     WebSocketConfig
	dial    Dialer
	auth    *AuthCoordinator
	backoff *RetryPolicy
	events  *Emitter
	logger  Logger
	metrics *MetricsCollector
	newID   func() string
	dropLog rate.Sometimes

	connectMu sync.Mutex

	mu            sync.Mutex
	state         ChannelState
	conn          Conn
	connGen       uint64
	regs          map[string]*registration
	order         []string
	pending       map[string]struct{}
	attempt       int
	cancelConnect context.CancelFunc
	stopReconnect chan struct{}
	closed        bool
	done          chan struct{}

	wg sync.WaitGroup
}

func newChannel(url string, cfg WebSocketConfig, retry RetryConfig, dial Dialer, auth *AuthCoordinator, events *Emitter, logger Logger, metrics *MetricsCollector, newID func() string) *Channel {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Channel{
		url:  url,
		cfg:  cfg,
		dial: dial,
		auth: auth,
		backoff: NewRetryPolicy(RetryConfig{
			BaseDelay:      cfg.ReconnectInterval,
			MaxDelay:       cfg.MaxReconnectInterval,
			Multiplier:     retry.Multiplier,
			JitterFraction: retry.JitterFraction,
		}),
		events:  events,
		logger:  logger,
		metrics: metrics,
		newID:   newID,
		dropLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		regs:    make(map[string]*registration),
		pending: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// Connect opens the connection, sends connection_init with the current auth
// payload and waits for connection_ack. Registrations made before Connect
// are sent once the channel is open.
func (c *Channel) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newError(ErrorTypeClientClosed, "channel closed", nil)
	}
	if c.state == ChannelOpen || c.state == ChannelReconnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = ChannelConnecting
	hctx, cancel := c.withStop(ctx)
	c.cancelConnect = cancel
	c.mu.Unlock()

	conn, err := c.handshake(hctx)

	c.mu.Lock()
	c.cancelConnect = nil
	c.mu.Unlock()
	cancel()
	if err != nil {
		c.mu.Lock()
		if c.state == ChannelConnecting {
			c.state = ChannelDisconnected
		}
		c.mu.Unlock()
		return err
	}

	replayed, err := c.install(conn, false)
	if err != nil {
		return err
	}
	c.events.Emit(Event{Name: EventConnected, Fields: map[string]any{"url": c.url, "reconnected": false, "replayed": replayed}})
	return nil
}

// withStop derives a context that is also cancelled when the channel closes.
func (c *Channel) withStop(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Channel) handshake(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if h, ok := c.auth.ResolveAuthHeader(); ok {
		header.Set(h.Name, h.Value)
	}

	conn, err := c.dial(ctx, c.url, header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(ErrorTypeCancellation, "connect cancelled", err)
		}
		return nil, &ClientError{Type: ErrorTypeTransport, Message: "websocket dial failed", Cause: err, Path: c.url, Timestamp: time.Now()}
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	fail := func(err error) (Conn, error) {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, newError(ErrorTypeCancellation, "connect cancelled", ctx.Err())
		}
		return nil, err
	}

	init, err := newFrame("", FrameConnectionInit, c.auth.InitPayload())
	if err != nil {
		return fail(err)
	}
	if err := c.write(conn, init); err != nil {
		return fail(&ClientError{Type: ErrorTypeTransport, Message: "connection_init failed", Cause: err, Timestamp: time.Now()})
	}

	if c.cfg.AckTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AckTimeout))
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fail(&ClientError{Type: ErrorTypeTransport, Message: "no connection_ack", Cause: err, Timestamp: time.Now()})
		}
		frame, err := decodeFrame(data)
		if err != nil {
			return fail(err)
		}
		switch frame.Type {
		case FrameConnectionAck:
			_ = conn.SetReadDeadline(time.Time{})
			return conn, nil
		case FrameKeepAlive:
			continue
		case FrameConnectionError:
			return fail(frameError(frame))
		default:
			return fail(&ClientError{Type: ErrorTypeSubscriptionProtocol, Message: "unexpected " + string(frame.Type) + " frame before connection_ack", Timestamp: time.Now()})
		}
	}
}

// install makes conn the live connection, replays every registration in
// order and starts the read loop.
func (c *Channel) install(conn Conn, reconnect bool) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return 0, newError(ErrorTypeClientClosed, "channel closed while connecting", nil)
	}
	want := ChannelConnecting
	if reconnect {
		want = ChannelReconnecting
	}
	if c.state != want {
		c.mu.Unlock()
		_ = conn.Close()
		return 0, newError(ErrorTypeCancellation, "channel disconnected while connecting", nil)
	}
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.state = ChannelOpen
	c.attempt = 0
	c.stopReconnect = nil

	c.pending = make(map[string]struct{}, len(c.order))
	replayed := 0
	for _, id := range c.order {
		if err := c.sendStartLocked(c.regs[id]); err != nil {
			c.logger.Warn("failed to send start frame", "id", id, "error", err.Error())
			break
		}
		c.pending[id] = struct{}{}
		replayed++
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	return replayed, nil
}

func (c *Channel) write(conn Conn, f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) sendStartLocked(reg *registration) error {
	f, err := newFrame(reg.id, FrameStart, reg.payload)
	if err != nil {
		return err
	}
	return c.write(c.conn, f)
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, gen, err)
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			c.drop("malformed", "", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(f Frame) {
	switch f.Type {
	case FrameKeepAlive, FrameConnectionAck:
		return
	case FrameConnectionError:
		c.logger.Warn("connection error from server", "error", frameError(f).Message)
		return
	case FrameData, FrameError, FrameComplete:
	default:
		c.drop("unknown_type", f.ID, nil)
		return
	}

	if f.ID == "" {
		if f.Type == FrameData {
			c.events.Emit(Event{Name: EventPush, Fields: map[string]any{"payload": f.Payload}})
		}
		return
	}

	c.mu.Lock()
	reg := c.regs[f.ID]
	delete(c.pending, f.ID)
	if reg != nil && f.Type == FrameComplete {
		c.removeLocked(f.ID)
	}
	c.mu.Unlock()

	if reg == nil {
		c.drop("unknown_id", f.ID, nil)
		return
	}

	switch f.Type {
	case FrameData:
		if reg.handlers.OnData != nil {
			reg.handlers.OnData(f.Payload)
		}
	case FrameError:
		if reg.handlers.OnError != nil {
			reg.handlers.OnError(frameError(f))
		}
	case FrameComplete:
		if reg.handlers.OnComplete != nil {
			reg.handlers.OnComplete()
		}
	}
}

func (c *Channel) drop(reason, id string, err error) {
	c.metrics.RecordDroppedFrame(reason)
	c.dropLog.Do(func() {
		kv := []any{"reason", reason, "id", id}
		if err != nil {
			kv = append(kv, "error", err.Error())
		}
		c.logger.Debug("dropped inbound frame", kv...)
	})
}

func (c *Channel) connectionLost(conn Conn, gen uint64, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if gen != c.connGen || c.closed || c.state != ChannelOpen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.cfg.MaxReconnectAttempts <= 0 {
		c.state = ChannelDisconnected
		c.mu.Unlock()
		c.events.Emit(Event{Name: EventDisconnected, Err: cause, Fields: map[string]any{"terminal": true, "manual": false}})
		return
	}
	c.state = ChannelReconnecting
	stop := make(chan struct{})
	c.stopReconnect = stop
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("subscription channel lost, reconnecting", "error", cause.Error())
	c.events.Emit(Event{Name: EventDisconnected, Err: cause, Fields: map[string]any{"terminal": false, "manual": false}})
	go c.reconnectLoop(stop)
}

func (c *Channel) reconnectLoop(stop chan struct{}) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
		case <-c.done:
		case <-ctx.Done():
			return
		}
		cancel()
	}()

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
		c.mu.Lock()
		c.attempt = attempt + 1
		c.mu.Unlock()

		delay := c.backoff.Delay(attempt)
		c.events.Emit(Event{Name: EventReconnecting, Fields: map[string]any{"attempt": attempt + 1, "delay": delay}})
		if err := sleepContext(ctx, delay); err != nil {
			return
		}

		conn, err := c.handshake(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lastErr = err
			c.metrics.RecordReconnect(false)
			c.logger.Debug("reconnect attempt failed", "attempt", attempt+1, "error", err.Error())
			continue
		}

		replayed, err := c.install(conn, true)
		if err != nil {
			return
		}
		c.metrics.RecordReconnect(true)
		c.events.Emit(Event{Name: EventConnected, Fields: map[string]any{"url": c.url, "reconnected": true, "replayed": replayed}})
		return
	}

	c.mu.Lock()
	if c.stopReconnect != stop || c.closed {
		c.mu.Unlock()
		return
	}
	c.state = ChannelDisconnected
	c.stopReconnect = nil
	c.mu.Unlock()

	c.logger.Warn("subscription channel gave up reconnecting", "attempts", c.cfg.MaxReconnectAttempts)
	c.events.Emit(Event{Name: EventDisconnected, Err: lastErr, Fields: map[string]any{"terminal": true, "manual": false}})
}

// Subscribe registers a GraphQL subscription. If the channel is open the
// start frame is sent immediately, otherwise it is sent once the channel
// opens.
func (c *Channel) Subscribe(query string, variables map[string]any, handlers SubscriptionHandlers) (*Subscription, error) {
	if query == "" {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "subscription query is required", Timestamp: time.Now()}
	}
	return c.register(startPayload{Query: query, Variables: variables}, handlers)
}

// SubscribeEvents registers interest in generic portal events by type.
func (c *Channel) SubscribeEvents(eventTypes []string, handlers SubscriptionHandlers) (*Subscription, error) {
	if len(eventTypes) == 0 {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "at least one event type is required", Timestamp: time.Now()}
	}
	return c.register(startPayload{EventTypes: eventTypes}, handlers)
}

func (c *Channel) register(payload startPayload, handlers SubscriptionHandlers) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(ErrorTypeClientClosed, "channel closed", nil)
	}

	reg := &registration{id: c.newID(), payload: payload, handlers: handlers}
	c.regs[reg.id] = reg
	c.order = append(c.order, reg.id)
	c.metrics.SetActiveSubscriptions(len(c.order))

	if c.state == ChannelOpen && c.conn != nil {
		if err := c.sendStartLocked(reg); err != nil {
			// the read loop will notice the broken connection and replay
			c.logger.Warn("failed to send start frame", "id", reg.id, "error", err.Error())
		}
	}
	return &Subscription{id: reg.id, ch: c}, nil
}

func (c *Channel) unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.regs[id]; !ok {
		return
	}
	c.removeLocked(id)

	if c.state == ChannelOpen && c.conn != nil {
		if err := c.write(c.conn, Frame{ID: id, Type: FrameStop}); err != nil {
			c.logger.Debug("failed to send stop frame", "id", id, "error", err.Error())
		}
	}
}

func (c *Channel) removeLocked(id string) {
	delete(c.regs, id)
	delete(c.pending, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	c.metrics.SetActiveSubscriptions(len(c.order))
}

// Disconnect closes the connection without reconnecting and aborts a Connect
// still in its handshake. Registrations are kept and replayed by the next
// Connect.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newError(ErrorTypeClientClosed, "channel closed", nil)
	}
	if c.state == ChannelDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = ChannelClosing
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	if c.stopReconnect != nil {
		close(c.stopReconnect)
		c.stopReconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.connGen++
	c.mu.Unlock()

	closeConn(conn)

	c.mu.Lock()
	c.state = ChannelDisconnected
	c.mu.Unlock()

	c.events.Emit(Event{Name: EventDisconnected, Fields: map[string]any{"terminal": true, "manual": true}})
	return nil
}

// Close disposes the channel: it drops every registration, closes the
// connection without reconnecting and waits for its goroutines. Later calls
// fail with ClientClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	if c.stopReconnect != nil {
		close(c.stopReconnect)
		c.stopReconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.connGen++
	c.state = ChannelDisconnected
	c.regs = make(map[string]*registration)
	c.order = nil
	c.pending = make(map[string]struct{})
	c.mu.Unlock()

	closeConn(conn)
	c.wg.Wait()
	c.metrics.SetActiveSubscriptions(0)
}

func closeConn(conn Conn) {
	if conn == nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

// State returns the connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscriptionCount returns the number of live registrations.
func (c *Channel) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// PendingCount returns replayed registrations that have not yet received a
// frame since the last (re)connect.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ReconnectAttempt returns the current reconnect attempt, 0 when connected.
func (c *Channel) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}
