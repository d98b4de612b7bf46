package gapshap

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Push destinations used by the chat service.
const (
	DestinationMessages      = "/user/queue/messages"
	DestinationReceipts      = "/user/queue/receipts"
	DestinationConversations = "/topic/conversations"

	DestinationSendMessage = "/app/chat.sendMessage"
	DestinationMarkRead    = "/app/chat.markRead"
)

const (
	DefaultPushPath       = "/ws/websocket"
	DefaultReconnectDelay = 5 * time.Second
	DefaultHeartbeat      = 4 * time.Second
)

var errAlreadyActive = errors.New("connection already active")

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	// URL of the STOMP WebSocket endpoint, e.g. wss://host/ws/websocket.
	URL           string
	SessionCookie string
	BearerToken   string

	// ReconnectDelay is the fixed wait between a lost connection (or a failed
	// attempt) and the next attempt. Attempts never stop.
	ReconnectDelay    time.Duration
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration

	HTTPClient *http.Client
	// Dialer replaces the STOMP transport, mainly for tests.
	Dialer PushDialer
	Logger *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatOutgoing == 0 {
		c.HeartbeatOutgoing = DefaultHeartbeat
	}
	if c.HeartbeatIncoming == 0 {
		c.HeartbeatIncoming = DefaultHeartbeat
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Transport
// ============================================================================

// PushConn is one established push connection. Subscription handlers are
// invoked sequentially per destination. Done is closed once the connection is
// unusable, after which Err reports the cause.
type PushConn interface {
	Subscribe(destination string, handler func(body []byte)) error
	Publish(ctx context.Context, destination string, body []byte) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// PushDialer opens push connections. Each call returns a fresh connection.
type PushDialer interface {
	Dial(ctx context.Context) (PushConn, error)
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	onMessage      []func(Message)
	onReceipt      []func(ReadReceipt)
	onConvChanged  []func()
	onConnected    []func()
	onDisconnected []func(error)
	onReconnecting []func(int, time.Duration)
}

// Handlers run on the delivering goroutine, in delivery order.

func (d *eventDispatcher) emitMessage(m Message) {
	d.mu.RLock()
	handlers := append([]func(Message){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(m)
	}
}

func (d *eventDispatcher) emitReceipt(r ReadReceipt) {
	d.mu.RLock()
	handlers := append([]func(ReadReceipt){}, d.onReceipt...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(r)
	}
}

func (d *eventDispatcher) emitConversationsChanged() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConvChanged...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient keeps one push connection alive, reconnecting after a fixed
// delay whenever it is lost, and re-subscribes to the three chat
// destinations on every new connection.
type RealtimeClient struct {
	config     *RealtimeConfig
	dialer     PushDialer
	logger     *slog.Logger
	dispatcher *eventDispatcher

	mu       sync.Mutex
	state    RealtimeState
	conn     PushConn
	ready    chan struct{}
	cancelFn context.CancelFunc
	done     chan struct{}
}

// NewRealtimeClient creates a client from config. A nil Dialer selects the
// STOMP over WebSocket transport.
func NewRealtimeClient(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	rt := &RealtimeClient{
		config:     &cfg,
		dialer:     cfg.Dialer,
		logger:     cfg.Logger.With("component", "realtime"),
		dispatcher: &eventDispatcher{},
		state:      StateDisconnected,
		ready:      make(chan struct{}),
	}
	if rt.dialer == nil {
		rt.dialer = newStompDialer(&cfg)
	}
	return rt
}

// OnMessage registers a handler for new messages.
func (rt *RealtimeClient) OnMessage(h func(Message)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessage = append(rt.dispatcher.onMessage, h)
	rt.dispatcher.mu.Unlock()
}

// OnReadReceipt registers a handler for read receipts.
func (rt *RealtimeClient) OnReadReceipt(h func(ReadReceipt)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReceipt = append(rt.dispatcher.onReceipt, h)
	rt.dispatcher.mu.Unlock()
}

// OnConversationsChanged registers a handler for conversation-change notifications.
func (rt *RealtimeClient) OnConversationsChanged(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConvChanged = append(rt.dispatcher.onConvChanged, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler called after every successful connection.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler called when a connection ends. The
// error is nil for a requested shutdown.
func (rt *RealtimeClient) OnDisconnected(h func(err error)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called before each retry wait.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *RealtimeClient) IsConnected() bool {
	return rt.State() == StateConnected
}

// WaitConnected blocks until the client is connected or ctx is done.
func (rt *RealtimeClient) WaitConnected(ctx context.Context) error {
	rt.mu.Lock()
	ready := rt.ready
	rt.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins connecting in the background and keeps the connection alive
// until Close or until ctx is cancelled. Connection failures are never
// returned; they are retried. Calling Start on a running client is a no-op.
func (rt *RealtimeClient) Start(ctx context.Context) {
	rt.mu.Lock()
	if rt.cancelFn != nil {
		rt.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	rt.cancelFn = cancel
	rt.done = make(chan struct{})
	done := rt.done
	rt.mu.Unlock()

	go rt.run(runCtx, done)
}

// Close stops the connection and the reconnect loop.
func (rt *RealtimeClient) Close() error {
	rt.mu.Lock()
	cancel, done := rt.cancelFn, rt.done
	rt.cancelFn, rt.done = nil, nil
	rt.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (rt *RealtimeClient) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var delay time.Duration
	attempt := 0
	for {
		conn, err := rt.establish(ctx, delay, attempt)
		if ctx.Err() != nil {
			if conn != nil {
				rt.detach(conn)
				rt.dispatcher.emitDisconnected(nil)
			}
			rt.setState(StateDisconnected)
			return
		}
		if errors.Is(err, errAlreadyActive) {
			return
		}
		if err != nil {
			attempt++
			delay = rt.config.ReconnectDelay
			rt.logger.Warn("push connect failed", "error", err, "attempt", attempt, "retry_in", delay)
			continue
		}

		select {
		case <-conn.Done():
			cause := conn.Err()
			rt.detach(conn)
			rt.logger.Warn("push connection lost", "error", cause)
			rt.dispatcher.emitDisconnected(&TransportError{Op: "read", Err: cause})
			attempt, delay = 1, rt.config.ReconnectDelay
		case <-ctx.Done():
			rt.detach(conn)
			rt.logger.Info("push connection closed")
			rt.dispatcher.emitDisconnected(nil)
			rt.setState(StateDisconnected)
			return
		}
	}
}

// establish waits delay (if any), then dials and subscribes. It serves both
// the first connection and every reconnect.
func (rt *RealtimeClient) establish(ctx context.Context, delay time.Duration, attempt int) (PushConn, error) {
	if delay > 0 {
		rt.setState(StateReconnecting)
		rt.dispatcher.emitReconnecting(attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	rt.mu.Lock()
	if rt.state == StateConnecting || rt.state == StateConnected {
		rt.mu.Unlock()
		return nil, errAlreadyActive
	}
	rt.state = StateConnecting
	rt.mu.Unlock()

	conn, err := rt.dialer.Dial(ctx)
	if err != nil {
		rt.setState(StateDisconnected)
		return nil, err
	}

	subs := []struct {
		destination string
		handle      func([]byte)
	}{
		{DestinationMessages, rt.handleMessage},
		{DestinationReceipts, rt.handleReceipt},
		{DestinationConversations, rt.handleConversations},
	}
	for _, s := range subs {
		if err := conn.Subscribe(s.destination, s.handle); err != nil {
			conn.Close()
			rt.setState(StateDisconnected)
			return nil, err
		}
	}

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	close(rt.ready)
	rt.mu.Unlock()

	rt.logger.Info("push channel connected", "url", rt.config.URL)
	rt.dispatcher.emitConnected()
	return conn, nil
}

// detach drops conn as the current connection and closes it.
func (rt *RealtimeClient) detach(conn PushConn) {
	rt.mu.Lock()
	if rt.conn == conn {
		rt.conn = nil
	}
	if rt.state == StateConnected {
		rt.ready = make(chan struct{})
	}
	rt.state = StateDisconnected
	rt.mu.Unlock()

	conn.Close()
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	if rt.state == StateConnected && s != StateConnected {
		rt.ready = make(chan struct{})
	}
	rt.state = s
	rt.mu.Unlock()
}

// ============================================================================
// Publishing
// ============================================================================

// Publish sends v as JSON to destination. It fails with ErrNotConnected
// unless a connection is established.
func (rt *RealtimeClient) Publish(ctx context.Context, destination string, v interface{}) error {
	rt.mu.Lock()
	conn := rt.conn
	connected := rt.state == StateConnected
	rt.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.Publish(ctx, destination, body); err != nil {
		return &TransportError{Op: "publish " + destination, Err: err}
	}
	return nil
}

// SendMessage publishes a chat message. clientID is echoed back by servers
// that support it and may be empty.
func (rt *RealtimeClient) SendMessage(ctx context.Context, conversationID int64, content, clientID string) error {
	return rt.Publish(ctx, DestinationSendMessage, &sendMessageFrame{
		ConversationID: conversationID,
		Content:        content,
		ClientID:       clientID,
	})
}

// MarkRead publishes a read acknowledgement for a conversation.
func (rt *RealtimeClient) MarkRead(ctx context.Context, conversationID int64) error {
	return rt.Publish(ctx, DestinationMarkRead, &markReadFrame{ConversationID: conversationID})
}

// ============================================================================
// Inbound frames
// ============================================================================

func (rt *RealtimeClient) handleMessage(body []byte) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		rt.dropFrame(DestinationMessages, err)
		return
	}
	if msg.ConversationID == 0 {
		rt.dropFrame(DestinationMessages, errors.New("missing conversationId"))
		return
	}
	msg.normalize()
	rt.dispatcher.emitMessage(msg)
}

func (rt *RealtimeClient) handleReceipt(body []byte) {
	var r ReadReceipt
	if err := json.Unmarshal(body, &r); err != nil {
		rt.dropFrame(DestinationReceipts, err)
		return
	}
	if r.ConversationID == 0 {
		rt.dropFrame(DestinationReceipts, errors.New("missing conversationId"))
		return
	}
	rt.dispatcher.emitReceipt(r)
}

// The notification body carries nothing the client needs.
func (rt *RealtimeClient) handleConversations([]byte) {
	rt.dispatcher.emitConversationsChanged()
}

func (rt *RealtimeClient) dropFrame(destination string, err error) {
	rt.logger.Warn("dropping push frame", "error", &PayloadError{Destination: destination, Err: err})
}
