package gapshap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-stomp/stomp/v3"
	"nhooyr.io/websocket"
)

const stompReadLimit = 1 << 20

var errSubscriptionClosed = errors.New("subscription closed by server")

// stompDialer speaks STOMP 1.2 over a plain WebSocket, the raw transport
// behind the server's SockJS endpoint.
type stompDialer struct {
	config *RealtimeConfig
}

func newStompDialer(config *RealtimeConfig) *stompDialer {
	return &stompDialer{config: config}
}

func (d *stompDialer) Dial(ctx context.Context) (PushConn, error) {
	u, err := url.Parse(d.config.URL)
	if err != nil {
		return nil, fmt.Errorf("push url: %w", err)
	}

	header := http.Header{}
	if d.config.SessionCookie != "" {
		header.Set("Cookie", d.config.SessionCookie)
	}
	if d.config.BearerToken != "" {
		header.Set("Authorization", "Bearer "+d.config.BearerToken)
	}

	ws, _, err := websocket.Dial(ctx, d.config.URL, &websocket.DialOptions{
		HTTPClient: d.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	ws.SetReadLimit(stompReadLimit)

	// The net.Conn outlives the dial context.
	netConn := websocket.NetConn(context.Background(), ws, websocket.MessageText)

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(u.Hostname()),
		stomp.ConnOpt.HeartBeat(d.config.HeartbeatOutgoing, d.config.HeartbeatIncoming),
	}
	if d.config.BearerToken != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+d.config.BearerToken))
	}

	sc, err := stomp.Connect(netConn, opts...)
	if err != nil {
		ws.Close(websocket.StatusProtocolError, "stomp handshake failed")
		return nil, &TransportError{Op: "stomp connect", Err: err}
	}

	return &stompConn{
		conn: sc,
		ws:   ws,
		done: make(chan struct{}),
	}, nil
}

// stompConn adapts a STOMP session to PushConn.
type stompConn struct {
	conn *stomp.Conn
	ws   *websocket.Conn

	mu     sync.Mutex
	subs   []*stomp.Subscription
	err    error
	closed bool

	done     chan struct{}
	doneOnce sync.Once
}

func (c *stompConn) Subscribe(destination string, handler func(body []byte)) error {
	sub, err := c.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return &TransportError{Op: "subscribe " + destination, Err: err}
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	go c.pump(sub, handler)
	return nil
}

func (c *stompConn) pump(sub *stomp.Subscription, handler func([]byte)) {
	for msg := range sub.C {
		if msg.Err != nil {
			c.fail(msg.Err)
			return
		}
		handler(msg.Body)
	}
	c.fail(errSubscriptionClosed)
}

func (c *stompConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *stompConn) Publish(ctx context.Context, destination string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Send(destination, "application/json", body)
}

func (c *stompConn) Done() <-chan struct{} {
	return c.done
}

func (c *stompConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *stompConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	select {
	case <-c.done:
		// The session is already gone, so skip the polite goodbye.
	default:
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		_ = c.conn.Disconnect()
	}
	c.fail(errors.New("closed"))
	// Disconnect usually closes the socket already.
	_ = c.ws.Close(websocket.StatusNormalClosure, "client disconnect")
	return nil
}
