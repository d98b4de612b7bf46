package gapshap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Push transport
// ============================================================================

type published struct {
	Destination string
	Body        []byte
}

type fakeConn struct {
	mu         sync.Mutex
	handlers   map[string]func([]byte)
	subscribed []string
	published  []published
	publishErr error
	err        error
	closed     bool

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers: make(map[string]func([]byte)),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) Subscribe(destination string, handler func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[destination] = handler
	c.subscribed = append(c.subscribed, destination)
	return nil
}

func (c *fakeConn) Publish(_ context.Context, destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{Destination: destination, Body: append([]byte(nil), body...)})
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

// drop simulates a transport failure.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

// deliver hands body to the subscription handler of destination, on the
// calling goroutine.
func (c *fakeConn) deliver(t *testing.T, destination string, v interface{}) {
	t.Helper()
	var body []byte
	switch b := v.(type) {
	case []byte:
		body = b
	case string:
		body = []byte(b)
	default:
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	c.mu.Lock()
	h := c.handlers[destination]
	c.mu.Unlock()
	require.NotNil(t, h, "no subscription for %s", destination)
	h(body)
}

func (c *fakeConn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

func (c *fakeConn) publishes() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func (c *fakeConn) publishesTo(destination string) []published {
	var out []published
	for _, p := range c.publishes() {
		if p.Destination == destination {
			out = append(out, p)
		}
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (PushConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestRealtime(t *testing.T, dialer *fakeDialer) *RealtimeClient {
	t.Helper()
	rt := NewRealtimeClient(&RealtimeConfig{
		URL:            "ws://chat.test/ws/websocket",
		ReconnectDelay: 10 * time.Millisecond,
		Dialer:         dialer,
		Logger:         quietLogger(),
	})
	t.Cleanup(func() { rt.Close() })
	return rt
}

// ============================================================================
// History loader
// ============================================================================

// fakeLoader serves conversations and paged history from memory. Calls can
// be held back with hold and let go with release.
type fakeLoader struct {
	mu            sync.Mutex
	conversations []Conversation
	history       map[int64][]Message
	gates         map[string]chan struct{}
	calls         map[string]int
	markReads     []int64
	listErr       error
	pageErr       error
	created       *Conversation
	nextID        int64
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		history: make(map[int64][]Message),
		gates:   make(map[string]chan struct{}),
		calls:   make(map[string]int),
		nextID:  1000,
	}
}

func pageKey(conversationID int64, page int) string {
	return fmt.Sprintf("page:%d:%d", conversationID, page)
}

func getKey(conversationID int64) string {
	return fmt.Sprintf("get:%d", conversationID)
}

func (l *fakeLoader) hold(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gates[key] = make(chan struct{})
}

func (l *fakeLoader) release(key string) {
	l.mu.Lock()
	ch := l.gates[key]
	delete(l.gates, key)
	l.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (l *fakeLoader) enter(ctx context.Context, key string) error {
	l.mu.Lock()
	l.calls[key]++
	gate := l.gates[key]
	l.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *fakeLoader) callCount(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[key]
}

func (l *fakeLoader) setConversations(convs ...Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conversations = convs
}

func (l *fakeLoader) setPageErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pageErr = err
}

// addHistory appends n messages to a conversation, sent one second apart
// after base, alternating between sender 1 and 2.
func (l *fakeLoader) addHistory(conversationID int64, firstID int64, n int, base time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Second).UnixMilli()
		m := Message{
			ID:             firstID + int64(i),
			ConversationID: conversationID,
			SenderID:       int64(1 + i%2),
			SenderName:     fmt.Sprintf("user-%d", 1+i%2),
			Content:        fmt.Sprintf("message %d", i),
			SentAt:         at,
		}
		m.normalize()
		l.history[conversationID] = append(l.history[conversationID], m)
	}
}

func (l *fakeLoader) ListConversations(ctx context.Context) ([]Conversation, error) {
	if err := l.enter(ctx, "list"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listErr != nil {
		return nil, l.listErr
	}
	out := make([]Conversation, len(l.conversations))
	for i, c := range l.conversations {
		out[i] = c.clone()
	}
	return out, nil
}

func (l *fakeLoader) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	if err := l.enter(ctx, getKey(id)); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conversations {
		if c.ID == id {
			cp := c.clone()
			return &cp, nil
		}
	}
	return nil, &RequestError{Op: "get conversation", StatusCode: 404}
}

// ListMessages pages newest first and orders each page oldest first, like
// the real service.
func (l *fakeLoader) ListMessages(ctx context.Context, conversationID int64, page, size int) ([]Message, error) {
	if err := l.enter(ctx, pageKey(conversationID, page)); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pageErr != nil {
		return nil, l.pageErr
	}
	all := l.history[conversationID]
	end := len(all) - page*size
	if end <= 0 {
		return []Message{}, nil
	}
	start := end - size
	if start < 0 {
		start = 0
	}
	return append([]Message(nil), all[start:end]...), nil
}

func (l *fakeLoader) CreateDirect(ctx context.Context, userID int64) (*Conversation, error) {
	if err := l.enter(ctx, "create"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.created != nil {
		cp := l.created.clone()
		return &cp, nil
	}
	l.nextID++
	return &Conversation{ID: l.nextID, Name: fmt.Sprintf("user-%d", userID)}, nil
}

func (l *fakeLoader) CreateGroup(ctx context.Context, name string, participantIDs []int64) (*Conversation, error) {
	if err := l.enter(ctx, "create"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	c := &Conversation{ID: l.nextID, Name: name, IsGroup: true}
	for _, id := range participantIDs {
		c.Participants = append(c.Participants, Participant{ID: id})
	}
	return c, nil
}

func (l *fakeLoader) MarkRead(ctx context.Context, conversationID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markReads = append(l.markReads, conversationID)
	return nil
}

func (l *fakeLoader) markReadCount(conversationID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, id := range l.markReads {
		if id == conversationID {
			n++
		}
	}
	return n
}

// ============================================================================
// Engine harness
// ============================================================================

var testSelf = User{UserID: 1, Name: "Asha"}

type engineHarness struct {
	engine  *Engine
	loader  *fakeLoader
	dialer  *fakeDialer
	rt      *RealtimeClient
	session *MemorySessionStore
}

func newEngineHarness(t *testing.T, loader *fakeLoader, session *MemorySessionStore) *engineHarness {
	t.Helper()
	if session == nil {
		session = NewMemorySessionStore()
	}
	dialer := &fakeDialer{}
	rt := newTestRealtime(t, dialer)
	eng := NewEngine(loader, rt, session, &EngineConfig{
		Self:     testSelf,
		PageSize: 20,
		Logger:   quietLogger(),
	})
	t.Cleanup(func() { eng.Close() })
	return &engineHarness{engine: eng, loader: loader, dialer: dialer, rt: rt, session: session}
}

// start connects the fake push channel and loads conversations.
func (h *engineHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Start(ctx))
	require.NoError(t, h.rt.WaitConnected(ctx))
}

// settle waits until no foreground load is in flight.
func (h *engineHarness) settle(t *testing.T) Snapshot {
	t.Helper()
	var s Snapshot
	require.Eventually(t, func() bool {
		s = h.engine.Snapshot()
		return !s.Loading && !s.LoadingOlder
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func (h *engineHarness) conn() *fakeConn {
	return h.dialer.last()
}

func conversation(id int64, name string, lastSentAt int64) Conversation {
	c := Conversation{ID: id, Name: name}
	if lastSentAt > 0 {
		c.LastMessage = &Message{ID: id*100 + 1, ConversationID: id, Content: "last", SentAt: lastSentAt, Status: MessageConfirmed}
	}
	return c
}

func findConversation(convs []Conversation, id int64) (Conversation, bool) {
	for _, c := range convs {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}
