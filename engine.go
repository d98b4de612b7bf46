package gapshap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PushChannel is the realtime side the engine depends on. *RealtimeClient
// implements it.
type PushChannel interface {
	Start(ctx context.Context)
	Close() error
	IsConnected() bool
	SendMessage(ctx context.Context, conversationID int64, content, clientID string) error
	MarkRead(ctx context.Context, conversationID int64) error
	OnMessage(h func(Message))
	OnReadReceipt(h func(ReadReceipt))
	OnConversationsChanged(h func())
	OnConnected(h func())
	OnDisconnected(h func(err error))
}

var _ PushChannel = (*RealtimeClient)(nil)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Self is the signed-in user. Optimistic messages are attributed to it
	// and read receipts flip its messages to read.
	Self     User
	PageSize int
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c *EngineConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Cursor tracks history paging for the active conversation.
type Cursor struct {
	Page    int  `json:"page"`
	HasMore bool `json:"hasMore"`
}

// Snapshot is a consistent copy of the engine state.
type Snapshot struct {
	Conversations []Conversation `json:"conversations"`
	Active        *Conversation  `json:"active,omitempty"`
	Messages      []Message      `json:"messages"`
	Cursor        Cursor         `json:"cursor"`
	Loading       bool           `json:"loading"`
	LoadingOlder  bool           `json:"loadingOlder"`
	Connected     bool           `json:"connected"`
	Err           string         `json:"error,omitempty"`
}

// op is a unit of work for the loop. Quiet ops only read state and do not
// wake listeners.
type op struct {
	fn    func()
	quiet bool
}

// fetchTag identifies the selection a page request was issued for.
type fetchTag struct {
	gen            uint64
	conversationID int64
	page           int
}

// Engine keeps the conversation list and the active conversation's messages
// in sync with the service. All state is owned by one goroutine; public
// methods hand work to it and network calls run beside it, posting their
// results back.
type Engine struct {
	loader  HistoryLoader
	push    PushChannel
	session SessionStore
	self    User
	size    int
	logger  *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	ops       chan op
	changed   chan struct{}
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	listenersMu  sync.Mutex
	listeners    map[int]func()
	nextListener int

	// loop-owned
	store        *ConversationStore
	msgs         *messageList
	activeID     int64
	hasActive    bool
	cursor       Cursor
	gen          uint64
	selecting    bool
	loading      int
	loadingOlder bool
	baseLoaded   bool
	lastErr      string
	fetching     map[int64]struct{}
	lastTempID   int64
	wasConnected bool
}

// NewEngine wires an engine to its loader and push channel. A nil session
// store means the selection is only remembered in memory.
func NewEngine(loader HistoryLoader, push PushChannel, session SessionStore, config *EngineConfig) *Engine {
	cfg := EngineConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if session == nil {
		session = NewMemorySessionStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		loader:    loader,
		push:      push,
		session:   session,
		self:      cfg.Self,
		size:      cfg.PageSize,
		logger:    cfg.Logger.With("component", "engine"),
		now:       cfg.Now,
		ctx:       ctx,
		cancel:    cancel,
		ops:       make(chan op, 256),
		changed:   make(chan struct{}, 1),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		listeners: make(map[int]func()),
		store:     NewConversationStore(),
		msgs:      newMessageList(),
		cursor:    Cursor{HasMore: true},
		fetching:  make(map[int64]struct{}),
	}

	push.OnMessage(func(m Message) { e.post(func() { e.handleIncoming(m) }) })
	push.OnReadReceipt(func(r ReadReceipt) { e.post(func() { e.handleReceipt(r) }) })
	push.OnConversationsChanged(func() { e.post(func() { e.refreshConversations(nil) }) })
	push.OnConnected(func() { e.post(e.handleConnected) })
	// wake listeners so they see the new connection state
	push.OnDisconnected(func(error) { e.post(func() {}) })

	go e.loop()
	go e.notifyLoop()
	return e
}

// Start connects the push channel and loads the conversation list. The push
// channel keeps reconnecting until Close even if the load fails.
func (e *Engine) Start(ctx context.Context) error {
	e.startOnce.Do(func() { e.push.Start(e.ctx) })
	return e.LoadConversations(ctx)
}

// Close stops the engine and its push channel. Pending operations fail
// with ErrEngineClosed.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		close(e.quit)
		err = e.push.Close()
		<-e.loopDone
	})
	return err
}

// Subscribe registers fn to be called after state changes. Calls are
// coalesced and made from a dedicated goroutine, so fn may call back into
// the engine. The returned func unregisters fn.
func (e *Engine) Subscribe(fn func()) func() {
	e.listenersMu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.listenersMu.Unlock()

	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

// ============================================================================
// Event loop
// ============================================================================

func (e *Engine) loop() {
	defer close(e.loopDone)
	for {
		select {
		case o := <-e.ops:
			o.fn()
			if o.quiet {
				continue
			}
			select {
			case e.changed <- struct{}{}:
			default:
			}
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) notifyLoop() {
	for {
		select {
		case <-e.changed:
			e.listenersMu.Lock()
			fns := make([]func(), 0, len(e.listeners))
			for _, fn := range e.listeners {
				fns = append(fns, fn)
			}
			e.listenersMu.Unlock()
			for _, fn := range fns {
				fn()
			}
		case <-e.quit:
			return
		}
	}
}

// post queues fn on the loop without waiting for it. It must not be called
// from the loop.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- op{fn: fn}:
	case <-e.quit:
	}
}

// do runs fn on the loop and waits for it to return.
func (e *Engine) do(ctx context.Context, fn func()) error {
	return e.run(ctx, op{fn: fn})
}

// view is do for reads.
func (e *Engine) view(ctx context.Context, fn func()) error {
	return e.run(ctx, op{fn: fn, quiet: true})
}

func (e *Engine) run(ctx context.Context, o op) error {
	done := make(chan struct{})
	fn := o.fn
	o.fn = func() { fn(); close(done) }
	select {
	case e.ops <- o:
	case <-e.quit:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.quit:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await runs start on the loop and waits until the operation it begins
// calls finish. finish must be called exactly once, on the loop.
func (e *Engine) await(ctx context.Context, start func(finish func(error))) error {
	result := make(chan error, 1)
	finish := func(err error) { result <- err }
	if err := e.do(ctx, func() { start(finish) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-e.quit:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func noFinish(error) {}

// fail records a user-visible error.
func (e *Engine) fail(text string, err error) {
	e.lastErr = text
	e.logger.Error(text, "error", err)
}

// ============================================================================
// Conversation list
// ============================================================================

// LoadConversations replaces the conversation list with the server's.
func (e *Engine) LoadConversations(ctx context.Context) error {
	return e.await(ctx, func(finish func(error)) {
		e.refreshConversations(finish)
	})
}

func (e *Engine) refreshConversations(finish func(error)) {
	if finish == nil {
		finish = noFinish
	}
	e.loading++
	go func() {
		convs, err := e.loader.ListConversations(e.ctx)
		e.post(func() {
			e.loading--
			if err != nil {
				e.fail(errTextLoadConversations, err)
				finish(err)
				return
			}
			e.store.Replace(convs)
			if e.hasActive {
				e.store.SetUnread(e.activeID, 0)
			}
			e.logger.Debug("conversations loaded", "count", len(convs))
			e.reconcileSelection()
			finish(nil)
		})
	}()
}

// materialize fetches a conversation the store does not know yet. At most
// one fetch per conversation is in flight.
func (e *Engine) materialize(id int64) {
	if _, busy := e.fetching[id]; busy {
		return
	}
	e.fetching[id] = struct{}{}
	go func() {
		conv, err := e.loader.GetConversation(e.ctx, id)
		e.post(func() {
			delete(e.fetching, id)
			if err != nil {
				e.logger.Warn("fetching conversation failed", "conversation_id", id, "error", err)
				return
			}
			if e.store.AppendIfAbsent(*conv) {
				e.logger.Debug("conversation added", "conversation_id", id)
			}
			e.reconcileSelection()
		})
	}()
}

// ============================================================================
// Selection and history
// ============================================================================

// Select makes the conversation active and loads its newest page. If
// another selection happens before the page arrives, the page is dropped
// and Select returns nil.
func (e *Engine) Select(ctx context.Context, conversationID int64) error {
	return e.await(ctx, func(finish func(error)) {
		e.beginSelect(conversationID, finish)
	})
}

func (e *Engine) beginSelect(id int64, finish func(error)) {
	if _, ok := e.store.Get(id); !ok {
		e.lastErr = errTextNotFound
		e.logger.Warn("select: unknown conversation", "conversation_id", id)
		finish(fmt.Errorf("select %d: %w", id, ErrConversationNotFound))
		return
	}

	e.activate(id)
	e.selecting = true
	e.fetchFirstPage(finish)
}

// activate switches the active conversation and resets everything tied to
// the previous one. Messages that arrived for id while nothing was active
// are kept.
func (e *Engine) activate(id int64) {
	if e.hasActive {
		e.msgs.reset()
	} else {
		e.msgs.retain(func(m Message) bool { return m.ConversationID == id && !m.Pending() })
	}
	e.activeID, e.hasActive = id, true
	e.gen++
	e.cursor = Cursor{Page: 0, HasMore: true}
	e.baseLoaded = false
	e.loadingOlder = false
	e.selecting = false

	if err := e.session.SetActiveConversation(id); err != nil {
		e.logger.Warn("saving selection failed", "conversation_id", id, "error", err)
	}
}

// fetchFirstPage loads page 0 of the active conversation. Fetches run under
// the engine's context; a caller's context only bounds its wait.
func (e *Engine) fetchFirstPage(finish func(error)) {
	tag := fetchTag{gen: e.gen, conversationID: e.activeID, page: 0}
	e.loading++
	go func() {
		page, err := e.loader.ListMessages(e.ctx, tag.conversationID, 0, e.size)
		e.post(func() {
			e.loading--
			e.finishFirstPage(tag, page, err, finish)
		})
	}()
}

func (e *Engine) finishFirstPage(tag fetchTag, page []Message, err error, finish func(error)) {
	if !e.current(tag) {
		e.logger.Debug("discarding superseded page", "conversation_id", tag.conversationID, "page", tag.page)
		finish(nil)
		return
	}
	e.selecting = false
	if err != nil {
		e.fail(errTextLoadMessages, err)
		finish(err)
		return
	}

	e.msgs.rebase(page)
	e.baseLoaded = true
	e.cursor.HasMore = len(page) == e.size
	e.markRead(tag.conversationID)
	finish(nil)
}

func (e *Engine) current(tag fetchTag) bool {
	return e.hasActive && tag.gen == e.gen && tag.conversationID == e.activeID
}

// LoadOlder fetches the next older page of the active conversation. It
// reports whether anything was added; it is a no-op while another page
// load is in flight, when nothing is active, or when history is exhausted.
// If the newest page failed to load, it retries that page instead.
func (e *Engine) LoadOlder(ctx context.Context) (bool, error) {
	var added bool
	err := e.await(ctx, func(finish func(error)) {
		if !e.hasActive || e.selecting || e.loadingOlder {
			finish(nil)
			return
		}
		if !e.baseLoaded {
			before := e.msgs.len()
			e.selecting = true
			e.fetchFirstPage(func(err error) {
				added = err == nil && e.msgs.len() > before
				finish(err)
			})
			return
		}
		if !e.cursor.HasMore {
			finish(nil)
			return
		}
		e.loadingOlder = true
		tag := fetchTag{gen: e.gen, conversationID: e.activeID, page: e.cursor.Page + 1}
		go func() {
			page, err := e.loader.ListMessages(e.ctx, tag.conversationID, tag.page, e.size)
			e.post(func() {
				if !e.current(tag) {
					e.logger.Debug("discarding superseded page", "conversation_id", tag.conversationID, "page", tag.page)
					finish(nil)
					return
				}
				e.loadingOlder = false
				if err != nil {
					e.fail(errTextLoadOlder, err)
					finish(err)
					return
				}
				// Only a full page moves the cursor; a short one ends the history.
				if len(page) == e.size {
					e.cursor.Page = tag.page
				} else {
					e.cursor.HasMore = false
				}
				added = e.msgs.prepend(page) > 0
				finish(nil)
			})
		}()
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// ============================================================================
// Sending and read state
// ============================================================================

// Send publishes content to the active conversation and appends an
// optimistic copy. It fails with ErrNotConnected when there is no active
// conversation or no live connection.
func (e *Engine) Send(ctx context.Context, content string) (Message, error) {
	var (
		msg     Message
		sendErr error
	)
	err := e.do(ctx, func() {
		if !e.hasActive || !e.push.IsConnected() {
			e.lastErr = errTextNotConnected
			sendErr = ErrNotConnected
			return
		}
		clientID := uuid.NewString()
		if err := e.push.SendMessage(ctx, e.activeID, content, clientID); err != nil {
			e.fail(errTextNotConnected, err)
			sendErr = err
			return
		}
		msg = e.optimistic(content, clientID)
		e.msgs.merge(msg)
	})
	if err != nil {
		return Message{}, err
	}
	return msg, sendErr
}

// optimistic builds the local stand-in for a just-sent message. Its ID is
// negative and strictly decreasing.
func (e *Engine) optimistic(content, clientID string) Message {
	now := e.now()
	id := -now.UnixMilli()
	if e.lastTempID != 0 && id >= e.lastTempID {
		id = e.lastTempID - 1
	}
	e.lastTempID = id

	name := e.self.Name
	if name == "" {
		name = "You"
	}
	return Message{
		ID:             id,
		ConversationID: e.activeID,
		SenderID:       e.self.UserID,
		SenderName:     name,
		SenderPicture:  e.self.Picture,
		Content:        content,
		SentAt:         now.UnixMilli(),
		Timestamp:      now.UTC().Format(time.RFC3339Nano),
		Read:           false,
		ClientID:       clientID,
		Status:         MessagePending,
	}
}

// MarkRead clears the unread count of a conversation and tells the server.
func (e *Engine) MarkRead(ctx context.Context, conversationID int64) error {
	return e.do(ctx, func() { e.markRead(conversationID) })
}

func (e *Engine) markRead(id int64) {
	e.store.SetUnread(id, 0)

	if e.push.IsConnected() {
		if err := e.push.MarkRead(e.ctx, id); err != nil {
			e.logger.Warn("publishing read acknowledgement failed", "conversation_id", id, "error", err)
		}
	} else {
		e.logger.Warn("cannot publish read acknowledgement: not connected", "conversation_id", id)
	}

	go func() {
		if err := e.loader.MarkRead(e.ctx, id); err != nil {
			e.logger.Warn("marking conversation read failed", "conversation_id", id, "error", err)
		}
	}()
}

// ============================================================================
// Push events
// ============================================================================

func (e *Engine) handleIncoming(msg Message) {
	target := msg.ConversationID
	active := e.isActive(target)
	_, known := e.store.Get(target)

	if active {
		if !e.hasActive && known {
			e.logger.Debug("restoring active conversation for message", "conversation_id", target)
			e.activate(target)
			e.selecting = true
			e.fetchFirstPage(noFinish)
		}
		switch e.msgs.merge(msg) {
		case mergeConfirmed:
			e.logger.Debug("pending message confirmed", "message_id", msg.ID, "client_id", msg.ClientID)
		case mergeDuplicate:
			e.logger.Debug("duplicate message ignored", "message_id", msg.ID)
		}
		e.markRead(target)
	}

	if known {
		e.store.RecordMessage(msg, active)
		return
	}
	e.materialize(target)
}

// isActive reports whether messages for id belong in the visible list. The
// saved selection only counts while nothing is active in memory.
func (e *Engine) isActive(id int64) bool {
	if e.hasActive {
		return e.activeID == id
	}
	saved, ok := e.session.ActiveConversation()
	return ok && saved == id
}

func (e *Engine) handleReceipt(r ReadReceipt) {
	if !e.hasActive || e.activeID != r.ConversationID {
		return
	}
	if n := e.msgs.markSentRead(e.self.UserID); n > 0 {
		e.logger.Debug("messages marked read", "conversation_id", r.ConversationID, "count", n)
	}
}

// handleConnected refreshes the list after a reconnect to pick up what was
// pushed while the connection was down.
func (e *Engine) handleConnected() {
	if e.wasConnected {
		e.refreshConversations(nil)
	}
	e.wasConnected = true
}

// ============================================================================
// Conversation creation
// ============================================================================

// CreateDirect opens (or reopens) a two-party conversation with userID and
// makes it active. When the server returns an existing conversation, its
// newest page of history is loaded.
func (e *Engine) CreateDirect(ctx context.Context, userID int64) (Conversation, error) {
	return e.create(ctx, errTextCreateDirect, func(ctx context.Context) (*Conversation, error) {
		return e.loader.CreateDirect(ctx, userID)
	})
}

// CreateGroup creates a group conversation and makes it active.
func (e *Engine) CreateGroup(ctx context.Context, name string, participantIDs []int64) (Conversation, error) {
	return e.create(ctx, errTextCreateGroup, func(ctx context.Context) (*Conversation, error) {
		return e.loader.CreateGroup(ctx, name, participantIDs)
	})
}

func (e *Engine) create(ctx context.Context, failText string, call func(context.Context) (*Conversation, error)) (Conversation, error) {
	var out Conversation
	err := e.await(ctx, func(finish func(error)) {
		e.loading++
		go func() {
			conv, err := call(e.ctx)
			e.post(func() {
				e.loading--
				if err != nil {
					e.fail(failText, err)
					finish(err)
					return
				}
				e.store.AppendIfAbsent(*conv)
				stored, _ := e.store.Get(conv.ID)

				e.activate(conv.ID)
				e.msgs.reset()
				// An existing conversation comes back with history; load its
				// newest page so older pages line up with the cursor.
				if stored.LastMessage != nil {
					e.selecting = true
					e.fetchFirstPage(noFinish)
				} else {
					e.baseLoaded = true
				}
				out = stored
				finish(nil)
			})
		}()
	})
	return out, err
}

// ============================================================================
// Reads
// ============================================================================

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	var s Snapshot
	if err := e.view(context.Background(), func() { s = e.snapshot() }); err != nil {
		return Snapshot{Err: err.Error()}
	}
	return s
}

func (e *Engine) snapshot() Snapshot {
	s := Snapshot{
		Conversations: e.store.List(),
		Messages:      e.msgs.snapshot(),
		Cursor:        e.cursor,
		Loading:       e.loading > 0,
		LoadingOlder:  e.loadingOlder,
		Connected:     e.push.IsConnected(),
		Err:           e.lastErr,
	}
	if e.hasActive {
		if c, ok := e.store.Get(e.activeID); ok {
			s.Active = &c
		}
	}
	return s
}

func (e *Engine) Conversations() []Conversation { return e.Snapshot().Conversations }

func (e *Engine) Messages() []Message { return e.Snapshot().Messages }

// Active returns the active conversation, if any.
func (e *Engine) Active() (Conversation, bool) {
	s := e.Snapshot()
	if s.Active == nil {
		return Conversation{}, false
	}
	return *s.Active, true
}

func (e *Engine) Loading() bool      { return e.Snapshot().Loading }
func (e *Engine) LoadingOlder() bool { return e.Snapshot().LoadingOlder }
func (e *Engine) HasMore() bool      { return e.Snapshot().Cursor.HasMore }
func (e *Engine) Connected() bool    { return e.push.IsConnected() }

// Err returns the latest user-visible error, or "".
func (e *Engine) Err() string { return e.Snapshot().Err }

// ClearErr forgets the latest user-visible error.
func (e *Engine) ClearErr() {
	_ = e.do(context.Background(), func() { e.lastErr = "" })
}
