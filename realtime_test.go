package gapshap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var chatDestinations = []string{DestinationMessages, DestinationReceipts, DestinationConversations}

func startRealtime(t *testing.T, dialer *fakeDialer) *RealtimeClient {
	t.Helper()
	rt := newTestRealtime(t, dialer)
	ctx := testContext(t)
	rt.Start(context.Background())
	require.NoError(t, rt.WaitConnected(ctx))
	return rt
}

func TestRealtime_SubscribesToChatDestinations(t *testing.T) {
	dialer := &fakeDialer{}
	rt := startRealtime(t, dialer)

	assert.Equal(t, StateConnected, rt.State())
	assert.True(t, rt.IsConnected())
	assert.Equal(t, chatDestinations, dialer.last().subscriptions())
}

func TestRealtime_ReconnectsAfterLoss(t *testing.T) {
	dialer := &fakeDialer{}
	rt := newTestRealtime(t, dialer)

	var (
		mu           sync.Mutex
		disconnects  []error
		reconnecting []time.Duration
		connects     atomic.Int32
	)
	rt.OnConnected(func() { connects.Add(1) })
	rt.OnDisconnected(func(err error) {
		mu.Lock()
		disconnects = append(disconnects, err)
		mu.Unlock()
	})
	rt.OnReconnecting(func(attempt int, delay time.Duration) {
		mu.Lock()
		reconnecting = append(reconnecting, delay)
		mu.Unlock()
	})

	rt.Start(context.Background())
	require.NoError(t, rt.WaitConnected(testContext(t)))
	first := dialer.last()

	first.drop(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return dialer.connCount() == 2 && rt.IsConnected()
	}, 2*time.Second, 2*time.Millisecond)

	second := dialer.last()
	assert.NotSame(t, first, second)
	assert.Equal(t, chatDestinations, second.subscriptions())
	require.Eventually(t, func() bool { return connects.Load() == 2 }, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, disconnects, 1)
	var terr *TransportError
	assert.ErrorAs(t, disconnects[0], &terr)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, reconnecting)
}

func TestRealtime_RetriesFailedDialsWithFixedDelay(t *testing.T) {
	dialer := &fakeDialer{failures: 3}
	rt := newTestRealtime(t, dialer)

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	rt.OnReconnecting(func(attempt int, delay time.Duration) {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
	})

	rt.Start(context.Background())
	require.NoError(t, rt.WaitConnected(testContext(t)))

	assert.Equal(t, 4, dialer.dialCount())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}, delays)
}

func TestRealtime_EstablishSkipsWhenConnected(t *testing.T) {
	dialer := &fakeDialer{}
	rt := startRealtime(t, dialer)

	conn, err := rt.establish(context.Background(), 0, 0)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, errAlreadyActive)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestRealtime_StartTwiceKeepsOneConnection(t *testing.T) {
	dialer := &fakeDialer{}
	rt := startRealtime(t, dialer)

	rt.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestRealtime_DispatchesFrames(t *testing.T) {
	dialer := &fakeDialer{}
	rt := newTestRealtime(t, dialer)

	var (
		msgs     []Message
		receipts []ReadReceipt
		changes  int
	)
	rt.OnMessage(func(m Message) { msgs = append(msgs, m) })
	rt.OnReadReceipt(func(r ReadReceipt) { receipts = append(receipts, r) })
	rt.OnConversationsChanged(func() { changes++ })

	rt.Start(context.Background())
	require.NoError(t, rt.WaitConnected(testContext(t)))
	conn := dialer.last()

	conn.deliver(t, DestinationMessages, `{"id":5,"conversationId":3,"senderId":2,"senderName":"Ravi","content":"hi","sentAt":1709283600000,"read":false}`)
	conn.deliver(t, DestinationReceipts, `{"conversationId":3,"userId":2}`)
	conn.deliver(t, DestinationConversations, `{"id":3}`)

	require.Len(t, msgs, 1)
	assert.Equal(t, int64(5), msgs[0].ID)
	assert.Equal(t, MessageConfirmed, msgs[0].Status)
	assert.Equal(t, "2024-03-01T09:00:00Z", msgs[0].Timestamp)
	assert.Equal(t, []ReadReceipt{{ConversationID: 3, UserID: 2}}, receipts)
	assert.Equal(t, 1, changes)
}

func TestRealtime_DropsMalformedFrames(t *testing.T) {
	dialer := &fakeDialer{}
	rt := newTestRealtime(t, dialer)

	var calls int
	rt.OnMessage(func(Message) { calls++ })
	rt.OnReadReceipt(func(ReadReceipt) { calls++ })

	rt.Start(context.Background())
	require.NoError(t, rt.WaitConnected(testContext(t)))
	conn := dialer.last()

	conn.deliver(t, DestinationMessages, `not json`)
	conn.deliver(t, DestinationMessages, `{"id":5,"content":"no conversation"}`)
	conn.deliver(t, DestinationReceipts, `[1,2]`)
	conn.deliver(t, DestinationReceipts, `{"userId":2}`)

	assert.Zero(t, calls)
	assert.True(t, rt.IsConnected())
	assert.Equal(t, 1, dialer.dialCount())
}

func TestRealtime_PublishRequiresConnection(t *testing.T) {
	rt := newTestRealtime(t, &fakeDialer{})

	err := rt.SendMessage(context.Background(), 1, "hi", "")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, rt.MarkRead(context.Background(), 1), ErrNotConnected)
}

func TestRealtime_PublishFrames(t *testing.T) {
	dialer := &fakeDialer{}
	rt := startRealtime(t, dialer)
	ctx := testContext(t)

	require.NoError(t, rt.SendMessage(ctx, 4, "hello", "c-1"))
	require.NoError(t, rt.SendMessage(ctx, 4, "plain", ""))
	require.NoError(t, rt.MarkRead(ctx, 4))

	frames := dialer.last().publishes()
	require.Len(t, frames, 3)
	assert.Equal(t, DestinationSendMessage, frames[0].Destination)
	assert.JSONEq(t, `{"conversationId":4,"content":"hello","clientId":"c-1"}`, string(frames[0].Body))
	assert.JSONEq(t, `{"conversationId":4,"content":"plain"}`, string(frames[1].Body))
	assert.Equal(t, DestinationMarkRead, frames[2].Destination)
	assert.JSONEq(t, `{"conversationId":4}`, string(frames[2].Body))
}

func TestRealtime_PublishTransportFailure(t *testing.T) {
	dialer := &fakeDialer{}
	rt := startRealtime(t, dialer)
	conn := dialer.last()
	conn.mu.Lock()
	conn.publishErr = errors.New("broken pipe")
	conn.mu.Unlock()

	err := rt.MarkRead(context.Background(), 1)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "publish "+DestinationMarkRead, terr.Op)
}

func TestRealtime_CloseStopsReconnecting(t *testing.T) {
	dialer := &fakeDialer{}
	rt := startRealtime(t, dialer)

	var disconnects atomic.Int32
	rt.OnDisconnected(func(err error) {
		assert.NoError(t, err)
		disconnects.Add(1)
	})

	require.NoError(t, rt.Close())
	assert.Equal(t, StateDisconnected, rt.State())
	assert.True(t, dialer.last().closed)
	assert.EqualValues(t, 1, disconnects.Load())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
	assert.ErrorIs(t, rt.MarkRead(context.Background(), 1), ErrNotConnected)
	require.NoError(t, rt.Close())
}

func TestRealtime_WaitConnectedHonoursContext(t *testing.T) {
	rt := newTestRealtime(t, &fakeDialer{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rt.WaitConnected(ctx), context.DeadlineExceeded)
}
