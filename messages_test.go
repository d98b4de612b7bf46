package gapshap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id int64, sentAt int64) Message {
	return Message{ID: id, ConversationID: 1, SenderID: 2, SentAt: sentAt, Status: MessageConfirmed}
}

func TestMessageList_PrependSkipsKnownIDs(t *testing.T) {
	l := newMessageList()
	l.rebase([]Message{msg(3, 30), msg(4, 40)})

	added := l.prepend([]Message{msg(1, 10), msg(2, 20), msg(3, 30)})
	assert.Equal(t, 2, added)
	assert.Equal(t, []int64{1, 2, 3, 4}, messageIDs(l.snapshot()))

	assert.Zero(t, l.prepend([]Message{msg(1, 10)}))
	assert.Zero(t, l.prepend(nil))
}

func TestMessageList_RebaseKeepsLaterArrivals(t *testing.T) {
	l := newMessageList()
	l.merge(msg(9, 90))
	l.merge(msg(5, 50))

	l.rebase([]Message{msg(4, 40), msg(5, 50), msg(6, 60)})
	assert.Equal(t, []int64{4, 5, 6, 9}, messageIDs(l.snapshot()))
	assert.True(t, l.has(9))
}

func TestMessageList_MergeDedupesByID(t *testing.T) {
	l := newMessageList()
	assert.Equal(t, mergeAppended, l.merge(msg(1, 10)))
	assert.Equal(t, mergeDuplicate, l.merge(msg(1, 10)))
	assert.Equal(t, 1, l.len())
}

func TestMessageList_MergeConfirmsPendingByClientID(t *testing.T) {
	l := newMessageList()
	l.merge(msg(1, 10))
	pending := Message{ID: -100, ConversationID: 1, SenderID: 1, Content: "hi", SentAt: 20, ClientID: "abc", Status: MessagePending}
	l.merge(pending)
	l.merge(msg(2, 30))

	echo := Message{ID: 77, ConversationID: 1, SenderID: 1, Content: "hi", SentAt: 21, ClientID: "abc"}
	assert.Equal(t, mergeConfirmed, l.merge(echo))

	got := l.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []int64{1, 77, 2}, messageIDs(got))
	assert.Equal(t, MessageConfirmed, got[1].Status)
	assert.False(t, l.has(-100))

	// A second echo is a plain duplicate now.
	assert.Equal(t, mergeDuplicate, l.merge(echo))
}

func TestMessageList_MergeIgnoresClientIDOfConfirmed(t *testing.T) {
	l := newMessageList()
	l.merge(Message{ID: 5, ClientID: "abc", Status: MessageConfirmed})

	assert.Equal(t, mergeAppended, l.merge(Message{ID: 6, ClientID: "abc"}))
	assert.Equal(t, 2, l.len())
}

func TestMessageList_MarkSentRead(t *testing.T) {
	l := newMessageList()
	l.rebase([]Message{
		{ID: 1, SenderID: 1},
		{ID: 2, SenderID: 2},
		{ID: 3, SenderID: 1, Read: true},
		{ID: 4, SenderID: 1},
	})

	assert.Equal(t, 2, l.markSentRead(1))
	for _, m := range l.snapshot() {
		assert.Equal(t, m.SenderID == 1, m.Read, "message %d", m.ID)
	}
}

func TestMessageList_Retain(t *testing.T) {
	l := newMessageList()
	l.rebase([]Message{msg(1, 10), {ID: 2, ConversationID: 2}, msg(3, 30)})

	l.retain(func(m Message) bool { return m.ConversationID == 1 })
	assert.Equal(t, []int64{1, 3}, messageIDs(l.snapshot()))
	assert.False(t, l.has(2))

	l.reset()
	assert.Zero(t, l.len())
}
