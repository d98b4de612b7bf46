package gapshap

import "sync"

// ConversationStore is a goroutine-safe ordered set of conversation
// summaries. Order is the order in which the server listed them, with
// conversations learned later appended at the end. Entries are never removed
// except by a full Replace.
type ConversationStore struct {
	mu    sync.RWMutex
	order []int64
	byID  map[int64]*Conversation
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		byID: make(map[int64]*Conversation),
	}
}

// Replace discards the current contents and stores convs in the given order.
// A repeated ID keeps its first position and its last value.
func (s *ConversationStore) Replace(convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = make([]int64, 0, len(convs))
	s.byID = make(map[int64]*Conversation, len(convs))
	for _, c := range convs {
		cp := c.clone()
		if _, ok := s.byID[c.ID]; !ok {
			s.order = append(s.order, c.ID)
		}
		s.byID[c.ID] = &cp
	}
}

// AppendIfAbsent adds c at the end unless its ID is already stored.
// It reports whether c was added.
func (s *ConversationStore) AppendIfAbsent(c Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[c.ID]; ok {
		return false
	}
	cp := c.clone()
	s.byID[c.ID] = &cp
	s.order = append(s.order, c.ID)
	return true
}

// Get returns a copy of the conversation with the given ID.
func (s *ConversationStore) Get(id int64) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// List returns copies of all conversations in store order.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].clone())
	}
	return out
}

// RecordMessage sets msg as the last-message snapshot of its conversation.
// When active the unread count is cleared, otherwise it grows by one.
// It reports whether the conversation is stored.
func (s *ConversationStore) RecordMessage(msg Message, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[msg.ConversationID]
	if !ok {
		return false
	}
	m := msg
	c.LastMessage = &m
	if active {
		c.UnreadCount = 0
	} else {
		c.UnreadCount++
	}
	return true
}

// SetUnread overwrites the unread count of a conversation.
func (s *ConversationStore) SetUnread(id int64, n int) bool {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return false
	}
	c.UnreadCount = n
	return true
}

// MostRecent returns the conversation whose last message is newest. A
// conversation without messages counts as 0; ties go to the earlier entry.
func (s *ConversationStore) MostRecent() (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Conversation
	for _, id := range s.order {
		c := s.byID[id]
		if best == nil || c.LastActivity() > best.LastActivity() {
			best = c
		}
	}
	if best == nil {
		return Conversation{}, false
	}
	return best.clone(), true
}

// TotalUnread sums the unread counts of all conversations.
func (s *ConversationStore) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, c := range s.byID {
		total += c.UnreadCount
	}
	return total
}
