package gapshap

// messageList is the loaded history of the active conversation, oldest
// first. IDs are unique within the list. It is owned by the engine loop and
// is not safe for concurrent use.
type messageList struct {
	items []Message
	index map[int64]int
}

type mergeResult int

const (
	mergeAppended mergeResult = iota
	mergeConfirmed
	mergeDuplicate
)

func newMessageList() *messageList {
	return &messageList{index: make(map[int64]int)}
}

func (l *messageList) reindex() {
	l.index = make(map[int64]int, len(l.items))
	for i, m := range l.items {
		l.index[m.ID] = i
	}
}

func (l *messageList) reset() {
	l.items = nil
	l.index = make(map[int64]int)
}

func (l *messageList) len() int { return len(l.items) }

func (l *messageList) has(id int64) bool {
	_, ok := l.index[id]
	return ok
}

// retain keeps only the messages for which keep returns true.
func (l *messageList) retain(keep func(Message) bool) {
	kept := l.items[:0]
	for _, m := range l.items {
		if keep(m) {
			kept = append(kept, m)
		}
	}
	l.items = kept
	l.reindex()
}

// rebase installs page as the base of the list. Entries already present that
// the page does not contain stay after it in their current order.
func (l *messageList) rebase(page []Message) {
	items := make([]Message, 0, len(page)+len(l.items))
	seen := make(map[int64]struct{}, len(page))
	for _, m := range page {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		items = append(items, m)
	}
	for _, m := range l.items {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		items = append(items, m)
	}
	l.items = items
	l.reindex()
}

// prepend puts an older page in front of the list, skipping IDs already
// present. It returns how many entries were added.
func (l *messageList) prepend(page []Message) int {
	older := make([]Message, 0, len(page))
	for _, m := range page {
		if l.has(m.ID) {
			continue
		}
		l.index[m.ID] = -1
		older = append(older, m)
	}
	if len(older) == 0 {
		return 0
	}
	l.items = append(older, l.items...)
	l.reindex()
	return len(older)
}

// merge adds a live message. A message echoing the ClientID of a pending
// entry replaces that entry in place.
func (l *messageList) merge(msg Message) mergeResult {
	if l.has(msg.ID) {
		return mergeDuplicate
	}
	if msg.ClientID != "" {
		for i, m := range l.items {
			if m.Pending() && m.ClientID == msg.ClientID {
				delete(l.index, m.ID)
				msg.Status = MessageConfirmed
				l.items[i] = msg
				l.index[msg.ID] = i
				return mergeConfirmed
			}
		}
	}
	l.index[msg.ID] = len(l.items)
	l.items = append(l.items, msg)
	return mergeAppended
}

// markSentRead flags every message from senderID as read and returns how
// many changed.
func (l *messageList) markSentRead(senderID int64) int {
	n := 0
	for i := range l.items {
		if l.items[i].SenderID == senderID && !l.items[i].Read {
			l.items[i].Read = true
			n++
		}
	}
	return n
}

func (l *messageList) snapshot() []Message {
	return append([]Message(nil), l.items...)
}
