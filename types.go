package gapshap

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// Users
// ============================================================================

// User is the authenticated account as returned by /api/user.
type User struct {
	UserID  int64  `json:"userId"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Participant is a member of a conversation, also used for directory search results.
type Participant struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	PictureURL string `json:"pictureUrl,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus tells an optimistic message apart from one the server stored.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageConfirmed MessageStatus = "confirmed"
)

// Message is a single chat message. Pending messages carry a negative ID
// assigned locally and a ClientID the server may echo back.
type Message struct {
	ID             int64         `json:"id"`
	ConversationID int64         `json:"conversationId"`
	SenderID       int64         `json:"senderId"`
	SenderName     string        `json:"senderName"`
	SenderPicture  string        `json:"senderPicture,omitempty"`
	Content        string        `json:"content"`
	SentAt         int64         `json:"sentAt"`
	Timestamp      string        `json:"timestamp,omitempty"`
	Read           bool          `json:"read"`
	ClientID       string        `json:"clientId,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
}

// Pending reports whether the message has not been confirmed by the server yet.
func (m Message) Pending() bool {
	return m.Status == MessagePending
}

// Time returns SentAt as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.SentAt)
}

// normalize fills the fields the server leaves out.
func (m *Message) normalize() {
	if m.Status == "" {
		m.Status = MessageConfirmed
	}
	if m.Timestamp == "" && m.SentAt != 0 {
		m.Timestamp = time.UnixMilli(m.SentAt).UTC().Format(time.RFC3339)
	}
}

// ReadReceipt announces that a participant has read a conversation.
type ReadReceipt struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId,omitempty"`
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is the summary of a chat as kept in the conversation store.
type Conversation struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	IsGroup      bool          `json:"groupChat"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// UnmarshalJSON accepts both "groupChat" and "isGroup", and a createdAt given
// either as epoch milliseconds or as an ISO-8601 string.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type plain Conversation
	var raw struct {
		plain
		IsGroupAlt *bool           `json:"isGroup"`
		CreatedAt  json.RawMessage `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Conversation(raw.plain)
	if raw.IsGroupAlt != nil {
		c.IsGroup = *raw.IsGroupAlt
	}
	created, err := parseTimestamp(raw.CreatedAt)
	if err != nil {
		return fmt.Errorf("conversation %d: createdAt: %w", c.ID, err)
	}
	c.CreatedAt = created
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if c.LastMessage != nil {
		c.LastMessage.normalize()
	}
	return nil
}

// LastActivity is the SentAt of the last message, or 0 when there is none.
func (c Conversation) LastActivity() int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.SentAt
}

func (c Conversation) clone() Conversation {
	out := c
	if c.Participants != nil {
		out.Participants = append([]Participant(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		m := *c.LastMessage
		out.LastMessage = &m
	}
	return out
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339, s)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// ============================================================================
// Requests
// ============================================================================

// CreateGroupRequest is the body of the group creation call.
type CreateGroupRequest struct {
	Name           string  `json:"name"`
	ParticipantIDs []int64 `json:"participantIds"`
}

type sendMessageFrame struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId,omitempty"`
}

type markReadFrame struct {
	ConversationID int64 `json:"conversationId"`
}
