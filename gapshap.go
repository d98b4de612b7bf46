// Package gapshap is a Go client for the gapshap chat service.
//
// It pairs a REST client for paged history with a STOMP push channel and a
// single-goroutine engine that keeps the conversation list, the active
// conversation's messages, unread counts and read state consistent while
// events arrive from all three sources.
//
// Example:
//
//	client := gapshap.NewClient(
//		gapshap.WithBaseURL("https://chat.example.com"),
//		gapshap.WithSessionCookie("JSESSIONID=..."),
//	)
//	me, _ := client.Account.Me(ctx)
//
//	rt := client.Realtime(nil)
//	eng := gapshap.NewEngine(client, rt, gapshap.NewMemorySessionStore(), &gapshap.EngineConfig{Self: *me})
//	defer eng.Close()
//	eng.Start(ctx)
//	eng.Send(ctx, "hello")
package gapshap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL  = "http://localhost:8080"
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 20
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST side of the service. It also implements
// HistoryLoader so it can be handed straight to NewEngine.
type Client struct {
	baseURL       string
	sessionCookie string
	bearerToken   string
	httpClient    *http.Client
	logger        *slog.Logger
	log           *slog.Logger

	Account       *AccountClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	Users         *UsersClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithSessionCookie sends the given value verbatim as the Cookie header,
// e.g. "JSESSIONID=abc".
func WithSessionCookie(cookie string) ClientOption {
	return func(c *Client) { c.sessionCookie = cookie }
}

func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.bearerToken = token }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new client. Without options it targets DefaultBaseURL
// with no credentials.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.log = c.logger.With("component", "rest")

	c.Account = &AccountClient{client: c}
	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Users = &UsersClient{client: c}
	return c
}

// BaseURL returns the REST base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, op, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	c.log.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (c *Client) authorize(h http.Header) {
	if c.sessionCookie != "" {
		h.Set("Cookie", c.sessionCookie)
	}
	if c.bearerToken != "" {
		h.Set("Authorization", "Bearer "+c.bearerToken)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Account
// ============================================================================

type AccountClient struct{ client *Client }

// Me returns the user the credentials belong to.
func (a *AccountClient) Me(ctx context.Context) (*User, error) {
	data, err := a.client.doRequest(ctx, "get current user", http.MethodGet, "/api/user", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Conversations
// ============================================================================

type ConversationsClient struct{ client *Client }

// List returns every conversation the user takes part in.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cv.client.doRequest(ctx, "list conversations", http.MethodGet, "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (cv *ConversationsClient) Get(ctx context.Context, conversationID int64) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, "get conversation", http.MethodGet, conversationPath(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// CreateDirect opens a two-party conversation with userID. The server returns
// the existing conversation when there already is one.
func (cv *ConversationsClient) CreateDirect(ctx context.Context, userID int64) (*Conversation, error) {
	path := "/api/conversations/direct/" + strconv.FormatInt(userID, 10)
	data, err := cv.client.doRequest(ctx, "create direct conversation", http.MethodPost, path, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

func (cv *ConversationsClient) CreateGroup(ctx context.Context, name string, participantIDs []int64) (*Conversation, error) {
	if participantIDs == nil {
		participantIDs = []int64{}
	}
	body := &CreateGroupRequest{Name: name, ParticipantIDs: participantIDs}
	data, err := cv.client.doRequest(ctx, "create group conversation", http.MethodPost, "/api/conversations/group", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// MarkRead marks every message in the conversation as read for the user.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID int64) error {
	_, err := cv.client.doRequest(ctx, "mark conversation read", http.MethodPost, conversationPath(conversationID)+"/read", nil, nil)
	return err
}

func conversationPath(id int64) string {
	return "/api/conversations/" + strconv.FormatInt(id, 10)
}

// ============================================================================
// Messages
// ============================================================================

type MessagesClient struct{ client *Client }

// Page returns one page of history. Page 0 holds the newest messages; the
// entries of a page are ordered oldest first.
func (m *MessagesClient) Page(ctx context.Context, conversationID int64, page, size int) ([]Message, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))

	data, err := m.client.doRequest(ctx, "list messages", http.MethodGet, conversationPath(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	msgs := *out
	for i := range msgs {
		msgs[i].normalize()
	}
	return msgs, nil
}

// ============================================================================
// Users
// ============================================================================

type UsersClient struct{ client *Client }

// Search looks users up by name or email. An empty query lists everyone.
func (u *UsersClient) Search(ctx context.Context, query string) ([]Participant, error) {
	var q url.Values
	if query != "" {
		q = url.Values{"query": []string{query}}
	}
	data, err := u.client.doRequest(ctx, "search users", http.MethodGet, "/api/users", nil, q)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Participant](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// ============================================================================
// HistoryLoader
// ============================================================================

// HistoryLoader is the pull side the engine depends on. *Client implements it.
type HistoryLoader interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	ListMessages(ctx context.Context, conversationID int64, page, size int) ([]Message, error)
	CreateDirect(ctx context.Context, userID int64) (*Conversation, error)
	CreateGroup(ctx context.Context, name string, participantIDs []int64) (*Conversation, error)
	MarkRead(ctx context.Context, conversationID int64) error
}

var _ HistoryLoader = (*Client)(nil)

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	return c.Conversations.List(ctx)
}

func (c *Client) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	return c.Conversations.Get(ctx, id)
}

func (c *Client) ListMessages(ctx context.Context, conversationID int64, page, size int) ([]Message, error) {
	return c.Messages.Page(ctx, conversationID, page, size)
}

func (c *Client) CreateDirect(ctx context.Context, userID int64) (*Conversation, error) {
	return c.Conversations.CreateDirect(ctx, userID)
}

func (c *Client) CreateGroup(ctx context.Context, name string, participantIDs []int64) (*Conversation, error) {
	return c.Conversations.CreateGroup(ctx, name, participantIDs)
}

func (c *Client) MarkRead(ctx context.Context, conversationID int64) error {
	return c.Conversations.MarkRead(ctx, conversationID)
}

// ============================================================================
// Realtime
// ============================================================================

// Realtime returns a push client that shares this client's base URL and
// credentials. Fields already set in config are kept.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.URL == "" {
		cfg.URL = pushURL(c.baseURL)
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = c.sessionCookie
	}
	if cfg.BearerToken == "" {
		cfg.BearerToken = c.bearerToken
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	return NewRealtimeClient(&cfg)
}

func pushURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + DefaultPushPath
}
