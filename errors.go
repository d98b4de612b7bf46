package gapshap

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationNotFound is returned when an operation names a
	// conversation the store does not hold.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNotConnected is returned when a publish is attempted without a live
	// push connection or without an active conversation.
	ErrNotConnected = errors.New("not connected")

	// ErrRequestFailed is the sentinel behind every *RequestError.
	ErrRequestFailed = errors.New("request failed")

	// ErrMalformedPayload is the sentinel behind every *PayloadError.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrEngineClosed is returned by engine operations after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// RequestError describes a non-2xx answer from the REST API.
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *RequestError) Unwrap() error {
	return ErrRequestFailed
}

// PayloadError is reported for a push frame whose body could not be decoded.
type PayloadError struct {
	Destination string
	Err         error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("malformed payload on %s: %v", e.Destination, e.Err)
}

func (e *PayloadError) Unwrap() []error {
	return []error{ErrMalformedPayload, e.Err}
}

// TransportError wraps a failure of the push channel. It is recovered by
// reconnecting and never returned from engine operations.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// user-visible error strings recorded by the engine
const (
	errTextNotFound          = "Conversation not found"
	errTextLoadConversations = "Failed to load conversations"
	errTextLoadMessages      = "Failed to load messages"
	errTextLoadOlder         = "Failed to load more messages"
	errTextCreateDirect      = "Failed to create conversation"
	errTextCreateGroup       = "Failed to create group conversation"
	errTextNotConnected      = "Cannot send message: not connected"
)
