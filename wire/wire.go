// Package wire defines the JSON events exchanged between the messaging server
// and its clients over the WebSocket transport.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types sent by the server.
const (
	TypeOnlineUsers  = "online_users"
	TypeUserPresence = "user_presence"
	TypeMessage      = "message"
	TypeAck          = "ack"
	TypeError        = "error"
)

// Event types sent by the client.
const (
	TypeGetOnlineUsers = "get_online_users"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeSendMessage    = "send_message"
)

// Error codes carried in Error events and HTTP error bodies.
const (
	CodeBadRequest          = "bad_request"
	CodeUnauthorized        = "unauthorized"
	CodeNoAccess            = "no_access"
	CodeNotFound            = "not_found"
	CodeInsufficientBalance = "insufficient_balance"
	CodeUnlockInconsistent  = "unlock_inconsistent"
	CodeInternal            = "internal"
)

// An Envelope is a single frame on the transport.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope with data marshalled as its payload. A nil data
// produces an envelope without payload.
func New(typ string, data any) (Envelope, error) {
	env := Envelope{Type: typ}
	if data == nil {
		return env, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	env.Data = b
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

type OnlineUsers struct {
	UserIDs []string `json:"user_ids"`
}

type UserPresence struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

type Subscribe struct {
	ConversationID string `json:"conversation_id"`
}

type SendMessage struct {
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

// Message is a persisted message as pushed to subscribers and returned in acks.
type Message struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
}

type Ack struct {
	ClientID string  `json:"client_id"`
	Message  Message `json:"message"`
}

type Error struct {
	ClientID string `json:"client_id,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}
