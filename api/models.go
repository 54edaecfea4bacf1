package api

import (
	"time"

	"github.com/jobboard/messaging/wire"
)

// A Message represents a persisted message in a conversation.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	Body           string
	SentAt         time.Time
}

// Wire converts the message to its transport form.
func (m Message) Wire() wire.Message {
	return wire.Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		SentAt:         m.SentAt,
	}
}

// A Conversation is a two-party thread, optionally tied to a job or
// application.
type Conversation struct {
	ID           string
	Participants [2]string
	Context      string
	CreatedAt    time.Time
}

// HasParticipant reports whether accountID takes part in the conversation.
func (c Conversation) HasParticipant(accountID string) bool {
	return c.Participants[0] == accountID || c.Participants[1] == accountID
}

// Counterpart returns the other participant.
func (c Conversation) Counterpart(accountID string) string {
	if c.Participants[0] == accountID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// An AccessGrant allows PayerID to message TargetID. Grants are created once
// per pair and never mutated.
type AccessGrant struct {
	PayerID   string
	TargetID  string
	Cost      int64
	GrantedAt time.Time
}

// UnlockResult is the outcome of a successful unlock. AlreadyGranted is set
// when the grant existed before and nothing was debited.
type UnlockResult struct {
	Grant          AccessGrant
	Balance        int64
	AlreadyGranted bool
}
