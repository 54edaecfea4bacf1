package redis

import (
	"time"

	"github.com/jobboard/messaging/api"
)

// A message represents a cached message.
type message struct {
	ID             string `redis:"id"`
	ClientID       string `redis:"client_id"`
	ConversationID string `redis:"conversation_id"`
	SenderID       string `redis:"sender_id"`
	Body           string `redis:"body"`
	SentAt         int64  `redis:"sent_at"` // unix nanoseconds
}

func toRedisMessage(m api.Message) message {
	return message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		SentAt:         m.SentAt.UnixNano(),
	}
}

func (m message) APIMessage() api.Message {
	return api.Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		SentAt:         time.Unix(0, m.SentAt).UTC(),
	}
}
