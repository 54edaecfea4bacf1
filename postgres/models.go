package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/jobboard/messaging/api"
)

// An account holds the spendable credit balance of one user.
type account struct {
	bun.BaseModel `bun:"table:accounts"`

	ID        string    `bun:",pk"`
	Balance   int64     `bun:",notnull,default:0"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:now()"`
}

// A session maps an auth token to an account.
type session struct {
	bun.BaseModel `bun:"table:sessions"`

	Token     string    `bun:",pk"`
	AccountID string    `bun:",notnull"`
	ExpiresAt time.Time `bun:",nullzero"`
}

type accessGrant struct {
	bun.BaseModel `bun:"table:access_grants"`

	PayerID   string    `bun:",pk"`
	TargetID  string    `bun:",pk"`
	Cost      int64     `bun:",notnull"`
	GrantedAt time.Time `bun:",nullzero,notnull,default:now()"`
}

func (g accessGrant) APIGrant() api.AccessGrant {
	return api.AccessGrant{
		PayerID:   g.PayerID,
		TargetID:  g.TargetID,
		Cost:      g.Cost,
		GrantedAt: g.GrantedAt,
	}
}

// A conversation stores its participants in sorted order so that a pair maps
// to exactly one row per context.
type conversation struct {
	bun.BaseModel `bun:"table:conversations"`

	ID           string    `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	ParticipantA string    `bun:"participant_a,notnull"`
	ParticipantB string    `bun:"participant_b,notnull"`
	Context      string    `bun:"context,notnull,default:''"`
	CreatedAt    time.Time `bun:",nullzero,notnull,default:now()"`
}

func (c conversation) APIConversation() api.Conversation {
	return api.Conversation{
		ID:           c.ID,
		Participants: [2]string{c.ParticipantA, c.ParticipantB},
		Context:      c.Context,
		CreatedAt:    c.CreatedAt,
	}
}

// A message represents a message in the database.
type message struct {
	bun.BaseModel `bun:"table:messages"`

	ID             string    `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	ClientID       string    `bun:"client_id,notnull,default:''"`
	ConversationID string    `bun:"conversation_id,type:uuid,notnull"`
	SenderID       string    `bun:"sender_id,notnull"`
	Body           string    `bun:"body,notnull"`
	SentAt         time.Time `bun:"sent_at,nullzero,notnull,default:now()"`
}

func (m message) APIMessage() api.Message {
	return api.Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		SentAt:         m.SentAt,
	}
}
