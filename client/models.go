package client

import (
	"fmt"
	"time"

	"github.com/jobboard/messaging/wire"
)

type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	Context      string    `json:"context,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Counterpart returns the participant that is not accountID.
func (c Conversation) Counterpart(accountID string) string {
	if c.Participants[0] == accountID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// DeliveryState tracks an outgoing message. It only ever moves from
// Pending to Sent or from Pending to Failed.
type DeliveryState int

const (
	Sent DeliveryState = iota
	Pending
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Sent:
		return "sent"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("DeliveryState(%d)", int(s))
}

type Message struct {
	// ID is assigned by the server and empty until the message is sent.
	ID string
	// ClientID correlates a local send with its acknowledgement.
	ClientID       string
	ConversationID string
	SenderID       string
	Body           string
	SentAt         time.Time
	State          DeliveryState
	// Err holds the cause of a Failed send.
	Err error
}

func messageFromWire(m wire.Message) Message {
	return Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		SentAt:         m.SentAt,
		State:          Sent,
	}
}

type Grant struct {
	PayerID   string    `json:"payer_id"`
	TargetID  string    `json:"target_id"`
	Cost      int64     `json:"cost"`
	GrantedAt time.Time `json:"granted_at"`
}

// AccessStatus answers whether the caller may message a target.
type AccessStatus struct {
	CanMessage bool   `json:"can_message"`
	Reason     string `json:"reason,omitempty"`
	UnlockCost int64  `json:"unlock_cost"`
}

type UnlockResult struct {
	Balance        int64  `json:"balance"`
	AlreadyGranted bool   `json:"already_granted"`
	Grant          *Grant `json:"grant"`
}
