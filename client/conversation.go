package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobboard/messaging/wire"
)

const (
	resyncTimeout = 10 * time.Second

	// historyPageSize is the number of messages per history page the server
	// returns.
	historyPageSize = 10
	// maxResyncPages bounds how far back a resync pages. Older gaps are
	// left to LoadOlder.
	maxResyncPages = 10
)

// ConversationAPI is the server surface the conversation controller needs.
// *REST implements it.
type ConversationAPI interface {
	CreateOrGetConversation(ctx context.Context, counterpartID, convContext string) (Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page int) ([]wire.Message, error)
}

// AccessChecker answers whether the caller may message a target.
type AccessChecker interface {
	CanMessage(ctx context.Context, targetID string) (bool, error)
}

// Conversations drives the selected conversation: it loads history, follows
// live messages and tracks the delivery of every outgoing message.
//
// Displayed messages are de-duplicated by server ID and ordered by send time
// then ID, with pending sends last. A server copy of a local send replaces
// the local entry.
type Conversations struct {
	self   string
	conn   *Manager
	access AccessChecker
	api    ConversationAPI
	logger *slog.Logger

	ackTimeout time.Duration

	// Updated receives the displayed messages after every change.
	Updated Event[[]Message]
	// SendFailed receives each message that moved to Failed.
	SendFailed Event[Message]

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*Subscription

	mu       sync.Mutex
	selected *Conversation
	messages []*Message
	outbox   map[string]*Message // pending sends by client ID
	failed   map[string]*Message // failed sends awaiting retry, by client ID
	timers   map[string]*time.Timer
}

// NewConversations returns a controller acting as accountID.
func NewConversations(accountID string, conn *Manager, access AccessChecker, api ConversationAPI, cfg Config, logger *slog.Logger) *Conversations {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversations{
		self:       accountID,
		conn:       conn,
		access:     access,
		api:        api,
		logger:     logger,
		ackTimeout: cfg.withDefaults().AckTimeout,
		ctx:        ctx,
		cancel:     cancel,
		outbox:     make(map[string]*Message),
		failed:     make(map[string]*Message),
		timers:     make(map[string]*time.Timer),
	}
	c.subs = []*Subscription{
		conn.OnEnvelope.Subscribe(c.handle),
		conn.OnConnect.Subscribe(func(struct{}) { go c.resync() }),
		conn.OnReconnect.Subscribe(func(struct{}) { go c.resync() }),
	}
	return c
}

// Open creates or fetches the conversation with counterpartID and selects it.
func (c *Conversations) Open(ctx context.Context, counterpartID, convContext string) (Conversation, error) {
	conv, err := c.api.CreateOrGetConversation(ctx, counterpartID, convContext)
	if err != nil {
		return Conversation{}, fmt.Errorf("open conversation with %s: %w", counterpartID, err)
	}
	return conv, c.Select(ctx, conv)
}

// Select makes conv the active conversation, loads its latest history and
// subscribes to its live messages. Sends in flight for a previously selected
// conversation keep running, and its failed sends are shown again when it is
// reselected.
func (c *Conversations) Select(ctx context.Context, conv Conversation) error {
	c.mu.Lock()
	prev := c.selected
	c.selected = &conv
	c.messages = nil
	for _, unsent := range []map[string]*Message{c.outbox, c.failed} {
		for _, m := range unsent {
			if m.ConversationID == conv.ID {
				c.messages = append(c.messages, m)
			}
		}
	}
	c.sortLocked()
	c.mu.Unlock()

	if prev != nil && prev.ID != conv.ID {
		c.sendSubscription(ctx, wire.TypeUnsubscribe, prev.ID)
	}
	c.sendSubscription(ctx, wire.TypeSubscribe, conv.ID)
	return c.load(ctx, conv.ID)
}

// Selected returns the active conversation.
func (c *Conversations) Selected() (Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return Conversation{}, false
	}
	return *c.selected, true
}

// Messages returns the displayed messages of the active conversation.
func (c *Conversations) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// LoadOlder fetches history page (1 is the newest) and merges it.
func (c *Conversations) LoadOlder(ctx context.Context, page int) error {
	conv, ok := c.Selected()
	if !ok {
		return ErrNoConversation
	}
	msgs, err := c.api.ListMessages(ctx, conv.ID, page)
	if err != nil {
		return fmt.Errorf("list messages of %s: %w", conv.ID, err)
	}
	c.merge(conv.ID, msgs)
	return nil
}

// Send delivers body to the active conversation. It is refused before
// anything is written when the connection is down or messaging is locked.
// On success the returned message is Pending; Updated reports when it
// becomes Sent or Failed.
func (c *Conversations) Send(ctx context.Context, body string) (Message, error) {
	conv, err := c.precheck(ctx, body)
	if err != nil {
		return Message{}, err
	}
	return c.enqueue(ctx, conv, body)
}

// Retry sends the body of a Failed message again under a new client ID. The
// failed entry is replaced by the new pending one.
func (c *Conversations) Retry(ctx context.Context, clientID string) (Message, error) {
	c.mu.Lock()
	m, ok := c.failed[clientID]
	shown := ok && c.isSelectedLocked(m.ConversationID)
	c.mu.Unlock()
	if !shown {
		return Message{}, ErrNotRetryable
	}

	conv, err := c.precheck(ctx, m.Body)
	if err != nil {
		return Message{}, err
	}
	c.mu.Lock()
	if _, ok := c.failed[clientID]; !ok {
		// Retried concurrently, or the server copy arrived.
		c.mu.Unlock()
		return Message{}, ErrNotRetryable
	}
	delete(c.failed, clientID)
	c.removeLocked(clientID)
	c.mu.Unlock()
	return c.enqueue(ctx, conv, m.Body)
}

// Close stops listening to the connection. Sends still pending are marked
// Failed and reported in the returned error.
func (c *Conversations) Close() error {
	unsubscribeAll(c.subs)
	c.cancel()

	c.mu.Lock()
	pending := make([]string, 0, len(c.outbox))
	for id := range c.outbox {
		pending = append(pending, id)
	}
	c.mu.Unlock()
	for _, id := range pending {
		c.fail(id, ErrClosed)
	}
	if len(pending) > 0 {
		return fmt.Errorf("%d messages left undelivered", len(pending))
	}
	return nil
}

func (c *Conversations) precheck(ctx context.Context, body string) (Conversation, error) {
	conv, ok := c.Selected()
	if !ok {
		return Conversation{}, ErrNoConversation
	}
	if strings.TrimSpace(body) == "" {
		return Conversation{}, errors.New("empty message")
	}
	if c.conn.Status() != StatusConnected {
		return Conversation{}, ErrNotConnected
	}
	ok, err := c.access.CanMessage(ctx, conv.Counterpart(c.self))
	if err != nil {
		return Conversation{}, err
	}
	if !ok {
		return Conversation{}, ErrNoAccess
	}
	return conv, nil
}

func (c *Conversations) enqueue(ctx context.Context, conv Conversation, body string) (Message, error) {
	msg := &Message{
		ClientID:       uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       c.self,
		Body:           body,
		SentAt:         time.Now(),
		State:          Pending,
	}
	env, err := wire.New(wire.TypeSendMessage, wire.SendMessage{
		ClientID:       msg.ClientID,
		ConversationID: conv.ID,
		Body:           body,
	})
	if err != nil {
		return Message{}, err
	}

	c.mu.Lock()
	c.outbox[msg.ClientID] = msg
	clientID := msg.ClientID
	c.timers[clientID] = time.AfterFunc(c.ackTimeout, func() { c.fail(clientID, ErrAckTimeout) })
	shown := c.isSelectedLocked(conv.ID)
	if shown {
		c.messages = append(c.messages, msg)
		c.sortLocked()
	}
	out := *msg
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if shown {
		c.Updated.emit(snap)
	}

	if err := c.conn.Send(ctx, env); err != nil {
		c.fail(clientID, err)
		out.State, out.Err = Failed, err
		return out, err
	}
	return out, nil
}

func (c *Conversations) handle(env wire.Envelope) {
	switch env.Type {
	case wire.TypeAck:
		var ack wire.Ack
		if err := env.Decode(&ack); err != nil {
			c.logger.Warn("Bad ack payload", "error", err)
			return
		}
		c.acknowledge(ack)
	case wire.TypeMessage:
		var m wire.Message
		if err := env.Decode(&m); err != nil {
			c.logger.Warn("Bad message payload", "error", err)
			return
		}
		c.merge(m.ConversationID, []wire.Message{m})
	case wire.TypeError:
		var e wire.Error
		if err := env.Decode(&e); err != nil {
			c.logger.Warn("Bad error payload", "error", err)
			return
		}
		if e.ClientID == "" {
			c.logger.Warn("Server error", "code", e.Code, "message", e.Message)
			return
		}
		c.fail(e.ClientID, &APIError{Code: e.Code, Message: e.Message})
	}
}

func (c *Conversations) acknowledge(ack wire.Ack) {
	c.mu.Lock()
	msg, ok := c.outbox[ack.ClientID]
	if !ok {
		delete(c.failed, ack.ClientID)
		c.mu.Unlock()
		// Timed out already, or not ours; the server copy still merges.
		c.merge(ack.Message.ConversationID, []wire.Message{ack.Message})
		return
	}
	c.settleLocked(msg, ack.Message)
	shown := c.isSelectedLocked(msg.ConversationID)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if shown {
		c.Updated.emit(snap)
	}
}

// settleLocked moves a pending msg to Sent with the server's identity.
func (c *Conversations) settleLocked(msg *Message, server wire.Message) {
	c.stopTimerLocked(msg.ClientID)
	delete(c.outbox, msg.ClientID)
	msg.State = Sent
	msg.ID = server.ID
	msg.SentAt = server.SentAt
	c.sortLocked()
}

func (c *Conversations) fail(clientID string, cause error) {
	c.mu.Lock()
	msg, ok := c.outbox[clientID]
	if !ok || msg.State != Pending {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(clientID)
	delete(c.outbox, clientID)
	c.failed[clientID] = msg
	msg.State = Failed
	msg.Err = cause
	failed := *msg
	shown := c.isSelectedLocked(msg.ConversationID)
	c.sortLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Warn("Message not delivered", "client_id", clientID, "error", cause)
	if shown {
		c.Updated.emit(snap)
	}
	c.SendFailed.emit(failed)
}

func (c *Conversations) merge(conversationID string, msgs []wire.Message) {
	c.mu.Lock()
	if !c.isSelectedLocked(conversationID) {
		c.mu.Unlock()
		return
	}
	changed := false
	for _, w := range msgs {
		if w.ConversationID != conversationID || c.indexByIDLocked(w.ID) >= 0 {
			continue
		}
		if w.ClientID != "" && w.SenderID == c.self {
			if i := c.indexByClientIDLocked(w.ClientID); i >= 0 {
				local := c.messages[i]
				if local.State == Pending {
					c.settleLocked(local, w)
					changed = true
					continue
				}
				c.messages = append(c.messages[:i], c.messages[i+1:]...)
			}
			delete(c.failed, w.ClientID)
		}
		m := messageFromWire(w)
		c.messages = append(c.messages, &m)
		changed = true
	}
	if !changed {
		c.mu.Unlock()
		return
	}
	c.sortLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.Updated.emit(snap)
}

// resync re-subscribes the active conversation and fills any gap left while
// the connection was down.
func (c *Conversations) resync() {
	conv, ok := c.Selected()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, resyncTimeout)
	defer cancel()
	c.sendSubscription(ctx, wire.TypeSubscribe, conv.ID)
	if err := c.fillGap(ctx, conv.ID); err != nil {
		c.logger.Warn("Could not resync conversation", "conversation", conv.ID, "error", err)
	}
}

// fillGap loads history from the newest page backwards until it reaches a
// message that was already shown, a short page or maxResyncPages.
func (c *Conversations) fillGap(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	known := make(map[string]bool, len(c.messages))
	for _, m := range c.messages {
		if m.ID != "" {
			known[m.ID] = true
		}
	}
	c.mu.Unlock()

	for page := 1; page <= maxResyncPages; page++ {
		msgs, err := c.api.ListMessages(ctx, conversationID, page)
		if err != nil {
			return fmt.Errorf("list messages of %s page %d: %w", conversationID, page, err)
		}
		c.merge(conversationID, msgs)
		if len(known) == 0 || len(msgs) < historyPageSize {
			return nil
		}
		if slices.ContainsFunc(msgs, func(m wire.Message) bool { return known[m.ID] }) {
			return nil
		}
		if conv, ok := c.Selected(); !ok || conv.ID != conversationID {
			return nil
		}
	}
	c.logger.Warn("Gap larger than resync window", "conversation", conversationID, "pages", maxResyncPages)
	return nil
}

func (c *Conversations) load(ctx context.Context, conversationID string) error {
	msgs, err := c.api.ListMessages(ctx, conversationID, 1)
	if err != nil {
		return fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	c.merge(conversationID, msgs)
	return nil
}

func (c *Conversations) sendSubscription(ctx context.Context, typ, conversationID string) {
	env, err := wire.New(typ, wire.Subscribe{ConversationID: conversationID})
	if err != nil {
		c.logger.Error("Could not build subscription", "error", err)
		return
	}
	// Without a connection the next (re)connect subscribes.
	if err := c.conn.Send(ctx, env); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Warn("Could not update subscription", "type", typ, "conversation", conversationID, "error", err)
	}
}

func (c *Conversations) isSelectedLocked(conversationID string) bool {
	return c.selected != nil && c.selected.ID == conversationID
}

func (c *Conversations) indexByIDLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range c.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversations) indexByClientIDLocked(clientID string) int {
	for i, m := range c.messages {
		if m.ClientID == clientID {
			return i
		}
	}
	return -1
}

func (c *Conversations) removeLocked(clientID string) {
	if i := c.indexByClientIDLocked(clientID); i >= 0 {
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
	}
}

func (c *Conversations) stopTimerLocked(clientID string) {
	if t, ok := c.timers[clientID]; ok {
		t.Stop()
		delete(c.timers, clientID)
	}
}

func (c *Conversations) sortLocked() {
	sort.SliceStable(c.messages, func(i, j int) bool {
		a, b := c.messages[i], c.messages[j]
		if (a.State == Pending) != (b.State == Pending) {
			return b.State == Pending
		}
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		return a.ID < b.ID
	})
}

func (c *Conversations) snapshotLocked() []Message {
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
	}
	return out
}
