// Package memstore implements the api storage interfaces in memory. It backs
// the server's -in-memory mode and end-to-end tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobboard/messaging/api"
)

var (
	_ api.DB    = (*DB)(nil)
	_ api.Cache = (*Cache)(nil)
)

type pair struct{ payer, target string }

// DB is an in-memory api.DB.
type DB struct {
	mu       sync.Mutex
	tokens   map[string]string
	balances map[string]int64
	grants   map[pair]api.AccessGrant
	convs    map[string]api.Conversation
	messages map[string][]api.Message
	debits   int
}

func NewDB() *DB {
	return &DB{
		tokens:   make(map[string]string),
		balances: make(map[string]int64),
		grants:   make(map[pair]api.AccessGrant),
		convs:    make(map[string]api.Conversation),
		messages: make(map[string][]api.Message),
	}
}

// AddAccount creates an account reachable with token.
func (db *DB) AddAccount(accountID, token string, balance int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tokens[token] = accountID
	db.balances[accountID] = balance
}

// RevokeToken makes token unusable.
func (db *DB) RevokeToken(token string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.tokens, token)
}

// Debits returns how many unlocks charged an account.
func (db *DB) Debits() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.debits
}

func (db *DB) AccountForToken(_ context.Context, token string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	id, ok := db.tokens[token]
	if !ok {
		return "", api.ErrUnauthorized
	}
	return id, nil
}

func (db *DB) Balance(_ context.Context, accountID string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	b, ok := db.balances[accountID]
	if !ok {
		return 0, api.ErrNotFound
	}
	return b, nil
}

func (db *DB) HasGrant(_ context.Context, payerID, targetID string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.grants[pair{payerID, targetID}]
	return ok, nil
}

func (db *DB) Unlock(_ context.Context, payerID, targetID string, cost int64) (api.UnlockResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	balance, ok := db.balances[payerID]
	if !ok {
		return api.UnlockResult{}, api.ErrNotFound
	}
	if _, ok := db.balances[targetID]; !ok {
		return api.UnlockResult{}, api.ErrNotFound
	}
	if g, ok := db.grants[pair{payerID, targetID}]; ok {
		return api.UnlockResult{Grant: g, Balance: balance, AlreadyGranted: true}, nil
	}
	if balance < cost {
		return api.UnlockResult{}, api.ErrInsufficientBalance
	}
	g := api.AccessGrant{PayerID: payerID, TargetID: targetID, Cost: cost, GrantedAt: time.Now()}
	db.grants[pair{payerID, targetID}] = g
	db.balances[payerID] = balance - cost
	db.debits++
	return api.UnlockResult{Grant: g, Balance: balance - cost}, nil
}

func (db *DB) CreateOrGetConversation(_ context.Context, a, b, convContext string) (api.Conversation, error) {
	if a > b {
		a, b = b, a
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, c := range db.convs {
		if c.Participants == [2]string{a, b} && c.Context == convContext {
			return c, nil
		}
	}
	c := api.Conversation{
		ID:           uuid.NewString(),
		Participants: [2]string{a, b},
		Context:      convContext,
		CreatedAt:    time.Now(),
	}
	db.convs[c.ID] = c
	return c, nil
}

func (db *DB) GetConversation(_ context.Context, conversationID string) (api.Conversation, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.convs[conversationID]
	if !ok {
		return api.Conversation{}, api.ErrNotFound
	}
	return c, nil
}

// ListMessages returns messages newest first.
func (db *DB) ListMessages(_ context.Context, conversationID string, limit int, offset int, excludeMsgIDs ...string) ([]api.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	exclude := make(map[string]bool, len(excludeMsgIDs))
	for _, id := range excludeMsgIDs {
		exclude[id] = true
	}
	all := db.messages[conversationID]
	var out []api.Message
	for i := len(all) - 1; i >= 0; i-- {
		if !exclude[all[i].ID] {
			out = append(out, all[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *DB) InsertMessage(_ context.Context, msg api.Message) (api.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	msg.ID = uuid.NewString()
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	db.messages[msg.ConversationID] = append(db.messages[msg.ConversationID], msg)
	return msg, nil
}

// Cache is an in-memory api.Cache.
type Cache struct {
	mu       sync.Mutex
	conns    map[string]int
	messages map[string][]api.Message
}

func NewCache() *Cache {
	return &Cache{
		conns:    make(map[string]int),
		messages: make(map[string][]api.Message),
	}
}

func (c *Cache) SetOnline(_ context.Context, accountID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[accountID]++
	return c.conns[accountID] == 1, nil
}

func (c *Cache) SetOffline(_ context.Context, accountID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[accountID]--
	if c.conns[accountID] <= 0 {
		delete(c.conns, accountID)
		return true, nil
	}
	return false, nil
}

func (c *Cache) OnlineUsers(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.conns))
	for id := range c.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ListMessages returns the cached messages newest first.
func (c *Cache) ListMessages(_ context.Context, conversationID string) ([]api.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached := c.messages[conversationID]
	out := make([]api.Message, len(cached))
	for i, m := range cached {
		out[len(cached)-1-i] = m
	}
	return out, nil
}

const cacheSize = 10

func (c *Cache) InsertMessage(_ context.Context, msg api.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := append(c.messages[msg.ConversationID], msg)
	if len(msgs) > cacheSize {
		msgs = msgs[len(msgs)-cacheSize:]
	}
	c.messages[msg.ConversationID] = msgs
	return nil
}
