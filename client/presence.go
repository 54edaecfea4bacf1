package client

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jobboard/messaging/wire"
)

const presenceRequestTimeout = 5 * time.Second

// Presence tracks which users are currently online. The set is rebuilt from
// the server on every (re)connect, kept current by presence updates and
// cleared while disconnected.
type Presence struct {
	conn   *Manager
	logger *slog.Logger

	// Changed receives the sorted online set after every change.
	Changed Event[[]string]

	mu     sync.Mutex
	online map[string]bool
	subs   []*Subscription
}

func NewPresence(conn *Manager, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Presence{conn: conn, logger: logger, online: make(map[string]bool)}
	p.subs = []*Subscription{
		conn.OnConnect.Subscribe(func(struct{}) { p.request() }),
		conn.OnReconnect.Subscribe(func(struct{}) { p.request() }),
		conn.OnDisconnect.Subscribe(func(string) { p.reset(nil) }),
		conn.OnEnvelope.Subscribe(p.handle),
	}
	return p
}

// IsOnline reports whether userID is online as of the last update.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

// Online returns the online users, sorted.
func (p *Presence) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Close detaches the tracker from its Manager.
func (p *Presence) Close() {
	unsubscribeAll(p.subs)
}

func (p *Presence) request() {
	env, err := wire.New(wire.TypeGetOnlineUsers, nil)
	if err != nil {
		p.logger.Error("Could not build presence request", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceRequestTimeout)
	defer cancel()
	if err := p.conn.Send(ctx, env); err != nil {
		p.logger.Warn("Could not request online users", "error", err)
	}
}

func (p *Presence) handle(env wire.Envelope) {
	switch env.Type {
	case wire.TypeOnlineUsers:
		var data wire.OnlineUsers
		if err := env.Decode(&data); err != nil {
			p.logger.Warn("Bad online users payload", "error", err)
			return
		}
		p.reset(data.UserIDs)
	case wire.TypeUserPresence:
		var data wire.UserPresence
		if err := env.Decode(&data); err != nil {
			p.logger.Warn("Bad presence payload", "error", err)
			return
		}
		p.set(data.UserID, data.IsOnline)
	}
}

func (p *Presence) reset(userIDs []string) {
	p.mu.Lock()
	if len(userIDs) == 0 && len(p.online) == 0 {
		p.mu.Unlock()
		return
	}
	p.online = make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		p.online[id] = true
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.Changed.emit(snap)
}

func (p *Presence) set(userID string, online bool) {
	p.mu.Lock()
	if p.online[userID] == online {
		p.mu.Unlock()
		return
	}
	if online {
		p.online[userID] = true
	} else {
		delete(p.online, userID)
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.Changed.emit(snap)
}

func (p *Presence) snapshotLocked() []string {
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
