package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobboard/messaging/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 64 << 10
	sendBuffer = 256
)

var upgrader = &websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type connection struct {
	// The websocket connection
	ws *websocket.Conn

	// Buffered channel of outbound frames. Closed by hub.unregister under
	// hub.mu; senders hold hub.mu for reading.
	send chan []byte

	accountID string

	// Conversations this connection is subscribed to. Guarded by hub.mu.
	subs map[string]struct{}

	closeOnce sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// hub tracks live connections per account and per conversation.
type hub struct {
	mu        sync.RWMutex
	byAccount map[string]map[*connection]struct{}
	subs      map[string]map[*connection]struct{}
}

func newHub() *hub {
	return &hub{
		byAccount: make(map[string]map[*connection]struct{}),
		subs:      make(map[string]map[*connection]struct{}),
	}
}

// register adds c and reports whether it is the first connection of its
// account.
func (h *hub) register(c *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.byAccount[c.accountID]
	if !ok {
		conns = make(map[*connection]struct{})
		h.byAccount[c.accountID] = conns
	}
	conns[c] = struct{}{}
	return len(conns) == 1
}

// unregister removes c and reports whether it was the last connection of its
// account.
func (h *hub) unregister(c *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for convID := range c.subs {
		h.removeSub(convID, c)
	}
	c.subs = nil
	c.close()

	conns, ok := h.byAccount[c.accountID]
	if !ok {
		return false
	}
	if _, ok := conns[c]; !ok {
		return false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.byAccount, c.accountID)
		return true
	}
	return false
}

func (h *hub) subscribe(c *connection, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]struct{})
	}
	c.subs[conversationID] = struct{}{}
	conns, ok := h.subs[conversationID]
	if !ok {
		conns = make(map[*connection]struct{})
		h.subs[conversationID] = conns
	}
	conns[c] = struct{}{}
}

func (h *hub) unsubscribe(c *connection, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.subs, conversationID)
	h.removeSub(conversationID, c)
}

func (h *hub) removeSub(conversationID string, c *connection) {
	conns, ok := h.subs[conversationID]
	if !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.subs, conversationID)
	}
}

// accounts returns the IDs of all accounts with a live connection.
func (h *hub) accounts() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byAccount))
	for id := range h.byAccount {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// broadcast sends frame to every connection except the ones of skipAccount.
func (h *hub) broadcast(frame []byte, skipAccount string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, conns := range h.byAccount {
		if id == skipAccount {
			continue
		}
		for c := range conns {
			deliverLocked(c, frame)
		}
	}
}

// publish sends frame to the subscribers of a conversation except skip.
func (h *hub) publish(conversationID string, frame []byte, skip *connection) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subs[conversationID] {
		if c != skip {
			deliverLocked(c, frame)
		}
	}
}

// enqueue sends frame to c unless c has unregistered.
func (h *hub) enqueue(c *connection, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.byAccount[c.accountID][c]; !ok {
		return
	}
	deliverLocked(c, frame)
}

func (h *hub) closeAll() {
	h.mu.RLock()
	var all []*connection
	for _, conns := range h.byAccount {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.ws.Close()
	}
}

// deliverLocked hands frame to the writer of c. A client that cannot keep up
// is disconnected. The caller holds hub.mu and has checked that c is
// registered.
func deliverLocked(c *connection, frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.ws.Close()
	}
}

func (a *API) serveWS(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			header = "Bearer " + token
		}
	}
	accountID, err := a.authenticate(r.Context(), header)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			a.respondError(w, http.StatusUnauthorized, err, wire.CodeUnauthorized, "Invalid or missing token")
			return
		}
		a.respondError(w, http.StatusInternalServerError, err, wire.CodeInternal, "Could not authenticate")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Error("Error upgrading to websockets", "error", err.Error())
		return
	}

	c := &connection{ws: ws, send: make(chan []byte, sendBuffer), accountID: accountID}
	ctx := r.Context()
	a.connected(ctx, c)
	defer a.disconnected(context.WithoutCancel(ctx), c)

	go a.writer(c)
	a.reader(ctx, c)
}

func (a *API) connected(ctx context.Context, c *connection) {
	first := a.hub.register(c)
	online, err := a.Cache.SetOnline(ctx, c.accountID)
	if err != nil {
		a.Logger.Error("Could not record presence", "account", c.accountID, "error", err.Error())
		online = first
	}
	a.Logger.Info("Transport connected", "account", c.accountID, "first", online)
	if online {
		a.broadcastPresence(c.accountID, true)
	}
	a.sendOnlineUsers(ctx, c)
}

func (a *API) disconnected(ctx context.Context, c *connection) {
	last := a.hub.unregister(c)
	offline, err := a.Cache.SetOffline(ctx, c.accountID)
	if err != nil {
		a.Logger.Error("Could not clear presence", "account", c.accountID, "error", err.Error())
		offline = last
	}
	a.Logger.Info("Transport disconnected", "account", c.accountID, "last", offline)
	if offline {
		a.broadcastPresence(c.accountID, false)
	}
}

func (a *API) broadcastPresence(accountID string, online bool) {
	f, err := frame(wire.TypeUserPresence, wire.UserPresence{UserID: accountID, IsOnline: online})
	if err != nil {
		a.Logger.Error("Could not encode presence", "error", err.Error())
		return
	}
	a.hub.broadcast(f, accountID)
}

func (a *API) sendOnlineUsers(ctx context.Context, c *connection) {
	ids, err := a.Cache.OnlineUsers(ctx)
	if err != nil {
		a.Logger.Error("Could not list online users from cache, using local connections", "error", err.Error())
		ids = a.hub.accounts()
	}
	others := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != c.accountID {
			others = append(others, id)
		}
	}
	a.sendTo(c, wire.TypeOnlineUsers, wire.OnlineUsers{UserIDs: others})
}

func (a *API) reader(ctx context.Context, c *connection) {
	c.ws.SetReadLimit(maxFrame)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.sendError(c, "", wire.CodeBadRequest, "Invalid frame")
			continue
		}
		a.handleEnvelope(ctx, c, env)
	}
	c.ws.Close()
}

func (a *API) writer(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (a *API) handleEnvelope(ctx context.Context, c *connection, env wire.Envelope) {
	switch env.Type {
	case wire.TypeGetOnlineUsers:
		a.sendOnlineUsers(ctx, c)
	case wire.TypeSubscribe:
		var sub wire.Subscribe
		if err := env.Decode(&sub); err != nil {
			a.sendError(c, "", wire.CodeBadRequest, "Invalid subscribe")
			return
		}
		if _, ok := a.participantConversation(ctx, c, sub.ConversationID, ""); !ok {
			return
		}
		a.hub.subscribe(c, sub.ConversationID)
	case wire.TypeUnsubscribe:
		var sub wire.Subscribe
		if err := env.Decode(&sub); err != nil {
			a.sendError(c, "", wire.CodeBadRequest, "Invalid unsubscribe")
			return
		}
		a.hub.unsubscribe(c, sub.ConversationID)
	case wire.TypeSendMessage:
		a.handleSendMessage(ctx, c, env)
	default:
		a.sendError(c, "", wire.CodeBadRequest, "Unknown event type "+env.Type)
	}
}

func (a *API) handleSendMessage(ctx context.Context, c *connection, env wire.Envelope) {
	var req wire.SendMessage
	if err := env.Decode(&req); err != nil {
		a.sendError(c, "", wire.CodeBadRequest, "Invalid message")
		return
	}
	if req.ClientID == "" || strings.TrimSpace(req.Body) == "" {
		a.sendError(c, req.ClientID, wire.CodeBadRequest, "Message requires client_id and body")
		return
	}
	conv, ok := a.participantConversation(ctx, c, req.ConversationID, req.ClientID)
	if !ok {
		return
	}
	allowed, err := a.canMessage(ctx, c.accountID, conv.Counterpart(c.accountID))
	if err != nil {
		a.Logger.Error("Could not check access", "error", err.Error())
		a.sendError(c, req.ClientID, wire.CodeInternal, "Could not check access")
		return
	}
	if !allowed {
		a.sendError(c, req.ClientID, wire.CodeNoAccess, "Messaging is locked for this counterpart")
		return
	}

	msg, err := a.DB.InsertMessage(ctx, Message{
		ClientID:       req.ClientID,
		ConversationID: conv.ID,
		SenderID:       c.accountID,
		Body:           req.Body,
		SentAt:         time.Now(),
	})
	if err != nil {
		a.Logger.Error("Could not insert message", "error", err.Error())
		a.sendError(c, req.ClientID, wire.CodeInternal, "Could not insert message")
		return
	}
	if err := a.Cache.InsertMessage(ctx, msg); err != nil {
		a.Logger.Error("Could not cache message", "error", err.Error())
	}

	a.sendTo(c, wire.TypeAck, wire.Ack{ClientID: req.ClientID, Message: msg.Wire()})
	push, err := frame(wire.TypeMessage, msg.Wire())
	if err != nil {
		a.Logger.Error("Could not encode message", "error", err.Error())
		return
	}
	a.hub.publish(conv.ID, push, c)
}

// participantConversation loads a conversation and checks that the
// connection's account takes part in it, replying with an error otherwise.
func (a *API) participantConversation(ctx context.Context, c *connection, conversationID, clientID string) (Conversation, bool) {
	conv, err := a.DB.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.sendError(c, clientID, wire.CodeNotFound, "Conversation not found")
			return Conversation{}, false
		}
		a.Logger.Error("Could not get conversation", "error", err.Error())
		a.sendError(c, clientID, wire.CodeInternal, "Could not get conversation")
		return Conversation{}, false
	}
	if !conv.HasParticipant(c.accountID) {
		a.sendError(c, clientID, wire.CodeNotFound, "Conversation not found")
		return Conversation{}, false
	}
	return conv, true
}

func (a *API) sendTo(c *connection, typ string, data any) {
	f, err := frame(typ, data)
	if err != nil {
		a.Logger.Error("Could not encode frame", "type", typ, "error", err.Error())
		return
	}
	a.hub.enqueue(c, f)
}

func (a *API) sendError(c *connection, clientID, code, msg string) {
	a.sendTo(c, wire.TypeError, wire.Error{ClientID: clientID, Code: code, Message: msg})
}

func frame(typ string, data any) ([]byte, error) {
	env, err := wire.New(typ, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
