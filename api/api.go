package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jobboard/messaging/wire"
)

const (
	pageSize = 10

	// DefaultUnlockCost is the price in credits of unlocking messaging with
	// one counterpart.
	DefaultUnlockCost = 50

	defaultTokenCacheTTL = time.Minute
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUnlockInconsistent reports an unlock that failed after the debit
	// was issued, so its outcome is unknown to the caller.
	ErrUnlockInconsistent = errors.New("unlock inconsistent")
)

// A DB provides a storage layer that persists accounts, grants, conversations
// and messages.
type DB interface {
	AccountForToken(ctx context.Context, token string) (string, error)
	Balance(ctx context.Context, accountID string) (int64, error)
	HasGrant(ctx context.Context, payerID, targetID string) (bool, error)
	Unlock(ctx context.Context, payerID, targetID string, cost int64) (UnlockResult, error)
	CreateOrGetConversation(ctx context.Context, a, b, convContext string) (Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int, offset int, excludeMsgIDs ...string) ([]Message, error)
	InsertMessage(ctx context.Context, msg Message) (Message, error)
}

// A Cache provides presence tracking and caches recent messages.
type Cache interface {
	SetOnline(ctx context.Context, accountID string) (bool, error)
	SetOffline(ctx context.Context, accountID string) (bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	InsertMessage(ctx context.Context, msg Message) error
}

// API provides the REST and WebSocket endpoints for the application.
type API struct {
	Logger *slog.Logger
	DB     DB
	Cache  Cache

	// UnlockCost defaults to DefaultUnlockCost.
	UnlockCost int64
	// TokenCacheTTL bounds how long a resolved token is trusted without a
	// database lookup.
	TokenCacheTTL time.Duration

	once   sync.Once
	mux    *http.ServeMux
	hub    *hub
	tokens *cache.Cache
}

func (a *API) setupRoutes() {
	if a.UnlockCost <= 0 {
		a.UnlockCost = DefaultUnlockCost
	}
	if a.TokenCacheTTL <= 0 {
		a.TokenCacheTTL = defaultTokenCacheTTL
	}
	a.tokens = cache.New(a.TokenCacheTTL, 2*a.TokenCacheTTL)
	a.hub = newHub()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /balance", a.authed(a.getBalance))
	mux.HandleFunc("GET /access/{targetID}", a.authed(a.checkAccess))
	mux.HandleFunc("POST /access/{targetID}/unlock", a.authed(a.unlock))
	mux.HandleFunc("POST /conversations", a.authed(a.createConversation))
	mux.HandleFunc("GET /conversations/{conversationID}/messages", a.authed(a.listMessages))
	mux.HandleFunc("GET /ws", a.serveWS)

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

// Close disconnects all transport clients.
func (a *API) Close() {
	a.once.Do(a.setupRoutes)
	a.hub.closeAll()
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, code, msg string) {
	type response struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	a.Logger.Error("Error", "error", err.Error(), "code", code)
	a.respond(w, status, response{Error: msg, Code: code})
}

// authenticate resolves the bearer token of the request to an account ID.
func (a *API) authenticate(ctx context.Context, header string) (string, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", ErrUnauthorized
	}
	if id, found := a.tokens.Get(token); found {
		return id.(string), nil
	}
	id, err := a.DB.AccountForToken(ctx, token)
	if err != nil {
		return "", err
	}
	a.tokens.SetDefault(token, id)
	return id, nil
}

type authedHandler func(w http.ResponseWriter, r *http.Request, accountID string)

func (a *API) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := a.authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				a.respondError(w, http.StatusUnauthorized, err, wire.CodeUnauthorized, "Invalid or missing token")
				return
			}
			a.respondError(w, http.StatusInternalServerError, err, wire.CodeInternal, "Could not authenticate")
			return
		}
		h(w, r, accountID)
	}
}

// canMessage reports whether sender may message recipient: either side
// having paid for the pair is enough.
func (a *API) canMessage(ctx context.Context, sender, recipient string) (bool, error) {
	ok, err := a.DB.HasGrant(ctx, sender, recipient)
	if err != nil || ok {
		return ok, err
	}
	return a.DB.HasGrant(ctx, recipient, sender)
}
