package client

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Options configures a Session.
type Options struct {
	// BaseURL is the server's HTTP root, such as http://localhost:8080.
	BaseURL string
	// WebSocketURL defaults to BaseURL with a ws scheme and a /ws path.
	WebSocketURL string
	AccountID    string
	Tokens       TokenSource
	Config       Config
	Logger       *slog.Logger
	// Dialer overrides the WebSocket dialer.
	Dialer Dialer
}

// Session bundles the components a signed-in user needs, all sharing one
// connection.
type Session struct {
	REST          *REST
	Conn          *Manager
	Presence      *Presence
	Access        *Access
	Conversations *Conversations

	tokens TokenSource
}

func NewSession(opts Options) (*Session, error) {
	if opts.AccountID == "" {
		return nil, errors.New("session needs an account ID")
	}
	if opts.Tokens == nil {
		return nil, ErrEmptyToken
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		wsURL := opts.WebSocketURL
		if wsURL == "" {
			var err error
			if wsURL, err = webSocketURL(opts.BaseURL); err != nil {
				return nil, err
			}
		}
		dialer = &WebSocketDialer{URL: wsURL}
	}

	rest := NewREST(opts.BaseURL, opts.Tokens)
	conn := NewManager(dialer, opts.Tokens, opts.Config, logger.With("component", "connection"))
	access := NewAccess(rest, logger.With("component", "access"))
	return &Session{
		REST:          rest,
		Conn:          conn,
		Presence:      NewPresence(conn, logger.With("component", "presence")),
		Access:        access,
		Conversations: NewConversations(opts.AccountID, conn, access, rest, opts.Config, logger.With("component", "conversations")),
		tokens:        opts.Tokens,
	}, nil
}

// Open connects with the current token.
func (s *Session) Open(ctx context.Context) error {
	return s.Conn.Connect(ctx, s.tokens())
}

// Close tears the session down and reports every failure along the way.
func (s *Session) Close() error {
	var result *multierror.Error
	if err := s.Conversations.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.Presence.Close()
	if err := s.Conn.Disconnect(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func webSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
