package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobboard/messaging/wire"
)

// Transport is one live bidirectional connection to the server.
type Transport interface {
	Send(ctx context.Context, env wire.Envelope) error
	// Receive blocks until the next envelope arrives or the connection drops.
	Receive() (wire.Envelope, error)
	Close() error
}

// Dialer opens transports. Dial must fail with an error wrapping
// ErrUnauthorized when the server rejects the token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

const (
	// Longer than the server's ping period so a healthy idle connection
	// never trips it.
	defaultReadTimeout = 90 * time.Second
	pongWait           = time.Second
)

// WebSocketDialer dials the server's /ws endpoint.
type WebSocketDialer struct {
	URL         string
	Dialer      *websocket.Dialer
	ReadTimeout time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", d.URL, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	t := &wsTransport{conn: conn, readTimeout: readTimeout}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		t.wmu.Lock()
		defer t.wmu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(pongWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return t, nil
}

type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	// gorilla allows one concurrent writer; pongs share the lock.
	wmu sync.Mutex
}

func (t *wsTransport) Send(ctx context.Context, env wire.Envelope) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Receive() (wire.Envelope, error) {
	var env wire.Envelope
	if err := t.conn.ReadJSON(&env); err != nil {
		return wire.Envelope{}, err
	}
	t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	return env, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
