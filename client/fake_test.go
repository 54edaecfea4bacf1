package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jobboard/messaging/wire"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	in     chan wire.Envelope
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []wire.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan wire.Envelope, 16), closed: make(chan struct{})}
}

func (t *fakeTransport) Send(_ context.Context, env wire.Envelope) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) Receive() (wire.Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closed:
		return wire.Envelope{}, errTransportClosed
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// push delivers an envelope as if the server had sent it.
func (t *fakeTransport) push(tb testing.TB, typ string, data any) {
	tb.Helper()
	env, err := wire.New(typ, data)
	if err != nil {
		tb.Fatal(err)
	}
	t.in <- env
}

func (t *fakeTransport) sentEnvelopes() []wire.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wire.Envelope(nil), t.sent...)
}

func (t *fakeTransport) sentTypes() []string {
	var out []string
	for _, env := range t.sentEnvelopes() {
		out = append(out, env.Type)
	}
	return out
}

type fakeDialer struct {
	mu     sync.Mutex
	errs   []error // outcome of each dial in turn; success once exhausted
	tokens []string
	conns  []*fakeTransport
	gate   chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Transport, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	t := newFakeTransport()
	d.conns = append(d.conns, t)
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// eventually fails the test if cond does not hold within two seconds.
func eventually(tb testing.TB, cond func() bool, msg string) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("Timed out waiting: %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func fastConfig() Config {
	return Config{
		DialTimeout:  time.Second,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2,
		AckTimeout:   time.Second,
	}
}
