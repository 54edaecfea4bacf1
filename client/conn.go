package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jobboard/messaging/wire"
)

// Status is the lifecycle state of a Manager.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ReasonClientDisconnect is the Disconnected reason for Manager.Disconnect.
const ReasonClientDisconnect = "client disconnect"

// Config tunes connection and delivery timing.
type Config struct {
	DialTimeout time.Duration
	// The first retry waits InitialDelay; each further one multiplies it by
	// Multiplier up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// AckTimeout bounds how long a sent message may stay pending.
	AckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:  10 * time.Second,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		AckTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = max(d.MaxDelay, c.InitialDelay)
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	return c
}

func (c Config) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// TokenSource returns the current auth token. It is consulted before every
// reconnect attempt so a refreshed token is picked up.
type TokenSource func() string

// ConnectionError describes a failed reconnect attempt.
type ConnectionError struct {
	Attempt   int
	NextDelay time.Duration
	Err       error
}

// State is a snapshot of the Manager for rendering.
type State struct {
	Status    Status
	Attempt   int
	NextDelay time.Duration
}

// Manager owns the lifecycle of the single transport to the server. It
// connects on demand, reconnects with exponential backoff after an
// unexpected drop, and fans inbound envelopes out to subscribers.
type Manager struct {
	dialer Dialer
	tokens TokenSource
	cfg    Config
	logger *slog.Logger

	OnConnect         Event[struct{}]
	OnDisconnect      Event[string]
	OnConnectionError Event[ConnectionError]
	OnReconnecting    Event[int]
	OnReconnect       Event[struct{}]
	OnAuthFailed      Event[error]
	OnStatus          Event[Status]
	OnEnvelope        Event[wire.Envelope]

	retryNow chan struct{}

	mu         sync.Mutex
	status     Status
	connecting bool
	token      string
	transport  Transport
	attempt    int
	nextDelay  time.Duration
	bo         *backoff.ExponentialBackOff
	stopRetry  context.CancelFunc
}

// NewManager returns a disconnected Manager. tokens may be nil, in which
// case reconnects reuse the token passed to Connect.
func NewManager(dialer Dialer, tokens TokenSource, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		dialer:   dialer,
		tokens:   tokens,
		cfg:      cfg,
		logger:   logger,
		retryNow: make(chan struct{}, 1),
		bo:       cfg.backoff(),
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Status: m.status, Attempt: m.attempt, NextDelay: m.nextDelay}
}

// Connect dials the server with token. It fails fast on an empty token, a
// connect already in flight or an existing connection.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	m.mu.Lock()
	if m.connecting {
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.connecting = true
	m.token = token
	m.status = StatusConnecting
	m.mu.Unlock()
	m.OnStatus.emit(StatusConnecting)

	t, err := m.dial(ctx, token)

	m.mu.Lock()
	m.connecting = false
	if m.status != StatusConnecting {
		// Disconnect won the race.
		m.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return ErrClosed
	}
	if err != nil {
		m.status = StatusDisconnected
		m.mu.Unlock()
		m.logger.Warn("Could not connect", "error", err)
		m.OnStatus.emit(StatusDisconnected)
		if errors.Is(err, ErrUnauthorized) {
			m.OnAuthFailed.emit(err)
		}
		return err
	}
	m.attachLocked(t)
	m.mu.Unlock()

	m.logger.Info("Connected")
	go m.readLoop(t)
	m.OnStatus.emit(StatusConnected)
	m.OnConnect.emit(struct{}{})
	return nil
}

// Disconnect closes the connection and stops any pending reconnect. It is
// idempotent and safe in every state.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	prev := m.status
	t := m.transport
	m.transport = nil
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	m.status = StatusDisconnected
	m.attempt = 0
	m.nextDelay = 0
	m.mu.Unlock()

	if prev == StatusDisconnected {
		return nil
	}
	var err error
	if t != nil {
		err = t.Close()
	}
	m.logger.Info("Disconnected", "reason", ReasonClientDisconnect)
	m.OnStatus.emit(StatusDisconnected)
	m.OnDisconnect.emit(ReasonClientDisconnect)
	return err
}

// Reconnect retries immediately. While backing off it skips the remaining
// delay; when disconnected it connects again with the last known token.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	status := m.status
	m.mu.Unlock()

	switch status {
	case StatusReconnecting:
		select {
		case m.retryNow <- struct{}{}:
		default:
		}
		return nil
	case StatusDisconnected:
		return m.Connect(ctx, m.currentToken())
	}
	return nil
}

// Send writes env on the live transport.
func (m *Manager) Send(ctx context.Context, env wire.Envelope) error {
	m.mu.Lock()
	t := m.transport
	status := m.status
	m.mu.Unlock()
	if status != StatusConnected || t == nil {
		return ErrNotConnected
	}
	if err := t.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

func (m *Manager) currentToken() string {
	if m.tokens != nil {
		if t := m.tokens(); t != "" {
			return t
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Manager) dial(ctx context.Context, token string) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	return m.dialer.Dial(ctx, token)
}

func (m *Manager) attachLocked(t Transport) {
	m.transport = t
	m.status = StatusConnected
	m.attempt = 0
	m.nextDelay = 0
	m.stopRetry = nil
}

func (m *Manager) readLoop(t Transport) {
	for {
		env, err := t.Receive()
		if err != nil {
			m.dropped(t, err)
			return
		}
		m.OnEnvelope.emit(env)
	}
}

// dropped handles the loss of t. A transport that was closed on purpose or
// already replaced is ignored.
func (m *Manager) dropped(t Transport, cause error) {
	m.mu.Lock()
	if m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	select {
	case <-m.retryNow:
	default:
	}
	m.status = StatusReconnecting
	m.bo.Reset()
	m.nextDelay = m.bo.NextBackOff()
	ctx, cancel := context.WithCancel(context.Background())
	m.stopRetry = cancel
	m.mu.Unlock()

	t.Close()

	m.logger.Warn("Connection lost", "error", cause)
	m.OnStatus.emit(StatusReconnecting)
	m.OnDisconnect.emit(cause.Error())
	go m.retry(ctx)
}

func (m *Manager) retry(ctx context.Context) {
	for {
		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		m.attempt++
		attempt := m.attempt
		delay := m.nextDelay
		m.mu.Unlock()

		m.logger.Info("Reconnecting", "attempt", attempt, "delay", delay)
		m.OnReconnecting.emit(attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.retryNow:
			timer.Stop()
		case <-timer.C:
		}

		t, err := m.dial(ctx, m.currentToken())

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			if t != nil {
				t.Close()
			}
			return
		}
		if err == nil {
			m.attachLocked(t)
			m.mu.Unlock()
			m.logger.Info("Reconnected", "attempt", attempt)
			go m.readLoop(t)
			m.OnStatus.emit(StatusConnected)
			m.OnReconnect.emit(struct{}{})
			return
		}
		if errors.Is(err, ErrUnauthorized) {
			m.status = StatusDisconnected
			m.attempt = 0
			m.nextDelay = 0
			m.stopRetry = nil
			m.mu.Unlock()
			m.logger.Warn("Reconnect rejected, giving up", "error", err)
			m.OnStatus.emit(StatusDisconnected)
			m.OnAuthFailed.emit(err)
			return
		}
		m.nextDelay = m.bo.NextBackOff()
		next := m.nextDelay
		m.mu.Unlock()

		m.logger.Warn("Reconnect failed", "attempt", attempt, "next_delay", next, "error", err)
		m.OnConnectionError.emit(ConnectionError{Attempt: attempt, NextDelay: next, Err: err})
	}
}
