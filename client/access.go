package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// AccessAPI is the server surface the access controller needs. *REST
// implements it.
type AccessAPI interface {
	Balance(ctx context.Context) (int64, error)
	CheckAccess(ctx context.Context, targetID string) (AccessStatus, error)
	Unlock(ctx context.Context, targetID string) (UnlockResult, error)
}

type unlockCall struct {
	done chan struct{}
	res  UnlockResult
	err  error
}

// Access gates messaging behind paid unlocks. Concurrent Unlock calls for
// the same target share one server request, so a double submit charges once.
type Access struct {
	api    AccessAPI
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*unlockCall
}

func NewAccess(api AccessAPI, logger *slog.Logger) *Access {
	if logger == nil {
		logger = slog.Default()
	}
	return &Access{api: api, logger: logger, inflight: make(map[string]*unlockCall)}
}

func (a *Access) Balance(ctx context.Context) (int64, error) {
	return a.api.Balance(ctx)
}

func (a *Access) CheckAccess(ctx context.Context, targetID string) (AccessStatus, error) {
	st, err := a.api.CheckAccess(ctx, targetID)
	if err != nil {
		return AccessStatus{}, fmt.Errorf("check access to %s: %w", targetID, err)
	}
	return st, nil
}

func (a *Access) CanMessage(ctx context.Context, targetID string) (bool, error) {
	st, err := a.CheckAccess(ctx, targetID)
	if err != nil {
		return false, err
	}
	return st.CanMessage, nil
}

// Unlock pays for messaging targetID. Unlocking an already reachable target
// succeeds without charging. It fails with ErrInsufficientBalance before any
// server-side debit is attempted, and with ErrPartialUnlock when the server
// could not settle the debit and the grant together.
func (a *Access) Unlock(ctx context.Context, targetID string) (UnlockResult, error) {
	a.mu.Lock()
	if c, ok := a.inflight[targetID]; ok {
		a.mu.Unlock()
		select {
		case <-c.done:
			return c.res, c.err
		case <-ctx.Done():
			return UnlockResult{}, ctx.Err()
		}
	}
	c := &unlockCall{done: make(chan struct{})}
	a.inflight[targetID] = c
	a.mu.Unlock()

	c.res, c.err = a.unlock(ctx, targetID)

	a.mu.Lock()
	delete(a.inflight, targetID)
	a.mu.Unlock()
	close(c.done)
	return c.res, c.err
}

func (a *Access) unlock(ctx context.Context, targetID string) (UnlockResult, error) {
	st, err := a.CheckAccess(ctx, targetID)
	if err != nil {
		return UnlockResult{}, err
	}
	balance, err := a.api.Balance(ctx)
	if err != nil {
		return UnlockResult{}, fmt.Errorf("get balance: %w", err)
	}
	if st.CanMessage {
		return UnlockResult{Balance: balance, AlreadyGranted: true}, nil
	}
	if balance < st.UnlockCost {
		return UnlockResult{Balance: balance}, fmt.Errorf("unlock %s costs %d, balance is %d: %w",
			targetID, st.UnlockCost, balance, ErrInsufficientBalance)
	}

	res, err := a.api.Unlock(ctx, targetID)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 500 && !errors.Is(err, ErrPartialUnlock) {
			err = fmt.Errorf("%w: %w", ErrPartialUnlock, err)
		}
		a.logger.Warn("Unlock failed", "target", targetID, "error", err)
		return UnlockResult{}, fmt.Errorf("unlock %s: %w", targetID, err)
	}
	if res.Grant == nil || res.Grant.TargetID != targetID {
		a.logger.Error("Unlock returned no grant", "target", targetID, "balance", res.Balance)
		return res, fmt.Errorf("unlock %s: %w", targetID, ErrPartialUnlock)
	}
	a.logger.Info("Messaging unlocked", "target", targetID, "balance", res.Balance, "already_granted", res.AlreadyGranted)
	return res, nil
}

// AccessViewState is what a profile or conversation header renders.
type AccessViewState struct {
	Balance    int64
	CanMessage bool
	UnlockCost int64
	Unlocking  bool
	Err        error
}

// AccessView holds the access state for one target and applies unlocks
// optimistically, rolling back when the server refuses.
type AccessView struct {
	access   *Access
	targetID string

	Changed Event[AccessViewState]

	mu    sync.Mutex
	state AccessViewState
}

// View loads the balance and access status for targetID.
func (a *Access) View(ctx context.Context, targetID string) (*AccessView, error) {
	st, err := a.CheckAccess(ctx, targetID)
	if err != nil {
		return nil, err
	}
	balance, err := a.api.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &AccessView{
		access:   a,
		targetID: targetID,
		state:    AccessViewState{Balance: balance, CanMessage: st.CanMessage, UnlockCost: st.UnlockCost},
	}, nil
}

func (v *AccessView) State() AccessViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Unlock shows the target as unlocked and the cost as spent right away,
// then settles with the server. Calling it again while unlocked is a no-op.
func (v *AccessView) Unlock(ctx context.Context) error {
	v.mu.Lock()
	if v.state.CanMessage {
		v.mu.Unlock()
		return nil
	}
	prev := v.state
	prev.Err = nil
	v.state.Balance -= v.state.UnlockCost
	v.state.CanMessage = true
	v.state.Unlocking = true
	v.state.Err = nil
	optimistic := v.state
	v.mu.Unlock()
	v.Changed.emit(optimistic)

	res, err := v.access.Unlock(ctx, v.targetID)

	v.mu.Lock()
	if err != nil {
		v.state = prev
		v.state.Err = err
	} else {
		v.state.Balance = res.Balance
		v.state.Unlocking = false
	}
	final := v.state
	v.mu.Unlock()
	v.Changed.emit(final)
	return err
}
