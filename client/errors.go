package client

import (
	"errors"
	"fmt"

	"github.com/jobboard/messaging/wire"
)

var (
	ErrEmptyToken        = errors.New("empty auth token")
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected")
	ErrClosed            = errors.New("connection closed by client")
	ErrUnauthorized      = errors.New("unauthorized")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPartialUnlock       = errors.New("unlock left debit and grant inconsistent")
	ErrNoAccess            = errors.New("messaging is locked for this counterpart")

	ErrNoConversation = errors.New("no conversation selected")
	ErrAckTimeout     = errors.New("no delivery acknowledgement")
	ErrNotRetryable   = errors.New("message is not a failed send")
)

// APIError is an error response from the server, over REST or the transport.
type APIError struct {
	Status  int // HTTP status; zero for transport errors
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %s: %s", e.Code, e.Message)
}

// Is maps server error codes onto the package's sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Code == wire.CodeUnauthorized
	case ErrInsufficientBalance:
		return e.Code == wire.CodeInsufficientBalance
	case ErrPartialUnlock:
		return e.Code == wire.CodeUnlockInconsistent
	case ErrNoAccess:
		return e.Code == wire.CodeNoAccess
	}
	return false
}

// IsRetryable reports whether the user should be offered to try the
// operation again. Insufficient balance routes to a top-up instead, and an
// auth failure requires logging in again.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrNoAccess),
		errors.Is(err, ErrEmptyToken):
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Code == wire.CodeBadRequest || apiErr.Code == wire.CodeNotFound) {
		return false
	}
	return true
}
