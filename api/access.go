package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jobboard/messaging/wire"
)

type accessGrant struct {
	PayerID   string    `json:"payer_id"`
	TargetID  string    `json:"target_id"`
	Cost      int64     `json:"cost"`
	GrantedAt time.Time `json:"granted_at"`
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, accountID string) {
	type response struct {
		Balance int64 `json:"balance"`
	}

	balance, err := a.DB.Balance(r.Context(), accountID)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, wire.CodeInternal, "Could not get balance")
		return
	}
	a.respond(w, http.StatusOK, response{Balance: balance})
}

func (a *API) checkAccess(w http.ResponseWriter, r *http.Request, accountID string) {
	type response struct {
		CanMessage bool   `json:"can_message"`
		Reason     string `json:"reason,omitempty"`
		UnlockCost int64  `json:"unlock_cost"`
	}

	targetID := strings.TrimSpace(r.PathValue("targetID"))
	if targetID == "" || targetID == accountID {
		a.respondError(w, http.StatusBadRequest, errors.New("invalid target"), wire.CodeBadRequest, "Invalid target")
		return
	}

	ok, err := a.canMessage(r.Context(), accountID, targetID)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, wire.CodeInternal, "Could not check access")
		return
	}
	res := response{CanMessage: ok, UnlockCost: a.UnlockCost}
	if !ok {
		res.Reason = "locked"
	}
	a.respond(w, http.StatusOK, res)
}

func (a *API) unlock(w http.ResponseWriter, r *http.Request, accountID string) {
	type response struct {
		Balance        int64        `json:"balance"`
		AlreadyGranted bool         `json:"already_granted"`
		Grant          *accessGrant `json:"grant"`
	}

	targetID := strings.TrimSpace(r.PathValue("targetID"))
	if targetID == "" || targetID == accountID {
		a.respondError(w, http.StatusBadRequest, errors.New("invalid target"), wire.CodeBadRequest, "Invalid target")
		return
	}

	res, err := a.DB.Unlock(r.Context(), accountID, targetID, a.UnlockCost)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			a.respondError(w, http.StatusPaymentRequired, err, wire.CodeInsufficientBalance, "Insufficient balance")
		case errors.Is(err, ErrNotFound):
			a.respondError(w, http.StatusNotFound, err, wire.CodeNotFound, "Account not found")
		case errors.Is(err, ErrUnlockInconsistent):
			a.respondError(w, http.StatusInternalServerError, err, wire.CodeUnlockInconsistent, "Could not settle unlock")
		default:
			a.respondError(w, http.StatusInternalServerError, err, wire.CodeInternal, "Could not unlock messaging")
		}
		return
	}
	a.Logger.Info("Messaging unlocked",
		"payer", accountID, "target", targetID, "already_granted", res.AlreadyGranted, "balance", res.Balance)

	a.respond(w, http.StatusOK, response{
		Balance:        res.Balance,
		AlreadyGranted: res.AlreadyGranted,
		Grant: &accessGrant{
			PayerID:   res.Grant.PayerID,
			TargetID:  res.Grant.TargetID,
			Cost:      res.Grant.Cost,
			GrantedAt: res.Grant.GrantedAt,
		},
	})
}
