package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jobboard/messaging/wire"
)

const cacheSize = 10

type conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	Context      string    `json:"context,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (a *API) createConversation(w http.ResponseWriter, r *http.Request, accountID string) {
	type request struct {
		CounterpartID string `json:"counterpart_id"`
		Context       string `json:"context"`
	}

	var body request
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, wire.CodeBadRequest, "Could not decode request body")
		return
	}
	r.Body.Close()

	counterpart := strings.TrimSpace(body.CounterpartID)
	if counterpart == "" || counterpart == accountID {
		a.respondError(w, http.StatusBadRequest, errors.New("invalid counterpart"), wire.CodeBadRequest, "Invalid counterpart")
		return
	}

	ok, err := a.canMessage(r.Context(), accountID, counterpart)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, wire.CodeInternal, "Could not check access")
		return
	}
	if !ok {
		a.respondError(w, http.StatusForbidden, errors.New("no access grant"), wire.CodeNoAccess, "Messaging is locked for this counterpart")
		return
	}

	conv, err := a.DB.CreateOrGetConversation(r.Context(), accountID, counterpart, body.Context)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, wire.CodeInternal, "Could not create conversation")
		return
	}
	a.respond(w, http.StatusOK, conversation{
		ID:           conv.ID,
		Participants: conv.Participants,
		Context:      conv.Context,
		CreatedAt:    conv.CreatedAt,
	})
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request, accountID string) {
	type response struct {
		Messages []wire.Message `json:"messages"`
	}

	conversationID := r.PathValue("conversationID")
	conv, err := a.DB.GetConversation(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.respondError(w, http.StatusNotFound, err, wire.CodeNotFound, "Conversation not found")
			return
		}
		a.respondError(w, http.StatusInternalServerError, err, wire.CodeInternal, "Could not get conversation")
		return
	}
	if !conv.HasParticipant(accountID) {
		a.respondError(w, http.StatusNotFound, errors.New("not a participant"), wire.CodeNotFound, "Conversation not found")
		return
	}

	p := r.URL.Query().Get("page")
	page, err := strconv.Atoi(p)
	if err != nil || page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	var msgs []Message
	if offset < cacheSize {
		// Get messages from cache
		msgs, err = a.Cache.ListMessages(r.Context(), conversationID)
		if err != nil {
			a.Logger.Error("Error listing messages from cache, trying database", "error", err.Error())
			msgs = nil
		}
		if len(msgs) > pageSize {
			msgs = msgs[:pageSize]
		}
	}
	cacheMsgCount := len(msgs)
	a.Logger.Info("Got messages from cache", "count", cacheMsgCount)

	// Get any remaining messages from DB
	msgIDs := make([]string, cacheMsgCount)
	for i, msg := range msgs {
		msgIDs[i] = msg.ID
	}
	var dbMsgs []Message
	if cacheMsgCount < pageSize {
		dbMsgs, err = a.DB.ListMessages(r.Context(), conversationID, pageSize-cacheMsgCount, offset, msgIDs...)
		if err != nil {
			a.respondError(w, http.StatusInternalServerError, err, wire.CodeInternal, "Could not list messages")
			return
		}
	}
	a.Logger.Info("Got remaining messages from DB", "count", len(dbMsgs))
	msgs = append(msgs, dbMsgs...)

	out := make([]wire.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Wire()
	}
	a.respond(w, http.StatusOK, response{Messages: out})
}
