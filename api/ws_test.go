package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/neilotoole/slogt"

	"github.com/jobboard/messaging/api"
	"github.com/jobboard/messaging/internal/memstore"
	"github.com/jobboard/messaging/wire"
)

type wsEnv struct {
	srv *httptest.Server
	db  *memstore.DB
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	db := memstore.NewDB()
	db.AddAccount("recruiter", "recruiter-token", 100)
	db.AddAccount("candidate", "candidate-token", 0)
	db.AddAccount("other", "other-token", 0)
	a := &api.API{DB: db, Cache: memstore.NewCache(), Logger: slogt.New(t)}
	srv := httptest.NewServer(a)
	t.Cleanup(func() {
		a.Close()
		srv.Close()
	})
	return &wsEnv{srv: srv, db: db}
}

func (e *wsEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Could not dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	env, err := wire.New(typ, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("Could not write %s: %v", typ, err)
	}
}

// expect reads frames until one of type typ arrives and decodes it into v.
func expect(t *testing.T, conn *websocket.Conn, typ string, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("Waiting for %s: %v", typ, err)
		}
		if env.Type != typ {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(env.Data, v); err != nil {
				t.Fatal(err)
			}
		}
		return
	}
}

func TestWS_Unauthorized(t *testing.T) {
	e := newWSEnv(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer nope"}})
	if err == nil {
		t.Fatal("Dial succeeded with an invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Got response %v, want 401", resp)
	}
}

func TestWS_Presence(t *testing.T) {
	e := newWSEnv(t)

	recruiter := e.dial(t, "recruiter-token")
	var online wire.OnlineUsers
	expect(t, recruiter, wire.TypeOnlineUsers, &online)
	if len(online.UserIDs) != 0 {
		t.Errorf("Got online users %v, want none", online.UserIDs)
	}

	candidate := e.dial(t, "candidate-token")
	expect(t, candidate, wire.TypeOnlineUsers, &online)
	if diff := cmp.Diff(online.UserIDs, []string{"recruiter"}); diff != "" {
		t.Errorf("Diff (-got +want)\n%s", diff)
	}

	var presence wire.UserPresence
	expect(t, recruiter, wire.TypeUserPresence, &presence)
	if diff := cmp.Diff(presence, wire.UserPresence{UserID: "candidate", IsOnline: true}); diff != "" {
		t.Errorf("Diff (-got +want)\n%s", diff)
	}

	send(t, recruiter, wire.TypeGetOnlineUsers, nil)
	expect(t, recruiter, wire.TypeOnlineUsers, &online)
	if diff := cmp.Diff(online.UserIDs, []string{"candidate"}); diff != "" {
		t.Errorf("Diff (-got +want)\n%s", diff)
	}

	candidate.Close()
	expect(t, recruiter, wire.TypeUserPresence, &presence)
	if diff := cmp.Diff(presence, wire.UserPresence{UserID: "candidate", IsOnline: false}); diff != "" {
		t.Errorf("Diff (-got +want)\n%s", diff)
	}
}

func TestWS_SendMessage(t *testing.T) {
	e := newWSEnv(t)
	ctx := context.Background()
	if _, err := e.db.Unlock(ctx, "recruiter", "candidate", 50); err != nil {
		t.Fatal(err)
	}
	conv, err := e.db.CreateOrGetConversation(ctx, "recruiter", "candidate", "job-1")
	if err != nil {
		t.Fatal(err)
	}

	recruiter := e.dial(t, "recruiter-token")
	candidate := e.dial(t, "candidate-token")
	send(t, recruiter, wire.TypeSubscribe, wire.Subscribe{ConversationID: conv.ID})
	send(t, candidate, wire.TypeSubscribe, wire.Subscribe{ConversationID: conv.ID})
	// Round trip so both subscriptions are registered before sending.
	send(t, candidate, wire.TypeGetOnlineUsers, nil)
	expect(t, candidate, wire.TypeOnlineUsers, nil)
	expect(t, candidate, wire.TypeOnlineUsers, nil)
	send(t, recruiter, wire.TypeGetOnlineUsers, nil)
	expect(t, recruiter, wire.TypeOnlineUsers, nil)
	expect(t, recruiter, wire.TypeOnlineUsers, nil)

	// The candidate answers through the recruiter's grant.
	send(t, candidate, wire.TypeSendMessage, wire.SendMessage{ClientID: "c-1", ConversationID: conv.ID, Body: "Hi!"})

	var ack wire.Ack
	expect(t, candidate, wire.TypeAck, &ack)
	if ack.ClientID != "c-1" || ack.Message.ID == "" || ack.Message.SenderID != "candidate" {
		t.Errorf("Unexpected ack %+v", ack)
	}

	var pushed wire.Message
	expect(t, recruiter, wire.TypeMessage, &pushed)
	if diff := cmp.Diff(pushed, ack.Message); diff != "" {
		t.Errorf("Diff (-got +want)\n%s", diff)
	}
}

func TestWS_SendMessage_Rejected(t *testing.T) {
	e := newWSEnv(t)
	ctx := context.Background()
	locked, err := e.db.CreateOrGetConversation(ctx, "recruiter", "candidate", "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		token    string
		msg      wire.SendMessage
		wantCode string
	}{
		{
			name:     "NoGrant",
			token:    "recruiter-token",
			msg:      wire.SendMessage{ClientID: "c-1", ConversationID: locked.ID, Body: "hello"},
			wantCode: wire.CodeNoAccess,
		},
		{
			name:     "NotParticipant",
			token:    "other-token",
			msg:      wire.SendMessage{ClientID: "c-2", ConversationID: locked.ID, Body: "hello"},
			wantCode: wire.CodeNotFound,
		},
		{
			name:     "EmptyBody",
			token:    "recruiter-token",
			msg:      wire.SendMessage{ClientID: "c-3", ConversationID: locked.ID, Body: "  "},
			wantCode: wire.CodeBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := e.dial(t, tt.token)
			send(t, conn, wire.TypeSendMessage, tt.msg)
			var got wire.Error
			expect(t, conn, wire.TypeError, &got)
			if got.ClientID != tt.msg.ClientID {
				t.Errorf("Got client ID %q, want %q", got.ClientID, tt.msg.ClientID)
			}
			if got.Code != tt.wantCode {
				t.Errorf("Got code %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}
