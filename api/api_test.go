package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

const testToken = "recruiter-token"

func TestAPI_auth(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		db         *testdb
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Missing",
			wantStatus: 401,
			wantBody: `{
				"error": "Invalid or missing token",
				"code": "unauthorized"
			}`,
		},
		{
			name:   "Unknown",
			header: "Bearer nope",
			db: &testdb{
				accountForToken: func(t *testing.T, token string) (string, error) {
					return "", ErrUnauthorized
				},
			},
			wantStatus: 401,
			wantBody: `{
				"error": "Invalid or missing token",
				"code": "unauthorized"
			}`,
		},
		{
			name:   "DBError",
			header: "Bearer " + testToken,
			db: &testdb{
				accountForToken: func(t *testing.T, token string) (string, error) {
					return "", errors.New("something went wrong")
				},
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not authenticate",
				"code": "internal"
			}`,
		},
		{
			name:   "OK",
			header: "Bearer " + testToken,
			db: &testdb{
				accountForToken: func(t *testing.T, token string) (string, error) {
					if token != testToken {
						t.Errorf("Got token %q, want %q", token, testToken)
					}
					return "recruiter", nil
				},
				balance: func(t *testing.T, accountID string) (int64, error) {
					if accountID != "recruiter" {
						t.Errorf("Got account %q, want recruiter", accountID)
					}
					return 100, nil
				},
			},
			wantStatus: 200,
			wantBody: `{
				"balance": 100
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.db == nil {
				tt.db = &testdb{}
			}
			tt.db.T = t
			api := &API{
				DB:     tt.db,
				Cache:  &testcache{T: t},
				Logger: slogt.New(t),
			}

			srv := httptest.NewServer(api)
			defer srv.Close()

			req, _ := http.NewRequest("GET", srv.URL+"/balance", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_authCachesTokens(t *testing.T) {
	var lookups atomic.Int32
	db := &testdb{
		T: t,
		accountForToken: func(t *testing.T, token string) (string, error) {
			lookups.Add(1)
			return "recruiter", nil
		},
		balance: func(t *testing.T, accountID string) (int64, error) {
			return 100, nil
		},
	}
	api := &API{DB: db, Cache: &testcache{T: t}, Logger: slogt.New(t)}
	srv := httptest.NewServer(api)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		resp := do(t, "GET", srv.URL+"/balance", "")
		checkStatus(t, resp.StatusCode, 200)
		resp.Body.Close()
	}
	if n := lookups.Load(); n != 1 {
		t.Errorf("Got %d token lookups, want 1", n)
	}
}

func TestAPI_checkAccess(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		grants     map[[2]string]bool
		hasGrant   func(t *testing.T, payerID, targetID string) (bool, error)
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Locked",
			target:     "candidate",
			wantStatus: 200,
			wantBody: `{
				"can_message": false,
				"reason": "locked",
				"unlock_cost": 50
			}`,
		},
		{
			name:       "PaidBySelf",
			target:     "candidate",
			grants:     map[[2]string]bool{{"recruiter", "candidate"}: true},
			wantStatus: 200,
			wantBody: `{
				"can_message": true,
				"unlock_cost": 50
			}`,
		},
		{
			name:       "PaidByCounterpart",
			target:     "candidate",
			grants:     map[[2]string]bool{{"candidate", "recruiter"}: true},
			wantStatus: 200,
			wantBody: `{
				"can_message": true,
				"unlock_cost": 50
			}`,
		},
		{
			name:       "Self",
			target:     "recruiter",
			wantStatus: 400,
			wantBody: `{
				"error": "Invalid target",
				"code": "bad_request"
			}`,
		},
		{
			name:   "DBError",
			target: "candidate",
			hasGrant: func(t *testing.T, payerID, targetID string) (bool, error) {
				return false, errors.New("something went wrong")
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not check access",
				"code": "internal"
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := authedDB(t)
			db.hasGrant = tt.hasGrant
			if db.hasGrant == nil {
				db.hasGrant = func(t *testing.T, payerID, targetID string) (bool, error) {
					return tt.grants[[2]string{payerID, targetID}], nil
				}
			}
			api := &API{DB: db, Cache: &testcache{T: t}, Logger: slogt.New(t)}
			srv := httptest.NewServer(api)
			defer srv.Close()

			resp := do(t, "GET", srv.URL+"/access/"+tt.target, "")
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_unlock(t *testing.T) {
	grantedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		unlock      func(t *testing.T, payerID, targetID string, cost int64) (UnlockResult, error)
		wantStatus  int
		wantBody    string
		containsLog string
	}{
		{
			name: "OK",
			unlock: func(t *testing.T, payerID, targetID string, cost int64) (UnlockResult, error) {
				if payerID != "recruiter" || targetID != "candidate" {
					t.Errorf("Got pair (%q, %q), want (recruiter, candidate)", payerID, targetID)
				}
				if cost != 50 {
					t.Errorf("Got cost %d, want 50", cost)
				}
				return UnlockResult{
					Grant:   AccessGrant{PayerID: payerID, TargetID: targetID, Cost: cost, GrantedAt: grantedAt},
					Balance: 50,
				}, nil
			},
			wantStatus: 200,
			wantBody: `{
				"balance": 50,
				"already_granted": false,
				"grant": {
					"payer_id": "recruiter",
					"target_id": "candidate",
					"cost": 50,
					"granted_at": "2024-01-01T00:00:00Z"
				}
			}`,
			containsLog: "Messaging unlocked",
		},
		{
			name: "AlreadyGranted",
			unlock: func(t *testing.T, payerID, targetID string, cost int64) (UnlockResult, error) {
				return UnlockResult{
					Grant:          AccessGrant{PayerID: payerID, TargetID: targetID, Cost: cost, GrantedAt: grantedAt},
					Balance:        50,
					AlreadyGranted: true,
				}, nil
			},
			wantStatus: 200,
			wantBody: `{
				"balance": 50,
				"already_granted": true,
				"grant": {
					"payer_id": "recruiter",
					"target_id": "candidate",
					"cost": 50,
					"granted_at": "2024-01-01T00:00:00Z"
				}
			}`,
		},
		{
			name: "InsufficientBalance",
			unlock: func(t *testing.T, payerID, targetID string, cost int64) (UnlockResult, error) {
				return UnlockResult{}, ErrInsufficientBalance
			},
			wantStatus: 402,
			wantBody: `{
				"error": "Insufficient balance",
				"code": "insufficient_balance"
			}`,
		},
		{
			name: "DBError",
			unlock: func(t *testing.T, payerID, targetID string, cost int64) (UnlockResult, error) {
				return UnlockResult{}, errors.New("something went wrong")
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not unlock messaging",
				"code": "internal"
			}`,
			containsLog: "something went wrong",
		},
		{
			name: "AccountNotFound",
			unlock: func(t *testing.T, payerID, targetID string, cost int64) (UnlockResult, error) {
				return UnlockResult{}, fmt.Errorf("account %s: %w", targetID, ErrNotFound)
			},
			wantStatus: 404,
			wantBody: `{
				"error": "Account not found",
				"code": "not_found"
			}`,
		},
		{
			name: "Inconsistent",
			unlock: func(t *testing.T, payerID, targetID string, cost int64) (UnlockResult, error) {
				return UnlockResult{}, fmt.Errorf("commit: %w", ErrUnlockInconsistent)
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not settle unlock",
				"code": "unlock_inconsistent"
			}`,
			containsLog: "commit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			db := authedDB(t)
			db.unlock = tt.unlock
			api := &API{
				DB:     db,
				Cache:  &testcache{T: t},
				Logger: slog.New(slog.NewTextHandler(buf, nil)),
			}
			srv := httptest.NewServer(api)
			defer srv.Close()

			resp := do(t, "POST", srv.URL+"/access/candidate/unlock", "")
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
			checkLog(t, buf, tt.containsLog)
		})
	}
}

func TestAPI_createConversation(t *testing.T) {
	createdAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		req        string
		granted    bool
		wantStatus int
		wantBody   string
	}{
		{
			name:       "InvalidJSON",
			req:        `not json`,
			wantStatus: 400,
			wantBody: `{
				"error": "Could not decode request body",
				"code": "bad_request"
			}`,
		},
		{
			name:       "Self",
			req:        `{"counterpart_id": "recruiter"}`,
			wantStatus: 400,
			wantBody: `{
				"error": "Invalid counterpart",
				"code": "bad_request"
			}`,
		},
		{
			name:       "Locked",
			req:        `{"counterpart_id": "candidate"}`,
			wantStatus: 403,
			wantBody: `{
				"error": "Messaging is locked for this counterpart",
				"code": "no_access"
			}`,
		},
		{
			name:       "OK",
			req:        `{"counterpart_id": "candidate", "context": "job-42"}`,
			granted:    true,
			wantStatus: 200,
			wantBody: `{
				"id": "conv-1",
				"participants": ["candidate", "recruiter"],
				"context": "job-42",
				"created_at": "2024-01-01T00:00:00Z"
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := authedDB(t)
			db.hasGrant = func(t *testing.T, payerID, targetID string) (bool, error) {
				return tt.granted, nil
			}
			db.createOrGetConversation = func(t *testing.T, a, b, convContext string) (Conversation, error) {
				if a != "recruiter" || b != "candidate" {
					t.Errorf("Got pair (%q, %q), want (recruiter, candidate)", a, b)
				}
				return Conversation{
					ID:           "conv-1",
					Participants: [2]string{"candidate", "recruiter"},
					Context:      convContext,
					CreatedAt:    createdAt,
				}, nil
			}
			api := &API{DB: db, Cache: &testcache{T: t}, Logger: slogt.New(t)}
			srv := httptest.NewServer(api)
			defer srv.Close()

			resp := do(t, "POST", srv.URL+"/conversations", tt.req)
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_listMessages(t *testing.T) {
	conv := Conversation{ID: "conv-1", Participants: [2]string{"candidate", "recruiter"}}
	tests := []struct {
		name       string
		conv       Conversation
		convErr    error
		cache      func(t *testing.T) ([]Message, error)
		db         func(t *testing.T, limit int, excludeMsgIDs ...string) ([]Message, error)
		wantStatus int
		wantBody   string
	}{
		{
			name:       "NotFound",
			convErr:    ErrNotFound,
			wantStatus: 404,
			wantBody: `{
				"error": "Conversation not found",
				"code": "not_found"
			}`,
		},
		{
			name:       "NotParticipant",
			conv:       Conversation{ID: "conv-1", Participants: [2]string{"a", "b"}},
			wantStatus: 404,
			wantBody: `{
				"error": "Conversation not found",
				"code": "not_found"
			}`,
		},
		{
			name: "DBError",
			conv: conv,
			cache: func(t *testing.T) ([]Message, error) {
				return nil, nil
			},
			db: func(t *testing.T, limit int, excludeMsgIDs ...string) ([]Message, error) {
				return nil, errors.New("something went wrong")
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not list messages",
				"code": "internal"
			}`,
		},
		{
			name: "CacheError",
			conv: conv,
			cache: func(t *testing.T) ([]Message, error) {
				return nil, errors.New("something went wrong")
			},
			db: func(t *testing.T, limit int, excludeMsgIDs ...string) ([]Message, error) {
				return nil, nil
			},
			wantStatus: 200,
			wantBody: `{
				"messages": []
			}`,
		},
		{
			name: "Mixed",
			conv: conv,
			cache: func(t *testing.T) ([]Message, error) {
				return []Message{
					{
						ID:             "2",
						ConversationID: "conv-1",
						SenderID:       "candidate",
						Body:           "World",
						SentAt:         time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
					},
				}, nil
			},
			db: func(t *testing.T, limit int, excludeMsgIDs ...string) ([]Message, error) {
				if limit != 9 {
					t.Errorf("Got limit %d, want 9", limit)
				}
				if len(excludeMsgIDs) != 1 || excludeMsgIDs[0] != "2" {
					t.Errorf("Got excluded IDs %v, want [2]", excludeMsgIDs)
				}
				return []Message{
					{
						ID:             "1",
						ClientID:       "c-1",
						ConversationID: "conv-1",
						SenderID:       "recruiter",
						Body:           "Hello",
						SentAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
					},
				}, nil
			},
			wantStatus: 200,
			wantBody: `{
				"messages": [
					{
						"id": "2",
						"conversation_id": "conv-1",
						"sender_id": "candidate",
						"body": "World",
						"sent_at": "2024-01-02T00:00:00Z"
					},
					{
						"id": "1",
						"client_id": "c-1",
						"conversation_id": "conv-1",
						"sender_id": "recruiter",
						"body": "Hello",
						"sent_at": "2024-01-01T00:00:00Z"
					}
				]
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := authedDB(t)
			db.getConversation = func(t *testing.T, id string) (Conversation, error) {
				return tt.conv, tt.convErr
			}
			db.listMessages = tt.db
			cache := &testcache{T: t, listMessages: tt.cache}
			api := &API{DB: db, Cache: cache, Logger: slogt.New(t)}
			srv := httptest.NewServer(api)
			defer srv.Close()

			resp := do(t, "GET", srv.URL+"/conversations/conv-1/messages", "")
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

// authedDB returns a testdb that resolves testToken to "recruiter".
func authedDB(t *testing.T) *testdb {
	return &testdb{
		T: t,
		accountForToken: func(t *testing.T, token string) (string, error) {
			if token != testToken {
				return "", ErrUnauthorized
			}
			return "recruiter", nil
		},
	}
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

type testdb struct {
	T                       *testing.T
	accountForToken         func(t *testing.T, token string) (string, error)
	balance                 func(t *testing.T, accountID string) (int64, error)
	hasGrant                func(t *testing.T, payerID, targetID string) (bool, error)
	unlock                  func(t *testing.T, payerID, targetID string, cost int64) (UnlockResult, error)
	createOrGetConversation func(t *testing.T, a, b, convContext string) (Conversation, error)
	getConversation         func(t *testing.T, id string) (Conversation, error)
	listMessages            func(t *testing.T, limit int, excludeMsgIDs ...string) ([]Message, error)
	insertMessage           func(t *testing.T, msg Message) (Message, error)
}

func (db *testdb) AccountForToken(_ context.Context, token string) (string, error) {
	return db.accountForToken(db.T, token)
}

func (db *testdb) Balance(_ context.Context, accountID string) (int64, error) {
	return db.balance(db.T, accountID)
}

func (db *testdb) HasGrant(_ context.Context, payerID, targetID string) (bool, error) {
	return db.hasGrant(db.T, payerID, targetID)
}

func (db *testdb) Unlock(_ context.Context, payerID, targetID string, cost int64) (UnlockResult, error) {
	return db.unlock(db.T, payerID, targetID, cost)
}

func (db *testdb) CreateOrGetConversation(_ context.Context, a, b, convContext string) (Conversation, error) {
	return db.createOrGetConversation(db.T, a, b, convContext)
}

func (db *testdb) GetConversation(_ context.Context, id string) (Conversation, error) {
	return db.getConversation(db.T, id)
}

func (db *testdb) ListMessages(_ context.Context, _ string, limit int, _ int, excludeMsgIDs ...string) ([]Message, error) {
	return db.listMessages(db.T, limit, excludeMsgIDs...)
}

func (db *testdb) InsertMessage(_ context.Context, msg Message) (Message, error) {
	return db.insertMessage(db.T, msg)
}

type testcache struct {
	T             *testing.T
	listMessages  func(t *testing.T) ([]Message, error)
	insertMessage func(t *testing.T, msg Message) error
}

func (c *testcache) SetOnline(context.Context, string) (bool, error)  { return true, nil }
func (c *testcache) SetOffline(context.Context, string) (bool, error) { return true, nil }
func (c *testcache) OnlineUsers(context.Context) ([]string, error)    { return nil, nil }

func (c *testcache) ListMessages(_ context.Context, _ string) ([]Message, error) {
	return c.listMessages(c.T)
}

func (c *testcache) InsertMessage(_ context.Context, msg Message) error {
	return c.insertMessage(c.T, msg)
}

func checkStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("Got HTTP status %d, want %d", got, want)
	}
}

func checkBody(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	defer resp.Body.Close()
	gotBody := normalizeJSON(t, resp.Body)
	wantBody := normalizeJSON(t, bytes.NewReader([]byte(want)))
	if gotBody != wantBody {
		t.Errorf("Body does not match\nGot\n  %s\n\nWant\n  %s", gotBody, wantBody)
	}
}

func checkLog(t *testing.T, buffer *bytes.Buffer, want string) {
	t.Helper()

	if s := buffer.String(); want != "" && !strings.Contains(s, want) {
		t.Errorf("Log does not contain  %s\n", want)
	}
}

// normalizeJSON re-encodes r so that key order and whitespace do not matter.
func normalizeJSON(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Could not read JSON: %v", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("Could not decode JSON %q: %v", b, err)
	}
	out, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		t.Fatalf("Could not encode JSON: %v", err)
	}
	return string(out)
}
