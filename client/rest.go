package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jobboard/messaging/wire"
)

// REST is an HTTP client for the server's JSON endpoints.
type REST struct {
	BaseURL string
	Tokens  TokenSource
	HTTP    *http.Client
}

func NewREST(baseURL string, tokens TokenSource) *REST {
	return &REST{BaseURL: strings.TrimSuffix(baseURL, "/"), Tokens: tokens, HTTP: http.DefaultClient}
}

func (c *REST) Balance(ctx context.Context) (int64, error) {
	var res struct {
		Balance int64 `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/balance", nil, &res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}

func (c *REST) CheckAccess(ctx context.Context, targetID string) (AccessStatus, error) {
	var res AccessStatus
	if err := c.do(ctx, http.MethodGet, "/access/"+url.PathEscape(targetID), nil, &res); err != nil {
		return AccessStatus{}, err
	}
	return res, nil
}

func (c *REST) Unlock(ctx context.Context, targetID string) (UnlockResult, error) {
	var res UnlockResult
	if err := c.do(ctx, http.MethodPost, "/access/"+url.PathEscape(targetID)+"/unlock", nil, &res); err != nil {
		return UnlockResult{}, err
	}
	return res, nil
}

func (c *REST) CreateOrGetConversation(ctx context.Context, counterpartID, convContext string) (Conversation, error) {
	req := struct {
		CounterpartID string `json:"counterpart_id"`
		Context       string `json:"context,omitempty"`
	}{counterpartID, convContext}
	var res Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &res); err != nil {
		return Conversation{}, err
	}
	return res, nil
}

// ListMessages returns one page of history, newest first. Pages start at 1.
func (c *REST) ListMessages(ctx context.Context, conversationID string, page int) ([]wire.Message, error) {
	var res struct {
		Messages []wire.Message `json:"messages"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?page=" + strconv.Itoa(max(page, 1))
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

func (c *REST) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Tokens != nil {
		req.Header.Set("Authorization", "Bearer "+c.Tokens())
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
			e.Code = codeForStatus(resp.StatusCode)
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return wire.CodeUnauthorized
	case http.StatusNotFound:
		return wire.CodeNotFound
	case http.StatusPaymentRequired:
		return wire.CodeInsufficientBalance
	}
	if status < 500 {
		return wire.CodeBadRequest
	}
	return wire.CodeInternal
}
