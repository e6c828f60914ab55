// Package backend talks to the hosted chat backend: a PostgREST-style
// record store over HTTP and a topic-scoped realtime socket for row-change
// and broadcast events. Persistence and fan-out semantics are the backend's;
// this package only shuttles requests.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/core"
	"github.com/bawaal/callkit/internal/domain"
)

type Client struct {
	baseURL string
	apiKey  string
	token   string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SetAuthToken installs the session token of the authenticated user; auth
// itself is the identity provider's business.
func (c *Client) SetAuthToken(token string) { c.token = token }

func (c *Client) CreateCall(ctx context.Context, caller, receiver domain.UserID, t domain.CallType) (*domain.Call, error) {
	call, err := domain.NewCall(caller, receiver, t)
	if err != nil {
		return nil, err
	}
	var rows []domain.Call
	if err := c.do(ctx, http.MethodPost, "/rest/v1/calls", nil, []any{call}, &rows); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("create call: empty representation")
	}
	return &rows[0], nil
}

func (c *Client) UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) error {
	q := url.Values{"id": {"eq." + string(id)}}
	body := map[string]any{"status": status}
	if err := c.do(ctx, http.MethodPatch, "/rest/v1/calls", q, body, nil); err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	return nil
}

type memberRow struct {
	ConversationID domain.ConversationID `json:"conversation_id"`
}

// SharedConversation intersects the two users' conversation memberships and
// returns the first shared thread.
func (c *Client) SharedConversation(ctx context.Context, a, b domain.UserID) (domain.ConversationID, error) {
	var mine []memberRow
	q := url.Values{
		"user_id": {"eq." + string(a)},
		"select":  {"conversation_id"},
	}
	if err := c.do(ctx, http.MethodGet, "/rest/v1/conversation_members", q, nil, &mine); err != nil {
		return "", fmt.Errorf("conversation members: %w", err)
	}
	if len(mine) == 0 {
		return "", core.ErrNoSharedConversation
	}

	ids := make([]string, len(mine))
	for i, m := range mine {
		ids[i] = string(m.ConversationID)
	}
	var shared []memberRow
	q = url.Values{
		"user_id":         {"eq." + string(b)},
		"conversation_id": {"in.(" + strings.Join(ids, ",") + ")"},
		"select":          {"conversation_id"},
	}
	if err := c.do(ctx, http.MethodGet, "/rest/v1/conversation_members", q, nil, &shared); err != nil {
		return "", fmt.Errorf("shared conversation: %w", err)
	}
	if len(shared) == 0 {
		return "", core.ErrNoSharedConversation
	}
	return shared[0].ConversationID, nil
}

func (c *Client) AppendMessage(ctx context.Context, conv domain.ConversationID, sender domain.UserID, text string) error {
	body := []any{map[string]any{
		"conversation_id": conv,
		"sender_id":       sender,
		"content":         text,
		"type":            "call",
		"is_read":         false,
	}}
	if err := c.do(ctx, http.MethodPost, "/rest/v1/messages", nil, body, nil); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (c *Client) UpdateConversationSummary(ctx context.Context, conv domain.ConversationID, text string, at time.Time) error {
	q := url.Values{"id": {"eq." + string(conv)}}
	body := map[string]any{
		"last_message":    text,
		"last_message_at": at.UTC().Format(time.RFC3339),
	}
	if err := c.do(ctx, http.MethodPatch, "/rest/v1/conversations", q, body, nil); err != nil {
		return fmt.Errorf("update conversation summary: %w", err)
	}
	return nil
}

func (c *Client) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var rows []domain.User
	q := url.Values{"id": {"eq." + string(id)}}
	if err := c.do(ctx, http.MethodGet, "/rest/v1/profiles", q, nil, &rows); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("get user: %s not found", id)
	}
	return &rows[0], nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if out != nil {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Debug().Str("module", "backend").Str("path", path).Int("status", resp.StatusCode).Msg("request failed")
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
