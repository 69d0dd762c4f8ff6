// Package tdjson talks to a TDLib JSON bridge over HTTP. Every request is a
// TDLib function object posted to the bridge; the response is the TDLib
// result object, or an object of type "error".
package tdjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/matheus3301/thistory/internal/remote"
	"go.uber.org/zap"
)

// DefaultListLimit is the number of conversations requested from the main list.
const DefaultListLimit = 4000

// Error is a TDLib error object.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tdlib error %d: %s", e.Code, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *Error) Permanent() bool {
	return e.Code == 400 || e.Code == 404
}

// Client is a remote.API backed by a TDLib JSON bridge.
type Client struct {
	url       string
	http      *http.Client
	listLimit int
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithListLimit sets the getChats limit.
func WithListLimit(n int) Option {
	return func(c *Client) { c.listLimit = n }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client posting to url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:       url,
		http:      &http.Client{Timeout: 30 * time.Second},
		listLimit: DefaultListLimit,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ remote.API = (*Client)(nil)

// ListConversationIDs returns the ids of the main conversation list.
func (c *Client) ListConversationIDs(ctx context.Context) ([]int64, error) {
	var res struct {
		ChatIDs []json.Number `json:"chat_ids"`
	}
	err := c.invoke(ctx, map[string]any{
		"@type":     "getChats",
		"chat_list": map[string]any{"@type": "chatListMain"},
		"limit":     c.listLimit,
	}, &res)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(res.ChatIDs))
	for _, n := range res.ChatIDs {
		id, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("chat id %q: %w", n, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FetchConversation returns the current snapshot of a chat.
func (c *Client) FetchConversation(ctx context.Context, id int64) (*remote.ConversationSnapshot, error) {
	var raw map[string]any
	if err := c.invoke(ctx, map[string]any{"@type": "getChat", "chat_id": id}, &raw); err != nil {
		return nil, err
	}
	snap := &remote.ConversationSnapshot{ID: id, Raw: raw}
	if t, ok := raw["type"].(map[string]any); ok {
		snap.Type, _ = t["@type"].(string)
	}
	if last, ok := raw["last_message"].(map[string]any); ok {
		snap.LastMessageID = int64Field(last, "id")
	}
	return snap, nil
}

// FetchMessagePage returns one page of chat history starting at fromMessageID.
func (c *Client) FetchMessagePage(ctx context.Context, conversationID, fromMessageID int64, limit, offset int) ([]*remote.MessageSnapshot, error) {
	var res struct {
		Messages []map[string]any `json:"messages"`
	}
	err := c.invoke(ctx, map[string]any{
		"@type":           "getChatHistory",
		"chat_id":         conversationID,
		"from_message_id": fromMessageID,
		"offset":          offset,
		"limit":           limit,
		"only_local":      false,
	}, &res)
	if err != nil {
		return nil, err
	}
	page := make([]*remote.MessageSnapshot, len(res.Messages))
	for i, m := range res.Messages {
		if m == nil {
			continue
		}
		page[i] = &remote.MessageSnapshot{
			ConversationID: conversationID,
			ID:             int64Field(m, "id"),
			Date:           time.Unix(int64Field(m, "date"), 0).UTC(),
			Raw:            m,
		}
	}
	return page, nil
}

func (c *Client) invoke(ctx context.Context, req map[string]any, out any) error {
	fn, _ := req["@type"].(string)
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", fn, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", fn, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", fn, err)
	}
	c.logger.Debug("tdlib request",
		zap.String("function", fn),
		zap.Int("http_status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	var envelope struct {
		Type    string `json:"@type"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if jsonErr := json.Unmarshal(data, &envelope); jsonErr != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: bridge returned %s", fn, resp.Status)
		}
		return fmt.Errorf("%s: decode response: %w", fn, jsonErr)
	}
	if envelope.Type == "error" {
		return &Error{Code: envelope.Code, Message: envelope.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: bridge returned %s", fn, resp.Status)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", fn, err)
	}
	return nil
}

func int64Field(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}
