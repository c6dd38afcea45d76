// Package chatkit is the Go client kit for the Drivana rental chat backend.
//
// It covers the realtime messaging transport (connect, room join/leave,
// optimistic send with acknowledgment, typing indicators, bounded-backoff
// reconnection) and the REST history surface, behind one session object.
//
// Example:
//
//	client := chatkit.NewClient(chatkit.StaticToken("jwt-..."))
//	session := chatkit.NewChatSession(client, nil)
//	defer session.Dispose()
//
//	if err := session.Connect(ctx); err != nil { ... }
//	if err := session.Join(ctx, "conv-123"); err != nil { ... }
//	session.Send(chatkit.SendPayload{Text: "Is the car still available?"})
package chatkit

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
)

const (
	DefaultBaseURL = "https://api.drivana.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Token provider
// ============================================================================

// TokenProvider supplies the bearer token for the connect handshake and REST
// calls. An empty token causes an immediate AuthenticationError with no
// connection attempt.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the chat backend.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a chat backend client.
func NewClient(tokens TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

// errorBody is the backend's error response shape.
type errorBody struct {
	Error *APIError `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != nil {
			return nil, eb.Error
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations API
// ============================================================================

// ListConversations returns the caller's rental chat threads.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	conversations, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *conversations, nil
}

// MarkConversationRead marks every message in the conversation as read.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "POST", "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	return err
}
