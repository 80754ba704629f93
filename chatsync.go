// Package chatsync is a client-side real-time chat synchronization SDK.
//
// It keeps a local model of direct chats, groups, invites, message history and
// presence consistent with a chat server, combining REST fetches, a websocket
// push channel and locally initiated actions.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.WithBaseURL("http://localhost:5000"))
//
//	// REST (sub-module pattern)
//	res, _ := client.Users.Login(ctx, "a@x.com", "secret")
//	client.Chats.List(ctx, "a@x.com")
//	client.Messages.Send(ctx, chatID, &chatsync.SendOptions{...})
//
//	// Synchronized state
//	engine := chatsync.NewEngine(client, chatsync.NewMemoryIdentityStore())
//	engine.Session.Login(ctx, "a@x.com", "secret")
//	engine.Start(ctx)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the chat server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu             sync.RWMutex
	token          string
	onUnauthorized func(error)

	Users       *UsersClient
	Chats       *ChatsClient
	Groups      *GroupsClient
	Messages    *MessagesClient
	Suggestions *SuggestionsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithUnauthorizedHandler sets the hook called when the server answers 401 or 403.
func WithUnauthorizedHandler(h func(error)) ClientOption {
	return func(c *Client) { c.onUnauthorized = h }
}

// NewClient creates a new chat server client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Users = &UsersClient{client: c}
	c.Chats = &ChatsClient{client: c}
	c.Groups = &GroupsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Suggestions = &SuggestionsClient{client: c}
	return c
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger { return c.logger }

// SetToken sets or clears the bearer credential.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer credential.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// OnUnauthorized replaces the hook called when the server answers 401 or 403.
func (c *Client) OnUnauthorized(h func(error)) {
	c.mu.Lock()
	c.onUnauthorized = h
	c.mu.Unlock()
}

// Realtime creates a push-channel connection to the same server, carrying the
// client's credential. Call Connect to open it.
func (c *Client) Realtime(bus *Bus, config *RealtimeConfig) *Connection {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" && cfg.TokenFunc == nil {
		cfg.TokenFunc = c.Token
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	return NewConnection(c.baseURL, bus, &cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

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
	if token := c.Token(); token != "" {
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

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err := fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
		c.logger.Warn("session rejected", zap.String("path", path), zap.Int("status", resp.StatusCode))
		c.mu.RLock()
		hook := c.onUnauthorized
		c.mu.RUnlock()
		if hook != nil {
			hook(err)
		}
		return nil, err
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(apiErr))
		return nil, apiErr
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

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

// ============================================================================
// Sub-Clients
// ============================================================================

// UsersClient handles authentication and profile.
type UsersClient struct{ client *Client }

// Login authenticates; on success Data holds the Identity including its token.
func (u *UsersClient) Login(ctx context.Context, email, password string) (*Result, error) {
	return u.client.do(ctx, "POST", "/api/chatUser/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
}

func (u *UsersClient) Register(ctx context.Context, opts *RegisterOptions) (*Result, error) {
	return u.client.do(ctx, "POST", "/api/chatUser/register", opts, nil)
}

func (u *UsersClient) Update(ctx context.Context, opts *UpdateProfileOptions) (*Result, error) {
	return u.client.do(ctx, "POST", "/api/chatUser/update", opts, nil)
}

// ChatsClient handles direct chats and invites.
type ChatsClient struct{ client *Client }

func (ch *ChatsClient) List(ctx context.Context, email string) (*Result, error) {
	return ch.client.do(ctx, "GET", "/api/chat/getAllChats", nil, map[string]string{"email": email})
}

func (ch *ChatsClient) Invites(ctx context.Context, email string) (*Result, error) {
	return ch.client.do(ctx, "GET", "/api/chat/getAllInvites", nil, map[string]string{"email": email})
}

// Create opens a direct chat between two identities.
func (ch *ChatsClient) Create(ctx context.Context, loggedUserEmail, otherEmail string) (*Result, error) {
	return ch.client.do(ctx, "POST", "/api/chat/createChat", map[string]string{
		"loggedUserEmail": loggedUserEmail,
		"newUserEmail":    otherEmail,
	}, nil)
}

func (ch *ChatsClient) Invite(ctx context.Context, opts *InviteOptions) (*Result, error) {
	return ch.client.do(ctx, "POST", "/api/chat/inviteUser", opts, nil)
}

// AcceptInvite accepts the invite sent by inviterEmail to loggedUserEmail.
func (ch *ChatsClient) AcceptInvite(ctx context.Context, loggedUserEmail, inviterEmail string) (*Result, error) {
	return ch.client.do(ctx, "POST", "/api/chat/acceptInvite", map[string]string{
		"loggedUserEmail": loggedUserEmail,
		"newUserEmail":    inviterEmail,
	}, nil)
}

func (ch *ChatsClient) RejectInvite(ctx context.Context, loggedUserEmail, inviterEmail string) (*Result, error) {
	return ch.client.do(ctx, "POST", "/api/chat/rejectInvite", map[string]string{
		"loggedUserEmail": loggedUserEmail,
		"newUserEmail":    inviterEmail,
	}, nil)
}

func (ch *ChatsClient) Delete(ctx context.Context, chatID, loggedUserEmail, otherEmail string) (*Result, error) {
	return ch.client.do(ctx, "DELETE", "/api/chat/deleteChat/"+url.PathEscape(chatID), map[string]string{
		"loggedUserEmail":    loggedUserEmail,
		"otherSideUserEmail": otherEmail,
	}, nil)
}

// GroupsClient handles group chats.
type GroupsClient struct{ client *Client }

func (g *GroupsClient) List(ctx context.Context, email string) (*Result, error) {
	return g.client.do(ctx, "GET", "/api/group/getAllGroups", nil, map[string]string{"email": email})
}

func (g *GroupsClient) Create(ctx context.Context, opts *CreateGroupOptions) (*Result, error) {
	return g.client.do(ctx, "POST", "/api/group/create", opts, nil)
}

func (g *GroupsClient) Delete(ctx context.Context, groupID, loggedUserEmail string, members []string) (*Result, error) {
	return g.client.do(ctx, "DELETE", "/api/group/delete/"+url.PathEscape(groupID), map[string]interface{}{
		"loggedUserEmail": loggedUserEmail,
		"participants":    members,
	}, nil)
}

// MessagesClient handles message history and message actions.
type MessagesClient struct{ client *Client }

func (m *MessagesClient) History(ctx context.Context, chatID string) (*Result, error) {
	return m.client.do(ctx, "GET", "/api/messages/allMessage/"+url.PathEscape(chatID), nil, nil)
}

func (m *MessagesClient) Send(ctx context.Context, chatID string, opts *SendOptions) (*Result, error) {
	return m.client.do(ctx, "POST", "/api/messages/newMessage/"+url.PathEscape(chatID), opts, nil)
}

func (m *MessagesClient) Like(ctx context.Context, messageID, likerEmail, otherEmail string) (*Result, error) {
	return m.client.do(ctx, "POST", "/api/messages/likeMessage", map[string]string{
		"messageId":          messageID,
		"likeGivenUserEmail": likerEmail,
		"otherSideUserEmail": otherEmail,
	}, nil)
}

func (m *MessagesClient) Delete(ctx context.Context, messageID, loggedUserEmail, otherEmail string) (*Result, error) {
	return m.client.do(ctx, "DELETE", "/api/messages/delete/"+url.PathEscape(messageID), map[string]string{
		"loggedUserEmail":    loggedUserEmail,
		"otherSideUserEmail": otherEmail,
	}, nil)
}

// SuggestionsClient fetches advisory completions. Data is a list of strings.
type SuggestionsClient struct{ client *Client }

// Draft suggests completions for an in-progress draft.
func (s *SuggestionsClient) Draft(ctx context.Context, text string) (*Result, error) {
	return s.client.do(ctx, "GET", "/api/chat/chatSuggestion", nil, map[string]string{"textContent": text})
}

// Reply suggests answers to a received message.
func (s *SuggestionsClient) Reply(ctx context.Context, text string) (*Result, error) {
	return s.client.do(ctx, "GET", "/api/chat/replySuggestion", nil, map[string]string{"textContent": text})
}
