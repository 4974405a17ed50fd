// Package api is the typed HTTP client for the kindoo backend. Every remote
// payload is validated and narrowed into the strict entity shapes here, so
// nothing downstream operates on unchecked external data. Failures are
// classified into the engine's error taxonomy.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"kindoo/internal/kindoo"
)

type Client struct {
	base string
	http *http.Client
	log  *zap.Logger

	mu         sync.RWMutex
	credential string
}

func New(base string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: 15 * time.Second},
		log:  log,
	}
}

// SetCredential installs the bearer token used on authenticated calls.
// An empty string clears it.
func (c *Client) SetCredential(credential string) {
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()
}

type authPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ID          string `json:"id"`
	Username    string `json:"username"`
}

// Login exchanges the username/secret pair for a credential.
func (c *Client) Login(ctx context.Context, username, secret string) (string, error) {
	var res loginResponse
	err := c.do(ctx, http.MethodPost, "/login", authPayload{username, secret}, &res, kindoo.ErrorAuth)
	if err != nil {
		return "", err
	}
	if res.AccessToken == "" {
		return "", &kindoo.Error{Kind: kindoo.ErrorAuth, Op: "login", Err: errEmptyToken}
	}
	return res.AccessToken, nil
}

// Register creates an account. The caller performs the implicit login.
func (c *Client) Register(ctx context.Context, username, secret string) (kindoo.Principal, error) {
	var p kindoo.Principal
	err := c.do(ctx, http.MethodPost, "/register", authPayload{username, secret}, &p, kindoo.ErrorAuth)
	if err != nil {
		return kindoo.Principal{}, err
	}
	if err := p.Validate(); err != nil {
		return kindoo.Principal{}, &kindoo.Error{Kind: kindoo.ErrorAuth, Op: "register", Err: err}
	}
	return p, nil
}

// FindUser resolves a subject id to its principal record; the session store's
// remote verification path.
func (c *Client) FindUser(ctx context.Context, id string) (kindoo.Principal, error) {
	var p kindoo.Principal
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(id), nil, &p, kindoo.ErrorAuth)
	if err != nil {
		return kindoo.Principal{}, err
	}
	if err := p.Validate(); err != nil {
		return kindoo.Principal{}, &kindoo.Error{Kind: kindoo.ErrorAuth, Op: "find user", Err: err}
	}
	return p, nil
}

// SearchUsers finds principals whose display name contains q.
func (c *Client) SearchUsers(ctx context.Context, q string) ([]kindoo.Principal, error) {
	var users []kindoo.Principal
	path := "/api/users/search?q=" + url.QueryEscape(q)
	if err := c.do(ctx, http.MethodGet, path, nil, &users, kindoo.ErrorFetch); err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.Validate() == nil {
			out = append(out, u)
		}
	}
	return out, nil
}

// ListConversations pulls the conversations the participant is in.
func (c *Client) ListConversations(ctx context.Context, participantID string) ([]kindoo.Conversation, error) {
	var convs []kindoo.Conversation
	path := "/api/conversations?participant_id=" + url.QueryEscape(participantID)
	if err := c.do(ctx, http.MethodGet, path, nil, &convs, kindoo.ErrorFetch); err != nil {
		return nil, err
	}
	out := convs[:0]
	for _, conv := range convs {
		if err := conv.Validate(); err != nil {
			c.log.Debug("dropping malformed conversation from listing", zap.Error(err))
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

// CreateConversation starts (or finds) the direct conversation with peer.
func (c *Client) CreateConversation(ctx context.Context, peerID string) (kindoo.Conversation, error) {
	body := struct {
		PeerID string `json:"peer_id"`
	}{peerID}
	var conv kindoo.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &conv, kindoo.ErrorFetch); err != nil {
		return kindoo.Conversation{}, err
	}
	if err := conv.Validate(); err != nil {
		return kindoo.Conversation{}, &kindoo.Error{Kind: kindoo.ErrorFetch, Op: "create conversation", Err: err}
	}
	return conv, nil
}

// History fetches the authoritative message sequence for a conversation.
func (c *Client) History(ctx context.Context, conversationID string) ([]kindoo.Message, error) {
	var msgs []kindoo.Message
	path := "/api/messages?conversation_id=" + url.QueryEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs, kindoo.ErrorFetch); err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			c.log.Debug("dropping malformed message from history", zap.Error(err))
			continue
		}
		m.Provenance = kindoo.Fetched
		out = append(out, m)
	}
	return out, nil
}

// SendMessage submits a new message and returns the server-confirmed record.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (kindoo.Message, error) {
	body := struct {
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
	}{conversationID, content}
	var msg kindoo.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", body, &msg, kindoo.ErrorSend); err != nil {
		return kindoo.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return kindoo.Message{}, &kindoo.Error{Kind: kindoo.ErrorSend, Op: "send message", Err: err}
	}
	return msg, nil
}

// do issues one request, decoding the JSON response into out. Non-2xx
// statuses become errors of the given kind, except 401/403 which are always
// auth failures.
func (c *Client) do(ctx context.Context, method, path string, body, out any, kind kindoo.ErrorKind) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &kindoo.Error{Kind: kind, Op: path, Err: err}
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return &kindoo.Error{Kind: kind, Op: path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return &kindoo.Error{Kind: kind, Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = kindoo.ErrorAuth
		}
		return &kindoo.Error{Kind: kind, Op: path, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &kindoo.Error{Kind: kind, Op: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

var errEmptyToken = fmt.Errorf("no token in login response")
