package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "https://www.kimi.com"

	refreshPath      = "/api/auth/token/refresh"
	conversationPath = "/api/chat"
	chatPath         = "/apiv2/kimi.chat.v1.ChatService/Chat"

	// Bound for the short JSON calls. The chat stream has no client timeout.
	callTimeout = 15 * time.Second

	maxErrorBody = 2048
)

// Limits sizes the pooled transport used for every upstream call.
type Limits struct {
	MaxConns    int
	MaxIdle     int
	IdleTimeout time.Duration
}

// Client speaks the backend's HTTP API. It is safe for concurrent use;
// SetLimits swaps the transport without disturbing calls in flight.
type Client struct {
	base     *url.URL
	origin   string
	identity Identity
	http     atomic.Pointer[http.Client]
}

func NewClient(baseURL string, limits Limits) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base url %q must be absolute", baseURL)
	}
	c := &Client{
		base:     u,
		origin:   u.Scheme + "://" + u.Host,
		identity: NewIdentity(),
	}
	c.SetLimits(limits)
	return c, nil
}

// SetLimits rebuilds the transport from limits. Idle connections of the
// previous transport are closed; active streams finish on it.
func (c *Client) SetLimits(limits Limits) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxConnsPerHost:     limits.MaxConns,
		MaxIdleConns:        limits.MaxIdle,
		MaxIdleConnsPerHost: limits.MaxIdle,
		IdleConnTimeout:     limits.IdleTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	next := &http.Client{
		Transport: transport,
		// Don't follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if prev := c.http.Swap(next); prev != nil {
		prev.CloseIdleConnections()
	}
	log.Debug().
		Int("max_conns", limits.MaxConns).
		Int("max_idle", limits.MaxIdle).
		Dur("idle_timeout", limits.IdleTimeout).
		Msg("upstream transport configured")
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = path
	u.RawQuery = ""
	return u.String()
}

// FetchAccessToken exchanges a refresh credential for an access token.
func (c *Client) FetchAccessToken(ctx context.Context, refreshToken string) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.callJSON(ctx, "refresh", http.MethodGet, c.endpoint(refreshPath), refreshToken, nil, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("upstream refresh: empty access_token")
	}
	return out.AccessToken, nil
}

type createConversationRequest struct {
	EnterMethod string `json:"enter_method"`
	IsExample   bool   `json:"is_example"`
	KimiPlusID  string `json:"kimiplus_id"`
	Name        string `json:"name"`
}

// CreateConversation opens a fresh conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context, accessToken string) (string, error) {
	req := createConversationRequest{
		EnterMethod: "new_chat",
		KimiPlusID:  "kimi",
		Name:        "未命名会话",
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.callJSON(ctx, "create_conversation", http.MethodPost, c.endpoint(conversationPath), accessToken, req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("upstream create_conversation: empty id")
	}
	return out.ID, nil
}

func (c *Client) DeleteConversation(ctx context.Context, accessToken, conversationID string) error {
	target := c.endpoint(conversationPath + "/" + url.PathEscape(conversationID))
	return c.callJSON(ctx, "delete_conversation", http.MethodDelete, target, accessToken, nil, nil)
}

// openChat posts one framed message and returns the still-open streaming
// response. The caller owns the body.
func (c *Client) openChat(ctx context.Context, accessToken string, frame []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(chatPath), bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header = c.prepareChatHeaders(accessToken)

	resp, err := c.http.Load().Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream chat: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError("chat", resp)
	}
	return resp, nil
}

func (c *Client) callJSON(ctx context.Context, op, method, target, bearer string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header = c.prepareHeaders(bearer)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Load().Do(req)
	if err != nil {
		return fmt.Errorf("upstream %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}
