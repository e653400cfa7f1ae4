package protocol

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
)

// AgentDialer talks to an external protocol agent over HTTP. The agent owns
// the actual protocol implementation and the session artifact bytes; this
// side only drives it. One agent session maps to one Conn.
type AgentDialer struct {
	baseURL string
	client  *http.Client
}

// NewAgentDialer creates a dialer for the agent at baseURL.
func NewAgentDialer(baseURL string) *AgentDialer {
	return &AgentDialer{
		baseURL: baseURL,
		client: &http.Client{
			// Long-poll requests are expected to hang up to pollWait.
			Timeout: 60 * time.Second,
		},
	}
}

const pollWait = 25 * time.Second

// Dial opens an agent session bound to the given artifact path.
func (d *AgentDialer) Dial(ctx context.Context, sessionPath string) (Conn, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	err := d.post(ctx, "/v1/sessions", map[string]string{"session_path": sessionPath}, &resp)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("dial agent: empty session id")
	}

	return &agentConn{dialer: d, sessionID: resp.SessionID}, nil
}

type agentConn struct {
	dialer    *AgentDialer
	sessionID string

	mu      sync.Mutex
	handler func(Message)
	closed  bool
}

func (c *agentConn) RequestCode(ctx context.Context, identity string) (string, error) {
	var resp struct {
		ChallengeToken string `json:"challenge_token"`
	}
	err := c.dialer.post(ctx, c.path("/code-request"), map[string]string{"identity": identity}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ChallengeToken == "" {
		return "", fmt.Errorf("agent returned empty challenge token")
	}
	return resp.ChallengeToken, nil
}

func (c *agentConn) SubmitCode(ctx context.Context, identity, code, challengeToken string) (SignInResult, error) {
	var resp SignInResult
	err := c.dialer.post(ctx, c.path("/sign-in"), map[string]string{
		"identity":        identity,
		"code":            code,
		"challenge_token": challengeToken,
	}, &resp)
	if err != nil {
		return SignInResult{}, err
	}
	return resp, nil
}

func (c *agentConn) SubmitSecondFactor(ctx context.Context, secret string) error {
	return c.dialer.post(ctx, c.path("/second-factor"), map[string]string{"secret": secret}, nil)
}

func (c *agentConn) IsAuthorized(ctx context.Context) (bool, error) {
	var resp struct {
		Authorized bool `json:"authorized"`
	}
	if err := c.dialer.get(ctx, c.path("/authorized"), &resp); err != nil {
		return false, err
	}
	return resp.Authorized, nil
}

func (c *agentConn) Subscribe(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Run long-polls the agent for inbound messages and feeds them to the
// subscribed handler until the connection closes or ctx is cancelled.
func (c *agentConn) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		closed := c.closed
		handler := c.handler
		c.mu.Unlock()

		if closed {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var resp struct {
			Messages []Message `json:"messages"`
		}
		path := c.path("/messages") + "?wait=" + url.QueryEscape(pollWait.String())
		if err := c.dialer.get(ctx, path, &resp); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("poll messages: %w", err)
		}

		if handler == nil {
			continue
		}
		for _, msg := range resp.Messages {
			handler(msg)
		}
	}
}

func (c *agentConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.dialer.delete(ctx, c.path(""))
}

func (c *agentConn) path(suffix string) string {
	return "/v1/sessions/" + url.PathEscape(c.sessionID) + suffix
}

// agentError is the JSON error body the agent returns with non-2xx statuses.
type agentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (d *AgentDialer) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return d.do(ctx, http.MethodPost, path, bytes.NewReader(raw), out)
}

func (d *AgentDialer) get(ctx context.Context, path string, out any) error {
	return d.do(ctx, http.MethodGet, path, nil, out)
}

func (d *AgentDialer) delete(ctx context.Context, path string) error {
	return d.do(ctx, http.MethodDelete, path, nil, nil)
}

func (d *AgentDialer) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAgentError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	return nil
}

// decodeAgentError maps the agent's structured error codes onto the
// package's signal errors so callers can branch with errors.Is.
func decodeAgentError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var ae agentError
	if err := json.Unmarshal(raw, &ae); err == nil && ae.Code != "" {
		switch ae.Code {
		case "code_invalid":
			return ErrCodeInvalid
		case "second_factor_invalid":
			return ErrSecondFactorInvalid
		}
		return fmt.Errorf("agent error %s: %s", ae.Code, ae.Message)
	}

	return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(raw))
}

var _ Dialer = (*AgentDialer)(nil)
var _ Conn = (*agentConn)(nil)
