// Package protocoltest provides a scripted in-memory protocol client for
// tests. Behavior is configured per dialer; every Conn it hands out shares
// the same script.
package protocoltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/wirasto/otphub/internal/protocol"
)

// Dialer is a scriptable protocol.Dialer.
//
// Zero value behavior: RequestCode issues tok1, tok2, ... per call; any code
// is accepted as long as the challenge token is the most recently issued one
// for that identity; no second factor; every session is authorized.
type Dialer struct {
	mu sync.Mutex

	// DialErr, when set, fails every Dial.
	DialErr error

	// RequestCodeErr, when set, fails every RequestCode.
	RequestCodeErr error

	// ValidCode, when non-empty, is the only accepted verification code.
	ValidCode string

	// RequireSecondFactor makes SubmitCode report a pending second factor.
	RequireSecondFactor bool

	// ValidSecret, when non-empty, is the only accepted two-factor secret.
	ValidSecret string

	// AuthorizedFn, when set, decides per session path whether the session
	// is authorized. Defaults to authorized.
	AuthorizedFn func(sessionPath string) bool

	dialCount   int
	tokenSeq    int
	latestToken map[string]string
	conns       []*Conn
}

// DialCount returns how many times Dial was called.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

// LatestToken returns the most recent challenge token issued for identity.
func (d *Dialer) LatestToken(identity string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latestToken[identity]
}

// OpenConns returns the number of conns dialed and not yet closed.
func (d *Dialer) OpenConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	open := 0
	for _, c := range d.conns {
		if !c.isClosed() {
			open++
		}
	}
	return open
}

// Deliver feeds a message to every running conn's subscribed handler.
func (d *Dialer) Deliver(msg protocol.Message) {
	d.mu.Lock()
	conns := make([]*Conn, len(d.conns))
	copy(conns, d.conns)
	d.mu.Unlock()

	for _, c := range conns {
		c.deliver(msg)
	}
}

// Dial implements protocol.Dialer.
func (d *Dialer) Dial(ctx context.Context, sessionPath string) (protocol.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialCount++
	if d.DialErr != nil {
		return nil, d.DialErr
	}

	c := &Conn{dialer: d, sessionPath: sessionPath, done: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

// Conn is the scripted connection handed out by Dialer.
type Conn struct {
	dialer      *Dialer
	sessionPath string

	mu      sync.Mutex
	handler func(protocol.Message)
	closed  bool
	done    chan struct{}
}

func (c *Conn) RequestCode(ctx context.Context, identity string) (string, error) {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.RequestCodeErr != nil {
		return "", d.RequestCodeErr
	}

	d.tokenSeq++
	token := fmt.Sprintf("tok%d", d.tokenSeq)
	if d.latestToken == nil {
		d.latestToken = make(map[string]string)
	}
	d.latestToken[identity] = token
	return token, nil
}

func (c *Conn) SubmitCode(ctx context.Context, identity, code, challengeToken string) (protocol.SignInResult, error) {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.latestToken[identity] == "" || challengeToken != d.latestToken[identity] {
		return protocol.SignInResult{}, protocol.ErrCodeInvalid
	}
	if d.ValidCode != "" && code != d.ValidCode {
		return protocol.SignInResult{}, protocol.ErrCodeInvalid
	}
	return protocol.SignInResult{SecondFactorRequired: d.RequireSecondFactor}, nil
}

func (c *Conn) SubmitSecondFactor(ctx context.Context, secret string) error {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ValidSecret != "" && secret != d.ValidSecret {
		return protocol.ErrSecondFactorInvalid
	}
	return nil
}

func (c *Conn) IsAuthorized(ctx context.Context) (bool, error) {
	d := c.dialer
	d.mu.Lock()
	fn := d.AuthorizedFn
	d.mu.Unlock()

	if fn == nil {
		return true, nil
	}
	return fn(c.sessionPath), nil
}

func (c *Conn) Subscribe(fn func(protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *Conn) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return nil
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

// SessionPath returns the artifact path the conn was dialed with.
func (c *Conn) SessionPath() string {
	return c.sessionPath
}

func (c *Conn) deliver(msg protocol.Message) {
	c.mu.Lock()
	handler := c.handler
	closed := c.closed
	c.mu.Unlock()

	if closed || handler == nil {
		return
	}
	handler(msg)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ protocol.Dialer = (*Dialer)(nil)
var _ protocol.Conn = (*Conn)(nil)
