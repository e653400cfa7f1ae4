// Package protocol defines the contract with the external messaging-protocol
// client. The protocol itself (wire format, key exchange, message transport)
// lives outside this process; everything here talks to it through an opaque
// connection handle bound to one session artifact on disk.
package protocol

import (
	"context"
	"errors"
)

// ErrCodeInvalid signals that the submitted verification code (or its
// challenge token) was rejected.
var ErrCodeInvalid = errors.New("verification code invalid")

// ErrSecondFactorInvalid signals that the submitted two-factor secret was
// rejected.
var ErrSecondFactorInvalid = errors.New("second factor invalid")

// Message is one inbound protocol message delivered to a listening
// connection.
type Message struct {
	SenderID int64  `json:"sender_id"`
	Text     string `json:"text"`
}

// SignInResult is the outcome of a successful code submission.
type SignInResult struct {
	// SecondFactorRequired is true when the account has a two-factor
	// secret and sign-in must continue with SubmitSecondFactor.
	SecondFactorRequired bool `json:"second_factor_required"`
}

// Conn is a live protocol connection bound to one session artifact.
// Connections are scoped: the login flow opens one per state transition and
// closes it before returning, listeners hold one open for their lifetime.
type Conn interface {
	// RequestCode asks the protocol service to deliver a verification code
	// to the account and returns the challenge token that must accompany
	// the subsequent code submission.
	RequestCode(ctx context.Context, identity string) (string, error)

	// SubmitCode completes sign-in with a user-supplied code. Returns
	// ErrCodeInvalid when the code or challenge token is rejected.
	SubmitCode(ctx context.Context, identity, code, challengeToken string) (SignInResult, error)

	// SubmitSecondFactor completes a two-factor sign-in. Returns
	// ErrSecondFactorInvalid when the secret is rejected.
	SubmitSecondFactor(ctx context.Context, secret string) error

	// IsAuthorized reports whether the bound session artifact holds a
	// valid authenticated session.
	IsAuthorized(ctx context.Context) (bool, error)

	// Subscribe registers the handler invoked for every inbound message
	// while Run is active. Must be called before Run.
	Subscribe(fn func(Message))

	// Run blocks delivering inbound messages to the subscribed handler
	// until the connection closes or ctx is cancelled.
	Run(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Dialer opens protocol connections bound to a session artifact path.
type Dialer interface {
	Dial(ctx context.Context, sessionPath string) (Conn, error)
}
