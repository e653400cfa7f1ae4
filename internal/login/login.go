// Package login drives one account through the phone-number sign-in flow:
// request a verification code, submit it, optionally submit a two-factor
// secret, and finalize the session artifact.
//
// Attempts are serialized per identity: two callers racing to log in the
// same account take turns, so a restart can never corrupt the other
// attempt's pending artifact.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wirasto/otphub/internal/protocol"
	"github.com/wirasto/otphub/internal/sessionfile"
	"github.com/wirasto/otphub/internal/store"
)

// State is the position of one identity's login attempt.
type State int

const (
	// StateNone means no attempt is in flight; Start begins one.
	StateNone State = iota

	// StateCodeRequested means a code was dispatched and SubmitCode is the
	// next valid step.
	StateCodeRequested

	// StateSecondFactorPending means the code was accepted but the account
	// requires a two-factor secret.
	StateSecondFactorPending

	// StateFinalized means the session artifact has been finalized.
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateCodeRequested:
		return "code_requested"
	case StateSecondFactorPending:
		return "second_factor_pending"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	// ErrChallengeDispatch wraps a failure to connect or dispatch the
	// verification code. The attempt stays at StateNone; retry Start.
	ErrChallengeDispatch = errors.New("challenge dispatch failed")

	// ErrInvalidCode means the code was rejected. The attempt stays at
	// StateCodeRequested; the caller may retry SubmitCode.
	ErrInvalidCode = errors.New("verification code rejected")

	// ErrInvalidSecondFactor means the secret was rejected. The attempt
	// stays at StateSecondFactorPending.
	ErrInvalidSecondFactor = errors.New("second factor rejected")

	// ErrStateMismatch means a verify step was called outside its required
	// state. Caller bug; re-run Start.
	ErrStateMismatch = errors.New("operation not valid in current login state")
)

// VerificationError wraps an unexpected protocol failure during a verify
// step. The attempt state is unchanged and the step may be retried.
type VerificationError struct {
	Step string
	Err  error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed during %s: %v", e.Step, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

type attempt struct {
	state          State
	challengeToken string
}

// Manager owns every in-flight login attempt.
type Manager struct {
	files  *sessionfile.Registry
	creds  *store.Store
	dialer protocol.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
	locks    map[string]*sync.Mutex
}

// NewManager creates a login manager.
func NewManager(files *sessionfile.Registry, creds *store.Store, dialer protocol.Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		files:    files,
		creds:    creds,
		dialer:   dialer,
		logger:   logger,
		attempts: make(map[string]*attempt),
		locks:    make(map[string]*sync.Mutex),
	}
}

// StateOf returns the current state of identity's attempt.
func (m *Manager) StateOf(identity string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[identity]; ok {
		return a.state
	}
	return StateNone
}

// Start begins (or restarts) a login attempt for identity. All existing
// artifacts for the identity are purged first, then a fresh pending artifact
// is created and a verification code is dispatched.
func (m *Manager) Start(ctx context.Context, identity string) error {
	identity, err := sessionfile.ValidateIdentity(identity)
	if err != nil {
		return err
	}

	lock := m.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	m.setState(identity, nil)

	if err := m.files.Purge(identity); err != nil {
		return fmt.Errorf("purge artifacts: %w", err)
	}
	pendingPath, err := m.files.CreatePending(identity)
	if err != nil {
		return err
	}

	conn, err := m.dialer.Dial(ctx, pendingPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeDispatch, err)
	}
	defer conn.Close()

	token, err := conn.RequestCode(ctx, identity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeDispatch, err)
	}

	m.setState(identity, &attempt{state: StateCodeRequested, challengeToken: token})
	m.logger.Info("verification code dispatched", "identity", identity)
	return nil
}

// SubmitCode submits the user-supplied verification code. The returned bool
// is true when the account additionally requires a two-factor secret; in
// that case the artifact stays pending and SubmitSecondFactor must follow.
func (m *Manager) SubmitCode(ctx context.Context, identity, code string) (bool, error) {
	identity, err := sessionfile.ValidateIdentity(identity)
	if err != nil {
		return false, err
	}

	lock := m.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	state, token := m.snapshot(identity)
	if state != StateCodeRequested {
		return false, fmt.Errorf("%w: submit code requires %s", ErrStateMismatch, StateCodeRequested)
	}

	pendingPath, err := m.files.PendingPath(identity)
	if err != nil {
		return false, err
	}
	conn, err := m.dialer.Dial(ctx, pendingPath)
	if err != nil {
		return false, &VerificationError{Step: "code", Err: err}
	}
	defer conn.Close()

	res, err := conn.SubmitCode(ctx, identity, code, token)
	if errors.Is(err, protocol.ErrCodeInvalid) {
		return false, ErrInvalidCode
	}
	if err != nil {
		return false, &VerificationError{Step: "code", Err: err}
	}

	if res.SecondFactorRequired {
		if err := m.creds.Upsert(identity, store.Fields{Code: &code}); err != nil {
			return false, err
		}
		m.transition(identity, StateSecondFactorPending)
		m.logger.Info("second factor required", "identity", identity)
		return true, nil
	}

	if err := m.finalize(identity, store.Fields{Code: &code}); err != nil {
		return false, err
	}
	m.transition(identity, StateFinalized)
	m.logger.Info("login finalized", "identity", identity)
	return false, nil
}

// SubmitSecondFactor completes a two-factor login.
func (m *Manager) SubmitSecondFactor(ctx context.Context, identity, secret string) error {
	identity, err := sessionfile.ValidateIdentity(identity)
	if err != nil {
		return err
	}

	lock := m.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	state, _ := m.snapshot(identity)
	if state != StateSecondFactorPending {
		return fmt.Errorf("%w: submit second factor requires %s", ErrStateMismatch, StateSecondFactorPending)
	}

	pendingPath, err := m.files.PendingPath(identity)
	if err != nil {
		return err
	}
	conn, err := m.dialer.Dial(ctx, pendingPath)
	if err != nil {
		return &VerificationError{Step: "second factor", Err: err}
	}
	defer conn.Close()

	err = conn.SubmitSecondFactor(ctx, secret)
	if errors.Is(err, protocol.ErrSecondFactorInvalid) {
		return ErrInvalidSecondFactor
	}
	if err != nil {
		return &VerificationError{Step: "second factor", Err: err}
	}

	if err := m.finalize(identity, store.Fields{Secret: &secret}); err != nil {
		return err
	}
	m.transition(identity, StateFinalized)
	m.logger.Info("login finalized", "identity", identity, "second_factor", true)
	return nil
}

func (m *Manager) finalize(identity string, fields store.Fields) error {
	if err := m.files.Finalize(identity); err != nil {
		return err
	}
	if err := m.creds.Upsert(identity, fields); err != nil {
		return fmt.Errorf("record credentials: %w", err)
	}
	return nil
}

func (m *Manager) snapshot(identity string) (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[identity]; ok {
		return a.state, a.challengeToken
	}
	return StateNone, ""
}

func (m *Manager) transition(identity string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[identity]; ok {
		a.state = s
	}
}

func (m *Manager) setState(identity string, a *attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a == nil {
		delete(m.attempts, identity)
		return
	}
	m.attempts[identity] = a
}

func (m *Manager) identityLock(identity string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[identity]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[identity] = lock
	}
	return lock
}
