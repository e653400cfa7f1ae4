package login

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/wirasto/otphub/internal/protocol"
	"github.com/wirasto/otphub/internal/protocol/protocoltest"
	"github.com/wirasto/otphub/internal/sessionfile"
	"github.com/wirasto/otphub/internal/store"
)

func TestStart_DispatchesCode(t *testing.T) {
	env := newTestEnv(t)

	if err := env.mgr.Start(context.Background(), "+6281234"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := env.mgr.StateOf("+6281234"); got != StateCodeRequested {
		t.Errorf("StateOf() = %v, want %v", got, StateCodeRequested)
	}
	if !env.files.HasPending("+6281234") {
		t.Error("pending artifact missing after Start")
	}
	if env.files.HasFinal("+6281234") {
		t.Error("finalized artifact present after Start")
	}
	if env.dialer.OpenConns() != 0 {
		t.Errorf("open conns = %d after Start, want 0", env.dialer.OpenConns())
	}
}

func TestStart_DispatchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.RequestCodeErr = fmt.Errorf("flood wait")

	err := env.mgr.Start(context.Background(), "+6281234")
	if !errors.Is(err, ErrChallengeDispatch) {
		t.Fatalf("Start() error = %v, want ErrChallengeDispatch", err)
	}
	if got := env.mgr.StateOf("+6281234"); got != StateNone {
		t.Errorf("StateOf() = %v after dispatch failure, want %v", got, StateNone)
	}
}

func TestStart_RestartPurgesArtifacts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.mgr.Start(ctx, "+6281234"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.mgr.SubmitCode(ctx, "+6281234", "111111"); err != nil {
		t.Fatal(err)
	}
	if !env.files.HasFinal("+6281234") {
		t.Fatal("expected finalized artifact")
	}

	if err := env.mgr.Start(ctx, "+6281234"); err != nil {
		t.Fatal(err)
	}
	if env.files.HasFinal("+6281234") {
		t.Error("finalized artifact survived restart")
	}
	if !env.files.HasPending("+6281234") {
		t.Error("pending artifact missing after restart")
	}
}

func TestSubmitCode_NoSecondFactor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.mgr.Start(ctx, "+6281234"); err != nil {
		t.Fatal(err)
	}

	needSecond, err := env.mgr.SubmitCode(ctx, "+6281234", "111111")
	if err != nil {
		t.Fatalf("SubmitCode() error = %v", err)
	}
	if needSecond {
		t.Error("SubmitCode() second factor = true, want false")
	}

	if got := env.mgr.StateOf("+6281234"); got != StateFinalized {
		t.Errorf("StateOf() = %v, want %v", got, StateFinalized)
	}
	if !env.files.HasFinal("+6281234") {
		t.Error("artifact not finalized")
	}

	rec, ok, err := env.creds.Get("+6281234")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if rec.Code == nil || *rec.Code != "111111" {
		t.Errorf("stored code = %v, want 111111", rec.Code)
	}
}

func TestSubmitCode_InvalidCode(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.ValidCode = "222222"
	ctx := context.Background()

	if err := env.mgr.Start(ctx, "+6281234"); err != nil {
		t.Fatal(err)
	}

	_, err := env.mgr.SubmitCode(ctx, "+6281234", "111111")
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("SubmitCode() error = %v, want ErrInvalidCode", err)
	}
	if got := env.mgr.StateOf("+6281234"); got != StateCodeRequested {
		t.Errorf("StateOf() = %v after invalid code, want %v", got, StateCodeRequested)
	}
	if env.files.HasFinal("+6281234") {
		t.Error("artifact finalized despite invalid code")
	}

	// The caller may retry with the right code.
	if _, err := env.mgr.SubmitCode(ctx, "+6281234", "222222"); err != nil {
		t.Fatalf("retry SubmitCode() error = %v", err)
	}
}

// A challenge token from an earlier Start must not validate: only the most
// recently issued token may finalize.
func TestSubmitCode_StaleToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.mgr.Start(ctx, "+6281234"); err != nil {
		t.Fatal(err)
	}
	staleToken := env.dialer.LatestToken("+6281234")

	// Second Start issues a fresh token; the manager must use it.
	if err := env.mgr.Start(ctx, "+6281234"); err != nil {
		t.Fatal(err)
	}
	if env.dialer.LatestToken("+6281234") == staleToken {
		t.Fatal("fake did not rotate token")
	}

	conn, err := env.dialer.Dial(ctx, "direct")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.SubmitCode(ctx, "+6281234", "111111", staleToken); !errors.Is(err, protocol.ErrCodeInvalid) {
		t.Errorf("SubmitCode(stale token) error = %v, want ErrCodeInvalid", err)
	}
	if env.files.HasFinal("+6281234") {
		t.Error("artifact finalized by stale-token submission")
	}

	if _, err := env.mgr.SubmitCode(ctx, "+6281234", "111111"); err != nil {
		t.Fatalf("SubmitCode() with fresh token error = %v", err)
	}
}

func TestSubmitCode_StateMismatch(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.SubmitCode(context.Background(), "+6281234", "111111")
	if !errors.Is(err, ErrStateMismatch) {
		t.Errorf("SubmitCode() error = %v, want ErrStateMismatch", err)
	}
}

func TestSubmitSecondFactor_StateMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// No attempt at all.
	err := env.mgr.SubmitSecondFactor(ctx, "+6281234", "pw")
	if !errors.Is(err, ErrStateMismatch) {
		t.Errorf("SubmitSecondFactor() error = %v, want ErrStateMismatch", err)
	}

	// Attempt exists but no second factor was requested.
	if err := env.mgr.Start(ctx, "+6281234"); err != nil {
		t.Fatal(err)
	}
	err = env.mgr.SubmitSecondFactor(ctx, "+6281234", "pw")
	if !errors.Is(err, ErrStateMismatch) {
		t.Errorf("SubmitSecondFactor() error = %v, want ErrStateMismatch", err)
	}
}

func TestSubmitSecondFactor_InvalidSecret(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.RequireSecondFactor = true
	env.dialer.ValidSecret = "right"
	ctx := context.Background()

	if err := env.mgr.Start(ctx, "+6281234"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.mgr.SubmitCode(ctx, "+6281234", "111111"); err != nil {
		t.Fatal(err)
	}

	err := env.mgr.SubmitSecondFactor(ctx, "+6281234", "wrong")
	if !errors.Is(err, ErrInvalidSecondFactor) {
		t.Fatalf("SubmitSecondFactor() error = %v, want ErrInvalidSecondFactor", err)
	}
	if got := env.mgr.StateOf("+6281234"); got != StateSecondFactorPending {
		t.Errorf("StateOf() = %v, want %v", got, StateSecondFactorPending)
	}
}

func TestVerificationError_WrapsCause(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.mgr.Start(ctx, "+6281234"); err != nil {
		t.Fatal(err)
	}

	cause := fmt.Errorf("connection reset")
	env.dialer.DialErr = cause

	_, err := env.mgr.SubmitCode(ctx, "+6281234", "111111")
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("SubmitCode() error = %T, want *VerificationError", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("VerificationError does not wrap cause: %v", err)
	}
	if got := env.mgr.StateOf("+6281234"); got != StateCodeRequested {
		t.Errorf("StateOf() = %v after transient failure, want %v", got, StateCodeRequested)
	}
}

// Full flow: code dispatch, code accepted with second factor pending,
// second factor accepted, artifact finalized, both credentials stored.
func TestLoginFlow_WithSecondFactor(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.RequireSecondFactor = true
	env.dialer.ValidSecret = "mypw"
	ctx := context.Background()

	if err := env.mgr.Start(ctx, "+6281234"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if env.dialer.LatestToken("+6281234") != "tok1" {
		t.Fatalf("token = %q, want tok1", env.dialer.LatestToken("+6281234"))
	}

	needSecond, err := env.mgr.SubmitCode(ctx, "+6281234", "111111")
	if err != nil {
		t.Fatalf("SubmitCode() error = %v", err)
	}
	if !needSecond {
		t.Fatal("SubmitCode() second factor = false, want true")
	}
	if got := env.mgr.StateOf("+6281234"); got != StateSecondFactorPending {
		t.Fatalf("StateOf() = %v, want %v", got, StateSecondFactorPending)
	}
	if env.files.HasFinal("+6281234") {
		t.Fatal("artifact finalized before second factor")
	}
	if !env.files.HasPending("+6281234") {
		t.Fatal("pending artifact missing while second factor pending")
	}

	if err := env.mgr.SubmitSecondFactor(ctx, "+6281234", "mypw"); err != nil {
		t.Fatalf("SubmitSecondFactor() error = %v", err)
	}
	if !env.files.HasFinal("+6281234") {
		t.Error("artifact not finalized after second factor")
	}

	rec, ok, err := env.creds.Get("+6281234")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if rec.Code == nil || *rec.Code != "111111" {
		t.Errorf("stored code = %v, want 111111", rec.Code)
	}
	if rec.Secret == nil || *rec.Secret != "mypw" {
		t.Errorf("stored secret = %v, want mypw", rec.Secret)
	}

	// Every protocol connection was scoped to its state transition.
	if env.dialer.OpenConns() != 0 {
		t.Errorf("open conns = %d after flow, want 0", env.dialer.OpenConns())
	}
}

type testEnv struct {
	files  *sessionfile.Registry
	creds  *store.Store
	dialer *protocoltest.Dialer
	mgr    *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	files, err := sessionfile.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	creds, err := store.Open(filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = creds.Close() })

	dialer := &protocoltest.Dialer{}
	return &testEnv{
		files:  files,
		creds:  creds,
		dialer: dialer,
		mgr:    NewManager(files, creds, dialer, nil),
	}
}
