package listener

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wirasto/otphub/internal/protocol"
	"github.com/wirasto/otphub/internal/protocol/protocoltest"
	"github.com/wirasto/otphub/internal/sessionfile"
	"github.com/wirasto/otphub/internal/store"
)

func TestScan_RegistersAuthorizedArtifact(t *testing.T) {
	env := newCoordEnv(t)
	env.finalize(t, "+6281234")

	env.coord.scan(context.Background())

	if !env.coord.Table().Contains("+6281234") {
		t.Fatal("identity not registered after scan")
	}
	if env.coord.Table().Count() != 1 {
		t.Errorf("Count() = %d, want 1", env.coord.Table().Count())
	}

	// A second scan within the interval must not double-subscribe.
	dials := env.dialer.DialCount()
	env.coord.scan(context.Background())
	if env.dialer.DialCount() != dials {
		t.Error("second scan redialed an already-registered identity")
	}

	env.drain()
}

// An unauthorized artifact is attempted on every cycle and never registered.
func TestScan_UnauthorizedRetriedEveryCycle(t *testing.T) {
	env := newCoordEnv(t)
	env.dialer.AuthorizedFn = func(string) bool { return false }
	env.finalize(t, "+6281234")

	env.coord.scan(context.Background())
	env.coord.scan(context.Background())

	if env.dialer.DialCount() != 2 {
		t.Errorf("DialCount() = %d, want 2 (one attempt per cycle)", env.dialer.DialCount())
	}
	if env.coord.Table().Count() != 0 {
		t.Errorf("Count() = %d, want 0", env.coord.Table().Count())
	}
	if env.dialer.OpenConns() != 0 {
		t.Errorf("OpenConns() = %d, want 0 (unauthorized conns closed)", env.dialer.OpenConns())
	}
}

func TestScan_IgnoresPendingArtifacts(t *testing.T) {
	env := newCoordEnv(t)
	if _, err := env.files.CreatePending("+6281234"); err != nil {
		t.Fatal(err)
	}

	env.coord.scan(context.Background())

	if env.dialer.DialCount() != 0 {
		t.Errorf("DialCount() = %d for pending-only registry, want 0", env.dialer.DialCount())
	}
}

func TestListener_DeliversCodesToStore(t *testing.T) {
	env := newCoordEnv(t)
	env.finalize(t, "+6281234")

	env.coord.scan(context.Background())
	defer env.drain()

	env.dialer.Deliver(protocol.Message{
		SenderID: DefaultServiceSenderID,
		Text:     "Login code: 90915. Do not give this code to anyone.",
	})

	rec, ok, err := env.creds.Get("+6281234")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if rec.Code == nil || *rec.Code != "90915" {
		t.Errorf("Code = %v, want 90915", rec.Code)
	}
}

func TestListener_DeregistersOnDisconnect(t *testing.T) {
	env := newCoordEnv(t)
	env.finalize(t, "+6281234")

	env.coord.scan(context.Background())
	entry, ok := env.coord.Table().Get("+6281234")
	if !ok {
		t.Fatal("identity not registered")
	}

	if err := entry.Conn.Close(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		return !env.coord.Table().Contains("+6281234")
	})

	// The next scan re-discovers the artifact.
	env.coord.scan(context.Background())
	if !env.coord.Table().Contains("+6281234") {
		t.Error("identity not re-registered after disconnect")
	}
	env.drain()
}

func TestCoordinator_StartStop(t *testing.T) {
	env := newCoordEnv(t)
	env.coord.config.Interval = 10 * time.Millisecond
	env.finalize(t, "+6281234")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := env.coord.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.coord.Start(ctx); err == nil {
		t.Error("second Start() expected error")
	}

	waitFor(t, time.Second, func() bool {
		return env.coord.Table().Contains("+6281234")
	})

	if err := env.coord.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if env.dialer.OpenConns() != 0 {
		t.Errorf("OpenConns() = %d after Stop, want 0 (drained)", env.dialer.OpenConns())
	}

	// Stop is idempotent.
	if err := env.coord.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestCoordinator_WatchTriggersScan(t *testing.T) {
	env := newCoordEnv(t)
	env.coord.config.Interval = time.Hour // only the watch can trigger discovery
	env.coord.config.WatchSessions = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := env.coord.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer env.coord.Stop()

	env.finalize(t, "+6281234")

	waitFor(t, 2*time.Second, func() bool {
		return env.coord.Table().Contains("+6281234")
	})
}

type coordEnv struct {
	files  *sessionfile.Registry
	creds  *store.Store
	dialer *protocoltest.Dialer
	coord  *Coordinator
}

func newCoordEnv(t *testing.T) *coordEnv {
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
	coord := New(DefaultConfig(), files, creds, dialer)
	return &coordEnv{files: files, creds: creds, dialer: dialer, coord: coord}
}

func (e *coordEnv) finalize(t *testing.T, identity string) {
	t.Helper()
	if _, err := e.files.CreatePending(identity); err != nil {
		t.Fatal(err)
	}
	if err := e.files.Finalize(identity); err != nil {
		t.Fatal(err)
	}
}

// drain closes all registered conns and waits for listener goroutines.
func (e *coordEnv) drain() {
	e.coord.drain()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
