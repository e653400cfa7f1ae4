package sessionfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewRegistry_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	info, err := os.Stat(r.Dir())
	if err != nil {
		t.Fatalf("stat registry dir: %v", err)
	}
	if !info.IsDir() {
		t.Error("registry path is not a directory")
	}
}

func TestNewRegistry_EmptyDir(t *testing.T) {
	if _, err := NewRegistry("  "); err == nil {
		t.Error("NewRegistry(\"  \") expected error")
	}
}

func TestCreatePendingAndFinalize(t *testing.T) {
	r := newTestRegistry(t)

	path, err := r.CreatePending("+6281234")
	if err != nil {
		t.Fatalf("CreatePending() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("pending artifact missing: %v", err)
	}
	if !r.HasPending("+6281234") {
		t.Error("HasPending() = false, want true")
	}

	// Pending artifacts are invisible to discovery.
	ids, err := r.ListFinalized()
	if err != nil {
		t.Fatalf("ListFinalized() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ListFinalized() = %v, want empty", ids)
	}

	if err := r.Finalize("+6281234"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if r.HasPending("+6281234") {
		t.Error("pending artifact still present after finalize")
	}
	if !r.HasFinal("+6281234") {
		t.Error("HasFinal() = false after finalize")
	}

	ids, err = r.ListFinalized()
	if err != nil {
		t.Fatalf("ListFinalized() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "+6281234" {
		t.Errorf("ListFinalized() = %v, want [+6281234]", ids)
	}
}

func TestFinalize_NoPending(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Finalize("+6281234")
	if !errors.Is(err, ErrNoPendingArtifact) {
		t.Errorf("Finalize() error = %v, want ErrNoPendingArtifact", err)
	}
}

func TestPurge_RemovesAllStates(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.CreatePending("+6281234"); err != nil {
		t.Fatal(err)
	}
	if err := r.Finalize("+6281234"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreatePending("+6281234"); err != nil {
		t.Fatal(err)
	}

	// Another identity must survive the purge.
	if _, err := r.CreatePending("+44777"); err != nil {
		t.Fatal(err)
	}

	if err := r.Purge("+6281234"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if r.HasPending("+6281234") || r.HasFinal("+6281234") {
		t.Error("artifacts remain after purge")
	}
	if !r.HasPending("+44777") {
		t.Error("purge removed another identity's artifact")
	}

	// Purging a purged identity is a no-op.
	if err := r.Purge("+6281234"); err != nil {
		t.Errorf("second Purge() error = %v", err)
	}
}

// Two Start calls in sequence: after purge-then-create there is at most one
// pending and zero finalized artifacts for the identity.
func TestRestartLogin_SinglePendingArtifact(t *testing.T) {
	r := newTestRegistry(t)

	startLogin := func() {
		if err := r.Purge("+6281234"); err != nil {
			t.Fatal(err)
		}
		if _, err := r.CreatePending("+6281234"); err != nil {
			t.Fatal(err)
		}
	}

	startLogin()
	if err := r.Finalize("+6281234"); err != nil {
		t.Fatal(err)
	}
	startLogin()

	if r.HasFinal("+6281234") {
		t.Error("finalized artifact survived login restart")
	}
	if !r.HasPending("+6281234") {
		t.Error("pending artifact missing after login restart")
	}

	entries, err := os.ReadDir(r.Dir())
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, e := range entries {
		count++
		_ = e
	}
	if count != 1 {
		t.Errorf("artifact count = %d, want 1", count)
	}
}

func TestValidateIdentity(t *testing.T) {
	valid := []string{"+6281234", "628123456789", " +44777 "}
	for _, id := range valid {
		if _, err := ValidateIdentity(id); err != nil {
			t.Errorf("ValidateIdentity(%q) error = %v", id, err)
		}
	}

	invalid := []string{"", "  ", ".", "..", "a/b", `a\b`, "/etc/passwd", "a\x00b"}
	for _, id := range invalid {
		if _, err := ValidateIdentity(id); err == nil {
			t.Errorf("ValidateIdentity(%q) expected error", id)
		}
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}
