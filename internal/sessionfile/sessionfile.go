// Package sessionfile manages per-account protocol session artifacts on disk.
//
// An artifact is an opaque state blob the protocol client writes while a
// login is in flight and later reuses to reconnect as an already-authenticated
// account. Naming convention:
//
//	<identity>.pending.session   login in progress
//	<identity>.session           fully authenticated
//
// At most one of each exists per identity. The pending->final transition is a
// single os.Rename, so a finalized artifact is never observable half-written.
package sessionfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	finalSuffix   = ".session"
	pendingSuffix = ".pending.session"
)

// ErrNoPendingArtifact is returned by Finalize when there is no pending
// artifact for the identity.
var ErrNoPendingArtifact = fmt.Errorf("no pending session artifact")

// Registry is a filesystem-backed set of session artifacts rooted at a
// single directory.
type Registry struct {
	dir string
}

// NewRegistry creates a registry rooted at dir, creating it if needed.
func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("session dir is required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("abs session dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	return &Registry{dir: abs}, nil
}

// Dir returns the on-disk path to the registry root.
func (r *Registry) Dir() string {
	return r.dir
}

// PendingPath returns the path of the pending artifact for identity.
func (r *Registry) PendingPath(identity string) (string, error) {
	identity, err := ValidateIdentity(identity)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.dir, identity+pendingSuffix), nil
}

// FinalPath returns the path of the finalized artifact for identity.
func (r *Registry) FinalPath(identity string) (string, error) {
	identity, err := ValidateIdentity(identity)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.dir, identity+finalSuffix), nil
}

// Purge removes every artifact for identity, pending or finalized.
// Missing artifacts are not an error.
func (r *Registry) Purge(identity string) error {
	identity, err := ValidateIdentity(identity)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("list session dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name != identity+finalSuffix && name != identity+pendingSuffix {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

// CreatePending creates an empty pending artifact for identity and returns
// its path. The protocol client fills it in during the login flow.
func (r *Registry) CreatePending(identity string) (string, error) {
	path, err := r.PendingPath(identity)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("create pending artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close pending artifact: %w", err)
	}
	return path, nil
}

// Finalize atomically renames the pending artifact to its finalized name.
// Returns ErrNoPendingArtifact if no pending artifact exists.
func (r *Registry) Finalize(identity string) error {
	src, err := r.PendingPath(identity)
	if err != nil {
		return err
	}
	dst, err := r.FinalPath(identity)
	if err != nil {
		return err
	}

	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w for %s", ErrNoPendingArtifact, identity)
		}
		return fmt.Errorf("stat pending artifact: %w", err)
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("finalize artifact: %w", err)
	}
	return nil
}

// HasPending reports whether a pending artifact exists for identity.
func (r *Registry) HasPending(identity string) bool {
	path, err := r.PendingPath(identity)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// HasFinal reports whether a finalized artifact exists for identity.
func (r *Registry) HasFinal(identity string) bool {
	path, err := r.FinalPath(identity)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// ListFinalized returns the identities of all finalized artifacts, sorted.
// Pending artifacts are never listed.
func (r *Registry) ListFinalized() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list session dir: %w", err)
	}

	var identities []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, pendingSuffix) {
			continue
		}
		if !strings.HasSuffix(name, finalSuffix) {
			continue
		}
		identities = append(identities, strings.TrimSuffix(name, finalSuffix))
	}

	sort.Strings(identities)
	return identities, nil
}

// ValidateIdentity rejects identities that cannot safely be used as a
// filename segment. The accepted value is returned trimmed and must be used
// as-is from then on; identities are never re-normalized once chosen.
func ValidateIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("identity cannot be empty")
	}
	if identity == "." || identity == ".." {
		return "", fmt.Errorf("invalid identity: %q", identity)
	}
	if strings.ContainsRune(identity, 0) {
		return "", fmt.Errorf("invalid identity: %q", identity)
	}
	if strings.ContainsAny(identity, "/\\") {
		return "", fmt.Errorf("invalid identity: %q", identity)
	}
	if filepath.IsAbs(identity) || filepath.VolumeName(identity) != "" {
		return "", fmt.Errorf("invalid identity: %q", identity)
	}
	return identity, nil
}
