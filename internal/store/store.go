// Package store persists per-account credentials: the last verification code
// seen for the account and its optional two-factor secret.
//
// Writers are concurrent (the login flow and every active listener's message
// handler), so upserts merge field-by-field instead of replacing the whole
// record. A code update never clears the secret and vice versa.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wirasto/otphub/internal/sessionfile"
)

// Record is one account's cached credentials. Either field may be nil.
type Record struct {
	Identity string
	Code     *string
	Secret   *string
}

// Fields carries the values of one upsert. Nil fields are left untouched.
type Fields struct {
	Code   *string
	Secret *string
}

type Store struct {
	path   string
	conn   *sql.DB
	cipher *Cipher // nil means secrets are stored in the clear
}

// Option configures a Store.
type Option func(*Store)

// WithCipher encrypts second-factor secrets at rest.
func WithCipher(c *Cipher) Option {
	return func(s *Store) {
		s.cipher = c
	}
}

// Open opens (or creates) the credential database at path and runs
// migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}

	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := openAndInit(clean)
	if err == nil {
		s := &Store{path: clean, conn: conn}
		for _, opt := range opts {
			opt(s)
		}
		return s, nil
	}

	// Graceful handling: if the database is corrupt, preserve it and recreate.
	if !isCorruptSQLiteError(err) {
		return nil, err
	}

	if _, statErr := os.Stat(clean); statErr == nil {
		backupPath := clean + ".corrupt." + time.Now().UTC().Format("20060102T150405Z")
		if renameErr := os.Rename(clean, backupPath); renameErr != nil {
			return nil, fmt.Errorf("db appears corrupt (%v), and rename failed: %w", err, renameErr)
		}
		if sidecarErr := renameSQLiteSidecars(clean, backupPath); sidecarErr != nil {
			return nil, fmt.Errorf("db appears corrupt (%v), and sidecar rename failed: %w", err, sidecarErr)
		}
	}

	conn, err = openAndInit(clean)
	if err != nil {
		return nil, err
	}
	s := &Store{path: clean, conn: conn}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Upsert merges the non-nil fields into the identity's record, creating it
// if absent. The merge happens inside a single SQL statement, so concurrent
// writers touching disjoint fields never lose each other's update.
func (s *Store) Upsert(identity string, fields Fields) error {
	identity, err := sessionfile.ValidateIdentity(identity)
	if err != nil {
		return err
	}

	secret := fields.Secret
	if secret != nil && s.cipher != nil {
		sealed, err := s.cipher.Seal(*secret)
		if err != nil {
			return fmt.Errorf("seal secret: %w", err)
		}
		secret = &sealed
	}

	_, err = s.conn.Exec(`
INSERT INTO accounts (identity, code, secret, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(identity) DO UPDATE SET
    code       = COALESCE(excluded.code, accounts.code),
    secret     = COALESCE(excluded.secret, accounts.secret),
    updated_at = CURRENT_TIMESTAMP
`, identity, fields.Code, secret)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", identity, err)
	}
	return nil
}

// Get returns the record for identity. The second return value reports
// whether the record exists.
func (s *Store) Get(identity string) (Record, bool, error) {
	identity, err := sessionfile.ValidateIdentity(identity)
	if err != nil {
		return Record{}, false, err
	}

	rec := Record{Identity: identity}
	err = s.conn.QueryRow(`SELECT code, secret FROM accounts WHERE identity = ?`, identity).
		Scan(&rec.Code, &rec.Secret)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get account %s: %w", identity, err)
	}

	if rec.Secret != nil && s.cipher != nil {
		opened, err := s.cipher.Open(*rec.Secret)
		if err != nil {
			return Record{}, false, fmt.Errorf("open secret for %s: %w", identity, err)
		}
		rec.Secret = &opened
	}
	return rec, true, nil
}

// ListIdentities returns all known identities in insertion order.
func (s *Store) ListIdentities() ([]string, error) {
	rows, err := s.conn.Query(`SELECT identity FROM accounts ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var identities []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		identities = append(identities, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return identities, nil
}

func openAndInit(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite PRAGMAs are per-connection; keep a single shared connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	// Ensure we don't leak file descriptors on init errors.
	initErr := func() error {
		if err := conn.Ping(); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		if err := enableWAL(conn); err != nil {
			return err
		}
		if err := runMigrations(conn); err != nil {
			return err
		}
		return nil
	}()

	if initErr != nil {
		_ = conn.Close()
		return nil, initErr
	}

	return conn, nil
}

func dsn(path string) string {
	// Use an explicit file: DSN so we can pass mode=rwc for auto-create.
	return "file:" + filepath.ToSlash(path) + "?mode=rwc"
}

func enableWAL(conn *sql.DB) error {
	if conn == nil {
		return fmt.Errorf("conn is nil")
	}

	// Enable WAL mode for concurrent reads.
	if _, err := conn.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("set journal_mode=WAL: %w", err)
	}
	if _, err := conn.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	return nil
}

func isCorruptSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrInvalid) {
		return true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "file is not a database"):
		return true
	case strings.Contains(msg, "database disk image is malformed"):
		return true
	case strings.Contains(msg, "malformed"):
		return true
	default:
		return false
	}
}

func renameSQLiteSidecars(path, backupPath string) error {
	for _, suffix := range []string{"-wal", "-shm"} {
		oldPath := path + suffix
		if _, err := os.Stat(oldPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", oldPath, err)
		}
		if err := os.Rename(oldPath, backupPath+suffix); err != nil {
			return fmt.Errorf("rename %s: %w", oldPath, err)
		}
	}
	return nil
}
