// Package securestore provides encrypted key/value persistence for the local
// record cache.
//
// The production store is an embedded SQLite database (WAL mode) holding a
// single kv table. Every value is sealed with AES-256-GCM before it touches
// disk, so a copied database file reveals keys but no record content.
//
// Stores expose Ready so callers can degrade gracefully while the subsystem
// is still opening or after it has been closed.
package securestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotReady is returned by operations on a closed or unopened store.
	ErrNotReady = errors.New("secure storage not ready")

	// ErrDecrypt is returned when a stored value cannot be opened with the
	// configured passphrase.
	ErrDecrypt = errors.New("failed to decrypt value")

	// ErrLocked is returned by Open when another process holds the store.
	ErrLocked = errors.New("secure storage is in use by another process")
)

const (
	kdfIterations = 200_000
	saltSize      = 16

	metaSalt  = "kdf_salt"
	metaCheck = "passphrase_check"
)

// SQLite is an encrypted key/value store backed by an embedded database.
type SQLite struct {
	mu   sync.RWMutex
	conn *sql.DB
	aead cipher.AEAD
	path string
	lock *os.File
}

// Open creates or opens the store at path, sealing values with a key derived
// from passphrase.
//
// The caller MUST call Close() when done to checkpoint the WAL.
//
// Example:
//
//	kv, err := securestore.Open(".emosync/cache.db", passphrase)
//	if err != nil {
//	    return err
//	}
//	defer kv.Close()
func Open(path, passphrase string) (*SQLite, error) {
	return OpenContext(context.Background(), path, passphrase)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path, passphrase string) (*SQLite, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	// The record index is cached in memory, so only one process may own
	// the store at a time.
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockFile(lock); err != nil {
		_ = lock.Close()
		return nil, err
	}
	release := func() {
		_ = unlockFile(lock)
		_ = lock.Close()
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		release()
		return nil, fmt.Errorf("failed to ping storage: %w", err)
	}

	// One writer at a time keeps SQLite from returning SQLITE_BUSY under the
	// record store's own locking.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = conn.Close()
			release()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS meta (
		name TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		release()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	aead, err := unlock(ctx, conn, passphrase)
	if err != nil {
		_ = conn.Close()
		release()
		return nil, err
	}

	return &SQLite{conn: conn, aead: aead, path: path, lock: lock}, nil
}

// unlock derives the value key from passphrase and the store's salt, then
// checks it against the stored verifier. A new store gets both.
func unlock(ctx context.Context, conn *sql.DB, passphrase string) (cipher.AEAD, error) {
	salt, err := metaValue(ctx, conn, metaSalt, func() ([]byte, error) {
		b := make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, b); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}

	key, err := pbkdf2.Key(sha256.New, passphrase, salt, kdfIterations, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	check, err := metaValue(ctx, conn, metaCheck, func() ([]byte, error) {
		return seal(aead, metaCheck, []byte(metaCheck))
	})
	if err != nil {
		return nil, err
	}
	if _, err := open(aead, metaCheck, check); err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase", ErrDecrypt)
	}
	return aead, nil
}

// metaValue returns the meta entry called name, creating it with create
// when absent.
func metaValue(ctx context.Context, conn *sql.DB, name string, create func() ([]byte, error)) ([]byte, error) {
	var v []byte
	err := conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = ?`, name).Scan(&v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	if v, err = create(); err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO meta (name, value) VALUES (?, ?)`, name, v); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	return v, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// Path returns the database file location.
func (s *SQLite) Path() string {
	return s.path
}

// Ready reports whether the store can serve reads and writes.
func (s *SQLite) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Get returns the value stored under key. The boolean is false when the key
// does not exist.
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return "", false, ErrNotReady
	}

	var sealed []byte
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	plain, err := open(s.aead, key, sealed)
	if err != nil {
		return "", false, err
	}
	return string(plain), true, nil
}

// Set stores value under key, replacing any previous value.
func (s *SQLite) Set(ctx context.Context, key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return ErrNotReady
	}

	sealed, err := seal(s.aead, key, []byte(value))
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`,
		key, sealed, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Returns nil if the key doesn't exist (idempotent).
func (s *SQLite) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return ErrNotReady
	}

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys lists keys starting with prefix in lexical order.
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil, ErrNotReady
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close checkpoints the WAL and closes the database. After Close, Ready
// reports false.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	err := s.conn.Close()
	s.conn = nil
	if s.lock != nil {
		_ = unlockFile(s.lock)
		_ = s.lock.Close()
		s.lock = nil
	}
	if err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}

// seal encrypts plain, binding the ciphertext to key so values cannot be
// swapped between keys.
func seal(aead cipher.AEAD, key string, plain []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, []byte(key)), nil
}

func open(aead cipher.AEAD, key string, sealed []byte) ([]byte, error) {
	n := aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("%w: %s: value too short", ErrDecrypt, key)
	}
	plain, err := aead.Open(nil, sealed[:n], sealed[n:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecrypt, key)
	}
	return plain, nil
}
