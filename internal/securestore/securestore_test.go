package securestore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kv is the surface both implementations share.
type kv interface {
	Ready() bool
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func openTestStore(t *testing.T) *SQLite {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "cache.db"), "correct horse")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func exerciseKV(t *testing.T, s kv) {
	ctx := context.Background()

	require.True(t, s.Ready())

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "emotions/record/a", `{"id":"a"}`))
	require.NoError(t, s.Set(ctx, "emotions/record/b", `{"id":"b"}`))
	require.NoError(t, s.Set(ctx, "emotions/index", `["a","b"]`))
	require.NoError(t, s.Set(ctx, "emotions/record/a", `{"id":"a","note":"x"}`))

	v, ok, err := s.Get(ctx, "emotions/record/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"a","note":"x"}`, v)

	keys, err := s.Keys(ctx, "emotions/record/")
	require.NoError(t, err)
	assert.Equal(t, []string{"emotions/record/a", "emotions/record/b"}, keys)

	require.NoError(t, s.Delete(ctx, "emotions/record/a"))
	require.NoError(t, s.Delete(ctx, "emotions/record/a"), "delete is idempotent")

	_, ok, err = s.Get(ctx, "emotions/record/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteKV(t *testing.T) {
	exerciseKV(t, openTestStore(t))
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemory())
}

func TestSQLiteValuesAreEncryptedAtRest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "emotions/record/a", "very private note"))

	raw, err := sql.Open("sqlite3", "file:"+s.Path())
	require.NoError(t, err)
	defer raw.Close()

	var blob []byte
	require.NoError(t, raw.QueryRow(`SELECT value FROM kv WHERE key = ?`, "emotions/record/a").Scan(&blob))
	assert.False(t, strings.Contains(string(blob), "very private note"))
}

func TestSQLiteReopenWithWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := Open(path, "first")
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.Close())

	again, err := Open(path, "first")
	require.NoError(t, err)
	v, ok, err := again.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	require.NoError(t, again.Close())

	_, err = Open(path, "second")
	assert.True(t, errors.Is(err, ErrDecrypt))

	// A failed open releases the lock.
	again, err = Open(path, "first")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestNotReady(t *testing.T) {
	ctx := context.Background()

	s := openTestStore(t)
	require.NoError(t, s.Close())
	assert.False(t, s.Ready())
	assert.ErrorIs(t, s.Set(ctx, "k", "v"), ErrNotReady)
	_, _, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotReady)

	m := NewMemory()
	m.SetReady(false)
	assert.ErrorIs(t, m.Set(ctx, "k", "v"), ErrNotReady)
	_, err = m.Keys(ctx, "")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestOpenRequiresPassphrase(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "cache.db"), "")
	assert.Error(t, err)
}

func TestSecondOpenIsLockedUntilClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	first, err := Open(path, "pass")
	require.NoError(t, err)

	_, err = Open(path, "pass")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())
	again, err := Open(path, "pass")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
