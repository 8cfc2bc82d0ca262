package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodjar/emosync/internal/remote"
	"github.com/moodjar/emosync/internal/remote/remotetest"
)

func TestCompliance(t *testing.T) {
	remotetest.Run(t, func(t *testing.T) remote.Store {
		s, err := Open(filepath.Join(t.TempDir(), "remote.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestVersionsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "remote.db")

	s, err := Open(path)
	require.NoError(t, err)
	r := remotetest.Record(1000)
	res, err := s.Apply(ctx, "u1", []remote.Op{{Kind: remote.OpPut, ID: r.ID, Record: &r}})
	require.NoError(t, err)
	first := res[0].Version
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	other := remotetest.Record(2000)
	res, err = s.Apply(ctx, "u1", []remote.Op{{Kind: remote.OpPut, ID: other.ID, Record: &other}})
	require.NoError(t, err)
	assert.Greater(t, res[0].Version, first)

	got, err := s.Get(ctx, "u1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.Record.ID)
	assert.Equal(t, first, got.Version)
}
