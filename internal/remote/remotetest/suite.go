// Package remotetest is a compliance suite for remote.Store
// implementations.
package remotetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/remote"
)

// Run exercises a store implementation. makeStore must return a clean,
// isolated store.
func Run(t *testing.T, makeStore func(t *testing.T) remote.Store) {
	t.Helper()

	t.Run("PutIsIdempotent", func(t *testing.T) { testPutIsIdempotent(t, makeStore(t)) })
	t.Run("StaleBaseIsRejected", func(t *testing.T) { testStaleBase(t, makeStore(t)) })
	t.Run("InvalidRecordsAreRejected", func(t *testing.T) { testInvalid(t, makeStore(t)) })
	t.Run("DeleteLeavesTombstone", func(t *testing.T) { testDelete(t, makeStore(t)) })
	t.Run("StatusDoesNotBumpVersion", func(t *testing.T) { testStatus(t, makeStore(t)) })
	t.Run("ChangesPageInVersionOrder", func(t *testing.T) { testChanges(t, makeStore(t)) })
	t.Run("UsersArePartitioned", func(t *testing.T) { testPartitions(t, makeStore(t)) })
}

// Record returns a valid record with a fresh id.
func Record(ts int64) model.EmotionRecord {
	r := model.NewRecord(model.EmotionJoy, 0.4, 0.2, time.UnixMilli(ts))
	r.ColorTag = "#FFD700"
	return r
}

func put(r model.EmotionRecord, base string) remote.Op {
	return remote.Op{Kind: remote.OpPut, ID: r.ID, Record: &r, BaseVersion: base}
}

func applyOne(t *testing.T, s remote.Store, user string, op remote.Op) remote.Result {
	t.Helper()
	res, err := s.Apply(context.Background(), user, []remote.Op{op})
	require.NoError(t, err)
	require.Len(t, res, 1)
	return res[0]
}

func testPutIsIdempotent(t *testing.T, s remote.Store) {
	user := "u-" + uuid.NewString()
	r := Record(1000)

	first := applyOne(t, s, user, put(r, ""))
	require.True(t, first.OK(), first.Reason)
	require.NotEmpty(t, first.Version)

	again := applyOne(t, s, user, put(r, ""))
	require.True(t, again.OK(), again.Reason)
	assert.Equal(t, first.Version, again.Version)

	r.SyncStatus = model.StatusError
	r.Attempts = 3
	meta := applyOne(t, s, user, put(r, "whatever"))
	assert.Equal(t, first.Version, meta.Version, "local bookkeeping is not content")

	entries, _, err := s.Changes(context.Background(), user, "", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testStaleBase(t *testing.T, s remote.Store) {
	user := "u-" + uuid.NewString()
	r := Record(1000)
	v1 := applyOne(t, s, user, put(r, "")).Version

	r.Note = "edited on phone"
	v2 := applyOne(t, s, user, put(r, v1))
	require.True(t, v2.OK(), v2.Reason)
	assert.Greater(t, v2.Version, v1)

	r.Note = "edited on tablet"
	stale := applyOne(t, s, user, put(r, v1))
	assert.Equal(t, remote.CodeStale, stale.Code)

	got, err := s.Get(context.Background(), user, r.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.Version, got.Version)
	assert.Equal(t, "edited on phone", got.Record.Note)
}

func testInvalid(t *testing.T, s remote.Store) {
	user := "u-" + uuid.NewString()
	r := Record(1000)
	r.Intensity = 7

	res := applyOne(t, s, user, put(r, ""))
	assert.Equal(t, remote.CodeInvalid, res.Code)
	assert.NotEmpty(t, res.Reason)

	good := Record(1000)
	results, err := s.Apply(context.Background(), user, []remote.Op{put(r, ""), put(good, "")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].OK())
	assert.True(t, results[1].OK(), "one bad op does not fail the call")
}

func testDelete(t *testing.T, s remote.Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	r := Record(1000)
	v1 := applyOne(t, s, user, put(r, "")).Version

	del := applyOne(t, s, user, remote.Op{Kind: remote.OpDelete, ID: r.ID})
	require.True(t, del.OK())
	again := applyOne(t, s, user, remote.Op{Kind: remote.OpDelete, ID: r.ID})
	require.True(t, again.OK())
	assert.Equal(t, del.Version, again.Version)

	absent := applyOne(t, s, user, remote.Op{Kind: remote.OpDelete, ID: uuid.NewString()})
	assert.True(t, absent.OK())

	_, err := s.Get(ctx, user, r.ID)
	assert.ErrorIs(t, err, remote.ErrNotFound)

	entries, _, err := s.Changes(ctx, user, v1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Deleted)
	assert.Equal(t, r.ID, entries[0].ID)

	back := applyOne(t, s, user, put(r, v1))
	assert.True(t, back.OK(), "a put resurrects a deleted id")
}

func testStatus(t *testing.T, s remote.Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	r := Record(1000)
	v1 := applyOne(t, s, user, put(r, "")).Version

	res := applyOne(t, s, user, remote.Op{Kind: remote.OpStatus, ID: r.ID, Status: model.StatusSynced})
	require.True(t, res.OK(), res.Reason)
	assert.Equal(t, v1, res.Version)

	missing := applyOne(t, s, user, remote.Op{Kind: remote.OpStatus, ID: uuid.NewString(), Status: model.StatusSynced})
	assert.Equal(t, remote.CodeNotFound, missing.Code)

	entries, _, err := s.Changes(ctx, user, v1, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testChanges(t *testing.T, s remote.Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()

	var versions []string
	for i := 0; i < 5; i++ {
		res := applyOne(t, s, user, put(Record(int64(1000+i)), ""))
		require.True(t, res.OK())
		versions = append(versions, res.Version)
	}

	var seen []string
	cursor := ""
	for page := 0; page < 10; page++ {
		entries, next, err := s.Changes(ctx, user, cursor, 2)
		require.NoError(t, err)
		if len(entries) == 0 {
			assert.Equal(t, cursor, next, fmt.Sprintf("page %d", page))
			break
		}
		for _, e := range entries {
			seen = append(seen, e.Version)
			require.NotNil(t, e.Record)
		}
		cursor = next
	}
	assert.Equal(t, versions, seen)
}

func testPartitions(t *testing.T, s remote.Store) {
	ctx := context.Background()
	alice, bob := "u-"+uuid.NewString(), "u-"+uuid.NewString()
	r := Record(1000)
	require.True(t, applyOne(t, s, alice, put(r, "")).OK())

	_, err := s.Get(ctx, bob, r.ID)
	assert.ErrorIs(t, err, remote.ErrNotFound)
	entries, _, err := s.Changes(ctx, bob, "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
