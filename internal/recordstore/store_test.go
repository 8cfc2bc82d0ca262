package recordstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/securestore"
)

func record(id string, ts int64, status model.SyncStatus) model.EmotionRecord {
	return model.EmotionRecord{
		ID:         id,
		Type:       model.EmotionJoy,
		Intensity:  0.5,
		Value:      0.1,
		Timestamp:  ts,
		SyncStatus: status,
	}
}

func newMemoryStore(t *testing.T) (*Store, *securestore.Memory) {
	t.Helper()
	kv := securestore.NewMemory()
	return New(kv, zerolog.Nop()), kv
}

func ids(records []model.EmotionRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestDurabilityAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	kv, err := securestore.Open(path, "pass")
	require.NoError(t, err)
	store := New(kv, zerolog.Nop())

	r := record("record-0001", 1000, model.StatusNotSynced)
	r.Note = "after lunch"
	r.Tags = []string{"work"}
	require.NoError(t, store.Put(ctx, r))
	require.NoError(t, store.SetCursor(ctx, "01HZZ"))
	require.NoError(t, kv.Close())

	kv, err = securestore.Open(path, "pass")
	require.NoError(t, err)
	defer kv.Close()
	reopened := New(kv, zerolog.Nop())

	got, err := reopened.Get(ctx, "record-0001")
	require.NoError(t, err)
	assert.Equal(t, r, got)
	assert.Equal(t, []string{"record-0001"}, ids(reopened.All(ctx)))
	assert.Equal(t, "01HZZ", reopened.Cursor(ctx))
}

func TestTamperedPayloadDoesNotHideOtherRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	kv, err := securestore.Open(path, "pass")
	require.NoError(t, err)
	store := New(kv, zerolog.Nop())
	require.NoError(t, store.Put(ctx, record("record-aaaa", 1000, model.StatusNotSynced)))
	require.NoError(t, store.Put(ctx, record("record-bbbb", 2000, model.StatusNotSynced)))
	require.NoError(t, kv.Close())

	raw, err := sql.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE kv SET value = ? WHERE key = ?`, []byte("not a sealed value at all, just noise"), "emotions/record/record-aaaa")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	kv, err = securestore.Open(path, "pass")
	require.NoError(t, err)
	defer kv.Close()
	reopened := New(kv, zerolog.Nop())

	assert.Equal(t, []string{"record-bbbb"}, ids(reopened.All(ctx)))
	got, err := reopened.Get(ctx, "record-bbbb")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.Timestamp)
	_, err = reopened.Get(ctx, "record-aaaa")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// The store keeps working and a fresh write replaces the damaged payload.
	require.NoError(t, reopened.Put(ctx, record("record-cccc", 3000, model.StatusNotSynced)))
	require.NoError(t, reopened.Put(ctx, record("record-aaaa", 1500, model.StatusNotSynced)))
	assert.ElementsMatch(t, []string{"record-aaaa", "record-bbbb", "record-cccc"}, ids(reopened.All(ctx)))
}

func TestIndexStorageCoherence(t *testing.T) {
	ctx := context.Background()
	store, kv := newMemoryStore(t)

	ops := []struct {
		put bool
		id  string
	}{
		{true, "aaaaaaaa"}, {true, "bbbbbbbb"}, {true, "cccccccc"},
		{false, "bbbbbbbb"}, {true, "dddddddd"}, {false, "bbbbbbbb"},
		{true, "bbbbbbbb"}, {false, "aaaaaaaa"}, {false, "zzzzzzzz"},
		{true, "cccccccc"},
	}
	want := map[string]bool{}
	for i, op := range ops {
		if op.put {
			require.NoError(t, store.Put(ctx, record(op.id, int64(i+1), model.StatusNotSynced)))
			want[op.id] = true
		} else {
			require.NoError(t, store.Delete(ctx, op.id))
			delete(want, op.id)
		}
	}

	var wantIDs []string
	for id := range want {
		wantIDs = append(wantIDs, id)
	}
	assert.ElementsMatch(t, wantIDs, ids(store.All(ctx)))

	keys, err := kv.Keys(ctx, recordPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, len(wantIDs), "no orphaned payloads")
	assert.Equal(t, len(wantIDs), store.Len(ctx))
}

func TestLoadPrunesIndexEntriesWithoutPayload(t *testing.T) {
	ctx := context.Background()
	kv := securestore.NewMemory()
	require.NoError(t, kv.Set(ctx, indexKey, `["aaaaaaaa","ghost-id","aaaaaaaa"]`))
	require.NoError(t, kv.Set(ctx, recordPrefix+"aaaaaaaa", `{"id":"aaaaaaaa","type":"joy","timestamp":5,"sync_status":"synced"}`))

	store := New(kv, zerolog.Nop())
	assert.Equal(t, []string{"aaaaaaaa"}, ids(store.All(ctx)))

	raw, ok, err := kv.Get(ctx, indexKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `["aaaaaaaa"]`, raw)
}

func TestLoadRebuildsMissingIndex(t *testing.T) {
	ctx := context.Background()
	kv := securestore.NewMemory()
	require.NoError(t, kv.Set(ctx, recordPrefix+"bbbbbbbb", `{"id":"bbbbbbbb","type":"joy","timestamp":5,"sync_status":"synced"}`))

	store := New(kv, zerolog.Nop())
	assert.Equal(t, []string{"bbbbbbbb"}, ids(store.All(ctx)))
}

func TestAllSkipsCorruptPayloads(t *testing.T) {
	ctx := context.Background()
	store, kv := newMemoryStore(t)
	require.NoError(t, store.Put(ctx, record("aaaaaaaa", 1, model.StatusSynced)))
	require.NoError(t, store.Put(ctx, record("bbbbbbbb", 2, model.StatusSynced)))
	require.NoError(t, kv.Set(ctx, recordPrefix+"aaaaaaaa", "{not json"))

	assert.Equal(t, []string{"bbbbbbbb"}, ids(store.All(ctx)))
	_, err := store.Get(ctx, "aaaaaaaa")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEvictionDropsOldestSynced(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)

	settings := model.DefaultSyncSettings()
	settings.MaxCacheRecords = 3
	require.NoError(t, store.SaveSettings(ctx, settings))

	for i := 1; i <= 4; i++ {
		require.NoError(t, store.Put(ctx, record(fmt.Sprintf("record-%04d", i), int64(i*100), model.StatusSynced)))
	}

	all := store.All(ctx)
	assert.Len(t, all, 3)
	assert.NotContains(t, ids(all), "record-0001")
	assert.Empty(t, store.PendingDeletes(ctx), "eviction never deletes remotely")
}

func TestEvictionPrefersSyncedOverOlderPending(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)

	settings := model.DefaultSyncSettings()
	settings.MaxCacheRecords = 3
	require.NoError(t, store.SaveSettings(ctx, settings))

	require.NoError(t, store.Put(ctx, record("pending-old", 1, model.StatusNotSynced)))
	require.NoError(t, store.Put(ctx, record("synced-mid", 2, model.StatusSynced)))
	require.NoError(t, store.Put(ctx, record("synced-new", 3, model.StatusSynced)))
	require.NoError(t, store.Put(ctx, record("pending-new", 4, model.StatusNotSynced)))

	assert.ElementsMatch(t, []string{"pending-old", "synced-new", "pending-new"}, ids(store.All(ctx)))
}

func TestEvictionFallsBackToPending(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)

	settings := model.DefaultSyncSettings()
	settings.MaxCacheRecords = 2
	require.NoError(t, store.SaveSettings(ctx, settings))

	require.NoError(t, store.Put(ctx, record("pending-b", 20, model.StatusNotSynced)))
	require.NoError(t, store.Put(ctx, record("pending-a", 10, model.StatusError)))
	require.NoError(t, store.Put(ctx, record("pending-c", 30, model.StatusNotSynced)))

	assert.ElementsMatch(t, []string{"pending-b", "pending-c"}, ids(store.All(ctx)))
}

func TestLoweringCacheLimitEvicts(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Put(ctx, record(fmt.Sprintf("record-%04d", i), int64(i), model.StatusSynced)))
	}

	settings := store.Settings(ctx)
	settings.MaxCacheRecords = 2
	require.NoError(t, store.SaveSettings(ctx, settings))

	assert.ElementsMatch(t, []string{"record-0004", "record-0005"}, ids(store.All(ctx)))
}

func TestNotReadyDegrades(t *testing.T) {
	ctx := context.Background()
	store, kv := newMemoryStore(t)
	kv.SetReady(false)

	require.NoError(t, store.Put(ctx, record("aaaaaaaa", 1, model.StatusNotSynced)))
	_, err := store.Get(ctx, "aaaaaaaa")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, store.All(ctx))
	assert.Empty(t, store.Query(ctx, Filter{}))
	require.NoError(t, store.Delete(ctx, "aaaaaaaa"))
	assert.Equal(t, model.DefaultSyncSettings(), store.Settings(ctx))
	assert.Zero(t, kv.Writes())

	kv.SetReady(true)
	require.NoError(t, store.Put(ctx, record("aaaaaaaa", 1, model.StatusNotSynced)))
	got, err := store.Get(ctx, "aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaa", got.ID)
}

func TestPutRequiresID(t *testing.T) {
	store, _ := newMemoryStore(t)
	err := store.Put(context.Background(), record("", 1, model.StatusNotSynced))
	assert.ErrorIs(t, err, model.ErrInvalidRecord)
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)

	a := record("aaaaaaaa", 1000, model.StatusSynced)
	b := record("bbbbbbbb", 3000, model.StatusNotSynced)
	c := record("cccccccc", 2000, model.StatusConflict)
	c.Type = model.EmotionFear
	for _, r := range []model.EmotionRecord{a, b, c} {
		require.NoError(t, store.Put(ctx, r))
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"bbbbbbbb", "cccccccc", "aaaaaaaa"}},
		{"limit", Filter{Limit: 2}, []string{"bbbbbbbb", "cccccccc"}},
		{"type", Filter{Type: model.EmotionFear}, []string{"cccccccc"}},
		{"statuses", Filter{Statuses: []model.SyncStatus{model.StatusNotSynced, model.StatusConflict}}, []string{"bbbbbbbb", "cccccccc"}},
		{"since", Filter{Since: time.UnixMilli(2000)}, []string{"bbbbbbbb", "cccccccc"}},
		{"until", Filter{Until: time.UnixMilli(1500)}, []string{"aaaaaaaa"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(store.Query(ctx, tt.filter)))
		})
	}
}

func TestDeleteQueuesRemoteDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)

	known := record("known-01", 1, model.StatusSynced)
	known.RemoteVersion = "v1"
	require.NoError(t, store.Put(ctx, known))
	require.NoError(t, store.Put(ctx, record("local-01", 2, model.StatusNotSynced)))
	remoteOnly := record("remote-1", 3, model.StatusSynced)
	remoteOnly.RemoteVersion = "v2"
	require.NoError(t, store.Put(ctx, remoteOnly))

	require.NoError(t, store.Delete(ctx, "known-01"))
	require.NoError(t, store.Delete(ctx, "local-01"))
	require.NoError(t, store.Purge(ctx, "remote-1"))

	require.NoError(t, store.Delete(ctx, "absent-1"))

	assert.Equal(t, []string{"known-01", "local-01"}, store.PendingDeletes(ctx))
	assert.True(t, store.HasPendingDelete(ctx, "known-01"))
	assert.False(t, store.HasPendingDelete(ctx, "remote-1"), "purge never deletes remotely")
	assert.Empty(t, store.All(ctx))

	require.NoError(t, store.ClearPendingDeletes(ctx, "known-01", "local-01"))
	assert.Empty(t, store.PendingDeletes(ctx))
}

func TestPutClearsPendingDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)

	r := record("known-01", 1, model.StatusSynced)
	r.RemoteVersion = "v1"
	require.NoError(t, store.Put(ctx, r))
	require.NoError(t, store.Delete(ctx, r.ID))
	require.NoError(t, store.Put(ctx, r))

	assert.Empty(t, store.PendingDeletes(ctx))
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)
	require.NoError(t, store.Put(ctx, record("aaaaaaaa", 1, model.StatusNotSynced)))

	got, err := store.Update(ctx, "aaaaaaaa", func(r *model.EmotionRecord) bool {
		r.MarkSynced("v7")
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, got.SyncStatus)

	got, err = store.Update(ctx, "aaaaaaaa", func(r *model.EmotionRecord) bool {
		r.Note = "ignored"
		return false
	})
	require.NoError(t, err)
	assert.Empty(t, got.Note)

	stored, err := store.Get(ctx, "aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, "v7", stored.RemoteVersion)
	assert.Empty(t, stored.Note)

	_, err = store.Update(ctx, "missing1", func(*model.EmotionRecord) bool { return true })
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSettingsRoundTripAndValidation(t *testing.T) {
	ctx := context.Background()
	store, kv := newMemoryStore(t)

	assert.Equal(t, model.DefaultSyncSettings(), store.Settings(ctx))

	s := store.Settings(ctx)
	s.AutoSync = false
	s.SyncOnWifiOnly = true
	require.NoError(t, store.SaveSettings(ctx, s))

	reopened := New(kv, zerolog.Nop())
	assert.Equal(t, s, reopened.Settings(ctx))

	s.ConflictStrategy = "coin_flip"
	assert.Error(t, store.SaveSettings(ctx, s))
}

func TestConflictArtifacts(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)

	now := time.Now()
	require.NoError(t, store.SaveConflict(ctx, model.ConflictArtifact{RecordID: "bbbbbbbb", Side: model.SideLocal, DetectedAt: now.Add(time.Second)}))
	require.NoError(t, store.SaveConflict(ctx, model.ConflictArtifact{RecordID: "aaaaaaaa", Side: model.SideRemote, DetectedAt: now}))

	list := store.Conflicts(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "aaaaaaaa", list[0].RecordID)

	a, ok := store.Conflict(ctx, "bbbbbbbb")
	require.True(t, ok)
	assert.Equal(t, model.SideLocal, a.Side)

	require.NoError(t, store.DismissConflict(ctx, "bbbbbbbb"))
	require.NoError(t, store.DismissConflict(ctx, "bbbbbbbb"))
	assert.Len(t, store.Conflicts(ctx), 1)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)
	require.NoError(t, store.Put(ctx, record("aaaaaaaa", 1, model.StatusSynced)))
	require.NoError(t, store.Put(ctx, record("bbbbbbbb", 2, model.StatusNotSynced)))
	require.NoError(t, store.Put(ctx, record("cccccccc", 3, model.StatusNotSynced)))

	st := store.Stats(ctx)
	assert.True(t, st.Ready)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByStatus[model.StatusNotSynced])
	assert.Equal(t, 1, st.ByStatus[model.StatusSynced])
}
