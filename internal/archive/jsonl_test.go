package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/recordstore"
	"github.com/moodjar/emosync/internal/securestore"
)

func newStore(t *testing.T) *recordstore.Store {
	t.Helper()
	return recordstore.New(securestore.NewMemory(), zerolog.Nop())
}

func synced(note string, ts int64) model.EmotionRecord {
	r := model.NewRecord(model.EmotionLove, 0.8, 0.9, time.UnixMilli(ts))
	r.Note = note
	r.Tags = []string{"family"}
	r.MarkSynced("01HV0000000000000000000000")
	return r
}

func TestExportThenImportIntoEmptyCache(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	a, b := synced("first", 1_700_000_000_000), synced("second", 1_700_000_100_000)
	require.NoError(t, src.Put(ctx, a))
	require.NoError(t, src.Put(ctx, b))

	path := filepath.Join(t.TempDir(), "backup", "emotions.jsonl")
	n, err := ExportFile(ctx, src, recordstore.Filter{}, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")

	dst := newStore(t)
	res, err := ImportFile(ctx, dst, path, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Imported: 2}, res)

	got, err := dst.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.ContentEqual(&a))
	assert.Equal(t, model.StatusNotSynced, got.SyncStatus, "imported content is owed to the server")
	assert.Equal(t, a.RemoteVersion, got.RemoteVersion)
}

func TestImportSkipsExistingUnlessOverwrite(t *testing.T) {
	ctx := context.Background()
	dst := newStore(t)
	cached := synced("cached", 1_700_000_000_000)
	require.NoError(t, dst.Put(ctx, cached))

	incoming := cached.Clone()
	incoming.Note = "from backup"
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []model.EmotionRecord{incoming}))
	raw := buf.String()

	res, err := Import(ctx, dst, strings.NewReader(raw), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	got, _ := dst.Get(ctx, cached.ID)
	assert.Equal(t, "cached", got.Note)

	res, err = Import(ctx, dst, strings.NewReader(raw), ImportOptions{Overwrite: true, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	got, _ = dst.Get(ctx, cached.ID)
	assert.Equal(t, "cached", got.Note, "dry run writes nothing")

	res, err = Import(ctx, dst, strings.NewReader(raw), ImportOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	got, _ = dst.Get(ctx, cached.ID)
	assert.Equal(t, "from backup", got.Note)
	assert.Equal(t, model.StatusNotSynced, got.SyncStatus)
}

func TestImportCountsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	input := `{"id":"short","type":"joy","timestamp":1}

{"id":"0a1b2c3d-0000-4000-8000-000000000001","type":"joy","intensity":0.5,"value":0.1,"timestamp":1700000000000}
{"id":"0a1b2c3d-0000-4000-8000-000000000002","type":"boredom","timestamp":1700000000000}
`
	dst := newStore(t)
	res, err := Import(ctx, dst, strings.NewReader(input), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 2, res.Invalid)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, 1, dst.Len(ctx))
}

func TestReadReportsLineOfBadJSON(t *testing.T) {
	_, err := Read(strings.NewReader("{\"id\":\"a\"}\n{not json}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestBackupName(t *testing.T) {
	ts := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	assert.Equal(t, "emotions-20260504-030201.jsonl", BackupName(ts))
}
