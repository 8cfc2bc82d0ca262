package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/remote"
	"github.com/moodjar/emosync/internal/session"
)

// recordingStore wraps a Memory store, remembering each batch size and
// optionally failing or running a hook on specific calls.
type recordingStore struct {
	*remote.Memory
	sizes   []int
	failOn  map[int]bool
	afterFn func(call int)
}

func (s *recordingStore) Apply(ctx context.Context, user string, ops []remote.Op) ([]remote.Result, error) {
	call := len(s.sizes)
	s.sizes = append(s.sizes, len(ops))
	defer func() {
		if s.afterFn != nil {
			s.afterFn(call)
		}
	}()
	if s.failOn[call] {
		return nil, remote.ErrUnavailable
	}
	return s.Memory.Apply(ctx, user, ops)
}

func newGateway(t *testing.T, cfg *Config) (*Gateway, *recordingStore) {
	t.Helper()
	store := &recordingStore{Memory: remote.NewMemory(), failOn: map[int]bool{}}
	return New(store, session.NewStatic("user-1"), cfg, zerolog.Nop()), store
}

func records(n int) []model.EmotionRecord {
	out := make([]model.EmotionRecord, n)
	for i := range out {
		out[i] = model.NewRecord(model.EmotionTrust, 0.5, 0.5, time.UnixMilli(int64(1000+i)))
	}
	return out
}

func TestPushBatchSplitsByCount(t *testing.T) {
	g, store := newGateway(t, nil)

	outcomes := g.PushBatch(context.Background(), records(60))
	require.Len(t, outcomes, 60)
	for _, o := range outcomes {
		assert.True(t, o.Accepted, o.Reason)
		assert.NotEmpty(t, o.Version)
	}
	assert.Equal(t, []int{25, 25, 10}, store.sizes)
}

func TestPushBatchSplitsByBytes(t *testing.T) {
	g, store := newGateway(t, &Config{MaxBatchSize: 100, MaxBatchBytes: 2048})

	recs := records(6)
	for i := range recs {
		recs[i].Note = strings.Repeat("n", 400)
	}
	outcomes := g.PushBatch(context.Background(), recs)
	for _, o := range outcomes {
		assert.True(t, o.Accepted)
	}
	assert.Greater(t, len(store.sizes), 1)
	total := 0
	for _, n := range store.sizes {
		total += n
	}
	assert.Equal(t, 6, total)
}

func TestReconfigureChangesSplitting(t *testing.T) {
	g, store := newGateway(t, nil)

	g.Reconfigure(Config{MaxBatchSize: 4})
	assert.Equal(t, 4, g.Config().MaxBatchSize)
	assert.Equal(t, DefaultConfig().MaxBatchBytes, g.Config().MaxBatchBytes, "zero fields take defaults")

	outcomes := g.PushBatch(context.Background(), records(10))
	for _, o := range outcomes {
		assert.True(t, o.Accepted, o.Reason)
	}
	assert.Equal(t, []int{4, 4, 2}, store.sizes)
}

func TestOversizedRecordIsRejectedWithoutSending(t *testing.T) {
	g, store := newGateway(t, &Config{MaxBatchSize: 10, MaxBatchBytes: 400})

	recs := records(2)
	recs[0].Note = strings.Repeat("x", 450)
	outcomes := g.PushBatch(context.Background(), recs)

	assert.True(t, outcomes[0].Rejected(KindInvalid))
	assert.True(t, outcomes[1].Accepted)
	assert.Equal(t, []int{1}, store.sizes)
}

func TestFailedSubBatchDoesNotAbortOthers(t *testing.T) {
	g, store := newGateway(t, &Config{MaxBatchSize: 2})
	store.failOn[1] = true

	outcomes := g.PushBatch(context.Background(), records(6))
	var accepted, transient []int
	for i, o := range outcomes {
		if o.Accepted {
			accepted = append(accepted, i)
		} else if o.Rejected(KindTransient) {
			transient = append(transient, i)
		}
	}
	assert.Equal(t, []int{0, 1, 4, 5}, accepted)
	assert.Equal(t, []int{2, 3}, transient)
	assert.Len(t, store.sizes, 3)
}

func TestCancellationStopsAtSubBatchBoundary(t *testing.T) {
	g, store := newGateway(t, &Config{MaxBatchSize: 2})
	ctx, cancel := context.WithCancel(context.Background())
	store.afterFn = func(call int) {
		if call == 0 {
			cancel()
		}
	}

	outcomes := g.PushBatch(ctx, records(6))
	assert.True(t, outcomes[0].Accepted)
	assert.True(t, outcomes[1].Accepted)
	for _, o := range outcomes[2:] {
		assert.True(t, o.Rejected(KindTransient))
		assert.Equal(t, "cancelled", o.Reason)
	}
	assert.Equal(t, []int{2}, store.sizes)
}

func TestRetriedPushIsIdempotent(t *testing.T) {
	g, store := newGateway(t, nil)
	recs := records(3)

	first := g.PushBatch(context.Background(), recs)
	second := g.PushBatch(context.Background(), recs)

	for i := range recs {
		require.True(t, second[i].Accepted)
		assert.Equal(t, first[i].Version, second[i].Version)
	}
	assert.Equal(t, 3, store.Writes())
}

func TestStaleAndInvalidOutcomes(t *testing.T) {
	g, _ := newGateway(t, nil)
	ctx := context.Background()

	r := records(1)[0]
	v1 := g.Put(ctx, r)
	require.True(t, v1.Accepted)

	edited := r
	edited.Note = "remote edit"
	edited.RemoteVersion = v1.Version
	require.True(t, g.Put(ctx, edited).Accepted)

	local := r
	local.Note = "local edit"
	local.RemoteVersion = v1.Version
	assert.True(t, g.Put(ctx, local).Rejected(KindStale))

	bad := records(1)[0]
	bad.Value = 9
	assert.True(t, g.Put(ctx, bad).Rejected(KindInvalid))
}

func TestDeleteAndStatusBatches(t *testing.T) {
	g, _ := newGateway(t, nil)
	ctx := context.Background()
	recs := records(2)
	g.PushBatch(ctx, recs)

	statuses := g.UpdateStatusBatch(ctx, map[string]model.SyncStatus{
		recs[0].ID:  model.StatusSynced,
		"missing-id": model.StatusSynced,
	})
	require.Len(t, statuses, 2)
	byID := map[string]Outcome{}
	for _, o := range statuses {
		byID[o.ID] = o
	}
	assert.True(t, byID[recs[0].ID].Accepted)
	assert.True(t, byID["missing-id"].Rejected(KindNotFound))

	deletes := g.DeleteBatch(ctx, []string{recs[0].ID, recs[0].ID, "never-existed"})
	for _, o := range deletes {
		assert.True(t, o.Accepted)
	}
	_, err := g.Get(ctx, recs[0].ID)
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestPullSincePages(t *testing.T) {
	g, _ := newGateway(t, &Config{PullPageSize: 4})
	ctx := context.Background()
	g.PushBatch(ctx, records(10))

	res, err := g.PullSince(ctx, "")
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Len(t, res.Entries, 10)
	assert.Equal(t, res.Entries[9].Version, res.Cursor)

	again, err := g.PullSince(ctx, res.Cursor)
	require.NoError(t, err)
	assert.True(t, again.Complete)
	assert.Empty(t, again.Entries)
	assert.Equal(t, res.Cursor, again.Cursor)
}

func TestPullSinceReportsIncompletePull(t *testing.T) {
	g, store := newGateway(t, &Config{PullPageSize: 4})
	ctx := context.Background()
	g.PushBatch(ctx, records(10))

	store.FailNextCalls(1)
	res, err := g.PullSince(ctx, "")
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	assert.False(t, res.Complete)
	assert.Equal(t, "", res.Cursor)
}
