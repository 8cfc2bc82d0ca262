package remote_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodjar/emosync/internal/remote"
	"github.com/moodjar/emosync/internal/remote/remotetest"
)

func TestMemoryCompliance(t *testing.T) {
	remotetest.Run(t, func(t *testing.T) remote.Store { return remote.NewMemory() })
}

func TestMemoryFaultInjection(t *testing.T) {
	ctx := context.Background()
	m := remote.NewMemory()
	r := remotetest.Record(1000)
	op := remote.Op{Kind: remote.OpPut, ID: r.ID, Record: &r}

	m.SetOffline(true)
	_, err := m.Apply(ctx, "u1", []remote.Op{op})
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	m.SetOffline(false)

	m.FailNextCalls(1)
	_, err = m.Apply(ctx, "u1", []remote.Op{op})
	assert.ErrorIs(t, err, remote.ErrUnavailable)

	m.Reject(r.ID, remote.CodeInvalid, "quota exceeded")
	res, err := m.Apply(ctx, "u1", []remote.Op{op})
	require.NoError(t, err)
	assert.Equal(t, remote.CodeInvalid, res[0].Code)
	assert.Zero(t, m.Writes())

	m.Unreject(r.ID)
	res, err = m.Apply(ctx, "u1", []remote.Op{op})
	require.NoError(t, err)
	assert.True(t, res[0].OK())
	assert.Equal(t, 1, m.Writes())
	assert.Equal(t, 4, m.Calls())
}

func TestVersionerIsMonotonic(t *testing.T) {
	v, err := remote.NewVersioner("")
	require.NoError(t, err)

	prev := ""
	for i := 0; i < 1000; i++ {
		next := v.Next()
		require.Greater(t, next, prev)
		prev = next
	}

	floored, err := remote.NewVersioner("0ZZZZZZZZZZZZZZZZZZZZZZZZZ")
	require.NoError(t, err)
	assert.Greater(t, floored.Next(), "0ZZZZZZZZZZZZZZZZZZZZZZZZZ")

	_, err = remote.NewVersioner("not-a-ulid")
	assert.Error(t, err)
}
