package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/moodjar/emosync/internal/config"
	"github.com/moodjar/emosync/internal/gateway"
	"github.com/moodjar/emosync/internal/logging"
	"github.com/moodjar/emosync/internal/orchestrator"
	"github.com/moodjar/emosync/internal/recordstore"
	"github.com/moodjar/emosync/internal/remote"
	"github.com/moodjar/emosync/internal/securestore"
	"github.com/moodjar/emosync/internal/session"
)

func reloadConfig() config.Config {
	return config.Config{
		DataDir: "/var/lib/emosync",
		UserID:  "user-1",
		Log:     config.LogConfig{Level: "info"},
		Sync: config.SyncConfig{
			MinBackoff:         30 * time.Second,
			MaxBackoff:         10 * time.Minute,
			RetryMinBackoff:    time.Minute,
			RetryMaxBackoff:    time.Hour,
			ErrorRateThreshold: 0.5,
			MaxRejectAttempts:  5,
			FinalFlushTimeout:  10 * time.Second,
		},
		Batch: config.BatchConfig{MaxSize: 25, MaxBytes: 256 << 10, PullPageSize: 100},
	}
}

func TestApplyReload(t *testing.T) {
	prev := reloadConfig()
	sess := session.NewStatic(prev.UserID)
	gw := gateway.New(remote.NewMemory(), sess, prev.Gateway(), zerolog.Nop())
	store := recordstore.New(securestore.NewMemory(), zerolog.Nop())
	orch := orchestrator.New(store, gw, nil, sess, nil, prev.Orchestrator(), zerolog.Nop())
	level := logging.NewLevel(prev.Log.Level)

	next := prev
	next.Log.Level = "debug"
	next.Sync.MaxRejectAttempts = 2
	next.Sync.FinalFlushTimeout = 3 * time.Second
	next.Batch.MaxSize = 5
	next.Batch.PullPageSize = 10

	assert.False(t, applyReload(prev, next, level, orch))
	assert.Equal(t, zerolog.DebugLevel, level.Get())
	assert.Equal(t, 2, orch.Config().MaxRejectAttempts)
	assert.Equal(t, 3*time.Second, orch.Config().FinalFlushTimeout)
	assert.Equal(t, 5, gw.Config().MaxBatchSize)
	assert.Equal(t, 10, gw.Config().PullPageSize)

	moved := next
	moved.Remote.URL = "https://sync.example"
	assert.True(t, applyReload(next, moved, level, orch), "remote changes need a restart")

	moved = next
	moved.Network.PollInterval = time.Minute
	assert.True(t, applyReload(next, moved, level, orch), "network changes need a restart")
}
