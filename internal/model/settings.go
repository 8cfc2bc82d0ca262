package model

import (
	"fmt"
	"time"
)

// ConflictStrategy selects how divergent local and remote copies are settled.
type ConflictStrategy string

const (
	// StrategyMostRecent keeps the later timestamp; the server wins ties.
	StrategyMostRecent ConflictStrategy = "most_recent"
	// StrategyServerWins always keeps the remote copy.
	StrategyServerWins ConflictStrategy = "server_wins"
	// StrategyClientWins always keeps the local copy.
	StrategyClientWins ConflictStrategy = "client_wins"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyMostRecent, StrategyServerWins, StrategyClientWins:
		return true
	}
	return false
}

// Defaults applied when no settings have been persisted yet.
const (
	DefaultSyncIntervalMinutes = 30
	DefaultMaxCacheRecords     = 5000
	DefaultMaxRecordsPerSync   = 100
)

// SyncSettings is the user-facing sync configuration persisted by the
// record store. Callers receive copies; nothing mutates a value in place
// while a sync cycle holds it.
type SyncSettings struct {
	AutoSync            bool             `json:"auto_sync"`
	SyncIntervalMinutes int              `json:"sync_interval_minutes"`
	MaxCacheRecords     int              `json:"max_cache_records"`
	SyncOnWifiOnly      bool             `json:"sync_on_wifi_only"`
	MaxRecordsPerSync   int              `json:"max_records_per_sync"`
	ConflictStrategy    ConflictStrategy `json:"conflict_strategy"`
}

// DefaultSyncSettings returns the hardcoded fallback settings.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		AutoSync:            true,
		SyncIntervalMinutes: DefaultSyncIntervalMinutes,
		MaxCacheRecords:     DefaultMaxCacheRecords,
		SyncOnWifiOnly:      false,
		MaxRecordsPerSync:   DefaultMaxRecordsPerSync,
		ConflictStrategy:    StrategyMostRecent,
	}
}

// SetDefaults fills zero values left by older persisted documents.
func (s *SyncSettings) SetDefaults() {
	if s.SyncIntervalMinutes <= 0 {
		s.SyncIntervalMinutes = DefaultSyncIntervalMinutes
	}
	if s.MaxCacheRecords <= 0 {
		s.MaxCacheRecords = DefaultMaxCacheRecords
	}
	if s.MaxRecordsPerSync <= 0 {
		s.MaxRecordsPerSync = DefaultMaxRecordsPerSync
	}
	if s.ConflictStrategy == "" {
		s.ConflictStrategy = StrategyMostRecent
	}
}

// Validate checks field ranges.
func (s *SyncSettings) Validate() error {
	if s.SyncIntervalMinutes <= 0 {
		return fmt.Errorf("sync interval must be positive (got %d)", s.SyncIntervalMinutes)
	}
	if s.MaxCacheRecords <= 0 {
		return fmt.Errorf("max cache records must be positive (got %d)", s.MaxCacheRecords)
	}
	if s.MaxRecordsPerSync <= 0 {
		return fmt.Errorf("max records per sync must be positive (got %d)", s.MaxRecordsPerSync)
	}
	if !s.ConflictStrategy.Valid() {
		return fmt.Errorf("unknown conflict strategy %q", s.ConflictStrategy)
	}
	return nil
}

// Interval returns the periodic sync interval.
func (s SyncSettings) Interval() time.Duration {
	return time.Duration(s.SyncIntervalMinutes) * time.Minute
}
