package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/moodjar/emosync/internal/model"
)

// Settings returns a copy of the persisted sync settings, falling back to
// defaults when none were saved or storage is not ready.
func (s *Store) Settings(ctx context.Context) model.SyncSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settingsLocked(ctx)
}

func (s *Store) settingsLocked(ctx context.Context) model.SyncSettings {
	if s.settings != nil {
		return *s.settings
	}
	if !s.kv.Ready() {
		return model.DefaultSyncSettings()
	}

	settings := model.DefaultSyncSettings()
	raw, ok, err := s.kv.Get(ctx, settingsKey)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Msg("Failed to read settings, using defaults")
		return settings
	case ok:
		var loaded model.SyncSettings
		if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
			s.log.Warn().Err(err).Msg("Corrupt settings, using defaults")
			break
		}
		loaded.SetDefaults()
		settings = loaded
	}
	s.settings = &settings
	return settings
}

// SaveSettings validates and persists settings. Lowering MaxCacheRecords
// evicts immediately.
func (s *Store) SaveSettings(ctx context.Context, settings model.SyncSettings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.readyLocked(ctx, "save settings") {
		return nil
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := s.kv.Set(ctx, settingsKey, string(data)); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist settings")
		return nil
	}
	s.settings = &settings
	s.evictLocked(ctx)
	return nil
}

// Cursor returns the last persisted pull cursor, or "" when none exists.
func (s *Store) Cursor(ctx context.Context) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.kv.Ready() {
		return ""
	}
	raw, ok, err := s.kv.Get(ctx, cursorKey)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read pull cursor")
		return ""
	}
	if !ok {
		return ""
	}
	return raw
}

// SetCursor persists the pull cursor.
func (s *Store) SetCursor(ctx context.Context, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.kv.Ready() {
		s.log.Warn().Msg("Secure storage not ready, cursor not saved")
		return nil
	}
	if err := s.kv.Set(ctx, cursorKey, cursor); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist pull cursor")
	}
	return nil
}

// PendingDeletes returns ids deleted locally that the server still holds.
func (s *Store) PendingDeletes(ctx context.Context) []string {
	if !s.ensureLoaded(ctx) {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tombstones)
}

// HasPendingDelete reports whether id is queued for remote deletion.
func (s *Store) HasPendingDelete(ctx context.Context, id string) bool {
	if !s.ensureLoaded(ctx) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.tombstones, id)
}

// ClearPendingDeletes drops ids from the remote delete queue.
func (s *Store) ClearPendingDeletes(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.readyLocked(ctx, "clear pending deletes") {
		return nil
	}
	before := len(s.tombstones)
	s.tombstones = slices.DeleteFunc(s.tombstones, func(id string) bool {
		return slices.Contains(ids, id)
	})
	if len(s.tombstones) != before {
		s.saveTombstonesLocked(ctx)
	}
	return nil
}

func (s *Store) addTombstoneLocked(ctx context.Context, id string) {
	if slices.Contains(s.tombstones, id) {
		return
	}
	s.tombstones = append(s.tombstones, id)
	s.saveTombstonesLocked(ctx)
}

func (s *Store) clearTombstoneLocked(ctx context.Context, id string) {
	i := slices.Index(s.tombstones, id)
	if i < 0 {
		return
	}
	s.tombstones = slices.Delete(s.tombstones, i, i+1)
	s.saveTombstonesLocked(ctx)
}

func (s *Store) loadTombstonesLocked(ctx context.Context) []string {
	raw, ok, err := s.kv.Get(ctx, tombstonesKey)
	if err != nil || !ok {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		s.log.Warn().Err(err).Msg("Corrupt pending delete list, discarding")
		return nil
	}
	return ids
}

func (s *Store) saveTombstonesLocked(ctx context.Context) {
	data, err := json.Marshal(s.tombstones)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, tombstonesKey, string(data)); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist pending deletes")
	}
}

// SaveConflict stores a for user inspection, replacing any earlier artifact
// for the same record.
func (s *Store) SaveConflict(ctx context.Context, a model.ConflictArtifact) error {
	if a.RecordID == "" {
		return fmt.Errorf("%w: conflict artifact needs a record id", model.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.kv.Ready() {
		s.log.Warn().Str("id", a.RecordID).Msg("Secure storage not ready, conflict artifact dropped")
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode conflict artifact: %w", err)
	}
	if err := s.kv.Set(ctx, conflictPrefix+a.RecordID, string(data)); err != nil {
		s.log.Warn().Err(err).Str("id", a.RecordID).Msg("Failed to persist conflict artifact")
	}
	return nil
}

// Conflict returns the artifact stored for id.
func (s *Store) Conflict(ctx context.Context, id string) (model.ConflictArtifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.kv.Ready() {
		return model.ConflictArtifact{}, false
	}
	return s.conflictLocked(ctx, conflictPrefix+id)
}

func (s *Store) conflictLocked(ctx context.Context, key string) (model.ConflictArtifact, bool) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return model.ConflictArtifact{}, false
	}
	var a model.ConflictArtifact
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Skipping corrupt conflict artifact")
		return model.ConflictArtifact{}, false
	}
	return a, true
}

// Conflicts lists stored artifacts, oldest first.
func (s *Store) Conflicts(ctx context.Context) []model.ConflictArtifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.kv.Ready() {
		return nil
	}
	keys, err := s.kv.Keys(ctx, conflictPrefix)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to list conflict artifacts")
		return nil
	}
	out := make([]model.ConflictArtifact, 0, len(keys))
	for _, k := range keys {
		if a, ok := s.conflictLocked(ctx, k); ok {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// DismissConflict deletes the artifact for id. Missing artifacts are not an
// error.
func (s *Store) DismissConflict(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.kv.Ready() {
		return nil
	}
	if err := s.kv.Delete(ctx, conflictPrefix+id); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("Failed to dismiss conflict artifact")
	}
	return nil
}
