// Package recordstore is the durable local cache of emotion records.
//
// Records live in a secure key/value store, one JSON document per record,
// plus an ordered index of ids that is the only structure walked to
// enumerate the cache. The index is written before the payload on insert and
// after the payload on delete, so a crash can leave at worst an index entry
// without a payload, which is pruned on the next load.
//
// Every operation degrades instead of failing when the underlying storage
// is not ready: writes become no-ops with a warning and reads return empty
// results. Only invalid input is reported as an error.
package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/moodjar/emosync/internal/logging"
	"github.com/moodjar/emosync/internal/model"
)

// Storage keys.
const (
	recordPrefix   = "emotions/record/"
	conflictPrefix = "emotions/conflict/"
	indexKey       = "emotions/index"
	settingsKey    = "emotions/settings"
	cursorKey      = "emotions/cursor"
	tombstonesKey  = "emotions/tombstones"
)

// KV is the secure key/value persistence the store is built on.
type KV interface {
	Ready() bool
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	Since    time.Time
	Until    time.Time
	Type     model.EmotionType
	Statuses []model.SyncStatus
	Limit    int
}

func (f Filter) match(r *model.EmotionRecord) bool {
	if !f.Since.IsZero() && r.Timestamp < f.Since.UnixMilli() {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp > f.Until.UnixMilli() {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.SyncStatus) {
		return false
	}
	return true
}

// meta is the in-memory summary eviction works from.
type meta struct {
	timestamp int64
	status    model.SyncStatus
}

// Store is the local record cache. It is safe for concurrent use; all
// mutations are serialized by a single writer lock.
type Store struct {
	kv  KV
	log zerolog.Logger

	mu         sync.RWMutex
	loaded     bool
	index      []string
	metas      map[string]meta
	settings   *model.SyncSettings
	tombstones []string
}

// New creates a store on top of kv. Nothing is read until the first
// operation finds the storage ready.
//
// Example:
//
//	kv, err := securestore.Open(".emosync/cache.db", passphrase)
//	if err != nil {
//	    return err
//	}
//	defer kv.Close()
//	records := recordstore.New(kv, log)
func New(kv KV, log zerolog.Logger) *Store {
	return &Store{
		kv:    kv,
		log:   logging.Component(log, "recordstore"),
		metas: make(map[string]meta),
	}
}

// Put inserts or replaces the record with r.ID, keeping r.SyncStatus as
// given. A new id is committed to the index before its payload is written.
// Inserting past MaxCacheRecords evicts older records.
func (s *Store) Put(ctx context.Context, r model.EmotionRecord) error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", model.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.readyLocked(ctx, "put") {
		return nil
	}
	if !s.putLocked(ctx, r) {
		return nil
	}
	s.clearTombstoneLocked(ctx, r.ID)
	s.evictLocked(ctx)
	return nil
}

// putLocked writes r and reports whether it was stored.
func (s *Store) putLocked(ctx context.Context, r model.EmotionRecord) bool {
	payload, err := json.Marshal(r)
	if err != nil {
		s.log.Warn().Err(err).Str("id", r.ID).Msg("Failed to encode record")
		return false
	}

	_, exists := s.metas[r.ID]
	if !exists {
		s.index = append(s.index, r.ID)
		if err := s.saveIndexLocked(ctx); err != nil {
			s.index = s.index[:len(s.index)-1]
			s.log.Warn().Err(err).Str("id", r.ID).Msg("Failed to commit index, record not stored")
			return false
		}
	}

	if err := s.kv.Set(ctx, recordPrefix+r.ID, string(payload)); err != nil {
		s.log.Warn().Err(err).Str("id", r.ID).Msg("Failed to write record")
		if !exists {
			s.index = s.index[:len(s.index)-1]
			if err := s.saveIndexLocked(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Failed to roll back index")
			}
		}
		return false
	}

	s.metas[r.ID] = meta{timestamp: r.Timestamp, status: r.SyncStatus}
	return true
}

// Get returns the record with id, or model.ErrNotFound when it is absent or
// storage is not ready.
func (s *Store) Get(ctx context.Context, id string) (model.EmotionRecord, error) {
	if !s.ensureLoaded(ctx) {
		return model.EmotionRecord{}, model.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(ctx, id)
}

func (s *Store) getLocked(ctx context.Context, id string) (model.EmotionRecord, error) {
	if !s.kv.Ready() {
		return model.EmotionRecord{}, model.ErrNotFound
	}
	raw, ok, err := s.kv.Get(ctx, recordPrefix+id)
	if err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("Failed to read record")
		return model.EmotionRecord{}, model.ErrNotFound
	}
	if !ok {
		return model.EmotionRecord{}, model.ErrNotFound
	}
	var r model.EmotionRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("Skipping corrupt record")
		return model.EmotionRecord{}, model.ErrNotFound
	}
	return r, nil
}

// Delete removes the record with id and queues the id for deletion on the
// server. The server may never have received the record; deleting there is
// idempotent, and queueing unconditionally covers uploads still in flight.
// Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.remove(ctx, id, true)
}

// Purge removes the record with id locally without queueing a remote
// delete. It is used to apply deletions that originated on the server.
func (s *Store) Purge(ctx context.Context, id string) error {
	return s.remove(ctx, id, false)
}

func (s *Store) remove(ctx context.Context, id string, tombstone bool) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", model.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.readyLocked(ctx, "delete") {
		return nil
	}

	if _, exists := s.metas[id]; tombstone && exists {
		s.addTombstoneLocked(ctx, id)
	}
	s.deleteLocked(ctx, id)
	return nil
}

// deleteLocked removes the payload, then the index entry. Either half may
// already be gone.
func (s *Store) deleteLocked(ctx context.Context, id string) {
	if err := s.kv.Delete(ctx, recordPrefix+id); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("Failed to delete record payload")
		return
	}
	delete(s.metas, id)

	i := slices.Index(s.index, id)
	if i < 0 {
		return
	}
	s.index = slices.Delete(s.index, i, i+1)
	if err := s.saveIndexLocked(ctx); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("Failed to persist index after delete")
	}
}

// All returns every cached record in index order. Ids whose payload is
// missing or unreadable are skipped.
func (s *Store) All(ctx context.Context) []model.EmotionRecord {
	if !s.ensureLoaded(ctx) {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allLocked(ctx)
}

func (s *Store) allLocked(ctx context.Context) []model.EmotionRecord {
	if !s.kv.Ready() {
		return nil
	}
	out := make([]model.EmotionRecord, 0, len(s.index))
	for _, id := range s.index {
		r, err := s.getLocked(ctx, id)
		if err != nil {
			s.log.Debug().Str("id", id).Msg("Index entry has no readable payload")
			continue
		}
		out = append(out, r)
	}
	return out
}

// Query returns records matching f, newest first, truncated to f.Limit.
func (s *Store) Query(ctx context.Context, f Filter) []model.EmotionRecord {
	var out []model.EmotionRecord
	for _, r := range s.All(ctx) {
		if f.match(&r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Update applies fn to the stored record with id under the writer lock.
// When fn returns false nothing is written. The record as stored after the
// call is returned.
func (s *Store) Update(ctx context.Context, id string, fn func(r *model.EmotionRecord) bool) (model.EmotionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.readyLocked(ctx, "update") {
		return model.EmotionRecord{}, model.ErrNotFound
	}

	r, err := s.getLocked(ctx, id)
	if err != nil {
		return model.EmotionRecord{}, err
	}
	before := r.Clone()
	if !fn(&r) {
		return before, nil
	}
	r.ID = id
	if !s.putLocked(ctx, r) {
		return before, nil
	}
	return r, nil
}

// Len returns the number of indexed records.
func (s *Store) Len(ctx context.Context) int {
	if !s.ensureLoaded(ctx) {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Stats summarizes the cache.
type Stats struct {
	Total          int                      `json:"total"`
	ByStatus       map[model.SyncStatus]int `json:"by_status"`
	PendingDeletes int                      `json:"pending_deletes"`
	Ready          bool                     `json:"ready"`
}

// Stats counts records by sync status.
func (s *Store) Stats(ctx context.Context) Stats {
	st := Stats{ByStatus: make(map[model.SyncStatus]int)}
	if !s.ensureLoaded(ctx) {
		return st
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	st.Ready = s.kv.Ready()
	st.Total = len(s.index)
	for _, m := range s.metas {
		st.ByStatus[m.status]++
	}
	st.PendingDeletes = len(s.tombstones)
	return st
}

// ensureLoaded loads the index on first use and reports whether the store
// is usable.
func (s *Store) ensureLoaded(ctx context.Context) bool {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return s.kv.Ready()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked(ctx, "read")
}

// readyLocked checks the storage probe and loads cached state on first
// success. Caller must hold the write lock.
func (s *Store) readyLocked(ctx context.Context, op string) bool {
	if !s.kv.Ready() {
		s.log.Warn().Str("op", op).Msg("Secure storage not ready, skipping")
		return false
	}
	if s.loaded {
		return true
	}
	if err := s.loadLocked(ctx); err != nil {
		s.log.Warn().Err(err).Str("op", op).Msg("Failed to load record index")
		return false
	}
	s.loaded = true
	return true
}

func (s *Store) loadLocked(ctx context.Context) error {
	raw, ok, err := s.kv.Get(ctx, indexKey)
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	var ids []string
	rebuild := !ok
	if ok {
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			s.log.Warn().Err(err).Msg("Corrupt index, rebuilding from payloads")
			rebuild = true
		}
	}
	if rebuild {
		keys, err := s.kv.Keys(ctx, recordPrefix)
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
		ids = ids[:0]
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, recordPrefix))
		}
	}

	index := make([]string, 0, len(ids))
	metas := make(map[string]meta, len(ids))
	pruned := 0
	for _, id := range ids {
		if _, dup := metas[id]; dup {
			pruned++
			continue
		}
		raw, ok, err := s.kv.Get(ctx, recordPrefix+id)
		if err != nil {
			// Unreadable payloads stay indexed as evictable so a later Put of
			// the same id replaces them.
			s.log.Warn().Err(err).Str("id", id).Msg("Unreadable record payload")
			metas[id] = meta{status: model.StatusSynced}
			index = append(index, id)
			continue
		}
		if !ok {
			pruned++
			continue
		}
		var r model.EmotionRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("Corrupt record payload")
			metas[id] = meta{status: model.StatusSynced}
		} else {
			metas[id] = meta{timestamp: r.Timestamp, status: r.SyncStatus}
		}
		index = append(index, id)
	}

	s.index = index
	s.metas = metas
	if rebuild || pruned > 0 {
		if err := s.saveIndexLocked(ctx); err != nil {
			return err
		}
		s.log.Info().Int("records", len(index)).Int("pruned", pruned).Bool("rebuilt", rebuild).Msg("Repaired record index")
	}

	s.tombstones = s.loadTombstonesLocked(ctx)
	return nil
}

func (s *Store) saveIndexLocked(ctx context.Context) error {
	data, err := json.Marshal(s.index)
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := s.kv.Set(ctx, indexKey, string(data)); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}
