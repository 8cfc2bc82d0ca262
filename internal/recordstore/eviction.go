package recordstore

import (
	"context"
	"sort"

	"github.com/moodjar/emosync/internal/model"
)

// evictLocked trims the cache to MaxCacheRecords. Synced records go first,
// oldest by timestamp; unsynced records are only evicted when there are not
// enough synced ones, and each such loss is logged. Evicted records never
// become remote deletes.
func (s *Store) evictLocked(ctx context.Context) int {
	limit := s.settingsLocked(ctx).MaxCacheRecords
	over := len(s.index) - limit
	if over <= 0 {
		return 0
	}

	var synced, pending []string
	for _, id := range s.index {
		if s.metas[id].status == model.StatusSynced {
			synced = append(synced, id)
		} else {
			pending = append(pending, id)
		}
	}
	byAge := func(ids []string) {
		sort.SliceStable(ids, func(i, j int) bool {
			return s.metas[ids[i]].timestamp < s.metas[ids[j]].timestamp
		})
	}
	byAge(synced)
	byAge(pending)

	victims := append(synced, pending...)[:over]
	for _, id := range victims {
		m := s.metas[id]
		if m.status != model.StatusSynced {
			s.log.Warn().
				Str("id", id).
				Str("status", string(m.status)).
				Int("limit", limit).
				Msg("Evicting unsynced record, local changes are lost")
		}
		s.deleteLocked(ctx, id)
	}

	s.log.Debug().Int("evicted", len(victims)).Int("limit", limit).Msg("Evicted records over cache limit")
	return len(victims)
}
