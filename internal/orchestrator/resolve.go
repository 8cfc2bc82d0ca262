package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/remote"
)

// ResolveConflict settles the conflict recorded for id by keeping one side.
//
// When the stored artifact holds the kept side, its content is restored
// locally and uploaded over the current server copy. Keeping local without
// such an artifact uploads the current local content. Keeping remote
// without one adopts the current server copy, which requires the server to
// be reachable. The artifact is dismissed and a cycle is requested.
func (o *Orchestrator) ResolveConflict(ctx context.Context, id string, keep model.ConflictSide) error {
	if keep != model.SideLocal && keep != model.SideRemote {
		return fmt.Errorf("invalid side %q: must be %q or %q", keep, model.SideLocal, model.SideRemote)
	}

	o.runMu.Lock()
	defer o.runMu.Unlock()

	if _, err := o.store.Get(ctx, id); err != nil {
		return fmt.Errorf("failed to load %s: %w", id, err)
	}
	artifact, hasArtifact := o.store.Conflict(ctx, id)

	entry, fetchErr := o.gw.Get(ctx, id)
	base := ""
	switch {
	case fetchErr == nil:
		base = entry.Version
	case errors.Is(fetchErr, remote.ErrNotFound):
	case hasArtifact:
		base = artifact.RemoteVersion
	}

	var update func(r *model.EmotionRecord) bool
	switch {
	case hasArtifact && artifact.Side == keep:
		restored := artifact.Record
		update = func(r *model.EmotionRecord) bool {
			*r = r.WithContentOf(restored)
			r.Touch()
			r.RemoteVersion = base
			return true
		}
	case keep == model.SideLocal:
		update = func(r *model.EmotionRecord) bool {
			r.Touch()
			r.RemoteVersion = base
			return true
		}
	default:
		if fetchErr != nil {
			return fmt.Errorf("failed to fetch server copy of %s: %w", id, fetchErr)
		}
		if entry.Record == nil {
			return fmt.Errorf("server copy of %s has no content", id)
		}
		update = func(r *model.EmotionRecord) bool {
			*r = r.WithContentOf(*entry.Record)
			r.MarkSynced(entry.Version)
			return true
		}
	}

	if _, err := o.store.Update(ctx, id, update); err != nil {
		return fmt.Errorf("failed to resolve %s: %w", id, err)
	}
	if hasArtifact {
		if err := o.store.DismissConflict(ctx, id); err != nil {
			return fmt.Errorf("failed to dismiss conflict %s: %w", id, err)
		}
	}

	o.log.Info().Str("id", id).Str("keep", string(keep)).Msg("Conflict resolved by user")
	o.enqueue(TriggerManual)
	return nil
}
