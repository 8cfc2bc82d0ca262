// Package conflict decides which version of a record survives when the
// local and remote copies diverged.
package conflict

import (
	"github.com/moodjar/emosync/internal/model"
)

// Reasons reported in a Resolution.
const (
	ReasonIdentical        = "identical content"
	ReasonLocalNewer       = "local is newer"
	ReasonRemoteNewer      = "remote is newer"
	ReasonTie              = "timestamps tie, remote wins"
	ReasonMissingTimestamp = "missing timestamp"
	ReasonServerWins       = "server wins"
	ReasonClientWins       = "client wins"
)

// Resolution is the outcome of comparing two copies.
type Resolution struct {
	// Record is the new local record. Its status is Synced when the remote
	// copy won or nothing differed, NotSynced when local content must be
	// pushed on top of the remote version, and Conflict when no automatic
	// decision was possible.
	Record model.EmotionRecord

	// Winner is empty when the copies were identical or undecided.
	Winner model.ConflictSide

	// Loser is the content that did not survive, or, for an undecided
	// conflict, the remote copy. Nil when the copies were identical.
	Loser *model.EmotionRecord

	Reason string
}

// Resolver applies a conflict strategy. It holds no state, so one value can
// be shared.
type Resolver struct {
	strategy model.ConflictStrategy
}

// New returns a resolver for strategy, defaulting to most_recent.
func New(strategy model.ConflictStrategy) *Resolver {
	if !strategy.Valid() {
		strategy = model.StrategyMostRecent
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the strategy in use.
func (r *Resolver) Strategy() model.ConflictStrategy {
	return r.strategy
}

// Resolve compares local with remote, which the server holds at
// remoteVersion. Both must share an id.
func (r *Resolver) Resolve(local, remote model.EmotionRecord, remoteVersion string) Resolution {
	if local.ContentEqual(&remote) {
		rec := local.Clone()
		rec.MarkSynced(remoteVersion)
		return Resolution{Record: rec, Reason: ReasonIdentical}
	}

	switch r.strategy {
	case model.StrategyServerWins:
		return remoteWins(local, remote, remoteVersion, ReasonServerWins)
	case model.StrategyClientWins:
		return localWins(local, remote, remoteVersion, ReasonClientWins)
	}

	switch {
	case local.Timestamp <= 0 || remote.Timestamp <= 0:
		rec := local.Clone()
		rec.SyncStatus = model.StatusConflict
		loser := remote.Clone()
		return Resolution{Record: rec, Loser: &loser, Reason: ReasonMissingTimestamp}
	case local.Timestamp > remote.Timestamp:
		return localWins(local, remote, remoteVersion, ReasonLocalNewer)
	case local.Timestamp < remote.Timestamp:
		return remoteWins(local, remote, remoteVersion, ReasonRemoteNewer)
	default:
		return remoteWins(local, remote, remoteVersion, ReasonTie)
	}
}

func localWins(local, remote model.EmotionRecord, remoteVersion, reason string) Resolution {
	rec := local.Clone()
	rec.Touch()
	rec.RemoteVersion = remoteVersion
	loser := remote.Clone()
	return Resolution{Record: rec, Winner: model.SideLocal, Loser: &loser, Reason: reason}
}

func remoteWins(local, remote model.EmotionRecord, remoteVersion, reason string) Resolution {
	rec := local.WithContentOf(remote)
	rec.MarkSynced(remoteVersion)
	loser := local.Clone()
	return Resolution{Record: rec, Winner: model.SideRemote, Loser: &loser, Reason: reason}
}
