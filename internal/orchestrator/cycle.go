package orchestrator

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/moodjar/emosync/internal/conflict"
	"github.com/moodjar/emosync/internal/events"
	"github.com/moodjar/emosync/internal/gateway"
	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/recordstore"
	"github.com/moodjar/emosync/internal/remote"
)

// Reasons reported in SyncCycleResult.Skipped.
const (
	SkipAutoSyncDisabled = "auto sync disabled"
	SkipOffline          = "offline"
	SkipMetered          = "metered connection"
	SkipNoSession        = "no valid session"
)

// runCycle executes one sync cycle. Cycles never overlap.
func (o *Orchestrator) runCycle(parent context.Context, trigger Trigger) model.SyncCycleResult {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	// The termination flush must not be cancelled by the termination
	// signal that started it.
	if trigger != TriggerTerminating {
		o.mu.Lock()
		o.cycleCancel = cancel
		o.mu.Unlock()
		defer func() {
			o.mu.Lock()
			o.cycleCancel = nil
			o.mu.Unlock()
		}()
	}

	res := model.SyncCycleResult{Trigger: string(trigger), StartedAt: o.config.Now()}
	settings := o.store.Settings(ctx)

	if reason := o.precondition(settings, trigger); reason != "" {
		res.Skipped = reason
		res.FinishedAt = o.config.Now()
		o.finish(ctx, res)
		return res
	}

	o.setState(StateRunning)
	c := &cycle{
		o:        o,
		ctx:      ctx,
		settings: settings,
		resolver: conflict.New(settings.ConflictStrategy),
		res:      &res,
		now:      res.StartedAt,
		statuses: make(map[string]model.SyncStatus),
		flush:    trigger == TriggerTerminating,
	}
	c.run()

	res.FinishedAt = o.config.Now()
	o.finish(ctx, res)
	return res
}

// precondition returns why a cycle must be skipped, or "".
func (o *Orchestrator) precondition(settings model.SyncSettings, trigger Trigger) string {
	if trigger.automatic() && !settings.AutoSync {
		return SkipAutoSyncDisabled
	}
	if o.net != nil {
		if !o.net.IsOnline() {
			return SkipOffline
		}
		if settings.SyncOnWifiOnly && o.net.IsMetered() {
			return SkipMetered
		}
	}
	if o.session == nil || !o.session.Valid() {
		return SkipNoSession
	}
	return ""
}

// finish records res, picks the next state and notifies listeners.
func (o *Orchestrator) finish(ctx context.Context, res model.SyncCycleResult) {
	outcome := "ok"
	next := o.State()
	switch {
	case res.Skipped != "":
		outcome = "skipped"
		// An expired backoff falls back to the regular interval; otherwise
		// the worker would fire again immediately.
		o.mu.Lock()
		if next == StateBackoffWait && !o.backoffUntil.After(res.FinishedAt) {
			next = StateIdle
			o.backoffUntil = time.Time{}
		}
		o.mu.Unlock()
	case res.ErrorRate() > o.config.ErrorRateThreshold:
		outcome = "degraded"
		next = StateBackoffWait
		wait := o.backoff.NextBackOff()
		o.mu.Lock()
		o.backoffUntil = res.FinishedAt.Add(wait)
		o.mu.Unlock()
	default:
		next = StateIdle
		o.backoff.Reset()
		o.mu.Lock()
		o.backoffUntil = time.Time{}
		o.mu.Unlock()
	}
	if next == StateRunning {
		next = StateIdle
	}

	o.mu.Lock()
	last := res
	o.last = &last
	o.mu.Unlock()

	o.metrics.observe(res, outcome)
	stats := o.store.Stats(ctx)
	o.metrics.pending.Set(float64(stats.Total - stats.ByStatus[model.StatusSynced]))

	o.setState(next)
	o.bus.Publish(events.Event{Kind: events.KindSyncCompleted, At: res.FinishedAt, Result: &last})

	ev := o.log.Info()
	if outcome == "degraded" {
		ev = o.log.Warn()
	}
	ev.Str("trigger", res.Trigger).
		Str("outcome", outcome).
		Str("skipped", res.Skipped).
		Int("pushed", res.Pushed).
		Int("pulled", res.Pulled).
		Int("conflicted", res.Conflicted).
		Int("failed", res.Failed).
		Int("deleted", res.Deleted).
		Dur("duration", res.Duration()).
		Str("error", res.Error).
		Msg("Sync cycle finished")
}

// cycle holds the working state of one run.
type cycle struct {
	o        *Orchestrator
	ctx      context.Context
	settings model.SyncSettings
	resolver *conflict.Resolver
	res      *model.SyncCycleResult
	now      time.Time
	flush    bool

	// statuses collects ids whose sync status changed on the server side
	// view and is reported in one status batch.
	statuses map[string]model.SyncStatus

	// repush lists ids whose local content won a resolution during this
	// cycle and must be uploaded on top of the remote version.
	repush []string
}

func (c *cycle) run() {
	c.pushDeletes()
	if c.stopped() {
		return
	}
	c.push(c.candidates())
	if c.stopped() {
		return
	}
	if c.flush {
		return
	}
	c.refreshConflicts()
	if c.stopped() {
		return
	}
	c.reportStatuses()
	c.pull()
	if c.stopped() {
		return
	}
	c.pushWinners()
}

func (c *cycle) stopped() bool {
	if err := c.ctx.Err(); err != nil {
		if c.res.Error == "" {
			c.res.Error = "cancelled: " + err.Error()
		}
		return true
	}
	return false
}

func (c *cycle) pushDeletes() {
	ids := c.o.store.PendingDeletes(c.ctx)
	if len(ids) == 0 {
		return
	}

	var done []string
	for _, out := range c.o.gw.DeleteBatch(c.ctx, ids) {
		if out.Accepted {
			done = append(done, out.ID)
			c.res.Deleted++
			continue
		}
		c.res.Failed++
		c.o.log.Debug().Str("id", out.ID).Str("kind", string(out.Kind)).Str("reason", out.Reason).Msg("Remote delete failed")
	}
	if err := c.o.store.ClearPendingDeletes(c.ctx, done...); err != nil {
		c.o.log.Warn().Err(err).Msg("Failed to clear pending deletes")
	}
}

// candidates returns the records due for upload, oldest first, capped at
// MaxRecordsPerSync.
func (c *cycle) candidates() []model.EmotionRecord {
	recs := c.o.store.Query(c.ctx, recordstore.Filter{
		Statuses: []model.SyncStatus{model.StatusNotSynced, model.StatusError},
	})

	out := recs[:0]
	for _, r := range recs {
		if r.Rejected {
			continue
		}
		if r.SyncStatus == model.StatusError && r.RetryAt.After(c.now) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	if limit := c.settings.MaxRecordsPerSync; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (c *cycle) push(records []model.EmotionRecord) {
	if len(records) == 0 {
		return
	}
	outcomes := c.o.gw.PushBatch(c.ctx, records)
	for i, out := range outcomes {
		sent := records[i]
		switch {
		case out.Accepted:
			c.accepted(sent, out.Version)
		case out.Rejected(gateway.KindStale):
			c.stale(sent)
		case out.Rejected(gateway.KindInvalid):
			c.failed(sent, out, true)
		default:
			c.failed(sent, out, false)
		}
	}
}

// accepted records a successful upload. An edit made while the upload was
// in flight keeps the record NotSynced on top of the new version.
func (c *cycle) accepted(sent model.EmotionRecord, version string) {
	c.res.Pushed++
	stored, err := c.o.store.Update(c.ctx, sent.ID, func(r *model.EmotionRecord) bool {
		if r.ContentEqual(&sent) {
			r.MarkSynced(version)
		} else {
			r.RemoteVersion = version
		}
		return true
	})
	if err != nil {
		// Deleted locally meanwhile; the pending delete removes the upload.
		c.o.log.Debug().Str("id", sent.ID).Msg("Uploaded record no longer cached")
		return
	}
	if stored.SyncStatus == model.StatusSynced {
		c.statuses[sent.ID] = model.StatusSynced
	}
}

// failed records a rejected upload and schedules its retry. Records the
// server refused MaxRejectAttempts times are parked until edited.
func (c *cycle) failed(sent model.EmotionRecord, out gateway.Outcome, invalid bool) {
	c.res.Failed++
	rejected := false
	_, err := c.o.store.Update(c.ctx, sent.ID, func(r *model.EmotionRecord) bool {
		if !r.ContentEqual(&sent) {
			return false
		}
		r.SyncStatus = model.StatusError
		r.Attempts++
		r.RetryAt = c.now.Add(c.o.retryDelay(r.Attempts))
		r.LastError = string(out.Kind) + ": " + out.Reason
		if invalid && r.Attempts >= c.o.config.MaxRejectAttempts {
			r.Rejected = true
			rejected = true
		}
		return true
	})
	if err != nil {
		return
	}
	if rejected {
		c.o.log.Warn().Str("id", sent.ID).Str("reason", out.Reason).Msg("Record rejected by server")
		c.o.bus.Publish(events.Event{Kind: events.KindRecordRejected, RecordID: sent.ID, Reason: out.Reason})
	}
}

// stale fetches the server copy that superseded our base and resolves
// against it.
func (c *cycle) stale(sent model.EmotionRecord) {
	entry, err := c.o.gw.Get(c.ctx, sent.ID)
	if errors.Is(err, remote.ErrNotFound) {
		c.resurrect(sent.ID)
		return
	}
	if err != nil {
		c.failed(sent, gateway.Outcome{ID: sent.ID, Kind: gateway.KindTransient, Reason: err.Error()}, false)
		return
	}
	local, err := c.o.store.Get(c.ctx, sent.ID)
	if err != nil {
		return
	}
	c.resolve(local, entry)
}

// refreshConflicts re-evaluates undecided conflicts against the current
// server copy.
func (c *cycle) refreshConflicts() {
	for _, local := range c.o.store.Query(c.ctx, recordstore.Filter{Statuses: []model.SyncStatus{model.StatusConflict}}) {
		if c.ctx.Err() != nil {
			return
		}
		entry, err := c.o.gw.Get(c.ctx, local.ID)
		if errors.Is(err, remote.ErrNotFound) {
			c.resurrect(local.ID)
			continue
		}
		if err != nil {
			c.o.log.Debug().Err(err).Str("id", local.ID).Msg("Conflict refresh failed")
			continue
		}
		c.resolve(local, entry)
	}
}

// resolve applies the resolver's decision unless the local copy changed
// since it was read.
func (c *cycle) resolve(local model.EmotionRecord, entry remote.Entry) {
	if entry.Record == nil {
		return
	}
	decision := c.resolver.Resolve(local, *entry.Record, entry.Version)

	applied := false
	stored, err := c.o.store.Update(c.ctx, local.ID, func(r *model.EmotionRecord) bool {
		if !r.ContentEqual(&local) || r.RemoteVersion != local.RemoteVersion || r.SyncStatus != local.SyncStatus {
			return false
		}
		*r = decision.Record
		applied = true
		return true
	})
	if err != nil || !applied {
		return
	}

	if stored.SyncStatus == model.StatusNotSynced {
		c.repush = append(c.repush, stored.ID)
	}
	if decision.Loser == nil {
		return
	}
	if local.SyncStatus == model.StatusConflict && stored.SyncStatus == model.StatusConflict {
		// Still undecided; already reported.
		return
	}

	c.res.Conflicted++
	side := model.SideRemote
	if decision.Winner == model.SideRemote {
		side = model.SideLocal
	}
	artifact := model.ConflictArtifact{
		RecordID:      local.ID,
		Side:          side,
		Record:        *decision.Loser,
		RemoteVersion: entry.Version,
		Reason:        decision.Reason,
		Resolved:      decision.Winner != "",
		DetectedAt:    c.now,
	}
	if err := c.o.store.SaveConflict(c.ctx, artifact); err != nil {
		c.o.log.Warn().Stack().Err(err).Str("id", local.ID).Msg("Failed to save conflict artifact")
	}

	c.o.log.Info().
		Str("id", local.ID).
		Str("winner", string(decision.Winner)).
		Str("reason", decision.Reason).
		Msg("Conflict detected")
	c.o.bus.Publish(events.Event{Kind: events.KindConflictDetected, RecordID: local.ID, Reason: decision.Reason})
}

// resurrect re-arms a record whose server copy disappeared so its content
// is uploaded as a new record.
func (c *cycle) resurrect(id string) {
	stored, err := c.o.store.Update(c.ctx, id, func(r *model.EmotionRecord) bool {
		r.RemoteVersion = ""
		r.SyncStatus = model.StatusNotSynced
		r.ClearRetry()
		return true
	})
	if err == nil && stored.SyncStatus == model.StatusNotSynced {
		c.repush = append(c.repush, id)
	}
}

func (c *cycle) reportStatuses() {
	if len(c.statuses) == 0 {
		return
	}
	for _, out := range c.o.gw.UpdateStatusBatch(c.ctx, c.statuses) {
		if !out.Accepted {
			c.o.log.Debug().Str("id", out.ID).Str("kind", string(out.Kind)).Msg("Status update failed")
		}
	}
	clear(c.statuses)
}

// pull applies remote changes since the stored cursor. The cursor only
// advances after a complete pull was applied.
func (c *cycle) pull() {
	cursor := c.o.store.Cursor(c.ctx)
	pr, err := c.o.gw.PullSince(c.ctx, cursor)

	for _, entry := range pr.Entries {
		if c.ctx.Err() != nil {
			return
		}
		c.apply(entry)
	}

	if err != nil {
		c.res.Error = err.Error()
		if c.ctx.Err() == nil {
			c.res.PullFailed = true
			c.o.log.Warn().Stack().Err(err).Msg("Pull failed")
		}
		return
	}
	if !pr.Complete {
		return
	}
	if err := c.o.store.SetCursor(c.ctx, pr.Cursor); err != nil {
		c.o.log.Warn().Stack().Err(err).Msg("Failed to save pull cursor")
		return
	}
	c.res.PullComplete = true
	c.res.Cursor = pr.Cursor
}

func (c *cycle) apply(entry remote.Entry) {
	local, err := c.o.store.Get(c.ctx, entry.ID)
	exists := err == nil

	if entry.Deleted {
		switch {
		case !exists:
		case local.SyncStatus == model.StatusSynced:
			if err := c.o.store.Purge(c.ctx, entry.ID); err == nil {
				c.res.Pulled++
			}
		default:
			// Pending local work survives a remote delete.
			c.resurrect(entry.ID)
		}
		return
	}
	if entry.Record == nil {
		return
	}

	if !exists {
		if c.o.store.HasPendingDelete(c.ctx, entry.ID) {
			return
		}
		rec := entry.Record.Clone()
		rec.MarkSynced(entry.Version)
		if err := c.o.store.Put(c.ctx, rec); err != nil {
			c.o.log.Warn().Err(err).Str("id", entry.ID).Msg("Failed to cache pulled record")
			return
		}
		c.res.Pulled++
		return
	}

	if local.RemoteVersion == entry.Version {
		return
	}

	if local.SyncStatus == model.StatusSynced {
		applied := false
		_, err := c.o.store.Update(c.ctx, entry.ID, func(r *model.EmotionRecord) bool {
			if r.SyncStatus != model.StatusSynced || r.RemoteVersion != local.RemoteVersion {
				return false
			}
			*r = r.WithContentOf(*entry.Record)
			r.MarkSynced(entry.Version)
			applied = true
			return true
		})
		if err == nil && applied {
			c.res.Pulled++
		}
		return
	}

	c.res.Pulled++
	c.resolve(local, entry)
}

// pushWinners uploads records whose local content won a resolution. A
// stale result here is left for the next cycle.
func (c *cycle) pushWinners() {
	if len(c.repush) == 0 {
		return
	}

	seen := make(map[string]bool, len(c.repush))
	var recs []model.EmotionRecord
	for _, id := range c.repush {
		if seen[id] {
			continue
		}
		seen[id] = true
		r, err := c.o.store.Get(c.ctx, id)
		if err != nil || r.SyncStatus != model.StatusNotSynced {
			continue
		}
		recs = append(recs, r)
	}
	if len(recs) == 0 {
		return
	}

	for i, out := range c.o.gw.PushBatch(c.ctx, recs) {
		sent := recs[i]
		switch {
		case out.Accepted:
			c.accepted(sent, out.Version)
		case out.Rejected(gateway.KindStale):
			c.o.log.Debug().Str("id", sent.ID).Msg("Winner went stale again, deferring")
		default:
			c.failed(sent, out, out.Rejected(gateway.KindInvalid))
		}
	}
	c.reportStatuses()
}

// retryDelay is the per-record wait after attempts failed uploads.
func (o *Orchestrator) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.config.RetryMinBackoff
	b.MaxInterval = o.config.RetryMaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < min(attempts, 32); i++ {
		d = b.NextBackOff()
	}
	return d
}
