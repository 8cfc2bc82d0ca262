// Package gateway groups record mutations into bounded multi-key writes
// against the remote store and pages remote changes back.
//
// Outcomes are always reported per record. A sub-batch that fails as a
// whole marks only its own records as transient failures; the remaining
// sub-batches are still sent. Cancellation is honored between sub-batches,
// never in the middle of one.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/moodjar/emosync/internal/logging"
	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/remote"
	"github.com/moodjar/emosync/internal/session"
)

// Config holds configuration for the gateway.
type Config struct {
	// MaxBatchSize is the most ops sent in one remote write.
	MaxBatchSize int

	// MaxBatchBytes bounds the encoded size of one remote write.
	MaxBatchBytes int

	// PullPageSize is the page size used by PullSince.
	PullPageSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxBatchSize:  25,
		MaxBatchBytes: 256 << 10,
		PullPageSize:  100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = def.MaxBatchBytes
	}
	if c.PullPageSize <= 0 {
		c.PullPageSize = def.PullPageSize
	}
	return c
}

// Kind classifies a rejection.
type Kind string

const (
	// KindTransient failures are retried with backoff.
	KindTransient Kind = "transient"
	// KindInvalid failures are permanent for the current content.
	KindInvalid Kind = "invalid"
	// KindStale means the server holds a newer version than the base sent.
	KindStale Kind = "stale"
	// KindNotFound means the server has no live record for the id.
	KindNotFound Kind = "not_found"
)

// Outcome is the per-record result of a batch call.
type Outcome struct {
	ID       string
	Accepted bool
	Version  string
	Kind     Kind
	Reason   string
}

// Rejected reports whether the op failed with kind.
func (o Outcome) Rejected(kind Kind) bool {
	return !o.Accepted && o.Kind == kind
}

// PullResult is what PullSince gathered.
type PullResult struct {
	Entries []remote.Entry
	// Cursor is the version of the last entry received, or the starting
	// cursor when nothing changed.
	Cursor string
	// Complete is true when every page was drained.
	Complete bool
}

// Gateway is the batch front of a remote.Store.
type Gateway struct {
	store   remote.Store
	session session.Provider
	log     zerolog.Logger

	mu     sync.RWMutex
	config Config
}

// New creates a gateway. A nil config uses DefaultConfig.
func New(store remote.Store, sess session.Provider, config *Config, log zerolog.Logger) *Gateway {
	if config == nil {
		config = DefaultConfig()
	}
	return &Gateway{
		store:   store,
		session: sess,
		config:  config.withDefaults(),
		log:     logging.Component(log, "gateway"),
	}
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Reconfigure replaces the batch bounds. Calls already in progress keep the
// bounds they started with.
func (g *Gateway) Reconfigure(config Config) {
	config = config.withDefaults()
	g.mu.Lock()
	g.config = config
	g.mu.Unlock()
	g.log.Info().
		Int("max_batch_size", config.MaxBatchSize).
		Int("max_batch_bytes", config.MaxBatchBytes).
		Int("pull_page_size", config.PullPageSize).
		Msg("Gateway reconfigured")
}

// PushBatch uploads records, using each record's RemoteVersion as the
// base version. Outcomes are returned in input order.
func (g *Gateway) PushBatch(ctx context.Context, records []model.EmotionRecord) []Outcome {
	ops := make([]remote.Op, len(records))
	for i := range records {
		r := records[i]
		ops[i] = remote.Op{Kind: remote.OpPut, ID: r.ID, Record: &r, BaseVersion: r.RemoteVersion}
	}
	return g.apply(ctx, "push", ops)
}

// DeleteBatch deletes ids remotely. Deleting an id the server does not
// hold succeeds.
func (g *Gateway) DeleteBatch(ctx context.Context, ids []string) []Outcome {
	ops := make([]remote.Op, len(ids))
	for i, id := range ids {
		ops[i] = remote.Op{Kind: remote.OpDelete, ID: id}
	}
	return g.apply(ctx, "delete", ops)
}

// UpdateStatusBatch records sync status metadata without re-uploading
// payloads. Outcomes are ordered by id.
func (g *Gateway) UpdateStatusBatch(ctx context.Context, statuses map[string]model.SyncStatus) []Outcome {
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ops := make([]remote.Op, len(ids))
	for i, id := range ids {
		ops[i] = remote.Op{Kind: remote.OpStatus, ID: id, Status: statuses[id]}
	}
	return g.apply(ctx, "status", ops)
}

// Put uploads a single record.
func (g *Gateway) Put(ctx context.Context, r model.EmotionRecord) Outcome {
	return g.PushBatch(ctx, []model.EmotionRecord{r})[0]
}

// Delete deletes a single id.
func (g *Gateway) Delete(ctx context.Context, id string) Outcome {
	return g.DeleteBatch(ctx, []string{id})[0]
}

// Get fetches the live remote entry for id. It returns remote.ErrNotFound
// when the server has none.
func (g *Gateway) Get(ctx context.Context, id string) (remote.Entry, error) {
	e, err := g.store.Get(ctx, g.session.UserID(), id)
	if err != nil {
		return remote.Entry{}, fmt.Errorf("failed to get %s: %w", id, err)
	}
	return e, nil
}

// PullSince pages through remote changes after cursor. On error the entries
// gathered so far are returned with Complete false.
func (g *Gateway) PullSince(ctx context.Context, cursor string) (PullResult, error) {
	res := PullResult{Cursor: cursor}
	user := g.session.UserID()
	pageSize := g.Config().PullPageSize

	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("pull cancelled: %w", err)
		}
		page, next, err := g.store.Changes(ctx, user, res.Cursor, pageSize)
		if err != nil {
			return res, fmt.Errorf("failed to pull changes after %q: %w", res.Cursor, err)
		}
		res.Entries = append(res.Entries, page...)
		if len(page) > 0 {
			res.Cursor = next
		}
		g.log.Debug().Int("entries", len(page)).Str("cursor", res.Cursor).Msg("Pulled page")

		if len(page) < pageSize {
			res.Complete = true
			return res, nil
		}
	}
}

// apply sends ops in bounded sub-batches and maps results back to
// per-op outcomes.
func (g *Gateway) apply(ctx context.Context, what string, ops []remote.Op) []Outcome {
	out := make([]Outcome, len(ops))
	if len(ops) == 0 {
		return out
	}
	user := g.session.UserID()

	cfg := g.Config()
	chunks, oversized := split(ops, cfg)
	for _, i := range oversized {
		out[i] = Outcome{ID: ops[i].ID, Kind: KindInvalid, Reason: fmt.Sprintf("payload exceeds %d bytes", cfg.MaxBatchBytes)}
	}

	for n, idx := range chunks {
		if err := ctx.Err(); err != nil {
			for _, rest := range chunks[n:] {
				for _, i := range rest {
					out[i] = Outcome{ID: ops[i].ID, Kind: KindTransient, Reason: "cancelled"}
				}
			}
			g.log.Debug().Str("op", what).Int("remaining_batches", len(chunks)-n).Msg("Batch cancelled")
			break
		}

		batch := make([]remote.Op, len(idx))
		for k, i := range idx {
			batch[k] = ops[i]
		}

		results, err := g.store.Apply(ctx, user, batch)
		if err == nil && len(results) != len(batch) {
			err = fmt.Errorf("%w: got %d results for %d ops", remote.ErrUnavailable, len(results), len(batch))
		}
		if err != nil {
			g.log.Warn().Stack().Err(err).Str("op", what).Int("size", len(batch)).Msg("Sub-batch failed")
			for _, i := range idx {
				out[i] = Outcome{ID: ops[i].ID, Kind: KindTransient, Reason: reason(err)}
			}
			continue
		}
		for k, i := range idx {
			out[i] = outcome(results[k])
			out[i].ID = ops[i].ID
		}
		g.log.Debug().Str("op", what).Int("size", len(batch)).Msg("Sub-batch applied")
	}
	return out
}

// split groups op indexes into sub-batches bounded by count and encoded
// size. Ops that alone exceed the byte bound are returned separately and
// never sent.
func split(ops []remote.Op, cfg Config) (chunks [][]int, oversized []int) {
	var (
		cur   []int
		bytes int
	)
	for i, op := range ops {
		size := opSize(op)
		if size > cfg.MaxBatchBytes {
			oversized = append(oversized, i)
			continue
		}
		if len(cur) >= cfg.MaxBatchSize || (len(cur) > 0 && bytes+size > cfg.MaxBatchBytes) {
			chunks = append(chunks, cur)
			cur, bytes = nil, 0
		}
		cur = append(cur, i)
		bytes += size
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks, oversized
}

func opSize(op remote.Op) int {
	data, err := json.Marshal(op)
	if err != nil {
		return 0
	}
	return len(data)
}

func outcome(r remote.Result) Outcome {
	switch r.Code {
	case remote.CodeOK:
		return Outcome{Accepted: true, Version: r.Version}
	case remote.CodeStale:
		return Outcome{Kind: KindStale, Reason: r.Reason}
	case remote.CodeInvalid:
		return Outcome{Kind: KindInvalid, Reason: r.Reason}
	case remote.CodeNotFound:
		return Outcome{Kind: KindNotFound, Reason: r.Reason}
	default:
		return Outcome{Kind: KindTransient, Reason: r.Reason}
	}
}

func reason(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return err.Error()
}
