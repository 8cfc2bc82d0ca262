// Package remote defines the boundary to the multi-user record store that
// devices synchronize with.
//
// Every write is assigned a server-side version token. Tokens are ULIDs
// generated under the store's writer lock, so they sort in commit order and
// double as the pull cursor. Puts carry the version the client last saw;
// a put against a newer version is rejected as stale so that concurrent
// edits surface as conflicts instead of silently overwriting each other.
package remote

import (
	"context"
	"errors"

	"github.com/moodjar/emosync/internal/model"
)

var (
	// ErrUnavailable is returned when the store cannot be reached. Callers
	// treat it as transient.
	ErrUnavailable = errors.New("remote store unavailable")

	// ErrNotFound is returned by Get for ids the store has never seen or
	// that were deleted.
	ErrNotFound = errors.New("remote record not found")
)

// OpKind names a write operation.
type OpKind string

const (
	OpPut    OpKind = "put"
	OpDelete OpKind = "delete"
	OpStatus OpKind = "status"
)

// Op is one keyed write inside an Apply call.
type Op struct {
	Kind OpKind `json:"kind"`
	ID   string `json:"id"`

	// Record is the payload of a put.
	Record *model.EmotionRecord `json:"record,omitempty"`

	// BaseVersion is the version the client last saw for ID; empty for a
	// record the client believes is new.
	BaseVersion string `json:"base_version,omitempty"`

	// Status is the sync status recorded by a status op.
	Status model.SyncStatus `json:"status,omitempty"`
}

// Code classifies a per-op failure.
type Code string

const (
	CodeOK          Code = ""
	CodeStale       Code = "stale"
	CodeInvalid     Code = "invalid"
	CodeNotFound    Code = "not_found"
	CodeUnavailable Code = "unavailable"
)

// Result is the outcome of one Op.
type Result struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
	Code    Code   `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// OK reports whether the op was accepted.
func (r Result) OK() bool {
	return r.Code == CodeOK
}

// Entry is the server's current view of one id.
type Entry struct {
	ID      string               `json:"id"`
	Record  *model.EmotionRecord `json:"record,omitempty"`
	Version string               `json:"version"`
	Deleted bool                 `json:"deleted,omitempty"`
	Status  model.SyncStatus     `json:"status,omitempty"`
}

// Store is a remote record store partitioned by user id.
type Store interface {
	// Apply executes ops in order and returns one Result per op. An error
	// means the call as a whole failed and nothing can be assumed about
	// which ops were applied.
	Apply(ctx context.Context, user string, ops []Op) ([]Result, error)

	// Get returns the live entry for id or ErrNotFound.
	Get(ctx context.Context, user, id string) (Entry, error)

	// Changes returns up to limit entries whose version is greater than
	// since, in version order, including deletions. next is the version of
	// the last returned entry, or since when nothing changed.
	Changes(ctx context.Context, user, since string, limit int) (entries []Entry, next string, err error)
}
