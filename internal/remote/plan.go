package remote

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/moodjar/emosync/internal/model"
)

// Versioner issues strictly increasing ULID version tokens.
type Versioner struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    ulid.ULID
	now     func() time.Time
}

// NewVersioner returns a versioner whose tokens sort after floor.
func NewVersioner(floor string) (*Versioner, error) {
	v := &Versioner{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
	if floor != "" {
		last, err := ulid.ParseStrict(floor)
		if err != nil {
			return nil, fmt.Errorf("invalid version floor %q: %w", floor, err)
		}
		v.last = last
	}
	return v, nil
}

// Next returns a token greater than every token issued before.
func (v *Versioner) Next() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	ms := ulid.Timestamp(v.now())
	if ms < v.last.Time() {
		ms = v.last.Time()
	}
	id := ulid.MustNew(ms, v.entropy)
	if id.Compare(v.last) <= 0 {
		// Entropy restarted for a timestamp we already used; move past it.
		id = ulid.MustNew(v.last.Time()+1, v.entropy)
	}
	v.last = id
	return id.String()
}

// Plan decides the outcome of op against the current entry for its id.
// It returns the entry to persist, or nil when the op changes nothing.
// Backends call it under their writer lock.
func Plan(current *Entry, op Op, nextVersion func() string) (*Entry, Result) {
	res := Result{ID: op.ID}
	if op.ID == "" {
		res.Code, res.Reason = CodeInvalid, "id is required"
		return nil, res
	}
	live := current != nil && !current.Deleted

	switch op.Kind {
	case OpPut:
		if op.Record == nil {
			res.Code, res.Reason = CodeInvalid, "put without record"
			return nil, res
		}
		if op.Record.ID != op.ID {
			res.Code, res.Reason = CodeInvalid, fmt.Sprintf("record id %q does not match op id", op.Record.ID)
			return nil, res
		}
		if err := op.Record.Validate(); err != nil {
			res.Code, res.Reason = CodeInvalid, err.Error()
			return nil, res
		}
		if live && current.Record.ContentEqual(op.Record) {
			res.Version = current.Version
			return nil, res
		}
		if live && op.BaseVersion != current.Version {
			res.Code = CodeStale
			res.Reason = fmt.Sprintf("base version %q is behind %q", op.BaseVersion, current.Version)
			return nil, res
		}
		rec := content(op.Record)
		next := &Entry{ID: op.ID, Record: &rec, Version: nextVersion(), Status: model.StatusSynced}
		res.Version = next.Version
		return next, res

	case OpDelete:
		if current == nil {
			return nil, res
		}
		if current.Deleted {
			res.Version = current.Version
			return nil, res
		}
		next := &Entry{ID: op.ID, Version: nextVersion(), Deleted: true}
		res.Version = next.Version
		return next, res

	case OpStatus:
		if !op.Status.Valid() {
			res.Code, res.Reason = CodeInvalid, fmt.Sprintf("unknown status %q", op.Status)
			return nil, res
		}
		if !live {
			res.Code, res.Reason = CodeNotFound, "no live record"
			return nil, res
		}
		res.Version = current.Version
		if current.Status == op.Status {
			return nil, res
		}
		next := *current
		next.Status = op.Status
		return &next, res

	default:
		res.Code, res.Reason = CodeInvalid, fmt.Sprintf("unknown op %q", op.Kind)
		return nil, res
	}
}

// content strips local bookkeeping from a record before it is stored.
func content(r *model.EmotionRecord) model.EmotionRecord {
	out := r.Clone()
	out.SyncStatus = ""
	out.RemoteVersion = ""
	out.ClearRetry()
	return out
}
