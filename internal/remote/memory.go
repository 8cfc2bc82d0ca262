package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store with fault injection for tests and local
// experiments.
type Memory struct {
	mu        sync.Mutex
	users     map[string]map[string]*Entry
	versions  *Versioner
	offline   bool
	rejects   map[string]Result
	failCalls int
	writes    int
	calls     int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	v, _ := NewVersioner("")
	return &Memory{
		users:    make(map[string]map[string]*Entry),
		versions: v,
		rejects:  make(map[string]Result),
	}
}

// SetOffline makes every call fail with ErrUnavailable while true.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNextCalls makes the next n calls fail with ErrUnavailable.
func (m *Memory) FailNextCalls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCalls = n
}

// Reject makes every op on id fail with code until Unreject is called.
func (m *Memory) Reject(id string, code Code, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects[id] = Result{ID: id, Code: code, Reason: reason}
}

// Unreject clears an injected rejection.
func (m *Memory) Unreject(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rejects, id)
}

// Writes returns how many entries were durably changed.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Calls returns how many Store methods were invoked, including failed ones.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// enter counts the call and applies injected outages. Caller holds mu.
func (m *Memory) enter(ctx context.Context) error {
	m.calls++
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if m.offline {
		return ErrUnavailable
	}
	if m.failCalls > 0 {
		m.failCalls--
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) partition(user string) map[string]*Entry {
	p, ok := m.users[user]
	if !ok {
		p = make(map[string]*Entry)
		m.users[user] = p
	}
	return p
}

// Apply implements Store.
func (m *Memory) Apply(ctx context.Context, user string, ops []Op) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return nil, err
	}

	p := m.partition(user)
	results := make([]Result, len(ops))
	for i, op := range ops {
		if rej, ok := m.rejects[op.ID]; ok {
			results[i] = rej
			continue
		}
		next, res := Plan(p[op.ID], op, m.versions.Next)
		if next != nil {
			p[op.ID] = next
			m.writes++
		}
		results[i] = res
	}
	return results, nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, user, id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return Entry{}, err
	}

	e, ok := m.partition(user)[id]
	if !ok || e.Deleted {
		return Entry{}, ErrNotFound
	}
	return copyEntry(e), nil
}

// Changes implements Store.
func (m *Memory) Changes(ctx context.Context, user, since string, limit int) ([]Entry, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return nil, since, err
	}

	var out []Entry
	for _, e := range m.partition(user) {
		if e.Version > since {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	next := since
	if len(out) > 0 {
		next = out[len(out)-1].Version
	}
	return out, next, nil
}

func copyEntry(e *Entry) Entry {
	out := *e
	if e.Record != nil {
		r := e.Record.Clone()
		out.Record = &r
	}
	return out
}
