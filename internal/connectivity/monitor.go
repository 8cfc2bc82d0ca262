// Package connectivity reports network reachability and application
// lifecycle transitions.
//
// The Monitor only reports state. Listeners are notified on transition
// edges, synchronously and in the order the transitions were observed;
// repeated reports of the same state are swallowed. Retry policy belongs to
// whoever listens.
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/moodjar/emosync/internal/logging"
)

// EventKind identifies a transition.
type EventKind int

const (
	// EventOnline fires when the network becomes reachable.
	EventOnline EventKind = iota
	// EventOffline fires when the network is lost.
	EventOffline
	// EventMeteredChanged fires when an online link switches between
	// metered and unmetered.
	EventMeteredChanged
	// EventForeground fires when the application returns to the foreground.
	EventForeground
	// EventBackground fires when the application is backgrounded.
	EventBackground
	// EventTerminating fires once when the application is about to exit.
	EventTerminating
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventMeteredChanged:
		return "metered_changed"
	case EventForeground:
		return "foreground"
	case EventBackground:
		return "background"
	case EventTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// State is a reachability snapshot.
type State struct {
	Online  bool `json:"online"`
	Metered bool `json:"metered"`
}

// Event is a single transition.
type Event struct {
	Kind  EventKind
	State State
	At    time.Time
}

// Listener receives transitions. It runs on the goroutine that observed the
// transition and must not block for long.
type Listener func(Event)

// Config holds configuration for the monitor.
type Config struct {
	// PollInterval is how often Start probes reachability.
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// Initial is the state assumed before the first probe or report.
	Initial State
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 15 * time.Second,
		ProbeTimeout: 3 * time.Second,
	}
}

// Monitor tracks reachability and lifecycle phase.
type Monitor struct {
	prober Prober
	config *Config
	log    zerolog.Logger

	mu          sync.Mutex
	state       State
	background  bool
	terminating bool
	listeners   map[int]Listener
	order       []int
	nextID      int

	// notifyMu serializes listener dispatch so events are delivered in the
	// order they were observed.
	notifyMu sync.Mutex

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a monitor. prober may be nil when state is only ever set via
// Report.
func New(prober Prober, config *Config, log zerolog.Logger) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	return &Monitor{
		prober:    prober,
		config:    config,
		log:       logging.Component(log, "connectivity"),
		state:     config.Initial,
		listeners: make(map[int]Listener),
	}
}

// IsOnline reports whether the network is reachable.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Online
}

// IsMetered reports whether the current link is metered.
func (m *Monitor) IsMetered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Metered
}

// State returns the current reachability snapshot.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InBackground reports whether the application is backgrounded.
func (m *Monitor) InBackground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.background
}

// OnChange registers l and returns a function that removes it.
func (m *Monitor) OnChange(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.order = append(m.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
			for i, v := range m.order {
				if v == id {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Report records a reachability observation, typically from an OS hook.
// Listeners are notified only when it differs from the current state.
func (m *Monitor) Report(s State) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	var kind EventKind
	switch {
	case !prev.Online && s.Online:
		kind = EventOnline
	case prev.Online && !s.Online:
		kind = EventOffline
	case s.Online && prev.Metered != s.Metered:
		kind = EventMeteredChanged
	default:
		return
	}

	m.log.Info().Str("event", kind.String()).Bool("metered", s.Metered).Msg("Connectivity changed")
	m.dispatch(Event{Kind: kind, State: s, At: time.Now()})
}

// Foreground signals that the application became active.
func (m *Monitor) Foreground() {
	m.lifecycle(EventForeground, func() bool {
		if !m.background {
			return false
		}
		m.background = false
		return true
	})
}

// Background signals that the application was backgrounded.
func (m *Monitor) Background() {
	m.lifecycle(EventBackground, func() bool {
		if m.background {
			return false
		}
		m.background = true
		return true
	})
}

// Terminating signals that the application is about to exit. Only the
// first call notifies.
func (m *Monitor) Terminating() {
	m.lifecycle(EventTerminating, func() bool {
		if m.terminating {
			return false
		}
		m.terminating = true
		return true
	})
}

func (m *Monitor) lifecycle(kind EventKind, transition func() bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	changed := transition()
	s := m.state
	m.mu.Unlock()
	if !changed {
		return
	}

	m.log.Debug().Str("event", kind.String()).Msg("Lifecycle transition")
	m.dispatch(Event{Kind: kind, State: s, At: time.Now()})
}

// dispatch calls listeners in registration order. Caller holds notifyMu.
func (m *Monitor) dispatch(e Event) {
	m.mu.Lock()
	ls := make([]Listener, 0, len(m.order))
	for _, id := range m.order {
		ls = append(ls, m.listeners[id])
	}
	m.mu.Unlock()

	for _, l := range ls {
		l(e)
	}
}

// Start probes immediately and then every PollInterval until ctx is
// cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	if m.prober == nil {
		return fmt.Errorf("monitor has no prober")
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	m.poll(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.poll(ctx)
			}
		}
	}()
	return nil
}

// Stop halts polling and waits for the poller to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Monitor) poll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	s := m.prober.Probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	m.Report(s)
}
