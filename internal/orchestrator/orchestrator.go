// Package orchestrator drives synchronization between the local record
// cache and the remote store.
//
// A single background worker runs sync cycles one at a time. Triggers
// (interval timer, network regained, app foregrounded, manual requests)
// that arrive while a cycle is running are coalesced into one follow-up
// cycle. When the app is terminating, the running cycle is cancelled at its
// next sub-batch boundary and a bounded final flush uploads what it can.
//
// Example:
//
//	o := orchestrator.New(records, gw, monitor, sess, bus, nil, log)
//	if err := o.Start(ctx); err != nil {
//	    return err
//	}
//	defer o.Shutdown(context.Background())
//	o.OnSyncCompleted(func(r model.SyncCycleResult) { ... })
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/moodjar/emosync/internal/connectivity"
	"github.com/moodjar/emosync/internal/events"
	"github.com/moodjar/emosync/internal/gateway"
	"github.com/moodjar/emosync/internal/logging"
	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/recordstore"
	"github.com/moodjar/emosync/internal/session"
)

var (
	// ErrNotStarted is returned by operations that need the background
	// worker before Start was called.
	ErrNotStarted = errors.New("orchestrator not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("orchestrator already started")
)

// State is the worker's position in its state machine.
type State string

const (
	StateIdle        State = "idle"
	StateRunning     State = "running"
	StateBackoffWait State = "backoff_wait"
)

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerManual      Trigger = "manual"
	TriggerInterval    Trigger = "interval"
	TriggerOnline      Trigger = "online"
	TriggerForeground  Trigger = "foreground"
	TriggerTerminating Trigger = "terminating"
)

// automatic triggers are gated by SyncSettings.AutoSync.
func (t Trigger) automatic() bool {
	return t != TriggerManual
}

// Connectivity is the reachability signal the orchestrator consumes.
type Connectivity interface {
	IsOnline() bool
	IsMetered() bool
	OnChange(l connectivity.Listener) (unsubscribe func())
}

// Config holds configuration for the orchestrator.
type Config struct {
	// MinBackoff and MaxBackoff bound the wait after a cycle whose error
	// rate exceeded ErrorRateThreshold.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// RetryMinBackoff and RetryMaxBackoff bound the per-record retry delay
	// after a failed upload.
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration

	// ErrorRateThreshold is the failed/attempted ratio above which the
	// worker enters BackoffWait.
	ErrorRateThreshold float64

	// MaxRejectAttempts is how many times a record refused by the server
	// is retried before it is surfaced as rejected.
	MaxRejectAttempts int

	// FinalFlushTimeout bounds the flush performed on termination.
	FinalFlushTimeout time.Duration

	// Registerer receives the orchestrator's metrics. Nil uses a private
	// registry.
	Registerer prometheus.Registerer

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MinBackoff:         time.Second,
		MaxBackoff:         2 * time.Minute,
		RetryMinBackoff:    time.Second,
		RetryMaxBackoff:    2 * time.Minute,
		ErrorRateThreshold: 0.5,
		MaxRejectAttempts:  5,
		FinalFlushTimeout:  5 * time.Second,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.MinBackoff <= 0 {
		c.MinBackoff = def.MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(def.MaxBackoff, c.MinBackoff)
	}
	if c.RetryMinBackoff <= 0 {
		c.RetryMinBackoff = def.RetryMinBackoff
	}
	if c.RetryMaxBackoff < c.RetryMinBackoff {
		c.RetryMaxBackoff = max(def.RetryMaxBackoff, c.RetryMinBackoff)
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = def.ErrorRateThreshold
	}
	if c.MaxRejectAttempts <= 0 {
		c.MaxRejectAttempts = def.MaxRejectAttempts
	}
	if c.FinalFlushTimeout <= 0 {
		c.FinalFlushTimeout = def.FinalFlushTimeout
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Orchestrator coordinates sync cycles.
type Orchestrator struct {
	store   *recordstore.Store
	gw      *gateway.Gateway
	net     Connectivity
	session session.Provider
	bus     *events.Bus
	config  *Config
	log     zerolog.Logger
	metrics *metrics

	// runMu makes cycles strictly sequential, including SyncNow calls
	// made outside the worker.
	runMu sync.Mutex

	mu           sync.Mutex
	state        State
	last         *model.SyncCycleResult
	backoff      *backoff.ExponentialBackOff
	backoffUntil time.Time
	cycleCancel  context.CancelFunc
	flushed      bool

	triggers  chan Trigger
	terminate chan struct{}
	running   bool
	cancel    context.CancelFunc
	unwatch   func()
	wg        sync.WaitGroup
}

// New creates an orchestrator. bus may be nil; a nil config uses
// DefaultConfig.
func New(store *recordstore.Store, gw *gateway.Gateway, net Connectivity, sess session.Provider, bus *events.Bus, config *Config, log zerolog.Logger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	config.setDefaults()
	if bus == nil {
		bus = events.NewBus()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = config.MinBackoff
	bo.MaxInterval = config.MaxBackoff
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	o := &Orchestrator{
		store:     store,
		gw:        gw,
		net:       net,
		session:   sess,
		bus:       bus,
		config:    config,
		log:       logging.Component(log, "orchestrator"),
		metrics:   newMetrics(config.Registerer),
		state:     StateIdle,
		backoff:   bo,
		triggers:  make(chan Trigger, 1),
		terminate: make(chan struct{}, 1),
	}
	o.metrics.setState(StateIdle)
	return o
}

// Config returns a copy of the effective configuration.
func (o *Orchestrator) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.config
}

// Gateway returns the gateway cycles push through.
func (o *Orchestrator) Gateway() *gateway.Gateway {
	return o.gw
}

// Reconfigure applies new backoff, retry and flush bounds. It waits for a
// running cycle to finish and restarts backoff growth from the new minimum.
// The clock and metrics registry are kept.
func (o *Orchestrator) Reconfigure(config Config) {
	config.setDefaults()

	o.runMu.Lock()
	defer o.runMu.Unlock()
	o.mu.Lock()
	o.config.MinBackoff = config.MinBackoff
	o.config.MaxBackoff = config.MaxBackoff
	o.config.RetryMinBackoff = config.RetryMinBackoff
	o.config.RetryMaxBackoff = config.RetryMaxBackoff
	o.config.ErrorRateThreshold = config.ErrorRateThreshold
	o.config.MaxRejectAttempts = config.MaxRejectAttempts
	o.config.FinalFlushTimeout = config.FinalFlushTimeout
	o.backoff.InitialInterval = config.MinBackoff
	o.backoff.MaxInterval = config.MaxBackoff
	o.backoff.Reset()
	o.mu.Unlock()

	o.log.Info().
		Dur("min_backoff", config.MinBackoff).
		Dur("max_backoff", config.MaxBackoff).
		Int("max_reject_attempts", config.MaxRejectAttempts).
		Msg("Sync worker reconfigured")
}

// Bus returns the event bus the orchestrator publishes to.
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// GetLastCycleResult returns the result of the most recent cycle.
func (o *Orchestrator) GetLastCycleResult() (model.SyncCycleResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return model.SyncCycleResult{}, false
	}
	return *o.last, true
}

// OnSyncCompleted registers fn for every finished or skipped cycle.
func (o *Orchestrator) OnSyncCompleted(fn func(model.SyncCycleResult)) (unsubscribe func()) {
	return o.bus.Handle(func(e events.Event) {
		if e.Result != nil {
			fn(*e.Result)
		}
	}, events.KindSyncCompleted)
}

// OnConflictDetected registers fn for records whose copies diverged.
func (o *Orchestrator) OnConflictDetected(fn func(id string)) (unsubscribe func()) {
	return o.bus.Handle(func(e events.Event) { fn(e.RecordID) }, events.KindConflictDetected)
}

// OnRecordRejected registers fn for records the server refused too often.
func (o *Orchestrator) OnRecordRejected(fn func(id, reason string)) (unsubscribe func()) {
	return o.bus.Handle(func(e events.Event) { fn(e.RecordID, e.Reason) }, events.KindRecordRejected)
}

// SetAutoSync persists the AutoSync setting. Enabling it requests a cycle
// when the worker is running.
func (o *Orchestrator) SetAutoSync(ctx context.Context, enabled bool) error {
	settings := o.store.Settings(ctx)
	settings.AutoSync = enabled
	if err := o.store.SaveSettings(ctx, settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	o.log.Info().Bool("auto_sync", enabled).Msg("Auto sync changed")
	if enabled {
		o.enqueue(TriggerManual)
	}
	return nil
}

// TriggerSyncNow requests a cycle from the background worker and returns
// immediately. A request made while a cycle is running or queued is merged
// into the queued one.
func (o *Orchestrator) TriggerSyncNow() error {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	o.enqueue(TriggerManual)
	return nil
}

// SyncNow runs a manual cycle on the caller's goroutine and returns its
// result. It waits for a cycle already in progress to finish first.
func (o *Orchestrator) SyncNow(ctx context.Context) model.SyncCycleResult {
	return o.runCycle(ctx, TriggerManual)
}

func (o *Orchestrator) enqueue(t Trigger) {
	select {
	case o.triggers <- t:
		o.log.Debug().Str("trigger", string(t)).Msg("Sync queued")
	default:
		o.log.Debug().Str("trigger", string(t)).Msg("Sync already queued, coalesced")
	}
}

// Start subscribes to connectivity changes and launches the worker. The
// worker stops when ctx is cancelled or Shutdown is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.flushed = false
	if o.net != nil {
		o.unwatch = o.net.OnChange(o.onConnectivity)
	}

	o.wg.Add(1)
	go o.worker(ctx)

	o.log.Info().Msg("Sync worker started")
	return nil
}

// Run starts the worker and blocks until ctx is done, then shuts down with
// a final flush.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return o.Shutdown(context.Background())
}

// Shutdown stops the worker and, unless a termination flush already ran,
// performs a bounded final flush. ctx bounds the whole shutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotStarted
	}
	o.running = false
	cancel, unwatch := o.cancel, o.unwatch
	if o.cycleCancel != nil {
		o.cycleCancel()
	}
	o.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	cancel()
	o.wg.Wait()

	o.mu.Lock()
	flushed := o.flushed
	o.mu.Unlock()
	if !flushed {
		o.finalFlush(ctx)
	}
	o.log.Info().Msg("Sync worker stopped")
	return nil
}

func (o *Orchestrator) onConnectivity(e connectivity.Event) {
	switch e.Kind {
	case connectivity.EventOnline:
		o.enqueue(TriggerOnline)
	case connectivity.EventMeteredChanged:
		if !e.State.Metered {
			o.enqueue(TriggerOnline)
		}
	case connectivity.EventForeground:
		o.enqueue(TriggerForeground)
	case connectivity.EventTerminating:
		o.mu.Lock()
		if o.cycleCancel != nil {
			o.cycleCancel()
		}
		o.mu.Unlock()
		select {
		case o.terminate <- struct{}{}:
		default:
		}
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()

	timer := time.NewTimer(o.nextWait(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-o.terminate:
			o.finalFlush(ctx)

		case t := <-o.triggers:
			o.runCycle(ctx, t)

		case <-timer.C:
			o.runCycle(ctx, TriggerInterval)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.nextWait(ctx))
	}
}

// nextWait is the time until the next interval trigger: the remaining
// backoff while in BackoffWait, the sync interval otherwise.
func (o *Orchestrator) nextWait(ctx context.Context) time.Duration {
	o.mu.Lock()
	until := o.backoffUntil
	state := o.state
	o.mu.Unlock()

	if state == StateBackoffWait {
		if wait := until.Sub(o.config.Now()); wait > 0 {
			return wait
		}
		return time.Millisecond
	}
	return o.store.Settings(ctx).Interval()
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()

	if prev == s {
		return
	}
	o.metrics.setState(s)
	o.bus.Publish(events.Event{Kind: events.KindStateChanged, State: string(s)})
}

// finalFlush uploads pending work within FinalFlushTimeout. It runs at
// most once per Start.
func (o *Orchestrator) finalFlush(parent context.Context) {
	o.mu.Lock()
	if o.flushed {
		o.mu.Unlock()
		return
	}
	o.flushed = true
	timeout := o.config.FinalFlushTimeout
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()
	if deadline, ok := parent.Deadline(); ok {
		var c2 context.CancelFunc
		ctx, c2 = context.WithDeadline(ctx, deadline)
		defer c2()
	}

	res := o.runCycle(ctx, TriggerTerminating)
	o.log.Info().
		Int("pushed", res.Pushed).
		Int("deleted", res.Deleted).
		Int("failed", res.Failed).
		Str("skipped", res.Skipped).
		Msg("Final flush finished")
}
