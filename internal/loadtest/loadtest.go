// Package loadtest simulates a fleet of devices syncing one user's records
// through a shared remote store.
//
// Each device owns an in-memory encrypted cache and its own orchestrator.
// Devices create records, edit them concurrently and sync in rounds; the run
// then settles and checks that every cache holds the same content at the same
// remote versions.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/moodjar/emosync/internal/gateway"
	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/orchestrator"
	"github.com/moodjar/emosync/internal/recordstore"
	"github.com/moodjar/emosync/internal/remote"
	"github.com/moodjar/emosync/internal/securestore"
	"github.com/moodjar/emosync/internal/session"
)

// UserID is the account every simulated device signs in as.
const UserID = "loadtest-user"

// maxSettlePasses bounds Settle when the fleet keeps changing.
const maxSettlePasses = 10

// Config describes a simulated fleet.
type Config struct {
	Devices          int
	RecordsPerDevice int

	// Rounds is how many concurrent sync cycles each device runs.
	Rounds int

	// EditRatio is the chance a device edits one of its records before a
	// round's cycle.
	EditRatio float64

	Seed int64

	// Remote is shared by all devices. Nil uses a fresh remote.Memory.
	Remote remote.Store

	Log zerolog.Logger
}

// Device is one simulated client.
type Device struct {
	Name  string
	Store *recordstore.Store
	Orch  *orchestrator.Orchestrator

	rng   *rand.Rand
	owned []string
}

// Fleet is a set of devices sharing one remote store.
type Fleet struct {
	Devices []*Device
	Remote  remote.Store

	config Config
}

// LatencyStats summarizes sync cycle durations.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Cycles    int
	Errors    int
	Pushed    int
	Pulled    int
	Conflicts int
	Durations []time.Duration
}

// NewFleet builds cfg.Devices devices.
func NewFleet(cfg Config) (*Fleet, error) {
	if cfg.Devices < 1 {
		return nil, fmt.Errorf("need at least one device (got %d)", cfg.Devices)
	}
	if cfg.EditRatio < 0 || cfg.EditRatio > 1 {
		return nil, fmt.Errorf("edit ratio must be between 0 and 1 (got %v)", cfg.EditRatio)
	}
	if cfg.Remote == nil {
		cfg.Remote = remote.NewMemory()
	}

	f := &Fleet{Remote: cfg.Remote, config: cfg}
	sess := session.NewStatic(UserID)
	for i := 0; i < cfg.Devices; i++ {
		name := fmt.Sprintf("device-%02d", i)
		log := cfg.Log.With().Str("device", name).Logger()

		store := recordstore.New(securestore.NewMemory(), log)
		gw := gateway.New(cfg.Remote, sess, nil, log)
		f.Devices = append(f.Devices, &Device{
			Name:  name,
			Store: store,
			Orch:  orchestrator.New(store, gw, nil, sess, nil, nil, log),
			rng:   rand.New(rand.NewSource(cfg.Seed + int64(i))),
		})
	}
	return f, nil
}

// Populate creates RecordsPerDevice records on every device, spread over the
// preceding days.
func (f *Fleet) Populate(ctx context.Context) error {
	now := time.Now()
	for _, d := range f.Devices {
		for i := 0; i < f.config.RecordsPerDevice; i++ {
			r := model.NewRecord(
				model.EmotionTypes[d.rng.Intn(len(model.EmotionTypes))],
				roundTo(d.rng.Float64(), 2),
				roundTo(d.rng.Float64()*2-1, 2),
				now.Add(-time.Duration(d.rng.Intn(30*24))*time.Hour),
			)
			r.Note = fmt.Sprintf("%s entry %d", d.Name, i)
			if err := r.Validate(); err != nil {
				return fmt.Errorf("generated invalid record: %w", err)
			}
			if err := d.Store.Put(ctx, r); err != nil {
				return fmt.Errorf("failed to store record on %s: %w", d.Name, err)
			}
			d.owned = append(d.owned, r.ID)
		}
	}
	return nil
}

// RunConcurrentSyncs runs Rounds sync cycles on every device at once and
// returns the cycle latencies.
func (f *Fleet) RunConcurrentSyncs(ctx context.Context) *LatencyStats {
	var (
		mu      sync.Mutex
		results []model.SyncCycleResult
		wg      sync.WaitGroup
	)

	for _, d := range f.Devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			for round := 0; round < f.config.Rounds; round++ {
				if ctx.Err() != nil {
					return
				}
				if len(d.owned) > 0 && d.rng.Float64() < f.config.EditRatio {
					d.edit(ctx, round)
				}
				res := d.Orch.SyncNow(ctx)

				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()

	return statsFor(results)
}

// Settle runs one cycle per device, in order, until a full pass changes
// nothing. It returns the number of passes taken.
func (f *Fleet) Settle(ctx context.Context) (int, error) {
	for pass := 1; pass <= maxSettlePasses; pass++ {
		quiet := true
		for _, d := range f.Devices {
			res := d.Orch.SyncNow(ctx)
			if res.Error != "" {
				return pass, fmt.Errorf("%s: %s", d.Name, res.Error)
			}
			if res.Pushed+res.Pulled+res.Conflicted+res.Failed+res.Deleted > 0 {
				quiet = false
			}
		}
		if quiet {
			return pass, nil
		}
	}
	return maxSettlePasses, fmt.Errorf("fleet still changing after %d passes", maxSettlePasses)
}

// VerifyConvergence compares every device against the first and returns
// the ids that differ.
func (f *Fleet) VerifyConvergence(ctx context.Context) []string {
	want := make(map[string]model.EmotionRecord)
	for _, r := range f.Devices[0].Store.All(ctx) {
		want[r.ID] = r
	}

	divergent := make(map[string]bool)
	for _, d := range f.Devices {
		got := d.Store.All(ctx)
		seen := make(map[string]bool, len(got))
		for _, r := range got {
			seen[r.ID] = true
			w, ok := want[r.ID]
			if !ok || !w.ContentEqual(&r) || r.SyncStatus != model.StatusSynced || r.RemoteVersion != w.RemoteVersion {
				divergent[r.ID] = true
			}
		}
		for id := range want {
			if !seen[id] {
				divergent[id] = true
			}
		}
	}

	ids := make([]string, 0, len(divergent))
	for id := range divergent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TotalRecords is the number of records Populate creates.
func (f *Fleet) TotalRecords() int {
	return len(f.Devices) * f.config.RecordsPerDevice
}

// edit changes one record the device created. Devices only edit their own
// records so concurrent rounds never race on the same content.
func (d *Device) edit(ctx context.Context, round int) {
	id := d.owned[d.rng.Intn(len(d.owned))]
	intensity := roundTo(d.rng.Float64(), 2)
	// A record pruned from the cache is simply not edited.
	_, _ = d.Store.Update(ctx, id, func(r *model.EmotionRecord) bool {
		r.Intensity = intensity
		r.Note = fmt.Sprintf("%s edit in round %d", d.Name, round)
		r.Touch()
		return true
	})
}

func statsFor(results []model.SyncCycleResult) *LatencyStats {
	durations := make([]time.Duration, 0, len(results))
	for _, res := range results {
		durations = append(durations, res.Duration())
	}
	stats := computeLatencyStats(durations)
	for _, res := range results {
		if res.Error != "" || res.Failed > 0 {
			stats.Errors++
		}
		stats.Pushed += res.Pushed
		stats.Pulled += res.Pulled
		stats.Conflicts += res.Conflicted
	}
	return stats
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(sorted)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Cycles:    len(sorted),
		Durations: sorted,
	}
}

// Print writes the statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Sync cycles:     %d (%d with errors)\n", s.Cycles, s.Errors)
	fmt.Fprintf(w, "Records:         %d pushed, %d pulled, %d conflicts\n", s.Pushed, s.Pulled, s.Conflicts)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

func roundTo(v float64, places int) float64 {
	p := 1.0
	for i := 0; i < places; i++ {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}
