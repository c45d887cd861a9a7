package incident

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arterial/traffic-grid-controller/api/events"
	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/internal/density"
	"github.com/arterial/traffic-grid-controller/internal/mode"
)

// ModeController is the slice of the mode manager the detector drives.
type ModeController interface {
	Current() mode.Snapshot
	Transition(to grid.SystemMode, reason string) (mode.Transition, error)
}

// Emitter publishes incident events.
type Emitter interface {
	Emit(name events.Name, severity events.Severity, attributes map[string]string, payload any)
}

// Config tunes the detector.
type Config struct {
	// HighScore is the saturation threshold on the 0..100 density score.
	HighScore float64 // default 70
	// Window is how long a saturated road must show zero net flow before
	// it counts as an incident.
	Window time.Duration // default 60s
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.HighScore <= 0 {
		c.HighScore = 70
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Stats captures detector counters.
type Stats struct {
	Detected uint64
	Cleared  uint64
	Denied   uint64
}

type roadWatch struct {
	since     time.Time
	lastCount int
	stalled   bool
}

// Detector infers incidents from density snapshots: a saturated road whose
// vehicle count does not change across the window is treated as blocked.
// Detection drives NORMAL to INCIDENT through the mode table; a denied
// transition (EMERGENCY outranks incidents) keeps the candidate armed for
// the next observation.
type Detector struct {
	cfg   Config
	modes ModeController
	bus   Emitter
	log   *zap.Logger

	mu       sync.Mutex
	watches  map[string]*roadWatch
	declared bool

	detected atomic.Uint64
	cleared  atomic.Uint64
	denied   atomic.Uint64
}

// NewDetector wires a detector. Bus is optional.
func NewDetector(cfg Config, modes ModeController, bus Emitter) (*Detector, error) {
	if modes == nil {
		return nil, fmt.Errorf("detector requires a mode controller")
	}
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:     cfg,
		modes:   modes,
		bus:     bus,
		log:     cfg.Logger,
		watches: make(map[string]*roadWatch),
	}, nil
}

// Observe feeds one density snapshot. The caller runs it once per tick.
func (d *Detector) Observe(roads map[string]density.RoadDensityData, now time.Time) {
	stalled := d.updateWatches(roads, now)

	if len(stalled) > 0 {
		d.declare(stalled)
		return
	}
	d.clear()
}

// updateWatches advances per-road bookkeeping and returns the roads whose
// saturation has outlasted the window with zero net flow, in sorted order.
func (d *Detector) updateWatches(roads map[string]density.RoadDensityData, now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	stalled := make([]string, 0, 2)
	seen := make(map[string]struct{}, len(roads))
	for id, road := range roads {
		saturated := road.DensityScore >= d.cfg.HighScore && road.VehicleCount > 0
		if !saturated {
			delete(d.watches, id)
			continue
		}
		seen[id] = struct{}{}
		watch, ok := d.watches[id]
		if !ok || watch.lastCount != road.VehicleCount {
			d.watches[id] = &roadWatch{since: now, lastCount: road.VehicleCount}
			continue
		}
		if now.Sub(watch.since) >= d.cfg.Window {
			watch.stalled = true
			stalled = append(stalled, id)
		}
	}
	for id := range d.watches {
		if _, ok := seen[id]; !ok {
			delete(d.watches, id)
		}
	}
	sort.Strings(stalled)
	return stalled
}

func (d *Detector) declare(stalled []string) {
	d.mu.Lock()
	alreadyDeclared := d.declared
	d.mu.Unlock()
	if alreadyDeclared {
		return
	}

	reason := fmt.Sprintf("stalled saturated roads: %v", stalled)
	if _, err := d.modes.Transition(grid.SystemModeIncident, reason); err != nil {
		d.denied.Add(1)
		d.log.Debug("incident transition denied", zap.Strings("roads", stalled), zap.Error(err))
		return
	}

	d.mu.Lock()
	d.declared = true
	d.mu.Unlock()
	d.detected.Add(1)
	d.log.Warn("incident detected", zap.Strings("roads", stalled))
	if d.bus != nil {
		for _, id := range stalled {
			d.bus.Emit(events.IncidentDetected, events.SeverityWarning, map[string]string{
				"road_id": id,
				"reason":  reason,
			}, nil)
		}
	}
}

func (d *Detector) clear() {
	d.mu.Lock()
	wasDeclared := d.declared
	d.mu.Unlock()
	if !wasDeclared {
		return
	}
	if d.modes.Current().Mode != grid.SystemModeIncident {
		// Someone else moved the system on; stop tracking the declaration.
		d.mu.Lock()
		d.declared = false
		d.mu.Unlock()
		return
	}
	if _, err := d.modes.Transition(grid.SystemModeNormal, "incident cleared: flow resumed"); err != nil {
		d.denied.Add(1)
		d.log.Debug("incident clear denied", zap.Error(err))
		return
	}

	d.mu.Lock()
	d.declared = false
	d.mu.Unlock()
	d.cleared.Add(1)
	d.log.Info("incident cleared")
	if d.bus != nil {
		d.bus.Emit(events.IncidentCleared, events.SeverityInfo, nil, nil)
	}
}

// Stats returns detector counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Detected: d.detected.Load(),
		Cleared:  d.cleared.Load(),
		Denied:   d.denied.Load(),
	}
}
