package perception

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/internal/density"
	"github.com/arterial/traffic-grid-controller/internal/roadnet"
)

// errMissingCollaborator rejects construction without the required sources.
var errMissingCollaborator = errors.New("perceptor requires world, tracker and registry")

// State is the immutable per-tick world snapshot handed to the decision
// engine. It is constructed fresh on every perceive call and never
// mutated after publication.
type State struct {
	Timestamp         time.Time
	TotalVehicles     int
	Vehicles          []grid.VehicleSnapshot
	SpawnedVehicles   []grid.VehicleSnapshot // first seen this perceive
	RemovedVehicles   []string               // present last perceive, gone now
	VehiclesByType    map[string]int
	RoadDensities     map[string]density.RoadDensityData
	JunctionDensities map[string]density.JunctionDensityData
	AvgWaitSeconds    map[string]float64 // per junction, from waiting vehicles
	CityAvgDensity    float64
	CongestionPoints  []string
	SignalStates      map[string]map[grid.Direction]grid.SignalState
	EmergencyActive   bool
	EmergencyVehicle  string
	EmergencyCorridor []string
	ManualControls    []grid.ManualControl
	ActiveOverrides   []controlplane.ManualOverride
	RecentViolations  []grid.Violation
}

// WorldSource is the read half of the simulator capability.
type WorldSource interface {
	GetVehicles(ctx context.Context) ([]grid.VehicleSnapshot, error)
	GetJunctions(ctx context.Context) ([]grid.JunctionSnapshot, error)
	GetRoads(ctx context.Context) ([]grid.RoadSnapshot, error)
	GetManualControls(ctx context.Context) ([]grid.ManualControl, error)
	GetRecentViolations(ctx context.Context) ([]grid.Violation, error)
}

// EmergencyStatus mirrors the emergency manager's read surface.
type EmergencyStatus interface {
	Active() (controlplane.EmergencySession, bool)
	Corridor() (controlplane.ActiveCorridor, bool)
}

// OverrideSource lists live manual overrides.
type OverrideSource interface {
	GetActive() []controlplane.ManualOverride
}

// Config tunes the perceptor.
type Config struct {
	LatencyTarget time.Duration // observational only, default 50ms
	Now           func() time.Time
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.LatencyTarget <= 0 {
		c.LatencyTarget = 50 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Perceptor assembles a State each tick. Any failing source contributes
// its zero value; a perceive call never aborts the tick.
type Perceptor struct {
	cfg       Config
	world     WorldSource
	tracker   *density.Tracker
	registry  *roadnet.Registry
	emergency EmergencyStatus // optional
	overrides OverrideSource  // optional
	log       *zap.Logger

	mu           sync.RWMutex
	lastVehicles map[string]grid.VehicleSnapshot
}

// NewPerceptor wires a perceptor. World, tracker and registry are
// required; emergency and override sources are optional and read as
// absent when nil.
func NewPerceptor(cfg Config, world WorldSource, tracker *density.Tracker, registry *roadnet.Registry, emergencyStatus EmergencyStatus, overrides OverrideSource) (*Perceptor, error) {
	if world == nil || tracker == nil || registry == nil {
		return nil, errMissingCollaborator
	}
	cfg = cfg.withDefaults()
	return &Perceptor{
		cfg:          cfg,
		world:        world,
		tracker:      tracker,
		registry:     registry,
		emergency:    emergencyStatus,
		overrides:    overrides,
		log:          cfg.Logger,
		lastVehicles: map[string]grid.VehicleSnapshot{},
	}, nil
}

// Perceive reads every source, updates the density tracker and registry
// signal books, and returns the assembled snapshot.
func (p *Perceptor) Perceive(ctx context.Context) State {
	start := p.cfg.Now()
	state := State{
		Timestamp:         start,
		VehiclesByType:    defaultTypeBuckets(),
		RoadDensities:     map[string]density.RoadDensityData{},
		JunctionDensities: map[string]density.JunctionDensityData{},
		AvgWaitSeconds:    map[string]float64{},
		SignalStates:      map[string]map[grid.Direction]grid.SignalState{},
	}

	vehicles, err := p.world.GetVehicles(ctx)
	if err != nil {
		p.log.Warn("perception vehicle read failed", zap.Error(err))
		vehicles = nil
	}
	junctions, err := p.world.GetJunctions(ctx)
	if err != nil {
		p.log.Warn("perception junction read failed", zap.Error(err))
		junctions = nil
	}
	roads, err := p.world.GetRoads(ctx)
	if err != nil {
		p.log.Warn("perception road read failed", zap.Error(err))
		roads = nil
	}

	p.tracker.Update(vehicles, roads, junctions, start)
	p.refreshSignals(junctions, start)
	state.SpawnedVehicles, state.RemovedVehicles = p.storeVehicles(vehicles)

	state.Vehicles = vehicles
	state.TotalVehicles = len(vehicles)
	waitSums := map[string]float64{}
	waitCounts := map[string]int{}
	for _, vehicle := range vehicles {
		state.VehiclesByType[vehicle.Type]++
		if vehicle.CurrentJunction == "" {
			continue
		}
		waitSums[vehicle.CurrentJunction] += vehicle.WaitingSeconds
		waitCounts[vehicle.CurrentJunction]++
	}
	for junctionID, sum := range waitSums {
		state.AvgWaitSeconds[junctionID] = sum / float64(waitCounts[junctionID])
	}

	state.RoadDensities = p.tracker.RoadDensities()
	state.JunctionDensities = p.tracker.JunctionDensities()
	state.CityAvgDensity = p.tracker.CityAverageDensity()
	state.CongestionPoints = p.tracker.CongestionPoints()

	for _, junction := range junctions {
		signals := make(map[grid.Direction]grid.SignalState, len(junction.Signals))
		for direction, signalState := range junction.Signals {
			signals[direction] = signalState
		}
		state.SignalStates[junction.ID] = signals
	}

	p.fillEmergency(&state, vehicles)

	if p.overrides != nil {
		state.ActiveOverrides = p.overrides.GetActive()
	}
	if controls, err := p.world.GetManualControls(ctx); err != nil {
		p.log.Warn("perception manual control read failed", zap.Error(err))
	} else {
		state.ManualControls = controls
	}
	if violations, err := p.world.GetRecentViolations(ctx); err != nil {
		p.log.Warn("perception violation read failed", zap.Error(err))
	} else {
		state.RecentViolations = violations
	}

	if elapsed := p.cfg.Now().Sub(start); elapsed > p.cfg.LatencyTarget {
		p.log.Warn("perception over latency target",
			zap.Duration("elapsed", elapsed),
			zap.Duration("target", p.cfg.LatencyTarget))
	}
	return state
}

// Vehicle returns the most recently perceived snapshot for one vehicle.
// The corridor monitor locates the emergency vehicle through this.
func (p *Perceptor) Vehicle(id string) (grid.VehicleSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snapshot, ok := p.lastVehicles[id]
	return snapshot, ok
}

// fillEmergency prefers the emergency manager's books and falls back to
// flagged vehicles from the simulator when no manager is injected.
func (p *Perceptor) fillEmergency(state *State, vehicles []grid.VehicleSnapshot) {
	if p.emergency != nil {
		session, active := p.emergency.Active()
		if !active {
			return
		}
		state.EmergencyActive = true
		state.EmergencyVehicle = session.VehicleID
		if corridor, ok := p.emergency.Corridor(); ok {
			windowEnd := corridor.CurrentJunctionIndex + corridor.LookaheadJunctions
			if windowEnd > len(corridor.JunctionPath) {
				windowEnd = len(corridor.JunctionPath)
			}
			state.EmergencyCorridor = append([]string(nil), corridor.JunctionPath[corridor.CurrentJunctionIndex:windowEnd]...)
		} else {
			state.EmergencyCorridor = append([]string(nil), session.Route...)
		}
		return
	}

	for _, vehicle := range vehicles {
		if vehicle.IsEmergency {
			state.EmergencyActive = true
			state.EmergencyVehicle = vehicle.ID
			break
		}
	}
}

func (p *Perceptor) refreshSignals(junctions []grid.JunctionSnapshot, now time.Time) {
	for _, junction := range junctions {
		if err := p.registry.RefreshSignals(junction.ID, junction.Signals, now); err != nil {
			p.log.Debug("signal refresh skipped",
				zap.String("junction_id", junction.ID),
				zap.Error(err))
		}
	}
}

// storeVehicles swaps in the fresh snapshot set and reports the diff
// against the previous perceive: vehicles seen for the first time and
// ids that vanished since.
func (p *Perceptor) storeVehicles(vehicles []grid.VehicleSnapshot) (spawned []grid.VehicleSnapshot, removed []string) {
	next := make(map[string]grid.VehicleSnapshot, len(vehicles))
	for _, vehicle := range vehicles {
		next[vehicle.ID] = vehicle
	}
	p.mu.Lock()
	previous := p.lastVehicles
	p.lastVehicles = next
	p.mu.Unlock()

	for _, vehicle := range vehicles {
		if _, ok := previous[vehicle.ID]; !ok {
			spawned = append(spawned, vehicle)
		}
	}
	for id := range previous {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return spawned, removed
}

// SortedJunctionIDs returns the junction ids of a state's signal map in
// sorted order, the ordering the observation encoder relies on.
func (s State) SortedJunctionIDs() []string {
	ids := make([]string, 0, len(s.SignalStates))
	for id := range s.SignalStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func defaultTypeBuckets() map[string]int {
	return map[string]int{
		"car":       0,
		"bus":       0,
		"truck":     0,
		"ambulance": 0,
	}
}
