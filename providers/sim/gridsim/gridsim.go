// Package gridsim is a deterministic in-memory simulator: a rectangular
// grid of junctions joined by directed roads, with scripted vehicles that
// advance one junction per step when their approach shows GREEN. It backs
// the local runner and the scenario tests; it is not a physics model.
package gridsim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/providers/sim/contracts"
)

// Config shapes the grid.
type Config struct {
	Rows          int     // default 3
	Cols          int     // default 3
	SpacingMeters float64 // junction spacing, default 300
	Lanes         int     // lanes per road, default 2
	StepSeconds   float64 // waiting-time increment per blocked step, default 1
	GateOnSignals bool    // vehicles wait on RED approaches, default true
}

func (c Config) withDefaults() Config {
	if c.Rows <= 0 {
		c.Rows = 3
	}
	if c.Cols <= 0 {
		c.Cols = 3
	}
	if c.SpacingMeters <= 0 {
		c.SpacingMeters = 300
	}
	if c.Lanes <= 0 {
		c.Lanes = 2
	}
	if c.StepSeconds <= 0 {
		c.StepSeconds = 1
	}
	return c
}

// VehicleSpec scripts one vehicle. Path is the junction sequence it
// follows; the vehicle spawns at Path[0].
type VehicleSpec struct {
	ID          string
	Plate       string
	Type        string
	IsEmergency bool
	Path        []string
}

type vehicleState struct {
	spec      VehicleSpec
	pathIndex int
	waiting   float64
	spawnedAt time.Time
}

// World is the in-memory grid. All methods are safe for concurrent use.
type World struct {
	cfg Config

	mu         sync.Mutex
	junctions  map[string]*grid.JunctionSnapshot
	roads      map[string]grid.RoadSnapshot
	roadByLeg  map[[2]string]string
	vehicles   map[string]*vehicleState
	order      []string // vehicle ids in spawn order
	controls   []grid.ManualControl
	violations []grid.Violation
	steps      int
}

var _ contracts.Simulator = (*World)(nil)

// New builds a Rows×Cols grid. Junction J-(r·cols+c) sits at
// (c·spacing, r·spacing); every adjacent pair is joined by two one-way
// roads R-<from>-<to>. All signals start RED.
func New(cfg Config) *World {
	cfg = cfg.withDefaults()
	w := &World{
		cfg:       cfg,
		junctions: map[string]*grid.JunctionSnapshot{},
		roads:     map[string]grid.RoadSnapshot{},
		roadByLeg: map[[2]string]string{},
		vehicles:  map[string]*vehicleState{},
	}

	for r := 0; r < cfg.Rows; r++ {
		for c := 0; c < cfg.Cols; c++ {
			id := junctionID(r, c, cfg.Cols)
			signals := map[grid.Direction]grid.SignalState{}
			for _, direction := range grid.Directions() {
				signals[direction] = grid.SignalRed
			}
			w.junctions[id] = &grid.JunctionSnapshot{
				ID:             id,
				Position:       grid.Position{X: float64(c) * cfg.SpacingMeters, Y: float64(r) * cfg.SpacingMeters},
				Signals:        signals,
				ConnectedRoads: map[grid.Direction]string{},
				Mode:           grid.JunctionModeNormal,
			}
		}
	}

	for r := 0; r < cfg.Rows; r++ {
		for c := 0; c < cfg.Cols; c++ {
			from := junctionID(r, c, cfg.Cols)
			if c+1 < cfg.Cols {
				w.link(from, junctionID(r, c+1, cfg.Cols))
			}
			if r+1 < cfg.Rows {
				w.link(from, junctionID(r+1, c, cfg.Cols))
			}
		}
	}
	return w
}

// link joins two adjacent junctions with one road in each direction and
// registers each road on its destination's approach slot.
func (w *World) link(a, b string) {
	for _, leg := range [][2]string{{a, b}, {b, a}} {
		from, to := leg[0], leg[1]
		id := fmt.Sprintf("R-%s-%s", from, to)
		w.roads[id] = grid.RoadSnapshot{
			ID:            id,
			StartJunction: from,
			EndJunction:   to,
			LengthMeters:  w.cfg.SpacingMeters,
			Lanes:         w.cfg.Lanes,
			OneWay:        true,
		}
		w.roadByLeg[leg] = id

		// An eastbound road arrives on its destination's west approach.
		approach := opposite(travelDirection(w.junctions[from].Position, w.junctions[to].Position))
		w.junctions[to].ConnectedRoads[approach] = id
	}
}

// AddVehicle spawns a scripted vehicle at the head of its path.
func (w *World) AddVehicle(spec VehicleSpec, now time.Time) error {
	if spec.ID == "" {
		return fmt.Errorf("vehicle id is required")
	}
	if len(spec.Path) == 0 {
		return fmt.Errorf("vehicle %s requires a non-empty path", spec.ID)
	}
	if spec.Type == "" {
		spec.Type = "car"
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, junctionID := range spec.Path {
		if _, ok := w.junctions[junctionID]; !ok {
			return fmt.Errorf("%w: %s", contracts.ErrUnknownJunction, junctionID)
		}
	}
	if _, dup := w.vehicles[spec.ID]; dup {
		return fmt.Errorf("vehicle %s already exists", spec.ID)
	}
	w.vehicles[spec.ID] = &vehicleState{spec: spec, spawnedAt: now}
	w.order = append(w.order, spec.ID)
	return nil
}

// RemoveVehicle drops a vehicle from the world.
func (w *World) RemoveVehicle(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.vehicles, id)
	for i, existing := range w.order {
		if existing == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// Step advances every vehicle one junction along its path. A vehicle
// whose approach shows RED waits instead, accruing waiting time;
// emergency vehicles ignore signals.
func (w *World) Step() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.steps++

	for _, id := range w.order {
		vehicle := w.vehicles[id]
		if vehicle == nil || vehicle.pathIndex+1 >= len(vehicle.spec.Path) {
			continue
		}
		here := vehicle.spec.Path[vehicle.pathIndex]
		next := vehicle.spec.Path[vehicle.pathIndex+1]

		if w.cfg.GateOnSignals && !vehicle.spec.IsEmergency {
			heading := travelDirection(w.junctions[here].Position, w.junctions[next].Position)
			if w.junctions[here].Signals[heading] != grid.SignalGreen {
				vehicle.waiting += w.cfg.StepSeconds
				continue
			}
		}
		vehicle.pathIndex++
		vehicle.waiting = 0
	}
}

// Steps reports how many times the world has advanced.
func (w *World) Steps() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.steps
}

// SetManualControls replaces the operator control feed.
func (w *World) SetManualControls(controls []grid.ManualControl) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.controls = append([]grid.ManualControl(nil), controls...)
}

// RecordViolation appends to the recent-violations feed.
func (w *World) RecordViolation(violation grid.Violation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.violations = append(w.violations, violation)
}

// GetVehicles implements the world-read capability.
func (w *World) GetVehicles(context.Context) ([]grid.VehicleSnapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]grid.VehicleSnapshot, 0, len(w.order))
	for _, id := range w.order {
		vehicle := w.vehicles[id]
		if vehicle == nil {
			continue
		}
		here := vehicle.spec.Path[vehicle.pathIndex]
		snapshot := grid.VehicleSnapshot{
			ID:              id,
			Plate:           vehicle.spec.Plate,
			Type:            vehicle.spec.Type,
			Position:        w.junctions[here].Position,
			CurrentJunction: here,
			Destination:     vehicle.spec.Path[len(vehicle.spec.Path)-1],
			Path:            append([]string(nil), vehicle.spec.Path...),
			PathIndex:       vehicle.pathIndex,
			IsEmergency:     vehicle.spec.IsEmergency,
			WaitingSeconds:  vehicle.waiting,
			SpawnedAtMS:     vehicle.spawnedAt.UnixMilli(),
		}
		if vehicle.pathIndex > 0 {
			prev := vehicle.spec.Path[vehicle.pathIndex-1]
			snapshot.CurrentRoad = w.roadByLeg[[2]string{prev, here}]
		} else if vehicle.pathIndex+1 < len(vehicle.spec.Path) {
			// Waiting at spawn: occupy the outbound leg so density sees it.
			snapshot.CurrentRoad = w.roadByLeg[[2]string{here, vehicle.spec.Path[vehicle.pathIndex+1]}]
		}
		out = append(out, snapshot)
	}
	return out, nil
}

// GetJunctions implements the world-read capability.
func (w *World) GetJunctions(context.Context) ([]grid.JunctionSnapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]grid.JunctionSnapshot, 0, len(w.junctions))
	for r := 0; r < w.cfg.Rows; r++ {
		for c := 0; c < w.cfg.Cols; c++ {
			out = append(out, copyJunction(*w.junctions[junctionID(r, c, w.cfg.Cols)]))
		}
	}
	return out, nil
}

// GetRoads implements the world-read capability.
func (w *World) GetRoads(context.Context) ([]grid.RoadSnapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]grid.RoadSnapshot, 0, len(w.roads))
	for _, road := range w.roads {
		out = append(out, road)
	}
	return out, nil
}

// GetManualControls implements the world-read capability.
func (w *World) GetManualControls(context.Context) ([]grid.ManualControl, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]grid.ManualControl(nil), w.controls...), nil
}

// GetRecentViolations implements the world-read capability.
func (w *World) GetRecentViolations(context.Context) ([]grid.Violation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]grid.Violation(nil), w.violations...), nil
}

// SetSignalGreen turns one head GREEN and every other head at the
// junction RED, the way a signal cabinet interlocks a phase grant.
func (w *World) SetSignalGreen(_ context.Context, junctionID string, direction grid.Direction, _ time.Duration) error {
	if err := direction.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	junction, ok := w.junctions[junctionID]
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrUnknownJunction, junctionID)
	}
	for _, other := range grid.Directions() {
		junction.Signals[other] = grid.SignalRed
	}
	junction.Signals[direction] = grid.SignalGreen
	return nil
}

// SetSignalRed turns one head RED.
func (w *World) SetSignalRed(_ context.Context, junctionID string, direction grid.Direction) error {
	if err := direction.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	junction, ok := w.junctions[junctionID]
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrUnknownJunction, junctionID)
	}
	junction.Signals[direction] = grid.SignalRed
	return nil
}

// Junction returns a copy of one junction's current state.
func (w *World) Junction(id string) (grid.JunctionSnapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	junction, ok := w.junctions[id]
	if !ok {
		return grid.JunctionSnapshot{}, false
	}
	return copyJunction(*junction), true
}

// VehiclePosition reports where a vehicle currently is.
func (w *World) VehiclePosition(id string) (grid.Position, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	vehicle, ok := w.vehicles[id]
	if !ok {
		return grid.Position{}, false
	}
	return w.junctions[vehicle.spec.Path[vehicle.pathIndex]].Position, true
}

func junctionID(row, col, cols int) string {
	return fmt.Sprintf("J-%d", row*cols+col)
}

// travelDirection maps a displacement to the dominant compass axis; y
// grows southward.
func travelDirection(from, to grid.Position) grid.Direction {
	dx := to.X - from.X
	dy := to.Y - from.Y
	if abs(dx) > abs(dy) {
		if dx > 0 {
			return grid.DirectionEast
		}
		return grid.DirectionWest
	}
	if dy > 0 {
		return grid.DirectionSouth
	}
	return grid.DirectionNorth
}

func opposite(d grid.Direction) grid.Direction {
	switch d {
	case grid.DirectionNorth:
		return grid.DirectionSouth
	case grid.DirectionSouth:
		return grid.DirectionNorth
	case grid.DirectionEast:
		return grid.DirectionWest
	default:
		return grid.DirectionEast
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func copyJunction(junction grid.JunctionSnapshot) grid.JunctionSnapshot {
	signals := make(map[grid.Direction]grid.SignalState, len(junction.Signals))
	for direction, state := range junction.Signals {
		signals[direction] = state
	}
	connected := make(map[grid.Direction]string, len(junction.ConnectedRoads))
	for direction, roadID := range junction.ConnectedRoads {
		connected[direction] = roadID
	}
	junction.Signals = signals
	junction.ConnectedRoads = connected
	return junction
}
