package roadnet

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arterial/traffic-grid-controller/api/grid"
)

var (
	// ErrJunctionNotFound is returned for lookups against unknown junctions.
	ErrJunctionNotFound = errors.New("junction not found")
	// ErrRoadNotFound is returned for lookups against unknown roads.
	ErrRoadNotFound = errors.New("road not found")
)

// JunctionState is a copy of one junction's live signal state. Mutation
// happens only through Registry methods under the junction's own lock;
// callers always receive detached copies.
type JunctionState struct {
	ID             string
	Position       grid.Position
	Signals        map[grid.Direction]grid.SignalState
	ConnectedRoads map[grid.Direction]string
	Mode           grid.JunctionMode
	LastChange     map[grid.Direction]time.Time
	CurrentGreen   grid.Direction // "" when no direction is GREEN
	GreenSince     time.Time
}

// Snapshot converts the state to its wire form.
func (j JunctionState) Snapshot() grid.JunctionSnapshot {
	signals := make(map[grid.Direction]grid.SignalState, len(j.Signals))
	for direction, state := range j.Signals {
		signals[direction] = state
	}
	roads := make(map[grid.Direction]string, len(j.ConnectedRoads))
	for direction, roadID := range j.ConnectedRoads {
		roads[direction] = roadID
	}
	return grid.JunctionSnapshot{
		ID:             j.ID,
		Position:       j.Position,
		Signals:        signals,
		ConnectedRoads: roads,
		Mode:           j.Mode,
	}
}

type junctionEntry struct {
	mu    sync.Mutex
	state JunctionState
}

// Registry holds the identity-keyed road network. Junction and road
// entities never reference each other by pointer: cross-entity
// navigation is explicit ID lookup.
type Registry struct {
	mu          sync.RWMutex
	junctions   map[string]*junctionEntry
	junctionIDs []string
	roads       map[string]grid.RoadSnapshot
	roadBetween map[endpointKey]string
}

type endpointKey struct {
	from string
	to   string
}

// NewRegistry returns an empty registry; call Init before use.
func NewRegistry() *Registry {
	return &Registry{
		junctions:   make(map[string]*junctionEntry),
		roads:       make(map[string]grid.RoadSnapshot),
		roadBetween: make(map[endpointKey]string),
	}
}

// Init (re)builds the registry from network snapshots. Init is idempotent:
// repeated calls with the same inputs produce the same registry. Signals
// default to all-RED when the snapshot carries none.
func (r *Registry) Init(junctions []grid.JunctionSnapshot, roads []grid.RoadSnapshot) error {
	nextJunctions := make(map[string]*junctionEntry, len(junctions))
	ids := make([]string, 0, len(junctions))
	for _, snapshot := range junctions {
		if err := snapshot.Validate(); err != nil {
			return fmt.Errorf("init junction: %w", err)
		}
		if _, dup := nextJunctions[snapshot.ID]; dup {
			return fmt.Errorf("duplicate junction id: %s", snapshot.ID)
		}
		state := JunctionState{
			ID:             snapshot.ID,
			Position:       snapshot.Position,
			Signals:        make(map[grid.Direction]grid.SignalState, 4),
			ConnectedRoads: make(map[grid.Direction]string, len(snapshot.ConnectedRoads)),
			Mode:           snapshot.Mode,
			LastChange:     make(map[grid.Direction]time.Time, 4),
		}
		if state.Mode == "" {
			state.Mode = grid.JunctionModeNormal
		}
		for _, direction := range grid.Directions() {
			if s, ok := snapshot.Signals[direction]; ok {
				state.Signals[direction] = s
				if s == grid.SignalGreen {
					state.CurrentGreen = direction
				}
			} else {
				state.Signals[direction] = grid.SignalRed
			}
		}
		for direction, roadID := range snapshot.ConnectedRoads {
			state.ConnectedRoads[direction] = roadID
		}
		nextJunctions[snapshot.ID] = &junctionEntry{state: state}
		ids = append(ids, snapshot.ID)
	}
	sort.Strings(ids)

	nextRoads := make(map[string]grid.RoadSnapshot, len(roads))
	nextBetween := make(map[endpointKey]string, len(roads))
	for _, road := range roads {
		if err := road.Validate(); err != nil {
			return fmt.Errorf("init road: %w", err)
		}
		if _, dup := nextRoads[road.ID]; dup {
			return fmt.Errorf("duplicate road id: %s", road.ID)
		}
		nextRoads[road.ID] = road
		nextBetween[endpointKey{from: road.StartJunction, to: road.EndJunction}] = road.ID
		if !road.OneWay {
			key := endpointKey{from: road.EndJunction, to: road.StartJunction}
			if _, taken := nextBetween[key]; !taken {
				nextBetween[key] = road.ID
			}
		}
	}

	r.mu.Lock()
	r.junctions = nextJunctions
	r.junctionIDs = ids
	r.roads = nextRoads
	r.roadBetween = nextBetween
	r.mu.Unlock()
	return nil
}

// JunctionIDs returns all junction ids in sorted order.
func (r *Registry) JunctionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.junctionIDs))
	copy(out, r.junctionIDs)
	return out
}

// Junction returns a copy of one junction's state.
func (r *Registry) Junction(id string) (JunctionState, error) {
	entry, err := r.entry(id)
	if err != nil {
		return JunctionState{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return copyState(entry.state), nil
}

// Junctions returns copies of every junction's state in sorted-id order.
func (r *Registry) Junctions() []JunctionState {
	ids := r.JunctionIDs()
	out := make([]JunctionState, 0, len(ids))
	for _, id := range ids {
		state, err := r.Junction(id)
		if err != nil {
			continue
		}
		out = append(out, state)
	}
	return out
}

// Road returns one road snapshot.
func (r *Registry) Road(id string) (grid.RoadSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	road, ok := r.roads[id]
	if !ok {
		return grid.RoadSnapshot{}, fmt.Errorf("%w: %s", ErrRoadNotFound, id)
	}
	return road, nil
}

// Roads returns every road snapshot in sorted-id order.
func (r *Registry) Roads() []grid.RoadSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.roads))
	for id := range r.roads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]grid.RoadSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.roads[id])
	}
	return out
}

// RoadBetween resolves the road connecting two adjacent junctions in
// travel order.
func (r *Registry) RoadBetween(fromJunction, toJunction string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roadID, ok := r.roadBetween[endpointKey{from: fromJunction, to: toJunction}]
	if !ok {
		return "", fmt.Errorf("%w: between %s and %s", ErrRoadNotFound, fromJunction, toJunction)
	}
	return roadID, nil
}

// ApplySignal records one signal-head change and its change timestamp.
func (r *Registry) ApplySignal(id string, direction grid.Direction, state grid.SignalState, now time.Time) error {
	if err := direction.Validate(); err != nil {
		return err
	}
	if err := state.Validate(); err != nil {
		return err
	}
	entry, err := r.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	applySignalLocked(&entry.state, direction, state, now)
	return nil
}

// ApplySignals records a whole-junction signal layout under one lock
// acquisition. Used by the corridor activation and the fail-safe hook.
func (r *Registry) ApplySignals(id string, states map[grid.Direction]grid.SignalState, now time.Time) error {
	entry, err := r.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for _, direction := range grid.Directions() {
		state, ok := states[direction]
		if !ok {
			continue
		}
		applySignalLocked(&entry.state, direction, state, now)
	}
	return nil
}

// RefreshSignals reconciles the registry with an externally observed
// signal layout. Only heads whose state actually differs get a new
// change timestamp, so perception refreshes never reset timing guards.
func (r *Registry) RefreshSignals(id string, observed map[grid.Direction]grid.SignalState, now time.Time) error {
	entry, err := r.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for _, direction := range grid.Directions() {
		state, ok := observed[direction]
		if !ok || entry.state.Signals[direction] == state {
			continue
		}
		applySignalLocked(&entry.state, direction, state, now)
	}
	return nil
}

// GreenSince reports the junction's current GREEN head and when it turned.
// Returns false for unknown junctions or junctions with no GREEN head.
func (r *Registry) GreenSince(id string) (grid.Direction, time.Time, bool) {
	entry, err := r.entry(id)
	if err != nil {
		return "", time.Time{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state.CurrentGreen == "" {
		return "", time.Time{}, false
	}
	return entry.state.CurrentGreen, entry.state.GreenSince, true
}

// SetMode marks who commands the junction.
func (r *Registry) SetMode(id string, mode grid.JunctionMode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	entry, err := r.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.state.Mode = mode
	return nil
}

func (r *Registry) entry(id string) (*junctionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.junctions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJunctionNotFound, id)
	}
	return entry, nil
}

func applySignalLocked(state *JunctionState, direction grid.Direction, next grid.SignalState, now time.Time) {
	previous := state.Signals[direction]
	if previous == next {
		return
	}
	state.Signals[direction] = next
	state.LastChange[direction] = now
	switch {
	case next == grid.SignalGreen:
		state.CurrentGreen = direction
		state.GreenSince = now
	case state.CurrentGreen == direction:
		state.CurrentGreen = ""
	}
}

func copyState(state JunctionState) JunctionState {
	out := state
	out.Signals = make(map[grid.Direction]grid.SignalState, len(state.Signals))
	for direction, s := range state.Signals {
		out.Signals[direction] = s
	}
	out.ConnectedRoads = make(map[grid.Direction]string, len(state.ConnectedRoads))
	for direction, roadID := range state.ConnectedRoads {
		out.ConnectedRoads[direction] = roadID
	}
	out.LastChange = make(map[grid.Direction]time.Time, len(state.LastChange))
	for direction, at := range state.LastChange {
		out.LastChange[direction] = at
	}
	return out
}
