package density

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arterial/traffic-grid-controller/api/grid"
)

// Thresholds controls how occupancy maps to a congestion class. The
// vehicle-count bands are the default; score bands apply when
// ClassifyByScore is set.
type Thresholds struct {
	LowVehicles     int
	MediumVehicles  int
	LowScore        float64
	MediumScore     float64
	ClassifyByScore bool
}

func (t Thresholds) withDefaults() Thresholds {
	if t.LowVehicles <= 0 {
		t.LowVehicles = 5
	}
	if t.MediumVehicles <= 0 {
		t.MediumVehicles = 12
	}
	if t.LowScore <= 0 {
		t.LowScore = 40
	}
	if t.MediumScore <= 0 {
		t.MediumScore = 70
	}
	return t
}

func (t Thresholds) classify(vehicleCount int, score float64) grid.CongestionLevel {
	if t.ClassifyByScore {
		switch {
		case score < t.LowScore:
			return grid.CongestionLow
		case score < t.MediumScore:
			return grid.CongestionMedium
		default:
			return grid.CongestionHigh
		}
	}
	switch {
	case vehicleCount < t.LowVehicles:
		return grid.CongestionLow
	case vehicleCount < t.MediumVehicles:
		return grid.CongestionMedium
	default:
		return grid.CongestionHigh
	}
}

// Config tunes the tracker.
type Config struct {
	UpdateInterval    time.Duration // full-rebuild throttle, default 1s
	HistoryRetention  time.Duration // default 600s
	HistoryMaxPerRoad int           // default 1000
	Thresholds        Thresholds
}

func (c Config) withDefaults() Config {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = time.Second
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 600 * time.Second
	}
	if c.HistoryMaxPerRoad <= 0 {
		c.HistoryMaxPerRoad = 1000
	}
	c.Thresholds = c.Thresholds.withDefaults()
	return c
}

// RoadDensityData is a detached copy of one road's occupancy state.
type RoadDensityData struct {
	RoadID         string
	VehicleCount   int
	Vehicles       []string // sorted vehicle ids
	Capacity       float64
	DensityScore   float64 // 0..100
	Classification grid.CongestionLevel
	UpdatedAt      time.Time
}

// JunctionDensityData aggregates the four direction slots of a junction.
type JunctionDensityData struct {
	JunctionID         string
	DirectionalDensity map[grid.Direction]float64
	AvgDensity         float64
	MaxDensity         float64
	TotalVehicles      int
	CongestionLevel    grid.CongestionLevel
	UpdatedAt          time.Time
}

// Snapshot is one bounded-history record for a road.
type Snapshot struct {
	Timestamp      time.Time
	RoadID         string
	VehicleCount   int
	DensityScore   float64
	Classification grid.CongestionLevel
}

// Stats captures tracker counters.
type Stats struct {
	Updates          uint64
	Throttled        uint64
	DroppedVehicles  uint64
	HistoryEvictions uint64
}

type roadState struct {
	meta     grid.RoadSnapshot
	capacity float64
	vehicles map[string]struct{}
	score    float64
	class    grid.CongestionLevel
	updated  time.Time
}

type junctionMeta struct {
	id             string
	connectedRoads map[grid.Direction]string
}

// Tracker maintains O(1) per-road and per-junction occupancy with bounded
// per-road history. Update is the single writer; readers receive detached
// copies under a read lock.
type Tracker struct {
	cfg Config

	mu         sync.RWMutex
	roads      map[string]*roadState
	meta       map[string]junctionMeta
	junctions  map[string]JunctionDensityData
	history    map[string][]Snapshot
	lastUpdate time.Time

	updates          atomic.Uint64
	throttled        atomic.Uint64
	droppedVehicles  atomic.Uint64
	historyEvictions atomic.Uint64
}

// NewTracker constructs an empty tracker.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:       cfg.withDefaults(),
		roads:     make(map[string]*roadState),
		meta:      make(map[string]junctionMeta),
		junctions: make(map[string]JunctionDensityData),
		history:   make(map[string][]Snapshot),
	}
}

// InitRoads sizes the road maps. Re-initializing an existing road keeps
// its vehicle set, so InitRoads is idempotent.
func (t *Tracker) InitRoads(roads []grid.RoadSnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, road := range roads {
		if err := road.Validate(); err != nil {
			return fmt.Errorf("init road: %w", err)
		}
		t.upsertRoadLocked(road)
	}
	return nil
}

// InitJunctions sizes the junction maps.
func (t *Tracker) InitJunctions(junctions []grid.JunctionSnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, junction := range junctions {
		if err := junction.Validate(); err != nil {
			return fmt.Errorf("init junction: %w", err)
		}
		t.upsertJunctionLocked(junction)
	}
	return nil
}

// AddVehicleToRoad records a vehicle on a road and rescores that road
// inline. Adding an already-present vehicle or an unknown road is a no-op.
func (t *Tracker) AddVehicleToRoad(vehicleID, roadID string) {
	if vehicleID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	road, ok := t.roads[roadID]
	if !ok {
		t.droppedVehicles.Add(1)
		return
	}
	if _, present := road.vehicles[vehicleID]; present {
		return
	}
	road.vehicles[vehicleID] = struct{}{}
	t.rescoreLocked(road)
}

// RemoveVehicleFromRoad removes a vehicle and rescores inline. Removing an
// absent vehicle or an unknown road is a no-op.
func (t *Tracker) RemoveVehicleFromRoad(vehicleID, roadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	road, ok := t.roads[roadID]
	if !ok {
		return
	}
	if _, present := road.vehicles[vehicleID]; !present {
		return
	}
	delete(road.vehicles, vehicleID)
	t.rescoreLocked(road)
}

// Update rebuilds occupancy from scratch out of the vehicles' current
// roads, refreshes topology from the optional road/junction lists,
// recomputes every score, aggregates junctions, and appends history.
// Calls inside the update interval are throttled and return false.
// Vehicles on unknown roads are dropped from aggregation, never an error.
func (t *Tracker) Update(vehicles []grid.VehicleSnapshot, roads []grid.RoadSnapshot, junctions []grid.JunctionSnapshot, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.lastUpdate.IsZero() && now.Sub(t.lastUpdate) < t.cfg.UpdateInterval {
		t.throttled.Add(1)
		return false
	}
	t.lastUpdate = now

	for _, road := range roads {
		if road.Validate() != nil {
			continue
		}
		t.upsertRoadLocked(road)
	}
	for _, junction := range junctions {
		if junction.Validate() != nil {
			continue
		}
		t.upsertJunctionLocked(junction)
	}

	for _, road := range t.roads {
		road.vehicles = make(map[string]struct{}, len(road.vehicles))
	}
	for _, vehicle := range vehicles {
		if vehicle.CurrentRoad == "" {
			continue
		}
		road, ok := t.roads[vehicle.CurrentRoad]
		if !ok {
			t.droppedVehicles.Add(1)
			continue
		}
		road.vehicles[vehicle.ID] = struct{}{}
	}

	for _, roadID := range t.sortedRoadIDsLocked() {
		road := t.roads[roadID]
		t.rescoreLocked(road)
		road.updated = now
		t.appendHistoryLocked(roadID, road, now)
	}

	t.aggregateJunctionsLocked(now)
	t.updates.Add(1)
	return true
}

// RoadDensity returns one road's occupancy in O(1).
func (t *Tracker) RoadDensity(roadID string) (RoadDensityData, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	road, ok := t.roads[roadID]
	if !ok {
		return RoadDensityData{}, false
	}
	return t.roadDataLocked(roadID, road), true
}

// JunctionDensity returns one junction's aggregate in O(1).
func (t *Tracker) JunctionDensity(junctionID string) (JunctionDensityData, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	data, ok := t.junctions[junctionID]
	if !ok {
		return JunctionDensityData{}, false
	}
	return copyJunctionData(data), true
}

// RoadDensities returns a detached copy of every road's occupancy.
func (t *Tracker) RoadDensities() map[string]RoadDensityData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]RoadDensityData, len(t.roads))
	for roadID, road := range t.roads {
		out[roadID] = t.roadDataLocked(roadID, road)
	}
	return out
}

// JunctionDensities returns a detached copy of every junction aggregate.
func (t *Tracker) JunctionDensities() map[string]JunctionDensityData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]JunctionDensityData, len(t.junctions))
	for junctionID, data := range t.junctions {
		out[junctionID] = copyJunctionData(data)
	}
	return out
}

// CityAverageDensity is the mean density score across every road.
func (t *Tracker) CityAverageDensity() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.roads) == 0 {
		return 0
	}
	var sum float64
	for _, road := range t.roads {
		sum += road.score
	}
	return sum / float64(len(t.roads))
}

// CongestionPoints returns the ids of roads classified HIGH, sorted.
func (t *Tracker) CongestionPoints() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, 4)
	for roadID, road := range t.roads {
		if road.class == grid.CongestionHigh {
			out = append(out, roadID)
		}
	}
	sort.Strings(out)
	return out
}

// History returns a copy of one road's bounded snapshot history.
func (t *Tracker) History(roadID string) []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := t.history[roadID]
	out := make([]Snapshot, len(entries))
	copy(out, entries)
	return out
}

// Stats returns tracker counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Updates:          t.updates.Load(),
		Throttled:        t.throttled.Load(),
		DroppedVehicles:  t.droppedVehicles.Load(),
		HistoryEvictions: t.historyEvictions.Load(),
	}
}

func (t *Tracker) upsertRoadLocked(road grid.RoadSnapshot) {
	existing, ok := t.roads[road.ID]
	if !ok {
		t.roads[road.ID] = &roadState{
			meta:     road,
			capacity: roadCapacity(road),
			vehicles: make(map[string]struct{}),
			class:    grid.CongestionLow,
		}
		return
	}
	existing.meta = road
	existing.capacity = roadCapacity(road)
}

func (t *Tracker) upsertJunctionLocked(junction grid.JunctionSnapshot) {
	connected := make(map[grid.Direction]string, len(junction.ConnectedRoads))
	for direction, roadID := range junction.ConnectedRoads {
		connected[direction] = roadID
	}
	t.meta[junction.ID] = junctionMeta{id: junction.ID, connectedRoads: connected}
	if _, ok := t.junctions[junction.ID]; !ok {
		t.junctions[junction.ID] = JunctionDensityData{
			JunctionID:         junction.ID,
			DirectionalDensity: map[grid.Direction]float64{},
			CongestionLevel:    grid.CongestionLow,
		}
	}
}

func (t *Tracker) rescoreLocked(road *roadState) {
	count := len(road.vehicles)
	score := 0.0
	if road.capacity > 0 {
		score = 100 * float64(count) / road.capacity
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	road.score = score
	road.class = t.cfg.Thresholds.classify(count, score)
}

func (t *Tracker) appendHistoryLocked(roadID string, road *roadState, now time.Time) {
	entries := append(t.history[roadID], Snapshot{
		Timestamp:      now,
		RoadID:         roadID,
		VehicleCount:   len(road.vehicles),
		DensityScore:   road.score,
		Classification: road.class,
	})

	cutoff := now.Add(-t.cfg.HistoryRetention)
	start := 0
	for start < len(entries) && entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if over := len(entries) - start - t.cfg.HistoryMaxPerRoad; over > 0 {
		start += over
	}
	if start > 0 {
		t.historyEvictions.Add(uint64(start))
		entries = append(entries[:0:0], entries[start:]...)
	}
	t.history[roadID] = entries
}

func (t *Tracker) aggregateJunctionsLocked(now time.Time) {
	for junctionID, meta := range t.meta {
		directional := make(map[grid.Direction]float64, 4)
		var sum, max float64
		totalVehicles := 0
		counted := map[string]struct{}{}
		for _, direction := range grid.Directions() {
			score := 0.0
			if roadID, ok := meta.connectedRoads[direction]; ok {
				if road, known := t.roads[roadID]; known {
					score = road.score
					if _, seen := counted[roadID]; !seen {
						totalVehicles += len(road.vehicles)
						counted[roadID] = struct{}{}
					}
				}
			}
			directional[direction] = score
			sum += score
			if score > max {
				max = score
			}
		}

		level := grid.CongestionLow
		switch {
		case max >= 70:
			level = grid.CongestionHigh
		case max >= 40:
			level = grid.CongestionMedium
		}

		t.junctions[junctionID] = JunctionDensityData{
			JunctionID:         junctionID,
			DirectionalDensity: directional,
			AvgDensity:         sum / 4,
			MaxDensity:         max,
			TotalVehicles:      totalVehicles,
			CongestionLevel:    level,
			UpdatedAt:          now,
		}
	}
}

func (t *Tracker) roadDataLocked(roadID string, road *roadState) RoadDensityData {
	vehicles := make([]string, 0, len(road.vehicles))
	for vehicleID := range road.vehicles {
		vehicles = append(vehicles, vehicleID)
	}
	sort.Strings(vehicles)
	return RoadDensityData{
		RoadID:         roadID,
		VehicleCount:   len(road.vehicles),
		Vehicles:       vehicles,
		Capacity:       road.capacity,
		DensityScore:   road.score,
		Classification: road.class,
		UpdatedAt:      road.updated,
	}
}

func (t *Tracker) sortedRoadIDsLocked() []string {
	ids := make([]string, 0, len(t.roads))
	for roadID := range t.roads {
		ids = append(ids, roadID)
	}
	sort.Strings(ids)
	return ids
}

// roadCapacity derives nominal capacity from geometry: one vehicle per
// 30 meters per lane, floored at 1.
func roadCapacity(road grid.RoadSnapshot) float64 {
	capacity := (road.LengthMeters / 30.0) * float64(road.Lanes)
	if capacity < 1 {
		return 1
	}
	return capacity
}

func copyJunctionData(data JunctionDensityData) JunctionDensityData {
	out := data
	out.DirectionalDensity = make(map[grid.Direction]float64, len(data.DirectionalDensity))
	for direction, score := range data.DirectionalDensity {
		out.DirectionalDensity[direction] = score
	}
	return out
}
