package perception

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/internal/density"
	"github.com/arterial/traffic-grid-controller/internal/roadnet"
)

func testJunctions() []grid.JunctionSnapshot {
	return []grid.JunctionSnapshot{
		{
			ID:       "J-0-0",
			Position: grid.Position{X: 0, Y: 0},
			Signals: map[grid.Direction]grid.SignalState{
				grid.DirectionNorth: grid.SignalGreen,
				grid.DirectionEast:  grid.SignalRed,
				grid.DirectionSouth: grid.SignalRed,
				grid.DirectionWest:  grid.SignalRed,
			},
			Mode: grid.JunctionModeNormal,
		},
		{
			ID:       "J-0-1",
			Position: grid.Position{X: 100, Y: 0},
			Signals: map[grid.Direction]grid.SignalState{
				grid.DirectionNorth: grid.SignalRed,
				grid.DirectionEast:  grid.SignalGreen,
				grid.DirectionSouth: grid.SignalRed,
				grid.DirectionWest:  grid.SignalRed,
			},
			Mode: grid.JunctionModeNormal,
		},
	}
}

func testRoads() []grid.RoadSnapshot {
	return []grid.RoadSnapshot{
		{ID: "R-1", StartJunction: "J-0-0", EndJunction: "J-0-1", LengthMeters: 100, Lanes: 2},
	}
}

func newTestPerceptor(t *testing.T, world WorldSource, emergency EmergencyStatus, overrides OverrideSource) *Perceptor {
	t.Helper()
	registry := roadnet.NewRegistry()
	if err := registry.Init(testJunctions(), testRoads()); err != nil {
		t.Fatalf("registry init failed: %v", err)
	}
	tracker := density.NewTracker(density.Config{})
	perceptor, err := NewPerceptor(Config{Now: func() time.Time { return time.Unix(1000, 0) }},
		world, tracker, registry, emergency, overrides)
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	return perceptor
}

func TestNewPerceptorRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := NewPerceptor(Config{}, nil, density.NewTracker(density.Config{}), roadnet.NewRegistry(), nil, nil); err == nil {
		t.Fatal("expected nil world to be rejected")
	}
	if _, err := NewPerceptor(Config{}, &stubWorld{}, nil, roadnet.NewRegistry(), nil, nil); err == nil {
		t.Fatal("expected nil tracker to be rejected")
	}
}

func TestPerceiveAssemblesState(t *testing.T) {
	t.Parallel()

	world := &stubWorld{
		vehicles: []grid.VehicleSnapshot{
			{ID: "v-1", Type: "car", CurrentRoad: "R-1", CurrentJunction: "J-0-1", WaitingSeconds: 4},
			{ID: "v-2", Type: "car", CurrentRoad: "R-1", CurrentJunction: "J-0-1", WaitingSeconds: 8},
			{ID: "v-3", Type: "bus", CurrentRoad: "R-1"},
		},
		junctions: testJunctions(),
		roads:     testRoads(),
	}
	perceptor := newTestPerceptor(t, world, nil, nil)

	state := perceptor.Perceive(context.Background())

	if state.TotalVehicles != 3 {
		t.Fatalf("expected 3 vehicles, got %d", state.TotalVehicles)
	}
	if state.VehiclesByType["car"] != 2 || state.VehiclesByType["bus"] != 1 {
		t.Fatalf("unexpected type buckets: %v", state.VehiclesByType)
	}
	if state.VehiclesByType["ambulance"] != 0 {
		t.Fatal("expected zeroed ambulance bucket to be present")
	}
	if got := state.AvgWaitSeconds["J-0-1"]; got != 6 {
		t.Fatalf("expected avg wait 6s at J-0-1, got %v", got)
	}
	road, ok := state.RoadDensities["R-1"]
	if !ok {
		t.Fatal("expected density data for R-1")
	}
	if road.VehicleCount != 3 {
		t.Fatalf("expected 3 vehicles on R-1, got %d", road.VehicleCount)
	}
	if state.SignalStates["J-0-0"][grid.DirectionNorth] != grid.SignalGreen {
		t.Fatal("expected perceived green at J-0-0 north")
	}
	if state.EmergencyActive {
		t.Fatal("expected no emergency without flagged vehicles")
	}
	if got := state.SortedJunctionIDs(); len(got) != 2 || got[0] != "J-0-0" || got[1] != "J-0-1" {
		t.Fatalf("unexpected sorted junction ids: %v", got)
	}
}

func TestPerceiveSurvivesFailingSources(t *testing.T) {
	t.Parallel()

	world := &stubWorld{
		vehiclesErr:   fmt.Errorf("sim unreachable"),
		junctionsErr:  fmt.Errorf("sim unreachable"),
		roadsErr:      fmt.Errorf("sim unreachable"),
		controlsErr:   fmt.Errorf("sim unreachable"),
		violationsErr: fmt.Errorf("sim unreachable"),
	}
	perceptor := newTestPerceptor(t, world, nil, nil)

	state := perceptor.Perceive(context.Background())

	if state.TotalVehicles != 0 {
		t.Fatalf("expected empty state, got %d vehicles", state.TotalVehicles)
	}
	if state.RoadDensities == nil || state.SignalStates == nil {
		t.Fatal("expected initialized empty maps on total source failure")
	}
}

func TestPerceiveEmergencyFromManager(t *testing.T) {
	t.Parallel()

	emergency := &stubEmergency{
		session: controlplane.EmergencySession{
			SessionID: "es-1",
			VehicleID: "amb-1",
			Status:    controlplane.SessionActive,
			Route:     []string{"J-0-0", "J-0-1"},
		},
		corridor: controlplane.ActiveCorridor{
			SessionID:            "es-1",
			JunctionPath:         []string{"J-0-0", "J-0-1"},
			CurrentJunctionIndex: 0,
			LookaheadJunctions:   1,
		},
	}
	world := &stubWorld{junctions: testJunctions(), roads: testRoads()}
	perceptor := newTestPerceptor(t, world, emergency, nil)

	state := perceptor.Perceive(context.Background())

	if !state.EmergencyActive {
		t.Fatal("expected active emergency from manager")
	}
	if state.EmergencyVehicle != "amb-1" {
		t.Fatalf("unexpected emergency vehicle: %q", state.EmergencyVehicle)
	}
	// Lookahead of 1 from index 0 exposes only the current junction.
	if len(state.EmergencyCorridor) != 1 || state.EmergencyCorridor[0] != "J-0-0" {
		t.Fatalf("unexpected corridor window: %v", state.EmergencyCorridor)
	}
}

func TestPerceiveEmergencyFromFlaggedVehicle(t *testing.T) {
	t.Parallel()

	world := &stubWorld{
		vehicles:  []grid.VehicleSnapshot{{ID: "amb-9", Type: "ambulance", IsEmergency: true}},
		junctions: testJunctions(),
		roads:     testRoads(),
	}
	perceptor := newTestPerceptor(t, world, nil, nil)

	state := perceptor.Perceive(context.Background())

	if !state.EmergencyActive || state.EmergencyVehicle != "amb-9" {
		t.Fatalf("expected flagged vehicle to mark emergency, got %+v", state)
	}
}

func TestPerceiveDiffsVehicleLifecycle(t *testing.T) {
	t.Parallel()

	world := &stubWorld{
		vehicles: []grid.VehicleSnapshot{
			{ID: "v-1", Type: "car", CurrentRoad: "R-1"},
			{ID: "v-2", Type: "bus", CurrentRoad: "R-1"},
		},
		junctions: testJunctions(),
		roads:     testRoads(),
	}
	perceptor := newTestPerceptor(t, world, nil, nil)

	// Everything is new on the first perceive.
	state := perceptor.Perceive(context.Background())
	if len(state.SpawnedVehicles) != 2 || len(state.RemovedVehicles) != 0 {
		t.Fatalf("first perceive: spawned %d removed %v", len(state.SpawnedVehicles), state.RemovedVehicles)
	}

	world.vehicles = []grid.VehicleSnapshot{
		{ID: "v-2", Type: "bus", CurrentRoad: "R-1"},
		{ID: "v-9", Type: "car", CurrentRoad: "R-1"},
	}
	state = perceptor.Perceive(context.Background())
	if len(state.SpawnedVehicles) != 1 || state.SpawnedVehicles[0].ID != "v-9" {
		t.Fatalf("expected only v-9 spawned, got %+v", state.SpawnedVehicles)
	}
	if len(state.RemovedVehicles) != 1 || state.RemovedVehicles[0] != "v-1" {
		t.Fatalf("expected only v-1 removed, got %v", state.RemovedVehicles)
	}
	if len(state.Vehicles) != 2 {
		t.Fatalf("expected the full snapshot set, got %+v", state.Vehicles)
	}

	// A steady world diffs to nothing.
	state = perceptor.Perceive(context.Background())
	if len(state.SpawnedVehicles) != 0 || len(state.RemovedVehicles) != 0 {
		t.Fatalf("steady perceive: spawned %+v removed %v", state.SpawnedVehicles, state.RemovedVehicles)
	}
}

func TestVehicleLookupAfterPerceive(t *testing.T) {
	t.Parallel()

	world := &stubWorld{
		vehicles:  []grid.VehicleSnapshot{{ID: "v-7", CurrentRoad: "R-1", Speed: 12}},
		junctions: testJunctions(),
		roads:     testRoads(),
	}
	perceptor := newTestPerceptor(t, world, nil, nil)

	if _, ok := perceptor.Vehicle("v-7"); ok {
		t.Fatal("expected no snapshot before first perceive")
	}
	perceptor.Perceive(context.Background())
	snapshot, ok := perceptor.Vehicle("v-7")
	if !ok || snapshot.Speed != 12 {
		t.Fatalf("expected stored snapshot, got %+v ok=%v", snapshot, ok)
	}
}

func TestPerceiveCollectsOverrides(t *testing.T) {
	t.Parallel()

	overrides := &stubOverrides{active: []controlplane.ManualOverride{
		{OverrideID: "ov-1", Type: controlplane.OverrideJunctionSignal, OperatorID: "op-1"},
	}}
	world := &stubWorld{junctions: testJunctions(), roads: testRoads()}
	perceptor := newTestPerceptor(t, world, nil, overrides)

	state := perceptor.Perceive(context.Background())

	if len(state.ActiveOverrides) != 1 || state.ActiveOverrides[0].OverrideID != "ov-1" {
		t.Fatalf("unexpected overrides: %+v", state.ActiveOverrides)
	}
}

type stubWorld struct {
	vehicles   []grid.VehicleSnapshot
	junctions  []grid.JunctionSnapshot
	roads      []grid.RoadSnapshot
	controls   []grid.ManualControl
	violations []grid.Violation

	vehiclesErr   error
	junctionsErr  error
	roadsErr      error
	controlsErr   error
	violationsErr error
}

func (s *stubWorld) GetVehicles(context.Context) ([]grid.VehicleSnapshot, error) {
	return s.vehicles, s.vehiclesErr
}

func (s *stubWorld) GetJunctions(context.Context) ([]grid.JunctionSnapshot, error) {
	return s.junctions, s.junctionsErr
}

func (s *stubWorld) GetRoads(context.Context) ([]grid.RoadSnapshot, error) {
	return s.roads, s.roadsErr
}

func (s *stubWorld) GetManualControls(context.Context) ([]grid.ManualControl, error) {
	return s.controls, s.controlsErr
}

func (s *stubWorld) GetRecentViolations(context.Context) ([]grid.Violation, error) {
	return s.violations, s.violationsErr
}

type stubEmergency struct {
	session  controlplane.EmergencySession
	corridor controlplane.ActiveCorridor
}

func (s *stubEmergency) Active() (controlplane.EmergencySession, bool) {
	return s.session, s.session.SessionID != ""
}

func (s *stubEmergency) Corridor() (controlplane.ActiveCorridor, bool) {
	return s.corridor, s.corridor.SessionID != ""
}

type stubOverrides struct {
	active []controlplane.ManualOverride
}

func (s *stubOverrides) GetActive() []controlplane.ManualOverride {
	return s.active
}
