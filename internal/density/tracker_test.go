package density

import (
	"reflect"
	"testing"
	"time"

	"github.com/arterial/traffic-grid-controller/api/grid"
)

func testRoad(id string, lengthMeters float64, lanes int) grid.RoadSnapshot {
	return grid.RoadSnapshot{
		ID:            id,
		StartJunction: "J-1",
		EndJunction:   "J-2",
		LengthMeters:  lengthMeters,
		Lanes:         lanes,
	}
}

func testVehicle(id, roadID string) grid.VehicleSnapshot {
	return grid.VehicleSnapshot{
		ID:          id,
		Plate:       "TG-" + id,
		Type:        "car",
		CurrentRoad: roadID,
	}
}

func testJunction(id string, connected map[grid.Direction]string) grid.JunctionSnapshot {
	return grid.JunctionSnapshot{
		ID:       id,
		Position: grid.Position{X: 1, Y: 1},
		Signals: map[grid.Direction]grid.SignalState{
			grid.DirectionNorth: grid.SignalRed,
			grid.DirectionEast:  grid.SignalRed,
			grid.DirectionSouth: grid.SignalRed,
			grid.DirectionWest:  grid.SignalRed,
		},
		ConnectedRoads: connected,
		Mode:           grid.JunctionModeNormal,
	}
}

func TestTrackerScoreFormula(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		road      grid.RoadSnapshot
		vehicles  int
		wantScore float64
		wantClass grid.CongestionLevel
	}{
		{name: "half_full", road: testRoad("R-1", 300, 2), vehicles: 10, wantScore: 50, wantClass: grid.CongestionMedium},
		{name: "empty", road: testRoad("R-1", 300, 2), vehicles: 0, wantScore: 0, wantClass: grid.CongestionLow},
		{name: "clamped_at_100", road: testRoad("R-1", 300, 2), vehicles: 25, wantScore: 100, wantClass: grid.CongestionHigh},
		{name: "capacity_floor_of_one", road: testRoad("R-1", 10, 1), vehicles: 1, wantScore: 100, wantClass: grid.CongestionLow},
		{name: "three_vehicles", road: testRoad("R-1", 300, 2), vehicles: 3, wantScore: 15, wantClass: grid.CongestionLow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tracker := NewTracker(Config{})
			if err := tracker.InitRoads([]grid.RoadSnapshot{tc.road}); err != nil {
				t.Fatalf("init roads: %v", err)
			}
			for i := 0; i < tc.vehicles; i++ {
				tracker.AddVehicleToRoad(vehicleID(i), tc.road.ID)
			}

			data, ok := tracker.RoadDensity(tc.road.ID)
			if !ok {
				t.Fatalf("expected road density for %s", tc.road.ID)
			}
			if data.DensityScore != tc.wantScore {
				t.Fatalf("expected score %.1f, got %.1f", tc.wantScore, data.DensityScore)
			}
			if data.Classification != tc.wantClass {
				t.Fatalf("expected class %s, got %s", tc.wantClass, data.Classification)
			}
			if data.VehicleCount != tc.vehicles {
				t.Fatalf("expected count %d, got %d", tc.vehicles, data.VehicleCount)
			}
		})
	}
}

func TestTrackerScoreBasedClassification(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Config{Thresholds: Thresholds{ClassifyByScore: true}})
	if err := tracker.InitRoads([]grid.RoadSnapshot{testRoad("R-1", 60, 1)}); err != nil {
		t.Fatalf("init roads: %v", err)
	}

	// Capacity 2, so one vehicle scores 50 which sits in the 40..70 band.
	tracker.AddVehicleToRoad("V-1", "R-1")
	data, _ := tracker.RoadDensity("R-1")
	if data.Classification != grid.CongestionMedium {
		t.Fatalf("expected MEDIUM at score %.1f, got %s", data.DensityScore, data.Classification)
	}

	tracker.AddVehicleToRoad("V-2", "R-1")
	data, _ = tracker.RoadDensity("R-1")
	if data.Classification != grid.CongestionHigh {
		t.Fatalf("expected HIGH at score %.1f, got %s", data.DensityScore, data.Classification)
	}
}

func TestTrackerAddRemoveIdempotent(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Config{})
	if err := tracker.InitRoads([]grid.RoadSnapshot{testRoad("R-1", 300, 2)}); err != nil {
		t.Fatalf("init roads: %v", err)
	}
	tracker.AddVehicleToRoad("V-1", "R-1")
	before, _ := tracker.RoadDensity("R-1")

	tracker.AddVehicleToRoad("V-1", "R-1") // duplicate add
	after, _ := tracker.RoadDensity("R-1")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("duplicate add changed state: %+v vs %+v", before, after)
	}

	tracker.AddVehicleToRoad("V-2", "R-1")
	tracker.RemoveVehicleFromRoad("V-2", "R-1")
	restored, _ := tracker.RoadDensity("R-1")
	if !reflect.DeepEqual(before, restored) {
		t.Fatalf("add then remove did not restore state: %+v vs %+v", before, restored)
	}

	tracker.RemoveVehicleFromRoad("V-2", "R-1") // absent remove
	tracker.RemoveVehicleFromRoad("V-1", "R-ghost")
	final, _ := tracker.RoadDensity("R-1")
	if final.VehicleCount != 1 {
		t.Fatalf("expected 1 vehicle, got %d", final.VehicleCount)
	}
}

func TestTrackerAddUnknownRoadDropped(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Config{})
	tracker.AddVehicleToRoad("V-1", "R-ghost")
	if got := tracker.Stats().DroppedVehicles; got != 1 {
		t.Fatalf("expected 1 dropped vehicle, got %d", got)
	}
}

func TestTrackerUpdateRebuildsFromCurrentRoad(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Config{})
	roads := []grid.RoadSnapshot{testRoad("R-1", 300, 2), testRoad("R-2", 300, 2)}
	if err := tracker.InitRoads(roads); err != nil {
		t.Fatalf("init roads: %v", err)
	}
	tracker.AddVehicleToRoad("V-stale", "R-1")

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	vehicles := []grid.VehicleSnapshot{
		testVehicle("V-1", "R-2"),
		testVehicle("V-2", "R-2"),
		testVehicle("V-3", "R-ghost"),
		testVehicle("V-4", ""),
	}
	if !tracker.Update(vehicles, nil, nil, now) {
		t.Fatalf("expected update to run")
	}

	r1, _ := tracker.RoadDensity("R-1")
	if r1.VehicleCount != 0 {
		t.Fatalf("expected stale vehicle cleared from R-1, got %d", r1.VehicleCount)
	}
	r2, _ := tracker.RoadDensity("R-2")
	if r2.VehicleCount != 2 {
		t.Fatalf("expected 2 vehicles on R-2, got %d", r2.VehicleCount)
	}
	if got := tracker.Stats().DroppedVehicles; got != 1 {
		t.Fatalf("expected 1 dropped vehicle, got %d", got)
	}
	if !r2.UpdatedAt.Equal(now) {
		t.Fatalf("expected updated_at %v, got %v", now, r2.UpdatedAt)
	}
}

func TestTrackerUpdateThrottled(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Config{UpdateInterval: time.Second})
	if err := tracker.InitRoads([]grid.RoadSnapshot{testRoad("R-1", 300, 2)}); err != nil {
		t.Fatalf("init roads: %v", err)
	}

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if !tracker.Update(nil, nil, nil, base) {
		t.Fatalf("first update should run")
	}
	if tracker.Update(nil, nil, nil, base.Add(400*time.Millisecond)) {
		t.Fatalf("update inside interval should be throttled")
	}
	if !tracker.Update(nil, nil, nil, base.Add(time.Second)) {
		t.Fatalf("update at interval boundary should run")
	}

	stats := tracker.Stats()
	if stats.Updates != 2 || stats.Throttled != 1 {
		t.Fatalf("expected 2 updates and 1 throttle, got %+v", stats)
	}
}

func TestTrackerJunctionAggregation(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Config{})
	roads := []grid.RoadSnapshot{
		testRoad("R-N", 30, 1), // capacity 1
		testRoad("R-E", 60, 1), // capacity 2
		testRoad("R-S", 300, 2),
	}
	junction := testJunction("J-1", map[grid.Direction]string{
		grid.DirectionNorth: "R-N",
		grid.DirectionEast:  "R-E",
		grid.DirectionSouth: "R-S",
		// west slot deliberately unconnected
	})
	if err := tracker.InitRoads(roads); err != nil {
		t.Fatalf("init roads: %v", err)
	}
	if err := tracker.InitJunctions([]grid.JunctionSnapshot{junction}); err != nil {
		t.Fatalf("init junctions: %v", err)
	}

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	vehicles := []grid.VehicleSnapshot{
		testVehicle("V-1", "R-N"), // score 100
		testVehicle("V-2", "R-E"), // score 50
		testVehicle("V-3", "R-S"), // score 5
	}
	if !tracker.Update(vehicles, nil, nil, now) {
		t.Fatalf("expected update to run")
	}

	data, ok := tracker.JunctionDensity("J-1")
	if !ok {
		t.Fatalf("expected junction density for J-1")
	}
	want := map[grid.Direction]float64{
		grid.DirectionNorth: 100,
		grid.DirectionEast:  50,
		grid.DirectionSouth: 5,
		grid.DirectionWest:  0,
	}
	if !reflect.DeepEqual(data.DirectionalDensity, want) {
		t.Fatalf("directional density mismatch: got %+v want %+v", data.DirectionalDensity, want)
	}
	if data.AvgDensity != (100+50+5)/4.0 {
		t.Fatalf("expected avg %.2f, got %.2f", (100+50+5)/4.0, data.AvgDensity)
	}
	if data.MaxDensity != 100 {
		t.Fatalf("expected max 100, got %.1f", data.MaxDensity)
	}
	if data.TotalVehicles != 3 {
		t.Fatalf("expected 3 vehicles, got %d", data.TotalVehicles)
	}
	if data.CongestionLevel != grid.CongestionHigh {
		t.Fatalf("expected HIGH congestion, got %s", data.CongestionLevel)
	}
}

func TestTrackerJunctionCongestionBands(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		vehicles int // on a capacity-20 road, score = vehicles*5
		want     grid.CongestionLevel
	}{
		{name: "low_below_40", vehicles: 7, want: grid.CongestionLow},
		{name: "medium_at_40", vehicles: 8, want: grid.CongestionMedium},
		{name: "high_at_70", vehicles: 14, want: grid.CongestionHigh},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tracker := NewTracker(Config{})
			road := testRoad("R-1", 300, 2)
			junction := testJunction("J-1", map[grid.Direction]string{grid.DirectionNorth: "R-1"})
			if err := tracker.InitRoads([]grid.RoadSnapshot{road}); err != nil {
				t.Fatalf("init roads: %v", err)
			}
			if err := tracker.InitJunctions([]grid.JunctionSnapshot{junction}); err != nil {
				t.Fatalf("init junctions: %v", err)
			}

			vehicles := make([]grid.VehicleSnapshot, 0, tc.vehicles)
			for i := 0; i < tc.vehicles; i++ {
				vehicles = append(vehicles, testVehicle(vehicleID(i), "R-1"))
			}
			tracker.Update(vehicles, nil, nil, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

			data, _ := tracker.JunctionDensity("J-1")
			if data.CongestionLevel != tc.want {
				t.Fatalf("expected %s at max %.1f, got %s", tc.want, data.MaxDensity, data.CongestionLevel)
			}
		})
	}
}

func TestTrackerHistoryRetention(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Config{HistoryRetention: 600 * time.Second})
	if err := tracker.InitRoads([]grid.RoadSnapshot{testRoad("R-1", 300, 2)}); err != nil {
		t.Fatalf("init roads: %v", err)
	}

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tracker.Update(nil, nil, nil, base.Add(time.Duration(i)*200*time.Second))
	}

	// Updates landed at +0s..+800s; retention 600s from the last update
	// (+800s) keeps entries at or after +200s.
	history := tracker.History("R-1")
	if len(history) != 4 {
		t.Fatalf("expected 4 retained snapshots, got %d", len(history))
	}
	if !history[0].Timestamp.Equal(base.Add(200 * time.Second)) {
		t.Fatalf("expected oldest snapshot at +200s, got %v", history[0].Timestamp)
	}
	if got := tracker.Stats().HistoryEvictions; got != 1 {
		t.Fatalf("expected 1 eviction, got %d", got)
	}
}

func TestTrackerHistoryCap(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Config{HistoryMaxPerRoad: 3, HistoryRetention: time.Hour})
	if err := tracker.InitRoads([]grid.RoadSnapshot{testRoad("R-1", 300, 2)}); err != nil {
		t.Fatalf("init roads: %v", err)
	}

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		tracker.Update(nil, nil, nil, base.Add(time.Duration(i)*time.Second))
	}

	history := tracker.History("R-1")
	if len(history) != 3 {
		t.Fatalf("expected capped history of 3, got %d", len(history))
	}
	if !history[2].Timestamp.Equal(base.Add(5 * time.Second)) {
		t.Fatalf("expected newest snapshot at +5s, got %v", history[2].Timestamp)
	}
}

func TestTrackerCityAggregates(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Config{})
	roads := []grid.RoadSnapshot{testRoad("R-1", 30, 1), testRoad("R-2", 300, 2)}
	if err := tracker.InitRoads(roads); err != nil {
		t.Fatalf("init roads: %v", err)
	}

	vehicles := make([]grid.VehicleSnapshot, 0, 13)
	vehicles = append(vehicles, testVehicle("V-full", "R-1")) // score 100
	for i := 0; i < 12; i++ {                                 // score 60, HIGH by vehicle count
		vehicles = append(vehicles, testVehicle(vehicleID(i), "R-2"))
	}
	tracker.Update(vehicles, nil, nil, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	if avg := tracker.CityAverageDensity(); avg != 80 {
		t.Fatalf("expected city average 80, got %.1f", avg)
	}
	// R-1 is saturated but holds a single vehicle, so count-based
	// classification keeps it LOW; only R-2 is a congestion point.
	points := tracker.CongestionPoints()
	if !reflect.DeepEqual(points, []string{"R-2"}) {
		t.Fatalf("expected congestion points [R-2], got %v", points)
	}
}

func TestTrackerUpdateRefreshesTopology(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Config{})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	roads := []grid.RoadSnapshot{testRoad("R-new", 300, 2)}
	vehicles := []grid.VehicleSnapshot{testVehicle("V-1", "R-new")}

	if !tracker.Update(vehicles, roads, nil, now) {
		t.Fatalf("expected update to run")
	}
	data, ok := tracker.RoadDensity("R-new")
	if !ok {
		t.Fatalf("expected road registered via update")
	}
	if data.VehicleCount != 1 {
		t.Fatalf("expected 1 vehicle on refreshed road, got %d", data.VehicleCount)
	}
}

func vehicleID(i int) string {
	return "V-" + string(rune('A'+i))
}
