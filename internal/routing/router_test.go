package routing

import (
	"errors"
	"reflect"
	"testing"

	"github.com/arterial/traffic-grid-controller/api/grid"
)

func gridJunction(id string, x, y float64) grid.JunctionSnapshot {
	return grid.JunctionSnapshot{
		ID:       id,
		Position: grid.Position{X: x, Y: y},
		Signals: map[grid.Direction]grid.SignalState{
			grid.DirectionNorth: grid.SignalRed,
			grid.DirectionEast:  grid.SignalRed,
			grid.DirectionSouth: grid.SignalRed,
			grid.DirectionWest:  grid.SignalRed,
		},
		ConnectedRoads: map[grid.Direction]string{},
		Mode:           grid.JunctionModeNormal,
	}
}

func gridRoad(id, from, to string, length float64, oneWay bool) grid.RoadSnapshot {
	return grid.RoadSnapshot{
		ID:            id,
		StartJunction: from,
		EndJunction:   to,
		LengthMeters:  length,
		Lanes:         2,
		OneWay:        oneWay,
	}
}

func lineRouter(t *testing.T) *Router {
	t.Helper()
	router := NewRouter()
	junctions := []grid.JunctionSnapshot{
		gridJunction("J-1", 0, 0),
		gridJunction("J-2", 100, 0),
		gridJunction("J-3", 200, 0),
	}
	roads := []grid.RoadSnapshot{
		gridRoad("R-12", "J-1", "J-2", 100, false),
		gridRoad("R-23", "J-2", "J-3", 100, false),
	}
	if err := router.Rebuild(junctions, roads); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	return router
}

func TestFindPathAlongLine(t *testing.T) {
	t.Parallel()

	router := lineRouter(t)
	route, err := router.FindPath("J-1", "J-3")
	if err != nil {
		t.Fatalf("find path: %v", err)
	}
	if !reflect.DeepEqual(route.Junctions, []string{"J-1", "J-2", "J-3"}) {
		t.Fatalf("unexpected junction path %v", route.Junctions)
	}
	if !reflect.DeepEqual(route.Roads, []string{"R-12", "R-23"}) {
		t.Fatalf("unexpected road path %v", route.Roads)
	}
	if route.TotalDistanceMeters != 200 {
		t.Fatalf("expected distance 200, got %.1f", route.TotalDistanceMeters)
	}
}

func TestFindPathSameStartAndEnd(t *testing.T) {
	t.Parallel()

	router := lineRouter(t)
	route, err := router.FindPath("J-2", "J-2")
	if err != nil {
		t.Fatalf("find path: %v", err)
	}
	if len(route.Junctions) != 1 || route.Junctions[0] != "J-2" {
		t.Fatalf("expected single-node path, got %v", route.Junctions)
	}
	if len(route.Roads) != 0 || route.TotalDistanceMeters != 0 {
		t.Fatalf("expected empty road path and zero distance, got %+v", route)
	}
}

func TestFindPathUnknownJunction(t *testing.T) {
	t.Parallel()

	router := lineRouter(t)
	if _, err := router.FindPath("J-ghost", "J-3"); !errors.Is(err, ErrJunctionUnknown) {
		t.Fatalf("expected ErrJunctionUnknown, got %v", err)
	}
	if _, err := router.FindPath("J-1", "J-ghost"); !errors.Is(err, ErrJunctionUnknown) {
		t.Fatalf("expected ErrJunctionUnknown, got %v", err)
	}
}

func TestFindPathRespectsOneWay(t *testing.T) {
	t.Parallel()

	router := NewRouter()
	junctions := []grid.JunctionSnapshot{
		gridJunction("J-1", 0, 0),
		gridJunction("J-2", 100, 0),
	}
	roads := []grid.RoadSnapshot{gridRoad("R-12", "J-1", "J-2", 100, true)}
	if err := router.Rebuild(junctions, roads); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if _, err := router.FindPath("J-1", "J-2"); err != nil {
		t.Fatalf("forward path should exist: %v", err)
	}
	if _, err := router.FindPath("J-2", "J-1"); !errors.Is(err, ErrNoPath) {
		t.Fatalf("expected ErrNoPath against one-way flow, got %v", err)
	}
}

func TestFindPathPrefersShorterDetour(t *testing.T) {
	t.Parallel()

	// Direct edge is longer than the two-hop detour.
	router := NewRouter()
	junctions := []grid.JunctionSnapshot{
		gridJunction("J-1", 0, 0),
		gridJunction("J-2", 50, 80),
		gridJunction("J-3", 100, 0),
	}
	roads := []grid.RoadSnapshot{
		gridRoad("R-13", "J-1", "J-3", 500, false),
		gridRoad("R-12", "J-1", "J-2", 100, false),
		gridRoad("R-23", "J-2", "J-3", 100, false),
	}
	if err := router.Rebuild(junctions, roads); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	route, err := router.FindPath("J-1", "J-3")
	if err != nil {
		t.Fatalf("find path: %v", err)
	}
	if !reflect.DeepEqual(route.Junctions, []string{"J-1", "J-2", "J-3"}) {
		t.Fatalf("expected detour path, got %v", route.Junctions)
	}
	if route.TotalDistanceMeters != 200 {
		t.Fatalf("expected distance 200, got %.1f", route.TotalDistanceMeters)
	}
}

func TestParallelRoadsKeepShorterEdge(t *testing.T) {
	t.Parallel()

	router := NewRouter()
	junctions := []grid.JunctionSnapshot{
		gridJunction("J-1", 0, 0),
		gridJunction("J-2", 100, 0),
	}
	roads := []grid.RoadSnapshot{
		gridRoad("R-long", "J-1", "J-2", 300, false),
		gridRoad("R-short", "J-1", "J-2", 100, false),
	}
	if err := router.Rebuild(junctions, roads); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	route, err := router.FindPath("J-1", "J-2")
	if err != nil {
		t.Fatalf("find path: %v", err)
	}
	if !reflect.DeepEqual(route.Roads, []string{"R-short"}) {
		t.Fatalf("expected shorter parallel road, got %v", route.Roads)
	}
	if route.TotalDistanceMeters != 100 {
		t.Fatalf("expected distance 100, got %.1f", route.TotalDistanceMeters)
	}
}

func TestRebuildSkipsDanglingRoads(t *testing.T) {
	t.Parallel()

	router := NewRouter()
	junctions := []grid.JunctionSnapshot{
		gridJunction("J-1", 0, 0),
		gridJunction("J-2", 100, 0),
	}
	roads := []grid.RoadSnapshot{
		gridRoad("R-12", "J-1", "J-2", 100, false),
		gridRoad("R-dangling", "J-1", "J-ghost", 100, false),
	}
	if err := router.Rebuild(junctions, roads); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if stats := router.Stats(); stats.Edges != 2 { // R-12 both directions
		t.Fatalf("expected 2 edges, got %d", stats.Edges)
	}
	if !router.Contains("J-1") || router.Contains("J-ghost") {
		t.Fatalf("unexpected graph membership")
	}
}

func TestRebuildRejectsDuplicateJunction(t *testing.T) {
	t.Parallel()

	router := NewRouter()
	junctions := []grid.JunctionSnapshot{
		gridJunction("J-1", 0, 0),
		gridJunction("J-1", 100, 0),
	}
	if err := router.Rebuild(junctions, nil); err == nil {
		t.Fatalf("expected duplicate junction rejection")
	}
}

func TestRebuildIsRepeatable(t *testing.T) {
	t.Parallel()

	router := lineRouter(t)
	junctions := []grid.JunctionSnapshot{
		gridJunction("J-1", 0, 0),
		gridJunction("J-9", 100, 0),
	}
	roads := []grid.RoadSnapshot{gridRoad("R-19", "J-1", "J-9", 100, false)}
	if err := router.Rebuild(junctions, roads); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}

	if router.Contains("J-3") {
		t.Fatalf("old topology should be gone")
	}
	route, err := router.FindPath("J-1", "J-9")
	if err != nil {
		t.Fatalf("find path after rebuild: %v", err)
	}
	if !reflect.DeepEqual(route.Junctions, []string{"J-1", "J-9"}) {
		t.Fatalf("unexpected path %v", route.Junctions)
	}
}
