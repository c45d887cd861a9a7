package decision

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/internal/density"
	"github.com/arterial/traffic-grid-controller/internal/perception"
)

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testEngine(t *testing.T, cfg Config, timing Timing, policy Policy, corridor CorridorPlan) *Engine {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return testEpoch }
	}
	if timing == nil {
		timing = stubTiming{}
	}
	engine, err := NewEngine(cfg, timing, policy, corridor)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func singleJunctionState(densities map[grid.Direction]float64, green grid.Direction) perception.State {
	signals := map[grid.Direction]grid.SignalState{
		grid.DirectionNorth: grid.SignalRed,
		grid.DirectionEast:  grid.SignalRed,
		grid.DirectionSouth: grid.SignalRed,
		grid.DirectionWest:  grid.SignalRed,
	}
	if green != "" {
		signals[green] = grid.SignalGreen
	}
	return perception.State{
		Timestamp: testEpoch,
		JunctionDensities: map[string]density.JunctionDensityData{
			"J-1": {JunctionID: "J-1", DirectionalDensity: densities},
		},
		SignalStates: map[string]map[grid.Direction]grid.SignalState{"J-1": signals},
	}
}

func TestRuleSwitchToHighestDensity(t *testing.T) {
	t.Parallel()

	// Green on E for 12s with minGreen 10s: the switch to N may proceed.
	timing := stubTiming{green: grid.DirectionEast, since: testEpoch.Add(-12 * time.Second), ok: true}
	engine := testEngine(t, Config{}, timing, nil, nil)

	state := singleJunctionState(map[grid.Direction]float64{
		grid.DirectionNorth: 8, grid.DirectionEast: 2, grid.DirectionSouth: 1, grid.DirectionWest: 1,
	}, grid.DirectionEast)

	decisions := engine.Decide(context.Background(), state, controlplane.StrategyRuleBased)
	if decisions.StrategyUsed != controlplane.StrategyRuleBased {
		t.Fatalf("expected RULE_BASED, got %s", decisions.StrategyUsed)
	}
	if len(decisions.Signals) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions.Signals))
	}
	signal := decisions.Signals[0]
	if signal.JunctionID != "J-1" || signal.Direction != grid.DirectionNorth || signal.Action != controlplane.ActionGreen {
		t.Fatalf("unexpected decision: %+v", signal)
	}
	if signal.DurationSeconds != 30 {
		t.Fatalf("expected default green 30s, got %.1f", signal.DurationSeconds)
	}
	if signal.Reason != "Rule: Switch to highest density (8.0)" {
		t.Fatalf("unexpected reason: %q", signal.Reason)
	}
}

func TestRuleMinGreenGuardHolds(t *testing.T) {
	t.Parallel()

	timing := stubTiming{green: grid.DirectionEast, since: testEpoch.Add(-4 * time.Second), ok: true}
	engine := testEngine(t, Config{}, timing, nil, nil)

	state := singleJunctionState(map[grid.Direction]float64{
		grid.DirectionNorth: 8, grid.DirectionEast: 2, grid.DirectionSouth: 1, grid.DirectionWest: 1,
	}, grid.DirectionEast)

	decisions := engine.Decide(context.Background(), state, controlplane.StrategyRuleBased)
	signal := decisions.Signals[0]
	if signal.Action != controlplane.ActionHold || signal.Direction != grid.DirectionEast {
		t.Fatalf("expected HOLD on E, got %+v", signal)
	}
	if !strings.HasPrefix(signal.Reason, "Rule: Min green time not reached") {
		t.Fatalf("unexpected reason: %q", signal.Reason)
	}
}

func TestRuleMinGreenBoundaryReleases(t *testing.T) {
	t.Parallel()

	// At exactly minGreen the hold releases; one tick before it must not.
	timing := stubTiming{green: grid.DirectionEast, since: testEpoch.Add(-10 * time.Second), ok: true}
	engine := testEngine(t, Config{}, timing, nil, nil)
	state := singleJunctionState(map[grid.Direction]float64{grid.DirectionNorth: 8}, grid.DirectionEast)

	decisions := engine.Decide(context.Background(), state, controlplane.StrategyRuleBased)
	if decisions.Signals[0].Action != controlplane.ActionGreen {
		t.Fatalf("expected release at the min-green boundary, got %+v", decisions.Signals[0])
	}

	timing.since = testEpoch.Add(-10*time.Second + time.Millisecond)
	engine = testEngine(t, Config{}, timing, nil, nil)
	decisions = engine.Decide(context.Background(), state, controlplane.StrategyRuleBased)
	if decisions.Signals[0].Action != controlplane.ActionHold {
		t.Fatalf("expected hold just inside min-green, got %+v", decisions.Signals[0])
	}
}

func TestRuleHoldsGreenOnDensestDirection(t *testing.T) {
	t.Parallel()

	timing := stubTiming{green: grid.DirectionNorth, since: testEpoch.Add(-20 * time.Second), ok: true}
	engine := testEngine(t, Config{}, timing, nil, nil)
	state := singleJunctionState(map[grid.Direction]float64{grid.DirectionNorth: 9, grid.DirectionEast: 3}, grid.DirectionNorth)

	decisions := engine.Decide(context.Background(), state, controlplane.StrategyRuleBased)
	signal := decisions.Signals[0]
	if signal.Action != controlplane.ActionHold || signal.Direction != grid.DirectionNorth {
		t.Fatalf("expected HOLD on densest green, got %+v", signal)
	}
}

func TestRuleMaxGreenForcesSwitch(t *testing.T) {
	t.Parallel()

	timing := stubTiming{green: grid.DirectionNorth, since: testEpoch.Add(-61 * time.Second), ok: true}
	engine := testEngine(t, Config{}, timing, nil, nil)
	state := singleJunctionState(map[grid.Direction]float64{grid.DirectionNorth: 9, grid.DirectionEast: 3}, grid.DirectionNorth)

	decisions := engine.Decide(context.Background(), state, controlplane.StrategyRuleBased)
	if decisions.Signals[0].Action != controlplane.ActionGreen {
		t.Fatalf("expected re-green past max-green, got %+v", decisions.Signals[0])
	}
}

func TestEmergencyTakeover(t *testing.T) {
	t.Parallel()

	corridor := stubCorridor{directions: map[string]grid.Direction{
		"J-2": grid.DirectionEast,
		"J-3": grid.DirectionEast,
		"J-4": grid.DirectionSouth,
	}}
	engine := testEngine(t, Config{}, nil, nil, corridor)

	state := perception.State{
		Timestamp:         testEpoch,
		EmergencyActive:   true,
		EmergencyVehicle:  "V-AMB-1",
		EmergencyCorridor: []string{"J-2", "J-3", "J-4"},
	}

	decisions := engine.Decide(context.Background(), state, controlplane.StrategyRuleBased)
	if decisions.StrategyUsed != controlplane.StrategyEmergency {
		t.Fatalf("expected EMERGENCY strategy, got %s", decisions.StrategyUsed)
	}
	if !decisions.EmergencyOverride {
		t.Fatalf("expected emergency_override set")
	}
	if len(decisions.Signals) != 3 {
		t.Fatalf("expected one decision per corridor junction, got %d", len(decisions.Signals))
	}
	for _, signal := range decisions.Signals {
		if signal.Action != controlplane.ActionGreen {
			t.Fatalf("expected GREEN for corridor junction %s, got %s", signal.JunctionID, signal.Action)
		}
		if want := corridor.directions[signal.JunctionID]; signal.Direction != want {
			t.Fatalf("junction %s: expected corridor direction %s, got %s", signal.JunctionID, want, signal.Direction)
		}
	}
	if err := decisions.Validate(); err != nil {
		t.Fatalf("emergency decisions invalid: %v", err)
	}
}

func TestManualControlsPreemptRules(t *testing.T) {
	t.Parallel()

	engine := testEngine(t, Config{}, nil, nil, nil)
	state := singleJunctionState(map[grid.Direction]float64{grid.DirectionNorth: 8}, "")
	state.ManualControls = []grid.ManualControl{{
		ControlID:   "C-1",
		JunctionID:  "J-1",
		Direction:   grid.DirectionWest,
		TargetState: grid.SignalGreen,
		OperatorID:  "op-7",
		IssuedAtMS:  testEpoch.UnixMilli(),
	}}

	decisions := engine.Decide(context.Background(), state, controlplane.StrategyRuleBased)
	if decisions.StrategyUsed != controlplane.StrategyManual {
		t.Fatalf("expected MANUAL strategy, got %s", decisions.StrategyUsed)
	}
	signal := decisions.Signals[0]
	if signal.Direction != grid.DirectionWest || signal.Action != controlplane.ActionGreen {
		t.Fatalf("unexpected manual decision: %+v", signal)
	}
	if !strings.Contains(signal.Reason, "op-7") {
		t.Fatalf("expected operator in reason, got %q", signal.Reason)
	}
}

func TestRLPathMapsActions(t *testing.T) {
	t.Parallel()

	policy := &stubPolicy{actions: []int{1, 0, 0, 0, 0, 0, 0, 0, 0}}
	engine := testEngine(t, Config{}, nil, policy, nil)
	state := singleJunctionState(map[grid.Direction]float64{grid.DirectionNorth: 5}, "")

	decisions := engine.Decide(context.Background(), state, controlplane.StrategyRL)
	if decisions.StrategyUsed != controlplane.StrategyRL {
		t.Fatalf("expected RL strategy, got %s", decisions.StrategyUsed)
	}
	signal := decisions.Signals[0]
	if signal.Direction != grid.DirectionEast || signal.Action != controlplane.ActionGreen {
		t.Fatalf("expected GREEN on E, got %+v", signal)
	}
	if len(policy.lastObservation) != ObservationSize {
		t.Fatalf("expected %d-feature observation, got %d", ObservationSize, len(policy.lastObservation))
	}
}

func TestRLPathHoldsWhenAlreadyGreen(t *testing.T) {
	t.Parallel()

	policy := &stubPolicy{actions: []int{2, 0, 0, 0, 0, 0, 0, 0, 0}}
	engine := testEngine(t, Config{}, stubTiming{green: grid.DirectionSouth, since: testEpoch.Add(-time.Second), ok: true}, policy, nil)
	state := singleJunctionState(nil, grid.DirectionSouth)

	decisions := engine.Decide(context.Background(), state, controlplane.StrategyRL)
	if decisions.Signals[0].Action != controlplane.ActionHold {
		t.Fatalf("expected HOLD when the selected head is already green, got %+v", decisions.Signals[0])
	}
}

func TestRLFailureFallsBackToRules(t *testing.T) {
	t.Parallel()

	policy := &stubPolicy{err: errors.New("model unavailable")}
	engine := testEngine(t, Config{}, nil, policy, nil)
	state := singleJunctionState(map[grid.Direction]float64{grid.DirectionNorth: 8}, "")

	decisions := engine.Decide(context.Background(), state, controlplane.StrategyRL)
	if decisions.StrategyUsed != controlplane.StrategyRuleBased {
		t.Fatalf("expected rule fallback, got %s", decisions.StrategyUsed)
	}
	if got := engine.Stats().RLFallbacks; got != 1 {
		t.Fatalf("expected 1 rl fallback, got %d", got)
	}
}

func TestRLNotReadyUsesRules(t *testing.T) {
	t.Parallel()

	policy := &stubPolicy{notReady: true}
	engine := testEngine(t, Config{}, nil, policy, nil)
	state := singleJunctionState(map[grid.Direction]float64{grid.DirectionNorth: 8}, "")

	decisions := engine.Decide(context.Background(), state, controlplane.StrategyRL)
	if decisions.StrategyUsed != controlplane.StrategyRuleBased {
		t.Fatalf("expected rules while policy is not ready, got %s", decisions.StrategyUsed)
	}
	if got := engine.Stats().RLFallbacks; got != 0 {
		t.Fatalf("not-ready must not count as a fallback, got %d", got)
	}
}

func TestDecideStampsLatency(t *testing.T) {
	t.Parallel()

	calls := 0
	now := func() time.Time {
		calls++
		return testEpoch.Add(time.Duration(calls-1) * 7 * time.Millisecond)
	}
	engine := testEngine(t, Config{Now: now}, stubTiming{}, nil, nil)
	decisions := engine.Decide(context.Background(), singleJunctionState(nil, ""), controlplane.StrategyRuleBased)
	if decisions.TimestampMS != testEpoch.UnixMilli() {
		t.Fatalf("expected start timestamp, got %d", decisions.TimestampMS)
	}
	if decisions.LatencyMS <= 0 {
		t.Fatalf("expected positive latency, got %.2f", decisions.LatencyMS)
	}
}

type stubTiming struct {
	green grid.Direction
	since time.Time
	ok    bool
}

func (s stubTiming) GreenSince(string) (grid.Direction, time.Time, bool) {
	return s.green, s.since, s.ok
}

type stubPolicy struct {
	actions         []int
	err             error
	notReady        bool
	lastObservation []float64
}

func (s *stubPolicy) Predict(_ context.Context, observation []float64, _ bool) ([]int, error) {
	s.lastObservation = append([]float64(nil), observation...)
	if s.err != nil {
		return nil, s.err
	}
	return s.actions, nil
}

func (s *stubPolicy) IsReady() bool { return !s.notReady }

type stubCorridor struct {
	directions map[string]grid.Direction
}

func (s stubCorridor) CorridorDirection(junctionID string) (grid.Direction, bool) {
	direction, ok := s.directions[junctionID]
	return direction, ok
}
