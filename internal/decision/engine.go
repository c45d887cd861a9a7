package decision

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/internal/perception"
)

// Policy is the learned-policy capability: an opaque π(obs) → actions.
type Policy interface {
	Predict(ctx context.Context, observation []float64, deterministic bool) ([]int, error)
	IsReady() bool
}

// CorridorPlan resolves the authoritative held direction for a junction
// inside an active emergency corridor. The emergency manager is the single
// writer of corridor directions; the engine only echoes its plan.
type CorridorPlan interface {
	CorridorDirection(junctionID string) (grid.Direction, bool)
}

// Timing reports a junction's current GREEN head and when it turned.
// The rule engine and the conflict validator share this source, so the
// min-green guard cannot drift between them.
type Timing interface {
	GreenSince(junctionID string) (grid.Direction, time.Time, bool)
}

// Config tunes the engine. DisableRLFallback leaves a failed policy call
// as an empty RL decision set instead of falling back to rules.
type Config struct {
	MinGreenTime      time.Duration // default 10s
	MaxGreenTime      time.Duration // default 60s
	DefaultGreenTime  time.Duration // default 30s
	RLLatencyTarget   time.Duration // observational, default 100ms
	RuleLatencyTarget time.Duration // observational, default 50ms
	DisableRLFallback bool
	Now               func() time.Time
	Logger            *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MinGreenTime <= 0 {
		c.MinGreenTime = 10 * time.Second
	}
	if c.MaxGreenTime <= 0 {
		c.MaxGreenTime = 60 * time.Second
	}
	if c.DefaultGreenTime <= 0 {
		c.DefaultGreenTime = 30 * time.Second
	}
	if c.RLLatencyTarget <= 0 {
		c.RLLatencyTarget = 100 * time.Millisecond
	}
	if c.RuleLatencyTarget <= 0 {
		c.RuleLatencyTarget = 50 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Stats captures decision counters per strategy.
type Stats struct {
	RuleDecisions      uint64
	RLDecisions        uint64
	ManualDecisions    uint64
	EmergencyDecisions uint64
	RLFallbacks        uint64
}

// Engine arbitrates between the emergency, manual, learned, and rule-based
// strategies and emits one Decisions value per tick. The engine itself is
// stateless across ticks; green timing comes from the shared Timing source.
type Engine struct {
	cfg      Config
	timing   Timing
	policy   Policy       // optional
	corridor CorridorPlan // optional
	log      *zap.Logger

	ruleDecisions      atomic.Uint64
	rlDecisions        atomic.Uint64
	manualDecisions    atomic.Uint64
	emergencyDecisions atomic.Uint64
	rlFallbacks        atomic.Uint64
}

// NewEngine wires an engine. Timing is required; policy and corridor plan
// are optional and disable their strategies when nil.
func NewEngine(cfg Config, timing Timing, policy Policy, corridor CorridorPlan) (*Engine, error) {
	if timing == nil {
		return nil, fmt.Errorf("decision engine requires a timing source")
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		timing:   timing,
		policy:   policy,
		corridor: corridor,
		log:      cfg.Logger,
	}, nil
}

// Decide arbitrates one tick: emergency preempts manual, manual preempts
// the requested strategy, and the learned path falls back to rules on any
// policy failure. Decide never fails; degraded paths log and continue.
func (e *Engine) Decide(ctx context.Context, state perception.State, strategy controlplane.Strategy) controlplane.Decisions {
	start := e.cfg.Now()

	var decisions controlplane.Decisions
	switch {
	case state.EmergencyActive:
		decisions = e.emergencyPath(state)
	case len(state.ManualControls) > 0:
		decisions = e.manualPath(state)
	case strategy == controlplane.StrategyRL && e.policy != nil && e.policy.IsReady():
		decisions = e.rlPath(ctx, state)
	default:
		decisions = e.rulePath(state)
	}

	decisions.TimestampMS = start.UnixMilli()
	elapsed := e.cfg.Now().Sub(start)
	decisions.LatencyMS = float64(elapsed) / float64(time.Millisecond)

	target := e.cfg.RuleLatencyTarget
	if decisions.StrategyUsed == controlplane.StrategyRL {
		target = e.cfg.RLLatencyTarget
	}
	if elapsed > target {
		e.log.Warn("decision over latency target",
			zap.String("strategy", string(decisions.StrategyUsed)),
			zap.Duration("elapsed", elapsed),
			zap.Duration("target", target))
	}
	return decisions
}

// Stats returns per-strategy decision counters.
func (e *Engine) Stats() Stats {
	return Stats{
		RuleDecisions:      e.ruleDecisions.Load(),
		RLDecisions:        e.rlDecisions.Load(),
		ManualDecisions:    e.manualDecisions.Load(),
		EmergencyDecisions: e.emergencyDecisions.Load(),
		RLFallbacks:        e.rlFallbacks.Load(),
	}
}

// emergencyPath emits one GREEN per corridor junction, carrying the
// direction the corridor plan already resolved. Junctions the plan does
// not cover this tick default north; the applier defers to the corridor
// manager either way.
func (e *Engine) emergencyPath(state perception.State) controlplane.Decisions {
	e.emergencyDecisions.Add(1)
	decisions := controlplane.Decisions{
		StrategyUsed:      controlplane.StrategyEmergency,
		EmergencyOverride: true,
	}
	seen := map[string]struct{}{}
	for _, junctionID := range state.EmergencyCorridor {
		if _, dup := seen[junctionID]; dup || junctionID == "" {
			continue
		}
		seen[junctionID] = struct{}{}

		direction := grid.DirectionNorth
		if e.corridor != nil {
			if held, ok := e.corridor.CorridorDirection(junctionID); ok {
				direction = held
			}
		}
		decisions.Signals = append(decisions.Signals, controlplane.SignalDecision{
			JunctionID:      junctionID,
			Direction:       direction,
			Action:          controlplane.ActionGreen,
			DurationSeconds: e.cfg.DefaultGreenTime.Seconds(),
			Reason:          "Emergency: green corridor wave",
		})
	}
	return decisions
}

// manualPath translates each recognized operator control into a decision.
// The first control per junction wins.
func (e *Engine) manualPath(state perception.State) controlplane.Decisions {
	e.manualDecisions.Add(1)
	decisions := controlplane.Decisions{StrategyUsed: controlplane.StrategyManual}
	seen := map[string]struct{}{}
	for _, control := range state.ManualControls {
		if err := control.Validate(); err != nil {
			e.log.Warn("manual control ignored", zap.String("control_id", control.ControlID), zap.Error(err))
			continue
		}
		if _, dup := seen[control.JunctionID]; dup {
			continue
		}
		seen[control.JunctionID] = struct{}{}

		action := controlplane.ActionRed
		duration := 0.0
		if control.TargetState == grid.SignalGreen {
			action = controlplane.ActionGreen
			duration = e.cfg.DefaultGreenTime.Seconds()
		}
		decisions.Signals = append(decisions.Signals, controlplane.SignalDecision{
			JunctionID:      control.JunctionID,
			Direction:       control.Direction,
			Action:          action,
			DurationSeconds: duration,
			Reason:          fmt.Sprintf("Manual: operator %s", control.OperatorID),
		})
	}
	return decisions
}

// rlPath encodes the observation, invokes the policy, and maps the action
// vector onto per-junction directives. Any policy failure falls back to
// the rule path unless fallback is disabled.
func (e *Engine) rlPath(ctx context.Context, state perception.State) controlplane.Decisions {
	observation := EncodeObservation(state)
	actions, err := e.policy.Predict(ctx, observation, true)
	if err == nil && len(actions) < ObservationJunctions {
		err = fmt.Errorf("policy returned %d actions, want %d", len(actions), ObservationJunctions)
	}
	if err != nil {
		e.rlFallbacks.Add(1)
		e.log.Warn("policy invocation failed", zap.Error(err))
		if e.cfg.DisableRLFallback {
			return controlplane.Decisions{StrategyUsed: controlplane.StrategyRL}
		}
		return e.rulePath(state)
	}

	e.rlDecisions.Add(1)
	decisions := controlplane.Decisions{StrategyUsed: controlplane.StrategyRL}
	ids := state.SortedJunctionIDs()
	for i, junctionID := range ids {
		if i >= ObservationJunctions {
			break
		}
		direction, dirErr := grid.DirectionFromIndex(actions[i])
		if dirErr != nil {
			e.log.Warn("policy action out of range",
				zap.String("junction_id", junctionID),
				zap.Int("action", actions[i]))
			continue
		}
		if state.SignalStates[junctionID][direction] == grid.SignalGreen {
			decisions.Signals = append(decisions.Signals, controlplane.SignalDecision{
				JunctionID:      junctionID,
				Direction:       direction,
				Action:          controlplane.ActionHold,
				DurationSeconds: e.cfg.DefaultGreenTime.Seconds(),
				Reason:          "RL: hold current green",
			})
			continue
		}
		decisions.Signals = append(decisions.Signals, controlplane.SignalDecision{
			JunctionID:      junctionID,
			Direction:       direction,
			Action:          controlplane.ActionGreen,
			DurationSeconds: e.cfg.DefaultGreenTime.Seconds(),
			Reason:          fmt.Sprintf("RL: policy selected %s", direction),
		})
	}
	return decisions
}

// rulePath serves the densest approach at every junction, holding the
// current green through the min-green guard and forcing a switch past
// max-green.
func (e *Engine) rulePath(state perception.State) controlplane.Decisions {
	e.ruleDecisions.Add(1)
	now := e.cfg.Now()
	decisions := controlplane.Decisions{StrategyUsed: controlplane.StrategyRuleBased}
	for _, junctionID := range state.SortedJunctionIDs() {
		decisions.Signals = append(decisions.Signals, e.ruleDecision(junctionID, state, now))
	}
	return decisions
}

func (e *Engine) ruleDecision(junctionID string, state perception.State, now time.Time) controlplane.SignalDecision {
	maxDir, maxDensity := densestDirection(state.JunctionDensities[junctionID].DirectionalDensity)

	currentGreen := currentGreenDirection(state.SignalStates[junctionID])
	elapsed := e.elapsedGreen(junctionID, currentGreen, now)

	switch {
	case currentGreen == maxDir && currentGreen != "" && elapsed < e.cfg.MaxGreenTime:
		return controlplane.SignalDecision{
			JunctionID:      junctionID,
			Direction:       currentGreen,
			Action:          controlplane.ActionHold,
			DurationSeconds: e.cfg.DefaultGreenTime.Seconds(),
			Reason:          fmt.Sprintf("Rule: Hold green on highest density (%.1f)", maxDensity),
		}
	case currentGreen != "" && elapsed < e.cfg.MinGreenTime:
		return controlplane.SignalDecision{
			JunctionID:      junctionID,
			Direction:       currentGreen,
			Action:          controlplane.ActionHold,
			DurationSeconds: e.cfg.DefaultGreenTime.Seconds(),
			Reason:          fmt.Sprintf("Rule: Min green time not reached (%.1fs elapsed)", elapsed.Seconds()),
		}
	default:
		return controlplane.SignalDecision{
			JunctionID:      junctionID,
			Direction:       maxDir,
			Action:          controlplane.ActionGreen,
			DurationSeconds: e.cfg.DefaultGreenTime.Seconds(),
			Reason:          fmt.Sprintf("Rule: Switch to highest density (%.1f)", maxDensity),
		}
	}
}

// elapsedGreen reads the shared timing book. An unknown or mismatched
// entry counts as an expired green so a stale book never starves a switch.
func (e *Engine) elapsedGreen(junctionID string, currentGreen grid.Direction, now time.Time) time.Duration {
	if currentGreen == "" {
		return e.cfg.MaxGreenTime
	}
	direction, since, ok := e.timing.GreenSince(junctionID)
	if !ok || direction != currentGreen || since.IsZero() {
		return e.cfg.MaxGreenTime
	}
	return now.Sub(since)
}

// densestDirection picks the argmax over the four direction slots in
// canonical order, so ties resolve to the earlier direction.
func densestDirection(densities map[grid.Direction]float64) (grid.Direction, float64) {
	best := grid.DirectionNorth
	bestScore := densities[grid.DirectionNorth]
	for _, direction := range grid.Directions()[1:] {
		if densities[direction] > bestScore {
			best = direction
			bestScore = densities[direction]
		}
	}
	return best, bestScore
}

func currentGreenDirection(signals map[grid.Direction]grid.SignalState) grid.Direction {
	for _, direction := range grid.Directions() {
		if signals[direction] == grid.SignalGreen {
			return direction
		}
	}
	return ""
}
