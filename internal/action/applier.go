package action

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
	"github.com/arterial/traffic-grid-controller/api/events"
	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/internal/clock"
	"github.com/arterial/traffic-grid-controller/internal/conflict"
	"github.com/arterial/traffic-grid-controller/internal/roadnet"
)

// Outcome classifies what happened to one decision.
type Outcome string

const (
	OutcomeApplied              Outcome = "applied"
	OutcomeHeld                 Outcome = "held"
	OutcomeSuppressedByOverride Outcome = "suppressed_by_override"
	OutcomeUnsafe               Outcome = "unsafe"
	OutcomeSkippedEmergency     Outcome = "skipped_emergency_mode"
	OutcomeFailed               Outcome = "failed"
)

// Application is the audit record for one decision's fate.
type Application struct {
	Decision controlplane.SignalDecision
	Outcome  Outcome
	Reason   string
}

// SignalController is the write half of the simulator capability.
type SignalController interface {
	SetSignalGreen(ctx context.Context, junctionID string, direction grid.Direction, duration time.Duration) error
	SetSignalRed(ctx context.Context, junctionID string, direction grid.Direction) error
}

// OverrideSource answers whether an operator override pins a signal head.
type OverrideSource interface {
	ActiveFor(junctionID string, direction grid.Direction) (controlplane.ManualOverride, bool)
}

// Emitter publishes signal.change events.
type Emitter interface {
	Emit(name events.Name, severity events.Severity, attributes map[string]string, payload any)
}

// Config tunes the applier.
type Config struct {
	YellowDuration time.Duration // GREEN→RED bridge, default 3s
	Now            func() time.Time
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.YellowDuration <= 0 {
		c.YellowDuration = 3 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Stats captures applier counters.
type Stats struct {
	Applied    uint64
	Held       uint64
	Suppressed uint64
	Unsafe     uint64
	Skipped    uint64
	Failed     uint64
}

// Applier pushes decisions through the override registry and the conflict
// validator before submitting them to the signal controller. A GREEN that
// displaces another head's green bridges the outgoing head through YELLOW
// for the configured duration.
type Applier struct {
	cfg       Config
	signals   SignalController
	registry  *roadnet.Registry
	validator *conflict.Validator
	overrides OverrideSource
	scheduler *clock.Scheduler
	bus       Emitter
	token     *clock.Token
	log       *zap.Logger

	applied    atomic.Uint64
	held       atomic.Uint64
	suppressed atomic.Uint64
	unsafe     atomic.Uint64
	skipped    atomic.Uint64
	failed     atomic.Uint64
}

// NewApplier wires an applier. Overrides and bus are optional.
func NewApplier(cfg Config, signals SignalController, registry *roadnet.Registry, validator *conflict.Validator, overrides OverrideSource, scheduler *clock.Scheduler, bus Emitter) (*Applier, error) {
	if signals == nil || registry == nil || validator == nil || scheduler == nil {
		return nil, fmt.Errorf("applier requires signals, registry, validator and scheduler")
	}
	cfg = cfg.withDefaults()
	return &Applier{
		cfg:       cfg,
		signals:   signals,
		registry:  registry,
		validator: validator,
		overrides: overrides,
		scheduler: scheduler,
		bus:       bus,
		token:     clock.NewToken(),
		log:       cfg.Logger,
	}, nil
}

// Close cancels pending yellow-bridge completions.
func (a *Applier) Close() error {
	a.token.Cancel()
	return nil
}

// Execute applies every decision in order, returning one application
// record per decision. Execute never fails as a whole; each decision
// succeeds or is recorded as suppressed, unsafe, or failed on its own.
func (a *Applier) Execute(ctx context.Context, decisions controlplane.Decisions) []Application {
	applications := make([]Application, 0, len(decisions.Signals))
	for _, decision := range decisions.Signals {
		application := a.apply(ctx, decision, decisions.EmergencyOverride)
		a.count(application.Outcome)
		a.logApplication(application)
		applications = append(applications, application)
	}
	return applications
}

func (a *Applier) apply(ctx context.Context, decision controlplane.SignalDecision, emergencyOverride bool) Application {
	if decision.Action == controlplane.ActionHold {
		return Application{Decision: decision, Outcome: OutcomeHeld}
	}

	state, err := a.registry.Junction(decision.JunctionID)
	if err != nil {
		return Application{Decision: decision, Outcome: OutcomeFailed, Reason: "Junction not found"}
	}

	// Corridor junctions have one writer: the emergency manager. Rule,
	// manual, and RL decisions never touch them.
	if state.Mode == grid.JunctionModeEmergency && !emergencyOverride {
		return Application{Decision: decision, Outcome: OutcomeSkippedEmergency, Reason: "Junction under emergency corridor control"}
	}

	target := grid.SignalRed
	if decision.Action == controlplane.ActionGreen {
		target = grid.SignalGreen
	}

	if a.overrides != nil {
		if override, pinned := a.overrides.ActiveFor(decision.JunctionID, decision.Direction); pinned {
			if override.Parameters["state"] != string(target) {
				return Application{
					Decision: decision,
					Outcome:  OutcomeSuppressedByOverride,
					Reason:   fmt.Sprintf("Pinned to %s by override %s", override.Parameters["state"], override.OverrideID),
				}
			}
		}
	}

	if target == grid.SignalGreen {
		return a.applyGreen(ctx, decision, state)
	}
	return a.applyRed(ctx, decision, state)
}

// applyGreen bridges any displaced green through YELLOW, validates the
// target head, and submits the green.
func (a *Applier) applyGreen(ctx context.Context, decision controlplane.SignalDecision, state roadnet.JunctionState) Application {
	now := a.cfg.Now()
	heads := conflict.Heads(state.Signals, state.LastChange)

	if outgoing := state.CurrentGreen; outgoing != "" && outgoing != decision.Direction {
		if ok, reason := a.validator.Validate(decision.JunctionID, outgoing, grid.SignalYellow, heads, now); !ok {
			return Application{Decision: decision, Outcome: OutcomeUnsafe, Reason: reason}
		}
		a.startYellowBridge(decision.JunctionID, outgoing, now)
		heads[outgoing] = conflict.Head{State: grid.SignalYellow, LastChange: now}
	}

	if ok, reason := a.validator.Validate(decision.JunctionID, decision.Direction, grid.SignalGreen, heads, now); !ok {
		return Application{Decision: decision, Outcome: OutcomeUnsafe, Reason: reason}
	}

	duration := time.Duration(decision.DurationSeconds * float64(time.Second))
	if err := a.signals.SetSignalGreen(ctx, decision.JunctionID, decision.Direction, duration); err != nil {
		return Application{Decision: decision, Outcome: OutcomeFailed, Reason: err.Error()}
	}
	if err := a.registry.ApplySignal(decision.JunctionID, decision.Direction, grid.SignalGreen, now); err != nil {
		a.log.Warn("signal book update failed", zap.String("junction_id", decision.JunctionID), zap.Error(err))
	}
	a.emitChange(decision.JunctionID, decision.Direction, grid.SignalGreen)
	return Application{Decision: decision, Outcome: OutcomeApplied}
}

// applyRed turns one head RED, through YELLOW when it is currently GREEN.
func (a *Applier) applyRed(ctx context.Context, decision controlplane.SignalDecision, state roadnet.JunctionState) Application {
	now := a.cfg.Now()
	current := state.Signals[decision.Direction]
	if current == grid.SignalRed {
		return Application{Decision: decision, Outcome: OutcomeHeld, Reason: "Already RED"}
	}

	heads := conflict.Heads(state.Signals, state.LastChange)
	if current == grid.SignalGreen {
		if ok, reason := a.validator.Validate(decision.JunctionID, decision.Direction, grid.SignalYellow, heads, now); !ok {
			return Application{Decision: decision, Outcome: OutcomeUnsafe, Reason: reason}
		}
		a.startYellowBridge(decision.JunctionID, decision.Direction, now)
		return Application{Decision: decision, Outcome: OutcomeApplied, Reason: "Bridging through YELLOW"}
	}

	if err := a.signals.SetSignalRed(ctx, decision.JunctionID, decision.Direction); err != nil {
		return Application{Decision: decision, Outcome: OutcomeFailed, Reason: err.Error()}
	}
	if err := a.registry.ApplySignal(decision.JunctionID, decision.Direction, grid.SignalRed, now); err != nil {
		a.log.Warn("signal book update failed", zap.String("junction_id", decision.JunctionID), zap.Error(err))
	}
	a.emitChange(decision.JunctionID, decision.Direction, grid.SignalRed)
	return Application{Decision: decision, Outcome: OutcomeApplied}
}

// startYellowBridge flips a head YELLOW now and schedules its RED at the
// end of the bridge. The simulator only models GREEN and RED, so it sees
// the RED when the bridge completes.
func (a *Applier) startYellowBridge(junctionID string, direction grid.Direction, now time.Time) {
	if err := a.registry.ApplySignal(junctionID, direction, grid.SignalYellow, now); err != nil {
		a.log.Warn("yellow bridge start failed", zap.String("junction_id", junctionID), zap.Error(err))
		return
	}
	a.emitChange(junctionID, direction, grid.SignalYellow)

	name := fmt.Sprintf("yellow-bridge-%s-%s", junctionID, direction)
	err := a.scheduler.After(a.cfg.YellowDuration, name, a.token, func(fireTime time.Time) {
		if err := a.signals.SetSignalRed(context.Background(), junctionID, direction); err != nil {
			a.log.Warn("yellow bridge red failed",
				zap.String("junction_id", junctionID),
				zap.String("direction", string(direction)),
				zap.Error(err))
		}
		if err := a.registry.ApplySignal(junctionID, direction, grid.SignalRed, fireTime); err != nil {
			a.log.Warn("yellow bridge book update failed", zap.String("junction_id", junctionID), zap.Error(err))
		}
		a.emitChange(junctionID, direction, grid.SignalRed)
	})
	if err != nil {
		a.log.Warn("yellow bridge scheduling failed", zap.String("junction_id", junctionID), zap.Error(err))
	}
}

func (a *Applier) emitChange(junctionID string, direction grid.Direction, state grid.SignalState) {
	if a.bus == nil {
		return
	}
	a.bus.Emit(events.SignalChange, events.SeverityInfo, map[string]string{
		"junction_id": junctionID,
		"direction":   string(direction),
		"state":       string(state),
	}, nil)
}

func (a *Applier) logApplication(application Application) {
	switch application.Outcome {
	case OutcomeApplied, OutcomeHeld:
		a.log.Debug("decision applied",
			zap.String("junction_id", application.Decision.JunctionID),
			zap.String("direction", string(application.Decision.Direction)),
			zap.String("outcome", string(application.Outcome)))
	default:
		a.log.Warn("decision not applied",
			zap.String("junction_id", application.Decision.JunctionID),
			zap.String("direction", string(application.Decision.Direction)),
			zap.String("outcome", string(application.Outcome)),
			zap.String("reason", application.Reason))
	}
}

func (a *Applier) count(outcome Outcome) {
	switch outcome {
	case OutcomeApplied:
		a.applied.Add(1)
	case OutcomeHeld:
		a.held.Add(1)
	case OutcomeSuppressedByOverride:
		a.suppressed.Add(1)
	case OutcomeUnsafe:
		a.unsafe.Add(1)
	case OutcomeSkippedEmergency:
		a.skipped.Add(1)
	case OutcomeFailed:
		a.failed.Add(1)
	}
}

// Stats returns applier counters.
func (a *Applier) Stats() Stats {
	return Stats{
		Applied:    a.applied.Load(),
		Held:       a.held.Load(),
		Suppressed: a.suppressed.Load(),
		Unsafe:     a.unsafe.Load(),
		Skipped:    a.skipped.Load(),
		Failed:     a.failed.Load(),
	}
}
