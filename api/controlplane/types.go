package controlplane

import (
	"fmt"

	"github.com/arterial/traffic-grid-controller/api/grid"
)

// Strategy names the decision path that produced a Decisions value.
type Strategy string

const (
	StrategyRuleBased Strategy = "RULE_BASED"
	StrategyRL        Strategy = "RL"
	StrategyManual    Strategy = "MANUAL"
	StrategyEmergency Strategy = "EMERGENCY"
)

func (s Strategy) Validate() error {
	if !isStrategy(s) {
		return fmt.Errorf("invalid strategy: %q", s)
	}
	return nil
}

// SignalAction is the directive issued for one junction direction.
type SignalAction string

const (
	ActionGreen SignalAction = "GREEN"
	ActionRed   SignalAction = "RED"
	ActionHold  SignalAction = "HOLD"
)

func (a SignalAction) Validate() error {
	if !isSignalAction(a) {
		return fmt.Errorf("invalid signal_action: %q", a)
	}
	return nil
}

// SignalDecision is one per-junction directive emitted by the decision engine.
type SignalDecision struct {
	JunctionID      string         `json:"junction_id"`
	Direction       grid.Direction `json:"direction"`
	Action          SignalAction   `json:"action"`
	DurationSeconds float64        `json:"duration_seconds"`
	Reason          string         `json:"reason"`
}

func (d SignalDecision) Validate() error {
	if d.JunctionID == "" {
		return fmt.Errorf("junction_id is required")
	}
	if err := d.Direction.Validate(); err != nil {
		return err
	}
	if !isSignalAction(d.Action) {
		return fmt.Errorf("invalid signal_action: %q", d.Action)
	}
	if d.DurationSeconds < 0 {
		return fmt.Errorf("duration_seconds must be >= 0")
	}
	if d.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

// Decisions aggregates one tick's signal directives with provenance.
type Decisions struct {
	Signals           []SignalDecision `json:"signals"`
	StrategyUsed      Strategy         `json:"strategy_used"`
	EmergencyOverride bool             `json:"emergency_override"`
	TimestampMS       int64            `json:"timestamp_ms"`
	LatencyMS         float64          `json:"latency_ms"`
}

func (d Decisions) Validate() error {
	if !isStrategy(d.StrategyUsed) {
		return fmt.Errorf("invalid strategy_used: %q", d.StrategyUsed)
	}
	if d.EmergencyOverride && d.StrategyUsed != StrategyEmergency {
		return fmt.Errorf("emergency_override requires strategy_used=EMERGENCY")
	}
	if d.TimestampMS < 0 {
		return fmt.Errorf("timestamp_ms must be >= 0")
	}
	if d.LatencyMS < 0 {
		return fmt.Errorf("latency_ms must be >= 0")
	}
	seen := map[string]struct{}{}
	for _, signal := range d.Signals {
		if err := signal.Validate(); err != nil {
			return err
		}
		if _, ok := seen[signal.JunctionID]; ok {
			return fmt.Errorf("duplicate junction in decisions: %s", signal.JunctionID)
		}
		seen[signal.JunctionID] = struct{}{}
	}
	return nil
}

// SessionStatus is the lifecycle state of an emergency session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionCancelled SessionStatus = "CANCELLED"
)

func (s SessionStatus) Validate() error {
	if !isSessionStatus(s) {
		return fmt.Errorf("invalid session status: %q", s)
	}
	return nil
}

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// EmergencySession records one green-corridor escort from activation to release.
type EmergencySession struct {
	SessionID            string        `json:"session_id"`
	VehicleID            string        `json:"vehicle_id"`
	VehiclePlate         string        `json:"vehicle_plate,omitempty"`
	Status               SessionStatus `json:"status"`
	ActivatedAtMS        int64         `json:"activated_at_ms"`
	CompletedAtMS        *int64        `json:"completed_at_ms,omitempty"`
	Route                []string      `json:"route"`
	AffectedJunctions    []string      `json:"affected_junctions"`
	TotalDistanceMeters  float64       `json:"total_distance_meters"`
	EstimatedTimeSeconds float64       `json:"estimated_time_seconds"`
	ActualTravelSeconds  *float64      `json:"actual_travel_seconds,omitempty"`
}

func (s EmergencySession) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if s.VehicleID == "" {
		return fmt.Errorf("vehicle_id is required")
	}
	if !isSessionStatus(s.Status) {
		return fmt.Errorf("invalid session status: %q", s.Status)
	}
	if s.ActivatedAtMS < 0 {
		return fmt.Errorf("activated_at_ms must be >= 0")
	}
	if s.CompletedAtMS != nil && !s.Status.Terminal() {
		return fmt.Errorf("completed_at_ms requires a terminal status")
	}
	if s.CompletedAtMS != nil && *s.CompletedAtMS < s.ActivatedAtMS {
		return fmt.Errorf("completed_at_ms must be >= activated_at_ms")
	}
	for _, junctionID := range s.Route {
		if junctionID == "" {
			return fmt.Errorf("route entries must be non-empty")
		}
	}
	if s.TotalDistanceMeters < 0 {
		return fmt.Errorf("total_distance_meters must be >= 0")
	}
	if s.EstimatedTimeSeconds < 0 {
		return fmt.Errorf("estimated_time_seconds must be >= 0")
	}
	return nil
}

// ActiveCorridor is the rolling GREEN window held ahead of an emergency vehicle.
type ActiveCorridor struct {
	SessionID            string                    `json:"session_id"`
	JunctionPath         []string                  `json:"junction_path"`
	CurrentJunctionIndex int                       `json:"current_junction_index"`
	LookaheadJunctions   int                       `json:"lookahead_junctions"`
	SignalOverrides      map[string]grid.Direction `json:"signal_overrides"`
}

func (c ActiveCorridor) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if len(c.JunctionPath) == 0 {
		return fmt.Errorf("junction_path must be non-empty")
	}
	if c.CurrentJunctionIndex < 0 || c.CurrentJunctionIndex >= len(c.JunctionPath) {
		return fmt.Errorf("current_junction_index out of range: %d", c.CurrentJunctionIndex)
	}
	if c.LookaheadJunctions < 1 {
		return fmt.Errorf("lookahead_junctions must be >= 1")
	}
	inPath := map[string]struct{}{}
	for _, junctionID := range c.JunctionPath {
		if junctionID == "" {
			return fmt.Errorf("junction_path entries must be non-empty")
		}
		inPath[junctionID] = struct{}{}
	}
	for junctionID, direction := range c.SignalOverrides {
		if _, ok := inPath[junctionID]; !ok {
			return fmt.Errorf("signal_overrides junction %s is not on the path", junctionID)
		}
		if err := direction.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// OverrideType classifies a manual operator override.
type OverrideType string

const (
	OverrideJunctionSignal OverrideType = "JUNCTION_SIGNAL"
	OverrideAgentDisable   OverrideType = "AGENT_DISABLE"
	OverrideEmergencyStop  OverrideType = "EMERGENCY_STOP"
	OverrideModeChange     OverrideType = "MODE_CHANGE"
)

func (o OverrideType) Validate() error {
	if !isOverrideType(o) {
		return fmt.Errorf("invalid override type: %q", o)
	}
	return nil
}

// ManualOverride is a time-bounded operator directive consulted before
// every signal application.
type ManualOverride struct {
	OverrideID      string            `json:"override_id"`
	Type            OverrideType      `json:"type"`
	OperatorID      string            `json:"operator_id"`
	TimestampMS     int64             `json:"timestamp_ms"`
	TargetID        string            `json:"target_id,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	Active          bool              `json:"active"`
	Reason          string            `json:"reason"`
}

func (o ManualOverride) Validate() error {
	if o.OverrideID == "" {
		return fmt.Errorf("override_id is required")
	}
	if !isOverrideType(o.Type) {
		return fmt.Errorf("invalid override type: %q", o.Type)
	}
	if o.OperatorID == "" {
		return fmt.Errorf("operator_id is required")
	}
	if o.TimestampMS < 0 {
		return fmt.Errorf("timestamp_ms must be >= 0")
	}
	if o.DurationSeconds != nil && *o.DurationSeconds <= 0 {
		return fmt.Errorf("duration_seconds must be > 0 when set")
	}
	if o.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	if o.Type == OverrideJunctionSignal {
		if o.TargetID == "" {
			return fmt.Errorf("target_id is required for JUNCTION_SIGNAL overrides")
		}
		direction := grid.Direction(o.Parameters["direction"])
		if err := direction.Validate(); err != nil {
			return fmt.Errorf("JUNCTION_SIGNAL parameters: %w", err)
		}
		state := grid.SignalState(o.Parameters["state"])
		if state != grid.SignalGreen && state != grid.SignalRed {
			return fmt.Errorf("JUNCTION_SIGNAL parameters: state must be GREEN or RED, got %q", state)
		}
	}
	if o.Type == OverrideModeChange {
		mode := grid.SystemMode(o.Parameters["mode"])
		if err := mode.Validate(); err != nil {
			return fmt.Errorf("MODE_CHANGE parameters: %w", err)
		}
	}
	return nil
}

// SystemStatus is the operator-visible snapshot of controller state.
type SystemStatus struct {
	Mode            grid.SystemMode   `json:"mode"`
	EnteredAtMS     int64             `json:"entered_at_ms"`
	Reason          string            `json:"reason,omitempty"`
	PreviousMode    *grid.SystemMode  `json:"previous_mode,omitempty"`
	AgentRunning    bool              `json:"agent_running"`
	AgentPaused     bool              `json:"agent_paused"`
	TickCount       uint64            `json:"tick_count"`
	ErrorCount      uint64            `json:"error_count"`
	ActiveOverrides int               `json:"active_overrides"`
	ActiveSession   *EmergencySession `json:"active_session,omitempty"`
}

func (s SystemStatus) Validate() error {
	if err := s.Mode.Validate(); err != nil {
		return err
	}
	if s.EnteredAtMS < 0 {
		return fmt.Errorf("entered_at_ms must be >= 0")
	}
	if s.PreviousMode != nil {
		if err := s.PreviousMode.Validate(); err != nil {
			return err
		}
	}
	if s.ActiveOverrides < 0 {
		return fmt.Errorf("active_overrides must be >= 0")
	}
	if s.ActiveSession != nil {
		if err := s.ActiveSession.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func isStrategy(s Strategy) bool {
	switch s {
	case StrategyRuleBased, StrategyRL, StrategyManual, StrategyEmergency:
		return true
	default:
		return false
	}
}

func isSignalAction(a SignalAction) bool {
	switch a {
	case ActionGreen, ActionRed, ActionHold:
		return true
	default:
		return false
	}
}

func isSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionActive, SessionCompleted, SessionCancelled:
		return true
	default:
		return false
	}
}

func isOverrideType(o OverrideType) bool {
	switch o {
	case OverrideJunctionSignal, OverrideAgentDisable, OverrideEmergencyStop, OverrideModeChange:
		return true
	default:
		return false
	}
}
