package controlplane

import (
	"testing"

	"github.com/arterial/traffic-grid-controller/api/grid"
)

func TestSignalDecisionValidate(t *testing.T) {
	t.Parallel()

	base := func() SignalDecision {
		return SignalDecision{
			JunctionID:      "J-1",
			Direction:       grid.DirectionNorth,
			Action:          ActionGreen,
			DurationSeconds: 30,
			Reason:          "Rule: Switch to highest density (8.0)",
		}
	}

	tests := []struct {
		name      string
		mutate    func(*SignalDecision)
		shouldErr bool
	}{
		{name: "valid", mutate: func(*SignalDecision) {}},
		{name: "missing junction", mutate: func(d *SignalDecision) { d.JunctionID = "" }, shouldErr: true},
		{name: "bad direction", mutate: func(d *SignalDecision) { d.Direction = "NE" }, shouldErr: true},
		{name: "bad action", mutate: func(d *SignalDecision) { d.Action = "FLASH" }, shouldErr: true},
		{name: "negative duration", mutate: func(d *SignalDecision) { d.DurationSeconds = -1 }, shouldErr: true},
		{name: "missing reason", mutate: func(d *SignalDecision) { d.Reason = "" }, shouldErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			decision := base()
			tc.mutate(&decision)
			err := decision.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected validation error, got nil")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestDecisionsValidateRejectsDuplicateJunctions(t *testing.T) {
	t.Parallel()

	decisions := Decisions{
		Signals: []SignalDecision{
			{JunctionID: "J-1", Direction: grid.DirectionNorth, Action: ActionGreen, DurationSeconds: 30, Reason: "r"},
			{JunctionID: "J-1", Direction: grid.DirectionEast, Action: ActionRed, Reason: "r"},
		},
		StrategyUsed: StrategyRuleBased,
		TimestampMS:  1000,
	}
	if err := decisions.Validate(); err == nil {
		t.Fatalf("expected duplicate-junction validation error")
	}
}

func TestDecisionsValidateEmergencyOverrideConsistency(t *testing.T) {
	t.Parallel()

	decisions := Decisions{StrategyUsed: StrategyRuleBased, EmergencyOverride: true}
	if err := decisions.Validate(); err == nil {
		t.Fatalf("expected error: emergency_override with non-emergency strategy")
	}

	decisions = Decisions{StrategyUsed: StrategyEmergency, EmergencyOverride: true}
	if err := decisions.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestEmergencySessionValidate(t *testing.T) {
	t.Parallel()

	completed := int64(5000)
	base := func() EmergencySession {
		return EmergencySession{
			SessionID:            "sess-1",
			VehicleID:            "veh-9",
			Status:               SessionActive,
			ActivatedAtMS:        1000,
			Route:                []string{"J-0", "J-1"},
			AffectedJunctions:    []string{"J-0", "J-1"},
			TotalDistanceMeters:  420,
			EstimatedTimeSeconds: 29.2,
		}
	}

	session := base()
	if err := session.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	session = base()
	session.CompletedAtMS = &completed
	if err := session.Validate(); err == nil {
		t.Fatalf("expected error: completed_at_ms on ACTIVE session")
	}

	session = base()
	session.Status = SessionCompleted
	session.CompletedAtMS = &completed
	if err := session.Validate(); err != nil {
		t.Fatalf("unexpected validation error for completed session: %v", err)
	}

	if !SessionCompleted.Terminal() || !SessionCancelled.Terminal() || SessionActive.Terminal() {
		t.Fatalf("terminal status classification is wrong")
	}
}

func TestActiveCorridorValidate(t *testing.T) {
	t.Parallel()

	corridor := ActiveCorridor{
		SessionID:            "sess-1",
		JunctionPath:         []string{"J-0", "J-1", "J-2"},
		CurrentJunctionIndex: 0,
		LookaheadJunctions:   5,
		SignalOverrides: map[string]grid.Direction{
			"J-0": grid.DirectionEast,
			"J-1": grid.DirectionEast,
		},
	}
	if err := corridor.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	corridor.SignalOverrides["J-9"] = grid.DirectionSouth
	if err := corridor.Validate(); err == nil {
		t.Fatalf("expected error: override junction off the path")
	}

	delete(corridor.SignalOverrides, "J-9")
	corridor.CurrentJunctionIndex = 3
	if err := corridor.Validate(); err == nil {
		t.Fatalf("expected error: index out of range")
	}
}

func TestManualOverrideValidate(t *testing.T) {
	t.Parallel()

	base := func() ManualOverride {
		return ManualOverride{
			OverrideID:  "ovr-1",
			Type:        OverrideJunctionSignal,
			OperatorID:  "op-3",
			TimestampMS: 2000,
			TargetID:    "J-4",
			Parameters:  map[string]string{"direction": "N", "state": "GREEN"},
			Active:      true,
			Reason:      "manual signal hold",
		}
	}

	override := base()
	if err := override.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	override = base()
	override.Parameters["state"] = "YELLOW"
	if err := override.Validate(); err == nil {
		t.Fatalf("expected error: YELLOW is not a manual target state")
	}

	override = base()
	override.TargetID = ""
	if err := override.Validate(); err == nil {
		t.Fatalf("expected error: JUNCTION_SIGNAL without target_id")
	}

	zero := 0.0
	override = base()
	override.DurationSeconds = &zero
	if err := override.Validate(); err == nil {
		t.Fatalf("expected error: non-positive duration")
	}

	override = ManualOverride{
		OverrideID:  "ovr-2",
		Type:        OverrideModeChange,
		OperatorID:  "op-3",
		TimestampMS: 2000,
		Parameters:  map[string]string{"mode": "INCIDENT"},
		Active:      true,
		Reason:      "operator mode change",
	}
	if err := override.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
