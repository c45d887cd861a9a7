package override

import (
	"errors"
	"testing"
	"time"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
	"github.com/arterial/traffic-grid-controller/api/grid"
)

// stepClock advances manually so expiry windows are deterministic.
type stepClock struct {
	at time.Time
}

func newStepClock() *stepClock {
	return &stepClock{at: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) now() time.Time { return c.at }

func (c *stepClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func TestForceSignalStateLifecycle(t *testing.T) {
	t.Parallel()

	clock := newStepClock()
	var audits []string
	registry := NewRegistry(Config{
		Now: clock.now,
		Audit: func(record controlplane.ManualOverride, action string) {
			audits = append(audits, action)
		},
	})

	id, err := registry.ForceSignalState("J-1", grid.DirectionNorth, grid.SignalGreen, 30*time.Second, "opX", "stuck sensor")
	if err != nil {
		t.Fatalf("force signal state: %v", err)
	}
	if id == "" {
		t.Fatalf("expected override id")
	}

	record, ok := registry.ActiveFor("J-1", grid.DirectionNorth)
	if !ok {
		t.Fatalf("expected active override for J-1/N")
	}
	if record.Parameters["state"] != "GREEN" || record.TargetID != "J-1" {
		t.Fatalf("unexpected record %+v", record)
	}
	if _, ok := registry.ActiveFor("J-1", grid.DirectionEast); ok {
		t.Fatalf("expected no override for J-1/E")
	}

	if !registry.CancelOverride(id, "opY") {
		t.Fatalf("expected cancel to succeed")
	}
	if _, ok := registry.ActiveFor("J-1", grid.DirectionNorth); ok {
		t.Fatalf("expected override gone after cancel")
	}
	if registry.CancelOverride(id, "opY") {
		t.Fatalf("expected second cancel to fail")
	}

	if len(audits) != 2 || audits[0] != AuditCreated || audits[1] != AuditCancelled {
		t.Fatalf("unexpected audit trail %v", audits)
	}
}

func TestForceSignalStateValidation(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(Config{Now: newStepClock().now})
	cases := []struct {
		name string
		call func() (string, error)
		want error
	}{
		{
			name: "missing_operator",
			call: func() (string, error) {
				return registry.ForceSignalState("J-1", grid.DirectionNorth, grid.SignalGreen, 0, "", "r")
			},
			want: ErrOperatorRequired,
		},
		{
			name: "missing_junction",
			call: func() (string, error) {
				return registry.ForceSignalState("", grid.DirectionNorth, grid.SignalGreen, 0, "opX", "r")
			},
			want: ErrInvalidTarget,
		},
		{
			name: "yellow_not_forceable",
			call: func() (string, error) {
				return registry.ForceSignalState("J-1", grid.DirectionNorth, grid.SignalYellow, 0, "opX", "r")
			},
			want: ErrInvalidTarget,
		},
		{
			name: "negative_duration",
			call: func() (string, error) {
				return registry.ForceSignalState("J-1", grid.DirectionNorth, grid.SignalRed, -time.Second, "opX", "r")
			},
			want: ErrInvalidTarget,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := tc.call(); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOverrideAutoExpiry(t *testing.T) {
	t.Parallel()

	clock := newStepClock()
	var expiredIDs []string
	registry := NewRegistry(Config{
		Now: clock.now,
		Audit: func(record controlplane.ManualOverride, action string) {
			if action == AuditExpired {
				expiredIDs = append(expiredIDs, record.OverrideID)
			}
		},
	})

	id, err := registry.ForceSignalState("J-1", grid.DirectionNorth, grid.SignalRed, 10*time.Second, "opX", "maintenance")
	if err != nil {
		t.Fatalf("force signal state: %v", err)
	}

	clock.advance(9 * time.Second)
	if _, ok := registry.ActiveFor("J-1", grid.DirectionNorth); !ok {
		t.Fatalf("expected override alive at 9s")
	}

	clock.advance(2 * time.Second)
	if _, ok := registry.ActiveFor("J-1", grid.DirectionNorth); ok {
		t.Fatalf("expected override expired at 11s")
	}
	if len(expiredIDs) != 1 || expiredIDs[0] != id {
		t.Fatalf("expected expiry audit for %s, got %v", id, expiredIDs)
	}

	history := registry.GetHistory(10)
	if len(history) != 1 || history[0].Active {
		t.Fatalf("expected one inactive history record, got %+v", history)
	}
	stats := registry.Stats()
	if stats.Expired != 1 || stats.Active != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAgentDisableEnableCycle(t *testing.T) {
	t.Parallel()

	clock := newStepClock()
	var disabled, enabled int
	registry := NewRegistry(Config{
		Now:            clock.now,
		OnAgentDisable: func(string) { disabled++ },
		OnAgentEnable:  func() { enabled++ },
	})

	if registry.AgentDisabled() {
		t.Fatalf("agent should start enabled")
	}
	if registry.EnableAgent("opX") {
		t.Fatalf("enable with nothing disabled should return false")
	}

	if _, err := registry.DisableAgent("opX", "planned maintenance"); err != nil {
		t.Fatalf("disable agent: %v", err)
	}
	if !registry.AgentDisabled() {
		t.Fatalf("expected agent disabled")
	}
	if disabled != 1 {
		t.Fatalf("expected disable hook fired once, got %d", disabled)
	}

	if !registry.EnableAgent("opY") {
		t.Fatalf("expected enable to succeed")
	}
	if registry.AgentDisabled() {
		t.Fatalf("expected agent enabled")
	}
	if enabled != 1 {
		t.Fatalf("expected enable hook fired once, got %d", enabled)
	}
}

func TestCancelLastAgentDisableFiresEnable(t *testing.T) {
	t.Parallel()

	clock := newStepClock()
	var enabled int
	registry := NewRegistry(Config{Now: clock.now, OnAgentEnable: func() { enabled++ }})

	id, err := registry.DisableAgent("opX", "r")
	if err != nil {
		t.Fatalf("disable agent: %v", err)
	}
	if !registry.CancelOverride(id, "opX") {
		t.Fatalf("expected cancel to succeed")
	}
	if enabled != 1 {
		t.Fatalf("expected enable hook on last disable cancel, got %d", enabled)
	}
	if registry.AgentDisabled() {
		t.Fatalf("expected agent enabled after cancel")
	}
}

func TestEmergencyStopHoldsAgentDown(t *testing.T) {
	t.Parallel()

	clock := newStepClock()
	var stopped int
	registry := NewRegistry(Config{Now: clock.now, OnEmergencyStop: func(string) { stopped++ }})

	if _, err := registry.EmergencyStop("opX", "runaway decisions"); err != nil {
		t.Fatalf("emergency stop: %v", err)
	}
	if stopped != 1 {
		t.Fatalf("expected stop hook fired once, got %d", stopped)
	}
	if !registry.AgentDisabled() {
		t.Fatalf("emergency stop must hold the agent down")
	}
	// EnableAgent only clears AGENT_DISABLE records; a stop needs cancel.
	if registry.EnableAgent("opX") {
		t.Fatalf("enable should not clear an emergency stop")
	}
	if !registry.AgentDisabled() {
		t.Fatalf("expected agent still down after enable attempt")
	}
}

func TestGetActiveAndHistoryOrdering(t *testing.T) {
	t.Parallel()

	clock := newStepClock()
	registry := NewRegistry(Config{Now: clock.now})

	first, _ := registry.ForceSignalState("J-1", grid.DirectionNorth, grid.SignalRed, 0, "opX", "a")
	clock.advance(time.Second)
	second, _ := registry.ForceSignalState("J-2", grid.DirectionEast, grid.SignalGreen, 0, "opX", "b")

	if got := len(registry.GetActive()); got != 2 {
		t.Fatalf("expected 2 active, got %d", got)
	}

	registry.CancelOverride(first, "opX")
	clock.advance(time.Second)
	registry.CancelOverride(second, "opX")

	history := registry.GetHistory(1)
	if len(history) != 1 || history[0].OverrideID != second {
		t.Fatalf("expected newest-first history, got %+v", history)
	}
	if got := len(registry.GetHistory(0)); got != 2 {
		t.Fatalf("expected full history with limit 0, got %d", got)
	}
}
