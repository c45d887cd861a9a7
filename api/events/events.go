package events

import (
	"encoding/json"
	"fmt"
)

// Name identifies one event kind on the bus.
type Name string

const (
	VehicleUpdate         Name = "vehicle.update"
	VehicleSpawned        Name = "vehicle.spawned"
	VehicleRemoved        Name = "vehicle.removed"
	SignalChange          Name = "signal.change"
	DensityUpdate         Name = "density.update"
	AgentDecision         Name = "agent.decision"
	AgentStatus           Name = "agent.status"
	EmergencyActivated    Name = "emergency.activated"
	EmergencyProgress     Name = "emergency.progress"
	EmergencyDeactivated  Name = "emergency.deactivated"
	FailSafeTriggered     Name = "failsafe.triggered"
	FailSafeCleared       Name = "failsafe.cleared"
	OverrideCreated       Name = "override.created"
	OverrideCancelled     Name = "override.cancelled"
	ModeChanged           Name = "mode.changed"
	IncidentDetected      Name = "incident.detected"
	IncidentCleared       Name = "incident.cleared"
)

// Severity grades an event for external operators.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is the envelope broadcast to every subscriber. Payload is an
// opaque JSON document owned by the emitting component; Attributes carry
// the indexed fields subscribers filter on.
type Event struct {
	Name          Name              `json:"name"`
	TimestampMS   int64             `json:"timestamp_ms"`
	Severity      Severity          `json:"severity,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

func (e Event) Validate() error {
	if !isName(e.Name) {
		return fmt.Errorf("invalid event name: %q", e.Name)
	}
	if e.TimestampMS < 0 {
		return fmt.Errorf("timestamp_ms must be >= 0")
	}
	if e.Severity != "" && !isSeverity(e.Severity) {
		return fmt.Errorf("invalid severity: %q", e.Severity)
	}
	return nil
}

// CoalesceKey returns the attribute that identifies the entity a throttled
// event stream coalesces on, or "" when the event kind is never coalesced.
func (e Event) CoalesceKey() string {
	switch e.Name {
	case VehicleUpdate:
		return e.Attributes["vehicle_id"]
	case DensityUpdate:
		return e.Attributes["road_id"]
	default:
		return ""
	}
}

func isName(n Name) bool {
	switch n {
	case VehicleUpdate, VehicleSpawned, VehicleRemoved,
		SignalChange, DensityUpdate,
		AgentDecision, AgentStatus,
		EmergencyActivated, EmergencyProgress, EmergencyDeactivated,
		FailSafeTriggered, FailSafeCleared,
		OverrideCreated, OverrideCancelled,
		ModeChanged, IncidentDetected, IncidentCleared:
		return true
	default:
		return false
	}
}

func isSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}
