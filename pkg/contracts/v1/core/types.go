package core

import (
	cp "github.com/arterial/traffic-grid-controller/api/controlplane"
	ev "github.com/arterial/traffic-grid-controller/api/events"
	"github.com/arterial/traffic-grid-controller/api/grid"
)

// Grid contracts.
type Direction = grid.Direction
type SignalState = grid.SignalState
type SystemMode = grid.SystemMode
type JunctionMode = grid.JunctionMode
type CongestionLevel = grid.CongestionLevel
type Position = grid.Position
type VehicleSnapshot = grid.VehicleSnapshot
type JunctionSnapshot = grid.JunctionSnapshot
type RoadSnapshot = grid.RoadSnapshot

// Control-plane contracts.
type Strategy = cp.Strategy
type SignalAction = cp.SignalAction
type SignalDecision = cp.SignalDecision
type Decisions = cp.Decisions
type SessionStatus = cp.SessionStatus
type EmergencySession = cp.EmergencySession
type ActiveCorridor = cp.ActiveCorridor
type OverrideType = cp.OverrideType
type ManualOverride = cp.ManualOverride
type SystemStatus = cp.SystemStatus

// Event contracts.
type Event = ev.Event
type EventName = ev.Name
type Severity = ev.Severity
