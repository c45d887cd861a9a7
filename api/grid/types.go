package grid

import (
	"fmt"
	"math"
)

// Direction identifies one of the four signal heads at a junction.
type Direction string

const (
	DirectionNorth Direction = "N"
	DirectionEast  Direction = "E"
	DirectionSouth Direction = "S"
	DirectionWest  Direction = "W"
)

// Directions returns the four directions in canonical N,E,S,W order.
func Directions() []Direction {
	return []Direction{DirectionNorth, DirectionEast, DirectionSouth, DirectionWest}
}

// Index returns the canonical index of the direction (N=0, E=1, S=2, W=3).
func (d Direction) Index() (int, error) {
	switch d {
	case DirectionNorth:
		return 0, nil
	case DirectionEast:
		return 1, nil
	case DirectionSouth:
		return 2, nil
	case DirectionWest:
		return 3, nil
	default:
		return 0, fmt.Errorf("invalid direction: %q", d)
	}
}

// DirectionFromIndex maps a canonical index back to a direction.
func DirectionFromIndex(i int) (Direction, error) {
	switch i {
	case 0:
		return DirectionNorth, nil
	case 1:
		return DirectionEast, nil
	case 2:
		return DirectionSouth, nil
	case 3:
		return DirectionWest, nil
	default:
		return "", fmt.Errorf("invalid direction index: %d", i)
	}
}

func (d Direction) Validate() error {
	if !isDirection(d) {
		return fmt.Errorf("invalid direction: %q", d)
	}
	return nil
}

// SignalState is the color of one signal head.
type SignalState string

const (
	SignalRed    SignalState = "RED"
	SignalYellow SignalState = "YELLOW"
	SignalGreen  SignalState = "GREEN"
)

func (s SignalState) Validate() error {
	if !isSignalState(s) {
		return fmt.Errorf("invalid signal_state: %q", s)
	}
	return nil
}

// JunctionMode marks who currently commands a junction's signals.
type JunctionMode string

const (
	JunctionModeNormal    JunctionMode = "NORMAL"
	JunctionModeEmergency JunctionMode = "EMERGENCY"
	JunctionModeManual    JunctionMode = "MANUAL"
)

func (m JunctionMode) Validate() error {
	if !isJunctionMode(m) {
		return fmt.Errorf("invalid junction_mode: %q", m)
	}
	return nil
}

// SystemMode is the controller-wide operating mode.
type SystemMode string

const (
	SystemModeNormal    SystemMode = "NORMAL"
	SystemModeEmergency SystemMode = "EMERGENCY"
	SystemModeIncident  SystemMode = "INCIDENT"
	SystemModeFailSafe  SystemMode = "FAIL_SAFE"
)

func (m SystemMode) Validate() error {
	if !isSystemMode(m) {
		return fmt.Errorf("invalid system_mode: %q", m)
	}
	return nil
}

// CongestionLevel classifies road or junction occupancy.
type CongestionLevel string

const (
	CongestionLow    CongestionLevel = "LOW"
	CongestionMedium CongestionLevel = "MEDIUM"
	CongestionHigh   CongestionLevel = "HIGH"
)

func (c CongestionLevel) Validate() error {
	if !isCongestionLevel(c) {
		return fmt.Errorf("invalid congestion_level: %q", c)
	}
	return nil
}

// Position is a planar map coordinate in meters.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance between two positions.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// VehicleSnapshot is a read-only view of one simulated vehicle.
// Vehicles are owned by the external simulator; the controller never
// mutates them.
type VehicleSnapshot struct {
	ID              string   `json:"id"`
	Plate           string   `json:"plate,omitempty"`
	Type            string   `json:"type,omitempty"`
	Position        Position `json:"position"`
	Speed           float64  `json:"speed"`
	Heading         float64  `json:"heading"`
	CurrentRoad     string   `json:"current_road,omitempty"`
	CurrentJunction string   `json:"current_junction,omitempty"`
	Destination     string   `json:"destination,omitempty"`
	Path            []string `json:"path,omitempty"`
	PathIndex       int      `json:"path_index"`
	IsEmergency     bool     `json:"is_emergency"`
	IsViolating     bool     `json:"is_violating"`
	WaitingSeconds  float64  `json:"waiting_seconds"`
	SpawnedAtMS     int64    `json:"spawned_at_ms"`
}

func (v VehicleSnapshot) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("vehicle id is required")
	}
	if v.Speed < 0 {
		return fmt.Errorf("vehicle speed must be >= 0")
	}
	if v.PathIndex < 0 {
		return fmt.Errorf("vehicle path_index must be >= 0")
	}
	if v.WaitingSeconds < 0 {
		return fmt.Errorf("vehicle waiting_seconds must be >= 0")
	}
	if v.SpawnedAtMS < 0 {
		return fmt.Errorf("vehicle spawned_at_ms must be >= 0")
	}
	return nil
}

// JunctionSnapshot is a read-only view of one signalized junction.
type JunctionSnapshot struct {
	ID             string                    `json:"id"`
	Position       Position                  `json:"position"`
	Signals        map[Direction]SignalState `json:"signals"`
	ConnectedRoads map[Direction]string      `json:"connected_roads,omitempty"`
	Mode           JunctionMode              `json:"mode"`
}

func (j JunctionSnapshot) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("junction id is required")
	}
	if j.Mode != "" && !isJunctionMode(j.Mode) {
		return fmt.Errorf("invalid junction_mode: %q", j.Mode)
	}
	for direction, state := range j.Signals {
		if !isDirection(direction) {
			return fmt.Errorf("invalid direction in signals: %q", direction)
		}
		if !isSignalState(state) {
			return fmt.Errorf("invalid signal_state for direction %s: %q", direction, state)
		}
	}
	for direction, roadID := range j.ConnectedRoads {
		if !isDirection(direction) {
			return fmt.Errorf("invalid direction in connected_roads: %q", direction)
		}
		if roadID == "" {
			return fmt.Errorf("connected_roads[%s] must not be empty", direction)
		}
	}
	return nil
}

// GreenDirections returns every direction currently showing GREEN.
func (j JunctionSnapshot) GreenDirections() []Direction {
	greens := make([]Direction, 0, 1)
	for _, direction := range Directions() {
		if j.Signals[direction] == SignalGreen {
			greens = append(greens, direction)
		}
	}
	return greens
}

// RoadSnapshot is a read-only view of one directed road segment.
type RoadSnapshot struct {
	ID            string  `json:"id"`
	StartJunction string  `json:"start_junction"`
	EndJunction   string  `json:"end_junction"`
	LengthMeters  float64 `json:"length_meters"`
	Lanes         int     `json:"lanes"`
	OneWay        bool    `json:"one_way"`
}

func (r RoadSnapshot) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("road id is required")
	}
	if r.StartJunction == "" || r.EndJunction == "" {
		return fmt.Errorf("road %s requires start_junction and end_junction", r.ID)
	}
	if r.LengthMeters < 0 {
		return fmt.Errorf("road %s length_meters must be >= 0", r.ID)
	}
	if r.Lanes < 0 {
		return fmt.Errorf("road %s lanes must be >= 0", r.ID)
	}
	return nil
}

// ManualControl is an operator directive surfaced by the simulator.
type ManualControl struct {
	ControlID   string      `json:"control_id"`
	JunctionID  string      `json:"junction_id"`
	Direction   Direction   `json:"direction"`
	TargetState SignalState `json:"target_state"`
	OperatorID  string      `json:"operator_id"`
	Reason      string      `json:"reason,omitempty"`
	IssuedAtMS  int64       `json:"issued_at_ms"`
}

func (c ManualControl) Validate() error {
	if c.ControlID == "" {
		return fmt.Errorf("control_id is required")
	}
	if c.JunctionID == "" {
		return fmt.Errorf("junction_id is required")
	}
	if !isDirection(c.Direction) {
		return fmt.Errorf("invalid direction: %q", c.Direction)
	}
	if c.TargetState != SignalGreen && c.TargetState != SignalRed {
		return fmt.Errorf("target_state must be GREEN or RED, got %q", c.TargetState)
	}
	if c.OperatorID == "" {
		return fmt.Errorf("operator_id is required")
	}
	if c.IssuedAtMS < 0 {
		return fmt.Errorf("issued_at_ms must be >= 0")
	}
	return nil
}

// ViolationKind classifies a detected traffic violation.
type ViolationKind string

const (
	ViolationRedLight ViolationKind = "RED_LIGHT"
	ViolationWrongWay ViolationKind = "WRONG_WAY"
	ViolationSpeeding ViolationKind = "SPEEDING"
)

// Violation is a read-only record of a detected traffic violation.
type Violation struct {
	ViolationID  string        `json:"violation_id"`
	VehicleID    string        `json:"vehicle_id"`
	Plate        string        `json:"plate,omitempty"`
	JunctionID   string        `json:"junction_id,omitempty"`
	RoadID       string        `json:"road_id,omitempty"`
	Kind         ViolationKind `json:"kind"`
	DetectedAtMS int64         `json:"detected_at_ms"`
}

func (v Violation) Validate() error {
	if v.ViolationID == "" {
		return fmt.Errorf("violation_id is required")
	}
	if v.VehicleID == "" {
		return fmt.Errorf("vehicle_id is required")
	}
	switch v.Kind {
	case ViolationRedLight, ViolationWrongWay, ViolationSpeeding:
	default:
		return fmt.Errorf("invalid violation kind: %q", v.Kind)
	}
	if v.DetectedAtMS < 0 {
		return fmt.Errorf("detected_at_ms must be >= 0")
	}
	return nil
}

func isDirection(d Direction) bool {
	switch d {
	case DirectionNorth, DirectionEast, DirectionSouth, DirectionWest:
		return true
	default:
		return false
	}
}

func isSignalState(s SignalState) bool {
	switch s {
	case SignalRed, SignalYellow, SignalGreen:
		return true
	default:
		return false
	}
}

func isJunctionMode(m JunctionMode) bool {
	switch m {
	case JunctionModeNormal, JunctionModeEmergency, JunctionModeManual:
		return true
	default:
		return false
	}
}

func isSystemMode(m SystemMode) bool {
	switch m {
	case SystemModeNormal, SystemModeEmergency, SystemModeIncident, SystemModeFailSafe:
		return true
	default:
		return false
	}
}

func isCongestionLevel(c CongestionLevel) bool {
	switch c {
	case CongestionLow, CongestionMedium, CongestionHigh:
		return true
	default:
		return false
	}
}
