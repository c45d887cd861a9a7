package emergency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
	"github.com/arterial/traffic-grid-controller/api/events"
	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/internal/clock"
	"github.com/arterial/traffic-grid-controller/internal/mode"
	"github.com/arterial/traffic-grid-controller/internal/roadnet"
	"github.com/arterial/traffic-grid-controller/internal/routing"
)

// Pathfinder plans a corridor route over the road graph.
type Pathfinder interface {
	FindPath(startID, endID string) (routing.Route, error)
}

// SignalController applies held signal changes to the grid.
type SignalController interface {
	SetGreen(ctx context.Context, junctionID string, direction grid.Direction, hold time.Duration) error
	SetRed(ctx context.Context, junctionID string, direction grid.Direction) error
}

// GridState exposes junction geometry and per-junction mode control.
type GridState interface {
	Junction(id string) (roadnet.JunctionState, error)
	SetMode(id string, junctionMode grid.JunctionMode) error
}

// VehicleLocator resolves a vehicle snapshot by id from the last
// perceived world state.
type VehicleLocator interface {
	Vehicle(id string) (grid.VehicleSnapshot, bool)
}

// ModeController is the slice of the mode manager the corridor drives.
type ModeController interface {
	Transition(to grid.SystemMode, reason string) (mode.Transition, error)
	Current() mode.Snapshot
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(name events.Name, severity events.Severity, attributes map[string]string, payload any)
}

// Config tunes corridor behavior.
type Config struct {
	LookaheadJunctions int           // default 5
	SignalHoldDuration time.Duration // default 120s
	UpdateInterval     time.Duration // monitor cadence, default 1s
	AvgSpeedKmh        float64       // default 60
	CompletionRadius   float64       // default 30 position units
	MaxHistory         int           // terminated sessions kept, default 100
	Now                func() time.Time
	Logger             *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.LookaheadJunctions <= 0 {
		c.LookaheadJunctions = 5
	}
	if c.SignalHoldDuration <= 0 {
		c.SignalHoldDuration = 120 * time.Second
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = time.Second
	}
	if c.AvgSpeedKmh <= 0 {
		c.AvgSpeedKmh = 60
	}
	if c.CompletionRadius <= 0 {
		c.CompletionRadius = 30
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Manager owns the emergency session lifecycle: it plans the route, rolls
// a GREEN wave of LookaheadJunctions ahead of the vehicle, and releases
// the grid when the session terminates.
type Manager struct {
	cfg        Config
	tracker    *Tracker
	pathfinder Pathfinder
	signals    SignalController
	grid       GridState
	modes      ModeController
	vehicles   VehicleLocator
	scheduler  *clock.Scheduler
	bus        Emitter
	log        *zap.Logger

	mu           sync.Mutex
	corridor     *controlplane.ActiveCorridor
	monitorToken *clock.Token
}

// NewManager wires a corridor manager. All collaborators are required.
func NewManager(cfg Config, pathfinder Pathfinder, signals SignalController, gridState GridState, modes ModeController, vehicles VehicleLocator, scheduler *clock.Scheduler, bus Emitter) (*Manager, error) {
	if pathfinder == nil || signals == nil || gridState == nil || modes == nil || vehicles == nil || scheduler == nil || bus == nil {
		return nil, fmt.Errorf("emergency manager requires pathfinder, signals, grid, modes, vehicles, scheduler and bus")
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		tracker:    NewTracker(cfg.MaxHistory),
		pathfinder: pathfinder,
		signals:    signals,
		grid:       gridState,
		modes:      modes,
		vehicles:   vehicles,
		scheduler:  scheduler,
		bus:        bus,
		log:        cfg.Logger,
	}, nil
}

// Activate opens an emergency session from startJunction to endJunction
// and rolls the first corridor window. At most one session may be active.
func (m *Manager) Activate(ctx context.Context, vehicleID, vehiclePlate, startJunction, endJunction string) (controlplane.EmergencySession, error) {
	if vehicleID == "" {
		return controlplane.EmergencySession{}, fmt.Errorf("vehicle_id is required")
	}
	if _, active := m.tracker.Active(); active {
		return controlplane.EmergencySession{}, ErrSessionActive
	}
	startState, err := m.grid.Junction(startJunction)
	if err != nil {
		return controlplane.EmergencySession{}, err
	}
	endState, err := m.grid.Junction(endJunction)
	if err != nil {
		return controlplane.EmergencySession{}, err
	}

	route, err := m.pathfinder.FindPath(startJunction, endJunction)
	if err != nil {
		if !errors.Is(err, routing.ErrNoPath) && !errors.Is(err, routing.ErrJunctionUnknown) {
			return controlplane.EmergencySession{}, err
		}
		// No graph route: proceed on a direct two-node corridor.
		m.log.Warn("emergency route fallback",
			zap.String("start_junction", startJunction),
			zap.String("end_junction", endJunction),
			zap.Error(err))
		route = routing.Route{
			Junctions:           []string{startJunction, endJunction},
			TotalDistanceMeters: startState.Position.DistanceTo(endState.Position),
		}
		if startJunction == endJunction {
			route.Junctions = []string{startJunction}
			route.TotalDistanceMeters = 0
		}
	}

	now := m.cfg.Now()
	session := controlplane.EmergencySession{
		SessionID:            uuid.NewString(),
		VehicleID:            vehicleID,
		VehiclePlate:         vehiclePlate,
		Status:               controlplane.SessionActive,
		ActivatedAtMS:        now.UnixMilli(),
		Route:                route.Junctions,
		TotalDistanceMeters:  route.TotalDistanceMeters,
		EstimatedTimeSeconds: estimatedTravelSeconds(route.TotalDistanceMeters, m.cfg.AvgSpeedKmh, len(route.Junctions)),
	}
	if err := m.tracker.Activate(session); err != nil {
		return controlplane.EmergencySession{}, err
	}

	if current := m.modes.Current().Mode; current != grid.SystemModeEmergency {
		if _, err := m.modes.Transition(grid.SystemModeEmergency, "emergency corridor "+session.SessionID); err != nil {
			m.log.Warn("emergency mode transition refused",
				zap.String("session_id", session.SessionID),
				zap.Error(err))
		}
	}

	m.mu.Lock()
	m.corridor = &controlplane.ActiveCorridor{
		SessionID:            session.SessionID,
		JunctionPath:         append([]string(nil), route.Junctions...),
		CurrentJunctionIndex: 0,
		LookaheadJunctions:   m.cfg.LookaheadJunctions,
		SignalOverrides:      map[string]grid.Direction{},
	}
	m.activateCorridorSignalsLocked(ctx)
	token := clock.NewToken()
	m.monitorToken = token
	m.mu.Unlock()

	if err := m.scheduler.Every(m.cfg.UpdateInterval, "emergency-monitor-"+session.SessionID, token, m.monitorTick); err != nil {
		m.log.Error("emergency monitor scheduling failed",
			zap.String("session_id", session.SessionID),
			zap.Error(err))
	}

	active, _ := m.tracker.Active()
	m.bus.Emit(events.EmergencyActivated, events.SeverityWarning, map[string]string{
		"session_id": session.SessionID,
		"vehicle_id": vehicleID,
	}, active)
	return active, nil
}

// CancelActive cancels the running session and releases the corridor.
func (m *Manager) CancelActive(ctx context.Context) (controlplane.EmergencySession, error) {
	session, err := m.tracker.Cancel(m.cfg.Now())
	if err != nil {
		return controlplane.EmergencySession{}, err
	}
	m.deactivate(session)
	return session, nil
}

// Active returns the running session, if any.
func (m *Manager) Active() (controlplane.EmergencySession, bool) {
	return m.tracker.Active()
}

// Corridor returns the live corridor window, if any.
func (m *Manager) Corridor() (controlplane.ActiveCorridor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corridor == nil {
		return controlplane.ActiveCorridor{}, false
	}
	return cloneCorridor(*m.corridor), true
}

// History returns terminated sessions, newest first.
func (m *Manager) History(limit int) []controlplane.EmergencySession {
	return m.tracker.History(limit)
}

// CorridorDirection reports the held direction for a junction inside the
// live corridor window. The decision engine defers to this direction for
// corridor junctions.
func (m *Manager) CorridorDirection(junctionID string) (grid.Direction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corridor == nil {
		return "", false
	}
	direction, ok := m.corridor.SignalOverrides[junctionID]
	return direction, ok
}

// activateCorridorSignalsLocked rolls the lookahead window starting at
// the corridor's current index: each window junction goes to EMERGENCY
// mode with a held GREEN toward the next junction on the path, and
// junctions behind the window drop out of the override set.
func (m *Manager) activateCorridorSignalsLocked(ctx context.Context) {
	corridor := m.corridor
	if corridor == nil {
		return
	}
	path := corridor.JunctionPath
	windowEnd := corridor.CurrentJunctionIndex + corridor.LookaheadJunctions
	if windowEnd > len(path) {
		windowEnd = len(path)
	}

	window := make(map[string]grid.Direction, windowEnd-corridor.CurrentJunctionIndex)
	for i := corridor.CurrentJunctionIndex; i < windowEnd; i++ {
		junctionID := path[i]
		direction, ok := m.travelDirection(path, i)
		if !ok {
			continue
		}
		// A junction only joins the override set once it is actually in
		// EMERGENCY mode; a failed mode flip leaves it under agent control.
		if err := m.grid.SetMode(junctionID, grid.JunctionModeEmergency); err != nil {
			m.log.Warn("corridor junction mode update failed",
				zap.String("junction_id", junctionID),
				zap.Error(err))
			continue
		}
		window[junctionID] = direction
		m.holdGreen(ctx, junctionID, direction)
		m.tracker.AddAffectedJunction(junctionID)
	}
	corridor.SignalOverrides = window
}

// holdGreen pins one direction GREEN and the other three RED.
func (m *Manager) holdGreen(ctx context.Context, junctionID string, direction grid.Direction) {
	for _, other := range grid.Directions() {
		if other == direction {
			continue
		}
		if err := m.signals.SetRed(ctx, junctionID, other); err != nil {
			m.log.Warn("corridor red application failed",
				zap.String("junction_id", junctionID),
				zap.String("direction", string(other)),
				zap.Error(err))
		}
	}
	if err := m.signals.SetGreen(ctx, junctionID, direction, m.cfg.SignalHoldDuration); err != nil {
		m.log.Warn("corridor green application failed",
			zap.String("junction_id", junctionID),
			zap.String("direction", string(direction)),
			zap.Error(err))
	}
}

// travelDirection resolves the wave direction at path index i: toward the
// next junction, or the approach direction at the final junction.
func (m *Manager) travelDirection(path []string, i int) (grid.Direction, bool) {
	var from, to string
	switch {
	case i+1 < len(path):
		from, to = path[i], path[i+1]
	case i > 0:
		from, to = path[i-1], path[i]
	default:
		// Single-junction corridor: keep whatever is green, else north.
		state, err := m.grid.Junction(path[i])
		if err != nil {
			return "", false
		}
		if state.CurrentGreen != "" {
			return state.CurrentGreen, true
		}
		return grid.DirectionNorth, true
	}

	fromState, err := m.grid.Junction(from)
	if err != nil {
		m.log.Warn("corridor junction lookup failed", zap.String("junction_id", from), zap.Error(err))
		return "", false
	}
	toState, err := m.grid.Junction(to)
	if err != nil {
		m.log.Warn("corridor junction lookup failed", zap.String("junction_id", to), zap.Error(err))
		return "", false
	}
	return cardinalDirection(fromState.Position, toState.Position), true
}

// monitorTick advances the wave as the vehicle moves and terminates the
// session on completion or loss.
func (m *Manager) monitorTick(now time.Time) {
	ctx := context.Background()
	session, ok := m.tracker.Active()
	if !ok {
		return
	}

	vehicle, found := m.vehicles.Vehicle(session.VehicleID)
	if !found {
		m.log.Warn("emergency vehicle lost", zap.String("session_id", session.SessionID), zap.String("vehicle_id", session.VehicleID))
		if cancelled, err := m.tracker.Cancel(now); err == nil {
			m.deactivate(cancelled)
		}
		return
	}

	if len(session.Route) > 0 {
		endState, err := m.grid.Junction(session.Route[len(session.Route)-1])
		if err == nil && vehicle.Position.DistanceTo(endState.Position) <= m.cfg.CompletionRadius {
			if completed, err := m.tracker.Complete(now); err == nil {
				m.deactivate(completed)
			}
			return
		}
	}

	m.mu.Lock()
	corridor := m.corridor
	if corridor == nil {
		m.mu.Unlock()
		return
	}
	advanced := false
	if vehicle.CurrentJunction != "" {
		for i := corridor.CurrentJunctionIndex + 1; i < len(corridor.JunctionPath); i++ {
			if corridor.JunctionPath[i] == vehicle.CurrentJunction {
				corridor.CurrentJunctionIndex = i
				m.activateCorridorSignalsLocked(ctx)
				advanced = true
				break
			}
		}
	}
	var snapshot controlplane.ActiveCorridor
	if advanced {
		snapshot = cloneCorridor(*corridor)
	}
	m.mu.Unlock()

	if advanced {
		m.bus.Emit(events.EmergencyProgress, events.SeverityInfo, map[string]string{
			"session_id":     session.SessionID,
			"vehicle_id":     session.VehicleID,
			"junction_index": strconv.Itoa(snapshot.CurrentJunctionIndex),
		}, snapshot)
	}
}

// deactivate releases every junction the corridor touched and leaves
// EMERGENCY mode if the system is still in it.
func (m *Manager) deactivate(session controlplane.EmergencySession) {
	m.mu.Lock()
	if m.monitorToken != nil {
		m.monitorToken.Cancel()
		m.monitorToken = nil
	}
	m.corridor = nil
	m.mu.Unlock()

	for _, junctionID := range session.AffectedJunctions {
		if err := m.grid.SetMode(junctionID, grid.JunctionModeNormal); err != nil {
			m.log.Warn("corridor junction release failed",
				zap.String("junction_id", junctionID),
				zap.Error(err))
		}
	}

	if m.modes.Current().Mode == grid.SystemModeEmergency {
		if _, err := m.modes.Transition(grid.SystemModeNormal, "emergency corridor released"); err != nil {
			m.log.Warn("emergency mode release refused",
				zap.String("session_id", session.SessionID),
				zap.Error(err))
		}
	}

	m.bus.Emit(events.EmergencyDeactivated, events.SeverityInfo, map[string]string{
		"session_id": session.SessionID,
		"status":     string(session.Status),
	}, session)
}

// estimatedTravelSeconds applies the corridor ETA model: distance at the
// average speed plus a fixed two-second delay per junction on the path.
func estimatedTravelSeconds(distanceMeters, avgSpeedKmh float64, pathLen int) float64 {
	if avgSpeedKmh <= 0 {
		avgSpeedKmh = 60
	}
	return (distanceMeters/1000.0)/avgSpeedKmh*3600.0 + 2.0*float64(pathLen)
}

// cardinalDirection maps a displacement to the dominant compass axis.
// Positive y is south (screen coordinates); ties resolve vertically.
func cardinalDirection(from, to grid.Position) grid.Direction {
	dx := to.X - from.X
	dy := to.Y - from.Y
	if abs(dx) > abs(dy) {
		if dx > 0 {
			return grid.DirectionEast
		}
		return grid.DirectionWest
	}
	if dy > 0 {
		return grid.DirectionSouth
	}
	return grid.DirectionNorth
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func cloneCorridor(corridor controlplane.ActiveCorridor) controlplane.ActiveCorridor {
	out := corridor
	out.JunctionPath = append([]string(nil), corridor.JunctionPath...)
	out.SignalOverrides = make(map[string]grid.Direction, len(corridor.SignalOverrides))
	for junctionID, direction := range corridor.SignalOverrides {
		out.SignalOverrides[junctionID] = direction
	}
	return out
}
