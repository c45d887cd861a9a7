// Package runtime assembles the controller from its parts: scheduler,
// event bus, road network, perception, decision, action, emergency,
// safety, and audit. The two binaries share this wiring; they differ
// only in where the simulator comes from and who drives the clock.
package runtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
	"github.com/arterial/traffic-grid-controller/api/events"
	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/internal/action"
	"github.com/arterial/traffic-grid-controller/internal/agent"
	"github.com/arterial/traffic-grid-controller/internal/auditlog"
	"github.com/arterial/traffic-grid-controller/internal/clock"
	"github.com/arterial/traffic-grid-controller/internal/config"
	"github.com/arterial/traffic-grid-controller/internal/conflict"
	"github.com/arterial/traffic-grid-controller/internal/decision"
	"github.com/arterial/traffic-grid-controller/internal/density"
	"github.com/arterial/traffic-grid-controller/internal/emergency"
	"github.com/arterial/traffic-grid-controller/internal/eventbus"
	"github.com/arterial/traffic-grid-controller/internal/incident"
	"github.com/arterial/traffic-grid-controller/internal/mode"
	"github.com/arterial/traffic-grid-controller/internal/observability/logging"
	"github.com/arterial/traffic-grid-controller/internal/observability/metrics"
	"github.com/arterial/traffic-grid-controller/internal/override"
	"github.com/arterial/traffic-grid-controller/internal/perception"
	"github.com/arterial/traffic-grid-controller/internal/roadnet"
	"github.com/arterial/traffic-grid-controller/internal/routing"
	"github.com/arterial/traffic-grid-controller/internal/watchdog"
	simcontracts "github.com/arterial/traffic-grid-controller/providers/sim/contracts"
	"github.com/arterial/traffic-grid-controller/transports/websocket"
)

// Archiver ships an audit export to durable storage.
type Archiver interface {
	Store(ctx context.Context, payload []byte, at time.Time) (string, error)
}

// Options carry everything the assembly cannot build itself.
type Options struct {
	Config    config.Config
	Logger    *zap.Logger
	Simulator simcontracts.Simulator
	Policy    decision.Policy // optional, enables the RL strategy
	Archiver  Archiver        // optional, enables audit archival
	Now       func() time.Time
}

// Runtime is the assembled controller. Components are exported so the
// local runner and tests can drive them directly.
type Runtime struct {
	Scheduler *clock.Scheduler
	Bus       *eventbus.Bus
	Registry  *roadnet.Registry
	Tracker   *density.Tracker
	Router    *routing.Router
	Modes     *mode.Manager
	Overrides *override.Registry
	Emergency *emergency.Manager
	Perceptor *perception.Perceptor
	Engine    *decision.Engine
	Applier   *action.Applier
	Incidents *incident.Detector
	Watchdog  *watchdog.Runner
	Agent     *agent.Loop
	Audit     *auditlog.MemoryStore
	Metrics   *metrics.Metrics
	Hub       *websocket.Hub

	cfg      config.Config
	log      *zap.Logger
	now      func() time.Time
	sim      simcontracts.Simulator
	archiver Archiver
	promReg  *prometheus.Registry
	tasks    *clock.Token
}

// New wires a runtime. The simulator is required; policy and archiver
// degrade gracefully when absent. Call Bootstrap before Start.
func New(opts Options) (*Runtime, error) {
	if opts.Simulator == nil {
		return nil, fmt.Errorf("runtime requires a simulator")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config

	rt := &Runtime{
		cfg:      cfg,
		log:      opts.Logger,
		now:      opts.Now,
		sim:      opts.Simulator,
		archiver: opts.Archiver,
		tasks:    clock.NewToken(),
	}

	rt.Scheduler = clock.NewScheduler(clock.Config{Now: opts.Now})
	rt.Bus = eventbus.New(eventbus.Config{
		QueueCapacity: cfg.Bus.QueueCapacity,
		Throttles: map[events.Name]time.Duration{
			events.VehicleUpdate: 100 * time.Millisecond,
			events.DensityUpdate: cfg.Density.UpdateInterval(),
		},
		Now: opts.Now,
	})

	rt.Registry = roadnet.NewRegistry()
	rt.Tracker = density.NewTracker(density.Config{
		UpdateInterval:   cfg.Density.UpdateInterval(),
		HistoryRetention: cfg.Density.HistoryRetention(),
		Thresholds: density.Thresholds{
			LowVehicles:    cfg.Density.Thresholds.LowVehicles,
			MediumVehicles: cfg.Density.Thresholds.MediumVehicles,
			LowScore:       cfg.Density.Thresholds.LowScore,
			MediumScore:    cfg.Density.Thresholds.MediumScore,
		},
	})
	rt.Router = routing.NewRouter()
	rt.Audit = auditlog.NewMemoryStore(auditlog.Config{Now: opts.Now})

	rt.Modes = mode.NewManager(mode.Config{Now: opts.Now})
	rt.registerModeHooks()

	rt.Overrides = override.NewRegistry(override.Config{
		Now:   opts.Now,
		Audit: rt.recordOverrideAudit,
		OnAgentDisable: func(reason string) {
			if rt.Agent != nil {
				rt.Agent.Pause()
			}
			rt.log.Warn("agent disabled by operator", zap.String("reason", reason))
		},
		OnAgentEnable: func() {
			if rt.Agent != nil {
				rt.Agent.Resume()
			}
			rt.log.Info("agent re-enabled by operator")
		},
		OnEmergencyStop: func(reason string) {
			rt.Modes.EnterFailSafe("emergency stop: " + reason)
		},
	})

	var err error
	rt.Emergency, err = emergency.NewManager(emergency.Config{
		LookaheadJunctions: cfg.Emergency.LookaheadJunctions,
		SignalHoldDuration: cfg.Emergency.SignalHold(),
		UpdateInterval:     cfg.Emergency.UpdateInterval(),
		AvgSpeedKmh:        cfg.Emergency.AvgSpeedKmh,
		Now:                opts.Now,
		Logger:             logging.Component(opts.Logger, "emergency"),
	}, rt.Router, corridorSignals{rt}, gridState{rt}, rt.Modes, vehicleView{rt}, rt.Scheduler, rt.Bus)
	if err != nil {
		return nil, fmt.Errorf("wire emergency manager: %w", err)
	}

	rt.Perceptor, err = perception.NewPerceptor(perception.Config{
		Now:    opts.Now,
		Logger: logging.Component(opts.Logger, "perception"),
	}, opts.Simulator, rt.Tracker, rt.Registry, rt.Emergency, rt.Overrides)
	if err != nil {
		return nil, fmt.Errorf("wire perceptor: %w", err)
	}

	rt.Engine, err = decision.NewEngine(decision.Config{
		MinGreenTime:      cfg.Signal.MinGreen(),
		MaxGreenTime:      cfg.Signal.MaxGreen(),
		DefaultGreenTime:  cfg.Signal.DefaultGreen(),
		DisableRLFallback: !cfg.Decision.RLFallbackOnError,
		Now:               opts.Now,
		Logger:            logging.Component(opts.Logger, "decision"),
	}, rt.Registry, opts.Policy, rt.Emergency)
	if err != nil {
		return nil, fmt.Errorf("wire decision engine: %w", err)
	}

	validator := conflict.NewValidator(conflict.Config{
		MinGreenTime: cfg.Signal.MinGreen(),
		MinRedTime:   cfg.Signal.MinRed(),
	})
	rt.Applier, err = action.NewApplier(action.Config{
		YellowDuration: cfg.Signal.Yellow(),
		Now:            opts.Now,
		Logger:         logging.Component(opts.Logger, "action"),
	}, opts.Simulator, rt.Registry, validator, rt.Overrides, rt.Scheduler, rt.Bus)
	if err != nil {
		return nil, fmt.Errorf("wire applier: %w", err)
	}

	rt.Incidents, err = incident.NewDetector(incident.Config{
		HighScore: cfg.Density.Thresholds.MediumScore,
		Window:    cfg.Incident.Window(),
		Logger:    logging.Component(opts.Logger, "incident"),
	}, rt.Modes, rt.Bus)
	if err != nil {
		return nil, fmt.Errorf("wire incident detector: %w", err)
	}

	rt.Watchdog, err = watchdog.NewRunner(watchdog.Config{
		CheckInterval: cfg.Safety.CheckInterval(),
		Now:           opts.Now,
		Logger:        logging.Component(opts.Logger, "watchdog"),
	}, rt.Scheduler, rt.Modes, rt.Bus)
	if err != nil {
		return nil, fmt.Errorf("wire watchdog: %w", err)
	}

	rt.Agent, err = agent.NewLoop(agent.Config{
		LoopInterval: cfg.LoopInterval(),
		MaxErrors:    cfg.MaxErrors,
		Strategy:     initialStrategy(opts.Policy),
		Now:          opts.Now,
		Logger:       logging.Component(opts.Logger, "agent"),
	}, perceiver{rt}, rt.Engine, rt.Applier, rt.Scheduler, rt.Bus)
	if err != nil {
		return nil, fmt.Errorf("wire agent loop: %w", err)
	}

	if err := rt.wireObservers(); err != nil {
		return nil, err
	}
	return rt, nil
}

// Bootstrap reads the initial world topology from the simulator and
// primes the registry, density tracker, and road graph.
func (rt *Runtime) Bootstrap(ctx context.Context) error {
	junctions, err := rt.sim.GetJunctions(ctx)
	if err != nil {
		return fmt.Errorf("read junctions: %w", err)
	}
	roads, err := rt.sim.GetRoads(ctx)
	if err != nil {
		return fmt.Errorf("read roads: %w", err)
	}
	if err := rt.Registry.Init(junctions, roads); err != nil {
		return fmt.Errorf("init road network: %w", err)
	}
	if err := rt.Tracker.InitRoads(roads); err != nil {
		return fmt.Errorf("init road densities: %w", err)
	}
	if err := rt.Tracker.InitJunctions(junctions); err != nil {
		return fmt.Errorf("init junction densities: %w", err)
	}
	if err := rt.Router.Rebuild(junctions, roads); err != nil {
		return fmt.Errorf("build road graph: %w", err)
	}
	rt.log.Info("topology bootstrapped",
		zap.Int("junctions", len(junctions)),
		zap.Int("roads", len(roads)))
	return nil
}

// Start launches the agent loop, arms the safety checks, and schedules
// the audit housekeeping tasks.
func (rt *Runtime) Start() error {
	if err := rt.Agent.Start(); err != nil {
		return err
	}
	if err := rt.registerChecks(); err != nil {
		return err
	}
	if err := rt.Scheduler.Every(time.Hour, "audit-sweep", rt.tasks, func(now time.Time) {
		report := rt.Audit.Sweep(now)
		rt.log.Info("audit retention sweep",
			zap.Int("agent_logs_removed", report.AgentLogsRemoved),
			zap.Int("mode_transitions_removed", report.ModeTransitionsRemoved),
			zap.Int("override_audits_removed", report.OverrideAuditsRemoved))
	}); err != nil {
		return err
	}
	if rt.archiver != nil {
		if err := rt.Scheduler.Every(time.Hour, "audit-archive", rt.tasks, rt.archiveAudit); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears the runtime down in dependency order. Safe to call more
// than once.
func (rt *Runtime) Stop() {
	rt.tasks.Cancel()
	rt.Agent.Stop()
	_ = rt.Watchdog.Close()
	_ = rt.Applier.Close()
	if rt.Hub != nil {
		_ = rt.Hub.Close()
	}
	_ = rt.Bus.Close()
	_ = rt.Scheduler.Close()
}

// Status assembles the operator-facing system view.
func (rt *Runtime) Status() controlplane.SystemStatus {
	snapshot := rt.Modes.Current()
	agentStatus := rt.Agent.Status()
	status := controlplane.SystemStatus{
		Mode:            snapshot.Mode,
		EnteredAtMS:     snapshot.EnteredAt.UnixMilli(),
		Reason:          snapshot.Reason,
		AgentRunning:    agentStatus.Running,
		AgentPaused:     agentStatus.Paused,
		TickCount:       agentStatus.Ticks,
		ErrorCount:      agentStatus.Errors,
		ActiveOverrides: len(rt.Overrides.GetActive()),
	}
	if snapshot.Previous != "" {
		previous := snapshot.Previous
		status.PreviousMode = &previous
	}
	if session, ok := rt.Emergency.Active(); ok {
		status.ActiveSession = &session
	}
	return status
}

// ExitFailSafe is the single operator path out of FAIL_SAFE. The agent
// resumes paused; the operator re-enables it separately once satisfied.
func (rt *Runtime) ExitFailSafe(operatorID string) (mode.Transition, error) {
	transition, err := rt.Modes.ExitFailSafe(operatorID)
	if err != nil {
		return mode.Transition{}, err
	}
	rt.Bus.Emit(events.FailSafeCleared, events.SeverityInfo, map[string]string{
		"operator_id": operatorID,
	}, nil)
	return transition, nil
}

func (rt *Runtime) registerModeHooks() {
	for _, systemMode := range []grid.SystemMode{
		grid.SystemModeNormal, grid.SystemModeEmergency,
		grid.SystemModeIncident, grid.SystemModeFailSafe,
	} {
		rt.Modes.OnEnter(systemMode, rt.recordModeTransition)
	}
	rt.Modes.OnEnter(grid.SystemModeFailSafe, func(transition mode.Transition) {
		rt.holdFailSafe(transition.Reason)
	})
}

func (rt *Runtime) recordModeTransition(transition mode.Transition) {
	_ = rt.Audit.AppendModeTransition(auditlog.ModeTransition{
		At:         transition.At,
		From:       string(transition.From),
		To:         string(transition.To),
		Reason:     transition.Reason,
		OperatorID: transition.OperatorID,
		Forced:     transition.Forced,
	})
	rt.Bus.Emit(events.ModeChanged, modeSeverity(transition.To), map[string]string{
		"from":   string(transition.From),
		"to":     string(transition.To),
		"reason": transition.Reason,
	}, nil)
}

// holdFailSafe is the terminal safe state: agent paused, every head RED
// except the configured default-green direction. REDs land before the
// green so no junction passes through a dual-GREEN instant.
func (rt *Runtime) holdFailSafe(reason string) {
	if rt.Agent != nil {
		rt.Agent.Pause()
	}
	defaultGreen := grid.Direction(rt.cfg.Safety.DefaultGreen)
	if defaultGreen.Validate() != nil {
		defaultGreen = ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := rt.now()
	for _, id := range rt.Registry.JunctionIDs() {
		states := make(map[grid.Direction]grid.SignalState, 4)
		for _, direction := range grid.Directions() {
			if direction == defaultGreen {
				continue
			}
			_ = rt.sim.SetSignalRed(ctx, id, direction)
			states[direction] = grid.SignalRed
		}
		if defaultGreen != "" {
			_ = rt.sim.SetSignalGreen(ctx, id, defaultGreen, 0)
			states[defaultGreen] = grid.SignalGreen
		}
		_ = rt.Registry.ApplySignals(id, states, now)
	}
	rt.log.Error("fail-safe hold engaged",
		zap.String("reason", reason),
		zap.String("default_green", string(defaultGreen)))
}

func (rt *Runtime) recordOverrideAudit(record controlplane.ManualOverride, auditAction string) {
	_ = rt.Audit.AppendOverrideAudit(auditlog.OverrideAudit{
		Action: auditAction,
		Record: record,
	})
	name := events.OverrideCreated
	if auditAction != override.AuditCreated {
		name = events.OverrideCancelled
	}
	rt.Bus.Emit(name, events.SeverityInfo, map[string]string{
		"override_id": record.OverrideID,
		"type":        string(record.Type),
		"operator_id": record.OperatorID,
		"action":      auditAction,
	}, nil)
}

func (rt *Runtime) registerChecks() error {
	staleness := 10 * rt.cfg.LoopInterval()
	checks := []watchdog.Check{
		watchdog.AgentHeartbeatCheck(rt.Agent, staleness, rt.now),
		watchdog.SignalConflictCheck(rt.Registry),
		watchdog.DecisionLatencyCheck(rt.Agent, 2000),
		watchdog.ModeValidityCheck(rt.Modes, 300*time.Second, rt.now),
	}
	for _, check := range checks {
		if err := rt.Watchdog.Register(check); err != nil {
			return fmt.Errorf("register %s check: %w", check.Name, err)
		}
	}
	return nil
}

func (rt *Runtime) wireObservers() error {
	rt.promReg = prometheus.NewRegistry()
	m, err := metrics.New(rt.promReg)
	if err != nil {
		return fmt.Errorf("wire metrics: %w", err)
	}
	rt.Metrics = m
	if err := rt.Bus.Subscribe("metrics", m); err != nil {
		return err
	}
	gauges := []struct {
		name  string
		help  string
		value func() float64
	}{
		{"tgc_bus_queue_depth", "Events waiting on the bus.", func() float64 { return float64(rt.Bus.Stats().QueueDepth) }},
		{"tgc_active_overrides", "Live manual overrides.", func() float64 { return float64(len(rt.Overrides.GetActive())) }},
		{"tgc_ws_clients", "Connected dashboard clients.", func() float64 { return float64(rt.Hub.Stats().Clients) }},
		{"tgc_city_avg_density", "City-wide average density score.", rt.Tracker.CityAverageDensity},
	}

	rt.Hub = websocket.NewHub(websocket.Config{Logger: logging.Component(rt.log, "websocket")})
	if err := rt.Bus.Subscribe("websocket", rt.Hub); err != nil {
		return err
	}

	for _, gauge := range gauges {
		if err := rt.Metrics.RegisterGauge(gauge.name, gauge.help, gauge.value); err != nil {
			return fmt.Errorf("register gauge %s: %w", gauge.name, err)
		}
	}

	return rt.Bus.Subscribe("auditlog", eventbus.SubscriberFunc(rt.recordAgentLog))
}

// recordAgentLog turns agent.decision events into audit records, so the
// audit stream sees exactly what external subscribers saw.
func (rt *Runtime) recordAgentLog(_ context.Context, event events.Event) error {
	if event.Name != events.AgentDecision {
		return nil
	}
	record := auditlog.AgentLog{
		At:       time.UnixMilli(event.TimestampMS),
		Strategy: event.Attributes["strategy"],
		Mode:     string(rt.Modes.Current().Mode),
	}
	record.Signals, _ = strconv.Atoi(event.Attributes["signals"])
	record.Applied, _ = strconv.Atoi(event.Attributes["applied"])
	record.LatencyMS, _ = strconv.ParseFloat(event.Attributes["latency_ms"], 64)
	return rt.Audit.AppendAgentLog(record)
}

func (rt *Runtime) archiveAudit(now time.Time) {
	payload, err := rt.Audit.ExportJSON(now)
	if err != nil {
		rt.log.Error("audit export failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	key, err := rt.archiver.Store(ctx, payload, now)
	if err != nil {
		rt.log.Error("audit archive failed", zap.Error(err))
		return
	}
	rt.log.Info("audit archived", zap.String("key", key))
}

func initialStrategy(policy decision.Policy) controlplane.Strategy {
	if policy != nil {
		return controlplane.StrategyRL
	}
	return controlplane.StrategyRuleBased
}

func modeSeverity(to grid.SystemMode) events.Severity {
	switch to {
	case grid.SystemModeFailSafe:
		return events.SeverityCritical
	case grid.SystemModeEmergency, grid.SystemModeIncident:
		return events.SeverityWarning
	default:
		return events.SeverityInfo
	}
}

// perceiver decorates the perceptor with per-tick side observers:
// vehicle lifecycle and density events for dashboards, and the incident
// detector's flow watch. Per-vehicle updates coalesce on the bus.
type perceiver struct{ rt *Runtime }

func (p perceiver) Perceive(ctx context.Context) perception.State {
	state := p.rt.Perceptor.Perceive(ctx)
	for _, vehicle := range state.SpawnedVehicles {
		p.rt.Bus.Emit(events.VehicleSpawned, events.SeverityInfo, map[string]string{
			"vehicle_id": vehicle.ID,
			"type":       vehicle.Type,
		}, nil)
	}
	for _, vehicleID := range state.RemovedVehicles {
		p.rt.Bus.Emit(events.VehicleRemoved, events.SeverityInfo, map[string]string{
			"vehicle_id": vehicleID,
		}, nil)
	}
	for _, vehicle := range state.Vehicles {
		p.rt.Bus.Emit(events.VehicleUpdate, events.SeverityInfo, map[string]string{
			"vehicle_id": vehicle.ID,
			"type":       vehicle.Type,
			"road_id":    vehicle.CurrentRoad,
		}, nil)
	}
	for roadID, data := range state.RoadDensities {
		p.rt.Bus.Emit(events.DensityUpdate, events.SeverityInfo, map[string]string{
			"road_id":    roadID,
			"congestion": string(data.Classification),
		}, nil)
	}
	p.rt.Incidents.Observe(state.RoadDensities, state.Timestamp)
	return state
}

// corridorSignals applies corridor holds through the simulator and keeps
// the registry's signal books in step, the same write path the applier
// uses for agent decisions.
type corridorSignals struct{ rt *Runtime }

func (c corridorSignals) SetGreen(ctx context.Context, junctionID string, direction grid.Direction, hold time.Duration) error {
	if err := c.rt.sim.SetSignalGreen(ctx, junctionID, direction, hold); err != nil {
		return err
	}
	return c.rt.Registry.ApplySignal(junctionID, direction, grid.SignalGreen, c.rt.now())
}

func (c corridorSignals) SetRed(ctx context.Context, junctionID string, direction grid.Direction) error {
	if err := c.rt.sim.SetSignalRed(ctx, junctionID, direction); err != nil {
		return err
	}
	return c.rt.Registry.ApplySignal(junctionID, direction, grid.SignalRed, c.rt.now())
}

// gridState narrows the registry to what the corridor manager needs.
type gridState struct{ rt *Runtime }

func (g gridState) Junction(id string) (roadnet.JunctionState, error) {
	return g.rt.Registry.Junction(id)
}

func (g gridState) SetMode(id string, junctionMode grid.JunctionMode) error {
	return g.rt.Registry.SetMode(id, junctionMode)
}

// vehicleView defers to the perceptor, which is wired after the
// emergency manager. Before the first perceive every lookup misses.
type vehicleView struct{ rt *Runtime }

func (v vehicleView) Vehicle(id string) (grid.VehicleSnapshot, bool) {
	if v.rt.Perceptor == nil {
		return grid.VehicleSnapshot{}, false
	}
	return v.rt.Perceptor.Vehicle(id)
}
