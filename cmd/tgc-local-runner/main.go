// tgc-local-runner exercises the full controller against the embedded
// grid simulator: scripted vehicles, compressed signal timing, an
// optional emergency corridor, and a JSON run report at the end. It is
// the smoke harness used before pointing the controller at a real
// simulator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
	"github.com/arterial/traffic-grid-controller/internal/config"
	"github.com/arterial/traffic-grid-controller/internal/conflict"
	"github.com/arterial/traffic-grid-controller/internal/observability/logging"
	"github.com/arterial/traffic-grid-controller/internal/reward"
	"github.com/arterial/traffic-grid-controller/internal/runtime"
	"github.com/arterial/traffic-grid-controller/providers/sim/gridsim"
)

type runReport struct {
	StartedAt        time.Time                      `json:"started_at"`
	FinishedAt       time.Time                      `json:"finished_at"`
	Ticks            uint64                         `json:"ticks"`
	Errors           uint64                         `json:"errors"`
	WorldSteps       int                            `json:"world_steps"`
	Vehicles         int                            `json:"vehicles"`
	FinalMode        string                         `json:"final_mode"`
	DecisionStats    decisionStats                  `json:"decision_stats"`
	EmergencyRan     bool                           `json:"emergency_ran"`
	EmergencySession *controlplane.EmergencySession `json:"emergency_session,omitempty"`
	ConflictIssues   []string                       `json:"conflict_issues"`
	AgentLogs        int                            `json:"agent_logs"`
	ModeTransitions  int                            `json:"mode_transitions"`
	RewardSummary    reward.EpisodeSummary          `json:"reward_summary"`
}

type decisionStats struct {
	Rule      uint64 `json:"rule"`
	RL        uint64 `json:"rl"`
	Manual    uint64 `json:"manual"`
	Emergency uint64 `json:"emergency"`
	Fallbacks uint64 `json:"rl_fallbacks"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "tgc-local-runner: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer, now func() time.Time) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		printUsage(stdout)
		return nil
	}

	fs := flag.NewFlagSet("tgc-local-runner", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	rows := fs.Int("rows", 3, "grid rows")
	cols := fs.Int("cols", 3, "grid columns")
	vehicles := fs.Int("vehicles", 6, "scripted vehicles")
	ticks := fs.Uint64("ticks", 40, "agent ticks to run")
	intervalMS := fs.Int("interval-ms", 100, "compressed loop interval")
	emergencyRun := fs.Bool("emergency", false, "activate an emergency corridor mid-run")
	reportPath := fs.String("report", "", "write the run report to this path")
	quiet := fs.Bool("quiet", false, "suppress controller logs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ticks == 0 {
		return fmt.Errorf("ticks must be >= 1")
	}
	if *intervalMS < 10 {
		return fmt.Errorf("interval-ms must be >= 10")
	}

	world := gridsim.New(gridsim.Config{Rows: *rows, Cols: *cols})
	startedAt := now()
	seedVehicles(world, *rows, *cols, *vehicles, startedAt)

	cfg := compressed(config.Default(), float64(*intervalMS)/1000)
	log := zap.NewNop()
	if !*quiet {
		var err error
		log, err = logging.New(logging.Config{Level: "info", Encoding: "console"})
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
	}

	rt, err := runtime.New(runtime.Options{
		Config:    cfg,
		Logger:    log,
		Simulator: world,
		Now:       now,
	})
	if err != nil {
		return err
	}
	defer rt.Stop()

	ctx := context.Background()
	if err := rt.Bootstrap(ctx); err != nil {
		return err
	}
	if err := rt.Start(); err != nil {
		return err
	}

	interval := time.Duration(*intervalMS) * time.Millisecond
	probe := newRewardProbe(rt, world)
	stepper := newWorldStepper(world, interval, probe.sample)
	defer stepper.stop()

	if *emergencyRun {
		waitForTicks(rt, *ticks/3, interval)
		if err := activateEmergency(ctx, rt, world, *rows, *cols, now()); err != nil {
			return fmt.Errorf("activate emergency: %w", err)
		}
	}

	waitForTicks(rt, *ticks, interval)
	stepper.stop()
	rt.Stop()

	report := buildReport(rt, world, startedAt, now(), *vehicles, *emergencyRun)
	report.RewardSummary = probe.rewards.Summary()
	if *reportPath != "" {
		if err := writeJSONArtifact(*reportPath, report); err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintf(stdout, "ran %d ticks over %d world steps, final mode %s, conflicts %d\n",
		report.Ticks, report.WorldSteps, report.FinalMode, len(report.ConflictIssues))
	if len(report.ConflictIssues) > 0 {
		return fmt.Errorf("signal conflicts observed: %v", report.ConflictIssues)
	}
	return nil
}

// seedVehicles scripts traffic that crosses the grid both ways so every
// junction sees demand.
func seedVehicles(world *gridsim.World, rows, cols, count int, now time.Time) {
	for i := 0; i < count; i++ {
		var path []string
		if i%2 == 0 {
			row := i % rows
			for col := 0; col < cols; col++ {
				path = append(path, junctionID(row, col, cols))
			}
		} else {
			col := i % cols
			for row := rows - 1; row >= 0; row-- {
				path = append(path, junctionID(row, col, cols))
			}
		}
		_ = world.AddVehicle(gridsim.VehicleSpec{
			ID:   fmt.Sprintf("car-%d", i),
			Type: "car",
			Path: path,
		}, now)
	}
}

func activateEmergency(ctx context.Context, rt *runtime.Runtime, world *gridsim.World, rows, cols int, now time.Time) error {
	start := junctionID(0, 0, cols)
	end := junctionID(rows-1, cols-1, cols)
	route, err := rt.Router.FindPath(start, end)
	if err != nil {
		return err
	}
	if err := world.AddVehicle(gridsim.VehicleSpec{
		ID:          "ambulance-1",
		Plate:       "EMS-001",
		Type:        "ambulance",
		IsEmergency: true,
		Path:        route.Junctions,
	}, now); err != nil {
		return err
	}
	_, err = rt.Emergency.Activate(ctx, "ambulance-1", "EMS-001", start, end)
	return err
}

func waitForTicks(rt *runtime.Runtime, target uint64, interval time.Duration) {
	deadline := time.Now().Add(time.Duration(target+20) * interval * 4)
	for time.Now().Before(deadline) {
		if rt.Agent.Status().Ticks >= target || !rt.Agent.Running() {
			return
		}
		time.Sleep(interval / 4)
	}
}

func buildReport(rt *runtime.Runtime, world *gridsim.World, startedAt, finishedAt time.Time, vehicles int, emergencyRan bool) runReport {
	engineStats := rt.Engine.Stats()
	agentStatus := rt.Agent.Status()
	report := runReport{
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Ticks:      agentStatus.Ticks,
		Errors:     agentStatus.Errors,
		WorldSteps: world.Steps(),
		Vehicles:   vehicles,
		FinalMode:  string(rt.Modes.Current().Mode),
		DecisionStats: decisionStats{
			Rule:      engineStats.RuleDecisions,
			RL:        engineStats.RLDecisions,
			Manual:    engineStats.ManualDecisions,
			Emergency: engineStats.EmergencyDecisions,
			Fallbacks: engineStats.RLFallbacks,
		},
		EmergencyRan:    emergencyRan,
		ConflictIssues:  scanConflicts(rt),
		AgentLogs:       len(rt.Audit.AgentLogs(0)),
		ModeTransitions: len(rt.Audit.ModeTransitions(0)),
	}
	if sessions := rt.Emergency.History(1); len(sessions) > 0 {
		report.EmergencySession = &sessions[0]
	} else if session, ok := rt.Emergency.Active(); ok {
		report.EmergencySession = &session
	}
	return report
}

// scanConflicts sweeps the final signal layout for concurrent GREEN
// heads, the invariant the whole pipeline exists to preserve.
func scanConflicts(rt *runtime.Runtime) []string {
	issues := []string{}
	for _, id := range rt.Registry.JunctionIDs() {
		junction, err := rt.Registry.Junction(id)
		if err != nil {
			continue
		}
		if ok, found := conflict.ValidateFullJunction(id, junction.Signals); !ok {
			issues = append(issues, found...)
		}
	}
	return issues
}

// compressed scales every time-valued config key by factor so a full run
// finishes in seconds while keeping the ratios between guards intact.
func compressed(cfg config.Config, factor float64) config.Config {
	cfg.LoopIntervalSeconds *= factor
	cfg.Density.UpdateIntervalSeconds *= factor
	cfg.Signal.MinRedTimeSeconds *= factor
	cfg.Signal.MinGreenTimeSeconds *= factor
	cfg.Signal.MaxGreenTimeSeconds *= factor
	cfg.Signal.DefaultGreenTimeSeconds *= factor
	cfg.Signal.YellowDurationSeconds *= factor
	cfg.Safety.CheckIntervalSeconds *= factor
	cfg.Emergency.SignalHoldDurationSeconds *= factor
	cfg.Emergency.UpdateIntervalSeconds *= factor
	cfg.Incident.WindowSeconds *= factor
	return cfg
}

// rewardProbe scores each world step with the off-line training reward
// so a run report doubles as a policy-training sample.
type rewardProbe struct {
	rt      *runtime.Runtime
	world   *gridsim.World
	rewards *reward.Calculator

	prevVehicles int
	prevAvgWait  float64
	primed       bool
}

func newRewardProbe(rt *runtime.Runtime, world *gridsim.World) *rewardProbe {
	return &rewardProbe{rt: rt, world: world, rewards: reward.NewCalculator(reward.Config{})}
}

func (p *rewardProbe) sample() {
	vehicles, err := p.world.GetVehicles(context.Background())
	if err != nil {
		return
	}
	avgWait := 0.0
	for _, vehicle := range vehicles {
		avgWait += vehicle.WaitingSeconds
	}
	if len(vehicles) > 0 {
		avgWait /= float64(len(vehicles))
	}
	if !p.primed {
		p.prevVehicles, p.prevAvgWait, p.primed = len(vehicles), avgWait, true
		return
	}

	densities := []float64{}
	for _, junction := range p.rt.Tracker.JunctionDensities() {
		densities = append(densities, junction.AvgDensity)
	}
	// Vehicles leaving the grid are arrivals; the count never grows
	// mid-run because all traffic is scripted up front.
	throughput := float64(p.prevVehicles - len(vehicles))
	if throughput < 0 {
		throughput = 0
	}
	_, emergencyActive := p.rt.Emergency.Active()
	p.rewards.Record(reward.StepInput{
		ThroughputDelta:      throughput,
		PrevAvgWaitSeconds:   p.prevAvgWait,
		CurrAvgWaitSeconds:   avgWait,
		JunctionAvgDensities: densities,
		CongestionPoints:     len(p.rt.Tracker.CongestionPoints()),
		CityAvgDensity:       p.rt.Tracker.CityAverageDensity(),
		EmergencyHandled:     emergencyActive && throughput > 0,
	})
	p.prevVehicles, p.prevAvgWait = len(vehicles), avgWait
}

type worldStepper struct {
	ticker *time.Ticker
	done   chan struct{}
}

func newWorldStepper(world *gridsim.World, interval time.Duration, afterStep func()) *worldStepper {
	s := &worldStepper{ticker: time.NewTicker(interval), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-s.ticker.C:
				world.Step()
				if afterStep != nil {
					afterStep()
				}
			case <-s.done:
				return
			}
		}
	}()
	return s
}

func (s *worldStepper) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.ticker.Stop()
}

func writeJSONArtifact(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func junctionID(row, col, cols int) string {
	return fmt.Sprintf("J-%d", row*cols+col)
}

func isHelpFlag(arg string) bool {
	switch arg {
	case "help", "-h", "--help":
		return true
	default:
		return false
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: tgc-local-runner [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "flags:")
	_, _ = fmt.Fprintln(w, "  -rows N          grid rows (default 3)")
	_, _ = fmt.Fprintln(w, "  -cols N          grid columns (default 3)")
	_, _ = fmt.Fprintln(w, "  -vehicles N      scripted vehicles (default 6)")
	_, _ = fmt.Fprintln(w, "  -ticks N         agent ticks to run (default 40)")
	_, _ = fmt.Fprintln(w, "  -interval-ms N   compressed loop interval (default 100)")
	_, _ = fmt.Fprintln(w, "  -emergency       activate an emergency corridor mid-run")
	_, _ = fmt.Fprintln(w, "  -report PATH     write the JSON run report")
	_, _ = fmt.Fprintln(w, "  -quiet           suppress controller logs")
}
