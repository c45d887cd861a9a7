package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
	"github.com/arterial/traffic-grid-controller/api/events"
	"github.com/arterial/traffic-grid-controller/internal/action"
	"github.com/arterial/traffic-grid-controller/internal/clock"
	"github.com/arterial/traffic-grid-controller/internal/perception"
)

// Perceiver snapshots the world at the top of a tick.
type Perceiver interface {
	Perceive(ctx context.Context) perception.State
}

// Decider turns a perceived state into signal directives.
type Decider interface {
	Decide(ctx context.Context, state perception.State, strategy controlplane.Strategy) controlplane.Decisions
}

// Executor pushes directives to the signal plane.
type Executor interface {
	Execute(ctx context.Context, decisions controlplane.Decisions) []action.Application
}

// Emitter publishes agent events.
type Emitter interface {
	Emit(name events.Name, severity events.Severity, attributes map[string]string, payload any)
}

// Config tunes the loop.
type Config struct {
	LoopInterval  time.Duration         // default 1s
	MaxErrors     int                   // consecutive tick failures before stop, default 5
	Strategy      controlplane.Strategy // default RULE_BASED
	TickBudget    time.Duration         // observational work budget, default 500ms
	LatencyWindow int                   // rolling decision-latency samples, default 60
	Now           func() time.Time
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.LoopInterval <= 0 {
		c.LoopInterval = time.Second
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = 5
	}
	if c.Strategy == "" {
		c.Strategy = controlplane.StrategyRuleBased
	}
	if c.TickBudget <= 0 {
		c.TickBudget = 500 * time.Millisecond
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = 60
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Status is a point-in-time view of the loop.
type Status struct {
	Running              bool                  `json:"running"`
	Paused               bool                  `json:"paused"`
	Ticks                uint64                `json:"ticks"`
	Errors               uint64                `json:"errors"`
	ConsecutiveErrors    int                   `json:"consecutive_errors"`
	LastTick             time.Time             `json:"last_tick"`
	AvgDecisionLatencyMS float64               `json:"avg_decision_latency_ms"`
	Strategy             controlplane.Strategy `json:"strategy"`
}

// Loop is the controller's heartbeat: perceive, decide, execute, record,
// sleep. One tick runs at a time on the shared scheduler; pause is a
// cooperative latch checked at the top of each tick, stop cancels the
// scheduling token.
type Loop struct {
	cfg       Config
	perceiver Perceiver
	decider   Decider
	executor  Executor
	scheduler *clock.Scheduler
	bus       Emitter
	log       *zap.Logger

	mu                sync.Mutex
	running           bool
	paused            bool
	token             *clock.Token
	consecutiveErrors int
	lastTick          time.Time
	latencies         []float64

	ticks  atomic.Uint64
	errors atomic.Uint64
}

// NewLoop wires a loop. Bus is optional.
func NewLoop(cfg Config, perceiver Perceiver, decider Decider, executor Executor, scheduler *clock.Scheduler, bus Emitter) (*Loop, error) {
	if perceiver == nil || decider == nil || executor == nil || scheduler == nil {
		return nil, fmt.Errorf("loop requires perceiver, decider, executor and scheduler")
	}
	cfg = cfg.withDefaults()
	return &Loop{
		cfg:       cfg,
		perceiver: perceiver,
		decider:   decider,
		executor:  executor,
		scheduler: scheduler,
		bus:       bus,
		log:       cfg.Logger,
	}, nil
}

// Start schedules the loop. Starting a running loop is an error.
func (l *Loop) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("agent already running")
	}
	l.running = true
	l.paused = false
	l.consecutiveErrors = 0
	l.token = clock.NewToken()
	token := l.token
	l.mu.Unlock()

	if err := l.scheduler.Every(l.cfg.LoopInterval, "agent-loop", token, l.Tick); err != nil {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		return err
	}
	l.log.Info("agent started", zap.Duration("loop_interval", l.cfg.LoopInterval))
	l.emitStatus("started")
	return nil
}

// Stop cancels the scheduling token. The loop observes the cancel before
// its next tick fires.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	token := l.token
	l.mu.Unlock()

	token.Cancel()
	l.log.Info("agent stopped")
	l.emitStatus("stopped")
}

// Pause latches the loop: ticks still fire but do no work.
func (l *Loop) Pause() {
	l.mu.Lock()
	changed := !l.paused
	l.paused = true
	l.mu.Unlock()
	if changed {
		l.log.Info("agent paused")
		l.emitStatus("paused")
	}
}

// Resume clears the pause latch.
func (l *Loop) Resume() {
	l.mu.Lock()
	changed := l.paused
	l.paused = false
	l.mu.Unlock()
	if changed {
		l.log.Info("agent resumed")
		l.emitStatus("resumed")
	}
}

// Running reports whether the loop is scheduled.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// LastHeartbeat returns the completion time of the last non-paused tick.
func (l *Loop) LastHeartbeat() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTick
}

// AvgDecisionLatencyMS returns the rolling average decision latency.
func (l *Loop) AvgDecisionLatencyMS() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.latencies) == 0 {
		return 0
	}
	var total float64
	for _, sample := range l.latencies {
		total += sample
	}
	return total / float64(len(l.latencies))
}

// Status returns a snapshot of the loop state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	status := Status{
		Running:           l.running,
		Paused:            l.paused,
		Ticks:             l.ticks.Load(),
		Errors:            l.errors.Load(),
		ConsecutiveErrors: l.consecutiveErrors,
		LastTick:          l.lastTick,
		Strategy:          l.cfg.Strategy,
	}
	if len(l.latencies) > 0 {
		var total float64
		for _, sample := range l.latencies {
			total += sample
		}
		status.AvgDecisionLatencyMS = total / float64(len(l.latencies))
	}
	return status
}

// Tick runs one loop cycle. The scheduler calls it every interval; tests
// call it directly.
func (l *Loop) Tick(now time.Time) {
	l.mu.Lock()
	if !l.running || l.paused {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	err := l.runTick()

	l.mu.Lock()
	l.lastTick = now
	if err == nil {
		l.consecutiveErrors = 0
		l.mu.Unlock()
		return
	}
	l.consecutiveErrors++
	exhausted := l.consecutiveErrors >= l.cfg.MaxErrors
	failures := l.consecutiveErrors
	l.mu.Unlock()

	l.errors.Add(1)
	l.log.Error("tick failed", zap.Int("consecutive_errors", failures), zap.Error(err))
	if exhausted {
		l.log.Error("error budget exhausted, stopping agent", zap.Int("max_errors", l.cfg.MaxErrors))
		l.Stop()
	}
}

// runTick is the tick body: any panic or rejected decision set counts as
// one tick failure against the error budget.
func (l *Loop) runTick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.LoopInterval)
	defer cancel()

	start := l.cfg.Now()
	state := l.perceiver.Perceive(ctx)
	decisions := l.decider.Decide(ctx, state, l.cfg.Strategy)
	if err := decisions.Validate(); err != nil {
		return fmt.Errorf("decision set rejected: %w", err)
	}
	applications := l.executor.Execute(ctx, decisions)
	l.ticks.Add(1)
	l.recordLatency(float64(decisions.LatencyMS))

	if elapsed := l.cfg.Now().Sub(start); elapsed > l.cfg.TickBudget {
		l.log.Warn("tick over budget",
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", l.cfg.TickBudget))
	}

	if l.bus != nil {
		applied := 0
		for _, application := range applications {
			if application.Outcome == action.OutcomeApplied {
				applied++
			}
		}
		l.bus.Emit(events.AgentDecision, events.SeverityInfo, map[string]string{
			"strategy":   string(decisions.StrategyUsed),
			"signals":    fmt.Sprintf("%d", len(decisions.Signals)),
			"applied":    fmt.Sprintf("%d", applied),
			"latency_ms": fmt.Sprintf("%.1f", decisions.LatencyMS),
		}, nil)
	}
	return nil
}

func (l *Loop) recordLatency(sample float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.latencies) == l.cfg.LatencyWindow {
		copy(l.latencies, l.latencies[1:])
		l.latencies = l.latencies[:len(l.latencies)-1]
	}
	l.latencies = append(l.latencies, sample)
}

func (l *Loop) emitStatus(state string) {
	if l.bus == nil {
		return
	}
	l.bus.Emit(events.AgentStatus, events.SeverityInfo, map[string]string{
		"state": state,
	}, nil)
}
