package watchdog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arterial/traffic-grid-controller/api/events"
	"github.com/arterial/traffic-grid-controller/internal/clock"
	"github.com/arterial/traffic-grid-controller/internal/mode"
)

// Check is one periodic health probe. A nil error from Run means healthy.
type Check struct {
	Name        string
	Run         func(ctx context.Context) error
	Critical    bool
	Interval    time.Duration // defaults to the runner's CheckInterval
	Timeout     time.Duration // defaults to the runner's CheckTimeout
	MaxFailures int           // consecutive failures before a critical trip, default 3
}

// FailSafeTripper is the slice of the mode manager the watchdog needs.
type FailSafeTripper interface {
	EnterFailSafe(reason string) (mode.Transition, bool)
}

// Emitter publishes failsafe.triggered events.
type Emitter interface {
	Emit(name events.Name, severity events.Severity, attributes map[string]string, payload any)
}

// Config tunes the runner.
type Config struct {
	CheckInterval time.Duration // default 2s
	CheckTimeout  time.Duration // default 1s
	Now           func() time.Time
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 2 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// CheckReport is one check's current standing.
type CheckReport struct {
	Name                string
	Critical            bool
	ConsecutiveFailures int
	MaxFailures         int
	LastRun             time.Time
	LastError           string
	Healthy             bool
}

// Stats captures runner counters.
type Stats struct {
	Runs     uint64
	Failures uint64
	Trips    uint64
}

type checkState struct {
	check               Check
	consecutiveFailures int
	lastRun             time.Time
	lastError           error
	tripped             bool
}

// Runner executes registered checks on the shared scheduler. A check whose
// consecutive-failure count reaches MaxFailures trips fail-safe when the
// check is critical; non-critical checks only degrade the report.
type Runner struct {
	cfg       Config
	scheduler *clock.Scheduler
	modes     FailSafeTripper
	bus       Emitter
	token     *clock.Token
	log       *zap.Logger

	mu     sync.Mutex
	checks map[string]*checkState

	runs     atomic.Uint64
	failures atomic.Uint64
	trips    atomic.Uint64
}

// NewRunner wires a runner. Bus is optional.
func NewRunner(cfg Config, scheduler *clock.Scheduler, modes FailSafeTripper, bus Emitter) (*Runner, error) {
	if scheduler == nil || modes == nil {
		return nil, fmt.Errorf("runner requires scheduler and mode controller")
	}
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:       cfg,
		scheduler: scheduler,
		modes:     modes,
		bus:       bus,
		token:     clock.NewToken(),
		log:       cfg.Logger,
		checks:    make(map[string]*checkState),
	}, nil
}

// Register adds a check and schedules it at its interval.
func (r *Runner) Register(check Check) error {
	if check.Name == "" {
		return fmt.Errorf("check name is required")
	}
	if check.Run == nil {
		return fmt.Errorf("check %s has no run function", check.Name)
	}
	if check.Interval <= 0 {
		check.Interval = r.cfg.CheckInterval
	}
	if check.Timeout <= 0 {
		check.Timeout = r.cfg.CheckTimeout
	}
	if check.MaxFailures <= 0 {
		check.MaxFailures = 3
	}

	r.mu.Lock()
	if _, dup := r.checks[check.Name]; dup {
		r.mu.Unlock()
		return fmt.Errorf("check already registered: %s", check.Name)
	}
	r.checks[check.Name] = &checkState{check: check}
	r.mu.Unlock()

	return r.scheduler.Every(check.Interval, "watchdog-"+check.Name, r.token, func(now time.Time) {
		r.RunCheck(check.Name, now)
	})
}

// Close stops future check fires.
func (r *Runner) Close() error {
	r.token.Cancel()
	return nil
}

// RunCheck executes one registered check immediately. The scheduler calls
// this on every interval fire; tests call it directly.
func (r *Runner) RunCheck(name string, now time.Time) {
	r.mu.Lock()
	state, ok := r.checks[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	check := state.check
	r.mu.Unlock()

	r.runs.Add(1)
	err := r.execute(check)

	r.mu.Lock()
	state.lastRun = now
	state.lastError = err
	if err == nil {
		state.consecutiveFailures = 0
		state.tripped = false
		r.mu.Unlock()
		return
	}
	state.consecutiveFailures++
	failures := state.consecutiveFailures
	shouldTrip := check.Critical && failures >= check.MaxFailures && !state.tripped
	if shouldTrip {
		state.tripped = true
	}
	r.mu.Unlock()

	r.failures.Add(1)
	r.log.Warn("health check failed",
		zap.String("check", check.Name),
		zap.Int("consecutive_failures", failures),
		zap.Bool("critical", check.Critical),
		zap.Error(err))

	if shouldTrip {
		r.trip(check, err)
	}
}

// execute runs the check body against its timeout. A blocked check counts
// as a failure when the timeout lapses even though its goroutine may still
// be running.
func (r *Runner) execute(check Check) error {
	ctx, cancel := context.WithTimeout(context.Background(), check.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- check.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("check %s timed out after %s", check.Name, check.Timeout)
	}
}

func (r *Runner) trip(check Check, cause error) {
	reason := fmt.Sprintf("watchdog: %s (%v)", check.Name, cause)
	if _, transitioned := r.modes.EnterFailSafe(reason); transitioned {
		r.trips.Add(1)
		r.log.Error("fail-safe tripped", zap.String("check", check.Name), zap.Error(cause))
		if r.bus != nil {
			r.bus.Emit(events.FailSafeTriggered, events.SeverityCritical, map[string]string{
				"check":  check.Name,
				"reason": reason,
			}, nil)
		}
	}
}

// Report returns the standing of every check in name order, plus an
// aggregated error naming each failing check. A nil error means every
// check passed on its last run.
func (r *Runner) Report() ([]CheckReport, error) {
	r.mu.Lock()
	reports := make([]CheckReport, 0, len(r.checks))
	for _, state := range r.checks {
		report := CheckReport{
			Name:                state.check.Name,
			Critical:            state.check.Critical,
			ConsecutiveFailures: state.consecutiveFailures,
			MaxFailures:         state.check.MaxFailures,
			LastRun:             state.lastRun,
			Healthy:             state.lastError == nil,
		}
		if state.lastError != nil {
			report.LastError = state.lastError.Error()
		}
		reports = append(reports, report)
	}
	r.mu.Unlock()

	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })

	failing := lo.Filter(reports, func(report CheckReport, _ int) bool { return !report.Healthy })
	var err error
	for _, report := range failing {
		err = multierr.Append(err, fmt.Errorf("%s: %s", report.Name, report.LastError))
	}
	return reports, err
}

// Healthy reports whether every check passed on its last run.
func (r *Runner) Healthy() bool {
	_, err := r.Report()
	return err == nil
}

// Stats returns runner counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Runs:     r.runs.Load(),
		Failures: r.failures.Load(),
		Trips:    r.trips.Load(),
	}
}
