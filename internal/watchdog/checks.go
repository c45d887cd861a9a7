package watchdog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/internal/conflict"
	"github.com/arterial/traffic-grid-controller/internal/mode"
	"github.com/arterial/traffic-grid-controller/internal/roadnet"
)

// HeartbeatSource exposes the agent loop's last completed tick.
type HeartbeatSource interface {
	LastHeartbeat() time.Time
}

// LatencySource exposes the rolling average decision latency.
type LatencySource interface {
	AvgDecisionLatencyMS() float64
}

// ModeSource exposes the current mode snapshot.
type ModeSource interface {
	Current() mode.Snapshot
}

// AgentHeartbeatCheck fails when the agent loop has not completed a tick
// within staleness. Two consecutive misses trip fail-safe.
func AgentHeartbeatCheck(source HeartbeatSource, staleness time.Duration, now func() time.Time) Check {
	if staleness <= 0 {
		staleness = 10 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return Check{
		Name:        "agent_heartbeat",
		Critical:    true,
		Interval:    10 * time.Second,
		MaxFailures: 2,
		Run: func(context.Context) error {
			last := source.LastHeartbeat()
			if last.IsZero() {
				return fmt.Errorf("agent has never ticked")
			}
			if age := now().Sub(last); age > staleness {
				return fmt.Errorf("agent heartbeat stale by %s", age.Round(time.Millisecond))
			}
			return nil
		},
	}
}

// SignalConflictCheck scans every junction for concurrent GREEN heads.
// A single observation trips fail-safe: the validator should have made
// this state unreachable.
func SignalConflictCheck(registry *roadnet.Registry) Check {
	return Check{
		Name:        "signal_conflicts",
		Critical:    true,
		MaxFailures: 1,
		Run: func(context.Context) error {
			var err error
			for _, junction := range registry.Junctions() {
				signals := make(map[grid.Direction]grid.SignalState, len(junction.Signals))
				for direction, state := range junction.Signals {
					signals[direction] = state
				}
				if ok, issues := conflict.ValidateFullJunction(junction.ID, signals); !ok {
					for _, issue := range issues {
						err = multierr.Append(err, fmt.Errorf("%s", issue))
					}
				}
			}
			return err
		},
	}
}

// DecisionLatencyCheck fails when the rolling average decision latency
// exceeds maxAvgMS. Non-critical: a slow brain degrades, it does not stop.
func DecisionLatencyCheck(source LatencySource, maxAvgMS float64) Check {
	if maxAvgMS <= 0 {
		maxAvgMS = 2000
	}
	return Check{
		Name: "decision_latency",
		Run: func(context.Context) error {
			if avg := source.AvgDecisionLatencyMS(); avg > maxAvgMS {
				return fmt.Errorf("average decision latency %.1fms exceeds %.0fms", avg, maxAvgMS)
			}
			return nil
		},
	}
}

// ModeValidityCheck fails when the system has stayed in EMERGENCY longer
// than maxEmergency, which indicates a corridor monitor that never
// completed. Non-critical: operators decide whether to clear it.
func ModeValidityCheck(source ModeSource, maxEmergency time.Duration, now func() time.Time) Check {
	if maxEmergency <= 0 {
		maxEmergency = 300 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return Check{
		Name: "mode_validity",
		Run: func(context.Context) error {
			snapshot := source.Current()
			if snapshot.Mode != grid.SystemModeEmergency {
				return nil
			}
			if held := now().Sub(snapshot.EnteredAt); held > maxEmergency {
				return fmt.Errorf("emergency mode held for %s, limit %s", held.Round(time.Second), maxEmergency)
			}
			return nil
		},
	}
}
