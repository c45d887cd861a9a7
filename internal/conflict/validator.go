package conflict

import (
	"fmt"
	"time"

	"github.com/arterial/traffic-grid-controller/api/grid"
)

// Reasons returned to operators. These are surfaced verbatim through the
// control plane, so they stay sentence-cased rather than error-cased.
const (
	ReasonMinGreenNotElapsed = "Minimum GREEN time not elapsed"
	ReasonMinRedNotElapsed   = "Minimum RED time not elapsed"
)

// Head is one direction's current color plus the instant it last changed.
// A zero LastChange means the head has never switched and timing guards
// do not apply.
type Head struct {
	State      grid.SignalState
	LastChange time.Time
}

// Heads assembles validator input from the raw signal and timestamp maps
// kept by the road network registry.
func Heads(signals map[grid.Direction]grid.SignalState, lastChange map[grid.Direction]time.Time) map[grid.Direction]Head {
	heads := make(map[grid.Direction]Head, len(signals))
	for direction, state := range signals {
		heads[direction] = Head{State: state, LastChange: lastChange[direction]}
	}
	return heads
}

// Config carries the timing guards. The min-green value must match the
// rule engine's starvation guard; both read the same config key.
type Config struct {
	MinGreenTime time.Duration // default 10s
	MinRedTime   time.Duration // default 2s
}

func (c Config) withDefaults() Config {
	if c.MinGreenTime <= 0 {
		c.MinGreenTime = 10 * time.Second
	}
	if c.MinRedTime <= 0 {
		c.MinRedTime = 2 * time.Second
	}
	return c
}

// Validator decides whether a proposed signal change is safe. It holds no
// state beyond its config: the answer is a pure function of the inputs.
type Validator struct {
	cfg Config
}

// NewValidator constructs a validator with defaulted timing guards.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

// Validate checks a proposed change of one head in order: concurrent
// green, timing guards, then reachable transitions. The reason is empty
// when ok.
func (v *Validator) Validate(junctionID string, direction grid.Direction, target grid.SignalState, heads map[grid.Direction]Head, now time.Time) (bool, string) {
	head, known := heads[direction]
	if !known {
		return false, fmt.Sprintf("Unknown direction %s at junction %s", direction, junctionID)
	}
	if head.State == target {
		return true, ""
	}

	if target == grid.SignalGreen {
		for _, other := range grid.Directions() {
			if other == direction {
				continue
			}
			if otherHead, ok := heads[other]; ok && otherHead.State == grid.SignalGreen {
				return false, fmt.Sprintf("Conflicting GREEN on %s", other)
			}
		}
	}

	if head.State == grid.SignalGreen && target != grid.SignalGreen {
		if !head.LastChange.IsZero() && now.Sub(head.LastChange) < v.cfg.MinGreenTime {
			return false, ReasonMinGreenNotElapsed
		}
	}
	if head.State == grid.SignalRed && target == grid.SignalGreen {
		if !head.LastChange.IsZero() && now.Sub(head.LastChange) < v.cfg.MinRedTime {
			return false, ReasonMinRedNotElapsed
		}
	}

	if target == grid.SignalGreen && head.State == grid.SignalYellow {
		return false, "Direct YELLOW to GREEN transition not allowed"
	}
	return true, ""
}

// ValidateFullJunction flags a junction holding more than one GREEN head.
// The watchdog runs this across the whole grid every check interval.
func ValidateFullJunction(junctionID string, signals map[grid.Direction]grid.SignalState) (bool, []string) {
	greens := make([]grid.Direction, 0, 2)
	for _, direction := range grid.Directions() {
		if signals[direction] == grid.SignalGreen {
			greens = append(greens, direction)
		}
	}
	if len(greens) <= 1 {
		return true, nil
	}
	issues := make([]string, 0, len(greens)-1)
	for _, direction := range greens[1:] {
		issues = append(issues, fmt.Sprintf("junction %s: concurrent GREEN on %s and %s", junctionID, greens[0], direction))
	}
	return false, issues
}
