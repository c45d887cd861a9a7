package mode

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arterial/traffic-grid-controller/api/grid"
)

var (
	// ErrTransitionDenied marks a transition the mode table forbids.
	ErrTransitionDenied = errors.New("mode transition denied")
	// ErrNotFailSafe is returned when exitFailSafe runs outside FAIL_SAFE.
	ErrNotFailSafe = errors.New("system is not in fail-safe mode")
	// ErrOperatorRequired is returned when exitFailSafe lacks an operator id.
	ErrOperatorRequired = errors.New("operator_id is required")
)

// Transition is one recorded mode change.
type Transition struct {
	From       grid.SystemMode
	To         grid.SystemMode
	At         time.Time
	Reason     string
	OperatorID string
	Forced     bool
}

// Hook observes a transition. Hooks run synchronously on the transitioning
// goroutine, outside the manager lock, in registration order.
type Hook func(Transition)

// Config controls deterministic manager behavior.
type Config struct {
	Now func() time.Time
}

// Manager is the system mode state machine. FAIL_SAFE is absorbing: once
// entered, only ExitFailSafe with an operator id leaves it.
type Manager struct {
	mu        sync.Mutex
	current   grid.SystemMode
	previous  grid.SystemMode
	enteredAt time.Time
	reason    string
	onEnter   map[grid.SystemMode][]Hook
	onExit    map[grid.SystemMode][]Hook
	now       func() time.Time

	transitions atomic.Uint64
	denied      atomic.Uint64
}

// Snapshot is a point-in-time view of the mode state.
type Snapshot struct {
	Mode      grid.SystemMode
	Previous  grid.SystemMode // zero when the system never left its boot mode
	EnteredAt time.Time
	Reason    string
}

// Stats captures transition counters.
type Stats struct {
	Transitions uint64
	Denied      uint64
}

// NewManager returns a manager starting in NORMAL.
func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		current:   grid.SystemModeNormal,
		enteredAt: cfg.Now(),
		reason:    "startup",
		onEnter:   make(map[grid.SystemMode][]Hook),
		onExit:    make(map[grid.SystemMode][]Hook),
		now:       cfg.Now,
	}
}

// OnEnter registers a hook fired after the system enters the given mode.
func (m *Manager) OnEnter(mode grid.SystemMode, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[mode] = append(m.onEnter[mode], hook)
}

// OnExit registers a hook fired after the system leaves the given mode.
func (m *Manager) OnExit(mode grid.SystemMode, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit[mode] = append(m.onExit[mode], hook)
}

// Current returns a snapshot of the mode state.
func (m *Manager) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Mode: m.current, Previous: m.previous, EnteredAt: m.enteredAt, Reason: m.reason}
}

// Transition applies a table-checked mode change.
func (m *Manager) Transition(to grid.SystemMode, reason string) (Transition, error) {
	if err := to.Validate(); err != nil {
		return Transition{}, err
	}
	m.mu.Lock()
	from := m.current
	if !allowed(from, to) {
		m.mu.Unlock()
		m.denied.Add(1)
		return Transition{}, fmt.Errorf("%w: %s to %s", ErrTransitionDenied, from, to)
	}
	record := m.applyLocked(to, reason, "", false)
	exitHooks, enterHooks := m.hooksLocked(from, to)
	m.mu.Unlock()

	fire(exitHooks, enterHooks, record)
	return record, nil
}

// EnterFailSafe forces FAIL_SAFE from any mode. Calling it while already
// in FAIL_SAFE is a no-op so the watchdog can re-trip freely.
func (m *Manager) EnterFailSafe(reason string) (Transition, bool) {
	m.mu.Lock()
	from := m.current
	if from == grid.SystemModeFailSafe {
		m.mu.Unlock()
		return Transition{}, false
	}
	record := m.applyLocked(grid.SystemModeFailSafe, reason, "", true)
	exitHooks, enterHooks := m.hooksLocked(from, grid.SystemModeFailSafe)
	m.mu.Unlock()

	fire(exitHooks, enterHooks, record)
	return record, true
}

// ExitFailSafe returns to NORMAL. It is the only path out of FAIL_SAFE and
// requires the clearing operator's id for the audit trail.
func (m *Manager) ExitFailSafe(operatorID string) (Transition, error) {
	if operatorID == "" {
		return Transition{}, ErrOperatorRequired
	}
	m.mu.Lock()
	from := m.current
	if from != grid.SystemModeFailSafe {
		m.mu.Unlock()
		m.denied.Add(1)
		return Transition{}, ErrNotFailSafe
	}
	record := m.applyLocked(grid.SystemModeNormal, "fail-safe cleared by operator", operatorID, false)
	exitHooks, enterHooks := m.hooksLocked(from, grid.SystemModeNormal)
	m.mu.Unlock()

	fire(exitHooks, enterHooks, record)
	return record, nil
}

// Stats returns transition counters.
func (m *Manager) Stats() Stats {
	return Stats{Transitions: m.transitions.Load(), Denied: m.denied.Load()}
}

func (m *Manager) applyLocked(to grid.SystemMode, reason, operatorID string, forced bool) Transition {
	record := Transition{
		From:       m.current,
		To:         to,
		At:         m.now(),
		Reason:     reason,
		OperatorID: operatorID,
		Forced:     forced,
	}
	m.previous = m.current
	m.current = to
	m.enteredAt = record.At
	m.reason = reason
	m.transitions.Add(1)
	return record
}

func (m *Manager) hooksLocked(from, to grid.SystemMode) ([]Hook, []Hook) {
	exitHooks := append([]Hook(nil), m.onExit[from]...)
	enterHooks := append([]Hook(nil), m.onEnter[to]...)
	return exitHooks, enterHooks
}

func fire(exitHooks, enterHooks []Hook, record Transition) {
	for _, hook := range exitHooks {
		hook(record)
	}
	for _, hook := range enterHooks {
		hook(record)
	}
}

// allowed implements the transition table. FAIL_SAFE rows are all denied;
// forced entry and operator exit bypass this check explicitly.
func allowed(from, to grid.SystemMode) bool {
	if from == to {
		return false
	}
	switch from {
	case grid.SystemModeNormal:
		return to == grid.SystemModeEmergency || to == grid.SystemModeIncident || to == grid.SystemModeFailSafe
	case grid.SystemModeEmergency:
		return to == grid.SystemModeNormal || to == grid.SystemModeFailSafe
	case grid.SystemModeIncident:
		return to == grid.SystemModeNormal || to == grid.SystemModeFailSafe
	default:
		return false
	}
}
