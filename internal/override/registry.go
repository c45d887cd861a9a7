package override

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
	"github.com/arterial/traffic-grid-controller/api/grid"
)

// Audit actions reported through the audit hook.
const (
	AuditCreated   = "created"
	AuditCancelled = "cancelled"
	AuditExpired   = "expired"
)

var (
	// ErrOperatorRequired is returned when a call lacks an operator id.
	ErrOperatorRequired = errors.New("operator_id is required")
	// ErrInvalidTarget is returned for malformed junction or direction input.
	ErrInvalidTarget = errors.New("invalid override target")
)

// Config tunes the registry. The function fields are optional side-effect
// hooks wired by the controller assembly; the registry itself only keeps
// books. Hooks run outside the registry lock.
type Config struct {
	MaxHistory int              // default 1000
	Now        func() time.Time // default time.Now

	// Audit observes every lifecycle step of an override.
	Audit func(record controlplane.ManualOverride, action string)
	// OnAgentDisable and OnAgentEnable toggle the agent loop.
	OnAgentDisable func(reason string)
	OnAgentEnable  func()
	// OnEmergencyStop halts the agent and drops every signal to RED.
	OnEmergencyStop func(reason string)
}

func (c Config) withDefaults() Config {
	if c.MaxHistory <= 0 {
		c.MaxHistory = 1000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Registry holds time-bounded manual overrides. Entries with a finite
// duration expire lazily: every operation scans the active set first and
// moves stale entries to history.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	active  map[string]controlplane.ManualOverride
	history []controlplane.ManualOverride

	created   atomic.Uint64
	cancelled atomic.Uint64
	expired   atomic.Uint64
}

// Stats captures registry counters.
type Stats struct {
	Created   uint64
	Cancelled uint64
	Expired   uint64
	Active    int
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:    cfg.withDefaults(),
		active: make(map[string]controlplane.ManualOverride),
	}
}

// ForceSignalState registers a signal override pinning one head to GREEN
// or RED. A zero duration means the override holds until cancelled.
func (r *Registry) ForceSignalState(junctionID string, direction grid.Direction, state grid.SignalState, duration time.Duration, operatorID, reason string) (string, error) {
	if operatorID == "" {
		return "", ErrOperatorRequired
	}
	if junctionID == "" {
		return "", fmt.Errorf("%w: junction_id is required", ErrInvalidTarget)
	}
	if err := direction.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if state != grid.SignalGreen && state != grid.SignalRed {
		return "", fmt.Errorf("%w: state must be GREEN or RED, got %q", ErrInvalidTarget, state)
	}
	if duration < 0 {
		return "", fmt.Errorf("%w: duration must not be negative", ErrInvalidTarget)
	}

	record := controlplane.ManualOverride{
		OverrideID: uuid.NewString(),
		Type:       controlplane.OverrideJunctionSignal,
		OperatorID: operatorID,
		TargetID:   junctionID,
		Parameters: map[string]string{
			"direction": string(direction),
			"state":     string(state),
		},
		Active: true,
		Reason: reason,
	}
	return r.admit(record, duration)
}

// DisableAgent registers an agent-disable override and fires the disable
// hook. The agent stays down until EnableAgent or cancellation.
func (r *Registry) DisableAgent(operatorID, reason string) (string, error) {
	if operatorID == "" {
		return "", ErrOperatorRequired
	}
	record := controlplane.ManualOverride{
		OverrideID: uuid.NewString(),
		Type:       controlplane.OverrideAgentDisable,
		OperatorID: operatorID,
		Active:     true,
		Reason:     reason,
	}
	id, err := r.admit(record, 0)
	if err == nil && r.cfg.OnAgentDisable != nil {
		r.cfg.OnAgentDisable(reason)
	}
	return id, err
}

// EnableAgent cancels every active agent-disable override and fires the
// enable hook. Returns false when nothing was disabled.
func (r *Registry) EnableAgent(operatorID string) bool {
	if operatorID == "" {
		return false
	}
	now := r.cfg.Now()

	r.mu.Lock()
	stale := r.expireLocked(now)
	cleared := make([]controlplane.ManualOverride, 0, 1)
	for id, record := range r.active {
		if record.Type != controlplane.OverrideAgentDisable {
			continue
		}
		record.Active = false
		delete(r.active, id)
		r.pushHistoryLocked(record)
		cleared = append(cleared, record)
	}
	r.mu.Unlock()

	r.flushExpired(stale)
	for _, record := range cleared {
		r.cancelled.Add(1)
		r.audit(record, AuditCancelled)
	}
	if len(cleared) == 0 {
		return false
	}
	if r.cfg.OnAgentEnable != nil {
		r.cfg.OnAgentEnable()
	}
	return true
}

// EmergencyStop registers a stop override and fires the stop hook, which
// halts the agent and forces every signal RED.
func (r *Registry) EmergencyStop(operatorID, reason string) (string, error) {
	if operatorID == "" {
		return "", ErrOperatorRequired
	}
	record := controlplane.ManualOverride{
		OverrideID: uuid.NewString(),
		Type:       controlplane.OverrideEmergencyStop,
		OperatorID: operatorID,
		Active:     true,
		Reason:     reason,
	}
	id, err := r.admit(record, 0)
	if err == nil && r.cfg.OnEmergencyStop != nil {
		r.cfg.OnEmergencyStop(reason)
	}
	return id, err
}

// CancelOverride deactivates one override by id. Returns false when the
// id is unknown or already inactive.
func (r *Registry) CancelOverride(overrideID, operatorID string) bool {
	if overrideID == "" || operatorID == "" {
		return false
	}
	now := r.cfg.Now()

	r.mu.Lock()
	stale := r.expireLocked(now)
	record, ok := r.active[overrideID]
	var wasAgentDisable, stillDisabled bool
	if ok {
		record.Active = false
		delete(r.active, overrideID)
		r.pushHistoryLocked(record)
		wasAgentDisable = record.Type == controlplane.OverrideAgentDisable
		stillDisabled = r.agentDisabledLocked()
	}
	r.mu.Unlock()

	r.flushExpired(stale)
	if !ok {
		return false
	}
	r.cancelled.Add(1)
	r.audit(record, AuditCancelled)
	if wasAgentDisable && !stillDisabled && r.cfg.OnAgentEnable != nil {
		r.cfg.OnAgentEnable()
	}
	return true
}

// GetActive returns every live override, expiring stale entries first.
func (r *Registry) GetActive() []controlplane.ManualOverride {
	now := r.cfg.Now()

	r.mu.Lock()
	stale := r.expireLocked(now)
	out := make([]controlplane.ManualOverride, 0, len(r.active))
	for _, record := range r.active {
		out = append(out, cloneOverride(record))
	}
	r.mu.Unlock()

	r.flushExpired(stale)
	return out
}

// ActiveFor returns the live signal override for one junction head.
func (r *Registry) ActiveFor(junctionID string, direction grid.Direction) (controlplane.ManualOverride, bool) {
	now := r.cfg.Now()

	r.mu.Lock()
	stale := r.expireLocked(now)
	var match controlplane.ManualOverride
	var found bool
	for _, record := range r.active {
		if record.Type != controlplane.OverrideJunctionSignal {
			continue
		}
		if record.TargetID == junctionID && record.Parameters["direction"] == string(direction) {
			match = cloneOverride(record)
			found = true
			break
		}
	}
	r.mu.Unlock()

	r.flushExpired(stale)
	return match, found
}

// AgentDisabled reports whether an agent-disable or emergency-stop
// override is live.
func (r *Registry) AgentDisabled() bool {
	now := r.cfg.Now()

	r.mu.Lock()
	stale := r.expireLocked(now)
	disabled := r.agentDisabledLocked()
	r.mu.Unlock()

	r.flushExpired(stale)
	return disabled
}

// GetHistory returns up to limit resolved overrides, newest first.
func (r *Registry) GetHistory(limit int) []controlplane.ManualOverride {
	now := r.cfg.Now()

	r.mu.Lock()
	stale := r.expireLocked(now)
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]controlplane.ManualOverride, 0, limit)
	for i := len(r.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneOverride(r.history[i]))
	}
	r.mu.Unlock()

	r.flushExpired(stale)
	return out
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	active := len(r.active)
	r.mu.Unlock()
	return Stats{
		Created:   r.created.Load(),
		Cancelled: r.cancelled.Load(),
		Expired:   r.expired.Load(),
		Active:    active,
	}
}

func (r *Registry) admit(record controlplane.ManualOverride, duration time.Duration) (string, error) {
	now := r.cfg.Now()
	record.TimestampMS = now.UnixMilli()
	if duration > 0 {
		seconds := duration.Seconds()
		record.DurationSeconds = &seconds
	}
	if err := record.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	stale := r.expireLocked(now)
	r.active[record.OverrideID] = record
	r.mu.Unlock()

	r.flushExpired(stale)
	r.created.Add(1)
	r.audit(record, AuditCreated)
	return record.OverrideID, nil
}

// expireLocked moves entries whose window closed into history and returns
// them; the caller fires audits after releasing the lock.
func (r *Registry) expireLocked(now time.Time) []controlplane.ManualOverride {
	var stale []controlplane.ManualOverride
	for id, record := range r.active {
		if record.DurationSeconds == nil {
			continue
		}
		deadline := time.UnixMilli(record.TimestampMS).Add(time.Duration(*record.DurationSeconds * float64(time.Second)))
		if now.After(deadline) {
			record.Active = false
			delete(r.active, id)
			r.pushHistoryLocked(record)
			stale = append(stale, record)
		}
	}
	return stale
}

func (r *Registry) flushExpired(stale []controlplane.ManualOverride) {
	for _, record := range stale {
		r.expired.Add(1)
		r.audit(record, AuditExpired)
	}
}

func (r *Registry) pushHistoryLocked(record controlplane.ManualOverride) {
	r.history = append(r.history, record)
	if over := len(r.history) - r.cfg.MaxHistory; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
}

func (r *Registry) audit(record controlplane.ManualOverride, action string) {
	if r.cfg.Audit != nil {
		r.cfg.Audit(cloneOverride(record), action)
	}
}

func (r *Registry) agentDisabledLocked() bool {
	for _, record := range r.active {
		if record.Type == controlplane.OverrideAgentDisable || record.Type == controlplane.OverrideEmergencyStop {
			return true
		}
	}
	return false
}

func cloneOverride(record controlplane.ManualOverride) controlplane.ManualOverride {
	out := record
	if record.Parameters != nil {
		out.Parameters = make(map[string]string, len(record.Parameters))
		for key, value := range record.Parameters {
			out.Parameters[key] = value
		}
	}
	if record.DurationSeconds != nil {
		seconds := *record.DurationSeconds
		out.DurationSeconds = &seconds
	}
	return out
}
