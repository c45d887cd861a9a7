package auditlog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
)

// AgentLog is one tick-level record of what the agent decided.
type AgentLog struct {
	ID          string            `json:"id"`
	At          time.Time         `json:"at"`
	Strategy    string            `json:"strategy"`
	Signals     int               `json:"signals"`
	Applied     int               `json:"applied"`
	LatencyMS   float64           `json:"latency_ms"`
	Mode        string            `json:"mode,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// ModeTransition is one recorded system-mode change.
type ModeTransition struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason"`
	OperatorID string    `json:"operator_id,omitempty"`
	Forced     bool      `json:"forced"`
}

// OverrideAudit is one lifecycle step of a manual override.
type OverrideAudit struct {
	ID     string                      `json:"id"`
	At     time.Time                   `json:"at"`
	Action string                      `json:"action"`
	Record controlplane.ManualOverride `json:"record"`
}

// Sink is the append-only boundary the core writes audit records through.
type Sink interface {
	AppendAgentLog(record AgentLog) error
	AppendModeTransition(record ModeTransition) error
	AppendOverrideAudit(record OverrideAudit) error
}

// SweepReport summarizes one retention pass.
type SweepReport struct {
	At                     time.Time `json:"at"`
	AgentLogsRemoved       int       `json:"agent_logs_removed"`
	ModeTransitionsRemoved int       `json:"mode_transitions_removed"`
	OverrideAuditsRemoved  int       `json:"override_audits_removed"`
	AgentLogsKept          int       `json:"agent_logs_kept"`
	ModeTransitionsKept    int       `json:"mode_transitions_kept"`
	OverrideAuditsKept     int       `json:"override_audits_kept"`
}

// Config bounds the in-memory store.
type Config struct {
	MaxRecordsPerStream     int           // default 10000
	AgentLogRetention       time.Duration // default 7 days
	ModeTransitionRetention time.Duration // default 30 days
	OverrideAuditRetention  time.Duration // default 30 days
	Now                     func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxRecordsPerStream <= 0 {
		c.MaxRecordsPerStream = 10000
	}
	if c.AgentLogRetention <= 0 {
		c.AgentLogRetention = 7 * 24 * time.Hour
	}
	if c.ModeTransitionRetention <= 0 {
		c.ModeTransitionRetention = 30 * 24 * time.Hour
	}
	if c.OverrideAuditRetention <= 0 {
		c.OverrideAuditRetention = 30 * 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Export is the JSON shape handed to archival.
type Export struct {
	ExportedAt      time.Time        `json:"exported_at"`
	AgentLogs       []AgentLog       `json:"agent_logs"`
	ModeTransitions []ModeTransition `json:"mode_transitions"`
	OverrideAudits  []OverrideAudit  `json:"override_audits"`
}

// MemoryStore is a bounded append-only store. Each stream keeps insertion
// order and drops its oldest record past the per-stream cap; the retention
// sweep trims by age.
type MemoryStore struct {
	cfg Config

	mu              sync.Mutex
	agentLogs       []AgentLog
	modeTransitions []ModeTransition
	overrideAudits  []OverrideAudit
}

// NewMemoryStore constructs a bounded store.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{cfg: cfg.withDefaults()}
}

// AppendAgentLog records one agent tick. A missing id or timestamp is
// filled in.
func (s *MemoryStore) AppendAgentLog(record AgentLog) error {
	if record.Strategy == "" {
		return fmt.Errorf("strategy is required")
	}
	s.stamp(&record.ID, &record.At)
	s.mu.Lock()
	s.agentLogs = appendBounded(s.agentLogs, record, s.cfg.MaxRecordsPerStream)
	s.mu.Unlock()
	return nil
}

// AppendModeTransition records one mode change.
func (s *MemoryStore) AppendModeTransition(record ModeTransition) error {
	if record.From == "" || record.To == "" {
		return fmt.Errorf("from and to modes are required")
	}
	s.stamp(&record.ID, &record.At)
	s.mu.Lock()
	s.modeTransitions = appendBounded(s.modeTransitions, record, s.cfg.MaxRecordsPerStream)
	s.mu.Unlock()
	return nil
}

// AppendOverrideAudit records one override lifecycle step.
func (s *MemoryStore) AppendOverrideAudit(record OverrideAudit) error {
	if record.Action == "" {
		return fmt.Errorf("action is required")
	}
	if record.Record.OverrideID == "" {
		return fmt.Errorf("override record is required")
	}
	s.stamp(&record.ID, &record.At)
	s.mu.Lock()
	s.overrideAudits = appendBounded(s.overrideAudits, record, s.cfg.MaxRecordsPerStream)
	s.mu.Unlock()
	return nil
}

// AgentLogs returns up to limit newest records, oldest first. A
// non-positive limit returns everything.
func (s *MemoryStore) AgentLogs(limit int) []AgentLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.agentLogs, limit)
}

// ModeTransitions returns up to limit newest records, oldest first.
func (s *MemoryStore) ModeTransitions(limit int) []ModeTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.modeTransitions, limit)
}

// OverrideAudits returns up to limit newest records, oldest first.
func (s *MemoryStore) OverrideAudits(limit int) []OverrideAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.overrideAudits, limit)
}

// Sweep drops records older than each stream's retention and reports what
// was removed and what remains.
func (s *MemoryStore) Sweep(now time.Time) SweepReport {
	if now.IsZero() {
		now = s.cfg.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	report := SweepReport{At: now}
	s.agentLogs, report.AgentLogsRemoved = retain(s.agentLogs,
		func(r AgentLog) time.Time { return r.At }, now.Add(-s.cfg.AgentLogRetention))
	s.modeTransitions, report.ModeTransitionsRemoved = retain(s.modeTransitions,
		func(r ModeTransition) time.Time { return r.At }, now.Add(-s.cfg.ModeTransitionRetention))
	s.overrideAudits, report.OverrideAuditsRemoved = retain(s.overrideAudits,
		func(r OverrideAudit) time.Time { return r.At }, now.Add(-s.cfg.OverrideAuditRetention))
	report.AgentLogsKept = len(s.agentLogs)
	report.ModeTransitionsKept = len(s.modeTransitions)
	report.OverrideAuditsKept = len(s.overrideAudits)
	return report
}

// ExportJSON snapshots every stream for archival.
func (s *MemoryStore) ExportJSON(now time.Time) ([]byte, error) {
	if now.IsZero() {
		now = s.cfg.Now()
	}
	s.mu.Lock()
	export := Export{
		ExportedAt:      now,
		AgentLogs:       tail(s.agentLogs, 0),
		ModeTransitions: tail(s.modeTransitions, 0),
		OverrideAudits:  tail(s.overrideAudits, 0),
	}
	s.mu.Unlock()
	return json.Marshal(export)
}

func (s *MemoryStore) stamp(id *string, at *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if at.IsZero() {
		*at = s.cfg.Now()
	}
}

func appendBounded[T any](records []T, record T, limit int) []T {
	if len(records) == limit {
		copy(records, records[1:])
		records = records[:len(records)-1]
	}
	return append(records, record)
}

func tail[T any](records []T, limit int) []T {
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	out := make([]T, limit)
	copy(out, records[len(records)-limit:])
	return out
}

func retain[T any](records []T, at func(T) time.Time, cutoff time.Time) ([]T, int) {
	kept := records[:0]
	for _, record := range records {
		if !at(record).Before(cutoff) {
			kept = append(kept, record)
		}
	}
	return kept, len(records) - len(kept)
}
