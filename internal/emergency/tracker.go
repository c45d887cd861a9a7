package emergency

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arterial/traffic-grid-controller/api/controlplane"
)

var (
	// ErrSessionActive enforces the single-session invariant: at most one
	// emergency session is ACTIVE at any time.
	ErrSessionActive = errors.New("emergency session already active")
	// ErrNoActiveSession is returned by terminal operations with nothing
	// to terminate.
	ErrNoActiveSession = errors.New("no active emergency session")
)

// Tracker owns emergency session records. It is the single writer for the
// active session; readers get detached copies.
type Tracker struct {
	mu         sync.Mutex
	active     *controlplane.EmergencySession
	history    []controlplane.EmergencySession
	maxHistory int
}

// NewTracker constructs an empty tracker keeping up to maxHistory
// terminated sessions (default 100).
func NewTracker(maxHistory int) *Tracker {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	return &Tracker{maxHistory: maxHistory}
}

// Activate installs a new ACTIVE session. Fails while another session is
// still ACTIVE.
func (t *Tracker) Activate(session controlplane.EmergencySession) error {
	if session.Status != controlplane.SessionActive {
		return fmt.Errorf("session %s must be ACTIVE on activation, got %s", session.SessionID, session.Status)
	}
	if err := session.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != nil {
		return fmt.Errorf("%w: %s", ErrSessionActive, t.active.SessionID)
	}
	record := cloneSession(session)
	t.active = &record
	return nil
}

// Active returns a copy of the ACTIVE session, if any.
func (t *Tracker) Active() (controlplane.EmergencySession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return controlplane.EmergencySession{}, false
	}
	return cloneSession(*t.active), true
}

// AddAffectedJunction records a junction touched by the corridor wave.
// Duplicates are ignored so the list stays one entry per junction.
func (t *Tracker) AddAffectedJunction(junctionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil || junctionID == "" {
		return
	}
	for _, existing := range t.active.AffectedJunctions {
		if existing == junctionID {
			return
		}
	}
	t.active.AffectedJunctions = append(t.active.AffectedJunctions, junctionID)
}

// Complete terminates the active session as COMPLETED, stamping the
// actual travel time.
func (t *Tracker) Complete(at time.Time) (controlplane.EmergencySession, error) {
	return t.terminate(controlplane.SessionCompleted, at)
}

// Cancel terminates the active session as CANCELLED.
func (t *Tracker) Cancel(at time.Time) (controlplane.EmergencySession, error) {
	return t.terminate(controlplane.SessionCancelled, at)
}

// History returns up to limit terminated sessions, newest first.
func (t *Tracker) History(limit int) []controlplane.EmergencySession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	out := make([]controlplane.EmergencySession, 0, limit)
	for i := len(t.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneSession(t.history[i]))
	}
	return out
}

func (t *Tracker) terminate(status controlplane.SessionStatus, at time.Time) (controlplane.EmergencySession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return controlplane.EmergencySession{}, ErrNoActiveSession
	}
	session := *t.active
	session.Status = status
	completedAt := at.UnixMilli()
	session.CompletedAtMS = &completedAt
	if status == controlplane.SessionCompleted {
		actual := at.Sub(time.UnixMilli(session.ActivatedAtMS)).Seconds()
		if actual < 0 {
			actual = 0
		}
		session.ActualTravelSeconds = &actual
	}
	t.active = nil
	t.history = append(t.history, session)
	if over := len(t.history) - t.maxHistory; over > 0 {
		t.history = append(t.history[:0:0], t.history[over:]...)
	}
	return cloneSession(session), nil
}

func cloneSession(session controlplane.EmergencySession) controlplane.EmergencySession {
	out := session
	out.Route = append([]string(nil), session.Route...)
	out.AffectedJunctions = append([]string(nil), session.AffectedJunctions...)
	if session.CompletedAtMS != nil {
		at := *session.CompletedAtMS
		out.CompletedAtMS = &at
	}
	if session.ActualTravelSeconds != nil {
		seconds := *session.ActualTravelSeconds
		out.ActualTravelSeconds = &seconds
	}
	return out
}
