// Package health decides when the relay should restart its transcoder.
//
// The Monitor only observes and recommends; the engine's control loop acts on
// the returned actions.
package health

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"streamrelay/internal/transcoder"
)

// ErrSessionUnavailable is returned once the retry budget is exhausted.
var ErrSessionUnavailable = errors.New("relay: session unavailable")

const DefaultStallThreshold = 30 * time.Second

// ActionKind enumerates monitor recommendations.
type ActionKind int

const (
	ActionRestart ActionKind = iota + 1
)

// Trigger names what caused a restart recommendation.
type Trigger string

const (
	TriggerStall Trigger = "stall"
	TriggerExit  Trigger = "exit"
)

// Action is a recommendation returned by Tick.
type Action struct {
	Kind      ActionKind
	Trigger   Trigger
	SessionID string
	// Idle is how long the session had gone without a chunk.
	Idle time.Duration
}

func (a Action) String() string {
	return fmt.Sprintf("restart(%s, session=%s)", a.Trigger, a.SessionID)
}

// Status is a process state report from the supervisor side.
type Status struct {
	SessionID string
	State     transcoder.State
	ExitCode  int
	Planned   bool
}

// Config tunes a Monitor.
type Config struct {
	StallThreshold time.Duration
	Retry          RetryPolicy
	// AlwaysOn restarts after an unplanned exit even with no viewers.
	AlwaysOn bool
}

// Snapshot is a read-only view of the monitor.
type Snapshot struct {
	SessionID    string    `json:"sessionId,omitempty"`
	State        string    `json:"state"`
	LastChunkAt  time.Time `json:"lastChunkAt,omitempty"`
	Viewers      int       `json:"viewers"`
	Failures     int       `json:"consecutiveFailures"`
	Stalled      bool      `json:"stalled"`
	Delivered    bool      `json:"delivered"`
	MaxAttempts  int       `json:"maxAttempts"`
	StallSeconds float64   `json:"stallThresholdSeconds"`
}

// Monitor tracks chunk arrivals, process state and viewer count for the
// current session. It is safe for concurrent use.
type Monitor struct {
	threshold time.Duration
	policy    RetryPolicy
	alwaysOn  bool

	mu         sync.Mutex
	sessionID  string
	state      transcoder.State
	hasSession bool
	lastChunk  time.Time
	delivered  bool
	stallFired bool
	exitFired  bool
	planned    bool
	viewers    int
	failures   int
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg Config) *Monitor {
	threshold := cfg.StallThreshold
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	return &Monitor{
		threshold: threshold,
		policy:    cfg.Retry.withDefaults(),
		alwaysOn:  cfg.AlwaysOn,
		state:     transcoder.StateExited,
	}
}

// SessionStarted arms the monitor for a new session. The start time counts
// as the last activity so a transcoder that never produces output stalls.
func (m *Monitor) SessionStarted(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = id
	m.state = transcoder.StateRunning
	m.hasSession = true
	m.lastChunk = at
	m.delivered = false
	m.stallFired = false
	m.exitFired = false
	m.planned = false
}

// Observe records a chunk arrival. It re-arms stall detection, and the first
// chunk of a session clears the consecutive failure count.
func (m *Monitor) Observe(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.lastChunk) {
		m.lastChunk = at
	}
	m.stallFired = false
	if m.state == transcoder.StateStalled {
		m.state = transcoder.StateRunning
	}
	if !m.delivered {
		m.delivered = true
		m.failures = 0
	}
}

// ObserveProcessState records a state report. Reports for other sessions are
// ignored.
func (m *Monitor) ObserveProcessState(st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasSession || (st.SessionID != "" && st.SessionID != m.sessionID) {
		return
	}
	m.state = st.State
	if st.State == transcoder.StateExited {
		m.planned = st.Planned
	}
}

// ObserveViewers records the current subscriber count.
func (m *Monitor) ObserveViewers(n int) {
	m.mu.Lock()
	m.viewers = n
	m.mu.Unlock()
}

// Tick evaluates the session at now. It returns at most one restart per stall
// episode and at most one restart per unplanned exit. Exits only trigger a
// restart while viewers are subscribed unless the monitor is always on.
func (m *Monitor) Tick(now time.Time) (Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasSession {
		return Action{}, false
	}
	switch m.state {
	case transcoder.StateRunning, transcoder.StateStalled:
		idle := now.Sub(m.lastChunk)
		if !m.stallFired && idle > m.threshold {
			m.stallFired = true
			m.state = transcoder.StateStalled
			return Action{Kind: ActionRestart, Trigger: TriggerStall, SessionID: m.sessionID, Idle: idle}, true
		}
	case transcoder.StateExited:
		if !m.planned && !m.exitFired && (m.viewers > 0 || m.alwaysOn) {
			m.exitFired = true
			return Action{Kind: ActionRestart, Trigger: TriggerExit, SessionID: m.sessionID, Idle: now.Sub(m.lastChunk)}, true
		}
	}
	return Action{}, false
}

// RecordFailure counts one failed session or launch and returns the delay
// before the next attempt. It returns ErrSessionUnavailable once more than
// MaxAttempts consecutive failures have been recorded.
func (m *Monitor) RecordFailure() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	if m.policy.MaxAttempts > 0 && m.failures > m.policy.MaxAttempts {
		return 0, fmt.Errorf("%w: %d consecutive failures", ErrSessionUnavailable, m.failures)
	}
	return m.policy.Backoff(m.failures), nil
}

// ResetFailures clears the failure budget, used when an operator requests a
// restart explicitly.
func (m *Monitor) ResetFailures() {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
}

// Failures returns the consecutive failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Snapshot returns the monitor's current view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Viewers:      m.viewers,
		Failures:     m.failures,
		Stalled:      m.state == transcoder.StateStalled,
		Delivered:    m.delivered,
		MaxAttempts:  m.policy.MaxAttempts,
		StallSeconds: m.threshold.Seconds(),
		State:        "idle",
	}
	if m.hasSession {
		snap.SessionID = m.sessionID
		snap.State = m.state.String()
		snap.LastChunkAt = m.lastChunk
	}
	return snap
}
