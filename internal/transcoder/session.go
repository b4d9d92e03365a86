package transcoder

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// State is a session lifecycle state.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStalled
	StateTerminating
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStalled:
		return "stalled"
	case StateTerminating:
		return "terminating"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateStarting:    {StateRunning, StateTerminating, StateExited},
	StateRunning:     {StateStalled, StateTerminating, StateExited},
	StateStalled:     {StateRunning, StateTerminating, StateExited},
	StateTerminating: {StateExited},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Session is one lifetime of the transcoder process, from launch to confirmed
// exit. Sessions are created by Supervisor.Start and never reused.
type Session struct {
	ID        string
	Config    Config
	StartedAt time.Time

	proc Process

	mu          sync.Mutex
	state       State
	lastChunkAt time.Time
	exitCode    int
	exitErr     error
	planned     bool

	stopOnce sync.Once
	done     chan struct{}
}

func newSession(id string, cfg Config, now time.Time) *Session {
	return &Session{
		ID:        id,
		Config:    cfg,
		StartedAt: now,
		state:     StateStarting,
		exitCode:  -1,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	if !canTransition(s.state, to) {
		return fmt.Errorf("session %s: invalid transition %s -> %s", s.ID, s.state, to)
	}
	s.state = to
	return nil
}

// MarkChunk records a chunk arrival. A stalled session returns to running.
func (s *Session) MarkChunk(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastChunkAt = at
	if s.state == StateStalled {
		s.state = StateRunning
	}
}

// MarkStalled flags a running session as stalled.
func (s *Session) MarkStalled() error {
	return s.transition(StateStalled)
}

// LastChunkAt returns the arrival time of the latest chunk, zero if none.
func (s *Session) LastChunkAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChunkAt
}

// Planned reports whether the exit was requested through Stop.
func (s *Session) Planned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planned
}

// Pid returns the process ID of the transcoder.
func (s *Session) Pid() int {
	return s.proc.Pid()
}

// Stdout is the binary data pipe.
func (s *Session) Stdout() io.Reader {
	return s.proc.Stdout()
}

// Done is closed once the process has been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) markExited(code int, err error) {
	s.mu.Lock()
	s.state = StateExited
	s.exitCode = code
	s.exitErr = err
	s.mu.Unlock()
	close(s.done)
}

func (s *Session) exitInfo() (int, bool) {
	select {
	case <-s.done:
	default:
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, true
}

// ExitErr returns the wait error of an exited session, nil for a clean exit
// or a session still running.
func (s *Session) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}
