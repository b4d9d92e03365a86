package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the relay lifecycle events exported to observers.
type Type string

const (
	// TypeSessionStarted is emitted once a transcoder process is running.
	TypeSessionStarted Type = "session.started"
	// TypeSessionExited is emitted when a transcoder process has been reaped.
	TypeSessionExited Type = "session.exited"
	// TypeSessionStalled is emitted when no output arrived within the stall
	// threshold.
	TypeSessionStalled Type = "session.stalled"
	// TypeSessionStartFailed is emitted when the transcoder could not be
	// spawned.
	TypeSessionStartFailed Type = "session.start_failed"
	// TypeRestartScheduled is emitted when a new session attempt is queued
	// behind a backoff delay.
	TypeRestartScheduled Type = "relay.restart_scheduled"
	// TypeRelayUnavailable is emitted once the retry budget is exhausted.
	TypeRelayUnavailable Type = "relay.unavailable"
	// TypeViewerJoined is emitted when a sink is registered.
	TypeViewerJoined Type = "viewer.joined"
	// TypeViewerLeft is emitted when a sink is removed for any reason.
	TypeViewerLeft Type = "viewer.left"
)

// Event is the wire representation handed to every publisher.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	SessionID    string    `json:"sessionId,omitempty"`
	SubscriberID string    `json:"subscriberId,omitempty"`
	Transport    string    `json:"transport,omitempty"`
	ExitCode     *int      `json:"exitCode,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	DelayMs      int64     `json:"delayMs,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// New returns an event of the given type stamped with a fresh ID and the
// current UTC time.
func New(t Type) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
	}
}

// WithExitCode returns a copy of the event carrying the provided exit code.
func (e Event) WithExitCode(code int) Event {
	e.ExitCode = &code
	return e
}

// Publisher exports events to a single destination.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Emitter accepts events without blocking the caller.
type Emitter interface {
	Emit(event Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(event Event) {
	if f != nil {
		f(event)
	}
}

// Discard is an Emitter that drops every event.
var Discard Emitter = EmitterFunc(nil)

func validate(event Event) error {
	if event.Type == "" {
		return errTypeRequired
	}
	return nil
}
