// Package viewer adapts viewer connections (WebSocket, WebRTC data channels
// and outbound TCP pushes) to fanout sinks.
package viewer

import (
	"time"

	"streamrelay/internal/fanout"
	"streamrelay/internal/relay"
)

// Subscriber registers sinks with the relay.
type Subscriber interface {
	Subscribe(sink fanout.Sink, remote string) (string, error)
	Unsubscribe(id string) bool
}

// Relay is the engine surface viewer handlers need.
type Relay interface {
	Subscriber
	Snapshot() relay.Status
}

// DefaultWriteTimeout bounds a write when the caller's context carries no
// deadline.
const DefaultWriteTimeout = 5 * time.Second

func writeDeadline(deadline time.Time, ok bool) time.Time {
	if ok {
		return deadline
	}
	return time.Now().Add(DefaultWriteTimeout)
}
