package engine

import "github.com/google/uuid"

type EventKind int

const (
	// EventStateChange fires on every session state transition.
	EventStateChange EventKind = iota
	// EventConnected fires when capability negotiation completes.
	EventConnected
	// EventConnectFailed fires per failed connection attempt.
	EventConnectFailed
	// EventServerError fires when the server answers with an error
	// response instead of a status reply.
	EventServerError
	// EventSequenceGap fires when the server stream skipped a number.
	EventSequenceGap
	// EventBackpressure fires when the critical queue evicted a message.
	EventBackpressure
	// EventIdentityChanged fires when the server reassigned the instance
	// uid.
	EventIdentityChanged
)

func (k EventKind) String() string {
	switch k {
	case EventStateChange:
		return "state-change"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventServerError:
		return "server-error"
	case EventSequenceGap:
		return "sequence-gap"
	case EventBackpressure:
		return "backpressure"
	case EventIdentityChanged:
		return "identity-changed"
	}
	return "unknown"
}

// Event is the engine's observation stream. Delivery is best effort: when
// the subscriber lags, events are dropped rather than stalling the session,
// and the channel is never closed.
type Event struct {
	Kind  EventKind
	State State

	// Err carries the failure for connect and server error events.
	Err error

	// Dropped counts messages lost to a backpressure eviction.
	Dropped int

	// InstanceUid is set on identity change events.
	InstanceUid uuid.UUID

	// Features lists the active feature names on connected events.
	Features []string
}
