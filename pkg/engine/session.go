package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelfleet/fleetlink/pkg/capability"
	"github.com/otelfleet/fleetlink/pkg/sequence"
)

type State int

const (
	// StateIdle is the configured but unstarted session.
	StateIdle State = iota
	// StateConnecting covers dialing and the capability handshake.
	StateConnecting
	// StateConnected is the healthy exchange state.
	StateConnected
	// StateDegraded means the session is live but its view of server state
	// is stale, a full resync is pending.
	StateDegraded
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// session is the engine's single synchronization point. Every piece of
// mutable protocol state lives behind its mutex: the state machine position,
// the instance uid, negotiated capabilities, and the last reported status
// fields.
type session struct {
	mu sync.Mutex

	state       State
	instanceUid uuid.UUID
	tracker     *sequence.Tracker

	localCaps  uint64
	caps       capability.EffectiveSet
	negotiated bool

	serverCustom map[string]struct{}

	description        *protobufs.AgentDescription
	health             *protobufs.ComponentHealth
	remoteConfigStatus *protobufs.RemoteConfigStatus
	packageStatuses    *protobufs.PackageStatuses

	connectedAt time.Time
	closing     bool
}

func newSession(localCaps uint64) *session {
	return &session{
		state:        StateIdle,
		tracker:      sequence.NewTracker(),
		localCaps:    localCaps,
		serverCustom: map[string]struct{}{},
	}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) transition(logger *slog.Logger, to State, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(logger, to, reason)
}

func (s *session) transitionLocked(logger *slog.Logger, to State, reason string) bool {
	if s.state == to || s.state == StateClosed {
		return false
	}
	logger.Info("session state changed",
		"from", s.state.String(), "to", to.String(), "reason", reason)
	if to == StateConnected {
		s.connectedAt = time.Now()
	}
	s.state = to
	return true
}

// beginAttempt marks the start of a connection attempt. The server push
// stream restarts per connection, so the inbound baseline is forgotten.
func (s *session) beginAttempt(logger *slog.Logger, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.ResetInbound()
	s.transitionLocked(logger, StateConnecting, reason)
}

// negotiate intersects local capabilities with the server's advertisement.
// Repeating the same advertisement is a no-op.
func (s *session) negotiate(logger *slog.Logger, serverCaps uint64) capability.EffectiveSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := capability.Negotiate(s.localCaps, serverCaps)
	if s.negotiated && set == s.caps {
		return set
	}
	s.caps = set
	s.negotiated = true
	logger.Info("capabilities negotiated", "features", set.Names())
	return set
}

// markEstablished completes Connecting once a capability set is in hand,
// from this connection or a prior one.
func (s *session) markEstablished(logger *slog.Logger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting || !s.negotiated {
		return false
	}
	return s.transitionLocked(logger, StateConnected, "capability set in hand")
}

// markDegraded flags stale server state. Only a Connected session degrades,
// so one gap produces one transition.
func (s *session) markDegraded(logger *slog.Logger, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false
	}
	return s.transitionLocked(logger, StateDegraded, reason)
}

// resolveFullState returns the session to Connected after the server's full
// state landed.
func (s *session) resolveFullState(logger *slog.Logger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDegraded {
		return false
	}
	return s.transitionLocked(logger, StateConnected, "full state applied")
}

func (s *session) validateInbound(seq uint64) sequence.Verdict {
	return s.tracker.ValidateInbound(seq)
}

func (s *session) resume(lastSent uint64) {
	s.tracker.Resume(lastSent)
}

// resetSequences forgets both counters, for deployments that number every
// connection from zero instead of resuming.
func (s *session) resetSequences() {
	s.tracker.Reset()
}

func (s *session) lastSent() uint64 {
	return s.tracker.LastSent()
}

func (s *session) seqSnapshot() (lastSent, lastAccepted uint64) {
	return s.tracker.Snapshot()
}

// stamp fills the identity and sequence fields of an outbound envelope. The
// caller must send stamped envelopes in stamping order.
func (s *session) stamp(msg *protobufs.AgentToServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.InstanceUid = s.instanceUid[:]
	msg.SequenceNum = s.tracker.NextOutbound()
}

func (s *session) setInstanceUid(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instanceUid = id
}

func (s *session) uid() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceUid
}

// gateSet is the capability set to filter outbound fields with. Before the
// first negotiation only the local bits gate, afterwards the intersection
// does.
func (s *session) gateSet() capability.EffectiveSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiated {
		return s.caps
	}
	return capability.Negotiate(s.localCaps, ^uint64(0))
}

func (s *session) capabilities() (capability.EffectiveSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps, s.negotiated
}

func (s *session) setServerCustom(caps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverCustom = make(map[string]struct{}, len(caps))
	for _, c := range caps {
		s.serverCustom[c] = struct{}{}
	}
}

func (s *session) serverCustomAllows(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.serverCustom[name]
	return ok
}

func (s *session) setDescription(d *protobufs.AgentDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.description = d
}

func (s *session) setHealth(h *protobufs.ComponentHealth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

func (s *session) setRemoteConfigStatus(st *protobufs.RemoteConfigStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteConfigStatus = st
}

func (s *session) setPackageStatuses(st *protobufs.PackageStatuses) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packageStatuses = st
}

// reported returns the last known status fields for a full report.
func (s *session) reported() (desc *protobufs.AgentDescription, health *protobufs.ComponentHealth,
	remote *protobufs.RemoteConfigStatus, packages *protobufs.PackageStatuses) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.description, s.health, s.remoteConfigStatus, s.packageStatuses
}

func (s *session) remoteStatus() *protobufs.RemoteConfigStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteConfigStatus
}

func (s *session) setClosing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
}

func (s *session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *session) connectedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}
