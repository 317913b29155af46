package engine

import (
	"bytes"
	"context"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/proto"

	"github.com/otelfleet/fleetlink/pkg/capability"
	"github.com/otelfleet/fleetlink/pkg/retry"
)

// cloneMsg deep-copies a message crossing the collaborator boundary. Neither
// side may retain a mutable alias into the other's state: a collaborator that
// keeps editing its object must not race the send loop's marshal, and the
// session's retained copies must not change under a later caller mutation.
func cloneMsg[T proto.Message](m T) T {
	var zero T
	if any(m) == any(zero) {
		return zero
	}
	return proto.Clone(m).(T)
}

// SetHealth replaces the reported health and schedules it for transmission.
func (e *Engine) SetHealth(h *protobufs.ComponentHealth) {
	h = cloneMsg(h)
	e.sess.setHealth(h)
	e.outbox.Update(func(d *retry.Delta) { d.Health = h })
}

// SetDescription replaces the agent description wholesale.
func (e *Engine) SetDescription(desc *protobufs.AgentDescription) {
	desc = cloneMsg(desc)
	e.sess.setDescription(desc)
	e.outbox.Update(func(d *retry.Delta) { d.Description = desc })
}

// UpdateEffectiveConfig re-reads the effective configuration from the store
// and schedules it, for callers whose configuration changed outside a
// remote config push.
func (e *Engine) UpdateEffectiveConfig(ctx context.Context) error {
	if e.cfg.ConfigStore == nil {
		return ErrNotWired
	}
	ec, err := e.cfg.ConfigStore.EffectiveConfig(ctx)
	if err != nil {
		return err
	}
	ec = cloneMsg(ec)
	e.outbox.Update(func(d *retry.Delta) { d.EffectiveConfig = ec })
	return nil
}

// SetRemoteConfigStatus overrides the reported remote config status, for
// collaborators that apply configuration asynchronously.
func (e *Engine) SetRemoteConfigStatus(ctx context.Context, st *protobufs.RemoteConfigStatus) error {
	st = cloneMsg(st)
	e.sess.setRemoteConfigStatus(st)
	if e.store != nil {
		if err := e.store.SetRemoteConfigStatus(ctx, st); err != nil {
			return err
		}
	}
	e.outbox.Update(func(d *retry.Delta) { d.RemoteConfigStatus = st })
	return nil
}

// SetPackageStatuses reports package installation progress.
func (e *Engine) SetPackageStatuses(ctx context.Context, st *protobufs.PackageStatuses) error {
	st = cloneMsg(st)
	e.sess.setPackageStatuses(st)
	if e.store != nil {
		if err := e.store.SetPackageStatuses(ctx, st); err != nil {
			return err
		}
	}
	e.outbox.Update(func(d *retry.Delta) { d.PackageStatuses = st })
	return nil
}

// AnnounceCapabilities schedules a fresh custom capability announcement,
// for callers that registered or deregistered extensions after startup.
func (e *Engine) AnnounceCapabilities() {
	ann := e.cfg.Extensions.Announcement()
	e.outbox.Update(func(d *retry.Delta) { d.CustomCapabilities = ann })
}

// SendCustomMessage queues one extension message. The server must have
// announced the capability, otherwise ErrCapabilityInactive.
func (e *Engine) SendCustomMessage(capability, msgType string, data []byte) error {
	if e.sess.isClosing() || e.sess.State() == StateClosed {
		return ErrClosed
	}
	if !e.sess.serverCustomAllows(capability) {
		return ErrCapabilityInactive
	}
	e.pushCritical(&protobufs.AgentToServer{
		CustomMessage: &protobufs.CustomMessage{
			Capability: capability,
			Type:       msgType,
			Data:       bytes.Clone(data),
		},
	})
	return nil
}

// RequestConnectionSettings asks the server for fresh connection settings,
// typically to rotate a client certificate.
func (e *Engine) RequestConnectionSettings(req *protobufs.ConnectionSettingsRequest) error {
	if e.sess.isClosing() || e.sess.State() == StateClosed {
		return ErrClosed
	}
	if !e.sess.gateSet().Has(capability.ConnectionSettingsRequest) {
		return ErrCapabilityInactive
	}
	e.pushCritical(&protobufs.AgentToServer{ConnectionSettingsRequest: cloneMsg(req)})
	return nil
}

func (e *Engine) pushCritical(msg *protobufs.AgentToServer) {
	if evicted := e.outbox.PushCritical(msg); evicted != nil {
		e.emit(Event{Kind: EventBackpressure, Dropped: 1})
	}
}

// SessionState is the protocol state, distinct from the dskit service
// lifecycle reachable through State.
func (e *Engine) SessionState() State {
	return e.sess.State()
}

func (e *Engine) InstanceUid() uuid.UUID {
	return e.sess.uid()
}

// Events exposes the engine's notification stream. Delivery is best effort,
// the channel is never closed, and slow readers lose events rather than
// slowing the protocol down.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	State           string   `json:"state"`
	InstanceUid     string   `json:"instance_uid"`
	Endpoint        string   `json:"endpoint"`
	Features        []string `json:"features,omitempty"`
	LastSentSeq     uint64   `json:"last_sent_seq"`
	LastAcceptedSeq uint64   `json:"last_accepted_seq"`
	PendingCritical int      `json:"pending_critical"`
}

func (e *Engine) Status() Status {
	sent, accepted := e.sess.seqSnapshot()
	st := Status{
		State:           e.sess.State().String(),
		InstanceUid:     e.sess.uid().String(),
		Endpoint:        e.cfg.Endpoint,
		LastSentSeq:     sent,
		LastAcceptedSeq: accepted,
		PendingCritical: e.outbox.PendingCritical(),
	}
	if set, ok := e.sess.capabilities(); ok {
		st.Features = set.Names()
	}
	return st
}
