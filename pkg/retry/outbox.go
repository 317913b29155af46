package retry

import (
	"log/slog"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
)

const defaultMaxCritical = 16

// Delta is the coalesced status awaiting transmission. Writers overwrite
// fields in place, so only the latest value per field survives while the
// session is disconnected or busy.
type Delta struct {
	Description        *protobufs.AgentDescription
	Health             *protobufs.ComponentHealth
	EffectiveConfig    *protobufs.EffectiveConfig
	RemoteConfigStatus *protobufs.RemoteConfigStatus
	PackageStatuses    *protobufs.PackageStatuses
	CustomCapabilities *protobufs.CustomCapabilities

	RequestInstanceUid bool
	FullReport         bool

	// Poll forces an envelope out even when every field above is empty.
	// The polling binding needs that to give the server a chance to talk.
	Poll bool
}

func (d Delta) empty() bool {
	return d == Delta{}
}

// Item is one unit of outbound work: either one critical envelope or the
// coalesced delta, never both. Criticals pop alone so a failed or sent
// critical never takes pending status fields down with it.
type Item struct {
	Critical *protobufs.AgentToServer
	Delta    Delta
}

// Outbox queues outbound work for the session's single send loop. Status
// deltas coalesce without bound because they overwrite. Critical messages
// keep their order in a bounded queue, and when it overflows the oldest one
// is dropped so the freshest requests survive.
type Outbox struct {
	logger *slog.Logger

	mu          sync.Mutex
	delta       Delta
	critical    []*protobufs.AgentToServer
	maxCritical int

	notify chan struct{}
}

func NewOutbox(logger *slog.Logger, maxCritical int) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	if maxCritical <= 0 {
		maxCritical = defaultMaxCritical
	}
	return &Outbox{
		logger:      logger,
		maxCritical: maxCritical,
		notify:      make(chan struct{}, 1),
	}
}

// Update mutates the pending delta under the outbox lock and wakes the send
// loop.
func (o *Outbox) Update(fn func(*Delta)) {
	o.mu.Lock()
	fn(&o.delta)
	o.mu.Unlock()
	o.signal()
}

// PushCritical appends msg to the critical queue. When the queue is full the
// oldest entry is evicted and returned so the caller can account for it.
func (o *Outbox) PushCritical(msg *protobufs.AgentToServer) (evicted *protobufs.AgentToServer) {
	o.mu.Lock()
	if len(o.critical) >= o.maxCritical {
		evicted = o.critical[0]
		o.critical = append(o.critical[:0], o.critical[1:]...)
		o.logger.Warn("critical queue full, dropping oldest message", "depth", o.maxCritical)
	}
	o.critical = append(o.critical, msg)
	o.mu.Unlock()
	o.signal()
	return evicted
}

// Pop hands out the next unit of work, or ok=false when nothing is pending.
// Criticals go first and leave the delta queued, so the status fields that
// accumulated next to a critical message still go out on the following pop.
// The popped state is cleared, a failed send puts it back with Restore.
func (o *Outbox) Pop() (Item, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.critical) > 0 {
		item := Item{Critical: o.critical[0]}
		o.critical = append(o.critical[:0], o.critical[1:]...)
		if len(o.critical) > 0 || !o.delta.empty() {
			o.signal()
		}
		return item, true
	}
	if o.delta.empty() {
		return Item{}, false
	}
	item := Item{Delta: o.delta}
	o.delta = Delta{}
	return item, true
}

// Restore puts a failed item back. Delta fields merge under anything newer,
// the critical message returns to the front of the queue. If that overflows
// the queue the restored message itself is the oldest and is dropped.
func (o *Outbox) Restore(item Item) (dropped *protobufs.AgentToServer) {
	o.mu.Lock()
	merged := item.Delta
	mergeDelta(&merged, o.delta)
	o.delta = merged

	if item.Critical != nil {
		if len(o.critical) >= o.maxCritical {
			dropped = item.Critical
			o.logger.Warn("critical queue full, dropping failed message")
		} else {
			o.critical = append([]*protobufs.AgentToServer{item.Critical}, o.critical...)
		}
	}
	o.mu.Unlock()
	o.signal()
	return dropped
}

// Notify signals when work arrives. The channel holds one token, receivers
// must drain the outbox with Pop until it reports empty.
func (o *Outbox) Notify() <-chan struct{} {
	return o.notify
}

func (o *Outbox) PendingCritical() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.critical)
}

func (o *Outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// mergeDelta lays newer on top of older, field by field.
func mergeDelta(older *Delta, newer Delta) {
	if newer.Description != nil {
		older.Description = newer.Description
	}
	if newer.Health != nil {
		older.Health = newer.Health
	}
	if newer.EffectiveConfig != nil {
		older.EffectiveConfig = newer.EffectiveConfig
	}
	if newer.RemoteConfigStatus != nil {
		older.RemoteConfigStatus = newer.RemoteConfigStatus
	}
	if newer.PackageStatuses != nil {
		older.PackageStatuses = newer.PackageStatuses
	}
	if newer.CustomCapabilities != nil {
		older.CustomCapabilities = newer.CustomCapabilities
	}
	older.RequestInstanceUid = older.RequestInstanceUid || newer.RequestInstanceUid
	older.FullReport = older.FullReport || newer.FullReport
	older.Poll = older.Poll || newer.Poll
}
