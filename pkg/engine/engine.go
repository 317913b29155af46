// Package engine drives one protocol session against a fleet server. It
// owns the connection lifecycle, the capability handshake, sequencing in
// both directions, and the single send loop that serializes every outbound
// report. Config changes, package offers and commands are delegated to the
// collaborator interfaces, the engine itself never touches disk beyond its
// session store.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelfleet/fleetlink/pkg/auth"
	"github.com/otelfleet/fleetlink/pkg/capability"
	"github.com/otelfleet/fleetlink/pkg/compress"
	"github.com/otelfleet/fleetlink/pkg/ident"
	"github.com/otelfleet/fleetlink/pkg/retry"
	"github.com/otelfleet/fleetlink/pkg/storage"
	"github.com/otelfleet/fleetlink/pkg/transport"
)

type Engine struct {
	cfg    *Config
	logger *slog.Logger

	sess   *session
	outbox *retry.Outbox
	policy *retry.Policy
	store  *storage.SessionStore

	events  chan Event
	hbReset chan time.Duration

	overrideMu       sync.Mutex
	endpointOverride string
	headerOverride   auth.HeaderProvider
	hbInterval       time.Duration

	services.Service
}

func New(cfg Config) (*Engine, error) {
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        &cfg,
		logger:     cfg.Logger,
		sess:       newSession(cfg.Capabilities),
		outbox:     retry.NewOutbox(cfg.Logger, cfg.CriticalQueueDepth),
		policy:     retry.NewPolicy(cfg.Retry),
		store:      cfg.Store,
		events:     make(chan Event, cfg.EventBuffer),
		hbReset:    make(chan time.Duration, 1),
		hbInterval: cfg.HeartbeatInterval,
	}
	e.Service = services.NewBasicService(e.starting, e.running, e.stopping)
	return e, nil
}

// starting resolves the session identity and restores persisted positions.
func (e *Engine) starting(ctx context.Context) error {
	uid, err := e.resolveInstanceUid(ctx)
	if err != nil {
		return err
	}
	e.sess.setInstanceUid(uid)
	e.sess.setDescription(buildDescription(e.cfg, uid.String()))

	if e.store != nil && !e.cfg.ResetSequencesOnReconnect {
		seq, err := e.store.LastSequence(ctx)
		switch {
		case err == nil:
			e.sess.resume(seq)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}
	if e.store != nil {
		if st, err := e.store.RemoteConfigStatus(ctx); err == nil {
			e.sess.setRemoteConfigStatus(st)
		}
		if st, err := e.store.PackageStatuses(ctx); err == nil {
			e.sess.setPackageStatuses(st)
		}
	}
	if e.cfg.Health != nil {
		e.sess.setHealth(cloneMsg(e.cfg.Health.CurrentHealth(ctx)))
	}

	e.logger.With(
		"instance_uid", uid.String(),
		"endpoint", e.cfg.Endpoint,
		"features", capability.Negotiate(e.cfg.Capabilities, ^uint64(0)).Names(),
	).Info("session engine starting")
	return nil
}

func (e *Engine) resolveInstanceUid(ctx context.Context) (uuid.UUID, error) {
	if e.cfg.InstanceUid != uuid.Nil {
		if e.store != nil {
			if err := e.store.SetInstanceUid(ctx, e.cfg.InstanceUid); err != nil {
				return uuid.Nil, err
			}
		}
		return e.cfg.InstanceUid, nil
	}
	if e.store != nil {
		uid, err := e.store.InstanceUid(ctx)
		if err == nil {
			return uid, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, err
		}
	}
	uid := ident.NewInstanceUid()
	if e.store != nil {
		if err := e.store.SetInstanceUid(ctx, uid); err != nil {
			return uuid.Nil, err
		}
	}
	return uid, nil
}

// running is the reconnect loop. Each pass dials a fresh transport, runs the
// connection until it dies, and paces the next attempt through the retry
// policy.
func (e *Engine) running(ctx context.Context) error {
	for ctx.Err() == nil {
		e.sess.beginAttempt(e.logger, "dialing")
		e.emit(Event{Kind: EventStateChange, State: StateConnecting})

		tr, err := e.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := e.policy.Next()
			e.logger.With("err", err, "retry_in", wait).Warn("connection attempt failed")
			e.emit(Event{Kind: EventConnectFailed, Err: err})
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		start := time.Now()
		e.runConnection(ctx, tr)
		e.policy.NoteSuccess(time.Since(start))

		if ctx.Err() != nil {
			return nil
		}
		wait := e.policy.Next()
		e.logger.With("retry_in", wait).Info("connection lost, reconnecting")
		if !sleep(ctx, wait) {
			return nil
		}
	}
	return nil
}

// connect dials a transport for the current endpoint, applies the payload
// encoding both sides support, and primes the first report.
func (e *Engine) connect(ctx context.Context) (transport.Transport, error) {
	tr, err := e.cfg.Dial(e.dialConfig())
	if err != nil {
		return nil, err
	}
	codec := compress.Negotiate(e.logger, e.cfg.Compression, tr.Offered())
	if err := tr.SetEncoding(codec.Name()); err != nil {
		_ = tr.Close(ctx)
		return nil, err
	}
	if err := tr.Connect(ctx); err != nil {
		_ = tr.Close(ctx)
		return nil, err
	}
	e.logger.With("mode", tr.Mode().String(), "encoding", codec.Name()).Debug("transport connected")

	if e.cfg.ResetSequencesOnReconnect {
		e.sess.resetSequences()
	}

	// The first envelope of a connection is a full report carrying the
	// capability advertisement.
	e.outbox.Update(func(d *retry.Delta) { d.FullReport = true })
	return tr, nil
}

// runConnection owns one live transport. It unwinds in a fixed order: stop
// the sender, say goodbye if this is a shutdown, close the transport to
// unblock the receiver, then wait for the receiver.
func (e *Engine) runConnection(ctx context.Context, tr transport.Transport) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sendDone := make(chan struct{})
	recvDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		e.sendLoop(connCtx, tr)
	}()
	go func() {
		defer close(recvDone)
		e.receiveLoop(connCtx, tr)
	}()

	select {
	case <-sendDone:
	case <-recvDone:
	case <-ctx.Done():
	}
	cancel()
	<-sendDone
	if ctx.Err() != nil {
		e.sendFarewell(tr)
	}
	_ = tr.Close(context.Background())
	<-recvDone
}

// sendLoop serializes every outbound envelope for one connection. It is the
// only sender, which is what keeps sequence numbers aligned with wire order.
func (e *Engine) sendLoop(ctx context.Context, tr transport.Transport) {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if iv := e.heartbeatInterval(); iv > 0 {
		ticker = time.NewTicker(iv)
		tick = ticker.C
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.hbReset:
			if ticker != nil {
				ticker.Stop()
				ticker, tick = nil, nil
			}
			if d > 0 {
				ticker = time.NewTicker(d)
				tick = ticker.C
			}
		case <-tick:
			e.queueHeartbeat(ctx, tr.Mode())
		case <-e.outbox.Notify():
			if err := e.drain(ctx, tr); err != nil {
				if ctx.Err() == nil {
					e.logger.With("err", err).Warn("send failed, dropping connection")
				}
				return
			}
		}
	}
}

// queueHeartbeat schedules a report for the next tick. The polling binding
// always polls so the server gets a chance to talk, the streaming binding
// only heartbeats when the feature is active. Each tick re-reads the health
// reporter, so a crashed collector shows up without anyone calling SetHealth.
func (e *Engine) queueHeartbeat(ctx context.Context, mode transport.Mode) {
	if mode == transport.ModeStreaming && !e.sess.gateSet().Has(capability.Heartbeat) {
		return
	}
	var health *protobufs.ComponentHealth
	if e.cfg.Health != nil && e.sess.gateSet().Has(capability.Health) {
		health = cloneMsg(e.cfg.Health.CurrentHealth(ctx))
		e.sess.setHealth(health)
	}
	e.outbox.Update(func(d *retry.Delta) {
		d.Poll = true
		if health != nil {
			d.Health = health
		}
	})
}

func (e *Engine) drain(ctx context.Context, tr transport.Transport) error {
	for {
		item, ok := e.outbox.Pop()
		if !ok {
			return nil
		}
		msg := item.Critical
		if msg == nil {
			msg = e.compose(ctx, item.Delta)
		}
		if err := e.sendEnvelope(ctx, tr, msg); err != nil {
			if dropped := e.outbox.Restore(item); dropped != nil {
				e.emit(Event{Kind: EventBackpressure, Dropped: 1})
			}
			return err
		}
	}
}

// sendEnvelope stamps, persists the counter, then sends. Persisting first
// means a crash surfaces to the server as a gap, never as a replayed
// number.
func (e *Engine) sendEnvelope(ctx context.Context, tr transport.Transport, msg *protobufs.AgentToServer) error {
	e.sess.stamp(msg)
	e.persistSequence(ctx)
	return tr.Send(ctx, msg)
}

func (e *Engine) persistSequence(ctx context.Context) {
	if e.store == nil {
		return
	}
	if err := e.store.SetLastSequence(ctx, e.sess.lastSent()); err != nil {
		e.logger.With("err", err).Warn("could not persist sequence position")
	}
}

// sendFarewell tells the server this disconnect is deliberate, so it can
// mark the agent offline instead of waiting out a timeout.
func (e *Engine) sendFarewell(tr transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()

	msg := &protobufs.AgentToServer{AgentDisconnect: &protobufs.AgentDisconnect{}}
	if err := e.sendEnvelope(ctx, tr, msg); err != nil {
		e.logger.With("err", err).Debug("farewell not delivered")
		return
	}
	e.logger.Debug("sent disconnect notice")
}

func (e *Engine) receiveLoop(ctx context.Context, tr transport.Transport) {
	for {
		in, err := tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var terr *transport.Error
			if errors.As(err, &terr) && terr.Kind == transport.KindProtocolViolation {
				// A malformed payload taints our view of server state
				// but not the connection itself.
				e.logger.With("err", err).Warn("discarding malformed server payload")
				if e.sess.markDegraded(e.logger, "malformed payload") {
					e.emit(Event{Kind: EventStateChange, State: StateDegraded})
				}
				e.outbox.Update(func(d *retry.Delta) { d.Poll = true })
				continue
			}
			e.logger.With("err", err).Debug("receive loop ending")
			return
		}
		e.dispatch(ctx, tr, in)
	}
}

func (e *Engine) stopping(_ error) error {
	e.sess.setClosing()
	e.persistSequence(context.Background())
	e.sess.transition(e.logger, StateClosed, "engine stopped")
	e.emit(Event{Kind: EventStateChange, State: StateClosed})
	e.logger.Info("session engine stopped")
	return nil
}

// emit delivers an event without ever blocking the protocol loops. A full
// buffer drops the event.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.With("kind", ev.Kind.String()).Debug("event buffer full, dropping event")
	}
}

func (e *Engine) dialConfig() transport.Config {
	cfg := e.cfg.transportConfig()
	e.overrideMu.Lock()
	defer e.overrideMu.Unlock()
	if e.endpointOverride != "" {
		cfg.Endpoint = e.endpointOverride
	}
	if e.headerOverride != nil {
		cfg.Headers = e.headerOverride
	}
	return cfg
}

func (e *Engine) setEndpointOverride(endpoint string) {
	e.overrideMu.Lock()
	defer e.overrideMu.Unlock()
	e.endpointOverride = endpoint
}

func (e *Engine) setHeaderOverride(h auth.HeaderProvider) {
	e.overrideMu.Lock()
	defer e.overrideMu.Unlock()
	e.headerOverride = h
}

func (e *Engine) heartbeatInterval() time.Duration {
	e.overrideMu.Lock()
	defer e.overrideMu.Unlock()
	return e.hbInterval
}

// resetHeartbeat applies a server-directed heartbeat change to the live
// ticker and to every future connection.
func (e *Engine) resetHeartbeat(d time.Duration) {
	e.overrideMu.Lock()
	e.hbInterval = d
	e.overrideMu.Unlock()

	select {
	case <-e.hbReset:
	default:
	}
	select {
	case e.hbReset <- d:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
