package engine

import (
	"context"
	"errors"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelfleet/fleetlink/pkg/auth"
	"github.com/otelfleet/fleetlink/pkg/capability"
	"github.com/otelfleet/fleetlink/pkg/extension"
	"github.com/otelfleet/fleetlink/pkg/ident"
	"github.com/otelfleet/fleetlink/pkg/retry"
	"github.com/otelfleet/fleetlink/pkg/sequence"
	"github.com/otelfleet/fleetlink/pkg/transport"
	"github.com/otelfleet/fleetlink/pkg/util"
	"github.com/otelfleet/fleetlink/pkg/wire"
)

// dispatch applies one inbound server message. Sequencing is checked first,
// then the error response short-circuits, then field handlers run in a fixed
// order: identity before capabilities, capabilities before anything gated on
// them, full state resolution last.
func (e *Engine) dispatch(ctx context.Context, tr transport.Transport, in transport.Inbound) {
	msg := in.Msg
	l := e.logger

	switch v := e.sess.validateInbound(in.Seq); v {
	case sequence.DuplicateDiscard:
		l.With("seq", in.Seq).Debug("discarding duplicate server message")
		return
	case sequence.GapDetected:
		l.With("seq", in.Seq).Warn("sequence gap in server messages, requesting full state")
		if e.sess.markDegraded(l, "sequence gap") {
			e.emit(Event{Kind: EventSequenceGap, State: StateDegraded})
		}
		// An empty poll carries the full state request flag.
		e.outbox.Update(func(d *retry.Delta) { d.Poll = true })
	case sequence.Accept:
	default:
		l.With("verdict", v.String()).Error("unhandled sequence verdict")
	}

	if er := msg.GetErrorResponse(); er != nil {
		e.handleErrorResponse(ctx, tr, er)
		return
	}

	if ai := msg.GetAgentIdentification(); ai != nil {
		e.handleIdentification(ctx, ai)
	}

	if msg.GetCapabilities() != 0 {
		e.sess.negotiate(l, msg.GetCapabilities())
	}
	if e.sess.markEstablished(l) {
		set, _ := e.sess.capabilities()
		e.emit(Event{Kind: EventConnected, State: StateConnected, Features: set.Names()})
	}

	caps := e.sess.gateSet()

	if rc := msg.GetRemoteConfig(); rc != nil {
		if caps.Has(capability.RemoteConfig) {
			e.handleRemoteConfig(ctx, rc, caps)
		} else {
			l.Debug("ignoring remote config, capability inactive")
		}
	}

	if cs := msg.GetConnectionSettings(); cs != nil {
		if caps.Has(capability.ConnectionSettings) {
			e.handleConnectionSettings(ctx, tr, cs)
		} else {
			l.Debug("ignoring connection settings offer, capability inactive")
		}
	}

	if pa := msg.GetPackagesAvailable(); pa != nil {
		if caps.Has(capability.Packages) {
			e.handlePackagesAvailable(ctx, pa)
		} else {
			l.Debug("ignoring packages offer, capability inactive")
		}
	}

	if cmd := msg.GetCommand(); cmd != nil {
		e.handleCommand(ctx, cmd, caps)
	}

	if cc := msg.GetCustomCapabilities(); cc != nil {
		e.sess.setServerCustom(cc.GetCapabilities())
		l.With("capabilities", cc.GetCapabilities()).Debug("server announced custom capabilities")
	}

	if cm := msg.GetCustomMessage(); cm != nil {
		if err := e.cfg.Extensions.Dispatch(ctx, cloneMsg(cm)); err != nil {
			if errors.Is(err, extension.ErrNoHandler) {
				l.With("capability", cm.GetCapability()).Debug("no handler for custom message")
			} else {
				l.With("err", err, "capability", cm.GetCapability()).Warn("custom message handler failed")
			}
		}
	}

	if wire.ServerRequestsFullReport(msg) {
		l.Debug("server requested a full status report")
		e.outbox.Update(func(d *retry.Delta) { d.FullReport = true })
	}
	if wire.ServerCarriesFullState(msg) && e.sess.resolveFullState(l) {
		e.emit(Event{Kind: EventStateChange, State: StateConnected})
	}
}

// handleErrorResponse reacts to a server-side rejection. Unavailable closes
// the connection so the retry policy can honor the server's pacing hint,
// anything else is surfaced and the session carries on.
func (e *Engine) handleErrorResponse(ctx context.Context, tr transport.Transport, er *protobufs.ServerErrorResponse) {
	l := e.logger.With("type", er.GetType().String(), "detail", er.GetErrorMessage())
	e.emit(Event{Kind: EventServerError, Err: errors.New(er.GetErrorMessage())})

	switch er.GetType() {
	case protobufs.ServerErrorResponseType_ServerErrorResponseType_Unavailable:
		if ns := er.GetRetryInfo().GetRetryAfterNanoseconds(); ns > 0 {
			delay := time.Duration(ns)
			l.With("retry_after", delay).Warn("server unavailable, backing off as instructed")
			e.policy.SetServerDelay(delay)
		} else {
			l.Warn("server unavailable, backing off")
		}
		_ = tr.Close(ctx)
	case protobufs.ServerErrorResponseType_ServerErrorResponseType_BadRequest:
		l.Error("server rejected the last report")
	default:
		l.Error("server error")
	}
}

func (e *Engine) handleIdentification(ctx context.Context, ai *protobufs.AgentIdentification) {
	newUid, err := ident.ParseInstanceUid(ai.GetNewInstanceUid())
	if err != nil {
		e.logger.With("err", err).Warn("server sent an unusable instance uid, keeping current")
		return
	}
	if newUid == e.sess.uid() {
		return
	}
	e.logger.With("instance_uid", newUid.String()).Info("server reassigned the instance uid")
	e.sess.setInstanceUid(newUid)
	if e.store != nil {
		if err := e.store.SetInstanceUid(ctx, newUid); err != nil {
			e.logger.With("err", err).Warn("could not persist reassigned instance uid")
		}
	}
	desc := buildDescription(e.cfg, newUid.String())
	e.sess.setDescription(desc)
	e.outbox.Update(func(d *retry.Delta) { d.Description = desc })
	e.emit(Event{Kind: EventIdentityChanged, InstanceUid: newUid})
}

// handleRemoteConfig hands the offered config to the store and reports the
// outcome against the offered hash, so the server can tell which revision
// failed.
func (e *Engine) handleRemoteConfig(ctx context.Context, rc *protobufs.AgentRemoteConfig, caps capability.EffectiveSet) {
	hash := rc.GetConfigHash()
	if len(hash) == 0 {
		// Some servers omit the hash. Compute one locally so the status
		// report still identifies the revision it refers to.
		hash = util.HashAgentConfigMap(rc.GetConfig())
	}
	l := e.logger.With("hash", wire.HashString(hash))

	status := &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: hash,
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
	}
	switch {
	case e.cfg.ConfigStore == nil:
		status.Status = protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED
		status.ErrorMessage = "no config store wired"
		l.Warn("received remote config but no config store is wired")
	default:
		if err := e.cfg.ConfigStore.Apply(ctx, cloneMsg(rc)); err != nil {
			status.Status = protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED
			status.ErrorMessage = err.Error()
			l.With("err", err).Error("remote config apply failed")
		} else {
			l.Info("remote config applied")
		}
	}

	e.sess.setRemoteConfigStatus(status)
	if e.store != nil {
		if err := e.store.SetRemoteConfigStatus(ctx, status); err != nil {
			e.logger.With("err", err).Warn("could not persist remote config status")
		}
	}

	var ec *protobufs.EffectiveConfig
	if caps.Has(capability.EffectiveConfig) {
		ec = e.effectiveConfig(ctx)
	}
	e.outbox.Update(func(d *retry.Delta) {
		d.RemoteConfigStatus = status
		if ec != nil {
			d.EffectiveConfig = ec
		}
	})
}

// handleConnectionSettings adopts an offered OpAMP connection. A rejected
// certificate voids the whole offer, endpoint or header changes apply on
// the next connection, a heartbeat change applies immediately.
func (e *Engine) handleConnectionSettings(ctx context.Context, tr transport.Transport, cs *protobufs.ConnectionSettingsOffers) {
	opamp := cs.GetOpamp()
	if opamp == nil {
		e.logger.Debug("connection settings offer without opamp settings, ignoring")
		return
	}
	l := e.logger.With("hash", wire.HashString(cs.GetHash()))

	if cert := opamp.GetCertificate(); cert != nil {
		if e.cfg.Certificates == nil {
			l.Warn("offer includes a certificate but no certificate manager is wired, rejecting offer")
			return
		}
		if err := e.cfg.Certificates.OnConnectionSettings(ctx, cloneMsg(opamp)); err != nil {
			l.With("err", err).Warn("certificate rejected, dropping connection settings offer")
			return
		}
	}

	if hb := opamp.GetHeartbeatIntervalSeconds(); hb > 0 {
		d := time.Duration(hb) * time.Second
		l.With("interval", d).Info("server adjusted the heartbeat interval")
		e.resetHeartbeat(d)
	}

	reconnect := false
	if ep := opamp.GetDestinationEndpoint(); ep != "" && ep != e.cfg.Endpoint {
		l.With("endpoint", ep).Info("server redirected the agent, will reconnect")
		e.setEndpointOverride(ep)
		reconnect = true
	}
	if hdrs := opamp.GetHeaders(); hdrs != nil {
		hm := auth.HeaderMap{}
		for _, h := range hdrs.GetHeaders() {
			hm[h.GetKey()] = h.GetValue()
		}
		e.setHeaderOverride(hm)
		reconnect = true
	}
	if reconnect {
		_ = tr.Close(ctx)
	}
}

func (e *Engine) handlePackagesAvailable(ctx context.Context, pa *protobufs.PackagesAvailable) {
	if e.cfg.Packages == nil {
		e.logger.Warn("received packages offer but no package manager is wired")
		return
	}
	if err := e.cfg.Packages.OnPackagesAvailable(ctx, cloneMsg(pa)); err != nil {
		e.logger.With("err", err).Error("package manager rejected the offer")
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd *protobufs.ServerToAgentCommand, caps capability.EffectiveSet) {
	if !caps.Has(capability.RestartCommand) {
		e.logger.Debug("ignoring server command, capability inactive")
		return
	}
	if e.cfg.Commands == nil {
		e.logger.Warn("received a server command but no command handler is wired")
		return
	}
	if err := e.cfg.Commands.OnCommand(ctx, cloneMsg(cmd)); err != nil {
		e.logger.With("err", err, "command", cmd.GetType().String()).Error("command handler failed")
	}
}
