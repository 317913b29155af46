package engine

import (
	"context"
	"os"
	"runtime"

	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelfleet/fleetlink/pkg/capability"
	"github.com/otelfleet/fleetlink/pkg/retry"
	"github.com/otelfleet/fleetlink/pkg/wire"
)

// compose turns a coalesced delta into one outbound envelope. Every field
// gates on the effective capability set, a degraded session additionally
// asks the server for its full state. The envelope is not yet stamped,
// stamping happens at send time so sequence numbers match wire order.
func (e *Engine) compose(ctx context.Context, d retry.Delta) *protobufs.AgentToServer {
	msg := &protobufs.AgentToServer{}
	caps := e.sess.gateSet()

	if d.FullReport {
		desc, health, remote, packages := e.sess.reported()
		msg.AgentDescription = desc
		msg.Capabilities = e.cfg.Capabilities
		msg.CustomCapabilities = e.cfg.Extensions.Announcement()
		if caps.Has(capability.Health) {
			msg.Health = health
		}
		if caps.Has(capability.EffectiveConfig) {
			msg.EffectiveConfig = e.effectiveConfig(ctx)
		}
		if caps.Has(capability.RemoteConfigStatus) {
			msg.RemoteConfigStatus = remote
		}
		if caps.Has(capability.PackageStatuses) {
			msg.PackageStatuses = packages
		}
	} else {
		msg.AgentDescription = d.Description
		msg.CustomCapabilities = d.CustomCapabilities
		if caps.Has(capability.Health) {
			msg.Health = d.Health
		}
		if caps.Has(capability.EffectiveConfig) {
			msg.EffectiveConfig = d.EffectiveConfig
		}
		if caps.Has(capability.RemoteConfigStatus) {
			msg.RemoteConfigStatus = d.RemoteConfigStatus
		}
		if caps.Has(capability.PackageStatuses) {
			msg.PackageStatuses = d.PackageStatuses
		}
	}

	if d.RequestInstanceUid {
		msg.Flags |= uint64(protobufs.AgentToServerFlags_AgentToServerFlags_RequestInstanceUid)
	}
	if e.sess.State() == StateDegraded {
		msg.Flags |= wire.AgentFlagRequestFullState
	}
	return msg
}

func (e *Engine) effectiveConfig(ctx context.Context) *protobufs.EffectiveConfig {
	if e.cfg.ConfigStore == nil {
		return nil
	}
	ec, err := e.cfg.ConfigStore.EffectiveConfig(ctx)
	if err != nil {
		e.logger.With("err", err).Warn("could not read effective config, skipping field")
		return nil
	}
	return cloneMsg(ec)
}

// buildDescription assembles the initial agent description from static
// configuration. Callers replace it wholesale through SetDescription.
func buildDescription(cfg *Config, instanceUid string) *protobufs.AgentDescription {
	name := cfg.ServiceName
	if name == "" {
		name = "fleetlink-agent"
	}
	identifying := []*protobufs.KeyValue{
		wire.KeyVal("service.name", name),
		wire.KeyVal("service.version", cfg.ServiceVersion),
		wire.KeyVal("service.instance.id", instanceUid),
	}

	hostname, _ := os.Hostname()
	nonIdentifying := []*protobufs.KeyValue{
		wire.KeyVal("os.type", runtime.GOOS),
		wire.KeyVal("host.arch", runtime.GOARCH),
		wire.KeyVal("host.name", hostname),
	}
	if cfg.Identity != nil {
		id := cfg.Identity.UniqueIdentifier()
		nonIdentifying = append(nonIdentifying,
			wire.KeyVal("fleetlink.machine.id", id.UUID))
		for k, v := range id.Metadata {
			nonIdentifying = append(nonIdentifying, wire.KeyVal(k, v))
		}
	}
	for k, v := range cfg.Attributes {
		nonIdentifying = append(nonIdentifying, wire.KeyVal(k, v))
	}

	return &protobufs.AgentDescription{
		IdentifyingAttributes:    identifying,
		NonIdentifyingAttributes: nonIdentifying,
	}
}
