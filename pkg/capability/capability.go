// Package capability pairs agent and server capability bits into protocol
// features. A feature is exercised only when both ends advertised the bits it
// needs, so negotiation is a pure intersection and safe to repeat.
package capability

import "github.com/open-telemetry/opamp-go/protobufs"

type Feature int

const (
	Status Feature = iota
	RemoteConfig
	RemoteConfigStatus
	EffectiveConfig
	Packages
	PackageStatuses
	ConnectionSettings
	ConnectionSettingsRequest
	RestartCommand
	Health
	Heartbeat

	numFeatures
)

// A zero bit on either side means the feature has no requirement on that end.
var features = [numFeatures]struct {
	name   string
	agent  protobufs.AgentCapabilities
	server protobufs.ServerCapabilities
}{
	Status: {"status",
		protobufs.AgentCapabilities_AgentCapabilities_ReportsStatus,
		protobufs.ServerCapabilities_ServerCapabilities_AcceptsStatus},
	RemoteConfig: {"remote-config",
		protobufs.AgentCapabilities_AgentCapabilities_AcceptsRemoteConfig,
		protobufs.ServerCapabilities_ServerCapabilities_OffersRemoteConfig},
	RemoteConfigStatus: {"remote-config-status",
		protobufs.AgentCapabilities_AgentCapabilities_ReportsRemoteConfig,
		protobufs.ServerCapabilities_ServerCapabilities_OffersRemoteConfig},
	EffectiveConfig: {"effective-config",
		protobufs.AgentCapabilities_AgentCapabilities_ReportsEffectiveConfig,
		protobufs.ServerCapabilities_ServerCapabilities_AcceptsEffectiveConfig},
	Packages: {"packages",
		protobufs.AgentCapabilities_AgentCapabilities_AcceptsPackages,
		protobufs.ServerCapabilities_ServerCapabilities_OffersPackages},
	PackageStatuses: {"package-statuses",
		protobufs.AgentCapabilities_AgentCapabilities_ReportsPackageStatuses,
		protobufs.ServerCapabilities_ServerCapabilities_AcceptsPackagesStatus},
	ConnectionSettings: {"connection-settings",
		protobufs.AgentCapabilities_AgentCapabilities_AcceptsOpAMPConnectionSettings,
		protobufs.ServerCapabilities_ServerCapabilities_OffersConnectionSettings},
	ConnectionSettingsRequest: {"connection-settings-request",
		0,
		protobufs.ServerCapabilities_ServerCapabilities_AcceptsConnectionSettingsRequest},
	RestartCommand: {"restart-command",
		protobufs.AgentCapabilities_AgentCapabilities_AcceptsRestartCommand,
		0},
	Health: {"health",
		protobufs.AgentCapabilities_AgentCapabilities_ReportsHealth,
		protobufs.ServerCapabilities_ServerCapabilities_AcceptsStatus},
	Heartbeat: {"heartbeat",
		protobufs.AgentCapabilities_AgentCapabilities_ReportsHeartbeat,
		protobufs.ServerCapabilities_ServerCapabilities_AcceptsStatus},
}

func (f Feature) String() string {
	if f < 0 || f >= numFeatures {
		return "unknown"
	}
	return features[f].name
}

// EffectiveSet is the outcome of a capability negotiation. The zero value has
// no active features, which is exactly the state before the first server
// response arrives.
type EffectiveSet struct {
	agent  uint64
	server uint64
	mask   uint64
}

func Negotiate(agent, server uint64) EffectiveSet {
	set := EffectiveSet{agent: agent, server: server}
	for f := Feature(0); f < numFeatures; f++ {
		spec := features[f]
		if spec.agent != 0 && agent&uint64(spec.agent) == 0 {
			continue
		}
		if spec.server != 0 && server&uint64(spec.server) == 0 {
			continue
		}
		set.mask |= 1 << uint(f)
	}
	return set
}

func (s EffectiveSet) Has(f Feature) bool {
	if f < 0 || f >= numFeatures {
		return false
	}
	return s.mask&(1<<uint(f)) != 0
}

func (s EffectiveSet) Agent() uint64  { return s.agent }
func (s EffectiveSet) Server() uint64 { return s.server }

func (s EffectiveSet) Features() []Feature {
	out := make([]Feature, 0, numFeatures)
	for f := Feature(0); f < numFeatures; f++ {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s EffectiveSet) Names() []string {
	feats := s.Features()
	out := make([]string, 0, len(feats))
	for _, f := range feats {
		out = append(out, f.String())
	}
	return out
}

// DefaultAgent is the capability set a supervised agent advertises out of the
// box. Package handling is opt-in because it needs a package manager wired.
func DefaultAgent() uint64 {
	return uint64(protobufs.AgentCapabilities_AgentCapabilities_ReportsStatus |
		protobufs.AgentCapabilities_AgentCapabilities_AcceptsRemoteConfig |
		protobufs.AgentCapabilities_AgentCapabilities_ReportsRemoteConfig |
		protobufs.AgentCapabilities_AgentCapabilities_ReportsEffectiveConfig |
		protobufs.AgentCapabilities_AgentCapabilities_ReportsHealth |
		protobufs.AgentCapabilities_AgentCapabilities_ReportsHeartbeat |
		protobufs.AgentCapabilities_AgentCapabilities_AcceptsRestartCommand |
		protobufs.AgentCapabilities_AgentCapabilities_AcceptsOpAMPConnectionSettings)
}
