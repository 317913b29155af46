package engine

import (
	"context"

	"github.com/open-telemetry/opamp-go/protobufs"
)

// ConfigStore applies remote configuration and renders the currently
// effective one. A nil error from Apply means the configuration took effect
// and its hash may be acknowledged to the server.
type ConfigStore interface {
	Apply(ctx context.Context, incoming *protobufs.AgentRemoteConfig) error
	EffectiveConfig(ctx context.Context) (*protobufs.EffectiveConfig, error)
}

// HealthReporter renders the current health of the managed workload. Called
// on heartbeats and full reports.
type HealthReporter interface {
	CurrentHealth(ctx context.Context) *protobufs.ComponentHealth
}

// CertificateManager validates and stores certificate material offered in
// connection settings. An error rejects the whole offer.
type CertificateManager interface {
	OnConnectionSettings(ctx context.Context, settings *protobufs.OpAMPConnectionSettings) error
}

// PackageManager receives package offers. Installation runs on the
// manager's own schedule, progress comes back through SetPackageStatuses.
type PackageManager interface {
	OnPackagesAvailable(ctx context.Context, offer *protobufs.PackagesAvailable) error
}

// CommandHandler executes server commands such as restart.
type CommandHandler interface {
	OnCommand(ctx context.Context, cmd *protobufs.ServerToAgentCommand) error
}
