package supervisor

import (
	"context"
	"time"
)

// Driver runs the supervised collector in a particular environment,
// baremetal, docker, kubernetes, and so on. Mocks stand in for tests.
type Driver interface {
	// Start launches the collector with the given config files. Starting
	// an already running collector is a no-op.
	Start(ctx context.Context, configs []string) error

	// Reload replaces the config file set and restarts the collector.
	Reload(ctx context.Context, configs []string) error

	// Restart bounces the collector on its current config set.
	Restart(ctx context.Context) error

	// Health reports the process state without blocking on lifecycle
	// operations.
	Health() ProcessHealth

	// Shutdown stops the collector gracefully.
	Shutdown() error
}

// ProcessHealth is a point-in-time view of the supervised process.
type ProcessHealth struct {
	Running   bool
	Status    string
	LastError string
	StartedAt time.Time
}
