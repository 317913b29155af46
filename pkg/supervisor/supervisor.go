// Package supervisor runs the managed collector next to the protocol
// session: it feeds the engine health and effective config, restarts the
// child on server command or config change, and serves the local status
// endpoint.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/samber/lo"

	"github.com/otelfleet/fleetlink/pkg/configstore"
	"github.com/otelfleet/fleetlink/pkg/engine"
)

type Config struct {
	Logger *slog.Logger

	// Engine is the protocol session configuration. The supervisor fills
	// in the collaborators it implements before building the engine.
	Engine engine.Config

	// Store holds the collector's configuration on disk. The supervisor
	// watches it and reloads the collector when a new revision lands.
	Store *configstore.FileStore

	// Driver runs the collector. Nil means the supervisor only reports,
	// useful when something else owns the process.
	Driver Driver
}

// Supervisor ties one engine, one config store and one collector process
// together. It is the engine's HealthReporter and CommandHandler, so the
// session reports what the child process actually does.
type Supervisor struct {
	logger *slog.Logger
	eng    *engine.Engine
	store  *configstore.FileStore
	driver Driver

	startTime time.Time

	services.Service
}

var (
	_ engine.HealthReporter = (*Supervisor)(nil)
	_ engine.CommandHandler = (*Supervisor)(nil)
)

func New(cfg Config) (*Supervisor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("supervisor needs a config store")
	}
	s := &Supervisor{
		logger:    cfg.Logger,
		store:     cfg.Store,
		driver:    cfg.Driver,
		startTime: time.Now(),
	}

	cfg.Engine.ConfigStore = cfg.Store
	cfg.Engine.Health = s
	if cfg.Engine.Commands == nil && cfg.Driver != nil {
		cfg.Engine.Commands = s
	}
	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("building session engine: %w", err)
	}
	s.eng = eng

	if pm, ok := cfg.Driver.(*ProcManager); ok {
		pm.OnExit(func(error) { s.pushHealth(context.Background()) })
	}

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

// Engine exposes the protocol session the supervisor built, for module
// wiring and for embedders that want the event stream.
func (s *Supervisor) Engine() *engine.Engine { return s.eng }

// starting boots the collector on whatever config revision is already on
// disk. An empty store is fine, the collector starts on the first push.
func (s *Supervisor) starting(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	configs, err := s.configPaths()
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		s.logger.Info("no config revision on disk yet, collector stays down")
		return nil
	}
	if err := s.driver.Start(ctx, configs); err != nil {
		// A broken collector is a health condition, not a supervisor
		// failure. The server can push a fixed config.
		s.logger.With("err", err).Error("collector failed to start")
	}
	return nil
}

// running reloads the collector whenever the config directory changes. The
// engine writes pushed revisions into the same directory, so remote pushes
// and out-of-band edits funnel through one path.
func (s *Supervisor) running(ctx context.Context) error {
	watcher, err := configstore.NewWatcher(s.logger.With("component", "config-watch"), s.store.Dir())
	if err != nil {
		return err
	}
	watchDone := make(chan error, 1)
	go func() { watchDone <- watcher.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return <-watchDone
		case err := <-watchDone:
			return err
		case <-watcher.Changes():
			s.onConfigChanged(ctx)
		case ev := <-s.eng.Events():
			s.onEvent(ev)
		}
	}
}

func (s *Supervisor) stopping(_ error) error {
	if s.driver == nil {
		return nil
	}
	if err := s.driver.Shutdown(); err != nil {
		s.logger.With("err", err).Error("collector shutdown failed")
	}
	return nil
}

func (s *Supervisor) onConfigChanged(ctx context.Context) {
	s.logger.Info("config revision changed, reloading collector")
	if s.driver != nil {
		configs, err := s.configPaths()
		if err != nil {
			s.logger.With("err", err).Error("could not list config files")
			return
		}
		if len(configs) > 0 {
			if err := s.driver.Reload(ctx, configs); err != nil {
				s.logger.With("err", err).Error("collector reload failed")
			}
		}
	}
	if err := s.eng.UpdateEffectiveConfig(ctx); err != nil {
		s.logger.With("err", err).Warn("could not refresh effective config report")
	}
	s.pushHealth(ctx)
}

func (s *Supervisor) onEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventBackpressure:
		s.logger.With("dropped", ev.Dropped).Warn("session dropped a critical message under backpressure")
	case engine.EventConnected:
		s.logger.With("features", ev.Features).Info("session established")
		s.pushHealth(context.Background())
	case engine.EventIdentityChanged:
		s.logger.With("instance_uid", ev.InstanceUid.String()).Info("session identity changed")
	case engine.EventServerError:
		s.logger.With("err", ev.Err).Warn("server reported an error")
	}
}

// configPaths lists the current revision's files as absolute paths for the
// collector command line, in stable order.
func (s *Supervisor) configPaths() ([]string, error) {
	cm, err := s.store.ConfigMap()
	if err != nil {
		return nil, err
	}
	names := sortedNames(cm)
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, path.Join(s.store.Dir(), name))
	}
	return paths, nil
}

// CurrentHealth renders the collector's state for the session. The engine
// calls this on report ticks, the supervisor pushes it on process events.
func (s *Supervisor) CurrentHealth(context.Context) *protobufs.ComponentHealth {
	top := &protobufs.ComponentHealth{
		Healthy:            true,
		Status:             "running",
		StartTimeUnixNano:  uint64(s.startTime.UnixNano()),
		StatusTimeUnixNano: uint64(time.Now().UnixNano()),
	}
	if s.driver == nil {
		return top
	}

	ph := s.driver.Health()
	top.Healthy = ph.Running
	top.Status = ph.Status
	top.LastError = ph.LastError
	top.ComponentHealthMap = map[string]*protobufs.ComponentHealth{
		"collector": {
			Healthy:            ph.Running,
			Status:             ph.Status,
			LastError:          ph.LastError,
			StartTimeUnixNano:  uint64(ph.StartedAt.UnixNano()),
			StatusTimeUnixNano: uint64(time.Now().UnixNano()),
		},
	}
	return top
}

// OnCommand executes server commands. Restart is the only one the protocol
// defines today.
func (s *Supervisor) OnCommand(ctx context.Context, cmd *protobufs.ServerToAgentCommand) error {
	switch cmd.GetType() {
	case protobufs.CommandType_CommandType_Restart:
		if s.driver == nil {
			return fmt.Errorf("no driver wired, cannot restart the collector")
		}
		s.logger.Info("server requested a collector restart")
		if err := s.driver.Restart(ctx); err != nil {
			return err
		}
		s.pushHealth(ctx)
		return nil
	default:
		return fmt.Errorf("unsupported command type %s", cmd.GetType())
	}
}

func (s *Supervisor) pushHealth(ctx context.Context) {
	s.eng.SetHealth(s.CurrentHealth(ctx))
}

func sortedNames(cm *protobufs.AgentConfigMap) []string {
	files := cm.GetConfigMap()
	// Stable order keeps the collector's --config argument order
	// deterministic across reloads.
	names := lo.Keys(files)
	slices.Sort(names)
	return names
}
