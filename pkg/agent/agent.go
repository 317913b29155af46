// Package agent wires the fleetlink agent process out of dskit modules:
// local storage, the supervised collector, the protocol session, and the
// status endpoint.
package agent

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"

	"github.com/otelfleet/fleetlink/pkg/auth"
	"github.com/otelfleet/fleetlink/pkg/certs"
	"github.com/otelfleet/fleetlink/pkg/config"
	"github.com/otelfleet/fleetlink/pkg/configstore"
	"github.com/otelfleet/fleetlink/pkg/engine"
	"github.com/otelfleet/fleetlink/pkg/extension"
	"github.com/otelfleet/fleetlink/pkg/ident"
	"github.com/otelfleet/fleetlink/pkg/logutil"
	services_int "github.com/otelfleet/fleetlink/pkg/services"
	storagesvc "github.com/otelfleet/fleetlink/pkg/services/storage"
	"github.com/otelfleet/fleetlink/pkg/storage"
	"github.com/otelfleet/fleetlink/pkg/supervisor"
	"github.com/otelfleet/fleetlink/pkg/version"
)

// The modules that make up the agent process.
const (
	All        = "all"
	Storage    = "storage"
	Supervisor = "supervisor"
	Engine     = "engine"
	StatusHTTP = "status-http"
)

type Agent struct {
	logger *slog.Logger
	cfg    config.Config

	mm   *modules.Manager
	deps map[string][]string

	extensions *extension.Registry

	broker   storage.KVBroker
	sessions *storage.SessionStore
	sup      *supervisor.Supervisor
	status   *services_int.StatusServer

	serviceMap map[string]services.Service
}

func New(cfg config.Config) (*Agent, error) {
	a := &Agent{
		logger:     slog.Default(),
		cfg:        cfg,
		extensions: extension.NewRegistry(),
	}
	if err := a.setupModuleManager(); err != nil {
		return nil, err
	}
	return a, nil
}

// Extensions is the custom capability registry. Register handlers before
// Run, announcements go out with the first status report.
func (a *Agent) Extensions() *extension.Registry { return a.extensions }

func (a *Agent) setupModuleManager() error {
	mm := modules.NewManager(logutil.NewGoKit(a.logger.With("component", "modules")))
	mm.RegisterModule(All, nil)

	mm.RegisterModule(Storage, func() (services.Service, error) {
		storeSvc, err := storagesvc.NewStorageService(
			a.logger.With("service", Storage),
			a.cfg.Paths.DB,
		)
		if err != nil {
			return nil, err
		}
		a.broker = storeSvc
		a.sessions = storage.NewSessionStore(a.logger.With("store", "session"), storeSvc)
		return storeSvc, nil
	}, modules.UserInvisibleModule)

	mm.RegisterModule(Supervisor, func() (services.Service, error) {
		sup, err := a.buildSupervisor()
		if err != nil {
			return nil, err
		}
		a.sup = sup
		return sup, nil
	})

	mm.RegisterModule(Engine, func() (services.Service, error) {
		return a.sup.Engine(), nil
	})

	mm.RegisterModule(StatusHTTP, func() (services.Service, error) {
		a.status = services_int.NewStatusServer(
			a.logger.With("service", StatusHTTP),
			a.cfg.Status.Listen,
		)
		a.sup.ConfigureHTTP(a.status.Router())
		return a.status, nil
	})

	deps := map[string][]string{
		All:        {Engine},
		Engine:     {Supervisor},
		Supervisor: {Storage},
		StatusHTTP: {Supervisor},
	}
	if a.cfg.Status.Listen != "" {
		deps[All] = append(deps[All], StatusHTTP)
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.mm = mm
	a.deps = deps
	return nil
}

// buildSupervisor assembles the engine configuration from the file config
// and hands it to the supervisor, which owns the session.
func (a *Agent) buildSupervisor() (*supervisor.Supervisor, error) {
	fileStore, err := configstore.NewFileStore(
		a.logger.With("component", "configstore"), a.cfg.Paths.Configs)
	if err != nil {
		return nil, err
	}
	certStore, err := certs.NewStore(
		a.logger.With("component", "certs"), a.cfg.Paths.Certs)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	identity, err := ident.IdFromMac(sha256.New(), hostname)
	if err != nil {
		return nil, fmt.Errorf("deriving machine identity: %w", err)
	}

	var headers auth.HeaderProvider
	switch {
	case a.cfg.Server.EnrollmentToken != "":
		token, err := auth.ParseHex(a.cfg.Server.EnrollmentToken)
		if err != nil {
			return nil, fmt.Errorf("parsing enrollment token: %w", err)
		}
		key, err := auth.LoadSigningKey(a.cfg.Server.EnrollmentKeyFile)
		if err != nil {
			return nil, err
		}
		headers = auth.NewTokenSigner(token, key)
	case a.cfg.Server.APIKey != "":
		headers = auth.APIKey(a.cfg.Server.APIKey)
	case a.cfg.Server.BearerToken != "":
		headers = auth.BearerToken(a.cfg.Server.BearerToken)
	}

	engineCfg := engine.Config{
		Logger:                    a.logger.With("component", "engine"),
		Endpoint:                  a.cfg.Server.Endpoint,
		TLS:                       certStore.TLSConfig(nil),
		Headers:                   headers,
		RequestTimeout:            a.cfg.Server.RequestTimeout,
		Identity:                  identity,
		ServiceName:               "fleetlink-agent",
		ServiceVersion:            version.Version,
		Attributes:                a.cfg.Server.Attributes,
		Compression:               a.cfg.Server.Compression,
		HeartbeatInterval:         a.cfg.Server.HeartbeatInterval,
		Retry:                     a.cfg.Retry,
		ResetSequencesOnReconnect: !a.cfg.ResumeSession(),
		Store:                     a.sessions,
		Certificates:              certStore,
		Extensions:                a.extensions,
	}

	var driver supervisor.Driver
	if a.cfg.Collector.Binary != "" {
		pm := supervisor.NewProcManager(
			a.logger.With("component", "procmanager"), a.cfg.Collector.Binary)
		pm.GracefulShutdown = a.cfg.Collector.GracefulShutdown
		driver = pm
	}

	return supervisor.New(supervisor.Config{
		Logger: a.logger.With("service", Supervisor),
		Engine: engineCfg,
		Store:  fileStore,
		Driver: driver,
	})
}

// Run starts every module and blocks until shutdown. Cancel the context to
// stop the agent.
func (a *Agent) Run(ctx context.Context) error {
	svcMap, err := a.mm.InitModuleServices(All)
	if err != nil {
		return err
	}
	a.serviceMap = svcMap

	mgr, err := services.NewManager(slices.Collect(maps.Values(svcMap))...)
	if err != nil {
		a.logger.With("err", err).Error("failed to build the service manager")
		return err
	}

	serviceFailed := func(service services.Service) {
		mgr.StopAsync()
		for m, s := range svcMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					a.logger.With("module", m, "err", service.FailureCase()).
						Info("received stop signal via return error")
				} else {
					a.logger.With("module", m, "err", service.FailureCase()).
						Error("module failed")
				}
				return
			}
		}
		a.logger.With("module", "unknown", "err", service.FailureCase()).Error("module failed")
	}
	mgr.AddListener(services.NewManagerListener(func() {}, func() {}, serviceFailed))

	go func() {
		<-ctx.Done()
		mgr.StopAsync()
	}()

	var stopErr error
	if err := mgr.StartAsync(ctx); err == nil {
		stopErr = mgr.AwaitStopped(context.Background())
	}
	if stopErr != nil {
		return stopErr
	}

	for _, f := range mgr.ServicesByState()[services.Failed] {
		if f.FailureCase() != modules.ErrStopProcess {
			// Details were reported via the failure listener already.
			return fmt.Errorf("services failed")
		}
	}
	return nil
}
