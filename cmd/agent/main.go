// Command agent is the fleetlink agent: it maintains the management session
// with the fleet server and supervises the local collector.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecthomas/kong"

	"github.com/otelfleet/fleetlink/pkg/agent"
	"github.com/otelfleet/fleetlink/pkg/config"
	_ "github.com/otelfleet/fleetlink/pkg/logutil"
	"github.com/otelfleet/fleetlink/pkg/util/contextutil"
	"github.com/otelfleet/fleetlink/pkg/version"
)

type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run the agent."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file and exit."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

type RunCmd struct {
	Config string `short:"c" default:"/etc/fleetlink/agent.yaml" help:"Path to the agent config file." type:"path"`
}

func (c *RunCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	ctx := contextutil.SetupSignals(context.Background())
	slog.With("version", version.Version, "endpoint", cfg.Server.Endpoint).
		Info("fleetlink agent starting")
	if err := a.Run(ctx); err != nil {
		return err
	}
	slog.Info("fleetlink agent stopped")
	return nil
}

type ValidateCmd struct {
	Config string `short:"c" default:"/etc/fleetlink/agent.yaml" help:"Path to the agent config file." type:"path"`
}

func (c *ValidateCmd) Run() error {
	if _, err := config.Load(c.Config); err != nil {
		return err
	}
	fmt.Println("configuration is valid")
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("fleetlink agent %s\n", version.Version)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("fleetlink-agent"),
		kong.Description("OpAMP agent for collector fleet management."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
