package engine

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelfleet/fleetlink/pkg/auth"
	"github.com/otelfleet/fleetlink/pkg/capability"
	"github.com/otelfleet/fleetlink/pkg/compress"
	"github.com/otelfleet/fleetlink/pkg/extension"
	"github.com/otelfleet/fleetlink/pkg/ident"
	"github.com/otelfleet/fleetlink/pkg/retry"
	"github.com/otelfleet/fleetlink/pkg/storage"
	"github.com/otelfleet/fleetlink/pkg/transport"
)

// DialFunc opens a transport for one connection attempt. The default wraps
// transport.New, tests substitute scripted transports.
type DialFunc func(cfg transport.Config) (transport.Transport, error)

type Config struct {
	Logger *slog.Logger

	// Endpoint scheme selects the transport: ws and wss stream, http and
	// https poll.
	Endpoint       string
	TLS            *tls.Config
	Headers        auth.HeaderProvider
	RequestTimeout time.Duration
	Dial           DialFunc

	// InstanceUid overrides the persisted or generated session identity.
	InstanceUid    uuid.UUID
	Identity       ident.Identity
	ServiceName    string
	ServiceVersion string
	Attributes     map[string]string

	// Capabilities is the local advertisement, zero means DefaultAgent.
	// The status bit is always on, the protocol has no mode without it.
	Capabilities uint64

	// Compression lists payload encodings in preference order.
	Compression []string

	// HeartbeatInterval paces the empty keepalive report. Negative
	// disables it, zero means the 30 second default. The polling
	// transport uses it as the poll cadence regardless of the
	// heartbeat capability.
	HeartbeatInterval time.Duration

	Retry retry.Config

	// CriticalQueueDepth bounds pending critical reports while
	// disconnected. The oldest is dropped past the bound.
	CriticalQueueDepth int

	// ResetSequencesOnReconnect starts the outbound counter at zero for
	// every connection instead of resuming the persisted count.
	ResetSequencesOnReconnect bool

	ShutdownTimeout time.Duration
	EventBuffer     int

	// Store persists the instance uid, sequence position and last
	// reported statuses. Nil keeps the session ephemeral.
	Store *storage.SessionStore

	ConfigStore  ConfigStore
	Health       HealthReporter
	Certificates CertificateManager
	Packages     PackageManager
	Commands     CommandHandler
	Extensions   *extension.Registry
}

func (c *Config) withDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dial == nil {
		c.Dial = transport.New
	}
	if c.Capabilities == 0 {
		c.Capabilities = capability.DefaultAgent()
	}
	c.Capabilities |= uint64(protobufs.AgentCapabilities_AgentCapabilities_ReportsStatus)
	if len(c.Compression) == 0 {
		c.Compression = []string{compress.EncodingGzip}
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.CriticalQueueDepth <= 0 {
		c.CriticalQueueDepth = 16
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 32
	}
	if c.Extensions == nil {
		c.Extensions = extension.NewRegistry()
	}
}

func (c *Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("parsing endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	for _, name := range c.Compression {
		if _, ok := compress.Lookup(name); !ok {
			return fmt.Errorf("unknown compression encoding %q", name)
		}
	}
	return nil
}

func (c *Config) transportConfig() transport.Config {
	return transport.Config{
		Endpoint:       c.Endpoint,
		Logger:         c.Logger,
		TLS:            c.TLS,
		Headers:        c.Headers,
		RequestTimeout: c.RequestTimeout,
	}
}
