// Package transport moves protocol envelopes between the agent and the
// server over one of two bindings: request/response polling over HTTP, or a
// full-duplex websocket stream. Both expose the same interface so the
// session engine never branches on which one it is talking through.
//
// A Transport value owns a single connection. The engine dials a fresh one
// for every connection attempt, which is how endpoints and credentials
// handed out in connection settings offers take effect without disturbing
// session identity.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelfleet/fleetlink/pkg/auth"
)

type Mode int

const (
	ModePolling Mode = iota
	ModeStreaming
)

func (m Mode) String() string {
	switch m {
	case ModePolling:
		return "polling"
	case ModeStreaming:
		return "streaming"
	}
	return "unknown"
}

// Inbound is one server envelope plus the sequence number the binding
// recovered from its framing. Zero means the server did not sequence the
// message.
type Inbound struct {
	Seq uint64
	Msg *protobufs.ServerToAgent
}

type Transport interface {
	Mode() Mode
	// Connect establishes the connection, or for the polling binding
	// verifies the endpoint answers at all.
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *protobufs.AgentToServer) error
	// Receive blocks until a server envelope arrives, the context is
	// canceled, or the connection fails.
	Receive(ctx context.Context) (Inbound, error)
	// Close tears the connection down. Safe to call more than once and
	// from a goroutine other than the one blocked in Receive.
	Close(ctx context.Context) error
	// Offered lists the payload encodings this binding supports, strongest
	// first.
	Offered() []string
	SetEncoding(name string) error
	Encoding() string
}

type Config struct {
	Endpoint string
	Logger   *slog.Logger
	TLS      *tls.Config
	Headers  auth.HeaderProvider

	RequestTimeout time.Duration
	InboxDepth     int

	// HTTPClient overrides the polling client. Tests point it at httptest
	// servers.
	HTTPClient *http.Client
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultInboxDepth     = 16
)

func (c *Config) withDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.InboxDepth <= 0 {
		c.InboxDepth = defaultInboxDepth
	}
}

// New picks the binding from the endpoint scheme: http(s) polls, ws(s)
// streams.
func New(cfg Config) (Transport, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", cfg.Endpoint, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTP(cfg)
	case "ws", "wss":
		return NewWebSocket(cfg)
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}
