// Package config is the agent binary's on-disk configuration: one YAML file
// describing the server connection, the local paths, and the collector the
// agent supervises.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otelfleet/fleetlink/pkg/auth"
	"github.com/otelfleet/fleetlink/pkg/compress"
	"github.com/otelfleet/fleetlink/pkg/retry"
)

type Config struct {
	Server    Server       `yaml:"server"`
	Paths     Paths        `yaml:"paths"`
	Collector Collector    `yaml:"collector"`
	Status    Status       `yaml:"status"`
	Retry     retry.Config `yaml:"retry"`
}

// Server describes the fleet server connection. The endpoint scheme selects
// the transport: ws and wss stream, http and https poll.
type Server struct {
	Endpoint string `yaml:"endpoint"`

	// APIKey, BearerToken and EnrollmentToken are mutually exclusive
	// credentials.
	APIKey      string `yaml:"api_key"`
	BearerToken string `yaml:"bearer_token"`

	// EnrollmentToken is the hex encoded token handed out at enrollment.
	// Requests carry a detached signature over it, produced with the
	// ed25519 key in EnrollmentKeyFile, instead of the token itself.
	EnrollmentToken   string `yaml:"enrollment_token"`
	EnrollmentKeyFile string `yaml:"enrollment_key_file"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// Compression lists payload encodings in preference order.
	Compression []string `yaml:"compression"`

	// ResumeSession continues sequence numbering across restarts. Switch
	// it off for servers that expect counters to restart per connection.
	ResumeSession *bool `yaml:"resume_session"`

	// Attributes are extra non-identifying agent description entries.
	Attributes map[string]string `yaml:"attributes"`
}

// Paths are the agent's local state directories, all under Base unless set
// explicitly.
type Paths struct {
	Base    string `yaml:"base"`
	DB      string `yaml:"db"`
	Configs string `yaml:"configs"`
	Certs   string `yaml:"certs"`
}

type Collector struct {
	// Binary is the collector executable to supervise. Empty disables
	// process management, the agent only relays configuration.
	Binary string `yaml:"binary"`

	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type Status struct {
	// Listen is the local status endpoint address. Empty disables it.
	Listen string `yaml:"listen"`
}

const defaultBaseDir = "/var/lib/fleetlink"

func Default() Config {
	return Config{
		Server: Server{
			RequestTimeout:    30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			Compression:       []string{compress.EncodingGzip},
		},
		Paths: Paths{
			Base: defaultBaseDir,
		},
		Status: Status{
			Listen: "127.0.0.1:13133",
		},
	}
}

// Load reads and validates one YAML config file. Unknown keys are errors, a
// typo in a field name should not silently fall back to a default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Paths.Base == "" {
		c.Paths.Base = defaultBaseDir
	}
	if c.Paths.DB == "" {
		c.Paths.DB = filepath.Join(c.Paths.Base, "db")
	}
	if c.Paths.Configs == "" {
		c.Paths.Configs = filepath.Join(c.Paths.Base, "conf.d")
	}
	if c.Paths.Certs == "" {
		c.Paths.Certs = filepath.Join(c.Paths.Base, "certs")
	}
	if c.Collector.GracefulShutdown <= 0 {
		c.Collector.GracefulShutdown = time.Minute
	}
}

func (c *Config) Validate() error {
	if c.Server.Endpoint == "" {
		return fmt.Errorf("server.endpoint is required")
	}
	u, err := url.Parse(c.Server.Endpoint)
	if err != nil {
		return fmt.Errorf("server.endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("server.endpoint: unsupported scheme %q", u.Scheme)
	}
	creds := 0
	for _, set := range []bool{
		c.Server.APIKey != "",
		c.Server.BearerToken != "",
		c.Server.EnrollmentToken != "",
	} {
		if set {
			creds++
		}
	}
	if creds > 1 {
		return fmt.Errorf("server.api_key, server.bearer_token and server.enrollment_token are mutually exclusive")
	}
	if c.Server.EnrollmentToken != "" {
		if _, err := auth.ParseHex(c.Server.EnrollmentToken); err != nil {
			return fmt.Errorf("server.enrollment_token: %w", err)
		}
		if c.Server.EnrollmentKeyFile == "" {
			return fmt.Errorf("server.enrollment_token needs server.enrollment_key_file")
		}
	}
	for _, name := range c.Server.Compression {
		if _, ok := compress.Lookup(name); !ok {
			return fmt.Errorf("server.compression: unknown encoding %q", name)
		}
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must not be negative")
	}
	return nil
}

// ResumeSession defaults to true when the file does not say.
func (c *Config) ResumeSession() bool {
	if c.Server.ResumeSession == nil {
		return true
	}
	return *c.Server.ResumeSession
}
