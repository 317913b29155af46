// Package certs holds the client TLS identity the fleet server can rotate
// at runtime through connection settings offers.
package certs

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelfleet/fleetlink/pkg/engine"
)

const (
	certFile = "cert.pem"
	keyFile  = "key.pem"
	caFile   = "ca.pem"
)

// Store validates, persists and serves the rotating client certificate. An
// offer that does not parse, does not match its key, or is already expired
// is rejected, which voids the connection settings offer that carried it.
type Store struct {
	logger *slog.Logger
	dir    string

	mu   sync.Mutex
	cert *tls.Certificate
	pool *x509.CertPool
}

var _ engine.CertificateManager = (*Store)(nil)

func NewStore(logger *slog.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating certificate directory: %w", err)
	}
	s := &Store{
		logger: logger,
		dir:    dir,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load restores a previously persisted certificate. A missing certificate is
// not an error, the agent simply has no client identity yet.
func (s *Store) load() error {
	certPEM, err := os.ReadFile(path.Join(s.dir, certFile))
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("reading certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(path.Join(s.dir, keyFile))
	if err != nil {
		return fmt.Errorf("reading certificate key: %w", err)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("loading persisted certificate: %w", err)
	}
	s.cert = &pair

	caPEM, err := os.ReadFile(path.Join(s.dir, caFile))
	if err == nil {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(caPEM) {
			s.pool = pool
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading ca bundle: %w", err)
	}
	s.logger.Info("restored client certificate")
	return nil
}

// OnConnectionSettings adopts the certificate carried by an offer. Returning
// an error makes the engine drop the whole offer.
func (s *Store) OnConnectionSettings(_ context.Context, settings *protobufs.OpAMPConnectionSettings) error {
	offered := settings.GetCertificate()
	if offered == nil {
		return nil
	}

	pair, err := tls.X509KeyPair(offered.GetCert(), offered.GetPrivateKey())
	if err != nil {
		return fmt.Errorf("offered certificate does not parse: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return fmt.Errorf("parsing offered leaf certificate: %w", err)
	}
	if now := time.Now(); now.After(leaf.NotAfter) {
		return fmt.Errorf("offered certificate expired %s", leaf.NotAfter.Format(time.RFC3339))
	}

	var pool *x509.CertPool
	if ca := offered.GetCaCert(); len(ca) > 0 {
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return fmt.Errorf("offered ca bundle does not parse")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(offered); err != nil {
		return err
	}
	pair.Leaf = leaf
	s.cert = &pair
	if pool != nil {
		s.pool = pool
	}
	s.logger.With(
		"subject", leaf.Subject.String(),
		"not_after", leaf.NotAfter.Format(time.RFC3339),
	).Info("rotated client certificate")
	return nil
}

func (s *Store) persistLocked(offered *protobufs.TLSCertificate) error {
	if err := atomic.WriteFile(path.Join(s.dir, certFile), bytes.NewReader(offered.GetCert())); err != nil {
		return fmt.Errorf("persisting certificate: %w", err)
	}
	keyPath := path.Join(s.dir, keyFile)
	if err := atomic.WriteFile(keyPath, bytes.NewReader(offered.GetPrivateKey())); err != nil {
		return fmt.Errorf("persisting certificate key: %w", err)
	}
	if err := os.Chmod(keyPath, 0o600); err != nil {
		return fmt.Errorf("restricting key permissions: %w", err)
	}
	if ca := offered.GetCaCert(); len(ca) > 0 {
		if err := atomic.WriteFile(path.Join(s.dir, caFile), bytes.NewReader(ca)); err != nil {
			return fmt.Errorf("persisting ca bundle: %w", err)
		}
	}
	return nil
}

// Certificate is the current client identity, nil before the first offer.
func (s *Store) Certificate() *tls.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cert
}

// TLSConfig derives a client TLS config that always presents the newest
// certificate, so rotation needs no transport rebuild.
func (s *Store) TLSConfig(base *tls.Config) *tls.Config {
	cfg := &tls.Config{}
	if base != nil {
		cfg = base.Clone()
	}
	cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cert == nil {
			return &tls.Certificate{}, nil
		}
		return s.cert, nil
	}
	s.mu.Lock()
	if s.pool != nil && cfg.RootCAs == nil {
		cfg.RootCAs = s.pool
	}
	s.mu.Unlock()
	return cfg
}
