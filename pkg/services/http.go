// Package services holds the glue the agent's module wiring is built from:
// the HTTP extension contract and the local status server that hosts it.
package services

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"

	"github.com/otelfleet/fleetlink/pkg/logutil"
)

// HTTPExtension is a service that also exposes routes on the agent's local
// HTTP surface.
type HTTPExtension interface {
	services.Service
	ConfigureHTTP(*mux.Router)
}

// StatusServer hosts the local status routes. It runs as its own module so
// the HTTP surface can be left out entirely by not wiring it. The listen
// address should stay on loopback, nothing served here is authenticated.
type StatusServer struct {
	logger *slog.Logger
	addr   string
	router *mux.Router
	srv    *http.Server

	services.Service
}

func NewStatusServer(logger *slog.Logger, addr string) *StatusServer {
	s := &StatusServer{
		logger: logger,
		addr:   addr,
		router: mux.NewRouter(),
	}
	s.router.Use(s.requestLogger)
	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s
}

// requestLogger hands every handler a logger carrying the request method and
// path through the context.
func (s *StatusServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := logutil.WithMethod(s.logger, r.Method).With("path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(logutil.WithContext(r.Context(), l)))
	})
}

// Router is where extensions register routes before the service starts.
func (s *StatusServer) Router() *mux.Router { return s.router }

func (s *StatusServer) running(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.router}
	s.logger.With("addr", ln.Addr().String()).Info("status endpoint listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *StatusServer) stopping(_ error) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
