package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/labelops/testenv/o11y"
)

type HTTPServer struct {
	name            string
	listener        net.Listener
	server          *http.Server
	shutdownTimeout time.Duration
}

type Config struct {
	// Name is the name of the server in o11y
	Name string
	// Addr is the address to listen on
	Addr string
	// Handler is the HTTP handler to delegate requests to.
	Handler http.Handler

	// Optional
	// Network must be "tcp", "tcp4", "tcp6", "unix", "unixpacket" or "" (which defaults to tcp).
	Network string
	// ShutdownTimeout is how long in flight requests get to finish, defaults to 10s.
	ShutdownTimeout time.Duration
}

func New(ctx context.Context, cfg Config) (s *HTTPServer, err error) {
	_, span := o11y.StartSpan(ctx, "server: new-server "+cfg.Name)
	defer o11y.End(span, &err)
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	span.AddField("server_name", cfg.Name)
	span.AddField("address", cfg.Addr)
	span.AddField("network", cfg.Network)

	ln, err := net.Listen(cfg.Network, cfg.Addr)
	if err != nil {
		return nil, err
	}
	span.AddField("address", ln.Addr().String())

	return &HTTPServer{
		name:            cfg.Name,
		listener:        ln,
		shutdownTimeout: cfg.ShutdownTimeout,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           cfg.Handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       55 * time.Second,
			WriteTimeout:      55 * time.Second,
		},
	}, nil
}

// Serve the http server. On context cancellation the server is shutdown giving some time
// for the in flight requests to be handled.
func (s *HTTPServer) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(cctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		o11y.Log(ctx, "server: stopped", o11y.Field("server_name", s.name))
		return nil
	})

	g.Go(func() error {
		err := s.server.Serve(s.listener)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}

func (s *HTTPServer) Addr() string {
	return s.listener.Addr().String()
}
