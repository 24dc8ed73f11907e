package httpserver

import (
	"context"
	"fmt"

	"github.com/labelops/testenv/system"
)

// Load creates the server and adds it to sys as a service.
func Load(ctx context.Context, cfg Config, sys *system.System) (*HTTPServer, error) {
	server, err := New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error starting %q server: %w", cfg.Name, err)
	}

	sys.AddService(server.Serve)
	return server, nil
}
