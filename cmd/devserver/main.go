// Command devserver starts one disposable backend server, prints its URL and
// keeps it running until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log" //nolint:depguard // non-o11y log is allowed for a top-level fatal
	"time"

	"github.com/alecthomas/kong"

	o11yconf "github.com/labelops/testenv/config/o11y"
	"github.com/labelops/testenv/o11y"
	"github.com/labelops/testenv/termination"
	"github.com/labelops/testenv/testing/devserver"
)

var version = "dev"

type cli struct {
	Verbose bool `short:"v" env:"VERBOSE" help:"Narrate progress and show the server output."`

	Host         string        `default:"localhost" help:"Host the server binds to."`
	BasePort     int           `name:"base-port" default:"9191" help:"First port to try."`
	MaxPorts     int           `name:"max-ports" default:"100" help:"How many ports from the base port to try."`
	Command      string        `default:"label-studio" help:"Server executable."`
	Root         string        `help:"Directory to run the server in, defaults to two levels up."`
	Activate     string        `default:"venv/htx/bin/activate" help:"Script, relative to the root, sourced before starting."`
	NoActivate   bool          `name:"no-activate" help:"Do not source the activation script."`
	ReadyTimeout time.Duration `name:"ready-timeout" default:"60s" help:"How long to wait for the server to be ready."`

	Statsd string `env:"STATSD_HOST" help:"Statsd address to send metrics to."`
}

func main() {
	err := run()
	if err != nil && !errors.Is(err, termination.ErrTerminated) {
		log.Fatal("Unexpected Error: ", err)
	}
}

func run() (err error) {
	c := cli{}
	kong.Parse(&c, kong.Description("Start a disposable backend server for integration tests."))

	ctx, o11yCleanup, err := o11yconf.Setup(context.Background(), o11yconf.Config{
		Service:                 "devserver",
		Version:                 version,
		Quiet:                   !c.Verbose,
		Statsd:                  c.Statsd,
		StatsNamespace:          "testenv",
		StatsdTelemetryDisabled: true,
	})
	if err != nil {
		return err
	}
	defer o11yCleanup(ctx)

	ctx, runSpan := o11y.StartSpan(ctx, "main: run")
	defer o11y.End(runSpan, &err)

	srv, err := devserver.Start(ctx, c.config())
	if err != nil {
		return err
	}

	fmt.Println(srv.Hostname())

	err = termination.Handle(ctx)
	out := srv.Shutdown(ctx)
	if c.Verbose && out != "" {
		fmt.Print(out)
	}
	return err
}

func (c cli) config() devserver.Config {
	return devserver.Config{
		Verbose:      c.Verbose,
		Host:         c.Host,
		BasePort:     c.BasePort,
		MaxPorts:     c.MaxPorts,
		Command:      c.Command,
		Root:         c.Root,
		Activate:     c.Activate,
		NoActivate:   c.NoActivate,
		ReadyTimeout: c.ReadyTimeout,
	}
}
