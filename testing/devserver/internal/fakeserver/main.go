// Command fakeserver stands in for the real backend in the devserver tests. It
// accepts the same flags and serves /version, and the FAKE_ environment
// variables script how it behaves.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"

	o11yconf "github.com/labelops/testenv/config/o11y"
	"github.com/labelops/testenv/httpserver"
	"github.com/labelops/testenv/httpserver/ginrouter"
	"github.com/labelops/testenv/o11y"
	"github.com/labelops/testenv/system"
	"github.com/labelops/testenv/termination"
)

const version = "0.0.0-fake"

type cli struct {
	NoBrowser bool   `name:"no-browser" help:"Accepted and ignored."`
	Host      string `default:"http://localhost" help:"Host to serve on, with a scheme."`
	Port      int    `required:"" help:"Port to serve on."`
	DataDir   string `name:"data-dir" required:"" type:"existingdir" help:"Directory for server state."`

	Status     int           `env:"FAKE_STATUS" default:"200" help:"Status code /version responds with."`
	StartDelay time.Duration `env:"FAKE_START_DELAY" default:"0s" help:"Wait this long before listening."`
	Exit       bool          `env:"FAKE_EXIT" help:"Exit with code 3 instead of serving."`
}

func main() {
	c := cli{}
	kong.Parse(&c, kong.Description("A fake backend for the devserver tests."))

	if c.Exit {
		fmt.Fprintln(os.Stderr, "fakeserver: exiting as asked")
		os.Exit(3)
	}

	err := run(c)
	if err != nil && !errors.Is(err, termination.ErrTerminated) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c cli) (err error) {
	ctx, cleanup, err := o11yconf.Setup(context.Background(), o11yconf.Config{
		Service:       "fakeserver",
		Version:       version,
		Mode:          "test",
		Writer:        os.Stderr,
		DisableColour: true,
	})
	if err != nil {
		return err
	}
	defer cleanup(ctx)

	ctx, span := o11y.StartSpan(ctx, "fakeserver: run")
	defer o11y.End(span, &err)

	host, err := bindHost(c.Host)
	if err != nil {
		return err
	}

	pidFile := filepath.Join(c.DataDir, "server.pid")
	err = os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600)
	if err != nil {
		return err
	}

	if c.StartDelay > 0 {
		o11y.Log(ctx, "fakeserver: delaying start", o11y.Field("delay", c.StartDelay))
		time.Sleep(c.StartDelay)
	}

	r := ginrouter.Default(ctx, "fakeserver")
	r.GET("/version", func(gc *gin.Context) {
		gc.JSON(c.Status, gin.H{
			"release":  version,
			"data_dir": c.DataDir,
		})
	})

	sys := system.New()
	defer sys.Cleanup(ctx)
	sys.AddCleanup(func(context.Context) error {
		return os.Remove(pidFile)
	})

	_, err = httpserver.Load(ctx, httpserver.Config{
		Name:    "fakeserver",
		Addr:    net.JoinHostPort(host, strconv.Itoa(c.Port)),
		Handler: r,
	}, sys)
	if err != nil {
		return err
	}

	return sys.Run(ctx)
}

// bindHost strips the scheme the real server expects on --host.
func bindHost(host string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	if u.Hostname() == "" {
		return host, nil
	}
	return u.Hostname(), nil
}
