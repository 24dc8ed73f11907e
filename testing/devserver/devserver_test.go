//go:build !windows

package devserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	o11yconf "github.com/labelops/testenv/config/o11y"
	"github.com/labelops/testenv/httpclient"
	"github.com/labelops/testenv/termination"
	"github.com/labelops/testenv/testing/compiler"
	"github.com/labelops/testenv/testing/fakestatsd"
	"github.com/labelops/testenv/testing/testcontext"
)

var fakeServer string

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	c := compiler.New()
	defer c.Cleanup()

	var err error
	fakeServer, err = c.Compile(context.Background(), compiler.Work{
		Name:   "fakeserver",
		Target: "../..",
		Source: "./testing/devserver/internal/fakeserver",
	})
	if err != nil {
		fmt.Println(err)
		return 1
	}
	return m.Run()
}

func testConfig(t *testing.T, env ...string) Config {
	t.Helper()
	return Config{
		Verbose:      true,
		Command:      fakeServer,
		NoActivate:   true,
		Root:         ".",
		Env:          env,
		BasePort:     freePort(t),
		MaxPorts:     10,
		PollInterval: 20 * time.Millisecond,
		ReadyTimeout: 20 * time.Second,
		TempDir:      t.TempDir(),
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	assert.Assert(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m := New()
	t.Cleanup(func() {
		m.Close(context.Background())
	})
	return m
}

func TestStart(t *testing.T) {
	ctx := testcontext.Background()
	m := newManager(t)
	cfg := testConfig(t)

	h, err := m.Start(ctx, cfg)
	assert.Assert(t, err)
	pid := h.PID()

	t.Run("handle describes the server", func(t *testing.T) {
		assert.Check(t, cmp.Equal(h.Port(), cfg.BasePort))
		assert.Check(t, cmp.Equal(h.Hostname(), "http://localhost:"+strconv.Itoa(cfg.BasePort)))
		assert.Check(t, cmp.Equal(h.Dir(), WorkDir(cfg.TempDir, cfg.BasePort)))
		assert.Check(t, m.Ports().InUse(h.Port()))
		assert.Check(t, m.Processes().Has(pid))
		assert.Check(t, cmp.Len(m.Live(), 1))
	})

	t.Run("server was given the working directory", func(t *testing.T) {
		client := httpclient.New(httpclient.Config{
			Name:       "test",
			BaseURL:    h.Hostname(),
			AcceptType: httpclient.JSON,
			Timeout:    5 * time.Second,
		})
		resp := struct {
			Release string `json:"release"`
			DataDir string `json:"data_dir"`
		}{}
		req := httpclient.NewRequest("GET", "/version", time.Second)
		req.Decoder = httpclient.NewJSONDecoder(&resp)
		assert.Assert(t, client.Call(ctx, req))
		assert.Check(t, cmp.Equal(resp.DataDir, h.Dir()))

		_, err := os.Stat(filepath.Join(h.Dir(), "server.pid"))
		assert.Check(t, err)
	})

	t.Run("server output is captured", func(t *testing.T) {
		poll.WaitOn(t, func(t poll.LogT) poll.Result {
			if logs := h.Logs(); !strings.Contains(logs, "GET /version") {
				return poll.Continue("no request logged in %q", logs)
			}
			return poll.Success()
		})
	})

	var out string
	t.Run("shutdown cleans up", func(t *testing.T) {
		out = h.Shutdown(ctx)

		_, err := os.Stat(h.Dir())
		assert.Check(t, os.IsNotExist(err))
		assert.Check(t, !m.Ports().InUse(h.Port()))
		assert.Check(t, !m.Processes().Has(pid))
		assert.Check(t, cmp.Len(m.Live(), 0))

		select {
		case <-h.Done():
		default:
			t.Error("server process not reaped")
		}
		assert.Check(t, cmp.ErrorIs(syscall.Kill(pid, 0), syscall.ESRCH))
		waitUnreachable(t, h.Port())
	})

	t.Run("shutdown twice is harmless", func(t *testing.T) {
		// someone else now holds the port
		assert.Assert(t, m.Ports().Reserve(h.Port()))
		assert.Check(t, cmp.Equal(h.Shutdown(ctx), out))
		assert.Check(t, m.Ports().InUse(h.Port()), "the second shutdown released nothing")
		assert.Check(t, m.Ports().Release(h.Port()))
	})

	t.Run("the port is free for the next server", func(t *testing.T) {
		port, _, err := m.Ports().Acquire(cfg.BasePort, cfg.MaxPorts)
		assert.Assert(t, err)
		assert.Check(t, cmp.Equal(port, cfg.BasePort))
		m.Ports().Release(port)
	})
}

func TestShutdown_CancelledContextStillKills(t *testing.T) {
	m := newManager(t)
	cfg := testConfig(t)

	h, err := m.Start(testcontext.Background(), cfg)
	assert.Assert(t, err)
	pid := h.PID()

	ctx, cancel := context.WithCancel(testcontext.Background())
	cancel()
	h.Shutdown(ctx)

	assert.Check(t, !m.Ports().InUse(h.Port()))
	assert.Check(t, !m.Processes().Has(pid))

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("server was not killed")
	}
	assert.Check(t, cmp.ErrorIs(syscall.Kill(pid, 0), syscall.ESRCH))
	waitUnreachable(t, h.Port())
}

func TestStart_WorkDirIsFresh(t *testing.T) {
	ctx := testcontext.Background()
	m := newManager(t)
	cfg := testConfig(t)

	dir := WorkDir(cfg.TempDir, cfg.BasePort)
	assert.Assert(t, os.MkdirAll(filepath.Join(dir, "old"), 0o750))
	assert.Assert(t, os.WriteFile(filepath.Join(dir, "leftover.db"), []byte("stale"), 0o600))

	h, err := m.Start(ctx, cfg)
	assert.Assert(t, err)
	defer h.Shutdown(ctx)

	assert.Check(t, cmp.Equal(h.Dir(), dir))
	entries, err := os.ReadDir(dir)
	assert.Assert(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Check(t, cmp.DeepEqual(names, []string{"server.pid"}))
}

func TestStart_SkipsPortInUse(t *testing.T) {
	ctx := testcontext.Background()
	m := newManager(t)
	cfg := testConfig(t)
	cfg.BasePort = freePort(t)
	m.Ports().Reserve(cfg.BasePort)

	h, err := m.Start(ctx, cfg)
	assert.Assert(t, err)
	defer h.Shutdown(ctx)

	assert.Check(t, cmp.Equal(h.Port(), cfg.BasePort+1))
	assert.Check(t, cmp.Equal(h.Dir(), WorkDir(cfg.TempDir, cfg.BasePort+1)))
}

func TestStart_ConcurrentStartsGetDistinctPorts(t *testing.T) {
	ctx := testcontext.Background()
	m := newManager(t)
	cfg := testConfig(t)

	type result struct {
		h   *Handle
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h, err := m.Start(ctx, cfg)
			results <- result{h: h, err: err}
		}()
	}

	var ports []int
	for i := 0; i < 2; i++ {
		r := <-results
		assert.Assert(t, r.err)
		ports = append(ports, r.h.Port())
	}
	assert.Check(t, ports[0] != ports[1])

	m.ShutdownAll(ctx)
	assert.Check(t, cmp.Len(m.Live(), 0))
	assert.Check(t, cmp.Len(m.Ports().Ports(), 0))
	assert.Check(t, cmp.Len(m.Processes().PIDs(), 0))
}

func TestStart_SlowToStart(t *testing.T) {
	ctx := testcontext.Background()
	m := newManager(t)

	h, err := m.Start(ctx, testConfig(t, "FAKE_START_DELAY=300ms"))
	assert.Assert(t, err)
	h.Shutdown(ctx)
}

func TestStart_Failures(t *testing.T) {
	tests := []struct {
		name    string
		env     []string
		modify  func(*Config)
		wantErr error
	}{
		{
			name:    "unhealthy",
			env:     []string{"FAKE_STATUS=500"},
			wantErr: ErrUnhealthy,
		},
		{
			name:    "exits",
			env:     []string{"FAKE_EXIT=true"},
			wantErr: ErrExited,
		},
		{
			name: "command not found",
			modify: func(cfg *Config) {
				cfg.Command = filepath.Join(cfg.TempDir, "no-such-server")
			},
			wantErr: ErrExited,
		},
		{
			name: "activation script missing",
			modify: func(cfg *Config) {
				cfg.NoActivate = false
				cfg.Activate = "no/such/activate"
			},
			wantErr: ErrExited,
		},
		{
			name: "never ready",
			env:  []string{"FAKE_START_DELAY=1m"},
			modify: func(cfg *Config) {
				cfg.ReadyTimeout = 300 * time.Millisecond
			},
			wantErr: ErrNotReady,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testcontext.Background()
			m := newManager(t)
			cfg := testConfig(t, tt.env...)
			if tt.modify != nil {
				tt.modify(&cfg)
			}

			h, err := m.Start(ctx, cfg)
			assert.Check(t, cmp.ErrorIs(err, tt.wantErr))
			assert.Check(t, h == nil)

			_, statErr := os.Stat(WorkDir(cfg.TempDir, cfg.BasePort))
			assert.Check(t, os.IsNotExist(statErr), "working directory removed")
			assert.Check(t, !m.Ports().InUse(cfg.BasePort), "port released")
			assert.Check(t, cmp.Len(m.Processes().PIDs(), 0))
			assert.Check(t, cmp.Len(m.Live(), 0))
		})
	}
}

func TestStart_NoFreePort(t *testing.T) {
	ctx := testcontext.Background()
	m := newManager(t)
	cfg := testConfig(t)
	cfg.MaxPorts = 2
	m.Ports().Reserve(cfg.BasePort)
	m.Ports().Reserve(cfg.BasePort + 1)

	_, err := m.Start(ctx, cfg)
	assert.Check(t, cmp.ErrorIs(err, ErrNoFreePort))
	assert.Check(t, cmp.Len(m.Processes().PIDs(), 0))

	_, statErr := os.Stat(WorkDir(cfg.TempDir, cfg.BasePort))
	assert.Check(t, os.IsNotExist(statErr))
}

func TestManager_Signal(t *testing.T) {
	ctx := testcontext.Background()

	var handlers []func(os.Signal)
	registerTermination = func(fn func(os.Signal)) func() {
		handlers = append(handlers, fn)
		return func() {}
	}
	t.Cleanup(func() {
		registerTermination = termination.Register
	})

	m := newManager(t)
	cfg := testConfig(t)
	a, err := m.Start(ctx, cfg)
	assert.Assert(t, err)
	b, err := m.Start(ctx, cfg)
	assert.Assert(t, err)
	assert.Check(t, cmp.Len(handlers, 1), "one signal handler per manager")

	handlers[0](syscall.SIGINT)

	for _, h := range []*Handle{a, b} {
		select {
		case <-h.Done():
		case <-time.After(10 * time.Second):
			t.Fatalf("server on %d still running", h.Port())
		}
		_, statErr := os.Stat(h.Dir())
		assert.Check(t, os.IsNotExist(statErr))
	}
	assert.Check(t, cmp.Len(m.Live(), 0))
	assert.Check(t, cmp.Len(m.Ports().Ports(), 0))
}

func TestStart_Metrics(t *testing.T) {
	s := fakestatsd.New(t)
	ctx, cleanup, err := o11yconf.Setup(context.Background(), o11yconf.Config{
		Service:        "devserver-test",
		Quiet:          true,
		Statsd:         s.Addr(),
		StatsNamespace: "testenv.",
	})
	assert.Assert(t, err)
	defer cleanup(ctx)

	m := newManager(t)
	h, err := m.Start(ctx, testConfig(t))
	assert.Assert(t, err)
	h.Shutdown(ctx)

	metric := s.WaitFor(t, "testenv.devserver.start")
	assert.Check(t, cmp.Contains(metric.Tags, "result:success"))
	count := s.WaitFor(t, "testenv.devserver.starts")
	assert.Check(t, cmp.Equal(count.Value, "1|c|"))
}

func TestDefault(t *testing.T) {
	assert.Check(t, Default() == Default())
	assert.Check(t, Default() != New())
}

func waitUnreachable(t *testing.T, port int) {
	t.Helper()
	poll.WaitOn(t, func(t poll.LogT) poll.Result {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)), time.Second)
		if err != nil {
			return poll.Success()
		}
		_ = conn.Close()
		return poll.Continue("port %d still accepting connections", port)
	}, poll.WithTimeout(10*time.Second))
}
