package devserver

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/labelops/testenv/internal/syncbuffer"
	"github.com/labelops/testenv/o11y"
	"github.com/labelops/testenv/termination"
)

// Manager starts servers and keeps track of the live ones. Managers do not
// share ports or pids with each other.
type Manager struct {
	ports     *PortRegistry
	processes *ProcessRegistry

	hookOnce   sync.Once
	unregister func()

	mu   sync.Mutex
	ctx  context.Context
	live map[*Handle]struct{}
}

func New() *Manager {
	return &Manager{
		ports:     NewPortRegistry(),
		processes: NewProcessRegistry(),
		live:      map[*Handle]struct{}{},
	}
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process wide Manager used by the package level Start.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = New()
	})
	return defaultManager
}

// Start starts a server with the Default manager.
func Start(ctx context.Context, cfg Config) (*Handle, error) {
	return Default().Start(ctx, cfg)
}

func (m *Manager) Ports() *PortRegistry {
	return m.ports
}

func (m *Manager) Processes() *ProcessRegistry {
	return m.processes
}

// Live returns the servers that have been started and not yet shut down.
func (m *Manager) Live() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	hs := make([]*Handle, 0, len(m.live))
	for h := range m.live {
		hs = append(hs, h)
	}
	return hs
}

// Start reserves a port, prepares a fresh working directory and runs the server
// until its health check passes. If it never does, the server is shut down
// before the error is returned.
func (m *Manager) Start(ctx context.Context, cfg Config) (h *Handle, err error) {
	ctx, span := o11y.StartSpan(ctx, "devserver: start")
	defer o11y.End(span, &err)
	span.RecordMetric(o11y.Timing("devserver.start", "result"))
	span.RecordMetric(o11y.Incr("devserver.starts", "result"))
	span.RecordMetric(o11y.Gauge("devserver.ports_in_use", "ports_in_use"))

	cfg, err = cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	m.registerSignalHook(ctx)

	port, skipped, err := m.ports.Acquire(cfg.BasePort, cfg.MaxPorts)
	for _, p := range skipped {
		logIf(ctx, cfg.Verbose, "devserver: port in use", o11y.Field("port", p), o11y.Field("next", p+1))
	}
	if err != nil {
		return nil, err
	}
	span.AddField("port", port)
	span.AddField("ports_in_use", len(m.ports.Ports()))

	logIf(ctx, cfg.Verbose, "devserver: booting", o11y.Field("harness_pid", os.Getpid()))

	dir := WorkDir(cfg.TempDir, port)
	if err := freshDir(dir); err != nil {
		m.ports.Release(port)
		return nil, err
	}
	span.AddField("dir", dir)

	h = &Handle{
		manager:  m,
		verbose:  cfg.Verbose,
		hostname: hostname(cfg.Host, port),
		port:     port,
		dir:      dir,
		logs:     &syncbuffer.SyncBuffer{},
		done:     make(chan struct{}),
	}

	line := shellCommand(cfg, port, dir)
	span.AddField("command", line)
	if err := h.start(line, cfg.Env); err != nil {
		_ = os.RemoveAll(dir)
		m.ports.Release(port)
		return nil, err
	}
	m.processes.Add(h.PID())
	m.track(h)
	span.AddField("pid", h.PID())

	attempts, err := readiness{
		baseURL:     h.hostname,
		interval:    cfg.PollInterval,
		timeout:     cfg.ReadyTimeout,
		maxAttempts: cfg.MaxAttempts,
		exited:      h.done,
		exitedError: h.exited,
	}.wait(ctx)
	span.AddField("attempts", attempts)
	if err != nil {
		h.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%s: %w", h.hostname, err)
	}
	return h, nil
}

// ShutdownAll shuts down every live server concurrently.
func (m *Manager) ShutdownAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range m.Live() {
		h := h
		g.Go(func() error {
			h.Shutdown(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// Close shuts down every live server and stops listening for termination signals.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	unregister := m.unregister
	m.unregister = nil
	m.mu.Unlock()
	if unregister != nil {
		unregister()
	}
	m.ShutdownAll(ctx)
}

var registerTermination = termination.Register

func (m *Manager) registerSignalHook(ctx context.Context) {
	m.hookOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.ctx = context.WithoutCancel(ctx)
		m.unregister = registerTermination(m.onSignal)
	})
}

func (m *Manager) onSignal(sig os.Signal) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	for _, h := range m.Live() {
		if h.verbose {
			o11y.Log(ctx, "devserver: exit", o11y.Field("signal", sig.String()))
			break
		}
	}
	m.ShutdownAll(ctx)
}

func (m *Manager) track(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[h] = struct{}{}
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, h)
}

// freshDir removes anything left at dir by an earlier run and creates it empty.
func freshDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

func logIf(ctx context.Context, verbose bool, name string, fields ...o11y.Pair) {
	if verbose {
		o11y.Log(ctx, name, fields...)
	}
}
