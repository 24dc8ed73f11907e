package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/labelops/testenv/colourise"
	"github.com/labelops/testenv/internal/syncbuffer"
	"github.com/labelops/testenv/o11y"
)

var ErrExited = errors.New("server exited")

// Handle is one running server. It belongs to the caller of Start, who should
// call Shutdown when done with it.
type Handle struct {
	manager  *Manager
	verbose  bool
	hostname string
	port     int
	dir      string

	cmd     *exec.Cmd
	logs    *syncbuffer.SyncBuffer
	done    chan struct{}
	exitErr error

	shutdownOnce sync.Once
	killOutput   string
}

// Hostname is the server's base URL, e.g. http://localhost:9191.
func (h *Handle) Hostname() string {
	return h.hostname
}

func (h *Handle) Port() int {
	return h.port
}

func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Dir is the server's working directory.
func (h *Handle) Dir() string {
	return h.dir
}

// Logs returns everything the server has written to stdout and stderr so far.
func (h *Handle) Logs() string {
	return h.logs.String()
}

// Done is closed when the server process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) start(line string, env []string) error {
	h.cmd = shell(line)
	h.cmd.Env = append(os.Environ(), env...)
	// Children that outlive the shell may hold the output pipes open.
	h.cmd.WaitDelay = time.Second

	var out io.Writer = h.logs
	if h.verbose {
		out = io.MultiWriter(h.logs, colourise.PrefixWriter(os.Stdout, colourise.ApplyColour(fmt.Sprintf("[%d]", h.port))+" "))
	}
	h.cmd.Stdout = out
	h.cmd.Stderr = out

	if err := h.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	go func() {
		h.exitErr = h.cmd.Wait()
		close(h.done)
	}()
	return nil
}

// exited returns the wait error of an exited server, wrapped in ErrExited.
func (h *Handle) exited() error {
	if h.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrExited, h.exitErr)
	}
	return ErrExited
}

// Shutdown removes the working directory, releases the pid and port and then
// kills the server, returning the kill command's output. Only the first call
// does anything, later calls return the same output.
func (h *Handle) Shutdown(ctx context.Context) string {
	h.shutdownOnce.Do(func() {
		h.killOutput = h.shutdown(ctx)
	})
	return h.killOutput
}

func (h *Handle) shutdown(ctx context.Context) string {
	ctx, span := o11y.StartSpan(ctx, "devserver: shutdown")
	defer span.End()
	pid := h.PID()
	span.AddField("port", h.port)
	span.AddField("pid", pid)

	h.log(ctx, "devserver: shutting down", o11y.Field("hostname", h.hostname))

	if err := os.RemoveAll(h.dir); err != nil {
		h.log(ctx, "devserver: remove dir failed", o11y.Field("dir", h.dir), o11y.Field("error", err))
	} else {
		h.log(ctx, "devserver: removed dir", o11y.Field("dir", h.dir))
	}

	h.manager.processes.Remove(pid)
	h.log(ctx, "devserver: freed pid", o11y.Field("pid", pid))

	h.manager.ports.Release(h.port)
	h.log(ctx, "devserver: freed port", o11y.Field("port", h.port))

	h.manager.forget(h)

	// The registries no longer know this server, so the kill must run even if
	// ctx is done. An error here is a server that is already gone.
	out, err := kill(context.WithoutCancel(ctx), pid)
	span.AddField("kill_output", out)
	if err != nil {
		span.AddField("kill_error", err.Error())
	}

	select {
	case <-h.done:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		h.log(ctx, "devserver: server did not exit", o11y.Field("pid", pid))
	}
	return out
}

func (h *Handle) log(ctx context.Context, name string, fields ...o11y.Pair) {
	logIf(ctx, h.verbose, name, fields...)
}
