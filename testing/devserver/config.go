package devserver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultHost         = "localhost"
	DefaultBasePort     = 9191
	DefaultMaxPorts     = 100
	DefaultCommand      = "label-studio"
	DefaultActivate     = "venv/htx/bin/activate"
	DefaultPollInterval = 100 * time.Millisecond
	DefaultReadyTimeout = 60 * time.Second
)

type Config struct {
	// Verbose narrates progress through o11y logs and copies the server output to stdout.
	Verbose bool
	// Host the server binds to, defaults to localhost.
	Host string

	// BasePort is the first port tried. MaxPorts ports from there are searched.
	BasePort int
	MaxPorts int

	// Command is the server executable.
	Command string
	// Root is the directory the command runs in, defaults to two levels up from
	// the current working directory.
	Root string
	// Activate is a script, relative to Root, sourced before running Command.
	Activate string
	// NoActivate skips sourcing Activate.
	NoActivate bool
	// Env is added to the server's environment.
	Env []string

	// PollInterval is the time between readiness checks.
	PollInterval time.Duration
	// ReadyTimeout bounds the readiness polling, a negative value disables it.
	ReadyTimeout time.Duration
	// MaxAttempts bounds the number of readiness checks, zero means no limit.
	MaxAttempts int

	// TempDir is where working directories are made, defaults to os.TempDir().
	TempDir string
}

func (c Config) withDefaults() (Config, error) {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.BasePort == 0 {
		c.BasePort = DefaultBasePort
	}
	if c.MaxPorts <= 0 {
		c.MaxPorts = DefaultMaxPorts
	}
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if c.Activate == "" {
		c.Activate = DefaultActivate
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return c, fmt.Errorf("working directory: %w", err)
		}
		c.Root = filepath.Join(cwd, "..", "..")
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return c, fmt.Errorf("root: %w", err)
	}
	c.Root = root
	return c, nil
}

// WorkDir is the working directory a server on port gets under tempDir.
func WorkDir(tempDir string, port int) string {
	return filepath.Join(tempDir, fmt.Sprintf("test-server-%d", port))
}

// VerboseFromEnv reports whether VERBOSE=true is set, or -v or --verbose is
// among the process arguments.
func VerboseFromEnv() bool {
	return verbose(os.Getenv("VERBOSE"), os.Args[1:])
}

func verbose(env string, args []string) bool {
	if env == "true" {
		return true
	}
	for _, a := range args {
		if a == "-v" || a == "--verbose" {
			return true
		}
	}
	return false
}
