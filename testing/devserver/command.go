package devserver

import (
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
)

// shellCommand composes the line run by the shell: change to the root, source
// the activation script and run the server bound to host, port and dir.
func shellCommand(cfg Config, port int, dir string) string {
	steps := []string{"cd " + shellescape.Quote(cfg.Root)}
	if !cfg.NoActivate {
		activate := cfg.Activate
		if !filepath.IsAbs(activate) {
			activate = filepath.Join(cfg.Root, activate)
		}
		steps = append(steps, ". "+shellescape.Quote(activate))
	}
	steps = append(steps, shellescape.QuoteCommand([]string{
		cfg.Command,
		"--no-browser",
		"--host", "http://" + urlHost(cfg.Host),
		"--port", strconv.Itoa(port),
		"--data-dir", dir,
	}))
	return strings.Join(steps, " && ")
}

func hostname(host string, port int) string {
	return "http://" + net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
}

// urlHost brackets IPv6 addresses.
func urlHost(host string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]"
	}
	return host
}
