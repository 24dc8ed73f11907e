package devserver

import (
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestShellCommand(t *testing.T) {
	cfg := Config{
		Host:     "localhost",
		Command:  "label-studio",
		Root:     "/home/ci/label studio",
		Activate: "venv/htx/bin/activate",
	}

	got := shellCommand(cfg, 9191, "/tmp/test-server-9191")
	assert.Check(t, cmp.Equal(got,
		"cd '/home/ci/label studio'"+
			" && . '/home/ci/label studio/venv/htx/bin/activate'"+
			" && label-studio --no-browser --host http://localhost --port 9191 --data-dir /tmp/test-server-9191"))
}

func TestShellCommand_NoActivate(t *testing.T) {
	cfg := Config{
		Host:       "127.0.0.1",
		Command:    "/opt/bin/server",
		Root:       "/srv",
		NoActivate: true,
	}

	got := shellCommand(cfg, 9200, "/tmp/it's here")
	assert.Check(t, cmp.Equal(got,
		`cd /srv && /opt/bin/server --no-browser --host http://127.0.0.1 --port 9200 --data-dir '/tmp/it'"'"'s here'`))
}

func TestShellCommand_IPv6(t *testing.T) {
	cfg := Config{
		Host:       "::1",
		Command:    "label-studio",
		Root:       "/srv",
		NoActivate: true,
	}

	got := shellCommand(cfg, 9191, "/tmp/test-server-9191")
	assert.Check(t, cmp.Equal(got,
		"cd /srv && label-studio --no-browser --host 'http://[::1]' --port 9191 --data-dir /tmp/test-server-9191"))
}

func TestHostname(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{host: "localhost", want: "http://localhost:9191"},
		{host: "127.0.0.1", want: "http://127.0.0.1:9191"},
		{host: "::1", want: "http://[::1]:9191"},
		{host: "[::1]", want: "http://[::1]:9191"},
		{host: "fe80::1%lo0", want: "http://[fe80::1%lo0]:9191"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Check(t, cmp.Equal(hostname(tt.host, 9191), tt.want))
		})
	}
}
