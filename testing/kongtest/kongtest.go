// Package kongtest has helpers for testing kong command line definitions.
package kongtest

import (
	"bytes"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

// Help renders the --help output for cli.
func Help(t *testing.T, cli interface{}) string {
	t.Helper()
	w := bytes.NewBuffer(nil)
	rc := -1
	app, err := kong.New(cli,
		kong.Name("test-app"),
		kong.Writers(w, w),
		kong.Exit(func(i int) {
			rc = i
		}),
	)
	assert.Check(t, err)

	_, err = app.Parse([]string{"--help"})
	assert.Check(t, err)
	assert.Check(t, cmp.Equal(0, rc))

	return w.String()
}

// Parse parses args into cli with env set for the duration of the test.
func Parse(t *testing.T, cli interface{}, env map[string]string, args ...string) {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	app, err := kong.New(cli, kong.Name("test-app"))
	assert.Assert(t, err)

	_, err = app.Parse(args)
	assert.Assert(t, err)
}
