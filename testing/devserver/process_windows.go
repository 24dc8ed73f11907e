//go:build windows

package devserver

import (
	"context"
	"os/exec"
	"strconv"
)

func shell(line string) *exec.Cmd {
	//#nosec:G204 // running the server under test is the point
	return exec.Command("cmd", "/C", line)
}

func kill(ctx context.Context, pid int) (string, error) {
	//#nosec:G204 // pid is one we started
	out, err := exec.CommandContext(ctx, "taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).CombinedOutput()
	return string(out), err
}
