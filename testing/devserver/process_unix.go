//go:build !windows

package devserver

import (
	"context"
	"os/exec"
	"strconv"
	"syscall"
)

func shell(line string) *exec.Cmd {
	//#nosec:G204 // running the server under test is the point
	cmd := exec.Command("/bin/sh", "-c", line)
	// The shell and everything it starts share a process group so one kill takes them all.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// kill force kills the process group led by pid and returns what the kill
// command printed.
func kill(ctx context.Context, pid int) (string, error) {
	//#nosec:G204 // pid is one we started
	out, err := exec.CommandContext(ctx, "kill", "-9", "--", "-"+strconv.Itoa(pid)).CombinedOutput()
	return string(out), err
}
