//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// detach places the child in its own session so it survives runner death.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// ProcessAlive reports whether a process with the given pid exists.
// Signal 0 probes existence without delivering anything.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
