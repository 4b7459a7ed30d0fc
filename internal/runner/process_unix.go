//go:build !windows

package runner

import "syscall"

// terminateProcess sends SIGTERM to the agent's process group. Agents are
// launched as session leaders, so the negative pid reaches the whole tree.
func terminateProcess(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}
