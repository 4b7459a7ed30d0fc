//go:build windows

package runner

import "os"

// terminateProcess kills the agent process. Windows has no SIGTERM; Kill is
// the only portable termination.
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
