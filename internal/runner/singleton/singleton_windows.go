//go:build windows

package singleton

import (
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"

	"github.com/ralphdev/ralph/internal/common/logger"
)

const pipePath = `\\.\pipe\ralph-runner`

// listen binds the singleton named pipe. The kernel removes a pipe when its
// owner dies, so a bind failure with a live dialer is the only busy signal.
func listen(_ string, _ *logger.Logger) (net.Listener, bool, error) {
	ln, err := winio.ListenPipe(pipePath, nil)
	if err == nil {
		return ln, false, nil
	}

	timeout := 2 * time.Second
	conn, dialErr := winio.DialPipe(pipePath, &timeout)
	if dialErr == nil {
		conn.Close()
		return nil, true, nil
	}
	return nil, false, fmt.Errorf("bind singleton pipe: %w", err)
}
