//go:build !windows

package singleton

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/logger"
)

const socketName = "ralph-runner.sock"

// listen binds the singleton unix socket. A socket file left by a dead
// supervisor fails the bind; it only counts as a live guard when something
// answers a dial, otherwise it is removed and the bind retried once.
func listen(dataDir string, log *logger.Logger) (net.Listener, bool, error) {
	path := filepath.Join(dataDir, socketName)

	ln, err := net.Listen("unix", path)
	if err == nil {
		return ln, false, nil
	}

	conn, dialErr := net.DialTimeout("unix", path, 2*time.Second)
	if dialErr == nil {
		conn.Close()
		return nil, true, nil
	}

	log.Info("Reclaiming stale singleton socket", zap.String("path", path))
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, false, fmt.Errorf("remove stale socket: %w", rmErr)
	}
	ln, err = net.Listen("unix", path)
	if err != nil {
		return nil, false, fmt.Errorf("bind singleton socket: %w", err)
	}
	return ln, false, nil
}
