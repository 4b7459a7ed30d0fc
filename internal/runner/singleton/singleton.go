// Package singleton guarantees at most one supervisor per host. The guard is
// an OS-level rendezvous (a unix socket, a named pipe on Windows) rather than
// a pid file check alone, so a crashed supervisor never wedges the next run.
package singleton

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/logger"
)

// Guard holds the acquired singleton resources until released.
type Guard struct {
	listener net.Listener
	pidPath  string
	logger   *logger.Logger
}

// Acquire takes the host-wide singleton. alreadyRunning is true when a live
// supervisor holds the guard; stale remnants from a dead run are reclaimed.
func Acquire(dataDir string, log *logger.Logger) (guard *Guard, alreadyRunning bool, err error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "singleton"))

	ln, alreadyRunning, err := listen(dataDir, log)
	if err != nil || alreadyRunning {
		return nil, alreadyRunning, err
	}

	pidPath := filepath.Join(dataDir, "runner.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		ln.Close()
		return nil, false, fmt.Errorf("write pid file: %w", err)
	}

	g := &Guard{listener: ln, pidPath: pidPath, logger: log}
	go g.acceptLoop()

	log.Info("Singleton guard acquired", zap.Int("pid", os.Getpid()))
	return g, false, nil
}

// acceptLoop answers liveness probes from other would-be supervisors. A
// successful accept is the whole protocol; the connection is closed at once.
func (g *Guard) acceptLoop() {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

// Release drops the guard. Safe to call once on shutdown.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.listener.Close()
	if err := os.Remove(g.pidPath); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("Could not remove pid file", zap.Error(err))
	}
}
