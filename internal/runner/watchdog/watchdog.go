// Package watchdog ties the supervisor's lifetime to a parent process. When
// a parent launches ralph-runner with RALPH_PARENT_WATCHDOG=1 it must write
// heartbeat lines to the child's stdin; missed heartbeats or EOF trigger a
// graceful shutdown, so an orphaned supervisor never outlives its parent.
package watchdog

import (
	"bufio"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/logger"
)

// EnvVar enables the watchdog when set to "1" in the supervisor's environment.
const EnvVar = "RALPH_PARENT_WATCHDOG"

// DefaultTimeout is how long the watchdog waits between heartbeats.
const DefaultTimeout = 15 * time.Second

// Enabled reports whether the current process was started under a watchdog.
func Enabled() bool {
	return os.Getenv(EnvVar) == "1"
}

// Watchdog monitors a heartbeat stream and fires a shutdown callback once.
type Watchdog struct {
	reader   io.Reader
	timeout  time.Duration
	shutdown func(reason string)
	logger   *logger.Logger

	beat   chan struct{}
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a watchdog over the given heartbeat stream. shutdown is called
// at most once, from a watchdog goroutine.
func New(r io.Reader, timeout time.Duration, shutdown func(reason string), log *logger.Logger) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Default()
	}
	return &Watchdog{
		reader:   r,
		timeout:  timeout,
		shutdown: shutdown,
		logger:   log.WithFields(zap.String("component", "watchdog")),
		beat:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start begins reading heartbeats and watching the deadline.
func (w *Watchdog) Start() {
	w.wg.Add(2)
	go w.readLoop()
	go w.watchLoop()
	w.logger.Info("Parent watchdog armed", zap.Duration("timeout", w.timeout))
}

// Stop disarms the watchdog. The blocked stdin read is left to die with the
// process; only the deadline watcher is stopped.
func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.stopCh) })
}

func (w *Watchdog) readLoop() {
	defer w.wg.Done()
	scanner := bufio.NewScanner(w.reader)
	for scanner.Scan() {
		select {
		case w.beat <- struct{}{}:
		default:
		}
	}
	select {
	case <-w.stopCh:
	default:
		w.fire("heartbeat stream closed")
	}
}

func (w *Watchdog) watchLoop() {
	defer w.wg.Done()
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-w.beat:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.timeout)
		case <-timer.C:
			w.fire("heartbeat timeout")
			return
		}
	}
}

func (w *Watchdog) fire(reason string) {
	w.once.Do(func() {
		close(w.stopCh)
		w.logger.Warn("Parent watchdog tripped", zap.String("reason", reason))
		if w.shutdown != nil {
			w.shutdown(reason)
		}
	})
}
