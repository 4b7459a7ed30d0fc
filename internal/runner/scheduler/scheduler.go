// Package scheduler runs the supervisor's poll loop: reconcile, recover,
// promote, then launch ready executions up to the effective concurrency.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events"
	"github.com/ralphdev/ralph/internal/events/bus"
	"github.com/ralphdev/ralph/internal/runner/launcher"
	"github.com/ralphdev/ralph/internal/runner/reconciler"
	"github.com/ralphdev/ralph/internal/runner/recovery"
	"github.com/ralphdev/ralph/internal/state"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// PromptGenerator builds the kickoff prompt handed to a launched agent.
type PromptGenerator interface {
	Generate(ctx context.Context, exec *v1.Execution, stories []*v1.UserStory) (string, error)
}

// Config holds scheduler configuration.
type Config struct {
	PollInterval time.Duration // poll cycle cadence
	// MaxConcurrency caps simultaneous starting+running executions. Zero or
	// negative means derive the cap from stored config and free memory only.
	MaxConcurrency int
	LaunchTimeout  time.Duration // age at which an unresolved starting claim is swept
	DrainGrace     time.Duration // shutdown wait for in-flight launches
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:  5 * time.Second,
		LaunchTimeout: time.Minute,
		DrainGrace:    10 * time.Second,
	}
}

// Scheduler drives the poll loop. Each tick is a full pass; no state is
// carried between ticks beyond the in-flight launch set, so a crashed or
// restarted supervisor picks up exactly where the store says it left off.
type Scheduler struct {
	store      *state.Store
	launcher   launcher.Launcher
	reconciler *reconciler.Reconciler
	recovery   *recovery.Policy
	memory     MemoryProbe
	prompts    PromptGenerator
	bus        bus.EventBus

	config Config
	logger *logger.Logger

	// activeLaunches tracks branches this process is currently claiming or
	// launching, so the sweep and the reconciler leave them alone.
	launchMu       sync.Mutex
	activeLaunches map[string]bool
	launchSem      *semaphore.Weighted
	launchWG       sync.WaitGroup

	// over-limit and memory-pause warnings fire once per episode
	overLimitWarned bool
	paused          atomic.Bool

	totalLaunched int64
	totalFailed   int64

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(
	store *state.Store,
	l launcher.Launcher,
	rec *reconciler.Reconciler,
	policy *recovery.Policy,
	memory MemoryProbe,
	prompts PromptGenerator,
	eventBus bus.EventBus,
	config Config,
	log *logger.Logger,
) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.LaunchTimeout <= 0 {
		config.LaunchTimeout = time.Minute
	}
	if memory == nil {
		memory = UnlimitedMemoryProbe{}
	}
	return &Scheduler{
		store:          store,
		launcher:       l,
		reconciler:     rec,
		recovery:       policy,
		memory:         memory,
		prompts:        prompts,
		bus:            eventBus,
		config:         config,
		logger:         log.WithFields(zap.String("component", "scheduler")),
		activeLaunches: make(map[string]bool),
		launchSem:      semaphore.NewWeighted(16),
	}
}

// Start begins the poll loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Int("max_concurrency", s.config.MaxConcurrency))
	s.publish(ctx, events.RunnerStarted, map[string]interface{}{
		"poll_interval_ms": s.config.PollInterval.Milliseconds(),
	})

	s.wg.Add(1)
	go s.processLoop(ctx)

	return nil
}

// Stop stops the poll loop and waits for in-flight launches up to the drain
// grace period. Launches that outlive the grace stay in starting; a later
// run's sweep or reconcile pass resolves them from the store.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		s.launchWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.DrainGrace):
		s.logger.Warn("drain grace elapsed with launches in flight")
	}

	s.publish(context.Background(), events.RunnerStopped, nil)
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the poll loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status returns the operator-visible snapshot.
func (s *Scheduler) Status(ctx context.Context) (*v1.SchedulerStatus, error) {
	execs, err := s.store.ListExecutions(ctx)
	if err != nil {
		return nil, err
	}
	st := &v1.SchedulerStatus{
		Running:       s.IsRunning(),
		Paused:        s.paused.Load(),
		TotalLaunched: atomic.LoadInt64(&s.totalLaunched),
		TotalFailed:   atomic.LoadInt64(&s.totalFailed),
	}
	for _, e := range execs {
		switch {
		case e.Status.IsActive():
			st.GlobalActive++
		case e.Status == v1.StatusReady:
			st.ReadyCount++
		case e.Status == v1.StatusPending:
			st.PendingCount++
		}
	}
	st.EffectiveConcurrency, _ = s.effectiveConcurrency(ctx)
	s.launchMu.Lock()
	for branch := range s.activeLaunches {
		st.ActiveLaunches = append(st.ActiveLaunches, branch)
	}
	s.launchMu.Unlock()
	sort.Strings(st.ActiveLaunches)
	return st, nil
}

// Tick runs one scheduling pass synchronously; the loop calls it each
// interval and tests call it directly.
func (s *Scheduler) Tick(ctx context.Context) {
	skip := s.inFlightBranches()

	if s.reconciler != nil {
		if err := s.reconciler.Reconcile(ctx, skip); err != nil {
			s.logger.Warn("reconcile pass failed", zap.Error(err))
		}
	}

	execs, err := s.store.ListExecutions(ctx)
	if err != nil {
		s.logger.Error("failed to list executions", zap.Error(err))
		return
	}

	s.sweepStuckLaunches(ctx, execs, skip)
	s.recoverInterrupted(ctx, execs)
	s.promotePending(ctx, execs)

	// Re-read: the steps above change statuses.
	execs, err = s.store.ListExecutions(ctx)
	if err != nil {
		s.logger.Error("failed to list executions", zap.Error(err))
		return
	}
	s.launchReady(ctx, execs)
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler poll loop started")

	// First pass immediately rather than waiting a full interval.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.logger.Info("scheduler stopping due to stop signal")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) inFlightBranches() map[string]bool {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	skip := make(map[string]bool, len(s.activeLaunches))
	for b := range s.activeLaunches {
		skip[b] = true
	}
	return skip
}

// sweepStuckLaunches requeues starting records whose claim aged past the
// launch timeout without resolving. In-flight claims of this process are
// excluded; everything else in starting is an orphan from a dead run.
func (s *Scheduler) sweepStuckLaunches(ctx context.Context, execs []*v1.Execution, skip map[string]bool) {
	now := time.Now()
	for _, e := range execs {
		if e.Status != v1.StatusStarting || skip[e.Branch] {
			continue
		}
		if e.LaunchAttemptAt != nil && now.Sub(*e.LaunchAttemptAt) < s.config.LaunchTimeout {
			continue
		}
		s.logger.Warn("sweeping stuck launch",
			zap.String("execution_id", e.ID),
			zap.String("branch", e.Branch),
			zap.Int("attempts", e.LaunchAttempts))
		if _, err := s.recovery.HandleLaunchFailure(ctx, e, "Launch timeout"); err != nil {
			s.logger.Error("failed to sweep stuck launch",
				zap.String("execution_id", e.ID), zap.Error(err))
		}
	}
}

// recoverInterrupted requeues interrupted executions through the recovery
// budget.
func (s *Scheduler) recoverInterrupted(ctx context.Context, execs []*v1.Execution) {
	for _, e := range execs {
		if e.Status != v1.StatusInterrupted {
			continue
		}
		reason := v1.FailureStale
		if e.ReconcileReason != "" {
			reason = v1.FailureReason(e.ReconcileReason)
		}
		if _, err := s.recovery.Recover(ctx, e, reason, e.LastError); err != nil {
			s.logger.Error("failed to recover interrupted execution",
				zap.String("execution_id", e.ID), zap.Error(err))
		}
	}
}

// promotePending moves pending executions whose dependencies are all
// satisfied to ready.
func (s *Scheduler) promotePending(ctx context.Context, execs []*v1.Execution) {
	for _, e := range execs {
		if e.Status != v1.StatusPending {
			continue
		}
		status, err := s.store.AreDependenciesSatisfied(ctx, state.DependencyQuery{
			Dependencies: e.Dependencies,
			ProjectRoot:  e.ProjectRoot,
			PRDPath:      e.PRDPath,
		})
		if err != nil {
			s.logger.Warn("dependency check failed",
				zap.String("execution_id", e.ID), zap.Error(err))
			continue
		}
		if !status.Satisfied {
			continue
		}
		updated, err := s.store.UpdateExecution(ctx, e.ID,
			state.NewPatch().Status(v1.StatusReady).ClearLastError())
		if err != nil {
			s.logger.Error("failed to promote execution",
				zap.String("execution_id", e.ID), zap.Error(err))
			continue
		}
		s.logger.Info("dependencies satisfied, execution promoted",
			zap.String("execution_id", e.ID),
			zap.String("branch", e.Branch))
		s.publish(ctx, events.PRDPromoted, map[string]interface{}{
			"execution_id": updated.ID,
			"branch":       updated.Branch,
		})
	}
}

// launchReady claims and launches ready executions, highest priority first,
// FIFO within a priority, until the effective concurrency is reached.
func (s *Scheduler) launchReady(ctx context.Context, execs []*v1.Execution) {
	limit, memSlots := s.effectiveConcurrency(ctx)

	if memSlots == 0 {
		if !s.paused.Swap(true) {
			s.logger.Warn("launches paused: insufficient free memory")
			s.publish(ctx, events.RunnerPaused, map[string]interface{}{
				"reason": "insufficient free memory",
			})
		}
		return
	}
	s.paused.Store(false)

	active := 0
	var ready []*v1.Execution
	for _, e := range execs {
		switch {
		case e.Status.IsActive():
			active++
		case e.Status == v1.StatusReady:
			ready = append(ready, e)
		}
	}

	if active > limit {
		if !s.overLimitWarned {
			s.logger.Warn("active executions exceed concurrency limit; not launching",
				zap.Int("active", active), zap.Int("limit", limit))
			s.overLimitWarned = true
		}
		return
	}
	s.overLimitWarned = false

	sort.SliceStable(ready, func(i, j int) bool {
		ri, rj := ready[i].Priority.Rank(), ready[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	for _, e := range ready {
		if active >= limit {
			return
		}
		if s.beginLaunch(ctx, e) {
			active++
		}
	}
}

// beginLaunch claims the execution and hands it to the launcher on a worker
// goroutine. Returns true when the claim succeeded and a slot is consumed.
func (s *Scheduler) beginLaunch(ctx context.Context, e *v1.Execution) bool {
	s.launchMu.Lock()
	if s.activeLaunches[e.Branch] {
		s.launchMu.Unlock()
		return false
	}
	s.activeLaunches[e.Branch] = true
	s.launchMu.Unlock()

	release := func() {
		s.launchMu.Lock()
		delete(s.activeLaunches, e.Branch)
		s.launchMu.Unlock()
	}

	claim, err := s.store.ClaimReadyExecution(ctx, e.Branch)
	if err != nil {
		release()
		s.logger.Error("claim failed",
			zap.String("branch", e.Branch), zap.Error(err))
		return false
	}
	if !claim.Success {
		// Lost the race; another actor moved the record first.
		release()
		s.logger.Debug("claim rejected",
			zap.String("branch", e.Branch), zap.String("reason", claim.Error))
		return false
	}

	if err := s.launchSem.Acquire(ctx, 1); err != nil {
		release()
		return false
	}
	s.launchWG.Add(1)
	go func() {
		defer s.launchWG.Done()
		defer s.launchSem.Release(1)
		defer release()
		s.runLaunch(ctx, claim.Execution)
	}()
	return true
}

func (s *Scheduler) runLaunch(ctx context.Context, exec *v1.Execution) {
	stories, err := s.store.ListUserStories(ctx, exec.ID)
	if err != nil {
		s.logger.Warn("could not load stories for prompt",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}

	prompt := ""
	if s.prompts != nil {
		prompt, err = s.prompts.Generate(ctx, exec, stories)
		if err != nil {
			s.logger.Error("prompt generation failed",
				zap.String("execution_id", exec.ID), zap.Error(err))
			s.finishLaunchFailure(ctx, exec, "prompt generation failed: "+err.Error())
			return
		}
	}

	result, err := s.launcher.Launch(ctx, &launcher.LaunchRequest{
		ExecutionID:  exec.ID,
		Branch:       exec.Branch,
		Prompt:       prompt,
		WorktreePath: exec.WorktreePath,
	})
	if err != nil {
		s.finishLaunchFailure(ctx, exec, err.Error())
		return
	}
	if !result.Success {
		s.finishLaunchFailure(ctx, exec, result.Error)
		return
	}

	patch := state.NewPatch().
		Status(v1.StatusRunning).
		MarkRunning().
		AgentTaskID(result.AgentTaskID).
		AgentPID(result.AgentPID).
		LogPath(result.LogPath).
		ClearLastError()
	updated, err := s.store.UpdateExecution(ctx, exec.ID, patch)
	if err != nil {
		s.logger.Error("failed to record running state",
			zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}

	atomic.AddInt64(&s.totalLaunched, 1)
	s.logger.Info("agent launched",
		zap.String("execution_id", exec.ID),
		zap.String("branch", exec.Branch),
		zap.Int("pid", result.AgentPID),
		zap.Int("attempt", exec.LaunchAttempts))
	s.publish(ctx, events.PRDStarted, map[string]interface{}{
		"execution_id": updated.ID,
		"branch":       updated.Branch,
		"pid":          result.AgentPID,
	})
}

func (s *Scheduler) finishLaunchFailure(ctx context.Context, exec *v1.Execution, detail string) {
	atomic.AddInt64(&s.totalFailed, 1)
	if _, err := s.recovery.HandleLaunchFailure(ctx, exec, detail); err != nil {
		s.logger.Error("failed to record launch failure",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

// effectiveConcurrency is the minimum of the configured cap, the stored
// runtime cap, and the memory-derived capacity. The second return is the raw
// memory capacity; zero pauses launching entirely.
func (s *Scheduler) effectiveConcurrency(ctx context.Context) (int, int) {
	limit := s.config.MaxConcurrency

	if stored, err := s.store.GetRunnerConfig(ctx); err == nil && stored.MaxConcurrency > 0 {
		if limit <= 0 || stored.MaxConcurrency < limit {
			limit = stored.MaxConcurrency
		}
	}

	memSlots, err := s.memory.AvailableSlots()
	if err != nil {
		s.logger.Warn("memory probe failed, ignoring memory gate", zap.Error(err))
		memSlots = 1 << 30
	}
	if limit <= 0 || memSlots < limit {
		if memSlots > 0 {
			limit = memSlots
		}
	}
	if limit <= 0 {
		limit = 1
	}
	return limit, memSlots
}

func (s *Scheduler) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "scheduler", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
