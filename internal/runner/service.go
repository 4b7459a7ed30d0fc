// Package runner wires the state store, git client, health monitor, recovery
// policy, reconciler, and scheduler into the supervisor service, and exposes
// the enqueue/retry/stop operations the API and CLI call.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/config"
	apperrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events"
	"github.com/ralphdev/ralph/internal/events/bus"
	"github.com/ralphdev/ralph/internal/gitx"
	"github.com/ralphdev/ralph/internal/prd"
	"github.com/ralphdev/ralph/internal/runner/health"
	"github.com/ralphdev/ralph/internal/runner/launcher"
	"github.com/ralphdev/ralph/internal/runner/reconciler"
	"github.com/ralphdev/ralph/internal/runner/recovery"
	"github.com/ralphdev/ralph/internal/runner/scheduler"
	"github.com/ralphdev/ralph/internal/state"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// Service is the supervisor: a store, an observer stack, and a scheduler.
type Service struct {
	cfg       *config.Config
	store     *state.Store
	git       *gitx.Client
	bus       bus.EventBus
	monitor   *health.Monitor
	recovery  *recovery.Policy
	reconcile *reconciler.Reconciler
	scheduler *scheduler.Scheduler
	logger    *logger.Logger

	mu      sync.Mutex
	running bool
}

// NewService builds the supervisor from configuration. projectRoot anchors
// git operations and dependency resolution; the event bus may be shared with
// other components.
func NewService(cfg *config.Config, projectRoot string, eventBus bus.EventBus, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Default()
	}

	store, err := state.Open(cfg.Store.DataDir, state.Options{
		LockStale:       cfg.Store.LockStale(),
		LockRefresh:     cfg.Store.LockRefresh(),
		BackupRetention: cfg.Store.BackupRetention,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	git := gitx.NewClient(projectRoot, 15*time.Second, log)
	monitor := health.NewMonitor(health.FromAppConfig(cfg.Health), git, log)

	policy := recovery.NewPolicy(store, eventBus, recovery.Options{
		MaxAttempts:  cfg.Runner.MaxRecoveryAttempts,
		MaxRetries:   cfg.Runner.MaxRetries,
		AutoRecovery: cfg.Runner.AutoRecovery,
	}, log)

	rec := reconciler.New(store, git, monitor, policy, eventBus, reconciler.Options{
		StartupTimeout: cfg.Runner.StartupTimeout(),
	}, log)

	launch := launcher.NewProcessLauncher(
		cfg.Runner.AgentCommand,
		cfg.Runner.AgentArgs,
		filepath.Join(cfg.Store.DataDir, "logs"),
		cfg.Runner.StartupWindow(),
		log,
	)

	memory := &scheduler.SystemMemoryProbe{
		ReservedGB: cfg.Runner.MemoryReservedGB,
		PerAgentGB: cfg.Runner.MemoryPerAgentGB,
	}

	sched := scheduler.New(store, launch, rec, policy, memory, DefaultPromptGenerator{}, eventBus, scheduler.Config{
		PollInterval:   cfg.Runner.PollInterval(),
		MaxConcurrency: cfg.Runner.MaxConcurrency,
		LaunchTimeout:  cfg.Runner.LaunchTimeout(),
		DrainGrace:     cfg.Runner.DrainGrace(),
	}, log)

	return &Service{
		cfg:       cfg,
		store:     store,
		git:       git,
		bus:       eventBus,
		monitor:   monitor,
		recovery:  policy,
		reconcile: rec,
		scheduler: sched,
		logger:    log.WithFields(zap.String("component", "runner")),
	}, nil
}

// Store exposes the state store to the API layer.
func (s *Service) Store() *state.Store { return s.store }

// Scheduler exposes the scheduler to the API layer.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Start marks interrupted work and begins the poll loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	if err := s.markInterrupted(ctx); err != nil {
		s.logger.Warn("startup interruption sweep failed", zap.Error(err))
	}
	return s.scheduler.Start(ctx)
}

// Stop shuts the service down, draining in-flight launches.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	s.mu.Unlock()

	return s.scheduler.Stop()
}

// markInterrupted sweeps records a previous run left active. Agents whose
// process survived the supervisor restart are left running; the rest are
// marked interrupted for the recovery step to requeue.
func (s *Service) markInterrupted(ctx context.Context) error {
	execs, err := s.store.ListExecutions(ctx)
	if err != nil {
		return err
	}
	for _, e := range execs {
		if !e.Status.IsActive() {
			continue
		}
		if e.Status == v1.StatusRunning && e.AgentPID != 0 && launcher.ProcessAlive(e.AgentPID) {
			s.logger.Info("agent survived supervisor restart",
				zap.String("execution_id", e.ID), zap.Int("pid", e.AgentPID))
			continue
		}
		patch := state.NewPatch().
			Status(v1.StatusInterrupted).
			LastError("Supervisor restarted while execution was active").
			ReconcileReason(string(v1.FailureProcessExit))
		if _, err := s.store.UpdateExecution(ctx, e.ID, patch, state.SkipTransitionValidation()); err != nil {
			s.logger.Warn("could not mark execution interrupted",
				zap.String("execution_id", e.ID), zap.Error(err))
		}
	}
	return nil
}

// EnqueueOptions are caller overrides for Enqueue.
type EnqueueOptions struct {
	Branch   string
	Priority v1.Priority
	Project  string
}

// Enqueue parses a PRD file and inserts a new execution for it. The record
// starts pending when the PRD declares unsatisfied dependencies, otherwise
// ready.
func (s *Service) Enqueue(ctx context.Context, prdPath string, opts EnqueueOptions) (*v1.Execution, error) {
	abs, err := filepath.Abs(prdPath)
	if err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("invalid PRD path: %v", err))
	}
	doc, err := prd.ParseFile(abs)
	if err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("parse PRD: %v", err))
	}

	branch := opts.Branch
	if branch == "" {
		branch = doc.BranchName
	}
	priority := opts.Priority
	if priority == "" {
		priority = doc.Priority
	}

	exec := &v1.Execution{
		Branch:       branch,
		Project:      opts.Project,
		Description:  doc.Description,
		PRDPath:      abs,
		ProjectRoot:  s.git.RepoRoot(),
		Priority:     priority,
		Dependencies: doc.Dependencies,
	}

	var stories []*v1.UserStory
	for _, st := range doc.UserStories {
		stories = append(stories, &v1.UserStory{
			StoryID:            st.StoryID,
			Title:              st.Title,
			Description:        st.Description,
			AcceptanceCriteria: st.AcceptanceCriteria,
			Priority:           priority,
		})
	}

	inserted, err := s.store.InsertExecution(ctx, exec, stories)
	if err != nil {
		return nil, err
	}
	s.logger.Info("execution enqueued",
		zap.String("execution_id", inserted.ID),
		zap.String("branch", inserted.Branch),
		zap.String("prd", abs),
		zap.String("status", string(inserted.Status)))
	s.publish(ctx, events.PRDEnqueued, inserted)
	return inserted, nil
}

// Retry requeues a terminal execution as ready with a fresh launch budget.
// Operator intent overrides the exhausted recovery budget, but the recovery
// log is preserved.
func (s *Service) Retry(ctx context.Context, id string) (*v1.Execution, error) {
	exec, err := s.store.FindExecutionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exec.Status.IsTerminal() {
		return nil, apperrors.Conflict(fmt.Sprintf("execution is %s, only terminal executions can be retried", exec.Status))
	}
	patch := state.NewPatch().
		Status(v1.StatusReady).
		ClearAgent().
		ResetLaunchAttempts().
		ResetStagnation().
		ClearLastError().
		ReconcileReason("operator retry")
	updated, err := s.store.UpdateExecution(ctx, id, patch, state.SkipTransitionValidation())
	if err != nil {
		return nil, err
	}
	s.logger.Info("execution retried by operator",
		zap.String("execution_id", id), zap.String("branch", updated.Branch))
	s.publish(ctx, events.PRDPromoted, updated)
	return updated, nil
}

// StopExecution stops a non-terminal execution, terminating its agent if one
// is running.
func (s *Service) StopExecution(ctx context.Context, id string) (*v1.Execution, error) {
	exec, err := s.store.FindExecutionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, apperrors.Conflict(fmt.Sprintf("execution is already %s", exec.Status))
	}

	if exec.AgentPID != 0 && launcher.ProcessAlive(exec.AgentPID) {
		if err := terminateProcess(exec.AgentPID); err != nil {
			s.logger.Warn("could not terminate agent process",
				zap.Int("pid", exec.AgentPID), zap.Error(err))
		}
	}

	patch := state.NewPatch().
		Status(v1.StatusStopped).
		ClearAgent().
		ReconcileReason("operator stop")
	updated, err := s.store.UpdateExecution(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.logger.Info("execution stopped by operator",
		zap.String("execution_id", id), zap.String("branch", updated.Branch))
	s.publish(ctx, events.PRDStopped, updated)
	return updated, nil
}

// Archive moves a terminal execution into the archive.
func (s *Service) Archive(ctx context.Context, id string) error {
	exec, err := s.store.FindExecutionByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.ArchiveExecution(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.PRDArchived, exec)
	return nil
}

// QueueMerge appends a completed execution to the merge queue.
func (s *Service) QueueMerge(ctx context.Context, executionID string) (*v1.MergeQueueItem, error) {
	exec, err := s.store.FindExecutionByID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != v1.StatusCompleted {
		return nil, apperrors.Conflict(fmt.Sprintf("execution is %s, only completed executions can be queued for merge", exec.Status))
	}
	item, err := s.store.InsertMergeQueueItem(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.UpdateExecution(ctx, executionID,
		state.NewPatch().Status(v1.StatusMerging)); err != nil {
		return nil, err
	}
	s.logger.Info("execution queued for merge",
		zap.String("execution_id", executionID),
		zap.Int("position", item.Position))
	s.publish(ctx, events.MergeQueued, exec)
	return item, nil
}

// CleanupOrphanedWorktrees removes worktrees under the project whose branch
// no longer has an active execution. Paths still referenced by any live
// record are kept.
func (s *Service) CleanupOrphanedWorktrees(ctx context.Context, worktreeRoot string) (int, error) {
	execs, err := s.store.ListExecutions(ctx)
	if err != nil {
		return 0, err
	}
	inUse := make(map[string]bool, len(execs))
	for _, e := range execs {
		if e.WorktreePath != "" && !e.Status.IsTerminal() {
			inUse[filepath.Clean(e.WorktreePath)] = true
		}
	}

	entries, err := os.ReadDir(worktreeRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Clean(filepath.Join(worktreeRoot, entry.Name()))
		if inUse[path] {
			continue
		}
		if err := s.git.RemoveWorktree(ctx, path); err != nil {
			s.logger.Warn("orphaned worktree cleanup failed",
				zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("orphaned worktrees removed", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *Service) publish(ctx context.Context, eventType string, exec *v1.Execution) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"execution_id": exec.ID,
		"branch":       exec.Branch,
		"status":       string(exec.Status),
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "runner", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
