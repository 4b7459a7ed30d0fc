// Package reconciler corrects drift between recorded execution state and
// observed reality: dead agents, deleted or merged branches, missing
// worktrees, stalled startups, and stale agents.
package reconciler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events"
	"github.com/ralphdev/ralph/internal/events/bus"
	"github.com/ralphdev/ralph/internal/runner/health"
	"github.com/ralphdev/ralph/internal/runner/launcher"
	"github.com/ralphdev/ralph/internal/runner/recovery"
	"github.com/ralphdev/ralph/internal/state"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// startupGraceAfterLaunch is how long after a launch attempt a store update
// alone counts as startup confirmation.
const startupGraceAfterLaunch = 5 * time.Second

// GitClient is the slice of the git client the reconciler drives. Satisfied
// by *gitx.Client.
type GitClient interface {
	Fetch(ctx context.Context) error
	BranchExists(ctx context.Context, branch string) (bool, error)
	BranchHead(ctx context.Context, branch string) (string, error)
	MergedBranches(ctx context.Context) (map[string]bool, error)
	RemoveWorktree(ctx context.Context, worktreePath string) error
}

// Options configures one reconciler.
type Options struct {
	// StartupTimeout bounds how long a running execution may go without a
	// confirmed sign of agent activity before it counts as a startup failure.
	StartupTimeout time.Duration
	// ProcessAlive probes a PID; overridable in tests.
	ProcessAlive func(pid int) bool
}

// Reconciler walks the execution table each pass and applies corrections.
// Every correction is a store transition, so passes are idempotent: a
// corrected record no longer matches its trigger condition.
type Reconciler struct {
	store    *state.Store
	git      GitClient
	monitor  *health.Monitor
	recovery *recovery.Policy
	bus      bus.EventBus

	startupTimeout time.Duration
	processAlive   func(pid int) bool

	logger *logger.Logger
	now    func() time.Time
}

// New creates a reconciler. The event bus and git client may be nil; git
// corrections are skipped without a client.
func New(store *state.Store, git GitClient, monitor *health.Monitor, policy *recovery.Policy, eventBus bus.EventBus, opts Options, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 2 * time.Minute
	}
	if opts.ProcessAlive == nil {
		opts.ProcessAlive = launcher.ProcessAlive
	}
	return &Reconciler{
		store:          store,
		git:            git,
		monitor:        monitor,
		recovery:       policy,
		bus:            eventBus,
		startupTimeout: opts.StartupTimeout,
		processAlive:   opts.ProcessAlive,
		logger:         log.WithFields(zap.String("component", "reconciler")),
		now:            time.Now,
	}
}

// SetClock overrides the reconciler's clock; used by tests.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Reconcile runs one correction pass. Branches in skip are launches this
// process currently has in flight; their records are left alone so the
// reconciler never races its own scheduler.
func (r *Reconciler) Reconcile(ctx context.Context, skip map[string]bool) error {
	execs, err := r.store.ListExecutions(ctx)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}

	var merged map[string]bool
	if r.git != nil {
		if err := r.git.Fetch(ctx); err != nil {
			r.logger.Warn("Fetch failed, using local refs", zap.Error(err))
		}
		merged, err = r.git.MergedBranches(ctx)
		if err != nil {
			r.logger.Warn("Could not list merged branches", zap.Error(err))
			merged = nil
		}
	}

	for _, exec := range execs {
		if skip[exec.Branch] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.reconcileOne(ctx, exec, merged); err != nil {
			r.logger.Warn("Reconcile failed for execution",
				zap.String("execution_id", exec.ID),
				zap.String("branch", exec.Branch),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, exec *v1.Execution, merged map[string]bool) error {
	// Branch-level corrections apply to failed records too: a branch that
	// landed after its execution failed still means the work shipped.
	switch exec.Status {
	case v1.StatusRunning, v1.StatusMerging, v1.StatusFailed, v1.StatusInterrupted, v1.StatusCompleted:
		if handled, err := r.checkBranch(ctx, exec, merged); handled || err != nil {
			return err
		}
	}

	if exec.Status != v1.StatusRunning {
		return nil
	}

	if handled, err := r.checkStories(ctx, exec); handled || err != nil {
		return err
	}
	if handled, err := r.checkWorktree(ctx, exec); handled || err != nil {
		return err
	}
	if handled, err := r.checkProcess(ctx, exec); handled || err != nil {
		return err
	}
	if handled, err := r.checkStartup(ctx, exec); handled || err != nil {
		return err
	}
	return r.checkStaleness(ctx, exec)
}

// checkBranch detects merged and deleted branches. A branch only counts as
// merged when its head moved past the recorded base commit; an unmodified
// branch showing as "merged" is an ancestry artifact, not landed work.
func (r *Reconciler) checkBranch(ctx context.Context, exec *v1.Execution, merged map[string]bool) (bool, error) {
	if r.git == nil || exec.Branch == "" {
		return false, nil
	}

	exists, err := r.git.BranchExists(ctx, exec.Branch)
	if err != nil {
		return false, err
	}

	if exists && merged != nil && merged[exec.Branch] {
		head, err := r.git.BranchHead(ctx, exec.Branch)
		if err != nil {
			return false, err
		}
		if exec.BaseCommitSHA != "" && head == exec.BaseCommitSHA {
			// Ghost merge: no commits beyond the base. Leave the record alone.
			return false, nil
		}
		return true, r.markMerged(ctx, exec, head)
	}

	if !exists {
		switch exec.Status {
		case v1.StatusFailed:
			// Already terminal; nothing to correct.
			return false, nil
		}
		return true, r.markFailedAndArchive(ctx, exec, v1.FailureBranchDeleted,
			fmt.Sprintf("Branch %s no longer exists", exec.Branch))
	}
	return false, nil
}

func (r *Reconciler) markMerged(ctx context.Context, exec *v1.Execution, head string) error {
	now := r.now().UTC()
	patch := state.NewPatch().
		Status(v1.StatusMerged).
		ClearAgent().
		MergedAt(now).
		MergeCommitSHA(head).
		ReconcileReason(string(v1.FailureBranchMerged))
	updated, err := r.store.UpdateExecution(ctx, exec.ID, patch, state.SkipTransitionValidation())
	if err != nil {
		return err
	}
	r.logger.Info("Branch merged, execution closed",
		zap.String("execution_id", exec.ID),
		zap.String("branch", exec.Branch))
	r.publish(ctx, events.PRDMerged, updated, nil)

	if exec.WorktreePath != "" {
		if err := r.git.RemoveWorktree(ctx, exec.WorktreePath); err != nil {
			r.logger.Warn("Worktree cleanup failed",
				zap.String("worktree", exec.WorktreePath), zap.Error(err))
		}
	}
	_ = r.store.DeleteMergeQueueByExecutionID(ctx, exec.ID)
	return r.archive(ctx, updated)
}

func (r *Reconciler) markFailedAndArchive(ctx context.Context, exec *v1.Execution, reason v1.FailureReason, detail string) error {
	patch := state.NewPatch().
		Status(v1.StatusFailed).
		ClearAgent().
		LastError(detail).
		ReconcileReason(string(reason))
	updated, err := r.store.UpdateExecution(ctx, exec.ID, patch, state.SkipTransitionValidation())
	if err != nil {
		return err
	}
	r.logger.Warn("Execution failed during reconcile",
		zap.String("execution_id", exec.ID),
		zap.String("branch", exec.Branch),
		zap.String("reason", string(reason)))
	r.publish(ctx, events.PRDFailed, updated, map[string]interface{}{
		"reason": string(reason),
		"error":  detail,
	})
	return r.archive(ctx, updated)
}

func (r *Reconciler) archive(ctx context.Context, exec *v1.Execution) error {
	if err := r.store.ArchiveExecution(ctx, exec.ID); err != nil {
		return err
	}
	r.publish(ctx, events.PRDArchived, exec, nil)
	return nil
}

// checkStories short-circuits a running execution to completed once every
// user story passes, without waiting for the agent to exit.
func (r *Reconciler) checkStories(ctx context.Context, exec *v1.Execution) (bool, error) {
	stories, err := r.store.ListUserStories(ctx, exec.ID)
	if err != nil || len(stories) == 0 {
		return false, err
	}
	for _, s := range stories {
		if !s.Passes {
			return false, nil
		}
	}

	patch := state.NewPatch().
		Status(v1.StatusCompleted).
		ReconcileReason("all user stories passing")
	updated, err := r.store.UpdateExecution(ctx, exec.ID, patch)
	if err != nil {
		return false, err
	}
	r.logger.Info("All stories passing, execution completed",
		zap.String("execution_id", exec.ID),
		zap.String("branch", exec.Branch),
		zap.Int("stories", len(stories)))
	r.publish(ctx, events.PRDCompleted, updated, map[string]interface{}{
		"stories": len(stories),
	})
	return true, nil
}

func (r *Reconciler) checkWorktree(ctx context.Context, exec *v1.Execution) (bool, error) {
	if exec.WorktreePath == "" {
		return false, nil
	}
	if _, err := os.Stat(exec.WorktreePath); err == nil || !os.IsNotExist(err) {
		return false, nil
	}
	return true, r.markFailedAndArchive(ctx, exec, v1.FailureWorktreeGone,
		fmt.Sprintf("Worktree %s is missing", exec.WorktreePath))
}

// checkProcess hands dead agents to the recovery policy.
func (r *Reconciler) checkProcess(ctx context.Context, exec *v1.Execution) (bool, error) {
	if exec.AgentPID == 0 {
		return false, nil
	}
	if r.processAlive(exec.AgentPID) {
		return false, nil
	}
	r.logger.Warn("Agent process is gone",
		zap.String("execution_id", exec.ID),
		zap.Int("pid", exec.AgentPID))
	_, err := r.recovery.HandleFailure(ctx, exec, v1.FailureProcessExit,
		fmt.Sprintf("Agent process %d exited unexpectedly", exec.AgentPID))
	return true, err
}

// checkStartup confirms that a freshly launched agent actually started
// producing signs of life, or fails it once the startup timeout lapses.
func (r *Reconciler) checkStartup(ctx context.Context, exec *v1.Execution) (bool, error) {
	if exec.StartupConfirmedAt != nil || exec.LaunchAttemptAt == nil {
		return false, nil
	}
	launchedAt := *exec.LaunchAttemptAt

	// The scheduler's own running write bumps updatedAt, so it must not count
	// as a sign of life. With the transition timestamp recorded, confirmation
	// requires the record to have moved past it; older records without one
	// fall back to a short grace window after the claim.
	var confirmed bool
	if exec.RunningAt != nil {
		confirmed = exec.UpdatedAt.After(*exec.RunningAt)
	} else {
		confirmed = exec.UpdatedAt.After(launchedAt.Add(startupGraceAfterLaunch))
	}
	if !confirmed && exec.WorktreePath != "" {
		for _, rel := range []string{filepath.Join(".ralph", "progress.md"), "PROGRESS.md"} {
			if info, err := os.Stat(filepath.Join(exec.WorktreePath, rel)); err == nil && info.ModTime().After(launchedAt) {
				confirmed = true
				break
			}
		}
	}
	if !confirmed && exec.LogPath != "" {
		if info, err := os.Stat(exec.LogPath); err == nil && info.ModTime().After(launchedAt) {
			confirmed = true
		}
	}

	if confirmed {
		_, err := r.store.UpdateExecution(ctx, exec.ID,
			state.NewPatch().StartupConfirmedAt(r.now().UTC()))
		return false, err
	}

	if r.now().Sub(launchedAt) < r.startupTimeout {
		return false, nil
	}
	r.logger.Warn("Agent never confirmed startup",
		zap.String("execution_id", exec.ID),
		zap.Duration("waited", r.now().Sub(launchedAt)))
	_, err := r.recovery.HandleFailure(ctx, exec, v1.FailureStartup,
		fmt.Sprintf("Agent did not confirm startup within %s", r.startupTimeout))
	return true, err
}

// checkStaleness marks a stale running execution interrupted, leaving the
// requeue decision to the recovery step of the next scheduler pass.
func (r *Reconciler) checkStaleness(ctx context.Context, exec *v1.Execution) error {
	if r.monitor == nil {
		return nil
	}
	assessment := r.monitor.Assess(ctx, exec)

	if !assessment.Stale {
		return r.store.SetExecutionHealth(ctx, exec.ID, assessment.Label, assessment.LastActivity)
	}

	patch := state.NewPatch().
		HealthStatus(assessment.Label).
		LastActivityAt(assessment.LastActivity).
		Status(v1.StatusInterrupted).
		LastError(fmt.Sprintf("No activity for %s (task type %s)",
			assessment.IdleFor.Round(time.Second), assessment.TaskType)).
		ReconcileReason(string(v1.FailureStale))
	updated, err := r.store.UpdateExecution(ctx, exec.ID, patch)
	if err != nil {
		return err
	}
	r.logger.Warn("Execution went stale",
		zap.String("execution_id", exec.ID),
		zap.String("branch", exec.Branch),
		zap.Duration("idle", assessment.IdleFor),
		zap.String("task_type", string(assessment.TaskType)))
	r.publish(ctx, events.RunnerLog, updated, map[string]interface{}{
		"message": "execution interrupted: stale",
	})
	return nil
}

func (r *Reconciler) publish(ctx context.Context, eventType string, exec *v1.Execution, extra map[string]interface{}) {
	if r.bus == nil {
		return
	}
	data := map[string]interface{}{
		"execution_id": exec.ID,
		"branch":       exec.Branch,
		"status":       string(exec.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := r.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "reconciler", data)); err != nil {
		r.logger.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
