// Package recovery decides whether a failed or interrupted execution is
// requeued for another attempt or marked terminally failed.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events"
	"github.com/ralphdev/ralph/internal/events/bus"
	"github.com/ralphdev/ralph/internal/state"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// Policy applies the recovery budget to executions the reconciler or health
// monitor flagged. All transitions go through the store so the audit trail
// in recoveryLog stays consistent with recoveryCount.
type Policy struct {
	store *state.Store
	bus   bus.EventBus

	maxAttempts int
	maxRetries  int
	autoRecover bool

	logger *logger.Logger
	now    func() time.Time
}

// Options configures the policy.
type Options struct {
	// MaxAttempts bounds auto-recovery per execution lifetime.
	MaxAttempts int
	// MaxRetries bounds launch attempts per queue pass.
	MaxRetries int
	// AutoRecovery gates all automatic requeueing. When false every failure
	// becomes terminal and waits for an operator retry.
	AutoRecovery bool
}

// NewPolicy creates a recovery policy. The event bus may be nil.
func NewPolicy(store *state.Store, eventBus bus.EventBus, opts Options, log *logger.Logger) *Policy {
	if log == nil {
		log = logger.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Policy{
		store:       store,
		bus:         eventBus,
		maxAttempts: opts.MaxAttempts,
		maxRetries:  opts.MaxRetries,
		autoRecover: opts.AutoRecovery,
		logger:      log.WithFields(zap.String("component", "recovery")),
		now:         time.Now,
	}
}

// HandleFailure processes a detected failure of a starting or running
// execution. Within budget the record is requeued as ready with the agent
// binding cleared; over budget (or with auto-recovery off) it becomes failed.
func (p *Policy) HandleFailure(ctx context.Context, exec *v1.Execution, reason v1.FailureReason, detail string) (*v1.Execution, error) {
	attempt := exec.RecoveryCount + 1

	if !p.autoRecover {
		return p.fail(ctx, exec, reason, detail, attempt, "auto recovery disabled")
	}
	if exec.RecoveryCount >= p.maxAttempts {
		return p.fail(ctx, exec, reason, detail, attempt, "max recovery attempts exceeded")
	}

	patch := state.NewPatch().
		Status(v1.StatusReady).
		ClearAgent().
		ResetLaunchAttempts().
		LastError(detail).
		ReconcileReason(string(reason)).
		AppendRecovery(v1.RecoveryEntry{
			Timestamp:     p.now().UTC(),
			Reason:        reason,
			AttemptNumber: attempt,
			Success:       true,
		})

	updated, err := p.store.UpdateExecution(ctx, exec.ID, patch, state.SkipTransitionValidation())
	if err != nil {
		return nil, fmt.Errorf("requeue execution %s: %w", exec.ID, err)
	}

	p.logger.Info("Execution requeued for recovery",
		zap.String("execution_id", exec.ID),
		zap.String("branch", exec.Branch),
		zap.String("reason", string(reason)),
		zap.Int("attempt", attempt))
	p.publish(ctx, events.PRDRecovered, updated, map[string]interface{}{
		"reason":  string(reason),
		"attempt": attempt,
	})
	return updated, nil
}

// Recover requeues an interrupted execution (typically after a supervisor
// restart found a dead agent). Stagnation counters reset so the fresh agent
// starts with a clean slate.
func (p *Policy) Recover(ctx context.Context, exec *v1.Execution, reason v1.FailureReason, detail string) (*v1.Execution, error) {
	if exec.Status != v1.StatusInterrupted {
		return nil, fmt.Errorf("recover execution %s: status is %s, want interrupted", exec.ID, exec.Status)
	}
	attempt := exec.RecoveryCount + 1

	if !p.autoRecover {
		return p.fail(ctx, exec, reason, detail, attempt, "auto recovery disabled")
	}
	if exec.RecoveryCount >= p.maxAttempts {
		return p.fail(ctx, exec, reason, detail, attempt, "max recovery attempts exceeded")
	}

	patch := state.NewPatch().
		Status(v1.StatusReady).
		ClearAgent().
		ResetLaunchAttempts().
		ResetStagnation().
		LastError(detail).
		ReconcileReason(string(reason)).
		AppendRecovery(v1.RecoveryEntry{
			Timestamp:     p.now().UTC(),
			Reason:        reason,
			AttemptNumber: attempt,
			Success:       true,
		})

	updated, err := p.store.UpdateExecution(ctx, exec.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("recover execution %s: %w", exec.ID, err)
	}

	p.logger.Info("Interrupted execution recovered",
		zap.String("execution_id", exec.ID),
		zap.String("branch", exec.Branch),
		zap.Int("attempt", attempt))
	p.publish(ctx, events.PRDRecovered, updated, map[string]interface{}{
		"reason":  string(reason),
		"attempt": attempt,
	})
	return updated, nil
}

// HandleLaunchFailure processes a failed launch attempt. The claim already
// incremented launchAttempts, so the count on the record is authoritative.
// Under the retry budget the record goes back to ready for the next pass;
// at the budget it fails terminally without consuming recovery attempts.
func (p *Policy) HandleLaunchFailure(ctx context.Context, exec *v1.Execution, detail string) (*v1.Execution, error) {
	if exec.LaunchAttempts >= p.maxRetries {
		msg := fmt.Sprintf("Launch failed after %d attempts", exec.LaunchAttempts)
		if detail != "" {
			msg = fmt.Sprintf("%s: %s", msg, detail)
		}
		patch := state.NewPatch().
			Status(v1.StatusFailed).
			ClearAgent().
			LastError(msg).
			ReconcileReason(string(v1.FailureLaunchError))
		updated, err := p.store.UpdateExecution(ctx, exec.ID, patch, state.SkipTransitionValidation())
		if err != nil {
			return nil, fmt.Errorf("fail execution %s: %w", exec.ID, err)
		}
		p.logger.Warn("Execution failed: launch retries exhausted",
			zap.String("execution_id", exec.ID),
			zap.String("branch", exec.Branch),
			zap.Int("attempts", exec.LaunchAttempts))
		p.publish(ctx, events.PRDFailed, updated, map[string]interface{}{
			"reason": string(v1.FailureLaunchError),
			"error":  msg,
		})
		return updated, nil
	}

	msg := detail
	if msg == "" {
		msg = "Launch timeout"
	}
	patch := state.NewPatch().
		Status(v1.StatusReady).
		ClearAgent().
		LastError(msg).
		ReconcileReason(string(v1.FailureLaunchError))
	updated, err := p.store.UpdateExecution(ctx, exec.ID, patch, state.SkipTransitionValidation())
	if err != nil {
		return nil, fmt.Errorf("requeue execution %s: %w", exec.ID, err)
	}
	p.logger.Warn("Launch attempt failed, execution requeued",
		zap.String("execution_id", exec.ID),
		zap.String("branch", exec.Branch),
		zap.Int("attempts", exec.LaunchAttempts),
		zap.String("error", msg))
	return updated, nil
}

// fail marks the execution terminally failed and records the attempt that
// was denied, so the audit trail shows why recovery stopped.
func (p *Policy) fail(ctx context.Context, exec *v1.Execution, reason v1.FailureReason, detail string, attempt int, why string) (*v1.Execution, error) {
	msg := detail
	if msg == "" {
		msg = why
	} else {
		msg = fmt.Sprintf("%s (%s)", detail, why)
	}

	patch := state.NewPatch().
		Status(v1.StatusFailed).
		ClearAgent().
		LastError(msg).
		ReconcileReason(string(reason)).
		AppendRecovery(v1.RecoveryEntry{
			Timestamp:     p.now().UTC(),
			Reason:        reason,
			AttemptNumber: attempt,
			Success:       false,
			Error:         why,
		})

	updated, err := p.store.UpdateExecution(ctx, exec.ID, patch, state.SkipTransitionValidation())
	if err != nil {
		return nil, fmt.Errorf("fail execution %s: %w", exec.ID, err)
	}

	p.logger.Warn("Execution failed",
		zap.String("execution_id", exec.ID),
		zap.String("branch", exec.Branch),
		zap.String("reason", string(reason)),
		zap.String("cause", why))
	p.publish(ctx, events.PRDFailed, updated, map[string]interface{}{
		"reason": string(reason),
		"error":  msg,
	})
	return updated, nil
}

func (p *Policy) publish(ctx context.Context, eventType string, exec *v1.Execution, extra map[string]interface{}) {
	if p.bus == nil {
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
	if err := p.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "recovery", data)); err != nil {
		p.logger.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
