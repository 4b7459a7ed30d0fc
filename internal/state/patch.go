package state

import (
	"time"

	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// Patch is a fluent accumulator of execution field updates, applied under
// the store lock by UpdateExecution. The transition validator consumes the
// requested status against the current record.
type Patch struct {
	status *v1.ExecutionStatus
	ops    []func(*v1.Execution)
}

// NewPatch returns an empty patch.
func NewPatch() *Patch {
	return &Patch{}
}

func (p *Patch) add(op func(*v1.Execution)) *Patch {
	p.ops = append(p.ops, op)
	return p
}

// Status requests a status change, validated against the transition table
// unless the update skips validation.
func (p *Patch) Status(s v1.ExecutionStatus) *Patch {
	p.status = &s
	return p.add(func(e *v1.Execution) { e.Status = s })
}

// TargetStatus returns the requested status change, if any.
func (p *Patch) TargetStatus() (v1.ExecutionStatus, bool) {
	if p.status == nil {
		return "", false
	}
	return *p.status, true
}

// Priority sets the scheduling priority (normalized).
func (p *Patch) Priority(pr v1.Priority) *Patch {
	return p.add(func(e *v1.Execution) { e.Priority = v1.NormalizePriority(pr) })
}

// AgentTaskID records the launcher-assigned task identifier.
func (p *Patch) AgentTaskID(id string) *Patch {
	return p.add(func(e *v1.Execution) { e.AgentTaskID = id })
}

// AgentPID records the launched process id.
func (p *Patch) AgentPID(pid int) *Patch {
	return p.add(func(e *v1.Execution) { e.AgentPID = pid })
}

// LogPath records the agent transcript path.
func (p *Patch) LogPath(path string) *Patch {
	return p.add(func(e *v1.Execution) { e.LogPath = path })
}

// WorktreePath records the isolated checkout path.
func (p *Patch) WorktreePath(path string) *Patch {
	return p.add(func(e *v1.Execution) { e.WorktreePath = path })
}

// BaseCommitSHA records the fork-point commit used by the ghost-merge guard.
func (p *Patch) BaseCommitSHA(sha string) *Patch {
	return p.add(func(e *v1.Execution) { e.BaseCommitSHA = sha })
}

// LaunchAttemptAt timestamps the most recent claim.
func (p *Patch) LaunchAttemptAt(t time.Time) *Patch {
	return p.add(func(e *v1.Execution) { e.LaunchAttemptAt = &t })
}

// IncrementLaunchAttempts bumps the claim counter.
func (p *Patch) IncrementLaunchAttempts() *Patch {
	return p.add(func(e *v1.Execution) { e.LaunchAttempts++ })
}

// ResetLaunchAttempts zeroes the claim counter (auto-recovery path).
func (p *Patch) ResetLaunchAttempts() *Patch {
	return p.add(func(e *v1.Execution) { e.LaunchAttempts = 0 })
}

// MarkRunning records the supervisor's own starting to running write, so the
// reconciler can tell later record activity apart from the launch itself.
func (p *Patch) MarkRunning() *Patch {
	return p.add(func(e *v1.Execution) {
		t := e.UpdatedAt
		e.RunningAt = &t
	})
}

// StartupConfirmedAt records first observed post-launch activity.
func (p *Patch) StartupConfirmedAt(t time.Time) *Patch {
	return p.add(func(e *v1.Execution) { e.StartupConfirmedAt = &t })
}

// LastActivityAt records the latest evidence of progress.
func (p *Patch) LastActivityAt(t time.Time) *Patch {
	return p.add(func(e *v1.Execution) { e.LastActivityAt = &t })
}

// HealthStatus sets the health label.
func (p *Patch) HealthStatus(h v1.HealthStatus) *Patch {
	return p.add(func(e *v1.Execution) { e.HealthStatus = h })
}

// CurrentStep sets the short task-class description.
func (p *Patch) CurrentStep(step string) *Patch {
	return p.add(func(e *v1.Execution) { e.CurrentStep = step })
}

// LastError records a diagnostic string.
func (p *Patch) LastError(msg string) *Patch {
	return p.add(func(e *v1.Execution) { e.LastError = msg })
}

// ClearLastError removes the diagnostic string.
func (p *Patch) ClearLastError() *Patch {
	return p.add(func(e *v1.Execution) { e.LastError = "" })
}

// ReconcileReason tags a reconciler-driven correction.
func (p *Patch) ReconcileReason(reason string) *Patch {
	return p.add(func(e *v1.Execution) { e.ReconcileReason = reason })
}

// MergedAt records when the reconciler observed the branch landed.
func (p *Patch) MergedAt(t time.Time) *Patch {
	return p.add(func(e *v1.Execution) { e.MergedAt = &t })
}

// MergeCommitSHA records the merge commit.
func (p *Patch) MergeCommitSHA(sha string) *Patch {
	return p.add(func(e *v1.Execution) { e.MergeCommitSHA = sha })
}

// ClearAgent removes all evidence of the previous agent instance.
func (p *Patch) ClearAgent() *Patch {
	return p.add(func(e *v1.Execution) {
		e.AgentPID = 0
		e.AgentTaskID = ""
		e.RunningAt = nil
		e.StartupConfirmedAt = nil
		e.HealthStatus = ""
	})
}

// AppendRecovery appends a recovery entry and keeps recoveryCount equal to
// the log length.
func (p *Patch) AppendRecovery(entry v1.RecoveryEntry) *Patch {
	return p.add(func(e *v1.Execution) {
		e.RecoveryLog = append(e.RecoveryLog, entry)
		e.RecoveryCount = len(e.RecoveryLog)
	})
}

// IncrementNoProgress bumps the no-progress stagnation counter.
func (p *Patch) IncrementNoProgress() *Patch {
	return p.add(func(e *v1.Execution) { e.ConsecutiveNoProgress++ })
}

// IncrementErrors bumps the consecutive-error stagnation counter.
func (p *Patch) IncrementErrors() *Patch {
	return p.add(func(e *v1.Execution) { e.ConsecutiveErrors++ })
}

// ResetStagnation zeroes both stagnation counters and clears the last error.
func (p *Patch) ResetStagnation() *Patch {
	return p.add(func(e *v1.Execution) {
		e.ConsecutiveNoProgress = 0
		e.ConsecutiveErrors = 0
		e.LastError = ""
	})
}

// apply mutates the execution in place. UpdatedAt advances before the ops
// run so ops that snapshot it (MarkRunning) see this write's timestamp.
func (p *Patch) apply(e *v1.Execution, now time.Time) {
	e.UpdatedAt = now
	for _, op := range p.ops {
		op(e)
	}
}
