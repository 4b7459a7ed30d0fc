package v1

import "time"

// ExecutionStatus represents the lifecycle state of a PRD execution.
type ExecutionStatus string

const (
	StatusPending     ExecutionStatus = "pending"
	StatusReady       ExecutionStatus = "ready"
	StatusStarting    ExecutionStatus = "starting"
	StatusRunning     ExecutionStatus = "running"
	StatusInterrupted ExecutionStatus = "interrupted"
	StatusCompleted   ExecutionStatus = "completed"
	StatusMerging     ExecutionStatus = "merging"
	StatusMerged      ExecutionStatus = "merged"
	StatusFailed      ExecutionStatus = "failed"
	StatusStopped     ExecutionStatus = "stopped"
)

// IsTerminal reports whether the status ends the lifecycle. Terminal records
// leave only through operator retry or archival.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusMerged || s == StatusStopped || s == StatusFailed
}

// IsActive reports whether the execution counts against the concurrency budget.
func (s ExecutionStatus) IsActive() bool {
	return s == StatusStarting || s == StatusRunning
}

// Priority orders ready executions ahead of FIFO.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Rank returns the scheduling rank; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	default:
		return 1
	}
}

// NormalizePriority maps unknown values to the default P1.
func NormalizePriority(p Priority) Priority {
	switch p {
	case PriorityP0, PriorityP1, PriorityP2:
		return p
	default:
		return PriorityP1
	}
}

// HealthStatus is the freshness label computed by the health monitor.
type HealthStatus string

const (
	HealthActive HealthStatus = "active"
	HealthIdle   HealthStatus = "idle"
	HealthAtRisk HealthStatus = "at_risk"
	HealthStale  HealthStatus = "stale"
)

// TaskType classifies what the agent is currently doing; it selects the
// adaptive staleness timeout.
type TaskType string

const (
	TaskImplementing TaskType = "implementing"
	TaskBuilding     TaskType = "building"
	TaskTesting      TaskType = "testing"
	TaskVerifying    TaskType = "verifying"
	TaskUnknown      TaskType = "unknown"
)

// FailureReason is the closed set of detectable failure causes consumed by
// the recovery policy and the reconciler.
type FailureReason string

const (
	FailureProcessExit    FailureReason = "process_exit"
	FailureStale          FailureReason = "stale"
	FailureStartup        FailureReason = "startup_failure"
	FailureLaunchError    FailureReason = "launch_error"
	FailureBranchDeleted  FailureReason = "branch_deleted"
	FailureBranchMerged   FailureReason = "branch_merged"
	FailureWorktreeGone   FailureReason = "worktree_missing"
)

// RecoveryEntry records one auto-recovery attempt.
type RecoveryEntry struct {
	Timestamp     time.Time     `json:"timestamp"`
	Reason        FailureReason `json:"reason"`
	AttemptNumber int           `json:"attempt_number"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
}

// Execution is one PRD attempt-lineage tracked by the supervisor.
type Execution struct {
	ID          string          `json:"id"`
	Branch      string          `json:"branch"`
	Project     string          `json:"project,omitempty"`
	Description string          `json:"description,omitempty"`
	PRDPath     string          `json:"prd_path,omitempty"`
	ProjectRoot string          `json:"project_root,omitempty"`
	Priority    Priority        `json:"priority"`
	Status      ExecutionStatus `json:"status"`

	Dependencies  []string `json:"dependencies,omitempty"`
	WorktreePath  string   `json:"worktree_path,omitempty"`
	BaseCommitSHA string   `json:"base_commit_sha,omitempty"`

	AgentTaskID string `json:"agent_task_id,omitempty"`
	AgentPID    int    `json:"agent_pid,omitempty"`

	LaunchAttemptAt    *time.Time `json:"launch_attempt_at,omitempty"`
	LaunchAttempts     int        `json:"launch_attempts"`
	RunningAt          *time.Time `json:"running_at,omitempty"`
	StartupConfirmedAt *time.Time `json:"startup_confirmed_at,omitempty"`
	LastActivityAt     *time.Time `json:"last_activity_at,omitempty"`

	HealthStatus HealthStatus    `json:"health_status,omitempty"`
	RecoveryCount int            `json:"recovery_count"`
	RecoveryLog   []RecoveryEntry `json:"recovery_log,omitempty"`

	CurrentStep string `json:"current_step,omitempty"`
	LogPath     string `json:"log_path,omitempty"`

	ConsecutiveNoProgress int `json:"consecutive_no_progress"`
	ConsecutiveErrors     int `json:"consecutive_errors"`

	LastError       string `json:"last_error,omitempty"`
	ReconcileReason string `json:"reconcile_reason,omitempty"`

	MergedAt       *time.Time `json:"merged_at,omitempty"`
	MergeCommitSHA string     `json:"merge_commit_sha,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never alias store-owned state.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Dependencies != nil {
		cp.Dependencies = append([]string(nil), e.Dependencies...)
	}
	if e.RecoveryLog != nil {
		cp.RecoveryLog = append([]RecoveryEntry(nil), e.RecoveryLog...)
	}
	cp.LaunchAttemptAt = cloneTime(e.LaunchAttemptAt)
	cp.RunningAt = cloneTime(e.RunningAt)
	cp.StartupConfirmedAt = cloneTime(e.StartupConfirmedAt)
	cp.LastActivityAt = cloneTime(e.LastActivityAt)
	cp.MergedAt = cloneTime(e.MergedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// ACEvidence records per-acceptance-criterion evidence written by the agent.
type ACEvidence struct {
	Passes        bool   `json:"passes"`
	Status        string `json:"status,omitempty"`
	Evidence      string `json:"evidence,omitempty"`
	BlockedReason string `json:"blocked_reason,omitempty"`
	NextSteps     string `json:"next_steps,omitempty"`
}

// UserStory is a named sub-goal of an execution.
type UserStory struct {
	ID                 string                `json:"id"`
	ExecutionID        string                `json:"execution_id"`
	StoryID            string                `json:"story_id"`
	Title              string                `json:"title"`
	Description        string                `json:"description,omitempty"`
	AcceptanceCriteria []string              `json:"acceptance_criteria,omitempty"`
	Priority           Priority              `json:"priority"`
	Passes             bool                  `json:"passes"`
	ACEvidence         map[string]ACEvidence `json:"ac_evidence,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// Clone returns a deep copy of the story.
func (s *UserStory) Clone() *UserStory {
	if s == nil {
		return nil
	}
	cp := *s
	if s.AcceptanceCriteria != nil {
		cp.AcceptanceCriteria = append([]string(nil), s.AcceptanceCriteria...)
	}
	if s.ACEvidence != nil {
		cp.ACEvidence = make(map[string]ACEvidence, len(s.ACEvidence))
		for k, v := range s.ACEvidence {
			cp.ACEvidence[k] = v
		}
	}
	return &cp
}

// MergeQueueStatus is the state of a merge-queue item.
type MergeQueueStatus string

const (
	MergePending   MergeQueueStatus = "pending"
	MergeMerging   MergeQueueStatus = "merging"
	MergeCompleted MergeQueueStatus = "completed"
	MergeFailed    MergeQueueStatus = "failed"
)

// MergeQueueItem references an execution waiting for its branch to land.
// Strict FIFO within Position.
type MergeQueueItem struct {
	ID          string           `json:"id"`
	ExecutionID string           `json:"execution_id"`
	Position    int              `json:"position"`
	Status      MergeQueueStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

// DependencyStatus is the result of a dependency-satisfaction query.
type DependencyStatus struct {
	Satisfied bool     `json:"satisfied"`
	Pending   []string `json:"pending"`
	Completed []string `json:"completed"`
}
