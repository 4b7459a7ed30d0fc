package v1

import "time"

// RunnerConfig is the stored singleton controlling the scheduler at runtime.
// The scheduler re-reads it each poll cycle.
type RunnerConfig struct {
	MaxConcurrency int       `json:"max_concurrency"`
	Reason         string    `json:"reason,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SchedulerStatus is the operator-visible snapshot of the poll loop.
type SchedulerStatus struct {
	Running              bool     `json:"running"`
	Paused               bool     `json:"paused"`
	GlobalActive         int      `json:"global_active"`
	EffectiveConcurrency int      `json:"effective_concurrency"`
	ActiveLaunches       []string `json:"active_launches,omitempty"`
	ReadyCount           int      `json:"ready_count"`
	PendingCount         int      `json:"pending_count"`
	TotalLaunched        int64    `json:"total_launched"`
	TotalFailed          int64    `json:"total_failed"`
}

// SetConcurrencyRequest updates the stored max concurrency.
type SetConcurrencyRequest struct {
	MaxConcurrency int    `json:"max_concurrency" binding:"required,min=1"`
	Reason         string `json:"reason,omitempty"`
}

// StoryEvidenceRequest records per-criterion evidence for a story.
type StoryEvidenceRequest struct {
	Passes     bool                  `json:"passes"`
	ACEvidence map[string]ACEvidence `json:"ac_evidence,omitempty"`
}
