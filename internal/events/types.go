// Package events provides event types and utilities for the runner's
// observer hooks.
package events

// Event types for PRD executions
const (
	PRDEnqueued  = "prd.enqueued"
	PRDPromoted  = "prd.promoted"
	PRDStarted   = "prd.started"
	PRDCompleted = "prd.completed"
	PRDRecovered = "prd.recovered"
	PRDFailed    = "prd.failed"
	PRDStopped   = "prd.stopped"
	PRDMerged    = "prd.merged"
	PRDArchived  = "prd.archived"
)

// Event types for the scheduler itself
const (
	RunnerStarted = "runner.started"
	RunnerStopped = "runner.stopped"
	RunnerPaused  = "runner.paused" // over budget or low memory
	RunnerLog     = "runner.log"
)

// Event types for the merge queue
const (
	MergeQueued    = "merge.queued"
	MergeStarted   = "merge.started"
	MergeCompleted = "merge.completed"
	MergeFailed    = "merge.failed"
)
