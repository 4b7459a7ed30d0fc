package api

import (
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// EnqueueRequest registers a PRD for execution.
type EnqueueRequest struct {
	PRDPath  string `json:"prd_path" binding:"required"`
	Branch   string `json:"branch,omitempty"`
	Priority string `json:"priority,omitempty"`
	Project  string `json:"project,omitempty"`
}

// QueueMergeRequest appends a completed execution to the merge queue.
type QueueMergeRequest struct {
	ExecutionID string `json:"execution_id" binding:"required"`
}

// ExecutionListResponse is the list envelope.
type ExecutionListResponse struct {
	Executions []*v1.Execution `json:"executions"`
	Total      int             `json:"total"`
}

// ExecutionResponse is one execution with its stories.
type ExecutionResponse struct {
	Execution   *v1.Execution   `json:"execution"`
	UserStories []*v1.UserStory `json:"user_stories,omitempty"`
}

// MergeQueueResponse is the merge queue envelope.
type MergeQueueResponse struct {
	Items []*v1.MergeQueueItem `json:"items"`
	Total int                  `json:"total"`
}
