package state

import (
	"time"

	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// CurrentVersion is the schema version of the on-disk document.
const CurrentVersion = 1

// Document is the canonical JSON state written to state.json.
type Document struct {
	Version            int                  `json:"version"`
	Executions         []*v1.Execution      `json:"executions"`
	UserStories        []*v1.UserStory      `json:"userStories"`
	MergeQueue         []*v1.MergeQueueItem `json:"mergeQueue"`
	ArchivedExecutions []*v1.Execution      `json:"archivedExecutions"`
	ArchivedStories    []*v1.UserStory      `json:"archivedUserStories"`
	RunnerConfig       *v1.RunnerConfig     `json:"runnerConfig"`
}

// newDocument returns an empty document at the current schema version.
func newDocument() *Document {
	return &Document{
		Version:            CurrentVersion,
		Executions:         []*v1.Execution{},
		UserStories:        []*v1.UserStory{},
		MergeQueue:         []*v1.MergeQueueItem{},
		ArchivedExecutions: []*v1.Execution{},
		ArchivedStories:    []*v1.UserStory{},
		RunnerConfig: &v1.RunnerConfig{
			MaxConcurrency: 2,
			Reason:         "initial",
			UpdatedAt:      time.Now().UTC(),
		},
	}
}

// upgrade migrates older document versions in place and repairs missing
// fields regardless of version, since state.json is hand-editable.
func (d *Document) upgrade() {
	if d.Version < 1 {
		d.Version = 1
	}
	if d.RunnerConfig == nil {
		d.RunnerConfig = &v1.RunnerConfig{
			MaxConcurrency: 2,
			Reason:         "backfilled",
			UpdatedAt:      time.Now().UTC(),
		}
	}
	if d.Executions == nil {
		d.Executions = []*v1.Execution{}
	}
	if d.UserStories == nil {
		d.UserStories = []*v1.UserStory{}
	}
	if d.MergeQueue == nil {
		d.MergeQueue = []*v1.MergeQueueItem{}
	}
	if d.ArchivedExecutions == nil {
		d.ArchivedExecutions = []*v1.Execution{}
	}
	if d.ArchivedStories == nil {
		d.ArchivedStories = []*v1.UserStory{}
	}
}

// findExecution returns the non-archived execution with the given id.
func (d *Document) findExecution(id string) *v1.Execution {
	for _, e := range d.Executions {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// findExecutionByBranch returns the non-archived execution for a branch.
func (d *Document) findExecutionByBranch(branch string) *v1.Execution {
	for _, e := range d.Executions {
		if e.Branch == branch {
			return e
		}
	}
	return nil
}

// storiesFor returns the stories owned by an execution, in insertion order.
func (d *Document) storiesFor(executionID string) []*v1.UserStory {
	var out []*v1.UserStory
	for _, s := range d.UserStories {
		if s.ExecutionID == executionID {
			out = append(out, s)
		}
	}
	return out
}
