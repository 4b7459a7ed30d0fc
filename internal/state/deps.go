package state

import (
	"context"

	"github.com/ralphdev/ralph/internal/prd"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// DependencyQuery identifies the dependencies of a PRD and where to look
// for their declarations.
type DependencyQuery struct {
	Dependencies []string
	ProjectRoot  string
	PRDPath      string
}

// AreDependenciesSatisfied resolves each dependency in input order. A
// dependency is satisfied when an active execution for its branch reached
// terminal success, an archived execution did, or a discoverable PRD file
// declares itself completed. Unresolvable dependencies are pending, never a
// hard failure.
func (s *Store) AreDependenciesSatisfied(ctx context.Context, q DependencyQuery) (*v1.DependencyStatus, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	status := &v1.DependencyStatus{
		Pending:   []string{},
		Completed: []string{},
	}
	for _, dep := range q.Dependencies {
		if dependencySatisfied(doc, dep, q) {
			status.Completed = append(status.Completed, dep)
		} else {
			status.Pending = append(status.Pending, dep)
		}
	}
	status.Satisfied = len(status.Pending) == 0
	return status, nil
}

func dependencySatisfied(doc *Document, dep string, q DependencyQuery) bool {
	active := doc.findExecutionByBranch(dep)
	if active != nil {
		switch active.Status {
		case v1.StatusCompleted, v1.StatusMerging, v1.StatusMerged:
			return true
		}
	}

	// Archived executions: take the most recent for the branch. A re-enqueued
	// branch whose earlier run already merged stays satisfied.
	var latest *v1.Execution
	for _, e := range doc.ArchivedExecutions {
		if e.Branch != dep {
			continue
		}
		if latest == nil || e.UpdatedAt.After(latest.UpdatedAt) {
			latest = e
		}
	}
	if latest != nil {
		return latest.Status == v1.StatusMerged || latest.Status == v1.StatusCompleted
	}
	if active != nil {
		return false
	}

	// PRD front-matter fallback at the standard discovery locations.
	if docFile := prd.ResolveDependency(dep, q.PRDPath, q.ProjectRoot); docFile != nil {
		return docFile.Completed()
	}
	return false
}
