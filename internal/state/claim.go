package state

import (
	"context"

	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// ClaimResult reports the outcome of an atomic claim attempt.
type ClaimResult struct {
	Success   bool          `json:"success"`
	Execution *v1.Execution `json:"execution,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ClaimReadyExecution atomically moves a ready execution to starting,
// stamping the launch attempt. Concurrent claims on the same record are
// linearized by the store lock; exactly one succeeds.
func (s *Store) ClaimReadyExecution(ctx context.Context, branch string) (*ClaimResult, error) {
	result := &ClaimResult{}
	err := s.withDocument(func(doc *Document) error {
		record := doc.findExecutionByBranch(branch)
		if record == nil {
			result.Error = "not found"
			return nil
		}
		if record.Status != v1.StatusReady {
			result.Error = "not ready"
			return nil
		}
		now := s.now().UTC()
		record.Status = v1.StatusStarting
		record.LaunchAttemptAt = &now
		record.LaunchAttempts++
		record.UpdatedAt = now
		result.Success = true
		result.Execution = record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
