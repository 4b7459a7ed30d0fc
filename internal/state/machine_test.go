package state

import (
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/ralphdev/ralph/internal/common/errors"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to v1.ExecutionStatus
		want     bool
	}{
		{v1.StatusPending, v1.StatusReady, true},
		{v1.StatusPending, v1.StatusStopped, true},
		{v1.StatusPending, v1.StatusRunning, false},
		{v1.StatusReady, v1.StatusStarting, true},
		{v1.StatusReady, v1.StatusRunning, false},
		{v1.StatusStarting, v1.StatusRunning, true},
		{v1.StatusStarting, v1.StatusReady, true},
		{v1.StatusStarting, v1.StatusFailed, true},
		{v1.StatusRunning, v1.StatusCompleted, true},
		{v1.StatusRunning, v1.StatusInterrupted, true},
		{v1.StatusRunning, v1.StatusMerged, false},
		{v1.StatusInterrupted, v1.StatusReady, true},
		{v1.StatusInterrupted, v1.StatusRunning, false},
		{v1.StatusCompleted, v1.StatusMerging, true},
		{v1.StatusMerging, v1.StatusMerged, true},
		{v1.StatusMerging, v1.StatusFailed, true},
		{v1.StatusFailed, v1.StatusReady, true},
		{v1.StatusFailed, v1.StatusStopped, true},
		{v1.StatusFailed, v1.StatusRunning, false},
		{v1.StatusMerged, v1.StatusStopped, true},
		{v1.StatusMerged, v1.StatusReady, false},
		{v1.StatusStopped, v1.StatusReady, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestCanTransitionNoOp(t *testing.T) {
	for from := range transitions {
		assert.True(t, CanTransition(from, from), "%s -> %s", from, from)
	}
}

func TestValidateTransitionError(t *testing.T) {
	err := ValidateTransition(v1.StatusPending, v1.StatusRunning)
	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))

	assert.NoError(t, ValidateTransition(v1.StatusReady, v1.StatusStarting))
}
