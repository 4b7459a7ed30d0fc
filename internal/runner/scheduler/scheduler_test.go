package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphdev/ralph/internal/runner/launcher"
	"github.com/ralphdev/ralph/internal/runner/recovery"
	"github.com/ralphdev/ralph/internal/state"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	fail     bool
	nextPID  int
}

func (f *fakeLauncher) Launch(ctx context.Context, req *launcher.LaunchRequest) (*launcher.LaunchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return &launcher.LaunchResult{Success: false, Error: "spawn failed"}, nil
	}
	f.launched = append(f.launched, req.Branch)
	f.nextPID++
	return &launcher.LaunchResult{
		Success:     true,
		AgentTaskID: "task-" + req.Branch,
		AgentPID:    10000 + f.nextPID,
		LogPath:     "/tmp/" + req.Branch + ".jsonl",
	}, nil
}

func (f *fakeLauncher) branches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launched...)
}

type fakeMemory struct{ slots int }

func (f fakeMemory) AvailableSlots() (int, error) { return f.slots, nil }

type harness struct {
	store     *state.Store
	launcher  *fakeLauncher
	scheduler *Scheduler
}

func newHarness(t *testing.T, cfg Config, memory MemoryProbe) *harness {
	t.Helper()

	// Monotonic store clock so insertion order is reflected in createdAt.
	var mu sync.Mutex
	base := time.Now().UTC()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		base = base.Add(time.Millisecond)
		return base
	}

	store, err := state.Open(t.TempDir(), state.Options{Now: clock}, nil)
	require.NoError(t, err)

	policy := recovery.NewPolicy(store, nil, recovery.Options{MaxAttempts: 3, MaxRetries: 3, AutoRecovery: true}, nil)
	fl := &fakeLauncher{}
	if memory == nil {
		memory = fakeMemory{slots: 8}
	}
	sched := New(store, fl, nil, policy, memory, nil, nil, cfg, nil)
	return &harness{store: store, launcher: fl, scheduler: sched}
}

func (h *harness) insert(t *testing.T, branch string, priority v1.Priority) *v1.Execution {
	t.Helper()
	exec, err := h.store.InsertExecution(context.Background(),
		&v1.Execution{Branch: branch, Priority: priority}, nil)
	require.NoError(t, err)
	return exec
}

func (h *harness) countByStatus(t *testing.T, status v1.ExecutionStatus) int {
	t.Helper()
	execs, err := h.store.ListExecutions(context.Background())
	require.NoError(t, err)
	n := 0
	for _, e := range execs {
		if e.Status == status {
			n++
		}
	}
	return n
}

func TestLaunchHonorsPriorityAndConcurrency(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 2, DrainGrace: 2 * time.Second}, nil)
	ctx := context.Background()

	h.insert(t, "ralph/low", v1.PriorityP2)
	h.insert(t, "ralph/urgent", v1.PriorityP0)
	h.insert(t, "ralph/normal", v1.PriorityP1)

	h.scheduler.Tick(ctx)

	require.Eventually(t, func() bool {
		return h.countByStatus(t, v1.StatusRunning) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.store.FindExecutionByBranch(ctx, "ralph/low")
	require.NoError(t, err)
	assert.Equal(t, v1.StatusReady, got.Status, "lowest priority waits for a slot")

	assert.ElementsMatch(t, []string{"ralph/urgent", "ralph/normal"}, h.launcher.branches())
}

func TestSuccessfulLaunchRecordsAgentBinding(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 2, DrainGrace: 2 * time.Second}, nil)
	ctx := context.Background()

	h.insert(t, "ralph/solo", v1.PriorityP1)
	h.scheduler.Tick(ctx)

	require.Eventually(t, func() bool {
		return h.countByStatus(t, v1.StatusRunning) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.store.FindExecutionByBranch(ctx, "ralph/solo")
	require.NoError(t, err)
	assert.NotZero(t, got.AgentPID)
	assert.Equal(t, "task-ralph/solo", got.AgentTaskID)
	assert.Equal(t, 1, got.LaunchAttempts)
	assert.NotNil(t, got.LaunchAttemptAt)
	require.NotNil(t, got.RunningAt, "running transition is timestamped for startup confirmation")
	assert.True(t, got.RunningAt.Equal(got.UpdatedAt), "the running write itself is not agent activity")

	status, err := h.scheduler.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.TotalLaunched)
}

func TestLaunchFailureConsumesRetryBudget(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 2, DrainGrace: 2 * time.Second}, nil)
	h.launcher.fail = true
	ctx := context.Background()

	h.insert(t, "ralph/wont-start", v1.PriorityP1)

	for i := 0; i < 3; i++ {
		h.scheduler.Tick(ctx)
		require.Eventually(t, func() bool {
			return h.countByStatus(t, v1.StatusStarting) == 0
		}, 2*time.Second, 10*time.Millisecond, "tick %d resolved", i+1)
	}

	got, err := h.store.FindExecutionByBranch(ctx, "ralph/wont-start")
	require.NoError(t, err)
	assert.Equal(t, v1.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "Launch failed after 3 attempts")

	status, err := h.scheduler.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.TotalFailed)
}

func TestMemoryPressurePausesLaunching(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 2}, fakeMemory{slots: 0})
	ctx := context.Background()

	h.insert(t, "ralph/waiting", v1.PriorityP0)
	h.scheduler.Tick(ctx)

	got, err := h.store.FindExecutionByBranch(ctx, "ralph/waiting")
	require.NoError(t, err)
	assert.Equal(t, v1.StatusReady, got.Status)
	assert.Empty(t, h.launcher.branches())

	status, err := h.scheduler.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Paused)
}

func TestSweepRequeuesStuckStartingRecords(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 2, LaunchTimeout: time.Minute}, fakeMemory{slots: 0})
	ctx := context.Background()

	h.insert(t, "ralph/orphan", v1.PriorityP1)
	claim, err := h.store.ClaimReadyExecution(ctx, "ralph/orphan")
	require.NoError(t, err)
	require.True(t, claim.Success)

	// Age the claim past the launch timeout.
	stale := time.Now().UTC().Add(-5 * time.Minute)
	_, err = h.store.UpdateExecution(ctx, claim.Execution.ID,
		state.NewPatch().LaunchAttemptAt(stale))
	require.NoError(t, err)

	h.scheduler.Tick(ctx)

	got, err := h.store.FindExecutionByBranch(ctx, "ralph/orphan")
	require.NoError(t, err)
	assert.Equal(t, v1.StatusReady, got.Status)
	assert.Equal(t, "Launch timeout", got.LastError)
}

func TestInterruptedExecutionIsRecoveredAndRelaunched(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 2, DrainGrace: 2 * time.Second}, nil)
	ctx := context.Background()

	exec := h.insert(t, "ralph/interrupted", v1.PriorityP1)
	_, err := h.store.UpdateExecution(ctx, exec.ID,
		state.NewPatch().Status(v1.StatusInterrupted).ReconcileReason(string(v1.FailureStale)),
		state.SkipTransitionValidation())
	require.NoError(t, err)

	h.scheduler.Tick(ctx)

	require.Eventually(t, func() bool {
		return h.countByStatus(t, v1.StatusRunning) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.store.FindExecutionByBranch(ctx, "ralph/interrupted")
	require.NoError(t, err)
	require.Len(t, got.RecoveryLog, 1)
	assert.Equal(t, v1.FailureStale, got.RecoveryLog[0].Reason)
}

func TestPendingIsPromotedWhenDependencyCompletes(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 2, DrainGrace: 2 * time.Second}, nil)
	ctx := context.Background()

	dep := h.insert(t, "ralph/dep", v1.PriorityP1)
	blocked, err := h.store.InsertExecution(ctx, &v1.Execution{
		Branch:       "ralph/blocked",
		Priority:     v1.PriorityP1,
		Dependencies: []string{"ralph/dep"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, v1.StatusPending, blocked.Status)

	_, err = h.store.UpdateExecution(ctx, dep.ID,
		state.NewPatch().Status(v1.StatusCompleted), state.SkipTransitionValidation())
	require.NoError(t, err)

	h.scheduler.Tick(ctx)

	require.Eventually(t, func() bool {
		got, err := h.store.FindExecutionByBranch(ctx, "ralph/blocked")
		return err == nil && got.Status != v1.StatusPending
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusUsesStoredConcurrencyCap(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 5}, fakeMemory{slots: 10})
	ctx := context.Background()

	h.insert(t, "ralph/a", v1.PriorityP1)

	status, err := h.scheduler.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.EffectiveConcurrency, "stored default cap of 2 wins over the flag")
	assert.Equal(t, 1, status.ReadyCount)
	assert.False(t, status.Running)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour, DrainGrace: time.Second}, fakeMemory{slots: 0})
	ctx := context.Background()

	require.NoError(t, h.scheduler.Start(ctx))
	assert.ErrorIs(t, h.scheduler.Start(ctx), ErrSchedulerAlreadyRunning)
	assert.True(t, h.scheduler.IsRunning())

	require.NoError(t, h.scheduler.Stop())
	assert.False(t, h.scheduler.IsRunning())
	assert.ErrorIs(t, h.scheduler.Stop(), ErrSchedulerNotRunning)
}
