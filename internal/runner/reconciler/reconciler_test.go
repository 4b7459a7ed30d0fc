package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphdev/ralph/internal/runner/health"
	"github.com/ralphdev/ralph/internal/runner/recovery"
	"github.com/ralphdev/ralph/internal/state"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

type fakeGit struct {
	branches map[string]bool
	merged   map[string]bool
	heads    map[string]string
	removed  []string
}

func (f *fakeGit) Fetch(ctx context.Context) error { return nil }

func (f *fakeGit) BranchExists(ctx context.Context, branch string) (bool, error) {
	return f.branches[branch], nil
}

func (f *fakeGit) BranchHead(ctx context.Context, branch string) (string, error) {
	return f.heads[branch], nil
}

func (f *fakeGit) MergedBranches(ctx context.Context) (map[string]bool, error) {
	return f.merged, nil
}

func (f *fakeGit) RemoveWorktree(ctx context.Context, worktreePath string) error {
	f.removed = append(f.removed, worktreePath)
	return nil
}

type fixture struct {
	store  *state.Store
	git    *fakeGit
	rec    *Reconciler
	policy *recovery.Policy
}

func newFixture(t *testing.T, git *fakeGit, monitor *health.Monitor, opts Options) *fixture {
	t.Helper()
	store, err := state.Open(t.TempDir(), state.Options{}, nil)
	require.NoError(t, err)
	policy := recovery.NewPolicy(store, nil, recovery.Options{MaxAttempts: 3, MaxRetries: 3, AutoRecovery: true}, nil)
	if opts.ProcessAlive == nil {
		opts.ProcessAlive = func(int) bool { return true }
	}
	var gc GitClient
	if git != nil {
		gc = git
	}
	rec := New(store, gc, monitor, policy, nil, opts, nil)
	return &fixture{store: store, git: git, rec: rec, policy: policy}
}

func (f *fixture) insertRunning(t *testing.T, branch string, mutate func(*state.Patch)) *v1.Execution {
	t.Helper()
	ctx := context.Background()
	exec, err := f.store.InsertExecution(ctx, &v1.Execution{Branch: branch}, nil)
	require.NoError(t, err)
	patch := state.NewPatch().Status(v1.StatusRunning)
	if mutate != nil {
		mutate(patch)
	}
	exec, err = f.store.UpdateExecution(ctx, exec.ID, patch, state.SkipTransitionValidation())
	require.NoError(t, err)
	return exec
}

func TestMergedBranchClosesAndArchives(t *testing.T) {
	git := &fakeGit{
		branches: map[string]bool{"ralph/done": true},
		merged:   map[string]bool{"ralph/done": true},
		heads:    map[string]string{"ralph/done": "feedface"},
	}
	f := newFixture(t, git, nil, Options{})
	ctx := context.Background()

	exec := f.insertRunning(t, "ralph/done", func(p *state.Patch) {
		p.BaseCommitSHA("ba5e0000").WorktreePath(t.TempDir())
	})
	_, err := f.store.InsertMergeQueueItem(ctx, exec.ID)
	require.NoError(t, err)

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	active, err := f.store.ListExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "merged execution leaves the active table")

	archived, err := f.store.ListArchivedExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, v1.StatusMerged, archived[0].Status)
	assert.Equal(t, "feedface", archived[0].MergeCommitSHA)
	require.NotNil(t, archived[0].MergedAt)

	assert.Len(t, git.removed, 1, "worktree cleaned up")

	queue, err := f.store.ListMergeQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue, "merge queue entry removed")
}

func TestGhostMergeLeavesRecordAlone(t *testing.T) {
	git := &fakeGit{
		branches: map[string]bool{"ralph/ghost": true},
		merged:   map[string]bool{"ralph/ghost": true},
		heads:    map[string]string{"ralph/ghost": "ba5e0000"},
	}
	f := newFixture(t, git, nil, Options{})
	ctx := context.Background()

	exec := f.insertRunning(t, "ralph/ghost", func(p *state.Patch) {
		p.BaseCommitSHA("ba5e0000")
	})

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	got, err := f.store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusRunning, got.Status, "branch head never moved past base")
}

func TestDeletedBranchFailsExecution(t *testing.T) {
	git := &fakeGit{branches: map[string]bool{}}
	f := newFixture(t, git, nil, Options{})
	ctx := context.Background()

	f.insertRunning(t, "ralph/vanished", nil)

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	archived, err := f.store.ListArchivedExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, v1.StatusFailed, archived[0].Status)
	assert.Equal(t, string(v1.FailureBranchDeleted), archived[0].ReconcileReason)
	assert.Contains(t, archived[0].LastError, "no longer exists")
}

func TestDeletedBranchFailedRecordUntouched(t *testing.T) {
	git := &fakeGit{branches: map[string]bool{}}
	f := newFixture(t, git, nil, Options{})
	ctx := context.Background()

	exec := f.insertRunning(t, "ralph/already-failed", nil)
	_, err := f.store.UpdateExecution(ctx, exec.ID,
		state.NewPatch().Status(v1.StatusFailed), state.SkipTransitionValidation())
	require.NoError(t, err)

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	got, err := f.store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusFailed, got.Status, "already terminal, left in place")
}

func TestSkippedBranchesAreNotReconciled(t *testing.T) {
	git := &fakeGit{branches: map[string]bool{}}
	f := newFixture(t, git, nil, Options{})
	ctx := context.Background()

	exec := f.insertRunning(t, "ralph/in-flight", nil)

	require.NoError(t, f.rec.Reconcile(ctx, map[string]bool{"ralph/in-flight": true}))

	got, err := f.store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusRunning, got.Status)
}

func TestAllStoriesPassingCompletesExecution(t *testing.T) {
	f := newFixture(t, nil, nil, Options{})
	ctx := context.Background()

	exec, err := f.store.InsertExecution(ctx, &v1.Execution{Branch: "ralph/stories"}, []*v1.UserStory{
		{StoryID: "US-1", Title: "First"},
		{StoryID: "US-2", Title: "Second"},
	})
	require.NoError(t, err)
	_, err = f.store.UpdateExecution(ctx, exec.ID,
		state.NewPatch().Status(v1.StatusRunning), state.SkipTransitionValidation())
	require.NoError(t, err)
	_, err = f.store.SetStoryEvidence(ctx, exec.ID, "US-1", true, nil)
	require.NoError(t, err)
	_, err = f.store.SetStoryEvidence(ctx, exec.ID, "US-2", true, nil)
	require.NoError(t, err)

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	got, err := f.store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusCompleted, got.Status)
	assert.Equal(t, "all user stories passing", got.ReconcileReason)
}

func TestMissingWorktreeFailsAndArchives(t *testing.T) {
	f := newFixture(t, nil, nil, Options{})
	ctx := context.Background()

	f.insertRunning(t, "ralph/no-worktree", func(p *state.Patch) {
		p.WorktreePath(filepath.Join(t.TempDir(), "gone"))
	})

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	archived, err := f.store.ListArchivedExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, v1.StatusFailed, archived[0].Status)
	assert.Equal(t, string(v1.FailureWorktreeGone), archived[0].ReconcileReason)
}

func TestDeadProcessTriggersRecovery(t *testing.T) {
	f := newFixture(t, nil, nil, Options{ProcessAlive: func(int) bool { return false }})
	ctx := context.Background()

	exec := f.insertRunning(t, "ralph/dead-pid", func(p *state.Patch) {
		p.AgentPID(99999).WorktreePath(t.TempDir())
	})

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	got, err := f.store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusReady, got.Status, "dead agent is requeued within budget")
	assert.Equal(t, 0, got.AgentPID)
	require.Len(t, got.RecoveryLog, 1)
	assert.Equal(t, v1.FailureProcessExit, got.RecoveryLog[0].Reason)
}

func TestStartupTimeoutFailsLaunch(t *testing.T) {
	f := newFixture(t, nil, nil, Options{StartupTimeout: 2 * time.Minute})
	ctx := context.Background()

	launchedAt := time.Now().UTC()
	exec := f.insertRunning(t, "ralph/never-started", func(p *state.Patch) {
		p.AgentPID(4242).LaunchAttemptAt(launchedAt).WorktreePath(t.TempDir())
	})
	f.rec.SetClock(func() time.Time { return launchedAt.Add(10 * time.Minute) })

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	got, err := f.store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusReady, got.Status)
	require.Len(t, got.RecoveryLog, 1)
	assert.Equal(t, v1.FailureStartup, got.RecoveryLog[0].Reason)
	assert.Contains(t, got.LastError, "did not confirm startup")
}

func TestStartupConfirmedByStoreActivity(t *testing.T) {
	f := newFixture(t, nil, nil, Options{StartupTimeout: 2 * time.Minute})
	ctx := context.Background()

	launchedAt := time.Now().UTC().Add(-10 * time.Minute)
	exec := f.insertRunning(t, "ralph/started", func(p *state.Patch) {
		p.AgentPID(4242).LaunchAttemptAt(launchedAt).WorktreePath(t.TempDir())
	})

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	got, err := f.store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusRunning, got.Status)
	require.NotNil(t, got.StartupConfirmedAt, "recent record update confirms startup")
}

func TestStartupNotConfirmedBySupervisorRunningWrite(t *testing.T) {
	f := newFixture(t, nil, nil, Options{StartupTimeout: 2 * time.Minute})
	ctx := context.Background()

	// The running transition lands well after the claim, so its updatedAt
	// bump alone must not read as agent activity.
	launchedAt := time.Now().UTC().Add(-30 * time.Second)
	exec := f.insertRunning(t, "ralph/silent", func(p *state.Patch) {
		p.MarkRunning().AgentPID(4242).LaunchAttemptAt(launchedAt).WorktreePath(t.TempDir())
	})
	f.rec.SetClock(func() time.Time { return launchedAt.Add(10 * time.Minute) })

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	got, err := f.store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusReady, got.Status)
	assert.Nil(t, got.StartupConfirmedAt)
	require.Len(t, got.RecoveryLog, 1)
	assert.Equal(t, v1.FailureStartup, got.RecoveryLog[0].Reason)
}

func TestStartupConfirmedByAgentWriteAfterRunning(t *testing.T) {
	f := newFixture(t, nil, nil, Options{StartupTimeout: 2 * time.Minute})
	ctx := context.Background()

	launchedAt := time.Now().UTC().Add(-30 * time.Second)
	exec, err := f.store.InsertExecution(ctx, &v1.Execution{Branch: "ralph/alive"}, []*v1.UserStory{
		{StoryID: "US-1", Title: "First"},
	})
	require.NoError(t, err)
	_, err = f.store.UpdateExecution(ctx, exec.ID,
		state.NewPatch().Status(v1.StatusRunning).MarkRunning().
			AgentPID(4242).LaunchAttemptAt(launchedAt).WorktreePath(t.TempDir()),
		state.SkipTransitionValidation())
	require.NoError(t, err)

	// A story evidence write is the agent reporting in.
	_, err = f.store.SetStoryEvidence(ctx, exec.ID, "US-1", false, nil)
	require.NoError(t, err)

	f.rec.SetClock(func() time.Time { return launchedAt.Add(10 * time.Minute) })

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	got, err := f.store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusRunning, got.Status)
	require.NotNil(t, got.StartupConfirmedAt)
	assert.Empty(t, got.RecoveryLog)
}

func TestStaleExecutionIsInterrupted(t *testing.T) {
	monitor := health.NewMonitor(health.DefaultConfig(), nil, nil)
	f := newFixture(t, nil, monitor, Options{})
	ctx := context.Background()

	exec := f.insertRunning(t, "ralph/stale", nil)
	monitor.SetClock(func() time.Time { return exec.UpdatedAt.Add(30 * time.Minute) })

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	got, err := f.store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusInterrupted, got.Status)
	assert.Equal(t, v1.HealthStale, got.HealthStatus)
	assert.Contains(t, got.LastError, "No activity for")
}

func TestHealthyExecutionKeepsLabelWithoutActivityBump(t *testing.T) {
	monitor := health.NewMonitor(health.DefaultConfig(), nil, nil)
	f := newFixture(t, nil, monitor, Options{})
	ctx := context.Background()

	exec := f.insertRunning(t, "ralph/healthy", nil)
	monitor.SetClock(func() time.Time { return exec.UpdatedAt.Add(10 * time.Second) })

	require.NoError(t, f.rec.Reconcile(ctx, nil))

	got, err := f.store.FindExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusRunning, got.Status)
	assert.Equal(t, v1.HealthActive, got.HealthStatus)
	assert.Equal(t, exec.UpdatedAt, got.UpdatedAt, "health pass is not activity")
}
