package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

func TestDependenciesSatisfiedByActiveExecution(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	dep := insertReady(t, store, "ralph/dep")
	_, err := store.UpdateExecution(ctx, dep.ID,
		NewPatch().Status(v1.StatusCompleted), SkipTransitionValidation())
	require.NoError(t, err)

	status, err := store.AreDependenciesSatisfied(ctx, DependencyQuery{
		Dependencies: []string{"ralph/dep"},
	})
	require.NoError(t, err)
	assert.True(t, status.Satisfied)
	assert.Equal(t, []string{"ralph/dep"}, status.Completed)
}

func TestDependenciesPendingWhileExecutionActive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	dep := insertReady(t, store, "ralph/dep-running")
	_, err := store.UpdateExecution(ctx, dep.ID,
		NewPatch().Status(v1.StatusRunning), SkipTransitionValidation())
	require.NoError(t, err)

	status, err := store.AreDependenciesSatisfied(ctx, DependencyQuery{
		Dependencies: []string{"ralph/dep-running"},
	})
	require.NoError(t, err)
	assert.False(t, status.Satisfied)
	assert.Equal(t, []string{"ralph/dep-running"}, status.Pending)
}

func TestDependenciesSatisfiedByArchive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	dep := insertReady(t, store, "ralph/dep-archived")
	_, err := store.UpdateExecution(ctx, dep.ID,
		NewPatch().Status(v1.StatusMerged), SkipTransitionValidation())
	require.NoError(t, err)
	require.NoError(t, store.ArchiveExecution(ctx, dep.ID))

	status, err := store.AreDependenciesSatisfied(ctx, DependencyQuery{
		Dependencies: []string{"ralph/dep-archived"},
	})
	require.NoError(t, err)
	assert.True(t, status.Satisfied)
}

func TestDependenciesSatisfiedByArchiveDespiteRerun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	dep := insertReady(t, store, "ralph/dep-rerun")
	_, err := store.UpdateExecution(ctx, dep.ID,
		NewPatch().Status(v1.StatusMerged), SkipTransitionValidation())
	require.NoError(t, err)
	require.NoError(t, store.ArchiveExecution(ctx, dep.ID))

	// The same branch enqueued again must not mask the merged archive entry.
	insertReady(t, store, "ralph/dep-rerun")

	status, err := store.AreDependenciesSatisfied(ctx, DependencyQuery{
		Dependencies: []string{"ralph/dep-rerun"},
	})
	require.NoError(t, err)
	assert.True(t, status.Satisfied)
	assert.Equal(t, []string{"ralph/dep-rerun"}, status.Completed)
}

func TestDependenciesSatisfiedByPRDFrontMatter(t *testing.T) {
	store := openTestStore(t)
	root := t.TempDir()
	tasks := filepath.Join(root, "tasks")
	require.NoError(t, os.MkdirAll(tasks, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tasks, "feature-db.md"),
		[]byte("---\nstatus: completed\n---\n# DB\n"), 0o644))

	status, err := store.AreDependenciesSatisfied(context.Background(), DependencyQuery{
		Dependencies: []string{"feature-db", "feature-unknown"},
		ProjectRoot:  root,
	})
	require.NoError(t, err)
	assert.False(t, status.Satisfied)
	assert.Equal(t, []string{"feature-db"}, status.Completed)
	assert.Equal(t, []string{"feature-unknown"}, status.Pending, "unresolvable stays pending, never fails")
}

func TestNoDependenciesIsSatisfied(t *testing.T) {
	store := openTestStore(t)
	status, err := store.AreDependenciesSatisfied(context.Background(), DependencyQuery{})
	require.NoError(t, err)
	assert.True(t, status.Satisfied)
	assert.Empty(t, status.Pending)
}
