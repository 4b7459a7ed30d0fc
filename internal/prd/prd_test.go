package prd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

func writePRD(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const markdownPRD = `---
id: feature-auth
branch: ralph/feature-auth
status: in-progress
priority: P0
dependencies:
  - feature-db
---
# Authentication

Add login and session handling to the service.

## US-1: Login endpoint

Users can authenticate with a password.

- [ ] POST /login returns a session token
- [x] Invalid credentials return 401

## US-2: Session expiry

- [ ] Sessions expire after 24h
`

func TestParseMarkdownPRD(t *testing.T) {
	dir := t.TempDir()
	path := writePRD(t, dir, "feature-auth.md", markdownPRD)

	doc, err := ParseFile(path)
	require.NoError(t, err)

	assert.Equal(t, "feature-auth", doc.ID)
	assert.Equal(t, "ralph/feature-auth", doc.BranchName)
	assert.Equal(t, v1.PriorityP0, doc.Priority)
	assert.Equal(t, []string{"feature-db"}, doc.Dependencies)
	assert.Equal(t, "Add login and session handling to the service.", doc.Description)
	assert.False(t, doc.Completed())

	require.Len(t, doc.UserStories, 2)
	assert.Equal(t, "US-1", doc.UserStories[0].StoryID)
	assert.Equal(t, "Login endpoint", doc.UserStories[0].Title)
	assert.Equal(t, "Users can authenticate with a password.", doc.UserStories[0].Description)
	assert.Len(t, doc.UserStories[0].AcceptanceCriteria, 2)
	assert.Equal(t, "POST /login returns a session token", doc.UserStories[0].AcceptanceCriteria[0])
	assert.Equal(t, "US-2", doc.UserStories[1].StoryID)
}

func TestParseMarkdownWithoutFrontMatter(t *testing.T) {
	dir := t.TempDir()
	path := writePRD(t, dir, "Fix Flaky Tests.md", "# Fix flaky tests\n\nStabilize the suite.\n")

	doc, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ralph/fix-flaky-tests", doc.BranchName, "branch derives from the filename")
	assert.Equal(t, v1.PriorityP1, doc.Priority)
	assert.Empty(t, doc.Dependencies)
}

func TestParseJSONPRD(t *testing.T) {
	dir := t.TempDir()
	path := writePRD(t, dir, "feature-db.json", `{
		"id": "feature-db",
		"branch": "ralph/feature-db",
		"status": "completed",
		"priority": "P2",
		"description": "Database layer",
		"userStories": [
			{"id": "US-1", "title": "Schema", "acceptanceCriteria": ["tables exist"]}
		]
	}`)

	doc, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ralph/feature-db", doc.BranchName)
	assert.Equal(t, v1.PriorityP2, doc.Priority)
	assert.True(t, doc.Completed())
	require.Len(t, doc.UserStories, 1)
	assert.Equal(t, "Schema", doc.UserStories[0].Title)
}

func TestDocumentMatches(t *testing.T) {
	doc := &Document{
		Path:       "/tasks/feature-auth.md",
		ID:         "AUTH-7",
		BranchName: "ralph/feature-auth",
	}
	assert.True(t, doc.Matches("feature-auth"), "filename stem")
	assert.True(t, doc.Matches("ralph/feature-auth"), "branch")
	assert.True(t, doc.Matches("AUTH-7"), "front-matter id")
	assert.False(t, doc.Matches("feature-db"))
	assert.False(t, doc.Matches(""))
}

func TestResolveDependencyByFilename(t *testing.T) {
	dir := t.TempDir()
	writePRD(t, dir, "feature-db.md", "---\nstatus: done\n---\n# DB\n")
	dependent := writePRD(t, dir, "feature-auth.md", markdownPRD)

	doc := ResolveDependency("feature-db", dependent, "")
	require.NotNil(t, doc)
	assert.True(t, doc.Completed())

	assert.Nil(t, ResolveDependency("feature-missing", dependent, ""))
}

func TestResolveDependencyByFrontMatter(t *testing.T) {
	root := t.TempDir()
	tasks := filepath.Join(root, "tasks")
	require.NoError(t, os.MkdirAll(tasks, 0o755))

	// Filename does not match the identifier; front-matter id does.
	writePRD(t, tasks, "0001-database.md", "---\nid: feature-db\nstatus: completed\n---\n# DB\n")

	doc := ResolveDependency("feature-db", "", root)
	require.NotNil(t, doc)
	assert.Equal(t, "feature-db", doc.ID)
	assert.True(t, doc.Completed())
}
