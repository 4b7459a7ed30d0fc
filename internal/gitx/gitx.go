// Package gitx is the source-tree adapter: every query the reconciler and
// health monitor make against a repository shells out to git with a
// caller-side timeout.
package gitx

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/logger"
)

// Client runs git commands in a repository root.
type Client struct {
	repoRoot string
	timeout  time.Duration
	logger   *logger.Logger
}

// NewClient creates a client for the given repository root. A zero timeout
// defaults to 15 seconds per command.
func NewClient(repoRoot string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		repoRoot: repoRoot,
		timeout:  timeout,
		logger:   log.WithFields(zap.String("component", "gitx"), zap.String("repo", repoRoot)),
	}
}

// RepoRoot returns the repository root this client operates on.
func (c *Client) RepoRoot() string {
	return c.repoRoot
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Fetch updates remote tracking refs. Failures are logged but not fatal to
// a reconcile pass, so callers typically ignore the error.
func (c *Client) Fetch(ctx context.Context) error {
	_, err := c.run(ctx, "fetch", "--prune", "--quiet")
	if err != nil {
		c.logger.Debug("git fetch failed", zap.Error(err))
	}
	return err
}

// BranchExists reports whether the branch exists locally or on origin.
func (c *Client) BranchExists(ctx context.Context, branch string) (bool, error) {
	if _, err := c.run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		return true, nil
	}
	if _, err := c.run(ctx, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+branch); err == nil {
		return true, nil
	}
	return false, nil
}

// BranchHead resolves the commit id at the tip of a branch.
func (c *Client) BranchHead(ctx context.Context, branch string) (string, error) {
	if sha, err := c.run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		return sha, nil
	}
	return c.run(ctx, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+branch)
}

// MergedBranches lists branches merged into the canonical main branch.
// Prefers origin/main, falling back to local main.
func (c *Client) MergedBranches(ctx context.Context) (map[string]bool, error) {
	out, err := c.run(ctx, "branch", "--all", "--merged", "origin/main", "--format", "%(refname:short)")
	if err != nil {
		out, err = c.run(ctx, "branch", "--all", "--merged", "main", "--format", "%(refname:short)")
		if err != nil {
			return nil, err
		}
	}

	merged := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		name = strings.TrimPrefix(name, "origin/")
		if name != "" {
			merged[name] = true
		}
	}
	return merged, nil
}

// CommitTime returns the committer timestamp of a commit.
func (c *Client) CommitTime(ctx context.Context, ref string) (time.Time, error) {
	out, err := c.run(ctx, "show", "-s", "--format=%ct", ref)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unexpected commit time %q: %w", out, err)
	}
	return time.Unix(secs, 0), nil
}

// CommitSubject returns the subject line of a commit.
func (c *Client) CommitSubject(ctx context.Context, ref string) (string, error) {
	return c.run(ctx, "show", "-s", "--format=%s", ref)
}

// RemoveWorktree removes a worktree directory and prunes git's metadata.
// Falls back to plain directory removal when the path is not registered.
func (c *Client) RemoveWorktree(ctx context.Context, worktreePath string) error {
	if worktreePath == "" {
		return nil
	}
	if _, err := c.run(ctx, "worktree", "remove", "--force", worktreePath); err != nil {
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("failed to remove worktree %s: %w", worktreePath, rmErr)
		}
	}
	_, _ = c.run(ctx, "worktree", "prune")
	return nil
}
