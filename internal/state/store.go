// Package state implements the durable, single-writer execution state store:
// a JSON document on disk guarded by a stale-safe advisory lock, with atomic
// writes, rotating backups, and transition-validated updates.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

const (
	stateFileName = "state.json"
	lockFileName  = "state.lock"
	backupPrefix  = "state.json.backup-"
)

// Options configures a Store.
type Options struct {
	LockStale       time.Duration // lock older than this is reclaimable (default 30s)
	LockRefresh     time.Duration // held-lock refresh cadence (default 5s)
	BackupRetention int           // newest N backups kept (default 10)
	BackupInterval  time.Duration // minimum spacing between backups (default 15m)
	Now             func() time.Time
}

func (o *Options) withDefaults() {
	if o.BackupRetention <= 0 {
		o.BackupRetention = 10
	}
	if o.BackupInterval <= 0 {
		o.BackupInterval = 15 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is the single-writer repository of execution records. Writers
// serialize through the file lock; readers load the latest snapshot
// lock-free.
type Store struct {
	dir       string
	statePath string
	lock      *fileLock
	opts      Options
	logger    *logger.Logger

	mu         sync.Mutex // serializes writers within this process
	lastBackup time.Time
	now        func() time.Time
}

// Open opens (or initializes) the state store in dir.
func Open(dir string, opts Options, log *logger.Logger) (*Store, error) {
	opts.withDefaults()
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}

	s := &Store{
		dir:       dir,
		statePath: filepath.Join(dir, stateFileName),
		lock:      newFileLock(filepath.Join(dir, lockFileName), opts.LockStale, opts.LockRefresh, opts.Now),
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "state-store"), zap.String("dir", dir)),
		now:       opts.Now,
	}

	// Initialize or upgrade the document under the lock.
	if err := s.withDocument(func(doc *Document) error { return nil }); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// load reads and upgrades the on-disk document. A missing file yields a
// fresh empty document.
func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return newDocument(), nil
		}
		return nil, apperrors.StorageUnavailable(err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.StorageUnavailable(fmt.Errorf("corrupt state document: %w", err))
	}
	doc.upgrade()
	return &doc, nil
}

// persist writes the document atomically: temp file in the same directory,
// then rename over state.json.
func (s *Store) persist(doc *Document) error {
	s.maybeBackup()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.StorageUnavailable(err)
	}

	tmp, err := os.CreateTemp(s.dir, stateFileName+".tmp-*")
	if err != nil {
		return apperrors.StorageUnavailable(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.StorageUnavailable(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.StorageUnavailable(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.StorageUnavailable(err)
	}
	if err := os.Rename(tmpName, s.statePath); err != nil {
		os.Remove(tmpName)
		return apperrors.StorageUnavailable(err)
	}
	return nil
}

// maybeBackup copies the current state file to a timestamped backup when the
// backup interval has elapsed, then prunes beyond the retention count.
func (s *Store) maybeBackup() {
	now := s.now()
	if now.Sub(s.lastBackup) < s.opts.BackupInterval {
		return
	}
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return
	}
	stamp := strings.ReplaceAll(now.UTC().Format(time.RFC3339), ":", "-")
	backupPath := filepath.Join(s.dir, backupPrefix+stamp)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		s.logger.Warn("failed to write state backup", zap.Error(err))
		return
	}
	s.lastBackup = now
	s.pruneBackups()
}

func (s *Store) pruneBackups() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), backupPrefix) {
			backups = append(backups, entry.Name())
		}
	}
	if len(backups) <= s.opts.BackupRetention {
		return
	}
	sort.Strings(backups) // timestamps sort lexically
	for _, name := range backups[:len(backups)-s.opts.BackupRetention] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("failed to prune state backup", zap.String("backup", name), zap.Error(err))
		}
	}
}

// withDocument runs a mutation under the file lock: read, mutate, persist.
// The callback's error aborts the persist.
func (s *Store) withDocument(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.lock.Acquire()
	if err != nil {
		if err == errLockHeld {
			return apperrors.StoreBusy(err)
		}
		return apperrors.StorageUnavailable(err)
	}
	defer release()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.persist(doc)
}

// ListExecutions returns all non-archived executions.
func (s *Store) ListExecutions(ctx context.Context) ([]*v1.Execution, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Execution, 0, len(doc.Executions))
	for _, e := range doc.Executions {
		out = append(out, e.Clone())
	}
	return out, nil
}

// ListArchivedExecutions returns the archive.
func (s *Store) ListArchivedExecutions(ctx context.Context) ([]*v1.Execution, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Execution, 0, len(doc.ArchivedExecutions))
	for _, e := range doc.ArchivedExecutions {
		out = append(out, e.Clone())
	}
	return out, nil
}

// FindExecutionByBranch returns the non-archived execution for a branch.
func (s *Store) FindExecutionByBranch(ctx context.Context, branch string) (*v1.Execution, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if e := doc.findExecutionByBranch(branch); e != nil {
		return e.Clone(), nil
	}
	return nil, apperrors.NotFound("execution", branch)
}

// FindExecutionByID returns the non-archived execution with the given id.
func (s *Store) FindExecutionByID(ctx context.Context, id string) (*v1.Execution, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if e := doc.findExecution(id); e != nil {
		return e.Clone(), nil
	}
	return nil, apperrors.NotFound("execution", id)
}

// ListUserStories returns the stories owned by an execution.
func (s *Store) ListUserStories(ctx context.Context, executionID string) ([]*v1.UserStory, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	stories := doc.storiesFor(executionID)
	out := make([]*v1.UserStory, 0, len(stories))
	for _, st := range stories {
		out = append(out, st.Clone())
	}
	return out, nil
}

// InsertExecution adds a new execution and its stories. Fails with a
// conflict when the branch collides with a non-archived record.
func (s *Store) InsertExecution(ctx context.Context, exec *v1.Execution, stories []*v1.UserStory) (*v1.Execution, error) {
	if exec == nil || exec.Branch == "" {
		return nil, apperrors.Validation("execution branch is required")
	}

	record := exec.Clone()
	now := s.now().UTC()
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.Priority = v1.NormalizePriority(record.Priority)
	if record.Status == "" {
		if len(record.Dependencies) > 0 {
			record.Status = v1.StatusPending
		} else {
			record.Status = v1.StatusReady
		}
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	err := s.withDocument(func(doc *Document) error {
		if existing := doc.findExecutionByBranch(record.Branch); existing != nil {
			return apperrors.Conflict(fmt.Sprintf("branch %q already has an active execution", record.Branch))
		}
		doc.Executions = append(doc.Executions, record)
		for _, st := range stories {
			story := st.Clone()
			if story.ID == "" {
				story.ID = uuid.New().String()
			}
			story.ExecutionID = record.ID
			story.Priority = v1.NormalizePriority(story.Priority)
			if story.CreatedAt.IsZero() {
				story.CreatedAt = now
			}
			story.UpdatedAt = now
			doc.UserStories = append(doc.UserStories, story)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// UpdateOption modifies update behavior.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	skipTransitionValidation bool
}

// SkipTransitionValidation bypasses the transition table. Permitted only for
// reconciler-driven corrections, which carry a reconcileReason.
func SkipTransitionValidation() UpdateOption {
	return func(o *updateOptions) { o.skipTransitionValidation = true }
}

// UpdateExecution applies a patch to an execution under the store lock,
// validating any status change against the transition table.
func (s *Store) UpdateExecution(ctx context.Context, id string, patch *Patch, opts ...UpdateOption) (*v1.Execution, error) {
	var options updateOptions
	for _, opt := range opts {
		opt(&options)
	}

	var updated *v1.Execution
	err := s.withDocument(func(doc *Document) error {
		record := doc.findExecution(id)
		if record == nil {
			return apperrors.NotFound("execution", id)
		}
		if target, ok := patch.TargetStatus(); ok && !options.skipTransitionValidation {
			if err := ValidateTransition(record.Status, target); err != nil {
				return err
			}
		}
		patch.apply(record, s.now().UTC())
		updated = record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetStoryEvidence records pass/fail state and per-criterion evidence for a
// story, as reported by the agent.
func (s *Store) SetStoryEvidence(ctx context.Context, executionID, storyID string, passes bool, evidence map[string]v1.ACEvidence) (*v1.UserStory, error) {
	var updated *v1.UserStory
	err := s.withDocument(func(doc *Document) error {
		for _, st := range doc.UserStories {
			if st.ExecutionID == executionID && st.StoryID == storyID {
				st.Passes = passes
				if evidence != nil {
					if st.ACEvidence == nil {
						st.ACEvidence = make(map[string]v1.ACEvidence, len(evidence))
					}
					for k, v := range evidence {
						st.ACEvidence[k] = v
					}
				}
				st.UpdatedAt = s.now().UTC()
				// Story updates count as execution activity.
				if e := doc.findExecution(executionID); e != nil {
					e.UpdatedAt = st.UpdatedAt
				}
				updated = st.Clone()
				return nil
			}
		}
		return apperrors.NotFound("user story", storyID)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ArchiveExecution moves a terminal execution and its stories to the
// archive collections.
func (s *Store) ArchiveExecution(ctx context.Context, id string) error {
	return s.withDocument(func(doc *Document) error {
		for i, e := range doc.Executions {
			if e.ID != id {
				continue
			}
			if !e.Status.IsTerminal() {
				return apperrors.Validation(fmt.Sprintf("cannot archive execution in status %q", e.Status))
			}
			doc.Executions = append(doc.Executions[:i], doc.Executions[i+1:]...)
			doc.ArchivedExecutions = append(doc.ArchivedExecutions, e)

			kept := doc.UserStories[:0]
			for _, st := range doc.UserStories {
				if st.ExecutionID == id {
					doc.ArchivedStories = append(doc.ArchivedStories, st)
				} else {
					kept = append(kept, st)
				}
			}
			doc.UserStories = kept
			return nil
		}
		return apperrors.NotFound("execution", id)
	})
}

// SetExecutionHealth records the health label and observed activity time
// without bumping UpdatedAt. Health bookkeeping must not itself read as
// activity, or the idle clock would reset on every monitoring pass.
func (s *Store) SetExecutionHealth(ctx context.Context, id string, label v1.HealthStatus, lastActivity time.Time) error {
	return s.withDocument(func(doc *Document) error {
		e := doc.findExecution(id)
		if e == nil {
			return apperrors.NotFound("execution", id)
		}
		e.HealthStatus = label
		t := lastActivity
		e.LastActivityAt = &t
		return nil
	})
}

// ResetStagnation zeroes the stagnation counters and clears the last error.
func (s *Store) ResetStagnation(ctx context.Context, id string) error {
	_, err := s.UpdateExecution(ctx, id, NewPatch().ResetStagnation())
	return err
}

// GetRunnerConfig returns the stored runner configuration singleton.
func (s *Store) GetRunnerConfig(ctx context.Context) (*v1.RunnerConfig, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	cfg := *doc.RunnerConfig
	return &cfg, nil
}

// SetRunnerMaxConcurrency updates the stored concurrency cap with a change
// rationale.
func (s *Store) SetRunnerMaxConcurrency(ctx context.Context, n int, reason string) (*v1.RunnerConfig, error) {
	if n < 1 {
		return nil, apperrors.Validation("max concurrency must be at least 1")
	}
	var updated v1.RunnerConfig
	err := s.withDocument(func(doc *Document) error {
		doc.RunnerConfig.MaxConcurrency = n
		doc.RunnerConfig.Reason = reason
		doc.RunnerConfig.UpdatedAt = s.now().UTC()
		updated = *doc.RunnerConfig
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListMergeQueue returns the merge queue ordered by position.
func (s *Store) ListMergeQueue(ctx context.Context) ([]*v1.MergeQueueItem, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*v1.MergeQueueItem, 0, len(doc.MergeQueue))
	for _, item := range doc.MergeQueue {
		cp := *item
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// InsertMergeQueueItem appends an execution to the merge queue.
func (s *Store) InsertMergeQueueItem(ctx context.Context, executionID string) (*v1.MergeQueueItem, error) {
	var item *v1.MergeQueueItem
	err := s.withDocument(func(doc *Document) error {
		if doc.findExecution(executionID) == nil {
			return apperrors.NotFound("execution", executionID)
		}
		position := 0
		for _, existing := range doc.MergeQueue {
			if existing.ExecutionID == executionID &&
				(existing.Status == v1.MergePending || existing.Status == v1.MergeMerging) {
				return apperrors.Conflict("execution already queued for merge")
			}
			if existing.Position >= position {
				position = existing.Position + 1
			}
		}
		item = &v1.MergeQueueItem{
			ID:          uuid.New().String(),
			ExecutionID: executionID,
			Position:    position,
			Status:      v1.MergePending,
			CreatedAt:   s.now().UTC(),
		}
		doc.MergeQueue = append(doc.MergeQueue, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp := *item
	return &cp, nil
}

// UpdateMergeQueueItem changes the status of a merge queue item.
func (s *Store) UpdateMergeQueueItem(ctx context.Context, id string, status v1.MergeQueueStatus) error {
	return s.withDocument(func(doc *Document) error {
		for _, item := range doc.MergeQueue {
			if item.ID == id {
				item.Status = status
				return nil
			}
		}
		return apperrors.NotFound("merge queue item", id)
	})
}

// DeleteMergeQueueByExecutionID removes all queue items for an execution.
func (s *Store) DeleteMergeQueueByExecutionID(ctx context.Context, executionID string) error {
	return s.withDocument(func(doc *Document) error {
		kept := doc.MergeQueue[:0]
		for _, item := range doc.MergeQueue {
			if item.ExecutionID != executionID {
				kept = append(kept, item)
			}
		}
		doc.MergeQueue = kept
		return nil
	})
}

// NextPendingMergeItem returns the lowest-position pending item, or nil.
func (s *Store) NextPendingMergeItem(ctx context.Context) (*v1.MergeQueueItem, error) {
	items, err := s.ListMergeQueue(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.Status == v1.MergePending {
			return item, nil
		}
	}
	return nil, nil
}
