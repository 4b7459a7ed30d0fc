// Package health computes per-execution activity freshness and classifies
// each running agent as active, idle, at_risk, or stale.
package health

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/config"
	"github.com/ralphdev/ralph/internal/common/logger"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// GitInfo is the slice of the git client the monitor reads commit signals
// from. Satisfied by *gitx.Client.
type GitInfo interface {
	BranchHead(ctx context.Context, branch string) (string, error)
	CommitTime(ctx context.Context, ref string) (time.Time, error)
	CommitSubject(ctx context.Context, ref string) (string, error)
}

// progressArtifacts are the well-known files agents touch to signal progress.
var progressArtifacts = []string{
	filepath.Join(".ralph", "progress.md"),
	"PROGRESS.md",
}

// Config holds the labeling thresholds and adaptive timeouts.
type Config struct {
	ActiveThreshold time.Duration
	AtRiskThreshold time.Duration
	StaleThreshold  time.Duration

	TaskTimeouts map[v1.TaskType]time.Duration

	WorktreeScanLimit int
	LogTailBytes      int
}

// FromAppConfig converts the loaded configuration section.
func FromAppConfig(h config.HealthConfig) Config {
	return Config{
		ActiveThreshold: time.Duration(h.ActiveThresholdMs) * time.Millisecond,
		AtRiskThreshold: time.Duration(h.AtRiskThresholdMs) * time.Millisecond,
		StaleThreshold:  time.Duration(h.StaleThresholdMs) * time.Millisecond,
		TaskTimeouts: map[v1.TaskType]time.Duration{
			v1.TaskImplementing: time.Duration(h.ImplementingTimeoutMin) * time.Minute,
			v1.TaskBuilding:     time.Duration(h.BuildingTimeoutMin) * time.Minute,
			v1.TaskTesting:      time.Duration(h.TestingTimeoutMin) * time.Minute,
			v1.TaskVerifying:    time.Duration(h.VerifyingTimeoutMin) * time.Minute,
			v1.TaskUnknown:      time.Duration(h.UnknownTimeoutMin) * time.Minute,
		},
		WorktreeScanLimit: h.WorktreeScanLimit,
		LogTailBytes:      h.LogTailBytes,
	}
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		ActiveThreshold: 30 * time.Second,
		AtRiskThreshold: 5 * time.Minute,
		StaleThreshold:  15 * time.Minute,
		TaskTimeouts: map[v1.TaskType]time.Duration{
			v1.TaskImplementing: 30 * time.Minute,
			v1.TaskBuilding:     60 * time.Minute,
			v1.TaskTesting:      60 * time.Minute,
			v1.TaskVerifying:    60 * time.Minute,
			v1.TaskUnknown:      20 * time.Minute,
		},
		WorktreeScanLimit: 200,
		LogTailBytes:      64 * 1024,
	}
}

// Assessment is the outcome of one health evaluation.
type Assessment struct {
	LastActivity time.Time
	IdleFor      time.Duration
	TaskType     v1.TaskType
	Label        v1.HealthStatus
	// Stale is true only when the label is stale AND the idle time exceeds
	// the adaptive timeout for the inferred task type. It alone triggers
	// recovery.
	Stale bool
}

// Monitor evaluates running executions against the configured thresholds.
type Monitor struct {
	cfg    Config
	git    GitInfo
	logger *logger.Logger
	now    func() time.Time
}

// NewMonitor creates a health monitor. git may be nil, in which case commit
// signals are skipped.
func NewMonitor(cfg Config, git GitInfo, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.Default()
	}
	if cfg.WorktreeScanLimit <= 0 {
		cfg.WorktreeScanLimit = 200
	}
	if cfg.LogTailBytes <= 0 {
		cfg.LogTailBytes = 64 * 1024
	}
	return &Monitor{
		cfg:    cfg,
		git:    git,
		logger: log.WithFields(zap.String("component", "health-monitor")),
		now:    time.Now,
	}
}

// SetClock overrides the monitor's clock; used by tests.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Assess computes lastActivity as the max of all available signals, infers
// the task type, and labels the execution. Absent signals are ignored.
func (m *Monitor) Assess(ctx context.Context, exec *v1.Execution) *Assessment {
	last := exec.UpdatedAt
	if exec.LastActivityAt != nil && exec.LastActivityAt.After(last) {
		last = *exec.LastActivityAt
	}
	commitSubject := ""

	if exec.WorktreePath != "" {
		for _, rel := range progressArtifacts {
			if mtime, ok := fileMtime(filepath.Join(exec.WorktreePath, rel)); ok && mtime.After(last) {
				last = mtime
			}
		}
		if mtime, ok := m.newestWorktreeMtime(exec.WorktreePath); ok && mtime.After(last) {
			last = mtime
		}
	}

	if m.git != nil && exec.Branch != "" {
		if head, err := m.git.BranchHead(ctx, exec.Branch); err == nil && head != exec.BaseCommitSHA {
			if t, err := m.git.CommitTime(ctx, head); err == nil && t.After(last) {
				last = t
			}
			if subj, err := m.git.CommitSubject(ctx, head); err == nil {
				commitSubject = subj
			}
		}
	}

	if exec.LogPath != "" {
		if mtime, ok := fileMtime(exec.LogPath); ok && mtime.After(last) {
			last = mtime
		}
	}

	now := m.now()
	idle := now.Sub(last)
	if idle < 0 {
		idle = 0
	}

	taskType := m.inferTaskType(exec, commitSubject)
	label, stale := m.label(idle, taskType)

	return &Assessment{
		LastActivity: last,
		IdleFor:      idle,
		TaskType:     taskType,
		Label:        label,
		Stale:        stale,
	}
}

// AdaptiveTimeout returns the stale timeout for a task type.
func (m *Monitor) AdaptiveTimeout(t v1.TaskType) time.Duration {
	if d, ok := m.cfg.TaskTimeouts[t]; ok {
		return d
	}
	return m.cfg.TaskTimeouts[v1.TaskUnknown]
}

func (m *Monitor) label(idle time.Duration, taskType v1.TaskType) (v1.HealthStatus, bool) {
	switch {
	case idle < m.cfg.ActiveThreshold:
		return v1.HealthActive, false
	case idle < m.cfg.AtRiskThreshold:
		return v1.HealthIdle, false
	case idle < m.cfg.StaleThreshold:
		return v1.HealthAtRisk, false
	}
	if idle > m.AdaptiveTimeout(taskType) {
		return v1.HealthStale, true
	}
	return v1.HealthAtRisk, false
}

// inferTaskType keyword-scans the strongest available signals in order:
// currentStep, latest commit subject, lastError, then the log tail.
func (m *Monitor) inferTaskType(exec *v1.Execution, commitSubject string) v1.TaskType {
	for _, text := range []string{exec.CurrentStep, commitSubject, exec.LastError} {
		if t := classify(text); t != v1.TaskUnknown {
			return t
		}
	}
	if exec.LogPath != "" {
		if tail, err := readTail(exec.LogPath, int64(m.cfg.LogTailBytes)); err == nil {
			if t := classify(tail); t != v1.TaskUnknown {
				return t
			}
		}
	}
	return v1.TaskUnknown
}

func classify(text string) v1.TaskType {
	s := strings.ToLower(text)
	switch {
	case s == "":
		return v1.TaskUnknown
	case strings.Contains(s, "test"):
		return v1.TaskTesting
	case strings.Contains(s, "build") || strings.Contains(s, "compil"):
		return v1.TaskBuilding
	case strings.Contains(s, "verif") || strings.Contains(s, "review") || strings.Contains(s, "lint"):
		return v1.TaskVerifying
	case strings.Contains(s, "implement") || strings.Contains(s, "writ") || strings.Contains(s, "creat") || strings.Contains(s, "edit") || strings.Contains(s, "fix"):
		return v1.TaskImplementing
	default:
		return v1.TaskUnknown
	}
}

// newestWorktreeMtime samples up to the configured limit of files under the
// worktree (skipping .git) and returns the newest modification time.
func (m *Monitor) newestWorktreeMtime(root string) (time.Time, bool) {
	var newest time.Time
	seen := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		seen++
		if seen > m.cfg.WorktreeScanLimit {
			return filepath.SkipAll
		}
		if info, err := d.Info(); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, !newest.IsZero()
}

func fileMtime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// readTail reads at most limit bytes from the end of a file.
func readTail(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > limit {
		if _, err := f.Seek(-limit, io.SeekEnd); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
