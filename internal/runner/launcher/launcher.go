// Package launcher spawns detached agent processes for claimed executions.
// The child must survive scheduler death, so it is started in its own
// session and never killed by the runner.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/logger"
)

// LaunchRequest carries everything the launcher needs for one agent.
type LaunchRequest struct {
	ExecutionID  string
	Branch       string
	Prompt       string
	WorktreePath string
}

// LaunchResult is the launcher's verdict within the startup window.
type LaunchResult struct {
	Success     bool
	AgentTaskID string
	AgentPID    int
	LogPath     string
	Error       string
}

// Launcher is the pluggable contract the scheduler drives.
type Launcher interface {
	Launch(ctx context.Context, req *LaunchRequest) (*LaunchResult, error)
}

// settlePeriod bounds how long Launch blocks a scheduler worker on a live
// child. A PID still alive after this long counts as launched; the
// reconciler owns deaths after that point.
const settlePeriod = 2 * time.Second

// ProcessLauncher launches the configured agent command as a detached
// subprocess, resolving by an early exit, the caller's deadline, or the
// settle period elapsing with the child still alive.
type ProcessLauncher struct {
	command       string
	args          []string
	logDir        string
	startupWindow time.Duration
	logger        *logger.Logger
}

// NewProcessLauncher creates a launcher for the given agent command. The
// transcript of each agent is appended under logDir.
func NewProcessLauncher(command string, args []string, logDir string, startupWindow time.Duration, log *logger.Logger) *ProcessLauncher {
	if startupWindow <= 0 {
		startupWindow = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &ProcessLauncher{
		command:       command,
		args:          args,
		logDir:        logDir,
		startupWindow: startupWindow,
		logger:        log.WithFields(zap.String("component", "launcher")),
	}
}

// Launch spawns the agent. The prompt is handed over through a file so
// arbitrarily large prompts never hit argv limits.
func (l *ProcessLauncher) Launch(ctx context.Context, req *LaunchRequest) (*LaunchResult, error) {
	if req.WorktreePath != "" {
		if _, err := os.Stat(req.WorktreePath); err != nil {
			return &LaunchResult{Error: fmt.Sprintf("worktree missing: %v", err)}, nil
		}
	}

	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	promptFile, err := os.CreateTemp(l.logDir, "prompt-"+req.ExecutionID+"-*.md")
	if err != nil {
		return nil, fmt.Errorf("failed to write prompt file: %w", err)
	}
	promptPath := promptFile.Name()
	if _, err := promptFile.WriteString(req.Prompt); err != nil {
		promptFile.Close()
		os.Remove(promptPath)
		return nil, fmt.Errorf("failed to write prompt file: %w", err)
	}
	promptFile.Close()

	logPath := filepath.Join(l.logDir, req.ExecutionID+".log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent log: %w", err)
	}
	defer logFile.Close()

	taskID := uuid.New().String()

	cmd := exec.Command(l.command, l.args...)
	cmd.Dir = req.WorktreePath
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"RALPH_EXECUTION_ID="+req.ExecutionID,
		"RALPH_BRANCH="+req.Branch,
		"RALPH_PROMPT_FILE="+promptPath,
		"RALPH_AGENT_TASK_ID="+taskID,
	)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		os.Remove(promptPath)
		return &LaunchResult{Error: fmt.Sprintf("failed to start agent: %v", err)}, nil
	}
	pid := cmd.Process.Pid

	// Reap in the background so an early exit is observable without
	// blocking the startup window.
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	settle := settlePeriod
	if l.startupWindow < settle {
		settle = l.startupWindow
	}
	timer := time.NewTimer(settle)
	defer timer.Stop()

	select {
	case err := <-exited:
		if err != nil {
			return &LaunchResult{
				LogPath: logPath,
				Error:   fmt.Sprintf("agent exited during startup: %v", err),
			}, nil
		}
		// A clean early exit is treated as a successful (short) run.
		return &LaunchResult{Success: true, AgentTaskID: taskID, AgentPID: pid, LogPath: logPath}, nil
	case <-ctx.Done():
		// The caller's deadline elapsed first; the child keeps running
		// detached, and a live PID is still a success.
		if ProcessAlive(pid) {
			return &LaunchResult{Success: true, AgentTaskID: taskID, AgentPID: pid, LogPath: logPath}, nil
		}
		return &LaunchResult{LogPath: logPath, Error: "agent died before launch deadline"}, nil
	case <-timer.C:
		// Launch resolves as soon as the child has settled. Startup
		// confirmation is the reconciler's job from here, keyed off record
		// activity rather than PID liveness.
		if ProcessAlive(pid) {
			return &LaunchResult{Success: true, AgentTaskID: taskID, AgentPID: pid, LogPath: logPath}, nil
		}
		return &LaunchResult{LogPath: logPath, Error: "agent died immediately after launch"}, nil
	}
}
