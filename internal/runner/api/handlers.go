// Package api exposes the operator HTTP surface of the runner.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/runner"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// Handler contains HTTP handlers for the runner API
type Handler struct {
	service *runner.Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(service *runner.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "runner-api")),
	}
}

func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Internal("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// ListExecutions returns all live executions
// GET /api/v1/runner/executions
func (h *Handler) ListExecutions(c *gin.Context) {
	execs, err := h.service.Store().ListExecutions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ExecutionListResponse{Executions: execs, Total: len(execs)})
}

// ListArchivedExecutions returns the archive
// GET /api/v1/runner/executions/archived
func (h *Handler) ListArchivedExecutions(c *gin.Context) {
	execs, err := h.service.Store().ListArchivedExecutions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ExecutionListResponse{Executions: execs, Total: len(execs)})
}

// GetExecution returns one execution with its stories
// GET /api/v1/runner/executions/:id
func (h *Handler) GetExecution(c *gin.Context) {
	id := c.Param("id")
	exec, err := h.service.Store().FindExecutionByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	stories, err := h.service.Store().ListUserStories(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ExecutionResponse{Execution: exec, UserStories: stories})
}

// Enqueue inserts a new execution from a PRD file
// POST /api/v1/runner/executions
func (h *Handler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation(err.Error()))
		return
	}
	exec, err := h.service.Enqueue(c.Request.Context(), req.PRDPath, runner.EnqueueOptions{
		Branch:   req.Branch,
		Priority: v1.Priority(req.Priority),
		Project:  req.Project,
	})
	if err != nil {
		h.logger.Error("enqueue failed", zap.String("prd", req.PRDPath), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// Retry requeues a terminal execution
// POST /api/v1/runner/executions/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	exec, err := h.service.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Stop stops a non-terminal execution
// POST /api/v1/runner/executions/:id/stop
func (h *Handler) Stop(c *gin.Context) {
	exec, err := h.service.StopExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Archive moves a terminal execution to the archive
// POST /api/v1/runner/executions/:id/archive
func (h *Handler) Archive(c *gin.Context) {
	if err := h.service.Archive(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "execution archived"})
}

// SetStoryEvidence records acceptance-criterion evidence for a story
// PUT /api/v1/runner/executions/:id/stories/:storyId/evidence
func (h *Handler) SetStoryEvidence(c *gin.Context) {
	var req v1.StoryEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation(err.Error()))
		return
	}
	story, err := h.service.Store().SetStoryEvidence(
		c.Request.Context(), c.Param("id"), c.Param("storyId"), req.Passes, req.ACEvidence)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, story)
}

// GetSchedulerStatus returns the poll loop snapshot
// GET /api/v1/runner/scheduler
func (h *Handler) GetSchedulerStatus(c *gin.Context) {
	status, err := h.service.Scheduler().Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetRunnerConfig returns the stored runtime configuration
// GET /api/v1/runner/config
func (h *Handler) GetRunnerConfig(c *gin.Context) {
	cfg, err := h.service.Store().GetRunnerConfig(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// SetConcurrency updates the stored concurrency cap
// PUT /api/v1/runner/config/concurrency
func (h *Handler) SetConcurrency(c *gin.Context) {
	var req v1.SetConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation(err.Error()))
		return
	}
	cfg, err := h.service.Store().SetRunnerMaxConcurrency(c.Request.Context(), req.MaxConcurrency, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	h.logger.Info("max concurrency updated",
		zap.Int("max_concurrency", req.MaxConcurrency),
		zap.String("reason", req.Reason))
	c.JSON(http.StatusOK, cfg)
}

// ListMergeQueue returns the merge queue in position order
// GET /api/v1/runner/merge-queue
func (h *Handler) ListMergeQueue(c *gin.Context) {
	items, err := h.service.Store().ListMergeQueue(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, MergeQueueResponse{Items: items, Total: len(items)})
}

// QueueMerge appends a completed execution to the merge queue
// POST /api/v1/runner/merge-queue
func (h *Handler) QueueMerge(c *gin.Context) {
	var req QueueMergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation(err.Error()))
		return
	}
	item, err := h.service.QueueMerge(c.Request.Context(), req.ExecutionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}
