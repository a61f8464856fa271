package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"image-creator-backend/internal/middleware"
	"image-creator-backend/internal/models"
	"image-creator-backend/internal/tasks"
	"image-creator-backend/internal/templates"
)

type TasksHandler struct {
	tasks     *tasks.Service
	templates *templates.Service
	stream    *StreamHandler
}

func NewTasksHandler(taskService *tasks.Service, templateService *templates.Service, stream *StreamHandler) *TasksHandler {
	return &TasksHandler{
		tasks:     taskService,
		templates: templateService,
		stream:    stream,
	}
}

// Generate godoc
// @Summary     Submit an image generation task
// @Description Deducts the task cost and queues generation. Returns 400 when the balance is too low.
// @Tags        tasks
// @Accept      json
// @Produce     json
// @Param       request body models.GenerateRequest true "Prompt"
// @Success     202 {object} models.GenerateResponse
// @Failure     400 {object} models.ErrorResponse
// @Security    BearerAuth
// @Router      /api/generate [post]
func (h *TasksHandler) Generate(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req models.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	params := tasks.CreateParams{
		Prompt:      req.Prompt,
		Style:       req.Style,
		AspectRatio: req.AspectRatio,
	}
	if req.TemplateID != "" && h.templates != nil {
		templateID, err := uuid.Parse(req.TemplateID)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid template_id"})
			return
		}
		tpl, err := h.templates.Get(c.Request.Context(), templateID, userID)
		if err != nil {
			respondError(c, err)
			return
		}
		if params.Style == "" {
			params.Style = tpl.Style
		}
		if params.AspectRatio == "" {
			params.AspectRatio = tpl.AspectRatio
		}
	}

	task, balance, err := h.tasks.Create(c.Request.Context(), userID, params)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, models.GenerateResponse{
		Success: true,
		Task:    models.NewTaskResponse(task),
		Credits: balance.Credits,
	})
}

// ListTasks godoc
// @Summary     List the caller's tasks
// @Tags        tasks
// @Produce     json
// @Param       limit query int false "max tasks (default 50)"
// @Success     200 {object} models.TaskListResponse
// @Security    BearerAuth
// @Router      /api/tasks [get]
func (h *TasksHandler) ListTasks(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	list, err := h.tasks.List(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.TaskListResponse{Tasks: make([]models.TaskResponse, 0, len(list))}
	for i := range list {
		resp.Tasks = append(resp.Tasks, models.NewTaskResponse(&list[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// GetTask godoc
// @Summary     Read one task
// @Description Polling path for clients without a stream.
// @Tags        tasks
// @Produce     json
// @Param       taskId path string true "Task ID"
// @Success     200 {object} models.TaskResponse
// @Failure     403 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Security    BearerAuth
// @Router      /api/tasks/{taskId} [get]
// @Router      /api/task-final-check/{taskId} [get]
func (h *TasksHandler) GetTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	task, err := h.tasks.GetForUser(c.Request.Context(), c.Param("taskId"), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewTaskResponse(task))
}

// CancelTask godoc
// @Summary     Cancel a task
// @Description Cancels a pending or processing task and refunds its credit. A task that already finished is returned unchanged.
// @Tags        tasks
// @Produce     json
// @Param       taskId path string true "Task ID"
// @Success     200 {object} models.TaskResponse
// @Failure     403 {object} models.ErrorResponse
// @Security    BearerAuth
// @Router      /api/task-final-check/{taskId} [post]
func (h *TasksHandler) CancelTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	task, err := h.tasks.Cancel(c.Request.Context(), c.Param("taskId"), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewTaskResponse(task))
}

// GetNotification godoc
// @Summary     Task status, streamed or polled
// @Description Streams events when the client accepts text/event-stream, otherwise returns the current status.
// @Tags        tasks
// @Produce     json
// @Produce     text/event-stream
// @Param       taskId query string true "Task ID"
// @Success     200 {object} models.TaskResponse
// @Security    BearerAuth
// @Router      /api/task-notification [get]
func (h *TasksHandler) GetNotification(c *gin.Context) {
	taskID := c.Query("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "taskId is required"})
		return
	}
	c.AddParam("taskId", taskID)

	if h.stream != nil && strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.stream.SSE(c)
		return
	}
	h.GetTask(c)
}

// PostNotification godoc
// @Summary     Report a task status change
// @Description Internal callers may set any status. End users may only cancel their own task.
// @Tags        tasks
// @Accept      json
// @Produce     json
// @Param       request body models.TaskNotificationRequest true "Status report"
// @Success     200 {object} models.TaskResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     403 {object} models.ErrorResponse
// @Security    TaskSecret
// @Router      /api/task-notification [post]
func (h *TasksHandler) PostNotification(c *gin.Context) {
	var req models.TaskNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	var actor *uuid.UUID
	if !middleware.IsInternal(c) {
		userID, ok := currentUserID(c)
		if !ok {
			return
		}
		actor = &userID
	}

	task, err := h.tasks.Apply(c.Request.Context(), tasks.Update{
		TaskID:   req.TaskID,
		Status:   models.TaskStatus(req.Status),
		ImageURL: req.ImageURL,
		Error:    req.Error,
		Progress: req.Progress,
		Stage:    req.Stage,
	}, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewTaskResponse(task))
}
