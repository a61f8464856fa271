package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"image-creator-backend/internal/notifier"
	"image-creator-backend/internal/tasks"
)

const (
	defaultHeartbeat = 15 * time.Second
	defaultRepoll    = 5 * time.Second
	wsWriteWait      = 10 * time.Second
)

// StreamHandler pushes task events over SSE or WebSocket. The database is
// re-read on a timer so a watcher still converges when an event is missed.
type StreamHandler struct {
	tasks     *tasks.Service
	hub       *notifier.Hub
	heartbeat time.Duration
	repoll    time.Duration
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func NewStreamHandler(taskService *tasks.Service, hub *notifier.Hub, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		tasks:     taskService,
		hub:       hub,
		heartbeat: defaultHeartbeat,
		repoll:    defaultRepoll,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers cannot send an Authorization header here; the token in the query is the check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("stream"),
	}
}

// SetIntervals overrides the heartbeat and re-poll periods.
func (h *StreamHandler) SetIntervals(heartbeat, repoll time.Duration) {
	h.heartbeat = heartbeat
	h.repoll = repoll
}

type streamWriter struct {
	event func(notifier.Event) error
	ping  func() error
}

// SSE godoc
// @Summary     Stream task events (SSE)
// @Tags        tasks
// @Produce     text/event-stream
// @Param       taskId path string true "Task ID"
// @Param       access_token query string false "JWT for EventSource clients"
// @Success     200 {object} notifier.Event
// @Security    BearerAuth
// @Router      /api/tasks/stream/{taskId} [get]
func (h *StreamHandler) SSE(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	task, err := h.tasks.GetForUser(c.Request.Context(), c.Param("taskId"), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	w := streamWriter{
		event: func(e notifier.Event) error {
			c.SSEvent(e.Type, e)
			c.Writer.Flush()
			return nil
		},
		ping: func() error {
			if _, err := c.Writer.WriteString(": ping\n\n"); err != nil {
				return err
			}
			c.Writer.Flush()
			return nil
		},
	}
	h.follow(c.Request.Context(), task.ID, notifier.EventFromTask(task, notifier.EventStatus), w)
}

// WebSocket godoc
// @Summary     Stream task events (WebSocket)
// @Tags        tasks
// @Param       taskId path string true "Task ID"
// @Param       access_token query string false "JWT for browser clients"
// @Success     101
// @Security    BearerAuth
// @Router      /api/tasks/ws/{taskId} [get]
func (h *StreamHandler) WebSocket(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	task, err := h.tasks.GetForUser(c.Request.Context(), c.Param("taskId"), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads only detect the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	w := streamWriter{
		event: func(e notifier.Event) error {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(e)
		},
		ping: func() error {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		},
	}
	h.follow(ctx, task.ID, notifier.EventFromTask(task, notifier.EventStatus), w)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
}

// follow writes the current state, then hub events and re-polled changes
// until the task is terminal or the client leaves.
func (h *StreamHandler) follow(ctx context.Context, taskID string, current notifier.Event, w streamWriter) {
	if err := w.event(current); err != nil {
		return
	}
	if current.Terminal() {
		_ = w.event(notifier.CloseEvent(current))
		return
	}

	sub := h.hub.Subscribe(taskID)
	defer sub.Close()
	events := sub.C
	lastVersion := current.Version

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	repoll := time.NewTicker(h.repoll)
	defer repoll.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-events:
			if !ok {
				// Dropped by the hub; keep going on the re-poll alone.
				events = nil
				continue
			}
			if e.Version < lastVersion && e.Type != notifier.EventClose {
				continue
			}
			lastVersion = e.Version
			if err := w.event(e); err != nil || e.Type == notifier.EventClose {
				return
			}

		case <-repoll.C:
			task, err := h.tasks.Get(ctx, taskID)
			if err != nil {
				h.logger.Debug("stream re-poll failed", zap.String("task_id", taskID), zap.Error(err))
				continue
			}
			if task.LockVersion <= lastVersion {
				continue
			}
			lastVersion = task.LockVersion
			e := notifier.EventFromTask(task, notifier.EventStatus)
			if err := w.event(e); err != nil {
				return
			}
			if e.Terminal() {
				_ = w.event(notifier.CloseEvent(e))
				return
			}

		case <-heartbeat.C:
			if err := w.ping(); err != nil {
				return
			}
		}
	}
}
