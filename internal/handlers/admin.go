package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"image-creator-backend/internal/models"
	"image-creator-backend/internal/sweeper"
)

type AdminHandler struct {
	sweeper          *sweeper.Sweeper
	defaultThreshold int
}

func NewAdminHandler(s *sweeper.Sweeper, defaultThresholdMinutes int) *AdminHandler {
	return &AdminHandler{sweeper: s, defaultThreshold: defaultThresholdMinutes}
}

// FixStuckTasks godoc
// @Summary     Fail and refund stuck tasks
// @Description Marks processing tasks older than the threshold as failed and refunds them. Safe to run repeatedly.
// @Tags        admin
// @Accept      json
// @Produce     json
// @Param       request body models.FixStuckTasksRequest false "Threshold"
// @Success     200 {object} sweeper.Report
// @Security    AdminAuth
// @Router      /api/admin/fix-stuck-tasks [post]
func (h *AdminHandler) FixStuckTasks(c *gin.Context) {
	var req models.FixStuckTasksRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
			return
		}
	}

	minutes := req.TimeThresholdMinutes
	if minutes <= 0 {
		minutes = h.defaultThreshold
	}

	report, err := h.sweeper.Run(c.Request.Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}
