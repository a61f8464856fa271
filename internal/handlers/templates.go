package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"image-creator-backend/internal/models"
	"image-creator-backend/internal/templates"
)

type TemplatesHandler struct {
	templates *templates.Service
}

func NewTemplatesHandler(service *templates.Service) *TemplatesHandler {
	return &TemplatesHandler{templates: service}
}

// List godoc
// @Summary     List templates
// @Description The caller's own templates followed by public ones.
// @Tags        templates
// @Produce     json
// @Success     200 {object} models.TemplateListResponse
// @Security    BearerAuth
// @Router      /api/templates [get]
func (h *TemplatesHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	list, err := h.templates.List(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.TemplateListResponse{Templates: make([]models.TemplateResponse, 0, len(list))}
	for i := range list {
		resp.Templates = append(resp.Templates, models.NewTemplateResponse(&list[i], userID.String()))
	}
	c.JSON(http.StatusOK, resp)
}

// Create godoc
// @Summary     Create a template
// @Tags        templates
// @Accept      json
// @Produce     json
// @Param       request body models.TemplateRequest true "Template"
// @Success     201 {object} models.TemplateResponse
// @Failure     400 {object} models.ErrorResponse
// @Security    BearerAuth
// @Router      /api/templates [post]
func (h *TemplatesHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	in, ok := bindTemplate(c)
	if !ok {
		return
	}

	tpl, err := h.templates.Create(c.Request.Context(), userID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.NewTemplateResponse(tpl, userID.String()))
}

// Get godoc
// @Summary     Get a template
// @Tags        templates
// @Produce     json
// @Param       id path string true "Template ID"
// @Success     200 {object} models.TemplateResponse
// @Failure     404 {object} models.ErrorResponse
// @Security    BearerAuth
// @Router      /api/templates/{id} [get]
func (h *TemplatesHandler) Get(c *gin.Context) {
	userID, id, ok := templateIDs(c)
	if !ok {
		return
	}

	tpl, err := h.templates.Get(c.Request.Context(), id, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewTemplateResponse(tpl, userID.String()))
}

// Update godoc
// @Summary     Update a template
// @Tags        templates
// @Accept      json
// @Produce     json
// @Param       id path string true "Template ID"
// @Param       request body models.TemplateRequest true "Template"
// @Success     200 {object} models.TemplateResponse
// @Failure     403 {object} models.ErrorResponse
// @Security    BearerAuth
// @Router      /api/templates/{id} [put]
func (h *TemplatesHandler) Update(c *gin.Context) {
	userID, id, ok := templateIDs(c)
	if !ok {
		return
	}
	in, ok := bindTemplate(c)
	if !ok {
		return
	}

	tpl, err := h.templates.Update(c.Request.Context(), id, userID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewTemplateResponse(tpl, userID.String()))
}

// Delete godoc
// @Summary     Delete a template
// @Tags        templates
// @Param       id path string true "Template ID"
// @Success     204
// @Failure     403 {object} models.ErrorResponse
// @Security    BearerAuth
// @Router      /api/templates/{id} [delete]
func (h *TemplatesHandler) Delete(c *gin.Context) {
	userID, id, ok := templateIDs(c)
	if !ok {
		return
	}

	if err := h.templates.Delete(c.Request.Context(), id, userID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func templateIDs(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := currentUserID(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid template id"})
		return uuid.Nil, uuid.Nil, false
	}
	return userID, id, true
}

func bindTemplate(c *gin.Context) (templates.Input, bool) {
	var req models.TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return templates.Input{}, false
	}
	return templates.Input{
		Title:       req.Title,
		Prompt:      req.Prompt,
		Style:       req.Style,
		AspectRatio: req.AspectRatio,
		PreviewURL:  req.PreviewURL,
		IsPublic:    req.IsPublic,
	}, true
}
