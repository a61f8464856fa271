package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"image-creator-backend/internal/auth"
	"image-creator-backend/internal/models"
)

type AuthHandler struct {
	auth *auth.Service
}

func NewAuthHandler(service *auth.Service) *AuthHandler {
	return &AuthHandler{auth: service}
}

// SignUp godoc
// @Summary     Register with email and password
// @Tags        auth
// @Accept      json
// @Produce     json
// @Param       request body models.SignUpRequest true "Credentials"
// @Success     201 {object} models.SessionResponse
// @Failure     400 {object} models.ErrorResponse
// @Router      /api/auth/signup [post]
func (h *AuthHandler) SignUp(c *gin.Context) {
	var req models.SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	session, err := h.auth.SignUp(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse(session))
}

// Login godoc
// @Summary     Sign in with email and password
// @Tags        auth
// @Accept      json
// @Produce     json
// @Param       request body models.LoginRequest true "Credentials"
// @Success     200 {object} models.SessionResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /api/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	session, err := h.auth.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(session))
}

// StartOAuth godoc
// @Summary     Begin an OAuth sign-in
// @Tags        auth
// @Produce     json
// @Param       provider path string true "google or github"
// @Success     200 {object} models.OAuthStartResponse
// @Failure     400 {object} models.ErrorResponse
// @Router      /api/auth/oauth/{provider} [get]
func (h *AuthHandler) StartOAuth(c *gin.Context) {
	url, state, err := h.auth.StartOAuth(c.Request.Context(), c.Param("provider"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OAuthStartResponse{URL: url, State: state})
}

// Callback godoc
// @Summary     Complete an OAuth sign-in
// @Tags        auth
// @Produce     json
// @Param       code query string true "Authorization code"
// @Param       state query string true "State from the start call"
// @Success     200 {object} models.SessionResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /api/auth/callback [get]
func (h *AuthHandler) Callback(c *gin.Context) {
	session, err := h.auth.CompleteOAuth(c.Request.Context(), c.Query("code"), c.Query("state"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(session))
}

func sessionResponse(s *auth.Session) models.SessionResponse {
	return models.SessionResponse{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresIn:    s.ExpiresIn,
		UserID:       s.UserID.String(),
		Email:        s.Email,
	}
}
