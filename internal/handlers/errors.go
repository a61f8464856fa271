package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"image-creator-backend/internal/middleware"
	"image-creator-backend/internal/models"
	"image-creator-backend/internal/payment"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrUnauthorized), errors.Is(err, models.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrInsufficientCredits),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAmountMismatch),
		errors.Is(err, models.ErrPaymentFailed),
		errors.Is(err, payment.ErrNotPaid):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrUpstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorLabel(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusBadRequest:
		return "bad request"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGatewayTimeout:
		return "upstream timeout"
	case http.StatusBadGateway:
		return "upstream error"
	}
	return "internal error"
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	c.JSON(status, models.ErrorResponse{
		Error:   errorLabel(status),
		Message: err.Error(),
	})
}

// currentUserID reads the authenticated user. It writes a 401 and returns
// false when the request carries no usable identity.
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDStr, exists := c.Get(middleware.UserIDKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(userIDStr.(string))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid user id"})
		return uuid.Nil, false
	}
	return userID, true
}

// optionalUserID returns the authenticated user when there is one.
func optionalUserID(c *gin.Context) *uuid.UUID {
	userIDStr, exists := c.Get(middleware.UserIDKey)
	if !exists {
		return nil
	}
	userID, err := uuid.Parse(userIDStr.(string))
	if err != nil {
		return nil
	}
	return &userID
}
