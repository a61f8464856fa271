package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"image-creator-backend/internal/config"
)

const (
	// AdminKey marks requests authenticated with an admin secret.
	AdminKey = "is_admin"
	// InternalKey marks requests authenticated with the task processing secret.
	InternalKey = "is_internal"

	AdminOverrideHeader = "X-Admin-Override"
	TaskSecretHeader    = "X-Task-Secret"
)

// AdminAuth accepts a bearer ADMIN_API_SECRET_KEY or an X-Admin-Override
// header equal to ADMIN_OVERRIDE_KEY.
func AdminAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdminRequest(c, cfg) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin credentials required"})
			return
		}
		c.Set(AdminKey, true)
		c.Next()
	}
}

// AdminOrUser lets admins through and falls back to user auth otherwise.
func AdminOrUser(cfg *config.Config) gin.HandlerFunc {
	userAuth := AuthMiddleware(cfg)
	return func(c *gin.Context) {
		if IsAdminRequest(c, cfg) {
			c.Set(AdminKey, true)
			// An admin may still present a user token.
			OptionalAuth(cfg)(c)
			return
		}
		userAuth(c)
	}
}

// InternalOrUser accepts the task processing secret, or a user token.
func InternalOrUser(cfg *config.Config) gin.HandlerFunc {
	userAuth := AuthMiddleware(cfg)
	return func(c *gin.Context) {
		if isInternalRequest(c, cfg) {
			c.Set(InternalKey, true)
			c.Next()
			return
		}
		userAuth(c)
	}
}

func IsAdminRequest(c *gin.Context, cfg *config.Config) bool {
	if secretEqual(bearer(c), cfg.AdminAPISecretKey) {
		return true
	}
	return secretEqual(c.GetHeader(AdminOverrideHeader), cfg.AdminOverrideKey)
}

func IsAdmin(c *gin.Context) bool {
	return c.GetBool(AdminKey)
}

func IsInternal(c *gin.Context) bool {
	return c.GetBool(InternalKey)
}

func isInternalRequest(c *gin.Context, cfg *config.Config) bool {
	if secretEqual(c.GetHeader(TaskSecretHeader), cfg.TaskProcessSecretKey) {
		return true
	}
	return secretEqual(bearer(c), cfg.TaskProcessSecretKey)
}

func bearer(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// secretEqual never matches an unset secret.
func secretEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
