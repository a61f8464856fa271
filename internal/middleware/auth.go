package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"image-creator-backend/internal/config"
)

const UserIDKey = "user_id"

// AuthMiddleware verifies a Supabase access token (HS256) and stores the
// subject under UserIDKey. EventSource and WebSocket clients cannot set
// headers, so the access_token query parameter is accepted as well.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, msg := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		sub, msg := verifyToken(tokenString, cfg.SupabaseJWTSecret)
		if sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "message": msg})
			return
		}

		c.Set(UserIDKey, sub)
		c.Next()
	}
}

// OptionalAuth sets UserIDKey when a valid token is present and never aborts.
func OptionalAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString, _ := extractToken(c); tokenString != "" {
			if sub, _ := verifyToken(tokenString, cfg.SupabaseJWTSecret); sub != "" {
				c.Set(UserIDKey, sub)
			}
		}
		c.Next()
	}
}

func extractToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := strings.TrimSpace(c.Query("access_token")); token != "" {
			return token, ""
		}
		return "", "missing authorization header"
	}

	// Extract token from "Bearer <token>"
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", "invalid authorization header format"
	}

	tokenString := strings.TrimSpace(parts[1])
	if tokenString == "" {
		return "", "empty token"
	}

	// Try URL decoding in case the token was URL-encoded
	if decoded, err := url.QueryUnescape(tokenString); err == nil {
		tokenString = decoded
	}
	return tokenString, ""
}

func verifyToken(tokenString, secret string) (string, string) {
	if strings.Count(tokenString, ".") != 2 {
		return "", "JWT token must have 3 parts separated by dots"
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		if secret == "" {
			return nil, jwt.ErrSignatureInvalid
		}
		// Supabase JWT secret is used directly as the signing key
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "signature is invalid"):
			return "", "token signature is invalid - check JWT secret"
		case strings.Contains(err.Error(), "token is expired"):
			return "", "token has expired"
		default:
			return "", err.Error()
		}
	}
	if !token.Valid {
		return "", "token is not valid"
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "invalid token claims"
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", "missing user id in token"
	}
	return sub, ""
}
