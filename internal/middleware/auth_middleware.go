package middleware

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/techvisa/expert-marketplace-backend/pkg/jwt"
)

// ExpertContextKey is the key used to store expert information in Gin context
const ExpertContextKey = "expert"

// Role names carried in JWT claims
const (
	RoleExpert = "expert"
	RoleStaff  = "staff"
)

// ExpertContext represents the authenticated caller's information
type ExpertContext struct {
	ExpertID uuid.UUID `json:"expert_id"`
	Email    string    `json:"email"`
	Roles    []string  `json:"roles"`
}

// HasRole reports whether the caller carries the given role
func (e ExpertContext) HasRole(role string) bool {
	for _, r := range e.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthMiddleware creates a middleware that validates JWT tokens
func AuthMiddleware(jwtService *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Printf("AUTH FAILED: Missing authorization header - Path: %s, IP: %s", c.Request.URL.Path, c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authorization header is required",
				"code":    "MISSING_AUTH_HEADER",
			})
			c.Abort()
			return
		}

		// Check Bearer token format
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			log.Printf("AUTH FAILED: Invalid auth format - Path: %s, IP: %s", c.Request.URL.Path, c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid authorization header format. Expected: Bearer <token>",
				"code":    "INVALID_AUTH_FORMAT",
			})
			c.Abort()
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			log.Printf("AUTH FAILED: Empty token - Path: %s, IP: %s", c.Request.URL.Path, c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Token cannot be empty",
				"code":    "INVALID_AUTH_FORMAT",
			})
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateAccessToken(tokenString)
		if err != nil {
			if jwtService.IsTokenExpired(tokenString) {
				log.Printf("AUTH FAILED: Token expired - Path: %s, IP: %s, Error: %v", c.Request.URL.Path, c.ClientIP(), err)
				c.JSON(http.StatusUnauthorized, gin.H{
					"error":   "token_expired",
					"message": "Access token has expired. Please refresh your token.",
					"code":    "TOKEN_EXPIRED",
				})
			} else {
				log.Printf("AUTH FAILED: Invalid token - Path: %s, IP: %s, Error: %v", c.Request.URL.Path, c.ClientIP(), err)
				c.JSON(http.StatusUnauthorized, gin.H{
					"error":   "invalid_token",
					"message": "Invalid access token",
					"code":    "INVALID_TOKEN",
				})
			}
			c.Abort()
			return
		}

		expertContext := ExpertContext{
			ExpertID: claims.ExpertID,
			Email:    claims.Email,
			Roles:    claims.Roles,
		}

		c.Set(ExpertContextKey, expertContext)
		c.Next()
	}
}

// RequireRole creates a middleware that checks if the caller has a required role
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		expertCtx, exists := GetExpertContext(c)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Expert context not found. Auth middleware may not be applied.",
				"code":    "MISSING_EXPERT_CONTEXT",
			})
			c.Abort()
			return
		}

		hasRole := false
		for _, requiredRole := range roles {
			if expertCtx.HasRole(requiredRole) {
				hasRole = true
				break
			}
		}

		if !hasRole {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You don't have permission to access this resource",
				"code":    "INSUFFICIENT_PERMISSIONS",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetExpertContext retrieves the expert context from Gin context
func GetExpertContext(c *gin.Context) (ExpertContext, bool) {
	value, exists := c.Get(ExpertContextKey)
	if !exists {
		return ExpertContext{}, false
	}

	expertCtx, ok := value.(ExpertContext)
	if !ok {
		return ExpertContext{}, false
	}

	return expertCtx, true
}

// MustGetExpertContext retrieves the expert context or panics (use only after AuthMiddleware)
func MustGetExpertContext(c *gin.Context) ExpertContext {
	expertCtx, exists := GetExpertContext(c)
	if !exists {
		panic("expert context not found - ensure AuthMiddleware is applied")
	}
	return expertCtx
}
