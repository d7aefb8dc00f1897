package middleware

import (
	"errors"
	"net/http"
	"strings"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/services"
	apperrors "screenshare/pkg/errors"
	"screenshare/pkg/logger"

	"github.com/gin-gonic/gin"
)

const profileKey = "profile"

// AuthMiddleware resolves the bearer token to the caller's profile. Browsers
// cannot set headers on a websocket upgrade, so access_token in the query is
// accepted as well.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortUnauthorized(c, "authorization header required")
			return
		}

		profile, err := authService.Authenticate(c.Request.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, services.ErrExpiredToken):
				abortUnauthorized(c, "token expired")
			case errors.Is(err, services.ErrInvalidToken), errors.Is(err, services.ErrUnauthorized):
				abortUnauthorized(c, "invalid token")
			default:
				c.Error(err)
				c.Abort()
			}
			return
		}

		ctx := services.WithProfile(c.Request.Context(), profile)
		ctx = logger.WithProfileID(ctx, string(profile.ID))
		c.Request = c.Request.WithContext(ctx)
		c.Set(profileKey, profile)
		c.Next()
	}
}

// CurrentProfile returns the profile stored by AuthMiddleware.
func CurrentProfile(c *gin.Context) (*domain.Profile, bool) {
	v, ok := c.Get(profileKey)
	if !ok {
		return nil, false
	}
	profile, ok := v.(*domain.Profile)
	return profile, ok && profile != nil
}

// RequireRole rejects callers whose profile does not have role.
func RequireRole(role domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		profile, ok := CurrentProfile(c)
		if !ok {
			abortUnauthorized(c, "authentication required")
			return
		}
		if profile.Role != role {
			appErr := apperrors.NewAuthorizationError("Only " + string(role) + "s may do this")
			c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		token := c.Query("access_token")
		return token, token != ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   string(apperrors.ErrCodeUnauthorized),
		"message": message,
	})
}
