package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/internal/core/services"
	"screenshare/internal/infrastructure/middleware"
	apperrors "screenshare/pkg/errors"
	"screenshare/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues tokens for profiles that already exist. Profiles are
// provisioned out of band (see the seed command).
type AuthHandler struct {
	authService    services.AuthService
	profiles       ports.ProfileRepository
	accessTokenTTL time.Duration
}

func NewAuthHandler(authService services.AuthService, profiles ports.ProfileRepository, accessTokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService:    authService,
		profiles:       profiles,
		accessTokenTTL: accessTokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
		api.GET("/me", middleware.AuthMiddleware(h.authService), h.Me)
	}
}

type TokenRequest struct {
	ProfileID string `json:"profile_id" binding:"required,max=100"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewValidationError("invalid request format"))
		return
	}

	req.ProfileID = strings.TrimSpace(req.ProfileID)
	if err := validation.ValidateProfileID(req.ProfileID); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return
	}

	profile, err := h.profiles.GetByID(c.Request.Context(), domain.ProfileID(req.ProfileID))
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			c.Error(apperrors.NewNotFoundError("profile"))
			return
		}
		c.Error(apperrors.WrapTransportError(err, "failed to load profile"))
		return
	}

	accessToken, err := h.authService.GenerateToken(profile)
	if err != nil {
		c.Error(apperrors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"profile_id":   profile.ID,
		"role":         profile.Role,
		"access_token": accessToken,
		"expires_in":   int(h.accessTokenTTL / time.Second),
	})
}

func (h *AuthHandler) Me(c *gin.Context) {
	profile, ok := middleware.CurrentProfile(c)
	if !ok {
		c.Error(apperrors.NewUnauthorizedError("authentication required"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           profile.ID,
		"role":         profile.Role,
		"display_name": profile.DisplayName,
	})
}
