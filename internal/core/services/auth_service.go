package services

import (
	"context"
	"errors"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/pkg/clock"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

type profileContextKey struct{}

type AuthService interface {
	GenerateToken(profile *domain.Profile) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	// Authenticate validates the token and resolves the caller's current profile.
	Authenticate(ctx context.Context, tokenString string) (*domain.Profile, error)
}

type Claims struct {
	ProfileID domain.ProfileID `json:"profile_id"`
	Role      domain.Role      `json:"role"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	profiles       ports.ProfileRepository
	clock          clock.Clock
}

func NewAuthService(
	jwtSecret string,
	accessTokenTTL time.Duration,
	profiles ports.ProfileRepository,
	clk clock.Clock,
) AuthService {
	if clk == nil {
		clk = clock.Real()
	}
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		profiles:       profiles,
		clock:          clk,
	}
}

func (s *authService) GenerateToken(profile *domain.Profile) (string, error) {
	if profile == nil || profile.ID == "" {
		return "", ErrUnauthorized
	}
	now := s.clock.Now()
	claims := &Claims{
		ProfileID: profile.ID,
		Role:      profile.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(profile.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.ProfileID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) Authenticate(ctx context.Context, tokenString string) (*domain.Profile, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if s.profiles == nil {
		return &domain.Profile{ID: claims.ProfileID, Role: claims.Role}, nil
	}

	profile, err := s.profiles.GetByID(ctx, claims.ProfileID)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	// A role change invalidates tokens issued before it.
	if profile.Role != claims.Role {
		return nil, ErrUnauthorized
	}
	return profile, nil
}

// WithProfile stores the authenticated caller on ctx.
func WithProfile(ctx context.Context, profile *domain.Profile) context.Context {
	return context.WithValue(ctx, profileContextKey{}, profile)
}

// ProfileFromContext returns the caller stored by WithProfile.
func ProfileFromContext(ctx context.Context) (*domain.Profile, error) {
	profile, ok := ctx.Value(profileContextKey{}).(*domain.Profile)
	if !ok || profile == nil {
		return nil, ErrUnauthorized
	}
	return profile, nil
}
