package auth

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when the password does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrDisabled is returned when no admin password hash is configured.
	ErrDisabled = errors.New("admin login disabled")
)

// Service issues and checks admin tokens. There is a single admin account
// identified by a bcrypt hash from configuration.
type Service struct {
	passwordHash string
	jwtConfig    *JWTConfig
}

// NewService creates a new authentication service.
func NewService(passwordHash string, jwtConfig *JWTConfig) *Service {
	return &Service{
		passwordHash: passwordHash,
		jwtConfig:    jwtConfig,
	}
}

// Enabled reports whether admin login is possible at all.
func (s *Service) Enabled() bool {
	return s.passwordHash != "" && len(s.jwtConfig.Secret) > 0
}

// Login validates the admin password and returns a JWT token.
func (s *Service) Login(_ context.Context, password string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	if err := ComparePassword(s.passwordHash, password); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.jwtConfig, RoleAdmin)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	return ValidateToken(s.jwtConfig, tokenString)
}
