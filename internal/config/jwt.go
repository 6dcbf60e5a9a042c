package config

import (
	"fmt"
	"time"
)

// JWTConfig holds configuration for admin session tokens.
type JWTConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

// JWT validates the auth settings and returns the token configuration.
// JWT_SECRET is required; expiration defaults to 24 hours.
func (a AuthConfig) JWT() (*JWTConfig, error) {
	if a.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required but not set")
	}
	if len(a.JWTSecret) < 16 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	hours := a.JWTExpirationHours
	if hours == 0 {
		hours = 24
	}
	if hours < 1 {
		return nil, fmt.Errorf("JWT_EXPIRATION_HOURS must be at least 1 hour, got: %d", hours)
	}
	return &JWTConfig{
		Secret: a.JWTSecret,
		TTL:    time.Duration(hours) * time.Hour,
		Issuer: "xtal-web",
	}, nil
}
