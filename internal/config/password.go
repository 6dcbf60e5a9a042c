package config

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordConfig hashes and verifies admin passwords.
type PasswordConfig struct {
	BcryptCost int
	Pepper     string
}

// Passwords validates the bcrypt settings and returns a PasswordConfig.
func (a AuthConfig) Passwords() (*PasswordConfig, error) {
	cost := a.BcryptCost
	if cost == 0 {
		cost = 12
	}
	if cost < 10 || cost > 14 {
		return nil, fmt.Errorf("bcrypt cost out of range: %d (must be 10-14)", cost)
	}
	return &PasswordConfig{BcryptCost: cost, Pepper: a.PasswordPepper}, nil
}

// HashPassword hashes pw with bcrypt after appending the pepper.
func (c *PasswordConfig) HashPassword(pw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pw+c.Pepper), c.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether pw matches storedHash.
func (c *PasswordConfig) VerifyPassword(pw, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(pw+c.Pepper)) == nil
}
