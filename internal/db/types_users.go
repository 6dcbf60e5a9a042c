package db

import (
	"time"

	"github.com/google/uuid"
)

// Role is an admin account's permission level.
type Role string

// Roles
const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// ParseRole returns the role named by s, or false if s names none.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleAdmin, RoleViewer:
		return r, true
	default:
		return "", false
	}
}

// CanWrite reports whether the role may change settings or start runs.
func (r Role) CanWrite() bool {
	return r == RoleAdmin
}

// User represents an admin console account
type User struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-" db:"password_hash"` // Never serialize to JSON
	PasswordSet  bool      `json:"password_set" db:"password_set"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
