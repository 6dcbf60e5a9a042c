package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/config"
	"github.com/xtalsearch/xtal-web/internal/db"
)

// MinPasswordLength is the shortest accepted admin password.
const MinPasswordLength = 12

// UserStore is the account storage the service needs. *db.DB implements it.
type UserStore interface {
	CreateUser(ctx context.Context, name, email string, role db.Role) (uuid.UUID, error)
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetUserByEmail(ctx context.Context, email string) (*db.User, error)
	CheckEmailExists(ctx context.Context, email string) (bool, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
}

// UserService provides business logic for admin accounts
type UserService struct {
	db             UserStore
	passwordConfig *config.PasswordConfig
}

// NewUserService creates a new UserService with the given dependencies
func NewUserService(store UserStore, passwordConfig *config.PasswordConfig) *UserService {
	return &UserService{
		db:             store,
		passwordConfig: passwordConfig,
	}
}

var errInvalidCredentials = apperr.New(apperr.KindUnauthorized, "invalid email or password")

// CreateUser creates an account with a password.
func (s *UserService) CreateUser(ctx context.Context, name, email, password string, role db.Role) (*db.User, error) {
	email = db.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.InvalidInput("a valid email is required")
	}
	if _, ok := db.ParseRole(string(role)); !ok {
		return nil, apperr.InvalidInput("role must be admin or viewer")
	}
	if len(password) < MinPasswordLength {
		return nil, apperr.InvalidInput("password must be at least %d characters", MinPasswordLength)
	}

	exists, err := s.db.CheckEmailExists(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email existence: %w", err)
	}
	if exists {
		return nil, apperr.InvalidInput("email already registered: %s", email)
	}

	passwordHash, err := s.passwordConfig.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	// Create user (two-step: create user, then set password)
	userID, err := s.db.CreateUser(ctx, name, email, role)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if err := s.db.UpdatePassword(ctx, userID, passwordHash); err != nil {
		return nil, fmt.Errorf("failed to set password: %w", err)
	}

	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve created user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("created user not found: %s", userID)
	}
	return user, nil
}

// Login authenticates an account. Unknown email, wrong password and an unset
// password are indistinguishable to the caller.
func (s *UserService) Login(ctx context.Context, email, password string) (*db.User, error) {
	user, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	if user == nil || !user.PasswordSet {
		return nil, errInvalidCredentials
	}
	if !s.passwordConfig.VerifyPassword(password, user.PasswordHash) {
		return nil, errInvalidCredentials
	}
	return user, nil
}

// GetUser returns the account for id.
func (s *UserService) GetUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	user, err := s.db.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, apperr.NotFound("user not found")
	}
	return user, nil
}
