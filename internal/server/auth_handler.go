package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/db"
	"github.com/xtalsearch/xtal-web/internal/server/middleware"
)

// LoginRequest is the admin login body.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse carries the session token.
type LoginResponse struct {
	Token string   `json:"token"`
	User  *db.User `json:"user"`
}

// AuthHandler handles authentication-related HTTP requests.
type AuthHandler struct {
	userService *UserService
	jwtService  *JWTService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewAuthHandler creates a new AuthHandler with the given dependencies.
func NewAuthHandler(userService *UserService, jwtService *JWTService, v *validator.Validate, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		userService: userService,
		jwtService:  jwtService,
		validator:   v,
		logger:      logger,
	}
}

// Login handles admin login requests.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if h.userService == nil || h.jwtService == nil {
		h.fail(w, apperr.New(apperr.KindUnauthorized, "admin accounts are not configured"))
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.fail(w, apperr.InvalidInput("invalid request body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.fail(w, apperr.InvalidInput("%s", extractValidationErrors(err)))
		return
	}

	user, err := h.userService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, err)
		return
	}

	token, err := h.jwtService.GenerateToken(user)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("admin login", zap.String("user_id", user.ID.String()), zap.String("role", string(user.Role)))
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, User: user})
}

// Me returns the authenticated account.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r)
	if !ok {
		h.fail(w, apperr.New(apperr.KindUnauthorized, "unauthorized"))
		return
	}
	if h.userService == nil {
		h.fail(w, apperr.New(apperr.KindUnauthorized, "admin accounts are not configured"))
		return
	}
	user, err := h.userService.GetUser(r.Context(), identity.GetUserID())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) fail(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("auth request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": apperr.PublicMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
