package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtalsearch/xtal-web/internal/db"
)

const testPassword = "correct-horse-battery"

func TestLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	user, err := env.users.CreateUser(context.Background(), "Ada", "Ada@Example.com", testPassword, db.RoleAdmin)
	require.NoError(t, err)

	t.Run("valid credentials", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/admin/login", LoginRequest{Email: "ada@example.com", Password: testPassword}, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decodeBody[LoginResponse](t, w)
		require.NotEmpty(t, resp.Token)
		assert.Equal(t, user.ID, resp.User.ID)
		assert.NotContains(t, w.Body.String(), "password_hash")

		claims, err := env.jwt.ValidateToken(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, user.ID, claims.UserID)
		assert.Equal(t, string(db.RoleAdmin), claims.Role)

		me := env.do(t, http.MethodGet, "/api/admin/me", nil, resp.Token)
		require.Equal(t, http.StatusOK, me.Code)
		assert.Equal(t, "ada@example.com", decodeBody[db.User](t, me).Email)
	})

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"wrong password", LoginRequest{Email: "ada@example.com", Password: "wrong-password-here"}, http.StatusUnauthorized},
		{"unknown email", LoginRequest{Email: "bob@example.com", Password: testPassword}, http.StatusUnauthorized},
		{"missing password", LoginRequest{Email: "ada@example.com"}, http.StatusBadRequest},
		{"bad email", LoginRequest{Email: "ada", Password: testPassword}, http.StatusBadRequest},
		{"malformed body", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/admin/login", tt.body, "")
			assert.Equal(t, tt.status, w.Code)
			assert.NotContains(t, w.Body.String(), "token")
		})
	}

	t.Run("same message for unknown email and wrong password", func(t *testing.T) {
		a := env.do(t, http.MethodPost, "/api/admin/login", LoginRequest{Email: "ada@example.com", Password: "wrong-password-here"}, "")
		b := env.do(t, http.MethodPost, "/api/admin/login", LoginRequest{Email: "bob@example.com", Password: testPassword}, "")
		assert.Equal(t, a.Body.String(), b.Body.String())
	})
}

func TestMe_UnknownAccount(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/admin/me", nil, env.token(t, db.RoleViewer))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
