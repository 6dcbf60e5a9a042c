package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
		ok   bool
	}{
		{"admin", RoleAdmin, true},
		{"viewer", RoleViewer, true},
		{"Admin", "", false},
		{"", "", false},
		{"owner", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseRole(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoleCanWrite(t *testing.T) {
	assert.True(t, RoleAdmin.CanWrite())
	assert.False(t, RoleViewer.CanWrite())
	assert.False(t, Role("").CanWrite())
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "ops@xtal.example", NormalizeEmail("  Ops@XTAL.example "))
	assert.Equal(t, "", NormalizeEmail("   "))
}
