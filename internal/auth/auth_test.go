package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline-ai/loreline/internal/auth"
)

func TestIssueAndValidateToken(t *testing.T) {
	mgr := auth.NewManager("test-secret", time.Hour)

	token, exp, err := mgr.IssueToken("ops@example.com", "tenant-1", auth.RoleOperator)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Actor)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, auth.RoleOperator, claims.Role)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	mgr := auth.NewManager("secret-a", time.Hour)
	other := auth.NewManager("secret-b", time.Hour)

	token, _, err := mgr.IssueToken("actor", "", auth.RoleAdmin)
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	mgr := auth.NewManager("secret", -time.Minute)

	token, _, err := mgr.IssueToken("actor", "", auth.RoleAdmin)
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	mgr := auth.NewManager("secret", time.Hour)
	_, err := mgr.ValidateToken("not.a.jwt")
	assert.Error(t, err)
}

func TestRoleCanWrite(t *testing.T) {
	assert.True(t, auth.RoleAdmin.CanWrite())
	assert.True(t, auth.RoleOperator.CanWrite())
	assert.False(t, auth.RoleViewer.CanWrite())
	assert.False(t, auth.Role("guest").CanWrite())
}

func TestVerifyInternalKey(t *testing.T) {
	assert.True(t, auth.VerifyInternalKey("", "anything"), "empty configured key disables the check")
	assert.True(t, auth.VerifyInternalKey("k1", "k1"))
	assert.False(t, auth.VerifyInternalKey("k1", "k2"))
	assert.False(t, auth.VerifyInternalKey("k1", ""))
}
