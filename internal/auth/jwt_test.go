package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, err := svc.Generate("u1", RoleViewer, []string{"S1"})
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.True(t, claims.CanViewStream("S1"))
	assert.False(t, claims.CanViewStream("S2"))
	assert.True(t, claims.CanViewUser("u1"))
	assert.False(t, claims.CanViewUser("u2"))
}

func TestValidateRejects(t *testing.T) {
	svc := NewJWTService("secret", 1)
	other, err := NewJWTService("other", 1).Generate("u1", RoleViewer, nil)
	require.NoError(t, err)
	expired, err := NewJWTService("secret", -1).Generate("u1", RoleViewer, nil)
	require.NoError(t, err)
	anonymous, err := svc.Generate("", RoleViewer, nil)
	require.NoError(t, err)

	for _, token := range []string{"", "garbage", other, expired, anonymous} {
		_, err := svc.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
}

func TestAdminSeesEverything(t *testing.T) {
	c := &Claims{UserID: "a", Role: RoleAdmin, StreamIDs: []string{"S1"}}
	assert.True(t, c.CanViewStream("S9"))
	assert.True(t, c.CanViewUser("u7"))
}
