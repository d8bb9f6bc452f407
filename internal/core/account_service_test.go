package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qachat.io/qa-chatbot-backend/internal/auth"
)

func newAccountService(t *testing.T) (*AccountService, *auth.JWTManager) {
	t.Helper()
	s := setupStore(t)
	tokens := auth.NewJWTManager("test-secret", time.Hour)
	return NewAccountService(s, NewUserService(s, testLogger()), tokens, testLogger()), tokens
}

func TestAccountRegisterAndLogin(t *testing.T) {
	svc, tokens := newAccountService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "alice@example.com", "secret1")
	require.NoError(t, err)
	assert.False(t, user.IsAdmin)

	_, err = svc.Register(ctx, "alice", "alice@example.com", "secret1")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = svc.Register(ctx, "bob", "bob@example.com", strings.Repeat("x", 73))
	assert.ErrorIs(t, err, ErrValidation)

	res, err := svc.Login(ctx, "alice@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)

	claims, err := tokens.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.ResolvedUserID())

	_, err = svc.Login(ctx, "alice@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Login(ctx, "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, ErrNotFound)

	me, err := svc.Me(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.Username)
	_, err = svc.Me(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAccountSetAPIKey(t *testing.T) {
	svc, _ := newAccountService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "alice@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, svc.SetAPIKey(ctx, user.ID, "sk-123"))
	me, err := svc.Me(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, me.HasAPIKey)

	require.NoError(t, svc.SetAPIKey(ctx, user.ID, ""))
	me, err = svc.Me(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, me.HasAPIKey)

	assert.ErrorIs(t, svc.SetAPIKey(ctx, "missing", "k"), ErrNotFound)
}

func TestBootstrapAdmin(t *testing.T) {
	svc, _ := newAccountService(t)
	ctx := context.Background()

	admin, err := svc.BootstrapAdmin(ctx, "root", "root@example.com", "secret1")
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)

	user, err := svc.Register(ctx, "alice", "alice@example.com", "secret1")
	require.NoError(t, err)
	promoted, err := svc.BootstrapAdmin(ctx, "ignored", "alice@example.com", "ignored1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, promoted.ID)
	assert.True(t, promoted.IsAdmin)
}
