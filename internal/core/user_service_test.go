package core

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qachat.io/qa-chatbot-backend/internal/auth"
)

func TestUserServiceCreate(t *testing.T) {
	s := setupStore(t)
	svc := NewUserService(s, testLogger())
	ctx := context.Background()

	user, err := svc.Create(ctx, CreateUserInput{Username: "alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.False(t, user.IsAdmin)
	assert.True(t, auth.CheckPasswordHash("secret1", user.PasswordHash))

	_, err = svc.Create(ctx, CreateUserInput{Username: "alice", Email: "new@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = svc.Create(ctx, CreateUserInput{Username: "new", Email: "alice@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.Create(ctx, CreateUserInput{Username: "bob", Email: "bob@example.com", Password: "123"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.Create(ctx, CreateUserInput{Username: "", Email: "bob@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, CreateUserInput{Username: "bob", Email: "bob@example.com", Password: strings.Repeat("a", 80)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Password must be at most 72 bytes long", verr.Message)

	_, err = svc.Create(ctx, CreateUserInput{Username: "bob", Email: "bob@example.com", Password: strings.Repeat("a", 72)})
	assert.NoError(t, err)
}

func TestUserServiceListPagination(t *testing.T) {
	s := setupStore(t)
	svc := NewUserService(s, testLogger())
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		seedUser(t, s, "user"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
	}

	page, err := svc.List(ctx, 0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 1, page.CurrentPage)
	assert.Equal(t, 3, page.TotalPages)
	assert.EqualValues(t, 25, page.Total)
	require.Len(t, page.Users, 10)
	assert.Equal(t, "usery", page.Users[0].Username)

	page, err = svc.List(ctx, 3, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Users, 5)

	page, err = svc.List(ctx, 4, 10, "")
	require.NoError(t, err)
	assert.Empty(t, page.Users)
	assert.Equal(t, 3, page.TotalPages)

	page, err = svc.List(ctx, 1, -5, "")
	require.NoError(t, err)
	assert.Empty(t, page.Users)
	assert.Equal(t, 0, page.TotalPages)

	page, err = svc.List(ctx, -1, 10, "")
	require.NoError(t, err)
	assert.Empty(t, page.Users)

	// offsets that overflow int must not wrap back onto real rows
	page, err = svc.List(ctx, 1152921504606846977, 16, "")
	require.NoError(t, err)
	assert.Empty(t, page.Users)
	assert.Equal(t, 2, page.TotalPages)

	page, err = svc.List(ctx, 1, math.MaxInt, "")
	require.NoError(t, err)
	assert.Len(t, page.Users, 25)
	assert.Equal(t, 1, page.TotalPages)
}

func TestUserServiceNeverSerializesSecrets(t *testing.T) {
	s := setupStore(t)
	svc := NewUserService(s, testLogger())
	ctx := context.Background()

	user, err := svc.Create(ctx, CreateUserInput{Username: "alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)
	key := "sk-very-secret"
	require.NoError(t, s.SetAPIKey(ctx, user.ID, &key))

	page, err := svc.List(ctx, 1, 10, "")
	require.NoError(t, err)
	detail, err := svc.Get(ctx, user.ID)
	require.NoError(t, err)

	for _, v := range []any{page, detail} {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), user.PasswordHash)
		assert.NotContains(t, string(raw), key)
		assert.NotContains(t, string(raw), "password")
		assert.Contains(t, string(raw), `"hasApiKey":true`)
	}
}

func TestUserServiceUpdate(t *testing.T) {
	s := setupStore(t)
	svc := NewUserService(s, testLogger())
	ctx := context.Background()
	alice := seedUser(t, s, "alice", time.Time{})
	seedUser(t, s, "bob", time.Time{})

	tests := []struct {
		name  string
		trial float64
		want  int
	}{
		{"above max", 99, 5},
		{"below zero", -3, 0},
		{"in range", 2, 2},
		{"fraction", 2.5, 2},
		{"beyond int range", 1e30, 5},
		{"far below zero", -1e30, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trial := tt.trial
			got, err := svc.Update(ctx, alice.ID, UpdateUserInput{TrialPromptsUsed: &trial})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.TrialPromptsUsed)
		})
	}

	empty := ""
	got, err := svc.Update(ctx, alice.ID, UpdateUserInput{Username: &empty})
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	taken := "bob@example.com"
	_, err = svc.Update(ctx, alice.ID, UpdateUserInput{Email: &taken})
	assert.ErrorIs(t, err, ErrConflict)

	admin := true
	_, err = svc.Update(ctx, "missing", UpdateUserInput{IsAdmin: &admin})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserServiceResetPassword(t *testing.T) {
	s := setupStore(t)
	svc := NewUserService(s, testLogger())
	ctx := context.Background()
	alice := seedUser(t, s, "alice", time.Time{})

	assert.ErrorIs(t, svc.ResetPassword(ctx, alice.ID, "short"), ErrValidation)
	assert.ErrorIs(t, svc.ResetPassword(ctx, alice.ID, strings.Repeat("é", 40)), ErrValidation)
	assert.ErrorIs(t, svc.ResetPassword(ctx, "missing", "longenough"), ErrNotFound)
	require.NoError(t, svc.ResetPassword(ctx, alice.ID, "longenough"))

	got, err := s.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, auth.CheckPasswordHash("longenough", got.PasswordHash))
}

func TestUserServiceDeleteCascades(t *testing.T) {
	s := setupStore(t)
	svc := NewUserService(s, testLogger())
	ctx := context.Background()
	now := time.Now().UTC()
	alice := seedUser(t, s, "alice", now)
	bob := seedUser(t, s, "bob", now)
	seedConversation(t, s, alice.ID, "a1", now, "q1", "q2")
	seedConversation(t, s, alice.ID, "a2", now, "q3")
	seedConversation(t, s, bob.ID, "b1", now, "q4")

	detail, err := svc.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, detail.Stats.ConversationCount)
	assert.EqualValues(t, 3, detail.Stats.TotalMessages)
	assert.Len(t, detail.RecentConversations, 2)

	require.NoError(t, svc.Delete(ctx, alice.ID))

	_, err = svc.Get(ctx, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := s.CountConversations(ctx, alice.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.CountConversations(ctx, bob.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.ErrorIs(t, svc.Delete(ctx, alice.ID), ErrNotFound)
}

func TestUserServiceRevokeAPIKey(t *testing.T) {
	s := setupStore(t)
	svc := NewUserService(s, testLogger())
	ctx := context.Background()
	alice := seedUser(t, s, "alice", time.Time{})
	key := "sk"
	require.NoError(t, s.SetAPIKey(ctx, alice.ID, &key))

	require.NoError(t, svc.RevokeAPIKey(ctx, alice.ID))
	require.NoError(t, svc.RevokeAPIKey(ctx, "missing"))

	got, err := s.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, got.HasAPIKey)
}
