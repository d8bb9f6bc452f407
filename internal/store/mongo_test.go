package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupMongoStore connects to MONGO_TEST_URI and uses a throwaway database.
func setupMongoStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbName := "qa_chatbot_test_" + uuid.NewString()[:8]
	s, err := NewMongoStore(ctx, uri, dbName, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.client.Database(dbName).Drop(context.Background())
		s.Close()
	})
	return s
}

func TestMongoUsers(t *testing.T) {
	s := setupMongoStore(t)
	ctx := context.Background()

	alice := newUser("alice", time.Time{})
	require.NoError(t, s.CreateUser(ctx, alice))
	dup := newUser("alice", time.Time{})
	dup.Email = "x@example.com"
	assert.ErrorIs(t, s.CreateUser(ctx, dup), ErrDuplicate)

	users, total, err := s.ListUsers(ctx, UserQuery{Search: "ALI", Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, users, 1)

	trial := -3
	got, err := s.UpdateUser(ctx, alice.ID, UserUpdate{TrialPromptsUsed: &trial})
	require.NoError(t, err)
	assert.Equal(t, 0, got.TrialPromptsUsed)

	for i := 0; i < 6; i++ {
		require.NoError(t, s.IncrementTrialPrompts(ctx, alice.ID))
	}
	got, err = s.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, MaxTrialPrompts, got.TrialPromptsUsed)

	key := "k"
	require.NoError(t, s.SetAPIKey(ctx, alice.ID, &key))
	got, err = s.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, got.HasAPIKey)
	require.NoError(t, s.SetAPIKey(ctx, alice.ID, nil))
	got, err = s.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, got.HasAPIKey)

	require.NoError(t, s.DeleteUser(ctx, alice.ID))
	assert.ErrorIs(t, s.DeleteUser(ctx, alice.ID), ErrNotFound)
}

func TestMongoConversations(t *testing.T) {
	s := setupMongoStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	c := &Conversation{UserID: "u1", Title: "t", CreatedAt: now}
	require.NoError(t, s.CreateConversation(ctx, c))
	require.NoError(t, s.AppendMessage(ctx, c.ID, Message{Prompt: "p", Response: "r", Timestamp: now}))
	require.NoError(t, s.AppendMessage(ctx, c.ID, Message{Prompt: "p2", Response: "r2", Timestamp: now}))

	n, err := s.CountMessages(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	active, err := s.DistinctActiveUsersSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, active)

	activity, err := s.ConversationActivitySince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.EqualValues(t, 2, activity[0].MessageCount)

	deleted, err := s.DeleteConversationsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
	_, err = s.GetConversation(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
