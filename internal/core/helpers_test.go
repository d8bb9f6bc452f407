package core

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qachat.io/qa-chatbot-backend/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s store.Store, name string, created time.Time) *store.User {
	t.Helper()
	u := &store.User{
		Username:     name,
		Email:        name + "@example.com",
		PasswordHash: "hash",
		CreatedAt:    created,
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func seedConversation(t *testing.T, s store.Store, userID, title string, created time.Time, prompts ...string) *store.Conversation {
	t.Helper()
	c := &store.Conversation{UserID: userID, Title: title, CreatedAt: created}
	for i, p := range prompts {
		c.Messages = append(c.Messages, store.Message{
			Prompt:    p,
			Response:  "answer to " + p,
			Timestamp: created.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, s.CreateConversation(context.Background(), c))
	return c
}
