package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qachat.io/qa-chatbot-backend/internal/store"
)

type fakeResponder struct {
	keys     []string
	history  [][]store.Message
	response string
	err      error
}

func (f *fakeResponder) Respond(_ context.Context, apiKey string, history []store.Message, prompt string) (string, error) {
	f.keys = append(f.keys, apiKey)
	f.history = append(f.history, history)
	if f.err != nil {
		return "", f.err
	}
	if f.response != "" {
		return f.response, nil
	}
	return "echo: " + prompt, nil
}

func TestChatTrialGating(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	responder := &fakeResponder{}
	svc := NewChatService(s, responder, "server-key", testLogger())
	alice := seedUser(t, s, "alice", time.Time{})

	var convID string
	for i := 1; i <= store.MaxTrialPrompts; i++ {
		res, err := svc.Ask(ctx, alice.ID, AskInput{ConversationID: convID, Prompt: "question"})
		require.NoError(t, err)
		assert.Equal(t, i, res.TrialPromptsUsed)
		assert.False(t, res.UsedOwnKey)
		convID = res.ConversationID
	}

	_, err := svc.Ask(ctx, alice.ID, AskInput{ConversationID: convID, Prompt: "one more"})
	assert.ErrorIs(t, err, ErrTrialExhausted)

	conv, err := s.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, store.MaxTrialPrompts)
	assert.Len(t, responder.history[4], 4)
	assert.Equal(t, "server-key", responder.keys[0])

	key := "own-key"
	require.NoError(t, s.SetAPIKey(ctx, alice.ID, &key))
	res, err := svc.Ask(ctx, alice.ID, AskInput{Prompt: "with my key"})
	require.NoError(t, err)
	assert.True(t, res.UsedOwnKey)
	assert.Equal(t, store.MaxTrialPrompts, res.TrialPromptsUsed)
	assert.Equal(t, "own-key", responder.keys[len(responder.keys)-1])
}

func TestChatValidationAndOwnership(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	svc := NewChatService(s, &fakeResponder{}, "server-key", testLogger())
	alice := seedUser(t, s, "alice", time.Time{})
	bob := seedUser(t, s, "bob", time.Time{})
	bobConv := seedConversation(t, s, bob.ID, "bob's", time.Now(), "hi")

	_, err := svc.Ask(ctx, alice.ID, AskInput{Prompt: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Ask(ctx, alice.ID, AskInput{ConversationID: bobConv.ID, Prompt: "sneaky"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Ask(ctx, "missing", AskInput{Prompt: "hello"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChatUnavailable(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	alice := seedUser(t, s, "alice", time.Time{})

	noKey := NewChatService(s, &fakeResponder{}, "", testLogger())
	_, err := noKey.Ask(ctx, alice.ID, AskInput{Prompt: "hello"})
	assert.ErrorIs(t, err, ErrChatUnavailable)

	failing := NewChatService(s, &fakeResponder{err: errors.New("boom")}, "server-key", testLogger())
	_, err = failing.Ask(ctx, alice.ID, AskInput{Prompt: "hello"})
	assert.ErrorIs(t, err, ErrChatUnavailable)

	got, err := s.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TrialPromptsUsed)
}

func TestChatTitleAndHistory(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	svc := NewChatService(s, &fakeResponder{}, "server-key", testLogger())
	alice := seedUser(t, s, "alice", time.Time{})

	long := strings.Repeat("é", 80)
	res, err := svc.Ask(ctx, alice.ID, AskInput{Prompt: long})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", maxTitleRunes)+"...", res.Title)

	history, err := svc.History(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.ConversationID, history[0].ID)
}
