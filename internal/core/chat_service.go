package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"qachat.io/qa-chatbot-backend/internal/store"
)

const maxTitleRunes = 50

type AskInput struct {
	ConversationID string `json:"conversationId"`
	Prompt         string `json:"prompt"`
}

type AskResult struct {
	ConversationID   string `json:"conversationId"`
	Title            string `json:"title"`
	Response         string `json:"response"`
	TrialPromptsUsed int    `json:"trialPromptsUsed"`
	UsedOwnKey       bool   `json:"usedOwnKey"`
}

// ChatService runs the user-facing chat flow. Users without their own API key
// draw on a limited number of trial prompts served with the server key.
type ChatService struct {
	store     store.Store
	responder Responder
	serverKey string
	now       func() time.Time
	logger    *slog.Logger
}

func NewChatService(s store.Store, responder Responder, serverKey string, logger *slog.Logger) *ChatService {
	return &ChatService{
		store:     s,
		responder: responder,
		serverKey: serverKey,
		now:       time.Now,
		logger:    logger.With("component", "chat"),
	}
}

func (s *ChatService) Ask(ctx context.Context, userID string, in AskInput) (*AskResult, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, validationf("Prompt is required")
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	var conv *store.Conversation
	if in.ConversationID != "" {
		conv, err = s.store.GetConversation(ctx, in.ConversationID)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		if conv.UserID != user.ID {
			return nil, ErrNotFound
		}
	}

	apiKey, useTrial, err := s.selectKey(user)
	if err != nil {
		return nil, err
	}

	var history []store.Message
	if conv != nil {
		history = conv.Messages
	}
	response, err := s.responder.Respond(ctx, apiKey, history, prompt)
	if err != nil {
		s.logger.Error("model request failed", "user_id", user.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrChatUnavailable, err)
	}

	msg := store.Message{Prompt: prompt, Response: response, Timestamp: s.now().UTC()}
	if conv == nil {
		conv = &store.Conversation{
			UserID:    user.ID,
			Title:     titleFromPrompt(prompt),
			Messages:  []store.Message{msg},
			CreatedAt: msg.Timestamp,
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
	} else if err := s.store.AppendMessage(ctx, conv.ID, msg); err != nil {
		return nil, mapStoreErr(err)
	}

	trialUsed := user.TrialPromptsUsed
	if useTrial {
		if err := s.store.IncrementTrialPrompts(ctx, user.ID); err != nil {
			return nil, mapStoreErr(err)
		}
		trialUsed = store.ClampTrial(trialUsed + 1)
	}

	return &AskResult{
		ConversationID:   conv.ID,
		Title:            conv.Title,
		Response:         response,
		TrialPromptsUsed: trialUsed,
		UsedOwnKey:       !useTrial,
	}, nil
}

func (s *ChatService) selectKey(user *store.User) (string, bool, error) {
	if user.APIKey != nil && *user.APIKey != "" {
		return *user.APIKey, false, nil
	}
	if user.TrialPromptsUsed >= store.MaxTrialPrompts {
		return "", false, ErrTrialExhausted
	}
	if s.serverKey == "" {
		return "", false, ErrChatUnavailable
	}
	return s.serverKey, true, nil
}

// History lists the caller's conversations, newest first.
func (s *ChatService) History(ctx context.Context, userID string) ([]store.Conversation, error) {
	convs, _, err := s.store.ListConversations(ctx, store.ConversationQuery{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

func titleFromPrompt(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= maxTitleRunes {
		return prompt
	}
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
}
