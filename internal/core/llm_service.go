package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"qachat.io/qa-chatbot-backend/internal/store"
)

const (
	defaultChatModelName = "gemini-1.5-flash-latest"

	chatSystemInstruction = "You are a helpful question answering assistant. " +
		"Answer the user's question clearly and concisely. " +
		"If you do not know the answer, say so instead of guessing."

	emptyResponseFallback = "I'm sorry, I couldn't generate a response at this time. Please try again."
)

// Responder produces the assistant's reply to prompt given the earlier
// exchanges of the conversation.
type Responder interface {
	Respond(ctx context.Context, apiKey string, history []store.Message, prompt string) (string, error)
}

// LLMService answers prompts with Gemini. A client is opened per call because
// the API key differs between trial users and users with their own key.
type LLMService struct {
	modelName string
	logger    *slog.Logger
}

func NewLLMService(modelName string, logger *slog.Logger) *LLMService {
	if modelName == "" {
		modelName = defaultChatModelName
	}
	return &LLMService{modelName: modelName, logger: logger.With("component", "llm")}
}

func (s *LLMService) Respond(ctx context.Context, apiKey string, history []store.Message, prompt string) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return "", fmt.Errorf("failed to create GenAI client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			s.logger.Warn("error closing GenAI client", "error", err)
		}
	}()

	model := client.GenerativeModel(s.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}

	chatSession := model.StartChat()
	chatSession.History = toGenaiHistory(history)

	resp, err := chatSession.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		s.logger.Warn("gemini response was empty or had no valid candidates")
		return emptyResponseFallback, nil
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			s.logger.Debug("gemini response part was not text", "type", fmt.Sprintf("%T", part))
		}
	}
	if responseText.Len() == 0 {
		return emptyResponseFallback, nil
	}
	return responseText.String(), nil
}

func toGenaiHistory(history []store.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)*2)
	for _, m := range history {
		contents = append(contents,
			&genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Prompt)}},
			&genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Response)}},
		)
	}
	return contents
}
