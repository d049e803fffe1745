// Package coach provides the strict-coach fallback chat responder.
package coach

import (
	"context"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ajisai-dev/coachbot/internal/domain"
)

const systemPrompt = `あなたは厳しくも愛のあるスパルタコーチ「鬼塚」です。
ユーザーの目標達成のために、甘えは許さず、短く力強い日本語で返答してください。
敬語は使わず、言い訳には厳しく、努力には素直に賛辞を送ります。
返答は3文以内に収めてください。`

const fallbackReply = "……今は言葉が出ない。もう一度言ってくれ。"

// Responder generates strict-coach replies via the chat completion API.
type Responder struct {
	client *openai.Client
	model  string
}

// NewResponder creates a responder backed by the OpenAI API.
func NewResponder(apiKey, model string) *Responder {
	return &Responder{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// Reply generates a coach reply conditioned on recent conversation turns.
// API failures degrade to a canned reply; internal error detail never
// reaches the chat.
func (r *Responder) Reply(ctx context.Context, userID, text string, history []domain.Turn) string {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     r.model,
		Messages:  messages,
		MaxTokens: 256,
	})
	if err != nil {
		slog.Warn("coach completion failed", "user_id", userID, "error", err)
		return fallbackReply
	}
	if len(resp.Choices) == 0 {
		slog.Warn("coach completion returned no choices", "user_id", userID)
		return fallbackReply
	}

	return resp.Choices[0].Message.Content
}
