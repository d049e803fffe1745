// Package webhook receives LINE webhook deliveries and dispatches messages
// through the negotiation funnel, task commands and the fallback coach.
package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/line/line-bot-sdk-go/v7/linebot"

	"github.com/ajisai-dev/coachbot/internal/domain"
	"github.com/ajisai-dev/coachbot/internal/negotiation"
	"github.com/ajisai-dev/coachbot/internal/shared"
	"github.com/ajisai-dev/coachbot/internal/store"
	"github.com/ajisai-dev/coachbot/internal/tasks"
)

// ChatResponder generates a fallback chat reply when no other handler
// claims the message.
type ChatResponder interface {
	Reply(ctx context.Context, userID, text string, history []domain.Turn) string
}

const genericErrorReply = "システムの調子が悪い。少し待ってもう一度送ってくれ。"

// recentChatTurns is how many prior chat turns condition a coach reply.
const recentChatTurns = 6

// Handler terminates LINE webhook deliveries. Each delivery is an
// independent invocation; all state crosses through the stores.
type Handler struct {
	bot        *linebot.Client
	negotiator *negotiation.Controller
	tasks      *tasks.Manager
	coach      ChatResponder
	chats      store.ChatHistoryStore
}

// New creates a webhook handler.
func New(bot *linebot.Client, negotiator *negotiation.Controller, taskManager *tasks.Manager, coach ChatResponder, chats store.ChatHistoryStore) *Handler {
	return &Handler{
		bot:        bot,
		negotiator: negotiator,
		tasks:      taskManager,
		coach:      coach,
		chats:      chats,
	}
}

// RegisterRoutes registers the webhook endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook", h.handleWebhook)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	events, err := h.bot.ParseRequest(r)
	if err != nil {
		if err == linebot.ErrInvalidSignature {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		slog.Error("failed to parse webhook request", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	for _, event := range events {
		if event.Type != linebot.EventTypeMessage {
			continue
		}
		message, ok := event.Message.(*linebot.TextMessage)
		if !ok {
			continue
		}
		if event.Source == nil || event.Source.UserID == "" {
			continue
		}
		userID := event.Source.UserID

		replies := h.dispatch(r.Context(), userID, message.Text)
		if len(replies) == 0 {
			continue
		}

		if _, err := h.bot.ReplyMessage(event.ReplyToken, replies...).WithContext(r.Context()).Do(); err != nil {
			slog.Error("failed to send reply", "user_id", userID, "error", err)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// dispatch runs the handler chain: negotiation first, then task commands,
// then the fallback coach. The first handler that claims the message wins.
func (h *Handler) dispatch(ctx context.Context, userID, text string) []linebot.SendingMessage {
	now := time.Now()

	result, err := h.handleNegotiationWithRetry(ctx, userID, text, now)
	if err != nil {
		slog.Error("negotiation handler failed", "user_id", userID, "error", err)
		return []linebot.SendingMessage{linebot.NewTextMessage(genericErrorReply)}
	}
	if result.Handled {
		return renderNegotiation(result)
	}

	taskResult, err := h.tasks.Handle(ctx, userID, text, now)
	if err != nil {
		slog.Error("task handler failed", "user_id", userID, "error", err)
		return []linebot.SendingMessage{linebot.NewTextMessage(genericErrorReply)}
	}
	if taskResult.Handled {
		return []linebot.SendingMessage{linebot.NewTextMessage(taskResult.Reply)}
	}

	if h.coach == nil {
		return nil
	}

	// Chat memory is best effort; a broken history never blocks the reply.
	history, err := h.chats.RecentChatTurns(ctx, userID, recentChatTurns)
	if err != nil {
		slog.Warn("failed to load chat history", "user_id", userID, "error", err)
		history = nil
	}
	reply := h.coach.Reply(ctx, userID, text, history)
	if err := h.chats.AppendChatTurns(ctx, userID, []domain.Turn{
		{Role: domain.RoleUser, Content: text},
		{Role: domain.RoleAssistant, Content: reply},
	}); err != nil {
		slog.Warn("failed to record chat history", "user_id", userID, "error", err)
	}
	return []linebot.SendingMessage{linebot.NewTextMessage(reply)}
}

// handleNegotiationWithRetry retries the negotiation turn on SQLite
// busy/locked conflicts with exponential backoff. The controller itself
// never retries; an aborted turn left no partial state behind.
func (h *Handler) handleNegotiationWithRetry(ctx context.Context, userID, text string, now time.Time) (negotiation.Result, error) {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var result negotiation.Result
	var err error
	for i := 0; i < maxRetries; i++ {
		result, err = h.negotiator.Handle(ctx, userID, text, now)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return result, err
		}

		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("negotiation turn hit SQLITE_BUSY, retrying",
				"user_id", userID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
		}
	}
	return result, err
}

func renderNegotiation(result negotiation.Result) []linebot.SendingMessage {
	messages := []linebot.SendingMessage{linebot.NewTextMessage(result.Reply)}
	if result.CheckoutURL != "" {
		template := linebot.NewButtonsTemplate(
			"", "契約手続き", "下のボタンから決済ページへ進んでくれ。",
			linebot.NewURIAction("決済ページを開く", result.CheckoutURL),
		)
		messages = append(messages, linebot.NewTemplateMessage("決済ページのご案内", template))
	}
	return messages
}

// Push sends a standalone message to a user. Implements reminder.Notifier.
func (h *Handler) Push(ctx context.Context, userID, text string) error {
	_, err := h.bot.PushMessage(userID, linebot.NewTextMessage(text)).WithContext(ctx).Do()
	return err
}
