package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ajisai-dev/coachbot/internal/config"
	"github.com/ajisai-dev/coachbot/internal/domain"
	"github.com/ajisai-dev/coachbot/internal/store"
)

// CheckoutLinkBuilder produces a hosted-checkout URL for a finalized session.
// The payment processor's own protocol lives behind this interface.
type CheckoutLinkBuilder interface {
	BuildCheckoutURL(ctx context.Context, userID string, sess *domain.NegotiationSession) (string, error)
}

// Result is the outcome of consulting the controller for one inbound message.
type Result struct {
	// Handled reports whether negotiation claimed the message. When false
	// the message falls through to task commands and fallback chat.
	Handled bool
	Reply   string
	// CheckoutURL is set only when a session just finalized as agreed.
	CheckoutURL string
}

// Controller is the negotiation state machine. Each invocation reads the
// user's stage from the context store, dispatches to a stage handler, and
// emits at most one reply. It holds no state of its own between calls.
type Controller struct {
	contexts store.ContextStore
	sessions store.SessionStore
	engine   *Engine
	pricing  config.Pricing
	checkout CheckoutLinkBuilder
}

// NewController wires the state machine. Pricing must already be validated.
func NewController(contexts store.ContextStore, sessions store.SessionStore, engine *Engine, pricing config.Pricing, checkout CheckoutLinkBuilder) *Controller {
	return &Controller{
		contexts: contexts,
		sessions: sessions,
		engine:   engine,
		pricing:  pricing,
		checkout: checkout,
	}
}

// Handle processes one inbound message. A persistence failure aborts the
// turn with no reply; the caller may retry on the next delivery.
func (c *Controller) Handle(ctx context.Context, userID, text string, now time.Time) (Result, error) {
	nctx, err := c.contexts.Get(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load negotiation context: %w", err)
	}

	stage := domain.Stage("")
	if nctx != nil {
		stage = nctx.Stage
	}

	// An unfinished funnel always resumes, regardless of trigger phrases.
	inFunnel := nctx != nil && (nctx.InFunnel() || nctx.ActiveSessionID != "")

	if !inFunnel {
		if !isStartTrigger(text) {
			return Result{Handled: false}, nil
		}
		return c.startFunnel(ctx, userID)
	}

	// An explicit decline cancels at any mid-funnel stage.
	if intent, _ := Classify(text); intent == IntentDecline {
		return c.cancel(ctx, userID, nctx, text)
	}

	switch stage {
	case domain.StageCollectGoal:
		return c.collectGoal(ctx, userID, text)
	case domain.StageCollectConstraint:
		return c.collectConstraint(ctx, userID, text)
	case domain.StageCollectBudget:
		return c.collectBudget(ctx, userID, text)
	case domain.StagePresentOffer:
		return c.presentOffer(ctx, userID, nctx, text)
	default:
		// Context points at a session but carries no runnable stage;
		// resume the offer stage off the open session.
		if nctx.ActiveSessionID != "" {
			return c.presentOffer(ctx, userID, nctx, text)
		}
		return Result{Handled: false}, nil
	}
}

func isStartTrigger(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, trigger := range startTriggers {
		if strings.Contains(trimmed, trigger) {
			return true
		}
	}
	return false
}

func (c *Controller) startFunnel(ctx context.Context, userID string) (Result, error) {
	stage := domain.StageCollectGoal
	if _, err := c.contexts.Save(ctx, userID, store.ContextPatch{Stage: &stage}); err != nil {
		return Result{}, fmt.Errorf("save funnel start: %w", err)
	}
	return Result{Handled: true, Reply: msgGoalPrompt}, nil
}

func (c *Controller) collectGoal(ctx context.Context, userID, text string) (Result, error) {
	stage := domain.StageCollectConstraint
	goal := strings.TrimSpace(text)
	_, err := c.contexts.Save(ctx, userID, store.ContextPatch{
		Stage:  &stage,
		Fields: map[string]string{domain.FieldGoal: goal},
	})
	if err != nil {
		return Result{}, fmt.Errorf("save goal: %w", err)
	}
	return Result{Handled: true, Reply: fmt.Sprintf(msgConstraintPrompt, truncate(goal, 30))}, nil
}

func (c *Controller) collectConstraint(ctx context.Context, userID, text string) (Result, error) {
	stage := domain.StageCollectBudget
	_, err := c.contexts.Save(ctx, userID, store.ContextPatch{
		Stage:  &stage,
		Fields: map[string]string{domain.FieldConstraint: strings.TrimSpace(text)},
	})
	if err != nil {
		return Result{}, fmt.Errorf("save constraint: %w", err)
	}
	return Result{Handled: true, Reply: msgBudgetPrompt}, nil
}

func (c *Controller) collectBudget(ctx context.Context, userID, text string) (Result, error) {
	budget, ok := ExtractAmount(text)
	if !ok {
		// Self-loop: no state change, same prompt again.
		return Result{Handled: true, Reply: msgBudgetReprompt}, nil
	}

	pricing := domain.Pricing{
		AnchorPrice: c.pricing.AnchorFor(budget),
		SoftFloor:   c.pricing.SoftFloor,
		HardFloor:   c.pricing.HardFloor,
	}

	sess, err := c.sessions.CreateOpen(ctx, userID, pricing)
	if errors.Is(err, store.ErrOpenSessionExists) {
		// A prior turn crashed between session create and context save.
		sess, err = c.sessions.GetOpen(ctx, userID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("open negotiation session: %w", err)
	}
	if sess == nil {
		return Result{}, fmt.Errorf("open negotiation session: no session after create conflict")
	}

	nctx, err := c.contexts.Get(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load negotiation context: %w", err)
	}
	goal := ""
	if nctx != nil {
		goal = nctx.Fields[domain.FieldGoal]
	}

	reply := fmt.Sprintf(msgPitch, truncate(goal, 30), sess.CurrentOffer)
	if _, err := c.sessions.Update(ctx, sess.ID, store.SessionPatch{}, []domain.Turn{
		{Role: domain.RoleUser, Content: text},
		{Role: domain.RoleAssistant, Content: reply},
	}); err != nil {
		return Result{}, fmt.Errorf("record pitch: %w", err)
	}

	stage := domain.StagePresentOffer
	sessID := sess.ID
	_, err = c.contexts.Save(ctx, userID, store.ContextPatch{
		Stage:           &stage,
		Fields:          map[string]string{domain.FieldBudget: strconv.Itoa(budget)},
		ActiveSessionID: &sessID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("save offer stage: %w", err)
	}

	return Result{Handled: true, Reply: reply}, nil
}

func (c *Controller) presentOffer(ctx context.Context, userID string, nctx *domain.NegotiationContext, text string) (Result, error) {
	sess, err := c.activeSession(ctx, userID, nctx)
	if err != nil {
		return Result{}, err
	}
	if sess == nil {
		// The session was finalized but the context reset never landed.
		// Heal the context and decline the message.
		if err := c.contexts.Reset(ctx, userID); err != nil {
			return Result{}, fmt.Errorf("reset stale context: %w", err)
		}
		slog.Warn("offer stage with no open session, context reset", "user_id", userID)
		return Result{Handled: false}, nil
	}

	decision := c.engine.Decide(sess, text)
	slog.Info("offer decision",
		"user_id", userID,
		"session_id", sess.ID,
		"intent", decision.Intent.String(),
		"verdict", int(decision.Verdict),
		"offer", decision.Offer,
		"concessions_used", decision.ConcessionsUsed,
	)

	switch decision.Verdict {
	case VerdictFinalize:
		return c.finalize(ctx, userID, sess, text, decision)
	case VerdictCancel:
		return c.cancelSession(ctx, userID, sess, text)
	case VerdictConcede:
		reply := concedeMessage(decision.Offer, decision.Final)
		return c.recordOffer(ctx, sess, text, reply, decision)
	default:
		reply := holdMessage(decision.Offer, decision.Final)
		return c.recordOffer(ctx, sess, text, reply, decision)
	}
}

func (c *Controller) activeSession(ctx context.Context, userID string, nctx *domain.NegotiationContext) (*domain.NegotiationSession, error) {
	if nctx != nil && nctx.ActiveSessionID != "" {
		sess, err := c.sessions.GetByID(ctx, nctx.ActiveSessionID)
		if err != nil {
			return nil, fmt.Errorf("load active session: %w", err)
		}
		if sess != nil && sess.IsOpen() {
			return sess, nil
		}
	}
	sess, err := c.sessions.GetOpen(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load open session: %w", err)
	}
	return sess, nil
}

func (c *Controller) finalize(ctx context.Context, userID string, sess *domain.NegotiationSession, text string, decision Decision) (Result, error) {
	checkoutURL, err := c.checkout.BuildCheckoutURL(ctx, userID, sess)
	if err != nil {
		return Result{}, fmt.Errorf("build checkout url: %w", err)
	}

	reply := fmt.Sprintf(msgAgreed, decision.Offer)

	offer := decision.Offer
	if _, err := c.sessions.Update(ctx, sess.ID, store.SessionPatch{CurrentOffer: &offer}, []domain.Turn{
		{Role: domain.RoleUser, Content: text},
		{Role: domain.RoleAssistant, Content: reply},
	}); err != nil {
		return Result{}, fmt.Errorf("record agreement: %w", err)
	}
	if err := c.sessions.Close(ctx, sess.ID, domain.SessionAgreed, decision.Offer); err != nil {
		return Result{}, fmt.Errorf("close agreed session: %w", err)
	}
	if err := c.contexts.Reset(ctx, userID); err != nil {
		return Result{}, fmt.Errorf("reset context after agreement: %w", err)
	}

	slog.Info("negotiation agreed", "user_id", userID, "session_id", sess.ID, "final_price", decision.Offer)
	return Result{Handled: true, Reply: reply, CheckoutURL: checkoutURL}, nil
}

// cancel handles an explicit decline from any mid-funnel stage.
func (c *Controller) cancel(ctx context.Context, userID string, nctx *domain.NegotiationContext, text string) (Result, error) {
	sess, err := c.activeSession(ctx, userID, nctx)
	if err != nil {
		return Result{}, err
	}
	if sess != nil {
		return c.cancelSession(ctx, userID, sess, text)
	}

	if err := c.contexts.Reset(ctx, userID); err != nil {
		return Result{}, fmt.Errorf("reset context after decline: %w", err)
	}
	return Result{Handled: true, Reply: msgCancelled}, nil
}

func (c *Controller) cancelSession(ctx context.Context, userID string, sess *domain.NegotiationSession, text string) (Result, error) {
	if _, err := c.sessions.Update(ctx, sess.ID, store.SessionPatch{}, []domain.Turn{
		{Role: domain.RoleUser, Content: text},
		{Role: domain.RoleAssistant, Content: msgCancelled},
	}); err != nil {
		return Result{}, fmt.Errorf("record cancellation: %w", err)
	}
	if err := c.sessions.Close(ctx, sess.ID, domain.SessionCancelled, 0); err != nil {
		return Result{}, fmt.Errorf("close cancelled session: %w", err)
	}
	if err := c.contexts.Reset(ctx, userID); err != nil {
		return Result{}, fmt.Errorf("reset context after cancellation: %w", err)
	}

	slog.Info("negotiation cancelled", "user_id", userID, "session_id", sess.ID)
	return Result{Handled: true, Reply: msgCancelled}, nil
}

func (c *Controller) recordOffer(ctx context.Context, sess *domain.NegotiationSession, text, reply string, decision Decision) (Result, error) {
	offer := decision.Offer
	used := decision.ConcessionsUsed
	_, err := c.sessions.Update(ctx, sess.ID, store.SessionPatch{
		CurrentOffer:    &offer,
		ConcessionsUsed: &used,
	}, []domain.Turn{
		{Role: domain.RoleUser, Content: text},
		{Role: domain.RoleAssistant, Content: reply},
	})
	if err != nil {
		return Result{}, fmt.Errorf("record offer: %w", err)
	}
	return Result{Handled: true, Reply: reply}, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
