package negotiation

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/ajisai-dev/coachbot/internal/domain"
	"github.com/ajisai-dev/coachbot/internal/store"
)

// memContextStore is an in-memory ContextStore for controller tests.
type memContextStore struct {
	rows    map[string]*domain.NegotiationContext
	failing bool
}

func newMemContextStore() *memContextStore {
	return &memContextStore{rows: map[string]*domain.NegotiationContext{}}
}

func (m *memContextStore) Get(_ context.Context, userID string) (*domain.NegotiationContext, error) {
	if m.failing {
		return nil, fmt.Errorf("context store unavailable")
	}
	row, ok := m.rows[userID]
	if !ok {
		return nil, nil
	}
	clone := *row
	clone.Fields = map[string]string{}
	for k, v := range row.Fields {
		clone.Fields[k] = v
	}
	return &clone, nil
}

func (m *memContextStore) Save(ctx context.Context, userID string, patch store.ContextPatch) (*domain.NegotiationContext, error) {
	if m.failing {
		return nil, fmt.Errorf("context store unavailable")
	}
	current, _ := m.Get(ctx, userID)
	if current == nil {
		current = &domain.NegotiationContext{UserID: userID, Fields: map[string]string{}}
	}
	if patch.Stage != nil {
		current.Stage = *patch.Stage
	}
	if patch.ActiveSessionID != nil {
		current.ActiveSessionID = *patch.ActiveSessionID
	}
	for k, v := range patch.Fields {
		current.Fields[k] = v
	}
	current.UpdatedAt = time.Now()
	m.rows[userID] = current
	return current, nil
}

func (m *memContextStore) Reset(_ context.Context, userID string) error {
	if m.failing {
		return fmt.Errorf("context store unavailable")
	}
	row, ok := m.rows[userID]
	if !ok {
		row = &domain.NegotiationContext{UserID: userID}
		m.rows[userID] = row
	}
	row.Stage = domain.StageClosed
	row.Fields = map[string]string{}
	row.ActiveSessionID = ""
	row.UpdatedAt = time.Now()
	return nil
}

// memSessionStore is an in-memory SessionStore for controller tests.
type memSessionStore struct {
	rows   map[string]*domain.NegotiationSession
	nextID int
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{rows: map[string]*domain.NegotiationSession{}}
}

func (m *memSessionStore) CreateOpen(_ context.Context, userID string, pricing domain.Pricing) (*domain.NegotiationSession, error) {
	for _, row := range m.rows {
		if row.UserID == userID && row.IsOpen() {
			return nil, store.ErrOpenSessionExists
		}
	}
	m.nextID++
	sess := &domain.NegotiationSession{
		ID:           fmt.Sprintf("S%03d", m.nextID),
		UserID:       userID,
		State:        domain.SessionOpen,
		AnchorPrice:  pricing.AnchorPrice,
		SoftFloor:    pricing.SoftFloor,
		HardFloor:    pricing.HardFloor,
		CurrentOffer: pricing.AnchorPrice,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	m.rows[sess.ID] = sess
	return sess, nil
}

func (m *memSessionStore) GetOpen(_ context.Context, userID string) (*domain.NegotiationSession, error) {
	for _, row := range m.rows {
		if row.UserID == userID && row.IsOpen() {
			clone := *row
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *memSessionStore) GetByID(_ context.Context, id string) (*domain.NegotiationSession, error) {
	row, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	clone := *row
	return &clone, nil
}

func (m *memSessionStore) Update(_ context.Context, id string, patch store.SessionPatch, turns []domain.Turn) (*domain.NegotiationSession, error) {
	row, ok := m.rows[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	if !row.IsOpen() {
		return nil, store.ErrSessionClosed
	}
	if patch.CurrentOffer != nil {
		row.CurrentOffer = *patch.CurrentOffer
	}
	if patch.ConcessionsUsed != nil {
		row.ConcessionsUsed = *patch.ConcessionsUsed
	}
	row.History = append(row.History, turns...)
	row.UpdatedAt = time.Now()
	clone := *row
	return &clone, nil
}

func (m *memSessionStore) Close(_ context.Context, id string, state domain.SessionState, finalPrice int) error {
	row, ok := m.rows[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	if !row.IsOpen() {
		return store.ErrSessionClosed
	}
	row.State = state
	now := time.Now()
	row.CompletedAt = &now
	if state == domain.SessionAgreed {
		row.FinalPrice = &finalPrice
	}
	return nil
}

type fakeLinkBuilder struct{}

func (fakeLinkBuilder) BuildCheckoutURL(_ context.Context, userID string, sess *domain.NegotiationSession) (string, error) {
	return fmt.Sprintf("https://pay.example.com/%s/%s?amount=%d", userID, sess.ID, sess.CurrentOffer), nil
}

func newTestController(stallChance float64) (*Controller, *memContextStore, *memSessionStore) {
	pricing := testPricing()
	pricing.StallChance = stallChance
	contexts := newMemContextStore()
	sessions := newMemSessionStore()
	engine := NewEngine(pricing, rand.New(rand.NewSource(1)))
	controller := NewController(contexts, sessions, engine, pricing, fakeLinkBuilder{})
	return controller, contexts, sessions
}

func handle(t *testing.T, c *Controller, userID, text string) Result {
	t.Helper()
	result, err := c.Handle(context.Background(), userID, text, time.Now())
	if err != nil {
		t.Fatalf("Handle(%q) failed: %v", text, err)
	}
	return result
}

func TestTriggerStartsFunnel(t *testing.T) {
	controller, contexts, _ := newTestController(0)

	result := handle(t, controller, "U1", "価格")
	if !result.Handled {
		t.Fatal("trigger phrase must be handled")
	}
	if result.Reply != msgGoalPrompt {
		t.Errorf("reply = %q, want goal prompt", result.Reply)
	}

	nctx := contexts.rows["U1"]
	if nctx == nil || nctx.Stage != domain.StageCollectGoal {
		t.Errorf("stage = %v, want collect_goal", nctx)
	}
}

func TestNonTriggerFallsThrough(t *testing.T) {
	controller, _, _ := newTestController(0)

	result := handle(t, controller, "U1", "今日は疲れた")
	if result.Handled {
		t.Error("ordinary chat must fall through when idle")
	}
}

func TestMidFunnelResumesWithArbitraryText(t *testing.T) {
	controller, contexts, _ := newTestController(0)

	handle(t, controller, "U1", "価格")
	result := handle(t, controller, "U1", "英語を話せるようになりたい")
	if !result.Handled {
		t.Fatal("mid-funnel text must be handled without a trigger phrase")
	}
	if contexts.rows["U1"].Stage != domain.StageCollectConstraint {
		t.Errorf("stage = %v, want collect_constraint", contexts.rows["U1"].Stage)
	}
	if contexts.rows["U1"].Fields[domain.FieldGoal] != "英語を話せるようになりたい" {
		t.Errorf("goal field = %q", contexts.rows["U1"].Fields[domain.FieldGoal])
	}
}

func TestBudgetParsingCreatesSession(t *testing.T) {
	controller, contexts, sessions := newTestController(0)

	handle(t, controller, "U1", "価格")
	handle(t, controller, "U1", "英語を話す")
	handle(t, controller, "U1", "続かないこと")

	result := handle(t, controller, "U1", "3万")
	if !result.Handled {
		t.Fatal("budget message must be handled")
	}
	if !strings.Contains(result.Reply, "3980") {
		t.Errorf("pitch reply %q must contain the anchor price 3980", result.Reply)
	}

	nctx := contexts.rows["U1"]
	if nctx.Stage != domain.StagePresentOffer {
		t.Errorf("stage = %v, want present_offer", nctx.Stage)
	}
	if nctx.Fields[domain.FieldBudget] != "30000" {
		t.Errorf("budget field = %q, want 30000", nctx.Fields[domain.FieldBudget])
	}

	sess, _ := sessions.GetOpen(context.Background(), "U1")
	if sess == nil {
		t.Fatal("open session must exist")
	}
	if sess.AnchorPrice != 3980 || sess.CurrentOffer != 3980 {
		t.Errorf("anchor = %d, offer = %d, want 3980", sess.AnchorPrice, sess.CurrentOffer)
	}
	if nctx.ActiveSessionID != sess.ID {
		t.Errorf("active session = %q, want %q", nctx.ActiveSessionID, sess.ID)
	}
}

func TestUnparseableBudgetSelfLoops(t *testing.T) {
	controller, contexts, sessions := newTestController(0)

	handle(t, controller, "U1", "価格")
	handle(t, controller, "U1", "英語を話す")
	handle(t, controller, "U1", "続かないこと")

	before := len(contexts.rows["U1"].Fields)
	result := handle(t, controller, "U1", "うーんとね")
	if !result.Handled {
		t.Fatal("unparseable budget message must still be handled")
	}
	if result.Reply != msgBudgetReprompt {
		t.Errorf("reply = %q, want budget re-prompt", result.Reply)
	}
	if contexts.rows["U1"].Stage != domain.StageCollectBudget {
		t.Errorf("stage = %v, must not advance", contexts.rows["U1"].Stage)
	}
	if len(contexts.rows["U1"].Fields) != before {
		t.Error("collected fields must be unchanged")
	}
	if sess, _ := sessions.GetOpen(context.Background(), "U1"); sess != nil {
		t.Error("no session may be created on unparseable budget")
	}
}

func TestConcessionAndAgreementFlow(t *testing.T) {
	controller, contexts, sessions := newTestController(0)

	handle(t, controller, "U1", "価格")
	handle(t, controller, "U1", "英語を話す")
	handle(t, controller, "U1", "続かないこと")
	handle(t, controller, "U1", "3万")

	// Counter at 2000 earns one concession down to the 1980 rung.
	result := handle(t, controller, "U1", "2000")
	if !strings.Contains(result.Reply, "1980") {
		t.Errorf("concession reply %q must contain 1980", result.Reply)
	}
	sess, _ := sessions.GetOpen(context.Background(), "U1")
	if sess.CurrentOffer != 1980 || sess.ConcessionsUsed != 1 {
		t.Errorf("offer = %d used = %d, want 1980/1", sess.CurrentOffer, sess.ConcessionsUsed)
	}

	// Matching the offer finalizes the session and resets the context.
	result = handle(t, controller, "U1", "1980")
	if result.CheckoutURL == "" {
		t.Fatal("agreement must carry a checkout URL")
	}
	if !strings.Contains(result.CheckoutURL, "amount=1980") {
		t.Errorf("checkout URL %q must carry the final price", result.CheckoutURL)
	}

	closed, _ := sessions.GetByID(context.Background(), sess.ID)
	if closed.State != domain.SessionAgreed {
		t.Errorf("state = %v, want agreed", closed.State)
	}
	if closed.FinalPrice == nil || *closed.FinalPrice != 1980 {
		t.Errorf("final price = %v, want 1980", closed.FinalPrice)
	}
	if closed.CompletedAt == nil {
		t.Error("completed_at must be stamped")
	}

	nctx := contexts.rows["U1"]
	if nctx.Stage != domain.StageClosed || nctx.ActiveSessionID != "" {
		t.Errorf("context must close, got stage=%v session=%q", nctx.Stage, nctx.ActiveSessionID)
	}
}

func TestDeclineCancelsMidFunnel(t *testing.T) {
	controller, contexts, sessions := newTestController(0)

	handle(t, controller, "U1", "価格")
	handle(t, controller, "U1", "英語を話す")
	handle(t, controller, "U1", "続かないこと")
	handle(t, controller, "U1", "3万")
	sess, _ := sessions.GetOpen(context.Background(), "U1")

	result := handle(t, controller, "U1", "やめる")
	if !result.Handled {
		t.Fatal("decline must be handled")
	}
	if result.CheckoutURL != "" {
		t.Error("cancellation reply must not carry a checkout link")
	}

	closed, _ := sessions.GetByID(context.Background(), sess.ID)
	if closed.State != domain.SessionCancelled {
		t.Errorf("state = %v, want cancelled", closed.State)
	}
	if closed.FinalPrice != nil {
		t.Error("cancelled session must not record a final price")
	}

	nctx := contexts.rows["U1"]
	if nctx.Stage != domain.StageClosed || nctx.ActiveSessionID != "" {
		t.Error("context must close after cancellation")
	}

	// Ordinary chat stays outside the funnel once the stage is closed.
	result = handle(t, controller, "U1", "今日は疲れた")
	if result.Handled {
		t.Error("closed stage must not claim ordinary chat")
	}

	// A later trigger starts a fresh funnel with a new session lineage.
	result = handle(t, controller, "U1", "価格")
	if !result.Handled || result.Reply != msgGoalPrompt {
		t.Error("re-trigger after cancellation must restart the funnel")
	}
	if contexts.rows["U1"].Stage != domain.StageCollectGoal {
		t.Errorf("stage = %v, want collect_goal after re-trigger", contexts.rows["U1"].Stage)
	}
}

func TestDeclineBeforeSessionResetsContext(t *testing.T) {
	controller, contexts, _ := newTestController(0)

	handle(t, controller, "U1", "価格")
	handle(t, controller, "U1", "英語を話す")

	result := handle(t, controller, "U1", "やっぱりやめる")
	if !result.Handled {
		t.Fatal("decline must be handled mid-funnel")
	}
	nctx := contexts.rows["U1"]
	if nctx.Stage != domain.StageClosed {
		t.Errorf("stage = %v, want closed", nctx.Stage)
	}
}

func TestHistoryRecordsTurns(t *testing.T) {
	controller, _, sessions := newTestController(0)

	handle(t, controller, "U1", "価格")
	handle(t, controller, "U1", "英語を話す")
	handle(t, controller, "U1", "続かないこと")
	handle(t, controller, "U1", "3万")
	handle(t, controller, "U1", "2000")

	sess, _ := sessions.GetOpen(context.Background(), "U1")
	if len(sess.History) != 4 {
		t.Fatalf("history length = %d, want 4", len(sess.History))
	}
	if sess.History[0].Role != domain.RoleUser || sess.History[0].Content != "3万" {
		t.Errorf("history[0] = %+v", sess.History[0])
	}
	if sess.History[1].Role != domain.RoleAssistant {
		t.Errorf("history[1] role = %q, want assistant", sess.History[1].Role)
	}
	if sess.History[2].Content != "2000" {
		t.Errorf("history[2] = %+v", sess.History[2])
	}
}

func TestPersistenceFailureAbortsTurn(t *testing.T) {
	controller, contexts, _ := newTestController(0)

	contexts.failing = true
	result, err := controller.Handle(context.Background(), "U1", "価格", time.Now())
	if err == nil {
		t.Fatal("persistence failure must surface as an error")
	}
	if result.Handled || result.Reply != "" {
		t.Errorf("aborted turn must produce no reply, got %+v", result)
	}
}

func TestCrashBetweenSessionCreateAndContextSaveResumes(t *testing.T) {
	controller, contexts, sessions := newTestController(0)

	handle(t, controller, "U1", "価格")
	handle(t, controller, "U1", "英語を話す")
	handle(t, controller, "U1", "続かないこと")

	// Simulate an earlier turn that created the session but crashed before
	// the context advanced to the offer stage.
	if _, err := sessions.CreateOpen(context.Background(), "U1", domain.Pricing{
		AnchorPrice: 3980, SoftFloor: 2480, HardFloor: 1980,
	}); err != nil {
		t.Fatal(err)
	}

	result := handle(t, controller, "U1", "3万")
	if !result.Handled {
		t.Fatal("retried budget message must be handled")
	}
	if contexts.rows["U1"].Stage != domain.StagePresentOffer {
		t.Errorf("stage = %v, want present_offer", contexts.rows["U1"].Stage)
	}

	// Only one open session may exist.
	open := 0
	for _, row := range sessions.rows {
		if row.IsOpen() {
			open++
		}
	}
	if open != 1 {
		t.Errorf("open sessions = %d, want 1", open)
	}
}
