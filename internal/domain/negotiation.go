// Package domain contains core domain types for the coachbot application.
package domain

import (
	"time"
)

// Stage identifies where a user currently sits in the negotiation funnel.
// An empty Stage means no negotiation is in progress.
type Stage string

const (
	StageCollectGoal       Stage = "collect_goal"
	StageCollectConstraint Stage = "collect_constraint"
	StageCollectBudget     Stage = "collect_budget"
	StagePresentOffer      Stage = "present_offer"
	StageClosed            Stage = "closed"
)

// Well-known keys within NegotiationContext.Fields.
const (
	FieldGoal       = "goal"
	FieldConstraint = "constraint"
	FieldBudget     = "budget"
)

// NegotiationContext is the per-user funnel state. Exactly one row per user,
// upserted in place.
type NegotiationContext struct {
	UserID          string
	Stage           Stage
	Fields          map[string]string
	ActiveSessionID string
	UpdatedAt       time.Time
}

// InFunnel returns true if the user has an unfinished mid-funnel stage.
func (c *NegotiationContext) InFunnel() bool {
	switch c.Stage {
	case StageCollectGoal, StageCollectConstraint, StageCollectBudget, StagePresentOffer:
		return true
	}
	return false
}

// SessionState is the lifecycle state of a negotiation session.
type SessionState string

const (
	SessionOpen      SessionState = "open"
	SessionAgreed    SessionState = "agreed"
	SessionCancelled SessionState = "cancelled"
)

// Turn is a single entry in a session's conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Pricing holds the price parameters a session is created with.
// All values are integer yen. HardFloor <= SoftFloor <= AnchorPrice.
type Pricing struct {
	AnchorPrice int
	SoftFloor   int
	HardFloor   int
}

// NegotiationSession is one negotiation attempt. A user may accumulate many
// over time, but at most one is open.
type NegotiationSession struct {
	ID              string
	UserID          string
	State           SessionState
	AnchorPrice     int
	SoftFloor       int
	HardFloor       int
	CurrentOffer    int
	ConcessionsUsed int
	FinalPrice      *int
	History         []Turn
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// IsOpen returns true if the session has not been finalized.
func (s *NegotiationSession) IsOpen() bool {
	return s.State == SessionOpen
}

// RecentHistory returns the last n turns of the conversation history.
func (s *NegotiationSession) RecentHistory(n int) []Turn {
	return RecentTurns(s.History, n)
}

// RecentTurns returns the last n turns, oldest first.
func RecentTurns(turns []Turn, n int) []Turn {
	if n >= len(turns) {
		return turns
	}
	return turns[len(turns)-n:]
}
