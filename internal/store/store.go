// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ajisai-dev/coachbot/internal/domain"
)

var (
	// ErrOpenSessionExists is returned by CreateOpen when the user already
	// has an open negotiation session.
	ErrOpenSessionExists = errors.New("open negotiation session already exists")

	// ErrSessionNotFound is returned when a session ID does not exist.
	ErrSessionNotFound = errors.New("negotiation session not found")

	// ErrSessionClosed is returned when an operation requires an open
	// session but the session has already been finalized.
	ErrSessionClosed = errors.New("negotiation session already closed")
)

// ContextPatch is a partial update to a NegotiationContext. Nil pointer
// fields are left untouched; Fields entries are merged key by key.
type ContextPatch struct {
	Stage           *domain.Stage
	Fields          map[string]string
	ActiveSessionID *string
}

// ContextStore persists per-user negotiation funnel state.
type ContextStore interface {
	// Get retrieves the context for a user. Returns (nil, nil) when the
	// user has no context row; absence is a valid, common state.
	Get(ctx context.Context, userID string) (*domain.NegotiationContext, error)

	// Save merges patch into the user's context (creating the row if
	// needed), refreshes updated_at, and returns the stored result.
	// Last write wins under concurrent saves for the same user.
	Save(ctx context.Context, userID string, patch ContextPatch) (*domain.NegotiationContext, error)

	// Reset clears collected fields and the active session pointer and
	// moves the stage to closed, leaving the row present. A closed stage
	// behaves like an idle one: only a trigger phrase re-enters the funnel.
	Reset(ctx context.Context, userID string) error
}

// SessionPatch is a partial update to a NegotiationSession's mutable fields.
type SessionPatch struct {
	CurrentOffer    *int
	ConcessionsUsed *int
}

// SessionStore persists negotiation session records.
type SessionStore interface {
	// CreateOpen creates a new open session for the user. Fails with
	// ErrOpenSessionExists if one is already open.
	CreateOpen(ctx context.Context, userID string, pricing domain.Pricing) (*domain.NegotiationSession, error)

	// GetOpen returns the most recent open session for the user, or
	// (nil, nil) when there is none.
	GetOpen(ctx context.Context, userID string) (*domain.NegotiationSession, error)

	// GetByID returns the session with the given ID, or (nil, nil).
	GetByID(ctx context.Context, id string) (*domain.NegotiationSession, error)

	// Update applies patch and appends turns to the conversation history,
	// bumping updated_at. The session must still be open.
	Update(ctx context.Context, id string, patch SessionPatch, turns []domain.Turn) (*domain.NegotiationSession, error)

	// Close finalizes the session into agreed or cancelled, stamping
	// completed_at. For agreed, finalPrice is recorded. Closing an already
	// closed session returns ErrSessionClosed.
	Close(ctx context.Context, id string, state domain.SessionState, finalPrice int) error
}

// ChatHistoryStore persists the fallback coach's conversation memory,
// separate from negotiation session history.
type ChatHistoryStore interface {
	// AppendChatTurns appends turns to the user's chat history. The stored
	// history is trimmed to a bounded recent window.
	AppendChatTurns(ctx context.Context, userID string, turns []domain.Turn) error

	// RecentChatTurns returns up to n of the user's most recent chat turns,
	// oldest first. An unknown user yields an empty slice.
	RecentChatTurns(ctx context.Context, userID string, n int) ([]domain.Turn, error)
}

// TaskStore persists user tasks and reminder bookkeeping.
type TaskStore interface {
	CreateTask(ctx context.Context, task *domain.Task) error

	// ListOpenTasks returns the user's unfinished tasks ordered by creation.
	ListOpenTasks(ctx context.Context, userID string) ([]*domain.Task, error)

	// CompleteTask marks a task done. Returns false if no row matched.
	CompleteTask(ctx context.Context, userID, taskID string) (bool, error)

	// DueTasks returns unfinished tasks whose due time has passed and that
	// have not been reminded yet.
	DueTasks(ctx context.Context, now time.Time) ([]*domain.Task, error)

	// MarkReminded records that a reminder was delivered for the task.
	MarkReminded(ctx context.Context, taskID string) error
}

// Store is the full persistence surface backed by a single database.
type Store interface {
	ContextStore
	SessionStore
	ChatHistoryStore
	TaskStore

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Shutdown closes the database connection.
	Shutdown() error
}
