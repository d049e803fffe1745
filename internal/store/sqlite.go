package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/ajisai-dev/coachbot/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// Serializes read-modify-write cycles on context and session rows so
	// concurrent webhook deliveries for the same process cannot interleave
	// mid-merge. Cross-process races remain last-write-wins.
	negotiationMu sync.Mutex

	// Serializes chat history append cycles the same way.
	chatMu sync.Mutex
}

// chatHistoryCap bounds the stored chat history per user.
const chatHistoryCap = 20

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS negotiation_contexts (
		user_id TEXT PRIMARY KEY,
		stage TEXT,
		fields_json TEXT NOT NULL DEFAULT '{}',
		active_session_id TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS negotiation_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		state TEXT NOT NULL,
		anchor_price INTEGER NOT NULL,
		soft_floor INTEGER NOT NULL,
		hard_floor INTEGER NOT NULL,
		current_offer INTEGER NOT NULL,
		concessions_used INTEGER NOT NULL DEFAULT 0,
		final_price INTEGER,
		history_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_state ON negotiation_sessions(user_id, state);

	CREATE TABLE IF NOT EXISTS chat_histories (
		user_id TEXT PRIMARY KEY,
		history_json TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		due_at INTEGER,
		done INTEGER NOT NULL DEFAULT 0,
		reminded INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user_open ON tasks(user_id, created_at) WHERE done = 0;
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due_at) WHERE done = 0 AND reminded = 0;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Shutdown closes the database connection.
func (s *SQLiteStore) Shutdown() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Get retrieves the negotiation context for a user.
func (s *SQLiteStore) Get(ctx context.Context, userID string) (*domain.NegotiationContext, error) {
	query := `
		SELECT user_id, stage, fields_json, active_session_id, updated_at
		FROM negotiation_contexts WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)
	return scanContext(row)
}

func scanContext(row *sql.Row) (*domain.NegotiationContext, error) {
	var nctx domain.NegotiationContext
	var stage, activeSessionID sql.NullString
	var fieldsJSON string
	var updatedAt int64

	err := row.Scan(&nctx.UserID, &stage, &fieldsJSON, &activeSessionID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan negotiation context row: %w", err)
	}

	nctx.Stage = domain.Stage(stage.String)
	nctx.ActiveSessionID = activeSessionID.String
	nctx.UpdatedAt = time.Unix(updatedAt, 0)

	if err := json.Unmarshal([]byte(fieldsJSON), &nctx.Fields); err != nil {
		return nil, fmt.Errorf("decode context fields: %w", err)
	}
	if nctx.Fields == nil {
		nctx.Fields = map[string]string{}
	}

	return &nctx, nil
}

// Save merges patch into the user's context and upserts the result.
func (s *SQLiteStore) Save(ctx context.Context, userID string, patch ContextPatch) (*domain.NegotiationContext, error) {
	s.negotiationMu.Lock()
	defer s.negotiationMu.Unlock()

	current, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = &domain.NegotiationContext{
			UserID: userID,
			Fields: map[string]string{},
		}
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

	fieldsJSON, err := json.Marshal(current.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode context fields: %w", err)
	}

	query := `
	INSERT INTO negotiation_contexts (user_id, stage, fields_json, active_session_id, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		stage = excluded.stage,
		fields_json = excluded.fields_json,
		active_session_id = excluded.active_session_id,
		updated_at = excluded.updated_at`

	var stage interface{}
	if current.Stage != "" {
		stage = string(current.Stage)
	}
	var activeSessionID interface{}
	if current.ActiveSessionID != "" {
		activeSessionID = current.ActiveSessionID
	}

	_, err = s.db.ExecContext(ctx, query,
		userID, stage, string(fieldsJSON), activeSessionID, current.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert negotiation context: %w", err)
	}
	return current, nil
}

// Reset clears funnel state for the user and marks the stage closed,
// leaving the row present.
func (s *SQLiteStore) Reset(ctx context.Context, userID string) error {
	s.negotiationMu.Lock()
	defer s.negotiationMu.Unlock()

	query := `
	INSERT INTO negotiation_contexts (user_id, stage, fields_json, active_session_id, updated_at)
	VALUES (?, ?, '{}', NULL, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		stage = excluded.stage,
		fields_json = '{}',
		active_session_id = NULL,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, userID, string(domain.StageClosed), time.Now().Unix()); err != nil {
		return fmt.Errorf("reset negotiation context: %w", err)
	}
	return nil
}

// CreateOpen creates a new open negotiation session for the user.
func (s *SQLiteStore) CreateOpen(ctx context.Context, userID string, pricing domain.Pricing) (*domain.NegotiationSession, error) {
	s.negotiationMu.Lock()
	defer s.negotiationMu.Unlock()

	existing, err := s.queryOpen(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrOpenSessionExists
	}

	now := time.Now()
	sess := &domain.NegotiationSession{
		ID:           ulid.Make().String(),
		UserID:       userID,
		State:        domain.SessionOpen,
		AnchorPrice:  pricing.AnchorPrice,
		SoftFloor:    pricing.SoftFloor,
		HardFloor:    pricing.HardFloor,
		CurrentOffer: pricing.AnchorPrice,
		History:      []domain.Turn{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	query := `
	INSERT INTO negotiation_sessions (
		id, user_id, state, anchor_price, soft_floor, hard_floor,
		current_offer, concessions_used, history_json, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, 0, '[]', ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.UserID, string(sess.State),
		sess.AnchorPrice, sess.SoftFloor, sess.HardFloor,
		sess.CurrentOffer, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert negotiation session: %w", err)
	}
	return sess, nil
}

// GetOpen returns the most recent open session for the user, or nil.
func (s *SQLiteStore) GetOpen(ctx context.Context, userID string) (*domain.NegotiationSession, error) {
	return s.queryOpen(ctx, userID)
}

func (s *SQLiteStore) queryOpen(ctx context.Context, userID string) (*domain.NegotiationSession, error) {
	query := sessionSelect + ` WHERE user_id = ? AND state = 'open' ORDER BY created_at DESC LIMIT 1`
	return scanSession(s.db.QueryRowContext(ctx, query, userID))
}

// GetByID returns the session with the given ID, or nil.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*domain.NegotiationSession, error) {
	query := sessionSelect + ` WHERE id = ?`
	return scanSession(s.db.QueryRowContext(ctx, query, id))
}

const sessionSelect = `
	SELECT id, user_id, state, anchor_price, soft_floor, hard_floor,
	       current_offer, concessions_used, final_price, history_json,
	       created_at, updated_at, completed_at
	FROM negotiation_sessions`

func scanSession(row *sql.Row) (*domain.NegotiationSession, error) {
	var sess domain.NegotiationSession
	var state, historyJSON string
	var finalPrice, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.UserID, &state,
		&sess.AnchorPrice, &sess.SoftFloor, &sess.HardFloor,
		&sess.CurrentOffer, &sess.ConcessionsUsed,
		&finalPrice, &historyJSON,
		&createdAt, &updatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan negotiation session row: %w", err)
	}

	sess.State = domain.SessionState(state)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	if finalPrice.Valid {
		fp := int(finalPrice.Int64)
		sess.FinalPrice = &fp
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		sess.CompletedAt = &ts
	}

	if err := json.Unmarshal([]byte(historyJSON), &sess.History); err != nil {
		return nil, fmt.Errorf("decode session history: %w", err)
	}

	return &sess, nil
}

// Update applies patch and appends turns to the session's history.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch SessionPatch, turns []domain.Turn) (*domain.NegotiationSession, error) {
	s.negotiationMu.Lock()
	defer s.negotiationMu.Unlock()

	sess, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if !sess.IsOpen() {
		return nil, ErrSessionClosed
	}

	if patch.CurrentOffer != nil {
		sess.CurrentOffer = *patch.CurrentOffer
	}
	if patch.ConcessionsUsed != nil {
		sess.ConcessionsUsed = *patch.ConcessionsUsed
	}
	sess.History = append(sess.History, turns...)
	sess.UpdatedAt = time.Now()

	historyJSON, err := json.Marshal(sess.History)
	if err != nil {
		return nil, fmt.Errorf("encode session history: %w", err)
	}

	query := `
	UPDATE negotiation_sessions
	SET current_offer = ?, concessions_used = ?, history_json = ?, updated_at = ?
	WHERE id = ? AND state = 'open'`

	result, err := s.db.ExecContext(ctx, query,
		sess.CurrentOffer, sess.ConcessionsUsed, string(historyJSON),
		sess.UpdatedAt.Unix(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update negotiation session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrSessionClosed
	}

	return sess, nil
}

// Close finalizes the session into agreed or cancelled.
func (s *SQLiteStore) Close(ctx context.Context, id string, state domain.SessionState, finalPrice int) error {
	s.negotiationMu.Lock()
	defer s.negotiationMu.Unlock()

	if state != domain.SessionAgreed && state != domain.SessionCancelled {
		return fmt.Errorf("invalid final state %q", state)
	}

	var final interface{}
	if state == domain.SessionAgreed {
		final = finalPrice
	}

	now := time.Now().Unix()
	query := `
	UPDATE negotiation_sessions
	SET state = ?, final_price = ?, updated_at = ?, completed_at = ?
	WHERE id = ? AND state = 'open'`

	result, err := s.db.ExecContext(ctx, query, string(state), final, now, now, id)
	if err != nil {
		return fmt.Errorf("close negotiation session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		sess, err := s.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if sess == nil {
			return ErrSessionNotFound
		}
		slog.Warn("close requested for finalized session", "session_id", id, "state", sess.State)
		return ErrSessionClosed
	}

	return nil
}

// AppendChatTurns appends turns to the user's chat history, keeping only
// the most recent window.
func (s *SQLiteStore) AppendChatTurns(ctx context.Context, userID string, turns []domain.Turn) error {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	history, err := s.queryChatHistory(ctx, userID)
	if err != nil {
		return err
	}
	history = domain.RecentTurns(append(history, turns...), chatHistoryCap)

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode chat history: %w", err)
	}

	query := `
	INSERT INTO chat_histories (user_id, history_json, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		history_json = excluded.history_json,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, userID, string(historyJSON), time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert chat history: %w", err)
	}
	return nil
}

// RecentChatTurns returns up to n of the user's most recent chat turns.
func (s *SQLiteStore) RecentChatTurns(ctx context.Context, userID string, n int) ([]domain.Turn, error) {
	history, err := s.queryChatHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	return domain.RecentTurns(history, n), nil
}

func (s *SQLiteStore) queryChatHistory(ctx context.Context, userID string) ([]domain.Turn, error) {
	var historyJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT history_json FROM chat_histories WHERE user_id = ?`, userID,
	).Scan(&historyJSON)
	if err == sql.ErrNoRows {
		return []domain.Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}

	var history []domain.Turn
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return history, nil
}

// CreateTask inserts a new task row.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task) error {
	var dueAt interface{}
	if task.DueAt != nil {
		dueAt = task.DueAt.Unix()
	}

	query := `
	INSERT INTO tasks (id, user_id, title, due_at, done, reminded, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.UserID, task.Title, dueAt,
		task.Done, task.Reminded,
		task.CreatedAt.Unix(), task.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// ListOpenTasks returns the user's unfinished tasks ordered by creation.
func (s *SQLiteStore) ListOpenTasks(ctx context.Context, userID string) ([]*domain.Task, error) {
	query := `
	SELECT id, user_id, title, due_at, done, reminded, created_at, updated_at
	FROM tasks WHERE user_id = ? AND done = 0 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query open tasks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close open tasks rows", "error", closeErr)
		}
	}()

	return collectTasks(rows)
}

// CompleteTask marks a task done. Returns false if no row matched.
func (s *SQLiteStore) CompleteTask(ctx context.Context, userID, taskID string) (bool, error) {
	query := `UPDATE tasks SET done = 1, updated_at = ? WHERE id = ? AND user_id = ? AND done = 0`
	result, err := s.db.ExecContext(ctx, query, time.Now().Unix(), taskID, userID)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// DueTasks returns unfinished, un-reminded tasks whose due time has passed.
func (s *SQLiteStore) DueTasks(ctx context.Context, now time.Time) ([]*domain.Task, error) {
	query := `
	SELECT id, user_id, title, due_at, done, reminded, created_at, updated_at
	FROM tasks WHERE done = 0 AND reminded = 0 AND due_at IS NOT NULL AND due_at <= ?
	ORDER BY due_at ASC`

	rows, err := s.db.QueryContext(ctx, query, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close due tasks rows", "error", closeErr)
		}
	}()

	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		var task domain.Task
		var dueAt sql.NullInt64
		var createdAt, updatedAt int64

		if err := rows.Scan(
			&task.ID, &task.UserID, &task.Title, &dueAt,
			&task.Done, &task.Reminded, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}

		if dueAt.Valid {
			ts := time.Unix(dueAt.Int64, 0)
			task.DueAt = &ts
		}
		task.CreatedAt = time.Unix(createdAt, 0)
		task.UpdatedAt = time.Unix(updatedAt, 0)
		tasks = append(tasks, &task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return tasks, nil
}

// MarkReminded records that a reminder was delivered for the task.
func (s *SQLiteStore) MarkReminded(ctx context.Context, taskID string) error {
	query := `UPDATE tasks SET reminded = 1, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, time.Now().Unix(), taskID); err != nil {
		return fmt.Errorf("mark task reminded: %w", err)
	}
	return nil
}
