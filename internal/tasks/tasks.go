// Package tasks parses task commands from chat messages and manages the
// user's task list.
package tasks

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/width"

	"github.com/ajisai-dev/coachbot/internal/domain"
	"github.com/ajisai-dev/coachbot/internal/store"
)

// Result is the outcome of consulting the task manager for one message.
type Result struct {
	Handled bool
	Reply   string
}

var (
	addRe      = regexp.MustCompile(`^タスク\s+(.+)$`)
	listRe     = regexp.MustCompile(`^(リスト|タスク一覧|一覧)$`)
	doneRe     = regexp.MustCompile(`^(完了|できた|終わった)(?:\s*([0-9]+))?$`)
	remindRe   = regexp.MustCompile(`^リマインド\s+(.+)$`)
	remindAtRe = regexp.MustCompile(`^(明日|今夜|今日)?\s*(?:([0-9]{1,2}):([0-9]{2}))?\s*(.+)$`)
)

// Manager handles task commands against the task store.
type Manager struct {
	store store.TaskStore
}

// NewManager creates a task manager.
func NewManager(taskStore store.TaskStore) *Manager {
	return &Manager{store: taskStore}
}

// Handle parses one message as a task command. Returns Handled=false when
// the message is not a task command, letting it fall through to chat.
func (m *Manager) Handle(ctx context.Context, userID, text string, now time.Time) (Result, error) {
	trimmed := width.Narrow.String(strings.TrimSpace(text))

	if match := addRe.FindStringSubmatch(trimmed); match != nil {
		return m.add(ctx, userID, match[1], nil, now)
	}
	if listRe.MatchString(trimmed) {
		return m.list(ctx, userID)
	}
	if match := doneRe.FindStringSubmatch(trimmed); match != nil {
		return m.complete(ctx, userID, match[2])
	}
	if match := remindRe.FindStringSubmatch(trimmed); match != nil {
		return m.remind(ctx, userID, match[1], now)
	}

	return Result{Handled: false}, nil
}

func (m *Manager) add(ctx context.Context, userID, title string, dueAt *time.Time, now time.Time) (Result, error) {
	task := &domain.Task{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Title:     strings.TrimSpace(title),
		DueAt:     dueAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if task.Title == "" {
		return Result{Handled: true, Reply: "何をやるんだ？「タスク 〜」の形で送ってくれ。"}, nil
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return Result{}, fmt.Errorf("create task: %w", err)
	}

	if dueAt != nil {
		return Result{
			Handled: true,
			Reply:   fmt.Sprintf("「%s」、%sにリマインドする。逃げるなよ。", task.Title, dueAt.Format("1月2日 15:04")),
		}, nil
	}
	return Result{Handled: true, Reply: fmt.Sprintf("「%s」を登録した。やり切れ。", task.Title)}, nil
}

func (m *Manager) list(ctx context.Context, userID string) (Result, error) {
	open, err := m.store.ListOpenTasks(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("list tasks: %w", err)
	}
	if len(open) == 0 {
		return Result{Handled: true, Reply: "タスクは空だ。次の一手を決めろ。"}, nil
	}

	var b strings.Builder
	b.WriteString("残っているタスクだ。\n")
	for i, task := range open {
		fmt.Fprintf(&b, "%d. %s", i+1, task.Title)
		if task.DueAt != nil {
			fmt.Fprintf(&b, "（%s）", task.DueAt.Format("1月2日 15:04"))
		}
		b.WriteString("\n")
	}
	b.WriteString("終わったら「完了 番号」で報告しろ。")
	return Result{Handled: true, Reply: b.String()}, nil
}

func (m *Manager) complete(ctx context.Context, userID, numText string) (Result, error) {
	open, err := m.store.ListOpenTasks(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("list tasks: %w", err)
	}

	var n int
	if numText == "" {
		// A bare 完了 is unambiguous only with a single open task.
		switch len(open) {
		case 0:
			return Result{Handled: true, Reply: "完了するタスクは無い。「タスク 〜」で登録してからだ。"}, nil
		case 1:
			n = 1
		default:
			return Result{Handled: true, Reply: "どれが終わった？「完了 番号」で教えてくれ。"}, nil
		}
	} else {
		n, err = strconv.Atoi(numText)
		if err != nil || n < 1 {
			return Result{Handled: true, Reply: "番号で頼む。「完了 1」のように送ってくれ。"}, nil
		}
	}

	if n > len(open) {
		return Result{Handled: true, Reply: fmt.Sprintf("%d番のタスクは無い。「リスト」で確認しろ。", n)}, nil
	}

	task := open[n-1]
	ok, err := m.store.CompleteTask(ctx, userID, task.ID)
	if err != nil {
		return Result{}, fmt.Errorf("complete task: %w", err)
	}
	if !ok {
		return Result{Handled: true, Reply: "そのタスクはもう完了している。"}, nil
	}
	return Result{Handled: true, Reply: fmt.Sprintf("「%s」完了だな。よくやった。次だ。", task.Title)}, nil
}

func (m *Manager) remind(ctx context.Context, userID, rest string, now time.Time) (Result, error) {
	dueAt, title, ok := parseReminder(rest, now)
	if !ok {
		return Result{
			Handled: true,
			Reply:   "「リマインド 明日 9:00 ランニング」のように、時刻と内容を送ってくれ。",
		}, nil
	}
	return m.add(ctx, userID, title, &dueAt, now)
}

// parseReminder understands only simple relative forms: 明日/今日/今夜 plus an
// optional HH:MM, followed by the task title. Full natural-language dates
// are out of scope.
func parseReminder(text string, now time.Time) (time.Time, string, bool) {
	match := remindAtRe.FindStringSubmatch(strings.TrimSpace(text))
	if match == nil {
		return time.Time{}, "", false
	}

	day, hourText, minText, title := match[1], match[2], match[3], strings.TrimSpace(match[4])
	if title == "" || (day == "" && hourText == "") {
		return time.Time{}, "", false
	}

	due := time.Date(now.Year(), now.Month(), now.Day(), 9, 0, 0, 0, now.Location())
	if hourText != "" {
		hour, _ := strconv.Atoi(hourText)
		minute, _ := strconv.Atoi(minText)
		if hour > 23 || minute > 59 {
			return time.Time{}, "", false
		}
		due = time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	}

	switch day {
	case "明日":
		due = due.AddDate(0, 0, 1)
	case "今夜":
		if hourText == "" {
			due = time.Date(now.Year(), now.Month(), now.Day(), 21, 0, 0, 0, now.Location())
		}
	default:
		// 今日 or bare time: next occurrence today, else tomorrow.
		if !due.After(now) {
			due = due.AddDate(0, 0, 1)
		}
	}

	return due, title, true
}
