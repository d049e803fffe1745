// Package reminder delivers due task reminders via a polling worker.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ajisai-dev/coachbot/internal/store"
)

// Notifier pushes a message to a user outside a reply context.
type Notifier interface {
	Push(ctx context.Context, userID, text string) error
}

// StartWorker runs a background goroutine that periodically sweeps the task
// table for due, un-reminded tasks and pushes a reminder for each.
func StartWorker(ctx context.Context, tasks store.TaskStore, notifier Notifier, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Reminder worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				deliverDueReminders(ctx, tasks, notifier)
			case <-ctx.Done():
				slog.Info("Reminder worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func deliverDueReminders(ctx context.Context, tasks store.TaskStore, notifier Notifier) {
	due, err := tasks.DueTasks(ctx, time.Now())
	if err != nil {
		slog.Error("Reminder worker failed to query due tasks", "error", err)
		return
	}

	if len(due) == 0 {
		return
	}

	slog.Info("Reminder worker found due tasks", "count", len(due))

	for _, task := range due {
		text := fmt.Sprintf("時間だ。「%s」、今すぐ取りかかれ。終わったら「完了」で報告しろ。", task.Title)
		if err := notifier.Push(ctx, task.UserID, text); err != nil {
			slog.Error("Reminder worker failed to push reminder",
				"error", err,
				"task_id", task.ID,
				"user_id", task.UserID)
			continue
		}

		// Mark only after a successful push so a failed delivery is
		// retried on the next sweep.
		if err := tasks.MarkReminded(ctx, task.ID); err != nil {
			slog.Warn("Reminder worker failed to mark task reminded",
				"error", err,
				"task_id", task.ID)
		}
	}
}
