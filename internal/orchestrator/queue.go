package orchestrator

import (
	"context"
	"fmt"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/task"
)

// CancelQueuedTask withdraws a task that is still QUEUED. The task and its
// work request end CANCELLED. Returns task.ErrTaskNotFound or ErrNotQueued.
func (e *Engine) CancelQueuedTask(ctx context.Context, taskID int64, actor string) error {
	o := apiOrigin(actor)
	return e.run(ctx, func(u *unit) error {
		t, err := e.lockQueued(ctx, u, taskID)
		if err != nil {
			return err
		}
		e.logger.Info("queued task cancelled", "task_id", t.ID, "task_code", t.Code, "actor", actor,
			"reason", audit.ReasonUserCancel)
		return e.transition(ctx, u, t, task.StatusCancelled, audit.EventTaskCancelled, audit.ReasonUserCancel, o, nil)
	})
}

// DeleteQueuedTask removes a task that is still QUEUED and returns its
// work request to WAITING so it can be submitted again. The event log
// keeps the task's history.
func (e *Engine) DeleteQueuedTask(ctx context.Context, taskID int64, actor string) error {
	o := apiOrigin(actor)
	return e.run(ctx, func(u *unit) error {
		t, err := e.lockQueued(ctx, u, taskID)
		if err != nil {
			return err
		}

		meta := map[string]any{"task_code": t.Code, "waiting_id": t.WaitingID}
		if err := e.appendEvent(ctx, u, t.ID, audit.EventTaskDeleted, string(t.Status), "", audit.ReasonNone, o, meta); err != nil {
			return err
		}
		if err := u.tx.Tasks().DeleteTask(ctx, t.ID); err != nil {
			return fmt.Errorf("deleting task %d: %w", t.ID, err)
		}
		if err := u.tx.Tasks().UpdateWaitingStatus(ctx, t.WaitingID, task.WaitingWaiting, e.now()); err != nil {
			return fmt.Errorf("reverting waiting %d: %w", t.WaitingID, err)
		}

		e.logger.Info("queued task deleted", "task_id", t.ID, "task_code", t.Code, "waiting_id", t.WaitingID, "actor", actor)
		return nil
	})
}

// lockQueued locks the task's bank, so it cannot be dispatched
// concurrently, and checks it is still QUEUED.
func (e *Engine) lockQueued(ctx context.Context, u *unit, taskID int64) (*task.Task, error) {
	t, err := u.tx.Tasks().GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := e.lockBank(ctx, u, t.TargetBankCode); err != nil {
		return nil, err
	}
	if t, err = u.tx.Tasks().GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	if t.Status != task.StatusQueued {
		return nil, fmt.Errorf("%w: task %d is %s", ErrNotQueued, taskID, t.Status)
	}
	return t, nil
}

// GetTask returns the task joined with its work request.
func (e *Engine) GetTask(ctx context.Context, taskID int64) (*task.View, error) {
	return e.store.Tasks().GetTaskView(ctx, taskID)
}

// GetAllTasks lists tasks, newest first.
func (e *Engine) GetAllTasks(ctx context.Context, filter task.ListFilter) ([]task.View, error) {
	return e.store.Tasks().ListTaskViews(ctx, filter)
}

// TaskEvents returns the task's event history, oldest first. Deleted tasks
// keep their history.
func (e *Engine) TaskEvents(ctx context.Context, taskID int64) ([]audit.Entry, error) {
	return e.store.Events().ListByTask(ctx, taskID)
}
