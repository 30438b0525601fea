package orchestrator

import (
	"context"
	"fmt"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/mrs"
	"github.com/nerrad567/mrs-core/internal/task"
)

// Confirm records the operator's confirmation of a task waiting at an open
// aisle and decides what happens to the session.
//
//   - Sensor blocked: the task FAILS with SENSOR_BLOCKED. The aisle stays
//     open and the session is held until ResolveSession.
//   - A QUEUED task in a different aisle of the bank with strictly higher
//     priority than the best same-aisle task, or any such task when the
//     aisle has none: the aisle closes (PREEMPT).
//   - A QUEUED task in the same aisle: it takes over the open session in
//     WAITING_FINISH and the current task completes
//     (CONTINUE_IN_OPEN_SESSION).
//   - Otherwise the aisle closes (NO_NEXT_SAME_AISLE).
//
// The sensor is read before the bank is locked.
func (e *Engine) Confirm(ctx context.Context, taskID int64, actor string) (*ConfirmResult, error) {
	t, err := e.store.Tasks().GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.AwaitingConfirm() {
		return nil, fmt.Errorf("%w: task %d is %s", ErrInvalidState, taskID, t.Status)
	}

	sensorClear, err := e.gw.IsAisleSensorClear(ctx, t.TargetAisleID)
	if err != nil {
		e.logger.Warn("aisle sensor query failed", "task_id", taskID, "aisle_id", t.TargetAisleID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSensorUnavailable, err)
	}

	o := userOrigin(actor)
	res := &ConfirmResult{}

	err = e.run(ctx, func(u *unit) error {
		*res = ConfirmResult{}

		b, err := e.lockBank(ctx, u, t.TargetBankCode)
		if err != nil {
			return err
		}
		cur, err := u.tx.Tasks().GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !cur.Status.AwaitingConfirm() {
			return fmt.Errorf("%w: task %d is %s", ErrInvalidState, taskID, cur.Status)
		}
		dev := b.holder(cur.ID)
		if dev == nil || !dev.IsAisleOpen {
			return fmt.Errorf("%w: task %d holds no open aisle", ErrInvalidState, taskID)
		}

		if err := e.note(ctx, u, cur, audit.EventUserConfirm, audit.ReasonNone, o,
			map[string]any{"sensor_clear": sensorClear, "device_id": dev.ID}); err != nil {
			return err
		}

		if !sensorClear {
			return e.failSensorBlocked(ctx, u, cur, dev, o, res)
		}
		return e.afterClearConfirm(ctx, u, cur, dev, o, res)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("task confirmed", "task_id", taskID, "actor", actor, "outcome", res.Outcome,
		"reason", res.Reason, "next_task_id", res.NextTaskID)
	return res, nil
}

func (e *Engine) failSensorBlocked(ctx context.Context, u *unit, t *task.Task, dev *mrs.Device, o origin, res *ConfirmResult) error {
	// The device keeps the task and the aisle; no expiry means the sweep
	// leaves the session alone.
	dev.OpenSessionExpiresAt = nil
	if err := u.tx.Devices().UpdateDevice(ctx, dev); err != nil {
		return fmt.Errorf("holding session on %s: %w", dev.ID, err)
	}

	e.logger.Warn("aisle sensor blocked, session held", "task_id", t.ID, "aisle_id", t.TargetAisleID,
		"device_id", dev.ID, "actor", o.actor, "reason", audit.ReasonSensorBlocked)

	res.Outcome = OutcomeFailed
	res.Reason = audit.ReasonSensorBlocked
	return e.transition(ctx, u, t, task.StatusFailed, audit.EventTaskFailed, audit.ReasonSensorBlocked, o,
		map[string]any{"device_id": dev.ID, "aisle_id": t.TargetAisleID})
}

func (e *Engine) afterClearConfirm(ctx context.Context, u *unit, t *task.Task, dev *mrs.Device, o origin, res *ConfirmResult) error {
	tasks := u.tx.Tasks()

	aisle, err := u.tx.Devices().GetAisle(ctx, t.TargetAisleID)
	if err != nil {
		return err
	}

	var same *task.Task
	if aisle.Status != mrs.AisleBlocked {
		if same, err = tasks.BestQueuedInAisle(ctx, t.TargetAisleID); err != nil {
			return fmt.Errorf("reading aisle queue: %w", err)
		}
	}
	other, err := tasks.BestQueuedInBank(ctx, t.TargetBankCode)
	if err != nil {
		return fmt.Errorf("reading bank queue: %w", err)
	}

	preempt := other != nil &&
		other.TargetAisleID != t.TargetAisleID &&
		(same == nil || other.Priority > same.Priority)

	if !preempt && same != nil {
		return e.continueSession(ctx, u, t, same, dev, o, res)
	}

	reason := audit.ReasonNoNextSameAisle
	meta := map[string]any{"device_id": dev.ID}
	if preempt {
		reason = audit.ReasonPreempt
		meta["preempted_by"] = other.ID
		meta["preempted_by_priority"] = other.Priority
	}

	if err := e.transition(ctx, u, t, task.StatusAisleClose, audit.EventTaskAisleClose, reason, o, meta); err != nil {
		return err
	}
	if _, err := e.beginClose(ctx, u, dev, t.ID, task.OperatorAuto); err != nil {
		return err
	}

	res.Outcome = OutcomeClosing
	res.Reason = reason
	return nil
}

// continueSession completes cur and hands the open aisle to next without a
// physical close and open.
func (e *Engine) continueSession(ctx context.Context, u *unit, cur, next *task.Task, dev *mrs.Device, o origin, res *ConfirmResult) error {
	if err := e.transition(ctx, u, cur, task.StatusCompleted, audit.EventTaskDone, audit.ReasonContinueInOpenSession, o,
		map[string]any{"next_task_id": next.ID}); err != nil {
		return err
	}
	if err := e.transition(ctx, u, next, task.StatusWaitingFinish, audit.EventTaskWaitingFinish, audit.ReasonContinueInOpenSession,
		dispatcherOrigin, map[string]any{"previous_task_id": cur.ID, "device_id": dev.ID}); err != nil {
		return err
	}

	dev.CurrentTaskID = next.ID
	dev.ExtendSession(e.now().Add(e.cfg.SessionIdle))
	if err := u.tx.Devices().UpdateDevice(ctx, dev); err != nil {
		return fmt.Errorf("handing session on %s to task %d: %w", dev.ID, next.ID, err)
	}

	res.Outcome = OutcomeContinued
	res.Reason = audit.ReasonContinueInOpenSession
	res.NextTaskID = next.ID
	return nil
}

// ResolveSession closes an aisle held open after a sensor block, once the
// obstruction has been cleared by hand.
func (e *Engine) ResolveSession(ctx context.Context, deviceID, actor string) error {
	o := userOrigin(actor)

	return e.run(ctx, func(u *unit) error {
		d, err := u.tx.Devices().GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		b, err := e.lockBank(ctx, u, d.BankCode)
		if err != nil {
			return err
		}
		dev := b.device(deviceID)
		if dev == nil {
			return mrs.ErrDeviceNotFound
		}
		if !dev.IsAisleOpen || dev.Status != mrs.StatusOpened || dev.OpenSessionExpiresAt != nil {
			return fmt.Errorf("%w: %s", ErrNoHeldSession, deviceID)
		}

		var owner *task.Task
		if dev.CurrentTaskID != 0 {
			owner, err = u.tx.Tasks().GetTask(ctx, dev.CurrentTaskID)
			if err != nil {
				return err
			}
			// A session waiting for its operator is closed by Confirm.
			if !owner.Status.Terminal() {
				return fmt.Errorf("%w: task %d is %s", ErrNoHeldSession, owner.ID, owner.Status)
			}
		}

		var ownerID int64
		if owner != nil {
			ownerID = owner.ID
		}
		detail, err := e.beginClose(ctx, u, dev, ownerID, task.OperatorManual)
		if err != nil {
			return err
		}
		if owner != nil {
			if err := e.note(ctx, u, owner, audit.EventSessionResolve, audit.ReasonOperatorResolve, o,
				map[string]any{"device_id": dev.ID, "detail_id": detail.ID}); err != nil {
				return err
			}
		}

		e.logger.Info("held session resolved", "device_id", dev.ID, "aisle_id", detail.TargetAisleID,
			"task_id", ownerID, "actor", actor, "reason", audit.ReasonOperatorResolve)
		return nil
	})
}

// UnblockAisle returns a BLOCKED aisle to service after an operator has
// checked it is physically closed. Tasks queued on it become dispatchable
// and the bank's queue is drained if the bank is free.
func (e *Engine) UnblockAisle(ctx context.Context, aisleID, actor string) error {
	o := userOrigin(actor)

	return e.run(ctx, func(u *unit) error {
		a, err := u.tx.Devices().GetAisle(ctx, aisleID)
		if err != nil {
			return err
		}
		b, err := e.lockBank(ctx, u, a.BankCode)
		if err != nil {
			return err
		}
		if a, err = u.tx.Devices().GetAisle(ctx, aisleID); err != nil {
			return err
		}
		if a.Status != mrs.AisleBlocked {
			return fmt.Errorf("%w: %s is %s", ErrAisleNotBlocked, aisleID, a.Status)
		}
		for i := range b.devices {
			if d := &b.devices[i]; d.OpenSessionAisleID == aisleID || d.TargetAisleID == aisleID {
				return fmt.Errorf("%w: device %s still holds aisle %s", ErrInvalidState, d.ID, aisleID)
			}
		}

		a.MarkClosed(e.now())
		if err := u.tx.Devices().UpdateAisle(ctx, a); err != nil {
			return fmt.Errorf("unblocking aisle %s: %w", aisleID, err)
		}

		queued, err := u.tx.Tasks().ListQueuedInAisle(ctx, aisleID)
		if err != nil {
			return err
		}
		for i := range queued {
			if err := e.note(ctx, u, &queued[i], audit.EventAisleUnblock, audit.ReasonOperatorUnblock, o,
				map[string]any{"aisle_id": aisleID}); err != nil {
				return err
			}
		}

		e.logger.Info("aisle unblocked", "aisle_id", aisleID, "bank", b.code, "queued", len(queued),
			"actor", actor, "reason", audit.ReasonOperatorUnblock)
		return e.dispatchNext(ctx, u, b)
	})
}
