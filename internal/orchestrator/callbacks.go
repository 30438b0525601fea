package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/gateway"
	"github.com/nerrad567/mrs-core/internal/mrs"
	"github.com/nerrad567/mrs-core/internal/task"
)

// Run consumes gateway events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	events := e.gw.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev gateway.Event) {
	var err error
	switch ev.Kind {
	case gateway.EventOpenFinished:
		err = e.OnOpenFinished(ctx, ev.CorrelationID, ev.At)
	case gateway.EventCloseFinished:
		err = e.OnCloseFinished(ctx, ev.CorrelationID, ev.At)
	case gateway.EventActionFailed:
		err = e.OnActionFailed(ctx, ev.CorrelationID, ev.Code)
	case gateway.EventHeartbeat:
		err = e.OnHeartbeat(ctx, ev.DeviceID, ev.EStop, ev.At)
	default:
		e.logger.Warn("unknown gateway event", "kind", ev.Kind, "detail_id", ev.CorrelationID)
		return
	}
	if err != nil {
		e.logger.Error("handling gateway event failed", "kind", ev.Kind, "detail_id", ev.CorrelationID,
			"device_id", ev.DeviceID, "error", err)
	}
}

// OnOpenFinished handles a completed open. The aisle opens, the device
// starts an idle-limited session and the task moves IN_PROGRESS ->
// AISLE_OPEN -> WAITING_CONFIRM. A settled or unknown detail is ignored.
func (e *Engine) OnOpenFinished(ctx context.Context, detailID int64, at time.Time) error {
	return e.run(ctx, func(u *unit) error {
		d, b, err := e.lockDetail(ctx, u, detailID)
		if errors.Is(err, task.ErrDetailNotFound) {
			e.ignore("unknown_detail", detailID)
			return nil
		}
		if err != nil {
			return err
		}
		if d.Result.Settled() {
			e.ignore("duplicate", detailID, "result", d.Result)
			return nil
		}
		if d.Action != task.ActionOpen {
			e.ignore("wrong_action", detailID, "action", d.Action)
			return nil
		}

		if err := e.finishDetail(ctx, u, d, task.ResultSuccess, "", b.code); err != nil {
			return err
		}

		aisle, err := u.tx.Devices().GetAisle(ctx, d.TargetAisleID)
		if err != nil {
			return err
		}
		aisle.MarkOpened(eventTime(at, e.now()))
		if err := u.tx.Devices().UpdateAisle(ctx, aisle); err != nil {
			return fmt.Errorf("opening aisle %s: %w", aisle.ID, err)
		}

		dev := b.device(d.MRSID)
		if dev == nil {
			return mrs.ErrDeviceNotFound
		}
		dev.OpenSession(aisle.ID, e.now().Add(e.cfg.SessionIdle))
		if err := u.tx.Devices().UpdateDevice(ctx, dev); err != nil {
			return fmt.Errorf("opening session on %s: %w", dev.ID, err)
		}

		t, err := u.tx.Tasks().GetTask(ctx, d.TaskID)
		if err != nil {
			return err
		}
		if t.Status != task.StatusInProgress {
			e.logger.Warn("open finished for task not in progress", "task_id", t.ID, "status", t.Status, "detail_id", d.ID)
			return nil
		}

		meta := map[string]any{"detail_id": d.ID, "device_id": dev.ID, "aisle_id": aisle.ID}
		if err := e.transition(ctx, u, t, task.StatusAisleOpen, audit.EventTaskAisleOpen, audit.ReasonNone, deviceOrigin, meta); err != nil {
			return err
		}
		return e.transition(ctx, u, t, task.StatusWaitingConfirm, audit.EventTaskWaitingConfirm, audit.ReasonNone, deviceOrigin, nil)
	})
}

// OnCloseFinished handles a completed close. The aisle closes, the device
// returns to the pool, the owning task completes and the bank's queue is
// drained. A settled or unknown detail is ignored.
func (e *Engine) OnCloseFinished(ctx context.Context, detailID int64, at time.Time) error {
	return e.run(ctx, func(u *unit) error {
		d, b, err := e.lockDetail(ctx, u, detailID)
		if errors.Is(err, task.ErrDetailNotFound) {
			e.ignore("unknown_detail", detailID)
			return nil
		}
		if err != nil {
			return err
		}
		if d.Result.Settled() {
			e.ignore("duplicate", detailID, "result", d.Result)
			return nil
		}
		if d.Action != task.ActionClose {
			e.ignore("wrong_action", detailID, "action", d.Action)
			return nil
		}

		if err := e.finishDetail(ctx, u, d, task.ResultSuccess, "", b.code); err != nil {
			return err
		}

		aisle, err := u.tx.Devices().GetAisle(ctx, d.TargetAisleID)
		if err != nil {
			return err
		}
		if aisle.Status != mrs.AisleBlocked {
			aisle.MarkClosed(eventTime(at, e.now()))
			if err := u.tx.Devices().UpdateAisle(ctx, aisle); err != nil {
				return fmt.Errorf("closing aisle %s: %w", aisle.ID, err)
			}
		}

		dev := b.device(d.MRSID)
		if dev == nil {
			return mrs.ErrDeviceNotFound
		}
		dev.Release()
		if err := u.tx.Devices().UpdateDevice(ctx, dev); err != nil {
			return fmt.Errorf("releasing device %s: %w", dev.ID, err)
		}

		if d.TaskID != 0 {
			t, err := u.tx.Tasks().GetTask(ctx, d.TaskID)
			if err != nil {
				return err
			}
			if !t.Status.Terminal() {
				if err := e.transition(ctx, u, t, task.StatusCompleted, audit.EventTaskDone, audit.ReasonNone, deviceOrigin,
					map[string]any{"detail_id": d.ID, "device_id": dev.ID}); err != nil {
					return err
				}
			}
		}

		return e.dispatchNext(ctx, u, b)
	})
}

// OnActionFailed handles a device fault or a completion that never came.
// The detail and its task fail, the device is released and the bank's
// queue is drained. A failed close blocks the aisle.
func (e *Engine) OnActionFailed(ctx context.Context, detailID int64, code string) error {
	reason := audit.ReasonDeviceFault
	switch code {
	case gateway.CodeGatewayTimeout, gateway.CodeAckTimeout:
		reason = audit.ReasonGatewayTimeout
	}
	return e.run(ctx, func(u *unit) error {
		return e.failAction(ctx, u, detailID, code, reason, deviceOrigin, nil)
	})
}

// failAction is the shared failure path for rejections, faults and stale
// actions.
func (e *Engine) failAction(ctx context.Context, u *unit, detailID int64, code string, reason audit.Reason, o origin, meta map[string]any) error {
	d, b, err := e.lockDetail(ctx, u, detailID)
	if errors.Is(err, task.ErrDetailNotFound) {
		e.ignore("unknown_detail", detailID)
		return nil
	}
	if err != nil {
		return err
	}
	if d.Result.Settled() {
		e.ignore("duplicate", detailID, "result", d.Result)
		return nil
	}

	if err := e.finishDetail(ctx, u, d, task.ResultFail, code, b.code); err != nil {
		return err
	}

	if d.Action == task.ActionClose {
		// The aisle may still be physically open.
		aisle, err := u.tx.Devices().GetAisle(ctx, d.TargetAisleID)
		if err != nil {
			return err
		}
		aisle.MarkBlocked(e.now())
		if err := u.tx.Devices().UpdateAisle(ctx, aisle); err != nil {
			return fmt.Errorf("blocking aisle %s: %w", aisle.ID, err)
		}
	}

	dev := b.device(d.MRSID)
	if dev == nil {
		return mrs.ErrDeviceNotFound
	}
	dev.Release()
	if err := u.tx.Devices().UpdateDevice(ctx, dev); err != nil {
		return fmt.Errorf("releasing device %s: %w", dev.ID, err)
	}

	e.logger.Warn("device action failed", "detail_id", d.ID, "task_id", d.TaskID, "device_id", dev.ID,
		"action", d.Action, "code", code, "reason", reason, "actor", o.actor, "source", o.source, "subsystem", o.subsystem)

	if d.TaskID != 0 {
		t, err := u.tx.Tasks().GetTask(ctx, d.TaskID)
		if err != nil {
			return err
		}
		if !t.Status.Terminal() {
			m := map[string]any{"detail_id": d.ID, "device_id": dev.ID, "action": string(d.Action), "code": code}
			for k, v := range meta {
				m[k] = v
			}
			if err := e.transition(ctx, u, t, task.StatusFailed, audit.EventTaskFailed, reason, o, m); err != nil {
				return err
			}
		}
	}

	return e.dispatchNext(ctx, u, b)
}

// OnHeartbeat records a device's liveness and e-stop state. Clearing an
// e-stop may free the bank for its queue.
func (e *Engine) OnHeartbeat(ctx context.Context, deviceID string, eStop bool, at time.Time) error {
	at = eventTime(at, e.now())

	err := e.run(ctx, func(u *unit) error {
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

		cleared := dev.EStop && !eStop
		if dev.EStop != eStop {
			e.logger.Warn("device e-stop changed", "device_id", dev.ID, "bank", dev.BankCode, "e_stop", eStop)
		}
		dev.EStop = eStop
		dev.LastHeartbeatAt = &at
		if err := u.tx.Devices().UpdateDevice(ctx, dev); err != nil {
			return fmt.Errorf("recording heartbeat for %s: %w", dev.ID, err)
		}

		u.tx.OnCommit(func() {
			e.telemetry.WriteHeartbeat(deviceID, eStop, at)
		})

		if cleared {
			return e.dispatchNext(ctx, u, b)
		}
		return nil
	})
	if errors.Is(err, mrs.ErrDeviceNotFound) {
		e.recorder.CallbackIgnored("unknown_device")
		e.logger.Info("heartbeat from unknown device ignored", "device_id", deviceID)
		return nil
	}
	return err
}

func eventTime(at, fallback time.Time) time.Time {
	if at.IsZero() {
		return fallback
	}
	return at.UTC()
}
