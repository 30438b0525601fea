package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/gateway"
	"github.com/nerrad567/mrs-core/internal/infrastructure/distlock"
	"github.com/nerrad567/mrs-core/internal/task"
)

// RunSweeper calls Sweep every Config.SweepInterval until ctx is
// cancelled. It returns at once when the interval is zero.
func (e *Engine) RunSweeper(ctx context.Context) error {
	if e.cfg.SweepInterval <= 0 {
		e.logger.Info("session sweeper disabled")
		return nil
	}

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(ctx, e.now()); err != nil {
				e.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep is the housekeeping pass.
//
// Open sessions past their idle expiry are handled by owner: a task still
// waiting for its operator gets one SESSION_EXPIRED entry and its session
// stops expiring, so the aisle is never closed under an operator. A
// session no live task owns is closed. Sessions held after a sensor block
// carry no expiry and are never touched.
//
// Details unsettled for longer than Config.StaleActionAfter are failed
// with GATEWAY_TIMEOUT, releasing their devices.
//
// With a Locker configured only one instance sweeps at a time; the others
// report Skipped.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	if e.locker == nil {
		return e.sweep(ctx, now)
	}

	var report SweepReport
	err := e.locker.TryRun(ctx, e.cfg.SweepLockKey, func(ctx context.Context) error {
		var err error
		report, err = e.sweep(ctx, now)
		return err
	})
	if errors.Is(err, distlock.ErrNotObtained) {
		e.recorder.SweepRun("skipped")
		e.logger.Debug("sweep skipped, lock held elsewhere")
		return SweepReport{Skipped: true}, nil
	}
	return report, err
}

func (e *Engine) sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport

	expired, err := e.store.Devices().ListExpiredSessions(ctx, now)
	if err != nil {
		e.recorder.SweepRun("error")
		return report, fmt.Errorf("listing expired sessions: %w", err)
	}
	for i := range expired {
		noted, closed, err := e.expireSession(ctx, expired[i].ID, expired[i].BankCode, now)
		if err != nil {
			e.logger.Error("expiring session failed", "device_id", expired[i].ID, "error", err)
			continue
		}
		if noted {
			report.ExpiredNoted++
		}
		if closed {
			report.OrphansClosed++
		}
	}

	stale, err := e.store.Tasks().ListStaleDetails(ctx, now.Add(-e.cfg.StaleActionAfter))
	if err != nil {
		e.recorder.SweepRun("error")
		return report, fmt.Errorf("listing stale details: %w", err)
	}
	for i := range stale {
		d := stale[i]
		e.logger.Warn("failing stale device action", "detail_id", d.ID, "task_id", d.TaskID,
			"device_id", d.MRSID, "action", d.Action, "created_at", d.CreatedAt)
		err := e.run(ctx, func(u *unit) error {
			return e.failAction(ctx, u, d.ID, gateway.CodeGatewayTimeout, audit.ReasonGatewayTimeout, systemOrigin,
				map[string]any{"stale_since": d.CreatedAt})
		})
		if err != nil {
			e.logger.Error("failing stale action failed", "detail_id", d.ID, "error", err)
			continue
		}
		report.StaleFailed++
	}

	e.recorder.SweepRun("ok")
	if report != (SweepReport{}) {
		e.logger.Info("sweep finished", "expired_noted", report.ExpiredNoted,
			"orphans_closed", report.OrphansClosed, "stale_failed", report.StaleFailed)
	}
	return report, nil
}

// expireSession handles one expired session under its bank lock.
func (e *Engine) expireSession(ctx context.Context, deviceID, bankCode string, now time.Time) (noted, closed bool, err error) {
	err = e.run(ctx, func(u *unit) error {
		noted, closed = false, false

		b, err := e.lockBank(ctx, u, bankCode)
		if err != nil {
			return err
		}
		dev := b.device(deviceID)
		// Re-check under the lock: the session may have been extended,
		// closed or held since it was listed.
		if dev == nil || !dev.IsAisleOpen || dev.OpenSessionExpiresAt == nil || !dev.OpenSessionExpiresAt.Before(now) {
			return nil
		}

		var owner *task.Task
		if dev.CurrentTaskID != 0 {
			owner, err = u.tx.Tasks().GetTask(ctx, dev.CurrentTaskID)
			if err != nil && !errors.Is(err, task.ErrTaskNotFound) {
				return err
			}
		}

		if owner != nil && owner.Status.AwaitingConfirm() {
			expiredAt := *dev.OpenSessionExpiresAt
			dev.OpenSessionExpiresAt = nil
			if err := u.tx.Devices().UpdateDevice(ctx, dev); err != nil {
				return fmt.Errorf("updating device %s: %w", dev.ID, err)
			}
			e.logger.Warn("open session expired awaiting operator", "device_id", dev.ID, "task_id", owner.ID,
				"aisle_id", dev.OpenSessionAisleID, "reason", audit.ReasonSessionExpired)
			noted = true
			return e.note(ctx, u, owner, audit.EventSessionExpired, audit.ReasonSessionExpired, systemOrigin,
				map[string]any{"device_id": dev.ID, "expired_at": expiredAt})
		}

		if owner != nil && !owner.Status.Terminal() {
			// Mid-action; the stale detail check covers it.
			return nil
		}

		e.logger.Warn("closing orphan session", "device_id", dev.ID, "aisle_id", dev.OpenSessionAisleID,
			"reason", audit.ReasonSessionExpired)
		if _, err := e.beginClose(ctx, u, dev, 0, task.OperatorAuto); err != nil {
			return err
		}
		closed = true
		return nil
	})
	return noted, closed, err
}
