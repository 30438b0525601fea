package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/mrs"
	"github.com/nerrad567/mrs-core/internal/task"
)

// SubmitTask creates a task for the request and routes it.
//
// Validation failures return a *ValidationError before anything is locked.
// Contention is not an error: a task that cannot start is QUEUED with a
// reason (BANK_BUSY, JOIN_OPEN_SESSION, AISLE_BLOCKED or NO_DEVICE) and is
// dispatched later.
func (e *Engine) SubmitTask(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := normalize(&req); err != nil {
		e.recorder.TaskSubmitted("invalid")
		e.logger.Info("task submission rejected", "actor", req.Actor, "error", err)
		return nil, err
	}

	_, aisle, err := e.store.Devices().ResolveLocation(ctx, req.Location)
	if errors.Is(err, mrs.ErrLocationNotFound) {
		e.recorder.TaskSubmitted("invalid")
		return nil, &ValidationError{Field: "location", Message: fmt.Sprintf("unknown location %q", req.Location)}
	}
	if err != nil {
		return nil, fmt.Errorf("resolving location: %w", err)
	}

	res := &SubmitResult{}
	o := apiOrigin(req.Actor)

	err = e.run(ctx, func(u *unit) error {
		*res = SubmitResult{}
		t, err := e.createTask(ctx, u, req, aisle, o)
		if err != nil {
			return err
		}
		res.TaskID = t.ID
		res.TaskCode = t.Code
		res.WaitingID = t.WaitingID
		return e.route(ctx, u, t, o, res)
	})
	if err != nil {
		return nil, err
	}

	e.recorder.TaskSubmitted(string(res.Outcome))
	e.logger.Info("task submitted", "task_id", res.TaskID, "task_code", res.TaskCode,
		"outcome", res.Outcome, "reason", res.Reason, "actor", req.Actor, "bank", aisle.BankCode)

	if t, err := e.store.Tasks().GetTask(ctx, res.TaskID); err == nil {
		res.Status = t.Status
	}
	return res, nil
}

// ResubmitWaiting submits a new task for an existing work request. The
// request must be WAITING, FAILED or CANCELLED and no unfinished task may
// still reference it.
func (e *Engine) ResubmitWaiting(ctx context.Context, waitingID int64, actor string) (*SubmitResult, error) {
	w, err := e.store.Tasks().GetWaiting(ctx, waitingID)
	if err != nil {
		return nil, err
	}
	return e.SubmitTask(ctx, SubmitRequest{
		StockItem: w.StockItem,
		Qty:       w.PlanQty,
		Priority:  w.Priority,
		Type:      w.Type,
		Location:  w.LocationCode,
		Actor:     actor,
		WaitingID: w.ID,
	})
}

func normalize(req *SubmitRequest) error {
	req.StockItem = strings.TrimSpace(req.StockItem)
	req.Location = strings.TrimSpace(req.Location)
	req.Actor = strings.TrimSpace(req.Actor)

	if req.StockItem == "" {
		return &ValidationError{Field: "stock_item", Message: "is required"}
	}
	if req.Qty <= 0 {
		return &ValidationError{Field: "qty", Message: "must be positive"}
	}
	if req.Location == "" {
		return &ValidationError{Field: "location", Message: "is required"}
	}
	if req.Priority == 0 {
		req.Priority = DefaultPriority
	}
	if req.Priority < task.MinPriority || req.Priority > task.MaxPriority {
		return &ValidationError{
			Field:   "priority",
			Message: fmt.Sprintf("must be between %d and %d", task.MinPriority, task.MaxPriority),
		}
	}
	if req.Type == "" {
		req.Type = task.TypePick
	}
	if !req.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown type %q", req.Type)}
	}
	if req.Actor == "" {
		req.Actor = "anonymous"
	}
	return nil
}

// createTask writes the work request (unless resubmitting) and the task,
// then moves it NEW -> ROUTING.
func (e *Engine) createTask(ctx context.Context, u *unit, req SubmitRequest, aisle *mrs.Aisle, o origin) (*task.Task, error) {
	now := e.now()
	tasks := u.tx.Tasks()

	waitingID := req.WaitingID
	if waitingID == 0 {
		w := &task.Waiting{
			StockItem:    req.StockItem,
			PlanQty:      req.Qty,
			LocationCode: req.Location,
			Priority:     req.Priority,
			Type:         req.Type,
			Status:       task.WaitingWaiting,
			RequestedBy:  req.Actor,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tasks.CreateWaiting(ctx, w); err != nil {
			return nil, fmt.Errorf("creating waiting: %w", err)
		}
		waitingID = w.ID
	} else {
		w, err := tasks.LockWaiting(ctx, waitingID)
		if err != nil {
			return nil, err
		}
		switch w.Status {
		case task.WaitingWaiting, task.WaitingFailed, task.WaitingCancelled:
		default:
			return nil, fmt.Errorf("%w: waiting %d is %s", ErrInvalidState, w.ID, w.Status)
		}
		// A QUEUED or ROUTING task also leaves its request WAITING.
		live, err := tasks.HasLiveTask(ctx, waitingID)
		if err != nil {
			return nil, err
		}
		if live {
			return nil, fmt.Errorf("%w: waiting %d already has a live task", ErrInvalidState, w.ID)
		}
	}

	code, err := tasks.NextTaskCode(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("allocating task code: %w", err)
	}

	t := &task.Task{
		Code:           code,
		WaitingID:      waitingID,
		StockItem:      req.StockItem,
		PlanQty:        req.Qty,
		Priority:       req.Priority,
		Type:           req.Type,
		Status:         task.StatusNew,
		TargetAisleID:  aisle.ID,
		TargetBankCode: aisle.BankCode,
		RequestedBy:    req.Actor,
		RequestedAt:    now,
		UpdatedAt:      now,
	}
	if err := tasks.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	meta := map[string]any{"stock_item": t.StockItem, "plan_qty": t.PlanQty, "priority": t.Priority, "location": req.Location}
	if err := e.appendEvent(ctx, u, t.ID, audit.EventTaskCreated, "", string(task.StatusNew), audit.ReasonNone, o, meta); err != nil {
		return nil, err
	}

	if err := e.transition(ctx, u, t, task.StatusRouting, audit.EventTaskRouting, audit.ReasonNone, o,
		map[string]any{"aisle_id": t.TargetAisleID, "bank": t.TargetBankCode}); err != nil {
		return nil, err
	}
	return t, nil
}

// route decides, under the bank lock, whether t joins a session, waits or
// gets a device.
func (e *Engine) route(ctx context.Context, u *unit, t *task.Task, o origin, res *SubmitResult) error {
	b, err := e.lockBank(ctx, u, t.TargetBankCode)
	if err != nil {
		return err
	}

	// Read under the lock; a failed close may have blocked it.
	aisle, err := u.tx.Devices().GetAisle(ctx, t.TargetAisleID)
	if err != nil {
		return err
	}

	queue := func(reason audit.Reason, meta map[string]any) error {
		res.Outcome = OutcomeQueued
		res.Reason = reason
		return e.transition(ctx, u, t, task.StatusQueued, audit.EventQueued, reason, o, meta)
	}

	if aisle.Status == mrs.AisleBlocked {
		return queue(audit.ReasonAisleBlocked, nil)
	}

	if dev := b.joinable(aisle.ID); dev != nil {
		meta := map[string]any{"device_id": dev.ID}
		// A held or closing session has no expiry and must not gain one.
		if dev.IsAisleOpen && dev.OpenSessionExpiresAt != nil {
			expires := e.now().Add(e.cfg.SessionIdle)
			dev.ExtendSession(expires)
			if err := u.tx.Devices().UpdateDevice(ctx, dev); err != nil {
				return fmt.Errorf("extending session on %s: %w", dev.ID, err)
			}
			meta["session_expires_at"] = expires
		}
		res.DeviceID = dev.ID
		return queue(audit.ReasonJoinOpenSession, meta)
	}

	if b.busy() {
		return queue(audit.ReasonBankBusy, nil)
	}

	dev := b.pick()
	if dev == nil {
		return queue(audit.ReasonNoDevice, nil)
	}

	res.Outcome = OutcomeDispatched
	res.DeviceID = dev.ID
	return e.reserve(ctx, u, t, dev, audit.ReasonNone, o)
}
