package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/gateway"
	"github.com/nerrad567/mrs-core/internal/mrs"
	"github.com/nerrad567/mrs-core/internal/task"
)

func TestLifecycle_SingleTask(t *testing.T) {
	h := newHarness(t)

	id := h.open("L-B1-A1", 5)
	h.wantStatus(id, task.StatusWaitingConfirm)
	if a := h.aisle("B1-A1"); a.Status != mrs.AisleOpen || a.LastOpenedAt == nil {
		t.Errorf("aisle after open = %+v", a)
	}
	dev := h.device("MRS-B1-01")
	if !dev.IsAisleOpen || dev.Status != mrs.StatusOpened || dev.OpenSessionAisleID != "B1-A1" || dev.OpenSessionExpiresAt == nil {
		t.Errorf("device after open = %+v", dev)
	}
	if got := dev.OpenSessionExpiresAt.Sub(h.clock.Now()); got != h.e.cfg.SessionIdle {
		t.Errorf("session expires in %v, want %v", got, h.e.cfg.SessionIdle)
	}

	res := h.confirm(id)
	if res.Outcome != OutcomeClosing || res.Reason != audit.ReasonNoNextSameAisle {
		t.Fatalf("Confirm() = %+v, want closing NO_NEXT_SAME_AISLE", res)
	}
	h.wantStatus(id, task.StatusAisleClose)

	closeCmd := h.gw.last(t, task.ActionClose)
	if closeCmd.AisleID != "B1-A1" || closeCmd.DeviceID != "MRS-B1-01" {
		t.Errorf("close command = %+v", closeCmd)
	}
	if d := h.detail(closeCmd.CorrelationID); d.TaskID != id || d.Operator != task.OperatorAuto {
		t.Errorf("close detail = %+v", d)
	}
	if dev := h.device("MRS-B1-01"); dev.Status != mrs.StatusMoving || dev.OpenSessionExpiresAt != nil || !dev.IsAisleOpen {
		t.Errorf("closing device = %+v", dev)
	}

	h.closeFinished(closeCmd)

	v := h.task(id)
	if v.Status != task.StatusCompleted || v.WaitingStatus != task.WaitingCompleted {
		t.Errorf("task = %s/%s, want COMPLETED", v.Status, v.WaitingStatus)
	}
	dev = h.device("MRS-B1-01")
	if !dev.IsAvailable || dev.HoldsBank() || dev.Status != mrs.StatusIdle {
		t.Errorf("device after close = %+v", dev)
	}
	if a := h.aisle("B1-A1"); a.Status != mrs.AisleClosed {
		t.Errorf("aisle status = %s, want CLOSED", a.Status)
	}

	wantEvents(t, h.events(id),
		audit.EventTaskCreated, audit.EventTaskRouting, audit.EventTaskDispatched,
		audit.EventTaskAisleOpen, audit.EventTaskWaitingConfirm, audit.EventUserConfirm,
		audit.EventTaskAisleClose, audit.EventTaskDone)

	open := h.detail(h.gw.last(t, task.ActionOpen).CorrelationID)
	if open.Result != task.ResultSuccess || open.DurationMS == nil || open.FinishedAt == nil {
		t.Errorf("open detail = %+v", open)
	}

	snap, _ := h.e.Board().Get("B1")
	if snap.ActiveTaskID != 0 || snap.OpenAisleID != "" {
		t.Errorf("board after completion = %+v", snap)
	}
}

func TestConfirm_ContinuesInOpenSession(t *testing.T) {
	h := newHarness(t)

	first := h.open("L-B1-A1", 5)
	second := h.submit("L-B1-A1", 5)
	if second.Reason != audit.ReasonJoinOpenSession {
		t.Fatalf("second reason = %s", second.Reason)
	}

	res := h.confirm(first)
	if res.Outcome != OutcomeContinued || res.NextTaskID != second.TaskID {
		t.Fatalf("Confirm() = %+v, want continued with %d", res, second.TaskID)
	}
	h.wantStatus(first, task.StatusCompleted)
	h.wantStatus(second.TaskID, task.StatusWaitingFinish)

	dev := h.device("MRS-B1-01")
	if dev.CurrentTaskID != second.TaskID || !dev.IsAisleOpen || dev.OpenSessionExpiresAt == nil {
		t.Errorf("device after handover = %+v", dev)
	}
	if h.gw.count(task.ActionClose) != 0 {
		t.Error("continuing a session sent a close")
	}

	wantEvents(t, h.events(second.TaskID),
		audit.EventTaskCreated, audit.EventTaskRouting, audit.EventQueued, audit.EventTaskWaitingFinish)

	res = h.confirm(second.TaskID)
	if res.Outcome != OutcomeClosing {
		t.Fatalf("second Confirm() = %+v, want closing", res)
	}
	h.closeFinished(h.gw.last(t, task.ActionClose))

	h.wantStatus(second.TaskID, task.StatusCompleted)
	if n := h.gw.count(task.ActionOpen); n != 1 {
		t.Errorf("open commands = %d, want 1 for a shared session", n)
	}
	if !h.device("MRS-B1-01").IsAvailable {
		t.Error("device not released")
	}
}

func TestConfirm_Preempt(t *testing.T) {
	h := newHarness(t)

	first := h.open("L-B1-A1", 5)
	same := h.submit("L-B1-A1", 5)
	urgent := h.submit("L-B1-A2", 9)
	if urgent.Reason != audit.ReasonBankBusy {
		t.Fatalf("urgent reason = %s, want BANK_BUSY", urgent.Reason)
	}

	res := h.confirm(first)
	if res.Outcome != OutcomeClosing || res.Reason != audit.ReasonPreempt {
		t.Fatalf("Confirm() = %+v, want closing PREEMPT", res)
	}

	entries, err := h.e.TaskEvents(h.ctx, first)
	if err != nil {
		t.Fatalf("TaskEvents() error = %v", err)
	}
	closeEntry := entries[len(entries)-1]
	if closeEntry.Event != audit.EventTaskAisleClose || closeEntry.Reason != audit.ReasonPreempt {
		t.Errorf("last entry = %+v", closeEntry)
	}
	if by, ok := closeEntry.Metadata["preempted_by"].(float64); !ok || int64(by) != urgent.TaskID {
		t.Errorf("preempted_by = %v, want %d", closeEntry.Metadata["preempted_by"], urgent.TaskID)
	}

	h.closeFinished(h.gw.last(t, task.ActionClose))

	h.wantStatus(first, task.StatusCompleted)
	h.wantStatus(urgent.TaskID, task.StatusInProgress)
	h.wantStatus(same.TaskID, task.StatusQueued)
	if cmd := h.gw.last(t, task.ActionOpen); cmd.AisleID != "B1-A2" {
		t.Errorf("next open = %+v, want B1-A2", cmd)
	}
}

func TestConfirm_EqualPriorityElsewhereDoesNotPreempt(t *testing.T) {
	h := newHarness(t)

	first := h.open("L-B1-A1", 5)
	same := h.submit("L-B1-A1", 5)
	h.submit("L-B1-A2", 5)

	res := h.confirm(first)
	if res.Outcome != OutcomeContinued || res.NextTaskID != same.TaskID {
		t.Errorf("Confirm() = %+v, want continued", res)
	}
}

func TestConfirm_PreemptWithoutSameAisleWork(t *testing.T) {
	h := newHarness(t)

	first := h.open("L-B1-A1", 5)
	other := h.submit("L-B1-A3", 1)

	res := h.confirm(first)
	if res.Reason != audit.ReasonPreempt {
		t.Fatalf("Confirm() reason = %s, want PREEMPT", res.Reason)
	}
	h.closeFinished(h.gw.last(t, task.ActionClose))
	h.wantStatus(other.TaskID, task.StatusInProgress)
}

func TestDispatchOrder(t *testing.T) {
	h := newHarness(t)

	first := h.submit("L-B1-A1", 5)
	low := h.submit("L-B1-A2", 3)
	early := h.submit("L-B1-A3", 7)
	late := h.submit("L-B1-A2", 7)
	for _, r := range []*SubmitResult{low, early, late} {
		if r.Outcome != OutcomeQueued {
			t.Fatalf("task %d outcome = %s, want queued", r.TaskID, r.Outcome)
		}
	}

	h.openFinished(h.gw.last(t, task.ActionOpen))
	h.confirm(first.TaskID)
	h.closeFinished(h.gw.last(t, task.ActionClose))

	h.wantStatus(early.TaskID, task.StatusInProgress)
	h.wantStatus(late.TaskID, task.StatusQueued)
	h.wantStatus(low.TaskID, task.StatusQueued)

	h.openFinished(h.gw.last(t, task.ActionOpen))
	h.confirm(early.TaskID)
	h.closeFinished(h.gw.last(t, task.ActionClose))

	h.wantStatus(late.TaskID, task.StatusInProgress)
	h.wantStatus(low.TaskID, task.StatusQueued)

	// low shares late's aisle and continues in its session.
	h.openFinished(h.gw.last(t, task.ActionOpen))
	res := h.confirm(late.TaskID)
	if res.Outcome != OutcomeContinued || res.NextTaskID != low.TaskID {
		t.Errorf("Confirm() = %+v, want continued with %d", res, low.TaskID)
	}
}

func TestConfirm_SensorBlocked(t *testing.T) {
	h := newHarness(t)

	id := h.open("L-B1-A1", 5)
	h.gw.setBlocked("B1-A1", true)

	res := h.confirm(id)
	if res.Outcome != OutcomeFailed || res.Reason != audit.ReasonSensorBlocked {
		t.Fatalf("Confirm() = %+v, want failed SENSOR_BLOCKED", res)
	}
	v := h.task(id)
	if v.Status != task.StatusFailed || v.WaitingStatus != task.WaitingFailed {
		t.Errorf("task = %s/%s", v.Status, v.WaitingStatus)
	}
	if h.gw.count(task.ActionClose) != 0 {
		t.Error("blocked sensor sent a close")
	}

	dev := h.device("MRS-B1-01")
	if !dev.IsAisleOpen || dev.CurrentTaskID != id || dev.OpenSessionExpiresAt != nil {
		t.Errorf("held device = %+v", dev)
	}

	// The held session keeps the bank and is not swept.
	busy := h.submit("L-B1-A2", 9)
	if busy.Reason != audit.ReasonBankBusy {
		t.Errorf("submission during held session reason = %s, want BANK_BUSY", busy.Reason)
	}
	h.clock.Advance(time.Hour)
	report, err := h.e.Sweep(h.ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.ExpiredNoted != 0 || report.OrphansClosed != 0 {
		t.Errorf("Sweep() touched a held session: %+v", report)
	}

	if _, err := h.e.Confirm(h.ctx, id, "operator"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Confirm() on failed task error = %v, want ErrInvalidState", err)
	}

	h.gw.setBlocked("B1-A1", false)
	if err := h.e.ResolveSession(h.ctx, "MRS-B1-01", "supervisor"); err != nil {
		t.Fatalf("ResolveSession() error = %v", err)
	}
	closeCmd := h.gw.last(t, task.ActionClose)
	if d := h.detail(closeCmd.CorrelationID); d.Operator != task.OperatorManual || d.TaskID != id {
		t.Errorf("resolve detail = %+v", d)
	}
	evs := h.events(id)
	if evs[len(evs)-1] != audit.EventSessionResolve {
		t.Errorf("last event = %s, want SESSION_RESOLVE", evs[len(evs)-1])
	}

	h.closeFinished(closeCmd)
	h.wantStatus(id, task.StatusFailed)
	h.wantStatus(busy.TaskID, task.StatusInProgress)
}

func TestResolveSession_Errors(t *testing.T) {
	h := newHarness(t)

	if err := h.e.ResolveSession(h.ctx, "MRS-B1-01", "supervisor"); !errors.Is(err, ErrNoHeldSession) {
		t.Errorf("ResolveSession() on idle device error = %v, want ErrNoHeldSession", err)
	}

	id := h.open("L-B1-A1", 5)
	// Expire the session so it has no expiry while the task still waits.
	h.clock.Advance(2 * time.Minute)
	if _, err := h.e.Sweep(h.ctx, h.clock.Now()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if err := h.e.ResolveSession(h.ctx, "MRS-B1-01", "supervisor"); !errors.Is(err, ErrNoHeldSession) {
		t.Errorf("ResolveSession() with waiting owner error = %v, want ErrNoHeldSession", err)
	}
	h.wantStatus(id, task.StatusWaitingConfirm)

	if err := h.e.ResolveSession(h.ctx, "MRS-NOPE", "supervisor"); !errors.Is(err, mrs.ErrDeviceNotFound) {
		t.Errorf("ResolveSession() unknown device error = %v, want ErrDeviceNotFound", err)
	}
}

func TestConfirm_Errors(t *testing.T) {
	h := newHarness(t)

	if _, err := h.e.Confirm(h.ctx, 404, "operator"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("Confirm(404) error = %v, want ErrTaskNotFound", err)
	}

	res := h.submit("L-B1-A1", 5)
	if _, err := h.e.Confirm(h.ctx, res.TaskID, "operator"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Confirm() in progress error = %v, want ErrInvalidState", err)
	}

	h.openFinished(h.gw.last(t, task.ActionOpen))
	h.gw.sensorErr = gateway.ErrSensorTimeout
	if _, err := h.e.Confirm(h.ctx, res.TaskID, "operator"); !errors.Is(err, ErrSensorUnavailable) || !errors.Is(err, gateway.ErrSensorTimeout) {
		t.Errorf("Confirm() sensor down error = %v, want ErrSensorUnavailable", err)
	}
	h.wantStatus(res.TaskID, task.StatusWaitingConfirm)
	wantEvents(t, h.events(res.TaskID),
		audit.EventTaskCreated, audit.EventTaskRouting, audit.EventTaskDispatched,
		audit.EventTaskAisleOpen, audit.EventTaskWaitingConfirm)
}

func TestUnblockAisle(t *testing.T) {
	h := newHarness(t)

	id := h.open("L-B1-A1", 5)
	h.confirm(id)
	if err := h.e.OnActionFailed(h.ctx, h.gw.last(t, task.ActionClose).CorrelationID, gateway.CodeDeviceFault); err != nil {
		t.Fatalf("OnActionFailed() error = %v", err)
	}
	if a := h.aisle("B1-A1"); a.Status != mrs.AisleBlocked {
		t.Fatalf("aisle status = %s, want BLOCKED", a.Status)
	}

	stranded := h.submit("L-B1-A1", 9)
	if stranded.Reason != audit.ReasonAisleBlocked {
		t.Fatalf("stranded reason = %s, want AISLE_BLOCKED", stranded.Reason)
	}
	busy := h.open("L-B1-A2", 1)

	if err := h.e.UnblockAisle(h.ctx, "B1-A1", "supervisor"); err != nil {
		t.Fatalf("UnblockAisle() error = %v", err)
	}
	if a := h.aisle("B1-A1"); a.Status != mrs.AisleClosed {
		t.Errorf("aisle status = %s, want CLOSED", a.Status)
	}
	// The bank is still busy, so the task waits for the next dispatch.
	h.wantStatus(stranded.TaskID, task.StatusQueued)
	evs := h.events(stranded.TaskID)
	if evs[len(evs)-1] != audit.EventAisleUnblock {
		t.Errorf("last event = %s, want AISLE_UNBLOCK", evs[len(evs)-1])
	}

	h.confirm(busy)
	h.closeFinished(h.gw.last(t, task.ActionClose))
	h.wantStatus(busy, task.StatusCompleted)
	h.wantStatus(stranded.TaskID, task.StatusInProgress)
	if cmd := h.gw.last(t, task.ActionOpen); cmd.AisleID != "B1-A1" {
		t.Errorf("open command aisle = %s, want B1-A1", cmd.AisleID)
	}
}

func TestUnblockAisle_DispatchesOnFreeBank(t *testing.T) {
	h := newHarness(t)

	id := h.open("L-B1-A1", 5)
	h.confirm(id)
	if err := h.e.OnActionFailed(h.ctx, h.gw.last(t, task.ActionClose).CorrelationID, gateway.CodeDeviceFault); err != nil {
		t.Fatalf("OnActionFailed() error = %v", err)
	}
	stranded := h.submit("L-B1-A1", 9)

	// No other work arrives: without an unblock the task never leaves the queue.
	h.clock.Advance(time.Hour)
	if _, err := h.e.Sweep(h.ctx, h.clock.Now()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	h.wantStatus(stranded.TaskID, task.StatusQueued)

	if err := h.e.UnblockAisle(h.ctx, "B1-A1", "supervisor"); err != nil {
		t.Fatalf("UnblockAisle() error = %v", err)
	}
	h.wantStatus(stranded.TaskID, task.StatusInProgress)
	wantEvents(t, h.events(stranded.TaskID),
		audit.EventTaskCreated, audit.EventTaskRouting, audit.EventQueued,
		audit.EventAisleUnblock, audit.EventTaskDispatched)
}

func TestUnblockAisle_Errors(t *testing.T) {
	h := newHarness(t)

	if err := h.e.UnblockAisle(h.ctx, "B1-A1", "supervisor"); !errors.Is(err, ErrAisleNotBlocked) {
		t.Errorf("UnblockAisle() on closed aisle error = %v, want ErrAisleNotBlocked", err)
	}
	if err := h.e.UnblockAisle(h.ctx, "B9-A9", "supervisor"); !errors.Is(err, mrs.ErrAisleNotFound) {
		t.Errorf("UnblockAisle() unknown aisle error = %v, want ErrAisleNotFound", err)
	}
}
