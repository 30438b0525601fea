package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/board"
	"github.com/nerrad567/mrs-core/internal/gateway"
	"github.com/nerrad567/mrs-core/internal/infrastructure/database"
	"github.com/nerrad567/mrs-core/internal/mrs"
	"github.com/nerrad567/mrs-core/internal/store"
	"github.com/nerrad567/mrs-core/internal/task"
	_ "github.com/nerrad567/mrs-core/migrations"
)

// sentCommand is a command the mock gateway accepted.
type sentCommand struct {
	action task.Action
	cmd    gateway.Command
}

// mockGateway accepts every command unless told otherwise and never
// completes anything on its own; tests deliver callbacks explicitly.
type mockGateway struct {
	mu        sync.Mutex
	sent      []sentCommand
	reject    map[string]gateway.Rejected
	blocked   map[string]bool
	sensorErr error
	openErr   error
	events    chan gateway.Event
	jobs      int
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		reject:  make(map[string]gateway.Rejected),
		blocked: make(map[string]bool),
		events:  make(chan gateway.Event, 16),
	}
}

func (m *mockGateway) OpenAisle(_ context.Context, cmd gateway.Command) (gateway.Ack, error) {
	return m.command(task.ActionOpen, cmd)
}

func (m *mockGateway) CloseAisle(_ context.Context, cmd gateway.Command) (gateway.Ack, error) {
	return m.command(task.ActionClose, cmd)
}

func (m *mockGateway) command(action task.Action, cmd gateway.Command) (gateway.Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if action == task.ActionOpen && m.openErr != nil {
		return nil, m.openErr
	}
	if r, ok := m.reject[cmd.AisleID]; ok {
		return r, nil
	}
	m.sent = append(m.sent, sentCommand{action: action, cmd: cmd})
	m.jobs++
	return gateway.Accepted{ControllerJobID: fmt.Sprintf("J-%d", m.jobs)}, nil
}

func (m *mockGateway) IsAisleSensorClear(_ context.Context, aisleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sensorErr != nil {
		return false, m.sensorErr
	}
	return !m.blocked[aisleID], nil
}

func (m *mockGateway) Events() <-chan gateway.Event { return m.events }
func (m *mockGateway) Close() error                 { return nil }

func (m *mockGateway) setBlocked(aisleID string, blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[aisleID] = blocked
}

func (m *mockGateway) commands() []sentCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentCommand, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockGateway) count(action task.Action) int {
	n := 0
	for _, c := range m.commands() {
		if c.action == action {
			n++
		}
	}
	return n
}

// last returns the most recent command of the action.
func (m *mockGateway) last(t *testing.T, action task.Action) gateway.Command {
	t.Helper()
	cmds := m.commands()
	for i := len(cmds) - 1; i >= 0; i-- {
		if cmds[i].action == action {
			return cmds[i].cmd
		}
	}
	t.Fatalf("no %s command sent", action)
	return gateway.Command{}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRecorder struct {
	mu        sync.Mutex
	submitted map[string]int
	ignored   map[string]int
	sweeps    map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		submitted: make(map[string]int),
		ignored:   make(map[string]int),
		sweeps:    make(map[string]int),
	}
}

func (r *fakeRecorder) TaskSubmitted(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted[outcome]++
}

func (r *fakeRecorder) CallbackIgnored(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ignored[kind]++
}

func (r *fakeRecorder) SweepRun(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps[result]++
}

func (r *fakeRecorder) ignoredCount(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ignored[kind]
}

func (r *fakeRecorder) TaskEvent(string, string)                    {}
func (r *fakeRecorder) GatewayCommand(string, string)               {}
func (r *fakeRecorder) ObserveAction(string, string, time.Duration) {}
func (r *fakeRecorder) SetBank(string, int, bool)                   {}

type recordingListener struct {
	mu      sync.Mutex
	entries []audit.Entry
	banks   []board.Snapshot
}

func (l *recordingListener) TaskEvent(e audit.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *recordingListener) BankChanged(s board.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.banks = append(l.banks, s)
}

// harness is an engine over in-memory SQLite with two banks:
//
//	B1: MRS-B1-01, MRS-B1-02; aisles B1-A1 (L-B1-A1), B1-A2 (L-B1-A2), B1-A3 (L-B1-A3)
//	B2: MRS-B2-01; aisle B2-A1 (L-B2-A1)
type harness struct {
	t        *testing.T
	ctx      context.Context
	e        *Engine
	gw       *mockGateway
	st       *store.Store
	clock    *testClock
	rec      *fakeRecorder
	listener *recordingListener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(database.Config{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}

	st := store.New(db)
	p := &mrs.Provisioning{Banks: []mrs.BankSpec{{
		Code:    "B1",
		Devices: []mrs.DeviceSpec{{ID: "MRS-B1-01"}, {ID: "MRS-B1-02"}},
		Aisles: []mrs.AisleSpec{
			{ID: "B1-A1", Locations: []string{"L-B1-A1"}},
			{ID: "B1-A2", Locations: []string{"L-B1-A2"}},
			{ID: "B1-A3", Locations: []string{"L-B1-A3"}},
		},
	}, {
		Code:    "B2",
		Devices: []mrs.DeviceSpec{{ID: "MRS-B2-01"}},
		Aisles:  []mrs.AisleSpec{{ID: "B2-A1", Locations: []string{"L-B2-A1"}}},
	}}}
	if err := mrs.Seed(ctx, st.Devices(), p); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	h := &harness{
		t:        t,
		ctx:      ctx,
		gw:       newMockGateway(),
		st:       st,
		clock:    &testClock{now: time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)},
		rec:      newFakeRecorder(),
		listener: &recordingListener{},
	}
	h.e, err = New(Deps{
		Store:    st,
		Gateway:  h.gw,
		Listener: h.listener,
		Recorder: h.rec,
		Clock:    h.clock.Now,
	}, Config{SessionIdle: time.Minute, StaleActionAfter: 5 * time.Minute})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func (h *harness) submit(location string, priority int) *SubmitResult {
	h.t.Helper()
	h.clock.Advance(time.Second)
	res, err := h.e.SubmitTask(h.ctx, SubmitRequest{
		StockItem: "SKU-1",
		Qty:       1,
		Priority:  priority,
		Type:      task.TypePick,
		Location:  location,
		Actor:     "tester",
	})
	if err != nil {
		h.t.Fatalf("SubmitTask(%s) error = %v", location, err)
	}
	return res
}

// open submits a task that must be dispatched and completes its open.
func (h *harness) open(location string, priority int) int64 {
	h.t.Helper()
	res := h.submit(location, priority)
	if res.Outcome != OutcomeDispatched {
		h.t.Fatalf("SubmitTask(%s) outcome = %s (%s), want dispatched", location, res.Outcome, res.Reason)
	}
	h.openFinished(h.gw.last(h.t, task.ActionOpen))
	return res.TaskID
}

func (h *harness) openFinished(cmd gateway.Command) {
	h.t.Helper()
	h.clock.Advance(time.Second)
	if err := h.e.OnOpenFinished(h.ctx, cmd.CorrelationID, h.clock.Now()); err != nil {
		h.t.Fatalf("OnOpenFinished(%d) error = %v", cmd.CorrelationID, err)
	}
}

func (h *harness) closeFinished(cmd gateway.Command) {
	h.t.Helper()
	h.clock.Advance(time.Second)
	if err := h.e.OnCloseFinished(h.ctx, cmd.CorrelationID, h.clock.Now()); err != nil {
		h.t.Fatalf("OnCloseFinished(%d) error = %v", cmd.CorrelationID, err)
	}
}

func (h *harness) confirm(taskID int64) *ConfirmResult {
	h.t.Helper()
	res, err := h.e.Confirm(h.ctx, taskID, "operator")
	if err != nil {
		h.t.Fatalf("Confirm(%d) error = %v", taskID, err)
	}
	return res
}

func (h *harness) task(id int64) *task.View {
	h.t.Helper()
	v, err := h.e.GetTask(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetTask(%d) error = %v", id, err)
	}
	return v
}

func (h *harness) wantStatus(id int64, want task.Status) {
	h.t.Helper()
	if got := h.task(id).Status; got != want {
		h.t.Errorf("task %d status = %s, want %s", id, got, want)
	}
}

func (h *harness) device(id string) *mrs.Device {
	h.t.Helper()
	d, err := h.st.Devices().GetDevice(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetDevice(%s) error = %v", id, err)
	}
	return d
}

func (h *harness) aisle(id string) *mrs.Aisle {
	h.t.Helper()
	a, err := h.st.Devices().GetAisle(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetAisle(%s) error = %v", id, err)
	}
	return a
}

func (h *harness) detail(id int64) *task.Detail {
	h.t.Helper()
	d, err := h.st.Tasks().GetDetail(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetDetail(%d) error = %v", id, err)
	}
	return d
}

func (h *harness) events(taskID int64) []audit.Event {
	h.t.Helper()
	entries, err := h.e.TaskEvents(h.ctx, taskID)
	if err != nil {
		h.t.Fatalf("TaskEvents(%d) error = %v", taskID, err)
	}
	out := make([]audit.Event, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}

func wantEvents(t *testing.T, got []audit.Event, want ...audit.Event) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestNew_RequiresStoreAndGateway(t *testing.T) {
	if _, err := New(Deps{Gateway: newMockGateway()}, Config{}); err == nil {
		t.Error("New() without store should fail")
	}
	if _, err := New(Deps{Store: &store.Store{}}, Config{}); err == nil {
		t.Error("New() without gateway should fail")
	}
}

func TestSubmitTask_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{"missing stock item", SubmitRequest{Qty: 1, Location: "L-B1-A1"}, "stock_item"},
		{"zero quantity", SubmitRequest{StockItem: "X", Location: "L-B1-A1"}, "qty"},
		{"missing location", SubmitRequest{StockItem: "X", Qty: 1}, "location"},
		{"priority too high", SubmitRequest{StockItem: "X", Qty: 1, Priority: 10, Location: "L-B1-A1"}, "priority"},
		{"negative priority", SubmitRequest{StockItem: "X", Qty: 1, Priority: -1, Location: "L-B1-A1"}, "priority"},
		{"unknown type", SubmitRequest{StockItem: "X", Qty: 1, Type: "MOVE", Location: "L-B1-A1"}, "type"},
		{"unknown location", SubmitRequest{StockItem: "X", Qty: 1, Location: "L-NOWHERE"}, "location"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.e.SubmitTask(h.ctx, tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("SubmitTask() error = %v, want ErrValidation", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("ValidationError field = %v, want %q", verr, tt.field)
			}
		})
	}

	views, err := h.e.GetAllTasks(h.ctx, task.ListFilter{})
	if err != nil {
		t.Fatalf("GetAllTasks() error = %v", err)
	}
	if len(views) != 0 {
		t.Errorf("rejected submissions created %d tasks", len(views))
	}
	if h.gw.count(task.ActionOpen) != 0 {
		t.Error("rejected submissions sent commands")
	}
}

func TestSubmitTask_Dispatch(t *testing.T) {
	h := newHarness(t)

	res := h.submit("L-B1-A2", 0)
	if res.Outcome != OutcomeDispatched || res.Status != task.StatusInProgress {
		t.Fatalf("SubmitTask() = %+v, want dispatched IN_PROGRESS", res)
	}
	if res.TaskCode != "T20261016-0001" {
		t.Errorf("TaskCode = %q", res.TaskCode)
	}

	v := h.task(res.TaskID)
	if v.Priority != DefaultPriority || v.TargetAisleID != "B1-A2" || v.TargetBankCode != "B1" {
		t.Errorf("task = %+v", v.Task)
	}
	if v.WaitingStatus != task.WaitingInProgress || v.LocationCode != "L-B1-A2" {
		t.Errorf("waiting = %s at %s", v.WaitingStatus, v.LocationCode)
	}

	cmd := h.gw.last(t, task.ActionOpen)
	if cmd.AisleID != "B1-A2" || cmd.BankCode != "B1" {
		t.Errorf("open command = %+v", cmd)
	}
	d := h.detail(cmd.CorrelationID)
	if d.TaskID != res.TaskID || d.Action != task.ActionOpen || d.Result != task.ResultInProgress || d.ControllerJobID != "J-1" {
		t.Errorf("open detail = %+v", d)
	}

	dev := h.device(res.DeviceID)
	if dev.IsAvailable || dev.CurrentTaskID != res.TaskID || dev.Status != mrs.StatusMoving || dev.TargetAisleID != "B1-A2" {
		t.Errorf("reserved device = %+v", dev)
	}

	wantEvents(t, h.events(res.TaskID), audit.EventTaskCreated, audit.EventTaskRouting, audit.EventTaskDispatched)

	snap, ok := h.e.Board().Get("B1")
	if !ok || snap.ActiveTaskID != res.TaskID || snap.ActiveTaskCode != res.TaskCode {
		t.Errorf("board B1 = %+v", snap)
	}
	if h.rec.submitted["dispatched"] != 1 {
		t.Errorf("submitted metrics = %v", h.rec.submitted)
	}
}

func TestSubmitTask_FreshestHeartbeatWins(t *testing.T) {
	h := newHarness(t)

	if err := h.e.OnHeartbeat(h.ctx, "MRS-B1-01", false, h.clock.Now()); err != nil {
		t.Fatalf("OnHeartbeat() error = %v", err)
	}
	h.clock.Advance(time.Second)
	if err := h.e.OnHeartbeat(h.ctx, "MRS-B1-02", false, h.clock.Now()); err != nil {
		t.Fatalf("OnHeartbeat() error = %v", err)
	}

	res := h.submit("L-B1-A1", 5)
	if res.DeviceID != "MRS-B1-02" {
		t.Errorf("reserved %s, want MRS-B1-02", res.DeviceID)
	}
}

func TestSubmitTask_Queued(t *testing.T) {
	t.Run("bank busy", func(t *testing.T) {
		h := newHarness(t)
		first := h.submit("L-B1-A1", 5)
		second := h.submit("L-B1-A2", 9)

		if second.Outcome != OutcomeQueued || second.Reason != audit.ReasonBankBusy {
			t.Fatalf("second = %+v, want queued BANK_BUSY", second)
		}
		h.wantStatus(first.TaskID, task.StatusInProgress)
		h.wantStatus(second.TaskID, task.StatusQueued)
		if h.gw.count(task.ActionOpen) != 1 {
			t.Errorf("open commands = %d, want 1", h.gw.count(task.ActionOpen))
		}
		if v := h.task(second.TaskID); v.Reason != audit.ReasonBankBusy || v.WaitingStatus != task.WaitingWaiting {
			t.Errorf("queued task = %s/%s", v.Reason, v.WaitingStatus)
		}
		wantEvents(t, h.events(second.TaskID), audit.EventTaskCreated, audit.EventTaskRouting, audit.EventQueued)

		// Banks are independent.
		other := h.submit("L-B2-A1", 1)
		if other.Outcome != OutcomeDispatched {
			t.Errorf("B2 submission = %+v, want dispatched", other)
		}

		snap, _ := h.e.Board().Get("B1")
		if snap.QueuedCount != 1 {
			t.Errorf("board B1 queued = %d, want 1", snap.QueuedCount)
		}
	})

	t.Run("join open session", func(t *testing.T) {
		h := newHarness(t)
		first := h.open("L-B1-A1", 5)
		dev := h.device("MRS-B1-01")
		before := *dev.OpenSessionExpiresAt

		h.clock.Advance(10 * time.Second)
		second := h.submit("L-B1-A1", 5)
		if second.Outcome != OutcomeQueued || second.Reason != audit.ReasonJoinOpenSession {
			t.Fatalf("second = %+v, want queued JOIN_OPEN_SESSION", second)
		}
		if h.gw.count(task.ActionOpen) != 1 {
			t.Error("joining a session sent a new open command")
		}
		after := h.device("MRS-B1-01").OpenSessionExpiresAt
		if after == nil || !after.After(before) {
			t.Errorf("session expiry %v not extended past %v", after, before)
		}
		h.wantStatus(first, task.StatusWaitingConfirm)
	})

	t.Run("join while opening", func(t *testing.T) {
		h := newHarness(t)
		h.submit("L-B1-A3", 5)
		second := h.submit("L-B1-A3", 5)
		if second.Reason != audit.ReasonJoinOpenSession {
			t.Errorf("second reason = %s, want JOIN_OPEN_SESSION", second.Reason)
		}
		if h.device("MRS-B1-01").OpenSessionExpiresAt != nil {
			t.Error("a session still opening gained an expiry")
		}
	})

	t.Run("aisle blocked", func(t *testing.T) {
		h := newHarness(t)
		a := h.aisle("B1-A1")
		a.MarkBlocked(h.clock.Now())
		if err := h.st.Devices().UpdateAisle(h.ctx, a); err != nil {
			t.Fatalf("UpdateAisle() error = %v", err)
		}
		res := h.submit("L-B1-A1", 5)
		if res.Outcome != OutcomeQueued || res.Reason != audit.ReasonAisleBlocked {
			t.Errorf("SubmitTask() = %+v, want queued AISLE_BLOCKED", res)
		}
	})

	t.Run("no device", func(t *testing.T) {
		h := newHarness(t)
		for _, id := range []string{"MRS-B1-01", "MRS-B1-02"} {
			if err := h.e.OnHeartbeat(h.ctx, id, true, h.clock.Now()); err != nil {
				t.Fatalf("OnHeartbeat() error = %v", err)
			}
		}
		res := h.submit("L-B1-A1", 5)
		if res.Outcome != OutcomeQueued || res.Reason != audit.ReasonNoDevice {
			t.Fatalf("SubmitTask() = %+v, want queued NO_DEVICE", res)
		}

		// Clearing an e-stop drains the queue.
		if err := h.e.OnHeartbeat(h.ctx, "MRS-B1-02", false, h.clock.Now()); err != nil {
			t.Fatalf("OnHeartbeat() error = %v", err)
		}
		h.wantStatus(res.TaskID, task.StatusInProgress)
		if dev := h.device("MRS-B1-02"); dev.CurrentTaskID != res.TaskID {
			t.Errorf("MRS-B1-02 current task = %d, want %d", dev.CurrentTaskID, res.TaskID)
		}
		entries, err := h.e.TaskEvents(h.ctx, res.TaskID)
		if err != nil {
			t.Fatalf("TaskEvents() error = %v", err)
		}
		last := entries[len(entries)-1]
		if last.Event != audit.EventTaskDispatched || last.Reason != audit.ReasonQueueDrain || last.Source != audit.SourceDispatcher {
			t.Errorf("last event = %+v, want TASK_DISPATCHED QUEUE_DRAIN", last)
		}
	})
}

func TestSubmitTask_GatewayRejected(t *testing.T) {
	h := newHarness(t)
	h.gw.reject["B1-A1"] = gateway.Rejected{Code: gateway.CodeAisleRejected}

	res := h.submit("L-B1-A1", 5)
	if res.Outcome != OutcomeDispatched || res.Status != task.StatusFailed {
		t.Fatalf("SubmitTask() = %+v, want dispatched then FAILED", res)
	}
	v := h.task(res.TaskID)
	if v.Reason != audit.ReasonGatewayRejected || v.WaitingStatus != task.WaitingFailed {
		t.Errorf("task reason = %s, waiting = %s", v.Reason, v.WaitingStatus)
	}
	if dev := h.device(res.DeviceID); !dev.IsAvailable || dev.CurrentTaskID != 0 {
		t.Errorf("device not released: %+v", dev)
	}
	wantEvents(t, h.events(res.TaskID),
		audit.EventTaskCreated, audit.EventTaskRouting, audit.EventTaskDispatched, audit.EventTaskFailed)

	// The bank is free again.
	next := h.submit("L-B1-A2", 5)
	if next.Outcome != OutcomeDispatched || next.Status != task.StatusInProgress {
		t.Errorf("next = %+v, want dispatched", next)
	}
}

func TestSubmitTask_GatewayError(t *testing.T) {
	h := newHarness(t)
	h.gw.openErr = gateway.ErrClosed

	res := h.submit("L-B1-A1", 5)
	if res.Status != task.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if v := h.task(res.TaskID); v.Reason != audit.ReasonGatewayRejected {
		t.Errorf("reason = %s, want GATEWAY_REJECTED", v.Reason)
	}
}

func TestSubmitTask_Concurrent(t *testing.T) {
	h := newHarness(t)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*SubmitResult
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.e.SubmitTask(h.ctx, SubmitRequest{
				StockItem: "SKU", Qty: 1, Priority: 5,
				Location: fmt.Sprintf("L-B1-A%d", i%3+1), Actor: "worker",
			})
			if err != nil {
				t.Errorf("SubmitTask() error = %v", err)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	dispatched := 0
	for _, r := range results {
		if r.Outcome == OutcomeDispatched {
			dispatched++
		}
	}
	if dispatched != 1 {
		t.Errorf("%d tasks dispatched concurrently in one bank, want 1", dispatched)
	}

	reserved := 0
	for _, id := range []string{"MRS-B1-01", "MRS-B1-02"} {
		if h.device(id).HoldsBank() {
			reserved++
		}
	}
	if reserved != 1 {
		t.Errorf("%d devices hold bank B1, want 1", reserved)
	}
}

func TestResubmitWaiting(t *testing.T) {
	h := newHarness(t)
	active := h.submit("L-B1-A1", 5)
	queued := h.submit("L-B1-A2", 5)

	if _, err := h.e.ResubmitWaiting(h.ctx, active.WaitingID, "tester"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ResubmitWaiting() on active request error = %v, want ErrInvalidState", err)
	}

	if err := h.e.CancelQueuedTask(h.ctx, queued.TaskID, "tester"); err != nil {
		t.Fatalf("CancelQueuedTask() error = %v", err)
	}
	res, err := h.e.ResubmitWaiting(h.ctx, queued.WaitingID, "tester")
	if err != nil {
		t.Fatalf("ResubmitWaiting() error = %v", err)
	}
	if res.WaitingID != queued.WaitingID || res.TaskID == queued.TaskID {
		t.Errorf("ResubmitWaiting() = %+v", res)
	}
	if v := h.task(res.TaskID); v.WaitingStatus != task.WaitingWaiting || v.Status != task.StatusQueued {
		t.Errorf("resubmitted = %s/%s", v.Status, v.WaitingStatus)
	}

	if _, err := h.e.ResubmitWaiting(h.ctx, 999, "tester"); !errors.Is(err, task.ErrWaitingNotFound) {
		t.Errorf("ResubmitWaiting(999) error = %v, want ErrWaitingNotFound", err)
	}
}

func TestResubmitWaiting_QueuedTaskIsLive(t *testing.T) {
	h := newHarness(t)
	h.submit("L-B1-A1", 5)
	queued := h.submit("L-B1-A2", 5)
	if queued.Outcome != OutcomeQueued {
		t.Fatalf("second submit outcome = %s, want queued", queued.Outcome)
	}
	if v := h.task(queued.TaskID); v.WaitingStatus != task.WaitingWaiting {
		t.Fatalf("waiting status = %s, want WAITING", v.WaitingStatus)
	}

	if _, err := h.e.ResubmitWaiting(h.ctx, queued.WaitingID, "tester"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("ResubmitWaiting() on queued request error = %v, want ErrInvalidState", err)
	}

	views, err := h.e.GetAllTasks(h.ctx, task.ListFilter{})
	if err != nil {
		t.Fatalf("GetAllTasks() error = %v", err)
	}
	backing := 0
	for _, v := range views {
		if v.WaitingID == queued.WaitingID {
			backing++
		}
	}
	if backing != 1 {
		t.Errorf("waiting %d backs %d tasks, want 1", queued.WaitingID, backing)
	}

	// Deleting the queued task frees the request for a new submission.
	if err := h.e.DeleteQueuedTask(h.ctx, queued.TaskID, "tester"); err != nil {
		t.Fatalf("DeleteQueuedTask() error = %v", err)
	}
	if _, err := h.e.ResubmitWaiting(h.ctx, queued.WaitingID, "tester"); err != nil {
		t.Errorf("ResubmitWaiting() after delete error = %v", err)
	}
}

func TestListener(t *testing.T) {
	h := newHarness(t)
	res := h.submit("L-B1-A1", 5)

	h.listener.mu.Lock()
	defer h.listener.mu.Unlock()
	if len(h.listener.entries) != 3 || h.listener.entries[0].TaskID != res.TaskID {
		t.Errorf("listener entries = %+v", h.listener.entries)
	}
	if len(h.listener.banks) == 0 || h.listener.banks[len(h.listener.banks)-1].Bank != "B1" {
		t.Errorf("listener banks = %+v", h.listener.banks)
	}
}
