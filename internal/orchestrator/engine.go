package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/board"
	"github.com/nerrad567/mrs-core/internal/gateway"
	"github.com/nerrad567/mrs-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/mrs-core/internal/mrs"
	"github.com/nerrad567/mrs-core/internal/store"
	"github.com/nerrad567/mrs-core/internal/task"
)

// Deps holds the engine's collaborators. Store and Gateway are required;
// the rest fall back to no-ops.
type Deps struct {
	Store     *store.Store
	Gateway   gateway.Gateway
	Board     *board.Board
	Listener  Listener
	Recorder  Recorder
	Telemetry Telemetry
	Locker    Locker
	Logger    Logger

	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

// Engine orchestrates MRS tasks.
//
// Thread Safety: all methods are safe for concurrent use. Bank decisions
// are serialized by the database, not by the Engine.
type Engine struct {
	store     *store.Store
	gw        gateway.Gateway
	board     *board.Board
	listener  Listener
	recorder  Recorder
	telemetry Telemetry
	locker    Locker
	logger    Logger
	now       func() time.Time
	cfg       Config
}

// New creates an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("orchestrator: gateway is required")
	}

	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = DefaultSessionIdle
	}
	if cfg.StaleActionAfter <= 0 {
		cfg.StaleActionAfter = DefaultStaleActionAfter
	}
	if cfg.SweepLockKey == "" {
		cfg.SweepLockKey = DefaultSweepLockKey
	}

	e := &Engine{
		store:     deps.Store,
		gw:        deps.Gateway,
		board:     deps.Board,
		listener:  deps.Listener,
		recorder:  deps.Recorder,
		telemetry: deps.Telemetry,
		locker:    deps.Locker,
		logger:    deps.Logger,
		now:       deps.Clock,
		cfg:       cfg,
	}
	if e.board == nil {
		e.board = board.New()
	}
	if e.listener == nil {
		e.listener = noopListener{}
	}
	if e.recorder == nil {
		e.recorder = noopRecorder{}
	}
	if e.telemetry == nil {
		e.telemetry = noopTelemetry{}
	}
	if e.logger == nil {
		e.logger = noopLogger{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e, nil
}

// Board returns the bank board the engine keeps current.
func (e *Engine) Board() *board.Board {
	return e.board
}

// origin is who an event log entry is attributed to.
type origin struct {
	actor     string
	source    audit.Source
	subsystem audit.Subsystem
}

var (
	dispatcherOrigin = origin{actor: "dispatcher", source: audit.SourceDispatcher, subsystem: audit.SubsystemCore}
	deviceOrigin     = origin{actor: "gateway", source: audit.SourceGateway, subsystem: audit.SubsystemMRS}
	gatewayOrigin    = origin{actor: "gateway", source: audit.SourceGateway, subsystem: audit.SubsystemGateway}
	systemOrigin     = origin{actor: "system", source: audit.SourceSystem, subsystem: audit.SubsystemCore}
)

func apiOrigin(actor string) origin {
	return origin{actor: actor, source: audit.SourceAPI, subsystem: audit.SubsystemWRS}
}

func userOrigin(actor string) origin {
	return origin{actor: actor, source: audit.SourceUser, subsystem: audit.SubsystemMRS}
}

// command is a gateway call recorded inside a transaction and sent after
// it commits.
type command struct {
	action task.Action
	cmd    gateway.Command
}

// unit is one engine transaction.
type unit struct {
	tx       *store.Tx
	banks    map[string]struct{}
	commands []command
}

func (u *unit) touch(bank string) {
	u.banks[bank] = struct{}{}
}

func (u *unit) send(action task.Action, d *task.Detail, bank string) {
	u.commands = append(u.commands, command{
		action: action,
		cmd: gateway.Command{
			CorrelationID: d.ID,
			DeviceID:      d.MRSID,
			BankCode:      bank,
			AisleID:       d.TargetAisleID,
		},
	})
}

// execute runs fn in a transaction, publishes what it committed and
// returns the commands it queued.
func (e *Engine) execute(ctx context.Context, fn func(u *unit) error) ([]command, error) {
	var u *unit
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		u = &unit{tx: tx, banks: make(map[string]struct{})}
		return fn(u)
	})
	if err != nil {
		return nil, err
	}

	for _, entry := range u.tx.Appended() {
		e.listener.TaskEvent(entry)
	}
	for bank := range u.banks {
		e.refreshBank(ctx, bank)
	}
	return u.commands, nil
}

// run is execute followed by sending the queued commands.
func (e *Engine) run(ctx context.Context, fn func(u *unit) error) error {
	cmds, err := e.execute(ctx, fn)
	if err != nil {
		return err
	}
	e.send(ctx, cmds)
	return nil
}

// send delivers commands in order. Handling a rejection can free a bank
// and queue the next dispatch, which joins the same loop.
func (e *Engine) send(ctx context.Context, pending []command) {
	// A command that reached the device must be recorded even if the
	// caller has gone away.
	ctx = context.WithoutCancel(ctx)

	for len(pending) > 0 {
		c := pending[0]
		pending = pending[1:]
		pending = append(pending, e.sendOne(ctx, c)...)
	}
}

func (e *Engine) sendOne(ctx context.Context, c command) []command {
	var (
		ack gateway.Ack
		err error
	)
	switch c.action {
	case task.ActionOpen:
		ack, err = e.gw.OpenAisle(ctx, c.cmd)
	case task.ActionClose:
		ack, err = e.gw.CloseAisle(ctx, c.cmd)
	default:
		e.logger.Error("unknown command action", "action", c.action, "detail_id", c.cmd.CorrelationID)
		return nil
	}
	if err != nil {
		e.logger.Error("gateway command failed", "action", c.action, "detail_id", c.cmd.CorrelationID,
			"device_id", c.cmd.DeviceID, "error", err)
		ack = gateway.Rejected{Code: gateway.CodePublishFailed, Retryable: true}
	}

	var (
		next []command
		fn   func(u *unit) error
	)
	switch a := ack.(type) {
	case gateway.Accepted:
		e.recorder.GatewayCommand(string(c.action), "accepted")
		fn = func(u *unit) error {
			return e.markStarted(ctx, u, c.cmd.CorrelationID, a.ControllerJobID)
		}
	case gateway.Rejected:
		e.recorder.GatewayCommand(string(c.action), "rejected")
		e.logger.Warn("gateway rejected command", "action", c.action, "detail_id", c.cmd.CorrelationID,
			"device_id", c.cmd.DeviceID, "code", a.Code, "retryable", a.Retryable)
		fn = func(u *unit) error {
			return e.failAction(ctx, u, c.cmd.CorrelationID, a.Code, audit.ReasonGatewayRejected, gatewayOrigin,
				map[string]any{"retryable": a.Retryable})
		}
	default:
		e.logger.Error("gateway returned no acknowledgement", "action", c.action, "detail_id", c.cmd.CorrelationID)
		return nil
	}

	next, err = e.execute(ctx, fn)
	if err != nil {
		// The detail stays unsettled; the sweep fails it once it is stale.
		e.logger.Error("recording acknowledgement failed", "detail_id", c.cmd.CorrelationID, "error", err)
		return nil
	}
	return next
}

// markStarted records the controller's job id on a PENDING detail. A
// detail the device has already settled is left alone.
func (e *Engine) markStarted(ctx context.Context, u *unit, detailID int64, jobID string) error {
	d, _, err := e.lockDetail(ctx, u, detailID)
	if err != nil {
		return err
	}
	if d.Result != task.ResultPending {
		return nil
	}
	d.Start(jobID, e.now())
	return u.tx.Tasks().UpdateDetail(ctx, d)
}

// transition moves t to a new status and writes its event log entry and
// work request status in the same transaction.
func (e *Engine) transition(ctx context.Context, u *unit, t *task.Task, to task.Status, ev audit.Event, reason audit.Reason, o origin, meta map[string]any) error {
	now := e.now()
	prev := t.Status

	t.Status = to
	t.Reason = reason
	t.UpdatedAt = now
	if err := u.tx.Tasks().UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("updating task %d: %w", t.ID, err)
	}
	if err := u.tx.Tasks().UpdateWaitingStatus(ctx, t.WaitingID, task.WaitingStatusFor(to), now); err != nil {
		return fmt.Errorf("updating waiting %d: %w", t.WaitingID, err)
	}
	if err := e.appendEvent(ctx, u, t.ID, ev, string(prev), string(to), reason, o, meta); err != nil {
		return err
	}

	e.logger.Debug("task transition", "task_id", t.ID, "task_code", t.Code, "from", prev, "to", to,
		"event", ev, "reason", reason, "actor", o.actor, "source", o.source, "subsystem", o.subsystem)
	return nil
}

// note writes an informational entry that does not change the status.
func (e *Engine) note(ctx context.Context, u *unit, t *task.Task, ev audit.Event, reason audit.Reason, o origin, meta map[string]any) error {
	return e.appendEvent(ctx, u, t.ID, ev, string(t.Status), string(t.Status), reason, o, meta)
}

func (e *Engine) appendEvent(ctx context.Context, u *unit, taskID int64, ev audit.Event, prev, next string, reason audit.Reason, o origin, meta map[string]any) error {
	entry := &audit.Entry{
		TaskID:     taskID,
		Event:      ev,
		PrevStatus: prev,
		NewStatus:  next,
		Actor:      o.actor,
		Source:     o.source,
		Subsystem:  o.subsystem,
		Reason:     reason,
		Metadata:   meta,
		CreatedAt:  e.now(),
	}
	if err := u.tx.Events().Append(ctx, entry); err != nil {
		return fmt.Errorf("appending %s for task %d: %w", ev, taskID, err)
	}
	u.tx.OnCommit(func() {
		e.recorder.TaskEvent(string(ev), string(reason))
	})
	return nil
}

// bank is the locked device set of one bank.
type bank struct {
	code    string
	devices []mrs.Device
}

// lockBank takes the bank lock for the rest of the transaction.
func (e *Engine) lockBank(ctx context.Context, u *unit, code string) (*bank, error) {
	devices, err := u.tx.Devices().LockBank(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("locking bank %s: %w", code, err)
	}
	u.touch(code)
	return &bank{code: code, devices: devices}, nil
}

// device returns the locked row for id, or nil.
func (b *bank) device(id string) *mrs.Device {
	for i := range b.devices {
		if b.devices[i].ID == id {
			return &b.devices[i]
		}
	}
	return nil
}

// holder returns the device reserved for taskID, or nil.
func (b *bank) holder(taskID int64) *mrs.Device {
	for i := range b.devices {
		if b.devices[i].CurrentTaskID == taskID {
			return &b.devices[i]
		}
	}
	return nil
}

// busy reports whether any device occupies the bank.
func (b *bank) busy() bool {
	for i := range b.devices {
		if b.devices[i].HoldsBank() {
			return true
		}
	}
	return false
}

// joinable returns a device whose session on the aisle a new task can
// join: one with the aisle open, or one travelling to open it.
func (b *bank) joinable(aisleID string) *mrs.Device {
	for i := range b.devices {
		if b.devices[i].SessionOpenOn(aisleID) {
			return &b.devices[i]
		}
	}
	for i := range b.devices {
		if b.devices[i].OpeningAisle(aisleID) {
			return &b.devices[i]
		}
	}
	return nil
}

// pick returns the reservable device with the freshest heartbeat. Ties
// keep device id order.
func (b *bank) pick() *mrs.Device {
	var best *mrs.Device
	for i := range b.devices {
		d := &b.devices[i]
		if !d.Reservable() {
			continue
		}
		if best == nil || fresher(d, best) {
			best = d
		}
	}
	return best
}

func fresher(a, b *mrs.Device) bool {
	switch {
	case a.LastHeartbeatAt == nil:
		return false
	case b.LastHeartbeatAt == nil:
		return true
	default:
		return a.LastHeartbeatAt.After(*b.LastHeartbeatAt)
	}
}

// lockDetail locks the bank of the detail's device and reads the detail
// again under that lock, so concurrent callbacks for one detail are
// serialized.
func (e *Engine) lockDetail(ctx context.Context, u *unit, detailID int64) (*task.Detail, *bank, error) {
	d, err := u.tx.Tasks().GetDetail(ctx, detailID)
	if err != nil {
		return nil, nil, err
	}
	dev, err := u.tx.Devices().GetDevice(ctx, d.MRSID)
	if err != nil {
		return nil, nil, fmt.Errorf("detail %d device: %w", detailID, err)
	}
	b, err := e.lockBank(ctx, u, dev.BankCode)
	if err != nil {
		return nil, nil, err
	}
	d, err = u.tx.Tasks().GetDetail(ctx, detailID)
	if err != nil {
		return nil, nil, err
	}
	return d, b, nil
}

// reserve hands dev to t, records an OPEN detail and queues the command.
func (e *Engine) reserve(ctx context.Context, u *unit, t *task.Task, dev *mrs.Device, reason audit.Reason, o origin) error {
	dev.Reserve(t.ID, t.TargetAisleID)
	if err := u.tx.Devices().UpdateDevice(ctx, dev); err != nil {
		return fmt.Errorf("reserving device %s: %w", dev.ID, err)
	}

	d := &task.Detail{
		TaskID:        t.ID,
		MRSID:         dev.ID,
		TargetAisleID: t.TargetAisleID,
		Action:        task.ActionOpen,
		Operator:      task.OperatorAuto,
		Result:        task.ResultPending,
		CreatedAt:     e.now(),
	}
	if err := u.tx.Tasks().CreateDetail(ctx, d); err != nil {
		return fmt.Errorf("creating open detail: %w", err)
	}

	meta := map[string]any{"device_id": dev.ID, "detail_id": d.ID}
	if err := e.transition(ctx, u, t, task.StatusInProgress, audit.EventTaskDispatched, reason, o, meta); err != nil {
		return err
	}
	u.send(task.ActionOpen, d, dev.BankCode)
	return nil
}

// beginClose records a CLOSED detail for the device's open aisle and
// queues the command. taskID is zero for sessions no task owns.
func (e *Engine) beginClose(ctx context.Context, u *unit, dev *mrs.Device, taskID int64, operator task.Operator) (*task.Detail, error) {
	d := &task.Detail{
		TaskID:        taskID,
		MRSID:         dev.ID,
		TargetAisleID: dev.OpenSessionAisleID,
		Action:        task.ActionClose,
		Operator:      operator,
		Result:        task.ResultPending,
		CreatedAt:     e.now(),
	}
	if err := u.tx.Tasks().CreateDetail(ctx, d); err != nil {
		return nil, fmt.Errorf("creating close detail: %w", err)
	}

	dev.BeginClose()
	if err := u.tx.Devices().UpdateDevice(ctx, dev); err != nil {
		return nil, fmt.Errorf("updating device %s: %w", dev.ID, err)
	}
	u.send(task.ActionClose, d, dev.BankCode)
	return d, nil
}

// dispatchNext hands a free bank to the head of its queue. The bank must
// already be locked in u.
func (e *Engine) dispatchNext(ctx context.Context, u *unit, b *bank) error {
	if b.busy() {
		return nil
	}

	next, err := u.tx.Tasks().BestQueuedInBank(ctx, b.code)
	if err != nil {
		return fmt.Errorf("reading queue of bank %s: %w", b.code, err)
	}
	if next == nil {
		return nil
	}

	dev := b.pick()
	if dev == nil {
		e.logger.Info("bank free but no device reservable", "bank", b.code, "task_id", next.ID)
		return nil
	}

	e.logger.Info("dispatching queued task", "bank", b.code, "task_id", next.ID,
		"task_code", next.Code, "priority", next.Priority, "device_id", dev.ID)
	return e.reserve(ctx, u, next, dev, audit.ReasonQueueDrain, dispatcherOrigin)
}

// finishDetail settles a detail and records its duration after commit.
func (e *Engine) finishDetail(ctx context.Context, u *unit, d *task.Detail, result task.Result, code, bankCode string) error {
	d.Finish(result, code, e.now())
	if err := u.tx.Tasks().UpdateDetail(ctx, d); err != nil {
		return fmt.Errorf("settling detail %d: %w", d.ID, err)
	}

	var duration time.Duration
	if d.DurationMS != nil {
		duration = time.Duration(*d.DurationMS) * time.Millisecond
	}
	sample := influxdb.ActionSample{
		DeviceID: d.MRSID,
		BankCode: bankCode,
		AisleID:  d.TargetAisleID,
		Action:   string(d.Action),
		Result:   string(result),
		Duration: duration,
		At:       *d.FinishedAt,
	}
	u.tx.OnCommit(func() {
		e.recorder.ObserveAction(sample.Action, sample.Result, duration)
		e.telemetry.WriteAction(sample)
	})
	return nil
}

// ignore absorbs a callback that must not change anything.
func (e *Engine) ignore(kind string, detailID int64, args ...any) {
	e.recorder.CallbackIgnored(kind)
	e.logger.Info("callback ignored", append([]any{"kind", kind, "detail_id", detailID}, args...)...)
}

// RefreshBoard rebuilds every bank snapshot from the store.
func (e *Engine) RefreshBoard(ctx context.Context) error {
	banks, err := e.store.Devices().ListBanks(ctx)
	if err != nil {
		return fmt.Errorf("listing banks: %w", err)
	}
	for _, b := range banks {
		e.refreshBank(ctx, b)
	}
	return nil
}

func (e *Engine) refreshBank(ctx context.Context, code string) {
	devices, err := e.store.Devices().ListDevicesByBank(ctx, code)
	if err != nil {
		e.logger.Warn("refreshing bank board failed", "bank", code, "error", err)
		return
	}
	counts, err := e.store.Tasks().CountQueuedByBank(ctx)
	if err != nil {
		e.logger.Warn("refreshing bank board failed", "bank", code, "error", err)
		return
	}

	snap := board.Snapshot{Bank: code, QueuedCount: counts[code], UpdatedAt: e.now()}
	for i := range devices {
		d := &devices[i]
		if !d.HoldsBank() {
			continue
		}
		snap.DeviceStatus = string(d.Status)
		if d.IsAisleOpen {
			snap.OpenAisleID = d.OpenSessionAisleID
		}
		if d.CurrentTaskID != 0 {
			snap.ActiveTaskID = d.CurrentTaskID
			if t, err := e.store.Tasks().GetTask(ctx, d.CurrentTaskID); err == nil {
				snap.ActiveTaskCode = t.Code
			}
		}
		break
	}
	if snap.DeviceStatus == "" && len(devices) > 0 {
		snap.DeviceStatus = string(devices[0].Status)
	}

	e.board.Set(snap)
	e.listener.BankChanged(snap)
	e.recorder.SetBank(code, snap.QueuedCount, snap.OpenAisleID != "")
	e.telemetry.WriteBankState(code, snap.QueuedCount, snap.OpenAisleID != "")
}
