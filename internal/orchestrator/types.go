package orchestrator

import (
	"context"
	"time"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/board"
	"github.com/nerrad567/mrs-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/mrs-core/internal/task"
)

// Engine defaults.
const (
	DefaultSessionIdle      = 60 * time.Second
	DefaultStaleActionAfter = 5 * time.Minute
	DefaultPriority         = 5
	DefaultSweepLockKey     = "mrs:sweep"
)

// Config tunes the engine.
type Config struct {
	// SessionIdle is the sliding idle budget of an open session.
	SessionIdle time.Duration

	// StaleActionAfter is how long a detail may stay unsettled before the
	// sweep fails it.
	StaleActionAfter time.Duration

	// SweepInterval is the RunSweeper period. Zero disables the sweeper.
	SweepInterval time.Duration

	// SweepLockKey names the distributed lock that keeps concurrent
	// instances from sweeping at the same time.
	SweepLockKey string
}

// SubmitRequest asks for stock to be picked from or put to a location.
type SubmitRequest struct {
	StockItem string
	Qty       int
	Priority  int // 1-9, 0 means DefaultPriority
	Type      task.Type
	Location  string
	Actor     string

	// WaitingID resubmits an existing work request instead of creating one.
	WaitingID int64
}

// SubmitOutcome says whether a submitted task went to a device or a queue.
type SubmitOutcome string

// Submit outcomes.
const (
	OutcomeQueued     SubmitOutcome = "queued"
	OutcomeDispatched SubmitOutcome = "dispatched"
)

// SubmitResult reports a submission. Status is read after any command was
// sent, so a rejected dispatch shows up as FAILED here.
type SubmitResult struct {
	Outcome   SubmitOutcome `json:"outcome"`
	TaskID    int64         `json:"task_id"`
	TaskCode  string        `json:"task_code"`
	WaitingID int64         `json:"waiting_id"`
	Reason    audit.Reason  `json:"reason_code,omitempty"`
	DeviceID  string        `json:"device_id,omitempty"`
	Status    task.Status   `json:"status"`
}

// ConfirmOutcome says what a confirmation did to the session.
type ConfirmOutcome string

// Confirm outcomes.
const (
	OutcomeContinued ConfirmOutcome = "continued"
	OutcomeClosing   ConfirmOutcome = "closing"
	OutcomeFailed    ConfirmOutcome = "failed"
)

// ConfirmResult reports a confirmation.
type ConfirmResult struct {
	Outcome    ConfirmOutcome `json:"outcome"`
	Reason     audit.Reason   `json:"reason_code,omitempty"`
	NextTaskID int64          `json:"next_task_id,omitempty"`
}

// SweepReport counts what a sweep pass did.
type SweepReport struct {
	ExpiredNoted  int  `json:"expired_noted"`
	OrphansClosed int  `json:"orphans_closed"`
	StaleFailed   int  `json:"stale_failed"`
	Skipped       bool `json:"skipped,omitempty"`
}

// Listener is told about committed changes. Calls happen on the goroutine
// that committed and must not block.
type Listener interface {
	TaskEvent(entry audit.Entry)
	BankChanged(snap board.Snapshot)
}

// Recorder receives engine metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	TaskSubmitted(outcome string)
	TaskEvent(event, reason string)
	GatewayCommand(action, result string)
	CallbackIgnored(kind string)
	ObserveAction(action, result string, d time.Duration)
	SetBank(bank string, queued int, aisleOpen bool)
	SweepRun(result string)
}

// Telemetry receives time series samples. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteAction(s influxdb.ActionSample)
	WriteBankState(bank string, queued int, aisleOpen bool)
	WriteHeartbeat(deviceID string, eStop bool, at time.Time)
}

// Locker runs fn while holding a cross-instance lock. *distlock.Locker
// satisfies it; TryRun returns an error matching the locker's "not
// obtained" sentinel when another instance holds the key.
type Locker interface {
	TryRun(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Logger is the subset of logging.Logger the engine uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopListener struct{}

func (noopListener) TaskEvent(audit.Entry)      {}
func (noopListener) BankChanged(board.Snapshot) {}

type noopRecorder struct{}

func (noopRecorder) TaskSubmitted(string)                        {}
func (noopRecorder) TaskEvent(string, string)                    {}
func (noopRecorder) GatewayCommand(string, string)               {}
func (noopRecorder) CallbackIgnored(string)                      {}
func (noopRecorder) ObserveAction(string, string, time.Duration) {}
func (noopRecorder) SetBank(string, int, bool)                   {}
func (noopRecorder) SweepRun(string)                             {}

type noopTelemetry struct{}

func (noopTelemetry) WriteAction(influxdb.ActionSample)      {}
func (noopTelemetry) WriteBankState(string, int, bool)       {}
func (noopTelemetry) WriteHeartbeat(string, bool, time.Time) {}
