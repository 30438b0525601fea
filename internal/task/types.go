package task

import (
	"time"

	"github.com/nerrad567/mrs-core/internal/audit"
)

// Status is a task state.
type Status string

// Task states.
const (
	StatusNew            Status = "NEW"
	StatusRouting        Status = "ROUTING"
	StatusQueued         Status = "QUEUED"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusAisleOpen      Status = "AISLE_OPEN"
	StatusWaitingConfirm Status = "WAITING_CONFIRM"
	StatusWaitingFinish  Status = "WAITING_FINISH"
	StatusAisleClose     Status = "AISLE_CLOSE"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
)

// AllStatuses returns every task state in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusNew, StatusRouting, StatusQueued, StatusInProgress, StatusAisleOpen,
		StatusWaitingConfirm, StatusWaitingFinish, StatusAisleClose,
		StatusCompleted, StatusFailed, StatusCancelled,
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AwaitingConfirm reports whether an operator confirmation is expected.
func (s Status) AwaitingConfirm() bool {
	return s == StatusWaitingConfirm || s == StatusWaitingFinish
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	for _, v := range AllStatuses() {
		if s == v {
			return true
		}
	}
	return false
}

// WaitingStatus mirrors task progress on the originating work request.
type WaitingStatus string

// Waiting states.
const (
	WaitingWaiting        WaitingStatus = "WAITING"
	WaitingInProgress     WaitingStatus = "IN_PROGRESS"
	WaitingWaitingConfirm WaitingStatus = "WAITING_CONFIRM"
	WaitingCompleted      WaitingStatus = "COMPLETED"
	WaitingFailed         WaitingStatus = "FAILED"
	WaitingCancelled      WaitingStatus = "CANCELLED"
)

// WaitingStatusFor maps a task state onto its work request state.
func WaitingStatusFor(s Status) WaitingStatus {
	switch s {
	case StatusNew, StatusRouting, StatusQueued:
		return WaitingWaiting
	case StatusInProgress, StatusAisleOpen, StatusAisleClose:
		return WaitingInProgress
	case StatusWaitingConfirm, StatusWaitingFinish:
		return WaitingWaitingConfirm
	case StatusCompleted:
		return WaitingCompleted
	case StatusFailed:
		return WaitingFailed
	case StatusCancelled:
		return WaitingCancelled
	default:
		return WaitingWaiting
	}
}

// Type is the kind of stock movement.
type Type string

// Task types.
const (
	TypePick Type = "PICK"
	TypePut  Type = "PUT"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return t == TypePick || t == TypePut
}

// Action is the physical command a detail records.
type Action string

// Detail actions.
const (
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSED"
)

// Operator says who issued the physical command.
type Operator string

// Detail operators.
const (
	OperatorAuto   Operator = "AUTO"
	OperatorManual Operator = "MANUAL"
)

// Result is the outcome of a physical action.
type Result string

// Detail results.
const (
	ResultPending    Result = "PENDING"
	ResultInProgress Result = "IN_PROGRESS"
	ResultSuccess    Result = "SUCCESS"
	ResultFail       Result = "FAIL"
	ResultDiscarded  Result = "DISCARDED"
)

// Settled reports whether callbacks for the detail must be ignored.
func (r Result) Settled() bool {
	return r == ResultSuccess || r == ResultFail || r == ResultDiscarded
}

// Priority bounds.
const (
	MinPriority = 1
	MaxPriority = 9
)

// Waiting is the originating work request behind a task.
type Waiting struct {
	ID           int64         `json:"id"`
	StockItem    string        `json:"stock_item"`
	PlanQty      int           `json:"plan_qty"`
	LocationCode string        `json:"location_code"`
	Priority     int           `json:"priority"`
	Type         Type          `json:"type"`
	Status       WaitingStatus `json:"status"`
	RequestedBy  string        `json:"requested_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Task is one unit of work routed to an aisle.
type Task struct {
	ID             int64        `json:"id"`
	Code           string       `json:"task_code"`
	WaitingID      int64        `json:"waiting_id"`
	StockItem      string       `json:"stock_item"`
	PlanQty        int          `json:"plan_qty"`
	Priority       int          `json:"priority"`
	Type           Type         `json:"type"`
	Status         Status       `json:"status"`
	Reason         audit.Reason `json:"reason_code,omitempty"`
	TargetAisleID  string       `json:"target_aisle_id"`
	TargetBankCode string       `json:"target_bank_code"`
	RequestedBy    string       `json:"requested_by,omitempty"`
	RequestedAt    time.Time    `json:"requested_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// View is a task joined with its originating work request.
type View struct {
	Task
	LocationCode  string        `json:"location_code"`
	WaitingStatus WaitingStatus `json:"waiting_status"`
}

// Detail records one physical open or close attempt. TaskID is zero for
// closes of sessions that no task owns.
type Detail struct {
	ID              int64      `json:"id"`
	TaskID          int64      `json:"task_id,omitempty"`
	MRSID           string     `json:"mrs_id"`
	TargetAisleID   string     `json:"target_aisle_id"`
	Action          Action     `json:"action"`
	Operator        Operator   `json:"operator"`
	Result          Result     `json:"result"`
	ControllerJobID string     `json:"controller_job_id,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	DurationMS      *int64     `json:"duration_ms,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Start marks the action accepted by the controller.
func (d *Detail) Start(jobID string, at time.Time) {
	d.Result = ResultInProgress
	d.ControllerJobID = jobID
	d.StartedAt = &at
}

// Finish settles the detail and records its duration from the start (or
// creation when the accept was never recorded).
func (d *Detail) Finish(result Result, errorCode string, at time.Time) {
	from := d.CreatedAt
	if d.StartedAt != nil {
		from = *d.StartedAt
	}
	ms := at.Sub(from).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	d.Result = result
	d.ErrorCode = errorCode
	d.FinishedAt = &at
	d.DurationMS = &ms
}

// ListFilter narrows ListViews.
type ListFilter struct {
	Status   Status // optional
	BankCode string // optional
	AisleID  string // optional
	Limit    int    // default 100, max 1000
	Offset   int
}
