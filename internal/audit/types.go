package audit

import "time"

// Event is the symbolic name of an event log entry.
type Event string

// Event constants. Every task status transition writes exactly one entry;
// USER_CONFIRM, SESSION_EXPIRED and SESSION_RESOLVE are informational.
const (
	EventTaskCreated        Event = "TASK_CREATED"
	EventTaskRouting        Event = "TASK_ROUTING"
	EventQueued             Event = "QUEUED"
	EventTaskDispatched     Event = "TASK_DISPATCHED"
	EventTaskAisleOpen      Event = "TASK_AISLE_OPEN"
	EventTaskWaitingConfirm Event = "TASK_WAITING_CONFIRM"
	EventUserConfirm        Event = "USER_CONFIRM"
	EventTaskWaitingFinish  Event = "TASK_WAITING_FINISH"
	EventTaskAisleClose     Event = "TASK_AISLE_CLOSE"
	EventTaskDone           Event = "TASK_DONE"
	EventTaskFailed         Event = "TASK_FAILED"
	EventTaskCancelled      Event = "TASK_CANCELLED"
	EventTaskDeleted        Event = "TASK_DELETED"
	EventSessionExpired     Event = "SESSION_EXPIRED"
	EventSessionResolve     Event = "SESSION_RESOLVE"
	EventAisleUnblock       Event = "AISLE_UNBLOCK"
)

// Source identifies who triggered an entry.
type Source string

// Source constants.
const (
	SourceAPI        Source = "API"
	SourceDispatcher Source = "DISPATCHER"
	SourceGateway    Source = "GATEWAY"
	SourceSystem     Source = "SYSTEM"
	SourceUser       Source = "USER"
)

// Subsystem identifies which part of the site an entry concerns.
type Subsystem string

// Subsystem constants.
const (
	SubsystemCore    Subsystem = "CORE"
	SubsystemMRS     Subsystem = "MRS"
	SubsystemWRS     Subsystem = "WRS"
	SubsystemGateway Subsystem = "GATEWAY"
)

// Reason explains a transition. It is also stored on the task row.
type Reason string

// Reason constants.
const (
	ReasonNone                  Reason = ""
	ReasonBankBusy              Reason = "BANK_BUSY"
	ReasonNoDevice              Reason = "NO_DEVICE"
	ReasonAisleBlocked          Reason = "AISLE_BLOCKED"
	ReasonJoinOpenSession       Reason = "JOIN_OPEN_SESSION"
	ReasonSensorBlocked         Reason = "SENSOR_BLOCKED"
	ReasonPreempt               Reason = "PREEMPT"
	ReasonNoNextSameAisle       Reason = "NO_NEXT_SAME_AISLE"
	ReasonContinueInOpenSession Reason = "CONTINUE_IN_OPEN_SESSION"
	ReasonQueueDrain            Reason = "QUEUE_DRAIN"
	ReasonGatewayRejected       Reason = "GATEWAY_REJECTED"
	ReasonGatewayTimeout        Reason = "GATEWAY_TIMEOUT"
	ReasonDeviceFault           Reason = "DEVICE_FAULT"
	ReasonSessionExpired        Reason = "SESSION_EXPIRED"
	ReasonUserCancel            Reason = "USER_CANCEL"
	ReasonOperatorResolve       Reason = "OPERATOR_RESOLVE"
	ReasonOperatorUnblock       Reason = "OPERATOR_UNBLOCK"
)

// Entry is one row of the append-only task event log.
//
// Metadata is free-form context for humans; nothing branches on it.
type Entry struct {
	ID         int64          `json:"id"`
	TaskID     int64          `json:"task_id"`
	Event      Event          `json:"event"`
	PrevStatus string         `json:"prev_status,omitempty"`
	NewStatus  string         `json:"new_status,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Source     Source         `json:"source"`
	Subsystem  Subsystem      `json:"subsystem"`
	Reason     Reason         `json:"reason_code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	TaskID int64  // optional
	Event  Event  // optional
	Reason Reason // optional
	Limit  int    // default 50, max 200
	Offset int
}

// ListResult contains a page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}
