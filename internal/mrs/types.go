package mrs

import "time"

// Status is the mechanical state reported for a device (mrs_status).
type Status string

// Status constants.
const (
	StatusIdle   Status = "IDLE"
	StatusMoving Status = "MOVING"
	StatusOpened Status = "OPENED"
	StatusError  Status = "ERROR"
)

// AllStatuses returns all valid device status values.
func AllStatuses() []Status {
	return []Status{StatusIdle, StatusMoving, StatusOpened, StatusError}
}

// Mode is the operating mode selected on the device panel.
type Mode string

// Mode constants. Only AUTO devices are reserved by the engine.
const (
	ModeAuto   Mode = "AUTO"
	ModeManual Mode = "MANUAL"
	ModeMaint  Mode = "MAINT"
)

// AllModes returns all valid mode values.
func AllModes() []Mode {
	return []Mode{ModeAuto, ModeManual, ModeMaint}
}

// AisleStatus is the physical state of an aisle.
type AisleStatus string

// AisleStatus constants. BLOCKED is an operator or sensor override and is
// never opened automatically.
const (
	AisleOpen    AisleStatus = "OPEN"
	AisleClosed  AisleStatus = "CLOSED"
	AisleBlocked AisleStatus = "BLOCKED"
)

// AllAisleStatuses returns all valid aisle status values.
func AllAisleStatuses() []AisleStatus {
	return []AisleStatus{AisleOpen, AisleClosed, AisleBlocked}
}

// Device is one motorized rack unit. Devices sharing a BankCode share a rail,
// so at most one of them may have an aisle open.
//
// Empty strings and zero ids stand for NULL columns.
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BankCode string `json:"bank_code"`

	Status      Status `json:"mrs_status"`
	Mode        Mode   `json:"mode"`
	IsAvailable bool   `json:"is_available"`
	EStop       bool   `json:"e_stop"`

	// Reservation
	CurrentTaskID  int64  `json:"current_task_id,omitempty"`
	CurrentAisleID string `json:"current_aisle_id,omitempty"`
	TargetAisleID  string `json:"target_aisle_id,omitempty"`

	// Open session
	IsAisleOpen          bool       `json:"is_aisle_open"`
	OpenSessionAisleID   string     `json:"open_session_aisle_id,omitempty"`
	OpenSessionExpiresAt *time.Time `json:"open_session_expires_at,omitempty"`

	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Reservable reports whether the engine may hand this device a new task.
func (d *Device) Reservable() bool {
	return d.IsAvailable &&
		!d.EStop &&
		d.Mode == ModeAuto &&
		d.Status != StatusError &&
		d.CurrentTaskID == 0 &&
		!d.IsAisleOpen
}

// HoldsBank reports whether the device currently occupies its bank: an aisle
// is open, or the device is reserved or travelling.
func (d *Device) HoldsBank() bool {
	return d.IsAisleOpen || d.CurrentTaskID != 0 || d.TargetAisleID != ""
}

// SessionOpenOn reports whether the device holds a joinable open session on
// the aisle. A device in e-stop, or one already closing, cannot be joined.
func (d *Device) SessionOpenOn(aisleID string) bool {
	return d.IsAisleOpen &&
		!d.EStop &&
		d.Status == StatusOpened &&
		d.OpenSessionAisleID == aisleID
}

// OpeningAisle reports whether the device is travelling to open the aisle.
func (d *Device) OpeningAisle(aisleID string) bool {
	return !d.IsAisleOpen &&
		!d.EStop &&
		d.Status == StatusMoving &&
		d.TargetAisleID == aisleID
}

// Reserve hands the device to a task travelling to aisleID.
func (d *Device) Reserve(taskID int64, aisleID string) {
	d.IsAvailable = false
	d.CurrentTaskID = taskID
	d.TargetAisleID = aisleID
	d.Status = StatusMoving
}

// OpenSession records a completed open on aisleID with the given expiry.
func (d *Device) OpenSession(aisleID string, expiresAt time.Time) {
	d.Status = StatusOpened
	d.IsAisleOpen = true
	d.CurrentAisleID = aisleID
	d.TargetAisleID = ""
	d.OpenSessionAisleID = aisleID
	d.OpenSessionExpiresAt = &expiresAt
}

// ExtendSession slides the idle expiry forward.
func (d *Device) ExtendSession(expiresAt time.Time) {
	d.OpenSessionExpiresAt = &expiresAt
}

// BeginClose marks the device as travelling to close its open aisle. The
// aisle stays flagged open until the close completes.
func (d *Device) BeginClose() {
	d.Status = StatusMoving
	d.TargetAisleID = d.OpenSessionAisleID
	d.OpenSessionExpiresAt = nil
}

// Release returns the device to the idle pool with no aisle open.
func (d *Device) Release() {
	d.Status = StatusIdle
	d.IsAvailable = true
	d.CurrentTaskID = 0
	d.TargetAisleID = ""
	d.IsAisleOpen = false
	d.OpenSessionAisleID = ""
	d.OpenSessionExpiresAt = nil
}

// Aisle is a single rack access point.
type Aisle struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	BankCode     string      `json:"bank_code"`
	Status       AisleStatus `json:"status"`
	LastOpenedAt *time.Time  `json:"last_opened_at,omitempty"`
	LastClosedAt *time.Time  `json:"last_closed_at,omitempty"`
	LastEventAt  *time.Time  `json:"last_event_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// MarkOpened records a completed open.
func (a *Aisle) MarkOpened(at time.Time) {
	a.Status = AisleOpen
	a.LastOpenedAt = &at
	a.LastEventAt = &at
}

// MarkClosed records a completed close.
func (a *Aisle) MarkClosed(at time.Time) {
	a.Status = AisleClosed
	a.LastClosedAt = &at
	a.LastEventAt = &at
}

// MarkBlocked takes the aisle out of automatic service.
func (a *Aisle) MarkBlocked(at time.Time) {
	a.Status = AisleBlocked
	a.LastEventAt = &at
}

// Location maps a stock location code to the aisle that serves it.
type Location struct {
	Code        string `json:"code"`
	AisleID     string `json:"aisle_id"`
	Description string `json:"description,omitempty"`
}
