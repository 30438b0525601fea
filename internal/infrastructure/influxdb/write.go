package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementAction    = "mrs_action"
	measurementBank      = "mrs_bank"
	measurementHeartbeat = "mrs_heartbeat"
)

// ActionSample describes one finished physical open or close.
type ActionSample struct {
	DeviceID string
	BankCode string
	AisleID  string
	Action   string // OPEN or CLOSED
	Result   string // SUCCESS or FAIL
	Duration time.Duration
	At       time.Time
}

// WriteAction records a finished action. Non-blocking.
func (c *Client) WriteAction(s ActionSample) {
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}

	c.write(write.NewPoint(
		measurementAction,
		map[string]string{
			"device_id": s.DeviceID,
			"bank":      s.BankCode,
			"aisle_id":  s.AisleID,
			"action":    s.Action,
			"result":    s.Result,
		},
		map[string]any{
			"duration_ms": s.Duration.Milliseconds(),
		},
		at,
	))
}

// WriteBankState records a bank's queue depth and whether an aisle is open.
func (c *Client) WriteBankState(bank string, queued int, aisleOpen bool) {
	c.write(write.NewPoint(
		measurementBank,
		map[string]string{"bank": bank},
		map[string]any{
			"queued":     queued,
			"aisle_open": aisleOpen,
		},
		time.Now(),
	))
}

// WriteHeartbeat records a device heartbeat.
func (c *Client) WriteHeartbeat(deviceID string, eStop bool, at time.Time) {
	c.write(write.NewPoint(
		measurementHeartbeat,
		map[string]string{"device_id": deviceID},
		map[string]any{"e_stop": eStop},
		at,
	))
}
