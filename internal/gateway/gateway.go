// Package gateway abstracts the link to the physical MRS device controllers.
//
// Commands are fire-and-acknowledge: OpenAisle and CloseAisle return an Ack
// once the controller accepts or rejects the command. Physical completion
// arrives later as an Event on the Events channel, never inside the call
// that issued the command. The orchestrator relies on that ordering: it
// sends commands only after the transaction that recorded them commits.
//
// Two implementations exist. Simulator accepts immediately and completes
// after a fixed delay. Bus talks to real controllers over MQTT.
package gateway

import (
	"context"
	"errors"
	"time"
)

// Errors returned by gateways.
var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gateway: closed")

	// ErrSensorTimeout is returned when an aisle sensor does not answer.
	ErrSensorTimeout = errors.New("gateway: sensor query timed out")
)

// Rejection and failure codes.
const (
	CodeAckTimeout     = "ACK_TIMEOUT"
	CodeCircuitOpen    = "CIRCUIT_OPEN"
	CodePublishFailed  = "PUBLISH_FAILED"
	CodeAisleRejected  = "AISLE_REJECTED"
	CodeGatewayTimeout = "GATEWAY_TIMEOUT"
	CodeDeviceFault    = "DEVICE_FAULT"
)

// Gateway is the device link used by the orchestrator.
type Gateway interface {
	// OpenAisle asks the device to open an aisle.
	OpenAisle(ctx context.Context, cmd Command) (Ack, error)

	// CloseAisle asks the device to close its open aisle.
	CloseAisle(ctx context.Context, cmd Command) (Ack, error)

	// IsAisleSensorClear reports whether the aisle's presence sensor sees
	// nobody inside.
	IsAisleSensorClear(ctx context.Context, aisleID string) (bool, error)

	// Events delivers completions, failures and heartbeats. The channel is
	// never closed; consumers stop on their own context.
	Events() <-chan Event

	// Close releases resources. Pending completions are dropped.
	Close() error
}

// Command addresses one physical action. CorrelationID is the task detail
// id and comes back on the matching Event.
type Command struct {
	CorrelationID int64  `json:"correlation_id"`
	DeviceID      string `json:"device_id"`
	BankCode      string `json:"bank_code"`
	AisleID       string `json:"aisle_id"`
}

// Ack is the controller's answer to a command: Accepted or Rejected.
type Ack interface {
	isAck()
}

// Accepted means the controller started the action.
type Accepted struct {
	ControllerJobID string
}

// Rejected means the action will not run.
type Rejected struct {
	Code      string
	Retryable bool
}

func (Accepted) isAck() {}
func (Rejected) isAck() {}

// EventKind tags an Event.
type EventKind string

// Event kinds.
const (
	EventOpenFinished  EventKind = "open_finished"
	EventCloseFinished EventKind = "close_finished"
	EventActionFailed  EventKind = "action_failed"
	EventHeartbeat     EventKind = "heartbeat"
)

// Event is an asynchronous report from a device.
//
// OpenFinished, CloseFinished and ActionFailed carry CorrelationID; an
// ActionFailed also carries Code. Heartbeat carries DeviceID and EStop.
type Event struct {
	Kind          EventKind
	CorrelationID int64
	DeviceID      string
	Code          string
	EStop         bool
	At            time.Time
}

// Logger is the subset of logging.Logger gateways use.
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
