package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// eventBuffer is the capacity of gateway event channels.
const eventBuffer = 256

// SimulatorConfig tunes the simulator.
type SimulatorConfig struct {
	OpenDelay     time.Duration
	CloseDelay    time.Duration
	BlockedAisles []string
}

// Simulator is a deterministic in-process Gateway. Commands are accepted
// immediately and complete after the configured delay.
type Simulator struct {
	cfg    SimulatorConfig
	events chan Event
	done   chan struct{}
	jobs   atomic.Int64

	mu       sync.Mutex
	closed   bool
	blocked  map[string]bool
	rejected map[string]bool
	failNext map[string]string
	timers   map[int64]*time.Timer
}

// NewSimulator creates a Simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	s := &Simulator{
		cfg:      cfg,
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		blocked:  make(map[string]bool),
		rejected: make(map[string]bool),
		failNext: make(map[string]string),
		timers:   make(map[int64]*time.Timer),
	}
	for _, a := range cfg.BlockedAisles {
		s.blocked[a] = true
	}
	return s
}

// SetSensorBlocked makes IsAisleSensorClear report the aisle as occupied.
func (s *Simulator) SetSensorBlocked(aisleID string, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[aisleID] = blocked
}

// SetRejected makes commands for the aisle come back Rejected.
func (s *Simulator) SetRejected(aisleID string, rejected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[aisleID] = rejected
}

// FailNext makes the next accepted command on the device end in an
// ActionFailed event with code instead of a completion.
func (s *Simulator) FailNext(deviceID, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[deviceID] = code
}

// Heartbeat injects a heartbeat event.
func (s *Simulator) Heartbeat(deviceID string, eStop bool) {
	s.emit(Event{Kind: EventHeartbeat, DeviceID: deviceID, EStop: eStop, At: time.Now().UTC()})
}

// OpenAisle accepts the command and reports OpenFinished after OpenDelay.
func (s *Simulator) OpenAisle(_ context.Context, cmd Command) (Ack, error) {
	return s.schedule(cmd, EventOpenFinished, s.cfg.OpenDelay)
}

// CloseAisle accepts the command and reports CloseFinished after CloseDelay.
func (s *Simulator) CloseAisle(_ context.Context, cmd Command) (Ack, error) {
	return s.schedule(cmd, EventCloseFinished, s.cfg.CloseDelay)
}

func (s *Simulator) schedule(cmd Command, kind EventKind, delay time.Duration) (Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.rejected[cmd.AisleID] {
		return Rejected{Code: CodeAisleRejected}, nil
	}

	ev := Event{Kind: kind, CorrelationID: cmd.CorrelationID, DeviceID: cmd.DeviceID}
	if code, ok := s.failNext[cmd.DeviceID]; ok {
		delete(s.failNext, cmd.DeviceID)
		ev.Kind = EventActionFailed
		ev.Code = code
	}

	// A timer, never a direct send: the caller may still be inside the
	// transaction that recorded the command.
	id := cmd.CorrelationID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		ev.At = time.Now().UTC()
		s.emit(ev)
	})

	return Accepted{ControllerJobID: fmt.Sprintf("SIM-%d", s.jobs.Add(1))}, nil
}

// IsAisleSensorClear reports the configured sensor state.
func (s *Simulator) IsAisleSensorClear(_ context.Context, aisleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return !s.blocked[aisleID], nil
}

// Events returns the event channel.
func (s *Simulator) Events() <-chan Event {
	return s.events
}

// Close stops pending timers.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	close(s.done)
	return nil
}

func (s *Simulator) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
