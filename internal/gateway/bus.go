package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/nerrad567/mrs-core/internal/infrastructure/mqtt"
)

// Bus defaults.
const (
	DefaultAckTimeout    = 3 * time.Second
	DefaultActionTimeout = 60 * time.Second
	DefaultSensorTimeout = 2 * time.Second

	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second

	// breakerName labels the breaker in logs and metrics.
	breakerName = "mrs-gateway"

	// heartbeatLimit is how much of the event buffer heartbeats may fill.
	// The rest is kept for completions so the MQTT router never blocks on
	// a heartbeat.
	heartbeatLimit = eventBuffer / 2
)

// errAckTimeout counts against the breaker; device rejections do not.
var errAckTimeout = errors.New("gateway: ack timed out")

// Transport is the subset of the MQTT client the Bus needs.
type Transport interface {
	PublishJSON(topic string, v any) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Topics() mqtt.Topics
}

// BusConfig tunes the MQTT gateway.
type BusConfig struct {
	AckTimeout    time.Duration
	ActionTimeout time.Duration
	SensorTimeout time.Duration

	// BreakerFailures consecutive publish or ack failures open the breaker
	// for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// OnBreakerState is told about every breaker transition
	// (0 closed, 1 half-open, 2 open).
	OnBreakerState func(name string, state int)
}

// Wire messages.
type (
	commandMessage struct {
		CorrelationID int64     `json:"correlation_id"`
		Action        string    `json:"action"`
		DeviceID      string    `json:"device_id"`
		BankCode      string    `json:"bank_code"`
		AisleID       string    `json:"aisle_id"`
		IssuedAt      time.Time `json:"issued_at"`
	}

	ackMessage struct {
		CorrelationID   int64  `json:"correlation_id"`
		Accepted        bool   `json:"accepted"`
		ControllerJobID string `json:"controller_job_id,omitempty"`
		Code            string `json:"code,omitempty"`
		Retryable       bool   `json:"retryable,omitempty"`
	}

	eventMessage struct {
		CorrelationID int64      `json:"correlation_id"`
		Kind          EventKind  `json:"kind"`
		Code          string     `json:"code,omitempty"`
		At            *time.Time `json:"at,omitempty"`
	}

	heartbeatMessage struct {
		EStop bool       `json:"e_stop"`
		At    *time.Time `json:"at,omitempty"`
	}

	sensorRequest struct {
		RequestID string `json:"request_id"`
		AisleID   string `json:"aisle_id"`
	}

	sensorResponse struct {
		RequestID string `json:"request_id"`
		Clear     bool   `json:"clear"`
	}
)

// Bus is the MQTT Gateway. Commands go out on
// {prefix}/command/{bank}/{device}; acknowledgements and events are matched
// back by correlation id.
type Bus struct {
	transport Transport
	topics    mqtt.Topics
	cfg       BusConfig
	breaker   *gobreaker.CircuitBreaker
	logger    Logger

	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	acks    map[int64]chan ackMessage
	actions map[int64]*time.Timer
	sensors map[string]chan bool

	droppedHeartbeats atomic.Uint64
}

// NewBus subscribes to acknowledgement, event, heartbeat and sensor topics.
func NewBus(transport Transport, cfg BusConfig, logger Logger) (*Bus, error) {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if cfg.SensorTimeout <= 0 {
		cfg.SensorTimeout = DefaultSensorTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	if logger == nil {
		logger = noopLogger{}
	}

	b := &Bus{
		transport: transport,
		topics:    transport.Topics(),
		cfg:       cfg,
		logger:    logger,
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
		acks:      make(map[int64]chan ackMessage),
		actions:   make(map[int64]*time.Timer),
		sensors:   make(map[string]chan bool),
	}

	failures := cfg.BreakerFailures
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			if cfg.OnBreakerState != nil {
				cfg.OnBreakerState(name, int(to))
			}
		},
	})

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{b.topics.AllAcks(), b.handleAck},
		{b.topics.AllEvents(), b.handleEvent},
		{b.topics.AllHeartbeats(), b.handleHeartbeat},
		{b.topics.AllSensorResponses(), b.handleSensor},
	}
	for _, s := range subs {
		if err := transport.Subscribe(s.topic, 1, s.handler); err != nil {
			return nil, fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}

	return b, nil
}

// OpenAisle publishes an OPEN command and waits for its acknowledgement.
func (b *Bus) OpenAisle(ctx context.Context, cmd Command) (Ack, error) {
	return b.send(ctx, "OPEN", cmd)
}

// CloseAisle publishes a CLOSE command and waits for its acknowledgement.
func (b *Bus) CloseAisle(ctx context.Context, cmd Command) (Ack, error) {
	return b.send(ctx, "CLOSE", cmd)
}

func (b *Bus) send(ctx context.Context, action string, cmd Command) (Ack, error) {
	ackCh := make(chan ackMessage, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.acks[cmd.CorrelationID] = ackCh
	// Armed before publishing: the completion may arrive ahead of the ack.
	b.actions[cmd.CorrelationID] = b.actionTimer(cmd.CorrelationID)
	b.mu.Unlock()

	accepted := false
	defer func() {
		b.mu.Lock()
		delete(b.acks, cmd.CorrelationID)
		if !accepted {
			b.stopAction(cmd.CorrelationID)
		}
		b.mu.Unlock()
	}()

	msg := commandMessage{
		CorrelationID: cmd.CorrelationID,
		Action:        action,
		DeviceID:      cmd.DeviceID,
		BankCode:      cmd.BankCode,
		AisleID:       cmd.AisleID,
		IssuedAt:      time.Now().UTC(),
	}

	result, err := b.breaker.Execute(func() (interface{}, error) {
		if err := b.transport.PublishJSON(b.topics.Command(cmd.BankCode, cmd.DeviceID), msg); err != nil {
			return nil, err
		}

		timer := time.NewTimer(b.cfg.AckTimeout)
		defer timer.Stop()

		select {
		case ack := <-ackCh:
			return ack, nil
		case <-timer.C:
			return nil, errAckTimeout
		case <-ctx.Done():
			return nil, errAckTimeout
		case <-b.done:
			return nil, ErrClosed
		}
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.logger.Warn("command refused by open circuit", "correlation_id", cmd.CorrelationID, "device_id", cmd.DeviceID)
		return Rejected{Code: CodeCircuitOpen, Retryable: true}, nil
	case errors.Is(err, ErrClosed):
		return nil, ErrClosed
	case errors.Is(err, errAckTimeout):
		b.logger.Warn("command not acknowledged", "correlation_id", cmd.CorrelationID,
			"device_id", cmd.DeviceID, "timeout", b.cfg.AckTimeout)
		return Rejected{Code: CodeAckTimeout, Retryable: true}, nil
	case err != nil:
		b.logger.Error("publishing command failed", "correlation_id", cmd.CorrelationID, "error", err)
		return Rejected{Code: CodePublishFailed, Retryable: true}, nil
	}

	ack, _ := result.(ackMessage) //nolint:errcheck // type is fixed by the closure above
	if !ack.Accepted {
		return Rejected{Code: ack.Code, Retryable: ack.Retryable}, nil
	}

	accepted = true
	return Accepted{ControllerJobID: ack.ControllerJobID}, nil
}

// actionTimer fails an action that never reports completion. The caller
// holds b.mu and stores the timer in b.actions.
func (b *Bus) actionTimer(id int64) *time.Timer {
	var t *time.Timer
	t = time.AfterFunc(b.cfg.ActionTimeout, func() {
		b.mu.Lock()
		pending := b.actions[id] == t
		if pending {
			delete(b.actions, id)
		}
		b.mu.Unlock()

		if pending {
			b.logger.Warn("action timed out", "correlation_id", id, "timeout", b.cfg.ActionTimeout)
			b.emit(Event{Kind: EventActionFailed, CorrelationID: id, Code: CodeGatewayTimeout, At: time.Now().UTC()})
		}
	})
	return t
}

// stopAction disarms the action timer. The caller holds b.mu.
func (b *Bus) stopAction(id int64) {
	if t, ok := b.actions[id]; ok {
		t.Stop()
		delete(b.actions, id)
	}
}

// IsAisleSensorClear publishes a sensor query and waits for the answer.
func (b *Bus) IsAisleSensorClear(ctx context.Context, aisleID string) (bool, error) {
	reqID := uuid.NewString()
	ch := make(chan bool, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false, ErrClosed
	}
	b.sensors[reqID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.sensors, reqID)
		b.mu.Unlock()
	}()

	if err := b.transport.PublishJSON(b.topics.SensorRequest(aisleID), sensorRequest{RequestID: reqID, AisleID: aisleID}); err != nil {
		return false, fmt.Errorf("publishing sensor request: %w", err)
	}

	timer := time.NewTimer(b.cfg.SensorTimeout)
	defer timer.Stop()

	select {
	case clear := <-ch:
		return clear, nil
	case <-timer.C:
		return false, ErrSensorTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	case <-b.done:
		return false, ErrClosed
	}
}

func (b *Bus) handleAck(_ string, payload []byte) error {
	var msg ackMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding ack: %w", err)
	}

	b.mu.Lock()
	ch, ok := b.acks[msg.CorrelationID]
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("late ack ignored", "correlation_id", msg.CorrelationID)
		return nil
	}

	select {
	case ch <- msg:
	default:
	}
	return nil
}

func (b *Bus) handleEvent(topic string, payload []byte) error {
	var msg eventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}

	switch msg.Kind {
	case EventOpenFinished, EventCloseFinished, EventActionFailed:
	default:
		return fmt.Errorf("unknown event kind %q", msg.Kind)
	}

	b.mu.Lock()
	b.stopAction(msg.CorrelationID)
	b.mu.Unlock()

	at := time.Now().UTC()
	if msg.At != nil {
		at = msg.At.UTC()
	}
	code := msg.Code
	if msg.Kind == EventActionFailed && code == "" {
		code = CodeDeviceFault
	}

	b.emit(Event{
		Kind:          msg.Kind,
		CorrelationID: msg.CorrelationID,
		DeviceID:      mqtt.LastSegment(topic),
		Code:          code,
		At:            at,
	})
	return nil
}

func (b *Bus) handleHeartbeat(topic string, payload []byte) error {
	var msg heartbeatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding heartbeat: %w", err)
	}

	at := time.Now().UTC()
	if msg.At != nil {
		at = msg.At.UTC()
	}
	b.emitHeartbeat(Event{Kind: EventHeartbeat, DeviceID: mqtt.LastSegment(topic), EStop: msg.EStop, At: at})
	return nil
}

func (b *Bus) handleSensor(_ string, payload []byte) error {
	var msg sensorResponse
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding sensor response: %w", err)
	}

	b.mu.Lock()
	ch, ok := b.sensors[msg.RequestID]
	b.mu.Unlock()
	if ok {
		select {
		case ch <- msg.Clear:
		default:
		}
	}
	return nil
}

// Events returns the event channel.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Close stops action timers and fails pending waits with ErrClosed.
// The MQTT client is owned by the caller.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id := range b.actions {
		b.stopAction(id)
	}
	close(b.done)
	return nil
}

// DroppedHeartbeats returns how many heartbeats were discarded because the
// event buffer was past heartbeatLimit.
func (b *Bus) DroppedHeartbeats() uint64 {
	return b.droppedHeartbeats.Load()
}

func (b *Bus) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// emitHeartbeat never blocks. A later heartbeat carries the same state.
func (b *Bus) emitHeartbeat(ev Event) {
	if len(b.events) < heartbeatLimit {
		select {
		case b.events <- ev:
			return
		case <-b.done:
			return
		default:
		}
	}
	if n := b.droppedHeartbeats.Add(1); n == 1 || n%1000 == 0 {
		b.logger.Warn("heartbeat dropped, event buffer full", "device_id", ev.DeviceID, "dropped", n)
	}
}
