package mqtt

import "strings"

// DefaultTopicPrefix is used when MQTTConfig.TopicPrefix is empty.
const DefaultTopicPrefix = "mrs"

// Topics builds the MRS device bus topics under a site prefix.
//
//	{prefix}/command/{bank}/{device}     core -> controller, open/close commands
//	{prefix}/ack/{bank}/{device}         controller -> core, accept/reject
//	{prefix}/event/{bank}/{device}       controller -> core, completion and faults
//	{prefix}/heartbeat/{device}          controller -> core, liveness and e-stop
//	{prefix}/sensor/request/{aisle}      core -> controller, aisle sensor query
//	{prefix}/sensor/response/{aisle}     controller -> core, sensor answer
//	{prefix}/system/status               core online/offline (retained, LWT)
type Topics struct {
	Prefix string
}

// NewTopics returns a builder for prefix, falling back to DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) join(parts ...string) string {
	return t.Prefix + "/" + strings.Join(parts, "/")
}

// Command is where open and close commands for a device are published.
func (t Topics) Command(bank, device string) string {
	return t.join("command", bank, device)
}

// Ack is where a device controller acknowledges commands.
func (t Topics) Ack(bank, device string) string {
	return t.join("ack", bank, device)
}

// Event is where a device controller reports completions and faults.
func (t Topics) Event(bank, device string) string {
	return t.join("event", bank, device)
}

// Heartbeat is where a device controller reports liveness.
func (t Topics) Heartbeat(device string) string {
	return t.join("heartbeat", device)
}

// SensorRequest is where aisle sensor queries are published.
func (t Topics) SensorRequest(aisle string) string {
	return t.join("sensor", "request", aisle)
}

// SensorResponse is where aisle sensor answers arrive.
func (t Topics) SensorResponse(aisle string) string {
	return t.join("sensor", "response", aisle)
}

// Status is the retained core status topic, also used for the LWT.
func (t Topics) Status() string {
	return t.join("system", "status")
}

// AllAcks matches every acknowledgement.
func (t Topics) AllAcks() string {
	return t.join("ack", "+", "+")
}

// AllEvents matches every device event.
func (t Topics) AllEvents() string {
	return t.join("event", "+", "+")
}

// AllHeartbeats matches every heartbeat.
func (t Topics) AllHeartbeats() string {
	return t.join("heartbeat", "+")
}

// AllSensorResponses matches every sensor answer.
func (t Topics) AllSensorResponses() string {
	return t.join("sensor", "response", "+")
}

// LastSegment returns the final level of a concrete topic.
func LastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
