// Package influxdb writes MRS telemetry to InfluxDB v2.
//
// The orchestrator records one mrs_action point per finished open or close
// (duration, result, device, bank, aisle), bank queue snapshots and device
// heartbeats. Writes go through the client library's batched non-blocking
// API; batch errors arrive on the SetOnError callback.
//
// Telemetry is optional. With influxdb.enabled=false Connect returns
// ErrDisabled and the engine runs without it.
package influxdb
