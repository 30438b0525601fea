package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/mrs-core/internal/board"
	"github.com/nerrad567/mrs-core/internal/infrastructure/mqtt"
)

// SystemStatus is the response of GET /system.
type SystemStatus struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          *MQTTMetrics     `json:"mqtt,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
	Banks         []board.Snapshot `json:"banks"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	EvictedClients   uint64 `json:"evicted_clients"`
}

// MQTTMetrics reports the controller gateway link.
type MQTTMetrics struct {
	Connected bool        `json:"connected"`
	Stats     *mqtt.Stats `json:"stats,omitempty"`
}

// mqttStatter is implemented by *mqtt.Client.
type mqttStatter interface {
	Stats() mqtt.Stats
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	Healthy         bool  `json:"healthy"`
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleSystem returns process, connection and bank board status for
// operators. Prometheus scrapes /metrics instead.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(mem.TotalAlloc) / 1024 / 1024,
			NumGC:         mem.NumGC,
		},
		Banks: s.engine.Board().All(),
	}
	if s.hub != nil {
		status.WebSocket.ConnectedClients = s.hub.ClientCount()
		status.WebSocket.EvictedClients = s.hub.Evicted()
	}
	if s.mqtt != nil {
		status.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
		if sp, ok := s.mqtt.(mqttStatter); ok {
			stats := sp.Stats()
			status.MQTT.Stats = &stats
		}
	}
	if s.db != nil {
		stats := s.db.Stats()
		status.Database = &DatabaseMetrics{
			Healthy:         s.db.HealthCheck(r.Context()) == nil,
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, status)
}
