// Package board keeps the live per-bank counters shown on operator
// displays: queue depth, the active task and which aisle is open.
//
// A Board is owned by the orchestrator, which refreshes a bank after every
// committed change to it, and is handed to readers such as the HTTP API.
package board

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is the display state of one bank.
type Snapshot struct {
	Bank           string    `json:"bank"`
	QueuedCount    int       `json:"queued_count"`
	ActiveTaskID   int64     `json:"active_task_id,omitempty"`
	ActiveTaskCode string    `json:"active_task_code,omitempty"`
	OpenAisleID    string    `json:"open_aisle_id,omitempty"`
	DeviceStatus   string    `json:"device_status,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Board is a concurrency-safe map of bank code to Snapshot.
type Board struct {
	mu    sync.RWMutex
	banks map[string]Snapshot
}

// New creates an empty board.
func New() *Board {
	return &Board{banks: make(map[string]Snapshot)}
}

// Set replaces the bank's snapshot. A zero UpdatedAt is stamped with now.
func (b *Board) Set(s Snapshot) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.banks[s.Bank] = s
}

// Get returns the bank's snapshot.
func (b *Board) Get(bank string) (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.banks[bank]
	return s, ok
}

// All returns every snapshot ordered by bank code.
func (b *Board) All() []Snapshot {
	b.mu.RLock()
	out := make([]Snapshot, 0, len(b.banks))
	for _, s := range b.banks {
		out = append(out, s)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Bank < out[j].Bank })
	return out
}
