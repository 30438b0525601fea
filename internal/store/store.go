// Package store is the orchestrator's unit of work: one database
// transaction with the registry, task and event log repositories bound to
// it.
//
// Entries appended through a Tx are recorded so they can be published once
// the transaction has committed. Work registered with OnCommit runs only
// after a successful commit and never on rollback.
package store

import (
	"context"
	"sync"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/infrastructure/database"
	"github.com/nerrad567/mrs-core/internal/mrs"
	"github.com/nerrad567/mrs-core/internal/task"
)

// Store opens units of work and serves non-transactional reads.
type Store struct {
	db *database.DB

	devices *mrs.SQLRepository
	tasks   *task.SQLRepository
	events  *audit.SQLRepository
}

// New creates a Store over an open database.
func New(db *database.DB) *Store {
	return &Store{
		db:      db,
		devices: mrs.NewSQLRepository(db),
		tasks:   task.NewSQLRepository(db),
		events:  audit.NewSQLRepository(db),
	}
}

// DB returns the underlying connection.
func (s *Store) DB() *database.DB {
	return s.db
}

// Devices returns the registry bound to the connection.
func (s *Store) Devices() mrs.Repository {
	return s.devices
}

// Tasks returns the task repository bound to the connection.
func (s *Store) Tasks() task.Repository {
	return s.tasks
}

// Events returns the event log bound to the connection.
func (s *Store) Events() audit.Repository {
	return s.events
}

// WithTx runs fn in a transaction. It commits when fn returns nil, rolls
// back otherwise, and runs the Tx's OnCommit hooks after a commit.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var unit *Tx
	err := s.db.WithTx(ctx, func(dbtx *database.Tx) error {
		unit = newTx(dbtx)
		return fn(unit)
	})
	if err != nil {
		return err
	}
	unit.runHooks()
	return nil
}

// Tx is a unit of work.
type Tx struct {
	devices mrs.Repository
	tasks   task.Repository
	events  *recordingLog

	hooks []func()
}

func newTx(dbtx *database.Tx) *Tx {
	return &Tx{
		devices: mrs.NewSQLRepository(dbtx),
		tasks:   task.NewSQLRepository(dbtx),
		events:  &recordingLog{Repository: audit.NewSQLRepository(dbtx)},
	}
}

// Devices returns the registry bound to the transaction.
func (t *Tx) Devices() mrs.Repository {
	return t.devices
}

// Tasks returns the task repository bound to the transaction.
func (t *Tx) Tasks() task.Repository {
	return t.tasks
}

// Events returns the event log bound to the transaction.
func (t *Tx) Events() audit.Repository {
	return t.events
}

// Appended returns the entries appended so far, in order.
func (t *Tx) Appended() []audit.Entry {
	return t.events.appended()
}

// OnCommit registers fn to run after the transaction commits.
func (t *Tx) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func (t *Tx) runHooks() {
	for _, fn := range t.hooks {
		fn()
	}
}

// recordingLog keeps a copy of every entry appended through it.
type recordingLog struct {
	audit.Repository

	mu      sync.Mutex
	entries []audit.Entry
}

func (l *recordingLog) Append(ctx context.Context, e *audit.Entry) error {
	if err := l.Repository.Append(ctx, e); err != nil {
		return err
	}
	l.mu.Lock()
	l.entries = append(l.entries, *e)
	l.mu.Unlock()
	return nil
}

func (l *recordingLog) appended() []audit.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]audit.Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
