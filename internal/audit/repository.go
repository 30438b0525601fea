// Package audit is the append-only task event log.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/mrs-core/internal/infrastructure/database"
)

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Repository defines event log operations. There is no update or delete.
type Repository interface {
	// Append writes one entry and fills in its ID and CreatedAt.
	Append(ctx context.Context, e *Entry) error

	// ListByTask returns a task's entries in write order.
	ListByTask(ctx context.Context, taskID int64) ([]Entry, error)

	// List returns entries matching the filter, most recent first.
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLRepository stores entries in task_events.
type SQLRepository struct {
	q database.Querier
}

// NewSQLRepository creates an event log over a connection or transaction.
func NewSQLRepository(q database.Querier) *SQLRepository {
	return &SQLRepository{q: q}
}

// Append inserts an entry.
func (r *SQLRepository) Append(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	metadata := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling event metadata: %w", err)
		}
		metadata = string(b)
	}

	err := r.q.QueryRowContext(ctx,
		`INSERT INTO task_events (
			task_id, event, prev_status, new_status, actor, source, subsystem,
			reason_code, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		e.TaskID, string(e.Event), e.PrevStatus, e.NewStatus, e.Actor,
		string(e.Source), string(e.Subsystem), string(e.Reason), metadata,
		database.FormatTime(e.CreatedAt),
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("inserting task event: %w", err)
	}
	return nil
}

// ListByTask returns a task's entries in write order.
func (r *SQLRepository) ListByTask(ctx context.Context, taskID int64) ([]Entry, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM task_events WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying task events: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// List returns entries matching the filter, most recent first.
func (r *SQLRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.TaskID != 0 {
		conditions = append(conditions, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Event != "" {
		conditions = append(conditions, "event = ?")
		args = append(args, string(filter.Event))
	}
	if filter.Reason != "" {
		conditions = append(conditions, "reason_code = ?")
		args = append(args, string(filter.Reason))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM task_events %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.q.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting task events: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		"SELECT %s FROM task_events %s ORDER BY id DESC LIMIT ? OFFSET ?",
		entryColumns, where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying task events: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

const entryColumns = `id, task_id, event, prev_status, new_status, actor, source, subsystem,
	reason_code, metadata, created_at`

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var event, source, subsystem, reason, metadata, createdAt string

		if err := rows.Scan(&e.ID, &e.TaskID, &event, &e.PrevStatus, &e.NewStatus, &e.Actor,
			&source, &subsystem, &reason, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning task event: %w", err)
		}

		e.Event = Event(event)
		e.Source = Source(source)
		e.Subsystem = Subsystem(subsystem)
		e.Reason = Reason(reason)

		if metadata != "" && metadata != "{}" {
			var m map[string]any
			if json.Unmarshal([]byte(metadata), &m) == nil {
				e.Metadata = m
			}
		}

		t, err := database.ParseTime(createdAt)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = t

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task events: %w", err)
	}
	return entries, nil
}
