package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/infrastructure/database"
	"github.com/nerrad567/mrs-core/internal/mrs"
)

// Page size bounds for ListTaskViews.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Repository defines task, waiting and detail persistence.
type Repository interface {
	// NextTaskCode allocates the next code for the day, T{YYYYMMDD}-{NNNN}.
	NextTaskCode(ctx context.Context, day time.Time) (string, error)

	CreateWaiting(ctx context.Context, w *Waiting) error
	GetWaiting(ctx context.Context, id int64) (*Waiting, error)

	// LockWaiting reads a work request and holds its row lock until the
	// transaction ends.
	LockWaiting(ctx context.Context, id int64) (*Waiting, error)

	// HasLiveTask reports whether a task that has not reached a terminal
	// status references the work request.
	HasLiveTask(ctx context.Context, waitingID int64) (bool, error)
	UpdateWaitingStatus(ctx context.Context, id int64, status WaitingStatus, at time.Time) error

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	GetTaskView(ctx context.Context, id int64) (*View, error)
	ListTaskViews(ctx context.Context, filter ListFilter) ([]View, error)
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id int64) error

	// BestQueuedInAisle returns the head of the aisle's queue, or nil.
	BestQueuedInAisle(ctx context.Context, aisleID string) (*Task, error)

	// BestQueuedInBank returns the head of the bank's queue, or nil.
	// Tasks targeting BLOCKED aisles are skipped.
	BestQueuedInBank(ctx context.Context, bankCode string) (*Task, error)

	// ListQueuedInAisle returns every QUEUED task targeting the aisle in
	// dispatch order.
	ListQueuedInAisle(ctx context.Context, aisleID string) ([]Task, error)

	// CountQueuedByBank returns the number of QUEUED tasks per bank.
	CountQueuedByBank(ctx context.Context) (map[string]int, error)

	CreateDetail(ctx context.Context, d *Detail) error
	GetDetail(ctx context.Context, id int64) (*Detail, error)
	UpdateDetail(ctx context.Context, d *Detail) error

	// ListStaleDetails returns unsettled details created before the cutoff.
	ListStaleDetails(ctx context.Context, before time.Time) ([]Detail, error)
}

// SQLRepository implements Repository for both SQLite and PostgreSQL.
type SQLRepository struct {
	q database.Querier
}

// NewSQLRepository creates a repository over a connection or transaction.
func NewSQLRepository(q database.Querier) *SQLRepository {
	return &SQLRepository{q: q}
}

const taskColumns = `
	t.id, t.task_code, t.waiting_id, t.stock_item, t.plan_qty, t.priority, t.type,
	t.status, t.reason_code, t.target_aisle_id, t.target_bank_code, t.requested_by,
	t.requested_at, t.updated_at`

const detailColumns = `
	id, task_id, mrs_id, target_aisle_id, action, operator, result, controller_job_id,
	error_code, started_at, finished_at, duration_ms, created_at`

const (
	queueSort  = ` ORDER BY t.priority DESC, t.requested_at ASC, t.id ASC`
	queueOrder = queueSort + ` LIMIT 1`
)

// NextTaskCode allocates the next sequential code for the UTC day.
func (r *SQLRepository) NextTaskCode(ctx context.Context, day time.Time) (string, error) {
	key := day.UTC().Format("20060102")

	var last int
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO task_code_counters (day, last) VALUES (?, 1)
		ON CONFLICT (day) DO UPDATE SET last = task_code_counters.last + 1
		RETURNING last`, key,
	).Scan(&last)
	if err != nil {
		return "", fmt.Errorf("allocating task code: %w", err)
	}
	return fmt.Sprintf("T%s-%04d", key, last), nil
}

// CreateWaiting inserts a work request and fills in its ID.
func (r *SQLRepository) CreateWaiting(ctx context.Context, w *Waiting) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = w.CreatedAt
	if w.Status == "" {
		w.Status = WaitingWaiting
	}

	err := r.q.QueryRowContext(ctx, `
		INSERT INTO task_waitings (
			stock_item, plan_qty, location_code, priority, type, status, requested_by,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		w.StockItem, w.PlanQty, w.LocationCode, w.Priority, string(w.Type), string(w.Status),
		w.RequestedBy, database.FormatTime(w.CreatedAt), database.FormatTime(w.UpdatedAt),
	).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("inserting waiting: %w", err)
	}
	return nil
}

// GetWaiting retrieves a work request by ID.
func (r *SQLRepository) GetWaiting(ctx context.Context, id int64) (*Waiting, error) {
	return r.getWaiting(ctx, id, "")
}

// LockWaiting retrieves a work request by ID under a row lock.
func (r *SQLRepository) LockWaiting(ctx context.Context, id int64) (*Waiting, error) {
	return r.getWaiting(ctx, id, r.q.Dialect().LockClause())
}

func (r *SQLRepository) getWaiting(ctx context.Context, id int64, lock string) (*Waiting, error) {
	var w Waiting
	var typ, status, createdAt, updatedAt string

	err := r.q.QueryRowContext(ctx, `
		SELECT id, stock_item, plan_qty, location_code, priority, type, status, requested_by,
			created_at, updated_at
		FROM task_waitings WHERE id = ?`+lock, id,
	).Scan(&w.ID, &w.StockItem, &w.PlanQty, &w.LocationCode, &w.Priority, &typ, &status,
		&w.RequestedBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWaitingNotFound
		}
		return nil, fmt.Errorf("querying waiting by id: %w", err)
	}

	w.Type = Type(typ)
	w.Status = WaitingStatus(status)
	if w.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// HasLiveTask reports whether a non-terminal task backs the work request.
func (r *SQLRepository) HasLiveTask(ctx context.Context, waitingID int64) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE waiting_id = ? AND status NOT IN (?, ?, ?)`,
		waitingID, string(StatusCompleted), string(StatusFailed), string(StatusCancelled),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting live tasks of waiting %d: %w", waitingID, err)
	}
	return n > 0, nil
}

// UpdateWaitingStatus sets the work request state.
func (r *SQLRepository) UpdateWaitingStatus(ctx context.Context, id int64, status WaitingStatus, at time.Time) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE task_waitings SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), database.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating waiting %d: %w", id, err)
	}
	return expectOneRow(result, ErrWaitingNotFound)
}

// CreateTask inserts a task and fills in its ID.
func (r *SQLRepository) CreateTask(ctx context.Context, t *Task) error {
	if t.RequestedAt.IsZero() {
		t.RequestedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.RequestedAt
	}

	err := r.q.QueryRowContext(ctx, `
		INSERT INTO tasks (
			task_code, waiting_id, stock_item, plan_qty, priority, type, status, reason_code,
			target_aisle_id, target_bank_code, requested_by, requested_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		t.Code, t.WaitingID, t.StockItem, t.PlanQty, t.Priority, string(t.Type),
		string(t.Status), string(t.Reason), t.TargetAisleID, t.TargetBankCode, t.RequestedBy,
		database.FormatTime(t.RequestedAt), database.FormatTime(t.UpdatedAt),
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (r *SQLRepository) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("querying task by id: %w", err)
	}
	return t, nil
}

// GetTaskView retrieves a task joined with its work request.
func (r *SQLRepository) GetTaskView(ctx context.Context, id int64) (*View, error) {
	views, err := r.queryViews(ctx, `WHERE t.id = ?`, []any{id}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, ErrTaskNotFound
	}
	return &views[0], nil
}

// ListTaskViews retrieves tasks, newest first.
func (r *SQLRepository) ListTaskViews(ctx context.Context, filter ListFilter) ([]View, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Status != "" {
		conditions = append(conditions, "t.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.BankCode != "" {
		conditions = append(conditions, "t.target_bank_code = ?")
		args = append(args, filter.BankCode)
	}
	if filter.AisleID != "" {
		conditions = append(conditions, "t.target_aisle_id = ?")
		args = append(args, filter.AisleID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	views, err := r.queryViews(ctx, where, args, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	if views == nil {
		views = []View{}
	}
	return views, nil
}

func (r *SQLRepository) queryViews(ctx context.Context, where string, args []any, limit, offset int) ([]View, error) {
	query := fmt.Sprintf(`SELECT %s, w.location_code, w.status
		FROM tasks t JOIN task_waitings w ON w.id = t.waiting_id
		%s ORDER BY t.id DESC LIMIT ? OFFSET ?`, taskColumns, where) //nolint:gosec // WHERE built from parameterised conditions
	args = append(args, limit, offset)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying task views: %w", err)
	}
	defer rows.Close()

	var views []View
	for rows.Next() {
		var v View
		var waitingStatus string
		t, err := scanTask(rows, &v.LocationCode, &waitingStatus)
		if err != nil {
			return nil, fmt.Errorf("scanning task view: %w", err)
		}
		v.Task = *t
		v.WaitingStatus = WaitingStatus(waitingStatus)
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task views: %w", err)
	}
	return views, nil
}

// UpdateTask persists the mutable fields of a task and stamps UpdatedAt.
func (r *SQLRepository) UpdateTask(ctx context.Context, t *Task) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	result, err := r.q.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, reason_code = ?, target_aisle_id = ?, target_bank_code = ?, updated_at = ?
		WHERE id = ?`,
		string(t.Status), string(t.Reason), t.TargetAisleID, t.TargetBankCode,
		database.FormatTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", t.ID, err)
	}
	return expectOneRow(result, ErrTaskNotFound)
}

// DeleteTask removes a task row. Details and events are kept.
func (r *SQLRepository) DeleteTask(ctx context.Context, id int64) error {
	if _, err := r.q.ExecContext(ctx, `UPDATE task_details SET task_id = NULL WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("detaching details of task %d: %w", id, err)
	}
	result, err := r.q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task %d: %w", id, err)
	}
	return expectOneRow(result, ErrTaskNotFound)
}

// BestQueuedInAisle returns the head of the aisle's queue, or nil.
func (r *SQLRepository) BestQueuedInAisle(ctx context.Context, aisleID string) (*Task, error) {
	return r.best(ctx, `SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = ? AND t.target_aisle_id = ?`+queueOrder,
		string(StatusQueued), aisleID)
}

// BestQueuedInBank returns the head of the bank's queue, or nil.
func (r *SQLRepository) BestQueuedInBank(ctx context.Context, bankCode string) (*Task, error) {
	return r.best(ctx, `SELECT `+taskColumns+` FROM tasks t
		JOIN mrs_aisles a ON a.id = t.target_aisle_id
		WHERE t.status = ? AND t.target_bank_code = ? AND a.status <> ?`+queueOrder,
		string(StatusQueued), bankCode, string(mrs.AisleBlocked))
}

// ListQueuedInAisle returns the aisle's QUEUED tasks, head first.
func (r *SQLRepository) ListQueuedInAisle(ctx context.Context, aisleID string) ([]Task, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = ? AND t.target_aisle_id = ?`+queueSort,
		string(StatusQueued), aisleID)
	if err != nil {
		return nil, fmt.Errorf("querying queue of aisle %s: %w", aisleID, err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue of aisle %s: %w", aisleID, err)
	}
	return tasks, nil
}

func (r *SQLRepository) best(ctx context.Context, query string, args ...any) (*Task, error) {
	t, err := scanTask(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil // empty queue
		}
		return nil, fmt.Errorf("querying queue head: %w", err)
	}
	return t, nil
}

// CountQueuedByBank returns the number of QUEUED tasks per bank.
func (r *SQLRepository) CountQueuedByBank(ctx context.Context) (map[string]int, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT target_bank_code, COUNT(*) FROM tasks WHERE status = ? GROUP BY target_bank_code`,
		string(StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("counting queued tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var bank string
		var n int
		if err := rows.Scan(&bank, &n); err != nil {
			return nil, fmt.Errorf("scanning queue count: %w", err)
		}
		counts[bank] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue counts: %w", err)
	}
	return counts, nil
}

// CreateDetail inserts a detail and fills in its ID.
func (r *SQLRepository) CreateDetail(ctx context.Context, d *Detail) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Result == "" {
		d.Result = ResultPending
	}
	if d.Operator == "" {
		d.Operator = OperatorAuto
	}

	err := r.q.QueryRowContext(ctx, `
		INSERT INTO task_details (
			task_id, mrs_id, target_aisle_id, action, operator, result, controller_job_id,
			error_code, started_at, finished_at, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		database.NullableInt64(d.TaskID), d.MRSID, d.TargetAisleID, string(d.Action),
		string(d.Operator), string(d.Result), d.ControllerJobID, d.ErrorCode,
		database.NullableTime(d.StartedAt), database.NullableTime(d.FinishedAt),
		nullableDuration(d.DurationMS), database.FormatTime(d.CreatedAt),
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("inserting task detail: %w", err)
	}
	return nil
}

// GetDetail retrieves a detail by ID.
func (r *SQLRepository) GetDetail(ctx context.Context, id int64) (*Detail, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+detailColumns+` FROM task_details WHERE id = ?`, id)
	d, err := scanDetail(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDetailNotFound
		}
		return nil, fmt.Errorf("querying task detail by id: %w", err)
	}
	return d, nil
}

// UpdateDetail persists the outcome fields of a detail.
func (r *SQLRepository) UpdateDetail(ctx context.Context, d *Detail) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE task_details SET
			result = ?, controller_job_id = ?, error_code = ?, started_at = ?, finished_at = ?,
			duration_ms = ?
		WHERE id = ?`,
		string(d.Result), d.ControllerJobID, d.ErrorCode, database.NullableTime(d.StartedAt),
		database.NullableTime(d.FinishedAt), nullableDuration(d.DurationMS), d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task detail %d: %w", d.ID, err)
	}
	return expectOneRow(result, ErrDetailNotFound)
}

// ListStaleDetails returns PENDING or IN_PROGRESS details created before the cutoff.
func (r *SQLRepository) ListStaleDetails(ctx context.Context, before time.Time) ([]Detail, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+detailColumns+` FROM task_details
		WHERE result IN (?, ?) AND created_at < ? ORDER BY id`,
		string(ResultPending), string(ResultInProgress), database.FormatTime(before))
	if err != nil {
		return nil, fmt.Errorf("querying stale details: %w", err)
	}
	defer rows.Close()

	var details []Detail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task detail: %w", err)
		}
		details = append(details, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale details: %w", err)
	}
	return details, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask scans taskColumns followed by any extra destinations.
func scanTask(scanner rowScanner, extra ...any) (*Task, error) {
	var t Task
	var typ, status, reason, requestedAt, updatedAt string

	dest := []any{
		&t.ID, &t.Code, &t.WaitingID, &t.StockItem, &t.PlanQty, &t.Priority, &typ,
		&status, &reason, &t.TargetAisleID, &t.TargetBankCode, &t.RequestedBy,
		&requestedAt, &updatedAt,
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	t.Type = Type(typ)
	t.Status = Status(status)
	t.Reason = audit.Reason(reason)

	var err error
	if t.RequestedAt, err = database.ParseTime(requestedAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanDetail(scanner rowScanner) (*Detail, error) {
	var d Detail
	var taskID, duration sql.NullInt64
	var action, operator, result string
	var startedAt, finishedAt sql.NullString
	var createdAt string

	err := scanner.Scan(
		&d.ID, &taskID, &d.MRSID, &d.TargetAisleID, &action, &operator, &result,
		&d.ControllerJobID, &d.ErrorCode, &startedAt, &finishedAt, &duration, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	d.TaskID = taskID.Int64
	d.Action = Action(action)
	d.Operator = Operator(operator)
	d.Result = Result(result)
	if duration.Valid {
		ms := duration.Int64
		d.DurationMS = &ms
	}
	if d.StartedAt, err = database.TimePtr(startedAt); err != nil {
		return nil, err
	}
	if d.FinishedAt, err = database.TimePtr(finishedAt); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func nullableDuration(ms *int64) any {
	if ms == nil {
		return nil
	}
	return *ms
}

func expectOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
