package mrs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/mrs-core/internal/infrastructure/database"
)

// Repository defines device, aisle and location persistence.
//
// Implementations are bound to a database.Querier, so the same repository
// type serves both plain reads and the engine's unit of work.
type Repository interface {
	// GetDevice retrieves a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetDevice(ctx context.Context, id string) (*Device, error)

	// ListDevices retrieves all devices ordered by bank then ID.
	ListDevices(ctx context.Context) ([]Device, error)

	// ListDevicesByBank retrieves the devices of one bank without locking.
	ListDevicesByBank(ctx context.Context, bankCode string) ([]Device, error)

	// LockBank reads every device row of the bank in a single locking
	// statement. The lock is held until the surrounding transaction ends.
	LockBank(ctx context.Context, bankCode string) ([]Device, error)

	// ListOpenDevices retrieves devices flagged with an open aisle.
	ListOpenDevices(ctx context.Context) ([]Device, error)

	// ListExpiredSessions retrieves open devices whose idle expiry is before
	// now. Sessions with no expiry (held or closing) are never returned.
	ListExpiredSessions(ctx context.Context, now time.Time) ([]Device, error)

	// ListBanks returns the distinct bank codes with at least one device.
	ListBanks(ctx context.Context) ([]string, error)

	// UpdateDevice persists the runtime fields of a device.
	// Returns ErrDeviceNotFound if the device does not exist.
	UpdateDevice(ctx context.Context, d *Device) error

	// GetAisle retrieves an aisle by ID.
	// Returns ErrAisleNotFound if the aisle does not exist.
	GetAisle(ctx context.Context, id string) (*Aisle, error)

	// ListAisles retrieves all aisles ordered by bank then ID.
	ListAisles(ctx context.Context) ([]Aisle, error)

	// UpdateAisle persists the status fields of an aisle.
	UpdateAisle(ctx context.Context, a *Aisle) error

	// ResolveLocation maps a location code to its aisle.
	// Returns ErrLocationNotFound if the code is not provisioned.
	ResolveLocation(ctx context.Context, code string) (*Location, *Aisle, error)

	// UpsertAisle, UpsertDevice and UpsertLocation provision static records.
	// Runtime state of existing rows is left untouched.
	UpsertAisle(ctx context.Context, a *Aisle) error
	UpsertDevice(ctx context.Context, d *Device) error
	UpsertLocation(ctx context.Context, l *Location) error
}

// SQLRepository implements Repository for both SQLite and PostgreSQL.
type SQLRepository struct {
	q database.Querier
}

// NewSQLRepository creates a repository over a connection or transaction.
func NewSQLRepository(q database.Querier) *SQLRepository {
	return &SQLRepository{q: q}
}

const deviceColumns = `
	id, name, bank_code, mrs_status, mode, is_available, e_stop,
	current_task_id, current_aisle_id, target_aisle_id,
	is_aisle_open, open_session_aisle_id, open_session_expires_at,
	last_heartbeat_at, created_at, updated_at`

const aisleColumns = `
	id, name, bank_code, status, last_opened_at, last_closed_at, last_event_at,
	created_at, updated_at`

// GetDevice retrieves a device by ID.
func (r *SQLRepository) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM mrs_devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// ListDevices retrieves all devices.
func (r *SQLRepository) ListDevices(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx, `SELECT `+deviceColumns+` FROM mrs_devices ORDER BY bank_code, id`)
}

// ListDevicesByBank retrieves the devices of one bank.
func (r *SQLRepository) ListDevicesByBank(ctx context.Context, bankCode string) ([]Device, error) {
	return r.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM mrs_devices WHERE bank_code = ? ORDER BY id`,
		bankCode)
}

// LockBank reads and locks every device row of the bank.
func (r *SQLRepository) LockBank(ctx context.Context, bankCode string) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM mrs_devices WHERE bank_code = ? ORDER BY id` +
		r.q.Dialect().LockClause()

	devices, err := r.queryDevices(ctx, query, bankCode)
	if err != nil {
		return nil, fmt.Errorf("locking bank %s: %w", bankCode, err)
	}
	return devices, nil
}

// ListOpenDevices retrieves devices flagged with an open aisle.
func (r *SQLRepository) ListOpenDevices(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM mrs_devices WHERE is_aisle_open = ? ORDER BY bank_code, id`,
		true)
}

// ListExpiredSessions retrieves open devices whose session expiry has passed.
func (r *SQLRepository) ListExpiredSessions(ctx context.Context, now time.Time) ([]Device, error) {
	return r.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM mrs_devices
		WHERE is_aisle_open = ? AND open_session_expires_at IS NOT NULL AND open_session_expires_at < ?
		ORDER BY bank_code, id`,
		true, database.FormatTime(now))
}

// ListBanks returns the distinct bank codes.
func (r *SQLRepository) ListBanks(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT DISTINCT bank_code FROM mrs_devices ORDER BY bank_code`)
	if err != nil {
		return nil, fmt.Errorf("querying banks: %w", err)
	}
	defer rows.Close()

	var banks []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scanning bank: %w", err)
		}
		banks = append(banks, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating banks: %w", err)
	}
	return banks, nil
}

// UpdateDevice persists the runtime fields of a device.
func (r *SQLRepository) UpdateDevice(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now().UTC()

	result, err := r.q.ExecContext(ctx, `
		UPDATE mrs_devices SET
			mrs_status = ?, mode = ?, is_available = ?, e_stop = ?,
			current_task_id = ?, current_aisle_id = ?, target_aisle_id = ?,
			is_aisle_open = ?, open_session_aisle_id = ?, open_session_expires_at = ?,
			last_heartbeat_at = ?, updated_at = ?
		WHERE id = ?`,
		string(d.Status), string(d.Mode), d.IsAvailable, d.EStop,
		database.NullableInt64(d.CurrentTaskID),
		database.NullableString(d.CurrentAisleID),
		database.NullableString(d.TargetAisleID),
		d.IsAisleOpen,
		database.NullableString(d.OpenSessionAisleID),
		database.NullableTime(d.OpenSessionExpiresAt),
		database.NullableTime(d.LastHeartbeatAt),
		database.FormatTime(d.UpdatedAt),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return expectOneRow(result, ErrDeviceNotFound)
}

// GetAisle retrieves an aisle by ID.
func (r *SQLRepository) GetAisle(ctx context.Context, id string) (*Aisle, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+aisleColumns+` FROM mrs_aisles WHERE id = ?`, id)
	a, err := scanAisle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAisleNotFound
		}
		return nil, fmt.Errorf("querying aisle by id: %w", err)
	}
	return a, nil
}

// ListAisles retrieves all aisles.
func (r *SQLRepository) ListAisles(ctx context.Context) ([]Aisle, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+aisleColumns+` FROM mrs_aisles ORDER BY bank_code, id`)
	if err != nil {
		return nil, fmt.Errorf("querying aisles: %w", err)
	}
	defer rows.Close()

	var aisles []Aisle
	for rows.Next() {
		a, err := scanAisle(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning aisle: %w", err)
		}
		aisles = append(aisles, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating aisles: %w", err)
	}
	return aisles, nil
}

// UpdateAisle persists the status fields of an aisle.
func (r *SQLRepository) UpdateAisle(ctx context.Context, a *Aisle) error {
	a.UpdatedAt = time.Now().UTC()

	result, err := r.q.ExecContext(ctx, `
		UPDATE mrs_aisles SET
			status = ?, last_opened_at = ?, last_closed_at = ?, last_event_at = ?, updated_at = ?
		WHERE id = ?`,
		string(a.Status),
		database.NullableTime(a.LastOpenedAt),
		database.NullableTime(a.LastClosedAt),
		database.NullableTime(a.LastEventAt),
		database.FormatTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating aisle: %w", err)
	}
	return expectOneRow(result, ErrAisleNotFound)
}

// ResolveLocation maps a location code to its aisle.
func (r *SQLRepository) ResolveLocation(ctx context.Context, code string) (*Location, *Aisle, error) {
	var loc Location
	err := r.q.QueryRowContext(ctx,
		`SELECT code, aisle_id, description FROM mrs_locations WHERE code = ?`, code,
	).Scan(&loc.Code, &loc.AisleID, &loc.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrLocationNotFound
		}
		return nil, nil, fmt.Errorf("querying location: %w", err)
	}

	aisle, err := r.GetAisle(ctx, loc.AisleID)
	if err != nil {
		return nil, nil, err
	}
	return &loc, aisle, nil
}

// UpsertAisle provisions an aisle.
func (r *SQLRepository) UpsertAisle(ctx context.Context, a *Aisle) error {
	now := database.FormatTime(time.Now())
	status := a.Status
	if status == "" {
		status = AisleClosed
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO mrs_aisles (id, name, bank_code, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			bank_code = excluded.bank_code,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, a.BankCode, string(status), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting aisle %s: %w", a.ID, err)
	}
	return nil
}

// UpsertDevice provisions a device.
func (r *SQLRepository) UpsertDevice(ctx context.Context, d *Device) error {
	now := database.FormatTime(time.Now())
	mode := d.Mode
	if mode == "" {
		mode = ModeAuto
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO mrs_devices (
			id, name, bank_code, mrs_status, mode, is_available, e_stop, is_aisle_open,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			bank_code = excluded.bank_code,
			mode = excluded.mode,
			updated_at = excluded.updated_at`,
		d.ID, d.Name, d.BankCode, string(StatusIdle), string(mode), true, false, false, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", d.ID, err)
	}
	return nil
}

// UpsertLocation provisions a location code.
func (r *SQLRepository) UpsertLocation(ctx context.Context, l *Location) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO mrs_locations (code, aisle_id, description)
		VALUES (?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET
			aisle_id = excluded.aisle_id,
			description = excluded.description`,
		l.Code, l.AisleID, l.Description,
	)
	if err != nil {
		return fmt.Errorf("upserting location %s: %w", l.Code, err)
	}
	return nil
}

func (r *SQLRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var status, mode string
	var currentTaskID sql.NullInt64
	var currentAisle, targetAisle, sessionAisle sql.NullString
	var expiresAt, heartbeatAt sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID, &d.Name, &d.BankCode, &status, &mode, &d.IsAvailable, &d.EStop,
		&currentTaskID, &currentAisle, &targetAisle,
		&d.IsAisleOpen, &sessionAisle, &expiresAt,
		&heartbeatAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Mode = Mode(mode)
	d.CurrentTaskID = currentTaskID.Int64
	d.CurrentAisleID = currentAisle.String
	d.TargetAisleID = targetAisle.String
	d.OpenSessionAisleID = sessionAisle.String

	if d.OpenSessionExpiresAt, err = database.TimePtr(expiresAt); err != nil {
		return nil, err
	}
	if d.LastHeartbeatAt, err = database.TimePtr(heartbeatAt); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanAisle(scanner rowScanner) (*Aisle, error) {
	var a Aisle
	var status string
	var openedAt, closedAt, eventAt sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&a.ID, &a.Name, &a.BankCode, &status, &openedAt, &closedAt, &eventAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Status = AisleStatus(status)
	if a.LastOpenedAt, err = database.TimePtr(openedAt); err != nil {
		return nil, err
	}
	if a.LastClosedAt, err = database.TimePtr(closedAt); err != nil {
		return nil, err
	}
	if a.LastEventAt, err = database.TimePtr(eventAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
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
