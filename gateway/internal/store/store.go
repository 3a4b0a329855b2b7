// Package store provides database access for the gateway.
//
// # Design
//
// The store uses raw SQL with pgx. Employees are keyed by case-insensitive
// email (unique index on lower(email)); the manager link is a nullable
// self-reference resolved after directory syncs.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orglink/bridge/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for advanced operations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// EMPLOYEES
// =============================================================================

const employeeColumns = `id, name, email, position, department, login, phone, mobile,
	directory_dn, manager_dn, manager_id, photo_base64, created_at, updated_at`

func scanEmployee(row pgx.Row) (*types.Employee, error) {
	var e types.Employee
	err := row.Scan(
		&e.ID, &e.Name, &e.Email, &e.Position, &e.Department, &e.Login,
		&e.Phone, &e.Mobile, &e.DirectoryDN, &e.ManagerDN, &e.ManagerID,
		&e.PhotoBase64, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEmployee retrieves an employee by ID.
func (s *Store) GetEmployee(ctx context.Context, id string) (*types.Employee, error) {
	return scanEmployee(s.pool.QueryRow(ctx, `
		SELECT `+employeeColumns+` FROM employees WHERE id = $1
	`, id))
}

// GetEmployeeByEmail retrieves an employee by case-insensitive email.
func (s *Store) GetEmployeeByEmail(ctx context.Context, email string) (*types.Employee, error) {
	return scanEmployee(s.pool.QueryRow(ctx, `
		SELECT `+employeeColumns+` FROM employees WHERE lower(email) = lower($1)
	`, email))
}

// ListEmployees returns employees matching the optional search and
// department filters, ordered by name.
func (s *Store) ListEmployees(ctx context.Context, search, department string, limit, offset int) ([]types.Employee, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + employeeColumns + ` FROM employees`
	var conds []string
	var args []any

	if search != "" {
		args = append(args, "%"+strings.ToLower(search)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(lower(name) LIKE $%d OR lower(email) LIKE $%d OR lower(login) LIKE $%d)", n, n, n))
	}
	if department != "" {
		args = append(args, department)
		conds = append(conds, fmt.Sprintf("department = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY name LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEmployees(rows)
}

func collectEmployees(rows pgx.Rows) ([]types.Employee, error) {
	var employees []types.Employee
	for rows.Next() {
		var e types.Employee
		if err := rows.Scan(
			&e.ID, &e.Name, &e.Email, &e.Position, &e.Department, &e.Login,
			&e.Phone, &e.Mobile, &e.DirectoryDN, &e.ManagerDN, &e.ManagerID,
			&e.PhotoBase64, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

// GetEmailIndex returns a map from lower-cased email to employee id for
// every stored employee. Used by the reconciler to classify records before
// writing.
func (s *Store) GetEmailIndex(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, lower(email) FROM employees`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	index := make(map[string]string)
	for rows.Next() {
		var id, email string
		if err := rows.Scan(&id, &email); err != nil {
			return nil, err
		}
		index[email] = id
	}
	return index, rows.Err()
}

// UpsertEmployees writes a batch of directory records in one round trip.
// Conflicts on lower(email) update the directory-sourced fields and leave
// manager_id untouched; it is rewritten by the resolution pass.
func (s *Store) UpsertEmployees(ctx context.Context, users []types.DirectoryUser, includePhoto bool) error {
	if len(users) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, u := range users {
		photo := ""
		if includePhoto {
			photo = u.PhotoBase64
		}
		batch.Queue(`
			INSERT INTO employees (id, name, email, position, department, login, phone, mobile, directory_dn, manager_dn, photo_base64, created_at, updated_at)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
			ON CONFLICT (lower(email)) DO UPDATE SET
				name = EXCLUDED.name,
				position = EXCLUDED.position,
				department = EXCLUDED.department,
				login = EXCLUDED.login,
				phone = EXCLUDED.phone,
				mobile = EXCLUDED.mobile,
				directory_dn = EXCLUDED.directory_dn,
				manager_dn = EXCLUDED.manager_dn,
				photo_base64 = CASE WHEN EXCLUDED.photo_base64 <> '' THEN EXCLUDED.photo_base64 ELSE employees.photo_base64 END,
				updated_at = now()
		`, u.Name, u.Email, u.Title, u.Department, u.Login, u.Phone, u.Mobile,
			nullable(u.DN), nullable(u.ManagerDN), photo)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range users {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upserting employee batch: %w", err)
		}
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// DirectoryRef is the slice of an employee row needed for manager
// resolution.
type DirectoryRef struct {
	ID          string
	DirectoryDN *string
	ManagerDN   *string
	ManagerID   *string
}

// ListDirectoryRefs returns the directory references of all employees.
func (s *Store) ListDirectoryRefs(ctx context.Context) ([]DirectoryRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, directory_dn, manager_dn, manager_id FROM employees
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []DirectoryRef
	for rows.Next() {
		var r DirectoryRef
		if err := rows.Scan(&r.ID, &r.DirectoryDN, &r.ManagerDN, &r.ManagerID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// SetManager sets the resolved manager link on an employee.
func (s *Store) SetManager(ctx context.Context, employeeID, managerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE employees SET manager_id = $2, updated_at = now() WHERE id = $1
	`, employeeID, managerID)
	return err
}

// ListSubordinates returns direct reports of the given employee.
func (s *Store) ListSubordinates(ctx context.Context, managerID string) ([]types.Employee, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+employeeColumns+` FROM employees WHERE manager_id = $1 ORDER BY name
	`, managerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEmployees(rows)
}

// ListDepartments returns the distinct non-empty department names.
func (s *Store) ListDepartments(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT department FROM employees
		WHERE department IS NOT NULL AND department <> ''
		ORDER BY department
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var departments []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		departments = append(departments, d)
	}
	return departments, rows.Err()
}

// =============================================================================
// SYNC RUNS
// =============================================================================

// CreateSyncRun records a completed reconciliation pass.
func (s *Store) CreateSyncRun(ctx context.Context, run *types.SyncRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, mode, total_in_directory, with_department, without_department, filtered_out,
			new_users, updated_users, skipped_existing, managers_updated, pages,
			started_at, duration_ms, error, triggered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		run.ID, string(run.Mode),
		run.Stats.TotalInDirectory, run.Stats.WithDepartment, run.Stats.WithoutDepartment, run.Stats.FilteredOut,
		run.Stats.NewUsers, run.Stats.UpdatedUsers, run.Stats.SkippedExisting, run.Stats.ManagersUpdated, run.Stats.Pages,
		run.StartedAt, run.Duration.Milliseconds(), nullable(run.Error), run.Triggered,
	)
	return err
}

// ListSyncRuns returns the most recent reconciliation passes.
func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]types.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, mode, total_in_directory, with_department, without_department, filtered_out,
			new_users, updated_users, skipped_existing, managers_updated, pages,
			started_at, duration_ms, COALESCE(error, ''), triggered
		FROM sync_runs ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []types.SyncRun
	for rows.Next() {
		var run types.SyncRun
		var mode string
		var durationMs int64
		if err := rows.Scan(
			&run.ID, &mode,
			&run.Stats.TotalInDirectory, &run.Stats.WithDepartment, &run.Stats.WithoutDepartment, &run.Stats.FilteredOut,
			&run.Stats.NewUsers, &run.Stats.UpdatedUsers, &run.Stats.SkippedExisting, &run.Stats.ManagersUpdated, &run.Stats.Pages,
			&run.StartedAt, &durationMs, &run.Error, &run.Triggered,
		); err != nil {
			return nil, err
		}
		run.Mode = types.SyncMode(mode)
		run.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
