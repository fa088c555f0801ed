package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs embedded database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

const stackColumns = `id, name, action, status, status_reason, template, environment,
	parameters, files, outputs, tags, timeout_secs, disable_rollback,
	created_at, updated_at, deleted_at`

// CreateStack inserts a new stack row.
func (s *SQLiteStore) CreateStack(ctx context.Context, stack *StackRecord) error {
	query := `
		INSERT INTO stacks (` + stackColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		stack.ID,
		stack.Name,
		stack.Action,
		stack.Status,
		stack.StatusReason,
		stack.Template,
		stack.Environment,
		stack.Parameters,
		stack.Files,
		stack.Outputs,
		stack.Tags,
		stack.TimeoutSecs,
		stack.DisableRollback,
		stack.CreatedAt,
		stack.UpdatedAt,
		stack.DeletedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("stack name %q already in use: %w", stack.Name, err)
		}
		return fmt.Errorf("failed to create stack: %w", err)
	}
	return nil
}

func scanStack(row interface{ Scan(...interface{}) error }) (*StackRecord, error) {
	stack := &StackRecord{}
	err := row.Scan(
		&stack.ID,
		&stack.Name,
		&stack.Action,
		&stack.Status,
		&stack.StatusReason,
		&stack.Template,
		&stack.Environment,
		&stack.Parameters,
		&stack.Files,
		&stack.Outputs,
		&stack.Tags,
		&stack.TimeoutSecs,
		&stack.DisableRollback,
		&stack.CreatedAt,
		&stack.UpdatedAt,
		&stack.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return stack, nil
}

// GetStack retrieves a stack by ID, including soft-deleted stacks.
func (s *SQLiteStore) GetStack(ctx context.Context, id string) (*StackRecord, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks WHERE id = ?`

	stack, err := scanStack(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stack %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack: %w", err)
	}
	return stack, nil
}

// GetStackByName retrieves the live (not soft-deleted) stack with a name.
func (s *SQLiteStore) GetStackByName(ctx context.Context, name string) (*StackRecord, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks WHERE name = ? AND deleted_at IS NULL`

	stack, err := scanStack(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stack %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack by name: %w", err)
	}
	return stack, nil
}

// UpdateStack rewrites a stack row.
func (s *SQLiteStore) UpdateStack(ctx context.Context, stack *StackRecord) error {
	query := `
		UPDATE stacks
		SET name = ?, action = ?, status = ?, status_reason = ?, template = ?,
			environment = ?, parameters = ?, files = ?, outputs = ?, tags = ?,
			timeout_secs = ?, disable_rollback = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		stack.Name,
		stack.Action,
		stack.Status,
		stack.StatusReason,
		stack.Template,
		stack.Environment,
		stack.Parameters,
		stack.Files,
		stack.Outputs,
		stack.Tags,
		stack.TimeoutSecs,
		stack.DisableRollback,
		stack.UpdatedAt,
		stack.DeletedAt,
		stack.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update stack: %w", err)
	}
	return requireRow(result, "stack", stack.ID)
}

// SoftDeleteStack marks a stack deleted while retaining its history.
func (s *SQLiteStore) SoftDeleteStack(ctx context.Context, id string) error {
	query := `UPDATE stacks SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete stack: %w", err)
	}
	return requireRow(result, "stack", id)
}

// PurgeStack permanently removes a stack and, via cascade, its resources,
// events and lock.
func (s *SQLiteStore) PurgeStack(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM stacks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to purge stack: %w", err)
	}
	return requireRow(result, "stack", id)
}

// ListStacks lists stacks matching a filter, newest first.
func (s *SQLiteStore) ListStacks(ctx context.Context, filter StackFilter) ([]*StackRecord, error) {
	var where []string
	var args []interface{}

	if !filter.ShowDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + stackColumns + ` FROM stacks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}
	defer rows.Close()

	stacks := []*StackRecord{}
	for rows.Next() {
		stack, err := scanStack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stack: %w", err)
		}
		if len(filter.Tags) > 0 && !hasTags(stack.Tags, filter.Tags) {
			continue
		}
		stacks = append(stacks, stack)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stacks: %w", err)
	}
	return stacks, nil
}

// hasTags reports whether the JSON tag blob contains every wanted tag.
// Tags are filtered after the query; stacks are few and tag filters rare.
func hasTags(blob *string, wanted []string) bool {
	if blob == nil {
		return false
	}
	var tags []string
	if err := json.Unmarshal([]byte(*blob), &tags); err != nil {
		return false
	}
	present := make(map[string]bool, len(tags))
	for _, t := range tags {
		present[t] = true
	}
	for _, w := range wanted {
		if !present[w] {
			return false
		}
	}
	return true
}

const resourceColumns = `stack_id, name, type, action, status, status_reason, physical_id,
	properties, attributes, definition, definition_hash, deletion_policy,
	created_at, updated_at`

// UpsertResource inserts or replaces one resource row.
func (s *SQLiteStore) UpsertResource(ctx context.Context, resource *ResourceRecord) error {
	query := `
		INSERT INTO resources (` + resourceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stack_id, name) DO UPDATE SET
			type = excluded.type,
			action = excluded.action,
			status = excluded.status,
			status_reason = excluded.status_reason,
			physical_id = excluded.physical_id,
			properties = excluded.properties,
			attributes = excluded.attributes,
			definition = excluded.definition,
			definition_hash = excluded.definition_hash,
			deletion_policy = excluded.deletion_policy,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		resource.StackID,
		resource.Name,
		resource.Type,
		resource.Action,
		resource.Status,
		resource.StatusReason,
		resource.PhysicalID,
		resource.Properties,
		resource.Attributes,
		resource.Definition,
		resource.DefinitionHash,
		resource.DeletionPolicy,
		resource.CreatedAt,
		resource.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}

func scanResource(row interface{ Scan(...interface{}) error }) (*ResourceRecord, error) {
	resource := &ResourceRecord{}
	err := row.Scan(
		&resource.StackID,
		&resource.Name,
		&resource.Type,
		&resource.Action,
		&resource.Status,
		&resource.StatusReason,
		&resource.PhysicalID,
		&resource.Properties,
		&resource.Attributes,
		&resource.Definition,
		&resource.DefinitionHash,
		&resource.DeletionPolicy,
		&resource.CreatedAt,
		&resource.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return resource, nil
}

// GetResource retrieves one resource of a stack.
func (s *SQLiteStore) GetResource(ctx context.Context, stackID, name string) (*ResourceRecord, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE stack_id = ? AND name = ?`

	resource, err := scanResource(s.db.QueryRowContext(ctx, query, stackID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s/%s: %w", stackID, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return resource, nil
}

// ListResources lists a stack's resources ordered by name.
func (s *SQLiteStore) ListResources(ctx context.Context, stackID string) ([]*ResourceRecord, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE stack_id = ? ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query, stackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*ResourceRecord{}
	for rows.Next() {
		resource, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, resource)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

// DeleteResource removes one resource row.
func (s *SQLiteStore) DeleteResource(ctx context.Context, stackID, name string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM resources WHERE stack_id = ? AND name = ?`, stackID, name)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	return requireRow(result, "resource", stackID+"/"+name)
}

// DeleteStackResources removes all resource rows of a stack.
func (s *SQLiteStore) DeleteStackResources(ctx context.Context, stackID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE stack_id = ?`, stackID); err != nil {
		return fmt.Errorf("failed to delete stack resources: %w", err)
	}
	return nil
}

// AppendEvent appends one row to the stack event history.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (stack_id, resource_name, action, status, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.StackID,
		event.ResourceName,
		event.Action,
		event.Status,
		event.Reason,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents lists a stack's events, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, stackID string, filter EventFilter) ([]*EventRecord, error) {
	query := `
		SELECT id, stack_id, resource_name, action, status, reason, timestamp
		FROM events
		WHERE stack_id = ?
	`
	args := []interface{}{stackID}

	if filter.ResourceName != "" {
		query += " AND resource_name = ?"
		args = append(args, filter.ResourceName)
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		err := rows.Scan(
			&event.ID,
			&event.StackID,
			&event.ResourceName,
			&event.Action,
			&event.Status,
			&event.Reason,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// CreateLock acquires the stack lock. ErrLockHeld is returned if another
// engine holds it.
func (s *SQLiteStore) CreateLock(ctx context.Context, lock *LockRecord) error {
	query := `
		INSERT INTO stack_locks (stack_id, engine_id, action, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		lock.StackID,
		lock.EngineID,
		lock.Action,
		lock.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return ErrLockHeld
		}
		return fmt.Errorf("failed to create stack lock: %w", err)
	}
	return nil
}

// GetLock retrieves the lock row for a stack.
func (s *SQLiteStore) GetLock(ctx context.Context, stackID string) (*LockRecord, error) {
	query := `SELECT stack_id, engine_id, action, created_at FROM stack_locks WHERE stack_id = ?`

	lock := &LockRecord{}
	err := s.db.QueryRowContext(ctx, query, stackID).Scan(
		&lock.StackID,
		&lock.EngineID,
		&lock.Action,
		&lock.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock for stack %s: %w", stackID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack lock: %w", err)
	}
	return lock, nil
}

// StealLock replaces a stale lock held by oldEngineID. The conditional
// update keeps the steal atomic against a concurrent release.
func (s *SQLiteStore) StealLock(ctx context.Context, stackID, oldEngineID string, lock *LockRecord) error {
	query := `
		UPDATE stack_locks
		SET engine_id = ?, action = ?, created_at = ?
		WHERE stack_id = ? AND engine_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		lock.EngineID,
		lock.Action,
		lock.CreatedAt,
		stackID,
		oldEngineID,
	)
	if err != nil {
		return fmt.Errorf("failed to steal stack lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLockHeld
	}
	return nil
}

// ReleaseLock removes the lock if held by engineID.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, stackID, engineID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM stack_locks WHERE stack_id = ? AND engine_id = ?`, stackID, engineID)
	if err != nil {
		return fmt.Errorf("failed to release stack lock: %w", err)
	}
	return requireRow(result, "lock", stackID)
}

// requireRow turns a zero-row result into ErrNotFound.
func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
