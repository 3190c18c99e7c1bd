package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/galley/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run ID has no history.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore keeps run history in a SQLite database. It implements
// engine.EventPublisher so a runner can stream its timeline into it.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// An in-memory database exists per connection.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "history").Logger(),
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

func (s *SQLiteStore) dsn() string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if isMemory(s.cfg.Path) {
		return s.cfg.Path + "?" + pragmas
	}
	return "file:" + s.cfg.Path + "?" + pragmas + "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
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

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Msg("History database opened")
	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Publish records a run timeline event. A run_started event also creates the
// run header so that the history shows runs that never finished.
func (s *SQLiteStore) Publish(ctx context.Context, event engine.Event) error {
	if event.Type == engine.EventTypeRunStarted {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, event.RunID, engine.RunStatusRunning, event.Timestamp.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
	}
	return s.AppendEvent(ctx, event)
}

// SaveReport persists a finished run with its executions and resource results.
// Saving the same run twice replaces the earlier copy.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.Report) error {
	runList, err := json.Marshal(report.RunList)
	if err != nil {
		return fmt.Errorf("failed to encode run list: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var completed interface{}
	if !report.CompletedAt.IsZero() {
		completed = report.CompletedAt.UnixNano()
	}
	sum := report.Summary()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, status, dry_run, user_name, run_list, started_at, completed_at, error,
			total, changed, unchanged, skipped, failed, executions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			dry_run = excluded.dry_run,
			user_name = excluded.user_name,
			run_list = excluded.run_list,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			total = excluded.total,
			changed = excluded.changed,
			unchanged = excluded.unchanged,
			skipped = excluded.skipped,
			failed = excluded.failed,
			executions = excluded.executions
	`,
		report.RunID, report.Status, report.DryRun, report.User, string(runList),
		report.StartedAt.UnixNano(), completed, report.Error,
		sum.Total, sum.Changed, sum.Unchanged, sum.Skipped, sum.Failed, sum.Executions,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for _, table := range []string{"executions", "resource_results"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", report.RunID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for i, e := range report.Executions {
		guardErrors, err := json.Marshal(e.GuardErrors)
		if err != nil {
			return fmt.Errorf("failed to encode guard errors: %w", err)
		}
		var source string
		if e.Source != nil {
			source = e.Source.String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO executions (run_id, seq, resource, resource_type, action, trigger_kind, source,
				status, skip_reason, guard, error, guard_errors, dry_run, started_at, duration_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.RunID, i, e.Resource.String(), e.Resource.Type, e.Action, e.Trigger, source,
			e.Status, e.SkipReason, e.Guard, e.Error, string(guardErrors), e.DryRun,
			e.StartedAt.UnixNano(), int64(e.Duration),
		)
		if err != nil {
			return fmt.Errorf("failed to save execution %d: %w", i, err)
		}
	}

	for i, r := range report.Resources {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO resource_results (run_id, position, resource, status, skip_reason, error, ignored_failure)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, report.RunID, i, r.ID.String(), r.Status, r.SkipReason, r.Error, r.IgnoredFailure)
		if err != nil {
			return fmt.Errorf("failed to save result for %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}

	s.logger.Debug().
		Str("run_id", report.RunID).
		Int("executions", len(report.Executions)).
		Msg("Run report saved")

	return nil
}

const runColumns = `id, status, dry_run, user_name, run_list, started_at, completed_at, error,
	total, changed, unchanged, skipped, failed, executions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run       Run
		runList   string
		startedAt int64
		completed sql.NullInt64
	)
	err := row.Scan(
		&run.ID, &run.Status, &run.DryRun, &run.User, &runList, &startedAt, &completed, &run.Error,
		&run.Summary.Total, &run.Summary.Changed, &run.Summary.Unchanged,
		&run.Summary.Skipped, &run.Summary.Failed, &run.Summary.Executions,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(runList), &run.RunList); err != nil {
		return nil, fmt.Errorf("failed to decode run list: %w", err)
	}
	run.StartedAt = time.Unix(0, startedAt).UTC()
	if completed.Valid {
		t := time.Unix(0, completed.Int64).UTC()
		run.CompletedAt = &t
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?",
		limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListExecutions returns the executions of a run in execution order.
func (s *SQLiteStore) ListExecutions(ctx context.Context, runID string) ([]engine.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, action, trigger_kind, source, status, skip_reason, guard, error,
			guard_errors, dry_run, started_at, duration_ns
		FROM executions WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []engine.Execution
	for rows.Next() {
		var (
			e                        engine.Execution
			resource, source, gerrs  string
			startedAt, durationNanos int64
		)
		err := rows.Scan(&resource, &e.Action, &e.Trigger, &source, &e.Status, &e.SkipReason,
			&e.Guard, &e.Error, &gerrs, &e.DryRun, &startedAt, &durationNanos)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if e.Resource, err = engine.ParseResourceID(resource); err != nil {
			return nil, err
		}
		if source != "" {
			src, err := engine.ParseResourceID(source)
			if err != nil {
				return nil, err
			}
			e.Source = &src
		}
		if err := json.Unmarshal([]byte(gerrs), &e.GuardErrors); err != nil {
			return nil, fmt.Errorf("failed to decode guard errors: %w", err)
		}
		e.StartedAt = time.Unix(0, startedAt).UTC()
		e.Duration = time.Duration(durationNanos)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListResourceResults returns the per-resource results of a run in
// declaration order.
func (s *SQLiteStore) ListResourceResults(ctx context.Context, runID string) ([]engine.ResourceResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, status, skip_reason, error, ignored_failure
		FROM resource_results WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []engine.ResourceResult
	for rows.Next() {
		var (
			r  engine.ResourceResult
			id string
		)
		if err := rows.Scan(&id, &r.Status, &r.SkipReason, &r.Error, &r.IgnoredFailure); err != nil {
			return nil, fmt.Errorf("failed to scan resource result: %w", err)
		}
		if r.ID, err = engine.ParseResourceID(id); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadReport rebuilds the report of a stored run.
func (s *SQLiteStore) LoadReport(ctx context.Context, runID string) (*engine.Report, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &engine.Report{
		RunID:     run.ID,
		Status:    run.Status,
		DryRun:    run.DryRun,
		User:      run.User,
		RunList:   run.RunList,
		StartedAt: run.StartedAt,
		Error:     run.Error,
	}
	if run.CompletedAt != nil {
		report.CompletedAt = *run.CompletedAt
	}
	if report.Executions, err = s.ListExecutions(ctx, runID); err != nil {
		return nil, err
	}
	if report.Resources, err = s.ListResourceResults(ctx, runID); err != nil {
		return nil, err
	}
	return report, nil
}

// AppendEvent appends an event to the timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event engine.Event) error {
	data := "{}"
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, type, severity, resource, action, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.RunID, event.Type, event.Type.Severity(), event.Resource, event.Action,
		event.Message, data, event.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents returns the timeline of a run in order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, filter EventFilter) ([]engine.Event, error) {
	query := `SELECT id, run_id, type, resource, action, message, data, timestamp FROM events WHERE run_id = ?`
	args := []interface{}{runID}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, filter.Severity)
	}
	if filter.Resource != "" {
		query += " AND resource = ?"
		args = append(args, filter.Resource)
	}
	query += " ORDER BY timestamp, rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []engine.Event
	for rows.Next() {
		var (
			e    engine.Event
			data string
			ts   int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Resource, &e.Action, &e.Message, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data != "{}" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneRuns deletes all but the newest keep runs along with their timelines.
// It returns the number of runs deleted.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative: %d", keep)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const stale = `SELECT id FROM runs ORDER BY started_at DESC, id LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE run_id IN ("+stale+")", keep); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id IN ("+stale+")", keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	if n > 0 {
		s.logger.Info().Int64("deleted", n).Int("kept", keep).Msg("Run history pruned")
	}
	return n, nil
}

// Backup writes a consistent copy of the database to path with VACUUM INTO.
// The target must not exist.
func (s *SQLiteStore) Backup(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("backup path is required")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("backup target %s already exists", path)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to back up history: %w", err)
	}
	s.logger.Info().Str("path", path).Msg("Run history backed up")
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}
