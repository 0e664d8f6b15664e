package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/pipeline"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStoreConfig configures the PostgreSQL-backed build store.
type PostgresStoreConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
}

// PostgresStore implements BuildStore against PostgreSQL, for a driver
// shared across processes or surviving restarts — the only ambient concern
// the in-memory store can't cover.
type PostgresStore struct {
	pool   *pgxpool.Pool
	config PostgresStoreConfig
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

func WithPostgresMaxConns(n int32) PostgresStoreOption {
	return func(s *PostgresStore) { s.config.MaxConns = n }
}

func WithPostgresMinConns(n int32) PostgresStoreOption {
	return func(s *PostgresStore) { s.config.MinConns = n }
}

// RunMigrations applies every embedded migration to dsn.
func RunMigrations(dsn string) error {
	d, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, dsn)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// NewPostgresStore connects to dsn and returns a store backed by it. Callers
// should RunMigrations(dsn) first on a fresh database.
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresStoreOption) (*PostgresStore, error) {
	s := &PostgresStore{
		config: PostgresStoreConfig{MaxConns: 25, MinConns: 5, MaxConnIdleTime: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(s)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolConfig.MaxConns = s.config.MaxConns
	poolConfig.MinConns = s.config.MinConns
	poolConfig.MaxConnIdleTime = s.config.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateBuild(ctx context.Context, intent pipeline.Intent, scope []string, tasks []TaskRecord) (*Build, error) {
	buildID := "bld-" + uuid.New().String()[:8]
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if scope == nil {
		scope = []string{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO builds (id, intent, scope, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, buildID, string(intent), scope, string(BuildPending), now)
	if err != nil {
		return nil, fmt.Errorf("inserting build: %w", err)
	}

	for i, task := range tasks {
		deps := task.Dependencies
		if deps == nil {
			deps = []string{}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO task_records (build_id, element, kind, status, dependencies, position, rebuilt)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		`, buildID, task.Element, string(task.Kind), string(TaskPending), deps, i)
		if err != nil {
			return nil, fmt.Errorf("inserting task %s: %w", task.Key(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return s.GetBuild(ctx, buildID)
}

func (s *PostgresStore) GetBuild(ctx context.Context, id string) (*Build, error) {
	var build Build
	var intent, status string
	var scope []string

	err := s.pool.QueryRow(ctx, `
		SELECT id, intent, scope, status, created_at, started_at, finished_at
		FROM builds WHERE id = $1
	`, id).Scan(&build.ID, &intent, &scope, &status, &build.CreatedAt, &build.StartedAt, &build.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, bserrors.Newf(bserrors.ClassInternal, "BUILD_NOT_FOUND", "build not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying build: %w", err)
	}
	build.Intent = pipeline.Intent(intent)
	build.Scope = scope
	build.Status = BuildStatus(status)

	rows, err := s.pool.Query(ctx, `
		SELECT element, kind, status, dependencies, started_at, finished_at, error, rebuilt
		FROM task_records WHERE build_id = $1 ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying task records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		task, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task record: %w", err)
		}
		build.Tasks = append(build.Tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task records: %w", err)
	}
	return &build, nil
}

func (s *PostgresStore) UpdateBuild(ctx context.Context, build *Build) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE builds SET status = $2, started_at = $3, finished_at = $4
		WHERE id = $1
	`, build.ID, string(build.Status), build.StartedAt, build.FinishedAt)
	if err != nil {
		return fmt.Errorf("updating build: %w", err)
	}
	if result.RowsAffected() == 0 {
		return bserrors.Newf(bserrors.ClassInternal, "BUILD_NOT_FOUND", "build not found: %s", build.ID)
	}
	return nil
}

func (s *PostgresStore) listBuildIDs(ctx context.Context, query string, args ...any) ([]*Build, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning build id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builds: %w", err)
	}

	builds := make([]*Build, 0, len(ids))
	for _, id := range ids {
		build, err := s.GetBuild(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("getting build %s: %w", id, err)
		}
		builds = append(builds, build)
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].CreatedAt.Before(builds[j].CreatedAt) })
	return builds, nil
}

func (s *PostgresStore) ListBuilds(ctx context.Context) ([]*Build, error) {
	return s.listBuildIDs(ctx, `SELECT id FROM builds ORDER BY created_at`)
}

func (s *PostgresStore) ListActiveBuilds(ctx context.Context) ([]*Build, error) {
	return s.listBuildIDs(ctx, `
		SELECT id FROM builds WHERE status IN ('pending', 'running') ORDER BY created_at
	`)
}

// ClaimReadyTask mirrors the teacher's ClaimReadyPackage: a transaction locks
// the build's pending task rows with FOR UPDATE SKIP LOCKED so concurrent
// claimants never pick the same task, checks each candidate's dependencies
// against a snapshot of every task's status, and claims the first ready one.
func (s *PostgresStore) ClaimReadyTask(ctx context.Context, buildID string) (*TaskRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	statusRows, err := tx.Query(ctx, `
		SELECT element, kind, status FROM task_records WHERE build_id = $1
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("querying task statuses: %w", err)
	}
	statusByKey := make(map[string]TaskStatus)
	for statusRows.Next() {
		var element, kind, status string
		if err := statusRows.Scan(&element, &kind, &status); err != nil {
			statusRows.Close()
			return nil, fmt.Errorf("scanning task status: %w", err)
		}
		statusByKey[element+"/"+kind] = TaskStatus(status)
	}
	statusRows.Close()
	if err := statusRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task statuses: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT element, kind, dependencies
		FROM task_records
		WHERE build_id = $1 AND status = 'pending'
		ORDER BY position
		FOR UPDATE SKIP LOCKED
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("querying pending tasks: %w", err)
	}

	var claimElement, claimKind string
	found := false
	for rows.Next() {
		var element, kind string
		var deps []string
		if err := rows.Scan(&element, &kind, &deps); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning pending task: %w", err)
		}
		ready := true
		for _, dep := range deps {
			if statusByKey[dep] != TaskDone {
				ready = false
				break
			}
		}
		if ready {
			claimElement, claimKind = element, kind
			found = true
			break
		}
	}
	rows.Close()
	if !found {
		return nil, nil
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		UPDATE task_records SET status = 'running', started_at = $3
		WHERE build_id = $1 AND element = $2 AND kind = $4
	`, buildID, claimElement, now, claimKind)
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT element, kind, status, dependencies, started_at, finished_at, error, rebuilt
		FROM task_records WHERE build_id = $1 AND element = $2 AND kind = $3
	`, buildID, claimElement, claimKind)
	return scanTaskRecord(row)
}

func (s *PostgresStore) UpdateTaskRecord(ctx context.Context, buildID string, task *TaskRecord) error {
	var errorPtr *string
	if task.Error != "" {
		errorPtr = &task.Error
	}
	result, err := s.pool.Exec(ctx, `
		UPDATE task_records
		SET status = $4, started_at = $5, finished_at = $6, error = $7, rebuilt = $8
		WHERE build_id = $1 AND element = $2 AND kind = $3
	`, buildID, task.Element, string(task.Kind), string(task.Status), task.StartedAt, task.FinishedAt, errorPtr, task.Rebuilt)
	if err != nil {
		return fmt.Errorf("updating task record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return bserrors.Newf(bserrors.ClassInternal, "TASK_NOT_FOUND", "task not found: %s", task.Key())
	}
	return nil
}

// rowScanner abstracts pgx.Row vs pgx.Rows, both of which scanTaskRecord
// needs to read from depending on whether the caller already iterated.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRecord(row rowScanner) (*TaskRecord, error) {
	var task TaskRecord
	var kind, status string
	var deps []string
	var errorStr *string

	err := row.Scan(&task.Element, &kind, &status, &deps, &task.StartedAt, &task.FinishedAt, &errorStr, &task.Rebuilt)
	if err != nil {
		return nil, err
	}
	task.Kind = pipeline.TaskKind(kind)
	task.Status = TaskStatus(status)
	task.Dependencies = deps
	if errorStr != nil {
		task.Error = *errorStr
	}
	return &task, nil
}
