// Package postgres is JobServ's primary relational backend, grounded on
// the teacher's internal/controller/backend/postgres package: a thin
// database/sql wrapper with hand-written SQL and an inline migration
// list run once at New().
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
	"github.com/foundriesio/jobserv/internal/store"
)

// Config configures the connection pool.
type Config struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// Backend is a PostgreSQL-backed store.Store.
type Backend struct {
	db *sql.DB
}

var _ store.Store = (*Backend)(nil)

// New opens the database, runs migrations and returns a ready Backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	b := &Backend{db: db}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

// DB exposes the underlying pool for the leader elector, which needs to
// take a Postgres advisory lock directly (SPEC_FULL.md §5.6.1).
func (b *Backend) DB() *sql.DB { return b.db }

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			synchronous_builds BOOLEAN NOT NULL DEFAULT false,
			allowed_host_tags TEXT,
			deleted BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS builds (
			id SERIAL PRIMARY KEY,
			project_id INTEGER NOT NULL REFERENCES projects(id),
			build_id INTEGER NOT NULL,
			status VARCHAR(20) NOT NULL,
			trigger_name VARCHAR(255) NOT NULL,
			reason TEXT,
			name VARCHAR(255),
			annotation TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			UNIQUE(project_id, build_id),
			UNIQUE(project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id SERIAL PRIMARY KEY,
			build_id INTEGER NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL,
			host_tag VARCHAR(255) NOT NULL,
			queue_priority INTEGER NOT NULL DEFAULT 0,
			api_key VARCHAR(64) NOT NULL,
			worker_id INTEGER,
			running_acked BOOLEAN NOT NULL DEFAULT false,
			trigger_type VARCHAR(50) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			UNIQUE(build_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_priority ON runs(status, queue_priority DESC, id ASC)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id SERIAL PRIMARY KEY,
			run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			status VARCHAR(20) NOT NULL,
			event_time BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, event_time DESC)`,
		`CREATE TABLE IF NOT EXISTS tests (
			id SERIAL PRIMARY KEY,
			run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			context VARCHAR(255) NOT NULL DEFAULT '',
			UNIQUE(run_id, name, context)
		)`,
		`CREATE TABLE IF NOT EXISTS test_results (
			id SERIAL PRIMARY KEY,
			test_id INTEGER NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL,
			context TEXT,
			message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS project_triggers (
			id SERIAL PRIMARY KEY,
			project_id INTEGER NOT NULL REFERENCES projects(id),
			name VARCHAR(255) NOT NULL,
			type VARCHAR(20) NOT NULL,
			secret_data TEXT,
			webhook_key TEXT,
			definition_repo TEXT,
			definition_file TEXT,
			UNIQUE(project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			distro VARCHAR(255),
			mem_total BIGINT,
			cpu_total INTEGER,
			cpu_type VARCHAR(255),
			concurrent_runs INTEGER NOT NULL DEFAULT 1,
			host_tags TEXT NOT NULL DEFAULT '',
			api_key VARCHAR(64) NOT NULL,
			enlisted BOOLEAN NOT NULL DEFAULT true,
			online BOOLEAN NOT NULL DEFAULT false,
			surges_only BOOLEAN NOT NULL DEFAULT false,
			deleted BOOLEAN NOT NULL DEFAULT false,
			allowed_tags TEXT,
			last_ping TIMESTAMPTZ
		)`,
	}
	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// ---- Project ----

func (b *Backend) CreateProject(ctx context.Context, p *store.Project) error {
	row := b.db.QueryRowContext(ctx,
		`INSERT INTO projects (name, synchronous_builds, allowed_host_tags, deleted)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		p.Name, p.SynchronousBuilds, joinTags(p.AllowedHostTags), p.Deleted,
	)
	if err := row.Scan(&p.ID, &p.CreatedAt); err != nil {
		return mapUniqueViolation(err, "project", p.Name)
	}
	return nil
}

func (b *Backend) GetProject(ctx context.Context, name string) (*store.Project, error) {
	p := &store.Project{}
	var tags string
	err := b.db.QueryRowContext(ctx,
		`SELECT id, name, synchronous_builds, allowed_host_tags, deleted, created_at
		 FROM projects WHERE name = $1`, name,
	).Scan(&p.ID, &p.Name, &p.SynchronousBuilds, &tags, &p.Deleted, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "project", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get project: %w", err)
	}
	p.AllowedHostTags = splitTags(tags)
	return p, nil
}

func (b *Backend) GetProjectByID(ctx context.Context, id int64) (*store.Project, error) {
	p := &store.Project{}
	var tags string
	err := b.db.QueryRowContext(ctx,
		`SELECT id, name, synchronous_builds, allowed_host_tags, deleted, created_at
		 FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.SynchronousBuilds, &tags, &p.Deleted, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "project", ID: fmt.Sprintf("%d", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get project by id: %w", err)
	}
	p.AllowedHostTags = splitTags(tags)
	return p, nil
}

func (b *Backend) SetProjectDeleted(ctx context.Context, name string, deleted bool) error {
	res, err := b.db.ExecContext(ctx, `UPDATE projects SET deleted = $1 WHERE name = $2`, deleted, name)
	if err != nil {
		return fmt.Errorf("postgres: set project deleted: %w", err)
	}
	return checkRowsAffected(res, "project", name)
}

// ---- Build ----

func (b *Backend) CreateBuild(ctx context.Context, projectID int64, triggerName, reason string) (*store.Build, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: create build: begin: %w", err)
	}
	defer tx.Rollback()

	// Row-lock the project so concurrent CreateBuild calls serialize on
	// the max(build_id) computation (spec.md §4.1, §5 "Build-id
	// allocation is serialisable per project").
	if _, err := tx.ExecContext(ctx, `SELECT id FROM projects WHERE id = $1 FOR UPDATE`, projectID); err != nil {
		return nil, fmt.Errorf("postgres: create build: lock project: %w", err)
	}

	var nextID int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(build_id), 0) + 1 FROM builds WHERE project_id = $1`, projectID,
	).Scan(&nextID)
	if err != nil {
		return nil, fmt.Errorf("postgres: create build: next id: %w", err)
	}

	build := &store.Build{
		ProjectID:   projectID,
		BuildID:     nextID,
		Status:      store.StatusQueued,
		TriggerName: triggerName,
		Reason:      reason,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO builds (project_id, build_id, status, trigger_name, reason)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		build.ProjectID, build.BuildID, build.Status, build.TriggerName, build.Reason,
	).Scan(&build.ID, &build.Created)
	if err != nil {
		return nil, fmt.Errorf("postgres: create build: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: create build: commit: %w", err)
	}
	return build, nil
}

func (b *Backend) GetBuild(ctx context.Context, projectID, buildID int64) (*store.Build, error) {
	build := &store.Build{}
	var name, annotation sql.NullString
	var completed sql.NullTime
	err := b.db.QueryRowContext(ctx,
		`SELECT id, project_id, build_id, status, trigger_name, reason, name, annotation, created_at, completed_at
		 FROM builds WHERE project_id = $1 AND build_id = $2`, projectID, buildID,
	).Scan(&build.ID, &build.ProjectID, &build.BuildID, &build.Status, &build.TriggerName,
		&build.Reason, &name, &annotation, &build.Created, &completed)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "build", ID: fmt.Sprintf("%d", buildID)}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get build: %w", err)
	}
	build.Name = name.String
	build.Annotation = annotation.String
	if completed.Valid {
		t := completed.Time
		build.Completed = &t
	}
	return build, nil
}

func (b *Backend) GetBuildByPK(ctx context.Context, buildPK int64) (*store.Build, error) {
	build := &store.Build{}
	var name, annotation sql.NullString
	var completed sql.NullTime
	err := b.db.QueryRowContext(ctx,
		`SELECT id, project_id, build_id, status, trigger_name, reason, name, annotation, created_at, completed_at
		 FROM builds WHERE id = $1`, buildPK,
	).Scan(&build.ID, &build.ProjectID, &build.BuildID, &build.Status, &build.TriggerName,
		&build.Reason, &name, &annotation, &build.Created, &completed)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "build", ID: fmt.Sprintf("%d", buildPK)}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get build by pk: %w", err)
	}
	build.Name = name.String
	build.Annotation = annotation.String
	if completed.Valid {
		t := completed.Time
		build.Completed = &t
	}
	return build, nil
}

func (b *Backend) ListBuilds(ctx context.Context, projectID int64, limit, offset int) ([]*store.Build, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, project_id, build_id, status, trigger_name, reason, name, annotation, created_at, completed_at
		 FROM builds WHERE project_id = $1 ORDER BY build_id DESC LIMIT $2 OFFSET $3`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list builds: %w", err)
	}
	defer rows.Close()

	var out []*store.Build
	for rows.Next() {
		build := &store.Build{}
		var name, annotation sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&build.ID, &build.ProjectID, &build.BuildID, &build.Status, &build.TriggerName,
			&build.Reason, &name, &annotation, &build.Created, &completed); err != nil {
			return nil, fmt.Errorf("postgres: list builds: scan: %w", err)
		}
		build.Name = name.String
		build.Annotation = annotation.String
		if completed.Valid {
			t := completed.Time
			build.Completed = &t
		}
		out = append(out, build)
	}
	return out, rows.Err()
}

func (b *Backend) UpdateBuildStatus(ctx context.Context, buildPK int64, status store.BuildStatus) error {
	var completedAt interface{}
	if status.IsTerminal() {
		completedAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx,
		`UPDATE builds SET status = $1, completed_at = COALESCE(completed_at, $2) WHERE id = $3`,
		status, completedAt, buildPK)
	if err != nil {
		return fmt.Errorf("postgres: update build status: %w", err)
	}
	return nil
}

func (b *Backend) PromoteBuild(ctx context.Context, buildPK int64, name, annotation string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE builds SET status = $1, name = $2, annotation = $3 WHERE id = $4`,
		store.StatusPromoted, name, annotation, buildPK)
	if err != nil {
		return mapUniqueViolation(err, "build name", name)
	}
	return checkRowsAffected(res, "build", fmt.Sprintf("%d", buildPK))
}

func (b *Backend) AnnotateBuild(ctx context.Context, buildPK int64, annotation string) error {
	res, err := b.db.ExecContext(ctx, `UPDATE builds SET annotation = $1 WHERE id = $2`, annotation, buildPK)
	if err != nil {
		return fmt.Errorf("postgres: annotate build: %w", err)
	}
	return checkRowsAffected(res, "build", fmt.Sprintf("%d", buildPK))
}

// ---- Run ----

func (b *Backend) CreateRun(ctx context.Context, r *store.Run) error {
	row := b.db.QueryRowContext(ctx,
		`INSERT INTO runs (build_id, name, status, host_tag, queue_priority, api_key, worker_id, running_acked, trigger_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id, created_at`,
		r.BuildID, r.Name, r.Status, r.HostTag, r.QueuePriority, r.APIKey, r.WorkerID, r.RunningAcked, r.TriggerType,
	)
	if err := row.Scan(&r.ID, &r.Created); err != nil {
		return mapUniqueViolation(err, "run", r.Name)
	}
	return nil
}

func (b *Backend) GetRun(ctx context.Context, buildPK int64, name string) (*store.Run, error) {
	r := &store.Run{}
	var workerID sql.NullInt64
	var completed sql.NullTime
	err := b.db.QueryRowContext(ctx,
		`SELECT id, build_id, name, status, host_tag, queue_priority, api_key, worker_id, running_acked, trigger_type, created_at, completed_at
		 FROM runs WHERE build_id = $1 AND name = $2`, buildPK, name,
	).Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.HostTag, &r.QueuePriority, &r.APIKey,
		&workerID, &r.RunningAcked, &r.TriggerType, &r.Created, &completed)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "run", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}
	if workerID.Valid {
		r.WorkerID = &workerID.Int64
	}
	if completed.Valid {
		t := completed.Time
		r.Completed = &t
	}
	return r, nil
}

func (b *Backend) ListRunsForBuild(ctx context.Context, buildPK int64) ([]*store.Run, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, build_id, name, status, host_tag, queue_priority, api_key, worker_id, running_acked, trigger_type, created_at, completed_at
		 FROM runs WHERE build_id = $1 ORDER BY id ASC`, buildPK)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r := &store.Run{}
		var workerID sql.NullInt64
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.HostTag, &r.QueuePriority, &r.APIKey,
			&workerID, &r.RunningAcked, &r.TriggerType, &r.Created, &completed); err != nil {
			return nil, fmt.Errorf("postgres: list runs: scan: %w", err)
		}
		if workerID.Valid {
			r.WorkerID = &workerID.Int64
		}
		if completed.Valid {
			t := completed.Time
			r.Completed = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) UpdateRun(ctx context.Context, r *store.Run) error {
	var completedAt interface{}
	if r.Completed != nil {
		completedAt = *r.Completed
	}
	_, err := b.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, worker_id = $2, running_acked = $3, trigger_type = $4, completed_at = $5
		 WHERE id = $6`,
		r.Status, r.WorkerID, r.RunningAcked, r.TriggerType, completedAt, r.ID)
	if err != nil {
		return fmt.Errorf("postgres: update run: %w", err)
	}
	return nil
}

func (b *Backend) AppendRunEvent(ctx context.Context, runID int64, status store.BuildStatus, eventTime int64) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, status, event_time) VALUES ($1, $2, $3)`, runID, status, eventTime)
	if err != nil {
		return fmt.Errorf("postgres: append run event: %w", err)
	}
	return nil
}

func (b *Backend) LastRunEventTime(ctx context.Context, runID int64) (int64, error) {
	var t int64
	err := b.db.QueryRowContext(ctx,
		`SELECT event_time FROM run_events WHERE run_id = $1 ORDER BY event_time DESC LIMIT 1`, runID,
	).Scan(&t)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: last run event: %w", err)
	}
	return t, nil
}

// PopQueuedForWorker implements spec.md §4.4's selection algorithm inside
// a single serializable transaction: it locks the candidate set with
// SELECT ... FOR UPDATE, filters for glob-match/sync-blocking in Go (the
// matching rules are richer than SQL LIKE), sorts by (priority DESC, id
// ASC), and claims the first survivor before committing.
func (b *Backend) PopQueuedForWorker(ctx context.Context, worker *store.Worker) (*store.Run, error) {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("postgres: pop queued: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT r.id, r.build_id, r.name, r.status, r.host_tag, r.queue_priority, r.api_key,
		        r.worker_id, r.running_acked, r.trigger_type, r.created_at, r.completed_at,
		        b.project_id
		 FROM runs r JOIN builds b ON b.id = r.build_id
		 WHERE r.status = $1
		 ORDER BY r.queue_priority DESC, r.id ASC
		 FOR UPDATE OF r`, store.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("postgres: pop queued: candidates: %w", err)
	}

	type candidate struct {
		run       *store.Run
		projectID int64
	}
	var candidates []candidate
	for rows.Next() {
		r := &store.Run{}
		var workerID sql.NullInt64
		var completed sql.NullTime
		var projectID int64
		if err := rows.Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.HostTag, &r.QueuePriority, &r.APIKey,
			&workerID, &r.RunningAcked, &r.TriggerType, &r.Created, &completed, &projectID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: pop queued: scan: %w", err)
		}
		if workerID.Valid {
			r.WorkerID = &workerID.Int64
		}
		if completed.Valid {
			t := completed.Time
			r.Completed = &t
		}
		candidates = append(candidates, candidate{run: r, projectID: projectID})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: pop queued: rows: %w", err)
	}

	for _, c := range candidates {
		if !store.HostTagMatches(c.run.HostTag, worker) {
			continue
		}
		blocked, err := b.hasEarlierBlockingRunTx(ctx, tx, c.projectID, c.run.BuildID)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}

		now := time.Now().UTC()
		c.run.Status = store.StatusRunning
		c.run.WorkerID = &worker.ID
		c.run.RunningAcked = false
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = $1, worker_id = $2, running_acked = false WHERE id = $3`,
			c.run.Status, c.run.WorkerID, c.run.ID); err != nil {
			return nil, fmt.Errorf("postgres: pop queued: claim: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_events (run_id, status, event_time) VALUES ($1, $2, $3)`,
			c.run.ID, store.StatusRunning, now.Unix()); err != nil {
			return nil, fmt.Errorf("postgres: pop queued: event: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("postgres: pop queued: commit: %w", err)
		}
		return c.run, nil
	}

	return nil, store.ErrNoRunAvailable
}

func (b *Backend) hasEarlierBlockingRunTx(ctx context.Context, tx *sql.Tx, projectID, buildPK int64) (bool, error) {
	var sync bool
	if err := tx.QueryRowContext(ctx, `SELECT synchronous_builds FROM projects WHERE id = $1`, projectID).Scan(&sync); err != nil {
		return false, fmt.Errorf("postgres: sync check: project: %w", err)
	}
	if !sync {
		return false, nil
	}

	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs r
		JOIN builds b ON b.id = r.build_id
		WHERE b.project_id = $1
		  AND b.id < $2
		  AND r.status IN ('QUEUED', 'RUNNING', 'UPLOADING', 'CANCELLING')
	`, projectID, buildPK).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("postgres: sync check: earlier runs: %w", err)
	}
	return count > 0, nil
}

func (b *Backend) HasEarlierBlockingRun(ctx context.Context, projectID, buildPK int64) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	return b.hasEarlierBlockingRunTx(ctx, tx, projectID, buildPK)
}

func (b *Backend) CountQueuedByTag(ctx context.Context) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT host_tag, COUNT(*) FROM runs WHERE status = $1 GROUP BY host_tag`, store.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("postgres: count queued by tag: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var tag string
		var count int
		if err := rows.Scan(&tag, &count); err != nil {
			return nil, fmt.Errorf("postgres: count queued by tag: scan: %w", err)
		}
		out[tag] = count
	}
	return out, rows.Err()
}

func (b *Backend) runsByStatusBeforeEvent(ctx context.Context, status store.BuildStatus, olderThanUnixSec int64, onlyUnacked bool) ([]*store.Run, error) {
	query := `
		SELECT r.id, r.build_id, r.name, r.status, r.host_tag, r.queue_priority, r.api_key,
		       r.worker_id, r.running_acked, r.trigger_type, r.created_at, r.completed_at
		FROM runs r
		LEFT JOIN (
			SELECT run_id, MAX(event_time) AS last_event FROM run_events GROUP BY run_id
		) e ON e.run_id = r.id
		WHERE r.status = $1 AND COALESCE(e.last_event, 0) < $2`
	if onlyUnacked {
		query += ` AND r.running_acked = false`
	}
	rows, err := b.db.QueryContext(ctx, query, status, olderThanUnixSec)
	if err != nil {
		return nil, fmt.Errorf("postgres: runs by status: %w", err)
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r := &store.Run{}
		var workerID sql.NullInt64
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.HostTag, &r.QueuePriority, &r.APIKey,
			&workerID, &r.RunningAcked, &r.TriggerType, &r.Created, &completed); err != nil {
			return nil, fmt.Errorf("postgres: runs by status: scan: %w", err)
		}
		if workerID.Valid {
			r.WorkerID = &workerID.Int64
		}
		if completed.Valid {
			t := completed.Time
			r.Completed = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) RunsNeedingAckTimeout(ctx context.Context, olderThanUnixSec int64) ([]*store.Run, error) {
	return b.runsByStatusBeforeEvent(ctx, store.StatusRunning, olderThanUnixSec, true)
}

func (b *Backend) StuckRunning(ctx context.Context, olderThanUnixSec int64) ([]*store.Run, error) {
	return b.runsByStatusBeforeEvent(ctx, store.StatusRunning, olderThanUnixSec, false)
}

func (b *Backend) StuckCancelling(ctx context.Context, olderThanUnixSec int64) ([]*store.Run, error) {
	return b.runsByStatusBeforeEvent(ctx, store.StatusCancelling, olderThanUnixSec, false)
}

func (b *Backend) CancellingWithNoWorker(ctx context.Context) ([]*store.Run, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, build_id, name, status, host_tag, queue_priority, api_key, worker_id, running_acked, trigger_type, created_at, completed_at
		 FROM runs WHERE status = $1 AND worker_id IS NULL`, store.StatusCancelling)
	if err != nil {
		return nil, fmt.Errorf("postgres: cancelling with no worker: %w", err)
	}
	defer rows.Close()
	var out []*store.Run
	for rows.Next() {
		r := &store.Run{}
		var workerID sql.NullInt64
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.HostTag, &r.QueuePriority, &r.APIKey,
			&workerID, &r.RunningAcked, &r.TriggerType, &r.Created, &completed); err != nil {
			return nil, fmt.Errorf("postgres: cancelling with no worker: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) CancelBuildRuns(ctx context.Context, buildPK int64, eventTime int64) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: cancel build runs: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM runs WHERE build_id = $1 AND status IN ('QUEUED', 'RUNNING', 'UPLOADING') FOR UPDATE`, buildPK)
	if err != nil {
		return fmt.Errorf("postgres: cancel build runs: select: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: cancel build runs: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = $1 WHERE id = $2`, store.StatusCancelling, id); err != nil {
			return fmt.Errorf("postgres: cancel build runs: update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_events (run_id, status, event_time) VALUES ($1, $2, $3)`,
			id, store.StatusCancelling, eventTime); err != nil {
			return fmt.Errorf("postgres: cancel build runs: event: %w", err)
		}
	}
	return tx.Commit()
}

// ---- Worker ----

func (b *Backend) CreateWorker(ctx context.Context, w *store.Worker) error {
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO workers (name, distro, mem_total, cpu_total, cpu_type, concurrent_runs, host_tags,
		                       api_key, enlisted, online, surges_only, deleted, allowed_tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		w.Name, w.Distro, w.MemTotal, w.CPUTotal, w.CPUType, w.ConcurrentRuns, joinTags(w.HostTags),
		w.APIKey, w.Enlisted, w.Online, w.SurgesOnly, w.Deleted, joinTags(w.AllowedTags),
	).Scan(&w.ID)
	if err != nil {
		return mapUniqueViolation(err, "worker", w.Name)
	}
	return nil
}

func (b *Backend) GetWorker(ctx context.Context, name string) (*store.Worker, error) {
	w := &store.Worker{}
	var hostTags, allowedTags sql.NullString
	var lastPing sql.NullTime
	err := b.db.QueryRowContext(ctx,
		`SELECT id, name, distro, mem_total, cpu_total, cpu_type, concurrent_runs, host_tags,
		        api_key, enlisted, online, surges_only, deleted, allowed_tags, last_ping
		 FROM workers WHERE name = $1`, name,
	).Scan(&w.ID, &w.Name, &w.Distro, &w.MemTotal, &w.CPUTotal, &w.CPUType, &w.ConcurrentRuns, &hostTags,
		&w.APIKey, &w.Enlisted, &w.Online, &w.SurgesOnly, &w.Deleted, &allowedTags, &lastPing)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "worker", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get worker: %w", err)
	}
	w.HostTags = splitTags(hostTags.String)
	w.AllowedTags = splitTags(allowedTags.String)
	if lastPing.Valid {
		w.LastPing = lastPing.Time
	}
	return w, nil
}

func (b *Backend) UpdateWorker(ctx context.Context, w *store.Worker) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE workers SET distro=$1, mem_total=$2, cpu_total=$3, cpu_type=$4, concurrent_runs=$5,
		 host_tags=$6, enlisted=$7, online=$8, surges_only=$9, deleted=$10, allowed_tags=$11, last_ping=$12
		 WHERE id = $13`,
		w.Distro, w.MemTotal, w.CPUTotal, w.CPUType, w.ConcurrentRuns, joinTags(w.HostTags),
		w.Enlisted, w.Online, w.SurgesOnly, w.Deleted, joinTags(w.AllowedTags), w.LastPing, w.ID)
	if err != nil {
		return fmt.Errorf("postgres: update worker: %w", err)
	}
	return nil
}

func (b *Backend) ListEnlistedWorkers(ctx context.Context) ([]*store.Worker, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, distro, mem_total, cpu_total, cpu_type, concurrent_runs, host_tags,
		        api_key, enlisted, online, surges_only, deleted, allowed_tags, last_ping
		 FROM workers WHERE enlisted = true AND deleted = false`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enlisted workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (b *Backend) ListOnlineNonSurgeWorkers(ctx context.Context) ([]*store.Worker, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, distro, mem_total, cpu_total, cpu_type, concurrent_runs, host_tags,
		        api_key, enlisted, online, surges_only, deleted, allowed_tags, last_ping
		 FROM workers WHERE enlisted = true AND online = true AND surges_only = false AND deleted = false`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list online non-surge workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func scanWorkers(rows *sql.Rows) ([]*store.Worker, error) {
	var out []*store.Worker
	for rows.Next() {
		w := &store.Worker{}
		var hostTags, allowedTags sql.NullString
		var lastPing sql.NullTime
		if err := rows.Scan(&w.ID, &w.Name, &w.Distro, &w.MemTotal, &w.CPUTotal, &w.CPUType, &w.ConcurrentRuns, &hostTags,
			&w.APIKey, &w.Enlisted, &w.Online, &w.SurgesOnly, &w.Deleted, &allowedTags, &lastPing); err != nil {
			return nil, fmt.Errorf("postgres: scan worker: %w", err)
		}
		w.HostTags = splitTags(hostTags.String)
		w.AllowedTags = splitTags(allowedTags.String)
		if lastPing.Valid {
			w.LastPing = lastPing.Time
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ---- ProjectTrigger ----

func (b *Backend) CreateTrigger(ctx context.Context, t *store.ProjectTrigger) error {
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO project_triggers (project_id, name, type, secret_data, webhook_key, definition_repo, definition_file)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		t.ProjectID, t.Name, t.Type, t.SecretData, t.WebhookKey, t.DefinitionRepo, t.DefinitionFile,
	).Scan(&t.ID)
	if err != nil {
		return mapUniqueViolation(err, "trigger", t.Name)
	}
	return nil
}

func (b *Backend) GetTrigger(ctx context.Context, projectID int64, name string) (*store.ProjectTrigger, error) {
	t := &store.ProjectTrigger{}
	err := b.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, type, secret_data, webhook_key, definition_repo, definition_file
		 FROM project_triggers WHERE project_id = $1 AND name = $2`, projectID, name,
	).Scan(&t.ID, &t.ProjectID, &t.Name, &t.Type, &t.SecretData, &t.WebhookKey, &t.DefinitionRepo, &t.DefinitionFile)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "trigger", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get trigger: %w", err)
	}
	return t, nil
}

func (b *Backend) ListTriggersByType(ctx context.Context, projectID int64, triggerType string) ([]*store.ProjectTrigger, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, project_id, name, type, secret_data, webhook_key, definition_repo, definition_file
		 FROM project_triggers WHERE project_id = $1 AND type = $2`, projectID, triggerType)
	if err != nil {
		return nil, fmt.Errorf("postgres: list triggers by type: %w", err)
	}
	defer rows.Close()
	var out []*store.ProjectTrigger
	for rows.Next() {
		t := &store.ProjectTrigger{}
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Type, &t.SecretData, &t.WebhookKey, &t.DefinitionRepo, &t.DefinitionFile); err != nil {
			return nil, fmt.Errorf("postgres: list triggers by type: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *Backend) DeleteTrigger(ctx context.Context, projectID int64, name string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM project_triggers WHERE project_id = $1 AND name = $2`, projectID, name)
	if err != nil {
		return fmt.Errorf("postgres: delete trigger: %w", err)
	}
	return checkRowsAffected(res, "trigger", name)
}

// ---- Test / TestResult ----

func (b *Backend) CreateTest(ctx context.Context, t *store.Test) (*store.Test, error) {
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO tests (run_id, name, context) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, name, context) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`, t.RunID, t.Name, t.Context,
	).Scan(&t.ID)
	if err != nil {
		return nil, fmt.Errorf("postgres: create test: %w", err)
	}
	return t, nil
}

func (b *Backend) GetTest(ctx context.Context, runID int64, name, context string) (*store.Test, error) {
	t := &store.Test{RunID: runID, Name: name, Context: context}
	err := b.db.QueryRowContext(ctx,
		`SELECT id FROM tests WHERE run_id = $1 AND name = $2 AND context = $3`, runID, name, context,
	).Scan(&t.ID)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "test", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get test: %w", err)
	}
	return t, nil
}

func (b *Backend) AddTestResult(ctx context.Context, r *store.TestResult) error {
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO test_results (test_id, name, status, context, message) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		r.TestID, r.Name, r.Status, r.Context, r.Message,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("postgres: add test result: %w", err)
	}
	return nil
}

func (b *Backend) ListTestResults(ctx context.Context, testID int64) ([]*store.TestResult, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, test_id, name, status, context, message FROM test_results WHERE test_id = $1`, testID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list test results: %w", err)
	}
	defer rows.Close()
	var out []*store.TestResult
	for rows.Next() {
		r := &store.TestResult{}
		if err := rows.Scan(&r.ID, &r.TestID, &r.Name, &r.Status, &r.Context, &r.Message); err != nil {
			return nil, fmt.Errorf("postgres: list test results: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- helpers ----

func joinTags(tags []string) string { return strings.Join(tags, ",") }

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mapUniqueViolation(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "unique") || strings.Contains(err.Error(), "duplicate") {
		return &jobservErrors.ConflictError{Message: fmt.Sprintf("%s %q already exists", resource, id)}
	}
	return fmt.Errorf("postgres: %w", err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return &jobservErrors.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}
