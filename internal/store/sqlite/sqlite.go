// Package sqlite is JobServ's single-node/test backend, grounded on the
// same database/sql shape as internal/store/postgres but swapping the
// driver for modernc.org/sqlite (pure Go, no cgo) and a process-wide
// write mutex in place of row locks: SQLite serializes writers at the
// file level, so SPEC_FULL.md §5.1 scopes this backend to test and
// single-replica deployments, never to the multi-replica dispatcher
// scenario postgres is built for.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
	"github.com/foundriesio/jobserv/internal/store"
)

// Backend is a SQLite-backed store.Store. All writes go through mu so
// that the serializability spec.md §5 requires for CreateBuild and
// PopQueuedForWorker holds even though SQLite lacks SELECT ... FOR UPDATE.
type Backend struct {
	db *sql.DB
	mu sync.Mutex
}

var _ store.Store = (*Backend)(nil)

// New opens path (use ":memory:" for ephemeral tests) and runs migrations.
func New(ctx context.Context, path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single SQLite connection avoids "database is locked" errors from
	// concurrent writers stepping on each other; mu above serializes
	// logical operations on top of that.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pragma: %w", err)
	}

	b := &Backend{db: db}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			synchronous_builds INTEGER NOT NULL DEFAULT 0,
			allowed_host_tags TEXT,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS builds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL REFERENCES projects(id),
			build_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			trigger_name TEXT NOT NULL,
			reason TEXT,
			name TEXT,
			annotation TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			completed_at TEXT,
			UNIQUE(project_id, build_id),
			UNIQUE(project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			build_id INTEGER NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			host_tag TEXT NOT NULL,
			queue_priority INTEGER NOT NULL DEFAULT 0,
			api_key TEXT NOT NULL,
			worker_id INTEGER,
			running_acked INTEGER NOT NULL DEFAULT 0,
			trigger_type TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			completed_at TEXT,
			UNIQUE(build_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_priority ON runs(status, queue_priority DESC, id ASC)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			event_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, event_time DESC)`,
		`CREATE TABLE IF NOT EXISTS tests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			UNIQUE(run_id, name, context)
		)`,
		`CREATE TABLE IF NOT EXISTS test_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			test_id INTEGER NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			context TEXT,
			message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS project_triggers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL REFERENCES projects(id),
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			secret_data TEXT,
			webhook_key TEXT,
			definition_repo TEXT,
			definition_file TEXT,
			UNIQUE(project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			distro TEXT,
			mem_total INTEGER,
			cpu_total INTEGER,
			cpu_type TEXT,
			concurrent_runs INTEGER NOT NULL DEFAULT 1,
			host_tags TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL,
			enlisted INTEGER NOT NULL DEFAULT 1,
			online INTEGER NOT NULL DEFAULT 0,
			surges_only INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			allowed_tags TEXT,
			last_ping TEXT
		)`,
	}
	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

const sqliteTimeLayout = "2006-01-02T15:04:05.999999999Z"

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(sqliteTimeLayout, s)
}

// ---- Project ----

func (b *Backend) CreateProject(ctx context.Context, p *store.Project) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO projects (name, synchronous_builds, allowed_host_tags, deleted, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.Name, boolToInt(p.SynchronousBuilds), joinTags(p.AllowedHostTags), boolToInt(p.Deleted), formatTime(now),
	)
	if err != nil {
		return mapUniqueViolation(err, "project", p.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create project: last insert id: %w", err)
	}
	p.ID = id
	p.CreatedAt = now
	return nil
}

func (b *Backend) GetProject(ctx context.Context, name string) (*store.Project, error) {
	p := &store.Project{}
	var tags, created string
	var sync_, deleted int
	err := b.db.QueryRowContext(ctx,
		`SELECT id, name, synchronous_builds, allowed_host_tags, deleted, created_at FROM projects WHERE name = ?`, name,
	).Scan(&p.ID, &p.Name, &sync_, &tags, &deleted, &created)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "project", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get project: %w", err)
	}
	p.SynchronousBuilds = sync_ != 0
	p.Deleted = deleted != 0
	p.AllowedHostTags = splitTags(tags)
	p.CreatedAt, _ = parseTime(created)
	return p, nil
}

func (b *Backend) GetProjectByID(ctx context.Context, id int64) (*store.Project, error) {
	p := &store.Project{}
	var tags, created string
	var sync_, deleted int
	err := b.db.QueryRowContext(ctx,
		`SELECT id, name, synchronous_builds, allowed_host_tags, deleted, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &sync_, &tags, &deleted, &created)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "project", ID: fmt.Sprintf("%d", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get project by id: %w", err)
	}
	p.SynchronousBuilds = sync_ != 0
	p.Deleted = deleted != 0
	p.AllowedHostTags = splitTags(tags)
	p.CreatedAt, _ = parseTime(created)
	return p, nil
}

func (b *Backend) SetProjectDeleted(ctx context.Context, name string, deleted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.ExecContext(ctx, `UPDATE projects SET deleted = ? WHERE name = ?`, boolToInt(deleted), name)
	if err != nil {
		return fmt.Errorf("sqlite: set project deleted: %w", err)
	}
	return checkRowsAffected(res, "project", name)
}

// ---- Build ----

func (b *Backend) CreateBuild(ctx context.Context, projectID int64, triggerName, reason string) (*store.Build, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create build: begin: %w", err)
	}
	defer tx.Rollback()

	var nextID int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(build_id), 0) + 1 FROM builds WHERE project_id = ?`, projectID,
	).Scan(&nextID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create build: next id: %w", err)
	}

	now := time.Now().UTC()
	build := &store.Build{
		ProjectID:   projectID,
		BuildID:     nextID,
		Status:      store.StatusQueued,
		TriggerName: triggerName,
		Reason:      reason,
		Created:     now,
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO builds (project_id, build_id, status, trigger_name, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		build.ProjectID, build.BuildID, build.Status, build.TriggerName, build.Reason, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create build: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: create build: last insert id: %w", err)
	}
	build.ID = id

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: create build: commit: %w", err)
	}
	return build, nil
}

func (b *Backend) GetBuild(ctx context.Context, projectID, buildID int64) (*store.Build, error) {
	build := &store.Build{}
	var name, annotation, created sql.NullString
	var completed sql.NullString
	err := b.db.QueryRowContext(ctx,
		`SELECT id, project_id, build_id, status, trigger_name, reason, name, annotation, created_at, completed_at
		 FROM builds WHERE project_id = ? AND build_id = ?`, projectID, buildID,
	).Scan(&build.ID, &build.ProjectID, &build.BuildID, &build.Status, &build.TriggerName,
		&build.Reason, &name, &annotation, &created, &completed)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "build", ID: fmt.Sprintf("%d", buildID)}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get build: %w", err)
	}
	build.Name = name.String
	build.Annotation = annotation.String
	build.Created, _ = parseTime(created.String)
	if completed.Valid && completed.String != "" {
		t, _ := parseTime(completed.String)
		build.Completed = &t
	}
	return build, nil
}

func (b *Backend) GetBuildByPK(ctx context.Context, buildPK int64) (*store.Build, error) {
	build := &store.Build{}
	var name, annotation, created sql.NullString
	var completed sql.NullString
	err := b.db.QueryRowContext(ctx,
		`SELECT id, project_id, build_id, status, trigger_name, reason, name, annotation, created_at, completed_at
		 FROM builds WHERE id = ?`, buildPK,
	).Scan(&build.ID, &build.ProjectID, &build.BuildID, &build.Status, &build.TriggerName,
		&build.Reason, &name, &annotation, &created, &completed)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "build", ID: fmt.Sprintf("%d", buildPK)}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get build by pk: %w", err)
	}
	build.Name = name.String
	build.Annotation = annotation.String
	build.Created, _ = parseTime(created.String)
	if completed.Valid && completed.String != "" {
		t, _ := parseTime(completed.String)
		build.Completed = &t
	}
	return build, nil
}

func (b *Backend) ListBuilds(ctx context.Context, projectID int64, limit, offset int) ([]*store.Build, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, project_id, build_id, status, trigger_name, reason, name, annotation, created_at, completed_at
		 FROM builds WHERE project_id = ? ORDER BY build_id DESC LIMIT ? OFFSET ?`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list builds: %w", err)
	}
	defer rows.Close()

	var out []*store.Build
	for rows.Next() {
		build := &store.Build{}
		var name, annotation, created sql.NullString
		var completed sql.NullString
		if err := rows.Scan(&build.ID, &build.ProjectID, &build.BuildID, &build.Status, &build.TriggerName,
			&build.Reason, &name, &annotation, &created, &completed); err != nil {
			return nil, fmt.Errorf("sqlite: list builds: scan: %w", err)
		}
		build.Name = name.String
		build.Annotation = annotation.String
		build.Created, _ = parseTime(created.String)
		if completed.Valid && completed.String != "" {
			t, _ := parseTime(completed.String)
			build.Completed = &t
		}
		out = append(out, build)
	}
	return out, rows.Err()
}

func (b *Backend) UpdateBuildStatus(ctx context.Context, buildPK int64, status store.BuildStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var completedAt interface{}
	if status.IsTerminal() {
		completedAt = formatTime(time.Now())
	}
	_, err := b.db.ExecContext(ctx,
		`UPDATE builds SET status = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
		status, completedAt, buildPK)
	if err != nil {
		return fmt.Errorf("sqlite: update build status: %w", err)
	}
	return nil
}

func (b *Backend) PromoteBuild(ctx context.Context, buildPK int64, name, annotation string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.ExecContext(ctx,
		`UPDATE builds SET status = ?, name = ?, annotation = ? WHERE id = ?`,
		store.StatusPromoted, name, annotation, buildPK)
	if err != nil {
		return mapUniqueViolation(err, "build name", name)
	}
	return checkRowsAffected(res, "build", fmt.Sprintf("%d", buildPK))
}

func (b *Backend) AnnotateBuild(ctx context.Context, buildPK int64, annotation string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.ExecContext(ctx, `UPDATE builds SET annotation = ? WHERE id = ?`, annotation, buildPK)
	if err != nil {
		return fmt.Errorf("sqlite: annotate build: %w", err)
	}
	return checkRowsAffected(res, "build", fmt.Sprintf("%d", buildPK))
}

// ---- Run ----

func (b *Backend) CreateRun(ctx context.Context, r *store.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO runs (build_id, name, status, host_tag, queue_priority, api_key, worker_id, running_acked, trigger_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BuildID, r.Name, r.Status, r.HostTag, r.QueuePriority, r.APIKey, r.WorkerID, boolToInt(r.RunningAcked), r.TriggerType, formatTime(now),
	)
	if err != nil {
		return mapUniqueViolation(err, "run", r.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create run: last insert id: %w", err)
	}
	r.ID = id
	r.Created = now
	return nil
}

func (b *Backend) GetRun(ctx context.Context, buildPK int64, name string) (*store.Run, error) {
	r := &store.Run{}
	var workerID sql.NullInt64
	var acked int
	var created string
	var completed sql.NullString
	err := b.db.QueryRowContext(ctx,
		`SELECT id, build_id, name, status, host_tag, queue_priority, api_key, worker_id, running_acked, trigger_type, created_at, completed_at
		 FROM runs WHERE build_id = ? AND name = ?`, buildPK, name,
	).Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.HostTag, &r.QueuePriority, &r.APIKey,
		&workerID, &acked, &r.TriggerType, &created, &completed)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "run", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get run: %w", err)
	}
	r.RunningAcked = acked != 0
	if workerID.Valid {
		r.WorkerID = &workerID.Int64
	}
	r.Created, _ = parseTime(created)
	if completed.Valid && completed.String != "" {
		t, _ := parseTime(completed.String)
		r.Completed = &t
	}
	return r, nil
}

func (b *Backend) ListRunsForBuild(ctx context.Context, buildPK int64) ([]*store.Run, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, build_id, name, status, host_tag, queue_priority, api_key, worker_id, running_acked, trigger_type, created_at, completed_at
		 FROM runs WHERE build_id = ? ORDER BY id ASC`, buildPK)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r := &store.Run{}
		var workerID sql.NullInt64
		var acked int
		var created string
		var completed sql.NullString
		if err := rows.Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.HostTag, &r.QueuePriority, &r.APIKey,
			&workerID, &acked, &r.TriggerType, &created, &completed); err != nil {
			return nil, fmt.Errorf("sqlite: list runs: scan: %w", err)
		}
		r.RunningAcked = acked != 0
		if workerID.Valid {
			r.WorkerID = &workerID.Int64
		}
		r.Created, _ = parseTime(created)
		if completed.Valid && completed.String != "" {
			t, _ := parseTime(completed.String)
			r.Completed = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) UpdateRun(ctx context.Context, r *store.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var completedAt interface{}
	if r.Completed != nil {
		completedAt = formatTime(*r.Completed)
	}
	_, err := b.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, worker_id = ?, running_acked = ?, trigger_type = ?, completed_at = ? WHERE id = ?`,
		r.Status, r.WorkerID, boolToInt(r.RunningAcked), r.TriggerType, completedAt, r.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update run: %w", err)
	}
	return nil
}

func (b *Backend) AppendRunEvent(ctx context.Context, runID int64, status store.BuildStatus, eventTime int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, status, event_time) VALUES (?, ?, ?)`, runID, status, eventTime)
	if err != nil {
		return fmt.Errorf("sqlite: append run event: %w", err)
	}
	return nil
}

func (b *Backend) LastRunEventTime(ctx context.Context, runID int64) (int64, error) {
	var t int64
	err := b.db.QueryRowContext(ctx,
		`SELECT event_time FROM run_events WHERE run_id = ? ORDER BY event_time DESC LIMIT 1`, runID,
	).Scan(&t)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: last run event: %w", err)
	}
	return t, nil
}

// PopQueuedForWorker takes the process-wide write lock instead of a row
// lock: on a single-writer SQLite connection that is sufficient to give
// the same exclusivity spec.md §4.4/§5 requires of postgres's
// SELECT ... FOR UPDATE, since no other goroutine can interleave a write
// while mu is held.
func (b *Backend) PopQueuedForWorker(ctx context.Context, worker *store.Worker) (*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pop queued: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT r.id, r.build_id, r.name, r.status, r.host_tag, r.queue_priority, r.api_key,
		        r.worker_id, r.running_acked, r.trigger_type, r.created_at, r.completed_at,
		        b.project_id
		 FROM runs r JOIN builds b ON b.id = r.build_id
		 WHERE r.status = ?
		 ORDER BY r.queue_priority DESC, r.id ASC`, store.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pop queued: candidates: %w", err)
	}

	type candidate struct {
		run       *store.Run
		projectID int64
	}
	var candidates []candidate
	for rows.Next() {
		r := &store.Run{}
		var workerID sql.NullInt64
		var acked int
		var created string
		var completed sql.NullString
		var projectID int64
		if err := rows.Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.HostTag, &r.QueuePriority, &r.APIKey,
			&workerID, &acked, &r.TriggerType, &created, &completed, &projectID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: pop queued: scan: %w", err)
		}
		r.RunningAcked = acked != 0
		if workerID.Valid {
			r.WorkerID = &workerID.Int64
		}
		r.Created, _ = parseTime(created)
		candidates = append(candidates, candidate{run: r, projectID: projectID})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: pop queued: rows: %w", err)
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
			`UPDATE runs SET status = ?, worker_id = ?, running_acked = 0 WHERE id = ?`,
			c.run.Status, c.run.WorkerID, c.run.ID); err != nil {
			return nil, fmt.Errorf("sqlite: pop queued: claim: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_events (run_id, status, event_time) VALUES (?, ?, ?)`,
			c.run.ID, store.StatusRunning, now.Unix()); err != nil {
			return nil, fmt.Errorf("sqlite: pop queued: event: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("sqlite: pop queued: commit: %w", err)
		}
		return c.run, nil
	}

	return nil, store.ErrNoRunAvailable
}

func (b *Backend) hasEarlierBlockingRunTx(ctx context.Context, tx *sql.Tx, projectID, buildPK int64) (bool, error) {
	var sync_ int
	if err := tx.QueryRowContext(ctx, `SELECT synchronous_builds FROM projects WHERE id = ?`, projectID).Scan(&sync_); err != nil {
		return false, fmt.Errorf("sqlite: sync check: project: %w", err)
	}
	if sync_ == 0 {
		return false, nil
	}

	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs r
		JOIN builds b ON b.id = r.build_id
		WHERE b.project_id = ?
		  AND b.id < ?
		  AND r.status IN ('QUEUED', 'RUNNING', 'UPLOADING', 'CANCELLING')
	`, projectID, buildPK).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlite: sync check: earlier runs: %w", err)
	}
	return count > 0, nil
}

func (b *Backend) HasEarlierBlockingRun(ctx context.Context, projectID, buildPK int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	return b.hasEarlierBlockingRunTx(ctx, tx, projectID, buildPK)
}

func (b *Backend) CountQueuedByTag(ctx context.Context) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT host_tag, COUNT(*) FROM runs WHERE status = ? GROUP BY host_tag`, store.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("sqlite: count queued by tag: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var tag string
		var count int
		if err := rows.Scan(&tag, &count); err != nil {
			return nil, fmt.Errorf("sqlite: count queued by tag: scan: %w", err)
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
		WHERE r.status = ? AND COALESCE(e.last_event, 0) < ?`
	if onlyUnacked {
		query += ` AND r.running_acked = 0`
	}
	rows, err := b.db.QueryContext(ctx, query, status, olderThanUnixSec)
	if err != nil {
		return nil, fmt.Errorf("sqlite: runs by status: %w", err)
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r := &store.Run{}
		var workerID sql.NullInt64
		var acked int
		var created string
		var completed sql.NullString
		if err := rows.Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.HostTag, &r.QueuePriority, &r.APIKey,
			&workerID, &acked, &r.TriggerType, &created, &completed); err != nil {
			return nil, fmt.Errorf("sqlite: runs by status: scan: %w", err)
		}
		r.RunningAcked = acked != 0
		if workerID.Valid {
			r.WorkerID = &workerID.Int64
		}
		r.Created, _ = parseTime(created)
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
		 FROM runs WHERE status = ? AND worker_id IS NULL`, store.StatusCancelling)
	if err != nil {
		return nil, fmt.Errorf("sqlite: cancelling with no worker: %w", err)
	}
	defer rows.Close()
	var out []*store.Run
	for rows.Next() {
		r := &store.Run{}
		var workerID sql.NullInt64
		var acked int
		var created string
		var completed sql.NullString
		if err := rows.Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.HostTag, &r.QueuePriority, &r.APIKey,
			&workerID, &acked, &r.TriggerType, &created, &completed); err != nil {
			return nil, fmt.Errorf("sqlite: cancelling with no worker: scan: %w", err)
		}
		r.RunningAcked = acked != 0
		r.Created, _ = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) CancelBuildRuns(ctx context.Context, buildPK int64, eventTime int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: cancel build runs: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM runs WHERE build_id = ? AND status IN ('QUEUED', 'RUNNING', 'UPLOADING')`, buildPK)
	if err != nil {
		return fmt.Errorf("sqlite: cancel build runs: select: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: cancel build runs: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, store.StatusCancelling, id); err != nil {
			return fmt.Errorf("sqlite: cancel build runs: update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_events (run_id, status, event_time) VALUES (?, ?, ?)`,
			id, store.StatusCancelling, eventTime); err != nil {
			return fmt.Errorf("sqlite: cancel build runs: event: %w", err)
		}
	}
	return tx.Commit()
}

// ---- Worker ----

func (b *Backend) CreateWorker(ctx context.Context, w *store.Worker) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO workers (name, distro, mem_total, cpu_total, cpu_type, concurrent_runs, host_tags,
		                       api_key, enlisted, online, surges_only, deleted, allowed_tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Name, w.Distro, w.MemTotal, w.CPUTotal, w.CPUType, w.ConcurrentRuns, joinTags(w.HostTags),
		w.APIKey, boolToInt(w.Enlisted), boolToInt(w.Online), boolToInt(w.SurgesOnly), boolToInt(w.Deleted), joinTags(w.AllowedTags),
	)
	if err != nil {
		return mapUniqueViolation(err, "worker", w.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create worker: last insert id: %w", err)
	}
	w.ID = id
	return nil
}

func (b *Backend) GetWorker(ctx context.Context, name string) (*store.Worker, error) {
	w := &store.Worker{}
	var hostTags, allowedTags sql.NullString
	var lastPing sql.NullString
	var enlisted, online, surgesOnly, deleted int
	err := b.db.QueryRowContext(ctx,
		`SELECT id, name, distro, mem_total, cpu_total, cpu_type, concurrent_runs, host_tags,
		        api_key, enlisted, online, surges_only, deleted, allowed_tags, last_ping
		 FROM workers WHERE name = ?`, name,
	).Scan(&w.ID, &w.Name, &w.Distro, &w.MemTotal, &w.CPUTotal, &w.CPUType, &w.ConcurrentRuns, &hostTags,
		&w.APIKey, &enlisted, &online, &surgesOnly, &deleted, &allowedTags, &lastPing)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "worker", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get worker: %w", err)
	}
	w.Enlisted, w.Online, w.SurgesOnly, w.Deleted = enlisted != 0, online != 0, surgesOnly != 0, deleted != 0
	w.HostTags = splitTags(hostTags.String)
	w.AllowedTags = splitTags(allowedTags.String)
	if lastPing.Valid {
		w.LastPing, _ = parseTime(lastPing.String)
	}
	return w, nil
}

func (b *Backend) UpdateWorker(ctx context.Context, w *store.Worker) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastPing interface{}
	if !w.LastPing.IsZero() {
		lastPing = formatTime(w.LastPing)
	}
	_, err := b.db.ExecContext(ctx,
		`UPDATE workers SET distro=?, mem_total=?, cpu_total=?, cpu_type=?, concurrent_runs=?,
		 host_tags=?, enlisted=?, online=?, surges_only=?, deleted=?, allowed_tags=?, last_ping=?
		 WHERE id = ?`,
		w.Distro, w.MemTotal, w.CPUTotal, w.CPUType, w.ConcurrentRuns, joinTags(w.HostTags),
		boolToInt(w.Enlisted), boolToInt(w.Online), boolToInt(w.SurgesOnly), boolToInt(w.Deleted), joinTags(w.AllowedTags), lastPing, w.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update worker: %w", err)
	}
	return nil
}

func (b *Backend) ListEnlistedWorkers(ctx context.Context) ([]*store.Worker, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, distro, mem_total, cpu_total, cpu_type, concurrent_runs, host_tags,
		        api_key, enlisted, online, surges_only, deleted, allowed_tags, last_ping
		 FROM workers WHERE enlisted = 1 AND deleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list enlisted workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (b *Backend) ListOnlineNonSurgeWorkers(ctx context.Context) ([]*store.Worker, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, distro, mem_total, cpu_total, cpu_type, concurrent_runs, host_tags,
		        api_key, enlisted, online, surges_only, deleted, allowed_tags, last_ping
		 FROM workers WHERE enlisted = 1 AND online = 1 AND surges_only = 0 AND deleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list online non-surge workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func scanWorkers(rows *sql.Rows) ([]*store.Worker, error) {
	var out []*store.Worker
	for rows.Next() {
		w := &store.Worker{}
		var hostTags, allowedTags sql.NullString
		var lastPing sql.NullString
		var enlisted, online, surgesOnly, deleted int
		if err := rows.Scan(&w.ID, &w.Name, &w.Distro, &w.MemTotal, &w.CPUTotal, &w.CPUType, &w.ConcurrentRuns, &hostTags,
			&w.APIKey, &enlisted, &online, &surgesOnly, &deleted, &allowedTags, &lastPing); err != nil {
			return nil, fmt.Errorf("sqlite: scan worker: %w", err)
		}
		w.Enlisted, w.Online, w.SurgesOnly, w.Deleted = enlisted != 0, online != 0, surgesOnly != 0, deleted != 0
		w.HostTags = splitTags(hostTags.String)
		w.AllowedTags = splitTags(allowedTags.String)
		if lastPing.Valid {
			w.LastPing, _ = parseTime(lastPing.String)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ---- ProjectTrigger ----

func (b *Backend) CreateTrigger(ctx context.Context, t *store.ProjectTrigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO project_triggers (project_id, name, type, secret_data, webhook_key, definition_repo, definition_file)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ProjectID, t.Name, t.Type, t.SecretData, t.WebhookKey, t.DefinitionRepo, t.DefinitionFile,
	)
	if err != nil {
		return mapUniqueViolation(err, "trigger", t.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create trigger: last insert id: %w", err)
	}
	t.ID = id
	return nil
}

func (b *Backend) GetTrigger(ctx context.Context, projectID int64, name string) (*store.ProjectTrigger, error) {
	t := &store.ProjectTrigger{}
	err := b.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, type, secret_data, webhook_key, definition_repo, definition_file
		 FROM project_triggers WHERE project_id = ? AND name = ?`, projectID, name,
	).Scan(&t.ID, &t.ProjectID, &t.Name, &t.Type, &t.SecretData, &t.WebhookKey, &t.DefinitionRepo, &t.DefinitionFile)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "trigger", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get trigger: %w", err)
	}
	return t, nil
}

func (b *Backend) ListTriggersByType(ctx context.Context, projectID int64, triggerType string) ([]*store.ProjectTrigger, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, project_id, name, type, secret_data, webhook_key, definition_repo, definition_file
		 FROM project_triggers WHERE project_id = ? AND type = ?`, projectID, triggerType)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list triggers by type: %w", err)
	}
	defer rows.Close()
	var out []*store.ProjectTrigger
	for rows.Next() {
		t := &store.ProjectTrigger{}
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Type, &t.SecretData, &t.WebhookKey, &t.DefinitionRepo, &t.DefinitionFile); err != nil {
			return nil, fmt.Errorf("sqlite: list triggers by type: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *Backend) DeleteTrigger(ctx context.Context, projectID int64, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.ExecContext(ctx, `DELETE FROM project_triggers WHERE project_id = ? AND name = ?`, projectID, name)
	if err != nil {
		return fmt.Errorf("sqlite: delete trigger: %w", err)
	}
	return checkRowsAffected(res, "trigger", name)
}

// ---- Test / TestResult ----

func (b *Backend) CreateTest(ctx context.Context, t *store.Test) (*store.Test, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO tests (run_id, name, context) VALUES (?, ?, ?)
		 ON CONFLICT (run_id, name, context) DO UPDATE SET name = excluded.name`,
		t.RunID, t.Name, t.Context)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create test: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		// upsert hit the conflict branch; look the row up explicitly.
		return b.GetTest(ctx, t.RunID, t.Name, t.Context)
	}
	t.ID = id
	return t, nil
}

func (b *Backend) GetTest(ctx context.Context, runID int64, name, context string) (*store.Test, error) {
	t := &store.Test{RunID: runID, Name: name, Context: context}
	err := b.db.QueryRowContext(ctx,
		`SELECT id FROM tests WHERE run_id = ? AND name = ? AND context = ?`, runID, name, context,
	).Scan(&t.ID)
	if err == sql.ErrNoRows {
		return nil, &jobservErrors.NotFoundError{Resource: "test", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get test: %w", err)
	}
	return t, nil
}

func (b *Backend) AddTestResult(ctx context.Context, r *store.TestResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO test_results (test_id, name, status, context, message) VALUES (?, ?, ?, ?, ?)`,
		r.TestID, r.Name, r.Status, r.Context, r.Message)
	if err != nil {
		return fmt.Errorf("sqlite: add test result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: add test result: last insert id: %w", err)
	}
	r.ID = id
	return nil
}

func (b *Backend) ListTestResults(ctx context.Context, testID int64) ([]*store.TestResult, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, test_id, name, status, context, message FROM test_results WHERE test_id = ?`, testID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list test results: %w", err)
	}
	defer rows.Close()
	var out []*store.TestResult
	for rows.Next() {
		r := &store.TestResult{}
		if err := rows.Scan(&r.ID, &r.TestID, &r.Name, &r.Status, &r.Context, &r.Message); err != nil {
			return nil, fmt.Errorf("sqlite: list test results: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- helpers ----

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

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
	if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique") {
		return &jobservErrors.ConflictError{Message: fmt.Sprintf("%s %q already exists", resource, id)}
	}
	return fmt.Errorf("sqlite: %w", err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return &jobservErrors.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}
