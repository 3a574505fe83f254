package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/kbingest/idgen"
)

// RunSchema creates the import_runs audit table.
const RunSchema = `CREATE TABLE IF NOT EXISTS import_runs (
    run_id      TEXT PRIMARY KEY,
    source_path TEXT NOT NULL,
    category    TEXT NOT NULL DEFAULT '',
    mode        TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    sections    INTEGER NOT NULL DEFAULT 0,
    images      INTEGER NOT NULL DEFAULT 0,
    skipped     INTEGER NOT NULL DEFAULT 0,
    deleted     INTEGER NOT NULL DEFAULT 0,
    inserted    INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    started_at  INTEGER NOT NULL,
    finished_at INTEGER
)`

// Run is one row of import_runs.
type Run struct {
	ID         string
	SourcePath string
	Category   string
	Mode       string
	Status     string // running, success, error
	Sections   int
	Images     int
	Skipped    int
	Deleted    int
	Inserted   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunLog persists import runs. It writes outside the article transaction so
// a rolled-back import still leaves its failed run behind.
type RunLog struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// RunLogOption configures a RunLog.
type RunLogOption func(*RunLog)

// WithRunIDGenerator sets the generator used for run ids.
func WithRunIDGenerator(gen idgen.Generator) RunLogOption {
	return func(l *RunLog) { l.newID = gen }
}

// NewRunLog creates the table if needed.
func NewRunLog(db *sql.DB, opts ...RunLogOption) (*RunLog, error) {
	if _, err := db.Exec(RunSchema); err != nil {
		return nil, fmt.Errorf("observability: run schema: %w", err)
	}
	l := &RunLog{
		db:    db,
		newID: idgen.Prefixed("run_", idgen.Default),
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Start inserts a running row and returns its id.
func (l *RunLog) Start(ctx context.Context, sourcePath, category string) (string, error) {
	id := l.newID()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO import_runs (run_id, source_path, category, status, started_at)
		VALUES (?, ?, ?, 'running', ?)`,
		id, sourcePath, category, l.now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("observability: start run: %w", err)
	}
	return id, nil
}

// Finish records the outcome. A nil runErr marks the run successful.
func (l *RunLog) Finish(ctx context.Context, r Run, runErr error) error {
	status, msg := "success", ""
	if runErr != nil {
		status, msg = "error", runErr.Error()
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE import_runs SET mode = ?, status = ?, sections = ?, images = ?, skipped = ?,
			deleted = ?, inserted = ?, error = ?, finished_at = ?
		WHERE run_id = ?`,
		r.Mode, status, r.Sections, r.Images, r.Skipped, r.Deleted, r.Inserted, msg,
		l.now().UnixMilli(), r.ID)
	if err != nil {
		return fmt.Errorf("observability: finish run %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns the latest runs, newest first.
func (l *RunLog) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, source_path, category, mode, status, sections, images, skipped,
			deleted, inserted, error, started_at, COALESCE(finished_at, 0)
		FROM import_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.SourcePath, &r.Category, &r.Mode, &r.Status,
			&r.Sections, &r.Images, &r.Skipped, &r.Deleted, &r.Inserted, &r.Error,
			&started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if finished > 0 {
			r.FinishedAt = time.UnixMilli(finished)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
