package dashboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultSQLitePath is used when no DSN is configured for sqlite
const DefaultSQLitePath = "./log/history.db"

// flushThreshold is the number of buffered rows that triggers a write
const flushThreshold = 256

// ErrWriterClosed is returned when recording after Close
var ErrWriterClosed = errors.New("dashboard: writer closed")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		started_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scalars (
		run_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		axis TEXT NOT NULL,
		step INTEGER NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		recorded_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scalars_run_tag ON scalars(run_id, tag)`,
}

// scalarRow is one buffered insert
type scalarRow struct {
	tag        string
	axis       string
	step       int
	value      float64
	recordedAt int64
}

// SQLWriter stores scalars in an SQL table keyed by a generated run id.
// Every scalar is stored once per registered axis.
type SQLWriter struct {
	mu      sync.Mutex
	db      *sql.DB
	driver  string
	runID   string
	axes    Axes
	pending []scalarRow
	err     error
	closed  bool
	logger  *slog.Logger
}

// OpenSQLWriter connects to the database, creates the schema and registers a new run
func OpenSQLWriter(ctx context.Context, driver, dsn, runName string, logger *slog.Logger) (*SQLWriter, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	db, err := openDB(driver, dsn)
	if err != nil {
		return nil, err
	}

	w := &SQLWriter{
		db:     db,
		driver: driver,
		runID:  uuid.NewString(),
		logger: logger,
	}
	if err := w.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if runName == "" {
		runName = w.runID
	}
	_, err = db.ExecContext(ctx, rebind(driver, `INSERT INTO runs (id, name, started_at) VALUES (?, ?, ?)`),
		w.runID, runName, time.Now().UnixNano())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register run: %w", err)
	}

	logger.Info("recording scalars", "driver", driver, "run_id", w.runID, "run", runName)
	return w, nil
}

func openDB(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = DefaultSQLitePath
		}
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres dashboard requires a connection string")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func (w *SQLWriter) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// RunID returns the identifier rows are recorded under
func (w *SQLWriter) RunID() string {
	return w.runID
}

func (w *SQLWriter) UpdateAxes(axis string) {
	w.axes.Update(axis)
}

func (w *SQLWriter) AddScalar(tag string, value float64) {
	if !finite(value) {
		w.logger.Debug("skipping non-finite scalar", "tag", tag, "value", value)
		return
	}

	now := time.Now().UnixNano()
	axes := w.axes.Snapshot()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	for _, a := range axes {
		w.pending = append(w.pending, scalarRow{tag: tag, axis: a.Axis, step: a.Step, value: value, recordedAt: now})
	}
	if len(axes) == 0 {
		w.pending = append(w.pending, scalarRow{tag: tag, value: value, recordedAt: now})
	}
	if len(w.pending) >= flushThreshold {
		w.flushLocked(context.Background())
	}
}

func (w *SQLWriter) AddAny(tag string, value interface{}) {
	scalars := Flatten(tag, value)
	for _, t := range sortedTags(scalars) {
		w.AddScalar(t, scalars[t])
	}
}

// Flush writes buffered rows in a single transaction
func (w *SQLWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	w.flushLocked(ctx)
	return w.err
}

func (w *SQLWriter) flushLocked(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	if err := w.insert(ctx, w.pending); err != nil {
		if w.err == nil {
			w.err = err
		}
		w.logger.Warn("failed to record scalars", "rows", len(w.pending), "error", err)
	}
	w.pending = w.pending[:0]
}

func (w *SQLWriter) insert(ctx context.Context, rows []scalarRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, rebind(w.driver,
		`INSERT INTO scalars (run_id, tag, axis, step, value, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, w.runID, r.tag, r.axis, r.step, r.value, r.recordedAt); err != nil {
			return fmt.Errorf("failed to insert scalar %s: %w", r.tag, err)
		}
	}
	return tx.Commit()
}

// Close flushes remaining rows and closes the database.
// It returns the first write error encountered during the run.
func (w *SQLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.flushLocked(context.Background())
	w.closed = true

	return errors.Join(w.err, w.db.Close())
}

// rebind rewrites ? placeholders into $n for postgres
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Run describes one recorded training run
type Run struct {
	ID        string
	Name      string
	StartedAt time.Time
}

// Point is one recorded scalar
type Point struct {
	Tag        string
	Axis       string
	Step       int
	Value      float64
	RecordedAt time.Time
}

// History reads what SQLWriter recorded
type History struct {
	db     *sql.DB
	driver string
}

// OpenHistory opens a history database for reading
func OpenHistory(driver, dsn string) (*History, error) {
	db, err := openDB(driver, dsn)
	if err != nil {
		return nil, err
	}
	return &History{db: db, driver: driver}, nil
}

// Runs lists recorded runs, most recent first
func (h *History) Runs(ctx context.Context) ([]Run, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT id, name, started_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var started int64
		if err := rows.Scan(&run.ID, &run.Name, &started); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.StartedAt = time.Unix(0, started)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Scalars returns the points of runID, filtered by tag when tag is not empty,
// ordered by tag, axis and step
func (h *History) Scalars(ctx context.Context, runID, tag string) ([]Point, error) {
	query := `SELECT tag, axis, step, value, recorded_at FROM scalars WHERE run_id = ?`
	args := []interface{}{runID}
	if tag != "" {
		query += ` AND tag = ?`
		args = append(args, tag)
	}
	query += ` ORDER BY tag, axis, step, recorded_at`

	rows, err := h.db.QueryContext(ctx, rebind(h.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scalars: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var recorded int64
		if err := rows.Scan(&p.Tag, &p.Axis, &p.Step, &p.Value, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan scalar: %w", err)
		}
		p.RecordedAt = time.Unix(0, recorded)
		points = append(points, p)
	}
	return points, rows.Err()
}

// Close closes the database
func (h *History) Close() error {
	return h.db.Close()
}
