package loggers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/trainloop/trainer"
)

// SQLiteLogger stores runs, hyperparameters and metrics in one database so
// that runs can be compared with SQL.
type SQLiteLogger struct {
	db     *sql.DB
	dbPath string
	name   string
	runID  string

	pending []metricRow
}

type metricRow struct {
	step  int
	key   string
	value float64
}

// NewSQLiteLogger opens (creating if needed) dbPath and registers a new run.
func NewSQLiteLogger(dbPath, name string) (*SQLiteLogger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	l := &SQLiteLogger{db: db, dbPath: dbPath, name: name, runID: uuid.NewString()}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO runs (id, name, status, started_at) VALUES (?, ?, ?, ?)`,
		l.runID, name, string(trainer.StatusRunning), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register run: %w", err)
	}
	return l, nil
}

func (l *SQLiteLogger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE TABLE IF NOT EXISTS hparams (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (run_id, key),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS metrics (
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		key TEXT NOT NULL,
		value REAL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_metrics_run_key ON metrics(run_id, key, step);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *SQLiteLogger) Name() string { return l.name }

// Version is the run id.
func (l *SQLiteLogger) Version() string { return l.runID }

// RunID returns the UUID of the run row.
func (l *SQLiteLogger) RunID() string { return l.runID }

// DB exposes the connection for queries.
func (l *SQLiteLogger) DB() *sql.DB { return l.db }

func (l *SQLiteLogger) LogHyperparams(params map[string]any) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for k, v := range params {
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding hyperparameter %s: %w", k, err)
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO hparams (run_id, key, value) VALUES (?, ?, ?)`, l.runID, k, string(encoded)); err != nil {
			return fmt.Errorf("storing hyperparameter %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// LogMetrics buffers rows until Save.
func (l *SQLiteLogger) LogMetrics(metrics map[string]float64, step int) error {
	for k, v := range metrics {
		l.pending = append(l.pending, metricRow{step: step, key: k, value: v})
	}
	return nil
}

// Save writes buffered metrics in one transaction.
func (l *SQLiteLogger) Save() error {
	if len(l.pending) == 0 {
		return nil
	}
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO metrics (run_id, step, key, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range l.pending {
		if _, err := stmt.Exec(l.runID, r.step, r.key, r.value); err != nil {
			return fmt.Errorf("storing metric %s: %w", r.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logrus.Debugf("sqlite logger: stored %d metric rows for run %s", len(l.pending), l.runID)
	l.pending = l.pending[:0]
	return nil
}

// Finalize flushes and records the final status. The connection stays open
// so the logger can serve later entry points; see Close.
func (l *SQLiteLogger) Finalize(status trainer.Status) error {
	if err := l.Save(); err != nil {
		return err
	}
	if _, err := l.db.Exec(`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), l.runID); err != nil {
		return fmt.Errorf("recording run status: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *SQLiteLogger) Close() error {
	return l.db.Close()
}

// MetricSeries returns the (step, value) pairs of key for this run.
func (l *SQLiteLogger) MetricSeries(key string) ([]int, []float64, error) {
	rows, err := l.db.Query(`SELECT step, value FROM metrics WHERE run_id = ? AND key = ? ORDER BY step, rowid`, l.runID, key)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var steps []int
	var values []float64
	for rows.Next() {
		var s int
		var v sql.NullFloat64
		if err := rows.Scan(&s, &v); err != nil {
			return nil, nil, err
		}
		steps = append(steps, s)
		if v.Valid {
			values = append(values, v.Float64)
		} else {
			values = append(values, math.NaN())
		}
	}
	return steps, values, rows.Err()
}
