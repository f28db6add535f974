// Package recording persists collision traces of simulator runs.
package recording

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/miretskiy/pistongas/simulator"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

const defaultBatchSize = 100000

// SQLiteTraceWriter writes the collisions of one run to a SQLite database.
// Collisions are buffered and written in batches, one transaction per batch.
type SQLiteTraceWriter struct {
	*sql.DB
	statement *sql.Stmt

	dbName    string
	runID     string
	pending   []simulator.CollisionEvent
	batchSize int
	err       error
}

// NewSQLiteTraceWriter creates a writer for the database at path. An empty
// path picks a unique name in the working directory. A final flush is
// registered to run at exit.
func NewSQLiteTraceWriter(path string) *SQLiteTraceWriter {
	w := &SQLiteTraceWriter{
		dbName:    path,
		runID:     xid.New().String(),
		batchSize: defaultBatchSize,
	}

	atexit.Register(func() { _ = w.Flush() })

	return w
}

// WithBatchSize sets how many collisions are buffered before a flush.
func (w *SQLiteTraceWriter) WithBatchSize(n int) *SQLiteTraceWriter {
	if n > 0 {
		w.batchSize = n
	}
	return w
}

// Init creates the database file and tables. It fails if the file exists.
func (w *SQLiteTraceWriter) Init() error {
	if w.dbName == "" {
		w.dbName = "pistongas_trace_" + w.runID + ".sqlite3"
	}

	if _, err := os.Stat(w.dbName); err == nil {
		return fmt.Errorf("file %s already exists", w.dbName)
	}

	db, err := sql.Open("sqlite3", w.dbName)
	if err != nil {
		return fmt.Errorf("opening %s: %w", w.dbName, err)
	}
	w.DB = db

	if err := w.createTables(); err != nil {
		return err
	}

	w.statement, err = w.Prepare(`INSERT INTO collisions VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	return nil
}

func (w *SQLiteTraceWriter) createTables() error {
	stmts := []string{
		`CREATE TABLE runs (
			id          TEXT PRIMARY KEY,
			started_at  TEXT NOT NULL,
			config      TEXT NOT NULL
		)`,
		`CREATE TABLE collisions (
			run_id                 TEXT NOT NULL,
			step                   INTEGER NOT NULL,
			time                   REAL NOT NULL,
			dt                     REAL NOT NULL,
			kind                   TEXT NOT NULL,
			particle               INTEGER NOT NULL,
			position               REAL NOT NULL,
			velocity_before        REAL NOT NULL,
			velocity_after         REAL NOT NULL,
			piston_position        REAL NOT NULL,
			piston_velocity_before REAL NOT NULL,
			piston_velocity_after  REAL NOT NULL
		)`,
		`CREATE INDEX collisions_run_step ON collisions (run_id, step)`,
	}
	for _, stmt := range stmts {
		if _, err := w.Exec(stmt); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}
	return nil
}

// RunID returns the identifier every row of this writer is tagged with.
func (w *SQLiteTraceWriter) RunID() string {
	return w.runID
}

// Path returns the database file name.
func (w *SQLiteTraceWriter) Path() string {
	return w.dbName
}

// Err returns the first error hit while flushing from Write.
func (w *SQLiteTraceWriter) Err() error {
	return w.err
}

// RecordRun stores the configuration of the run being traced.
func (w *SQLiteTraceWriter) RecordRun(cfg simulator.SimConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Exec(`INSERT INTO runs VALUES (?, ?, ?)`,
		w.runID, time.Now().UTC().Format(time.RFC3339), string(data))
	return err
}

// Write buffers a collision. It has the signature of Simulator.OnCollision.
// After the first failed flush the writer drops its buffer and ignores
// further collisions; the failure is reported by Err.
func (w *SQLiteTraceWriter) Write(ev simulator.CollisionEvent) {
	if w.err != nil {
		return
	}
	w.pending = append(w.pending, ev)
	if len(w.pending) >= w.batchSize {
		if err := w.Flush(); err != nil {
			w.err = err
			w.pending = nil
		}
	}
}

// Flush writes all the buffered collisions to the database.
func (w *SQLiteTraceWriter) Flush() error {
	if len(w.pending) == 0 || w.DB == nil {
		return nil
	}

	tx, err := w.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	stmt := tx.Stmt(w.statement)
	for _, ev := range w.pending {
		_, err := stmt.Exec(
			w.runID,
			ev.Step,
			ev.Time,
			ev.Dt,
			ev.Type.String(),
			ev.Particle,
			ev.Position,
			ev.VelocityBefore,
			ev.VelocityAfter,
			ev.PistonPosition,
			ev.PistonVelocityBefore,
			ev.PistonVelocityAfter,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("inserting collision %d: %w", ev.Step, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing collisions: %w", err)
	}

	w.pending = nil
	return nil
}

// Close flushes and closes the database.
func (w *SQLiteTraceWriter) Close() error {
	if w.DB == nil {
		return nil
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if w.statement != nil {
		_ = w.statement.Close()
	}
	err := w.DB.Close()
	w.DB = nil
	return err
}

// ReadCollisions loads the collisions of one run, in step order.
func ReadCollisions(path, runID string) ([]simulator.CollisionEvent, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT step, time, dt, kind, particle, position,
			velocity_before, velocity_after,
			piston_position, piston_velocity_before, piston_velocity_after
		FROM collisions WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []simulator.CollisionEvent
	for rows.Next() {
		var ev simulator.CollisionEvent
		var kind string
		err := rows.Scan(&ev.Step, &ev.Time, &ev.Dt, &kind, &ev.Particle, &ev.Position,
			&ev.VelocityBefore, &ev.VelocityAfter,
			&ev.PistonPosition, &ev.PistonVelocityBefore, &ev.PistonVelocityAfter)
		if err != nil {
			return nil, err
		}
		if ev.Type, err = simulator.ParseEventType(kind); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
