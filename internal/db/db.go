// Package db is the sqlite telemetry store: one row per controller run and
// one row per vehicle event.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/floorfleet/internal/monitoring"
	"github.com/banshee-data/floorfleet/internal/security"
)

var (
	logf        = monitoring.Component("db")
	migrateLogf = monitoring.Component("migrate")
)

type DB struct {
	*sql.DB
	path string
}

// Pragmas are passed in the DSN so every pooled connection gets them.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Run is one controller session.
type Run struct {
	RunID     string     `json:"run_id"`
	Layout    string     `json:"layout"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// VehicleEvent is one stored routing event.
type VehicleEvent struct {
	RunID      string    `json:"run_id"`
	VehicleID  int       `json:"vehicle_id"`
	Kind       string    `json:"kind"`
	NodeID     int       `json:"node_id"`
	SegmentID  int       `json:"segment_id"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

// StartRun records the start of a run and returns its id.
func (db *DB) StartRun(layout string, at time.Time) (string, error) {
	runID := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO runs (run_id, layout, started_at) VALUES (?, ?, ?)`,
		runID, layout, unixSeconds(at),
	)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	logf("run %s started on layout %q", runID, layout)
	return runID, nil
}

// StopRun marks a run finished.
func (db *DB) StopRun(runID string, at time.Time) error {
	res, err := db.Exec(`UPDATE runs SET stopped_at = ? WHERE run_id = ?`, unixSeconds(at), runID)
	if err != nil {
		return fmt.Errorf("stop run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stop run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// Runs lists runs, newest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, layout, started_at, stopped_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started float64
		var stopped sql.NullFloat64
		if err := rows.Scan(&r.RunID, &r.Layout, &started, &stopped); err != nil {
			return nil, err
		}
		r.StartedAt = fromUnixSeconds(started)
		if stopped.Valid {
			t := fromUnixSeconds(stopped.Float64)
			r.StoppedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecordEvent stores one vehicle event.
func (db *DB) RecordEvent(e VehicleEvent) error {
	_, err := db.Exec(
		`INSERT INTO vehicle_events (
			run_id, vehicle_id, kind, node_id, segment_id, detail, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.VehicleID, e.Kind, e.NodeID, e.SegmentID, e.Detail, unixSeconds(e.RecordedAt),
	)
	return err
}

// RecentEvents returns up to limit events across all runs, newest first.
func (db *DB) RecentEvents(limit int) ([]VehicleEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT run_id, vehicle_id, kind, node_id, segment_id, detail, recorded_at
		FROM vehicle_events ORDER BY recorded_at DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []VehicleEvent
	for rows.Next() {
		var e VehicleEvent
		var at float64
		if err := rows.Scan(&e.RunID, &e.VehicleID, &e.Kind, &e.NodeID, &e.SegmentID, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.RecordedAt = fromUnixSeconds(at)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// AttachAdminRoutes mounts the SQL console and backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Fleet telemetry",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "fleet-backup-")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup dir: %v", err), http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(dir)

	base := strings.TrimSuffix(filepath.Base(db.path), filepath.Ext(db.path))
	name := fmt.Sprintf("%s-backup-%d.db", security.SanitizeFilename(base), time.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		logf("backup copy failed: %v", err)
	}
}
