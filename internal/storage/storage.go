package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// ErrNotFound reports a missing run
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for label masks and analysis results.
// Every row is keyed by the experiment it belongs to.
type Store struct {
	DB *sql.DB // Export for direct database access

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// SQLite allows a single writer
	writeMu sync.Mutex
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	// busy_timeout is per connection, so it goes in the DSN
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{DB: db, encoder: encoder, decoder: decoder}
	if err := s.ensureSchema(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS analysis_runs (
            experiment TEXT NOT NULL,
            id TEXT NOT NULL,
            status TEXT NOT NULL,
            params_json TEXT,
            wells INTEGER,
            failed_wells INTEGER,
            created_at TEXT NOT NULL,
            completed_at TEXT,
            error_message TEXT,
            PRIMARY KEY (experiment, id)
        );`,
		`CREATE TABLE IF NOT EXISTS label_masks (
            experiment TEXT NOT NULL,
            well_index INTEGER NOT NULL,
            channel TEXT NOT NULL,
            width INTEGER NOT NULL,
            height INTEGER NOT NULL,
            num_labels INTEGER NOT NULL,
            data BLOB NOT NULL,
            created_at TEXT NOT NULL,
            PRIMARY KEY (experiment, well_index, channel)
        );`,
		`CREATE TABLE IF NOT EXISTS well_metrics (
            experiment TEXT NOT NULL,
            run_id TEXT NOT NULL,
            well_id TEXT NOT NULL,
            channel TEXT NOT NULL,
            num_cells INTEGER NOT NULL,
            background_mean REAL,
            background_std REAL,
            background_pixels INTEGER NOT NULL,
            PRIMARY KEY (experiment, run_id, well_id, channel)
        );`,
		`CREATE TABLE IF NOT EXISTS cell_metrics (
            experiment TEXT NOT NULL,
            run_id TEXT NOT NULL,
            well_id TEXT NOT NULL,
            channel TEXT NOT NULL,
            label INTEGER NOT NULL,
            mean REAL NOT NULL,
            area INTEGER NOT NULL,
            PRIMARY KEY (experiment, run_id, well_id, channel, label)
        );`,
		`CREATE TABLE IF NOT EXISTS plate_signal (
            experiment TEXT NOT NULL,
            run_id TEXT NOT NULL,
            position INTEGER NOT NULL,
            well_id TEXT NOT NULL,
            num_cells INTEGER NOT NULL,
            num_signal_cells INTEGER NOT NULL,
            scaffold_signal REAL,
            epi_signal REAL,
            ratio REAL,
            percent_positive REAL,
            valid BOOLEAN NOT NULL,
            ratio_valid BOOLEAN NOT NULL,
            conditions_json TEXT,
            PRIMARY KEY (experiment, run_id, well_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_runs_created_at ON analysis_runs(experiment, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	if s.encoder != nil {
		s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return s.DB.Close()
}

// RunRecord captures a persisted analysis run.
type RunRecord struct {
	Experiment  string
	ID          string
	Status      string
	Params      map[string]any
	Wells       int
	FailedWells int
	CreatedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// RecordRunStart inserts a running analysis run.
func (s *Store) RecordRunStart(ctx context.Context, rec RunRecord) error {
	if s == nil {
		return nil
	}
	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO analysis_runs (experiment, id, status, params_json, wells, failed_wells, created_at) VALUES (?, ?, 'running', ?, ?, 0, ?);`,
		rec.Experiment, rec.ID, string(paramsJSON), rec.Wells, formatTime(created))
	return err
}

// RecordRunResult finalizes a run with status and failure count.
func (s *Store) RecordRunResult(ctx context.Context, experiment, id, status string, failedWells int, errMsg string) error {
	if s == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.DB.ExecContext(ctx, `UPDATE analysis_runs SET status=?, failed_wells=?, completed_at=?, error_message=? WHERE experiment=? AND id=?;`,
		status, failedWells, formatTime(time.Now()), errMsg, experiment, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s of experiment %q: %w", id, experiment, ErrNotFound)
	}
	return nil
}

const runColumns = `experiment, id, status, params_json, wells, failed_wells, created_at, completed_at, error_message`

// Run fetches a run of an experiment by id.
func (s *Store) Run(ctx context.Context, experiment, id string) (*RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE experiment=? AND id=?;`, experiment, id)
	return scanRun(row)
}

// LatestRun returns the most recently started completed run of an experiment.
func (s *Store) LatestRun(ctx context.Context, experiment string) (*RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE experiment=? AND status='completed' ORDER BY created_at DESC, rowid DESC LIMIT 1;`, experiment)
	return scanRun(row)
}

// RecentRuns returns the latest runs of an experiment up to limit.
func (s *Store) RecentRuns(ctx context.Context, experiment string, limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE experiment=? ORDER BY created_at DESC, rowid DESC LIMIT ?;`, experiment, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var rec RunRecord
	var paramsJSON, created string
	var completed, errorMsg sql.NullString
	err := row.Scan(&rec.Experiment, &rec.ID, &rec.Status, &paramsJSON, &rec.Wells, &rec.FailedWells, &created, &completed, &errorMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if paramsJSON != "" && paramsJSON != "null" {
		if err := json.Unmarshal([]byte(paramsJSON), &rec.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, err
		}
		rec.CompletedAt = &t
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return &rec, nil
}

// timeLayout is fixed width so that stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullFloat stores NaN and infinities as SQL NULL
func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
