package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"wellplate/internal/models"
	"wellplate/pkg/cellmetrics"
)

// SaveWellMetrics stores the metrics of one well channel for a run.
func (s *Store) SaveWellMetrics(ctx context.Context, experiment, runID, wellID, channel string, res *cellmetrics.Result) error {
	if s == nil {
		return nil
	}
	if res == nil {
		return fmt.Errorf("nil metrics for well %s channel %q", wellID, channel)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO well_metrics (experiment, run_id, well_id, channel, num_cells, background_mean, background_std, background_pixels) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		experiment, runID, wellID, channel, res.NumCells(), nullFloat(res.BackgroundMean), nullFloat(res.BackgroundStd), res.BackgroundPixels); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cell_metrics WHERE experiment=? AND run_id=? AND well_id=? AND channel=?;`, experiment, runID, wellID, channel); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cell_metrics (experiment, run_id, well_id, channel, label, mean, area) VALUES (?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, label := range res.Labels {
		if _, err := stmt.ExecContext(ctx, experiment, runID, wellID, channel, label, res.Means[i], res.Areas[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// WellMetrics loads the metrics of one well channel of a run.
func (s *Store) WellMetrics(ctx context.Context, experiment, runID, wellID, channel string) (*cellmetrics.Result, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var bgMean, bgStd sql.NullFloat64
	res := &cellmetrics.Result{}
	var numCells int
	err := s.DB.QueryRowContext(ctx, `SELECT num_cells, background_mean, background_std, background_pixels FROM well_metrics WHERE experiment=? AND run_id=? AND well_id=? AND channel=?;`,
		experiment, runID, wellID, channel).Scan(&numCells, &bgMean, &bgStd, &res.BackgroundPixels)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metrics for well %s channel %q: %w", wellID, channel, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	res.BackgroundMean = floatOrNaN(bgMean)
	res.BackgroundStd = floatOrNaN(bgStd)

	rows, err := s.DB.QueryContext(ctx, `SELECT label, mean, area FROM cell_metrics WHERE experiment=? AND run_id=? AND well_id=? AND channel=? ORDER BY label;`, experiment, runID, wellID, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var label int32
		var mean float64
		var area int
		if err := rows.Scan(&label, &mean, &area); err != nil {
			return nil, err
		}
		res.Labels = append(res.Labels, label)
		res.Means = append(res.Means, mean)
		res.Areas = append(res.Areas, area)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(res.Labels) != numCells {
		return nil, fmt.Errorf("well %s channel %q: stored %d cells, expected %d", wellID, channel, len(res.Labels), numCells)
	}
	return res, nil
}

// SavePlateRows replaces the plate signal rows of a run, keeping their order.
// Undefined measurements are stored as NULL.
func (s *Store) SavePlateRows(ctx context.Context, experiment, runID string, rows []models.PlateSignalRow) error {
	if s == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM plate_signal WHERE experiment=? AND run_id=?;`, experiment, runID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO plate_signal (experiment, run_id, position, well_id, num_cells, num_signal_cells, scaffold_signal, epi_signal, ratio, percent_positive, valid, ratio_valid, conditions_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range rows {
		condJSON, err := json.Marshal(r.Conditions)
		if err != nil {
			return fmt.Errorf("marshal conditions of %s: %w", r.WellID, err)
		}
		if _, err := stmt.ExecContext(ctx, experiment, runID, i, r.WellID, r.NumCells, r.NumSignalCells,
			nullFloat(r.ScaffoldSignal), nullFloat(r.EpiSignal), nullFloat(r.Ratio), nullFloat(r.PercentPositive),
			r.Valid, r.RatioValid, string(condJSON)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PlateRows returns the plate signal rows of a run in their stored order.
func (s *Store) PlateRows(ctx context.Context, experiment, runID string) ([]models.PlateSignalRow, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT well_id, num_cells, num_signal_cells, scaffold_signal, epi_signal, ratio, percent_positive, valid, ratio_valid, conditions_json
        FROM plate_signal WHERE experiment=? AND run_id=? ORDER BY position;`, experiment, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PlateSignalRow
	for rows.Next() {
		var r models.PlateSignalRow
		var scaffold, epi, ratio, percent sql.NullFloat64
		var condJSON sql.NullString
		if err := rows.Scan(&r.WellID, &r.NumCells, &r.NumSignalCells, &scaffold, &epi, &ratio, &percent, &r.Valid, &r.RatioValid, &condJSON); err != nil {
			return nil, err
		}
		r.ScaffoldSignal = floatOrNaN(scaffold)
		r.EpiSignal = floatOrNaN(epi)
		r.Ratio = floatOrNaN(ratio)
		r.PercentPositive = floatOrNaN(percent)
		if condJSON.Valid && condJSON.String != "null" {
			if err := json.Unmarshal([]byte(condJSON.String), &r.Conditions); err != nil {
				return nil, fmt.Errorf("unmarshal conditions of %s: %w", r.WellID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
