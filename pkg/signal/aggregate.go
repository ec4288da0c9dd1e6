// Package signal classifies signal-positive cells across a plate and
// computes per-well signal ratios joined to the plate metadata.
package signal

import (
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"wellplate/internal/models"
	"wellplate/pkg/cellmetrics"
	"wellplate/pkg/plate"
)

// WellMetrics holds the cell metrics of one well keyed by channel name
type WellMetrics map[string]*cellmetrics.Result

// Params selects the channels and threshold of an aggregation
type Params struct {
	// ScaffoldChannel decides which cells are signal-positive
	ScaffoldChannel string

	// EpiChannel is measured over the same signal-positive cells
	EpiChannel string

	// ThresholdFactor is the number of background standard deviations above
	// the background mean a cell must exceed
	ThresholdFactor float64
}

// Validate checks that both channels are named
func (p Params) Validate() error {
	if p.ScaffoldChannel == "" || p.EpiChannel == "" {
		return fmt.Errorf("scaffold and epi channels must be set")
	}
	if math.IsNaN(p.ThresholdFactor) || math.IsInf(p.ThresholdFactor, 0) {
		return fmt.Errorf("threshold factor must be finite")
	}
	return nil
}

// Aggregation is the plate-level result
type Aggregation struct {
	// Rows has one entry per metadata well, in metadata order
	Rows []models.PlateSignalRow

	// Dropped lists metric well ids absent from the metadata
	Dropped []string

	// Issues collects per-well problems that produced invalid rows
	Issues []error
}

// Row returns the row of a well id
func (a *Aggregation) Row(wellID string) (models.PlateSignalRow, bool) {
	for _, r := range a.Rows {
		if r.WellID == wellID {
			return r, true
		}
	}
	return models.PlateSignalRow{}, false
}

// Aggregate computes one row per well and left-joins the rows onto the plate
// metadata. Every metadata well gets a row, using the invalid sentinel when
// its metrics are missing; metrics for wells absent from the metadata are
// logged as ErrUnknownWell and dropped.
func Aggregate(metrics map[string]WellMetrics, params Params, metadata *plate.Metadata, logger *slog.Logger) (*Aggregation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if metadata == nil {
		return nil, fmt.Errorf("plate metadata is nil")
	}

	agg := &Aggregation{}

	unknown := make([]string, 0)
	for wellID := range metrics {
		if _, ok := metadata.Lookup(wellID); !ok {
			unknown = append(unknown, wellID)
		}
	}
	sort.Strings(unknown)
	for _, wellID := range unknown {
		err := fmt.Errorf("%w: %s has metrics but no plate metadata", models.ErrUnknownWell, wellID)
		logger.Warn("dropping well metrics", "well", wellID, "error", err)
		agg.Dropped = append(agg.Dropped, wellID)
	}

	for _, rec := range metadata.Records() {
		var row models.PlateSignalRow
		wm, ok := metrics[rec.WellID]
		if !ok {
			row = models.InvalidRow(rec.WellID)
		} else {
			var err error
			row, err = WellRow(rec.WellID, wm, params)
			if err != nil {
				logger.Warn("invalid well metrics", "well", rec.WellID, "error", err)
				agg.Issues = append(agg.Issues, err)
			}
		}
		row.Conditions = maps.Clone(rec.Values)
		agg.Rows = append(agg.Rows, row)
	}

	return agg, nil
}

// WellRow computes the signal row of a single well. A well without cells
// yields the invalid sentinel; a well whose metrics lack a channel yields the
// sentinel together with ErrMissingChannel, and a scaffold plane without
// background pixels yields it together with ErrNoBackground.
func WellRow(wellID string, wm WellMetrics, params Params) (models.PlateSignalRow, error) {
	scaffold, ok := wm[params.ScaffoldChannel]
	if !ok || scaffold == nil {
		return models.InvalidRow(wellID), fmt.Errorf("well %s: %w: %q", wellID, models.ErrMissingChannel, params.ScaffoldChannel)
	}
	epi, ok := wm[params.EpiChannel]
	if !ok || epi == nil {
		return models.InvalidRow(wellID), fmt.Errorf("well %s: %w: %q", wellID, models.ErrMissingChannel, params.EpiChannel)
	}

	row := models.InvalidRow(wellID)
	row.NumCells = scaffold.NumCells()
	if row.NumCells == 0 {
		return row, nil
	}
	if scaffold.BackgroundPixels == 0 {
		return row, fmt.Errorf("well %s: %w: channel %q", wellID, models.ErrNoBackground, params.ScaffoldChannel)
	}

	threshold := scaffold.BackgroundMean + params.ThresholdFactor*scaffold.BackgroundStd

	var scaffoldSignal, epiSignal []float64
	for i, label := range scaffold.Labels {
		s := scaffold.Means[i]
		if !(s > threshold) {
			continue
		}
		e, ok := epi.MeanOf(label)
		if !ok {
			return models.InvalidRow(wellID), fmt.Errorf("well %s: epi metrics have no cell %d", wellID, label)
		}
		scaffoldSignal = append(scaffoldSignal, s)
		epiSignal = append(epiSignal, e)
	}

	row.Valid = true
	row.NumSignalCells = len(scaffoldSignal)
	row.PercentPositive = 100 * float64(row.NumSignalCells) / float64(row.NumCells)
	if row.NumSignalCells == 0 {
		return row, nil
	}

	n := float64(row.NumSignalCells)
	row.ScaffoldSignal = floats.Sum(scaffoldSignal) / n
	row.EpiSignal = floats.Sum(epiSignal) / n
	if row.ScaffoldSignal != 0 {
		row.Ratio = row.EpiSignal / row.ScaffoldSignal
		row.RatioValid = true
	}
	return row, nil
}
