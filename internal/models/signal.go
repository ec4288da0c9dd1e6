package models

import (
	"encoding/json"
	"math"
)

// PlateSignalRow is the per-well result of a plate analysis
type PlateSignalRow struct {
	WellID         string
	NumCells       int
	NumSignalCells int

	// ScaffoldSignal and EpiSignal are mean intensities over signal-positive cells
	ScaffoldSignal float64
	EpiSignal      float64

	Ratio           float64
	PercentPositive float64

	// Valid is false when the well has no cells or no usable metrics.
	// Ratio and PercentPositive are NaN in that case.
	Valid bool

	// RatioValid is false when no cell passed the threshold
	RatioValid bool

	// Conditions holds the well's plate metadata columns
	Conditions map[string]string
}

// InvalidRow returns the sentinel row for a well without usable metrics
func InvalidRow(wellID string) PlateSignalRow {
	nan := math.NaN()
	return PlateSignalRow{
		WellID:          wellID,
		ScaffoldSignal:  nan,
		EpiSignal:       nan,
		Ratio:           nan,
		PercentPositive: nan,
	}
}

type plateSignalJSON struct {
	WellID          string            `json:"well_id"`
	NumCells        int               `json:"num_cells"`
	NumSignalCells  int               `json:"num_signal_cells"`
	ScaffoldSignal  *float64          `json:"scaffold_signal"`
	EpiSignal       *float64          `json:"epi_signal"`
	Ratio           *float64          `json:"ratio"`
	PercentPositive *float64          `json:"percent_positive"`
	Valid           bool              `json:"valid"`
	RatioValid      bool              `json:"ratio_valid"`
	Conditions      map[string]string `json:"conditions,omitempty"`
}

// MarshalJSON encodes undefined measurements as null
func (r PlateSignalRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(plateSignalJSON{
		WellID:          r.WellID,
		NumCells:        r.NumCells,
		NumSignalCells:  r.NumSignalCells,
		ScaffoldSignal:  finite(r.ScaffoldSignal),
		EpiSignal:       finite(r.EpiSignal),
		Ratio:           finite(r.Ratio),
		PercentPositive: finite(r.PercentPositive),
		Valid:           r.Valid,
		RatioValid:      r.RatioValid,
		Conditions:      r.Conditions,
	})
}

// UnmarshalJSON restores null measurements as NaN
func (r *PlateSignalRow) UnmarshalJSON(data []byte) error {
	var raw plateSignalJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = PlateSignalRow{
		WellID:          raw.WellID,
		NumCells:        raw.NumCells,
		NumSignalCells:  raw.NumSignalCells,
		ScaffoldSignal:  orNaN(raw.ScaffoldSignal),
		EpiSignal:       orNaN(raw.EpiSignal),
		Ratio:           orNaN(raw.Ratio),
		PercentPositive: orNaN(raw.PercentPositive),
		Valid:           raw.Valid,
		RatioValid:      raw.RatioValid,
		Conditions:      raw.Conditions,
	}
	return nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
