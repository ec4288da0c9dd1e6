package storage

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"wellplate/internal/models"
	"wellplate/pkg/cellmetrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "wellplate.db"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mask := models.NewLabelMask(3, 2)
	copy(mask.Labels, []int32{0, 1, 1, 0, 70000, 2})

	if ok, err := s.HasMask(ctx, "exp1", 5, "365 nm"); err != nil || ok {
		t.Fatalf("Expected no mask before save, got %v %v", ok, err)
	}
	if err := s.SaveMask(ctx, "exp1", 5, "365 nm", mask); err != nil {
		t.Fatalf("SaveMask failed: %v", err)
	}
	if ok, err := s.HasMask(ctx, "exp1", 5, "365 nm"); err != nil || !ok {
		t.Fatalf("Expected stored mask, got %v %v", ok, err)
	}

	got, err := s.LoadMask(ctx, "exp1", 5, "365 nm")
	if err != nil {
		t.Fatalf("LoadMask failed: %v", err)
	}
	if got.Width != 3 || got.Height != 2 {
		t.Errorf("Expected 3x2 mask, got %dx%d", got.Width, got.Height)
	}
	for i := range mask.Labels {
		if got.Labels[i] != mask.Labels[i] {
			t.Fatalf("Expected labels %v, got %v", mask.Labels, got.Labels)
		}
	}

	infos, err := s.Masks(ctx, "exp1", "365 nm")
	if err != nil {
		t.Fatalf("Masks failed: %v", err)
	}
	if len(infos) != 1 || infos[0].NumLabels != 70000 {
		t.Errorf("Unexpected mask listing %+v", infos)
	}

	if removed, err := s.DeleteMask(ctx, "exp1", 5, "365 nm"); err != nil || !removed {
		t.Fatalf("Expected DeleteMask to remove the mask, got %v %v", removed, err)
	}
	if removed, err := s.DeleteMask(ctx, "exp1", 5, "365 nm"); err != nil || removed {
		t.Errorf("Expected a second DeleteMask to remove nothing, got %v %v", removed, err)
	}
	if _, err := s.LoadMask(ctx, "exp1", 5, "365 nm"); !errors.Is(err, models.ErrMaskNotFound) {
		t.Errorf("Expected ErrMaskNotFound, got %v", err)
	}
}

func TestRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestRun(ctx, "exp1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound without runs, got %v", err)
	}

	for _, id := range []string{"run-a", "run-b"} {
		if err := s.RecordRunStart(ctx, RunRecord{Experiment: "exp1", ID: id, Wells: 96, Params: map[string]any{"factor": 1.5}}); err != nil {
			t.Fatalf("RecordRunStart failed: %v", err)
		}
		if err := s.RecordRunResult(ctx, "exp1", id, "completed", 2, ""); err != nil {
			t.Fatalf("RecordRunResult failed: %v", err)
		}
	}
	if err := s.RecordRunStart(ctx, RunRecord{Experiment: "exp1", ID: "run-c", Wells: 96}); err != nil {
		t.Fatalf("RecordRunStart failed: %v", err)
	}

	latest, err := s.LatestRun(ctx, "exp1")
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if latest.ID != "run-b" {
		t.Errorf("Expected latest completed run run-b, got %s", latest.ID)
	}
	if latest.FailedWells != 2 || latest.CompletedAt == nil {
		t.Errorf("Unexpected run record %+v", latest)
	}
	if latest.Params["factor"] != 1.5 {
		t.Errorf("Expected params to round trip, got %v", latest.Params)
	}

	runs, err := s.RecentRuns(ctx, "exp1", 10)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "run-c" || runs[0].Status != "running" {
		t.Errorf("Unexpected recent runs %+v", runs)
	}

	if err := s.RecordRunResult(ctx, "exp1", "missing", "completed", 0, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an unknown run, got %v", err)
	}
}

func TestWellMetricsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res := &cellmetrics.Result{
		Labels:           []int32{2, 7},
		Means:            []float64{100.5, 2000},
		Areas:            []int{12, 40},
		BackgroundMean:   50,
		BackgroundStd:    math.NaN(),
		BackgroundPixels: 0,
	}
	if err := s.SaveWellMetrics(ctx, "exp1", "run-a", "B2", "488 nm", res); err != nil {
		t.Fatalf("SaveWellMetrics failed: %v", err)
	}
	// saving again replaces the cells
	if err := s.SaveWellMetrics(ctx, "exp1", "run-a", "B2", "488 nm", res); err != nil {
		t.Fatalf("SaveWellMetrics failed: %v", err)
	}

	got, err := s.WellMetrics(ctx, "exp1", "run-a", "B2", "488 nm")
	if err != nil {
		t.Fatalf("WellMetrics failed: %v", err)
	}
	if got.NumCells() != 2 || got.Labels[1] != 7 || got.Means[0] != 100.5 || got.Areas[1] != 40 {
		t.Errorf("Unexpected metrics %+v", got)
	}
	if got.BackgroundMean != 50 || !math.IsNaN(got.BackgroundStd) {
		t.Errorf("Expected background 50 and NaN std, got %v %v", got.BackgroundMean, got.BackgroundStd)
	}

	if _, err := s.WellMetrics(ctx, "exp1", "run-a", "B3", "488 nm"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPlateRowsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	valid := models.PlateSignalRow{
		WellID: "B1", NumCells: 10, NumSignalCells: 4,
		ScaffoldSignal: 200, EpiSignal: 100, Ratio: 0.5, PercentPositive: 40,
		Valid: true, RatioValid: true,
		Conditions: map[string]string{"drug": "x"},
	}
	invalid := models.InvalidRow("A1")

	if err := s.SavePlateRows(ctx, "exp1", "run-a", []models.PlateSignalRow{valid, invalid}); err != nil {
		t.Fatalf("SavePlateRows failed: %v", err)
	}
	rows, err := s.PlateRows(ctx, "exp1", "run-a")
	if err != nil {
		t.Fatalf("PlateRows failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0].WellID != "B1" || rows[1].WellID != "A1" {
		t.Errorf("Expected stored order B1, A1, got %s, %s", rows[0].WellID, rows[1].WellID)
	}
	if rows[0].Ratio != 0.5 || !rows[0].Valid || rows[0].Conditions["drug"] != "x" {
		t.Errorf("Unexpected valid row %+v", rows[0])
	}
	if rows[1].Valid || !math.IsNaN(rows[1].Ratio) || !math.IsNaN(rows[1].PercentPositive) {
		t.Errorf("Expected NULL measurements to load as NaN, got %+v", rows[1])
	}

	var nulls int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM plate_signal WHERE ratio IS NULL;`).Scan(&nulls); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if nulls != 1 {
		t.Errorf("Expected 1 NULL ratio, got %d", nulls)
	}
}

func TestNilStore(t *testing.T) {
	var s *Store
	ctx := context.Background()
	if err := s.SaveMask(ctx, "exp1", 0, "a", models.NewLabelMask(1, 1)); err != nil {
		t.Errorf("Expected nil store writes to be no-ops, got %v", err)
	}
	if _, err := s.LoadMask(ctx, "exp1", 0, "a"); err == nil {
		t.Errorf("Expected error reading from a nil store")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Expected nil store close to succeed, got %v", err)
	}
}

func TestExperimentsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, exp := range []string{"exp1", "exp2"} {
		if err := s.RecordRunStart(ctx, RunRecord{Experiment: exp, ID: "run-a", Wells: 96}); err != nil {
			t.Fatalf("RecordRunStart %s failed: %v", exp, err)
		}
		if err := s.RecordRunResult(ctx, exp, "run-a", "completed", 0, ""); err != nil {
			t.Fatalf("RecordRunResult %s failed: %v", exp, err)
		}
	}
	rows1 := []models.PlateSignalRow{{WellID: "A1", NumCells: 1, Valid: true, Ratio: 1}}
	rows2 := []models.PlateSignalRow{{WellID: "B1", NumCells: 2, Valid: true, Ratio: 2}, models.InvalidRow("B2")}
	if err := s.SavePlateRows(ctx, "exp1", "run-a", rows1); err != nil {
		t.Fatalf("SavePlateRows failed: %v", err)
	}
	if err := s.SavePlateRows(ctx, "exp2", "run-a", rows2); err != nil {
		t.Fatalf("SavePlateRows failed: %v", err)
	}

	got1, err := s.PlateRows(ctx, "exp1", "run-a")
	if err != nil {
		t.Fatalf("PlateRows failed: %v", err)
	}
	got2, err := s.PlateRows(ctx, "exp2", "run-a")
	if err != nil {
		t.Fatalf("PlateRows failed: %v", err)
	}
	if len(got1) != 1 || got1[0].WellID != "A1" {
		t.Errorf("Expected exp1 rows [A1], got %+v", got1)
	}
	if len(got2) != 2 || got2[0].WellID != "B1" {
		t.Errorf("Expected exp2 rows [B1 B2], got %+v", got2)
	}

	masks1 := s.ExperimentMasks("exp1")
	masks2 := s.ExperimentMasks("exp2")
	mask := models.NewLabelMask(1, 1)
	mask.Labels[0] = 3
	if err := masks1.SaveMask(ctx, 0, "365 nm", mask); err != nil {
		t.Fatalf("SaveMask failed: %v", err)
	}
	if ok, err := masks2.HasMask(ctx, 0, "365 nm"); err != nil || ok {
		t.Errorf("Expected no exp2 mask, got %v %v", ok, err)
	}
	if _, err := masks2.LoadMask(ctx, 0, "365 nm"); !errors.Is(err, models.ErrMaskNotFound) {
		t.Errorf("Expected ErrMaskNotFound for exp2, got %v", err)
	}
	got, err := masks1.LoadMask(ctx, 0, "365 nm")
	if err != nil || got.Labels[0] != 3 {
		t.Errorf("Expected exp1 mask label 3, got %v %v", got, err)
	}

	runs, err := s.RecentRuns(ctx, "exp2", 10)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Experiment != "exp2" {
		t.Errorf("Expected one exp2 run, got %+v", runs)
	}
	if _, err := s.Run(ctx, "exp3", "run-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an unknown experiment, got %v", err)
	}
}
