package analysis

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"wellplate/internal/models"
	"wellplate/internal/storage"
	"wellplate/pkg/plate"
	"wellplate/pkg/segmentation"
	"wellplate/pkg/volume"
)

const (
	cellChannel     = "365 nm"
	scaffoldChannel = "488 nm"
	epiChannel      = "561 nm"
)

// createTestSource builds a 3-well 4x4 volume. Wells 0 and 1 hold one cell
// at pixels 5 and 6; well 2 has a flat cell channel and therefore no cells.
func createTestSource(t *testing.T) volume.Source {
	t.Helper()
	vol := models.NewVolume(3, 4, 4, 4)
	for w := 0; w < 3; w++ {
		cells := make([]uint16, 16)
		scaffold := make([]uint16, 16)
		epi := make([]uint16, 16)
		for i := range cells {
			cells[i] = 200
			scaffold[i] = 100
		}
		if w < 2 {
			for _, p := range []int{5, 6} {
				cells[p] = 3000
				scaffold[p] = 1000
				epi[p] = 500
			}
		}
		for c, plane := range map[int][]uint16{1: cells, 2: scaffold, 3: epi} {
			if err := vol.SetPlane(w, c, plane); err != nil {
				t.Fatalf("SetPlane failed: %v", err)
			}
		}
	}
	src, err := volume.NewMemory(vol, []models.ChannelInfo{
		{Name: "Bright Field", Color: models.RGB{1, 1, 1}},
		{Name: cellChannel, Color: models.RGB{0, 0, 1}},
		{Name: scaffoldChannel, Color: models.RGB{0, 1, 0}},
		{Name: epiChannel, Color: models.RGB{1, 0, 0}},
	})
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	return src
}

func testParams() *Params {
	return &Params{
		Experiment:      "plate-1",
		CellChannel:     cellChannel,
		ScaffoldChannel: scaffoldChannel,
		EpiChannel:      epiChannel,
		ThresholdFactor: 1,
		NumCores:        2,
	}
}

func testMetadata() *plate.Metadata {
	md := plate.NewMetadata([]string{"drug"})
	md.Set("A1", map[string]string{"drug": "none"})
	md.Set("A2", map[string]string{"drug": "x"})
	md.Set("A3", map[string]string{"drug": "y"})
	md.Set("B1", map[string]string{"drug": "z"})
	return md
}

func TestProcessEndToEnd(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "wellplate.db"))
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	defer store.Close()

	params := testParams()
	params.SaveIntermediaryResults = true
	params.IntermediaryDir = t.TempDir()

	a := NewAnalyzer(params, createTestSource(t), testMetadata()).
		WithOracle(segmentation.ThresholdOracle{MinArea: 1}).
		WithStore(store)

	report, err := a.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if report.RunID == "" {
		t.Errorf("Expected a generated run id")
	}
	if len(report.Rows) != 4 {
		t.Fatalf("Expected 4 rows, got %d", len(report.Rows))
	}

	for _, i := range []int{0, 1} {
		row := report.Rows[i]
		if !row.Valid || !row.RatioValid {
			t.Errorf("Expected valid row for %s, got %+v", row.WellID, row)
		}
		if row.NumCells != 1 || row.NumSignalCells != 1 {
			t.Errorf("Expected one signal cell in %s, got %d/%d", row.WellID, row.NumSignalCells, row.NumCells)
		}
		if row.Ratio != 0.5 || row.PercentPositive != 100 {
			t.Errorf("Expected ratio 0.5 and 100%% positive in %s, got %v and %v", row.WellID, row.Ratio, row.PercentPositive)
		}
	}

	empty := report.Rows[2]
	if empty.WellID != "A3" || empty.Valid || empty.NumCells != 0 {
		t.Errorf("Expected zero-cell invalid row for A3, got %+v", empty)
	}
	missing := report.Rows[3]
	if missing.WellID != "B1" || missing.Valid || !math.IsNaN(missing.Ratio) {
		t.Errorf("Expected sentinel row for B1, got %+v", missing)
	}
	if missing.Conditions["drug"] != "z" {
		t.Errorf("Expected B1 conditions to be kept")
	}

	if report.ValidWells() != 2 {
		t.Errorf("Expected 2 valid wells, got %d", report.ValidWells())
	}
	if len(report.Failed) != 0 {
		t.Errorf("Expected no failed wells, got %+v", report.Failed)
	}
	if len(report.Timings) != 4 {
		t.Errorf("Expected 4 step timings, got %d", len(report.Timings))
	}

	ctx := context.Background()
	latest, err := store.LatestRun(ctx, "plate-1")
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if latest.ID != report.RunID || latest.Status != "completed" {
		t.Errorf("Expected completed run %s, got %+v", report.RunID, latest)
	}
	rows, err := store.PlateRows(ctx, "plate-1", report.RunID)
	if err != nil {
		t.Fatalf("PlateRows failed: %v", err)
	}
	if len(rows) != 4 || rows[0].Ratio != 0.5 {
		t.Errorf("Expected persisted rows, got %+v", rows)
	}
	metrics, err := store.WellMetrics(ctx, "plate-1", report.RunID, "A1", scaffoldChannel)
	if err != nil {
		t.Fatalf("WellMetrics failed: %v", err)
	}
	if metrics.NumCells() != 1 || metrics.Means[0] != 1000 {
		t.Errorf("Unexpected persisted metrics %+v", metrics)
	}
	if ok, _ := store.HasMask(ctx, "plate-1", 0, cellChannel); !ok {
		t.Errorf("Expected the mask to be stored")
	}

	if _, err := os.Stat(filepath.Join(params.IntermediaryDir, "01_masks", "A1.tif")); err != nil {
		t.Errorf("Expected intermediary mask file: %v", err)
	}
}

type failWell struct {
	fail map[uint16]bool
}

// Segment fails planes whose first sample is marked
func (f failWell) Segment(ctx context.Context, plane []uint16, width, height int) (*models.LabelMask, error) {
	if f.fail[plane[0]] {
		return nil, errors.New("segmenter crashed")
	}
	return segmentation.ThresholdOracle{MinArea: 1}.Segment(ctx, plane, width, height)
}

func TestProcessReportsFailedWells(t *testing.T) {
	src := createTestSource(t)
	masks := segmentation.NewMemoryMasks()

	// all cell planes start with 200, so every well fails
	a := NewAnalyzer(testParams(), src, nil).
		WithOracle(failWell{fail: map[uint16]bool{200: true}}).
		WithMasks(masks)

	report, err := a.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(report.Failed) != 3 {
		t.Fatalf("Expected 3 failed wells, got %d", len(report.Failed))
	}
	if report.Failed[0].Step != StepSegment {
		t.Errorf("Expected segmentation failure, got %s", report.Failed[0].Step)
	}
	// without metadata every analysed well still gets a row
	if len(report.Rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(report.Rows))
	}
	for _, row := range report.Rows {
		if row.Valid {
			t.Errorf("Expected invalid row for failed well %s", row.WellID)
		}
	}
}

func TestProcessUsesStoredMasks(t *testing.T) {
	src := createTestSource(t)
	masks := segmentation.NewMemoryMasks()

	// a stored mask with the cell moved to pixel 0
	mask := models.NewLabelMask(4, 4)
	mask.Labels[0] = 1
	if err := masks.SaveMask(context.Background(), 0, cellChannel, mask); err != nil {
		t.Fatalf("SaveMask failed: %v", err)
	}

	params := testParams()
	params.Wells = []int{0}
	a := NewAnalyzer(params, src, nil).
		WithOracle(failWell{fail: map[uint16]bool{200: true}}).
		WithMasks(masks)

	report, err := a.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !report.Segmentation[0].Skipped {
		t.Errorf("Expected stored mask to be reused")
	}
	row := report.Rows[0]
	// pixel 0 is background-level scaffold, so no cell passes the threshold
	if !row.Valid || row.NumSignalCells != 0 || row.RatioValid {
		t.Errorf("Expected one cell below threshold, got %+v", row)
	}
}

func TestProcessRejectsUnknownChannel(t *testing.T) {
	params := testParams()
	params.EpiChannel = "640 nm"
	a := NewAnalyzer(params, createTestSource(t), nil)
	if _, err := a.Process(context.Background()); !errors.Is(err, models.ErrMissingChannel) {
		t.Errorf("Expected ErrMissingChannel, got %v", err)
	}
}

func TestProcessCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewAnalyzer(testParams(), createTestSource(t), nil)
	if _, err := a.Process(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestProcessKeepsExperimentsApart(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "wellplate.db"))
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for _, exp := range []string{"plate-1", "plate-2"} {
		params := testParams()
		params.Experiment = exp
		params.RunID = "run-1"
		if exp == "plate-2" {
			params.Wells = []int{0}
		}
		a := NewAnalyzer(params, createTestSource(t), nil).
			WithOracle(segmentation.ThresholdOracle{MinArea: 1}).
			WithStore(store)
		if _, err := a.Process(ctx); err != nil {
			t.Fatalf("Process %s failed: %v", exp, err)
		}
	}

	rows1, err := store.PlateRows(ctx, "plate-1", "run-1")
	if err != nil {
		t.Fatalf("PlateRows failed: %v", err)
	}
	rows2, err := store.PlateRows(ctx, "plate-2", "run-1")
	if err != nil {
		t.Fatalf("PlateRows failed: %v", err)
	}
	if len(rows1) != 3 {
		t.Errorf("Expected 3 plate-1 rows, got %d", len(rows1))
	}
	if len(rows2) != 1 || rows2[0].WellID != "A1" {
		t.Errorf("Expected one plate-2 row for A1, got %+v", rows2)
	}
	if ok, _ := store.HasMask(ctx, "plate-2", 1, cellChannel); ok {
		t.Errorf("Expected no plate-2 mask for well 1")
	}
	if ok, _ := store.HasMask(ctx, "plate-1", 1, cellChannel); !ok {
		t.Errorf("Expected a plate-1 mask for well 1")
	}
}

func TestProcessRequiresExperimentWithStore(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "wellplate.db"))
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	defer store.Close()

	params := testParams()
	params.Experiment = ""
	a := NewAnalyzer(params, createTestSource(t), nil).WithStore(store)
	if _, err := a.Process(context.Background()); err == nil {
		t.Errorf("Expected an error without an experiment name")
	}
}
