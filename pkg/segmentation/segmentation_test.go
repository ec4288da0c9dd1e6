package segmentation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"wellplate/internal/models"
	"wellplate/pkg/volume"
)

func TestOtsuThresholdSeparatesClasses(t *testing.T) {
	plane := []uint16{10, 10, 10, 1000, 1000, 10}
	threshold, ok := OtsuThreshold(plane)
	if !ok {
		t.Fatalf("Expected a threshold for a two-level plane")
	}
	if threshold < 10 || threshold >= 1000 {
		t.Errorf("Expected threshold in [10, 1000), got %d", threshold)
	}

	if _, ok := OtsuThreshold([]uint16{7, 7, 7}); ok {
		t.Errorf("Expected no threshold for a constant plane")
	}
}

func TestLabelComponentsScanOrder(t *testing.T) {
	// 5x3 plane with two regions and one isolated pixel
	fg := []bool{
		true, true, false, false, true,
		false, false, false, false, true,
		false, true, false, false, false,
	}
	mask := LabelComponents(fg, 5, 3, 1)
	want := []int32{
		1, 1, 0, 0, 2,
		0, 0, 0, 0, 2,
		0, 3, 0, 0, 0,
	}
	for i := range want {
		if mask.Labels[i] != want[i] {
			t.Fatalf("Expected labels %v, got %v", want, mask.Labels)
		}
	}
}

func TestLabelComponentsDiagonalIsNotConnected(t *testing.T) {
	fg := []bool{
		true, false,
		false, true,
	}
	mask := LabelComponents(fg, 2, 2, 1)
	if mask.MaxLabel() != 2 {
		t.Errorf("Expected 2 components, got %d", mask.MaxLabel())
	}
}

func TestLabelComponentsMinArea(t *testing.T) {
	fg := []bool{
		true, false, true, true,
		false, false, true, true,
	}
	mask := LabelComponents(fg, 4, 2, 2)
	if mask.Labels[0] != 0 {
		t.Errorf("Expected small component to be dropped")
	}
	if mask.Labels[2] != 1 || mask.Labels[7] != 1 {
		t.Errorf("Expected large component relabelled to 1, got %v", mask.Labels)
	}
}

func TestThresholdOracleSegment(t *testing.T) {
	plane := []uint16{
		100, 100, 100, 100,
		100, 5000, 5000, 100,
		100, 100, 100, 100,
		5000, 100, 100, 100,
	}
	mask, err := ThresholdOracle{MinArea: 1}.Segment(context.Background(), plane, 4, 4)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if mask.Labels[mask.Width+1] != 1 || mask.Labels[mask.Width+2] != 1 {
		t.Errorf("Expected bright pair labelled 1")
	}
	if mask.Labels[3*mask.Width] != 2 {
		t.Errorf("Expected corner pixel labelled 2, got %d", mask.Labels[3*mask.Width])
	}
	if mask.Labels[0] != 0 {
		t.Errorf("Expected background at origin")
	}

	if _, err := (ThresholdOracle{}).Segment(context.Background(), plane, 3, 3); err == nil {
		t.Errorf("Expected error for a shape mismatch")
	}
}

func TestCommandOracleErrors(t *testing.T) {
	ctx := context.Background()
	plane := make([]uint16, 4)
	if _, err := (CommandOracle{}).Segment(ctx, plane, 2, 2); err == nil {
		t.Errorf("Expected error without a command")
	}
	oracle := CommandOracle{Command: "wellplate-no-such-segmenter", WorkDir: t.TempDir()}
	if _, err := oracle.Segment(ctx, plane, 2, 2); err == nil {
		t.Errorf("Expected error for a missing program")
	}
}

func testSource(t *testing.T) volume.Source {
	t.Helper()
	vol := models.NewVolume(3, 2, 4, 4)
	for w := 0; w < 3; w++ {
		plane := make([]uint16, 16)
		for i := range plane {
			plane[i] = 100
		}
		plane[5], plane[6] = 4000, 4000
		if err := vol.SetPlane(w, 1, plane); err != nil {
			t.Fatalf("SetPlane failed: %v", err)
		}
	}
	src, err := volume.NewMemory(vol, []models.ChannelInfo{
		{Name: "Bright Field", Color: models.RGB{1, 1, 1}},
		{Name: "365 nm", Color: models.RGB{0, 0, 1}},
	})
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	return src
}

type failingOracle struct{}

func (failingOracle) Segment(context.Context, []uint16, int, int) (*models.LabelMask, error) {
	return nil, errors.New("segmenter crashed")
}

func TestRunnerSegmentsAllWells(t *testing.T) {
	store := NewMemoryMasks()
	r := &Runner{
		Source:  testSource(t),
		Oracle:  ThresholdOracle{MinArea: 1},
		Store:   store,
		Channel: "365 nm",
		Workers: 2,
	}

	outcomes, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Well != i {
			t.Errorf("Expected outcomes in well order, got well %d at %d", o.Well, i)
		}
		if o.Cells != 1 || o.Skipped || o.Attempts != 1 {
			t.Errorf("Unexpected outcome %+v", o)
		}
	}
	if outcomes[2].WellID != "A3" {
		t.Errorf("Expected well id A3, got %s", outcomes[2].WellID)
	}
	if store.Len() != 3 {
		t.Errorf("Expected 3 stored masks, got %d", store.Len())
	}
}

func TestRunnerSkipsStoredMasks(t *testing.T) {
	store := NewMemoryMasks()
	existing := models.NewLabelMask(4, 4)
	if err := store.SaveMask(context.Background(), 1, "365 nm", existing); err != nil {
		t.Fatalf("SaveMask failed: %v", err)
	}

	r := &Runner{Source: testSource(t), Oracle: ThresholdOracle{MinArea: 1}, Store: store, Channel: "365 nm"}
	outcomes, err := r.Run(context.Background(), []int{0, 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcomes[0].Skipped || !outcomes[1].Skipped {
		t.Errorf("Expected only well 1 to be skipped, got %+v", outcomes)
	}
	mask, _ := store.LoadMask(context.Background(), 1, "365 nm")
	if mask != existing {
		t.Errorf("Expected stored mask to be kept")
	}

	r.Redo = true
	outcomes, err = r.Run(context.Background(), []int{1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcomes[0].Skipped {
		t.Errorf("Expected redo to segment again")
	}
	mask, _ = store.LoadMask(context.Background(), 1, "365 nm")
	if mask == existing {
		t.Errorf("Expected redo to replace the stored mask")
	}
}

func TestRunnerRetries(t *testing.T) {
	r := &Runner{Source: testSource(t), Oracle: failingOracle{}, Store: NewMemoryMasks(), Channel: "365 nm", Retries: 2}
	outcomes, err := r.Run(context.Background(), []int{0})
	if err == nil {
		t.Fatalf("Expected error for a failing oracle")
	}
	if outcomes[0].Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", outcomes[0].Attempts)
	}
	if len(Failed(outcomes)) != 1 {
		t.Errorf("Expected one failed outcome")
	}

	// single worker so that every call of a well is consecutive
	store := NewMemoryMasks()
	r = &Runner{Source: testSource(t), Oracle: &retryOnce{}, Store: store, Channel: "365 nm", Retries: 1}
	outcomes, err = r.Run(context.Background(), []int{0, 2})
	if err != nil {
		t.Fatalf("Expected retries to recover, got %v", err)
	}
	for _, o := range outcomes {
		if o.Err != nil || o.Attempts != 2 {
			t.Errorf("Expected success on the second attempt, got %+v", o)
		}
	}
}

// retryOnce fails every odd call
type retryOnce struct {
	mu    sync.Mutex
	calls int
}

func (r *retryOnce) Segment(ctx context.Context, plane []uint16, width, height int) (*models.LabelMask, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()
	if n%2 == 1 {
		return nil, errors.New("transient failure")
	}
	return ThresholdOracle{MinArea: 1}.Segment(ctx, plane, width, height)
}

func TestRunnerFailureDoesNotStopOtherWells(t *testing.T) {
	r := &Runner{Source: testSource(t), Oracle: failingOracle{}, Store: NewMemoryMasks(), Channel: "365 nm", Workers: 3}
	outcomes, err := r.Run(context.Background(), nil)
	if err == nil {
		t.Fatalf("Expected joined error")
	}
	if len(outcomes) != 3 {
		t.Errorf("Expected an outcome for every well, got %d", len(outcomes))
	}
}

func TestRunnerRejectsUnknownChannel(t *testing.T) {
	r := &Runner{Source: testSource(t), Oracle: ThresholdOracle{}, Store: NewMemoryMasks(), Channel: "640 nm"}
	if _, err := r.Run(context.Background(), nil); !errors.Is(err, models.ErrMissingChannel) {
		t.Errorf("Expected ErrMissingChannel, got %v", err)
	}
}

func TestMemoryMasksNotFound(t *testing.T) {
	store := NewMemoryMasks()
	if _, err := store.LoadMask(context.Background(), 0, "365 nm"); !errors.Is(err, models.ErrMaskNotFound) {
		t.Errorf("Expected ErrMaskNotFound, got %v", err)
	}
}
