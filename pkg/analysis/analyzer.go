// Package analysis runs the offline plate pipeline: segmentation of the cell
// channel, per-cell metric extraction, plate signal aggregation and
// persistence of the results.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"

	"wellplate/internal/logging"
	"wellplate/internal/models"
	"wellplate/internal/storage"
	"wellplate/pkg/cellmetrics"
	"wellplate/pkg/plate"
	"wellplate/pkg/segmentation"
	"wellplate/pkg/signal"
	"wellplate/pkg/volume"
)

// Step names used in reports and logs
const (
	StepSegment   = "segment"
	StepExtract   = "extract"
	StepAggregate = "aggregate"
	StepPersist   = "persist"
)

// Params holds the analysis parameters
type Params struct {
	// Experiment scopes the stored masks, runs and results
	Experiment string

	// RunID identifies the run; a random UUID is used when empty
	RunID string

	// CellChannel is segmented; its mask defines the cells of every channel
	CellChannel string

	// ScaffoldChannel and EpiChannel are measured over the cells
	ScaffoldChannel string
	EpiChannel      string

	// ThresholdFactor is the number of background standard deviations a
	// scaffold cell mean must exceed
	ThresholdFactor float64

	// Wells restricts the run to these well indices; empty means all wells
	Wells []int

	// NumCores specifies how many wells are processed in parallel
	NumCores int

	// Retries is the number of extra segmentation attempts per well
	Retries int

	// Redo segments wells that already have a stored mask
	Redo bool

	// SaveIntermediaryResults writes the label masks as TIFF files
	SaveIntermediaryResults bool

	// IntermediaryDir is the directory where intermediary results will be saved
	IntermediaryDir string
}

// WellFailure records a well that dropped out of the run
type WellFailure struct {
	WellID string
	Step   string
	Err    error
}

// StepTiming is the duration of one pipeline step
type StepTiming struct {
	Step     string
	Duration time.Duration
}

// Report summarizes a finished run
type Report struct {
	RunID string

	// Rows holds one entry per metadata well
	Rows []models.PlateSignalRow

	// Dropped lists wells with metrics but no metadata
	Dropped []string

	Failed       []WellFailure
	Segmentation []segmentation.Outcome
	Timings      []StepTiming
}

// ValidWells counts the rows with a defined signal
func (r *Report) ValidWells() int {
	n := 0
	for _, row := range r.Rows {
		if row.Valid {
			n++
		}
	}
	return n
}

// Analyzer runs the plate pipeline over a volume source
type Analyzer struct {
	params   *Params
	source   volume.Source
	metadata *plate.Metadata

	oracle segmentation.Oracle
	masks  segmentation.MaskStore
	store  *storage.Store
	log    *slog.Logger
}

// NewAnalyzer creates an analyzer. metadata may be nil, in which case every
// analysed well is reported without conditions.
func NewAnalyzer(params *Params, source volume.Source, metadata *plate.Metadata) *Analyzer {
	return &Analyzer{
		params:   params,
		source:   source,
		metadata: metadata,
		oracle:   segmentation.ThresholdOracle{},
		log:      slog.Default(),
	}
}

// WithOracle sets the segmentation oracle
func (a *Analyzer) WithOracle(o segmentation.Oracle) *Analyzer {
	a.oracle = o
	return a
}

// WithMasks sets the label mask store; without one masks are kept in memory
// or in the result store
func (a *Analyzer) WithMasks(m segmentation.MaskStore) *Analyzer {
	a.masks = m
	return a
}

// WithStore persists runs, metrics and plate rows
func (a *Analyzer) WithStore(s *storage.Store) *Analyzer {
	a.store = s
	return a
}

// WithLogger sets the logger
func (a *Analyzer) WithLogger(l *slog.Logger) *Analyzer {
	if l != nil {
		a.log = l
	}
	return a
}

// Process runs the complete analysis pipeline.
// Wells that fail segmentation or extraction are reported and end up as
// invalid rows; only setup, aggregation and persistence errors abort the run.
func (a *Analyzer) Process(ctx context.Context) (*Report, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}

	runID := a.params.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	report := &Report{RunID: runID}
	wells := a.wells()
	start := time.Now()

	masks := a.masks
	if masks == nil {
		if a.store != nil {
			masks = a.store.ExperimentMasks(a.params.Experiment)
		} else {
			masks = segmentation.NewMemoryMasks()
		}
	}

	logging.LogRunStart(a.log, runID, len(wells), a.paramsMap())
	if err := a.store.RecordRunStart(ctx, storage.RunRecord{Experiment: a.params.Experiment, ID: runID, Wells: len(wells), Params: a.paramsMap()}); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	err := a.run(ctx, report, wells, masks)
	status := "completed"
	errMsg := ""
	if err != nil {
		status = "failed"
		errMsg = err.Error()
	}
	// the run record is finalized even when ctx is cancelled
	if recErr := a.store.RecordRunResult(context.WithoutCancel(ctx), a.params.Experiment, runID, status, len(report.Failed), errMsg); recErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to record run result: %w", recErr))
	}
	if err != nil {
		return report, err
	}

	logging.LogRunComplete(a.log, runID, time.Since(start), map[string]any{
		"wells":       len(wells),
		"valid_wells": report.ValidWells(),
		"failed":      len(report.Failed),
		"dropped":     len(report.Dropped),
	})
	return report, nil
}

func (a *Analyzer) run(ctx context.Context, report *Report, wells []int, masks segmentation.MaskStore) error {
	// Step 1: Segment the cell channel
	stepStart := a.beginStep(report.RunID, StepSegment)
	runner := &segmentation.Runner{
		Source:  a.source,
		Oracle:  a.oracle,
		Store:   masks,
		Channel: a.params.CellChannel,
		Workers: a.numCores(),
		Retries: a.params.Retries,
		Redo:    a.params.Redo,
		Logger:  a.log,
	}
	outcomes, err := runner.Run(ctx, wells)
	if outcomes == nil {
		return a.failStep(report, StepSegment, stepStart, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return a.failStep(report, StepSegment, stepStart, ctxErr)
	}
	report.Segmentation = outcomes
	segmented := make([]int, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			report.Failed = append(report.Failed, WellFailure{WellID: o.WellID, Step: StepSegment, Err: o.Err})
			continue
		}
		segmented = append(segmented, o.Well)
	}
	a.endStep(report, StepSegment, stepStart, map[string]any{"wells": len(segmented), "failed": len(outcomes) - len(segmented)})

	if a.params.SaveIntermediaryResults {
		a.saveMasks(ctx, segmented, masks)
	}

	// Step 2: Extract per-cell metrics in parallel
	stepStart = a.beginStep(report.RunID, StepExtract)
	metrics, failures := a.extractInParallel(ctx, segmented, masks)
	if err := ctx.Err(); err != nil {
		return a.failStep(report, StepExtract, stepStart, err)
	}
	report.Failed = append(report.Failed, failures...)
	a.endStep(report, StepExtract, stepStart, map[string]any{"wells": len(metrics), "failed": len(failures)})

	// Step 3: Aggregate the plate signal
	stepStart = a.beginStep(report.RunID, StepAggregate)
	agg, err := signal.Aggregate(metrics, signal.Params{
		ScaffoldChannel: a.params.ScaffoldChannel,
		EpiChannel:      a.params.EpiChannel,
		ThresholdFactor: a.params.ThresholdFactor,
	}, a.plateMetadata(wells), a.log)
	if err != nil {
		return a.failStep(report, StepAggregate, stepStart, err)
	}
	report.Rows = agg.Rows
	report.Dropped = agg.Dropped
	a.endStep(report, StepAggregate, stepStart, map[string]any{"rows": len(agg.Rows), "dropped": len(agg.Dropped)})

	// Step 4: Persist metrics and plate rows
	if a.store == nil {
		return nil
	}
	stepStart = a.beginStep(report.RunID, StepPersist)
	ids := make([]string, 0, len(metrics))
	for id := range metrics {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for channel, res := range metrics[id] {
			if err := a.store.SaveWellMetrics(ctx, a.params.Experiment, report.RunID, id, channel, res); err != nil {
				return a.failStep(report, StepPersist, stepStart, err)
			}
		}
	}
	if err := a.store.SavePlateRows(ctx, a.params.Experiment, report.RunID, report.Rows); err != nil {
		return a.failStep(report, StepPersist, stepStart, err)
	}
	a.endStep(report, StepPersist, stepStart, map[string]any{"rows": len(report.Rows)})
	return nil
}

// extractInParallel measures the scaffold and epi channels of each well
// under the well's cell mask
func (a *Analyzer) extractInParallel(ctx context.Context, wells []int, masks segmentation.MaskStore) (map[string]signal.WellMetrics, []WellFailure) {
	type extractionResult struct {
		wellID  string
		metrics signal.WellMetrics
		err     error
	}

	jobs := make(chan int)
	resultChan := make(chan extractionResult, len(wells))
	for i := 0; i < a.numCores(); i++ {
		go func() {
			for well := range jobs {
				id, m, err := a.extractWell(ctx, well, masks)
				resultChan <- extractionResult{wellID: id, metrics: m, err: err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, w := range wells {
			select {
			case jobs <- w:
			case <-ctx.Done():
				return
			}
		}
	}()

	metrics := make(map[string]signal.WellMetrics, len(wells))
	var failures []WellFailure
	for completed := 0; completed < len(wells); completed++ {
		var res extractionResult
		select {
		case res = <-resultChan:
		case <-ctx.Done():
			return metrics, failures
		}
		if res.err != nil {
			a.log.Warn("extraction failed", "well", res.wellID, "error", res.err)
			failures = append(failures, WellFailure{WellID: res.wellID, Step: StepExtract, Err: res.err})
			continue
		}
		metrics[res.wellID] = res.metrics
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].WellID < failures[j].WellID })
	return metrics, failures
}

func (a *Analyzer) extractWell(ctx context.Context, well int, masks segmentation.MaskStore) (string, signal.WellMetrics, error) {
	id, err := plate.WellID(well)
	if err != nil {
		return fmt.Sprintf("#%d", well), nil, err
	}
	mask, err := masks.LoadMask(ctx, well, a.params.CellChannel)
	if err != nil {
		return id, nil, err
	}

	out := make(signal.WellMetrics, 2)
	for _, name := range []string{a.params.ScaffoldChannel, a.params.EpiChannel} {
		if _, done := out[name]; done {
			continue
		}
		plane, err := volume.PlaneByName(ctx, a.source, well, name)
		if err != nil {
			return id, nil, err
		}
		res, err := cellmetrics.Extract(plane, mask)
		if err != nil && !errors.Is(err, models.ErrEmptyMask) {
			return id, nil, fmt.Errorf("channel %q: %w", name, err)
		}
		out[name] = res
	}
	return id, out, nil
}

// saveMasks writes the label masks of the segmented wells as 16-bit TIFF
func (a *Analyzer) saveMasks(ctx context.Context, wells []int, masks segmentation.MaskStore) {
	dir := filepath.Join(a.params.IntermediaryDir, "01_masks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		a.log.Warn("failed to create intermediary directory", "dir", dir, "error", err)
		return
	}
	for _, well := range wells {
		id, err := plate.WellID(well)
		if err != nil {
			continue
		}
		mask, err := masks.LoadMask(ctx, well, a.params.CellChannel)
		if err != nil {
			a.log.Warn("failed to load mask", "well", id, "error", err)
			continue
		}
		plane := make([]uint16, len(mask.Labels))
		for i, l := range mask.Labels {
			if l > models.MaxIntensity {
				l = models.MaxIntensity
			}
			plane[i] = uint16(l)
		}
		path := filepath.Join(dir, id+".tif")
		if err := volume.WritePlaneFile(path, plane, mask.Width, mask.Height); err != nil {
			a.log.Warn("failed to save mask", "well", id, "error", err)
		}
	}
}

// plateMetadata returns the metadata table, or a bare table of the analysed
// wells when none was given
func (a *Analyzer) plateMetadata(wells []int) *plate.Metadata {
	if a.metadata != nil {
		return a.metadata
	}
	md := plate.NewMetadata(nil)
	for _, w := range wells {
		if id, err := plate.WellID(w); err == nil {
			md.Set(id, nil)
		}
	}
	return md
}

func (a *Analyzer) validate() error {
	if a.params == nil {
		return errors.New("analysis parameters are nil")
	}
	if a.source == nil {
		return errors.New("analysis needs a volume source")
	}
	if a.oracle == nil {
		return errors.New("analysis needs a segmentation oracle")
	}
	channels := a.source.Channels()
	for _, name := range []string{a.params.CellChannel, a.params.ScaffoldChannel, a.params.EpiChannel} {
		if _, err := channels.Index(name); err != nil {
			return err
		}
	}
	if a.store != nil && a.params.Experiment == "" {
		return errors.New("persisted analysis needs an experiment name")
	}
	if a.params.SaveIntermediaryResults && a.params.IntermediaryDir == "" {
		return errors.New("intermediary directory not set")
	}
	return nil
}

func (a *Analyzer) wells() []int {
	if len(a.params.Wells) > 0 {
		return append([]int(nil), a.params.Wells...)
	}
	n := a.source.Shape().Wells
	wells := make([]int, n)
	for i := range wells {
		wells[i] = i
	}
	return wells
}

func (a *Analyzer) numCores() int {
	if a.params.NumCores > 0 {
		return a.params.NumCores
	}
	return runtime.NumCPU()
}

func (a *Analyzer) paramsMap() map[string]any {
	return map[string]any{
		"experiment":       a.params.Experiment,
		"cell_channel":     a.params.CellChannel,
		"scaffold_channel": a.params.ScaffoldChannel,
		"epi_channel":      a.params.EpiChannel,
		"threshold_factor": a.params.ThresholdFactor,
		"redo":             a.params.Redo,
	}
}

func (a *Analyzer) beginStep(runID, step string) time.Time {
	logging.LogStepStart(a.log, runID, step)
	return time.Now()
}

func (a *Analyzer) endStep(report *Report, step string, start time.Time, details map[string]any) {
	d := time.Since(start)
	report.Timings = append(report.Timings, StepTiming{Step: step, Duration: d})
	logging.LogStepComplete(a.log, report.RunID, step, d, details)
}

func (a *Analyzer) failStep(report *Report, step string, start time.Time, err error) error {
	d := time.Since(start)
	report.Timings = append(report.Timings, StepTiming{Step: step, Duration: d})
	logging.LogStepError(a.log, report.RunID, step, d, err)
	return fmt.Errorf("%s step failed: %w", step, err)
}
