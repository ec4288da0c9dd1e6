package segmentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"wellplate/pkg/plate"
	"wellplate/pkg/volume"
)

// Runner segments the cell channel of many wells in a worker pool
type Runner struct {
	Source volume.Source
	Oracle Oracle
	Store  MaskStore

	// Channel is the name of the channel that is segmented
	Channel string

	// Workers is the pool size; values below 1 mean one worker
	Workers int

	// Retries is the number of extra attempts for a failing well
	Retries int

	// Redo segments wells even when a mask is already stored
	Redo bool

	Logger *slog.Logger
}

// Outcome reports the segmentation of one well
type Outcome struct {
	Well     int
	WellID   string
	Skipped  bool
	Attempts int
	Cells    int
	Duration time.Duration
	Err      error
}

// Run segments the given wells, or every well of the source when wells is
// empty. A failing well never stops the others; outcomes are returned in well
// order and the error joins the per-well failures.
func (r *Runner) Run(ctx context.Context, wells []int) ([]Outcome, error) {
	if r.Source == nil || r.Oracle == nil || r.Store == nil {
		return nil, fmt.Errorf("runner needs a source, an oracle and a mask store")
	}
	if _, err := r.Source.Channels().Index(r.Channel); err != nil {
		return nil, err
	}
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}

	if len(wells) == 0 {
		n := r.Source.Shape().Wells
		wells = make([]int, n)
		for i := range wells {
			wells[i] = i
		}
	}

	workers := r.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int, len(wells))
	for _, w := range wells {
		jobs <- w
	}
	close(jobs)

	results := make(chan Outcome, len(wells))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for well := range jobs {
				results <- r.segmentWell(ctx, log, well)
			}
		}()
	}
	wg.Wait()
	close(results)

	outcomes := make([]Outcome, 0, len(wells))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Well < outcomes[j].Well })

	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("well %s: %w", o.WellID, o.Err))
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return outcomes, errors.Join(errs...)
}

func (r *Runner) segmentWell(ctx context.Context, log *slog.Logger, well int) Outcome {
	start := time.Now()
	out := Outcome{Well: well}
	if id, err := plate.WellID(well); err == nil {
		out.WellID = id
	} else {
		out.WellID = fmt.Sprintf("#%d", well)
	}

	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	if !r.Redo {
		stored, err := r.Store.HasMask(ctx, well, r.Channel)
		if err != nil {
			out.Err = err
			return out
		}
		if stored {
			log.Debug("mask already stored, skipping", "well", out.WellID, "channel", r.Channel)
			out.Skipped = true
			return out
		}
	}

	shape := r.Source.Shape()
	for attempt := 0; attempt <= r.Retries; attempt++ {
		out.Attempts = attempt + 1
		out.Err = r.attempt(ctx, well, shape, &out)
		if out.Err == nil || ctx.Err() != nil {
			break
		}
		log.Warn("segmentation attempt failed", "well", out.WellID, "attempt", out.Attempts, "error", out.Err)
	}
	out.Duration = time.Since(start)

	if out.Err != nil {
		log.Error("segmentation failed", "well", out.WellID, "attempts", out.Attempts, "error", out.Err)
	} else {
		log.Info("segmented well", "well", out.WellID, "cells", out.Cells, "duration", out.Duration)
	}
	return out
}

func (r *Runner) attempt(ctx context.Context, well int, shape volume.Shape, out *Outcome) error {
	plane, err := volume.PlaneByName(ctx, r.Source, well, r.Channel)
	if err != nil {
		return err
	}
	mask, err := r.Oracle.Segment(ctx, plane, shape.Width, shape.Height)
	if err != nil {
		return err
	}
	if mask.Width != shape.Width || mask.Height != shape.Height {
		return fmt.Errorf("oracle returned a %dx%d mask for a %dx%d plane", mask.Width, mask.Height, shape.Width, shape.Height)
	}
	if err := r.Store.SaveMask(ctx, well, r.Channel, mask); err != nil {
		return err
	}
	out.Cells = countLabels(mask.Labels)
	return nil
}

func countLabels(labels []int32) int {
	seen := make(map[int32]struct{})
	for _, l := range labels {
		if l > 0 {
			seen[l] = struct{}{}
		}
	}
	return len(seen)
}

// Failed returns the outcomes that ended in an error
func Failed(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}
