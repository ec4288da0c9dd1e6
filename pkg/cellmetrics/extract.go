// Package cellmetrics computes per-cell intensity statistics from a channel
// plane and a segmentation label mask.
package cellmetrics

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"wellplate/internal/models"
)

// Result holds the per-cell means of one well and channel together with the
// background statistics of the unlabelled pixels
type Result struct {
	// Labels lists the cell ids in increasing order; ids need not be contiguous
	Labels []int32

	// Means holds the mean intensity of each cell, aligned with Labels
	Means []float64

	// Areas holds the pixel count of each cell, aligned with Labels
	Areas []int

	// BackgroundMean and BackgroundStd are the mean and population standard
	// deviation of label-0 pixels. Both are 0 when BackgroundPixels is 0, which
	// callers must treat as an undefined background.
	BackgroundMean float64
	BackgroundStd  float64

	// BackgroundPixels is the number of label-0 pixels
	BackgroundPixels int
}

// NumCells returns the number of segmented cells
func (r *Result) NumCells() int {
	return len(r.Labels)
}

// MeanOf returns the mean intensity of a cell id
func (r *Result) MeanOf(label int32) (float64, bool) {
	i := sort.Search(len(r.Labels), func(i int) bool { return r.Labels[i] >= label })
	if i < len(r.Labels) && r.Labels[i] == label {
		return r.Means[i], true
	}
	return 0, false
}

// Extract computes per-cell mean intensities ordered by cell id and the
// background statistics. A mask without cells returns the background
// statistics together with ErrEmptyMask.
func Extract(intensity []uint16, mask *models.LabelMask) (*Result, error) {
	if mask == nil {
		return nil, fmt.Errorf("label mask is nil")
	}
	if len(mask.Labels) != mask.Width*mask.Height {
		return nil, fmt.Errorf("label mask has %d labels, expected %dx%d", len(mask.Labels), mask.Width, mask.Height)
	}
	if len(intensity) != len(mask.Labels) {
		return nil, fmt.Errorf("intensity plane has %d samples but mask has %d", len(intensity), len(mask.Labels))
	}

	type accum struct {
		sum   float64
		count int
	}
	cells := make(map[int32]*accum)
	background := make([]float64, 0, len(intensity))

	for i, label := range mask.Labels {
		v := float64(intensity[i])
		if label == 0 {
			background = append(background, v)
			continue
		}
		if label < 0 {
			return nil, fmt.Errorf("negative label %d at pixel %d", label, i)
		}
		a, ok := cells[label]
		if !ok {
			a = &accum{}
			cells[label] = a
		}
		a.sum += v
		a.count++
	}

	res := &Result{BackgroundPixels: len(background)}
	if len(background) > 0 {
		res.BackgroundMean, res.BackgroundStd = stat.PopMeanStdDev(background, nil)
	}

	res.Labels = make([]int32, 0, len(cells))
	for label := range cells {
		res.Labels = append(res.Labels, label)
	}
	sort.Slice(res.Labels, func(i, j int) bool { return res.Labels[i] < res.Labels[j] })

	res.Means = make([]float64, len(res.Labels))
	res.Areas = make([]int, len(res.Labels))
	for i, label := range res.Labels {
		a := cells[label]
		res.Means[i] = a.sum / float64(a.count)
		res.Areas[i] = a.count
	}

	if len(res.Labels) == 0 {
		return res, models.ErrEmptyMask
	}
	return res, nil
}
