// Package segmentation produces per-well label masks for the cell channel of
// a plate and keeps track of which wells are already segmented.
package segmentation

import (
	"context"
	"fmt"

	"wellplate/internal/models"
)

// Oracle segments one plane into a label mask
type Oracle interface {
	Segment(ctx context.Context, plane []uint16, width, height int) (*models.LabelMask, error)
}

// ThresholdOracle labels the 4-connected regions above an Otsu threshold
type ThresholdOracle struct {
	// MinArea drops components with fewer pixels
	MinArea int

	// Sigma smooths the plane before thresholding, 0 disables smoothing
	Sigma float64
}

// Segment thresholds the plane and labels its foreground components 1..N in
// scan order
func (o ThresholdOracle) Segment(ctx context.Context, plane []uint16, width, height int) (*models.LabelMask, error) {
	if len(plane) != width*height {
		return nil, fmt.Errorf("plane has %d samples, expected %dx%d", len(plane), width, height)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if o.Sigma > 0 {
		plane = toPlane(Smooth(plane, width, height, o.Sigma))
	}

	threshold, ok := OtsuThreshold(plane)
	fg := make([]bool, len(plane))
	if ok {
		for i, v := range plane {
			fg[i] = v > threshold
		}
	}
	return LabelComponents(fg, width, height, o.MinArea), nil
}

// OtsuThreshold returns the 16-bit threshold maximizing the between-class
// variance. ok is false for constant planes.
func OtsuThreshold(plane []uint16) (uint16, bool) {
	hist := make([]int, models.MaxIntensity+1)
	for _, v := range plane {
		hist[v]++
	}

	total := len(plane)
	var sum float64
	for i, n := range hist {
		sum += float64(i) * float64(n)
	}

	var sumB, maxVar float64
	var wB int
	threshold, found := uint16(0), false
	for t, n := range hist {
		wB += n
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(n)
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)

		variance := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if variance > maxVar {
			maxVar = variance
			threshold = uint16(t)
			found = true
		}
	}
	return threshold, found
}

// LabelComponents labels the 4-connected foreground regions of a binary plane.
// Regions smaller than minArea become background; the rest are numbered
// consecutively in order of their first pixel.
func LabelComponents(fg []bool, width, height, minArea int) *models.LabelMask {
	mask := models.NewLabelMask(width, height)
	visited := make([]bool, len(fg))
	var next int32
	var region, stack []int

	for start := range fg {
		if !fg[start] || visited[start] {
			continue
		}

		region = region[:0]
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			region = append(region, p)

			x, y := p%width, p/width
			for _, q := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if q[0] < 0 || q[0] >= width || q[1] < 0 || q[1] >= height {
					continue
				}
				n := q[1]*width + q[0]
				if fg[n] && !visited[n] {
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}

		if len(region) < minArea {
			continue
		}
		next++
		for _, p := range region {
			mask.Labels[p] = next
		}
	}
	return mask
}
