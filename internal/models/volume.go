package models

import (
	"fmt"
)

// Volume is a dense imaging volume indexed as [well, channel, row, column]
type Volume struct {
	// Data holds the 16-bit samples in row-major order
	Data []uint16

	// Wells is the number of wells imaged in the experiment
	Wells int

	// Channels is the number of imaging channels per well
	Channels int

	// Height and Width are the spatial dimensions of every plane
	Height int
	Width  int
}

// NewVolume allocates a zeroed volume with the given dimensions
func NewVolume(wells, channels, height, width int) *Volume {
	return &Volume{
		Data:     make([]uint16, wells*channels*height*width),
		Wells:    wells,
		Channels: channels,
		Height:   height,
		Width:    width,
	}
}

// PlaneSize is the number of samples in one [row, column] plane
func (v *Volume) PlaneSize() int {
	return v.Height * v.Width
}

// Plane returns the [row, column] plane for a well and channel.
// The returned slice aliases the volume data and must not be modified.
func (v *Volume) Plane(well, channel int) ([]uint16, error) {
	if well < 0 || well >= v.Wells {
		return nil, fmt.Errorf("well index %d out of range [0, %d)", well, v.Wells)
	}
	if channel < 0 || channel >= v.Channels {
		return nil, fmt.Errorf("channel index %d out of range [0, %d)", channel, v.Channels)
	}
	size := v.PlaneSize()
	start := (well*v.Channels + channel) * size
	if start+size > len(v.Data) {
		return nil, fmt.Errorf("volume data too short for well %d channel %d", well, channel)
	}
	return v.Data[start : start+size], nil
}

// SetPlane copies a plane into the volume
func (v *Volume) SetPlane(well, channel int, plane []uint16) error {
	dst, err := v.Plane(well, channel)
	if err != nil {
		return err
	}
	if len(plane) != len(dst) {
		return fmt.Errorf("plane has %d samples, expected %d", len(plane), len(dst))
	}
	copy(dst, plane)
	return nil
}

// LabelMask is an integer segmentation of one plane.
// Label 0 is background, positive labels identify cells.
type LabelMask struct {
	Width  int
	Height int
	Labels []int32
}

// NewLabelMask allocates an all-background mask
func NewLabelMask(width, height int) *LabelMask {
	return &LabelMask{
		Width:  width,
		Height: height,
		Labels: make([]int32, width*height),
	}
}

// MaxLabel returns the largest label in the mask
func (m *LabelMask) MaxLabel() int32 {
	var max int32
	for _, l := range m.Labels {
		if l > max {
			max = l
		}
	}
	return max
}

// CompositeImage is an H×W×3 RGB image with components in [0,1]
type CompositeImage struct {
	Width  int
	Height int

	// Pix holds RGB triples in row-major order, len = Width*Height*3
	Pix []float64

	// Warnings lists channels that were skipped while compositing
	Warnings []error
}

// NewCompositeImage allocates an all-black composite
func NewCompositeImage(width, height int) *CompositeImage {
	return &CompositeImage{
		Width:  width,
		Height: height,
		Pix:    make([]float64, width*height*3),
	}
}

// RGBAt returns the RGB triple at (x, y)
func (c *CompositeImage) RGBAt(x, y int) (r, g, b float64) {
	i := (y*c.Width + x) * 3
	return c.Pix[i], c.Pix[i+1], c.Pix[i+2]
}
