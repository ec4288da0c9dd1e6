// Package colormap colorizes single imaging channels.
//
// Raw 16-bit samples are first mapped through a continuous colormap at full
// bit depth (fixed 1/65536 scale), and the colorized result is then linearly
// rescaled by the channel's display range. The colormap lookup is kept in a
// Colorized value so that moving a range slider only repeats the cheap
// rescale step.
package colormap

import (
	"fmt"
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"wellplate/internal/models"
)

// Scale is the fixed normalization applied to raw 16-bit samples
const Scale = 65536.0

// DefaultLevels is the lookup table size of a linear segmented colormap
const DefaultLevels = 256

// Colormap maps a normalized scalar in [0,1] to an RGB color
type Colormap interface {
	At(v float64) colorful.Color
}

// Linear is a linearly interpolated colormap sampled into a fixed lookup table.
// Values below 0 take the first entry and values above 1 the last.
type Linear struct {
	lut []colorful.Color
}

// NewLinear builds a colormap through evenly spaced color stops
func NewLinear(levels int, stops ...colorful.Color) (*Linear, error) {
	if len(stops) < 2 {
		return nil, fmt.Errorf("colormap needs at least 2 stops, got %d", len(stops))
	}
	if levels < 2 {
		return nil, fmt.Errorf("colormap needs at least 2 levels, got %d", levels)
	}
	lut := make([]colorful.Color, levels)
	segments := float64(len(stops) - 1)
	for i := range lut {
		pos := float64(i) / float64(levels-1) * segments
		seg := int(pos)
		if seg >= len(stops)-1 {
			seg = len(stops) - 2
		}
		lut[i] = stops[seg].BlendRgb(stops[seg+1], pos-float64(seg))
	}
	return &Linear{lut: lut}, nil
}

// ForColor returns the black-to-color ramp used for a fluorescence channel
func ForColor(c models.RGB) *Linear {
	cm, _ := NewLinear(DefaultLevels, colorful.Color{}, toColorful(c))
	return cm
}

// At samples the lookup table
func (l *Linear) At(v float64) colorful.Color {
	n := len(l.lut)
	if math.IsNaN(v) || v < 0 {
		return l.lut[0]
	}
	i := int(v * float64(n))
	if i >= n {
		i = n - 1
	}
	return l.lut[i]
}

// Colorized is the cached colormap lookup of one channel plane
type Colorized struct {
	// Pix holds RGB triples in row-major order
	Pix []float64
}

// Lookup maps every raw sample through the colormap at the fixed 16-bit scale,
// independent of any display range
func Lookup(plane []uint16, cmap Colormap) *Colorized {
	out := &Colorized{Pix: make([]float64, len(plane)*3)}
	cache := make([]colorful.Color, models.MaxIntensity+1)
	seen := make([]bool, models.MaxIntensity+1)
	for i, raw := range plane {
		if !seen[raw] {
			cache[raw] = cmap.At(float64(raw) / Scale)
			seen[raw] = true
		}
		c := cache[raw]
		out.Pix[i*3] = c.R
		out.Pix[i*3+1] = c.G
		out.Pix[i*3+2] = c.B
	}
	return out
}

// Rescale applies the display range to the colorized samples:
// scaled = (color - low/65536) / ((high-low)/65536).
// The result is not clipped.
func (c *Colorized) Rescale(r models.DisplayRange) ([]float64, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	offset := float64(r.Low) / Scale
	width := float64(r.High-r.Low) / Scale
	out := make([]float64, len(c.Pix))
	for i, v := range c.Pix {
		out[i] = (v - offset) / width
	}
	return out, nil
}

// Colorize returns the range-scaled RGB contribution of a channel plane,
// or nil when the channel is disabled
func Colorize(plane []uint16, ch models.Channel, cmap Colormap) ([]float64, error) {
	return ColorizeLookup(ch, func() (*Colorized, error) {
		return Lookup(plane, cmap), nil
	})
}

// ColorizeLookup is Colorize over a lookup obtained from a callback, so that
// callers can reuse memoized lookups. The callback is not called for a
// disabled channel or an invalid range.
func ColorizeLookup(ch models.Channel, lookup func() (*Colorized, error)) ([]float64, error) {
	if !ch.Enabled {
		return nil, nil
	}
	if err := ch.Range.Validate(); err != nil {
		return nil, fmt.Errorf("channel %q: %w", ch.Name, err)
	}
	lut, err := lookup()
	if err != nil {
		return nil, err
	}
	return lut.Rescale(ch.Range)
}

func toColorful(c models.RGB) colorful.Color {
	return colorful.Color{R: c[0], G: c[1], B: c[2]}
}

// ParseHex converts a "#rrggbb" string into an RGB color
func ParseHex(s string) (models.RGB, error) {
	c, err := colorful.Hex(s)
	if err != nil {
		return models.RGB{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return models.RGB{c.R, c.G, c.B}, nil
}

// Hex formats an RGB color as "#rrggbb"
func Hex(c models.RGB) string {
	return toColorful(c).Clamped().Hex()
}
