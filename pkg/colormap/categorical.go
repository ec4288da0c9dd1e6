package colormap

import (
	"math"
	"math/rand"

	"github.com/lucasb-eyer/go-colorful"

	"wellplate/internal/models"
)

// DefaultPaletteSize is the number of distinct colors in a mask overlay
const DefaultPaletteSize = 64

// DefaultSeed keeps mask overlays stable between renders
const DefaultSeed = 1

// goldenAngle spaces consecutive hues as far apart as possible
const goldenAngle = 137.50776405003785

// Categorical colors integer labels with a randomly permuted palette so that
// neighbouring cell ids end up with visually distinct colors
type Categorical struct {
	palette []colorful.Color
}

// NewCategorical builds a palette of size colors shuffled with a fixed seed
func NewCategorical(size int, seed int64) *Categorical {
	if size < 1 {
		size = 1
	}
	base := make([]colorful.Color, size)
	for i := range base {
		h := math.Mod(float64(i)*goldenAngle, 360)
		s := 0.55 + 0.45*float64(i%3)/2
		v := 1.0 - 0.25*float64(i%2)
		base[i] = colorful.Hsv(h, s, v)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(size)
	palette := make([]colorful.Color, size)
	for i, p := range perm {
		palette[i] = base[p]
	}
	return &Categorical{palette: palette}
}

// Color returns the color of a label; background (label <= 0) has none
func (c *Categorical) Color(label int32) (colorful.Color, bool) {
	if label <= 0 {
		return colorful.Color{}, false
	}
	return c.palette[int(label-1)%len(c.palette)], true
}

// ColorizeMask returns the RGB contribution of a label mask.
// Background pixels contribute nothing.
func (c *Categorical) ColorizeMask(mask *models.LabelMask) []float64 {
	out := make([]float64, len(mask.Labels)*3)
	for i, l := range mask.Labels {
		col, ok := c.Color(l)
		if !ok {
			continue
		}
		out[i*3] = col.R
		out[i*3+1] = col.G
		out[i*3+2] = col.B
	}
	return out
}
