// Package visualization assembles per-well composite images from a
// multichannel imaging volume.
package visualization

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"sync"

	"wellplate/internal/models"
	"wellplate/pkg/colormap"
	"wellplate/pkg/volume"
)

// DefaultCachedLookups bounds the number of colorized planes kept by a Viewer
const DefaultCachedLookups = 16

// MaskSource provides the label masks drawn by mask overlay channels
type MaskSource interface {
	LoadMask(ctx context.Context, well int, channel string) (*models.LabelMask, error)
}

type lookupKey struct {
	well    int
	channel int
	color   models.RGB
}

// Viewer composites the channels of a selected well.
// It holds no display state: every Assemble call returns a fresh image.
type Viewer struct {
	source volume.Source
	masks  MaskSource
	log    *slog.Logger

	palette *colormap.Categorical

	// maxLookups bounds the colormap lookup cache
	maxLookups int

	mu      sync.Mutex
	lookups map[lookupKey]*colormap.Colorized
	order   []lookupKey
}

// NewViewer creates a viewer over a volume source.
// masks may be nil when no mask overlays are used.
func NewViewer(source volume.Source, masks MaskSource, logger *slog.Logger) *Viewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Viewer{
		source:     source,
		masks:      masks,
		log:        logger,
		palette:    colormap.NewCategorical(colormap.DefaultPaletteSize, colormap.DefaultSeed),
		maxLookups: DefaultCachedLookups,
		lookups:    make(map[lookupKey]*colormap.Colorized),
	}
}

// SetCacheSize changes how many colorized planes are memoized, 0 disables the cache
func (v *Viewer) SetCacheSize(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.maxLookups = n
	for len(v.order) > n {
		delete(v.lookups, v.order[0])
		v.order = v.order[1:]
	}
}

// Source returns the volume the viewer reads from
func (v *Viewer) Source() volume.Source {
	return v.source
}

// Assemble composites the enabled channels of a well into one RGB image.
// Contributions are summed and the result is clipped to [0,1]. A channel with
// an invalid range, an unknown name or a missing mask is skipped and reported
// in the image's Warnings; other channels are still composited.
func (v *Viewer) Assemble(ctx context.Context, well int, channels []models.Channel) (*models.CompositeImage, error) {
	shape := v.source.Shape()
	if well < 0 || well >= shape.Wells {
		return nil, fmt.Errorf("well index %d out of range [0, %d)", well, shape.Wells)
	}

	out := models.NewCompositeImage(shape.Width, shape.Height)
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		contrib, err := v.contribution(ctx, well, ch)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !isChannelError(err) {
				return nil, err
			}
			v.log.Warn("skipping channel", "well", well, "channel", ch.Name, "error", err)
			out.Warnings = append(out.Warnings, err)
			continue
		}
		if len(contrib) != len(out.Pix) {
			return nil, fmt.Errorf("channel %q contributes %d values, expected %d", ch.Name, len(contrib), len(out.Pix))
		}
		for i, c := range contrib {
			out.Pix[i] += c
		}
	}

	for i, p := range out.Pix {
		out.Pix[i] = math.Max(0, math.Min(1, p))
	}
	return out, nil
}

// errMaskUnavailable marks a mask overlay that cannot be drawn
var errMaskUnavailable = errors.New("mask unavailable")

func isChannelError(err error) bool {
	return errors.Is(err, models.ErrInvalidRange) ||
		errors.Is(err, models.ErrMissingChannel) ||
		errors.Is(err, errMaskUnavailable)
}

func (v *Viewer) contribution(ctx context.Context, well int, ch models.Channel) ([]float64, error) {
	if ch.Kind == models.MaskOverlayChannel {
		return v.maskContribution(ctx, well, ch)
	}

	return colormap.ColorizeLookup(ch, func() (*colormap.Colorized, error) {
		idx, err := v.source.Channels().Index(ch.Name)
		if err != nil {
			return nil, err
		}
		return v.lookup(ctx, well, idx, ch.Color)
	})
}

func (v *Viewer) maskContribution(ctx context.Context, well int, ch models.Channel) ([]float64, error) {
	target := ch.MaskOf
	if target == "" {
		target = ch.Name
	}
	if _, err := v.source.Channels().Index(target); err != nil {
		return nil, err
	}
	if v.masks == nil {
		return nil, fmt.Errorf("%w: no mask source for channel %q", errMaskUnavailable, target)
	}
	mask, err := v.masks.LoadMask(ctx, well, target)
	if err != nil {
		return nil, fmt.Errorf("%w: well %d channel %q: %v", errMaskUnavailable, well, target, err)
	}
	shape := v.source.Shape()
	if mask.Width != shape.Width || mask.Height != shape.Height {
		return nil, fmt.Errorf("%w: mask is %dx%d, volume is %dx%d", errMaskUnavailable, mask.Width, mask.Height, shape.Width, shape.Height)
	}
	return v.palette.ColorizeMask(mask), nil
}

// lookup returns the memoized colormap lookup of a channel plane
func (v *Viewer) lookup(ctx context.Context, well, channel int, c models.RGB) (*colormap.Colorized, error) {
	key := lookupKey{well: well, channel: channel, color: c}

	v.mu.Lock()
	lut, ok := v.lookups[key]
	v.mu.Unlock()
	if ok {
		return lut, nil
	}

	plane, err := v.source.Plane(ctx, well, channel)
	if err != nil {
		return nil, err
	}
	lut = colormap.Lookup(plane, colormap.ForColor(c))

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.maxLookups <= 0 {
		return lut, nil
	}
	if cached, ok := v.lookups[key]; ok {
		return cached, nil
	}
	v.lookups[key] = lut
	v.order = append(v.order, key)
	for len(v.order) > v.maxLookups {
		delete(v.lookups, v.order[0])
		v.order = v.order[1:]
	}
	return lut, nil
}

// ExtractPlane returns the raw plane of a well's channel as a 16-bit image
func (v *Viewer) ExtractPlane(ctx context.Context, well int, name string) (*image.Gray16, error) {
	plane, err := volume.PlaneByName(ctx, v.source, well, name)
	if err != nil {
		return nil, err
	}
	shape := v.source.Shape()
	img := image.NewGray16(image.Rect(0, 0, shape.Width, shape.Height))
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: plane[y*shape.Width+x]})
		}
	}
	return img, nil
}
