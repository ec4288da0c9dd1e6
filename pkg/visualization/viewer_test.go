package visualization

import (
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"wellplate/internal/models"
	"wellplate/pkg/volume"
)

type memMasks map[int]*models.LabelMask

func (m memMasks) LoadMask(ctx context.Context, well int, channel string) (*models.LabelMask, error) {
	mask, ok := m[well]
	if !ok {
		return nil, errors.New("not found")
	}
	return mask, nil
}

// newTestViewer creates a 3-well, 2-channel 4x3 volume with a gradient pattern
func newTestViewer(t *testing.T, masks MaskSource) *Viewer {
	t.Helper()
	width, height := 4, 3
	vol := models.NewVolume(3, 2, height, width)
	for w := 0; w < 3; w++ {
		for c := 0; c < 2; c++ {
			plane := make([]uint16, width*height)
			for i := range plane {
				plane[i] = uint16((w + 1) * (c + 1) * (i + 1) * 1000)
			}
			if err := vol.SetPlane(w, c, plane); err != nil {
				t.Fatalf("SetPlane failed: %v", err)
			}
		}
	}
	src, err := volume.NewMemory(vol, []models.ChannelInfo{
		{Name: "365 nm", Color: models.RGB{0, 0, 1}},
		{Name: "488 nm", Color: models.RGB{0, 1, 0}},
	})
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	return NewViewer(src, masks, nil)
}

func defaultChannels() []models.Channel {
	return []models.Channel{
		{Name: "365 nm", Color: models.RGB{0, 0, 1}, Enabled: true, Range: models.DisplayRange{Low: 0, High: 20000}},
		{Name: "488 nm", Color: models.RGB{0, 1, 0}, Enabled: true, Range: models.DisplayRange{Low: 1000, High: 30000}},
	}
}

// TestAssembleShapeAndRange verifies the composite matches the spatial shape
// and every component lies in [0,1]
func TestAssembleShapeAndRange(t *testing.T) {
	v := newTestViewer(t, nil)
	img, err := v.Assemble(context.Background(), 1, defaultChannels())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if img.Width != 4 || img.Height != 3 {
		t.Errorf("Expected 4x3 composite, got %dx%d", img.Width, img.Height)
	}
	if len(img.Pix) != 4*3*3 {
		t.Fatalf("Expected %d components, got %d", 4*3*3, len(img.Pix))
	}
	for i, p := range img.Pix {
		if p < 0 || p > 1 {
			t.Errorf("Component %d = %f outside [0,1]", i, p)
		}
	}
	if len(img.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", img.Warnings)
	}
	// Red is never contributed by blue and green channels
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			if r, _, _ := img.RGBAt(x, y); r != 0 {
				t.Errorf("Expected no red at (%d,%d), got %f", x, y, r)
			}
		}
	}
}

// TestAssembleIdempotent verifies repeated calls produce identical results
func TestAssembleIdempotent(t *testing.T) {
	v := newTestViewer(t, nil)
	first, err := v.Assemble(context.Background(), 2, defaultChannels())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	second, err := v.Assemble(context.Background(), 2, defaultChannels())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	for i := range first.Pix {
		if first.Pix[i] != second.Pix[i] {
			t.Fatalf("Component %d differs between runs: %v vs %v", i, first.Pix[i], second.Pix[i])
		}
	}

	v.SetCacheSize(0)
	third, err := v.Assemble(context.Background(), 2, defaultChannels())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	for i := range first.Pix {
		if first.Pix[i] != third.Pix[i] {
			t.Fatalf("Uncached component %d differs: %v vs %v", i, first.Pix[i], third.Pix[i])
		}
	}
}

func TestAssembleAllDisabledIsBlack(t *testing.T) {
	v := newTestViewer(t, nil)
	channels := defaultChannels()
	for i := range channels {
		channels[i].Enabled = false
	}
	img, err := v.Assemble(context.Background(), 0, channels)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if img.Width != 4 || img.Height != 3 || len(img.Pix) != 36 {
		t.Fatalf("Unexpected composite shape %dx%d (%d)", img.Width, img.Height, len(img.Pix))
	}
	for i, p := range img.Pix {
		if p != 0 {
			t.Fatalf("Expected black composite, component %d = %f", i, p)
		}
	}
}

// TestAssembleSumsChannels verifies overlapping channels accumulate
func TestAssembleSumsChannels(t *testing.T) {
	v := newTestViewer(t, nil)
	channels := []models.Channel{
		{Name: "365 nm", Color: models.RGB{0, 1, 0}, Enabled: true, Range: models.DisplayRange{Low: 0, High: 65535}},
	}
	single, err := v.Assemble(context.Background(), 0, channels)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	channels = append(channels, models.Channel{Name: "488 nm", Color: models.RGB{0, 1, 0}, Enabled: true, Range: models.DisplayRange{Low: 0, High: 65535}})
	both, err := v.Assemble(context.Background(), 0, channels)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	_, g1, _ := single.RGBAt(1, 0)
	_, g2, _ := both.RGBAt(1, 0)
	if g2 <= g1 {
		t.Errorf("Expected summed green %f to exceed single channel %f", g2, g1)
	}
}

// TestAssembleSkipsInvalidChannels verifies bad channels are reported
// without blocking the remaining ones
func TestAssembleSkipsInvalidChannels(t *testing.T) {
	v := newTestViewer(t, nil)
	channels := defaultChannels()
	channels[0].Range = models.DisplayRange{Low: 500, High: 500}
	channels = append(channels, models.Channel{Name: "640 nm", Enabled: true, Range: models.FullRange})

	img, err := v.Assemble(context.Background(), 0, channels)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(img.Warnings) != 2 {
		t.Fatalf("Expected 2 warnings, got %v", img.Warnings)
	}
	if !errors.Is(img.Warnings[0], models.ErrInvalidRange) {
		t.Errorf("Expected ErrInvalidRange warning, got %v", img.Warnings[0])
	}
	if !errors.Is(img.Warnings[1], models.ErrMissingChannel) {
		t.Errorf("Expected ErrMissingChannel warning, got %v", img.Warnings[1])
	}

	var green float64
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			_, g, b := img.RGBAt(x, y)
			green += g
			if b != 0 {
				t.Errorf("Expected skipped blue channel to contribute nothing, got %f", b)
			}
		}
	}
	if green == 0 {
		t.Errorf("Expected the valid green channel to be composited")
	}
}

func TestAssembleRejectsBadWell(t *testing.T) {
	v := newTestViewer(t, nil)
	if _, err := v.Assemble(context.Background(), 3, defaultChannels()); err == nil {
		t.Errorf("Expected error for out-of-range well")
	}
}

// TestAssembleMaskOverlayIgnoresRange verifies mask overlays are gated only by Enabled
func TestAssembleMaskOverlayIgnoresRange(t *testing.T) {
	mask := models.NewLabelMask(4, 3)
	mask.Labels[0] = 1
	mask.Labels[5] = 2
	v := newTestViewer(t, memMasks{0: mask})

	overlay := models.Channel{
		Name:    "cells",
		MaskOf:  "365 nm",
		Kind:    models.MaskOverlayChannel,
		Enabled: true,
		Range:   models.DisplayRange{Low: 9, High: 9},
	}
	img, err := v.Assemble(context.Background(), 0, []models.Channel{overlay})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(img.Warnings) != 0 {
		t.Fatalf("Expected no warnings for mask overlay, got %v", img.Warnings)
	}
	r, g, b := img.RGBAt(0, 0)
	if r+g+b == 0 {
		t.Errorf("Expected labelled pixel to be colored")
	}
	r, g, b = img.RGBAt(1, 0)
	if r+g+b != 0 {
		t.Errorf("Expected background pixel to stay black")
	}

	overlay.Enabled = false
	img, err = v.Assemble(context.Background(), 0, []models.Channel{overlay})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	for _, p := range img.Pix {
		if p != 0 {
			t.Fatalf("Expected disabled overlay to contribute nothing")
		}
	}

	overlay.Enabled = true
	img, err = v.Assemble(context.Background(), 1, []models.Channel{overlay})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(img.Warnings) != 1 {
		t.Errorf("Expected a warning for a well without mask, got %v", img.Warnings)
	}
}

func TestExtractPlane(t *testing.T) {
	v := newTestViewer(t, nil)
	img, err := v.ExtractPlane(context.Background(), 0, "488 nm")
	if err != nil {
		t.Fatalf("ExtractPlane failed: %v", err)
	}
	if got := img.Gray16At(1, 0).Y; got != 4000 {
		t.Errorf("Expected 4000 at (1,0), got %d", got)
	}
	if _, err := v.ExtractPlane(context.Background(), 0, "BF"); !errors.Is(err, models.ErrMissingChannel) {
		t.Errorf("Expected ErrMissingChannel, got %v", err)
	}
}

func TestSaveComposite(t *testing.T) {
	v := newTestViewer(t, nil)
	img, err := v.Assemble(context.Background(), 0, defaultChannels())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	dir := t.TempDir()
	for _, name := range []string{"well.png", "well.tif", "well.jpg"} {
		if err := SaveComposite(img, filepath.Join(dir, name)); err != nil {
			t.Errorf("SaveComposite(%s) failed: %v", name, err)
		}
	}
	if err := SaveComposite(img, filepath.Join(dir, "well.bmp")); err == nil {
		t.Errorf("Expected error for unsupported format")
	}

	f, err := os.Open(filepath.Join(dir, "well.png"))
	if err != nil {
		t.Fatalf("Failed to open saved composite: %v", err)
	}
	defer f.Close()
	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("Failed to decode saved composite: %v", err)
	}
	if decoded.Bounds().Dx() != 4 || decoded.Bounds().Dy() != 3 {
		t.Errorf("Expected 4x3 image, got %v", decoded.Bounds())
	}
}

func TestSavePlate(t *testing.T) {
	v := newTestViewer(t, nil)
	dir := t.TempDir()
	if err := v.SavePlate(context.Background(), defaultChannels(), dir, ".png"); err != nil {
		t.Fatalf("SavePlate failed: %v", err)
	}
	for _, id := range []string{"A1", "A2", "A3"} {
		if _, err := os.Stat(filepath.Join(dir, id+".png")); err != nil {
			t.Errorf("Expected composite for %s: %v", id, err)
		}
	}
}
