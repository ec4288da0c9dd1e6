package visualization

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"wellplate/internal/models"
	"wellplate/pkg/plate"
)

// ToRGBA converts a composite into an 8-bit image
func ToRGBA(c *models.CompositeImage) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			r, g, b := c.RGBAt(x, y)
			img.SetRGBA(x, y, color.RGBA{R: to8(r), G: to8(g), B: to8(b), A: 255})
		}
	}
	return img
}

func to8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

// SaveComposite writes a composite as PNG, TIFF or JPEG depending on the extension
func SaveComposite(c *models.CompositeImage, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	img := ToRGBA(c)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return png.Encode(file, img)
	case ".tif", ".tiff":
		return tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	case ".jpg", ".jpeg":
		return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		return fmt.Errorf("unsupported image format %q", filepath.Ext(filename))
	}
}

// SavePlate renders every well with the same channel settings into outputDir,
// naming files by well id
func (v *Viewer) SavePlate(ctx context.Context, channels []models.Channel, outputDir, ext string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for well := 0; well < v.source.Shape().Wells; well++ {
		name := fmt.Sprintf("well_%03d", well)
		if id, err := plate.WellID(well); err == nil {
			name = id
		}
		img, err := v.Assemble(ctx, well, channels)
		if err != nil {
			return fmt.Errorf("well %s: %w", name, err)
		}
		if err := SaveComposite(img, filepath.Join(outputDir, name+ext)); err != nil {
			return fmt.Errorf("well %s: %w", name, err)
		}
	}
	return nil
}
