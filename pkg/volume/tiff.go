package volume

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	"golang.org/x/image/tiff"
)

// EncodeGray16 writes a plane as a 16-bit grayscale TIFF
func EncodeGray16(w io.Writer, plane []uint16, width, height int) error {
	if len(plane) != width*height {
		return fmt.Errorf("plane has %d samples, expected %dx%d", len(plane), width, height)
	}
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: plane[y*width+x]})
		}
	}
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
}

// DecodeGray16 reads a TIFF image into 16-bit samples.
// Non-gray images are converted with the standard luminance model.
func DecodeGray16(r io.Reader) ([]uint16, int, int, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return nil, 0, 0, err
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := make([]uint16, width*height)

	if g, ok := img.(*image.Gray16); ok {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				plane[y*width+x] = g.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y
			}
		}
		return plane, width, height, nil
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			plane[y*width+x] = c.Y
		}
	}
	return plane, width, height, nil
}

// WritePlaneFile saves a plane as a 16-bit TIFF file
func WritePlaneFile(path string, plane []uint16, width, height int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeGray16(f, plane, width, height); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadPlaneFile loads a 16-bit TIFF file
func ReadPlaneFile(path string) ([]uint16, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()
	return DecodeGray16(f)
}
