package segmentation

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Smooth denoises a plane with a Gaussian low-pass filter applied in the
// frequency domain. sigma is the standard deviation in pixels; values <= 0
// return the plane unchanged. Borders wrap around.
func Smooth(plane []uint16, width, height int, sigma float64) []float64 {
	out := make([]float64, len(plane))
	for i, v := range plane {
		out[i] = float64(v)
	}
	if sigma <= 0 || width == 0 || height == 0 {
		return out
	}

	data := make([]complex128, len(plane))
	for i, v := range out {
		data[i] = complex(v, 0)
	}

	fft2D(data, width, height, false)

	// Gaussian transfer function, separable in the two frequency axes
	gx := gaussianTransfer(width, sigma)
	gy := gaussianTransfer(height, sigma)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			data[y*width+x] *= complex(gx[x]*gy[y], 0)
		}
	}

	fft2D(data, width, height, true)

	for i, c := range data {
		out[i] = real(c)
	}

	// the filter has unit gain at zero frequency, so matching the input mean
	// fixes the scale of the inverse transform
	inMean := 0.0
	for _, v := range plane {
		inMean += float64(v)
	}
	inMean /= float64(len(plane))
	outMean := floats.Sum(out) / float64(len(out))
	if outMean == 0 {
		return make([]float64, len(plane))
	}
	floats.Scale(inMean/outMean, out)
	return out
}

// fft2D transforms data in place, rows first and then columns
func fft2D(data []complex128, width, height int, inverse bool) {
	rowFFT := fourier.NewCmplxFFT(width)
	row := make([]complex128, width)
	for y := 0; y < height; y++ {
		copy(row, data[y*width:(y+1)*width])
		if inverse {
			rowFFT.Sequence(row, row)
		} else {
			rowFFT.Coefficients(row, row)
		}
		copy(data[y*width:(y+1)*width], row)
	}

	colFFT := fourier.NewCmplxFFT(height)
	col := make([]complex128, height)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			col[y] = data[y*width+x]
		}
		if inverse {
			colFFT.Sequence(col, col)
		} else {
			colFFT.Coefficients(col, col)
		}
		for y := 0; y < height; y++ {
			data[y*width+x] = col[y]
		}
	}
}

func gaussianTransfer(n int, sigma float64) []float64 {
	g := make([]float64, n)
	for k := range g {
		// signed frequency in cycles per pixel
		f := float64(k)
		if k > n/2 {
			f -= float64(n)
		}
		f /= float64(n)
		g[k] = math.Exp(-2 * math.Pi * math.Pi * sigma * sigma * f * f)
	}
	return g
}

// toPlane rounds smoothed values back into 16-bit samples
func toPlane(values []float64) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = uint16(math.Max(0, math.Min(65535, math.Round(v))))
	}
	return out
}
