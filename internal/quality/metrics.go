//go:build !opencv

package quality

import (
	"image"

	"gonum.org/v1/gonum/stat"
)

// Grayscale converts img to 8-bit luma with BT.601 weights, using the same
// fixed-point rounding as OpenCV's RGB2GRAY.
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			luma := (r>>8)*4899 + (g>>8)*9617 + (bl>>8)*1868 + 8192
			gray.Pix[(y-b.Min.Y)*gray.Stride+(x-b.Min.X)] = uint8(luma >> 14)
		}
	}
	return gray
}

// grayFrame holds the luma plane of one capture so both checks share a
// single conversion.
type grayFrame struct {
	gray *image.Gray
}

func newGrayFrame(img image.Image) (*grayFrame, error) {
	return &grayFrame{gray: Grayscale(img)}, nil
}

func (f *grayFrame) close() {}

// brightness averages the row means; rows have equal length so this is the
// mean over all pixels. Only one row is buffered at a time.
func (f *grayFrame) brightness() float64 {
	g := f.gray
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	row := make([]float64, w)
	rowMeans := make([]float64, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			row[x] = float64(g.Pix[y*g.Stride+x])
		}
		rowMeans[y] = stat.Mean(row, nil)
	}
	return stat.Mean(rowMeans, nil)
}

// sharpness is the population variance of the 3x3 Laplacian response with
// reflect-101 borders. With equal-sized rows the total variance is the mean
// of the row variances plus the variance of the row means.
func (f *grayFrame) sharpness() float64 {
	g := f.gray
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	at := func(x, y int) float64 {
		return float64(g.Pix[reflect101(y, h)*g.Stride+reflect101(x, w)])
	}

	row := make([]float64, w)
	rowMeans := make([]float64, h)
	rowVars := make([]float64, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			row[x] = at(x, y-1) + at(x, y+1) + at(x-1, y) + at(x+1, y) - 4*at(x, y)
		}
		rowMeans[y], rowVars[y] = stat.PopMeanVariance(row, nil)
	}
	return stat.Mean(rowVars, nil) + stat.PopVariance(rowMeans, nil)
}

// Brightness is the mean gray intensity on a 0-255 scale.
func Brightness(img image.Image) float64 {
	f, _ := newGrayFrame(img)
	return f.brightness()
}

// Sharpness is the population variance of the 3x3 Laplacian response over
// the gray image, with reflect-101 borders.
func Sharpness(img image.Image) float64 {
	f, _ := newGrayFrame(img)
	return f.sharpness()
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}
