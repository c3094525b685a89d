//go:build opencv

package quality

import (
	"image"

	"gocv.io/x/gocv"
)

// grayFrame holds the luma Mat of one capture so both checks share a
// single conversion. close releases the native buffer.
type grayFrame struct {
	gray gocv.Mat
}

func newGrayFrame(img image.Image) (*grayFrame, error) {
	bgr, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, err
	}
	defer bgr.Close()

	gray := gocv.NewMat()
	gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)
	return &grayFrame{gray: gray}, nil
}

func (f *grayFrame) close() {
	f.gray.Close()
}

func (f *grayFrame) brightness() float64 {
	if f.gray.Empty() {
		return 0
	}
	return f.gray.Mean().Val1
}

func (f *grayFrame) sharpness() float64 {
	if f.gray.Empty() {
		return 0
	}

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(f.gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(lap, &mean, &stddev)

	sd := stddev.GetDoubleAt(0, 0)
	return sd * sd
}

// Brightness is the mean gray intensity on a 0-255 scale.
func Brightness(img image.Image) float64 {
	f, err := newGrayFrame(img)
	if err != nil {
		return 0
	}
	defer f.close()
	return f.brightness()
}

// Sharpness is the variance of the Laplacian of the gray image.
func Sharpness(img image.Image) float64 {
	f, err := newGrayFrame(img)
	if err != nil {
		return 0
	}
	defer f.close()
	return f.sharpness()
}
