// Package cv implements the segmentation and patch-feature providers on
// OpenCV through gocv.
package cv

import (
	"fmt"
	"image"
	"image/draw"

	"gocv.io/x/gocv"

	"github.com/4thel00z/turntable/internal"
)

// imageToMat converts decoded pixels to a BGR Mat.
func imageToMat(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != 4*bounds.Dx() {
		rgba = image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	}

	mat, err := gocv.NewMatFromBytes(bounds.Dy(), bounds.Dx(), gocv.MatTypeCV8UC4, rgba.Pix)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("image to mat: %w", err)
	}
	defer mat.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(mat, &bgr, gocv.ColorRGBAToBGR)
	return bgr, nil
}

// maskFromMat reads a single-channel 8-bit Mat; nonzero is foreground.
func maskFromMat(m gocv.Mat) *internal.Mask {
	w, h := m.Cols(), m.Rows()
	data := m.ToBytes()
	return internal.MaskFromFunc(w, h, func(x, y int) bool {
		return data[y*w+x] > 0
	})
}

// matFromMask renders foreground as 255 in a single-channel 8-bit Mat.
func matFromMask(mask *internal.Mask) (gocv.Mat, error) {
	w, h := mask.Width(), mask.Height()
	buf := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask.Contains(x, y) {
				buf[y*w+x] = 255
			}
		}
	}
	return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, buf)
}

// fitWithin downsizes img so its longer side is at most maxSize.
func fitWithin(img gocv.Mat, maxSize int) (gocv.Mat, float64) {
	width, height := img.Cols(), img.Rows()
	maxDim := max(width, height)
	if maxSize <= 0 || maxDim <= maxSize {
		return img.Clone(), 1.0
	}

	scale := float64(maxSize) / float64(maxDim)
	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Point{X: int(float64(width) * scale), Y: int(float64(height) * scale)}, 0, 0, gocv.InterpolationArea)
	return resized, scale
}

// restoreSize scales a binary mask back to width×height.
func restoreSize(mask gocv.Mat, width, height int) gocv.Mat {
	if mask.Cols() == width && mask.Rows() == height {
		return mask.Clone()
	}
	resized := gocv.NewMat()
	gocv.Resize(mask, &resized, image.Point{X: width, Y: height}, 0, 0, gocv.InterpolationLinear)
	gocv.Threshold(resized, &resized, 127, 255, gocv.ThresholdBinary)
	return resized
}
