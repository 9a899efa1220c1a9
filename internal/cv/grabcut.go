package cv

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/4thel00z/turntable/internal"
)

var _ internal.Segmenter = (*GrabCutSegmenter)(nil)

// GrabCutSegmenter turns a point or box prompt into a single foreground
// mask. Boxes seed GrabCut directly; points seed a definite-foreground disk
// inside a probable-foreground neighbourhood.
type GrabCutSegmenter struct {
	iterations int
	maxSize    int
	logger     *zap.Logger
}

func NewGrabCutSegmenter(iterations, maxSize int, logger *zap.Logger) *GrabCutSegmenter {
	if iterations <= 0 {
		iterations = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GrabCutSegmenter{iterations: iterations, maxSize: maxSize, logger: logger}
}

func (s *GrabCutSegmenter) Segment(ctx context.Context, img *internal.Image, prompt internal.Prompt) (*internal.Mask, error) {
	if err := prompt.Validate(img.Width(), img.Height()); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := imageToMat(img.Pixels)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	scaled, scale := fitWithin(src, s.maxSize)
	defer scaled.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	bgdModel := gocv.NewMat()
	defer bgdModel.Close()
	fgdModel := gocv.NewMat()
	defer fgdModel.Close()

	switch prompt.Kind {
	case internal.PromptBox:
		rect := scaleRect(prompt.Box, scale).Intersect(image.Rect(0, 0, scaled.Cols(), scaled.Rows()))
		if rect.Dx() < 2 || rect.Dy() < 2 {
			return nil, fmt.Errorf("box %v too small: %w", prompt.Box, internal.ErrNoMaskProduced)
		}
		gocv.GrabCut(scaled, &mask, rect, &bgdModel, &fgdModel, s.iterations, gocv.GCInitWithRect)
	case internal.PromptPoint:
		if prompt.Negative {
			return nil, fmt.Errorf("lone background point: %w", internal.ErrNoMaskProduced)
		}
		seeded := pointSeedMask(scaled.Cols(), scaled.Rows(), scalePoint(prompt.Point, scale))
		mask.Close()
		mask = seeded
		gocv.GrabCut(scaled, &mask, image.Rectangle{}, &bgdModel, &fgdModel, s.iterations, gocv.GCInitWithMask)
	}

	fg := extractForeground(mask)
	defer fg.Close()
	optimized := morphologyOptimize(fg, 5)
	defer optimized.Close()
	largest := keepLargest(optimized)
	defer largest.Close()
	full := restoreSize(largest, img.Width(), img.Height())
	defer full.Close()

	out := maskFromMat(full)
	if out.Area() == 0 {
		return nil, internal.ErrNoMaskProduced
	}

	s.logger.Debug("segmented reference",
		zap.String("image", img.ID),
		zap.String("prompt", string(prompt.Kind)),
		zap.Int("area", out.Area()))
	return out, nil
}

func (s *GrabCutSegmenter) Close() error { return nil }

// pointSeedMask marks a disk around p as definite foreground inside a wider
// probable-foreground disk; the rest is probable background.
func pointSeedMask(width, height int, p image.Point) gocv.Mat {
	mask := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8U)
	mask.SetTo(gocv.NewScalar(gcProbableBackground, 0, 0, 0))

	radius := max(5, min(width, height)/20)
	gray := func(v uint8) color.RGBA { return color.RGBA{R: v, G: v, B: v, A: 255} }
	gocv.Circle(&mask, p, radius*4, gray(gcProbableForeground), -1)
	gocv.Circle(&mask, p, radius, gray(gcForeground), -1)
	return mask
}

func scalePoint(p image.Point, scale float64) image.Point {
	return image.Pt(int(float64(p.X)*scale), int(float64(p.Y)*scale))
}

func scaleRect(r image.Rectangle, scale float64) image.Rectangle {
	return image.Rectangle{Min: scalePoint(r.Min, scale), Max: scalePoint(r.Max, scale)}
}
