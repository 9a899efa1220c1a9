package cv

import (
	"context"
	"image"
	"image/color"
	"math"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/4thel00z/turntable/internal"
)

var _ internal.Proposer = (*SaliencyProposer)(nil)

// Saliency levels the proposer cuts regions at, and the offset used to
// measure how stable a region is under a threshold shift.
var (
	saliencyLevels  = []float32{48, 80, 112, 144, 176}
	stabilityOffset = float32(24)
)

// dedupeIoU drops a region that repeats an accepted one at another level.
const dedupeIoU = 0.95

// SaliencyProposer generates class-agnostic regions from a gradient
// saliency map cut at several levels. A region is proposed when it holds at
// least one seed of a points_per_side grid. Its predicted IoU is the
// contour's solidity and its stability is the IoU of the map thresholded
// just above and just below the level, inside the region's bounding box.
type SaliencyProposer struct {
	maxSize int
	logger  *zap.Logger
}

func NewSaliencyProposer(maxSize int, logger *zap.Logger) *SaliencyProposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SaliencyProposer{maxSize: maxSize, logger: logger}
}

func (p *SaliencyProposer) Propose(ctx context.Context, img *internal.Image, opts internal.ProposeOptions) ([]internal.RawProposal, error) {
	src, err := imageToMat(img.Pixels)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	scaled, scale := fitWithin(src, p.maxSize)
	defer scaled.Close()

	saliency := saliencyMap(scaled)
	defer saliency.Close()

	seeds := gridSeeds(scaled.Cols(), scaled.Rows(), opts.PointsPerSide)
	minArea := float64(opts.MinRegionArea) * scale * scale

	var out []internal.RawProposal
	for _, level := range saliencyLevels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		regions, err := p.regionsAt(saliency, level, seeds, minArea, img.Width(), img.Height())
		if err != nil {
			return nil, err
		}
		for _, r := range regions {
			if r.PredictedIoU < opts.PredIoUThresh || r.Stability < opts.StabilityScoreThresh {
				continue
			}
			if duplicates(out, r.Mask) {
				continue
			}
			out = append(out, r)
		}
	}

	p.logger.Debug("proposed regions", zap.String("image", img.ID), zap.Int("proposals", len(out)))
	return out, nil
}

func (p *SaliencyProposer) Close() error { return nil }

func (p *SaliencyProposer) regionsAt(saliency gocv.Mat, level float32, seeds []image.Point, minArea float64, width, height int) ([]internal.RawProposal, error) {
	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(saliency, &binary, level, 255, gocv.ThresholdBinary)

	upper := gocv.NewMat()
	defer upper.Close()
	gocv.Threshold(saliency, &upper, level+stabilityOffset, 255, gocv.ThresholdBinary)
	lower := gocv.NewMat()
	defer lower.Close()
	gocv.Threshold(saliency, &lower, level-stabilityOffset, 255, gocv.ThresholdBinary)
	upperBytes, lowerBytes := upper.ToBytes(), lower.ToBytes()

	contours := gocv.FindContours(binary, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var regions []internal.RawProposal
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area < minArea || !containsSeed(c, seeds) {
			continue
		}

		filled := gocv.NewMatWithSize(binary.Rows(), binary.Cols(), gocv.MatTypeCV8U)
		filled.SetTo(gocv.NewScalar(0, 0, 0, 0))
		gocv.DrawContours(&filled, contours, i, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)
		full := restoreSize(filled, width, height)
		filled.Close()
		mask := maskFromMat(full)
		full.Close()
		if mask.Area() == 0 {
			continue
		}

		predicted := convexSolidity(c.ToPoints(), area)
		stability := bandStability(upperBytes, lowerBytes, binary.Cols(), gocv.BoundingRect(c))
		regions = append(regions, internal.RawProposal{
			Mask:         mask,
			QualityScore: (predicted + stability) / 2,
			PredictedIoU: predicted,
			Stability:    stability,
			HasScores:    true,
		})
	}
	return regions, nil
}

// saliencyMap is the blurred Sobel gradient magnitude of img, stretched to
// the full 8-bit range.
func saliencyMap(img gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	gradX := gocv.NewMat()
	gradY := gocv.NewMat()
	defer gradX.Close()
	defer gradY.Close()
	gocv.Sobel(gray, &gradX, gocv.MatTypeCV16S, 1, 0, 3, 1, 0, gocv.BorderDefault)
	gocv.Sobel(gray, &gradY, gocv.MatTypeCV16S, 0, 1, 3, 1, 0, gocv.BorderDefault)

	absGradX := gocv.NewMat()
	absGradY := gocv.NewMat()
	defer absGradX.Close()
	defer absGradY.Close()
	gocv.ConvertScaleAbs(gradX, &absGradX, 1, 0)
	gocv.ConvertScaleAbs(gradY, &absGradY, 1, 0)

	gradient := gocv.NewMat()
	defer gradient.Close()
	gocv.AddWeighted(absGradX, 0.5, absGradY, 0.5, 0, &gradient)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gradient, &blurred, image.Point{X: 21, Y: 21}, 0, 0, gocv.BorderDefault)

	stretched := gocv.NewMat()
	gocv.Normalize(blurred, &stretched, 0, 255, gocv.NormMinMax)
	return stretched
}

// gridSeeds places n×n points at cell centres, n defaulting to 32.
func gridSeeds(width, height, n int) []image.Point {
	if n <= 0 {
		n = 32
	}
	seeds := make([]image.Point, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			x := int((float64(j) + 0.5) * float64(width) / float64(n))
			y := int((float64(i) + 0.5) * float64(height) / float64(n))
			seeds = append(seeds, image.Pt(x, y))
		}
	}
	return seeds
}

func containsSeed(c gocv.PointVector, seeds []image.Point) bool {
	box := gocv.BoundingRect(c)
	for _, s := range seeds {
		if !s.In(box) {
			continue
		}
		if gocv.PointPolygonTest(c, s, false) >= 0 {
			return true
		}
	}
	return false
}

// bandStability is IoU(upper, lower) restricted to box. upper is a subset of
// lower, so this is |upper| / |lower|.
func bandStability(upper, lower []byte, stride int, box image.Rectangle) float64 {
	var inUpper, inLower int
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			if upper[y*stride+x] > 0 {
				inUpper++
			}
			if lower[y*stride+x] > 0 {
				inLower++
			}
		}
	}
	if inLower == 0 {
		return 0
	}
	return math.Min(1, float64(inUpper)/float64(inLower))
}

func duplicates(accepted []internal.RawProposal, m *internal.Mask) bool {
	for _, a := range accepted {
		iou, err := internal.MaskIoU(a.Mask, m)
		if err == nil && iou > dedupeIoU {
			return true
		}
	}
	return false
}
