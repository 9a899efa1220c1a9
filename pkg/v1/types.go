package v1

import (
	"image"
	"time"

	"github.com/4thel00z/turntable/internal"
)

// Selection marks the product on the reference image. Set exactly one of
// Point and Box.
type Selection struct {
	Point    *image.Point
	Box      *image.Rectangle
	Negative bool // Point marks background
}

// MatchRequest searches Targets and every image in Dir for the selected
// product.
type MatchRequest struct {
	Reference string
	Selection Selection
	Targets   []string
	Dir       string
}

// Box is an [x1, y1, x2, y2] pixel box with exclusive max corner.
type Box [4]int

// Mask is a COCO-style uncompressed RLE in column-major order.
type Mask struct {
	Height int   `json:"height"`
	Width  int   `json:"width"`
	Counts []int `json:"counts"`
}

// Image decodes the mask into a binary image, foreground at 0xff.
func (m Mask) Image() (*image.Gray, error) {
	decoded, err := internal.DecodeRLE(internal.RLE{Size: [2]int{m.Height, m.Width}, Counts: m.Counts})
	if err != nil {
		return nil, err
	}
	return internal.MaskImage(decoded), nil
}

type Reference struct {
	ImageID string `json:"image_id"`
	Path    string `json:"path,omitempty"`
	BBox    Box    `json:"bbox"`
	Area    int    `json:"area"`
	Mask    Mask   `json:"mask"`
}

type Match struct {
	Rank         int     `json:"rank"`
	Similarity   float64 `json:"similarity"`
	QualityScore float64 `json:"quality_score"`
	BBox         Box     `json:"bbox"`
	Area         int     `json:"area"`
	Mask         Mask    `json:"mask"`
}

// ImageResult is the outcome for one target. No matches and an empty
// FailureKind means the product is not in the image.
type ImageResult struct {
	ImageID     string  `json:"image_id"`
	Path        string  `json:"path,omitempty"`
	Matches     []Match `json:"matches"`
	FailureKind string  `json:"failure_kind,omitempty"`
	Failure     string  `json:"failure,omitempty"`
}

// Best returns the top-ranked match.
func (r ImageResult) Best() (Match, bool) {
	if len(r.Matches) == 0 {
		return Match{}, false
	}
	return r.Matches[0], true
}

type Run struct {
	ID         string        `json:"id"`
	Reference  Reference     `json:"reference"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Canceled   bool          `json:"canceled"`
	Total      int           `json:"total"`
	Matched    int           `json:"matched"`
	Failed     int           `json:"failed"`
	Images     []ImageResult `json:"images,omitempty"`
}

func maskFrom(r internal.RLE) Mask {
	return Mask{Height: r.Size[0], Width: r.Size[1], Counts: r.Counts}
}

func runFrom(rep internal.RunReport) *Run {
	run := &Run{
		ID: rep.ID,
		Reference: Reference{
			ImageID: rep.Reference.ImageID,
			Path:    rep.Reference.Path,
			BBox:    Box(rep.Reference.BBox),
			Area:    rep.Reference.Area,
			Mask:    maskFrom(rep.Reference.Mask),
		},
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Canceled:   rep.Canceled,
		Total:      rep.Total,
		Matched:    rep.Matched,
		Failed:     rep.Failed,
		Images:     make([]ImageResult, 0, len(rep.Images)),
	}

	for _, img := range rep.Images {
		res := ImageResult{
			ImageID: img.ImageID,
			Path:    img.Path,
			Matches: make([]Match, 0, len(img.Matches)),
		}
		if img.Failure != nil {
			res.FailureKind = string(img.Failure.Kind)
			res.Failure = img.Failure.Message
		}
		for _, m := range img.Matches {
			res.Matches = append(res.Matches, Match{
				Rank:         m.Rank,
				Similarity:   m.Similarity,
				QualityScore: m.QualityScore,
				BBox:         Box(m.BBox),
				Area:         m.Area,
				Mask:         maskFrom(m.Mask),
			})
		}
		run.Images = append(run.Images, res)
	}
	return run
}
