package internal

import (
	"image"
	"time"
)

// RunReport is the serializable view of a run shared by the JSON summary,
// the run store, the HTTP API and CLI output.
type RunReport struct {
	ID         string          `json:"id"`
	Reference  ReferenceReport `json:"reference"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Canceled   bool            `json:"canceled"`
	Total      int             `json:"total"`
	Matched    int             `json:"matched"`
	Failed     int             `json:"failed"`
	Images     []ImageReport   `json:"images,omitempty"`
}

type ReferenceReport struct {
	ImageID string `json:"image_id"`
	Path    string `json:"path,omitempty"`
	BBox    Box    `json:"bbox"`
	Area    int    `json:"area"`
	Mask    RLE    `json:"mask"`
}

type ImageReport struct {
	ImageID string        `json:"image_id"`
	Path    string        `json:"path,omitempty"`
	Matches []MatchReport `json:"matches"`
	Failure *ImageFailure `json:"failure,omitempty"`
}

type MatchReport struct {
	Rank          int     `json:"rank"`
	ProposalIndex int     `json:"proposal_index"`
	Similarity    float64 `json:"similarity"`
	QualityScore  float64 `json:"quality_score"`
	BBox          Box     `json:"bbox"`
	Area          int     `json:"area"`
	Mask          RLE     `json:"mask"`
}

// Box is an [x1, y1, x2, y2] pixel box with exclusive max corner.
type Box [4]int

func BoxOf(r image.Rectangle) Box {
	return Box{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y}
}

func (b Box) Rect() image.Rectangle {
	return image.Rect(b[0], b[1], b[2], b[3])
}

func NewRunReport(run *RunResult) RunReport {
	rep := RunReport{
		ID:         run.ID,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Canceled:   run.Canceled,
		Total:      run.Total(),
		Matched:    run.Matched(),
		Failed:     run.Failed(),
		Images:     make([]ImageReport, 0, len(run.Results)),
	}
	if ref := run.Reference; ref != nil {
		rep.Reference = ReferenceReport{
			ImageID: ref.ImageID,
			Path:    run.ReferencePath,
			BBox:    BoxOf(ref.Mask.Bounds()),
			Area:    ref.Mask.Area(),
			Mask:    ref.Mask.EncodeRLE(),
		}
	}

	for _, res := range run.Results {
		img := ImageReport{
			ImageID: res.ImageID,
			Path:    res.Path,
			Matches: make([]MatchReport, 0, len(res.Matches)),
			Failure: res.Failure,
		}
		for _, m := range res.Matches {
			img.Matches = append(img.Matches, MatchReport{
				Rank:          m.Rank,
				ProposalIndex: m.Proposal.Index,
				Similarity:    m.Similarity,
				QualityScore:  m.Proposal.QualityScore,
				BBox:          BoxOf(m.Proposal.Mask.Bounds()),
				Area:          m.Proposal.Mask.Area(),
				Mask:          m.Proposal.Mask.EncodeRLE(),
			})
		}
		rep.Images = append(rep.Images, img)
	}
	return rep
}
