package internal

import "time"

// Proposal is a candidate segmentation on a target image.
type Proposal struct {
	ImageID      string
	Index        int // position in the proposer output
	Mask         *Mask
	QualityScore float64
	PredictedIoU float64
	Stability    float64
	HasScores    bool
	Embedding    *Embedding // nil until scored
	IsReference  bool       // the reference mask injected on its own image
}

// ReferenceInstance is the user-selected product. One per run, read-only.
type ReferenceInstance struct {
	ImageID   string
	Mask      *Mask
	Embedding Embedding
}

type Match struct {
	ImageID    string
	Proposal   Proposal
	Similarity float64
	Rank       int // 1-based, best first
}

// ImageFailure records why a target image produced no matches.
type ImageFailure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// PerImageResult is the outcome for one target image. Empty Matches with a
// nil Failure means the product was not found there.
type PerImageResult struct {
	ImageID string
	Path    string
	Matches []Match
	Failure *ImageFailure
}

func (r PerImageResult) HasMatch() bool { return len(r.Matches) > 0 }

// Best returns the top-ranked match.
func (r PerImageResult) Best() (Match, bool) {
	if len(r.Matches) == 0 {
		return Match{}, false
	}
	return r.Matches[0], true
}

func failedResult(src ImageSource, err error) PerImageResult {
	return PerImageResult{
		ImageID: src.ID,
		Path:    src.Path,
		Matches: []Match{},
		Failure: &ImageFailure{Kind: KindOf(err), Message: err.Error()},
	}
}

// RunResult aggregates one pipeline run in target input order.
type RunResult struct {
	ID            string
	Reference     *ReferenceInstance
	ReferencePath string
	Results       []PerImageResult
	Canceled      bool
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Matched counts images with at least one match.
func (r *RunResult) Matched() int {
	n := 0
	for _, res := range r.Results {
		if res.HasMatch() {
			n++
		}
	}
	return n
}

func (r *RunResult) Total() int { return len(r.Results) }

// Failed counts images whose processing failed.
func (r *RunResult) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Failure != nil {
			n++
		}
	}
	return n
}
