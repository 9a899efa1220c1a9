package internal

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
)

// PatchGrid is a provider's per-patch feature map, row-major with Channels
// floats per cell.
type PatchGrid struct {
	Rows     int
	Cols     int
	Channels int
	Data     []float32
}

func (g *PatchGrid) validate() error {
	if g == nil || g.Rows <= 0 || g.Cols <= 0 || g.Channels <= 0 {
		return fmt.Errorf("empty patch grid: %w", ErrProviderUnavailable)
	}
	if len(g.Data) != g.Rows*g.Cols*g.Channels {
		return fmt.Errorf("patch grid holds %d values, want %d: %w",
			len(g.Data), g.Rows*g.Cols*g.Channels, ErrProviderUnavailable)
	}
	return nil
}

// Cell returns the feature vector of patch (r, c). The slice aliases Data.
func (g *PatchGrid) Cell(r, c int) []float32 {
	off := (r*g.Cols + c) * g.Channels
	return g.Data[off : off+g.Channels]
}

// PatchEmbedder turns an image into a grid of patch features. Grid size is
// fixed by the provider for a given resolution.
type PatchEmbedder interface {
	EmbedPatches(ctx context.Context, img *Image) (*PatchGrid, error)
	Model() string
	Close() error
}

type PromptKind string

const (
	PromptPoint PromptKind = "point"
	PromptBox   PromptKind = "box"
)

// Prompt is the user's selection on the reference image.
type Prompt struct {
	Kind     PromptKind
	Point    image.Point
	Negative bool // point marks background instead of the product
	Box      image.Rectangle
}

func PointPrompt(x, y int) Prompt {
	return Prompt{Kind: PromptPoint, Point: image.Pt(x, y)}
}

func BoxPrompt(x1, y1, x2, y2 int) Prompt {
	return Prompt{Kind: PromptBox, Box: image.Rect(x1, y1, x2, y2)}
}

// ParsePrompt reads "x,y" point or "x1,y1,x2,y2" box notation. Exactly one
// of point and box must be set.
func ParsePrompt(point, box string, negative bool) (Prompt, error) {
	switch {
	case point != "" && box != "":
		return Prompt{}, fmt.Errorf("point and box both set: %w", ErrInvalidPrompt)
	case point != "":
		v, err := parseInts(point, 2)
		if err != nil {
			return Prompt{}, err
		}
		p := PointPrompt(v[0], v[1])
		p.Negative = negative
		return p, nil
	case box != "":
		v, err := parseInts(box, 4)
		if err != nil {
			return Prompt{}, err
		}
		return BoxPrompt(v[0], v[1], v[2], v[3]), nil
	default:
		return Prompt{}, fmt.Errorf("point or box required: %w", ErrInvalidPrompt)
	}
}

func parseInts(s string, n int) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("%q: want %d comma separated integers: %w", s, n, ErrInvalidPrompt)
	}
	out := make([]int, n)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, ErrInvalidPrompt)
		}
		out[i] = v
	}
	return out, nil
}

// Validate checks the prompt against the image it targets.
func (p Prompt) Validate(width, height int) error {
	frame := image.Rect(0, 0, width, height)
	switch p.Kind {
	case PromptPoint:
		if !p.Point.In(frame) {
			return fmt.Errorf("point %v outside %dx%d: %w", p.Point, width, height, ErrInvalidPrompt)
		}
	case PromptBox:
		if p.Box.Empty() || !p.Box.Overlaps(frame) {
			return fmt.Errorf("box %v outside %dx%d: %w", p.Box, width, height, ErrInvalidPrompt)
		}
	default:
		return fmt.Errorf("prompt kind %q: %w", p.Kind, ErrInvalidPrompt)
	}
	return nil
}

// Segmenter is the prompt mode of the proposal source.
type Segmenter interface {
	Segment(ctx context.Context, img *Image, prompt Prompt) (*Mask, error)
	Close() error
}

// ProposeOptions mirrors the automatic mask generator knobs.
type ProposeOptions struct {
	PointsPerSide        int
	PredIoUThresh        float64
	StabilityScoreThresh float64
	MinRegionArea        int
}

// RawProposal is one candidate as reported by the proposer, before matching.
type RawProposal struct {
	Mask         *Mask
	QualityScore float64
	PredictedIoU float64
	Stability    float64
	HasScores    bool // PredictedIoU and Stability are populated
}

// Proposer is the automatic mode of the proposal source.
type Proposer interface {
	Propose(ctx context.Context, img *Image, opts ProposeOptions) ([]RawProposal, error)
	Close() error
}
