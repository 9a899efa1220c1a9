package internal

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
)

var (
	gray = color.RGBA{R: 90, G: 90, B: 90, A: 255}
	red  = color.RGBA{R: 220, G: 30, B: 30, A: 255}
	blue = color.RGBA{R: 30, G: 30, B: 220, A: 255}
)

// paint fills a w×h canvas with gray and draws each rect in its colour, in order.
func paint(w, h int, rects ...coloredRect) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: gray}, image.Point{}, draw.Src)
	for _, r := range rects {
		draw.Draw(img, r.rect, &image.Uniform{C: r.c}, image.Point{}, draw.Src)
	}
	return img
}

type coloredRect struct {
	rect image.Rectangle
	c    color.RGBA
}

func at(c color.RGBA, x0, y0, x1, y1 int) coloredRect {
	return coloredRect{rect: image.Rect(x0, y0, x1, y1), c: c}
}

// colorClass buckets a pixel into background, red or blue.
func colorClass(c color.Color) int {
	r, _, b, _ := c.RGBA()
	switch {
	case r>>8 > 128:
		return 1
	case b>>8 > 128:
		return 2
	default:
		return 0
	}
}

// fakePatches emits a grid of cell×cell patches whose features are the
// colour class histogram of the pixels in the patch.
type fakePatches struct {
	cell   int
	model  string
	zero   bool
	err    error
	calls  atomic.Int32
	closed atomic.Bool
}

func newFakePatches() *fakePatches {
	return &fakePatches{cell: 10, model: "fake-vit"}
}

func (f *fakePatches) EmbedPatches(ctx context.Context, img *Image) (*PatchGrid, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	const channels = 3
	rows, cols := img.Height()/f.cell, img.Width()/f.cell
	grid := &PatchGrid{Rows: rows, Cols: cols, Channels: channels, Data: make([]float32, rows*cols*channels)}
	if f.zero {
		return grid, nil
	}
	b := img.Pixels.Bounds()
	weight := 1 / float32(f.cell*f.cell)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			cell := grid.Cell(r, c)
			for y := r * f.cell; y < (r+1)*f.cell; y++ {
				for x := c * f.cell; x < (c+1)*f.cell; x++ {
					cell[colorClass(img.Pixels.At(b.Min.X+x, b.Min.Y+y))] += weight
				}
			}
		}
	}
	return grid, nil
}

func (f *fakePatches) Model() string { return f.model }

func (f *fakePatches) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeSegmenter returns the prompt box as the mask, or a square around a point.
type fakeSegmenter struct {
	err    error
	calls  atomic.Int32
	closed atomic.Bool
}

func (f *fakeSegmenter) Segment(ctx context.Context, img *Image, prompt Prompt) (*Mask, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if prompt.Kind == PromptBox {
		return RectMask(img.Width(), img.Height(), prompt.Box), nil
	}
	p := prompt.Point
	return RectMask(img.Width(), img.Height(), image.Rect(p.X-10, p.Y-10, p.X+10, p.Y+10)), nil
}

func (f *fakeSegmenter) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeProposer serves fixed proposals per image ID.
type fakeProposer struct {
	mu        sync.Mutex
	proposals map[string][]RawProposal
	errs      map[string]error
	onPropose func(imageID string)
	seen      []string
	closed    atomic.Bool
}

func (f *fakeProposer) Propose(ctx context.Context, img *Image, opts ProposeOptions) ([]RawProposal, error) {
	f.mu.Lock()
	f.seen = append(f.seen, img.ID)
	hook := f.onPropose
	f.mu.Unlock()

	if hook != nil {
		hook(img.ID)
	}
	if err := f.errs[img.ID]; err != nil {
		return nil, err
	}
	return f.proposals[img.ID], nil
}

func (f *fakeProposer) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeLoader struct {
	segmenter *fakeSegmenter
	proposer  *fakeProposer
	patches   *fakePatches
	loadErr   error
	loads     atomic.Int32
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		segmenter: &fakeSegmenter{},
		proposer:  &fakeProposer{proposals: map[string][]RawProposal{}, errs: map[string]error{}},
		patches:   newFakePatches(),
	}
}

func (l *fakeLoader) LoadSegmenter(ctx context.Context) (Segmenter, error) {
	l.loads.Add(1)
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	return l.segmenter, nil
}

func (l *fakeLoader) LoadProposer(ctx context.Context) (Proposer, error) {
	l.loads.Add(1)
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	return l.proposer, nil
}

func (l *fakeLoader) LoadPatchEmbedder(ctx context.Context) (PatchEmbedder, error) {
	l.loads.Add(1)
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	return l.patches, nil
}

// memoryImages is an ImageLoader over decoded images keyed by path.
type memoryImages map[string]image.Image

func (m memoryImages) load(src ImageSource) (*Image, error) {
	pixels, ok := m[src.Path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", src.Path, ErrImageLoad)
	}
	img := NewImage(src.ID, pixels)
	img.Path = src.Path
	return img, nil
}

type memoryCache struct {
	mu     sync.Mutex
	data   map[string]Embedding
	hits   int
	getErr error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: map[string]Embedding{}}
}

func (c *memoryCache) Get(ctx context.Context, key string) (Embedding, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return Embedding{}, false, c.getErr
	}
	emb, ok := c.data[key]
	if ok {
		c.hits++
	}
	return emb, ok, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, emb Embedding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = emb
	return nil
}

func rectProposal(w, h int, r image.Rectangle, quality float64) RawProposal {
	return RawProposal{Mask: RectMask(w, h, r), QualityScore: quality}
}
