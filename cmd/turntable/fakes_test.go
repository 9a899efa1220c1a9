package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/4thel00z/turntable/internal"
)

var (
	backdrop = color.RGBA{R: 90, G: 90, B: 90, A: 255}
	product  = color.RGBA{R: 220, G: 30, B: 30, A: 255}
)

// colorLoader stands in for the OpenCV providers: products are red
// rectangles on a gray backdrop and patch features count red pixels.
type colorLoader struct{}

func (colorLoader) LoadSegmenter(context.Context) (internal.Segmenter, error) {
	return colorSegmenter{}, nil
}

func (colorLoader) LoadProposer(context.Context) (internal.Proposer, error) {
	return colorProposer{}, nil
}

func (colorLoader) LoadPatchEmbedder(context.Context) (internal.PatchEmbedder, error) {
	return colorPatches{}, nil
}

func isProduct(c color.Color) bool {
	r, _, _, _ := c.RGBA()
	return r>>8 > 128
}

// productMask covers every red pixel of img.
func productMask(img *internal.Image) *internal.Mask {
	b := img.Pixels.Bounds()
	return internal.MaskFromFunc(img.Width(), img.Height(), func(x, y int) bool {
		return isProduct(img.Pixels.At(b.Min.X+x, b.Min.Y+y))
	})
}

type colorSegmenter struct{}

func (colorSegmenter) Segment(_ context.Context, img *internal.Image, prompt internal.Prompt) (*internal.Mask, error) {
	if prompt.Kind == internal.PromptBox {
		return internal.RectMask(img.Width(), img.Height(), prompt.Box), nil
	}
	if prompt.Negative || !isProduct(img.Pixels.At(prompt.Point.X, prompt.Point.Y)) {
		return nil, internal.ErrNoMaskProduced
	}
	return productMask(img), nil
}

func (colorSegmenter) Close() error { return nil }

type colorProposer struct{}

func (colorProposer) Propose(_ context.Context, img *internal.Image, _ internal.ProposeOptions) ([]internal.RawProposal, error) {
	m := productMask(img)
	if m.Area() == 0 {
		return nil, nil
	}
	return []internal.RawProposal{{Mask: m, QualityScore: 0.9}}, nil
}

func (colorProposer) Close() error { return nil }

type colorPatches struct{}

const patchSize = 10

func (colorPatches) EmbedPatches(_ context.Context, img *internal.Image) (*internal.PatchGrid, error) {
	rows, cols := img.Height()/patchSize, img.Width()/patchSize
	grid := &internal.PatchGrid{Rows: rows, Cols: cols, Channels: 2, Data: make([]float32, rows*cols*2)}
	for y := 0; y < rows*patchSize; y++ {
		for x := 0; x < cols*patchSize; x++ {
			ch := 0
			if isProduct(img.Pixels.At(x, y)) {
				ch = 1
			}
			grid.Cell(y/patchSize, x/patchSize)[ch]++
		}
	}
	return grid, nil
}

func (colorPatches) Model() string { return "color-test" }
func (colorPatches) Close() error  { return nil }

// newTestApp isolates HOME and swaps in the colour providers.
func newTestApp(t *testing.T) *app {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv(internal.HomeEnv, "")
	return &app{
		resolver: internal.NewScopeResolver(),
		newLoader: func(*internal.Config, internal.Scope, *zap.Logger) internal.ModelLoader {
			return colorLoader{}
		},
	}
}

// initProject creates a workspace in a fresh directory and moves into it.
func initProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	cmd := NewInitCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return dir
}

func writeCapture(t *testing.T, path string, products ...image.Rectangle) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: backdrop}, image.Point{}, draw.Src)
	for _, r := range products {
		draw.Draw(img, r, &image.Uniform{C: product}, image.Point{}, draw.Src)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func execute(ctx context.Context, a *app, args ...string) (string, string, error) {
	root := NewRootCmd("test", a)
	var out, errOut syncBuffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

// syncBuffer is a bytes.Buffer safe to read while a command writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
