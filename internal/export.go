package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var _ Exporter = (*DirExporter)(nil)

var (
	overlayTint = color.NRGBA{R: 0, G: 200, B: 80, A: 110}
	overlayBox  = color.NRGBA{R: 255, G: 40, B: 40, A: 255}
)

// DirExporter writes a run into <root>/<run id>/: summary.json, binary
// masks, transparent cutouts and match overlays as PNG.
type DirExporter struct {
	root     string
	cutouts  bool
	overlays bool
	load     ImageLoader
	logger   *zap.Logger
}

type DirExporterOption func(*DirExporter)

func WithCutouts(on bool) DirExporterOption {
	return func(e *DirExporter) { e.cutouts = on }
}

func WithOverlays(on bool) DirExporterOption {
	return func(e *DirExporter) { e.overlays = on }
}

func WithExportLoader(l ImageLoader) DirExporterOption {
	return func(e *DirExporter) { e.load = l }
}

func WithExportLogger(l *zap.Logger) DirExporterOption {
	return func(e *DirExporter) { e.logger = l }
}

func NewDirExporter(root string, opts ...DirExporterOption) *DirExporter {
	e := &DirExporter{
		root:     root,
		cutouts:  true,
		overlays: true,
		load:     LoadImage,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RunDir is where a run's files land.
func (e *DirExporter) RunDir(runID string) string {
	return filepath.Join(e.root, runID)
}

func (e *DirExporter) Export(ctx context.Context, run *RunResult) error {
	dir := e.RunDir(run.ID)
	for _, sub := range []string{"masks", "cutouts", "overlays"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}

	if run.Reference != nil {
		if err := writePNG(filepath.Join(dir, "masks", "reference.png"), MaskImage(run.Reference.Mask)); err != nil {
			return err
		}
	}

	var errs []error
	stems := exportStems(run.Results)
	for i, res := range run.Results {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !res.HasMatch() {
			continue
		}
		if err := e.exportImage(dir, stems[i], res); err != nil {
			errs = append(errs, err)
		}
	}

	if err := writeJSON(filepath.Join(dir, "summary.json"), NewRunReport(run)); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("exported run", zap.String("run", run.ID), zap.String("dir", dir))
	return errors.Join(errs...)
}

func (e *DirExporter) exportImage(dir, stem string, res PerImageResult) error {
	for _, m := range res.Matches {
		name := fmt.Sprintf("%s_rank%d.png", stem, m.Rank)
		if err := writePNG(filepath.Join(dir, "masks", name), MaskImage(m.Proposal.Mask)); err != nil {
			return err
		}
	}

	if !e.cutouts && !e.overlays {
		return nil
	}
	img, err := e.load(ImageSource{ID: res.ImageID, Path: res.Path})
	if err != nil {
		e.logger.Warn("skip cutouts", zap.String("image", res.ImageID), zap.Error(err))
		return nil
	}

	if e.cutouts {
		for _, m := range res.Matches {
			name := fmt.Sprintf("%s_rank%d.png", stem, m.Rank)
			if err := writePNG(filepath.Join(dir, "cutouts", name), Cutout(img.Pixels, m.Proposal.Mask)); err != nil {
				return err
			}
		}
	}
	if e.overlays {
		if err := writePNG(filepath.Join(dir, "overlays", stem+".png"), Overlay(img.Pixels, res.Matches)); err != nil {
			return err
		}
	}
	return nil
}

// MaskImage renders foreground as white on black.
func MaskImage(m *Mask) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, m.Width(), m.Height()))
	for y := 0; y < m.Height(); y++ {
		for x := 0; x < m.Width(); x++ {
			if m.Contains(x, y) {
				out.Pix[y*out.Stride+x] = 0xff
			}
		}
	}
	return out
}

// Cutout crops the mask's bounding box and makes background transparent.
func Cutout(src image.Image, m *Mask) *image.NRGBA {
	bounds := m.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	origin := src.Bounds().Min
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if !m.Contains(x, y) {
				continue
			}
			c := color.NRGBAModel.Convert(src.At(origin.X+x, origin.Y+y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x-bounds.Min.X, y-bounds.Min.Y, c)
		}
	}
	return out
}

// Overlay tints every match and outlines its bounding box.
func Overlay(src image.Image, matches []Match) *image.NRGBA {
	b := src.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), src, b.Min, draw.Src)

	tint := image.NewUniform(overlayTint)
	for _, m := range matches {
		mask := m.Proposal.Mask
		alpha := &image.Alpha{Pix: MaskImage(mask).Pix, Stride: mask.Width(), Rect: image.Rect(0, 0, mask.Width(), mask.Height())}
		draw.DrawMask(out, out.Bounds(), tint, image.Point{}, alpha, image.Point{}, draw.Over)
		strokeRect(out, mask.Bounds(), overlayBox)
	}
	return out
}

func strokeRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for x := r.Min.X; x < r.Max.X; x++ {
		img.SetNRGBA(x, r.Min.Y, c)
		img.SetNRGBA(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.SetNRGBA(r.Min.X, y, c)
		img.SetNRGBA(r.Max.X-1, y, c)
	}
}

// exportStems names each result's files. IDs differing only in folder or
// extension (a/001.png, b/001.png, 001.jpg) get -2, -3 suffixes in run order.
func exportStems(results []PerImageResult) []string {
	stems := make([]string, len(results))
	used := make(map[string]bool, len(results))
	for i, res := range results {
		base := fileStem(res.ImageID)
		stem := base
		for n := 2; used[stem]; n++ {
			stem = fmt.Sprintf("%s-%d", base, n)
		}
		used[stem] = true
		stems[i] = stem
	}
	return stems
}

func fileStem(id string) string {
	base := filepath.Base(id)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
