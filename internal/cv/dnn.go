package cv

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/4thel00z/turntable/internal"
)

var _ internal.PatchEmbedder = (*DNNPatchEmbedder)(nil)

// ImageNet statistics the ViT backbones are trained with, RGB order.
var (
	imageNetMean = [3]float64{0.485, 0.456, 0.406}
	imageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

type DNNConfig struct {
	ModelPath string
	PatchSize int // pixels per patch side
	InputSize int // square network input side, a multiple of PatchSize
	Dimension int // expected feature channels; 0 accepts the model's
	Device    internal.Device
}

// DNNPatchEmbedder runs an ONNX vision transformer through the OpenCV DNN
// module and returns its patch tokens as a grid.
type DNNPatchEmbedder struct {
	mu     sync.Mutex
	net    gocv.Net
	cfg    DNNConfig
	model  string
	logger *zap.Logger
}

func NewDNNPatchEmbedder(cfg DNNConfig, logger *zap.Logger) (*DNNPatchEmbedder, error) {
	if cfg.PatchSize <= 0 || cfg.InputSize < cfg.PatchSize || cfg.InputSize%cfg.PatchSize != 0 {
		return nil, fmt.Errorf("%w: input %d with patch %d", internal.ErrInvalidConfig, cfg.InputSize, cfg.PatchSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	net := gocv.ReadNet(cfg.ModelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("read net %s: %w", cfg.ModelPath, internal.ErrProviderUnavailable)
	}

	if cfg.Device == internal.DeviceCUDA {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	logger.Info("loaded patch model",
		zap.String("path", cfg.ModelPath),
		zap.String("device", string(cfg.Device)),
		zap.Int("grid", cfg.InputSize/cfg.PatchSize))

	return &DNNPatchEmbedder{
		net:    net,
		cfg:    cfg,
		model:  filepath.Base(cfg.ModelPath),
		logger: logger,
	}, nil
}

func (e *DNNPatchEmbedder) Model() string { return e.model }

func (e *DNNPatchEmbedder) EmbedPatches(ctx context.Context, img *internal.Image) (*internal.PatchGrid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blob, err := e.preprocess(img)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.net.SetInput(blob, "")
	out := e.net.Forward("")
	defer out.Close()

	return e.patchGrid(out)
}

// preprocess resizes to the square input, converts to RGB floats and applies
// ImageNet normalisation per channel.
func (e *DNNPatchEmbedder) preprocess(img *internal.Image) (gocv.Mat, error) {
	bgr, err := imageToMat(img.Pixels)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer bgr.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(bgr, &resized, image.Point{X: e.cfg.InputSize, Y: e.cfg.InputSize}, 0, 0, gocv.InterpolationCubic)

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(resized, &rgb, gocv.ColorBGRToRGB)

	floats := gocv.NewMat()
	defer floats.Close()
	rgb.ConvertTo(&floats, gocv.MatTypeCV32FC3)

	channels := gocv.Split(floats)
	for i := range channels {
		defer channels[i].Close()
		channels[i].MultiplyFloat(float32(1 / (255 * imageNetStd[i])))
		channels[i].SubtractFloat(float32(imageNetMean[i] / imageNetStd[i]))
	}

	normalized := gocv.NewMat()
	defer normalized.Close()
	gocv.Merge(channels, &normalized)

	return gocv.BlobFromImage(normalized, 1.0, image.Point{X: e.cfg.InputSize, Y: e.cfg.InputSize}, gocv.NewScalar(0, 0, 0, 0), false, false), nil
}

// patchGrid takes the trailing rows*cols tokens of a [1, tokens, channels]
// output; leading class and register tokens are dropped.
func (e *DNNPatchEmbedder) patchGrid(out gocv.Mat) (*internal.PatchGrid, error) {
	dims := out.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v: %w", dims, internal.ErrProviderUnavailable)
	}
	tokens, channels := dims[1], dims[2]
	side := e.cfg.InputSize / e.cfg.PatchSize
	if tokens < side*side {
		return nil, fmt.Errorf("%d tokens for a %dx%d grid: %w", tokens, side, side, internal.ErrProviderUnavailable)
	}
	if e.cfg.Dimension > 0 && channels != e.cfg.Dimension {
		return nil, fmt.Errorf("dimension mismatch: model has %d, configured %d: %w", channels, e.cfg.Dimension, internal.ErrProviderUnavailable)
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	skip := (tokens - side*side) * channels
	grid := make([]float32, side*side*channels)
	copy(grid, data[skip:])

	return &internal.PatchGrid{Rows: side, Cols: side, Channels: channels, Data: grid}, nil
}

func (e *DNNPatchEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net.Close()
}
