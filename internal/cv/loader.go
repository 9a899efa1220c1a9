package cv

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/4thel00z/turntable/internal"
)

var _ internal.ModelLoader = (*Loader)(nil)

// maxWorkingSize bounds the longer image side GrabCut and saliency run at.
const maxWorkingSize = 1024

// Loader builds the OpenCV providers from configuration. The patch model is
// downloaded on first load when missing and a URL is configured.
type Loader struct {
	cfg        internal.ModelsConfig
	downloader *internal.Downloader
	logger     *zap.Logger
}

func NewLoader(cfg internal.ModelsConfig, downloader *internal.Downloader, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{cfg: cfg, downloader: downloader, logger: logger}
}

func (l *Loader) LoadSegmenter(ctx context.Context) (internal.Segmenter, error) {
	return NewGrabCutSegmenter(l.cfg.GrabCutIterations, maxWorkingSize, l.logger), nil
}

func (l *Loader) LoadProposer(ctx context.Context) (internal.Proposer, error) {
	return NewSaliencyProposer(maxWorkingSize, l.logger), nil
}

func (l *Loader) LoadPatchEmbedder(ctx context.Context) (internal.PatchEmbedder, error) {
	device, err := internal.ResolveDevice(l.cfg.Device)
	if err != nil {
		return nil, err
	}

	path, err := l.downloader.Fetch(ctx, l.cfg.PatchModelSource(), nil)
	if err != nil {
		return nil, fmt.Errorf("ensure patch model: %w", err)
	}

	return NewDNNPatchEmbedder(DNNConfig{
		ModelPath: path,
		PatchSize: l.cfg.PatchSize,
		InputSize: l.cfg.InputSize,
		Dimension: l.cfg.Dimension,
		Device:    device,
	}, l.logger)
}
