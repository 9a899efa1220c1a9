package v1

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/4thel00z/turntable/internal"
	"github.com/4thel00z/turntable/internal/cv"
)

var (
	// ErrNotFound is returned for unknown run IDs.
	ErrNotFound = internal.ErrRunNotFound
	// ErrNoDatabase is returned by run queries when the run database is off.
	ErrNoDatabase = errors.New("run database disabled")
	// ErrInvalidSelection wraps malformed or out-of-frame selections.
	ErrInvalidSelection = internal.ErrInvalidPrompt
	// ErrNoMaskProduced means the selection did not yield a product mask.
	ErrNoMaskProduced = internal.ErrNoMaskProduced
)

// Client runs product matching in-process against a turntable workspace.
// Models load on the first Match and stay loaded until Close.
type Client struct {
	models   *internal.ModelHandle
	pipeline *internal.Pipeline
	store    *internal.SQLiteStore
	logger   *zap.Logger
}

// New creates a new Client with the given options.
func New(opts ...Option) (*Client, error) {
	cc := &clientConfig{}
	for _, opt := range opts {
		opt(cc)
	}

	scope, err := internal.NewScopeResolver().Resolve(cc.scope)
	if err != nil {
		return nil, err
	}
	cfg, err := internal.LoadConfig(scope)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cc.threshold > 0 {
		cfg.Matching.SimilarityThreshold = cc.threshold
	}
	if cc.topK > 0 {
		cfg.Matching.TopK = cc.topK
	}
	if cc.workers <= 0 {
		cc.workers = cfg.Pipeline.Workers
	}

	logger := cc.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	loader := cc.loader
	if loader == nil {
		downloader := internal.NewDownloader(scope.ModelsPath(), os.Getenv("HF_TOKEN"))
		loader = cv.NewLoader(cfg.Models, downloader, logger)
	}

	c := &Client{
		models: internal.NewModelHandle(loader, logger),
		logger: logger,
	}

	var exporters []internal.Exporter
	if cc.exportDir != "" {
		exporters = append(exporters, internal.NewDirExporter(cc.exportDir,
			internal.WithCutouts(cfg.Export.Cutouts),
			internal.WithOverlays(cfg.Export.Overlays),
			internal.WithExportLogger(logger)))
	}

	if cfg.Export.Database && !cc.noDatabase {
		if err := os.MkdirAll(scope.WorkPath, 0755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		store, err := internal.NewSQLiteStore(scope.DatabasePath())
		if err != nil {
			return nil, fmt.Errorf("open run database: %w", err)
		}
		if err := store.Migrate(context.Background()); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate run database: %w", err)
		}
		c.store = store
		exporters = append(exporters, store)
	}

	c.pipeline, err = internal.NewPipeline(c.models, cfg.Matching,
		internal.WithWorkers(cc.workers),
		internal.WithProposeOptions(cfg.Proposals.Options()),
		internal.WithExporters(exporters...),
		internal.WithLogger(logger))
	if err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// Match finds the selected product in every target. A nil Run comes with a
// reference error; a non-nil Run with an error means exporting failed.
func (c *Client) Match(ctx context.Context, req MatchRequest) (*Run, error) {
	prompt, err := req.Selection.prompt()
	if err != nil {
		return nil, err
	}

	targets, err := internal.CollectTargets(req.Dir, req.Targets)
	if err != nil {
		return nil, fmt.Errorf("collect targets: %w", err)
	}

	run, err := c.pipeline.Run(ctx, internal.RunInput{
		Reference: internal.ImageSource{ID: filepath.Base(req.Reference), Path: req.Reference},
		Prompt:    prompt,
		Targets:   targets,
	})
	if run == nil {
		return nil, err
	}
	return runFrom(internal.NewRunReport(run)), err
}

func (s Selection) prompt() (internal.Prompt, error) {
	switch {
	case s.Point != nil && s.Box != nil:
		return internal.Prompt{}, fmt.Errorf("point and box both set: %w", ErrInvalidSelection)
	case s.Point != nil:
		p := internal.PointPrompt(s.Point.X, s.Point.Y)
		p.Negative = s.Negative
		return p, nil
	case s.Box != nil:
		return internal.BoxPrompt(s.Box.Min.X, s.Box.Min.Y, s.Box.Max.X, s.Box.Max.Y), nil
	default:
		return internal.Prompt{}, fmt.Errorf("point or box required: %w", ErrInvalidSelection)
	}
}

// Runs lists recorded runs newest first, without per-image results.
func (c *Client) Runs(ctx context.Context, limit, offset int) ([]Run, error) {
	if c.store == nil {
		return nil, ErrNoDatabase
	}

	reps, err := c.store.ListRuns(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]Run, 0, len(reps))
	for _, rep := range reps {
		runs = append(runs, *runFrom(rep))
	}
	return runs, nil
}

// Run returns a recorded run with its per-image results.
func (c *Client) Run(ctx context.Context, id string) (*Run, error) {
	if c.store == nil {
		return nil, ErrNoDatabase
	}

	rep, err := c.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return runFrom(rep), nil
}

// DeleteRun removes a recorded run.
func (c *Client) DeleteRun(ctx context.Context, id string) error {
	if c.store == nil {
		return ErrNoDatabase
	}
	return c.store.DeleteRun(ctx, id)
}

// Close releases loaded models and the run database.
func (c *Client) Close() error {
	var errs []error
	if err := c.models.Release(); err != nil {
		errs = append(errs, err)
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
