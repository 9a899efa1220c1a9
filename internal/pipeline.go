package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Exporter receives every finished run, including canceled ones.
type Exporter interface {
	Export(ctx context.Context, run *RunResult) error
}

// RunInput names the reference selection and the images to search.
type RunInput struct {
	ID        string // generated when empty
	Reference ImageSource
	Prompt    Prompt
	Targets   []ImageSource
	// Prepared, when set, replaces Reference and Prompt: the run reuses it
	// instead of segmenting and embedding the reference again.
	Prepared *PreparedReference
}

// PreparedReference is a reference instance built ahead of the runs that use it.
type PreparedReference struct {
	Instance *ReferenceInstance
	Source   ImageSource
	digest   string
}

type Pipeline struct {
	models    *ModelHandle
	cfg       MatchConfig
	propose   ProposeOptions
	workers   int
	load      ImageLoader
	cache     EmbeddingCache
	exporters []Exporter
	logger    *zap.Logger
}

type PipelineOption func(*Pipeline)

// WithWorkers processes up to n target images at once. Results keep input order.
func WithWorkers(n int) PipelineOption {
	return func(p *Pipeline) { p.workers = n }
}

func WithImageLoader(l ImageLoader) PipelineOption {
	return func(p *Pipeline) { p.load = l }
}

func WithProposeOptions(o ProposeOptions) PipelineOption {
	return func(p *Pipeline) { p.propose = o }
}

func WithCache(c EmbeddingCache) PipelineOption {
	return func(p *Pipeline) { p.cache = c }
}

func WithExporters(e ...Exporter) PipelineOption {
	return func(p *Pipeline) { p.exporters = append(p.exporters, e...) }
}

func WithLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

func NewPipeline(models *ModelHandle, cfg MatchConfig, opts ...PipelineOption) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		models:  models,
		cfg:     cfg,
		workers: 1,
		load:    LoadImage,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.workers < 1 {
		return nil, fmt.Errorf("%w: workers %d < 1", ErrInvalidConfig, p.workers)
	}
	return p, nil
}

// Run builds the reference instance once and matches it in every target
// image. A reference failure aborts the run with *ReferenceConstructionError.
// Target failures are recorded on their PerImageResult. Cancellation is
// checked between images: the image in flight finishes, the rest are
// reported as canceled. Exporter errors are returned alongside the result.
func (p *Pipeline) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	if in.Prepared != nil {
		in.Reference = in.Prepared.Source
	}
	in.Reference = in.Reference.withID()
	targets := make([]ImageSource, len(in.Targets))
	for i, t := range in.Targets {
		targets[i] = t.withID()
	}
	in.Targets = UniqueIDs(targets)

	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	run := &RunResult{
		ID:            in.ID,
		ReferencePath: in.Reference.Path,
		StartedAt:     time.Now(),
	}
	logger := p.logger.With(zap.String("run", run.ID))

	embedder, err := p.embedder(ctx, logger)
	if err != nil {
		return nil, &ReferenceConstructionError{ImageID: in.Reference.ID, Err: err}
	}
	matcher, err := NewMatcher(p.cfg, embedder, logger)
	if err != nil {
		return nil, err
	}

	prepared := in.Prepared
	if prepared == nil {
		prepared, err = p.buildReference(ctx, embedder, in.Reference, in.Prompt)
		if err != nil {
			return nil, &ReferenceConstructionError{ImageID: in.Reference.ID, Err: err}
		}
		logger.Info("built reference",
			zap.String("image", prepared.Instance.ImageID),
			zap.Int("mask_area", prepared.Instance.Mask.Area()),
			zap.Int("targets", len(in.Targets)))
	}
	ref := prepared.Instance
	run.Reference = ref

	results := make([]PerImageResult, len(in.Targets))
	process := func(i int) {
		src := in.Targets[i]
		if err := ctx.Err(); err != nil {
			results[i] = failedResult(src, err)
			return
		}
		start := time.Now()
		results[i] = p.processImage(context.WithoutCancel(ctx), matcher, ref, prepared.digest, src)
		fields := []zap.Field{
			zap.String("image", src.ID),
			zap.Int("matches", len(results[i].Matches)),
			zap.Duration("took", time.Since(start)),
		}
		if f := results[i].Failure; f != nil {
			logger.Warn("image failed", append(fields, zap.String("kind", string(f.Kind)), zap.String("error", f.Message))...)
			return
		}
		logger.Info("processed image", fields...)
	}

	if p.workers == 1 {
		for i := range in.Targets {
			process(i)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(p.workers)
		for i := range in.Targets {
			g.Go(func() error {
				process(i)
				return nil
			})
		}
		_ = g.Wait()
	}

	run.Results = results
	for _, r := range results {
		if r.Failure != nil && r.Failure.Kind == KindCanceled {
			run.Canceled = true
			break
		}
	}
	run.FinishedAt = time.Now()

	logger.Info("run finished",
		zap.Int("matched", run.Matched()),
		zap.Int("failed", run.Failed()),
		zap.Int("total", run.Total()),
		zap.Bool("canceled", run.Canceled))

	return run, p.export(context.WithoutCancel(ctx), run)
}

// PrepareReference segments and embeds the reference once so that several
// runs, such as the batches of a capture folder watch, can share it.
// Failures are *ReferenceConstructionError like in Run.
func (p *Pipeline) PrepareReference(ctx context.Context, src ImageSource, prompt Prompt) (*PreparedReference, error) {
	src = src.withID()
	embedder, err := p.embedder(ctx, p.logger)
	if err != nil {
		return nil, &ReferenceConstructionError{ImageID: src.ID, Err: err}
	}
	prepared, err := p.buildReference(ctx, embedder, src, prompt)
	if err != nil {
		return nil, &ReferenceConstructionError{ImageID: src.ID, Err: err}
	}
	p.logger.Info("prepared reference",
		zap.String("image", prepared.Instance.ImageID),
		zap.Int("mask_area", prepared.Instance.Mask.Area()))
	return prepared, nil
}

func (p *Pipeline) embedder(ctx context.Context, logger *zap.Logger) (*InstanceEmbedder, error) {
	patches, err := p.models.PatchEmbedder(ctx)
	if err != nil {
		return nil, err
	}
	return NewInstanceEmbedder(patches, p.cfg.PatchCoverage,
		WithEmbeddingCache(p.cache), WithEmbedderLogger(logger)), nil
}

func (p *Pipeline) buildReference(ctx context.Context, embedder *InstanceEmbedder, src ImageSource, prompt Prompt) (*PreparedReference, error) {
	img, err := p.load(src)
	if err != nil {
		return nil, err
	}
	if err := prompt.Validate(img.Width(), img.Height()); err != nil {
		return nil, err
	}

	segmenter, err := p.models.Segmenter(ctx)
	if err != nil {
		return nil, err
	}
	mask, err := segmenter.Segment(ctx, img, prompt)
	if err != nil {
		return nil, fmt.Errorf("segment reference: %w", err)
	}
	if mask == nil || mask.Area() == 0 {
		return nil, ErrNoMaskProduced
	}

	emb, err := embedder.Embed(ctx, img, mask)
	if err != nil {
		return nil, fmt.Errorf("embed reference: %w", err)
	}

	return &PreparedReference{
		Instance: &ReferenceInstance{ImageID: img.ID, Mask: mask, Embedding: emb},
		Source:   src,
		digest:   img.Digest,
	}, nil
}

func (p *Pipeline) processImage(ctx context.Context, matcher *Matcher, ref *ReferenceInstance, refDigest string, src ImageSource) PerImageResult {
	img, err := p.load(src)
	if err != nil {
		return failedResult(src, err)
	}

	proposer, err := p.models.Proposer(ctx)
	if err != nil {
		return failedResult(src, err)
	}
	raws, err := proposer.Propose(ctx, img, p.propose)
	if err != nil {
		if !errors.Is(err, ErrProviderUnavailable) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return failedResult(src, fmt.Errorf("propose on %s: %w", img.ID, err))
	}

	var proposals []Proposal
	if img.Digest == refDigest {
		emb := ref.Embedding
		proposals = append(proposals, Proposal{
			ImageID:      img.ID,
			Index:        0,
			Mask:         ref.Mask,
			QualityScore: 1,
			Embedding:    &emb,
			IsReference:  true,
		})
	}
	proposals = append(proposals, NewProposals(img.ID, raws, len(proposals))...)

	matches, err := matcher.Match(ctx, *ref, img, proposals)
	if err != nil {
		return failedResult(src, err)
	}

	return PerImageResult{ImageID: img.ID, Path: src.Path, Matches: matches}
}

func (p *Pipeline) export(ctx context.Context, run *RunResult) error {
	var errs []error
	for _, e := range p.exporters {
		if err := e.Export(ctx, run); err != nil {
			errs = append(errs, err)
			p.logger.Error("export failed", zap.String("run", run.ID), zap.Error(err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("export run %s: %w", run.ID, errors.Join(errs...))
	}
	return nil
}
