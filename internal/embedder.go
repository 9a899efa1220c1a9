package internal

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// InstanceEmbedder computes foreground feature averages: the mean of the
// provider patch features lying inside a mask, L2-normalized.
type InstanceEmbedder struct {
	patches  PatchEmbedder
	coverage float64
	cache    EmbeddingCache
	logger   *zap.Logger
}

type EmbedderOption func(*InstanceEmbedder)

// WithEmbeddingCache serves repeated (image, mask) pairs from cache.
func WithEmbeddingCache(c EmbeddingCache) EmbedderOption {
	return func(e *InstanceEmbedder) { e.cache = c }
}

func WithEmbedderLogger(l *zap.Logger) EmbedderOption {
	return func(e *InstanceEmbedder) { e.logger = l }
}

// NewInstanceEmbedder wraps a patch provider. coverage is the foreground
// fraction a patch must exceed to count.
func NewInstanceEmbedder(patches PatchEmbedder, coverage float64, opts ...EmbedderOption) *InstanceEmbedder {
	e := &InstanceEmbedder{
		patches:  patches,
		coverage: coverage,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// EmbedResult pairs a mask's embedding with its own failure. A failed mask
// does not affect the others in the batch.
type EmbedResult struct {
	Embedding Embedding
	Err       error
}

// Embed computes the FFA embedding of one mask.
func (e *InstanceEmbedder) Embed(ctx context.Context, img *Image, mask *Mask) (Embedding, error) {
	results, err := e.EmbedBatch(ctx, img, []*Mask{mask})
	if err != nil {
		return Embedding{}, err
	}
	return results[0].Embedding, results[0].Err
}

// EmbedBatch embeds many masks of the same image with a single provider
// call. Each result equals what Embed returns for that mask alone. The
// returned error is set only when the provider itself fails.
func (e *InstanceEmbedder) EmbedBatch(ctx context.Context, img *Image, masks []*Mask) ([]EmbedResult, error) {
	results := make([]EmbedResult, len(masks))
	pending := make([]int, 0, len(masks))
	keys := make([]string, len(masks))

	for i, m := range masks {
		if err := checkMask(img, m); err != nil {
			results[i].Err = err
			continue
		}
		if e.cache != nil {
			keys[i] = CacheKey(e.patches.Model(), img.Digest, m.Digest(), e.coverage)
			emb, ok, err := e.cache.Get(ctx, keys[i])
			if err != nil {
				e.logger.Warn("embedding cache read failed", zap.String("image", img.ID), zap.Error(err))
			}
			if ok {
				results[i].Embedding = emb
				continue
			}
		}
		pending = append(pending, i)
	}

	if len(pending) == 0 {
		return results, nil
	}

	grid, err := e.patches.EmbedPatches(ctx, img)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("embed patches of %s: %w", img.ID, err)
	}
	if err := grid.validate(); err != nil {
		return nil, err
	}

	for _, i := range pending {
		vec, err := foregroundAverage(grid, masks[i], e.coverage)
		if err != nil {
			results[i].Err = err
			continue
		}
		emb := NewEmbedding(vec, e.patches.Model())
		results[i].Embedding = emb

		if e.cache != nil {
			if err := e.cache.Set(ctx, keys[i], emb); err != nil {
				e.logger.Warn("embedding cache write failed", zap.String("image", img.ID), zap.Error(err))
			}
		}
	}

	e.logger.Debug("embedded masks",
		zap.String("image", img.ID),
		zap.Int("masks", len(masks)),
		zap.Int("computed", len(pending)),
		zap.Int("grid_rows", grid.Rows),
		zap.Int("grid_cols", grid.Cols))

	return results, nil
}

func checkMask(img *Image, m *Mask) error {
	if m == nil || m.Area() == 0 {
		return ErrEmptyMask
	}
	if m.Width() != img.Width() || m.Height() != img.Height() {
		return fmt.Errorf("mask %dx%d on image %dx%d: %w",
			m.Width(), m.Height(), img.Width(), img.Height(), ErrMaskSizeMismatch)
	}
	return nil
}

func foregroundAverage(grid *PatchGrid, m *Mask, coverage float64) ([]float32, error) {
	pm, err := ProjectToPatchGrid(m, grid.Rows, grid.Cols, coverage)
	if err != nil {
		return nil, err
	}
	if pm.Count == 0 {
		return nil, fmt.Errorf("no foreground patches on %dx%d grid: %w", grid.Rows, grid.Cols, ErrEmptyMask)
	}

	sum := make([]float64, grid.Channels)
	for r := 0; r < grid.Rows; r++ {
		for c := 0; c < grid.Cols; c++ {
			if !pm.Cells[r*grid.Cols+c] {
				continue
			}
			for k, v := range grid.Cell(r, c) {
				sum[k] += float64(v)
			}
		}
	}
	for k := range sum {
		sum[k] /= float64(pm.Count)
	}

	return l2Normalize(sum)
}
