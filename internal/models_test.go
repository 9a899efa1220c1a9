package internal

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelHandleLoadsOnce(t *testing.T) {
	loader := newFakeLoader()
	h := NewModelHandle(loader, nil)
	ctx := context.Background()

	assert.Empty(t, h.Loaded())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Segmenter(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, loader.loads.Load())
	assert.Equal(t, []string{"segmenter"}, h.Loaded())

	_, err := h.Proposer(ctx)
	require.NoError(t, err)
	_, err = h.PatchEmbedder(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, loader.loads.Load())
	assert.Equal(t, []string{"segmenter", "proposer", "patch embedder"}, h.Loaded())
}

func TestModelHandleHeldProviders(t *testing.T) {
	loader := newFakeLoader()
	h := NewModelHandle(loader, nil)
	ctx := context.Background()
	img := productImage()

	seg, err := h.Segmenter(ctx)
	require.NoError(t, err)
	mask, err := seg.Segment(ctx, img, BoxPrompt(10, 10, 50, 50))
	require.NoError(t, err)
	assert.Equal(t, 1600, mask.Area())

	patches, err := h.PatchEmbedder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fake-vit", patches.Model())
	grid, err := patches.EmbedPatches(ctx, img)
	require.NoError(t, err)
	assert.Equal(t, 10, grid.Rows)

	require.NoError(t, seg.Close())
	assert.False(t, loader.segmenter.closed.Load(), "closing a held view keeps the provider")
}

func TestModelHandleRelease(t *testing.T) {
	loader := newFakeLoader()
	h := NewModelHandle(loader, nil)
	ctx := context.Background()
	img := productImage()

	seg, err := h.Segmenter(ctx)
	require.NoError(t, err)
	prop, err := h.Proposer(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Release())
	assert.True(t, loader.segmenter.closed.Load())
	assert.True(t, loader.proposer.closed.Load())
	assert.False(t, loader.patches.closed.Load(), "never loaded")
	assert.Empty(t, h.Loaded())

	_, err = seg.Segment(ctx, img, BoxPrompt(10, 10, 50, 50))
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	_, err = prop.Propose(ctx, img, ProposeOptions{})
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	again, err := h.Segmenter(ctx)
	require.NoError(t, err)
	_, err = again.Segment(ctx, img, BoxPrompt(10, 10, 50, 50))
	assert.NoError(t, err)
	assert.EqualValues(t, 3, loader.loads.Load())

	// The old view stays invalid after a reload.
	_, err = seg.Segment(ctx, img, BoxPrompt(10, 10, 50, 50))
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestModelHandleReleaseIdempotent(t *testing.T) {
	h := NewModelHandle(newFakeLoader(), nil)
	assert.NoError(t, h.Release())
	assert.NoError(t, h.Release())
}

func TestModelHandleLoadFailure(t *testing.T) {
	loader := newFakeLoader()
	loader.loadErr = errors.New("weights not found")
	h := NewModelHandle(loader, nil)

	_, err := h.PatchEmbedder(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "weights not found")
	assert.Empty(t, h.Loaded())

	loader.loadErr = nil
	_, err = h.PatchEmbedder(context.Background())
	assert.NoError(t, err, "a failed load is retried")
}

func TestModelHandleLoadCanceled(t *testing.T) {
	loader := newFakeLoader()
	loader.loadErr = errors.New("interrupted")
	h := NewModelHandle(loader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Proposer(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestModelHandleSegmentError(t *testing.T) {
	loader := newFakeLoader()
	loader.segmenter.err = ErrNoMaskProduced
	h := NewModelHandle(loader, nil)

	seg, err := h.Segmenter(context.Background())
	require.NoError(t, err)
	_, err = seg.Segment(context.Background(), productImage(), PointPrompt(5, 5))
	assert.ErrorIs(t, err, ErrNoMaskProduced)
}
