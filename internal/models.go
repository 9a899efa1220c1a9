package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// ModelLoader creates the expensive providers. Each method is called at most
// once per ModelHandle load cycle.
type ModelLoader interface {
	LoadSegmenter(ctx context.Context) (Segmenter, error)
	LoadProposer(ctx context.Context) (Proposer, error)
	LoadPatchEmbedder(ctx context.Context) (PatchEmbedder, error)
}

// ModelHandle owns the provider instances for a process. Providers load on
// first use and stay cached until Release. Calls into the same provider are
// serialized, so one handle can back concurrent runs.
type ModelHandle struct {
	loader    ModelLoader
	logger    *zap.Logger
	segmenter providerSlot[Segmenter]
	proposer  providerSlot[Proposer]
	patches   providerSlot[PatchEmbedder]
}

func NewModelHandle(loader ModelLoader, logger *zap.Logger) *ModelHandle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelHandle{
		loader:    loader,
		logger:    logger,
		segmenter: providerSlot[Segmenter]{name: "segmenter"},
		proposer:  providerSlot[Proposer]{name: "proposer"},
		patches:   providerSlot[PatchEmbedder]{name: "patch embedder"},
	}
}

func (h *ModelHandle) Segmenter(ctx context.Context) (Segmenter, error) {
	gen, err := h.segmenter.acquire(ctx, h.logger, h.loader.LoadSegmenter)
	if err != nil {
		return nil, err
	}
	return &heldSegmenter{slot: &h.segmenter, gen: gen}, nil
}

func (h *ModelHandle) Proposer(ctx context.Context) (Proposer, error) {
	gen, err := h.proposer.acquire(ctx, h.logger, h.loader.LoadProposer)
	if err != nil {
		return nil, err
	}
	return &heldProposer{slot: &h.proposer, gen: gen}, nil
}

func (h *ModelHandle) PatchEmbedder(ctx context.Context) (PatchEmbedder, error) {
	gen, err := h.patches.acquire(ctx, h.logger, h.loader.LoadPatchEmbedder)
	if err != nil {
		return nil, err
	}
	var model string
	_ = h.patches.use(gen, func(p PatchEmbedder) error {
		model = p.Model()
		return nil
	})
	return &heldPatchEmbedder{slot: &h.patches, gen: gen, model: model}, nil
}

// Loaded lists the providers currently in memory.
func (h *ModelHandle) Loaded() []string {
	var names []string
	for _, s := range []interface{ isLoaded() (string, bool) }{&h.segmenter, &h.proposer, &h.patches} {
		if name, ok := s.isLoaded(); ok {
			names = append(names, name)
		}
	}
	return names
}

// Release closes every loaded provider. Handles obtained before Release
// report ErrProviderUnavailable; the next acquisition loads afresh.
func (h *ModelHandle) Release() error {
	err := errors.Join(
		h.segmenter.release(),
		h.proposer.release(),
		h.patches.release(),
	)
	h.logger.Info("released models")
	return err
}

type providerSlot[T io.Closer] struct {
	name   string
	mu     sync.Mutex
	p      T
	loaded bool
	gen    uint64
}

func (s *providerSlot[T]) acquire(ctx context.Context, logger *zap.Logger, load func(context.Context) (T, error)) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.gen, nil
	}

	p, err := load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		if !errors.Is(err, ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return 0, fmt.Errorf("load %s: %w", s.name, err)
	}

	s.p = p
	s.loaded = true
	s.gen++
	logger.Info("loaded model", zap.String("provider", s.name))
	return s.gen, nil
}

func (s *providerSlot[T]) use(gen uint64, fn func(T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded || s.gen != gen {
		return fmt.Errorf("%s released: %w", s.name, ErrProviderUnavailable)
	}
	return fn(s.p)
}

func (s *providerSlot[T]) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return nil
	}
	err := s.p.Close()
	var zero T
	s.p = zero
	s.loaded = false
	if err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	return nil
}

func (s *providerSlot[T]) isLoaded() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name, s.loaded
}

// The held* types are the views handed to callers. Close is a no-op; the
// handle owns the provider.

type heldSegmenter struct {
	slot *providerSlot[Segmenter]
	gen  uint64
}

func (h *heldSegmenter) Segment(ctx context.Context, img *Image, prompt Prompt) (*Mask, error) {
	var mask *Mask
	err := h.slot.use(h.gen, func(s Segmenter) error {
		var err error
		mask, err = s.Segment(ctx, img, prompt)
		return err
	})
	return mask, err
}

func (h *heldSegmenter) Close() error { return nil }

type heldProposer struct {
	slot *providerSlot[Proposer]
	gen  uint64
}

func (h *heldProposer) Propose(ctx context.Context, img *Image, opts ProposeOptions) ([]RawProposal, error) {
	var out []RawProposal
	err := h.slot.use(h.gen, func(p Proposer) error {
		var err error
		out, err = p.Propose(ctx, img, opts)
		return err
	})
	return out, err
}

func (h *heldProposer) Close() error { return nil }

type heldPatchEmbedder struct {
	slot  *providerSlot[PatchEmbedder]
	gen   uint64
	model string
}

func (h *heldPatchEmbedder) EmbedPatches(ctx context.Context, img *Image) (*PatchGrid, error) {
	var grid *PatchGrid
	err := h.slot.use(h.gen, func(p PatchEmbedder) error {
		var err error
		grid, err = p.EmbedPatches(ctx, img)
		return err
	})
	return grid, err
}

func (h *heldPatchEmbedder) Model() string { return h.model }

func (h *heldPatchEmbedder) Close() error { return nil }
