package internal

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// tieEpsilon absorbs float noise when comparing similarity gaps to the tie margin.
const tieEpsilon = 1e-9

// Matcher scores one target image's proposals against a reference instance
// and selects the best non-overlapping candidates.
type Matcher struct {
	cfg      MatchConfig
	embedder *InstanceEmbedder
	logger   *zap.Logger
}

func NewMatcher(cfg MatchConfig, embedder *InstanceEmbedder, logger *zap.Logger) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{cfg: cfg, embedder: embedder, logger: logger}, nil
}

// NewProposals numbers raw proposer output for imageID starting at offset.
func NewProposals(imageID string, raws []RawProposal, offset int) []Proposal {
	props := make([]Proposal, len(raws))
	for i, r := range raws {
		props[i] = Proposal{
			ImageID:      imageID,
			Index:        offset + i,
			Mask:         r.Mask,
			QualityScore: r.QualityScore,
			PredictedIoU: r.PredictedIoU,
			Stability:    r.Stability,
			HasScores:    r.HasScores,
		}
	}
	return props
}

// Match runs area filter, quality filter, embedding, similarity filter,
// NMS, top-K and ranking in that order. An injected reference proposal
// skips the area and quality filters. An empty, non-nil slice means no
// candidate survived. The error is set only when the embedding provider
// fails or the inputs are inconsistent.
func (m *Matcher) Match(ctx context.Context, ref ReferenceInstance, img *Image, proposals []Proposal) ([]Match, error) {
	kept := make([]Proposal, 0, len(proposals))
	for _, p := range proposals {
		// The reference mask on its own image always competes.
		if p.IsReference || (m.passesArea(p) && m.passesQuality(p)) {
			kept = append(kept, p)
		}
	}
	afterFilters := len(kept)

	if err := m.embedMissing(ctx, img, kept); err != nil {
		return nil, err
	}

	candidates := make([]Match, 0, len(kept))
	for _, p := range kept {
		if p.Embedding == nil {
			continue
		}
		sim := 1.0
		if !p.IsReference {
			s, err := Similarity(ref.Embedding, *p.Embedding)
			if err != nil {
				return nil, fmt.Errorf("score proposal %d on %s: %w", p.Index, img.ID, err)
			}
			sim = max(-1, min(1, s))
		}
		if sim < m.cfg.SimilarityThreshold {
			continue
		}
		candidates = append(candidates, Match{ImageID: img.ID, Proposal: p, Similarity: sim})
	}

	survivors, err := NonMaxSuppression(candidates, m.cfg.NMSIoUThreshold, m.cfg.SimilarityTieMargin)
	if err != nil {
		return nil, fmt.Errorf("suppress overlaps on %s: %w", img.ID, err)
	}

	if len(survivors) > m.cfg.TopK {
		survivors = survivors[:m.cfg.TopK]
	}
	for i := range survivors {
		survivors[i].Rank = i + 1
	}

	m.logger.Debug("matched image",
		zap.String("image", img.ID),
		zap.Int("proposals", len(proposals)),
		zap.Int("filtered", afterFilters),
		zap.Int("above_threshold", len(candidates)),
		zap.Int("matches", len(survivors)))

	return survivors, nil
}

func (m *Matcher) passesArea(p Proposal) bool {
	if p.Mask == nil || p.Mask.Area() == 0 {
		return false
	}
	ratio := AreaRatio(p.Mask)
	return ratio >= m.cfg.MinAreaRatio && ratio <= m.cfg.MaxAreaRatio
}

func (m *Matcher) passesQuality(p Proposal) bool {
	if p.QualityScore < m.cfg.MinQuality {
		return false
	}
	if p.HasScores {
		return p.PredictedIoU >= m.cfg.MinPredictedIoU && p.Stability >= m.cfg.MinStability
	}
	return true
}

// embedMissing fills Embedding for every proposal that lacks one, using one
// provider call. Proposals whose own embedding fails are left nil and drop
// out at the similarity step.
func (m *Matcher) embedMissing(ctx context.Context, img *Image, props []Proposal) error {
	var idx []int
	var masks []*Mask
	for i, p := range props {
		if p.Embedding == nil {
			idx = append(idx, i)
			masks = append(masks, p.Mask)
		}
	}
	if len(masks) == 0 {
		return nil
	}

	results, err := m.embedder.EmbedBatch(ctx, img, masks)
	if err != nil {
		return err
	}
	for k, i := range idx {
		if results[k].Err != nil {
			m.logger.Debug("proposal not embeddable",
				zap.String("image", img.ID),
				zap.Int("proposal", props[i].Index),
				zap.Error(results[k].Err))
			continue
		}
		emb := results[k].Embedding
		props[i].Embedding = &emb
	}
	return nil
}

// NonMaxSuppression keeps one candidate per group of overlapping masks.
// Candidates are visited by similarity descending, then quality descending,
// then proposal index ascending. Every candidate overlapping the current
// head by more than iouThreshold joins its cluster; members whose
// similarity is within tieMargin of the head count as tied with it, and the
// tie is won by higher quality, then lower index. The winner is kept and the
// cluster, plus anything overlapping the winner, is discarded. A tieMargin
// of 0 is plain greedy NMS. The result is ordered like the input sort.
func NonMaxSuppression(candidates []Match, iouThreshold, tieMargin float64) ([]Match, error) {
	ordered := make([]Match, len(candidates))
	copy(ordered, candidates)
	sortCandidates(ordered)

	discarded := make([]bool, len(ordered))
	kept := make([]Match, 0, len(ordered))

	for i := range ordered {
		if discarded[i] {
			continue
		}
		head := ordered[i]
		cluster := []int{i}
		for j := i + 1; j < len(ordered); j++ {
			if discarded[j] {
				continue
			}
			iou, err := MaskIoU(head.Proposal.Mask, ordered[j].Proposal.Mask)
			if err != nil {
				return nil, err
			}
			if iou > iouThreshold {
				cluster = append(cluster, j)
			}
		}

		winner := i
		for _, j := range cluster[1:] {
			if head.Similarity-ordered[j].Similarity > tieMargin+tieEpsilon {
				continue
			}
			if preferOnTie(ordered[j], ordered[winner]) {
				winner = j
			}
		}

		for _, j := range cluster {
			discarded[j] = true
		}
		if winner != i {
			for j := i + 1; j < len(ordered); j++ {
				if discarded[j] {
					continue
				}
				iou, err := MaskIoU(ordered[winner].Proposal.Mask, ordered[j].Proposal.Mask)
				if err != nil {
					return nil, err
				}
				if iou > iouThreshold {
					discarded[j] = true
				}
			}
		}
		kept = append(kept, ordered[winner])
	}

	sortCandidates(kept)
	return kept, nil
}

func sortCandidates(c []Match) {
	sort.SliceStable(c, func(a, b int) bool {
		if c[a].Similarity != c[b].Similarity {
			return c[a].Similarity > c[b].Similarity
		}
		return preferOnTie(c[a], c[b])
	})
}

// preferOnTie orders candidates of equal standing: higher quality, then
// lower proposal index.
func preferOnTie(a, b Match) bool {
	if a.Proposal.QualityScore != b.Proposal.QualityScore {
		return a.Proposal.QualityScore > b.Proposal.QualityScore
	}
	return a.Proposal.Index < b.Proposal.Index
}
