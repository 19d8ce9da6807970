// Package retrieval turns a user query into a ranked, scored candidate
// list: vector recall, similarity thresholding, and optional reranking.
//
// Retrieval is advisory to the conversation loop. Retrieve never returns
// an error: any failure degrades to an empty (or unreranked) result so
// the agent can answer without sources instead of failing the turn.
package retrieval

import (
	"context"

	"github.com/catwiki/catchat/internal/knowledge"
	"github.com/catwiki/catchat/internal/log"
)

// Candidate is one retrieval hit handed to the agent.
type Candidate struct {
	Content       string
	DocumentID    int64
	DocumentTitle string
	SiteID        int64
	Score         float64 // reranker relevance when reranked, else similarity
	OriginalScore float64 // vector similarity before reranking
	Metadata      map[string]any
}

// Searcher is the slice of the knowledge store the service needs.
type Searcher interface {
	Search(ctx context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Match, error)
}

// Config holds the retrieval defaults; per-call Options override them.
type Config struct {
	TopK           int
	ScoreThreshold float64
	MinRecall      int // recall floor when reranking
	MaxRecall      int // recall ceiling when reranking
}

// Options customize a single Retrieve call. Zero values fall back to the
// service defaults.
type Options struct {
	TopK      int
	Threshold float64 // negative means "use default"; 0 is a valid threshold
	SiteID    int64   // 0 searches all sites
}

// Service coordinates recall, scoring, and reranking.
type Service struct {
	searcher Searcher
	reranker *Reranker // nil disables reranking entirely
	cfg      Config
	logger   log.Logger
}

// NewService creates a retrieval service. reranker may be nil.
func NewService(searcher Searcher, reranker *Reranker, cfg Config, logger log.Logger) *Service {
	return &Service{
		searcher: searcher,
		reranker: reranker,
		cfg:      cfg,
		logger:   logger.With("component", "retrieval"),
	}
}

// Retrieve returns at most topK candidates above the similarity threshold,
// best first. Failures are logged and degrade to an empty list.
//
// When reranking is active the vector recall is widened to at least
// max(MinRecall, 2*topK), capped at MaxRecall, so the reranker has a
// meaningful pool to reorder.
func (s *Service) Retrieve(ctx context.Context, query string, opts Options) []Candidate {
	topK := opts.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	threshold := s.cfg.ScoreThreshold
	if opts.Threshold >= 0 {
		threshold = opts.Threshold
	}

	rerank := s.reranker != nil && s.reranker.Enabled(ctx)
	recallK := s.recallDepth(topK, rerank)

	matches, err := s.searcher.Search(ctx, query,
		knowledge.WithLimit(recallK),
		knowledge.WithSiteFilter(opts.SiteID))
	if err != nil {
		s.logger.Error("vector search failed", "error", err)
		return nil
	}

	candidates := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		similarity := 1 - m.Distance
		if similarity < threshold {
			continue
		}
		candidates = append(candidates, Candidate{
			Content:       m.Content,
			DocumentID:    m.DocumentID,
			DocumentTitle: m.Title,
			SiteID:        m.SiteID,
			Score:         similarity,
			OriginalScore: similarity,
			Metadata:      m.Metadata,
		})
	}

	if len(candidates) == 0 {
		return nil
	}

	if rerank {
		return s.reranker.Rerank(ctx, query, candidates, topK)
	}
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

// recallDepth returns how many rows to pull from the vector index.
func (s *Service) recallDepth(topK int, rerank bool) int {
	if !rerank {
		return topK
	}
	depth := max(s.cfg.MinRecall, 2*topK)
	if depth > s.cfg.MaxRecall {
		depth = s.cfg.MaxRecall
	}
	return depth
}
